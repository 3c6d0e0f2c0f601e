// Package coordinator provides the cluster-visible counters and fences:
// the current question index, join admission slots, the per-day
// finalize token and webhook replay guards. It is a performance aid,
// never authoritative truth. Callers must tolerate its absence per the
// fail-open / fail-closed split documented on each method.
package coordinator

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable signals that the coordinator is down or its circuit is
// open. Rate-limit callers fail open on it; fence callers fail closed.
var ErrUnavailable = errors.New("coordinator: unavailable")

// Coordinator is the ephemeral state contract.
type Coordinator interface {
	// Advance publishes the current question index and its start
	// instant for the date. Monotonic: a lower index than the stored
	// one is ignored.
	Advance(ctx context.Context, date string, index int, startedAt time.Time) error

	// CurrentIndex returns the published index, or -1 when the quiz has
	// not advanced yet.
	CurrentIndex(ctx context.Context, date string) (int, error)

	// QuestionStartedAt returns the start instant of the current index.
	QuestionStartedAt(ctx context.Context, date string) (time.Time, error)

	// AcquireFinalizeToken increments the per-day fence and returns the
	// token. Exactly one caller per day observes 1. Fail closed.
	AcquireFinalizeToken(ctx context.Context, date string) (int64, error)

	// AcquireJoinSlot takes one of the bounded in-flight admission
	// slots. Returns false when the cap is reached. Fail open.
	AcquireJoinSlot(ctx context.Context, date string) (bool, error)
	ReleaseJoinSlot(ctx context.Context, date string) error

	// SeenWebhookEvent marks the event id and reports whether it had
	// been seen before (idempotency window 7 days).
	SeenWebhookEvent(ctx context.Context, eventID string) (bool, error)

	// ForgetWebhookEvent releases a marked event id so the gateway's
	// retry of a delivery that failed to apply is not treated as a
	// duplicate.
	ForgetWebhookEvent(ctx context.Context, eventID string) error

	// AddParticipant / Participants maintain the per-day roster used by
	// the end-of-day fan-out.
	AddParticipant(ctx context.Context, date, userID string) error
	Participants(ctx context.Context, date string) ([]string, error)

	Close() error
}
