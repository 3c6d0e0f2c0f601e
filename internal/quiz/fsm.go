package quiz

import (
	"time"

	"github.com/quizarena/quizarena/internal/apperr"
)

// State is the quiz lifecycle state.
type State string

const (
	StateDraft           State = "DRAFT"
	StateScheduled       State = "SCHEDULED"
	StateLocked          State = "LOCKED"
	StatePaymentClosed   State = "PAYMENT_CLOSED"
	StateLive            State = "LIVE"
	StateEnded           State = "ENDED"
	StateFinalized       State = "FINALIZED"
	StateResultPublished State = "RESULT_PUBLISHED"
)

// transitions is the legal move table. RESULT_PUBLISHED is terminal.
var transitions = map[State][]State{
	StateDraft:         {StateScheduled, StateLocked},
	StateScheduled:     {StateLocked, StateLive},
	StateLocked:        {StatePaymentClosed, StateLive},
	StatePaymentClosed: {StateLive},
	StateLive:          {StateEnded},
	StateEnded:         {StateFinalized, StateResultPublished},
	StateFinalized:     {StateResultPublished},
}

// CanTransition reports whether from → to is a legal FSM move.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns a Conflict error for an illegal move.
func ValidateTransition(from, to State) error {
	if !CanTransition(from, to) {
		return apperr.New(apperr.KindConflict, apperr.CodeInvalidTransition,
			"illegal quiz transition "+string(from)+" -> "+string(to))
	}
	return nil
}

// ApplyTransition sets the new state and the matching timestamp field
// on the quiz. The caller persists the result atomically with a state
// precondition.
func ApplyTransition(q *Quiz, to State, at time.Time) error {
	if err := ValidateTransition(q.State, to); err != nil {
		return err
	}
	q.State = to
	switch to {
	case StateScheduled:
		q.ScheduledAt = &at
	case StateLocked:
		q.LockedAt = &at
	case StatePaymentClosed:
		q.PaymentClosedAt = &at
	case StateLive:
		q.LiveAt = &at
	case StateEnded:
		q.EndedAt = &at
	case StateFinalized:
		q.FinalizedAt = &at
	case StateResultPublished:
		q.ResultPublishedAt = &at
	}
	return nil
}

// TimestampField returns the quiz column name stamped by a transition
// into the given state. Used by the store for the conditional UPDATE.
func TimestampField(to State) string {
	switch to {
	case StateScheduled:
		return "scheduled_at"
	case StateLocked:
		return "locked_at"
	case StatePaymentClosed:
		return "payment_closed_at"
	case StateLive:
		return "live_at"
	case StateEnded:
		return "ended_at"
	case StateFinalized:
		return "finalized_at"
	case StateResultPublished:
		return "result_published_at"
	default:
		return ""
	}
}

// LeaderboardVisible reports whether results may be served in a state.
func LeaderboardVisible(s State) bool {
	switch s {
	case StateEnded, StateFinalized, StateResultPublished:
		return true
	}
	return false
}
