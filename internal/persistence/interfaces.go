// Package persistence defines the authoritative state store contracts.
// Only the store owns durable truth; the coordinator carries transient
// counters and fences and is never consulted for recovery.
package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/quizarena/quizarena/internal/quiz"
)

// ErrNotFound is returned when a keyed record does not exist.
var ErrNotFound = errors.New("persistence: not found")

// ErrDuplicate is returned on unique-constraint violations.
var ErrDuplicate = errors.New("persistence: duplicate")

// QuizRepo persists the one-per-day quiz rows and the question bank.
type QuizRepo interface {
	// Create inserts a new quiz in DRAFT/SCHEDULED; the date is unique.
	Create(ctx context.Context, q *quiz.Quiz) error

	// GetByDate fetches the quiz for a civil date.
	GetByDate(ctx context.Context, date string) (*quiz.Quiz, error)

	// Transition atomically moves the quiz from -> to, stamping the
	// timestamp field matching `to`. The write carries the state as a
	// precondition; a lost race or illegal move returns a Conflict.
	Transition(ctx context.Context, date string, from, to quiz.State, at time.Time) (*quiz.Quiz, error)

	// SaveQuestions upserts questions into the bank.
	SaveQuestions(ctx context.Context, questions []quiz.Question) error

	// GetQuestions resolves question ids, preserving input order.
	GetQuestions(ctx context.Context, ids []string) ([]quiz.Question, error)
}

// AttemptRepo persists per-(user,date) attempts with write-once slots.
type AttemptRepo interface {
	// CreateIfAbsent inserts the attempt unless (user,date) exists, in
	// which case the existing row is returned with created=false. The
	// device hash, eligibility snapshot and quizStartedAt are only ever
	// written by the insert (set-on-insert).
	CreateIfAbsent(ctx context.Context, a *quiz.Attempt) (existing *quiz.Attempt, created bool, err error)

	// GetByUserDate fetches the attempt for (user, date).
	GetByUserDate(ctx context.Context, userID, date string) (*quiz.Attempt, error)

	// CommitQuestion records the question id served at a slot, set-once.
	CommitQuestion(ctx context.Context, attemptID string, slot int, questionID string) error

	// SaveAnswer writes the answer (original option coordinates) into
	// the slot position if, and only if, the slot is empty. Returns
	// wrote=false when the slot already held an answer.
	SaveAnswer(ctx context.Context, attemptID string, slot int, originalOption int, at time.Time) (wrote bool, err error)

	// MarkCompleted stamps completion and sets answersSaved.
	MarkCompleted(ctx context.Context, attemptID string, at time.Time) error

	// ListForFinalize returns every attempt for the date that has at
	// least one saved answer or is marked completed.
	ListForFinalize(ctx context.Context, date string) ([]quiz.Attempt, error)

	// SetResult writes score/counted/finalizedAt, only during finalization.
	SetResult(ctx context.Context, attemptID string, score int, counted bool, at time.Time, reasons []string) error
}

// PaymentRepo persists entry-fee records, forward-only statuses.
type PaymentRepo interface {
	Create(ctx context.Context, p *quiz.Payment) error
	GetByUserDate(ctx context.Context, userID, date string) (*quiz.Payment, error)
	GetByOrderID(ctx context.Context, orderID string) (*quiz.Payment, error)

	// AdvanceStatus moves the payment status forward; backward moves
	// (other than SUCCESS -> REFUNDED) return a Conflict.
	AdvanceStatus(ctx context.Context, userID, date string, to quiz.PaymentStatus, at time.Time) error

	// CountForDate counts payments in the given status, used for the
	// eligible-population snapshot at payment close.
	CountForDate(ctx context.Context, date string, status quiz.PaymentStatus) (int, error)
}

// WinnerRepo persists the published leaderboard rows.
type WinnerRepo interface {
	// ReplaceForDate deletes any partial rows for the date and inserts
	// the ranked list. Callers run it inside FinalizeTx so re-runs are
	// idempotent.
	ReplaceForDate(ctx context.Context, date string, winners []quiz.Winner) error

	ListByDate(ctx context.Context, date string) ([]quiz.Winner, error)
}

// ProgressRepo keeps the ephemeral sent/answered timeline for audit.
// Rows expire after the retention window.
type ProgressRepo interface {
	StampSent(ctx context.Context, userID, date string, slot int, at time.Time, retention time.Duration) error
	StampAnswered(ctx context.Context, userID, date string, slot int, at time.Time) error
	Get(ctx context.Context, userID, date string) (*quiz.Progress, error)
}

// UserRepo reads the engine's slice of the user record.
type UserRepo interface {
	Get(ctx context.Context, id string) (*quiz.User, error)

	// ConsumeFreeCredit decrements the free-entry balance if positive.
	ConsumeFreeCredit(ctx context.Context, id string) (consumed bool, err error)

	// MarkSuspicious / BlockUntil are the automatic anti-cheat actions.
	MarkSuspicious(ctx context.Context, id string) error
	BlockUntil(ctx context.Context, id string, until time.Time) error
}

// AuditRepo appends audited mutations.
type AuditRepo interface {
	Record(ctx context.Context, rec quiz.AuditRecord) error
	ListByDate(ctx context.Context, date string) ([]quiz.AuditRecord, error)
}

// CheatRepo records anti-cheat events and supports the derived alerts.
type CheatRepo interface {
	Record(ctx context.Context, ev quiz.AntiCheatEvent) error
	CountByUserKind(ctx context.Context, date, userID, kind string) (int, error)
	CountByIP(ctx context.Context, date, ip string) (int, error)
}

// FinalizeScope is the transactional view the finalizer works in:
// winner replacement, attempt result writes and payment reads commit
// or roll back together.
type FinalizeScope interface {
	Attempts() AttemptRepo
	Winners() WinnerRepo
	Payments() PaymentRepo
}

// Store aggregates the repositories plus the finalize transaction.
type Store interface {
	Quizzes() QuizRepo
	Attempts() AttemptRepo
	Payments() PaymentRepo
	Winners() WinnerRepo
	Progress() ProgressRepo
	Users() UserRepo
	Audit() AuditRepo
	Cheat() CheatRepo

	// FinalizeTx runs fn in a single transactional scope for the date.
	FinalizeTx(ctx context.Context, date string, fn func(scope FinalizeScope) error) error

	// Ping verifies connectivity for health checks.
	Ping(ctx context.Context) error

	Close() error
}
