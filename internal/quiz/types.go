// Package quiz holds the domain entities of the daily quiz and the
// lifecycle state machine that governs quiz rows.
package quiz

import (
	"time"
)

// QuestionsPerQuiz is the fixed length of the daily question list.
const QuestionsPerQuiz = 50

// MaxWinners is the leaderboard size N.
const MaxWinners = 20

// Question is one multiple-choice question. Immutable once a quiz
// references it for a given day.
type Question struct {
	ID           string   `json:"id" db:"id"`
	Text         string   `json:"text" db:"text"`
	Options      []string `json:"options" db:"options"` // exactly four
	CorrectIndex int      `json:"correct_index" db:"correct_index"`
}

// Quiz is the one-per-day quiz row, keyed by civil date YYYY-MM-DD.
type Quiz struct {
	Date        string   `json:"date" db:"date"`
	QuestionIDs []string `json:"question_ids" db:"question_ids"`
	ClassGrade  string   `json:"class_grade" db:"class_grade"`
	State       State    `json:"state" db:"state"`

	ScheduledAt       *time.Time `json:"scheduled_at,omitempty" db:"scheduled_at"`
	LockedAt          *time.Time `json:"locked_at,omitempty" db:"locked_at"`
	PaymentClosedAt   *time.Time `json:"payment_closed_at,omitempty" db:"payment_closed_at"`
	LiveAt            *time.Time `json:"live_at,omitempty" db:"live_at"`
	EndedAt           *time.Time `json:"ended_at,omitempty" db:"ended_at"`
	FinalizedAt       *time.Time `json:"finalized_at,omitempty" db:"finalized_at"`
	ResultPublishedAt *time.Time `json:"result_published_at,omitempty" db:"result_published_at"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// IsLive reports whether answers are currently being accepted.
func (q *Quiz) IsLive() bool { return q.State == StateLive }

// IsCompleted reports whether the play window has closed.
func (q *Quiz) IsCompleted() bool {
	switch q.State {
	case StateEnded, StateFinalized, StateResultPublished:
		return true
	}
	return false
}

// User is the slice of the user record the engine needs. Registration
// and credential flows live outside this module.
type User struct {
	ID              string `json:"id" db:"id"`
	Role            string `json:"role" db:"role"` // USER, ADMIN, SUPER_ADMIN
	ClassGrade      string `json:"class_grade" db:"class_grade"`
	ProfileComplete bool   `json:"profile_complete" db:"profile_complete"`
	FreeCredits     int    `json:"free_credits" db:"free_credits"`
	Suspicious      bool   `json:"suspicious" db:"suspicious"`
	BlockedUntil    *time.Time `json:"blocked_until,omitempty" db:"blocked_until"`
}

// PaymentStatus is forward-only except REFUNDED.
type PaymentStatus string

const (
	PaymentCreated  PaymentStatus = "CREATED"
	PaymentVerified PaymentStatus = "VERIFIED"
	PaymentSuccess  PaymentStatus = "SUCCESS"
	PaymentLate     PaymentStatus = "LATE"
	PaymentRefunded PaymentStatus = "REFUNDED"
	PaymentFailed   PaymentStatus = "FAILED"
)

// paymentRank orders statuses for the forward-only rule. REFUNDED is
// reachable only from SUCCESS.
var paymentRank = map[PaymentStatus]int{
	PaymentCreated:  0,
	PaymentVerified: 1,
	PaymentSuccess:  2,
	PaymentLate:     2,
	PaymentFailed:   2,
	PaymentRefunded: 3,
}

// CanAdvancePayment reports whether a payment status move is legal.
func CanAdvancePayment(from, to PaymentStatus) bool {
	if from == to {
		return false
	}
	if to == PaymentRefunded {
		return from == PaymentSuccess
	}
	return paymentRank[to] > paymentRank[from]
}

// PaymentTypeFreeCredit marks the synthetic zero-amount payment created
// when a free-entry credit is consumed at join.
const PaymentTypeFreeCredit = "FREE_CREDIT"

// Payment is the per-(user,date) entry-fee record.
type Payment struct {
	UserID     string        `json:"user_id" db:"user_id"`
	Date       string        `json:"date" db:"date"`
	Status     PaymentStatus `json:"status" db:"status"`
	AmountPaise int64        `json:"amount_paise" db:"amount_paise"`
	Type       string        `json:"type,omitempty" db:"type"`
	OrderID    string        `json:"order_id,omitempty" db:"order_id"`
	ExternalID string        `json:"external_id,omitempty" db:"external_id"`
	CapturedAt *time.Time    `json:"captured_at,omitempty" db:"captured_at"`
	RefundedAt *time.Time    `json:"refunded_at,omitempty" db:"refunded_at"`
	CreatedAt  time.Time     `json:"created_at" db:"created_at"`
}

// Attempt is the durable per-(user,date) participation record.
type Attempt struct {
	ID   string `json:"id" db:"id"`
	UserID string `json:"user_id" db:"user_id"`
	Date string `json:"date" db:"date"`

	// QuestionOrder is the per-user permutation of question indices.
	QuestionOrder []int `json:"question_order" db:"question_order"`
	// OptionOrders[slot] is the per-slot permutation applied to the
	// four options before they are shown. Derived from the same seed;
	// memoized here for audit but reproducible.
	OptionOrders [][]int `json:"option_orders" db:"option_orders"`

	// Answers[slot] is the chosen option in ORIGINAL option coordinates,
	// nil while unanswered. Write-once per slot.
	Answers []*int `json:"answers" db:"answers"`
	// AnswerTimes[slot] is the server-stamped acceptance time.
	AnswerTimes []*time.Time `json:"answer_times" db:"answer_times"`
	// CommittedQuestionIDs[slot] is the question id served for that
	// slot, set when the slot is first served.
	CommittedQuestionIDs []string `json:"committed_question_ids" db:"committed_question_ids"`

	DeviceHash  string              `json:"device_hash" db:"device_hash"`
	Eligibility EligibilitySnapshot `json:"eligibility" db:"eligibility"`

	QuizStartedAt time.Time  `json:"quiz_started_at" db:"quiz_started_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	AnswersSaved  bool       `json:"answers_saved" db:"answers_saved"`

	// Set only during finalization.
	Score       *int       `json:"score,omitempty" db:"score"`
	Counted     *bool      `json:"counted,omitempty" db:"counted"`
	FinalizedAt *time.Time `json:"finalized_at,omitempty" db:"finalized_at"`
	ReasonCodes []string   `json:"reason_codes,omitempty" db:"reason_codes"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// AnsweredCount returns how many slots carry an answer.
func (a *Attempt) AnsweredCount() int {
	n := 0
	for _, ans := range a.Answers {
		if ans != nil {
			n++
		}
	}
	return n
}

// TotalTimeMs is the scoring tiebreak: completion time minus start time.
// Falls back to the last answer time when CompletedAt is unset.
func (a *Attempt) TotalTimeMs() int64 {
	end := a.CompletedAt
	if end == nil {
		for _, t := range a.AnswerTimes {
			if t != nil && (end == nil || t.After(*end)) {
				end = t
			}
		}
	}
	if end == nil {
		return 0
	}
	return end.Sub(a.QuizStartedAt).Milliseconds()
}

// EligibilitySnapshot is captured once at admission and never mutated.
type EligibilitySnapshot struct {
	Eligible bool      `json:"eligible"`
	Reason   string    `json:"reason"`
	TakenAt  time.Time `json:"taken_at"`
}

// Winner is one published leaderboard row.
type Winner struct {
	Date                 string    `json:"date" db:"date"`
	Rank                 int       `json:"rank" db:"rank"`
	UserID               string    `json:"user_id" db:"user_id"`
	AttemptID            string    `json:"attempt_id" db:"attempt_id"`
	Score                int       `json:"score" db:"score"`
	TotalTimeMs          int64     `json:"total_time_ms" db:"total_time_ms"`
	Accuracy             float64   `json:"accuracy" db:"accuracy"`
	QuizIntegrityHash    string    `json:"quiz_integrity_hash" db:"quiz_integrity_hash"`
	AttemptIntegrityHash string    `json:"attempt_integrity_hash" db:"attempt_integrity_hash"`
	CreatedAt            time.Time `json:"created_at" db:"created_at"`
}

// Progress is the ephemeral per-(user,date) audit trail of question
// sent/answer instants. Retained with a TTL and auto-expired.
type Progress struct {
	UserID    string       `json:"user_id" db:"user_id"`
	Date      string       `json:"date" db:"date"`
	SentAt    []*time.Time `json:"sent_at" db:"sent_at"`       // indexed by slot
	AnsweredAt []*time.Time `json:"answered_at" db:"answered_at"`
	ExpiresAt time.Time    `json:"expires_at" db:"expires_at"`
}

// Actor identifies who performed an audited mutation.
type Actor string

const (
	ActorSystem Actor = "SYSTEM"
	ActorAdmin  Actor = "ADMIN"
)

// AuditRecord is one audited mutation (FSM transition, admin action,
// finalization detail).
type AuditRecord struct {
	ID        string    `json:"id" db:"id"`
	Date      string    `json:"date" db:"date"`
	Actor     Actor     `json:"actor" db:"actor"`
	ActorID   string    `json:"actor_id,omitempty" db:"actor_id"`
	Action    string    `json:"action" db:"action"`
	Target    string    `json:"target" db:"target"`
	Before    string    `json:"before,omitempty" db:"before"`
	After     string    `json:"after,omitempty" db:"after"`
	Detail    string    `json:"detail,omitempty" db:"detail"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// AntiCheatEvent is one recorded abuse signal.
type AntiCheatEvent struct {
	ID        string    `json:"id" db:"id"`
	Date      string    `json:"date" db:"date"`
	UserID    string    `json:"user_id" db:"user_id"`
	Kind      string    `json:"kind" db:"kind"` // device_mismatch, question_id_mismatch, rapid_answer, ...
	Detail    string    `json:"detail,omitempty" db:"detail"`
	IP        string    `json:"ip,omitempty" db:"ip"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Anti-cheat event kinds.
const (
	CheatDeviceMismatch            = "device_mismatch"
	CheatDeviceFingerprintMismatch = "device_fingerprint_mismatch"
	CheatQuestionIDMismatch        = "question_id_mismatch"
	CheatRapidAnswer               = "rapid_answer"
	CheatSuspiciousTiming          = "suspicious_timing"
)
