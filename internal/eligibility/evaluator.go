// Package eligibility decides whether a user's answers count. It is a
// pure function of its inputs; no caller may decide eligibility from
// cached flags alone.
package eligibility

import (
	"time"

	"github.com/quizarena/quizarena/internal/quiz"
)

// Reason is the closed set of eligibility outcomes.
type Reason string

const (
	ReasonEligible              Reason = "ELIGIBLE"
	ReasonPaymentMissing        Reason = "PAYMENT_MISSING"
	ReasonQuizNotLive           Reason = "QUIZ_NOT_LIVE"
	ReasonProfileIncomplete     Reason = "PROFILE_INCOMPLETE"
	ReasonLateSubmission        Reason = "LATE_SUBMISSION"
	ReasonSubscriptionRequired  Reason = "SUBSCRIPTION_REQUIRED"
	ReasonInsufficientStreak    Reason = "INSUFFICIENT_STREAK"
	ReasonQuizEnded             Reason = "QUIZ_ENDED"
	ReasonRefundVoidsEligibility Reason = "REFUND_VOIDS_ELIGIBILITY"
)

// Result is the evaluator output.
type Result struct {
	Eligible bool
	Reason   Reason
}

// Input gathers everything the evaluator may inspect. Payment is nil
// when no payment row exists for (user, date).
type Input struct {
	User    *quiz.User
	Payment *quiz.Payment
	Quiz    *quiz.Quiz
	Now     time.Time
}

// Evaluate applies the admission-time rules. Order matters: quiz state
// first, then profile, then payment.
func Evaluate(in Input) Result {
	if in.Quiz == nil {
		return Result{Reason: ReasonQuizNotLive}
	}
	if in.Quiz.IsCompleted() {
		return Result{Reason: ReasonQuizEnded}
	}
	if !in.Quiz.IsLive() {
		return Result{Reason: ReasonQuizNotLive}
	}
	if in.User == nil || !in.User.ProfileComplete {
		return Result{Reason: ReasonProfileIncomplete}
	}
	if in.Payment == nil {
		return Result{Reason: ReasonPaymentMissing}
	}
	switch in.Payment.Status {
	case quiz.PaymentSuccess:
		return Result{Eligible: true, Reason: ReasonEligible}
	case quiz.PaymentLate:
		// A capture past the cutoff counts the same as no payment.
		return Result{Reason: ReasonPaymentMissing}
	case quiz.PaymentRefunded:
		return Result{Reason: ReasonRefundVoidsEligibility}
	default:
		// CREATED/VERIFIED never reached capture; FAILED speaks for itself.
		return Result{Reason: ReasonPaymentMissing}
	}
}

// AtFinalize re-evaluates a snapshot at finalization time. The only
// admissible change is a refund arriving after the quiz started: it
// voids an otherwise eligible attempt. A snapshot that was ineligible
// stays ineligible.
func AtFinalize(snapshot quiz.EligibilitySnapshot, payment *quiz.Payment) Result {
	if !snapshot.Eligible {
		return Result{Eligible: false, Reason: Reason(snapshot.Reason)}
	}
	if payment != nil && payment.Status == quiz.PaymentRefunded {
		return Result{Eligible: false, Reason: ReasonRefundVoidsEligibility}
	}
	return Result{Eligible: true, Reason: ReasonEligible}
}
