// Package answer validates and records answer submissions: at most one
// answer per slot, only for the slot currently being served, only from
// the device that joined.
package answer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quizarena/quizarena/internal/admission"
	"github.com/quizarena/quizarena/internal/apperr"
	"github.com/quizarena/quizarena/internal/clock"
	"github.com/quizarena/quizarena/internal/coordinator"
	"github.com/quizarena/quizarena/internal/observability"
	"github.com/quizarena/quizarena/internal/permute"
	"github.com/quizarena/quizarena/internal/persistence"
	"github.com/quizarena/quizarena/internal/question"
	"github.com/quizarena/quizarena/internal/quiz"
)

// rapidAnswerFloor is the soft anti-cheat gate: an answer landing less
// than this after the question was sent to the user is rejected.
const rapidAnswerFloor = 2 * time.Second

// Request is one answer submission.
type Request struct {
	UserID         string
	Date           string
	QuestionID     string
	SelectedOption int // displayed coordinates
	Device         admission.DeviceInfo
}

// Result reports the submission outcome. AlreadyAnswered is surfaced
// as success: the stored answer stands and nothing changed.
type Result struct {
	IsCorrect       bool `json:"isCorrect"`
	CountsForScore  bool `json:"countsForScore"`
	AlreadyAnswered bool `json:"alreadyAnswered"`
	Eligible        bool `json:"eligible"`
}

// Ingestor applies the submission gates in order and records answers.
type Ingestor struct {
	store    persistence.Store
	coord    coordinator.Coordinator
	position *question.Server
	calendar *clock.Calendar
	hooks    *observability.Hooks
}

// New wires the answer ingestor. The question server supplies the
// authoritative (slot, startedAt) position.
func New(store persistence.Store, coord coordinator.Coordinator, position *question.Server, calendar *clock.Calendar, hooks *observability.Hooks) *Ingestor {
	return &Ingestor{store: store, coord: coord, position: position, calendar: calendar, hooks: hooks}
}

// Submit runs the gates in order and, on success, writes the answer in
// original option coordinates into the slot position.
func (i *Ingestor) Submit(ctx context.Context, req Request) (*Result, error) {
	start := i.calendar.Now()
	defer func() { i.hooks.ObserveAnswerLatency(i.calendar.Now().Sub(start)) }()

	q, err := i.store.Quizzes().GetByDate(ctx, req.Date)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return nil, apperr.New(apperr.KindPrecondition, apperr.CodeQuizNotLive, "no quiz today")
		}
		return nil, err
	}
	if !q.IsLive() {
		return nil, apperr.New(apperr.KindPrecondition, apperr.CodeQuizNotLive,
			fmt.Sprintf("quiz is %s", q.State))
	}

	attempt, err := i.store.Attempts().GetByUserDate(ctx, req.UserID, req.Date)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return nil, apperr.New(apperr.KindPrecondition, "NOT_JOINED", "join the quiz first")
		}
		return nil, err
	}

	now := i.calendar.Now()

	// Hard cap: the attempt's personal window.
	if now.Sub(attempt.QuizStartedAt) > clock.LiveWindow {
		return nil, apperr.New(apperr.KindPrecondition, apperr.CodeQuizTimeOver, "quiz window is over")
	}

	// Device lock.
	if attempt.DeviceHash != req.Device.Hash() {
		i.hooks.RecordCheat(ctx, quiz.AntiCheatEvent{
			Date:      req.Date,
			UserID:    req.UserID,
			Kind:      quiz.CheatDeviceMismatch,
			Detail:    "answer from a different device",
			IP:        req.Device.IP,
			CreatedAt: now,
		})
		return nil, apperr.New(apperr.KindDeviceMismatch, apperr.CodeDeviceMismatch,
			"answer must come from the joining device")
	}

	// Resolve the slot from the question id inside the permutation.
	slot, err := i.resolveSlot(ctx, q, attempt, req)
	if err != nil {
		return nil, err
	}

	// The slot must be the one currently served.
	currentIdx, startedAt, err := i.position.Position(ctx, q)
	if err != nil {
		return nil, err
	}
	if slot != currentIdx {
		return nil, apperr.New(apperr.KindPrecondition, apperr.CodeAdvancedPastSlot,
			fmt.Sprintf("quiz is at slot %d", currentIdx))
	}

	// Per-question window, inclusive at the boundary.
	if now.Sub(startedAt) > clock.QuestionWindow {
		return nil, apperr.New(apperr.KindPrecondition, apperr.CodeTimeExpired, "question window expired")
	}

	// A second submission for an answered slot is an idempotent
	// success; nothing below may run for it.
	if slot < len(attempt.Answers) && attempt.Answers[slot] != nil {
		correct, corrErr := i.isCorrect(ctx, q, attempt, slot, *attempt.Answers[slot])
		if corrErr != nil {
			return nil, corrErr
		}
		return &Result{
			IsCorrect:       correct,
			CountsForScore:  attempt.Eligibility.Eligible,
			AlreadyAnswered: true,
			Eligible:        attempt.Eligibility.Eligible,
		}, nil
	}

	// Soft anti-cheat: suspiciously fast answer after the send stamp.
	if i.isRapid(ctx, req.UserID, req.Date, slot, now) {
		i.hooks.RecordCheat(ctx, quiz.AntiCheatEvent{
			Date:      req.Date,
			UserID:    req.UserID,
			Kind:      quiz.CheatRapidAnswer,
			Detail:    fmt.Sprintf("slot %d", slot),
			IP:        req.Device.IP,
			CreatedAt: now,
		})
		return nil, apperr.New(apperr.KindPrecondition, apperr.CodeRapidAnswer, "answer arrived implausibly fast")
	}

	// Map the displayed choice back to original coordinates.
	original := permute.OriginalOption(attempt.OptionOrders[slot], req.SelectedOption)
	if original < 0 {
		return nil, apperr.New(apperr.KindValidation, "OPTION_OUT_OF_RANGE",
			fmt.Sprintf("option %d", req.SelectedOption))
	}

	wrote, err := i.store.Attempts().SaveAnswer(ctx, attempt.ID, slot, original, now)
	if err != nil {
		return nil, err
	}

	correct, err := i.isCorrect(ctx, q, attempt, slot, original)
	if err != nil {
		return nil, err
	}

	if !wrote {
		// Idempotent success: report the stored outcome, change nothing.
		stored, getErr := i.store.Attempts().GetByUserDate(ctx, req.UserID, req.Date)
		if getErr == nil && stored.Answers[slot] != nil {
			correct, err = i.isCorrect(ctx, q, attempt, slot, *stored.Answers[slot])
			if err != nil {
				return nil, err
			}
		}
		return &Result{
			IsCorrect:       correct,
			CountsForScore:  attempt.Eligibility.Eligible,
			AlreadyAnswered: true,
			Eligible:        attempt.Eligibility.Eligible,
		}, nil
	}

	if err := i.store.Progress().StampAnswered(ctx, req.UserID, req.Date, slot, now); err != nil &&
		!errors.Is(err, persistence.ErrNotFound) {
		log.Warn().Err(err).Str("user", req.UserID).Int("slot", slot).Msg("progress answer stamp failed")
	}

	return &Result{
		IsCorrect:       correct,
		CountsForScore:  attempt.Eligibility.Eligible,
		AlreadyAnswered: false,
		Eligible:        attempt.Eligibility.Eligible,
	}, nil
}

// FinishSummary is the provisional result returned at submission time.
// The authoritative score is recomputed at finalization.
type FinishSummary struct {
	Score    int  `json:"score"`
	Counted  bool `json:"counted"`
	Eligible bool `json:"isEligible"`
}

// Finish marks the attempt completed, stamping the completion time used
// as the ranking tiebreak, and returns the provisional score.
func (i *Ingestor) Finish(ctx context.Context, userID, date string) (*FinishSummary, error) {
	attempt, err := i.store.Attempts().GetByUserDate(ctx, userID, date)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return nil, apperr.New(apperr.KindPrecondition, "NOT_JOINED", "join the quiz first")
		}
		return nil, err
	}
	if err := i.store.Attempts().MarkCompleted(ctx, attempt.ID, i.calendar.Now()); err != nil {
		return nil, err
	}

	q, err := i.store.Quizzes().GetByDate(ctx, date)
	if err != nil {
		return nil, err
	}
	bank, err := i.store.Quizzes().GetQuestions(ctx, q.QuestionIDs)
	if err != nil {
		return nil, err
	}
	score := 0
	for slot, ans := range attempt.Answers {
		if ans == nil || slot >= len(attempt.QuestionOrder) {
			continue
		}
		if bank[attempt.QuestionOrder[slot]].CorrectIndex == *ans {
			score++
		}
	}
	return &FinishSummary{
		Score:    score,
		Counted:  attempt.Eligibility.Eligible,
		Eligible: attempt.Eligibility.Eligible,
	}, nil
}

// resolveSlot locates the question id in the attempt's permutation and
// cross-checks the committed id for that slot.
func (i *Ingestor) resolveSlot(ctx context.Context, q *quiz.Quiz, attempt *quiz.Attempt, req Request) (int, error) {
	slot := -1
	for s, originalIdx := range attempt.QuestionOrder {
		if originalIdx >= 0 && originalIdx < len(q.QuestionIDs) && q.QuestionIDs[originalIdx] == req.QuestionID {
			slot = s
			break
		}
	}
	if slot < 0 {
		return -1, apperr.New(apperr.KindPrecondition, apperr.CodeQuestionNotInOrder,
			"question is not part of this attempt")
	}
	if slot < len(attempt.CommittedQuestionIDs) {
		if committed := attempt.CommittedQuestionIDs[slot]; committed != "" && committed != req.QuestionID {
			i.hooks.RecordCheat(ctx, quiz.AntiCheatEvent{
				Date:      req.Date,
				UserID:    req.UserID,
				Kind:      quiz.CheatQuestionIDMismatch,
				Detail:    fmt.Sprintf("slot %d: got %s, served %s", slot, req.QuestionID, committed),
				IP:        req.Device.IP,
				CreatedAt: i.calendar.Now(),
			})
			return -1, apperr.New(apperr.KindPrecondition, apperr.CodeQuestionNotInOrder,
				"question does not match the one served")
		}
	}
	return slot, nil
}

// isRapid checks the progress send stamp; absent progress means the
// gate does not apply.
func (i *Ingestor) isRapid(ctx context.Context, userID, date string, slot int, now time.Time) bool {
	p, err := i.store.Progress().Get(ctx, userID, date)
	if err != nil || slot >= len(p.SentAt) || p.SentAt[slot] == nil {
		return false
	}
	return now.Sub(*p.SentAt[slot]) < rapidAnswerFloor
}

// isCorrect compares the original-coordinate answer with the question's
// correct index.
func (i *Ingestor) isCorrect(ctx context.Context, q *quiz.Quiz, attempt *quiz.Attempt, slot, original int) (bool, error) {
	questionID := q.QuestionIDs[attempt.QuestionOrder[slot]]
	questions, err := i.store.Quizzes().GetQuestions(ctx, []string{questionID})
	if err != nil {
		return false, err
	}
	return questions[0].CorrectIndex == original, nil
}
