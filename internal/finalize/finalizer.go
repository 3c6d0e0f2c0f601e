// Package finalize produces the day's ranked result exactly once:
// fenced by the coordinator token, deterministic in its scoring and
// tie-breaks, transactional in its writes.
package finalize

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/rs/zerolog/log"

	"github.com/quizarena/quizarena/internal/apperr"
	"github.com/quizarena/quizarena/internal/clock"
	"github.com/quizarena/quizarena/internal/coordinator"
	"github.com/quizarena/quizarena/internal/eligibility"
	"github.com/quizarena/quizarena/internal/observability"
	"github.com/quizarena/quizarena/internal/persistence"
	"github.com/quizarena/quizarena/internal/quiz"
)

// scorePoolSize bounds the concurrent scoring workers.
const scorePoolSize = 8

// Publisher receives lifecycle announcements for fan-out. Nil-safe on
// the Finalizer: a missing publisher only silences the broadcast.
type Publisher interface {
	PublishTransition(date string, to quiz.State)
}

// scored is the per-attempt scoring output.
type scored struct {
	attemptID   string
	score       int
	accuracy    float64
	attemptHash string
}

// Finalizer ranks the day and transitions ENDED -> FINALIZED.
type Finalizer struct {
	store     persistence.Store
	coord     coordinator.Coordinator
	calendar  *clock.Calendar
	hooks     *observability.Hooks
	publisher Publisher
	pool      pond.ResultPool[scored]
}

// New wires the finalizer.
func New(store persistence.Store, coord coordinator.Coordinator, calendar *clock.Calendar, hooks *observability.Hooks, publisher Publisher) *Finalizer {
	return &Finalizer{
		store:     store,
		coord:     coord,
		calendar:  calendar,
		hooks:     hooks,
		publisher: publisher,
		pool:      pond.NewResultPool[scored](scorePoolSize),
	}
}

// Run finalizes the date. At most one caller per day proceeds past the
// fence; the rest record a fencing failure and return nil. A coordinator
// outage fails closed: finalization is retried later rather than risked
// twice.
func (f *Finalizer) Run(ctx context.Context, date string, actor quiz.Actor, actorID string) error {
	start := f.calendar.Now()

	token, err := f.coord.AcquireFinalizeToken(ctx, date)
	if err != nil {
		f.hooks.RecordFinalize(f.calendar.Now().Sub(start), false)
		return apperr.Wrap(apperr.KindUpstream, "FINALIZE_FENCE_UNAVAILABLE",
			"cannot acquire finalize token", err)
	}
	if token != 1 {
		f.hooks.RecordFencingFailure("finalize")
		log.Warn().Str("date", date).Int64("token", token).Msg("finalize fence lost, another run owns the day")
		return nil
	}

	if err := f.finalize(ctx, date, actor, actorID); err != nil {
		f.hooks.RecordFinalize(f.calendar.Now().Sub(start), false)
		return err
	}
	f.hooks.RecordFinalize(f.calendar.Now().Sub(start), true)
	return nil
}

// Force runs finalization without the fence. Reserved for the admin
// force-finalize path after a lost token stranded a day in ENDED.
func (f *Finalizer) Force(ctx context.Context, date string, actorID string) error {
	start := f.calendar.Now()
	log.Warn().Str("date", date).Str("actor", actorID).Msg("forced finalization, fence bypassed")
	if err := f.finalize(ctx, date, quiz.ActorAdmin, actorID); err != nil {
		f.hooks.RecordFinalize(f.calendar.Now().Sub(start), false)
		return err
	}
	f.hooks.RecordFinalize(f.calendar.Now().Sub(start), true)
	return nil
}

func (f *Finalizer) finalize(ctx context.Context, date string, actor quiz.Actor, actorID string) error {
	q, err := f.store.Quizzes().GetByDate(ctx, date)
	if err != nil {
		return err
	}
	if q.State != quiz.StateEnded {
		return apperr.New(apperr.KindPrecondition, apperr.CodeAlreadyFinalized,
			fmt.Sprintf("quiz is %s, expected %s", q.State, quiz.StateEnded))
	}

	bank, err := f.store.Quizzes().GetQuestions(ctx, q.QuestionIDs)
	if err != nil {
		return err
	}
	quizHash := quizIntegrityHash(bank)
	now := f.calendar.Now()

	var winners []quiz.Winner
	err = f.store.FinalizeTx(ctx, date, func(scope persistence.FinalizeScope) error {
		attempts, err := scope.Attempts().ListForFinalize(ctx, date)
		if err != nil {
			return err
		}

		// Scoring is pure; fan it out. Store writes stay serial below.
		group := f.pool.NewGroupContext(ctx)
		for idx := range attempts {
			a := attempts[idx]
			group.SubmitErr(func() (scored, error) {
				return scoreAttempt(&a, bank)
			})
		}
		results, err := group.Wait()
		if err != nil {
			return err
		}

		var ranked []rankedAttempt
		for idx := range attempts {
			a := attempts[idx]
			res := results[idx]

			payment, payErr := scope.Payments().GetByUserDate(ctx, a.UserID, date)
			if payErr != nil && !errors.Is(payErr, persistence.ErrNotFound) {
				return payErr
			}
			outcome := eligibility.AtFinalize(a.Eligibility, payment)
			counted := outcome.Eligible

			reasons := []string{string(outcome.Reason)}
			if err := scope.Attempts().SetResult(ctx, a.ID, res.score, counted, now, reasons); err != nil {
				return err
			}
			if counted {
				ranked = append(ranked, rankedAttempt{attempt: a, scored: res})
			}
		}

		sortRanked(ranked)

		n := len(ranked)
		if n > quiz.MaxWinners {
			n = quiz.MaxWinners
		}
		winners = make([]quiz.Winner, 0, n)
		for i := 0; i < n; i++ {
			r := ranked[i]
			winners = append(winners, quiz.Winner{
				Date:                 date,
				Rank:                 i + 1,
				UserID:               r.attempt.UserID,
				AttemptID:            r.attempt.ID,
				Score:                r.scored.score,
				TotalTimeMs:          r.attempt.TotalTimeMs(),
				Accuracy:             r.scored.accuracy,
				QuizIntegrityHash:    quizHash,
				AttemptIntegrityHash: r.scored.attemptHash,
				CreatedAt:            now,
			})
		}

		// Replace clears partial rows from an interrupted earlier run.
		return scope.Winners().ReplaceForDate(ctx, date, winners)
	})
	if err != nil {
		return err
	}

	if _, err := f.store.Quizzes().Transition(ctx, date, quiz.StateEnded, quiz.StateFinalized, now); err != nil {
		return err
	}
	f.hooks.RecordTransition(date, quiz.StateEnded, quiz.StateFinalized)

	detail, _ := json.Marshal(winners)
	if err := f.store.Audit().Record(ctx, quiz.AuditRecord{
		Date:      date,
		Actor:     actor,
		ActorID:   actorID,
		Action:    "finalize",
		Target:    "quiz:" + date,
		Before:    string(quiz.StateEnded),
		After:     string(quiz.StateFinalized),
		Detail:    string(detail),
		CreatedAt: now,
	}); err != nil {
		log.Error().Err(err).Str("date", date).Msg("finalize audit write failed")
	}

	if f.publisher != nil {
		f.publisher.PublishTransition(date, quiz.StateFinalized)
	}
	log.Info().Str("date", date).Int("winners", len(winners)).Msg("quiz finalized")
	return nil
}

type rankedAttempt struct {
	attempt quiz.Attempt
	scored  scored
}

// sortRanked orders by score descending, then total time, completion
// instant, creation instant and attempt id. Strictly deterministic.
func sortRanked(ranked []rankedAttempt) {
	sort.Slice(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.scored.score != b.scored.score {
			return a.scored.score > b.scored.score
		}
		at, bt := a.attempt.TotalTimeMs(), b.attempt.TotalTimeMs()
		if at != bt {
			return at < bt
		}
		ac, bc := completionInstant(&a.attempt), completionInstant(&b.attempt)
		if !ac.Equal(bc) {
			return ac.Before(bc)
		}
		if !a.attempt.CreatedAt.Equal(b.attempt.CreatedAt) {
			return a.attempt.CreatedAt.Before(b.attempt.CreatedAt)
		}
		return a.attempt.ID < b.attempt.ID
	})
}

// completionInstant ranks attempts without a completion stamp after
// every completed one at the same score and time.
func completionInstant(a *quiz.Attempt) time.Time {
	if a.CompletedAt != nil {
		return *a.CompletedAt
	}
	return time.Unix(1<<40, 0)
}

// scoreAttempt recomputes the score from stored original-coordinate
// answers against the original question order. The answer array is
// never rewritten.
func scoreAttempt(a *quiz.Attempt, bank []quiz.Question) (scored, error) {
	score := 0
	for slot, ans := range a.Answers {
		if ans == nil || slot >= len(a.QuestionOrder) {
			continue
		}
		originalIdx := a.QuestionOrder[slot]
		if originalIdx < 0 || originalIdx >= len(bank) {
			return scored{}, fmt.Errorf("attempt %s: slot %d order out of range", a.ID, slot)
		}
		if bank[originalIdx].CorrectIndex == *ans {
			score++
		}
	}
	accuracy := 0.0
	if len(a.QuestionOrder) > 0 {
		accuracy = float64(score) / float64(len(a.QuestionOrder))
	}
	return scored{
		attemptID:   a.ID,
		score:       score,
		accuracy:    accuracy,
		attemptHash: attemptIntegrityHash(a),
	}, nil
}

// quizIntegrityHash fingerprints the ordered question tuples.
func quizIntegrityHash(bank []quiz.Question) string {
	h := sha256.New()
	for _, q := range bank {
		fmt.Fprintf(h, "%s|%s|%d|", q.ID, q.Text, q.CorrectIndex)
		for _, opt := range q.Options {
			h.Write([]byte(opt))
			h.Write([]byte{0})
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

// attemptIntegrityHash fingerprints answers, their timestamps and the
// permutation they were given under.
func attemptIntegrityHash(a *quiz.Attempt) string {
	h := sha256.New()
	for _, ans := range a.Answers {
		if ans == nil {
			h.Write([]byte("-"))
		} else {
			fmt.Fprintf(h, "%d", *ans)
		}
		h.Write([]byte{0})
	}
	for _, ts := range a.AnswerTimes {
		if ts == nil {
			h.Write([]byte("-"))
		} else {
			fmt.Fprintf(h, "%d", ts.UnixMilli())
		}
		h.Write([]byte{0})
	}
	for _, idx := range a.QuestionOrder {
		fmt.Fprintf(h, "%d,", idx)
	}
	return hex.EncodeToString(h.Sum(nil))
}
