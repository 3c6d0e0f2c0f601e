// Package engine drives the daily quiz timeline: the anchor-deadline
// transitions, the 15-second advancement loop while LIVE, and startup
// catch-up after a crash.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/quizarena/quizarena/internal/apperr"
	"github.com/quizarena/quizarena/internal/clock"
	"github.com/quizarena/quizarena/internal/coordinator"
	"github.com/quizarena/quizarena/internal/finalize"
	"github.com/quizarena/quizarena/internal/observability"
	"github.com/quizarena/quizarena/internal/persistence"
	"github.com/quizarena/quizarena/internal/quiz"
)

// retryDelay spaces Tick retries after a store or coordinator error.
const retryDelay = 5 * time.Second

// Broadcaster fans engine events out to connected clients.
type Broadcaster interface {
	PublishTransition(date string, to quiz.State)
	PublishAdvance(date string, slot int)
}

// Engine owns the day's timeline. Exactly one logical timeline exists
// per date; racing processes are serialized by the quiz row's state
// precondition and the coordinator's monotonic index.
type Engine struct {
	store    persistence.Store
	coord    coordinator.Coordinator
	calendar *clock.Calendar
	clk      clockwork.Clock
	hooks    *observability.Hooks
	fin      *finalize.Finalizer
	cast     Broadcaster
}

// New wires the engine. clk must be the same clock the calendar reads.
func New(store persistence.Store, coord coordinator.Coordinator, calendar *clock.Calendar, clk clockwork.Clock, hooks *observability.Hooks, fin *finalize.Finalizer, cast Broadcaster) *Engine {
	return &Engine{
		store:    store,
		coord:    coord,
		calendar: calendar,
		clk:      clk,
		hooks:    hooks,
		fin:      fin,
		cast:     cast,
	}
}

// Run loops the daily timeline until the context is canceled.
func (e *Engine) Run(ctx context.Context) error {
	log.Info().Msg("engine started")
	for {
		next, err := e.Tick(ctx, e.calendar.Today())
		if err != nil {
			log.Error().Err(err).Msg("engine tick failed")
			next = e.calendar.Now().Add(retryDelay)
		}
		wait := next.Sub(e.calendar.Now())
		if wait < 0 {
			wait = time.Second
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.clk.After(wait):
		}
	}
}

// Tick drives the date's lifecycle up to now and returns the next wake
// instant. It is idempotent: re-running after a crash catches up every
// transition whose anchor has passed and resumes advancement.
func (e *Engine) Tick(ctx context.Context, date string) (time.Time, error) {
	dl, err := e.calendar.DeadlinesFor(date)
	if err != nil {
		return time.Time{}, err
	}
	now := e.calendar.Now()

	q, err := e.store.Quizzes().GetByDate(ctx, date)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return e.nextDayWake(date)
		}
		return time.Time{}, err
	}

	// Catch up every transition whose anchor has passed. Transitions
	// are stamped with the anchor instant, not the catch-up instant, so
	// the advancement timeline stays the same across restarts.
	steps := []struct {
		due time.Time
		to  quiz.State
	}{
		{dl.LockAt, quiz.StateLocked},
		{dl.PaymentCutoff, quiz.StatePaymentClosed},
		{dl.LiveAt, quiz.StateLive},
		{dl.EndAt, quiz.StateEnded},
	}
	for _, step := range steps {
		if now.Before(step.due) {
			break
		}
		if !quiz.CanTransition(q.State, step.to) {
			continue
		}
		moved, err := e.transition(ctx, q.State, step.to, date, step.due, quiz.ActorSystem, "")
		if err != nil {
			if apperr.IsKind(err, apperr.KindConflict) {
				// Another process won the anchor; reload and continue.
				if q, err = e.store.Quizzes().GetByDate(ctx, date); err != nil {
					return time.Time{}, err
				}
				continue
			}
			return time.Time{}, err
		}
		q = moved
		if step.to == quiz.StatePaymentClosed {
			e.snapshotPopulation(ctx, date, step.due)
		}
	}

	if q.State == quiz.StateLive {
		return e.advance(ctx, date, dl, now)
	}

	// An ENDED day is finalized here rather than inside the transition
	// loop, so a process that crashed between the end transition and
	// finalization (or hit a transient finalizer error) picks the day
	// back up on its next tick.
	if q.State == quiz.StateEnded {
		if err := e.fin.Run(ctx, date, quiz.ActorSystem, ""); err != nil {
			log.Error().Err(err).Str("date", date).Msg("finalization failed, will retry next tick")
			return e.calendar.Now().Add(retryDelay), nil
		}
		if q, err = e.store.Quizzes().GetByDate(ctx, date); err != nil {
			return time.Time{}, err
		}
	}
	return e.nextAnchor(dl, q.State, now, date)
}

// advance publishes the slot the timeline has reached and schedules the
// next tick. The coordinator index is monotonic, so replays after a
// crash or a lost race are no-ops.
func (e *Engine) advance(ctx context.Context, date string, dl clock.Deadlines, now time.Time) (time.Time, error) {
	elapsed := now.Sub(dl.LiveAt)
	if elapsed < 0 {
		return dl.LiveAt, nil
	}
	slot := int(elapsed / clock.QuestionWindow)
	if slot >= quiz.QuestionsPerQuiz {
		// Every question has run; nothing to do until the end anchor.
		return dl.EndAt, nil
	}
	startedAt := dl.LiveAt.Add(time.Duration(slot) * clock.QuestionWindow)
	if err := e.coord.Advance(ctx, date, slot, startedAt); err != nil {
		if errors.Is(err, coordinator.ErrUnavailable) {
			// Readers fall back to the anchor-derived position.
			log.Warn().Str("date", date).Int("slot", slot).Msg("coordinator unavailable, advancement unpublished")
		} else {
			return time.Time{}, err
		}
	}
	if e.cast != nil {
		e.cast.PublishAdvance(date, slot)
	}
	next := startedAt.Add(clock.QuestionWindow)
	if next.After(dl.EndAt) {
		next = dl.EndAt
	}
	return next, nil
}

// transition performs the atomic state move with its audit trail and
// broadcast.
func (e *Engine) transition(ctx context.Context, from, to quiz.State, date string, at time.Time, actor quiz.Actor, actorID string) (*quiz.Quiz, error) {
	q, err := e.store.Quizzes().Transition(ctx, date, from, to, at)
	if err != nil {
		return nil, err
	}
	e.hooks.RecordTransition(date, from, to)
	if err := e.store.Audit().Record(ctx, quiz.AuditRecord{
		Date:      date,
		Actor:     actor,
		ActorID:   actorID,
		Action:    "transition",
		Target:    "quiz:" + date,
		Before:    string(from),
		After:     string(to),
		CreatedAt: e.calendar.Now(),
	}); err != nil {
		log.Error().Err(err).Str("date", date).Msg("transition audit write failed")
	}
	if e.cast != nil {
		e.cast.PublishTransition(date, to)
	}
	return q, nil
}

// snapshotPopulation records the eligible population at payment close.
func (e *Engine) snapshotPopulation(ctx context.Context, date string, at time.Time) {
	n, err := e.store.Payments().CountForDate(ctx, date, quiz.PaymentSuccess)
	if err != nil {
		log.Error().Err(err).Str("date", date).Msg("population snapshot failed")
		return
	}
	log.Info().Str("date", date).Int("eligible", n).Msg("payment window closed")
	if err := e.store.Audit().Record(ctx, quiz.AuditRecord{
		Date:      date,
		Actor:     quiz.ActorSystem,
		Action:    "payment-window-closed",
		Target:    "quiz:" + date,
		Detail:    fmt.Sprintf(`{"eligiblePopulation":%d}`, n),
		CreatedAt: at,
	}); err != nil {
		log.Error().Err(err).Str("date", date).Msg("population snapshot audit failed")
	}
}

// nextAnchor picks the earliest future anchor still relevant for the
// state, or tomorrow's lock when the day is done.
func (e *Engine) nextAnchor(dl clock.Deadlines, state quiz.State, now time.Time, date string) (time.Time, error) {
	switch state {
	case quiz.StateDraft, quiz.StateScheduled:
		if now.Before(dl.LockAt) {
			return dl.LockAt, nil
		}
		return dl.LiveAt, nil
	case quiz.StateLocked:
		if now.Before(dl.PaymentCutoff) {
			return dl.PaymentCutoff, nil
		}
		return dl.LiveAt, nil
	case quiz.StatePaymentClosed:
		return dl.LiveAt, nil
	case quiz.StateEnded:
		// Another run owns the fence; check again shortly.
		return now.Add(retryDelay), nil
	default:
		return e.nextDayWake(date)
	}
}

// nextDayWake targets the following day's lock anchor.
func (e *Engine) nextDayWake(date string) (time.Time, error) {
	day, err := time.ParseInLocation(clock.DateLayout, date, e.calendar.Zone())
	if err != nil {
		return time.Time{}, err
	}
	next := day.AddDate(0, 0, 1).Format(clock.DateLayout)
	dl, err := e.calendar.DeadlinesFor(next)
	if err != nil {
		return time.Time{}, err
	}
	return dl.LockAt, nil
}

// CreateQuiz schedules a new quiz for the date. Admin surface.
func (e *Engine) CreateQuiz(ctx context.Context, date string, questionIDs []string, classGrade, actorID string) (*quiz.Quiz, error) {
	if len(questionIDs) != quiz.QuestionsPerQuiz {
		return nil, apperr.New(apperr.KindValidation, "BAD_QUESTION_COUNT",
			fmt.Sprintf("need %d questions, got %d", quiz.QuestionsPerQuiz, len(questionIDs)))
	}
	now := e.calendar.Now()
	q := &quiz.Quiz{
		Date:        date,
		QuestionIDs: questionIDs,
		ClassGrade:  classGrade,
		State:       quiz.StateScheduled,
		ScheduledAt: &now,
		CreatedAt:   now,
	}
	if err := e.store.Quizzes().Create(ctx, q); err != nil {
		if errors.Is(err, persistence.ErrDuplicate) {
			return nil, apperr.New(apperr.KindConflict, "QUIZ_EXISTS", "a quiz already exists for "+date)
		}
		return nil, err
	}
	if err := e.store.Audit().Record(ctx, quiz.AuditRecord{
		Date:      date,
		Actor:     quiz.ActorAdmin,
		ActorID:   actorID,
		Action:    "create",
		Target:    "quiz:" + date,
		After:     string(quiz.StateScheduled),
		CreatedAt: now,
	}); err != nil {
		log.Error().Err(err).Str("date", date).Msg("create audit write failed")
	}
	return q, nil
}

// AdminTransition applies an operator-initiated state move at the
// current instant. Moving into ENDED triggers finalization.
func (e *Engine) AdminTransition(ctx context.Context, date string, to quiz.State, actorID string) (*quiz.Quiz, error) {
	q, err := e.store.Quizzes().GetByDate(ctx, date)
	if err != nil {
		return nil, err
	}
	moved, err := e.transition(ctx, q.State, to, date, e.calendar.Now(), quiz.ActorAdmin, actorID)
	if err != nil {
		return nil, err
	}
	if to == quiz.StateEnded {
		if err := e.fin.Run(ctx, date, quiz.ActorAdmin, actorID); err != nil {
			return moved, err
		}
		return e.store.Quizzes().GetByDate(ctx, date)
	}
	return moved, nil
}

// ForceFinalize bypasses the fence for a day stranded in ENDED.
// Super-admin only; the HTTP layer enforces the role.
func (e *Engine) ForceFinalize(ctx context.Context, date, actorID string) error {
	return e.fin.Force(ctx, date, actorID)
}
