// Package admission creates attempts idempotently, binds the device
// and snapshots eligibility at the moment of joining.
package admission

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quizarena/quizarena/internal/apperr"
	"github.com/quizarena/quizarena/internal/clock"
	"github.com/quizarena/quizarena/internal/coordinator"
	"github.com/quizarena/quizarena/internal/eligibility"
	"github.com/quizarena/quizarena/internal/observability"
	"github.com/quizarena/quizarena/internal/permute"
	"github.com/quizarena/quizarena/internal/persistence"
	"github.com/quizarena/quizarena/internal/quiz"
)

// optionsPerQuestion is fixed by the question bank contract.
const optionsPerQuestion = 4

// DeviceInfo is the client identity material bound to the attempt.
type DeviceInfo struct {
	DeviceID    string
	Fingerprint string
	IP          string
}

// Hash is the one-way digest bound to the attempt on first write.
func (d DeviceInfo) Hash() string {
	h := sha256.New()
	h.Write([]byte(d.DeviceID))
	h.Write([]byte{0})
	h.Write([]byte(d.Fingerprint))
	h.Write([]byte{0})
	h.Write([]byte(d.IP))
	return hex.EncodeToString(h.Sum(nil))
}

// Service admits users into the live quiz.
type Service struct {
	store    persistence.Store
	coord    coordinator.Coordinator
	calendar *clock.Calendar
	hooks    *observability.Hooks
}

// New wires the admission service.
func New(store persistence.Store, coord coordinator.Coordinator, calendar *clock.Calendar, hooks *observability.Hooks) *Service {
	return &Service{store: store, coord: coord, calendar: calendar, hooks: hooks}
}

// Join admits (user, date) and returns the attempt. Joining again with
// the same device returns the same attempt; the device hash, the
// eligibility snapshot and quizStartedAt are set on insert and never
// change afterwards.
func (s *Service) Join(ctx context.Context, userID, date string, device DeviceInfo) (*quiz.Attempt, error) {
	q, err := s.store.Quizzes().GetByDate(ctx, date)
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

	// Bounded in-flight admissions. The slot limiter fails open: when
	// the coordinator is unreachable the join proceeds without it.
	acquired, err := s.coord.AcquireJoinSlot(ctx, date)
	switch {
	case errors.Is(err, coordinator.ErrUnavailable):
		log.Warn().Str("date", date).Msg("join limiter unavailable, admitting without slot")
	case err != nil:
		return nil, err
	case !acquired:
		return nil, apperr.New(apperr.KindRateLimited, apperr.CodeJoinThrottled, "too many concurrent joins")
	default:
		defer func() {
			if relErr := s.coord.ReleaseJoinSlot(ctx, date); relErr != nil {
				log.Warn().Err(relErr).Str("date", date).Msg("join slot release failed")
			}
		}()
	}

	now := s.calendar.Now()

	user, err := s.store.Users().Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user.BlockedUntil != nil && now.Before(*user.BlockedUntil) {
		return nil, apperr.New(apperr.KindForbidden, "USER_BLOCKED", "account temporarily blocked")
	}

	payment := s.resolvePayment(ctx, user, date, now)

	snapshot := eligibility.Evaluate(eligibility.Input{
		User:    user,
		Payment: payment,
		Quiz:    q,
		Now:     now,
	})

	order := permute.QuestionOrder(userID, date, len(q.QuestionIDs))
	optionOrders := make([][]int, len(order))
	for slot := range order {
		optionOrders[slot] = permute.OptionOrder(userID, date, slot, optionsPerQuestion)
	}

	attempt := &quiz.Attempt{
		UserID:        userID,
		Date:          date,
		QuestionOrder: order,
		OptionOrders:  optionOrders,
		DeviceHash:    device.Hash(),
		Eligibility: quiz.EligibilitySnapshot{
			Eligible: snapshot.Eligible,
			Reason:   string(snapshot.Reason),
			TakenAt:  now,
		},
		QuizStartedAt: now,
		CreatedAt:     now,
	}

	existing, created, err := s.store.Attempts().CreateIfAbsent(ctx, attempt)
	if err != nil {
		return nil, err
	}
	if !created {
		if existing.AnswersSaved {
			return nil, apperr.New(apperr.KindPrecondition, apperr.CodeAlreadyFinalized, "attempt already submitted")
		}
		if existing.DeviceHash != attempt.DeviceHash {
			s.hooks.RecordCheat(ctx, quiz.AntiCheatEvent{
				Date:      date,
				UserID:    userID,
				Kind:      quiz.CheatDeviceMismatch,
				Detail:    "join from a different device",
				IP:        device.IP,
				CreatedAt: now,
			})
			return nil, apperr.New(apperr.KindDeviceMismatch, apperr.CodeDeviceMismatch,
				"quiz already started on another device")
		}
		return existing, nil
	}

	if err := s.coord.AddParticipant(ctx, date, userID); err != nil {
		// Roster is a fan-out aid, never blocks admission.
		log.Warn().Err(err).Str("date", date).Str("user", userID).Msg("participant roster update failed")
	}

	log.Info().Str("user", userID).Str("date", date).
		Bool("eligible", snapshot.Eligible).Str("reason", string(snapshot.Reason)).
		Msg("attempt admitted")
	return existing, nil
}

// resolvePayment fetches the entry-fee record, consuming a free-entry
// credit when no payment exists. A missing payment is returned as nil
// and surfaces through the eligibility snapshot, never as a Join error.
func (s *Service) resolvePayment(ctx context.Context, user *quiz.User, date string, now time.Time) *quiz.Payment {
	p, err := s.store.Payments().GetByUserDate(ctx, user.ID, date)
	if err == nil {
		return p
	}
	if !errors.Is(err, persistence.ErrNotFound) {
		log.Error().Err(err).Str("user", user.ID).Str("date", date).Msg("payment lookup failed")
		return nil
	}
	if user.FreeCredits <= 0 {
		return nil
	}

	consumed, err := s.store.Users().ConsumeFreeCredit(ctx, user.ID)
	if err != nil || !consumed {
		return nil
	}
	ts := now
	credit := &quiz.Payment{
		UserID:      user.ID,
		Date:        date,
		Status:      quiz.PaymentSuccess,
		AmountPaise: 0,
		Type:        quiz.PaymentTypeFreeCredit,
		CapturedAt:  &ts,
		CreatedAt:   now,
	}
	if err := s.store.Payments().Create(ctx, credit); err != nil {
		if errors.Is(err, persistence.ErrDuplicate) {
			// Lost a race with a concurrent join or webhook.
			if existing, getErr := s.store.Payments().GetByUserDate(ctx, user.ID, date); getErr == nil {
				return existing
			}
		}
		log.Error().Err(err).Str("user", user.ID).Str("date", date).Msg("free-credit payment insert failed")
		return nil
	}
	log.Info().Str("user", user.ID).Str("date", date).Msg("free-entry credit consumed")
	return credit
}
