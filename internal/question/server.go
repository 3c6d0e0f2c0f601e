// Package question serves the current slot to a joined user. The
// server owns advancement truth: a client-provided index is never
// honored.
package question

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
	"github.com/quizarena/quizarena/internal/persistence"
	"github.com/quizarena/quizarena/internal/quiz"
)

// progressRetention keeps the sent/answered timeline around for audit.
const progressRetention = 7 * 24 * time.Hour

// Current is the served question payload. Done is set once the user's
// quiz is over (slot past the last question).
type Current struct {
	Slot         int       `json:"slot"`
	QuestionID   string    `json:"question_id"`
	Text         string    `json:"text"`
	Options      []string  `json:"options"`
	QuestionHash string    `json:"question_hash"`
	StartedAt    time.Time `json:"started_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	Done         bool      `json:"done"`
}

// Server resolves the current slot for a user.
type Server struct {
	store    persistence.Store
	coord    coordinator.Coordinator
	calendar *clock.Calendar
}

// New wires the question server.
func New(store persistence.Store, coord coordinator.Coordinator, calendar *clock.Calendar) *Server {
	return &Server{store: store, coord: coord, calendar: calendar}
}

// Serve returns the current question for (user, date): the slot the
// advancement loop has reached, with the user's option permutation
// applied. Re-reads of the same slot return the same payload.
func (s *Server) Serve(ctx context.Context, userID, date string) (*Current, error) {
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

	attempt, err := s.store.Attempts().GetByUserDate(ctx, userID, date)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return nil, apperr.New(apperr.KindPrecondition, "NOT_JOINED", "join the quiz first")
		}
		return nil, err
	}

	slot, startedAt, err := s.Position(ctx, q)
	if err != nil {
		return nil, err
	}
	if slot < 0 {
		return nil, apperr.New(apperr.KindPrecondition, apperr.CodeQuizNotLive, "first question not yet published")
	}
	if slot >= len(attempt.QuestionOrder) {
		return &Current{Slot: slot, Done: true}, nil
	}

	originalIdx := attempt.QuestionOrder[slot]
	if originalIdx < 0 || originalIdx >= len(q.QuestionIDs) {
		return nil, apperr.New(apperr.KindInternal, "BAD_PERMUTATION", "question order out of range")
	}
	questionID := q.QuestionIDs[originalIdx]

	questions, err := s.store.Quizzes().GetQuestions(ctx, []string{questionID})
	if err != nil {
		return nil, err
	}
	qn := questions[0]

	order := attempt.OptionOrders[slot]
	displayed := make([]string, len(order))
	for pos, orig := range order {
		displayed[pos] = qn.Options[orig]
	}

	if err := s.store.Attempts().CommitQuestion(ctx, attempt.ID, slot, questionID); err != nil {
		return nil, err
	}
	now := s.calendar.Now()
	if err := s.store.Progress().StampSent(ctx, userID, date, slot, now, progressRetention); err != nil {
		log.Warn().Err(err).Str("user", userID).Int("slot", slot).Msg("progress stamp failed")
	}

	return &Current{
		Slot:         slot,
		QuestionID:   questionID,
		Text:         qn.Text,
		Options:      displayed,
		QuestionHash: Hash(qn.Text, displayed, slot),
		StartedAt:    startedAt,
		ExpiresAt:    startedAt.Add(clock.QuestionWindow),
		Done:         false,
	}, nil
}

// Position resolves the authoritative (slot, startedAt) for the date.
// The coordinator is the fast path; on outage the position is derived
// from the quiz's liveAt anchor, which every process agrees on.
func (s *Server) Position(ctx context.Context, q *quiz.Quiz) (int, time.Time, error) {
	idx, err := s.coord.CurrentIndex(ctx, q.Date)
	if err == nil && idx >= 0 {
		startedAt, tsErr := s.coord.QuestionStartedAt(ctx, q.Date)
		if tsErr == nil && !startedAt.IsZero() {
			return idx, startedAt, nil
		}
	}
	if err != nil && !errors.Is(err, coordinator.ErrUnavailable) {
		return -1, time.Time{}, err
	}
	if errors.Is(err, coordinator.ErrUnavailable) {
		log.Warn().Str("date", q.Date).Msg("coordinator unavailable, deriving position from live anchor")
	}
	return derivePosition(q, s.calendar.Now())
}

// derivePosition computes the slot from the live anchor: slot k runs
// [liveAt + k*15s, liveAt + (k+1)*15s).
func derivePosition(q *quiz.Quiz, now time.Time) (int, time.Time, error) {
	if q.LiveAt == nil {
		return -1, time.Time{}, apperr.New(apperr.KindPrecondition, apperr.CodeQuizNotLive, "quiz has no live anchor")
	}
	elapsed := now.Sub(*q.LiveAt)
	if elapsed < 0 {
		return -1, time.Time{}, nil
	}
	slot := int(elapsed / clock.QuestionWindow)
	startedAt := q.LiveAt.Add(time.Duration(slot) * clock.QuestionWindow)
	return slot, startedAt, nil
}

// Hash fingerprints the served payload so answers can be audited
// against exactly what the user saw.
func Hash(text string, options []string, slot int) string {
	h := sha256.New()
	h.Write([]byte(text))
	for _, opt := range options {
		h.Write([]byte{0})
		h.Write([]byte(opt))
	}
	fmt.Fprintf(h, "|%d", slot)
	return hex.EncodeToString(h.Sum(nil))
}
