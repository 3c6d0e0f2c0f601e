// Package memstore is an in-memory Store used by unit tests and the
// dev-mode server. It enforces the same write-time invariants as the
// postgres implementation.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quizarena/quizarena/internal/apperr"
	"github.com/quizarena/quizarena/internal/persistence"
	"github.com/quizarena/quizarena/internal/quiz"
)

// Store is a mutex-guarded in-memory persistence.Store.
type Store struct {
	mu sync.Mutex

	quizzes   map[string]*quiz.Quiz     // date
	questions map[string]quiz.Question  // id
	attempts  map[string]*quiz.Attempt  // id
	attemptByUserDate map[string]string // user|date -> attempt id
	payments  map[string]*quiz.Payment  // user|date
	paymentByOrder map[string]string    // order id -> user|date
	winners   map[string][]quiz.Winner  // date
	progress  map[string]*quiz.Progress // user|date
	users     map[string]*quiz.User     // id
	audit     []quiz.AuditRecord
	cheats    []quiz.AntiCheatEvent
}

// New returns an empty in-memory store.
func New() *Store {
	return &Store{
		quizzes:           make(map[string]*quiz.Quiz),
		questions:         make(map[string]quiz.Question),
		attempts:          make(map[string]*quiz.Attempt),
		attemptByUserDate: make(map[string]string),
		payments:          make(map[string]*quiz.Payment),
		paymentByOrder:    make(map[string]string),
		winners:           make(map[string][]quiz.Winner),
		progress:          make(map[string]*quiz.Progress),
		users:             make(map[string]*quiz.User),
	}
}

func key(userID, date string) string { return userID + "|" + date }

func (s *Store) Quizzes() persistence.QuizRepo       { return (*quizRepo)(s) }
func (s *Store) Attempts() persistence.AttemptRepo   { return (*attemptRepo)(s) }
func (s *Store) Payments() persistence.PaymentRepo   { return (*paymentRepo)(s) }
func (s *Store) Winners() persistence.WinnerRepo     { return (*winnerRepo)(s) }
func (s *Store) Progress() persistence.ProgressRepo  { return (*progressRepo)(s) }
func (s *Store) Users() persistence.UserRepo         { return (*userRepo)(s) }
func (s *Store) Audit() persistence.AuditRepo        { return (*auditRepo)(s) }
func (s *Store) Cheat() persistence.CheatRepo        { return (*cheatRepo)(s) }

func (s *Store) Ping(ctx context.Context) error { return nil }
func (s *Store) Close() error                   { return nil }

// FinalizeTx runs fn over the plain repos; each call locks the store
// mutex on its own. Single-process use only, so the fence token is the
// sole guard against concurrent finalizers.
func (s *Store) FinalizeTx(ctx context.Context, date string, fn func(scope persistence.FinalizeScope) error) error {
	return fn(&finalizeScope{s: s})
}

type finalizeScope struct{ s *Store }

func (f *finalizeScope) Attempts() persistence.AttemptRepo { return (*attemptRepo)(f.s) }
func (f *finalizeScope) Winners() persistence.WinnerRepo   { return (*winnerRepo)(f.s) }
func (f *finalizeScope) Payments() persistence.PaymentRepo { return (*paymentRepo)(f.s) }

// SeedUser inserts a user row for tests and dev fixtures.
func (s *Store) SeedUser(u quiz.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := u
	s.users[u.ID] = &cp
}

// --- quizzes ---

type quizRepo Store

func (r *quizRepo) Create(ctx context.Context, q *quiz.Quiz) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.quizzes[q.Date]; ok {
		return fmt.Errorf("quiz %s: %w", q.Date, persistence.ErrDuplicate)
	}
	cp := cloneQuiz(q)
	r.quizzes[q.Date] = cp
	return nil
}

func (r *quizRepo) GetByDate(ctx context.Context, date string) (*quiz.Quiz, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.quizzes[date]
	if !ok {
		return nil, persistence.ErrNotFound
	}
	return cloneQuiz(q), nil
}

func (r *quizRepo) Transition(ctx context.Context, date string, from, to quiz.State, at time.Time) (*quiz.Quiz, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.quizzes[date]
	if !ok {
		return nil, persistence.ErrNotFound
	}
	if q.State != from {
		return nil, apperr.New(apperr.KindConflict, apperr.CodeInvalidTransition,
			fmt.Sprintf("quiz %s is %s, expected %s", date, q.State, from))
	}
	if err := quiz.ApplyTransition(q, to, at); err != nil {
		return nil, err
	}
	return cloneQuiz(q), nil
}

func (r *quizRepo) SaveQuestions(ctx context.Context, questions []quiz.Question) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, q := range questions {
		r.questions[q.ID] = q
	}
	return nil
}

func (r *quizRepo) GetQuestions(ctx context.Context, ids []string) ([]quiz.Question, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]quiz.Question, 0, len(ids))
	for _, id := range ids {
		q, ok := r.questions[id]
		if !ok {
			return nil, fmt.Errorf("question %s: %w", id, persistence.ErrNotFound)
		}
		out = append(out, q)
	}
	return out, nil
}

// --- attempts ---

type attemptRepo Store

func (r *attemptRepo) CreateIfAbsent(ctx context.Context, a *quiz.Attempt) (*quiz.Attempt, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key(a.UserID, a.Date)
	if id, ok := r.attemptByUserDate[k]; ok {
		return cloneAttempt(r.attempts[id]), false, nil
	}
	cp := cloneAttempt(a)
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	r.attempts[cp.ID] = cp
	r.attemptByUserDate[k] = cp.ID
	return cloneAttempt(cp), true, nil
}

func (r *attemptRepo) GetByUserDate(ctx context.Context, userID, date string) (*quiz.Attempt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.attemptByUserDate[key(userID, date)]
	if !ok {
		return nil, persistence.ErrNotFound
	}
	return cloneAttempt(r.attempts[id]), nil
}

func (r *attemptRepo) CommitQuestion(ctx context.Context, attemptID string, slot int, questionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.attempts[attemptID]
	if !ok {
		return persistence.ErrNotFound
	}
	if slot < 0 || slot >= len(a.QuestionOrder) {
		return apperr.New(apperr.KindValidation, "SLOT_OUT_OF_RANGE", fmt.Sprintf("slot %d", slot))
	}
	for len(a.CommittedQuestionIDs) <= slot {
		a.CommittedQuestionIDs = append(a.CommittedQuestionIDs, "")
	}
	if a.CommittedQuestionIDs[slot] == "" {
		a.CommittedQuestionIDs[slot] = questionID
	}
	return nil
}

func (r *attemptRepo) SaveAnswer(ctx context.Context, attemptID string, slot int, originalOption int, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.attempts[attemptID]
	if !ok {
		return false, persistence.ErrNotFound
	}
	if slot < 0 || slot >= len(a.QuestionOrder) {
		return false, apperr.New(apperr.KindValidation, "SLOT_OUT_OF_RANGE", fmt.Sprintf("slot %d", slot))
	}
	// Expand with nulls to preserve positional indexing.
	for len(a.Answers) <= slot {
		a.Answers = append(a.Answers, nil)
	}
	for len(a.AnswerTimes) <= slot {
		a.AnswerTimes = append(a.AnswerTimes, nil)
	}
	if a.Answers[slot] != nil {
		return false, nil
	}
	opt := originalOption
	ts := at
	a.Answers[slot] = &opt
	a.AnswerTimes[slot] = &ts
	return true, nil
}

func (r *attemptRepo) MarkCompleted(ctx context.Context, attemptID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.attempts[attemptID]
	if !ok {
		return persistence.ErrNotFound
	}
	if a.CompletedAt == nil {
		ts := at
		a.CompletedAt = &ts
	}
	a.AnswersSaved = true
	return nil
}

func (r *attemptRepo) ListForFinalize(ctx context.Context, date string) ([]quiz.Attempt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []quiz.Attempt
	for _, a := range r.attempts {
		if a.Date != date {
			continue
		}
		if a.AnswersSaved || a.AnsweredCount() > 0 {
			out = append(out, *cloneAttempt(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *attemptRepo) SetResult(ctx context.Context, attemptID string, score int, counted bool, at time.Time, reasons []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.attempts[attemptID]
	if !ok {
		return persistence.ErrNotFound
	}
	sc, cn, ts := score, counted, at
	a.Score = &sc
	a.Counted = &cn
	a.FinalizedAt = &ts
	a.ReasonCodes = append([]string(nil), reasons...)
	return nil
}

// --- payments ---

type paymentRepo Store

func (r *paymentRepo) Create(ctx context.Context, p *quiz.Payment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key(p.UserID, p.Date)
	if _, ok := r.payments[k]; ok {
		return fmt.Errorf("payment %s: %w", k, persistence.ErrDuplicate)
	}
	cp := *p
	r.payments[k] = &cp
	if p.OrderID != "" {
		r.paymentByOrder[p.OrderID] = k
	}
	return nil
}

func (r *paymentRepo) GetByUserDate(ctx context.Context, userID, date string) (*quiz.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.payments[key(userID, date)]
	if !ok {
		return nil, persistence.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (r *paymentRepo) GetByOrderID(ctx context.Context, orderID string) (*quiz.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k, ok := r.paymentByOrder[orderID]
	if !ok {
		return nil, persistence.ErrNotFound
	}
	cp := *r.payments[k]
	return &cp, nil
}

func (r *paymentRepo) AdvanceStatus(ctx context.Context, userID, date string, to quiz.PaymentStatus, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.payments[key(userID, date)]
	if !ok {
		return persistence.ErrNotFound
	}
	if !quiz.CanAdvancePayment(p.Status, to) {
		return apperr.New(apperr.KindConflict, "PAYMENT_STATUS_REGRESSION",
			fmt.Sprintf("payment %s -> %s", p.Status, to))
	}
	p.Status = to
	ts := at
	switch to {
	case quiz.PaymentSuccess, quiz.PaymentLate:
		p.CapturedAt = &ts
	case quiz.PaymentRefunded:
		p.RefundedAt = &ts
	}
	return nil
}

func (r *paymentRepo) CountForDate(ctx context.Context, date string, status quiz.PaymentStatus) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, p := range r.payments {
		if p.Date == date && p.Status == status {
			n++
		}
	}
	return n, nil
}

// --- winners ---

type winnerRepo Store

func (r *winnerRepo) ReplaceForDate(ctx context.Context, date string, winners []quiz.Winner) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	seenRank := make(map[int]bool)
	seenUser := make(map[string]bool)
	for _, w := range winners {
		if seenRank[w.Rank] || seenUser[w.UserID] {
			return fmt.Errorf("winner (%s, rank %d, user %s): %w", date, w.Rank, w.UserID, persistence.ErrDuplicate)
		}
		seenRank[w.Rank] = true
		seenUser[w.UserID] = true
	}
	r.winners[date] = append([]quiz.Winner(nil), winners...)
	return nil
}

func (r *winnerRepo) ListByDate(ctx context.Context, date string) ([]quiz.Winner, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := append([]quiz.Winner(nil), r.winners[date]...)
	sort.Slice(out, func(i, j int) bool { return out[i].Rank < out[j].Rank })
	return out, nil
}

// --- progress ---

type progressRepo Store

func (r *progressRepo) StampSent(ctx context.Context, userID, date string, slot int, at time.Time, retention time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key(userID, date)
	p, ok := r.progress[k]
	if !ok {
		p = &quiz.Progress{UserID: userID, Date: date, ExpiresAt: at.Add(retention)}
		r.progress[k] = p
	}
	for len(p.SentAt) <= slot {
		p.SentAt = append(p.SentAt, nil)
	}
	if p.SentAt[slot] == nil {
		ts := at
		p.SentAt[slot] = &ts
	}
	return nil
}

func (r *progressRepo) StampAnswered(ctx context.Context, userID, date string, slot int, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.progress[key(userID, date)]
	if !ok {
		return persistence.ErrNotFound
	}
	for len(p.AnsweredAt) <= slot {
		p.AnsweredAt = append(p.AnsweredAt, nil)
	}
	if p.AnsweredAt[slot] == nil {
		ts := at
		p.AnsweredAt[slot] = &ts
	}
	return nil
}

func (r *progressRepo) Get(ctx context.Context, userID, date string) (*quiz.Progress, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.progress[key(userID, date)]
	if !ok {
		return nil, persistence.ErrNotFound
	}
	cp := *p
	cp.SentAt = append([]*time.Time(nil), p.SentAt...)
	cp.AnsweredAt = append([]*time.Time(nil), p.AnsweredAt...)
	return &cp, nil
}

// --- users ---

type userRepo Store

func (r *userRepo) Get(ctx context.Context, id string) (*quiz.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return nil, persistence.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (r *userRepo) ConsumeFreeCredit(ctx context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return false, persistence.ErrNotFound
	}
	if u.FreeCredits <= 0 {
		return false, nil
	}
	u.FreeCredits--
	return true, nil
}

func (r *userRepo) MarkSuspicious(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return persistence.ErrNotFound
	}
	u.Suspicious = true
	return nil
}

func (r *userRepo) BlockUntil(ctx context.Context, id string, until time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return persistence.ErrNotFound
	}
	ts := until
	u.BlockedUntil = &ts
	return nil
}

// --- audit + cheat ---

type auditRepo Store

func (r *auditRepo) Record(ctx context.Context, rec quiz.AuditRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	r.audit = append(r.audit, rec)
	return nil
}

func (r *auditRepo) ListByDate(ctx context.Context, date string) ([]quiz.AuditRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []quiz.AuditRecord
	for _, rec := range r.audit {
		if rec.Date == date {
			out = append(out, rec)
		}
	}
	return out, nil
}

type cheatRepo Store

func (r *cheatRepo) Record(ctx context.Context, ev quiz.AntiCheatEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	r.cheats = append(r.cheats, ev)
	return nil
}

func (r *cheatRepo) CountByUserKind(ctx context.Context, date, userID, kind string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.cheats {
		if ev.Date == date && ev.UserID == userID && ev.Kind == kind {
			n++
		}
	}
	return n, nil
}

func (r *cheatRepo) CountByIP(ctx context.Context, date, ip string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.cheats {
		if ev.Date == date && ev.IP == ip {
			n++
		}
	}
	return n, nil
}

// --- clone helpers ---

func cloneQuiz(q *quiz.Quiz) *quiz.Quiz {
	cp := *q
	cp.QuestionIDs = append([]string(nil), q.QuestionIDs...)
	return &cp
}

func cloneAttempt(a *quiz.Attempt) *quiz.Attempt {
	cp := *a
	cp.QuestionOrder = append([]int(nil), a.QuestionOrder...)
	cp.OptionOrders = make([][]int, len(a.OptionOrders))
	for i, o := range a.OptionOrders {
		cp.OptionOrders[i] = append([]int(nil), o...)
	}
	cp.Answers = append([]*int(nil), a.Answers...)
	cp.AnswerTimes = append([]*time.Time(nil), a.AnswerTimes...)
	cp.CommittedQuestionIDs = append([]string(nil), a.CommittedQuestionIDs...)
	cp.ReasonCodes = append([]string(nil), a.ReasonCodes...)
	return &cp
}
