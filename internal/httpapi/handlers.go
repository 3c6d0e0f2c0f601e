package httpapi

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/jellydator/ttlcache/v3"
	"github.com/rs/zerolog/log"

	"github.com/quizarena/quizarena/internal/admission"
	"github.com/quizarena/quizarena/internal/answer"
	"github.com/quizarena/quizarena/internal/apperr"
	"github.com/quizarena/quizarena/internal/coordinator"
	"github.com/quizarena/quizarena/internal/eligibility"
	"github.com/quizarena/quizarena/internal/observability"
	"github.com/quizarena/quizarena/internal/persistence"
	"github.com/quizarena/quizarena/internal/quiz"
)

// envelope is the uniform response shape.
type envelope struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *errorBody  `json:"error,omitempty"`
	Meta    meta        `json:"meta"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type meta struct {
	RequestID  string    `json:"requestId"`
	ServerTime time.Time `json:"serverTime"`
}

func (s *Server) writeData(w http.ResponseWriter, r *http.Request, status int, data interface{}) {
	resp := envelope{
		Success: true,
		Data:    data,
		Meta:    meta{RequestID: requestIDFrom(r.Context()), ServerTime: s.deps.Calendar.Now()},
	}
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Error().Err(err).Msg("response encoding failed")
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperr.KindOf(err)
	code := apperr.CodeOf(err)
	msg := err.Error()
	if kind == apperr.KindInternal {
		// Do not leak internals; the log has the detail.
		log.Error().Err(err).Str("request_id", requestIDFrom(r.Context())).Msg("request failed")
		msg = "internal error"
	}
	resp := envelope{
		Success: false,
		Error:   &errorBody{Code: code, Message: msg},
		Meta:    meta{RequestID: requestIDFrom(r.Context()), ServerTime: s.deps.Calendar.Now()},
	}
	w.WriteHeader(kind.HTTPStatus())
	if encErr := json.NewEncoder(w).Encode(resp); encErr != nil {
		log.Error().Err(encErr).Msg("error response encoding failed")
	}
}

func errMissingToken() error {
	return apperr.New(apperr.KindAuthRequired, "TOKEN_MISSING", "bearer token required")
}

func errForbidden(role string) error {
	return apperr.New(apperr.KindForbidden, "ROLE_REQUIRED", "requires role "+role)
}

func decodeJSON(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	if err := dec.Decode(dst); err != nil {
		return apperr.Wrap(apperr.KindValidation, "BAD_REQUEST_BODY", "malformed JSON body", err)
	}
	return nil
}

// clientIP prefers the first forwarded hop, falling back to the socket.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// handleToday returns the day's quiz card plus the caller's resync
// state when a valid token is presented. Auth is optional here.
func (s *Server) handleToday(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	date := s.deps.Calendar.Today()

	type todayView struct {
		Date             string     `json:"date"`
		State            quiz.State `json:"state"`
		IsLive           bool       `json:"isLive"`
		IsCompleted      bool       `json:"isCompleted"`
		TotalQuestions   int        `json:"totalQuestions"`
		ClassGrade       string     `json:"classGrade,omitempty"`
		LockAt           time.Time  `json:"lockAt"`
		PaymentCutoffAt  time.Time  `json:"paymentCutoffAt"`
		LiveAt           time.Time  `json:"liveAt"`
		EndAt            time.Time  `json:"endAt"`
		UserParticipated *bool      `json:"userParticipated,omitempty"`
		UserEligible     *bool      `json:"userEligible,omitempty"`
		EligibilityCode  string     `json:"eligibilityCode,omitempty"`
	}

	q, err := s.deps.Store.Quizzes().GetByDate(ctx, date)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			s.writeData(w, r, http.StatusOK, map[string]interface{}{"exists": false, "date": date})
			return
		}
		s.writeError(w, r, err)
		return
	}

	dl, err := s.deps.Calendar.DeadlinesFor(date)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	view := todayView{
		Date:            date,
		State:           q.State,
		IsLive:          q.IsLive(),
		IsCompleted:     q.IsCompleted(),
		TotalQuestions:  len(q.QuestionIDs),
		ClassGrade:      q.ClassGrade,
		LockAt:          dl.LockAt,
		PaymentCutoffAt: dl.PaymentCutoff,
		LiveAt:          dl.LiveAt,
		EndAt:           dl.EndAt,
	}

	if claims, err := s.authenticate(r); err == nil {
		participated := false
		if _, err := s.deps.Store.Attempts().GetByUserDate(ctx, claims.UserID, date); err == nil {
			participated = true
		}
		view.UserParticipated = &participated

		user, err := s.deps.Store.Users().Get(ctx, claims.UserID)
		if err == nil {
			pay, payErr := s.deps.Store.Payments().GetByUserDate(ctx, claims.UserID, date)
			if payErr != nil {
				pay = nil
			}
			res := eligibility.Evaluate(eligibility.Input{
				User:    user,
				Payment: pay,
				Quiz:    q,
				Now:     s.deps.Calendar.Now(),
			})
			view.UserEligible = &res.Eligible
			view.EligibilityCode = string(res.Reason)
		}
	}

	s.writeData(w, r, http.StatusOK, map[string]interface{}{"exists": true, "quiz": view})
}

// statusSnapshot is the micro-cached slice of /quiz/status.
type statusSnapshot struct {
	State quiz.State
	Slot  int
	ETag  string
}

// handleStatus is the cheap polling endpoint: micro-cached, ETagged
// and carrying a poll-interval hint so clients back off when nothing
// is happening.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	date := s.deps.Calendar.Today()

	snap, err := s.statusFor(ctx, date)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	w.Header().Set("ETag", snap.ETag)
	w.Header().Set("X-Poll-Interval", pollInterval(snap.State))
	if r.Header.Get("If-None-Match") == snap.ETag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	s.writeData(w, r, http.StatusOK, map[string]interface{}{
		"date":        date,
		"state":       snap.State,
		"currentSlot": snap.Slot,
	})
}

func (s *Server) statusFor(ctx context.Context, date string) (statusSnapshot, error) {
	if item := s.statusCache.Get("status:" + date); item != nil {
		return item.Value(), nil
	}

	state := stateNoQuiz
	slot := -1
	q, err := s.deps.Store.Quizzes().GetByDate(ctx, date)
	switch {
	case err == nil:
		state = q.State
		if q.IsLive() {
			if idx, _, posErr := s.deps.Questions.Position(ctx, q); posErr == nil {
				slot = idx
			}
		}
	case errors.Is(err, persistence.ErrNotFound):
		// A day with no quiz is still a pollable status, not an error.
	default:
		return statusSnapshot{}, err
	}

	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d", date, state, slot)))
	snap := statusSnapshot{
		State: state,
		Slot:  slot,
		ETag:  `"` + hex.EncodeToString(sum[:8]) + `"`,
	}
	s.statusCache.Set("status:"+date, snap, ttlcache.DefaultTTL)
	return snap, nil
}

// stateNoQuiz is the synthetic status state for a day without a quiz.
const stateNoQuiz quiz.State = "NO_QUIZ"

func pollInterval(state quiz.State) string {
	switch state {
	case quiz.StateLive:
		return "5"
	case quiz.StateEnded, quiz.StateFinalized, quiz.StateResultPublished:
		return "60"
	default:
		return "30"
	}
}

// handleJoin admits the caller into today's quiz.
func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims := claimsFrom(ctx)
	date := s.deps.Calendar.Today()

	var body struct {
		DeviceID          string `json:"deviceId"`
		DeviceFingerprint string `json:"deviceFingerprint"`
	}
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if body.DeviceID == "" {
		s.writeError(w, r, apperr.New(apperr.KindValidation, "MISSING_DEVICE_ID", "deviceId is required"))
		return
	}

	// Local backstop in front of the coordinator's distributed slots.
	if !s.joinLimiter.Allow() {
		s.writeError(w, r, apperr.New(apperr.KindRateLimited, apperr.CodeJoinThrottled, "join rate exceeded, retry shortly"))
		return
	}

	attempt, err := s.deps.Admission.Join(ctx, claims.UserID, date, admission.DeviceInfo{
		DeviceID:    body.DeviceID,
		Fingerprint: body.DeviceFingerprint,
		IP:          clientIP(r),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if _, probeErr := s.deps.Coord.CurrentIndex(ctx, date); errors.Is(probeErr, coordinator.ErrUnavailable) {
		w.Header().Set("X-RateLimit-Degraded", "true")
	}

	s.writeData(w, r, http.StatusOK, map[string]interface{}{
		"attemptId":       attempt.ID,
		"quizStartedAt":   attempt.QuizStartedAt,
		"eligible":        attempt.Eligibility.Eligible,
		"eligibilityCode": attempt.Eligibility.Reason,
	})
}

// handleCurrentQuestion serves the slot the timeline is on.
func (s *Server) handleCurrentQuestion(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims := claimsFrom(ctx)

	current, err := s.deps.Questions.Serve(ctx, claims.UserID, s.deps.Calendar.Today())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, r, http.StatusOK, current)
}

// handleAnswer ingests one answer for the current slot.
func (s *Server) handleAnswer(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims := claimsFrom(ctx)

	var body struct {
		QuestionID          string `json:"questionId"`
		SelectedOptionIndex *int   `json:"selectedOptionIndex"`
		DeviceID            string `json:"deviceId"`
		DeviceFingerprint   string `json:"deviceFingerprint"`
	}
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if body.QuestionID == "" || body.SelectedOptionIndex == nil {
		s.writeError(w, r, apperr.New(apperr.KindValidation, "MISSING_ANSWER_FIELDS",
			"questionId and selectedOptionIndex are required"))
		return
	}

	result, err := s.deps.Answers.Submit(ctx, answer.Request{
		UserID:         claims.UserID,
		Date:           s.deps.Calendar.Today(),
		QuestionID:     body.QuestionID,
		SelectedOption: *body.SelectedOptionIndex,
		Device: admission.DeviceInfo{
			DeviceID:    body.DeviceID,
			Fingerprint: body.DeviceFingerprint,
			IP:          clientIP(r),
		},
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, r, http.StatusOK, result)
}

// handleFinish stamps the caller's completion instant.
func (s *Server) handleFinish(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims := claimsFrom(ctx)
	date := s.deps.Calendar.Today()

	summary, err := s.deps.Answers.Finish(ctx, claims.UserID, date)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, r, http.StatusOK, summary)
}

// handleLeaderboard publishes the winners once the day is over.
func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	date := mux.Vars(r)["date"]

	q, err := s.deps.Store.Quizzes().GetByDate(ctx, date)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			s.writeError(w, r, apperr.New(apperr.KindNotFound, apperr.CodeQuizNotFound, "no quiz for "+date))
			return
		}
		s.writeError(w, r, err)
		return
	}
	if !q.IsCompleted() {
		s.writeError(w, r, apperr.New(apperr.KindPrecondition, "LEADERBOARD_NOT_READY",
			fmt.Sprintf("quiz is %s, leaderboard publishes after the quiz ends", q.State)))
		return
	}

	winners, err := s.deps.Store.Winners().ListByDate(ctx, date)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if winners == nil {
		winners = []quiz.Winner{}
	}
	s.writeData(w, r, http.StatusOK, map[string]interface{}{
		"date":    date,
		"state":   q.State,
		"winners": winners,
	})
}

// handleCreateOrder opens a payment order for today's entry fee.
func (s *Server) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims := claimsFrom(ctx)

	var body struct {
		OrderID     string `json:"orderId"`
		AmountPaise int64  `json:"amountPaise"`
	}
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if body.OrderID == "" || body.AmountPaise <= 0 {
		s.writeError(w, r, apperr.New(apperr.KindValidation, "BAD_ORDER",
			"orderId and a positive amountPaise are required"))
		return
	}

	p, err := s.deps.Payments.CreateOrder(ctx, claims.UserID, s.deps.Calendar.Today(), body.OrderID, body.AmountPaise)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, r, http.StatusOK, map[string]interface{}{
		"orderId": p.OrderID,
		"status":  p.Status,
	})
}

// handlePaymentWebhook ingests provider callbacks. The raw body is
// verified against the signature header before any parsing.
func (s *Server) handlePaymentWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		s.writeError(w, r, apperr.Wrap(apperr.KindValidation, "WEBHOOK_BODY_UNREADABLE", "cannot read webhook body", err))
		return
	}

	if err := s.deps.Payments.Consume(r.Context(), body, r.Header.Get("X-Webhook-Signature")); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, r, http.StatusOK, map[string]interface{}{"processed": true})
}

// handleCreateQuiz schedules a quiz for a date. Admin surface.
func (s *Server) handleCreateQuiz(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())

	var body struct {
		Date        string   `json:"date"`
		QuestionIDs []string `json:"questionIds"`
		ClassGrade  string   `json:"classGrade"`
	}
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if body.Date == "" {
		s.writeError(w, r, apperr.New(apperr.KindValidation, "MISSING_DATE", "date is required"))
		return
	}

	q, err := s.deps.Engine.CreateQuiz(r.Context(), body.Date, body.QuestionIDs, body.ClassGrade, claims.UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, r, http.StatusCreated, q)
}

func (s *Server) handleAdminLock(w http.ResponseWriter, r *http.Request) {
	s.adminTransition(w, r, quiz.StateLocked)
}

func (s *Server) handleAdminStart(w http.ResponseWriter, r *http.Request) {
	s.adminTransition(w, r, quiz.StateLive)
}

func (s *Server) handleAdminEnd(w http.ResponseWriter, r *http.Request) {
	s.adminTransition(w, r, quiz.StateEnded)
}

func (s *Server) handleAdminPublish(w http.ResponseWriter, r *http.Request) {
	s.adminTransition(w, r, quiz.StateResultPublished)
}

func (s *Server) adminTransition(w http.ResponseWriter, r *http.Request, to quiz.State) {
	claims := claimsFrom(r.Context())
	date := mux.Vars(r)["date"]

	q, err := s.deps.Engine.AdminTransition(r.Context(), date, to, claims.UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, r, http.StatusOK, q)
}

// handleForceFinalize bypasses the finalize fence. Super-admin only.
func (s *Server) handleForceFinalize(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())
	date := mux.Vars(r)["date"]

	if err := s.deps.Engine.ForceFinalize(r.Context(), date, claims.UserID); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, r, http.StatusOK, map[string]interface{}{
		"date":      date,
		"finalized": true,
	})
}

// handleHealth reports store and coordinator reachability.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	storeStatus := "ok"
	httpStatus := http.StatusOK
	if err := s.deps.Store.Ping(ctx); err != nil {
		storeStatus = "down"
		httpStatus = http.StatusServiceUnavailable
	}

	coordStatus := "ok"
	if _, err := s.deps.Coord.CurrentIndex(ctx, s.deps.Calendar.Today()); errors.Is(err, coordinator.ErrUnavailable) {
		coordStatus = "degraded"
	}

	overall := "ok"
	if storeStatus != "ok" {
		overall = "down"
	} else if coordStatus != "ok" {
		overall = "degraded"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	if err := json.NewEncoder(w).Encode(map[string]interface{}{
		"status": overall,
		"components": map[string]string{
			"store":       storeStatus,
			"coordinator": coordStatus,
		},
		"metrics":    observability.Summarize(s.deps.Registry),
		"serverTime": s.deps.Calendar.Now(),
	}); err != nil {
		log.Error().Err(err).Msg("health response encoding failed")
	}
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	s.writeError(w, r, apperr.New(apperr.KindNotFound, "ENDPOINT_NOT_FOUND",
		"the requested endpoint does not exist"))
}
