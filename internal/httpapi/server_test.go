package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quizarena/quizarena/internal/admission"
	"github.com/quizarena/quizarena/internal/answer"
	"github.com/quizarena/quizarena/internal/auth"
	"github.com/quizarena/quizarena/internal/clock"
	"github.com/quizarena/quizarena/internal/coordinator"
	"github.com/quizarena/quizarena/internal/engine"
	"github.com/quizarena/quizarena/internal/finalize"
	"github.com/quizarena/quizarena/internal/observability"
	"github.com/quizarena/quizarena/internal/payment"
	"github.com/quizarena/quizarena/internal/persistence/memstore"
	"github.com/quizarena/quizarena/internal/push"
	"github.com/quizarena/quizarena/internal/question"
	"github.com/quizarena/quizarena/internal/quiz"
)

const (
	testDate      = "2026-03-01"
	webhookSecret = "whsec-test"
)

type apiFixture struct {
	ts     *httptest.Server
	store  *memstore.Store
	coord  *coordinator.Memory
	clk    *clockwork.FakeClock
	tokens *auth.Tokens

	userToken  string
	adminToken string
	superToken string
}

// newAPIFixture stands up the full handler stack over the in-memory
// store with a LIVE quiz five seconds into slot 0.
func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	zone, err := time.LoadLocation("Asia/Kolkata")
	require.NoError(t, err)
	liveAt := time.Date(2026, 3, 1, 20, 0, 0, 0, zone)
	clk := clockwork.NewFakeClockAt(liveAt.Add(5 * time.Second))
	cal, err := clock.NewCalendar(clk, "Asia/Kolkata", 20, 0)
	require.NoError(t, err)

	store := memstore.New()
	ctx := context.Background()

	bank := make([]quiz.Question, quiz.QuestionsPerQuiz)
	ids := make([]string, quiz.QuestionsPerQuiz)
	for i := range bank {
		id := fmt.Sprintf("q-%02d", i)
		bank[i] = quiz.Question{ID: id, Text: fmt.Sprintf("question %d", i),
			Options: []string{"a", "b", "c", "d"}, CorrectIndex: i % 4}
		ids[i] = id
	}
	require.NoError(t, store.Quizzes().SaveQuestions(ctx, bank))
	require.NoError(t, store.Quizzes().Create(ctx, &quiz.Quiz{
		Date: testDate, QuestionIDs: ids, State: quiz.StateLive,
		LiveAt: &liveAt, CreatedAt: liveAt.Add(-11 * time.Hour),
	}))

	store.SeedUser(quiz.User{ID: "user-1", Role: auth.RoleUser, ProfileComplete: true})
	store.SeedUser(quiz.User{ID: "admin-1", Role: auth.RoleAdmin, ProfileComplete: true})
	store.SeedUser(quiz.User{ID: "root-1", Role: auth.RoleSuperAdmin, ProfileComplete: true})

	capturedAt := liveAt.Add(-10 * time.Minute)
	require.NoError(t, store.Payments().Create(ctx, &quiz.Payment{
		UserID: "user-1", Date: testDate, Status: quiz.PaymentSuccess,
		AmountPaise: 1000, CapturedAt: &capturedAt, CreatedAt: capturedAt,
	}))

	coord := coordinator.NewMemory()
	require.NoError(t, coord.Advance(ctx, testDate, 0, liveAt))

	registry := prometheus.NewRegistry()
	hooks := observability.New(store, observability.NewMetrics(registry))
	tokens := auth.NewTokens("test-secret", time.Hour)
	hub := push.NewHub(tokens, cal, hooks)

	adm := admission.New(store, coord, cal, hooks)
	questions := question.New(store, coord, cal)
	answers := answer.New(store, coord, questions, cal, hooks)
	payments := payment.NewConsumer(store, coord, cal, webhookSecret)
	fin := finalize.New(store, coord, cal, hooks, hub)
	eng := engine.New(store, coord, cal, clk, hooks, fin, hub)

	srv := NewServer(DefaultServerConfig(), Deps{
		Store:     store,
		Coord:     coord,
		Calendar:  cal,
		Tokens:    tokens,
		Admission: adm,
		Questions: questions,
		Answers:   answers,
		Payments:  payments,
		Engine:    eng,
		Hub:       hub,
		Registry:  registry,
	})

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	issue := func(userID, role string) string {
		tok, err := tokens.Issue(userID, role, clk.Now())
		require.NoError(t, err)
		return tok
	}

	return &apiFixture{
		ts:         ts,
		store:      store,
		coord:      coord,
		clk:        clk,
		tokens:     tokens,
		userToken:  issue("user-1", auth.RoleUser),
		adminToken: issue("admin-1", auth.RoleAdmin),
		superToken: issue("root-1", auth.RoleSuperAdmin),
	}
}

func (f *apiFixture) do(t *testing.T, method, path, token string, body interface{}) (*http.Response, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, f.ts.URL+path, &buf)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var env envelope
	if resp.StatusCode != http.StatusNotModified {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	}
	return resp, env
}

func dataMap(t *testing.T, env envelope) map[string]interface{} {
	t.Helper()
	m, ok := env.Data.(map[string]interface{})
	require.True(t, ok, "data is not an object: %v", env.Data)
	return m
}

func joinBody() map[string]string {
	return map[string]string{"deviceId": "device-1", "deviceFingerprint": "fp-1"}
}

func TestTodayAnonymous(t *testing.T) {
	f := newAPIFixture(t)

	resp, env := f.do(t, "GET", "/quiz/today", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.True(t, env.Success)

	data := dataMap(t, env)
	assert.Equal(t, true, data["exists"])
	card, ok := data["quiz"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, testDate, card["date"])
	assert.Equal(t, string(quiz.StateLive), card["state"])
	assert.Equal(t, true, card["isLive"])
	assert.Equal(t, float64(50), card["totalQuestions"])
	assert.NotContains(t, card, "userParticipated")
	assert.NotEmpty(t, env.Meta.RequestID)
}

func TestTodayResyncAfterJoin(t *testing.T) {
	f := newAPIFixture(t)

	resp, _ := f.do(t, "POST", "/quiz/join", f.userToken, joinBody())
	require.Equal(t, http.StatusOK, resp.StatusCode)

	_, env := f.do(t, "GET", "/quiz/today", f.userToken, nil)
	card, ok := dataMap(t, env)["quiz"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, true, card["userParticipated"])
	assert.Equal(t, true, card["userEligible"])
}

func TestJoinIsIdempotentPerDevice(t *testing.T) {
	f := newAPIFixture(t)

	resp, env := f.do(t, "POST", "/quiz/join", f.userToken, joinBody())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	first := dataMap(t, env)["attemptId"]
	require.NotEmpty(t, first)

	resp, env = f.do(t, "POST", "/quiz/join", f.userToken, joinBody())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, first, dataMap(t, env)["attemptId"])

	resp, env = f.do(t, "POST", "/quiz/join", f.userToken,
		map[string]string{"deviceId": "device-2", "deviceFingerprint": "fp-2"})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	require.NotNil(t, env.Error)
	assert.Equal(t, "DEVICE_MISMATCH", env.Error.Code)
}

func TestJoinRequiresAuth(t *testing.T) {
	f := newAPIFixture(t)

	resp, env := f.do(t, "POST", "/quiz/join", "", joinBody())
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "TOKEN_MISSING", env.Error.Code)
}

func TestJoinValidatesDeviceID(t *testing.T) {
	f := newAPIFixture(t)

	resp, env := f.do(t, "POST", "/quiz/join", f.userToken, map[string]string{"deviceFingerprint": "fp-1"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "MISSING_DEVICE_ID", env.Error.Code)
}

func TestQuestionAndAnswerFlow(t *testing.T) {
	f := newAPIFixture(t)

	resp, _ := f.do(t, "POST", "/quiz/join", f.userToken, joinBody())
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, env := f.do(t, "GET", "/quiz/current-question", f.userToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	current := dataMap(t, env)
	assert.Equal(t, float64(0), current["slot"])
	questionID, _ := current["question_id"].(string)
	require.NotEmpty(t, questionID)
	options, _ := current["options"].([]interface{})
	require.Len(t, options, 4)

	// Past the rapid-answer floor but well inside the 15s window.
	f.clk.Advance(3 * time.Second)

	selected := 0
	answerReq := map[string]interface{}{
		"questionId":          questionID,
		"selectedOptionIndex": selected,
		"deviceId":            "device-1",
		"deviceFingerprint":   "fp-1",
	}
	resp, env = f.do(t, "POST", "/quiz/answer", f.userToken, answerReq)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	result := dataMap(t, env)
	assert.Equal(t, false, result["alreadyAnswered"])
	assert.Equal(t, true, result["countsForScore"])

	// A replay reports the stored outcome without rewriting it.
	resp, env = f.do(t, "POST", "/quiz/answer", f.userToken, answerReq)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, dataMap(t, env)["alreadyAnswered"])
}

func TestAnswerValidatesFields(t *testing.T) {
	f := newAPIFixture(t)

	resp, env := f.do(t, "POST", "/quiz/answer", f.userToken,
		map[string]interface{}{"questionId": "q-00"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "MISSING_ANSWER_FIELDS", env.Error.Code)
}

func TestStatusETagAndPollInterval(t *testing.T) {
	f := newAPIFixture(t)

	resp, env := f.do(t, "GET", "/quiz/status", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	etag := resp.Header.Get("ETag")
	require.NotEmpty(t, etag)
	assert.Equal(t, "5", resp.Header.Get("X-Poll-Interval"))
	data := dataMap(t, env)
	assert.Equal(t, string(quiz.StateLive), data["state"])
	assert.Equal(t, float64(0), data["currentSlot"])

	req, err := http.NewRequest("GET", f.ts.URL+"/quiz/status", nil)
	require.NoError(t, err)
	req.Header.Set("If-None-Match", etag)
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusNotModified, resp2.StatusCode)
}

func TestStatusOnADayWithoutAQuiz(t *testing.T) {
	f := newAPIFixture(t)
	f.clk.Advance(24 * time.Hour)

	resp, env := f.do(t, "GET", "/quiz/status", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "NO_QUIZ", dataMap(t, env)["state"])
	assert.Equal(t, "30", resp.Header.Get("X-Poll-Interval"))
	assert.NotEmpty(t, resp.Header.Get("ETag"))
}

func TestLeaderboardNotReadyWhileLive(t *testing.T) {
	f := newAPIFixture(t)

	resp, env := f.do(t, "GET", "/quiz/leaderboard/"+testDate, "", nil)
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "LEADERBOARD_NOT_READY", env.Error.Code)
}

func TestAdminEndPublishesLeaderboard(t *testing.T) {
	f := newAPIFixture(t)

	resp, _ := f.do(t, "POST", "/quiz/join", f.userToken, joinBody())
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, env := f.do(t, "POST", "/admin/quiz/"+testDate+"/end", f.adminToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, string(quiz.StateFinalized), dataMap(t, env)["state"])

	resp, env = f.do(t, "GET", "/quiz/leaderboard/"+testDate, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	winners, _ := dataMap(t, env)["winners"].([]interface{})
	require.Len(t, winners, 1)
}

func TestAdminPublishReachesTerminalState(t *testing.T) {
	f := newAPIFixture(t)

	resp, _ := f.do(t, "POST", "/admin/quiz/"+testDate+"/end", f.adminToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, env := f.do(t, "POST", "/admin/quiz/"+testDate+"/publish", f.adminToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, string(quiz.StateResultPublished), dataMap(t, env)["state"])
}

func TestAdminRequiresRole(t *testing.T) {
	f := newAPIFixture(t)

	resp, env := f.do(t, "POST", "/admin/quiz/"+testDate+"/end", f.userToken, nil)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "ROLE_REQUIRED", env.Error.Code)
}

func TestForceFinalizeRequiresSuperAdmin(t *testing.T) {
	f := newAPIFixture(t)

	resp, env := f.do(t, "POST", "/admin/quiz/"+testDate+"/force-finalize", f.adminToken, nil)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "ROLE_REQUIRED", env.Error.Code)
}

func TestForceFinalizeRecoversStrandedDay(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()

	// A crashed run burned the fence token and left the day in ENDED.
	_, err := f.coord.AcquireFinalizeToken(ctx, testDate)
	require.NoError(t, err)
	_, err = f.store.Quizzes().Transition(ctx, testDate, quiz.StateLive, quiz.StateEnded, f.clk.Now())
	require.NoError(t, err)

	resp, env := f.do(t, "POST", "/admin/quiz/"+testDate+"/force-finalize", f.superToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, dataMap(t, env)["finalized"])

	q, err := f.store.Quizzes().GetByDate(ctx, testDate)
	require.NoError(t, err)
	assert.Equal(t, quiz.StateFinalized, q.State)
}

func TestCreateQuizValidates(t *testing.T) {
	f := newAPIFixture(t)

	resp, env := f.do(t, "POST", "/admin/quiz", f.adminToken, map[string]interface{}{
		"date":        "2026-03-02",
		"questionIds": []string{"q-00"},
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "BAD_QUESTION_COUNT", env.Error.Code)
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	f := newAPIFixture(t)

	req, err := http.NewRequest("POST", f.ts.URL+"/webhook/payment", bytes.NewBufferString(`{"id":"evt-1"}`))
	require.NoError(t, err)
	req.Header.Set("X-Webhook-Signature", "bogus")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWebhookProcessesSignedEvent(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.Payments().Create(ctx, &quiz.Payment{
		UserID: "admin-1", Date: testDate, Status: quiz.PaymentCreated,
		AmountPaise: 1000, OrderID: "order-7", CreatedAt: f.clk.Now(),
	}))

	body, err := json.Marshal(payment.Event{
		ID:          "evt-7",
		Kind:        payment.EventCaptured,
		OrderID:     "order-7",
		AmountPaise: 1000,
		CreatedAt:   f.clk.Now(),
	})
	require.NoError(t, err)

	req, err := http.NewRequest("POST", f.ts.URL+"/webhook/payment", bytes.NewBuffer(body))
	require.NoError(t, err)
	req.Header.Set("X-Webhook-Signature", payment.Sign(webhookSecret, body))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	p, err := f.store.Payments().GetByOrderID(ctx, "order-7")
	require.NoError(t, err)
	// Captured after the payment cutoff: recorded, but too late to count.
	assert.Equal(t, quiz.PaymentLate, p.Status)
}

func TestHealthReportsDegradedCoordinator(t *testing.T) {
	f := newAPIFixture(t)

	resp, err := http.Get(f.ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var health map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ok", health["status"])

	f.coord.Down = true
	resp2, err := http.Get(f.ts.URL + "/health")
	require.NoError(t, err)
	defer resp2.Body.Close()
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&health))
	assert.Equal(t, "degraded", health["status"])
}

func TestUnknownEndpointEnvelope(t *testing.T) {
	f := newAPIFixture(t)

	resp, env := f.do(t, "GET", "/nope", "", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "ENDPOINT_NOT_FOUND", env.Error.Code)
}

func TestMetricsExposed(t *testing.T) {
	f := newAPIFixture(t)

	resp, err := http.Get(f.ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
