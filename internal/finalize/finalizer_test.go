package finalize

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quizarena/quizarena/internal/apperr"
	"github.com/quizarena/quizarena/internal/clock"
	"github.com/quizarena/quizarena/internal/coordinator"
	"github.com/quizarena/quizarena/internal/observability"
	"github.com/quizarena/quizarena/internal/permute"
	"github.com/quizarena/quizarena/internal/persistence/memstore"
	"github.com/quizarena/quizarena/internal/quiz"
)

const testDate = "2026-03-01"

type capturedEvents struct {
	mu     sync.Mutex
	states []quiz.State
}

func (c *capturedEvents) PublishTransition(date string, to quiz.State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.states = append(c.states, to)
}

type fixture struct {
	fin    *Finalizer
	store  *memstore.Store
	coord  *coordinator.Memory
	cal    *clock.Calendar
	clk    *clockwork.FakeClock
	events *capturedEvents
	bank   []quiz.Question
	liveAt time.Time
}

// newFixture builds an ENDED quiz that went live at 20:00 IST.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	zone, err := time.LoadLocation("Asia/Kolkata")
	require.NoError(t, err)
	liveAt := time.Date(2026, 3, 1, 20, 0, 0, 0, zone)
	endAt := liveAt.Add(clock.LiveWindow)
	clk := clockwork.NewFakeClockAt(endAt.Add(time.Second))
	cal, err := clock.NewCalendar(clk, "Asia/Kolkata", 20, 0)
	require.NoError(t, err)

	store := memstore.New()
	ctx := context.Background()

	bank := make([]quiz.Question, quiz.QuestionsPerQuiz)
	ids := make([]string, quiz.QuestionsPerQuiz)
	for i := range bank {
		id := fmt.Sprintf("q-%02d", i)
		bank[i] = quiz.Question{
			ID:           id,
			Text:         fmt.Sprintf("question %d", i),
			Options:      []string{"a", "b", "c", "d"},
			CorrectIndex: i % 4,
		}
		ids[i] = id
	}
	require.NoError(t, store.Quizzes().SaveQuestions(ctx, bank))
	require.NoError(t, store.Quizzes().Create(ctx, &quiz.Quiz{
		Date: testDate, QuestionIDs: ids, State: quiz.StateLive, LiveAt: &liveAt, CreatedAt: liveAt,
	}))
	_, err = store.Quizzes().Transition(ctx, testDate, quiz.StateLive, quiz.StateEnded, endAt)
	require.NoError(t, err)

	coord := coordinator.NewMemory()
	events := &capturedEvents{}
	hooks := observability.New(store, observability.NewMetrics(prometheus.NewRegistry()))

	return &fixture{
		fin:    New(store, coord, cal, hooks, events),
		store:  store,
		coord:  coord,
		cal:    cal,
		clk:    clk,
		events: events,
		bank:   bank,
		liveAt: liveAt,
	}
}

// attempt inserts a completed attempt where the first `correct` answers
// are right and the rest wrong, finishing at the given instant.
func (f *fixture) attempt(t *testing.T, userID string, eligible bool, correct int, completedAt time.Time) *quiz.Attempt {
	t.Helper()
	order := permute.QuestionOrder(userID, testDate, quiz.QuestionsPerQuiz)
	optionOrders := make([][]int, len(order))
	answers := make([]*int, len(order))
	times := make([]*time.Time, len(order))
	for slot := range order {
		optionOrders[slot] = permute.OptionOrder(userID, testDate, slot, 4)
		right := f.bank[order[slot]].CorrectIndex
		ans := right
		if slot >= correct {
			ans = (right + 1) % 4
		}
		answers[slot] = &ans
		ts := f.liveAt.Add(time.Duration(slot) * clock.QuestionWindow)
		times[slot] = &ts
	}
	reason := "ELIGIBLE"
	if !eligible {
		reason = "PAYMENT_MISSING"
	}
	ct := completedAt
	a, created, err := f.store.Attempts().CreateIfAbsent(context.Background(), &quiz.Attempt{
		UserID:        userID,
		Date:          testDate,
		QuestionOrder: order,
		OptionOrders:  optionOrders,
		Answers:       answers,
		AnswerTimes:   times,
		DeviceHash:    "h",
		Eligibility:   quiz.EligibilitySnapshot{Eligible: eligible, Reason: reason, TakenAt: f.liveAt},
		QuizStartedAt: f.liveAt,
		CompletedAt:   &ct,
		AnswersSaved:  true,
		CreatedAt:     f.liveAt,
	})
	require.NoError(t, err)
	require.True(t, created)
	return a
}

func (f *fixture) paySuccess(t *testing.T, userID string) {
	t.Helper()
	ts := f.liveAt.Add(-10 * time.Minute)
	require.NoError(t, f.store.Payments().Create(context.Background(), &quiz.Payment{
		UserID: userID, Date: testDate, Status: quiz.PaymentSuccess,
		AmountPaise: 1000, OrderID: "order-" + userID, CapturedAt: &ts, CreatedAt: ts,
	}))
}

func TestHappyLeaderboardOfThree(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i, userID := range []string{"u1", "u2", "u3"} {
		f.paySuccess(t, userID)
		f.attempt(t, userID, true, quiz.QuestionsPerQuiz, f.liveAt.Add(time.Duration(22+i)*time.Minute))
	}

	require.NoError(t, f.fin.Run(ctx, testDate, quiz.ActorSystem, ""))

	winners, err := f.store.Winners().ListByDate(ctx, testDate)
	require.NoError(t, err)
	require.Len(t, winners, 3)

	assert.Equal(t, []string{"u1", "u2", "u3"}, []string{winners[0].UserID, winners[1].UserID, winners[2].UserID})
	for i, w := range winners {
		assert.Equal(t, i+1, w.Rank)
		assert.Equal(t, quiz.QuestionsPerQuiz, w.Score)
		assert.NotEmpty(t, w.QuizIntegrityHash)
		assert.NotEmpty(t, w.AttemptIntegrityHash)
	}
	assert.Equal(t, int64(1320000), winners[0].TotalTimeMs)
	assert.Equal(t, int64(1380000), winners[1].TotalTimeMs)
	assert.Equal(t, int64(1440000), winners[2].TotalTimeMs)

	q, err := f.store.Quizzes().GetByDate(ctx, testDate)
	require.NoError(t, err)
	assert.Equal(t, quiz.StateFinalized, q.State)
	assert.Equal(t, []quiz.State{quiz.StateFinalized}, f.events.states)
}

func TestNoShowAttemptIsNotACandidate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.paySuccess(t, "player")
	f.attempt(t, "player", true, 10, f.liveAt.Add(20*time.Minute))

	// Joined and paid but never answered or finished.
	f.paySuccess(t, "ghost")
	_, created, err := f.store.Attempts().CreateIfAbsent(ctx, &quiz.Attempt{
		UserID:        "ghost",
		Date:          testDate,
		QuestionOrder: permute.QuestionOrder("ghost", testDate, quiz.QuestionsPerQuiz),
		DeviceHash:    "h",
		Eligibility:   quiz.EligibilitySnapshot{Eligible: true, Reason: "ELIGIBLE", TakenAt: f.liveAt},
		QuizStartedAt: f.liveAt,
		CreatedAt:     f.liveAt,
	})
	require.NoError(t, err)
	require.True(t, created)

	candidates, err := f.store.Attempts().ListForFinalize(ctx, testDate)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, "player", candidates[0].UserID)

	require.NoError(t, f.fin.Run(ctx, testDate, quiz.ActorSystem, ""))

	winners, err := f.store.Winners().ListByDate(ctx, testDate)
	require.NoError(t, err)
	require.Len(t, winners, 1)
	assert.Equal(t, "player", winners[0].UserID)
}

func TestScoreBreaksRankBeforeTime(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.paySuccess(t, "slowPerfect")
	f.attempt(t, "slowPerfect", true, quiz.QuestionsPerQuiz, f.liveAt.Add(29*time.Minute))
	f.paySuccess(t, "fastImperfect")
	f.attempt(t, "fastImperfect", true, quiz.QuestionsPerQuiz-1, f.liveAt.Add(20*time.Minute))

	require.NoError(t, f.fin.Run(ctx, testDate, quiz.ActorSystem, ""))

	winners, err := f.store.Winners().ListByDate(ctx, testDate)
	require.NoError(t, err)
	require.Len(t, winners, 2)
	assert.Equal(t, "slowPerfect", winners[0].UserID)
	assert.Equal(t, "fastImperfect", winners[1].UserID)
}

func TestIneligibleAttemptScoredButNotRanked(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.attempt(t, "freeloader", false, quiz.QuestionsPerQuiz, f.liveAt.Add(20*time.Minute))

	require.NoError(t, f.fin.Run(ctx, testDate, quiz.ActorSystem, ""))

	winners, err := f.store.Winners().ListByDate(ctx, testDate)
	require.NoError(t, err)
	assert.Empty(t, winners)

	a, err := f.store.Attempts().GetByUserDate(ctx, "freeloader", testDate)
	require.NoError(t, err)
	require.NotNil(t, a.Score)
	assert.Equal(t, quiz.QuestionsPerQuiz, *a.Score, "score is still computed")
	require.NotNil(t, a.Counted)
	assert.False(t, *a.Counted)
}

func TestRefundAfterStartVoidsEligibility(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.paySuccess(t, "refunded")
	f.attempt(t, "refunded", true, quiz.QuestionsPerQuiz, f.liveAt.Add(20*time.Minute))

	// Refund lands mid-quiz, after the eligible snapshot was taken.
	require.NoError(t, f.store.Payments().AdvanceStatus(ctx, "refunded", testDate, quiz.PaymentRefunded, f.liveAt.Add(10*time.Minute)))

	require.NoError(t, f.fin.Run(ctx, testDate, quiz.ActorSystem, ""))

	winners, err := f.store.Winners().ListByDate(ctx, testDate)
	require.NoError(t, err)
	assert.Empty(t, winners)

	a, err := f.store.Attempts().GetByUserDate(ctx, "refunded", testDate)
	require.NoError(t, err)
	require.NotNil(t, a.Counted)
	assert.False(t, *a.Counted)
	assert.Contains(t, a.ReasonCodes, "REFUND_VOIDS_ELIGIBILITY")
}

func TestFenceAdmitsExactlyOneRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.paySuccess(t, "u1")
	f.attempt(t, "u1", true, 10, f.liveAt.Add(20*time.Minute))

	require.NoError(t, f.fin.Run(ctx, testDate, quiz.ActorSystem, ""))

	// A second run loses the fence and is a silent no-op.
	require.NoError(t, f.fin.Run(ctx, testDate, quiz.ActorSystem, ""))

	q, err := f.store.Quizzes().GetByDate(ctx, testDate)
	require.NoError(t, err)
	assert.Equal(t, quiz.StateFinalized, q.State)

	winners, err := f.store.Winners().ListByDate(ctx, testDate)
	require.NoError(t, err)
	assert.Len(t, winners, 1)
}

func TestFenceFailsClosedWhenCoordinatorDown(t *testing.T) {
	f := newFixture(t)
	f.coord.Down = true

	err := f.fin.Run(context.Background(), testDate, quiz.ActorSystem, "")
	require.Error(t, err)
	assert.Equal(t, apperr.KindUpstream, apperr.KindOf(err))

	q, getErr := f.store.Quizzes().GetByDate(context.Background(), testDate)
	require.NoError(t, getErr)
	assert.Equal(t, quiz.StateEnded, q.State, "nothing finalized")
}

func TestTopTwentyCap(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < quiz.MaxWinners+5; i++ {
		userID := fmt.Sprintf("u-%02d", i)
		f.paySuccess(t, userID)
		f.attempt(t, userID, true, quiz.QuestionsPerQuiz, f.liveAt.Add(time.Duration(10+i)*time.Minute))
	}

	require.NoError(t, f.fin.Run(ctx, testDate, quiz.ActorSystem, ""))

	winners, err := f.store.Winners().ListByDate(ctx, testDate)
	require.NoError(t, err)
	require.Len(t, winners, quiz.MaxWinners)
	assert.Equal(t, "u-00", winners[0].UserID, "fastest finisher leads")
	assert.Equal(t, fmt.Sprintf("u-%02d", quiz.MaxWinners-1), winners[quiz.MaxWinners-1].UserID)
}

func TestFinalizeRequiresEndedState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.store.Quizzes().Transition(ctx, testDate, quiz.StateEnded, quiz.StateFinalized, f.cal.Now())
	require.NoError(t, err)

	err = f.fin.Run(ctx, testDate, quiz.ActorSystem, "")
	require.Error(t, err)
	assert.Equal(t, apperr.CodeAlreadyFinalized, apperr.CodeOf(err))
}
