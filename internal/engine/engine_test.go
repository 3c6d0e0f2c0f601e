package engine

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

	"github.com/quizarena/quizarena/internal/clock"
	"github.com/quizarena/quizarena/internal/coordinator"
	"github.com/quizarena/quizarena/internal/finalize"
	"github.com/quizarena/quizarena/internal/observability"
	"github.com/quizarena/quizarena/internal/persistence/memstore"
	"github.com/quizarena/quizarena/internal/quiz"
)

const testDate = "2026-03-01"

type captured struct {
	mu       sync.Mutex
	states   []quiz.State
	advances []int
}

func (c *captured) PublishTransition(date string, to quiz.State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.states = append(c.states, to)
}

func (c *captured) PublishAdvance(date string, slot int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.advances = append(c.advances, slot)
}

type fixture struct {
	eng   *Engine
	store *memstore.Store
	coord *coordinator.Memory
	cal   *clock.Calendar
	clk   *clockwork.FakeClock
	cast  *captured
	dl    clock.Deadlines
}

// newFixture starts the fake clock at the given IST wall time with a
// SCHEDULED quiz for the day. Live start is 20:00.
func newFixture(t *testing.T, hour, min, sec int) *fixture {
	t.Helper()
	zone, err := time.LoadLocation("Asia/Kolkata")
	require.NoError(t, err)
	clk := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, hour, min, sec, 0, zone))
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
	scheduledAt := time.Date(2026, 3, 1, 9, 0, 0, 0, zone)
	require.NoError(t, store.Quizzes().Create(ctx, &quiz.Quiz{
		Date: testDate, QuestionIDs: ids, State: quiz.StateScheduled,
		ScheduledAt: &scheduledAt, CreatedAt: scheduledAt,
	}))

	coord := coordinator.NewMemory()
	cast := &captured{}
	hooks := observability.New(store, observability.NewMetrics(prometheus.NewRegistry()))
	fin := finalize.New(store, coord, cal, hooks, cast)

	dl, err := cal.DeadlinesFor(testDate)
	require.NoError(t, err)

	return &fixture{
		eng:   New(store, coord, cal, clk, hooks, fin, cast),
		store: store,
		coord: coord,
		cal:   cal,
		clk:   clk,
		cast:  cast,
		dl:    dl,
	}
}

func (f *fixture) state(t *testing.T) quiz.State {
	t.Helper()
	q, err := f.store.Quizzes().GetByDate(context.Background(), testDate)
	require.NoError(t, err)
	return q.State
}

func TestTickBeforeLockWaitsForAnchor(t *testing.T) {
	f := newFixture(t, 19, 0, 0)

	next, err := f.eng.Tick(context.Background(), testDate)
	require.NoError(t, err)
	assert.Equal(t, quiz.StateScheduled, f.state(t))
	assert.Equal(t, f.dl.LockAt, next)
}

func TestTickLocksAtAnchor(t *testing.T) {
	f := newFixture(t, 19, 50, 0)

	next, err := f.eng.Tick(context.Background(), testDate)
	require.NoError(t, err)
	assert.Equal(t, quiz.StateLocked, f.state(t))
	assert.Equal(t, f.dl.PaymentCutoff, next)
}

func TestTickClosesPaymentsAndSnapshotsPopulation(t *testing.T) {
	f := newFixture(t, 19, 55, 0)
	ctx := context.Background()

	ts := f.dl.LockAt
	require.NoError(t, f.store.Payments().Create(ctx, &quiz.Payment{
		UserID: "user-1", Date: testDate, Status: quiz.PaymentSuccess,
		AmountPaise: 1000, CapturedAt: &ts, CreatedAt: ts,
	}))

	next, err := f.eng.Tick(ctx, testDate)
	require.NoError(t, err)
	assert.Equal(t, quiz.StatePaymentClosed, f.state(t))
	assert.Equal(t, f.dl.LiveAt, next)

	records, err := f.store.Audit().ListByDate(ctx, testDate)
	require.NoError(t, err)
	var found bool
	for _, rec := range records {
		if rec.Action == "payment-window-closed" {
			found = true
			assert.Contains(t, rec.Detail, `"eligiblePopulation":1`)
		}
	}
	assert.True(t, found, "population snapshot audited")
}

func TestTickGoesLiveAndAdvances(t *testing.T) {
	f := newFixture(t, 20, 0, 0)
	ctx := context.Background()

	next, err := f.eng.Tick(ctx, testDate)
	require.NoError(t, err)
	assert.Equal(t, quiz.StateLive, f.state(t))

	idx, err := f.coord.CurrentIndex(ctx, testDate)
	require.NoError(t, err)
	assert.Equal(t, 0, idx)
	assert.Equal(t, f.dl.LiveAt.Add(clock.QuestionWindow), next)
	assert.Contains(t, f.cast.states, quiz.StateLive)
	assert.Equal(t, []int{0}, f.cast.advances)
}

func TestAdvancementFollowsTheClock(t *testing.T) {
	f := newFixture(t, 20, 0, 0)
	ctx := context.Background()

	_, err := f.eng.Tick(ctx, testDate)
	require.NoError(t, err)

	f.clk.Advance(5 * clock.QuestionWindow)
	next, err := f.eng.Tick(ctx, testDate)
	require.NoError(t, err)

	idx, err := f.coord.CurrentIndex(ctx, testDate)
	require.NoError(t, err)
	assert.Equal(t, 5, idx)
	assert.Equal(t, f.dl.LiveAt.Add(6*clock.QuestionWindow), next)
}

func TestCrashResumeCatchesUpToLive(t *testing.T) {
	// The process was down across lock, payment close and live start.
	f := newFixture(t, 20, 5, 0)
	ctx := context.Background()

	_, err := f.eng.Tick(ctx, testDate)
	require.NoError(t, err)

	q, err := f.store.Quizzes().GetByDate(ctx, testDate)
	require.NoError(t, err)
	assert.Equal(t, quiz.StateLive, q.State)
	require.NotNil(t, q.LiveAt)
	assert.Equal(t, f.dl.LiveAt, *q.LiveAt, "transition stamped with the anchor, not the catch-up instant")
	require.NotNil(t, q.LockedAt)
	assert.Equal(t, f.dl.LockAt, *q.LockedAt)

	idx, err := f.coord.CurrentIndex(ctx, testDate)
	require.NoError(t, err)
	assert.Equal(t, 20, idx, "advancement resumes at the derived slot")
}

func TestCrashResumeNeverRegressesIndex(t *testing.T) {
	f := newFixture(t, 20, 5, 0)
	ctx := context.Background()

	// Another process had already advanced further.
	require.NoError(t, f.coord.Advance(ctx, testDate, 25, f.dl.LiveAt.Add(25*clock.QuestionWindow)))

	_, err := f.eng.Tick(ctx, testDate)
	require.NoError(t, err)

	idx, err := f.coord.CurrentIndex(ctx, testDate)
	require.NoError(t, err)
	assert.Equal(t, 25, idx)
}

func TestTickEndsAndFinalizes(t *testing.T) {
	f := newFixture(t, 20, 31, 0)
	ctx := context.Background()

	_, err := f.eng.Tick(ctx, testDate)
	require.NoError(t, err)

	q, err := f.store.Quizzes().GetByDate(ctx, testDate)
	require.NoError(t, err)
	assert.Equal(t, quiz.StateFinalized, q.State)
	require.NotNil(t, q.EndedAt)
	assert.Equal(t, f.dl.EndAt, *q.EndedAt)
	assert.Contains(t, f.cast.states, quiz.StateEnded)
	assert.Contains(t, f.cast.states, quiz.StateFinalized)
}

func TestTickFinalizesADayStrandedInEnded(t *testing.T) {
	// The previous process crashed after the end transition but before
	// finalization; a fresh process must pick the day back up.
	f := newFixture(t, 20, 31, 0)
	ctx := context.Background()

	_, err := f.store.Quizzes().Transition(ctx, testDate, quiz.StateScheduled, quiz.StateLive, f.dl.LiveAt)
	require.NoError(t, err)
	_, err = f.store.Quizzes().Transition(ctx, testDate, quiz.StateLive, quiz.StateEnded, f.dl.EndAt)
	require.NoError(t, err)

	_, err = f.eng.Tick(ctx, testDate)
	require.NoError(t, err)
	assert.Equal(t, quiz.StateFinalized, f.state(t))
	assert.Contains(t, f.cast.states, quiz.StateFinalized)
}

func TestAdminEndTriggersFinalize(t *testing.T) {
	f := newFixture(t, 20, 10, 0)
	ctx := context.Background()

	_, err := f.eng.Tick(ctx, testDate)
	require.NoError(t, err)
	require.Equal(t, quiz.StateLive, f.state(t))

	q, err := f.eng.AdminTransition(ctx, testDate, quiz.StateEnded, "admin-1")
	require.NoError(t, err)
	assert.Equal(t, quiz.StateFinalized, q.State)

	records, err := f.store.Audit().ListByDate(ctx, testDate)
	require.NoError(t, err)
	var adminActed bool
	for _, rec := range records {
		if rec.Actor == quiz.ActorAdmin && rec.ActorID == "admin-1" {
			adminActed = true
		}
	}
	assert.True(t, adminActed)
}

func TestForceFinalizeAfterLostFence(t *testing.T) {
	f := newFixture(t, 20, 31, 0)
	ctx := context.Background()

	// Burn the fence token, then strand the day in ENDED.
	_, err := f.coord.AcquireFinalizeToken(ctx, testDate)
	require.NoError(t, err)
	_, err = f.store.Quizzes().Transition(ctx, testDate, quiz.StateScheduled, quiz.StateLive, f.dl.LiveAt)
	require.NoError(t, err)
	_, err = f.store.Quizzes().Transition(ctx, testDate, quiz.StateLive, quiz.StateEnded, f.dl.EndAt)
	require.NoError(t, err)

	// The fenced path is a no-op now.
	require.NoError(t, f.eng.fin.Run(ctx, testDate, quiz.ActorSystem, ""))
	assert.Equal(t, quiz.StateEnded, f.state(t))

	require.NoError(t, f.eng.ForceFinalize(ctx, testDate, "root-1"))
	assert.Equal(t, quiz.StateFinalized, f.state(t))
}

func TestCreateQuizValidatesCount(t *testing.T) {
	f := newFixture(t, 9, 0, 0)

	_, err := f.eng.CreateQuiz(context.Background(), "2026-03-02", []string{"q-00"}, "", "admin-1")
	require.Error(t, err)
}

func TestTickWithoutQuizWaitsForTomorrow(t *testing.T) {
	f := newFixture(t, 9, 0, 0)

	next, err := f.eng.Tick(context.Background(), "2026-03-02")
	require.NoError(t, err)
	want, err := f.cal.DeadlinesFor("2026-03-03")
	require.NoError(t, err)
	assert.Equal(t, want.LockAt, next)
}
