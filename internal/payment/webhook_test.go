package payment

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quizarena/quizarena/internal/apperr"
	"github.com/quizarena/quizarena/internal/clock"
	"github.com/quizarena/quizarena/internal/coordinator"
	"github.com/quizarena/quizarena/internal/persistence/memstore"
	"github.com/quizarena/quizarena/internal/quiz"
)

const testSecret = "webhook-secret"

// newFixture pins "now" to 19:54:30 IST on 2026-03-01, thirty seconds
// before the 19:55 payment cutoff for a 20:00 live start.
func newFixture(t *testing.T) (*Consumer, *memstore.Store, *clock.Calendar) {
	t.Helper()
	zone, err := time.LoadLocation("Asia/Kolkata")
	require.NoError(t, err)
	now := time.Date(2026, 3, 1, 19, 54, 30, 0, zone)
	cal, err := clock.NewCalendar(clockwork.NewFakeClockAt(now), "Asia/Kolkata", 20, 0)
	require.NoError(t, err)

	store := memstore.New()
	consumer := NewConsumer(store, coordinator.NewMemory(), cal, testSecret)
	return consumer, store, cal
}

func deliver(t *testing.T, c *Consumer, ev Event) error {
	t.Helper()
	body, err := json.Marshal(ev)
	require.NoError(t, err)
	return c.Consume(context.Background(), body, Sign(testSecret, body))
}

func TestCaptureBeforeCutoffIsSuccess(t *testing.T) {
	c, store, cal := newFixture(t)
	ctx := context.Background()

	_, err := c.CreateOrder(ctx, "user-1", "2026-03-01", "order-1", 1000)
	require.NoError(t, err)

	err = deliver(t, c, Event{
		ID:        "evt-1",
		Kind:      EventCaptured,
		OrderID:   "order-1",
		CreatedAt: cal.Now(),
	})
	require.NoError(t, err)

	p, err := store.Payments().GetByUserDate(ctx, "user-1", "2026-03-01")
	require.NoError(t, err)
	assert.Equal(t, quiz.PaymentSuccess, p.Status)
	require.NotNil(t, p.CapturedAt)
}

func TestCaptureAtExactCutoffIsSuccess(t *testing.T) {
	c, store, cal := newFixture(t)
	ctx := context.Background()

	_, err := c.CreateOrder(ctx, "user-1", "2026-03-01", "order-1", 1000)
	require.NoError(t, err)

	dl, err := cal.DeadlinesFor("2026-03-01")
	require.NoError(t, err)

	err = deliver(t, c, Event{
		ID:        "evt-1",
		Kind:      EventCaptured,
		OrderID:   "order-1",
		CreatedAt: dl.PaymentCutoff,
	})
	require.NoError(t, err)

	p, _ := store.Payments().GetByUserDate(ctx, "user-1", "2026-03-01")
	assert.Equal(t, quiz.PaymentSuccess, p.Status)
}

func TestCaptureAfterCutoffIsLate(t *testing.T) {
	c, store, cal := newFixture(t)
	ctx := context.Background()

	_, err := c.CreateOrder(ctx, "user-1", "2026-03-01", "order-1", 1000)
	require.NoError(t, err)

	dl, err := cal.DeadlinesFor("2026-03-01")
	require.NoError(t, err)

	err = deliver(t, c, Event{
		ID:        "evt-1",
		Kind:      EventCaptured,
		OrderID:   "order-1",
		CreatedAt: dl.PaymentCutoff.Add(time.Millisecond),
	})
	require.NoError(t, err)

	p, _ := store.Payments().GetByUserDate(ctx, "user-1", "2026-03-01")
	assert.Equal(t, quiz.PaymentLate, p.Status)
}

func TestReplayedEventIsNoOp(t *testing.T) {
	c, store, cal := newFixture(t)
	ctx := context.Background()

	_, err := c.CreateOrder(ctx, "user-1", "2026-03-01", "order-1", 1000)
	require.NoError(t, err)

	ev := Event{ID: "evt-1", Kind: EventCaptured, OrderID: "order-1", CreatedAt: cal.Now()}
	require.NoError(t, deliver(t, c, ev))

	err = deliver(t, c, ev)
	require.Error(t, err)
	assert.Equal(t, apperr.CodeDuplicateWebhook, apperr.CodeOf(err))

	p, _ := store.Payments().GetByUserDate(ctx, "user-1", "2026-03-01")
	assert.Equal(t, quiz.PaymentSuccess, p.Status)
}

func TestStaleEventRejected(t *testing.T) {
	c, _, cal := newFixture(t)

	err := deliver(t, c, Event{
		ID:        "evt-1",
		Kind:      EventCaptured,
		OrderID:   "order-1",
		CreatedAt: cal.Now().Add(-6 * time.Minute),
	})
	require.Error(t, err)
	assert.Equal(t, "WEBHOOK_REPLAY", apperr.CodeOf(err))
}

func TestBadSignatureRejected(t *testing.T) {
	c, _, cal := newFixture(t)

	body, err := json.Marshal(Event{ID: "evt-1", Kind: EventCaptured, OrderID: "order-1", CreatedAt: cal.Now()})
	require.NoError(t, err)

	err = c.Consume(context.Background(), body, Sign("wrong-secret", body))
	require.Error(t, err)
	assert.Equal(t, "WEBHOOK_BAD_SIGNATURE", apperr.CodeOf(err))
}

func TestRefundOnlyAfterSuccess(t *testing.T) {
	c, store, cal := newFixture(t)
	ctx := context.Background()

	_, err := c.CreateOrder(ctx, "user-1", "2026-03-01", "order-1", 1000)
	require.NoError(t, err)

	err = deliver(t, c, Event{ID: "evt-1", Kind: EventRefunded, OrderID: "order-1", CreatedAt: cal.Now()})
	require.Error(t, err, "refund before capture regresses the status")

	require.NoError(t, deliver(t, c, Event{ID: "evt-2", Kind: EventCaptured, OrderID: "order-1", CreatedAt: cal.Now()}))
	require.NoError(t, deliver(t, c, Event{ID: "evt-3", Kind: EventRefunded, OrderID: "order-1", CreatedAt: cal.Now()}))

	p, _ := store.Payments().GetByUserDate(ctx, "user-1", "2026-03-01")
	assert.Equal(t, quiz.PaymentRefunded, p.Status)
	require.NotNil(t, p.RefundedAt)
}

func TestUnknownOrderRejected(t *testing.T) {
	c, _, cal := newFixture(t)

	err := deliver(t, c, Event{ID: "evt-1", Kind: EventCaptured, OrderID: "order-x", CreatedAt: cal.Now()})
	require.Error(t, err)
	assert.Equal(t, "ORDER_NOT_FOUND", apperr.CodeOf(err))
}

func TestFailedApplyDoesNotBurnTheEventID(t *testing.T) {
	c, store, cal := newFixture(t)
	ctx := context.Background()

	// Delivery races order creation: the first attempt fails to apply,
	// so the gateway's retry of the same event must still be accepted.
	ev := Event{ID: "evt-1", Kind: EventCaptured, OrderID: "order-1", CreatedAt: cal.Now()}
	err := deliver(t, c, ev)
	require.Error(t, err)
	assert.Equal(t, "ORDER_NOT_FOUND", apperr.CodeOf(err))

	_, err = c.CreateOrder(ctx, "user-1", "2026-03-01", "order-1", 1000)
	require.NoError(t, err)

	require.NoError(t, deliver(t, c, ev))

	p, err := store.Payments().GetByUserDate(ctx, "user-1", "2026-03-01")
	require.NoError(t, err)
	assert.Equal(t, quiz.PaymentSuccess, p.Status)

	// A third delivery after the successful apply is a real duplicate.
	err = deliver(t, c, ev)
	require.Error(t, err)
	assert.Equal(t, apperr.CodeDuplicateWebhook, apperr.CodeOf(err))
}
