package coordinator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryIndexMonotonic(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	idx, err := m.CurrentIndex(ctx, "2026-03-01")
	require.NoError(t, err)
	assert.Equal(t, -1, idx, "unset index reads as -1")

	now := time.Now()
	require.NoError(t, m.Advance(ctx, "2026-03-01", 5, now))
	require.NoError(t, m.Advance(ctx, "2026-03-01", 3, now.Add(time.Second)), "lower index is ignored")

	idx, err = m.CurrentIndex(ctx, "2026-03-01")
	require.NoError(t, err)
	assert.Equal(t, 5, idx)

	started, err := m.QuestionStartedAt(ctx, "2026-03-01")
	require.NoError(t, err)
	assert.Equal(t, now, started, "started-at follows the winning index")
}

func TestMemoryFinalizeTokenExactlyOnce(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	var mu sync.Mutex
	winners := 0
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			token, err := m.AcquireFinalizeToken(ctx, "2026-03-01")
			require.NoError(t, err)
			if token == 1 {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, winners, "exactly one caller gets token 1")
}

func TestMemoryJoinSlotCap(t *testing.T) {
	m := NewMemory()
	m.SetJoinCap(2)
	ctx := context.Background()

	ok, err := m.AcquireJoinSlot(ctx, "2026-03-01")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, _ = m.AcquireJoinSlot(ctx, "2026-03-01")
	assert.True(t, ok)
	ok, _ = m.AcquireJoinSlot(ctx, "2026-03-01")
	assert.False(t, ok, "cap reached")

	require.NoError(t, m.ReleaseJoinSlot(ctx, "2026-03-01"))
	ok, _ = m.AcquireJoinSlot(ctx, "2026-03-01")
	assert.True(t, ok, "released slot is reusable")
}

func TestMemoryWebhookIdempotency(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	seen, err := m.SeenWebhookEvent(ctx, "evt-1")
	require.NoError(t, err)
	assert.False(t, seen)

	seen, err = m.SeenWebhookEvent(ctx, "evt-1")
	require.NoError(t, err)
	assert.True(t, seen, "second delivery is flagged")

	require.NoError(t, m.ForgetWebhookEvent(ctx, "evt-1"))
	seen, err = m.SeenWebhookEvent(ctx, "evt-1")
	require.NoError(t, err)
	assert.False(t, seen, "released id is accepted again")
}

func TestMemoryDown(t *testing.T) {
	m := NewMemory()
	m.Down = true
	ctx := context.Background()

	_, err := m.CurrentIndex(ctx, "2026-03-01")
	assert.ErrorIs(t, err, ErrUnavailable)
	_, err = m.AcquireFinalizeToken(ctx, "2026-03-01")
	assert.ErrorIs(t, err, ErrUnavailable)
}
