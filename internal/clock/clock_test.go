package clock

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCalendarAt(t *testing.T, instant time.Time) *Calendar {
	t.Helper()
	cal, err := NewCalendar(clockwork.NewFakeClockAt(instant), "Asia/Kolkata", 20, 0)
	require.NoError(t, err)
	return cal
}

func TestDeadlinesForAnchors(t *testing.T) {
	zone, err := time.LoadLocation("Asia/Kolkata")
	require.NoError(t, err)
	cal := newCalendarAt(t, time.Date(2026, 3, 1, 12, 0, 0, 0, zone))

	dl, err := cal.DeadlinesFor("2026-03-01")
	require.NoError(t, err)
	live := time.Date(2026, 3, 1, 20, 0, 0, 0, zone)
	assert.Equal(t, live, dl.LiveAt)
	assert.Equal(t, live.Add(-10*time.Minute), dl.LockAt)
	assert.Equal(t, live.Add(-5*time.Minute), dl.PaymentCutoff)
	assert.Equal(t, live.Add(30*time.Minute), dl.EndAt)
}

func TestTodayRollsAtCivilMidnight(t *testing.T) {
	zone, err := time.LoadLocation("Asia/Kolkata")
	require.NoError(t, err)

	// One second before and after midnight in the civil zone, even when
	// the instant is expressed in UTC.
	before := time.Date(2026, 3, 1, 23, 59, 59, 0, zone).UTC()
	after := time.Date(2026, 3, 2, 0, 0, 1, 0, zone).UTC()

	assert.Equal(t, "2026-03-01", newCalendarAt(t, before).Today())
	assert.Equal(t, "2026-03-02", newCalendarAt(t, after).Today())
}

func TestNewCalendarRejectsBadInput(t *testing.T) {
	clk := clockwork.NewRealClock()

	_, err := NewCalendar(clk, "Not/AZone", 20, 0)
	require.Error(t, err)

	_, err = NewCalendar(clk, "Asia/Kolkata", 24, 0)
	require.Error(t, err)
}

func TestDeadlinesForRejectsBadDate(t *testing.T) {
	cal := newCalendarAt(t, time.Now())

	_, err := cal.DeadlinesFor("01-03-2026")
	require.Error(t, err)
}
