// Package clock owns every wall-clock read in the engine. Downstream
// code works with civil dates and the explicit daily deadlines produced
// here; nothing else may call time.Now.
package clock

import (
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
)

// DateLayout is the civil-date key format used to identify one quiz per day.
const DateLayout = "2006-01-02"

const (
	// LockLead is how long before live-start the quiz locks.
	LockLead = 10 * time.Minute
	// PaymentLead is how long before live-start payments close.
	PaymentLead = 5 * time.Minute
	// LiveWindow is the total play window after live-start.
	LiveWindow = 30 * time.Minute
	// QuestionWindow is the per-question answer window.
	QuestionWindow = 15 * time.Second
)

// Deadlines are the anchor instants of one quiz day, all in the civil zone.
type Deadlines struct {
	Date          string
	LockAt        time.Time // T-10m
	PaymentCutoff time.Time // T-5m
	LiveAt        time.Time // T
	EndAt         time.Time // T+30m
}

// Calendar resolves "today" in a fixed civil zone and produces the
// anchor deadlines for a given date.
type Calendar struct {
	clock clockwork.Clock
	zone  *time.Location
	// liveHour/liveMinute is the daily live-start wall time.
	liveHour   int
	liveMinute int
}

// NewCalendar builds a Calendar for the named zone (e.g. "Asia/Kolkata")
// with the daily live-start at hour:minute local time.
func NewCalendar(clk clockwork.Clock, zoneName string, liveHour, liveMinute int) (*Calendar, error) {
	loc, err := time.LoadLocation(zoneName)
	if err != nil {
		return nil, fmt.Errorf("load zone %q: %w", zoneName, err)
	}
	if liveHour < 0 || liveHour > 23 || liveMinute < 0 || liveMinute > 59 {
		return nil, fmt.Errorf("invalid live start %02d:%02d", liveHour, liveMinute)
	}
	return &Calendar{clock: clk, zone: loc, liveHour: liveHour, liveMinute: liveMinute}, nil
}

// Now returns the current instant. It exists so callers never touch
// time.Now directly and tests can substitute a fake clock.
func (c *Calendar) Now() time.Time { return c.clock.Now().In(c.zone) }

// Today returns the current civil date key.
func (c *Calendar) Today() string { return c.Now().Format(DateLayout) }

// DeadlinesFor computes the anchor instants for a civil date.
func (c *Calendar) DeadlinesFor(date string) (Deadlines, error) {
	day, err := time.ParseInLocation(DateLayout, date, c.zone)
	if err != nil {
		return Deadlines{}, fmt.Errorf("parse date %q: %w", date, err)
	}
	live := time.Date(day.Year(), day.Month(), day.Day(), c.liveHour, c.liveMinute, 0, 0, c.zone)
	return Deadlines{
		Date:          date,
		LockAt:        live.Add(-LockLead),
		PaymentCutoff: live.Add(-PaymentLead),
		LiveAt:        live,
		EndAt:         live.Add(LiveWindow),
	}, nil
}

// DeadlinesForToday is DeadlinesFor(Today()).
func (c *Calendar) DeadlinesForToday() (Deadlines, error) {
	return c.DeadlinesFor(c.Today())
}

// Zone exposes the civil zone for formatting.
func (c *Calendar) Zone() *time.Location { return c.zone }
