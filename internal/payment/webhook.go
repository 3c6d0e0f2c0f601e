// Package payment consumes the gateway's signed webhook events and
// maintains the per-(user,date) entry-fee records.
package payment

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quizarena/quizarena/internal/apperr"
	"github.com/quizarena/quizarena/internal/clock"
	"github.com/quizarena/quizarena/internal/coordinator"
	"github.com/quizarena/quizarena/internal/persistence"
	"github.com/quizarena/quizarena/internal/quiz"
)

// replayWindow bounds how stale an event's createdAt may be.
const replayWindow = 5 * time.Minute

// Event kinds the gateway sends.
const (
	EventCaptured = "payment.captured"
	EventFailed   = "payment.failed"
	EventRefunded = "payment.refunded"
)

// Event is the decoded webhook payload.
type Event struct {
	ID         string    `json:"id"`
	Kind       string    `json:"kind"`
	OrderID    string    `json:"order_id"`
	ExternalID string    `json:"external_id"`
	AmountPaise int64    `json:"amount_paise"`
	CreatedAt  time.Time `json:"created_at"`
}

// Consumer verifies, deduplicates and applies webhook events.
type Consumer struct {
	store    persistence.Store
	coord    coordinator.Coordinator
	calendar *clock.Calendar
	secret   []byte
}

// NewConsumer wires the webhook consumer.
func NewConsumer(store persistence.Store, coord coordinator.Coordinator, calendar *clock.Calendar, secret string) *Consumer {
	return &Consumer{store: store, coord: coord, calendar: calendar, secret: []byte(secret)}
}

// VerifySignature checks the HMAC-SHA256 hex signature over the raw body.
func (c *Consumer) VerifySignature(body []byte, signature string) error {
	mac := hmac.New(sha256.New, c.secret)
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(want), []byte(signature)) {
		return apperr.New(apperr.KindAuthRequired, "WEBHOOK_BAD_SIGNATURE", "webhook signature mismatch")
	}
	return nil
}

// Consume verifies the raw event and applies it. Safe to call with the
// same delivery any number of times: duplicates return a Conflict with
// code DUPLICATE_WEBHOOK and change nothing.
func (c *Consumer) Consume(ctx context.Context, body []byte, signature string) error {
	if err := c.VerifySignature(body, signature); err != nil {
		return err
	}
	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return apperr.Wrap(apperr.KindValidation, "WEBHOOK_BAD_PAYLOAD", "malformed webhook payload", err)
	}
	if ev.ID == "" || ev.OrderID == "" {
		return apperr.New(apperr.KindValidation, "WEBHOOK_BAD_PAYLOAD", "event id and order id are required")
	}

	now := c.calendar.Now()
	age := now.Sub(ev.CreatedAt)
	if age > replayWindow || age < -replayWindow {
		return apperr.New(apperr.KindValidation, "WEBHOOK_REPLAY", "event outside the replay window")
	}

	// Event-id idempotency, 7 days. The coordinator is the fast path;
	// on outage the payment-status precondition below still keeps the
	// apply idempotent.
	seen, seenErr := c.coord.SeenWebhookEvent(ctx, ev.ID)
	if seenErr != nil {
		log.Warn().Err(seenErr).Str("event", ev.ID).Msg("webhook dedup unavailable, relying on status precondition")
	} else if seen {
		return apperr.New(apperr.KindConflict, apperr.CodeDuplicateWebhook, "event already processed")
	}

	if err := c.apply(ctx, ev, now); err != nil {
		// The id was marked before the apply; release it so the
		// gateway's retry of this delivery is not rejected as a
		// duplicate.
		if seenErr == nil {
			if forgetErr := c.coord.ForgetWebhookEvent(ctx, ev.ID); forgetErr != nil {
				log.Error().Err(forgetErr).Str("event", ev.ID).Msg("webhook dedup release failed")
			}
		}
		return err
	}
	return nil
}

func (c *Consumer) apply(ctx context.Context, ev Event, now time.Time) error {
	p, err := c.store.Payments().GetByOrderID(ctx, ev.OrderID)
	if err != nil {
		if err == persistence.ErrNotFound {
			return apperr.New(apperr.KindNotFound, "ORDER_NOT_FOUND", "no payment for order")
		}
		return err
	}

	var to quiz.PaymentStatus
	switch ev.Kind {
	case EventCaptured:
		to = c.captureStatus(p.Date, ev.CreatedAt)
	case EventFailed:
		to = quiz.PaymentFailed
	case EventRefunded:
		to = quiz.PaymentRefunded
	default:
		return apperr.New(apperr.KindValidation, "WEBHOOK_UNKNOWN_KIND", "unknown event kind")
	}

	if err := c.store.Payments().AdvanceStatus(ctx, p.UserID, p.Date, to, now); err != nil {
		return err
	}
	log.Info().Str("user", p.UserID).Str("date", p.Date).
		Str("order", ev.OrderID).Str("status", string(to)).
		Msg("payment status advanced")
	return nil
}

// captureStatus applies the cutoff boundary: a capture at or before the
// payment cutoff is SUCCESS, one millisecond later is LATE.
func (c *Consumer) captureStatus(date string, capturedAt time.Time) quiz.PaymentStatus {
	dl, err := c.calendar.DeadlinesFor(date)
	if err != nil {
		log.Error().Err(err).Str("date", date).Msg("bad quiz date on payment row")
		return quiz.PaymentLate
	}
	if capturedAt.After(dl.PaymentCutoff) {
		return quiz.PaymentLate
	}
	return quiz.PaymentSuccess
}

// CreateOrder opens a CREATED payment row for (user, date). The order
// id is supplied by the gateway integration upstream.
func (c *Consumer) CreateOrder(ctx context.Context, userID, date, orderID string, amountPaise int64) (*quiz.Payment, error) {
	p := &quiz.Payment{
		UserID:      userID,
		Date:        date,
		Status:      quiz.PaymentCreated,
		AmountPaise: amountPaise,
		OrderID:     orderID,
		CreatedAt:   c.calendar.Now(),
	}
	if err := c.store.Payments().Create(ctx, p); err != nil {
		if err == persistence.ErrDuplicate {
			existing, getErr := c.store.Payments().GetByUserDate(ctx, userID, date)
			if getErr == nil {
				return existing, nil
			}
		}
		return nil, err
	}
	return p, nil
}

// Sign computes the signature the gateway would attach; used by tests
// and the local dev harness.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
