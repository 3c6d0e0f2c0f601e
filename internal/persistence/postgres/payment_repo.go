package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/quizarena/quizarena/internal/apperr"
	"github.com/quizarena/quizarena/internal/persistence"
	"github.com/quizarena/quizarena/internal/quiz"
)

type paymentRepo struct {
	ext     sqlx.ExtContext
	timeout time.Duration
}

func (r *paymentRepo) Create(ctx context.Context, p *quiz.Payment) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	_, err := r.ext.ExecContext(ctx, `
		INSERT INTO payments (user_id, date, status, amount_paise, type, order_id, external_id, captured_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())`,
		p.UserID, p.Date, string(p.Status), p.AmountPaise, p.Type, p.OrderID, p.ExternalID, p.CapturedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("payment (%s, %s): %w", p.UserID, p.Date, persistence.ErrDuplicate)
		}
		return fmt.Errorf("insert payment: %w", err)
	}
	return nil
}

func (r *paymentRepo) GetByUserDate(ctx context.Context, userID, date string) (*quiz.Payment, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var p paymentRow
	err := sqlx.GetContext(ctx, r.ext, &p,
		`SELECT * FROM payments WHERE user_id = $1 AND date = $2`, userID, date)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrNotFound
		}
		return nil, fmt.Errorf("get payment (%s, %s): %w", userID, date, err)
	}
	return p.toDomain(), nil
}

func (r *paymentRepo) GetByOrderID(ctx context.Context, orderID string) (*quiz.Payment, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var p paymentRow
	err := sqlx.GetContext(ctx, r.ext, &p,
		`SELECT * FROM payments WHERE order_id = $1`, orderID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrNotFound
		}
		return nil, fmt.Errorf("get payment by order %s: %w", orderID, err)
	}
	return p.toDomain(), nil
}

// AdvanceStatus carries the forward-only rule into the WHERE clause so
// a racing webhook cannot regress the status.
func (r *paymentRepo) AdvanceStatus(ctx context.Context, userID, date string, to quiz.PaymentStatus, at time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	current, err := r.GetByUserDate(ctx, userID, date)
	if err != nil {
		return err
	}
	if !quiz.CanAdvancePayment(current.Status, to) {
		return apperr.New(apperr.KindConflict, "PAYMENT_STATUS_REGRESSION",
			fmt.Sprintf("payment %s -> %s", current.Status, to))
	}

	var stampCol string
	switch to {
	case quiz.PaymentSuccess, quiz.PaymentLate:
		stampCol = "captured_at"
	case quiz.PaymentRefunded:
		stampCol = "refunded_at"
	}

	query := `UPDATE payments SET status = $1 WHERE user_id = $2 AND date = $3 AND status = $4`
	args := []interface{}{string(to), userID, date, string(current.Status)}
	if stampCol != "" {
		query = fmt.Sprintf(`UPDATE payments SET status = $1, %s = $2 WHERE user_id = $3 AND date = $4 AND status = $5`, stampCol)
		args = []interface{}{string(to), at, userID, date, string(current.Status)}
	}

	res, err := r.ext.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("advance payment (%s, %s): %w", userID, date, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.New(apperr.KindConflict, "PAYMENT_STATUS_RACE",
			fmt.Sprintf("payment (%s, %s) changed concurrently", userID, date))
	}
	return nil
}

func (r *paymentRepo) CountForDate(ctx context.Context, date string, status quiz.PaymentStatus) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var n int
	err := sqlx.GetContext(ctx, r.ext, &n,
		`SELECT count(*) FROM payments WHERE date = $1 AND status = $2`, date, string(status))
	if err != nil {
		return 0, fmt.Errorf("count payments (%s, %s): %w", date, status, err)
	}
	return n, nil
}

type paymentRow struct {
	UserID      string     `db:"user_id"`
	Date        string     `db:"date"`
	Status      string     `db:"status"`
	AmountPaise int64      `db:"amount_paise"`
	Type        string     `db:"type"`
	OrderID     string     `db:"order_id"`
	ExternalID  string     `db:"external_id"`
	CapturedAt  *time.Time `db:"captured_at"`
	RefundedAt  *time.Time `db:"refunded_at"`
	CreatedAt   time.Time  `db:"created_at"`
}

func (p paymentRow) toDomain() *quiz.Payment {
	return &quiz.Payment{
		UserID:      p.UserID,
		Date:        p.Date,
		Status:      quiz.PaymentStatus(p.Status),
		AmountPaise: p.AmountPaise,
		Type:        p.Type,
		OrderID:     p.OrderID,
		ExternalID:  p.ExternalID,
		CapturedAt:  p.CapturedAt,
		RefundedAt:  p.RefundedAt,
		CreatedAt:   p.CreatedAt,
	}
}
