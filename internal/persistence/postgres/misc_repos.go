package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/quizarena/quizarena/internal/persistence"
	"github.com/quizarena/quizarena/internal/quiz"
)

// --- winners ---

type winnerRepo struct {
	ext     sqlx.ExtContext
	timeout time.Duration
}

func (r *winnerRepo) ReplaceForDate(ctx context.Context, date string, winners []quiz.Winner) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if _, err := r.ext.ExecContext(ctx, `DELETE FROM winners WHERE date = $1`, date); err != nil {
		return fmt.Errorf("clear winners for %s: %w", date, err)
	}
	for _, w := range winners {
		_, err := r.ext.ExecContext(ctx, `
			INSERT INTO winners (date, rank, user_id, attempt_id, score, total_time_ms,
			                     accuracy, quiz_integrity_hash, attempt_integrity_hash, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())`,
			w.Date, w.Rank, w.UserID, w.AttemptID, w.Score, w.TotalTimeMs,
			w.Accuracy, w.QuizIntegrityHash, w.AttemptIntegrityHash)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("winner (%s, %d): %w", date, w.Rank, persistence.ErrDuplicate)
			}
			return fmt.Errorf("insert winner rank %d: %w", w.Rank, err)
		}
	}
	return nil
}

func (r *winnerRepo) ListByDate(ctx context.Context, date string) ([]quiz.Winner, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var out []quiz.Winner
	err := sqlx.SelectContext(ctx, r.ext, &out,
		`SELECT * FROM winners WHERE date = $1 ORDER BY rank`, date)
	if err != nil {
		return nil, fmt.Errorf("list winners for %s: %w", date, err)
	}
	return out, nil
}

// --- progress ---

type progressRepo struct {
	ext     sqlx.ExtContext
	timeout time.Duration
}

func (r *progressRepo) StampSent(ctx context.Context, userID, date string, slot int, at time.Time, retention time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	p, err := r.get(ctx, userID, date)
	if errors.Is(err, persistence.ErrNotFound) {
		p = &quiz.Progress{UserID: userID, Date: date, ExpiresAt: at.Add(retention)}
	} else if err != nil {
		return err
	}
	for len(p.SentAt) <= slot {
		p.SentAt = append(p.SentAt, nil)
	}
	if p.SentAt[slot] == nil {
		ts := at
		p.SentAt[slot] = &ts
	}

	_, err = r.ext.ExecContext(ctx, `
		INSERT INTO progress (user_id, date, sent_at, answered_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id, date) DO UPDATE SET sent_at = $3`,
		userID, date, mustJSON(p.SentAt), mustJSON(p.AnsweredAt), p.ExpiresAt)
	if err != nil {
		return fmt.Errorf("stamp sent (%s, %s, %d): %w", userID, date, slot, err)
	}
	return nil
}

func (r *progressRepo) StampAnswered(ctx context.Context, userID, date string, slot int, at time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	p, err := r.get(ctx, userID, date)
	if err != nil {
		return err
	}
	for len(p.AnsweredAt) <= slot {
		p.AnsweredAt = append(p.AnsweredAt, nil)
	}
	if p.AnsweredAt[slot] == nil {
		ts := at
		p.AnsweredAt[slot] = &ts
	}

	_, err = r.ext.ExecContext(ctx,
		`UPDATE progress SET answered_at = $1 WHERE user_id = $2 AND date = $3`,
		mustJSON(p.AnsweredAt), userID, date)
	if err != nil {
		return fmt.Errorf("stamp answered (%s, %s, %d): %w", userID, date, slot, err)
	}
	return nil
}

func (r *progressRepo) Get(ctx context.Context, userID, date string) (*quiz.Progress, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.get(ctx, userID, date)
}

func (r *progressRepo) get(ctx context.Context, userID, date string) (*quiz.Progress, error) {
	var row struct {
		UserID     string    `db:"user_id"`
		Date       string    `db:"date"`
		SentAt     []byte    `db:"sent_at"`
		AnsweredAt []byte    `db:"answered_at"`
		ExpiresAt  time.Time `db:"expires_at"`
	}
	err := sqlx.GetContext(ctx, r.ext, &row,
		`SELECT * FROM progress WHERE user_id = $1 AND date = $2 AND expires_at > now()`,
		userID, date)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrNotFound
		}
		return nil, fmt.Errorf("get progress (%s, %s): %w", userID, date, err)
	}
	p := &quiz.Progress{UserID: row.UserID, Date: row.Date, ExpiresAt: row.ExpiresAt}
	if err := json.Unmarshal(row.SentAt, &p.SentAt); err != nil {
		return nil, fmt.Errorf("decode sent_at: %w", err)
	}
	if err := json.Unmarshal(row.AnsweredAt, &p.AnsweredAt); err != nil {
		return nil, fmt.Errorf("decode answered_at: %w", err)
	}
	return p, nil
}

// --- users ---

type userRepo struct {
	ext     sqlx.ExtContext
	timeout time.Duration
}

func (r *userRepo) Get(ctx context.Context, id string) (*quiz.User, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var u quiz.User
	err := sqlx.GetContext(ctx, r.ext, &u, `SELECT * FROM users WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrNotFound
		}
		return nil, fmt.Errorf("get user %s: %w", id, err)
	}
	return &u, nil
}

func (r *userRepo) ConsumeFreeCredit(ctx context.Context, id string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	res, err := r.ext.ExecContext(ctx,
		`UPDATE users SET free_credits = free_credits - 1 WHERE id = $1 AND free_credits > 0`, id)
	if err != nil {
		return false, fmt.Errorf("consume free credit for %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (r *userRepo) MarkSuspicious(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	_, err := r.ext.ExecContext(ctx, `UPDATE users SET suspicious = true WHERE id = $1`, id)
	return err
}

func (r *userRepo) BlockUntil(ctx context.Context, id string, until time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	_, err := r.ext.ExecContext(ctx, `UPDATE users SET blocked_until = $1 WHERE id = $2`, until, id)
	return err
}

// --- audit ---

type auditRepo struct {
	ext     sqlx.ExtContext
	timeout time.Duration
}

func (r *auditRepo) Record(ctx context.Context, rec quiz.AuditRecord) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	_, err := r.ext.ExecContext(ctx, `
		INSERT INTO audit_log (id, date, actor, actor_id, action, target, before, after, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())`,
		rec.ID, rec.Date, string(rec.Actor), rec.ActorID, rec.Action, rec.Target,
		rec.Before, rec.After, rec.Detail)
	if err != nil {
		return fmt.Errorf("insert audit record: %w", err)
	}
	return nil
}

func (r *auditRepo) ListByDate(ctx context.Context, date string) ([]quiz.AuditRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var out []quiz.AuditRecord
	err := sqlx.SelectContext(ctx, r.ext, &out,
		`SELECT * FROM audit_log WHERE date = $1 ORDER BY created_at`, date)
	if err != nil {
		return nil, fmt.Errorf("list audit for %s: %w", date, err)
	}
	return out, nil
}

// --- anti-cheat ---

type cheatRepo struct {
	ext     sqlx.ExtContext
	timeout time.Duration
}

func (r *cheatRepo) Record(ctx context.Context, ev quiz.AntiCheatEvent) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	_, err := r.ext.ExecContext(ctx, `
		INSERT INTO anticheat_events (id, date, user_id, kind, detail, ip, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())`,
		ev.ID, ev.Date, ev.UserID, ev.Kind, ev.Detail, ev.IP)
	if err != nil {
		return fmt.Errorf("insert anticheat event: %w", err)
	}
	return nil
}

func (r *cheatRepo) CountByUserKind(ctx context.Context, date, userID, kind string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var n int
	err := sqlx.GetContext(ctx, r.ext, &n,
		`SELECT count(*) FROM anticheat_events WHERE date = $1 AND user_id = $2 AND kind = $3`,
		date, userID, kind)
	if err != nil {
		return 0, fmt.Errorf("count anticheat (%s, %s, %s): %w", date, userID, kind, err)
	}
	return n, nil
}

func (r *cheatRepo) CountByIP(ctx context.Context, date, ip string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var n int
	err := sqlx.GetContext(ctx, r.ext, &n,
		`SELECT count(*) FROM anticheat_events WHERE date = $1 AND ip = $2`, date, ip)
	if err != nil {
		return 0, fmt.Errorf("count anticheat by ip (%s, %s): %w", date, ip, err)
	}
	return n, nil
}
