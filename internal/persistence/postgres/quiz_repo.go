package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/quizarena/quizarena/internal/apperr"
	"github.com/quizarena/quizarena/internal/persistence"
	"github.com/quizarena/quizarena/internal/quiz"
)

// isUniqueViolation reports a pq 23505 unique-constraint error.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func mustJSON(v interface{}) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("marshal jsonb: %v", err))
	}
	return b
}

// mustJSONArray encodes like mustJSON but maps a nil slice to '[]'.
// Array-typed jsonb columns must never hold a jsonb null: the finalize
// candidate predicate compares against '[]'::jsonb.
func mustJSONArray(v interface{}) []byte {
	b := mustJSON(v)
	if string(b) == "null" {
		return []byte("[]")
	}
	return b
}

type quizRepo struct {
	ext     sqlx.ExtContext
	timeout time.Duration
}

type quizRow struct {
	Date              string         `db:"date"`
	QuestionIDs       []byte         `db:"question_ids"`
	ClassGrade        string         `db:"class_grade"`
	State             string         `db:"state"`
	ScheduledAt       *time.Time     `db:"scheduled_at"`
	LockedAt          *time.Time     `db:"locked_at"`
	PaymentClosedAt   *time.Time     `db:"payment_closed_at"`
	LiveAt            *time.Time     `db:"live_at"`
	EndedAt           *time.Time     `db:"ended_at"`
	FinalizedAt       *time.Time     `db:"finalized_at"`
	ResultPublishedAt *time.Time     `db:"result_published_at"`
	CreatedAt         time.Time      `db:"created_at"`
}

func (r quizRow) toDomain() (*quiz.Quiz, error) {
	q := &quiz.Quiz{
		Date:              r.Date,
		ClassGrade:        r.ClassGrade,
		State:             quiz.State(r.State),
		ScheduledAt:       r.ScheduledAt,
		LockedAt:          r.LockedAt,
		PaymentClosedAt:   r.PaymentClosedAt,
		LiveAt:            r.LiveAt,
		EndedAt:           r.EndedAt,
		FinalizedAt:       r.FinalizedAt,
		ResultPublishedAt: r.ResultPublishedAt,
		CreatedAt:         r.CreatedAt,
	}
	if err := json.Unmarshal(r.QuestionIDs, &q.QuestionIDs); err != nil {
		return nil, fmt.Errorf("decode question_ids for %s: %w", r.Date, err)
	}
	return q, nil
}

func (r *quizRepo) Create(ctx context.Context, q *quiz.Quiz) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	_, err := r.ext.ExecContext(ctx, `
		INSERT INTO quizzes (date, question_ids, class_grade, state, scheduled_at, created_at)
		VALUES ($1, $2, $3, $4, $5, now())`,
		q.Date, mustJSON(q.QuestionIDs), q.ClassGrade, string(q.State), q.ScheduledAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("quiz %s: %w", q.Date, persistence.ErrDuplicate)
		}
		return fmt.Errorf("insert quiz: %w", err)
	}
	return nil
}

func (r *quizRepo) GetByDate(ctx context.Context, date string) (*quiz.Quiz, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var row quizRow
	err := sqlx.GetContext(ctx, r.ext, &row, `SELECT * FROM quizzes WHERE date = $1`, date)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrNotFound
		}
		return nil, fmt.Errorf("get quiz %s: %w", date, err)
	}
	return row.toDomain()
}

// Transition is the single FSM entry point on the store side: one
// conditional UPDATE that carries the expected state and stamps the
// timestamp column for the target state.
func (r *quizRepo) Transition(ctx context.Context, date string, from, to quiz.State, at time.Time) (*quiz.Quiz, error) {
	if err := quiz.ValidateTransition(from, to); err != nil {
		return nil, err
	}
	col := quiz.TimestampField(to)
	if col == "" {
		return nil, apperr.New(apperr.KindInternal, "NO_TIMESTAMP_FIELD", string(to))
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	// Column name comes from the FSM table, never from input.
	query := fmt.Sprintf(`
		UPDATE quizzes SET state = $1, %s = $2
		WHERE date = $3 AND state = $4
		RETURNING *`, col)

	var row quizRow
	err := sqlx.GetContext(ctx, r.ext, &row, query, string(to), at, date, string(from))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// Lost the precondition: distinguish missing quiz from a race.
			if _, getErr := r.GetByDate(ctx, date); errors.Is(getErr, persistence.ErrNotFound) {
				return nil, persistence.ErrNotFound
			}
			return nil, apperr.New(apperr.KindConflict, apperr.CodeInvalidTransition,
				fmt.Sprintf("quiz %s no longer in %s", date, from))
		}
		return nil, fmt.Errorf("transition quiz %s: %w", date, err)
	}
	return row.toDomain()
}

func (r *quizRepo) SaveQuestions(ctx context.Context, questions []quiz.Question) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	for _, q := range questions {
		_, err := r.ext.ExecContext(ctx, `
			INSERT INTO questions (id, text, options, correct_index)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (id) DO UPDATE SET text = $2, options = $3, correct_index = $4`,
			q.ID, q.Text, mustJSON(q.Options), q.CorrectIndex)
		if err != nil {
			return fmt.Errorf("upsert question %s: %w", q.ID, err)
		}
	}
	return nil
}

func (r *quizRepo) GetQuestions(ctx context.Context, ids []string) ([]quiz.Question, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	type qRow struct {
		ID           string `db:"id"`
		Text         string `db:"text"`
		Options      []byte `db:"options"`
		CorrectIndex int    `db:"correct_index"`
	}
	var rows []qRow
	err := sqlx.SelectContext(ctx, r.ext, &rows,
		`SELECT id, text, options, correct_index FROM questions WHERE id = ANY($1)`,
		pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("select questions: %w", err)
	}

	byID := make(map[string]quiz.Question, len(rows))
	for _, row := range rows {
		q := quiz.Question{ID: row.ID, Text: row.Text, CorrectIndex: row.CorrectIndex}
		if err := json.Unmarshal(row.Options, &q.Options); err != nil {
			return nil, fmt.Errorf("decode options for %s: %w", row.ID, err)
		}
		byID[row.ID] = q
	}

	out := make([]quiz.Question, 0, len(ids))
	for _, id := range ids {
		q, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("question %s: %w", id, persistence.ErrNotFound)
		}
		out = append(out, q)
	}
	return out, nil
}
