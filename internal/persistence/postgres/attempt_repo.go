package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/quizarena/quizarena/internal/apperr"
	"github.com/quizarena/quizarena/internal/persistence"
	"github.com/quizarena/quizarena/internal/quiz"
)

type attemptRepo struct {
	db      *sqlx.DB // nil inside FinalizeTx
	ext     sqlx.ExtContext
	timeout time.Duration
	inTx    bool
}

type attemptRow struct {
	ID                   string     `db:"id"`
	UserID               string     `db:"user_id"`
	Date                 string     `db:"date"`
	QuestionOrder        []byte     `db:"question_order"`
	OptionOrders         []byte     `db:"option_orders"`
	Answers              []byte     `db:"answers"`
	AnswerTimes          []byte     `db:"answer_times"`
	CommittedQuestionIDs []byte     `db:"committed_question_ids"`
	DeviceHash           string     `db:"device_hash"`
	Eligibility          []byte     `db:"eligibility"`
	QuizStartedAt        time.Time  `db:"quiz_started_at"`
	CompletedAt          *time.Time `db:"completed_at"`
	AnswersSaved         bool       `db:"answers_saved"`
	Score                *int       `db:"score"`
	Counted              *bool      `db:"counted"`
	FinalizedAt          *time.Time `db:"finalized_at"`
	ReasonCodes          []byte     `db:"reason_codes"`
	CreatedAt            time.Time  `db:"created_at"`
}

func (r attemptRow) toDomain() (*quiz.Attempt, error) {
	a := &quiz.Attempt{
		ID:            r.ID,
		UserID:        r.UserID,
		Date:          r.Date,
		DeviceHash:    r.DeviceHash,
		QuizStartedAt: r.QuizStartedAt,
		CompletedAt:   r.CompletedAt,
		AnswersSaved:  r.AnswersSaved,
		Score:         r.Score,
		Counted:       r.Counted,
		FinalizedAt:   r.FinalizedAt,
		CreatedAt:     r.CreatedAt,
	}
	decode := func(raw []byte, dst interface{}, col string) error {
		if len(raw) == 0 {
			return nil
		}
		if err := json.Unmarshal(raw, dst); err != nil {
			return fmt.Errorf("decode attempt %s column %s: %w", r.ID, col, err)
		}
		return nil
	}
	if err := decode(r.QuestionOrder, &a.QuestionOrder, "question_order"); err != nil {
		return nil, err
	}
	if err := decode(r.OptionOrders, &a.OptionOrders, "option_orders"); err != nil {
		return nil, err
	}
	if err := decode(r.Answers, &a.Answers, "answers"); err != nil {
		return nil, err
	}
	if err := decode(r.AnswerTimes, &a.AnswerTimes, "answer_times"); err != nil {
		return nil, err
	}
	if err := decode(r.CommittedQuestionIDs, &a.CommittedQuestionIDs, "committed_question_ids"); err != nil {
		return nil, err
	}
	if err := decode(r.Eligibility, &a.Eligibility, "eligibility"); err != nil {
		return nil, err
	}
	if err := decode(r.ReasonCodes, &a.ReasonCodes, "reason_codes"); err != nil {
		return nil, err
	}
	return a, nil
}

func (r *attemptRepo) CreateIfAbsent(ctx context.Context, a *quiz.Attempt) (*quiz.Attempt, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	// ON CONFLICT DO NOTHING gives set-on-insert semantics for the
	// device hash, snapshot and quizStartedAt: an existing row is never
	// touched.
	res, err := r.ext.ExecContext(ctx, `
		INSERT INTO attempts (
			id, user_id, date, question_order, option_orders, answers, answer_times,
			committed_question_ids, device_hash, eligibility, quiz_started_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, now())
		ON CONFLICT (user_id, date) DO NOTHING`,
		a.ID, a.UserID, a.Date,
		mustJSONArray(a.QuestionOrder), mustJSONArray(a.OptionOrders),
		mustJSONArray(a.Answers), mustJSONArray(a.AnswerTimes), mustJSONArray(a.CommittedQuestionIDs),
		a.DeviceHash, mustJSON(a.Eligibility), a.QuizStartedAt)
	if err != nil {
		return nil, false, fmt.Errorf("insert attempt: %w", err)
	}

	n, _ := res.RowsAffected()
	existing, err := r.GetByUserDate(ctx, a.UserID, a.Date)
	if err != nil {
		return nil, false, err
	}
	return existing, n == 1, nil
}

func (r *attemptRepo) GetByUserDate(ctx context.Context, userID, date string) (*quiz.Attempt, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var row attemptRow
	err := sqlx.GetContext(ctx, r.ext, &row,
		`SELECT * FROM attempts WHERE user_id = $1 AND date = $2`, userID, date)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrNotFound
		}
		return nil, fmt.Errorf("get attempt (%s, %s): %w", userID, date, err)
	}
	return row.toDomain()
}

// withRowLock runs fn over the attempt row under SELECT ... FOR UPDATE.
// Slot writes are read-modify-write on JSONB arrays; the row lock
// serializes them per attempt, which also serializes per user.
func (r *attemptRepo) withRowLock(ctx context.Context, attemptID string, fn func(ext sqlx.ExtContext, row *attemptRow) error) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	run := func(ext sqlx.ExtContext) error {
		var row attemptRow
		err := sqlx.GetContext(ctx, ext, &row,
			`SELECT * FROM attempts WHERE id = $1 FOR UPDATE`, attemptID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return persistence.ErrNotFound
			}
			return fmt.Errorf("lock attempt %s: %w", attemptID, err)
		}
		return fn(ext, &row)
	}

	if r.inTx {
		return run(r.ext)
	}
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin attempt tx: %w", err)
	}
	defer tx.Rollback()
	if err := run(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *attemptRepo) CommitQuestion(ctx context.Context, attemptID string, slot int, questionID string) error {
	return r.withRowLock(ctx, attemptID, func(ext sqlx.ExtContext, row *attemptRow) error {
		var committed []string
		if len(row.CommittedQuestionIDs) > 0 {
			if err := json.Unmarshal(row.CommittedQuestionIDs, &committed); err != nil {
				return fmt.Errorf("decode committed ids: %w", err)
			}
		}
		for len(committed) <= slot {
			committed = append(committed, "")
		}
		if committed[slot] != "" {
			return nil // set-once
		}
		committed[slot] = questionID
		_, err := ext.ExecContext(ctx, `UPDATE attempts SET committed_question_ids = $1 WHERE id = $2`,
			mustJSON(committed), attemptID)
		return err
	})
}

func (r *attemptRepo) SaveAnswer(ctx context.Context, attemptID string, slot int, originalOption int, at time.Time) (bool, error) {
	wrote := false
	err := r.withRowLock(ctx, attemptID, func(ext sqlx.ExtContext, row *attemptRow) error {
		var answers []*int
		var times []*time.Time
		if len(row.Answers) > 0 {
			if err := json.Unmarshal(row.Answers, &answers); err != nil {
				return fmt.Errorf("decode answers: %w", err)
			}
		}
		if len(row.AnswerTimes) > 0 {
			if err := json.Unmarshal(row.AnswerTimes, &times); err != nil {
				return fmt.Errorf("decode answer times: %w", err)
			}
		}
		var order []int
		if err := json.Unmarshal(row.QuestionOrder, &order); err != nil {
			return fmt.Errorf("decode question order: %w", err)
		}
		if slot < 0 || slot >= len(order) {
			return apperr.New(apperr.KindValidation, "SLOT_OUT_OF_RANGE", fmt.Sprintf("slot %d", slot))
		}

		for len(answers) <= slot {
			answers = append(answers, nil)
		}
		for len(times) <= slot {
			times = append(times, nil)
		}
		if answers[slot] != nil {
			return nil // write-once: duplicate is a no-op
		}
		opt, ts := originalOption, at
		answers[slot] = &opt
		times[slot] = &ts
		wrote = true

		_, err := ext.ExecContext(ctx,
			`UPDATE attempts SET answers = $1, answer_times = $2 WHERE id = $3`,
			mustJSON(answers), mustJSON(times), attemptID)
		return err
	})
	return wrote, err
}

func (r *attemptRepo) MarkCompleted(ctx context.Context, attemptID string, at time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	res, err := r.ext.ExecContext(ctx, `
		UPDATE attempts SET answers_saved = true,
		       completed_at = COALESCE(completed_at, $1)
		WHERE id = $2`, at, attemptID)
	if err != nil {
		return fmt.Errorf("mark attempt %s completed: %w", attemptID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return persistence.ErrNotFound
	}
	return nil
}

func (r *attemptRepo) ListForFinalize(ctx context.Context, date string) ([]quiz.Attempt, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	// Only attempts that finished or answered something are candidates;
	// the jsonb_typeof guard keeps a non-array answers value from ever
	// counting as answered.
	var rows []attemptRow
	err := sqlx.SelectContext(ctx, r.ext, &rows, `
		SELECT * FROM attempts
		WHERE date = $1
		  AND (answers_saved = true
		       OR (jsonb_typeof(answers) = 'array' AND answers <> '[]'::jsonb))
		ORDER BY id`, date)
	if err != nil {
		return nil, fmt.Errorf("list attempts for %s: %w", date, err)
	}
	out := make([]quiz.Attempt, 0, len(rows))
	for _, row := range rows {
		a, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, nil
}

func (r *attemptRepo) SetResult(ctx context.Context, attemptID string, score int, counted bool, at time.Time, reasons []string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	res, err := r.ext.ExecContext(ctx, `
		UPDATE attempts SET score = $1, counted = $2, finalized_at = $3, reason_codes = $4
		WHERE id = $5`,
		score, counted, at, mustJSON(reasons), attemptID)
	if err != nil {
		return fmt.Errorf("set result for %s: %w", attemptID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return persistence.ErrNotFound
	}
	return nil
}
