package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const questionColumns = `id, text, type, difficulty, choices_json, explanation, source_model, generated, verified, subject, topic, student_email, prompt_excerpt, created_at`

// QuestionFilter narrows ListQuestions. Zero values match everything.
type QuestionFilter struct {
	Subject      string
	Topic        string
	SourceModel  string
	StudentEmail string
	Limit        int
}

// SaveQuestions inserts qs in one transaction. Questions without an ID get
// a fresh one; the assigned IDs are written back into qs.
func (s *Store) SaveQuestions(ctx context.Context, qs []Question) error {
	if len(qs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning question transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO questions (`+questionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing question insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for i := range qs {
		q := &qs[i]
		if q.ID == "" {
			q.ID = uuid.New().String()
		}
		if q.CreatedAt.IsZero() {
			q.CreatedAt = now
		}
		choices := q.Choices
		if choices == nil {
			choices = []Choice{}
		}
		choicesJSON, err := json.Marshal(choices)
		if err != nil {
			return fmt.Errorf("encoding choices for question %s: %w", q.ID, err)
		}
		if _, err := stmt.ExecContext(ctx,
			q.ID, q.Text, q.Type, q.Difficulty, string(choicesJSON), q.Explanation, q.SourceModel,
			q.Generated, q.Verified, q.Subject, q.Topic, q.StudentEmail, q.PromptExcerpt, formatTime(q.CreatedAt),
		); err != nil {
			return fmt.Errorf("inserting question %s: %w", q.ID, err)
		}
	}
	return tx.Commit()
}

// GetQuestion returns ErrNotFound when id is unknown.
func (s *Store) GetQuestion(ctx context.Context, id string) (Question, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+questionColumns+` FROM questions WHERE id = ?`, id)
	q, err := scanQuestion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Question{}, ErrNotFound
	}
	return q, err
}

// ListQuestions returns questions newest first.
func (s *Store) ListQuestions(ctx context.Context, f QuestionFilter) ([]Question, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + questionColumns + ` FROM questions WHERE 1 = 1`
	var args []any
	for _, c := range []struct{ col, val string }{
		{"subject", f.Subject},
		{"topic", f.Topic},
		{"source_model", f.SourceModel},
		{"student_email", f.StudentEmail},
	} {
		if c.val != "" {
			query += ` AND ` + c.col + ` = ?`
			args = append(args, c.val)
		}
	}
	query += ` ORDER BY created_at DESC, id LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing questions: %w", err)
	}
	defer rows.Close()

	var out []Question
	for rows.Next() {
		q, err := scanQuestion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

// SaveReport records a complaint about a question. Returns ErrNotFound when
// the question does not exist.
func (s *Store) SaveReport(ctx context.Context, r QuestionReport) (QuestionReport, error) {
	var exists int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM questions WHERE id = ?`, r.QuestionID).Scan(&exists); err != nil {
		return QuestionReport{}, fmt.Errorf("checking question %s: %w", r.QuestionID, err)
	}
	if exists == 0 {
		return QuestionReport{}, ErrNotFound
	}
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO question_reports (id, question_id, student_email, reason, created_at)
		VALUES (?, ?, ?, ?, ?)`, r.ID, r.QuestionID, r.StudentEmail, r.Reason, formatTime(r.CreatedAt))
	if err != nil {
		return QuestionReport{}, fmt.Errorf("inserting report: %w", err)
	}
	return r, nil
}

// ReportCounts returns, for one subject, the number of reports filed against
// questions produced by each model.
func (s *Store) ReportCounts(ctx context.Context, subject string) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT q.source_model, COUNT(r.id)
		FROM question_reports r JOIN questions q ON q.id = r.question_id
		WHERE q.subject = ?
		GROUP BY q.source_model`, subject)
	if err != nil {
		return nil, fmt.Errorf("counting reports: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var model string
		var n int
		if err := rows.Scan(&model, &n); err != nil {
			return nil, err
		}
		counts[model] = n
	}
	return counts, rows.Err()
}

func scanQuestion(r rowScanner) (Question, error) {
	var q Question
	var choicesJSON, createdAt string
	if err := r.Scan(&q.ID, &q.Text, &q.Type, &q.Difficulty, &choicesJSON, &q.Explanation, &q.SourceModel,
		&q.Generated, &q.Verified, &q.Subject, &q.Topic, &q.StudentEmail, &q.PromptExcerpt, &createdAt); err != nil {
		return Question{}, err
	}
	if err := json.Unmarshal([]byte(choicesJSON), &q.Choices); err != nil {
		return Question{}, fmt.Errorf("decoding choices for question %s: %w", q.ID, err)
	}
	var err error
	if q.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return Question{}, err
	}
	return q, nil
}
