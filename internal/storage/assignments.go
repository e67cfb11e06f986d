package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const assignmentColumns = `student_email, subject_name, assigned_model, abc_testing_active, prompt_hash, prompt_text, created_at, updated_at`

// GetAssignment returns ErrNotFound when the student has no assignment for
// the subject.
func (s *Store) GetAssignment(ctx context.Context, student, subject string) (Assignment, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+assignmentColumns+`
		FROM assignments WHERE student_email = ? AND subject_name = ?`, student, subject)
	a, err := scanAssignment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Assignment{}, ErrNotFound
	}
	return a, err
}

// CreateAssignment inserts a. If a row for the same student and subject
// already exists, nothing is written and ErrConflict is returned.
func (s *Store) CreateAssignment(ctx context.Context, a Assignment) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `INSERT INTO assignments (`+assignmentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (student_email, subject_name) DO NOTHING`,
		a.StudentEmail, a.SubjectName, a.AssignedModel, a.ABCTestingActive,
		a.PromptHash, a.PromptText, formatTime(now), formatTime(now),
	)
	if err != nil {
		return fmt.Errorf("inserting assignment: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

// UpdateAssignment overwrites the model and testing flag of an existing row.
func (s *Store) UpdateAssignment(ctx context.Context, a Assignment) error {
	res, err := s.db.ExecContext(ctx, `UPDATE assignments
		SET assigned_model = ?, abc_testing_active = ?, updated_at = ?
		WHERE student_email = ? AND subject_name = ?`,
		a.AssignedModel, a.ABCTestingActive, formatTime(time.Now()), a.StudentEmail, a.SubjectName,
	)
	if err != nil {
		return fmt.Errorf("updating assignment: %w", err)
	}
	return requireRow(res)
}

// RecordPrompt stores the last prompt sent on behalf of the assignment.
func (s *Store) RecordPrompt(ctx context.Context, student, subject, hash, text string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE assignments
		SET prompt_hash = ?, prompt_text = ?, updated_at = ?
		WHERE student_email = ? AND subject_name = ?`,
		hash, text, formatTime(time.Now()), student, subject,
	)
	if err != nil {
		return fmt.Errorf("recording prompt: %w", err)
	}
	return requireRow(res)
}

// ListAssignments returns assignments ordered by subject then student. An
// empty subject lists all of them.
func (s *Store) ListAssignments(ctx context.Context, subject string) ([]Assignment, error) {
	query := `SELECT ` + assignmentColumns + ` FROM assignments`
	var args []any
	if subject != "" {
		query += ` WHERE subject_name = ?`
		args = append(args, subject)
	}
	query += ` ORDER BY subject_name, student_email`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing assignments: %w", err)
	}
	defer rows.Close()

	var out []Assignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanAssignment(r rowScanner) (Assignment, error) {
	var a Assignment
	var createdAt, updatedAt string
	if err := r.Scan(&a.StudentEmail, &a.SubjectName, &a.AssignedModel, &a.ABCTestingActive,
		&a.PromptHash, &a.PromptText, &createdAt, &updatedAt); err != nil {
		return Assignment{}, err
	}
	var err error
	if a.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return Assignment{}, err
	}
	if a.UpdatedAt, err = parseTime("updated_at", updatedAt); err != nil {
		return Assignment{}, err
	}
	return a, nil
}
