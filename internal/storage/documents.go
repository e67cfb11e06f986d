package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const documentColumns = `id, subject_id, topic_id, subtopic_id, title, content, status, chunk_count, last_error, created_at, updated_at`

// SaveDocument inserts a new document. Status defaults to queued.
func (s *Store) SaveDocument(ctx context.Context, d Document) error {
	now := time.Now().UTC()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	if d.Status == "" {
		d.Status = DocumentQueued
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO documents (`+documentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.SubjectID, d.TopicID, d.SubtopicID, d.Title, d.Content,
		d.Status, d.ChunkCount, d.LastError, formatTime(d.CreatedAt), formatTime(now),
	)
	if err != nil {
		return fmt.Errorf("inserting document %s: %w", d.ID, err)
	}
	return nil
}

// GetDocument returns ErrNotFound when id is unknown.
func (s *Store) GetDocument(ctx context.Context, id string) (Document, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE id = ?`, id)
	d, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, ErrNotFound
	}
	return d, err
}

// ListDocuments returns documents newest first, optionally restricted to a
// subject. Content is left empty.
func (s *Store) ListDocuments(ctx context.Context, subjectID string, limit int) ([]Document, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + documentColumns + ` FROM documents`
	args := []any{}
	if subjectID != "" {
		query += ` WHERE subject_id = ?`
		args = append(args, subjectID)
	}
	query += ` ORDER BY created_at DESC, id LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing documents: %w", err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		d.Content = ""
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// UpdateDocumentStatus records the outcome of indexing a document.
func (s *Store) UpdateDocumentStatus(ctx context.Context, id, status string, chunkCount int, lastError string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE documents SET status = ?, chunk_count = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		status, chunkCount, lastError, formatTime(time.Now()), id,
	)
	if err != nil {
		return fmt.Errorf("updating document %s: %w", id, err)
	}
	return requireRow(res)
}

// DeleteDocument removes the document row only. Its chunks belong to the
// vector store and are removed there.
func (s *Store) DeleteDocument(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting document %s: %w", id, err)
	}
	return requireRow(res)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(r rowScanner) (Document, error) {
	var d Document
	var createdAt, updatedAt string
	if err := r.Scan(&d.ID, &d.SubjectID, &d.TopicID, &d.SubtopicID, &d.Title, &d.Content,
		&d.Status, &d.ChunkCount, &d.LastError, &createdAt, &updatedAt); err != nil {
		return Document{}, err
	}
	var err error
	if d.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return Document{}, err
	}
	if d.UpdatedAt, err = parseTime("updated_at", updatedAt); err != nil {
		return Document{}, err
	}
	return d, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
