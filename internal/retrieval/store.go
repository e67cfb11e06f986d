package retrieval

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/kalambet/quizrag/internal/chunking"
	"github.com/kalambet/quizrag/internal/embedding"
)

// Compile-time check that SQLiteStore implements VectorStore.
var _ VectorStore = (*SQLiteStore)(nil)

// SQLiteStore keeps chunk vectors in the chunks table and scores them by
// brute-force cosine similarity. Insertion order is the rowid order, which
// keeps result ties deterministic.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore wraps an existing *sql.DB for vector operations.
// The chunks table must already exist (created via migrations).
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

const chunkColumns = `id, document_id, subject_id, topic_id, subtopic_id, chunk_index, text,
	section_title, is_heading, is_list, char_count, word_count, sentence_count,
	model, embedding, created_at`

// ReplaceDocument deletes the document's previous chunks and inserts
// records in one transaction.
func (s *SQLiteStore) ReplaceDocument(ctx context.Context, documentID string, records []Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning replace transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE document_id = ?`, documentID); err != nil {
		return fmt.Errorf("deleting old chunks of %s: %w", documentID, err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO chunks (`+chunkColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing insert statement: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		c := r.Chunk
		createdAt := r.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		_, err := stmt.ExecContext(ctx,
			c.ID, documentID, c.DocumentRef.SubjectID, c.DocumentRef.TopicID, c.DocumentRef.SubtopicID,
			c.Index, c.Text, c.SectionTitle, c.IsHeading, c.IsList,
			c.CharCount, c.WordCount, c.SentenceCount,
			r.Model, embedding.EncodeVector(r.Embedding), createdAt.Format(time.RFC3339Nano))
		if err != nil {
			return fmt.Errorf("inserting chunk %s: %w", c.ID, err)
		}
	}

	return tx.Commit()
}

// Search scans id and embedding only; full records are fetched later for
// the winners through GetByIDs.
func (s *SQLiteStore) Search(ctx context.Context, model string, query []float32, f Filters, threshold float64) ([]Match, int, error) {
	where, args := filterClause(model, f)
	rows, err := s.db.QueryContext(ctx, `SELECT id, embedding FROM chunks WHERE `+where+` ORDER BY seq`, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("querying vectors: %w", err)
	}
	defer rows.Close()

	var matches []Match
	scanned := 0
	// Reusable buffer for decoding embeddings to avoid per-row allocations.
	var buf []float32

	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, 0, fmt.Errorf("scanning row: %w", err)
		}
		scanned++

		buf, err = decodeInto(buf, blob)
		if err != nil {
			return nil, 0, fmt.Errorf("decoding embedding for %s: %w", id, err)
		}
		if score := embedding.Similarity(query, buf); score >= threshold {
			matches = append(matches, Match{ID: id, Score: score})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterating rows: %w", err)
	}
	return matches, scanned, nil
}

func filterClause(model string, f Filters) (string, []any) {
	conds := []string{"model = ?"}
	args := []any{model}
	add := func(col, v string) {
		if v != "" {
			conds = append(conds, col+" = ?")
			args = append(args, v)
		}
	}
	add("subject_id", f.SubjectID)
	add("topic_id", f.TopicID)
	add("subtopic_id", f.SubtopicID)
	add("document_id", f.DocumentID)
	return strings.Join(conds, " AND "), args
}

// GetByIDs returns records matching the given chunk IDs.
func (s *SQLiteStore) GetByIDs(ctx context.Context, ids []string) ([]Record, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	query := `SELECT ` + chunkColumns + ` FROM chunks WHERE id IN (?` + strings.Repeat(",?", len(ids)-1) + `)`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying by IDs: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			r         Record
			c         chunking.Chunk
			blob      []byte
			createdAt string
		)
		err := rows.Scan(&c.ID, &c.DocumentRef.DocumentID, &c.DocumentRef.SubjectID, &c.DocumentRef.TopicID,
			&c.DocumentRef.SubtopicID, &c.Index, &c.Text, &c.SectionTitle, &c.IsHeading, &c.IsList,
			&c.CharCount, &c.WordCount, &c.SentenceCount, &r.Model, &blob, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		if r.Embedding, err = embedding.DecodeVector(blob); err != nil {
			return nil, fmt.Errorf("decoding embedding for %s: %w", c.ID, err)
		}
		if r.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at for id %s: %w", c.ID, err)
		}
		c.Body = c.Text
		r.Chunk = c
		records = append(records, r)
	}
	return records, rows.Err()
}

// DeleteDocument removes every chunk of documentID.
func (s *SQLiteStore) DeleteDocument(ctx context.Context, documentID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM chunks WHERE document_id = ?`, documentID)
	if err != nil {
		return 0, fmt.Errorf("deleting chunks of %s: %w", documentID, err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// Count returns the number of chunks embedded with model.
func (s *SQLiteStore) Count(ctx context.Context, model string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks WHERE model = ?`, model).Scan(&count)
	return count, err
}

// decodeInto decodes a little-endian float32 blob into buf, reusing its
// backing array when large enough.
func decodeInto(buf []float32, b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	n := len(b) / 4
	if cap(buf) < n {
		buf = make([]float32, n)
	} else {
		buf = buf[:n]
	}
	for i := range buf {
		buf[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return buf, nil
}
