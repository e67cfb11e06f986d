package retrieval

import (
	"context"
	"database/sql"
	"fmt"
	"testing"

	"github.com/kalambet/quizrag/internal/chunking"
	_ "modernc.org/sqlite"
)

// openTestDB creates an in-memory SQLite database with the chunks table.
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("opening test db: %v", err)
	}
	db.SetMaxOpenConns(1)
	_, err = db.Exec(`
		CREATE TABLE chunks (
			seq            INTEGER PRIMARY KEY AUTOINCREMENT,
			id             TEXT NOT NULL UNIQUE,
			document_id    TEXT NOT NULL,
			subject_id     TEXT NOT NULL DEFAULT '',
			topic_id       TEXT NOT NULL DEFAULT '',
			subtopic_id    TEXT NOT NULL DEFAULT '',
			chunk_index    INTEGER NOT NULL,
			text           TEXT NOT NULL,
			section_title  TEXT NOT NULL DEFAULT '',
			is_heading     INTEGER NOT NULL DEFAULT 0,
			is_list        INTEGER NOT NULL DEFAULT 0,
			char_count     INTEGER NOT NULL DEFAULT 0,
			word_count     INTEGER NOT NULL DEFAULT 0,
			sentence_count INTEGER NOT NULL DEFAULT 0,
			model          TEXT NOT NULL,
			embedding      BLOB NOT NULL,
			created_at     TEXT NOT NULL
		)`)
	if err != nil {
		t.Fatalf("creating table: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func record(id, docID, subject, text, model string, vec []float32) Record {
	return Record{
		Chunk: chunking.Chunk{
			ID:          id,
			Text:        text,
			WordCount:   1,
			IsHeading:   true,
			DocumentRef: chunking.DocumentRef{DocumentID: docID, SubjectID: subject, TopicID: "bucles"},
		},
		Model:     model,
		Embedding: vec,
	}
}

func TestReplaceAndGetByIDs(t *testing.T) {
	s := NewSQLiteStore(openTestDB(t))
	ctx := context.Background()

	err := s.ReplaceDocument(ctx, "doc-1", []Record{
		record("c1", "doc-1", "PRG", "Un bucle repite instrucciones", "m", []float32{1, 0}),
	})
	if err != nil {
		t.Fatalf("ReplaceDocument: %v", err)
	}

	recs, err := s.GetByIDs(ctx, []string{"c1"})
	if err != nil {
		t.Fatalf("GetByIDs: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("got %d records, want 1", len(recs))
	}
	r := recs[0]
	if r.Chunk.Text != "Un bucle repite instrucciones" || r.Chunk.DocumentRef.SubjectID != "PRG" {
		t.Errorf("unexpected record %+v", r.Chunk)
	}
	if !r.Chunk.IsHeading || r.Chunk.WordCount != 1 || r.Model != "m" {
		t.Errorf("metadata not round-tripped: %+v", r)
	}
	if len(r.Embedding) != 2 || r.Embedding[0] != 1 {
		t.Errorf("embedding = %v", r.Embedding)
	}
	if r.CreatedAt.IsZero() {
		t.Error("CreatedAt should be set")
	}
}

func TestReplaceDocument_SwapsChunks(t *testing.T) {
	s := NewSQLiteStore(openTestDB(t))
	ctx := context.Background()

	s.ReplaceDocument(ctx, "doc-1", []Record{
		record("old-1", "doc-1", "PRG", "a", "m", []float32{1}),
		record("old-2", "doc-1", "PRG", "b", "m", []float32{1}),
	})
	s.ReplaceDocument(ctx, "doc-2", []Record{record("other", "doc-2", "PRG", "c", "m", []float32{1})})
	if err := s.ReplaceDocument(ctx, "doc-1", []Record{record("new-1", "doc-1", "PRG", "d", "m", []float32{1})}); err != nil {
		t.Fatalf("ReplaceDocument: %v", err)
	}

	n, _ := s.Count(ctx, "m")
	if n != 2 {
		t.Errorf("Count = %d, want 2", n)
	}
	recs, _ := s.GetByIDs(ctx, []string{"old-1", "old-2", "new-1"})
	if len(recs) != 1 || recs[0].Chunk.ID != "new-1" {
		t.Errorf("got %+v, want only new-1", recs)
	}
}

func TestSearch_FiltersAndThreshold(t *testing.T) {
	s := NewSQLiteStore(openTestDB(t))
	ctx := context.Background()

	s.ReplaceDocument(ctx, "doc-1", []Record{
		record("a", "doc-1", "PRG", "a", "m", []float32{1, 0}),
		record("b", "doc-1", "PRG", "b", "m", []float32{0, 1}),
		record("c", "doc-1", "PRG", "c", "other-model", []float32{1, 0}),
	})
	s.ReplaceDocument(ctx, "doc-2", []Record{
		record("d", "doc-2", "MAT", "d", "m", []float32{1, 0}),
	})

	matches, scanned, err := s.Search(ctx, "m", []float32{1, 0}, Filters{SubjectID: "PRG"}, 0.5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if scanned != 2 {
		t.Errorf("scanned = %d, want 2", scanned)
	}
	if len(matches) != 1 || matches[0].ID != "a" {
		t.Fatalf("matches = %+v, want [a]", matches)
	}
	if matches[0].Score < 0.99 {
		t.Errorf("score = %f, want ~1", matches[0].Score)
	}

	matches, scanned, _ = s.Search(ctx, "m", []float32{1, 0}, Filters{}, -1)
	if scanned != 3 || len(matches) != 3 {
		t.Errorf("unfiltered: scanned=%d matches=%d, want 3/3", scanned, len(matches))
	}
	if matches[0].ID != "a" || matches[1].ID != "b" || matches[2].ID != "d" {
		t.Errorf("matches not in insertion order: %+v", matches)
	}
}

func TestSearch_EmptyTable(t *testing.T) {
	s := NewSQLiteStore(openTestDB(t))
	matches, scanned, err := s.Search(context.Background(), "m", []float32{1}, Filters{}, 0.3)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if scanned != 0 || len(matches) != 0 {
		t.Errorf("got scanned=%d matches=%d, want 0/0", scanned, len(matches))
	}
}

func TestDeleteDocument(t *testing.T) {
	s := NewSQLiteStore(openTestDB(t))
	ctx := context.Background()

	var recs []Record
	for i := 0; i < 3; i++ {
		recs = append(recs, record(fmt.Sprintf("c%d", i), "doc-1", "PRG", "t", "m", []float32{1}))
	}
	s.ReplaceDocument(ctx, "doc-1", recs)

	n, err := s.DeleteDocument(ctx, "doc-1")
	if err != nil {
		t.Fatalf("DeleteDocument: %v", err)
	}
	if n != 3 {
		t.Errorf("deleted %d, want 3", n)
	}
	if c, _ := s.Count(ctx, "m"); c != 0 {
		t.Errorf("Count = %d after delete, want 0", c)
	}
}

func TestDecodeInto_ReusesBuffer(t *testing.T) {
	buf := make([]float32, 0, 8)
	out, err := decodeInto(buf, []byte{0, 0, 128, 63, 0, 0, 0, 64})
	if err != nil {
		t.Fatalf("decodeInto: %v", err)
	}
	if len(out) != 2 || out[0] != 1 || out[1] != 2 {
		t.Errorf("out = %v, want [1 2]", out)
	}
	if &out[:cap(out)][0] != &buf[:cap(buf)][0] {
		t.Error("buffer was not reused")
	}
	if _, err := decodeInto(nil, []byte{1, 2, 3}); err == nil {
		t.Error("expected error for truncated blob")
	}
}
