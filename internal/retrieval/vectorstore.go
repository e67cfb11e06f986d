package retrieval

import (
	"context"
	"time"

	"github.com/kalambet/quizrag/internal/chunking"
)

// VectorStore persists chunk embeddings and scores them against a query.
// The SQLite implementation scans every matching row; an ANN-capable
// backend can replace it behind the same interface.
type VectorStore interface {
	// ReplaceDocument atomically swaps all chunks of a document for records.
	ReplaceDocument(ctx context.Context, documentID string, records []Record) error

	// Search scores every chunk embedded with model that matches the
	// filters. It returns the matches scoring at least threshold, in
	// insertion order, together with the number of chunks scanned.
	Search(ctx context.Context, model string, query []float32, f Filters, threshold float64) ([]Match, int, error)

	// GetByIDs returns the records for ids, in no particular order.
	GetByIDs(ctx context.Context, ids []string) ([]Record, error)

	// DeleteDocument removes a document's chunks and reports how many were removed.
	DeleteDocument(ctx context.Context, documentID string) (int, error)

	// Count returns the number of chunks embedded with model.
	Count(ctx context.Context, model string) (int, error)
}

// Filters restrict a search to a course coordinate. Empty fields match all.
type Filters struct {
	SubjectID  string `json:"subjectId,omitempty"`
	TopicID    string `json:"topicId,omitempty"`
	SubtopicID string `json:"subtopicId,omitempty"`
	DocumentID string `json:"documentId,omitempty"`
}

// Record is a stored chunk with its embedding.
type Record struct {
	Chunk     chunking.Chunk
	Model     string
	Embedding []float32
	CreatedAt time.Time
}

// Match is a chunk ID with its cosine similarity to the query.
type Match struct {
	ID    string
	Score float64
}
