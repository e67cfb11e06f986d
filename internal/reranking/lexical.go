package reranking

import (
	"context"
	"fmt"

	"github.com/blevesearch/bleve/v2"
	"github.com/kalambet/quizrag/internal/retrieval"
)

// DefaultSemanticWeight is the share of the blended score taken from
// cosine similarity; the rest comes from normalized BM25.
const DefaultSemanticWeight = 0.7

// LexicalReranker blends cosine similarity with a BM25 keyword score. The
// candidates are indexed into a throwaway in-memory bleve index per call.
type LexicalReranker struct {
	semanticWeight float64
}

// NewLexicalReranker returns a LexicalReranker; weight outside (0, 1]
// uses DefaultSemanticWeight.
func NewLexicalReranker(weight float64) *LexicalReranker {
	if weight <= 0 || weight > 1 {
		weight = DefaultSemanticWeight
	}
	return &LexicalReranker{semanticWeight: weight}
}

func (l *LexicalReranker) Rerank(ctx context.Context, query string, results []retrieval.Result) ([]retrieval.Result, error) {
	if len(results) == 0 {
		return results, nil
	}
	lexical, err := bm25Scores(ctx, query, results)
	if err != nil {
		return nil, err
	}

	scores := make([]float64, len(results))
	for i, r := range results {
		scores[i] = l.semanticWeight*r.Similarity + (1-l.semanticWeight)*lexical[r.ChunkID]
	}
	return sortByScore(results, scores), nil
}

// bm25Scores returns each candidate's BM25 score divided by the best score,
// so the top lexical hit scores 1 and non-matching chunks are absent (0).
func bm25Scores(ctx context.Context, query string, results []retrieval.Result) (map[string]float64, error) {
	mapping := bleve.NewIndexMapping()
	index, err := bleve.NewMemOnly(mapping)
	if err != nil {
		return nil, fmt.Errorf("creating bleve index: %w", err)
	}
	defer index.Close()

	batch := index.NewBatch()
	for _, r := range results {
		if err := batch.Index(r.ChunkID, map[string]any{"text": r.Text}); err != nil {
			return nil, fmt.Errorf("indexing chunk %s: %w", r.ChunkID, err)
		}
	}
	if err := index.Batch(batch); err != nil {
		return nil, fmt.Errorf("batch indexing candidates: %w", err)
	}

	q := bleve.NewMatchQuery(query)
	q.SetField("text")
	req := bleve.NewSearchRequestOptions(q, len(results), 0, false)
	res, err := index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("bleve search failed: %w", err)
	}

	scores := make(map[string]float64, len(res.Hits))
	best := 0.0
	for _, hit := range res.Hits {
		best = max(best, hit.Score)
	}
	if best == 0 {
		return scores, nil
	}
	for _, hit := range res.Hits {
		scores[hit.ID] = hit.Score / best
	}
	return scores, nil
}
