// Package retrieval indexes chunk embeddings and answers similarity
// queries over course material, degrading to an empty result rather than
// failing the caller.
package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/kalambet/quizrag/internal/chunking"
)

const (
	// DefaultLimit is the number of results returned when Options.Limit is unset.
	DefaultLimit = 5
	// DefaultThreshold is the minimum cosine similarity kept by default.
	DefaultThreshold = 0.3
	// rerankWindow is the multiple of Limit handed to the reranker.
	rerankWindow = 3
)

// Embedder produces query and chunk vectors. ModelName is only stable once
// Initialize has succeeded, since a fallback may replace the backend.
type Embedder interface {
	Initialize(ctx context.Context) error
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	ModelName() string
}

// Reranker reorders candidates by a secondary relevance signal, setting
// RerankedScore on each result it scores.
type Reranker interface {
	Rerank(ctx context.Context, query string, results []Result) ([]Result, error)
}

// Options tunes a single search. A zero Limit or nil Threshold takes the
// retriever default; an explicit Threshold of 0 keeps every match.
type Options struct {
	Limit           int      `json:"limit,omitempty"`
	Threshold       *float64 `json:"threshold,omitempty"`
	Rerank          bool     `json:"rerankResults,omitempty"`
	IncludeMetadata bool     `json:"includeMetadata,omitempty"`
}

// Threshold returns a pointer to t for use in Options.
func Threshold(t float64) *float64 { return &t }

// Metadata describes where a result chunk came from.
type Metadata struct {
	SubjectID    string `json:"subjectId,omitempty"`
	TopicID      string `json:"topicId,omitempty"`
	SubtopicID   string `json:"subtopicId,omitempty"`
	ChunkIndex   int    `json:"chunkIndex"`
	SectionTitle string `json:"sectionTitle,omitempty"`
	IsHeading    bool   `json:"isHeading"`
	IsList       bool   `json:"isList"`
	WordCount    int    `json:"wordCount"`
}

// Result is one retrieved chunk.
type Result struct {
	ChunkID       string    `json:"chunkId"`
	DocumentID    string    `json:"documentId"`
	Text          string    `json:"text"`
	Similarity    float64   `json:"similarity"`
	RerankedScore *float64  `json:"rerankedScore,omitempty"`
	Metadata      *Metadata `json:"metadata,omitempty"`
}

// Stats summarizes a search.
type Stats struct {
	TotalIndexed   int     `json:"totalIndexed"`
	TotalFound     int     `json:"totalFound"`
	AboveThreshold int     `json:"aboveThreshold"`
	Returned       int     `json:"returned"`
	ElapsedMs      int64   `json:"elapsedMs"`
	Threshold      float64 `json:"threshold"`
	Reranked       bool    `json:"reranked"`
	Degraded       bool    `json:"degraded"`
}

// Response is the outcome of Search.
type Response struct {
	Results    []Result `json:"results"`
	Stats      Stats    `json:"stats"`
	HasContent bool     `json:"hasContent"`
}

// Retriever combines embedding and vector search to find relevant chunks.
type Retriever struct {
	embedder Embedder
	store    VectorStore
	reranker Reranker
	defaults Options
}

// NewRetriever creates a Retriever. reranker may be nil. Zero fields of
// defaults fall back to DefaultLimit and DefaultThreshold.
func NewRetriever(embedder Embedder, store VectorStore, reranker Reranker, defaults Options) *Retriever {
	if defaults.Limit <= 0 {
		defaults.Limit = DefaultLimit
	}
	if defaults.Threshold == nil {
		defaults.Threshold = Threshold(DefaultThreshold)
	}
	return &Retriever{embedder: embedder, store: store, reranker: reranker, defaults: defaults}
}

// Search returns the chunks most similar to query. It never fails: index or
// embedding problems are logged and reported through Stats.Degraded with
// HasContent=false.
func (r *Retriever) Search(ctx context.Context, query string, f Filters, opts Options) Response {
	start := time.Now()
	if opts.Limit <= 0 {
		opts.Limit = r.defaults.Limit
	}
	threshold := *r.defaults.Threshold
	if opts.Threshold != nil {
		threshold = *opts.Threshold
	}

	resp := Response{Results: []Result{}, Stats: Stats{Threshold: threshold}}
	finish := func() Response {
		resp.Stats.Returned = len(resp.Results)
		resp.HasContent = len(resp.Results) > 0
		resp.Stats.ElapsedMs = time.Since(start).Milliseconds()
		return resp
	}
	degrade := func(stage string, err error) Response {
		slog.Warn("retrieval degraded", "stage", stage, "error", err)
		resp.Results = []Result{}
		resp.Stats.Degraded = true
		return finish()
	}

	if err := r.embedder.Initialize(ctx); err != nil {
		return degrade("initialize", err)
	}
	model := r.embedder.ModelName()
	total, err := r.store.Count(ctx, model)
	if err != nil {
		return degrade("count", err)
	}
	resp.Stats.TotalIndexed = total
	if total == 0 {
		return finish()
	}

	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return degrade("embed", err)
	}

	matches, scanned, err := r.store.Search(ctx, model, vec, f, threshold)
	if err != nil {
		return degrade("search", err)
	}
	resp.Stats.TotalFound = scanned
	resp.Stats.AboveThreshold = len(matches)

	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })

	rerank := opts.Rerank && r.reranker != nil
	window := opts.Limit
	if rerank {
		window = opts.Limit * rerankWindow
	}
	if len(matches) > window {
		matches = matches[:window]
	}

	results, err := r.load(ctx, matches)
	if err != nil {
		return degrade("load", err)
	}

	if rerank && len(results) > 0 {
		reranked, err := r.reranker.Rerank(ctx, query, results)
		if err != nil {
			slog.Warn("rerank failed, keeping similarity order", "error", err)
		} else {
			results = reranked
			resp.Stats.Reranked = true
		}
	}
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	if !opts.IncludeMetadata {
		for i := range results {
			results[i].Metadata = nil
		}
	}

	resp.Results = results
	return finish()
}

// load fetches full records for matches, preserving match order.
func (r *Retriever) load(ctx context.Context, matches []Match) ([]Result, error) {
	if len(matches) == 0 {
		return []Result{}, nil
	}
	ids := make([]string, len(matches))
	for i, m := range matches {
		ids[i] = m.ID
	}
	records, err := r.store.GetByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]Record, len(records))
	for _, rec := range records {
		byID[rec.Chunk.ID] = rec
	}

	results := make([]Result, 0, len(matches))
	for _, m := range matches {
		rec, ok := byID[m.ID]
		if !ok {
			// Deleted between scan and load.
			continue
		}
		c := rec.Chunk
		results = append(results, Result{
			ChunkID:    c.ID,
			DocumentID: c.DocumentRef.DocumentID,
			Text:       c.Text,
			Similarity: m.Score,
			Metadata: &Metadata{
				SubjectID:    c.DocumentRef.SubjectID,
				TopicID:      c.DocumentRef.TopicID,
				SubtopicID:   c.DocumentRef.SubtopicID,
				ChunkIndex:   c.Index,
				SectionTitle: c.SectionTitle,
				IsHeading:    c.IsHeading,
				IsList:       c.IsList,
				WordCount:    c.WordCount,
			},
		})
	}
	return results, nil
}

// Index embeds chunks and replaces the document's previously indexed chunks.
// Unlike Search, failures are returned so the ingest job can be retried.
func (r *Retriever) Index(ctx context.Context, ref chunking.DocumentRef, chunks []chunking.Chunk) (int, error) {
	if err := r.embedder.Initialize(ctx); err != nil {
		return 0, fmt.Errorf("initializing embedder: %w", err)
	}
	if len(chunks) == 0 {
		if err := r.store.ReplaceDocument(ctx, ref.DocumentID, nil); err != nil {
			return 0, err
		}
		return 0, nil
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	vecs, err := r.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return 0, fmt.Errorf("embedding %d chunks: %w", len(chunks), err)
	}

	model := r.embedder.ModelName()
	now := time.Now().UTC()
	records := make([]Record, len(chunks))
	for i, c := range chunks {
		c.DocumentRef = ref
		records[i] = Record{Chunk: c, Model: model, Embedding: vecs[i], CreatedAt: now}
	}
	if err := r.store.ReplaceDocument(ctx, ref.DocumentID, records); err != nil {
		return 0, fmt.Errorf("storing chunks: %w", err)
	}
	return len(records), nil
}

// Remove drops every indexed chunk of a document.
func (r *Retriever) Remove(ctx context.Context, documentID string) (int, error) {
	return r.store.DeleteDocument(ctx, documentID)
}
