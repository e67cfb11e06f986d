// Package reranking provides secondary relevance signals for retrieval
// results: LLM-judged scores, lexical BM25 overlap, or nothing at all.
package reranking

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kalambet/quizrag/internal/llm"
	"github.com/kalambet/quizrag/internal/retrieval"
)

const defaultConcurrency = 3

// Mode selects a reranker implementation.
type Mode string

const (
	ModeNone    Mode = "none"
	ModeLexical Mode = "lexical"
	ModeLLM     Mode = "llm"
)

// New returns the reranker for mode. ModeLLM without an invoker or model
// falls back to NoOp. Unknown modes are an error.
func New(mode Mode, inv llm.Invoker, model string, timeout time.Duration) (retrieval.Reranker, error) {
	switch mode {
	case ModeNone, "":
		return &NoOpReranker{}, nil
	case ModeLexical:
		return NewLexicalReranker(DefaultSemanticWeight), nil
	case ModeLLM:
		if inv == nil || model == "" {
			return &NoOpReranker{}, nil
		}
		return &LLMReranker{invoker: inv, model: model, timeout: timeout}, nil
	default:
		return nil, fmt.Errorf("unknown rerank mode %q (want none, lexical or llm)", mode)
	}
}

// LLMReranker asks a model to rate each (query, chunk) pair in [0, 1].
// Scoring runs concurrently, bounded to defaultConcurrency calls.
type LLMReranker struct {
	invoker llm.Invoker
	model   string
	timeout time.Duration
}

// NewLLMReranker builds an LLMReranker.
func NewLLMReranker(inv llm.Invoker, model string, timeout time.Duration) *LLMReranker {
	return &LLMReranker{invoker: inv, model: model, timeout: timeout}
}

// Rerank scores every result and sorts by score descending, ties keeping
// the incoming order. A result whose score cannot be obtained keeps its
// similarity as score. If the timeout fires before all scores arrive an
// error is returned and the caller keeps its own order.
func (r *LLMReranker) Rerank(ctx context.Context, query string, results []retrieval.Result) ([]retrieval.Result, error) {
	if len(results) == 0 {
		return results, nil
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	scores := make([]float64, len(results))
	sem := make(chan struct{}, defaultConcurrency)

	var wg sync.WaitGroup
	for i, res := range results {
		wg.Add(1)
		go func(i int, res retrieval.Result) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
			case <-timeoutCtx.Done():
				return
			}
			defer func() { <-sem }()

			score, err := r.score(timeoutCtx, query, res)
			if err != nil {
				slog.Debug("reranker: score failed, retaining similarity", "chunk", res.ChunkID, "error", err)
				score = res.Similarity
			}
			scores[i] = score
		}(i, res)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-timeoutCtx.Done():
		return nil, fmt.Errorf("llm rerank: %w", timeoutCtx.Err())
	}
	if err := timeoutCtx.Err(); err != nil {
		return nil, fmt.Errorf("llm rerank: %w", err)
	}

	return sortByScore(results, scores), nil
}

func (r *LLMReranker) score(ctx context.Context, query string, res retrieval.Result) (float64, error) {
	prompt := "Valora de 0.0 a 1.0 la relevancia del siguiente fragmento para la consulta.\n" +
		"Consulta: " + query + "\n" +
		"Fragmento: " + res.Text + "\n" +
		`Responde solo con un objeto JSON: {"score": <número>}`

	resp, err := r.invoker.Invoke(ctx, r.model, prompt)
	if err != nil {
		return 0, err
	}
	return parseScore(resp)
}

// parseScore extracts {"score": x} from a model response, tolerating
// markdown code fences and conversational filler around the object.
// Scores are clamped to [0, 1].
func parseScore(resp string) (float64, error) {
	s := strings.TrimSpace(resp)

	if idx := strings.Index(s, "```"); idx != -1 {
		s = s[idx+3:]
		s = strings.TrimPrefix(s, "json")
		if end := strings.Index(s, "```"); end != -1 {
			s = s[:end]
		}
	}

	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start == -1 || end <= start {
		return 0, fmt.Errorf("no JSON object in response")
	}

	var obj struct {
		Score *float64 `json:"score"`
	}
	if err := json.Unmarshal([]byte(s[start:end+1]), &obj); err != nil {
		return 0, fmt.Errorf("unmarshal score: %w", err)
	}
	if obj.Score == nil {
		return 0, fmt.Errorf("response has no score field")
	}
	return max(0, min(1, *obj.Score)), nil
}

// sortByScore returns results ordered by scores descending with
// RerankedScore set. The sort is stable.
func sortByScore(results []retrieval.Result, scores []float64) []retrieval.Result {
	out := make([]retrieval.Result, len(results))
	copy(out, results)
	for i := range out {
		s := scores[i]
		out[i].RerankedScore = &s
	}
	sort.SliceStable(out, func(i, j int) bool { return *out[i].RerankedScore > *out[j].RerankedScore })
	return out
}

// NoOpReranker passes results through unchanged. Used when reranking is disabled.
type NoOpReranker struct{}

func (n *NoOpReranker) Rerank(_ context.Context, _ string, results []retrieval.Result) ([]retrieval.Result, error) {
	return results, nil
}
