// Package api exposes the document, retrieval and question-generation
// endpoints over HTTP and the same operations as MCP tools.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/quizrag/internal/pipeline"
	"github.com/kalambet/quizrag/internal/retrieval"
	"github.com/kalambet/quizrag/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB
const maxDocumentBodySize = 10 << 20

// Generator runs the question-generation path. *pipeline.Pipeline
// implements it.
type Generator interface {
	Generate(ctx context.Context, req pipeline.Request) (pipeline.Result, error)
}

// ChunkRemover drops a document's chunks from the vector index.
type ChunkRemover interface {
	Remove(ctx context.Context, documentID string) (int, error)
}

// EmbeddingCache is the introspection surface of the embedding service.
type EmbeddingCache interface {
	CacheSize() int
	ClearCache()
	ModelName() string
}

// Deps carries everything the handlers need.
type Deps struct {
	Store     *storage.Store
	Generator Generator
	Searcher  pipeline.Searcher
	Chunks    ChunkRemover   // optional; if nil, chunks are left to the next reindex
	Cache     EmbeddingCache // optional; cache endpoints return 404 when nil
	// Token guards the manager routes.
	Token string
}

// NewHandler returns the quizrag HTTP API.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth(deps))

	r.Route("/api", func(r chi.Router) {
		r.Post("/questions/generate", handleGenerate(deps))
		r.Get("/questions", handleListQuestions(deps))
		r.Post("/questions/{id}/report", handleReportQuestion(deps))
		r.Post("/retrieval/search", handleSearch(deps))
		r.Get("/documents/{id}", handleGetDocument(deps))

		r.Group(func(r chi.Router) {
			r.Use(BearerAuth(deps.Token))

			r.Post("/manager/questions/generate", handleManagerGenerate(deps))
			r.Get("/documents", handleListDocuments(deps))
			r.Post("/documents", handleCreateDocument(deps))
			r.Delete("/documents/{id}", handleDeleteDocument(deps))
			r.Post("/documents/{id}/reindex", handleReindexDocument(deps))
			r.Get("/assignments", handleListAssignments(deps))
			r.Get("/embeddings/cache", handleCacheInfo(deps))
			r.Delete("/embeddings/cache", handleClearCache(deps))
		})
	})

	return r
}

func handleHealth(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := map[string]any{"status": "ok"}
		if deps.Store != nil {
			stats, err := deps.Store.Stats(r.Context())
			if err != nil {
				httpError(w, http.StatusServiceUnavailable, "api_error", "storage unavailable: %v", err)
				return
			}
			status["storage"] = stats
		}
		writeJSON(w, http.StatusOK, status)
	}
}

func handleSearch(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req struct {
			Query   string            `json:"query"`
			Filters retrieval.Filters `json:"filters"`
			Options retrieval.Options `json:"options"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Query == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "query is required")
			return
		}
		if th := req.Options.Threshold; req.Options.Limit < 0 || (th != nil && (*th < 0 || *th > 1)) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "limit must be >= 0 and threshold within [0,1]")
			return
		}

		resp := deps.Searcher.Search(r.Context(), req.Query, req.Filters, req.Options)
		if resp.Results == nil {
			resp.Results = []retrieval.Result{}
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func handleCacheInfo(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Cache == nil {
			httpError(w, http.StatusNotFound, "not_found", "embedding cache not configured")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"model":   deps.Cache.ModelName(),
			"entries": deps.Cache.CacheSize(),
		})
	}
}

func handleClearCache(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Cache == nil {
			httpError(w, http.StatusNotFound, "not_found", "embedding cache not configured")
			return
		}
		cleared := deps.Cache.CacheSize()
		deps.Cache.ClearCache()
		writeJSON(w, http.StatusOK, map[string]any{"status": "cleared", "entries": cleared})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	httpErrorFields(w, code, errType, nil, format, args...)
}

// httpErrorFields writes the error envelope with extra keys merged into the
// "error" object.
func httpErrorFields(w http.ResponseWriter, code int, errType string, extra map[string]any, format string, args ...any) {
	body := map[string]any{
		"message": fmt.Sprintf(format, args...),
		"type":    errType,
	}
	for k, v := range extra {
		body[k] = v
	}
	writeJSON(w, code, map[string]any{"error": body})
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
