package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kalambet/quizrag/internal/ingest"
	"github.com/kalambet/quizrag/internal/storage"
)

// DocumentRequest uploads already-extracted course material.
type DocumentRequest struct {
	SubjectID  string `json:"subjectId"`
	TopicID    string `json:"topicId"`
	SubtopicID string `json:"subtopicId"`
	Title      string `json:"title"`
	Content    string `json:"content"`
}

type documentView struct {
	ID         string    `json:"id"`
	SubjectID  string    `json:"subjectId"`
	TopicID    string    `json:"topicId,omitempty"`
	SubtopicID string    `json:"subtopicId,omitempty"`
	Title      string    `json:"title"`
	Status     string    `json:"status"`
	ChunkCount int       `json:"chunkCount"`
	LastError  string    `json:"lastError,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

func viewDocument(d storage.Document) documentView {
	return documentView{
		ID:         d.ID,
		SubjectID:  d.SubjectID,
		TopicID:    d.TopicID,
		SubtopicID: d.SubtopicID,
		Title:      d.Title,
		Status:     d.Status,
		ChunkCount: d.ChunkCount,
		LastError:  d.LastError,
		CreatedAt:  d.CreatedAt,
		UpdatedAt:  d.UpdatedAt,
	}
}

func handleCreateDocument(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxDocumentBodySize)
		defer r.Body.Close()

		var req DocumentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if strings.TrimSpace(req.SubjectID) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "subjectId is required")
			return
		}
		if strings.TrimSpace(req.Content) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "content is required")
			return
		}

		doc := storage.Document{
			ID:         uuid.New().String(),
			SubjectID:  req.SubjectID,
			TopicID:    req.TopicID,
			SubtopicID: req.SubtopicID,
			Title:      req.Title,
			Content:    req.Content,
			Status:     storage.DocumentQueued,
		}
		if err := deps.Store.SaveDocument(r.Context(), doc); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to save document: %v", err)
			return
		}

		jobID, err := ingest.Enqueue(r.Context(), deps.Store, doc.ID)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to enqueue job: %v", err)
			return
		}

		writeJSON(w, http.StatusAccepted, map[string]string{
			"id":     doc.ID,
			"jobId":  jobID,
			"status": storage.DocumentQueued,
		})
	}
}

func handleListDocuments(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 100, 500)
		docs, err := deps.Store.ListDocuments(r.Context(), r.URL.Query().Get("subject"), limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list documents: %v", err)
			return
		}
		out := make([]documentView, len(docs))
		for i, d := range docs {
			out[i] = viewDocument(d)
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handleGetDocument(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doc, err := deps.Store.GetDocument(r.Context(), chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "document not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get document: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, viewDocument(doc))
	}
}

func handleDeleteDocument(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		err := deps.Store.DeleteDocument(r.Context(), id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "document not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to delete document: %v", err)
			return
		}

		removed := 0
		if deps.Chunks != nil {
			removed, err = deps.Chunks.Remove(r.Context(), id)
			if err != nil {
				slog.Warn("failed to remove document chunks", "document", id, "error", err)
			}
		}

		writeJSON(w, http.StatusOK, map[string]any{"status": "deleted", "chunksRemoved": removed})
	}
}

func handleReindexDocument(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		doc, err := deps.Store.GetDocument(r.Context(), id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "document not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get document: %v", err)
			return
		}
		if err := deps.Store.UpdateDocumentStatus(r.Context(), doc.ID, storage.DocumentQueued, doc.ChunkCount, ""); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to update document: %v", err)
			return
		}
		jobID, err := ingest.Enqueue(r.Context(), deps.Store, doc.ID)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to enqueue job: %v", err)
			return
		}

		writeJSON(w, http.StatusAccepted, map[string]string{
			"id":     doc.ID,
			"jobId":  jobID,
			"status": storage.DocumentQueued,
		})
	}
}
