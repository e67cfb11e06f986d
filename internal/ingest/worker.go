// Package ingest indexes uploaded documents in the background: each queued
// document is chunked, embedded and written to the vector index.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/quizrag/internal/chunking"
	"github.com/kalambet/quizrag/internal/storage"
)

// JobType is the queue type handled by Worker.
const JobType = "ingest_document"

// JobStore abstracts the job queue and document status operations.
type JobStore interface {
	ClaimNextJob(ctx context.Context, types []string) (*storage.Job, error)
	CompleteJob(ctx context.Context, id string) error
	FailJob(ctx context.Context, id string, errMsg string) error
	GetDocument(ctx context.Context, id string) (storage.Document, error)
	UpdateDocumentStatus(ctx context.Context, id, status string, chunkCount int, lastError string) error
}

// Indexer embeds and stores a document's chunks. *retrieval.Retriever
// implements it.
type Indexer interface {
	Index(ctx context.Context, ref chunking.DocumentRef, chunks []chunking.Chunk) (int, error)
}

// Enqueuer adds jobs to the queue.
type Enqueuer interface {
	EnqueueJob(ctx context.Context, job storage.Job) (string, error)
}

type payload struct {
	DocumentID string `json:"documentId"`
}

// Enqueue schedules documentID for indexing and returns the job ID.
func Enqueue(ctx context.Context, q Enqueuer, documentID string) (string, error) {
	body, err := json.Marshal(payload{DocumentID: documentID})
	if err != nil {
		return "", err
	}
	return q.EnqueueJob(ctx, storage.Job{Type: JobType, PayloadJSON: string(body)})
}

// Worker processes ingest_document jobs from the SQLite job queue.
type Worker struct {
	store   JobStore
	chunker *chunking.Chunker
	indexer Indexer
	poll    time.Duration
	logger  *slog.Logger
}

// NewWorker creates a Worker with the given dependencies.
// If pollInterval is <= 0, it defaults to 500ms.
func NewWorker(store JobStore, chunker *chunking.Chunker, indexer Indexer, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Worker{
		store:   store,
		chunker: chunker,
		indexer: indexer,
		poll:    pollInterval,
		logger:  slog.Default().With("component", "ingest"),
	}
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// Drain processes jobs until none is due. Used by the CLI ingest command,
// which runs without a background worker.
func (w *Worker) Drain(ctx context.Context) (int, error) {
	n := 0
	for {
		done, err := w.RunOnce(ctx)
		if err != nil {
			return n, err
		}
		if !done {
			return n, nil
		}
		n++
	}
}

// RunOnce claims and processes a single job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob(ctx, []string{JobType})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := w.processJob(ctx, job); err != nil {
		w.logger.Warn("job failed", "job_id", job.ID, "attempt", job.Attempts+1, "error", err)
		if failErr := w.store.FailJob(ctx, job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if err := w.store.CompleteJob(ctx, job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

func (w *Worker) processJob(ctx context.Context, job *storage.Job) error {
	var p payload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &p); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}

	doc, err := w.store.GetDocument(ctx, p.DocumentID)
	if errors.Is(err, storage.ErrNotFound) {
		w.logger.Info("document deleted before indexing, skipping", "document_id", p.DocumentID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading document %s: %w", p.DocumentID, err)
	}

	ref := chunking.DocumentRef{
		DocumentID: doc.ID,
		SubjectID:  doc.SubjectID,
		TopicID:    doc.TopicID,
		SubtopicID: doc.SubtopicID,
	}
	chunks := w.chunker.Chunk(doc.Content, ref)

	n, err := w.indexer.Index(ctx, ref, chunks)
	if err != nil {
		status := storage.DocumentQueued
		if job.Attempts+1 >= job.MaxAttempts {
			status = storage.DocumentFailed
		}
		if uerr := w.store.UpdateDocumentStatus(ctx, doc.ID, status, 0, err.Error()); uerr != nil {
			w.logger.Error("updating document status", "document_id", doc.ID, "error", uerr)
		}
		return fmt.Errorf("indexing document %s: %w", doc.ID, err)
	}

	if err := w.store.UpdateDocumentStatus(ctx, doc.ID, storage.DocumentIndexed, n, ""); err != nil {
		return fmt.Errorf("updating document %s: %w", doc.ID, err)
	}
	w.logger.Info("document indexed", "document_id", doc.ID, "subject", doc.SubjectID, "chunks", n)
	return nil
}
