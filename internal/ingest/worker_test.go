package ingest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kalambet/quizrag/internal/chunking"
	"github.com/kalambet/quizrag/internal/storage"
)

type mockIndexer struct {
	mu      sync.Mutex
	indexed map[string][]chunking.Chunk
	indexFn func(ctx context.Context, ref chunking.DocumentRef, chunks []chunking.Chunk) (int, error)
}

func (m *mockIndexer) Index(ctx context.Context, ref chunking.DocumentRef, chunks []chunking.Chunk) (int, error) {
	if m.indexFn != nil {
		return m.indexFn(ctx, ref, chunks)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.indexed == nil {
		m.indexed = make(map[string][]chunking.Chunk)
	}
	m.indexed[ref.DocumentID] = chunks
	return len(chunks), nil
}

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func enqueueTestDoc(t *testing.T, store *storage.Store, docID, content string) string {
	t.Helper()
	doc := storage.Document{
		ID:        docID,
		SubjectID: "PRG",
		TopicID:   "bucles",
		Title:     "Tema 3",
		Content:   content,
	}
	if err := store.SaveDocument(context.Background(), doc); err != nil {
		t.Fatalf("SaveDocument: %v", err)
	}
	jobID, err := Enqueue(context.Background(), store, docID)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	return jobID
}

// resetRunAfter makes a job claimable immediately after FailJob backoff.
func resetRunAfter(t *testing.T, store *storage.Store, jobID string) {
	t.Helper()
	now := time.Now().UTC().Format(time.RFC3339)
	if _, err := store.DB().Exec(`UPDATE jobs SET run_after = ? WHERE id = ?`, now, jobID); err != nil {
		t.Fatalf("resetRunAfter: %v", err)
	}
}

func TestWorker_ProcessesJob(t *testing.T) {
	store := openTestStore(t)
	content := strings.Repeat("El bucle for recorre una secuencia. ", 20)
	enqueueTestDoc(t, store, "doc-1", content)

	indexer := &mockIndexer{}
	w := NewWorker(store, chunking.New(chunking.WithChunkSize(200), chunking.WithOverlap(40)), indexer, 0)

	ctx := context.Background()
	didWork, err := w.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}
	if !didWork {
		t.Fatal("RunOnce returned false, expected true")
	}

	chunks := indexer.indexed["doc-1"]
	if len(chunks) < 2 {
		t.Fatalf("indexed %d chunks, want several", len(chunks))
	}
	for _, c := range chunks {
		if c.DocumentRef.SubjectID != "PRG" || c.DocumentRef.TopicID != "bucles" {
			t.Errorf("chunk %d ref = %+v", c.Index, c.DocumentRef)
		}
	}

	doc, err := store.GetDocument(ctx, "doc-1")
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if doc.Status != storage.DocumentIndexed || doc.ChunkCount != len(chunks) {
		t.Errorf("document status=%q chunks=%d", doc.Status, doc.ChunkCount)
	}

	didWork, err = w.RunOnce(ctx)
	if err != nil || didWork {
		t.Errorf("queue should be empty: didWork=%v err=%v", didWork, err)
	}
}

func TestWorker_SkipsDeletedDocument(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	jobID := enqueueTestDoc(t, store, "doc-gone", "contenido")
	if err := store.DeleteDocument(ctx, "doc-gone"); err != nil {
		t.Fatalf("DeleteDocument: %v", err)
	}

	indexer := &mockIndexer{}
	w := NewWorker(store, chunking.New(), indexer, 0)
	if _, err := w.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if len(indexer.indexed) != 0 {
		t.Error("deleted document should not be indexed")
	}
	job, _ := store.GetJob(ctx, jobID)
	if job.Status != storage.JobCompleted {
		t.Errorf("job status = %q, want completed", job.Status)
	}
}

func TestWorker_RetryOnFailure(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	jobID := enqueueTestDoc(t, store, "doc-r", "retry content")

	var calls atomic.Int32
	indexer := &mockIndexer{
		indexFn: func(_ context.Context, _ chunking.DocumentRef, chunks []chunking.Chunk) (int, error) {
			n := calls.Add(1)
			if n <= 2 {
				return 0, fmt.Errorf("transient error %d", n)
			}
			return len(chunks), nil
		},
	}
	w := NewWorker(store, chunking.New(), indexer, 0)

	// 1st attempt fails and stays retryable.
	if didWork, err := w.RunOnce(ctx); err != nil || !didWork {
		t.Fatalf("RunOnce 1: didWork=%v err=%v", didWork, err)
	}
	job, _ := store.GetJob(ctx, jobID)
	if job.Status != storage.JobPending || job.Attempts != 1 {
		t.Errorf("after 1st fail: status=%q attempts=%d, want pending/1", job.Status, job.Attempts)
	}
	doc, _ := store.GetDocument(ctx, "doc-r")
	if doc.Status != storage.DocumentQueued || doc.LastError == "" {
		t.Errorf("after 1st fail: document status=%q lastError=%q", doc.Status, doc.LastError)
	}

	resetRunAfter(t, store, jobID)
	if didWork, err := w.RunOnce(ctx); err != nil || !didWork {
		t.Fatalf("RunOnce 2: didWork=%v err=%v", didWork, err)
	}
	job, _ = store.GetJob(ctx, jobID)
	if job.Attempts != 2 {
		t.Errorf("after 2nd fail: attempts=%d, want 2", job.Attempts)
	}

	// 3rd attempt succeeds.
	resetRunAfter(t, store, jobID)
	if didWork, err := w.RunOnce(ctx); err != nil || !didWork {
		t.Fatalf("RunOnce 3: didWork=%v err=%v", didWork, err)
	}
	job, _ = store.GetJob(ctx, jobID)
	if job.Status != storage.JobCompleted {
		t.Errorf("after 3rd attempt: status=%q, want completed", job.Status)
	}
	doc, _ = store.GetDocument(ctx, "doc-r")
	if doc.Status != storage.DocumentIndexed || doc.LastError != "" {
		t.Errorf("after success: document = %+v", doc)
	}
}

func TestWorker_MaxRetriesExceeded(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	jobID := enqueueTestDoc(t, store, "doc-m", "max retry content")

	indexer := &mockIndexer{
		indexFn: func(_ context.Context, _ chunking.DocumentRef, _ []chunking.Chunk) (int, error) {
			return 0, fmt.Errorf("permanent error")
		},
	}
	w := NewWorker(store, chunking.New(), indexer, 0)

	for i := 1; i <= storage.DefaultMaxAttempts; i++ {
		didWork, err := w.RunOnce(ctx)
		if err != nil {
			t.Fatalf("RunOnce %d error: %v", i, err)
		}
		if !didWork {
			t.Fatalf("RunOnce %d returned false", i)
		}
		if i < storage.DefaultMaxAttempts {
			resetRunAfter(t, store, jobID)
		}
	}

	job, _ := store.GetJob(ctx, jobID)
	if job.Status != storage.JobFailed {
		t.Errorf("final job status = %q, want %q", job.Status, storage.JobFailed)
	}
	doc, _ := store.GetDocument(ctx, "doc-m")
	if doc.Status != storage.DocumentFailed || !strings.Contains(doc.LastError, "permanent error") {
		t.Errorf("final document = status %q lastError %q", doc.Status, doc.LastError)
	}
}

func TestWorker_BadPayload(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	jobID, err := store.EnqueueJob(ctx, storage.Job{Type: JobType, PayloadJSON: `not json`, MaxAttempts: 1})
	if err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	w := NewWorker(store, chunking.New(), &mockIndexer{}, 0)
	if _, err := w.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	job, _ := store.GetJob(ctx, jobID)
	if job.Status != storage.JobFailed || !strings.Contains(job.LastError, "parsing payload") {
		t.Errorf("job = %+v", job)
	}
}

func TestWorker_DrainAndConcurrentEnqueue(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	const goroutines = 5
	const jobsPerGoroutine = 10
	const total = goroutines * jobsPerGoroutine

	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for j := 0; j < jobsPerGoroutine; j++ {
				docID := fmt.Sprintf("doc-%d-%d", g, j)
				doc := storage.Document{ID: docID, SubjectID: "PRG", Content: fmt.Sprintf("contenido %d-%d", g, j)}
				if err := store.SaveDocument(ctx, doc); err != nil {
					t.Errorf("SaveDocument %s: %v", docID, err)
					return
				}
				if _, err := Enqueue(ctx, store, docID); err != nil {
					t.Errorf("Enqueue %s: %v", docID, err)
					return
				}
			}
		}(g)
	}
	wg.Wait()

	indexer := &mockIndexer{}
	w := NewWorker(store, chunking.New(), indexer, 0)
	processed, err := w.Drain(ctx)
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if processed != total {
		t.Errorf("processed %d jobs, want %d", processed, total)
	}

	docs, err := store.ListDocuments(ctx, "PRG", total)
	if err != nil {
		t.Fatalf("ListDocuments: %v", err)
	}
	for _, d := range docs {
		if d.Status != storage.DocumentIndexed {
			t.Errorf("doc %s status = %q", d.ID, d.Status)
		}
	}
}

func TestWorker_RunStopsOnCancel(t *testing.T) {
	store := openTestStore(t)
	w := NewWorker(store, chunking.New(), &mockIndexer{}, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	enqueueTestDoc(t, store, "doc-run", "texto del documento")

	deadline := time.After(2 * time.Second)
	for {
		doc, _ := store.GetDocument(context.Background(), "doc-run")
		if doc.Status == storage.DocumentIndexed {
			break
		}
		select {
		case <-deadline:
			t.Fatal("background worker did not index the document")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
