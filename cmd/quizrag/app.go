package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/kalambet/quizrag/internal/assignment"
	"github.com/kalambet/quizrag/internal/chunking"
	"github.com/kalambet/quizrag/internal/config"
	"github.com/kalambet/quizrag/internal/embedding"
	"github.com/kalambet/quizrag/internal/generation"
	"github.com/kalambet/quizrag/internal/ingest"
	"github.com/kalambet/quizrag/internal/llm"
	"github.com/kalambet/quizrag/internal/ollama"
	"github.com/kalambet/quizrag/internal/pipeline"
	"github.com/kalambet/quizrag/internal/prompt"
	"github.com/kalambet/quizrag/internal/reranking"
	"github.com/kalambet/quizrag/internal/retrieval"
	"github.com/kalambet/quizrag/internal/storage"
)

const (
	workerPollInterval = 500 * time.Millisecond
	rerankTimeout      = 10 * time.Second
)

// app holds the wired components shared by serve, mcp and the local
// commands.
type app struct {
	cfg       config.Config
	ollama    *ollama.Client
	store     *storage.Store
	embedder  *embedding.Service
	retriever *retrieval.Retriever
	engine    *assignment.Engine
	pipeline  *pipeline.Pipeline
	worker    *ingest.Worker

	closers []func() error
}

func newApp(ctx context.Context, cfg config.Config) (*app, error) {
	variants, err := assignment.LoadVariants(cfg.ABTest.VariantsFile, cfg.LLM.DefaultModel)
	if err != nil {
		return nil, err
	}

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}
	a := &app{cfg: cfg, store: store, ollama: ollama.New(cfg.Ollama.BaseURL)}
	a.closers = append(a.closers, store.Close)

	a.embedder = embedding.NewService(a.embeddingBackend(), a.embeddingCache(ctx), embedding.Options{
		BatchSize:     cfg.Embedding.BatchSize,
		MaxInputChars: cfg.Embedding.MaxInputChars,
	})
	// Settles the fallback before anything reads ModelName.
	if err := a.embedder.Initialize(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("initializing embeddings: %w", err)
	}

	invoker := newInvoker(cfg, a.ollama)
	reranker, err := reranking.New(reranking.Mode(cfg.Retrieval.RerankMode), invoker, cfg.LLM.DefaultModel, rerankTimeout)
	if err != nil {
		a.Close()
		return nil, err
	}

	defaults := retrieval.Options{Limit: cfg.Retrieval.Limit, Threshold: retrieval.Threshold(cfg.Retrieval.Threshold)}
	a.retriever = retrieval.NewRetriever(a.embedder, retrieval.NewSQLiteStore(store.DB()), reranker, defaults)
	a.engine = assignment.NewEngine(store, variants)

	search := defaults
	search.Rerank = cfg.Retrieval.RerankMode != string(reranking.ModeNone)
	a.pipeline = pipeline.New(a.engine, a.retriever, prompt.New(cfg.Prompt.MaxContextChars), generation.New(invoker), store, search)

	chunker := chunking.New(chunking.WithChunkSize(cfg.Chunking.Size), chunking.WithOverlap(cfg.Chunking.Overlap))
	a.worker = ingest.NewWorker(store, chunker, a.retriever, workerPollInterval)

	return a, nil
}

func (a *app) embeddingBackend() embedding.Backend {
	var backend embedding.Backend = embedding.NewOllamaBackend(a.ollama, a.cfg.Embedding.Model, true)
	if a.cfg.Embedding.Fallback {
		backend = embedding.NewFallbackBackend(backend, embedding.NewHashingBackend(0))
	}
	return backend
}

// embeddingCache layers Redis under the in-process cache when configured.
// An unreachable Redis is logged and skipped.
func (a *app) embeddingCache(ctx context.Context) embedding.Cache {
	mem := embedding.NewMemoryCache()
	if a.cfg.Cache.RedisURL == "" {
		return mem
	}
	rc, err := embedding.NewRedisCache(ctx, a.cfg.Cache.RedisURL, a.cfg.Cache.RedisTTL)
	if err != nil {
		slog.Warn("redis embedding cache unavailable, using memory only", "error", err)
		return mem
	}
	a.closers = append(a.closers, rc.Close)
	return &embedding.TieredCache{L1: mem, L2: rc}
}

// newInvoker routes ollama/ models locally and everything else to the
// OpenAI-compatible endpoint, bounded by the call timeout and rate limit.
func newInvoker(cfg config.Config, client *ollama.Client) llm.Invoker {
	var inv llm.Invoker = &llm.Router{
		Remote: llm.NewOpenAIInvoker(cfg.LLM.BaseURL, cfg.LLM.APIKey, float32(cfg.LLM.Temperature)),
		Local:  llm.NewOllamaInvoker(client, cfg.LLM.Temperature),
	}
	inv = llm.WithTimeout(inv, cfg.LLM.Timeout)
	if cfg.LLM.RateLimit > 0 {
		inv = llm.RateLimited(inv, llm.NewLimiter(cfg.LLM.RateLimit))
	}
	return inv
}

// probeRuntime checks that Ollama is up and has the models this process
// needs. With the embedding fallback enabled a failure is only a warning.
func (a *app) probeRuntime(ctx context.Context, w io.Writer) error {
	models := []string{a.cfg.Embedding.Model}
	if local, ok := strings.CutPrefix(a.cfg.LLM.DefaultModel, llm.OllamaPrefix); ok {
		models = append(models, local)
	}
	err := ollama.EnsureReady(ctx, a.ollama, w, models...)
	if err == nil {
		return nil
	}
	if a.cfg.Embedding.Fallback {
		slog.Warn("embedding runtime not ready, hashing fallback will be used", "error", err)
		return nil
	}
	return err
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			slog.Warn("closing resource", "error", err)
		}
	}
}
