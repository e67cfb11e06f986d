// Package embedding turns text into vectors through a pluggable backend,
// with input normalization, batching and a content-addressed cache.
package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/singleflight"
)

const (
	// DefaultBatchSize is the number of texts sent to the backend per call.
	DefaultBatchSize = 16
	// DefaultMaxInputChars bounds the normalized input length in runes.
	DefaultMaxInputChars = 8000
	// DefaultFetchTimeout bounds one shared backend call.
	DefaultFetchTimeout = 2 * time.Minute
)

// Options tunes a Service.
type Options struct {
	BatchSize     int
	MaxInputChars int
	FetchTimeout  time.Duration
}

// Service embeds texts with a Backend, caching results by model and
// normalized content.
type Service struct {
	backend      Backend
	cache        Cache
	batch        int
	maxChars     int
	fetchTimeout time.Duration

	initOnce sync.Once
	initErr  error
	dims     atomic.Int64
	group    singleflight.Group
}

// NewService builds a Service. A nil cache gets a MemoryCache.
func NewService(backend Backend, cache Cache, opts Options) *Service {
	if cache == nil {
		cache = NewMemoryCache()
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.MaxInputChars <= 0 {
		opts.MaxInputChars = DefaultMaxInputChars
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = DefaultFetchTimeout
	}
	return &Service{
		backend:      backend,
		cache:        cache,
		batch:        opts.BatchSize,
		maxChars:     opts.MaxInputChars,
		fetchTimeout: opts.FetchTimeout,
	}
}

// Initialize brings up the backend once. Later calls return the first result.
// The outcome is shared, so the caller's cancellation does not reach the
// backend.
func (s *Service) Initialize(ctx context.Context) error {
	s.initOnce.Do(func() {
		err := s.backend.Initialize(context.WithoutCancel(ctx))
		if err == nil {
			return
		}
		var ie *InitializationError
		if !errors.As(err, &ie) {
			err = &InitializationError{Backend: s.backend.Name(), Err: err}
		}
		s.initErr = err
	})
	return s.initErr
}

// ModelName is the name of the backend currently producing vectors.
func (s *Service) ModelName() string { return s.backend.Name() }

// Dims is the vector width observed so far, 0 before the first embedding.
func (s *Service) Dims() int { return int(s.dims.Load()) }

// CacheSize returns the number of cached vectors.
func (s *Service) CacheSize() int { return s.cache.Len() }

// ClearCache drops every cached vector.
func (s *Service) ClearCache() { s.cache.Clear() }

// Similarity is the cosine similarity of two vectors.
func (s *Service) Similarity(a, b []float32) float64 { return Similarity(a, b) }

// Embed returns the vector for a single text.
func (s *Service) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := s.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch returns one vector per text in input order. Groups of
// BatchSize are processed sequentially and only cache misses reach the
// backend. Any failure fails the whole call.
func (s *Service) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if err := s.Initialize(ctx); err != nil {
		return nil, err
	}

	out := make([][]float32, len(texts))
	for start := 0; start < len(texts); start += s.batch {
		end := min(start+s.batch, len(texts))
		if err := s.embedGroup(ctx, texts[start:end], out[start:end]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *Service) embedGroup(ctx context.Context, texts []string, out [][]float32) error {
	model := s.backend.Name()
	keys := make([]string, len(texts))
	normalized := make([]string, len(texts))
	var missKeys, missTexts []string
	seen := make(map[string]bool)

	for i, t := range texts {
		normalized[i] = Normalize(t, s.maxChars)
		keys[i] = CacheKey(model, normalized[i])
		if v, ok := s.cache.Get(keys[i]); ok {
			out[i] = v
			continue
		}
		if !seen[keys[i]] {
			seen[keys[i]] = true
			missKeys = append(missKeys, keys[i])
			missTexts = append(missTexts, normalized[i])
		}
	}
	if len(missKeys) == 0 {
		return nil
	}

	// The fetch is shared with concurrent callers, so it runs detached from
	// this caller's cancellation. Each caller still stops waiting on its own.
	ch := s.group.DoChan(strings.Join(missKeys, ","), func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.fetchTimeout)
		defer cancel()
		return s.fetch(fctx, missKeys, missTexts)
	})
	var res singleflight.Result
	select {
	case <-ctx.Done():
		return ctx.Err()
	case res = <-ch:
	}
	if res.Err != nil {
		return res.Err
	}
	fetched := res.Val.(map[string][]float32)
	for i := range texts {
		if out[i] == nil {
			out[i] = fetched[keys[i]]
		}
	}
	return nil
}

func (s *Service) fetch(ctx context.Context, keys, texts []string) (map[string][]float32, error) {
	vecs, err := s.backend.Embed(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embedding %d texts with %s: %w", len(texts), s.backend.Name(), err)
	}
	if len(vecs) != len(texts) {
		return nil, fmt.Errorf("backend %s returned %d vectors for %d texts", s.backend.Name(), len(vecs), len(texts))
	}
	for i, v := range vecs {
		if err := s.checkVector(v); err != nil {
			return nil, fmt.Errorf("vector %d: %w", i, err)
		}
	}

	fetched := make(map[string][]float32, len(keys))
	for i, v := range vecs {
		s.cache.Set(keys[i], v)
		fetched[keys[i]] = v
	}
	return fetched, nil
}

func (s *Service) checkVector(v []float32) error {
	if len(v) == 0 {
		return errors.New("empty vector")
	}
	if !finite(v) {
		return errors.New("non-finite component")
	}
	if s.dims.CompareAndSwap(0, int64(len(v))) {
		return nil
	}
	if want := s.Dims(); len(v) != want {
		return fmt.Errorf("got %d dimensions, want %d", len(v), want)
	}
	return nil
}

// Normalize collapses whitespace runs, trims, and truncates to maxChars runes.
func Normalize(text string, maxChars int) string {
	t := strings.Join(strings.Fields(text), " ")
	if maxChars > 0 && utf8.RuneCountInString(t) > maxChars {
		t = string([]rune(t)[:maxChars])
	}
	return t
}

// CacheKey is model + ":" + hex SHA-256 of the normalized text.
func CacheKey(model, normalized string) string {
	sum := sha256.Sum256([]byte(normalized))
	return model + ":" + hex.EncodeToString(sum[:])
}
