package embedding

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"testing"
	"time"
)

// mockBackend implements Backend for testing.
type mockBackend struct {
	name    string
	initFn  func(ctx context.Context) error
	embedFn func(ctx context.Context, texts []string) ([][]float32, error)

	mu    sync.Mutex
	calls [][]string
	inits int
}

func (m *mockBackend) Name() string {
	if m.name == "" {
		return "mock"
	}
	return m.name
}

func (m *mockBackend) Initialize(ctx context.Context) error {
	m.mu.Lock()
	m.inits++
	m.mu.Unlock()
	if m.initFn != nil {
		return m.initFn(ctx)
	}
	return nil
}

func (m *mockBackend) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	m.mu.Lock()
	m.calls = append(m.calls, append([]string(nil), texts...))
	m.mu.Unlock()
	if m.embedFn != nil {
		return m.embedFn(ctx, texts)
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = []float32{float32(len(t)), 1, 0}
	}
	return out, nil
}

func (m *mockBackend) textsSent() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		n += len(c)
	}
	return n
}

func TestEmbed_CachedSecondCall(t *testing.T) {
	b := &mockBackend{}
	s := NewService(b, nil, Options{})
	ctx := context.Background()

	v1, err := s.Embed(ctx, "¿Qué es un bucle?")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	v2, err := s.Embed(ctx, "  ¿Qué   es un bucle?  ")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(b.calls) != 1 {
		t.Errorf("backend called %d times, want 1", len(b.calls))
	}
	for i := range v1 {
		if v1[i] != v2[i] {
			t.Fatalf("vectors differ at %d", i)
		}
	}
	if s.CacheSize() != 1 {
		t.Errorf("CacheSize = %d, want 1", s.CacheSize())
	}
	if s.Dims() != 3 {
		t.Errorf("Dims = %d, want 3", s.Dims())
	}
}

func TestEmbedBatch_DuplicatesSentOnce(t *testing.T) {
	b := &mockBackend{}
	s := NewService(b, nil, Options{})

	vecs, err := s.EmbedBatch(context.Background(), []string{"a", "bb", "a", "bb", "ccc"})
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if len(vecs) != 5 {
		t.Fatalf("got %d vectors, want 5", len(vecs))
	}
	if got := b.textsSent(); got != 3 {
		t.Errorf("backend received %d texts, want 3", got)
	}
	if vecs[0][0] != 1 || vecs[2][0] != 1 || vecs[4][0] != 3 {
		t.Errorf("vectors out of order: %v", vecs)
	}
}

func TestEmbedBatch_Grouping(t *testing.T) {
	b := &mockBackend{}
	s := NewService(b, nil, Options{BatchSize: 2})

	texts := []string{"uno", "dos", "tres", "cuatro", "cinco"}
	if _, err := s.EmbedBatch(context.Background(), texts); err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if len(b.calls) != 3 {
		t.Fatalf("backend called %d times, want 3", len(b.calls))
	}
	for i, c := range b.calls {
		if len(c) > 2 {
			t.Errorf("call %d sent %d texts, want <= 2", i, len(c))
		}
	}
}

func TestEmbedBatch_FailureNotCached(t *testing.T) {
	fail := true
	b := &mockBackend{
		embedFn: func(_ context.Context, texts []string) ([][]float32, error) {
			if fail {
				return nil, errors.New("connection refused")
			}
			out := make([][]float32, len(texts))
			for i := range texts {
				out[i] = []float32{1, 2}
			}
			return out, nil
		},
	}
	s := NewService(b, nil, Options{})
	if _, err := s.EmbedBatch(context.Background(), []string{"x", "y"}); err == nil {
		t.Fatal("expected error")
	}
	if s.CacheSize() != 0 {
		t.Errorf("CacheSize = %d after failure, want 0", s.CacheSize())
	}
	fail = false
	if _, err := s.EmbedBatch(context.Background(), []string{"x", "y"}); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if s.CacheSize() != 2 {
		t.Errorf("CacheSize = %d, want 2", s.CacheSize())
	}
}

func TestEmbedBatch_RejectsBadVectors(t *testing.T) {
	tests := []struct {
		name string
		vecs [][]float32
	}{
		{"wrong count", [][]float32{{1}}},
		{"non-finite", [][]float32{{1, float32(math.NaN())}, {1, 1}}},
		{"dims mismatch", [][]float32{{1, 2}, {1, 2, 3}}},
		{"empty", [][]float32{{}, {1}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := &mockBackend{
				embedFn: func(context.Context, []string) ([][]float32, error) { return tt.vecs, nil },
			}
			s := NewService(b, nil, Options{})
			if _, err := s.EmbedBatch(context.Background(), []string{"a", "b"}); err == nil {
				t.Fatal("expected error")
			}
			if s.CacheSize() != 0 {
				t.Errorf("CacheSize = %d, want 0", s.CacheSize())
			}
		})
	}
}

func TestInitialize_Memoized(t *testing.T) {
	b := &mockBackend{initFn: func(context.Context) error { return errors.New("boom") }}
	s := NewService(b, nil, Options{})

	err1 := s.Initialize(context.Background())
	err2 := s.Initialize(context.Background())
	var ie *InitializationError
	if !errors.As(err1, &ie) {
		t.Fatalf("error = %v, want *InitializationError", err1)
	}
	if err1 != err2 {
		t.Error("second Initialize should return the first result")
	}
	if b.inits != 1 {
		t.Errorf("backend initialized %d times, want 1", b.inits)
	}
	if _, err := s.Embed(context.Background(), "x"); !errors.As(err, &ie) {
		t.Errorf("Embed error = %v, want *InitializationError", err)
	}
}

func TestFallbackBackend(t *testing.T) {
	primary := &mockBackend{name: "nomic-embed-text", initFn: func(context.Context) error {
		return errors.New("ollama not reachable")
	}}
	fallback := NewHashingBackend(64)
	fb := NewFallbackBackend(primary, fallback)
	s := NewService(fb, nil, Options{})

	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if s.ModelName() != "hashing-64" {
		t.Errorf("ModelName = %q, want hashing-64", s.ModelName())
	}
	v, err := s.Embed(context.Background(), "bucles en Python")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(v) != 64 {
		t.Errorf("dims = %d, want 64", len(v))
	}
	if len(primary.calls) != 0 {
		t.Error("primary should not be used after fallback")
	}
}

func TestFallbackBackend_BothFail(t *testing.T) {
	failing := func(name string) *mockBackend {
		return &mockBackend{name: name, initFn: func(context.Context) error { return errors.New(name + " down") }}
	}
	fb := NewFallbackBackend(failing("a"), failing("b"))
	err := fb.Initialize(context.Background())
	var ie *InitializationError
	if !errors.As(err, &ie) {
		t.Fatalf("error = %v, want *InitializationError", err)
	}
	if !strings.Contains(err.Error(), "a down") || !strings.Contains(err.Error(), "b down") {
		t.Errorf("error %q should mention both failures", err)
	}
}

func TestHashingBackend_Deterministic(t *testing.T) {
	b := NewHashingBackend(0)
	v, _ := b.Embed(context.Background(), []string{"El bucle for", "el BUCLE, for!", "recursión"})
	if len(v[0]) != DefaultHashingDims {
		t.Fatalf("dims = %d", len(v[0]))
	}
	if s := Similarity(v[0], v[1]); math.Abs(s-1) > 1e-6 {
		t.Errorf("same words should embed identically, similarity = %f", s)
	}
	if s := Similarity(v[0], v[2]); s > 0.6 {
		t.Errorf("unrelated text similarity = %f, want low", s)
	}
}

func TestSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 2, 3}, []float32{1, 2, 3}, 1},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"zero norm", []float32{0, 0}, []float32{1, 1}, 0},
		{"length mismatch", []float32{1, 2}, []float32{1, 2, 3}, 0},
		{"empty", nil, nil, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Similarity(tt.a, tt.b)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("Similarity = %f, want %f", got, tt.want)
			}
			if got < -1 || got > 1 {
				t.Errorf("Similarity %f out of range", got)
			}
		})
	}
}

func TestNormalize(t *testing.T) {
	if got := Normalize("  a \n\t b  ", 0); got != "a b" {
		t.Errorf("Normalize = %q", got)
	}
	if got := Normalize("ñññññ", 3); got != "ñññ" {
		t.Errorf("Normalize truncation = %q, want ñññ", got)
	}
}

func TestCacheKey(t *testing.T) {
	k1 := CacheKey("m1", "hola")
	k2 := CacheKey("m2", "hola")
	if k1 == k2 {
		t.Error("keys for different models must differ")
	}
	if !strings.HasPrefix(k1, "m1:") || len(k1) != len("m1:")+64 {
		t.Errorf("unexpected key %q", k1)
	}
}

func TestTieredCache_PromotesL2Hits(t *testing.T) {
	l1, l2 := NewMemoryCache(), NewMemoryCache()
	l2.Set("k", []float32{1})
	c := &TieredCache{L1: l1, L2: l2}

	if _, ok := c.Get("k"); !ok {
		t.Fatal("expected L2 hit")
	}
	if _, ok := l1.Get("k"); !ok {
		t.Error("L2 hit should be promoted into L1")
	}
	c.Set("n", []float32{2})
	if _, ok := l2.Get("n"); !ok {
		t.Error("Set should write through to L2")
	}
	c.Clear()
	if l1.Len() != 0 || l2.Len() != 0 {
		t.Error("Clear should empty both tiers")
	}
}

func TestVectorCodec(t *testing.T) {
	in := []float32{0.25, -1.5, 3}
	out, err := DecodeVector(EncodeVector(in))
	if err != nil {
		t.Fatalf("DecodeVector: %v", err)
	}
	for i := range in {
		if in[i] != out[i] {
			t.Errorf("out[%d] = %f, want %f", i, out[i], in[i])
		}
	}
	if _, err := DecodeVector([]byte{1, 2, 3}); err == nil {
		t.Error("expected error for truncated blob")
	}
}

func TestEmbed_SharedFetchSurvivesCallerCancel(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	b := &mockBackend{embedFn: func(ctx context.Context, texts []string) ([][]float32, error) {
		once.Do(func() { close(started) })
		<-release
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return [][]float32{{1, 2, 3}}, nil
	}}
	s := NewService(b, nil, Options{})

	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, err := s.Embed(ctxA, "bucle for")
		errA <- err
	}()
	<-started

	errB := make(chan error, 1)
	go func() {
		_, err := s.Embed(context.Background(), "bucle for")
		errB <- err
	}()
	time.Sleep(50 * time.Millisecond)

	cancelA()
	if err := <-errA; !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled caller err = %v, want context.Canceled", err)
	}
	close(release)

	if err := <-errB; err != nil {
		t.Fatalf("concurrent caller failed: %v", err)
	}
	if n := b.textsSent(); n != 1 {
		t.Errorf("backend received %d texts, want 1", n)
	}
	if s.CacheSize() != 1 {
		t.Errorf("CacheSize = %d, want 1", s.CacheSize())
	}
}

func TestInitialize_IgnoresCallerCancel(t *testing.T) {
	b := &mockBackend{initFn: func(ctx context.Context) error { return ctx.Err() }}
	s := NewService(b, nil, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Initialize(ctx); err != nil {
		t.Fatalf("Initialize with cancelled caller: %v", err)
	}
}
