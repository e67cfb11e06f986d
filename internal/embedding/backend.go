package embedding

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math"
	"strings"
	"sync"
	"unicode"

	"github.com/kalambet/quizrag/internal/ollama"
)

// Backend produces embedding vectors for batches of texts.
type Backend interface {
	// Name identifies the model behind the vectors. Vectors from different
	// names are not comparable.
	Name() string
	Initialize(ctx context.Context) error
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// InitializationError reports that no embedding backend could be brought up.
type InitializationError struct {
	Backend string
	Err     error
}

func (e *InitializationError) Error() string {
	return fmt.Sprintf("embedding backend %s failed to initialize: %v", e.Backend, e.Err)
}

func (e *InitializationError) Unwrap() error { return e.Err }

// OllamaBackend embeds through a local Ollama runtime.
type OllamaBackend struct {
	client *ollama.Client
	model  string
	pull   bool
}

// NewOllamaBackend returns a backend for model. When pull is set, a missing
// model is downloaded during Initialize.
func NewOllamaBackend(client *ollama.Client, model string, pull bool) *OllamaBackend {
	return &OllamaBackend{client: client, model: model, pull: pull}
}

func (b *OllamaBackend) Name() string { return b.model }

func (b *OllamaBackend) Initialize(ctx context.Context) error {
	if !b.client.IsRunning(ctx) {
		return fmt.Errorf("ollama not reachable at %s", b.client.BaseURL())
	}
	if b.client.HasModel(ctx, b.model) {
		return nil
	}
	if !b.pull {
		return fmt.Errorf("model %s not available locally", b.model)
	}
	slog.Info("pulling embedding model", "model", b.model)
	if err := b.client.PullModel(ctx, b.model, nil); err != nil {
		return fmt.Errorf("pulling %s: %w", b.model, err)
	}
	return nil
}

func (b *OllamaBackend) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return b.client.Embed(ctx, b.model, texts)
}

// DefaultHashingDims is the vector width of the hashing backend.
const DefaultHashingDims = 384

// HashingBackend is a deterministic, network-free feature-hashing embedder.
// Each lowercased word is hashed into one of dims buckets with a signed
// weight and the result is L2-normalized.
type HashingBackend struct {
	dims int
}

// NewHashingBackend returns a hashing backend; dims <= 0 uses DefaultHashingDims.
func NewHashingBackend(dims int) *HashingBackend {
	if dims <= 0 {
		dims = DefaultHashingDims
	}
	return &HashingBackend{dims: dims}
}

func (b *HashingBackend) Name() string { return fmt.Sprintf("hashing-%d", b.dims) }

func (b *HashingBackend) Initialize(context.Context) error { return nil }

func (b *HashingBackend) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = b.vector(t)
	}
	return out, nil
}

func (b *HashingBackend) vector(text string) []float32 {
	v := make([]float32, b.dims)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, w := range words {
		h := fnv.New32a()
		h.Write([]byte(w))
		sum := h.Sum32()
		sign := float32(1)
		if sum&0x80000000 != 0 {
			sign = -1
		}
		v[int(sum%uint32(b.dims))] += sign
	}
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	if norm == 0 {
		return v
	}
	inv := float32(1 / math.Sqrt(norm))
	for i := range v {
		v[i] *= inv
	}
	return v
}

// FallbackBackend tries Primary and, if it cannot be initialized, switches
// to Fallback for the rest of the process lifetime.
type FallbackBackend struct {
	Primary  Backend
	Fallback Backend

	mu     sync.RWMutex
	active Backend
}

// NewFallbackBackend wires primary with an optional fallback.
func NewFallbackBackend(primary, fallback Backend) *FallbackBackend {
	return &FallbackBackend{Primary: primary, Fallback: fallback, active: primary}
}

func (b *FallbackBackend) current() Backend {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.active
}

func (b *FallbackBackend) Name() string { return b.current().Name() }

func (b *FallbackBackend) Initialize(ctx context.Context) error {
	err := b.Primary.Initialize(ctx)
	if err == nil {
		return nil
	}
	if b.Fallback == nil {
		return &InitializationError{Backend: b.Primary.Name(), Err: err}
	}
	slog.Warn("primary embedding backend unavailable, using fallback",
		"primary", b.Primary.Name(), "fallback", b.Fallback.Name(), "error", err)
	if ferr := b.Fallback.Initialize(ctx); ferr != nil {
		return &InitializationError{
			Backend: b.Fallback.Name(),
			Err:     fmt.Errorf("primary: %v; fallback: %w", err, ferr),
		}
	}
	b.mu.Lock()
	b.active = b.Fallback
	b.mu.Unlock()
	return nil
}

func (b *FallbackBackend) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return b.current().Embed(ctx, texts)
}
