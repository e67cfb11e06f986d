// Package llm invokes chat models behind a single Invoker interface:
// OpenAI-compatible endpoints through go-openai and local models through
// Ollama, with per-call timeouts and client-side rate limiting.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// Invoker sends a prompt to a model and returns its raw text completion.
type Invoker interface {
	Invoke(ctx context.Context, model, prompt string) (string, error)
}

// InvokerFunc adapts a function to Invoker.
type InvokerFunc func(ctx context.Context, model, prompt string) (string, error)

func (f InvokerFunc) Invoke(ctx context.Context, model, prompt string) (string, error) {
	return f(ctx, model, prompt)
}

// InvocationError wraps a provider failure. StatusCode is the upstream HTTP
// status when one was received, 0 otherwise.
type InvocationError struct {
	Model      string
	StatusCode int
	Err        error
}

func (e *InvocationError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("invoking %s: upstream status %d: %v", e.Model, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("invoking %s: %v", e.Model, e.Err)
}

func (e *InvocationError) Unwrap() error { return e.Err }

// TimeoutError reports that a model did not answer within the call budget.
type TimeoutError struct {
	Model   string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("model %s did not respond within %s", e.Model, e.Timeout)
}

// OllamaPrefix routes a model name to the local Ollama provider.
const OllamaPrefix = "ollama/"

// Router dispatches "ollama/<name>" models to Local and everything else to
// Remote.
type Router struct {
	Remote Invoker
	Local  Invoker
}

func (r *Router) Invoke(ctx context.Context, model, prompt string) (string, error) {
	if name, ok := strings.CutPrefix(model, OllamaPrefix); ok {
		if r.Local == nil {
			return "", &InvocationError{Model: model, Err: errors.New("no local provider configured")}
		}
		return r.Local.Invoke(ctx, name, prompt)
	}
	if r.Remote == nil {
		return "", &InvocationError{Model: model, Err: errors.New("no remote provider configured")}
	}
	return r.Remote.Invoke(ctx, model, prompt)
}

// WithTimeout bounds every call to next by d. A call that runs out of time
// fails with *TimeoutError; other failures are returned as *InvocationError.
func WithTimeout(next Invoker, d time.Duration) Invoker {
	return InvokerFunc(func(ctx context.Context, model, prompt string) (string, error) {
		callCtx, cancel := context.WithTimeout(ctx, d)
		defer cancel()

		out, err := next.Invoke(callCtx, model, prompt)
		if err == nil {
			return out, nil
		}
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return "", &TimeoutError{Model: model, Timeout: d}
		}
		var ie *InvocationError
		var te *TimeoutError
		if errors.As(err, &ie) || errors.As(err, &te) {
			return "", err
		}
		return "", &InvocationError{Model: model, Err: err}
	})
}

// RateLimited waits on limiter before each call to next.
func RateLimited(next Invoker, limiter *rate.Limiter) Invoker {
	return InvokerFunc(func(ctx context.Context, model, prompt string) (string, error) {
		if err := limiter.Wait(ctx); err != nil {
			return "", &InvocationError{Model: model, Err: fmt.Errorf("waiting for rate limiter: %w", err)}
		}
		return next.Invoke(ctx, model, prompt)
	})
}

// NewLimiter returns a limiter allowing perMinute calls per minute with a
// burst of one. perMinute <= 0 disables limiting.
func NewLimiter(perMinute int) *rate.Limiter {
	if perMinute <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), 1)
}
