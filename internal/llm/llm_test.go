package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kalambet/quizrag/internal/ollama"
)

func completionJSON(content string) string {
	b, _ := json.Marshal(map[string]any{
		"id":      "chatcmpl-1",
		"object":  "chat.completion",
		"created": 1,
		"model":   "gpt-4o-mini",
		"choices": []map[string]any{{
			"index":         0,
			"message":       map[string]string{"role": "assistant", "content": content},
			"finish_reason": "stop",
		}},
	})
	return string(b)
}

func TestOpenAIInvoker_Success(t *testing.T) {
	var gotModel, gotPrompt, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		gotAuth = r.Header.Get("Authorization")
		var req struct {
			Model    string `json:"model"`
			Messages []struct {
				Content string `json:"content"`
			} `json:"messages"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		gotModel = req.Model
		if len(req.Messages) > 0 {
			gotPrompt = req.Messages[0].Content
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(completionJSON(`{"questions":[]}`)))
	}))
	defer srv.Close()

	inv := NewOpenAIInvoker(srv.URL+"/v1", "sk-test", 0.3)
	out, err := inv.Invoke(context.Background(), "gpt-4o-mini", "Genera preguntas")
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if out != `{"questions":[]}` {
		t.Errorf("out = %q", out)
	}
	if gotModel != "gpt-4o-mini" || gotPrompt != "Genera preguntas" {
		t.Errorf("request model=%q prompt=%q", gotModel, gotPrompt)
	}
	if gotAuth != "Bearer sk-test" {
		t.Errorf("Authorization = %q", gotAuth)
	}
}

func TestOpenAIInvoker_UpstreamStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"message":"rate limit reached","type":"requests"}}`))
	}))
	defer srv.Close()

	inv := NewOpenAIInvoker(srv.URL+"/v1", "sk-test", 0)
	_, err := inv.Invoke(context.Background(), "gpt-4o-mini", "x")
	var ie *InvocationError
	if !errors.As(err, &ie) {
		t.Fatalf("error = %v, want *InvocationError", err)
	}
	if ie.StatusCode != http.StatusTooManyRequests || ie.Model != "gpt-4o-mini" {
		t.Errorf("InvocationError = %+v", ie)
	}
}

func TestOpenAIInvoker_EmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"x","object":"chat.completion","choices":[]}`))
	}))
	defer srv.Close()

	_, err := NewOpenAIInvoker(srv.URL+"/v1", "k", 0).Invoke(context.Background(), "m", "x")
	var ie *InvocationError
	if !errors.As(err, &ie) {
		t.Fatalf("error = %v, want *InvocationError", err)
	}
}

func TestOllamaInvoker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Model  string `json:"model"`
			Format string `json:"format"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		if req.Model == "missing" {
			http.Error(w, "model not found", http.StatusNotFound)
			return
		}
		if req.Format != "json" {
			t.Errorf("format = %q, want json", req.Format)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"message": map[string]string{"role": "assistant", "content": `{"score":0.5}`},
		})
	}))
	defer srv.Close()

	inv := NewOllamaInvoker(ollama.New(srv.URL), 0)
	out, err := inv.Invoke(context.Background(), "llama3.1", "x")
	if err != nil || out != `{"score":0.5}` {
		t.Fatalf("Invoke = %q, %v", out, err)
	}

	_, err = inv.Invoke(context.Background(), "missing", "x")
	var ie *InvocationError
	if !errors.As(err, &ie) || ie.StatusCode != http.StatusNotFound || ie.Model != "ollama/missing" {
		t.Errorf("error = %#v", err)
	}
}

func TestRouter(t *testing.T) {
	var remoteModel, localModel string
	r := &Router{
		Remote: InvokerFunc(func(_ context.Context, model, _ string) (string, error) {
			remoteModel = model
			return "remote", nil
		}),
		Local: InvokerFunc(func(_ context.Context, model, _ string) (string, error) {
			localModel = model
			return "local", nil
		}),
	}

	if out, _ := r.Invoke(context.Background(), "gpt-4o-mini", "p"); out != "remote" || remoteModel != "gpt-4o-mini" {
		t.Errorf("remote route: out=%q model=%q", out, remoteModel)
	}
	if out, _ := r.Invoke(context.Background(), "ollama/llama3.1", "p"); out != "local" || localModel != "llama3.1" {
		t.Errorf("local route: out=%q model=%q", out, localModel)
	}

	_, err := (&Router{}).Invoke(context.Background(), "ollama/x", "p")
	var ie *InvocationError
	if !errors.As(err, &ie) {
		t.Errorf("missing provider error = %v, want *InvocationError", err)
	}
}

func TestWithTimeout_Expires(t *testing.T) {
	slow := InvokerFunc(func(ctx context.Context, _, _ string) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	inv := WithTimeout(slow, 50*time.Millisecond)

	start := time.Now()
	_, err := inv.Invoke(context.Background(), "gpt-4o-mini", "p")
	var te *TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("error = %v, want *TimeoutError", err)
	}
	if te.Model != "gpt-4o-mini" || te.Timeout != 50*time.Millisecond {
		t.Errorf("TimeoutError = %+v", te)
	}
	if time.Since(start) > time.Second {
		t.Error("timeout did not fire promptly")
	}
}

func TestWithTimeout_WrapsPlainErrors(t *testing.T) {
	failing := InvokerFunc(func(context.Context, string, string) (string, error) {
		return "", errors.New("connection reset")
	})
	_, err := WithTimeout(failing, time.Second).Invoke(context.Background(), "m", "p")
	var ie *InvocationError
	if !errors.As(err, &ie) || !strings.Contains(err.Error(), "connection reset") {
		t.Errorf("error = %v, want wrapped *InvocationError", err)
	}
}

func TestWithTimeout_ParentCancelIsNotTimeout(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	inv := WithTimeout(InvokerFunc(func(ctx context.Context, _, _ string) (string, error) {
		return "", ctx.Err()
	}), time.Second)
	_, err := inv.Invoke(ctx, "m", "p")
	var te *TimeoutError
	if errors.As(err, &te) {
		t.Error("caller cancellation must not be reported as a timeout")
	}
}

func TestRateLimited(t *testing.T) {
	calls := 0
	next := InvokerFunc(func(context.Context, string, string) (string, error) {
		calls++
		return "ok", nil
	})
	inv := RateLimited(next, NewLimiter(0))
	for i := 0; i < 5; i++ {
		if _, err := inv.Invoke(context.Background(), "m", "p"); err != nil {
			t.Fatalf("Invoke: %v", err)
		}
	}
	if calls != 5 {
		t.Errorf("calls = %d, want 5", calls)
	}

	// One call per minute: the second call cannot be admitted before the deadline.
	limited := RateLimited(next, NewLimiter(1))
	limited.Invoke(context.Background(), "m", "p")
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := limited.Invoke(ctx, "m", "p")
	var ie *InvocationError
	if !errors.As(err, &ie) || ie.Model != "m" {
		t.Errorf("err = %v, want *InvocationError for model m", err)
	}
}
