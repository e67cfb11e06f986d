package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kalambet/quizrag/internal/api"
	"github.com/kalambet/quizrag/internal/assignment"
	"github.com/kalambet/quizrag/internal/retrieval"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   string
	Auth   string
}

type testServer struct {
	server   *httptest.Server
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.requests = append(ts.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.RequestURI(),
			Body:   body.String(),
			Auth:   r.Header.Get("Authorization"),
		})

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"not found","type":"not_found"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		token:      "test-token",
		httpClient: ts.server.Client(),
	}
}

var ctx = context.Background()

func TestClient_PostDocument(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /api/documents": `{"id":"doc-123","jobId":"job-1","status":"queued"}`,
	})

	req := api.DocumentRequest{SubjectID: "PRG", Title: "Loops", Content: "for and while"}
	resp, err := ts.client().post(ctx, "/api/documents", req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	var out struct {
		ID     string `json:"id"`
		JobID  string `json:"jobId"`
		Status string `json:"status"`
	}
	if err := decodeJSON(resp, &out); err != nil {
		t.Fatalf("decodeJSON: %v", err)
	}
	if out.ID != "doc-123" || out.Status != "queued" {
		t.Errorf("got %+v", out)
	}

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	r := ts.requests[0]
	if r.Auth != "Bearer test-token" {
		t.Errorf("auth = %q", r.Auth)
	}
	var sent map[string]any
	if err := json.Unmarshal([]byte(r.Body), &sent); err != nil {
		t.Fatalf("body not JSON: %v", err)
	}
	if sent["subjectId"] != "PRG" || sent["content"] != "for and while" {
		t.Errorf("body = %v", sent)
	}
}

func TestClient_GetAndDelete(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /api/documents":          `{"documents":[]}`,
		"DELETE /api/documents/doc-1": `{"status":"deleted","chunksRemoved":3}`,
	})
	client := ts.client()

	resp, err := client.get(ctx, "/api/documents?limit=10")
	if err != nil {
		t.Fatal(err)
	}
	var list map[string]any
	if err := decodeJSON(resp, &list); err != nil {
		t.Fatal(err)
	}

	resp, err = client.delete(ctx, "/api/documents/doc-1")
	if err != nil {
		t.Fatal(err)
	}
	var del struct {
		ChunksRemoved int `json:"chunksRemoved"`
	}
	if err := decodeJSON(resp, &del); err != nil {
		t.Fatal(err)
	}
	if del.ChunksRemoved != 3 {
		t.Errorf("chunksRemoved = %d", del.ChunksRemoved)
	}

	if ts.requests[0].Path != "/api/documents?limit=10" {
		t.Errorf("path = %q", ts.requests[0].Path)
	}
	if ts.requests[1].Method != http.MethodDelete {
		t.Errorf("method = %q", ts.requests[1].Method)
	}
}

func TestDecodeJSON_ErrorEnvelope(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, err := ts.client().get(ctx, "/api/documents/missing")
	if err != nil {
		t.Fatal(err)
	}
	err = decodeJSON(resp, &struct{}{})
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "404") || !strings.Contains(err.Error(), "not_found") {
		t.Errorf("error = %q", err)
	}
}

func TestDecodeJSON_PlainErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream broke", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := &apiClient{baseURL: srv.URL, token: "t", httpClient: srv.Client()}
	resp, err := c.get(ctx, "/")
	if err != nil {
		t.Fatal(err)
	}
	err = decodeJSON(resp, &struct{}{})
	if err == nil || !strings.Contains(err.Error(), "upstream broke") {
		t.Errorf("error = %v", err)
	}
}

func TestClient_ServerNotReachable(t *testing.T) {
	c := &apiClient{baseURL: "http://127.0.0.1:1", token: "t", httpClient: &http.Client{Timeout: time.Second}}
	_, err := c.get(ctx, "/health")
	if err == nil || !strings.Contains(err.Error(), "quizrag serve") {
		t.Errorf("error = %v", err)
	}
}

func TestColorize(t *testing.T) {
	old := noColor
	t.Cleanup(func() { noColor = old })

	noColor = true
	if got := colorize(colorRed, "x"); got != "x" {
		t.Errorf("noColor: got %q", got)
	}
	noColor = false
	if got := colorize(colorRed, "x"); got != colorRed+"x"+colorReset {
		t.Errorf("color: got %q", got)
	}
}

func TestShortID(t *testing.T) {
	if got := shortID("0123456789abcdef"); got != "01234567" {
		t.Errorf("got %q", got)
	}
	if got := shortID("abc"); got != "abc" {
		t.Errorf("got %q", got)
	}
}

func TestPrintSearch(t *testing.T) {
	old := noColor
	noColor = true
	t.Cleanup(func() { noColor = old })

	var buf bytes.Buffer
	printSearch(&buf, retrieval.Response{})
	if !strings.Contains(buf.String(), "No results found.") {
		t.Errorf("empty output = %q", buf.String())
	}

	buf.Reset()
	score := 0.9
	printSearch(&buf, retrieval.Response{
		HasContent: true,
		Results: []retrieval.Result{{
			ChunkID:       "c1",
			Text:          "A for loop repeats a block.",
			Similarity:    0.812,
			RerankedScore: &score,
			Metadata:      &retrieval.Metadata{SectionTitle: "Loops"},
		}},
		Stats: retrieval.Stats{Returned: 1, TotalIndexed: 4, Threshold: 0.3, ElapsedMs: 12},
	})
	out := buf.String()
	for _, want := range []string{"Result 1", "similarity: 0.812", "reranked: 0.900", "Section: Loops", "A for loop", "1 of 4 chunks above 0.30"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

const testVariants = `
defaultModel: gpt-4o-mini
subjects:
  - subjectKey: PRG
    fromDate: "2025-01-01"
    toDate: "2025-06-30"
    costPriority: true
    variants:
      - {model: gpt-4o-mini, weight: 1, cost: 0.2}
      - {model: ollama/llama3, weight: 1, cost: 0}
`

func TestPrintVariants(t *testing.T) {
	path := filepath.Join(t.TempDir(), "variants.yaml")
	if err := os.WriteFile(path, []byte(testVariants), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := assignment.LoadVariants(path, "fallback")
	if err != nil {
		t.Fatalf("LoadVariants: %v", err)
	}

	var buf bytes.Buffer
	printVariants(&buf, cfg)
	out := buf.String()
	for _, want := range []string{"default model: gpt-4o-mini", "PRG  2025-01-01..2025-06-30  cost", "ollama/llama3"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"WARN":  slog.LevelWarn,
		"error": slog.LevelError,
		"info":  slog.LevelInfo,
		"":      slog.LevelInfo,
	}
	for in, want := range tests {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
