package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// mockSecrets is a test double for the secrets file.
type mockSecrets struct {
	values map[string]string
}

func (m mockSecrets) Get(account string) (string, error) {
	v, ok := m.values[account]
	if !ok {
		return "", errors.New("not found")
	}
	return v, nil
}

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, s := range specs {
		t.Setenv(s.env, "")
	}
}

func TestDefaults(t *testing.T) {
	clearEnv(t)
	path := writeTempConfig(t, `{}`)

	cfg, err := loadFromPath(path, mockSecrets{values: map[string]string{"llm.api_key": "k"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 4000 {
		t.Errorf("Server.Port = %d, want 4000", cfg.Server.Port)
	}
	if cfg.Ollama.BaseURL != "http://localhost:11434" {
		t.Errorf("Ollama.BaseURL = %q", cfg.Ollama.BaseURL)
	}
	if cfg.Embedding.Model != "nomic-embed-text" || !cfg.Embedding.Fallback {
		t.Errorf("Embedding = %+v", cfg.Embedding)
	}
	if cfg.LLM.Timeout != 60*time.Second {
		t.Errorf("LLM.Timeout = %v, want 60s", cfg.LLM.Timeout)
	}
	if cfg.Retrieval.RerankMode != "lexical" || cfg.Retrieval.Limit != 5 {
		t.Errorf("Retrieval = %+v", cfg.Retrieval)
	}
	if cfg.Prompt.MaxContextChars != 6000 {
		t.Errorf("Prompt.MaxContextChars = %d", cfg.Prompt.MaxContextChars)
	}
	if cfg.LLM.APIKey != "k" {
		t.Errorf("LLM.APIKey = %q, want from secrets", cfg.LLM.APIKey)
	}
}

func TestFileParsing(t *testing.T) {
	clearEnv(t)
	path := writeTempConfig(t, `{
  "server.port": 5000,
  "storage.data_dir": "/tmp/quizrag-test",
  "embedding.fallback": "false",
  "llm.default_model": "ollama/llama3",
  "llm.timeout": "15s",
  "llm.temperature": 0.2,
  "retrieval.threshold": "0.45",
  "retrieval.rerank_mode": "none",
  "chunking.size": 600,
  "chunking.overlap": 100,
  "abtest.variants_file": "/etc/quizrag/variants.yaml"
}`)

	cfg, err := loadFromPath(path, mockSecrets{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 5000 {
		t.Errorf("Server.Port = %d, want 5000", cfg.Server.Port)
	}
	if cfg.Storage.DataDir != "/tmp/quizrag-test" {
		t.Errorf("Storage.DataDir = %q", cfg.Storage.DataDir)
	}
	if cfg.Embedding.Fallback {
		t.Error("Embedding.Fallback should be false")
	}
	if cfg.LLM.Timeout != 15*time.Second {
		t.Errorf("LLM.Timeout = %v", cfg.LLM.Timeout)
	}
	if cfg.LLM.Temperature != 0.2 {
		t.Errorf("LLM.Temperature = %v", cfg.LLM.Temperature)
	}
	if cfg.Retrieval.Threshold != 0.45 || cfg.Retrieval.RerankMode != "none" {
		t.Errorf("Retrieval = %+v", cfg.Retrieval)
	}
	if cfg.Chunking.Size != 600 || cfg.Chunking.Overlap != 100 {
		t.Errorf("Chunking = %+v", cfg.Chunking)
	}
	if cfg.ABTest.VariantsFile != "/etc/quizrag/variants.yaml" {
		t.Errorf("ABTest.VariantsFile = %q", cfg.ABTest.VariantsFile)
	}
}

func TestEnvOverride(t *testing.T) {
	clearEnv(t)
	path := writeTempConfig(t, `{"server.port": 5000, "log.level": "info"}`)

	t.Setenv("QUIZRAG_SERVER_PORT", "6000")
	t.Setenv("QUIZRAG_LOG_LEVEL", "debug")
	t.Setenv("QUIZRAG_LLM_API_KEY", "env-key")
	t.Setenv("QUIZRAG_LLM_TIMEOUT", "2m")

	cfg, err := loadFromPath(path, mockSecrets{values: map[string]string{"llm.api_key": "file-key"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 6000 {
		t.Errorf("Server.Port = %d, want 6000", cfg.Server.Port)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q", cfg.Log.Level)
	}
	if cfg.LLM.APIKey != "env-key" {
		t.Errorf("LLM.APIKey = %q, env must win over secrets file", cfg.LLM.APIKey)
	}
	if cfg.LLM.Timeout != 2*time.Minute {
		t.Errorf("LLM.Timeout = %v", cfg.LLM.Timeout)
	}
}

func TestBadEnvValueKeepsDefault(t *testing.T) {
	clearEnv(t)
	path := writeTempConfig(t, `{}`)
	t.Setenv("QUIZRAG_SERVER_PORT", "not-a-number")
	t.Setenv("QUIZRAG_LLM_API_KEY", "k")

	cfg, err := loadFromPath(path, mockSecrets{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 4000 {
		t.Errorf("Server.Port = %d, want default 4000", cfg.Server.Port)
	}
}

func TestMissingAPIKey(t *testing.T) {
	clearEnv(t)
	path := writeTempConfig(t, `{}`)

	_, err := loadFromPath(path, mockSecrets{})
	if err == nil {
		t.Fatal("expected error for missing API key, got nil")
	}
	if !strings.Contains(err.Error(), "missing required config") {
		t.Errorf("error = %q", err)
	}
}

func TestLocalModelNeedsNoAPIKey(t *testing.T) {
	clearEnv(t)
	path := writeTempConfig(t, `{"llm.default_model": "ollama/llama3"}`)

	cfg, err := loadFromPath(path, mockSecrets{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.RemoteLLM() {
		t.Error("ollama/ model should not be remote")
	}
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"rerank mode", `{"retrieval.rerank_mode": "magic"}`, "rerank_mode"},
		{"threshold", `{"retrieval.threshold": 1.5}`, "threshold"},
		{"log level", `{"log.level": "loud"}`, "log.level"},
		{"overlap", `{"chunking.size": 100, "chunking.overlap": 100}`, "chunking.overlap"},
		{"port", `{"server.port": 70000}`, "server.port"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			t.Setenv("QUIZRAG_LLM_API_KEY", "k")
			_, err := loadFromPath(writeTempConfig(t, tt.body), mockSecrets{})
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestSetKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "quizrag", "config.json")
	b := newFileBackend(path)

	if err := setKey(b, "server.port", "4100"); err != nil {
		t.Fatalf("setKey int: %v", err)
	}
	if err := setKey(b, "llm.timeout", "30s"); err != nil {
		t.Fatalf("setKey duration: %v", err)
	}
	if err := setKey(b, "llm.timeout", "soon"); err == nil {
		t.Error("expected error for invalid duration")
	}
	if err := setKey(b, "server.api_token", "x"); err == nil {
		t.Error("expected error when setting a secret via setKey")
	}
	if err := setKey(b, "nope", "x"); err == nil {
		t.Error("expected error for unknown key")
	}

	clearEnv(t)
	t.Setenv("QUIZRAG_LLM_API_KEY", "k")
	cfg, err := loadFromPath(path, mockSecrets{})
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if cfg.Server.Port != 4100 || cfg.LLM.Timeout != 30*time.Second {
		t.Errorf("reloaded port=%d timeout=%v", cfg.Server.Port, cfg.LLM.Timeout)
	}
}

func TestSecretsFile(t *testing.T) {
	f := secretsFile{path: filepath.Join(t.TempDir(), "quizrag", "secrets.json")}
	if _, err := f.Get("llm.api_key"); err == nil {
		t.Error("expected error before the file exists")
	}
	if err := setSecret(f, "llm.api_key", "sk-test"); err != nil {
		t.Fatalf("setSecret: %v", err)
	}
	if err := setSecret(f, "server.port", "1"); err == nil {
		t.Error("expected error for non-secret key")
	}
	v, err := f.Get("llm.api_key")
	if err != nil || v != "sk-test" {
		t.Errorf("Get = %q, %v", v, err)
	}
	info, err := os.Stat(f.path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("secrets file mode = %v, want 0600", info.Mode().Perm())
	}
}

func TestShowAll_MasksSecrets(t *testing.T) {
	cfg := defaults()
	cfg.LLM.APIKey = "sk-live"
	for _, k := range ShowAll(cfg) {
		if k.Key == "llm.api_key" && k.Value != "********" {
			t.Errorf("secret shown as %q", k.Value)
		}
		if strings.Contains(k.Value, "sk-live") {
			t.Errorf("secret leaked via %s", k.Key)
		}
	}
}
