package config

import (
	"fmt"
	"strings"
	"time"
)

type Config struct {
	Server    ServerConfig
	Storage   StorageConfig
	Ollama    OllamaConfig
	Embedding EmbeddingConfig
	Cache     CacheConfig
	LLM       LLMConfig
	Retrieval RetrievalConfig
	Chunking  ChunkingConfig
	Prompt    PromptConfig
	ABTest    ABTestConfig
	Log       LogConfig
}

type ServerConfig struct {
	Port int
	// APIToken guards the manager routes. Secret.
	APIToken string
}

type StorageConfig struct {
	DataDir string
}

type OllamaConfig struct {
	BaseURL string
}

type EmbeddingConfig struct {
	Model         string
	BatchSize     int
	MaxInputChars int
	// Fallback switches to the local hashing backend when Ollama is down.
	Fallback bool
}

type CacheConfig struct {
	RedisURL string
	RedisTTL time.Duration
}

type LLMConfig struct {
	BaseURL      string
	APIKey       string
	DefaultModel string
	Timeout      time.Duration
	// RateLimit is calls per minute; 0 disables limiting.
	RateLimit   int
	Temperature float64
}

type RetrievalConfig struct {
	Limit      int
	Threshold  float64
	RerankMode string
}

type ChunkingConfig struct {
	Size    int
	Overlap int
}

type PromptConfig struct {
	MaxContextChars int
}

type ABTestConfig struct {
	VariantsFile string
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4000,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Ollama: OllamaConfig{
			BaseURL: "http://localhost:11434",
		},
		Embedding: EmbeddingConfig{
			Model:         "nomic-embed-text",
			BatchSize:     32,
			MaxInputChars: 8000,
			Fallback:      true,
		},
		Cache: CacheConfig{
			RedisTTL: 7 * 24 * time.Hour,
		},
		LLM: LLMConfig{
			BaseURL:      "https://api.openai.com/v1",
			DefaultModel: "gpt-4o-mini",
			Timeout:      60 * time.Second,
			Temperature:  0.7,
		},
		Retrieval: RetrievalConfig{
			Limit:      5,
			Threshold:  0.3,
			RerankMode: "lexical",
		},
		Chunking: ChunkingConfig{
			Size:    1000,
			Overlap: 200,
		},
		Prompt: PromptConfig{
			MaxContextChars: 6000,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the JSON file at
// $XDG_CONFIG_HOME/quizrag/config.json, then applies QUIZRAG_* environment
// overrides. Secrets come from the environment or, failing that, from
// $XDG_DATA_HOME/quizrag/secrets.json.
func Load() (Config, error) {
	return loadWith(newFileBackend(configFilePath()), secretsFile{path: secretsFilePath()})
}

// secretStore abstracts the secrets file for testing.
type secretStore interface {
	Get(account string) (string, error)
}

func loadFromPath(path string, sec secretStore) (Config, error) {
	return loadWith(newFileBackend(path), sec)
}

func loadWith(b ConfigBackend, sec secretStore) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	for _, s := range specs {
		if !s.secret || s.extract(cfg).(string) != "" {
			continue
		}
		if v, err := sec.Get(s.key); err == nil && v != "" {
			s.apply(&cfg, v)
		}
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// RemoteLLM reports whether the default model is served by the
// OpenAI-compatible provider rather than Ollama.
func (c Config) RemoteLLM() bool {
	return !strings.HasPrefix(c.LLM.DefaultModel, "ollama/")
}

func (c Config) validate() error {
	var problems []string
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		problems = append(problems, fmt.Sprintf("server.port %d out of range", c.Server.Port))
	}
	if strings.TrimSpace(c.LLM.DefaultModel) == "" {
		problems = append(problems, "llm.default_model is empty")
	}
	if c.LLM.Timeout <= 0 {
		problems = append(problems, "llm.timeout must be positive")
	}
	if c.Retrieval.Threshold < 0 || c.Retrieval.Threshold > 1 {
		problems = append(problems, fmt.Sprintf("retrieval.threshold %v outside [0,1]", c.Retrieval.Threshold))
	}
	switch c.Retrieval.RerankMode {
	case "none", "lexical", "llm":
	default:
		problems = append(problems, fmt.Sprintf("retrieval.rerank_mode %q is not one of none, lexical, llm", c.Retrieval.RerankMode))
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		problems = append(problems, fmt.Sprintf("log.level %q is not one of debug, info, warn, error", c.Log.Level))
	}
	if c.Chunking.Size <= 0 || c.Chunking.Overlap < 0 || c.Chunking.Overlap >= c.Chunking.Size {
		problems = append(problems, "chunking.overlap must be >= 0 and smaller than chunking.size")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}

	if c.RemoteLLM() && c.LLM.APIKey == "" {
		return fmt.Errorf("missing required config: LLM API key for %s. "+
			"Set it via environment variable QUIZRAG_LLM_API_KEY or `quizrag config set-secret llm.api_key`", c.LLM.DefaultModel)
	}
	return nil
}
