package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "QUIZRAG_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.api_token", typ: kString, env: "QUIZRAG_SERVER_API_TOKEN",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Server.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIToken },
	},
	{
		key: "storage.data_dir", typ: kString, env: "QUIZRAG_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "ollama.base_url", typ: kString, env: "QUIZRAG_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.BaseURL },
	},
	{
		key: "embedding.model", typ: kString, env: "QUIZRAG_EMBEDDING_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Embedding.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Embedding.Model },
	},
	{
		key: "embedding.batch_size", typ: kInt, env: "QUIZRAG_EMBEDDING_BATCH_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Embedding.BatchSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Embedding.BatchSize },
	},
	{
		key: "embedding.max_input_chars", typ: kInt, env: "QUIZRAG_EMBEDDING_MAX_INPUT_CHARS",
		apply:   func(cfg *Config, v any) { cfg.Embedding.MaxInputChars = v.(int) },
		extract: func(cfg Config) any { return cfg.Embedding.MaxInputChars },
	},
	{
		key: "embedding.fallback", typ: kBool, env: "QUIZRAG_EMBEDDING_FALLBACK",
		apply:   func(cfg *Config, v any) { cfg.Embedding.Fallback = v.(bool) },
		extract: func(cfg Config) any { return cfg.Embedding.Fallback },
	},
	{
		key: "cache.redis_url", typ: kString, env: "QUIZRAG_CACHE_REDIS_URL",
		apply:   func(cfg *Config, v any) { cfg.Cache.RedisURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Cache.RedisURL },
	},
	{
		key: "cache.redis_ttl", typ: kDuration, env: "QUIZRAG_CACHE_REDIS_TTL",
		apply:   func(cfg *Config, v any) { cfg.Cache.RedisTTL = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Cache.RedisTTL },
	},
	{
		key: "llm.base_url", typ: kString, env: "QUIZRAG_LLM_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.LLM.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.BaseURL },
	},
	{
		key: "llm.api_key", typ: kString, env: "QUIZRAG_LLM_API_KEY",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.LLM.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.APIKey },
	},
	{
		key: "llm.default_model", typ: kString, env: "QUIZRAG_LLM_DEFAULT_MODEL",
		apply:   func(cfg *Config, v any) { cfg.LLM.DefaultModel = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.DefaultModel },
	},
	{
		key: "llm.timeout", typ: kDuration, env: "QUIZRAG_LLM_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.LLM.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.LLM.Timeout },
	},
	{
		key: "llm.rate_limit", typ: kInt, env: "QUIZRAG_LLM_RATE_LIMIT",
		apply:   func(cfg *Config, v any) { cfg.LLM.RateLimit = v.(int) },
		extract: func(cfg Config) any { return cfg.LLM.RateLimit },
	},
	{
		key: "llm.temperature", typ: kFloat, env: "QUIZRAG_LLM_TEMPERATURE",
		apply:   func(cfg *Config, v any) { cfg.LLM.Temperature = v.(float64) },
		extract: func(cfg Config) any { return cfg.LLM.Temperature },
	},
	{
		key: "retrieval.limit", typ: kInt, env: "QUIZRAG_RETRIEVAL_LIMIT",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.Limit = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.Limit },
	},
	{
		key: "retrieval.threshold", typ: kFloat, env: "QUIZRAG_RETRIEVAL_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.Threshold = v.(float64) },
		extract: func(cfg Config) any { return cfg.Retrieval.Threshold },
	},
	{
		key: "retrieval.rerank_mode", typ: kString, env: "QUIZRAG_RETRIEVAL_RERANK_MODE",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.RerankMode = v.(string) },
		extract: func(cfg Config) any { return cfg.Retrieval.RerankMode },
	},
	{
		key: "chunking.size", typ: kInt, env: "QUIZRAG_CHUNKING_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Chunking.Size = v.(int) },
		extract: func(cfg Config) any { return cfg.Chunking.Size },
	},
	{
		key: "chunking.overlap", typ: kInt, env: "QUIZRAG_CHUNKING_OVERLAP",
		apply:   func(cfg *Config, v any) { cfg.Chunking.Overlap = v.(int) },
		extract: func(cfg Config) any { return cfg.Chunking.Overlap },
	},
	{
		key: "prompt.max_context_chars", typ: kInt, env: "QUIZRAG_PROMPT_MAX_CONTEXT_CHARS",
		apply:   func(cfg *Config, v any) { cfg.Prompt.MaxContextChars = v.(int) },
		extract: func(cfg Config) any { return cfg.Prompt.MaxContextChars },
	},
	{
		key: "abtest.variants_file", typ: kString, env: "QUIZRAG_ABTEST_VARIANTS_FILE",
		apply:   func(cfg *Config, v any) { cfg.ABTest.VariantsFile = v.(string) },
		extract: func(cfg Config) any { return cfg.ABTest.VariantsFile },
	},
	{
		key: "log.level", typ: kString, env: "QUIZRAG_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

// parseValue converts raw into the Go type for typ.
func parseValue(typ keyType, raw string) (any, error) {
	switch typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	case kDuration:
		return time.ParseDuration(raw)
	default:
		return raw, nil
	}
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		if s.typ == kInt {
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
			continue
		}

		raw, ok, err := b.GetString(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || (s.typ != kString && raw == "") {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse config key %s=%q: %v. Using default value.\n", s.key, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}

func lookupSpec(key string) (keySpec, bool) {
	for _, s := range specs {
		if s.key == key {
			return s, true
		}
	}
	return keySpec{}, false
}
