package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
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
		key: "server.port", typ: kInt, env: "RECALL_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.static_dir", typ: kString, env: "RECALL_SERVER_STATIC_DIR",
		apply:   func(cfg *Config, v any) { cfg.Server.StaticDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.StaticDir },
	},
	{
		key: "engine.backend", typ: kString, env: "RECALL_ENGINE_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.Engine.Backend = v.(string) },
		extract: func(cfg Config) any { return cfg.Engine.Backend },
	},
	{
		key: "engine.check_models", typ: kBool, env: "RECALL_ENGINE_CHECK_MODELS",
		apply:   func(cfg *Config, v any) { cfg.Engine.CheckModels = v.(bool) },
		extract: func(cfg Config) any { return cfg.Engine.CheckModels },
	},
	{
		key: "ollama.base_url", typ: kString, env: "RECALL_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.BaseURL },
	},
	{
		key: "ollama.chat_model", typ: kString, env: "RECALL_OLLAMA_CHAT_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.ChatModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.ChatModel },
	},
	{
		key: "ollama.embed_model", typ: kString, env: "RECALL_OLLAMA_EMBED_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.EmbedModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.EmbedModel },
	},
	{
		key: "openai.base_url", typ: kString, env: "RECALL_OPENAI_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.OpenAI.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.OpenAI.BaseURL },
	},
	{
		key: "openai.api_key", typ: kString, env: "RECALL_OPENAI_API_KEY",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.OpenAI.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.OpenAI.APIKey },
	},
	{
		key: "openai.chat_model", typ: kString, env: "RECALL_OPENAI_CHAT_MODEL",
		apply:   func(cfg *Config, v any) { cfg.OpenAI.ChatModel = v.(string) },
		extract: func(cfg Config) any { return cfg.OpenAI.ChatModel },
	},
	{
		key: "openai.embed_model", typ: kString, env: "RECALL_OPENAI_EMBED_MODEL",
		apply:   func(cfg *Config, v any) { cfg.OpenAI.EmbedModel = v.(string) },
		extract: func(cfg Config) any { return cfg.OpenAI.EmbedModel },
	},
	{
		key: "storage.data_dir", typ: kString, env: "RECALL_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "memory.dimension", typ: kInt, env: "RECALL_MEMORY_DIMENSION",
		apply:   func(cfg *Config, v any) { cfg.Memory.Dimension = v.(int) },
		extract: func(cfg Config) any { return cfg.Memory.Dimension },
	},
	{
		key: "memory.index_path", typ: kString, env: "RECALL_MEMORY_INDEX_PATH",
		apply:   func(cfg *Config, v any) { cfg.Memory.IndexPath = v.(string) },
		extract: func(cfg Config) any { return cfg.Memory.IndexPath },
	},
	{
		key: "memory.index_kind", typ: kString, env: "RECALL_MEMORY_INDEX_KIND",
		apply:   func(cfg *Config, v any) { cfg.Memory.IndexKind = v.(string) },
		extract: func(cfg Config) any { return cfg.Memory.IndexKind },
	},
	{
		key: "memory.top_k", typ: kInt, env: "RECALL_MEMORY_TOP_K",
		apply:   func(cfg *Config, v any) { cfg.Memory.TopK = v.(int) },
		extract: func(cfg Config) any { return cfg.Memory.TopK },
	},
	{
		key: "memory.embed_policy", typ: kString, env: "RECALL_MEMORY_EMBED_POLICY",
		apply:   func(cfg *Config, v any) { cfg.Memory.EmbedPolicy = v.(string) },
		extract: func(cfg Config) any { return cfg.Memory.EmbedPolicy },
	},
	{
		key: "memory.embedder", typ: kString, env: "RECALL_MEMORY_EMBEDDER",
		apply:   func(cfg *Config, v any) { cfg.Memory.Embedder = v.(string) },
		extract: func(cfg Config) any { return cfg.Memory.Embedder },
	},
	{
		key: "memory.cache_size", typ: kInt, env: "RECALL_MEMORY_CACHE_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Memory.CacheSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Memory.CacheSize },
	},
	{
		key: "memory.repair_interval", typ: kString, env: "RECALL_MEMORY_REPAIR_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Memory.RepairInterval = v.(string) },
		extract: func(cfg Config) any { return cfg.Memory.RepairInterval },
	},
	{
		key: "memory.context_tokens", typ: kInt, env: "RECALL_MEMORY_CONTEXT_TOKENS",
		apply:   func(cfg *Config, v any) { cfg.Memory.ContextTokens = v.(int) },
		extract: func(cfg Config) any { return cfg.Memory.ContextTokens },
	},
	{
		key: "personality.file", typ: kString, env: "RECALL_PERSONALITY_FILE",
		apply:   func(cfg *Config, v any) { cfg.Personality.File = v.(string) },
		extract: func(cfg Config) any { return cfg.Personality.File },
	},
	{
		key: "log.level", typ: kString, env: "RECALL_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		var (
			v   any
			ok  bool
			err error
		)
		switch s.typ {
		case kString:
			v, ok, err = b.GetString(s.key)
		case kInt:
			v, ok, err = b.GetInt(s.key)
		case kBool:
			v, ok, err = b.GetBool(s.key)
		}
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if ok {
			s.apply(cfg, v)
		}
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
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kBool:
			if b, err := strconv.ParseBool(raw); err == nil {
				s.apply(cfg, b)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
