package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kalambet/recall/internal/engine"
	"github.com/kalambet/recall/internal/memory"
	"github.com/kalambet/recall/internal/vectorindex"
)

type Config struct {
	Server      ServerConfig
	Engine      EngineConfig
	Ollama      OllamaConfig
	OpenAI      OpenAIConfig
	Storage     StorageConfig
	Memory      MemoryConfig
	Personality PersonalityConfig
	Log         LogConfig
}

type ServerConfig struct {
	Port      int
	StaticDir string
}

type EngineConfig struct {
	Backend string
	// CheckModels makes serve verify (and pull) the models before listening.
	CheckModels bool
}

type OllamaConfig struct {
	BaseURL    string
	ChatModel  string
	EmbedModel string
}

type OpenAIConfig struct {
	BaseURL    string
	APIKey     string
	ChatModel  string
	EmbedModel string
}

type StorageConfig struct {
	DataDir string
}

type MemoryConfig struct {
	Dimension      int
	IndexPath      string
	IndexKind      string
	TopK           int
	EmbedPolicy    string
	Embedder       string
	CacheSize      int
	RepairInterval string
	ContextTokens  int
}

type PersonalityConfig struct {
	File string
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 8000,
		},
		Engine: EngineConfig{
			Backend:     engine.BackendOllama,
			CheckModels: true,
		},
		Ollama: OllamaConfig{
			BaseURL:    "http://localhost:11434",
			ChatModel:  "wizard-vicuna-uncensored:13b",
			EmbedModel: "all-minilm",
		},
		OpenAI: OpenAIConfig{
			ChatModel:  "gpt-4o-mini",
			EmbedModel: "text-embedding-3-small",
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Memory: MemoryConfig{
			Dimension:      384,
			IndexPath:      filepath.Join(os.TempDir(), "memory.idx"),
			IndexKind:      string(vectorindex.KindFlat),
			TopK:           5,
			EmbedPolicy:    string(memory.PolicyPrompt),
			Embedder:       EmbedderEngine,
			CacheSize:      1024,
			RepairInterval: "30s",
			ContextTokens:  4000,
		},
		Personality: PersonalityConfig{
			File: "personality.txt",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Embedder choices for memory.embedder.
const (
	EmbedderEngine = "engine"
	EmbedderHash   = "hash"
)

// Load reads configuration from the JSON config file and then applies
// RECALL_* environment overrides. Secrets are only read from the
// environment.
func Load() (Config, error) {
	return loadWith(newPlatformBackend())
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port %d", c.Server.Port)
	}
	switch c.Engine.Backend {
	case engine.BackendOllama, engine.BackendOpenAI:
	default:
		return fmt.Errorf("invalid engine.backend %q (want %s or %s)", c.Engine.Backend, engine.BackendOllama, engine.BackendOpenAI)
	}
	if c.Engine.Backend == engine.BackendOpenAI && c.OpenAI.BaseURL == "" && c.OpenAI.APIKey == "" {
		return fmt.Errorf("missing required config: OpenAI API key. Set it via environment variable RECALL_OPENAI_API_KEY")
	}
	if c.Memory.Dimension <= 0 {
		return fmt.Errorf("invalid memory.dimension %d", c.Memory.Dimension)
	}
	if _, err := vectorindex.ParseKind(c.Memory.IndexKind); err != nil {
		return fmt.Errorf("invalid memory.index_kind: %w", err)
	}
	if _, err := memory.ParseEmbedPolicy(c.Memory.EmbedPolicy); err != nil {
		return fmt.Errorf("invalid memory.embed_policy: %w", err)
	}
	switch c.Memory.Embedder {
	case EmbedderEngine, EmbedderHash:
	default:
		return fmt.Errorf("invalid memory.embedder %q (want %s or %s)", c.Memory.Embedder, EmbedderEngine, EmbedderHash)
	}
	if c.Memory.TopK <= 0 {
		return fmt.Errorf("invalid memory.top_k %d", c.Memory.TopK)
	}
	if c.Memory.CacheSize < 0 {
		return fmt.Errorf("invalid memory.cache_size %d", c.Memory.CacheSize)
	}
	if _, err := c.RepairInterval(); err != nil {
		return err
	}
	return nil
}

// RepairInterval parses memory.repair_interval.
func (c Config) RepairInterval() (time.Duration, error) {
	d, err := time.ParseDuration(c.Memory.RepairInterval)
	if err != nil {
		return 0, fmt.Errorf("invalid memory.repair_interval: %w", err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid memory.repair_interval %s", d)
	}
	return d, nil
}

// ChatModel returns the chat model of the selected backend.
func (c Config) ChatModel() string {
	if c.Engine.Backend == engine.BackendOpenAI {
		return c.OpenAI.ChatModel
	}
	return c.Ollama.ChatModel
}

// EmbedModel returns the embedding model of the selected backend, or ""
// when embeddings are computed locally.
func (c Config) EmbedModel() string {
	if c.Memory.Embedder == EmbedderHash {
		return ""
	}
	if c.Engine.Backend == engine.BackendOpenAI {
		return c.OpenAI.EmbedModel
	}
	return c.Ollama.EmbedModel
}

// DetectConfig returns the engine selection parameters.
func (c Config) DetectConfig() engine.DetectConfig {
	return engine.DetectConfig{
		Backend:         c.Engine.Backend,
		OllamaBaseURL:   c.Ollama.BaseURL,
		OpenAIBaseURL:   c.OpenAI.BaseURL,
		OpenAIAPIKey:    c.OpenAI.APIKey,
		EmbedDimensions: c.Memory.Dimension,
	}
}

// ServiceConfig returns the memory service parameters.
func (c Config) ServiceConfig() memory.Config {
	kind, _ := vectorindex.ParseKind(c.Memory.IndexKind)
	policy, _ := memory.ParseEmbedPolicy(c.Memory.EmbedPolicy)
	return memory.Config{
		Dimension:   c.Memory.Dimension,
		IndexPath:   c.Memory.IndexPath,
		IndexKind:   kind,
		EmbedPolicy: policy,
	}
}
