package engine

import "fmt"

// Backend names accepted by Detect.
const (
	BackendOllama = "ollama"
	BackendOpenAI = "openai"
)

// DetectConfig holds parameters for backend selection.
type DetectConfig struct {
	Backend       string
	OllamaBaseURL string
	OpenAIBaseURL string
	OpenAIAPIKey  string
	// EmbedDimensions is forwarded to OpenAI-compatible embedding requests.
	EmbedDimensions int
}

// Detect returns the engine for the configured backend. An empty backend
// means Ollama.
func Detect(cfg DetectConfig) (Engine, error) {
	switch cfg.Backend {
	case "", BackendOllama:
		return NewOllamaEngine(cfg.OllamaBaseURL), nil
	case BackendOpenAI:
		return NewOpenAIEngine(cfg.OpenAIBaseURL, cfg.OpenAIAPIKey, cfg.EmbedDimensions), nil
	default:
		return nil, fmt.Errorf("unknown engine backend %q (want %s or %s)", cfg.Backend, BackendOllama, BackendOpenAI)
	}
}
