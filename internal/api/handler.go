package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/recall/internal/memory"
	"github.com/kalambet/recall/internal/pipeline"
	"github.com/kalambet/recall/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB
const maxBatchBodySize = 10 << 20  // 10MB

// MemoryService is the part of memory.Service the HTTP and MCP layers use.
type MemoryService interface {
	RecordAndIndex(ctx context.Context, prompt, response string) (int64, error)
	RecordBatch(ctx context.Context, pairs []memory.Pair) ([]int64, error)
	RetrieveSimilar(ctx context.Context, prompt string, k int) ([]memory.Memory, error)
	Repair(ctx context.Context) (memory.Stats, error)
	Stats(ctx context.Context) (memory.Stats, error)
}

// Responder answers a prompt using past conversations.
type Responder interface {
	Respond(ctx context.Context, prompt string) (pipeline.Result, error)
}

// RecentLister lists the newest stored conversations.
type RecentLister interface {
	ListRecent(ctx context.Context, limit int) ([]storage.Conversation, error)
}

type Deps struct {
	Memory    MemoryService
	Responder Responder    // optional; /send_prompt/ answers 503 when nil
	Recent    RecentLister // optional; /v1/memories/recent answers 503 when nil
	StaticDir string       // optional; enables /static/ and the index page
	TopK      int
}

// NewHandler returns the HTTP API: the chat endpoint used by the web page
// plus the memory endpoints used by the CLI.
func NewHandler(deps Deps) http.Handler {
	if deps.TopK <= 0 {
		deps.TopK = 5
	}

	r := chi.NewRouter()
	r.Use(allowAllOrigins)

	r.Get("/health", handleHealth)
	r.Post("/send_prompt/", handleSendPrompt(deps))

	r.Route("/v1", func(r chi.Router) {
		r.Post("/memories", handleRemember(deps))
		r.Post("/memories/batch", handleRememberBatch(deps))
		r.Get("/memories/search", handleSearch(deps))
		r.Get("/memories/recent", handleRecent(deps))
		r.Post("/memories/repair", handleRepair(deps))
		r.Get("/stats", handleStats(deps))
	})

	if deps.StaticDir != "" {
		fs := http.StripPrefix("/static/", http.FileServer(http.Dir(deps.StaticDir)))
		r.Handle("/static/*", fs)
		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			http.ServeFile(w, r, filepath.Join(deps.StaticDir, "index.html"))
		})
	}

	return r
}

// allowAllOrigins lets the browser page call the API from any origin.
func allowAllOrigins(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		origin := r.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}
		h.Set("Access-Control-Allow-Origin", origin)
		h.Add("Vary", "Origin")
		h.Set("Access-Control-Allow-Credentials", "true")
		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			if reqHeaders := r.Header.Get("Access-Control-Request-Headers"); reqHeaders != "" {
				h.Set("Access-Control-Allow-Headers", reqHeaders)
			}
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

// parseIntParam reads a positive integer query parameter, falling back to
// defaultVal. A positive maxVal caps the result.
func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
