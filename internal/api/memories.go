package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/kalambet/recall/internal/memory"
	"github.com/kalambet/recall/internal/storage"
)

const maxBatchSize = 1000

type RememberRequest struct {
	Prompt   string `json:"prompt"`
	Response string `json:"response"`
}

type RememberResponse struct {
	ID      int64 `json:"id"`
	Indexed bool  `json:"indexed"`
}

type BatchRequest struct {
	Conversations []RememberRequest `json:"conversations"`
}

type BatchResponse struct {
	IDs     []int64 `json:"ids"`
	Indexed bool    `json:"indexed"`
}

// MemoryJSON is the wire form of a stored conversation. Distance is only
// set on search results.
type MemoryJSON struct {
	ID        int64     `json:"id"`
	Prompt    string    `json:"prompt"`
	Response  string    `json:"response"`
	CreatedAt time.Time `json:"created_at"`
	Distance  *float32  `json:"distance,omitempty"`
}

func toMemoryJSON(c storage.Conversation) MemoryJSON {
	return MemoryJSON{ID: c.ID, Prompt: c.Prompt, Response: c.Response, CreatedAt: c.CreatedAt}
}

func handleRemember(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req RememberRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if strings.TrimSpace(req.Prompt) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "prompt is required")
			return
		}

		id, err := deps.Memory.RecordAndIndex(r.Context(), req.Prompt, req.Response)
		if errors.Is(err, memory.ErrIndexRebuild) {
			slog.Warn("remember: stored but not indexed", "id", id, "error", err)
			writeJSON(w, http.StatusAccepted, RememberResponse{ID: id, Indexed: false})
			return
		}
		if err != nil {
			memoryError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, RememberResponse{ID: id, Indexed: true})
	}
}

func handleRememberBatch(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBatchBodySize)
		defer r.Body.Close()

		var req BatchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if len(req.Conversations) == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "conversations must not be empty")
			return
		}
		if len(req.Conversations) > maxBatchSize {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "at most %d conversations per batch", maxBatchSize)
			return
		}

		pairs := make([]memory.Pair, len(req.Conversations))
		for i, c := range req.Conversations {
			if strings.TrimSpace(c.Prompt) == "" {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "conversations[%d]: prompt is required", i)
				return
			}
			pairs[i] = memory.Pair{Prompt: c.Prompt, Response: c.Response}
		}

		ids, err := deps.Memory.RecordBatch(r.Context(), pairs)
		if errors.Is(err, memory.ErrIndexRebuild) {
			slog.Warn("remember batch: stored but not indexed", "count", len(ids), "error", err)
			writeJSON(w, http.StatusAccepted, BatchResponse{IDs: ids, Indexed: false})
			return
		}
		if err != nil {
			memoryError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, BatchResponse{IDs: ids, Indexed: true})
	}
}

func handleSearch(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query().Get("q")
		if strings.TrimSpace(q) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "q is required")
			return
		}
		k := parseIntParam(r, "k", deps.TopK, 100)

		memories, err := deps.Memory.RetrieveSimilar(r.Context(), q, k)
		if err != nil {
			memoryError(w, err)
			return
		}

		results := make([]MemoryJSON, len(memories))
		for i, m := range memories {
			results[i] = toMemoryJSON(m.Conversation)
			results[i].Distance = &m.Distance
		}
		writeJSON(w, http.StatusOK, results)
	}
}

func handleRecent(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Recent == nil {
			httpError(w, http.StatusServiceUnavailable, "api_error", "recent listing not available")
			return
		}
		limit := parseIntParam(r, "limit", 20, 100)

		convs, err := deps.Recent.ListRecent(r.Context(), limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list conversations: %v", err)
			return
		}
		results := make([]MemoryJSON, len(convs))
		for i, c := range convs {
			results[i] = toMemoryJSON(c)
		}
		writeJSON(w, http.StatusOK, results)
	}
}

func handleRepair(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := deps.Memory.Repair(r.Context())
		if err != nil {
			memoryError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, stats)
	}
}

func handleStats(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := deps.Memory.Stats(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to read stats: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, stats)
	}
}

// memoryError maps memory service failures to HTTP statuses.
func memoryError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, memory.ErrProvider):
		httpError(w, http.StatusBadGateway, "provider_error", "%v", err)
	case errors.Is(err, memory.ErrDimensionMismatch):
		httpError(w, http.StatusBadGateway, "dimension_error", "%v", err)
	case errors.Is(err, memory.ErrStoreWrite), errors.Is(err, memory.ErrRecordMissing):
		httpError(w, http.StatusInternalServerError, "storage_error", "%v", err)
	case errors.Is(err, memory.ErrIndexRebuild):
		httpError(w, http.StatusServiceUnavailable, "index_error", "%v", err)
	default:
		httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
	}
}
