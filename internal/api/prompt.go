package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
)

type PromptRequest struct {
	Prompt string `json:"prompt"`
}

// handleSendPrompt answers with the model's reply as plain text, which is
// what the bundled chat page expects.
func handleSendPrompt(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Responder == nil {
			httpError(w, http.StatusServiceUnavailable, "api_error", "chat is not configured")
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req PromptRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if strings.TrimSpace(req.Prompt) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "prompt is required")
			return
		}

		res, err := deps.Responder.Respond(r.Context(), req.Prompt)
		if err != nil {
			slog.Error("send_prompt failed", "error", err)
			httpError(w, http.StatusBadGateway, "api_error", "generating response: %v", err)
			return
		}

		slog.Info("send_prompt",
			"memories_used", len(res.MemoriesUsed),
			"recorded_id", res.RecordedID,
			"indexed", res.Indexed,
			"duration_ms", res.DurationMs,
		)
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte(res.Response))
	}
}
