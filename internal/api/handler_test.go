package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kalambet/recall/internal/embedding"
	"github.com/kalambet/recall/internal/memory"
	"github.com/kalambet/recall/internal/pipeline"
	"github.com/kalambet/recall/internal/storage"
	"github.com/kalambet/recall/internal/vectorindex"
)

const testDim = 32

func newTestService(t *testing.T) (*memory.Service, *storage.Store) {
	t.Helper()
	store, err := storage.Open(":memory:", testDim)
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	svc, err := memory.Open(context.Background(), store, embedding.NewHashEmbedder(testDim), memory.Config{
		Dimension: testDim,
		IndexPath: filepath.Join(t.TempDir(), "memory.idx"),
		IndexKind: vectorindex.KindFlat,
	})
	if err != nil {
		t.Fatalf("opening memory service: %v", err)
	}
	return svc, store
}

func newTestHandler(t *testing.T) (http.Handler, *memory.Service) {
	t.Helper()
	svc, store := newTestService(t)
	return NewHandler(Deps{Memory: svc, Recent: store}), svc
}

// mockMemory lets tests force service failures.
type mockMemory struct {
	MemoryService
	recordFn func(ctx context.Context, prompt, response string) (int64, error)
	searchFn func(ctx context.Context, prompt string, k int) ([]memory.Memory, error)
}

func (m *mockMemory) RecordAndIndex(ctx context.Context, prompt, response string) (int64, error) {
	return m.recordFn(ctx, prompt, response)
}

func (m *mockMemory) RetrieveSimilar(ctx context.Context, prompt string, k int) ([]memory.Memory, error) {
	return m.searchFn(ctx, prompt, k)
}

type mockResponder struct {
	respondFn func(ctx context.Context, prompt string) (pipeline.Result, error)
}

func (m *mockResponder) Respond(ctx context.Context, prompt string) (pipeline.Result, error) {
	return m.respondFn(ctx, prompt)
}

func doRequest(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func errorType(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("decoding error body: %v", err)
	}
	return body.Error.Type
}

func TestHealth(t *testing.T) {
	h, _ := newTestHandler(t)

	rr := doRequest(h, http.MethodGet, "/health", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}

	var body map[string]string
	json.NewDecoder(rr.Body).Decode(&body)
	if body["status"] != "ok" {
		t.Errorf("body = %v, want status=ok", body)
	}
}

func TestRemember_ThenSearch(t *testing.T) {
	h, _ := newTestHandler(t)

	for _, body := range []string{
		`{"prompt":"how do I bake sourdough bread","response":"feed the starter"}`,
		`{"prompt":"best hiking trails near the alps","response":"try the via alpina"}`,
	} {
		rr := doRequest(h, http.MethodPost, "/v1/memories", body)
		if rr.Code != http.StatusOK {
			t.Fatalf("remember status = %d, want %d; body = %s", rr.Code, http.StatusOK, rr.Body.String())
		}
		var resp RememberResponse
		json.NewDecoder(rr.Body).Decode(&resp)
		if resp.ID == 0 || !resp.Indexed {
			t.Errorf("remember response = %+v, want id > 0 and indexed", resp)
		}
	}

	rr := doRequest(h, http.MethodGet, "/v1/memories/search?q=how+do+I+bake+sourdough+bread&k=1", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("search status = %d, want %d; body = %s", rr.Code, http.StatusOK, rr.Body.String())
	}
	var results []MemoryJSON
	if err := json.NewDecoder(rr.Body).Decode(&results); err != nil {
		t.Fatalf("decoding results: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	if results[0].Response != "feed the starter" {
		t.Errorf("top result = %q, want the sourdough conversation", results[0].Prompt)
	}
	if results[0].Distance == nil || *results[0].Distance > 1e-3 {
		t.Errorf("distance = %v, want ~0 for identical prompt", results[0].Distance)
	}
}

func TestSearch_EmptyIndex(t *testing.T) {
	h, _ := newTestHandler(t)

	rr := doRequest(h, http.MethodGet, "/v1/memories/search?q=anything", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}
	if got := strings.TrimSpace(rr.Body.String()); got != "[]" {
		t.Errorf("body = %s, want []", got)
	}
}

func TestSearch_MissingQuery(t *testing.T) {
	h, _ := newTestHandler(t)

	rr := doRequest(h, http.MethodGet, "/v1/memories/search", "")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusBadRequest)
	}
}

func TestRemember_InvalidBody(t *testing.T) {
	h, _ := newTestHandler(t)

	for _, body := range []string{`not json`, `{"response":"no prompt"}`, `{"prompt":"   "}`} {
		rr := doRequest(h, http.MethodPost, "/v1/memories", body)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("body %q: status = %d, want %d", body, rr.Code, http.StatusBadRequest)
		}
	}
}

func TestRemember_ErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		id       int64
		err      error
		wantCode int
		wantType string
	}{
		{"provider", 0, memory.ErrProvider, http.StatusBadGateway, "provider_error"},
		{"dimension", 0, &memory.DimensionError{Got: 3, Want: 4}, http.StatusBadGateway, "dimension_error"},
		{"store", 0, memory.ErrStoreWrite, http.StatusInternalServerError, "storage_error"},
		{"missing record", 0, fmt.Errorf("%w: id 9", memory.ErrRecordMissing), http.StatusInternalServerError, "storage_error"},
		{"other", 0, errors.New("boom"), http.StatusInternalServerError, "api_error"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			mem := &mockMemory{recordFn: func(context.Context, string, string) (int64, error) {
				return tc.id, tc.err
			}}
			h := NewHandler(Deps{Memory: mem})

			rr := doRequest(h, http.MethodPost, "/v1/memories", `{"prompt":"p","response":"r"}`)
			if rr.Code != tc.wantCode {
				t.Fatalf("status = %d, want %d", rr.Code, tc.wantCode)
			}
			if got := errorType(t, rr); got != tc.wantType {
				t.Errorf("error type = %q, want %q", got, tc.wantType)
			}
		})
	}
}

func TestRemember_DegradedWriteIsAccepted(t *testing.T) {
	mem := &mockMemory{recordFn: func(context.Context, string, string) (int64, error) {
		return 7, memory.ErrIndexRebuild
	}}
	h := NewHandler(Deps{Memory: mem})

	rr := doRequest(h, http.MethodPost, "/v1/memories", `{"prompt":"p","response":"r"}`)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusAccepted)
	}
	var resp RememberResponse
	json.NewDecoder(rr.Body).Decode(&resp)
	if resp.ID != 7 || resp.Indexed {
		t.Errorf("response = %+v, want id=7 indexed=false", resp)
	}
}

func TestRememberBatch(t *testing.T) {
	h, svc := newTestHandler(t)

	body := `{"conversations":[
		{"prompt":"first question","response":"first answer"},
		{"prompt":"second question","response":"second answer"},
		{"prompt":"third question","response":"third answer"}
	]}`
	rr := doRequest(h, http.MethodPost, "/v1/memories/batch", body)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d; body = %s", rr.Code, http.StatusOK, rr.Body.String())
	}
	var resp BatchResponse
	json.NewDecoder(rr.Body).Decode(&resp)
	if len(resp.IDs) != 3 || !resp.Indexed {
		t.Fatalf("response = %+v, want 3 indexed ids", resp)
	}
	for i := 1; i < len(resp.IDs); i++ {
		if resp.IDs[i] <= resp.IDs[i-1] {
			t.Errorf("ids not increasing: %v", resp.IDs)
		}
	}

	stats, err := svc.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Records != 3 || stats.IndexEntries != 3 {
		t.Errorf("stats = %+v, want 3 records and 3 index entries", stats)
	}
}

func TestRememberBatch_Validation(t *testing.T) {
	h, svc := newTestHandler(t)

	for _, body := range []string{
		`{"conversations":[]}`,
		`{"conversations":[{"prompt":"ok"},{"prompt":""}]}`,
	} {
		rr := doRequest(h, http.MethodPost, "/v1/memories/batch", body)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("body %s: status = %d, want %d", body, rr.Code, http.StatusBadRequest)
		}
	}

	stats, _ := svc.Stats(context.Background())
	if stats.Records != 0 {
		t.Errorf("records = %d after rejected batches, want 0", stats.Records)
	}
}

func TestRecent(t *testing.T) {
	h, svc := newTestHandler(t)
	ctx := context.Background()
	for _, p := range []string{"one", "two", "three"} {
		if _, err := svc.RecordAndIndex(ctx, p, "answer "+p); err != nil {
			t.Fatalf("RecordAndIndex: %v", err)
		}
	}

	rr := doRequest(h, http.MethodGet, "/v1/memories/recent?limit=2", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}
	var results []MemoryJSON
	json.NewDecoder(rr.Body).Decode(&results)
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	if results[0].Prompt != "three" || results[1].Prompt != "two" {
		t.Errorf("recent = [%q %q], want newest first", results[0].Prompt, results[1].Prompt)
	}
	if results[0].Distance != nil {
		t.Error("recent results should not carry a distance")
	}
}

func TestRecent_Unavailable(t *testing.T) {
	svc, _ := newTestService(t)
	h := NewHandler(Deps{Memory: svc})

	rr := doRequest(h, http.MethodGet, "/v1/memories/recent", "")
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusServiceUnavailable)
	}
}

func TestRepairAndStats(t *testing.T) {
	h, svc := newTestHandler(t)
	if _, err := svc.RecordAndIndex(context.Background(), "hello", "world"); err != nil {
		t.Fatalf("RecordAndIndex: %v", err)
	}

	rr := doRequest(h, http.MethodPost, "/v1/memories/repair", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("repair status = %d, want %d; body = %s", rr.Code, http.StatusOK, rr.Body.String())
	}

	rr = doRequest(h, http.MethodGet, "/v1/stats", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("stats status = %d, want %d", rr.Code, http.StatusOK)
	}
	var stats memory.Stats
	if err := json.NewDecoder(rr.Body).Decode(&stats); err != nil {
		t.Fatalf("decoding stats: %v", err)
	}
	if stats.Records != 1 || stats.IndexEntries != 1 || stats.Dimension != testDim || stats.Stale {
		t.Errorf("stats = %+v", stats)
	}
	if stats.Generation == "" {
		t.Error("stats.Generation is empty")
	}
}

func TestSendPrompt(t *testing.T) {
	svc, _ := newTestService(t)
	var gotPrompt string
	resp := &mockResponder{respondFn: func(_ context.Context, prompt string) (pipeline.Result, error) {
		gotPrompt = prompt
		return pipeline.Result{Response: "You should rest.", RecordedID: 1, Indexed: true}, nil
	}}
	h := NewHandler(Deps{Memory: svc, Responder: resp})

	rr := doRequest(h, http.MethodPost, "/send_prompt/", `{"prompt":"I am tired"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}
	if ct := rr.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("Content-Type = %q, want text/plain", ct)
	}
	if rr.Body.String() != "You should rest." {
		t.Errorf("body = %q, want %q", rr.Body.String(), "You should rest.")
	}
	if gotPrompt != "I am tired" {
		t.Errorf("responder prompt = %q, want %q", gotPrompt, "I am tired")
	}
}

func TestSendPrompt_Errors(t *testing.T) {
	svc, _ := newTestService(t)
	failing := &mockResponder{respondFn: func(context.Context, string) (pipeline.Result, error) {
		return pipeline.Result{}, errors.New("model offline")
	}}

	tests := []struct {
		name      string
		responder Responder
		body      string
		wantCode  int
	}{
		{"no responder", nil, `{"prompt":"hi"}`, http.StatusServiceUnavailable},
		{"invalid body", failing, `{`, http.StatusBadRequest},
		{"empty prompt", failing, `{"prompt":""}`, http.StatusBadRequest},
		{"model failure", failing, `{"prompt":"hi"}`, http.StatusBadGateway},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := NewHandler(Deps{Memory: svc, Responder: tc.responder})
			rr := doRequest(h, http.MethodPost, "/send_prompt/", tc.body)
			if rr.Code != tc.wantCode {
				t.Errorf("status = %d, want %d", rr.Code, tc.wantCode)
			}
		})
	}
}

func TestCORS_Preflight(t *testing.T) {
	h, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodOptions, "/send_prompt/", nil)
	req.Header.Set("Origin", "http://example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")
	req.Header.Set("Access-Control-Request-Headers", "Content-Type")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusNoContent)
	}
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "http://example.com" {
		t.Errorf("Allow-Origin = %q", got)
	}
	if got := rr.Header().Get("Access-Control-Allow-Headers"); got != "Content-Type" {
		t.Errorf("Allow-Headers = %q", got)
	}
}

func TestStatic(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "index.html"), []byte("<html>chat</html>"), 0o644)
	os.WriteFile(filepath.Join(dir, "chat.js"), []byte("console.log(1)"), 0o644)

	svc, _ := newTestService(t)
	h := NewHandler(Deps{Memory: svc, StaticDir: dir})

	rr := doRequest(h, http.MethodGet, "/", "")
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "chat") {
		t.Errorf("GET / = %d %q", rr.Code, rr.Body.String())
	}
	rr = doRequest(h, http.MethodGet, "/static/chat.js", "")
	if rr.Code != http.StatusOK || rr.Body.String() != "console.log(1)" {
		t.Errorf("GET /static/chat.js = %d %q", rr.Code, rr.Body.String())
	}
}

func TestParseIntParam(t *testing.T) {
	tests := []struct {
		query string
		want  int
	}{
		{"", 5},
		{"k=3", 3},
		{"k=0", 0},
		{"k=-1", 5},
		{"k=abc", 5},
		{"k=1000", 100},
	}
	for _, tc := range tests {
		r := httptest.NewRequest(http.MethodGet, "/?"+tc.query, nil)
		if got := parseIntParam(r, "k", 5, 100); got != tc.want {
			t.Errorf("parseIntParam(%q) = %d, want %d", tc.query, got, tc.want)
		}
	}
}
