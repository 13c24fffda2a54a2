package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/iimez/llmpool/internal/config"
	"github.com/iimez/llmpool/internal/engine"
	"github.com/iimez/llmpool/internal/engine/enginetest"
	"github.com/iimez/llmpool/internal/metrics"
	"github.com/iimez/llmpool/internal/pool"
	"github.com/iimez/llmpool/internal/store"
)

func testServer(t *testing.T, models map[string]config.ModelConfig) (*Server, func()) {
	t.Helper()
	log := zap.NewNop()
	adapter := &enginetest.Adapter{}
	engines := engine.Registry{"fake": adapter}

	st := store.New(models, 4, log)
	if err := st.Init(engines); err != nil {
		t.Fatalf("store init: %v", err)
	}
	pl := pool.New(pool.Config{Concurrency: 4, TTLSweepSeconds: 60}, models, st, engines, log)

	met := metrics.New()

	cfg := &config.Config{
		Models:  models,
		Cache:   config.CacheConfig{Enabled: true, MaxEntries: 64, TTLSec: 60},
		Metrics: config.MetricsConfig{Enabled: true},
	}

	s := New(cfg, pl, st, met, log)
	return s, func() {
		s.Close()
		pl.Dispose()
	}
}

func chatModel(id string) config.ModelConfig {
	return config.ModelConfig{ID: id, Engine: "fake", Task: config.TaskChat, MaxInstances: 2, TTLSeconds: 300}
}

func textModel(id string) config.ModelConfig {
	return config.ModelConfig{ID: id, Engine: "fake", Task: config.TaskTextCompletion, MaxInstances: 2, TTLSeconds: 300}
}

func embedModel(id string) config.ModelConfig {
	return config.ModelConfig{ID: id, Engine: "fake", Task: config.TaskEmbedding, MaxInstances: 2, TTLSeconds: 300}
}

func doJSON(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestChatCompletions_NonStreaming(t *testing.T) {
	s, cleanup := testServer(t, map[string]config.ModelConfig{"chat-model": chatModel("chat-model")})
	defer cleanup()

	rec := doJSON(t, s, http.MethodPost, "/v1/chat/completions", map[string]any{
		"model":    "chat-model",
		"messages": []map[string]string{{"role": "user", "content": "hello"}},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp chatCompletionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Choices) != 1 || resp.Choices[0].Message.Content != "echo:hello" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if resp.Choices[0].FinishReason == nil || *resp.Choices[0].FinishReason != "stop" {
		t.Fatalf("expected finish_reason stop, got %+v", resp.Choices[0].FinishReason)
	}
	// No temperature was sent, so the request is not cache-eligible and
	// carries no X-Cache header at all.
	if rec.Header().Get("X-Cache") != "" {
		t.Fatalf("expected no X-Cache header without temperature 0, got %q", rec.Header().Get("X-Cache"))
	}
}

// Scenario: a second identical zero-temperature request is served from
// cache instead of dispatching to the engine again.
func TestChatCompletions_CacheHit(t *testing.T) {
	s, cleanup := testServer(t, map[string]config.ModelConfig{"chat-model": chatModel("chat-model")})
	defer cleanup()

	payload := map[string]any{
		"model":       "chat-model",
		"messages":    []map[string]string{{"role": "user", "content": "hello"}},
		"temperature": 0.0,
	}
	first := doJSON(t, s, http.MethodPost, "/v1/chat/completions", payload)
	if first.Code != http.StatusOK {
		t.Fatalf("first request status = %d", first.Code)
	}
	if got := first.Header().Get("X-Cache"); got != "MISS" {
		t.Fatalf("first request X-Cache = %q, want MISS", got)
	}

	second := doJSON(t, s, http.MethodPost, "/v1/chat/completions", payload)
	if second.Code != http.StatusOK {
		t.Fatalf("second request status = %d", second.Code)
	}
	if got := second.Header().Get("X-Cache"); got != "HIT" {
		t.Fatalf("second request X-Cache = %q, want HIT", got)
	}
	if first.Body.String() != second.Body.String() {
		t.Fatalf("cached response body differs from original:\n%s\nvs\n%s", first.Body.String(), second.Body.String())
	}
}

func TestChatCompletions_Streaming(t *testing.T) {
	s, cleanup := testServer(t, map[string]config.ModelConfig{"chat-model": chatModel("chat-model")})
	defer cleanup()

	rec := doJSON(t, s, http.MethodPost, "/v1/chat/completions", map[string]any{
		"model":    "chat-model",
		"messages": []map[string]string{{"role": "user", "content": "hi"}},
		"stream":   true,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content-type = %q, want text/event-stream", ct)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "chat.completion.chunk") {
		t.Fatalf("expected chunk objects in SSE body, got: %s", body)
	}
	if !strings.HasSuffix(body, "data: [DONE]\n\n") {
		t.Fatalf("expected terminal [DONE] event, got: %s", body)
	}
}

func TestCompletions_FinishReasonMaxTokens(t *testing.T) {
	s, cleanup := testServer(t, map[string]config.ModelConfig{"text-model": textModel("text-model")})
	defer cleanup()

	rec := doJSON(t, s, http.MethodPost, "/v1/completions", map[string]any{
		"model":  "text-model",
		"prompt": "once upon a time",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp completionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	// enginetest.Adapter.ProcessTextCompletionTask always returns FinishMaxTokens.
	if resp.Choices[0].FinishReason == nil || *resp.Choices[0].FinishReason != "length" {
		t.Fatalf("expected finish_reason length, got %+v", resp.Choices[0].FinishReason)
	}
}

func TestEmbeddings_AlwaysCacheable(t *testing.T) {
	s, cleanup := testServer(t, map[string]config.ModelConfig{"embed-model": embedModel("embed-model")})
	defer cleanup()

	payload := map[string]any{"model": "embed-model", "input": []string{"hello world"}}
	first := doJSON(t, s, http.MethodPost, "/v1/embeddings", payload)
	if first.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", first.Code, first.Body.String())
	}
	if got := first.Header().Get("X-Cache"); got != "MISS" {
		t.Fatalf("X-Cache = %q, want MISS", got)
	}
	second := doJSON(t, s, http.MethodPost, "/v1/embeddings", payload)
	if got := second.Header().Get("X-Cache"); got != "HIT" {
		t.Fatalf("X-Cache = %q, want HIT", got)
	}

	var resp embeddingResponse
	if err := json.Unmarshal(second.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Data) != 1 || len(resp.Data[0].Embedding) == 0 {
		t.Fatalf("unexpected embedding response: %+v", resp)
	}
}

// Scenario: input sent as a bare string instead of an array is accepted,
// matching the OpenAI embeddings endpoint's leniency.
func TestEmbeddings_BareStringInput(t *testing.T) {
	s, cleanup := testServer(t, map[string]config.ModelConfig{"embed-model": embedModel("embed-model")})
	defer cleanup()

	rec := doJSON(t, s, http.MethodPost, "/v1/embeddings", map[string]any{"model": "embed-model", "input": "hello"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
}

func TestUnknownModel_Returns404(t *testing.T) {
	s, cleanup := testServer(t, map[string]config.ModelConfig{"chat-model": chatModel("chat-model")})
	defer cleanup()

	rec := doJSON(t, s, http.MethodPost, "/v1/chat/completions", map[string]any{
		"model":    "does-not-exist",
		"messages": []map[string]string{{"role": "user", "content": "hi"}},
	})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestTaskKindMismatch_Returns400(t *testing.T) {
	s, cleanup := testServer(t, map[string]config.ModelConfig{"embed-model": embedModel("embed-model")})
	defer cleanup()

	rec := doJSON(t, s, http.MethodPost, "/v1/chat/completions", map[string]any{
		"model":    "embed-model",
		"messages": []map[string]string{{"role": "user", "content": "hi"}},
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestModelsList(t *testing.T) {
	s, cleanup := testServer(t, map[string]config.ModelConfig{"chat-model": chatModel("chat-model")})
	defer cleanup()

	rec := doJSON(t, s, http.MethodGet, "/v1/models", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp modelsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Data) != 1 || resp.Data[0].ID != "chat-model" {
		t.Fatalf("unexpected models list: %+v", resp)
	}
}

func TestAdminStatusLoadUnloadGPU(t *testing.T) {
	s, cleanup := testServer(t, map[string]config.ModelConfig{"chat-model": chatModel("chat-model")})
	defer cleanup()

	if rec := doJSON(t, s, http.MethodGet, "/admin/status", nil); rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec := doJSON(t, s, http.MethodPost, "/admin/load", map[string]string{"model": "chat-model"}); rec.Code != http.StatusOK {
		t.Fatalf("load status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if rec := doJSON(t, s, http.MethodPost, "/admin/unload", map[string]string{"model": "chat-model"}); rec.Code != http.StatusOK {
		t.Fatalf("unload status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if rec := doJSON(t, s, http.MethodGet, "/admin/gpu", nil); rec.Code != http.StatusOK {
		t.Fatalf("gpu status = %d", rec.Code)
	}
}

func TestChatCompletions_StreamIncludeUsage(t *testing.T) {
	s, cleanup := testServer(t, map[string]config.ModelConfig{"chat-model": chatModel("chat-model")})
	defer cleanup()

	rec := doJSON(t, s, http.MethodPost, "/v1/chat/completions", map[string]any{
		"model":          "chat-model",
		"messages":       []map[string]string{{"role": "user", "content": "hi"}},
		"stream":         true,
		"stream_options": map[string]any{"include_usage": true},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "total_tokens") {
		t.Fatalf("expected usage in the final chunk, got: %s", rec.Body.String())
	}
}

func TestAdminTTLOverride(t *testing.T) {
	s, cleanup := testServer(t, map[string]config.ModelConfig{"chat-model": chatModel("chat-model")})
	defer cleanup()

	if rec := doJSON(t, s, http.MethodPost, "/admin/ttl", map[string]any{"model": "chat-model", "ttl_sec": 30}); rec.Code != http.StatusOK {
		t.Fatalf("ttl status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if rec := doJSON(t, s, http.MethodPost, "/admin/ttl", map[string]any{"model": "nope", "ttl_sec": 30}); rec.Code != http.StatusNotFound {
		t.Fatalf("ttl for unknown model status = %d, want 404", rec.Code)
	}
}

func TestAdminReload(t *testing.T) {
	s, cleanup := testServer(t, map[string]config.ModelConfig{"chat-model": chatModel("chat-model")})
	defer cleanup()

	if rec := doJSON(t, s, http.MethodPost, "/admin/reload", nil); rec.Code != http.StatusNotImplemented {
		t.Fatalf("reload without a callback status = %d, want 501", rec.Code)
	}

	called := false
	s.SetReloadFunc(func() error { called = true; return nil })
	if rec := doJSON(t, s, http.MethodPost, "/admin/reload", nil); rec.Code != http.StatusOK {
		t.Fatalf("reload status = %d", rec.Code)
	}
	if !called {
		t.Fatalf("expected the reload callback to be invoked")
	}
}

func TestAdminCancel_UnknownTask(t *testing.T) {
	s, cleanup := testServer(t, map[string]config.ModelConfig{"chat-model": chatModel("chat-model")})
	defer cleanup()

	if rec := doJSON(t, s, http.MethodPost, "/admin/cancel", map[string]string{"task_id": "task_nope"}); rec.Code != http.StatusNotFound {
		t.Fatalf("cancel status = %d, want 404", rec.Code)
	}
}

func TestHealth(t *testing.T) {
	s, cleanup := testServer(t, map[string]config.ModelConfig{})
	defer cleanup()

	rec := doJSON(t, s, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}
