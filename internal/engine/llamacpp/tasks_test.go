package llamacpp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"

	"github.com/iimez/llmpool/internal/config"
	"github.com/iimez/llmpool/internal/engine"
)

// fakeServerProcess points a serverProcess at an httptest.Server standing in
// for a real llama-server, so ProcessChatCompletionTask/etc. can be
// exercised without spawning a subprocess.
func fakeServerProcess(t *testing.T, srv *httptest.Server) *serverProcess {
	t.Helper()
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parse httptest URL: %v", err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}
	return &serverProcess{port: port, client: srv.Client(), crashed: make(chan struct{})}
}

func TestProcessChatCompletionTask_NonStreaming(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(wireResponse{
			Choices: []wireChoice{{Message: wireMessage{Role: "assistant", Content: "hi there"}, FinishReason: "stop"}},
			Usage:   wireUsage{PromptTokens: 3, CompletionTokens: 2},
		})
	}))
	defer srv.Close()

	a := &Adapter{}
	proc := fakeServerProcess(t, srv)
	res, err := a.ProcessChatCompletionTask(context.Background(), engine.ChatArgs{
		TaskArgs: engine.TaskArgs{Config: config.ModelConfig{ID: "m"}},
		Messages: []engine.ChatMessageIn{{Role: "user", Content: "hello"}},
	}, proc)
	if err != nil {
		t.Fatalf("ProcessChatCompletionTask: %v", err)
	}
	if res.Message.Content != "hi there" {
		t.Fatalf("content = %q", res.Message.Content)
	}
	if res.FinishReason != engine.FinishEOGToken {
		t.Fatalf("finish reason = %q", res.FinishReason)
	}
	if res.PromptTokens != 3 || res.CompletionTokens != 2 {
		t.Fatalf("unexpected token counts: %+v", res)
	}
}

func TestProcessChatCompletionTask_Streaming(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte("data: " + mustJSON(wireResponse{Choices: []wireChoice{{Delta: wireDelta{Content: "hi"}}}}) + "\n\n"))
		flusher.Flush()
		w.Write([]byte("data: " + mustJSON(wireResponse{Choices: []wireChoice{{FinishReason: "length"}}}) + "\n\n"))
		flusher.Flush()
		w.Write([]byte("data: [DONE]\n\n"))
		flusher.Flush()
	}))
	defer srv.Close()

	a := &Adapter{}
	proc := fakeServerProcess(t, srv)
	var chunks []string
	res, err := a.ProcessChatCompletionTask(context.Background(), engine.ChatArgs{
		TaskArgs: engine.TaskArgs{
			Config:  config.ModelConfig{ID: "m"},
			OnChunk: func(c engine.TaskChunk) { chunks = append(chunks, c.Text) },
		},
		Messages: []engine.ChatMessageIn{{Role: "user", Content: "hello"}},
	}, proc)
	if err != nil {
		t.Fatalf("ProcessChatCompletionTask: %v", err)
	}
	if len(chunks) != 1 || chunks[0] != "hi" {
		t.Fatalf("unexpected chunks: %v", chunks)
	}
	if res.Message.Content != "hi" {
		t.Fatalf("expected the result to carry the accumulated stream text, got %q", res.Message.Content)
	}
	if res.FinishReason != engine.FinishMaxTokens {
		t.Fatalf("finish reason = %q", res.FinishReason)
	}
}

func TestProcessEmbeddingTask(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(embeddingWireResponse{Data: []embeddingWireItem{{Embedding: []float32{0.1, 0.2}}}})
	}))
	defer srv.Close()

	a := &Adapter{}
	proc := fakeServerProcess(t, srv)
	res, err := a.ProcessEmbeddingTask(context.Background(), engine.EmbeddingArgs{Input: []string{"hello"}}, proc)
	if err != nil {
		t.Fatalf("ProcessEmbeddingTask: %v", err)
	}
	if len(res.Vectors) != 1 || len(res.Vectors[0]) != 2 {
		t.Fatalf("unexpected vectors: %+v", res.Vectors)
	}
}

func TestIsRetryable(t *testing.T) {
	a := &Adapter{}
	if a.IsRetryable(nil) != true {
		t.Fatalf("nil error should be treated as retryable")
	}
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(b)
}
