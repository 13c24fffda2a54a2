package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/iimez/llmpool/internal/cache"
	"github.com/iimez/llmpool/internal/config"
	"github.com/iimez/llmpool/internal/engine"
	"github.com/iimez/llmpool/internal/instance"
	"github.com/iimez/llmpool/internal/request"
)

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	body, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	var req chatCompletionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON in request body")
		return
	}
	var raw map[string]any
	json.Unmarshal(body, &raw)

	if req.Model == "" {
		writeError(w, http.StatusBadRequest, "model field is required")
		return
	}
	modelCfg, ok := s.resolveModel(req.Model)
	if !ok {
		writeError(w, http.StatusNotFound, "model \""+req.Model+"\" not found")
		return
	}
	if modelCfg.Task != config.TaskChat {
		writeError(w, http.StatusBadRequest, "model \""+req.Model+"\" does not serve chat completions")
		return
	}

	sampling := extractSampling(raw)

	fingerprint := instance.Fingerprint(modelCfg)
	canonical := cache.CanonicalJSON(struct {
		Messages []chatMessage  `json:"messages"`
		Sampling map[string]any `json:"sampling"`
	}{req.Messages, sampling})
	cacheKey, cacheable := cache.Key(fingerprint, canonical, sampling, req.Stream)

	if cacheable {
		if cached, hit := s.chatCache.Get(cacheKey); hit {
			s.metrics.ObserveCache("chat", true)
			w.Header().Set("X-Cache", "HIT")
			writeJSON(w, http.StatusOK, cached)
			return
		}
		s.metrics.ObserveCache("chat", false)
	}

	messages := make([]request.ChatMessage, len(req.Messages))
	engMessages := make([]engine.ChatMessageIn, len(req.Messages))
	for i, m := range req.Messages {
		messages[i] = request.ChatMessage{Role: m.Role, Content: m.Content}
		engMessages[i] = engine.ChatMessageIn{Role: m.Role, Content: m.Content}
	}

	intReq := &request.Request{
		Model:       modelCfg.ID,
		Task:        config.TaskChat,
		Chat:        &request.ChatPayload{Messages: messages, Stream: req.Stream, Sampling: sampling},
		AbortSignal: r.Context(),
	}

	lease, err := s.pool.RequestInstance(r.Context(), intReq)
	if err != nil {
		s.recordOutcome(modelCfg.ID, "chat", start, err)
		writeEngineError(w, err)
		return
	}
	defer func() {
		lease.Release()
		s.refreshGauges()
	}()

	if req.Stream {
		includeUsage := req.StreamOptions != nil && req.StreamOptions.IncludeUsage
		s.streamChat(r.Context(), w, lease.Instance, modelCfg.ID, engMessages, includeUsage)
		s.recordOutcome(modelCfg.ID, "chat", start, nil)
		return
	}

	handle, err := lease.Instance.ProcessChatCompletionTask(r.Context(), intReq.Timeout, engMessages, nil)
	if err != nil {
		s.recordOutcome(modelCfg.ID, "chat", start, err)
		writeEngineError(w, err)
		return
	}
	s.pool.RegisterTask(handle.ID, modelCfg.ID, handle.Cancel)
	result, err := handle.Result(r.Context())
	if err != nil {
		s.recordOutcome(modelCfg.ID, "chat", start, err)
		writeEngineError(w, err)
		return
	}

	reason := finishReasonString(string(result.FinishReason))
	resp := chatCompletionResponse{
		ID:      "chatcmpl-" + uuid.NewString(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   modelCfg.ID,
		Choices: []chatCompletionChoice{{
			Index:        0,
			Message:      chatMessage{Role: result.Message.Role, Content: result.Message.Content},
			FinishReason: &reason,
		}},
		Usage: &usage{
			PromptTokens:     result.PromptTokens,
			CompletionTokens: result.CompletionTokens,
			TotalTokens:      result.PromptTokens + result.CompletionTokens,
		},
	}

	if cacheable {
		s.chatCache.Set(cacheKey, resp)
		w.Header().Set("X-Cache", "MISS")
	}

	s.recordOutcome(modelCfg.ID, "chat", start, nil)
	writeJSON(w, http.StatusOK, resp)
}

// streamChat drives a chat task to completion, forwarding each engine chunk
// as an SSE delta and a final chunk carrying finish_reason (plus token
// counts when the client asked for stream_options.include_usage).
func (s *Server) streamChat(ctx context.Context, w http.ResponseWriter, inst *instance.Instance, modelID string, messages []engine.ChatMessageIn, includeUsage bool) {
	sw, ok := newSSEWriter(w)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported by this response writer")
		return
	}

	id := "chatcmpl-" + uuid.NewString()
	created := time.Now().Unix()

	onChunk := func(chunk engine.TaskChunk) {
		sw.send(chatCompletionResponse{
			ID:      id,
			Object:  "chat.completion.chunk",
			Created: created,
			Model:   modelID,
			Choices: []chatCompletionChoice{{Index: 0, Delta: chatMessage{Content: chunk.Text}}},
		})
	}

	handle, err := inst.ProcessChatCompletionTask(ctx, 0, messages, onChunk)
	if err != nil {
		sw.send(openaiError{Error: openaiErrorBody{Message: err.Error(), Type: "engine_error"}})
		sw.done()
		return
	}
	s.pool.RegisterTask(handle.ID, modelID, handle.Cancel)
	result, err := handle.Result(ctx)
	if err != nil {
		sw.send(openaiError{Error: openaiErrorBody{Message: err.Error(), Type: "engine_error"}})
		sw.done()
		return
	}

	reason := finishReasonString(string(result.FinishReason))
	final := chatCompletionResponse{
		ID:      id,
		Object:  "chat.completion.chunk",
		Created: created,
		Model:   modelID,
		Choices: []chatCompletionChoice{{Index: 0, FinishReason: &reason}},
	}
	if includeUsage {
		final.Usage = &usage{
			PromptTokens:     result.PromptTokens,
			CompletionTokens: result.CompletionTokens,
			TotalTokens:      result.PromptTokens + result.CompletionTokens,
		}
	}
	sw.send(final)
	sw.done()
}
