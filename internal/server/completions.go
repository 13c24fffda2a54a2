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

func (s *Server) handleCompletions(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	body, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	var req completionRequest
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
	if modelCfg.Task != config.TaskTextCompletion {
		writeError(w, http.StatusBadRequest, "model \""+req.Model+"\" does not serve text completions")
		return
	}

	sampling := extractSampling(raw)

	fingerprint := instance.Fingerprint(modelCfg)
	canonical := cache.CanonicalJSON(struct {
		Prompt   string         `json:"prompt"`
		Sampling map[string]any `json:"sampling"`
	}{req.Prompt, sampling})
	cacheKey, cacheable := cache.Key(fingerprint, canonical, sampling, req.Stream)

	if cacheable {
		if cached, hit := s.textCache.Get(cacheKey); hit {
			s.metrics.ObserveCache("text-completion", true)
			w.Header().Set("X-Cache", "HIT")
			writeJSON(w, http.StatusOK, cached)
			return
		}
		s.metrics.ObserveCache("text-completion", false)
	}

	intReq := &request.Request{
		Model:       modelCfg.ID,
		Task:        config.TaskTextCompletion,
		Text:        &request.TextPayload{Prompt: req.Prompt, Stream: req.Stream, Sampling: sampling},
		AbortSignal: r.Context(),
	}

	lease, err := s.pool.RequestInstance(r.Context(), intReq)
	if err != nil {
		s.recordOutcome(modelCfg.ID, "text-completion", start, err)
		writeEngineError(w, err)
		return
	}
	defer func() {
		lease.Release()
		s.refreshGauges()
	}()

	if req.Stream {
		s.streamCompletion(r.Context(), w, lease.Instance, modelCfg.ID, req.Prompt)
		s.recordOutcome(modelCfg.ID, "text-completion", start, nil)
		return
	}

	handle, err := lease.Instance.ProcessTextCompletionTask(r.Context(), intReq.Timeout, req.Prompt, nil)
	if err != nil {
		s.recordOutcome(modelCfg.ID, "text-completion", start, err)
		writeEngineError(w, err)
		return
	}
	s.pool.RegisterTask(handle.ID, modelCfg.ID, handle.Cancel)
	result, err := handle.Result(r.Context())
	if err != nil {
		s.recordOutcome(modelCfg.ID, "text-completion", start, err)
		writeEngineError(w, err)
		return
	}

	reason := finishReasonString(string(result.FinishReason))
	resp := completionResponse{
		ID:      "cmpl-" + uuid.NewString(),
		Object:  "text_completion",
		Created: time.Now().Unix(),
		Model:   modelCfg.ID,
		Choices: []completionChoice{{Index: 0, Text: result.Text, FinishReason: &reason}},
		Usage: &usage{
			PromptTokens:     result.PromptTokens,
			CompletionTokens: result.CompletionTokens,
			TotalTokens:      result.PromptTokens + result.CompletionTokens,
		},
	}

	if cacheable {
		s.textCache.Set(cacheKey, resp)
		w.Header().Set("X-Cache", "MISS")
	}

	s.recordOutcome(modelCfg.ID, "text-completion", start, nil)
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) streamCompletion(ctx context.Context, w http.ResponseWriter, inst *instance.Instance, modelID, prompt string) {
	sw, ok := newSSEWriter(w)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported by this response writer")
		return
	}

	id := "cmpl-" + uuid.NewString()
	created := time.Now().Unix()

	onChunk := func(chunk engine.TaskChunk) {
		sw.send(completionResponse{
			ID:      id,
			Object:  "text_completion",
			Created: created,
			Model:   modelID,
			Choices: []completionChoice{{Index: 0, Text: chunk.Text}},
		})
	}

	handle, err := inst.ProcessTextCompletionTask(ctx, 0, prompt, onChunk)
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
	sw.send(completionResponse{
		ID:      id,
		Object:  "text_completion",
		Created: created,
		Model:   modelID,
		Choices: []completionChoice{{Index: 0, FinishReason: &reason}},
	})
	sw.done()
}
