package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/iimez/llmpool/internal/cache"
	"github.com/iimez/llmpool/internal/config"
	"github.com/iimez/llmpool/internal/instance"
	"github.com/iimez/llmpool/internal/request"
)

func (s *Server) handleEmbeddings(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	body, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON in request body")
		return
	}
	req := embeddingRequest{}
	if m, ok := raw["model"].(string); ok {
		req.Model = m
	}
	// input may arrive as a JSON array (the typical case, unmarshaled
	// normally) or a bare string (OpenAI's single-input leniency, handled by
	// normalizeInput) -- decoding straight into req.Input would reject the
	// latter with a type-mismatch error before normalizeInput ever ran.
	if arr, ok := raw["input"].([]any); ok {
		for _, v := range arr {
			if s, ok := v.(string); ok {
				req.Input = append(req.Input, s)
			}
		}
	}
	req.normalizeInput(raw)

	if req.Model == "" {
		writeError(w, http.StatusBadRequest, "model field is required")
		return
	}
	if len(req.Input) == 0 {
		writeError(w, http.StatusBadRequest, "input field is required")
		return
	}
	modelCfg, ok := s.resolveModel(req.Model)
	if !ok {
		writeError(w, http.StatusNotFound, "model \""+req.Model+"\" not found")
		return
	}
	if modelCfg.Task != config.TaskEmbedding {
		writeError(w, http.StatusBadRequest, "model \""+req.Model+"\" does not serve embeddings")
		return
	}

	fingerprint := instance.Fingerprint(modelCfg)
	canonical := cache.CanonicalJSON(struct {
		Input []string `json:"input"`
	}{req.Input})
	// Embeddings have no sampling/temperature concept; they are always
	// deterministic and non-streaming, so they're always cache-eligible.
	cacheKey, cacheable := cache.Key(fingerprint, canonical, map[string]any{"temperature": 0.0}, false)

	if cacheable {
		if cached, hit := s.embedCache.Get(cacheKey); hit {
			s.metrics.ObserveCache("embedding", true)
			w.Header().Set("X-Cache", "HIT")
			writeJSON(w, http.StatusOK, cached)
			return
		}
		s.metrics.ObserveCache("embedding", false)
	}

	intReq := &request.Request{
		Model:       modelCfg.ID,
		Task:        config.TaskEmbedding,
		Embedding:   &request.EmbeddingPayload{Input: req.Input},
		AbortSignal: r.Context(),
	}

	lease, err := s.pool.RequestInstance(r.Context(), intReq)
	if err != nil {
		s.recordOutcome(modelCfg.ID, "embedding", start, err)
		writeEngineError(w, err)
		return
	}
	defer func() {
		lease.Release()
		s.refreshGauges()
	}()

	handle, err := lease.Instance.ProcessEmbeddingTask(r.Context(), intReq.Timeout, req.Input)
	if err != nil {
		s.recordOutcome(modelCfg.ID, "embedding", start, err)
		writeEngineError(w, err)
		return
	}
	s.pool.RegisterTask(handle.ID, modelCfg.ID, handle.Cancel)
	result, err := handle.Result(r.Context())
	if err != nil {
		s.recordOutcome(modelCfg.ID, "embedding", start, err)
		writeEngineError(w, err)
		return
	}

	data := make([]embeddingItem, len(result.Vectors))
	for i, v := range result.Vectors {
		data[i] = embeddingItem{Object: "embedding", Index: i, Embedding: v}
	}
	resp := embeddingResponse{Object: "list", Model: modelCfg.ID, Data: data}

	if cacheable {
		s.embedCache.Set(cacheKey, resp)
		w.Header().Set("X-Cache", "MISS")
	}

	s.recordOutcome(modelCfg.ID, "embedding", start, nil)
	writeJSON(w, http.StatusOK, resp)
}
