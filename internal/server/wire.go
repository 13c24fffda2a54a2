package server

import "github.com/iimez/llmpool/internal/config"

// The wire types below are the OpenAI-compatible JSON shapes the server
// translates to/from internal request.Request values. Sampling/grammar/tool
// fields that the core treats opaquely are captured as a raw map rather
// than named fields, so new sampling knobs don't require a wire-type
// change.

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type chatCompletionRequest struct {
	Model         string         `json:"model"`
	Messages      []chatMessage  `json:"messages"`
	Stream        bool           `json:"stream"`
	StreamOptions *streamOptions `json:"stream_options"`
}

type chatCompletionChoice struct {
	Index        int         `json:"index"`
	Message      chatMessage `json:"message,omitempty"`
	Delta        chatMessage `json:"delta,omitempty"`
	FinishReason *string     `json:"finish_reason"`
}

type usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type chatCompletionResponse struct {
	ID      string                 `json:"id"`
	Object  string                 `json:"object"`
	Created int64                  `json:"created"`
	Model   string                 `json:"model"`
	Choices []chatCompletionChoice `json:"choices"`
	Usage   *usage                 `json:"usage,omitempty"`
}

type completionRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type completionChoice struct {
	Index        int     `json:"index"`
	Text         string  `json:"text"`
	FinishReason *string `json:"finish_reason"`
}

type completionResponse struct {
	ID      string             `json:"id"`
	Object  string             `json:"object"`
	Created int64              `json:"created"`
	Model   string             `json:"model"`
	Choices []completionChoice `json:"choices"`
	Usage   *usage             `json:"usage,omitempty"`
}

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

// normalizeInput fills Input from an `"input"` field that the client sent as
// a bare string instead of an array, matching the OpenAI embeddings
// endpoint's leniency.
func (e *embeddingRequest) normalizeInput(raw map[string]any) {
	if len(e.Input) > 0 {
		return
	}
	if s, ok := raw["input"].(string); ok && s != "" {
		e.Input = []string{s}
	}
}

type embeddingItem struct {
	Object    string    `json:"object"`
	Index     int       `json:"index"`
	Embedding []float32 `json:"embedding"`
}

type embeddingResponse struct {
	Object string          `json:"object"`
	Model  string          `json:"model"`
	Data   []embeddingItem `json:"data"`
	Usage  *usage          `json:"usage,omitempty"`
}

type modelItem struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	OwnedBy string `json:"owned_by"`
}

type modelsResponse struct {
	Object string      `json:"object"`
	Data   []modelItem `json:"data"`
}

func listModels(cfg *config.Config) modelsResponse {
	out := modelsResponse{Object: "list"}
	for id := range cfg.Models {
		out.Data = append(out.Data, modelItem{ID: id, Object: "model", OwnedBy: "llmpool"})
	}
	return out
}

// finishReasonString maps an instance.FinishReason to the OpenAI string:
// maxTokens->length, toolCalls->tool_calls, and everything else
// (eogToken, stopTrigger, timeout, cancel, abort) ->stop.
func finishReasonString(fr string) string {
	switch fr {
	case "maxTokens":
		return "length"
	case "toolCalls":
		return "tool_calls"
	default:
		return "stop"
	}
}
