package llamacpp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/iimez/llmpool/internal/engine"
)

// wireMessage/wireChoice/wireResponse mirror the subset of llama-server's
// OpenAI-compatible chat/completion response shape this adapter reads back:
// just enough to populate engine.ChatResult/TextResult. Every other field of
// the payload is ignored.
type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type wireDelta struct {
	Content string `json:"content"`
}

type wireChoice struct {
	Message      wireMessage `json:"message"`
	Delta        wireDelta   `json:"delta"`
	Text         string      `json:"text"`
	FinishReason string      `json:"finish_reason"`
}

type wireUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

type wireResponse struct {
	Choices []wireChoice `json:"choices"`
	Usage   wireUsage    `json:"usage"`
}

func mapFinishReason(s string) engine.FinishReason {
	switch s {
	case "length":
		return engine.FinishMaxTokens
	case "tool_calls":
		return engine.FinishToolCalls
	default:
		return engine.FinishEOGToken
	}
}

// postJSON issues a streaming POST against the instance's own llama-server
// and invokes onLine for every `data: ` payload line. The stream is parsed
// locally rather than re-streamed raw; internal/server owns the
// client-facing SSE framing.
func postJSON(ctx context.Context, proc *serverProcess, path string, body any, onLine func([]byte) error) (*wireResponse, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, proc.baseURL()+path, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := proc.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("llama-server returned %d: %s", resp.StatusCode, string(errBody))
	}

	if onLine == nil {
		var out wireResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return nil, fmt.Errorf("decoding llama-server response: %w", err)
		}
		return &out, nil
	}

	var last wireResponse
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if payload == "[DONE]" {
			break
		}
		var chunk wireResponse
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			continue
		}
		if err := onLine([]byte(payload)); err != nil {
			return nil, err
		}
		last = chunk
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return &last, nil
}

// ProcessChatCompletionTask implements engine.ChatProcessor by proxying to
// llama-server's own /v1/chat/completions.
func (a *Adapter) ProcessChatCompletionTask(ctx context.Context, args engine.ChatArgs, handle engine.Handle) (engine.ChatResult, error) {
	proc, ok := handle.(*serverProcess)
	if !ok {
		return engine.ChatResult{}, fmt.Errorf("llamacpp: unexpected handle type %T", handle)
	}

	messages := make([]wireMessage, len(args.Messages))
	for i, m := range args.Messages {
		messages[i] = wireMessage{Role: m.Role, Content: m.Content}
	}
	body := map[string]any{"messages": messages, "stream": args.OnChunk != nil}
	for k, v := range args.Config.Defaults.Sampling {
		body[k] = v
	}

	// Streamed responses deliver the assistant text as deltas; accumulate
	// them so the returned result carries the full message, not just the
	// final chunk.
	var accumulated strings.Builder
	var onLine func([]byte) error
	if args.OnChunk != nil {
		onLine = func(raw []byte) error {
			var chunk wireResponse
			if err := json.Unmarshal(raw, &chunk); err != nil {
				return nil
			}
			if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
				accumulated.WriteString(chunk.Choices[0].Delta.Content)
				args.OnChunk(engine.TaskChunk{Text: chunk.Choices[0].Delta.Content})
			}
			return nil
		}
	}

	resp, err := postJSON(ctx, proc, "/v1/chat/completions", body, onLine)
	if err != nil {
		return engine.ChatResult{}, err
	}
	if len(resp.Choices) == 0 {
		return engine.ChatResult{}, fmt.Errorf("llamacpp: empty choices in response")
	}
	choice := resp.Choices[0]
	content := choice.Message.Content
	if content == "" {
		content = accumulated.String()
	}
	return engine.ChatResult{
		Message:          engine.ChatMessageOut{Role: "assistant", Content: content},
		FinishReason:     mapFinishReason(choice.FinishReason),
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
	}, nil
}

// ProcessTextCompletionTask implements engine.TextProcessor by proxying to
// llama-server's own /v1/completions.
func (a *Adapter) ProcessTextCompletionTask(ctx context.Context, args engine.TextArgs, handle engine.Handle) (engine.TextResult, error) {
	proc, ok := handle.(*serverProcess)
	if !ok {
		return engine.TextResult{}, fmt.Errorf("llamacpp: unexpected handle type %T", handle)
	}

	body := map[string]any{"prompt": args.Prompt, "stream": args.OnChunk != nil}
	for k, v := range args.Config.Defaults.Sampling {
		body[k] = v
	}

	var accumulated strings.Builder
	var onLine func([]byte) error
	if args.OnChunk != nil {
		onLine = func(raw []byte) error {
			var chunk wireResponse
			if err := json.Unmarshal(raw, &chunk); err != nil {
				return nil
			}
			if len(chunk.Choices) > 0 && chunk.Choices[0].Text != "" {
				accumulated.WriteString(chunk.Choices[0].Text)
				args.OnChunk(engine.TaskChunk{Text: chunk.Choices[0].Text})
			}
			return nil
		}
	}

	resp, err := postJSON(ctx, proc, "/v1/completions", body, onLine)
	if err != nil {
		return engine.TextResult{}, err
	}
	if len(resp.Choices) == 0 {
		return engine.TextResult{}, fmt.Errorf("llamacpp: empty choices in response")
	}
	text := resp.Choices[0].Text
	if args.OnChunk != nil {
		text = accumulated.String()
	}
	return engine.TextResult{
		Text:             text,
		FinishReason:     mapFinishReason(resp.Choices[0].FinishReason),
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
	}, nil
}

type embeddingWireItem struct {
	Embedding []float32 `json:"embedding"`
}

type embeddingWireResponse struct {
	Data []embeddingWireItem `json:"data"`
}

// ProcessEmbeddingTask implements engine.EmbeddingProcessor by proxying to
// llama-server's own /v1/embeddings.
func (a *Adapter) ProcessEmbeddingTask(ctx context.Context, args engine.EmbeddingArgs, handle engine.Handle) (engine.EmbeddingResult, error) {
	proc, ok := handle.(*serverProcess)
	if !ok {
		return engine.EmbeddingResult{}, fmt.Errorf("llamacpp: unexpected handle type %T", handle)
	}

	b, err := json.Marshal(map[string]any{"input": args.Input})
	if err != nil {
		return engine.EmbeddingResult{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, proc.baseURL()+"/v1/embeddings", bytes.NewReader(b))
	if err != nil {
		return engine.EmbeddingResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := proc.client.Do(req)
	if err != nil {
		return engine.EmbeddingResult{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(resp.Body)
		return engine.EmbeddingResult{}, fmt.Errorf("llama-server returned %d: %s", resp.StatusCode, string(errBody))
	}

	var out embeddingWireResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return engine.EmbeddingResult{}, fmt.Errorf("decoding llama-server response: %w", err)
	}
	vectors := make([][]float32, len(out.Data))
	for i, item := range out.Data {
		vectors[i] = item.Embedding
	}
	return engine.EmbeddingResult{Vectors: vectors}, nil
}
