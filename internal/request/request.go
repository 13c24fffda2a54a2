// Package request defines the internal, task-typed request shape the
// scheduler matches against instances. The HTTP server facade translates
// OpenAI-shaped JSON into these types; it never hands a raw request body to
// the pool.
package request

import (
	"context"
	"time"

	"github.com/iimez/llmpool/internal/config"
)

// ChatMessage is one turn of a chat conversation.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatPayload is the body of a chat-completion request.
type ChatPayload struct {
	Messages     []ChatMessage    `json:"messages"`
	Stream       bool             `json:"stream"`
	Sampling     map[string]any   `json:"-"`
	Grammar      string           `json:"-"`
	Tools        []map[string]any `json:"-"`
	IncludeUsage bool             `json:"-"`
}

// TextPayload is the body of a text-completion request.
type TextPayload struct {
	Prompt   string         `json:"prompt"`
	Stream   bool           `json:"stream"`
	Sampling map[string]any `json:"-"`
}

// EmbeddingPayload is the body of an embeddings request.
type EmbeddingPayload struct {
	Input []string `json:"input"`
}

// ImageToTextPayload is the body of an image-to-text request.
type ImageToTextPayload struct {
	ImageData []byte `json:"-"`
	Prompt    string `json:"prompt"`
}

// SpeechToTextPayload is the body of a speech-to-text request.
type SpeechToTextPayload struct {
	AudioData []byte `json:"-"`
}

// TextToImagePayload is the body of a text-to-image request.
type TextToImagePayload struct {
	Prompt string `json:"prompt"`
}

// Request is the internal, task-typed request the pool schedules.
type Request struct {
	// Sequence is assigned at intake and used to order waiters per model.
	Sequence uint64

	Model string
	Task  config.TaskKind

	Chat         *ChatPayload
	Text         *TextPayload
	Embedding    *EmbeddingPayload
	ImageToText  *ImageToTextPayload
	SpeechToText *SpeechToTextPayload
	TextToImage  *TextToImagePayload

	// AbortSignal is cancelled when the caller gives up. May be nil.
	AbortSignal context.Context
	// Timeout, if non-zero, bounds the running task (not the wait for an
	// instance); it is composed into the task's effective cancellation.
	Timeout time.Duration
}

// Ctx returns AbortSignal, or a never-cancelled background context if unset.
func (r *Request) Ctx() context.Context {
	if r.AbortSignal != nil {
		return r.AbortSignal
	}
	return context.Background()
}
