// Package engine defines the narrow capability interface every inference
// backend plugs into. The core never imports a concrete engine; engines
// are registered by name at server startup and driven only through this
// package's types.
package engine

import (
	"context"

	"github.com/iimez/llmpool/internal/config"
)

// Logger is the minimal logging surface handed to engines, so engines don't
// need to depend on zap directly.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// PrepareCtx carries the inputs to Adapter.PrepareModel.
type PrepareCtx struct {
	Config config.ModelConfig
	Log    Logger
}

// Progress reports incremental download/preparation progress for one file.
type Progress struct {
	File        string
	LoadedBytes int64
	TotalBytes  int64
}

// ProgressFunc is invoked zero or more times during PrepareModel.
type ProgressFunc func(Progress)

// Meta is engine-supplied metadata read during preparation (e.g. a parsed
// GGUF header). Opaque to the core.
type Meta map[string]any

// CreateCtx carries the inputs to Adapter.CreateInstance.
type CreateCtx struct {
	Config config.ModelConfig
	Meta   Meta
	Log    Logger
	GPU    bool
}

// Handle is an opaque engine-owned runtime handle. The core never inspects
// its contents.
type Handle any

// TaskArgs carries the common inputs to every Process*Task call.
type TaskArgs struct {
	Config       config.ModelConfig
	Log          Logger
	ResetContext bool
	OnChunk      func(chunk TaskChunk)
}

// TaskChunk is one streamed slice of a task's output.
type TaskChunk struct {
	Text  string
	Delta map[string]any
}

// FinishReason is the engine-reported reason a task stopped, before the
// core's timeout/cancel override.
type FinishReason string

const (
	FinishMaxTokens  FinishReason = "maxTokens"
	FinishToolCalls  FinishReason = "toolCalls"
	FinishEOGToken   FinishReason = "eogToken"
	FinishStopTrigger FinishReason = "stopTrigger"
)

// ChatResult is returned by ProcessChatCompletionTask.
type ChatResult struct {
	Message          ChatMessageOut
	FinishReason     FinishReason
	PromptTokens     int
	CompletionTokens int
}

// ChatMessageOut is the assistant turn produced by a chat task.
type ChatMessageOut struct {
	Role    string
	Content string
}

// TextResult is returned by ProcessTextCompletionTask.
type TextResult struct {
	Text             string
	FinishReason     FinishReason
	PromptTokens     int
	CompletionTokens int
}

// EmbeddingResult is returned by ProcessEmbeddingTask.
type EmbeddingResult struct {
	Vectors [][]float32
}

// ImageToTextResult is returned by ProcessImageToTextTask.
type ImageToTextResult struct {
	Text string
}

// SpeechToTextResult is returned by ProcessSpeechToTextTask.
type SpeechToTextResult struct {
	Text string
}

// TextToImageResult is returned by ProcessTextToImageTask.
type TextToImageResult struct {
	ImageData []byte
	MimeType  string
}

// ChatArgs carries chat-task-specific inputs in addition to TaskArgs.
type ChatArgs struct {
	TaskArgs
	Messages []ChatMessageIn
}

// ChatMessageIn is one incoming chat turn.
type ChatMessageIn struct {
	Role    string
	Content string
}

// TextArgs carries text-completion-task-specific inputs.
type TextArgs struct {
	TaskArgs
	Prompt string
}

// EmbeddingArgs carries embedding-task-specific inputs.
type EmbeddingArgs struct {
	TaskArgs
	Input []string
}

// ImageToTextArgs carries image-to-text-task-specific inputs.
type ImageToTextArgs struct {
	TaskArgs
	ImageData []byte
	Prompt    string
}

// SpeechToTextArgs carries speech-to-text-task-specific inputs.
type SpeechToTextArgs struct {
	TaskArgs
	AudioData []byte
}

// TextToImageArgs carries text-to-image-task-specific inputs.
type TextToImageArgs struct {
	TaskArgs
	Prompt string
}

// Adapter is the capability surface a pluggable inference engine
// implements. Every method except CreateInstance and DisposeInstance is
// optional: an engine that doesn't serve a task simply doesn't implement
// that method, discovered via the optional interfaces below.
type Adapter interface {
	// CreateInstance must be cancellable via signal and must not retain
	// signal past return.
	CreateInstance(ctx context.Context, cctx CreateCtx) (Handle, error)
	// DisposeInstance releases an engine handle. Must not panic on a handle
	// it already disposed.
	DisposeInstance(handle Handle) error
}

// ModelPreparer is implemented by engines that need to download, verify, or
// read metadata from model artifacts before CreateInstance can succeed.
type ModelPreparer interface {
	PrepareModel(ctx context.Context, pctx PrepareCtx, onProgress ProgressFunc) (Meta, error)
}

// RetryClassifier is implemented by engines whose PrepareModel errors can be
// distinguished into transient (worth retrying) and permanent.
type RetryClassifier interface {
	IsRetryable(err error) bool
}

// AutoGPUReporter is implemented by engines that make their own device
// selection decisions when DeviceConfig.GPU is "auto".
type AutoGPUReporter interface {
	AutoGPU() bool
}

// PrefixContinuationSupporter is implemented by text-completion engines
// that can continue generation from an already-materialized prompt prefix
// without re-ingesting it.
type PrefixContinuationSupporter interface {
	SupportsPrefixContinuation() bool
}

// Starter is implemented by engines that need back-references to the pool
// and store (e.g. to self-warm or to query sibling instances). References
// are passed as explicit parameters, never stored in package globals.
type Starter interface {
	Start(refs StartRefs)
}

// StartRefs are the back-references handed to Starter.Start. Kept as a
// minimal, engine-agnostic struct so engine packages don't import pool/store.
type StartRefs struct {
	Pool  any
	Store any
}

type ChatProcessor interface {
	ProcessChatCompletionTask(ctx context.Context, args ChatArgs, handle Handle) (ChatResult, error)
}

type TextProcessor interface {
	ProcessTextCompletionTask(ctx context.Context, args TextArgs, handle Handle) (TextResult, error)
}

type EmbeddingProcessor interface {
	ProcessEmbeddingTask(ctx context.Context, args EmbeddingArgs, handle Handle) (EmbeddingResult, error)
}

type ImageToTextProcessor interface {
	ProcessImageToTextTask(ctx context.Context, args ImageToTextArgs, handle Handle) (ImageToTextResult, error)
}

type SpeechToTextProcessor interface {
	ProcessSpeechToTextTask(ctx context.Context, args SpeechToTextArgs, handle Handle) (SpeechToTextResult, error)
}

type TextToImageProcessor interface {
	ProcessTextToImageTask(ctx context.Context, args TextToImageArgs, handle Handle) (TextToImageResult, error)
}

// Registry maps engine names to adapters, as wired at server startup.
type Registry map[string]Adapter
