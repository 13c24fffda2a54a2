package instance

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/iimez/llmpool/internal/engine"
	"github.com/iimez/llmpool/internal/errs"
)

// FinishReason is the caller-visible reason a task stopped, after the core's
// timeout/cancel override is applied.
type FinishReason string

const (
	FinishMaxTokens   FinishReason = "maxTokens"
	FinishToolCalls   FinishReason = "toolCalls"
	FinishEOGToken    FinishReason = "eogToken"
	FinishStopTrigger FinishReason = "stopTrigger"
	FinishTimeout     FinishReason = "timeout"
	FinishCancel      FinishReason = "cancel"
	FinishAbort       FinishReason = "abort"
)

// FromEngine maps an engine-reported finish reason to the caller-visible one
// before any timeout/cancel override is applied.
func FromEngine(f engine.FinishReason) FinishReason {
	switch f {
	case engine.FinishMaxTokens:
		return FinishMaxTokens
	case engine.FinishToolCalls:
		return FinishToolCalls
	case engine.FinishEOGToken:
		return FinishEOGToken
	case engine.FinishStopTrigger:
		return FinishStopTrigger
	default:
		return FinishStopTrigger
	}
}

// TaskHandle is the opaque result object for an in-progress inference. The
// zero value is not usable; construct via the instance's Process*Task
// methods.
type TaskHandle[R any] struct {
	ID        string
	Model     string
	CreatedAt time.Time

	cancel   context.CancelFunc
	done     chan struct{}
	result   R
	err      error
}

// Cancel requests cancellation; it is safe to call multiple times and after
// the task has already finished.
func (t *TaskHandle[R]) Cancel() {
	t.cancel()
}

// Result blocks until the task completes, returning its result and error.
func (t *TaskHandle[R]) Result(ctx context.Context) (R, error) {
	select {
	case <-t.done:
		return t.result, t.err
	case <-ctx.Done():
		var zero R
		return zero, ctx.Err()
	}
}

// effectiveContext composes the three abort sources — the caller's abort
// signal, a per-task timeout, and an explicit Cancel() call.
// It returns the derived context and a function reporting which source (if
// any) caused cancellation once the call returns.
func effectiveContext(caller context.Context, timeout time.Duration) (ctx context.Context, cancel context.CancelFunc, timedOut func() bool) {
	if caller == nil {
		caller = context.Background()
	}
	if timeout > 0 {
		var timeoutCtx context.Context
		timeoutCtx, cancel = context.WithTimeout(caller, timeout)
		deadline, _ := timeoutCtx.Deadline()
		timedOut = func() bool {
			return timeoutCtx.Err() == context.DeadlineExceeded && time.Now().After(deadline.Add(-time.Millisecond))
		}
		return timeoutCtx, cancel, timedOut
	}
	ctx, cancel = context.WithCancel(caller)
	timedOut = func() bool { return false }
	return ctx, cancel, timedOut
}

// classifyAbort maps a cancelled effective context back to a finish reason:
// timeout wins over a plain cancel/abort if the timeout specifically
// elapsed.
func classifyAbort(err error, callerErr error, didTimeout bool) FinishReason {
	if didTimeout {
		return FinishTimeout
	}
	if callerErr != nil {
		return FinishAbort
	}
	return FinishCancel
}

func newTaskID() string { return "task_" + uuid.NewString() }

// nonNil returns caller, or a never-cancelled background context if nil, so
// callers can unconditionally read its Err() later.
func nonNil(caller context.Context) context.Context {
	if caller == nil {
		return context.Background()
	}
	return caller
}

// ProcessChatCompletionTask dispatches a chat task to the engine, composing
// cancellation and updating context-state bookkeeping on success.
func (i *Instance) ProcessChatCompletionTask(caller context.Context, timeout time.Duration, messages []engine.ChatMessageIn, onChunk func(engine.TaskChunk)) (*TaskHandle[engine.ChatResult], error) {
	proc, ok := i.adapter.(engine.ChatProcessor)
	if !ok {
		return nil, errs.New(errs.KindEngineError, i.ModelID, "engine does not implement chat completion")
	}
	caller = nonNil(caller)

	ctx, cancel, timedOut := effectiveContext(caller, timeout)
	h := &TaskHandle[engine.ChatResult]{ID: newTaskID(), Model: i.ModelID, CreatedAt: time.Now(), cancel: cancel, done: make(chan struct{})}

	reset := i.consumeReset()
	args := engine.ChatArgs{
		TaskArgs: engine.TaskArgs{Config: i.Config, Log: zapAdapter{i.log}, ResetContext: reset, OnChunk: onChunk},
		Messages: messages,
	}

	go func() {
		defer close(h.done)
		defer cancel()
		res, err := proc.ProcessChatCompletionTask(ctx, args, i.handleSnapshot())
		if err != nil {
			// An error raised on top of an aborted context is classified as
			// the abort, not an engine failure. The KV cache's state is
			// unknown after a mid-generation abort, so the context
			// bookkeeping is cleared rather than recorded.
			if ctx.Err() != nil {
				reason := classifyAbort(ctx.Err(), caller.Err(), timedOut())
				res.FinishReason = engine.FinishReason(reason)
				h.result = res
				i.clearContext()
				return
			}
			i.FailTask()
			h.err = errs.Wrap(errs.KindEngineError, i.ModelID, "chat completion failed", err)
			return
		}
		i.recordChatContext(messages, engine.ChatMessageIn{Role: res.Message.Role, Content: res.Message.Content})
		h.result = res
	}()

	return h, nil
}

// ProcessTextCompletionTask dispatches a text-completion task.
func (i *Instance) ProcessTextCompletionTask(caller context.Context, timeout time.Duration, prompt string, onChunk func(engine.TaskChunk)) (*TaskHandle[engine.TextResult], error) {
	proc, ok := i.adapter.(engine.TextProcessor)
	if !ok {
		return nil, errs.New(errs.KindEngineError, i.ModelID, "engine does not implement text completion")
	}
	caller = nonNil(caller)

	ctx, cancel, timedOut := effectiveContext(caller, timeout)
	h := &TaskHandle[engine.TextResult]{ID: newTaskID(), Model: i.ModelID, CreatedAt: time.Now(), cancel: cancel, done: make(chan struct{})}

	reset := i.consumeReset()
	args := engine.TextArgs{
		TaskArgs: engine.TaskArgs{Config: i.Config, Log: zapAdapter{i.log}, ResetContext: reset, OnChunk: onChunk},
		Prompt:   prompt,
	}

	go func() {
		defer close(h.done)
		defer cancel()
		res, err := proc.ProcessTextCompletionTask(ctx, args, i.handleSnapshot())
		if err != nil {
			if ctx.Err() != nil {
				reason := classifyAbort(ctx.Err(), caller.Err(), timedOut())
				res.FinishReason = engine.FinishReason(reason)
				h.result = res
				i.clearContext()
				return
			}
			i.FailTask()
			h.err = errs.Wrap(errs.KindEngineError, i.ModelID, "text completion failed", err)
			return
		}
		i.recordTextContext(prompt + res.Text)
		h.result = res
	}()

	return h, nil
}

// ProcessEmbeddingTask dispatches an embedding task. Embeddings are
// stateless; no context bookkeeping is touched.
func (i *Instance) ProcessEmbeddingTask(caller context.Context, timeout time.Duration, input []string) (*TaskHandle[engine.EmbeddingResult], error) {
	proc, ok := i.adapter.(engine.EmbeddingProcessor)
	if !ok {
		return nil, errs.New(errs.KindEngineError, i.ModelID, "engine does not implement embeddings")
	}
	caller = nonNil(caller)
	ctx, cancel, _ := effectiveContext(caller, timeout)
	h := &TaskHandle[engine.EmbeddingResult]{ID: newTaskID(), Model: i.ModelID, CreatedAt: time.Now(), cancel: cancel, done: make(chan struct{})}
	args := engine.EmbeddingArgs{TaskArgs: engine.TaskArgs{Config: i.Config, Log: zapAdapter{i.log}}, Input: input}
	go func() {
		defer close(h.done)
		defer cancel()
		res, err := proc.ProcessEmbeddingTask(ctx, args, i.handleSnapshot())
		if err != nil {
			if ctx.Err() == nil {
				i.FailTask()
				h.err = errs.Wrap(errs.KindEngineError, i.ModelID, "embedding failed", err)
				return
			}
		}
		h.result = res
	}()
	return h, nil
}

// ProcessImageToTextTask dispatches an image-to-text task.
func (i *Instance) ProcessImageToTextTask(caller context.Context, timeout time.Duration, imageData []byte, prompt string) (*TaskHandle[engine.ImageToTextResult], error) {
	proc, ok := i.adapter.(engine.ImageToTextProcessor)
	if !ok {
		return nil, errs.New(errs.KindEngineError, i.ModelID, "engine does not implement image-to-text")
	}
	caller = nonNil(caller)
	ctx, cancel, _ := effectiveContext(caller, timeout)
	h := &TaskHandle[engine.ImageToTextResult]{ID: newTaskID(), Model: i.ModelID, CreatedAt: time.Now(), cancel: cancel, done: make(chan struct{})}
	args := engine.ImageToTextArgs{TaskArgs: engine.TaskArgs{Config: i.Config, Log: zapAdapter{i.log}}, ImageData: imageData, Prompt: prompt}
	go func() {
		defer close(h.done)
		defer cancel()
		res, err := proc.ProcessImageToTextTask(ctx, args, i.handleSnapshot())
		if err != nil && ctx.Err() == nil {
			i.FailTask()
			h.err = errs.Wrap(errs.KindEngineError, i.ModelID, "image-to-text failed", err)
			return
		}
		h.result = res
	}()
	return h, nil
}

// ProcessSpeechToTextTask dispatches a speech-to-text task.
func (i *Instance) ProcessSpeechToTextTask(caller context.Context, timeout time.Duration, audioData []byte) (*TaskHandle[engine.SpeechToTextResult], error) {
	proc, ok := i.adapter.(engine.SpeechToTextProcessor)
	if !ok {
		return nil, errs.New(errs.KindEngineError, i.ModelID, "engine does not implement speech-to-text")
	}
	caller = nonNil(caller)
	ctx, cancel, _ := effectiveContext(caller, timeout)
	h := &TaskHandle[engine.SpeechToTextResult]{ID: newTaskID(), Model: i.ModelID, CreatedAt: time.Now(), cancel: cancel, done: make(chan struct{})}
	args := engine.SpeechToTextArgs{TaskArgs: engine.TaskArgs{Config: i.Config, Log: zapAdapter{i.log}}, AudioData: audioData}
	go func() {
		defer close(h.done)
		defer cancel()
		res, err := proc.ProcessSpeechToTextTask(ctx, args, i.handleSnapshot())
		if err != nil && ctx.Err() == nil {
			i.FailTask()
			h.err = errs.Wrap(errs.KindEngineError, i.ModelID, "speech-to-text failed", err)
			return
		}
		h.result = res
	}()
	return h, nil
}

// ProcessTextToImageTask dispatches a text-to-image task.
func (i *Instance) ProcessTextToImageTask(caller context.Context, timeout time.Duration, prompt string) (*TaskHandle[engine.TextToImageResult], error) {
	proc, ok := i.adapter.(engine.TextToImageProcessor)
	if !ok {
		return nil, errs.New(errs.KindEngineError, i.ModelID, "engine does not implement text-to-image")
	}
	caller = nonNil(caller)
	ctx, cancel, _ := effectiveContext(caller, timeout)
	h := &TaskHandle[engine.TextToImageResult]{ID: newTaskID(), Model: i.ModelID, CreatedAt: time.Now(), cancel: cancel, done: make(chan struct{})}
	args := engine.TextToImageArgs{TaskArgs: engine.TaskArgs{Config: i.Config, Log: zapAdapter{i.log}}, Prompt: prompt}
	go func() {
		defer close(h.done)
		defer cancel()
		res, err := proc.ProcessTextToImageTask(ctx, args, i.handleSnapshot())
		if err != nil && ctx.Err() == nil {
			i.FailTask()
			h.err = errs.Wrap(errs.KindEngineError, i.ModelID, "text-to-image failed", err)
			return
		}
		h.result = res
	}()
	return h, nil
}

func (i *Instance) handleSnapshot() engine.Handle {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.handle
}
