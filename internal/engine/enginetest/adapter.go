// Package enginetest provides a deterministic, in-memory engine.Adapter
// for driving internal/pool and internal/store end to end without spawning
// a real inference backend.
package enginetest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/iimez/llmpool/internal/engine"
)

// Hooks let a test observe or perturb individual calls without needing a new
// Adapter type per scenario. Every hook is optional.
type Hooks struct {
	// OnCreateInstance is called synchronously from CreateInstance, inside
	// the ctx passed by the caller. Returning an error fails the load.
	OnCreateInstance func(ctx context.Context, cctx engine.CreateCtx) error
	// OnChatTask is called synchronously from ProcessChatCompletionTask,
	// before the canned response is produced. Returning an error fails the
	// task (or, if ctx is already cancelled by the time this returns, is
	// classified by the caller as an abort rather than an engine failure).
	OnChatTask func(ctx context.Context, args engine.ChatArgs) error
	OnTextTask func(ctx context.Context, args engine.TextArgs) error
}

// Adapter is a fake engine.Adapter. The zero value is usable; configure
// fields before handing it to a pool/store under test.
type Adapter struct {
	Hooks Hooks

	// SupportsPrefixContinuationValue backs engine.PrefixContinuationSupporter.
	SupportsPrefixContinuationValue bool
	// RetryableFunc backs engine.RetryClassifier; nil means "always retry".
	RetryableFunc func(err error) bool

	mu        sync.Mutex
	instances map[*fakeHandle]struct{}

	prepareCalls int32
	createCalls  int32
	disposeCalls int32
}

// fakeHandle is the opaque Handle this adapter hands back; it carries enough
// state for Process*Task to produce a believable, distinguishable response.
type fakeHandle struct {
	id    int64
	model string
}

var handleSeq atomic.Int64

func (a *Adapter) PrepareCalls() int32 { return atomic.LoadInt32(&a.prepareCalls) }
func (a *Adapter) CreateCalls() int32  { return atomic.LoadInt32(&a.createCalls) }
func (a *Adapter) DisposeCalls() int32 { return atomic.LoadInt32(&a.disposeCalls) }

// PrepareModel implements engine.ModelPreparer, reporting a couple of fake
// progress ticks before returning metadata keyed on the model id.
func (a *Adapter) PrepareModel(ctx context.Context, pctx engine.PrepareCtx, onProgress engine.ProgressFunc) (engine.Meta, error) {
	atomic.AddInt32(&a.prepareCalls, 1)
	if onProgress != nil {
		onProgress(engine.Progress{File: pctx.Config.ID, LoadedBytes: 50, TotalBytes: 100})
		onProgress(engine.Progress{File: pctx.Config.ID, LoadedBytes: 100, TotalBytes: 100})
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return engine.Meta{"modelId": pctx.Config.ID}, nil
}

// IsRetryable implements engine.RetryClassifier.
func (a *Adapter) IsRetryable(err error) bool {
	if a.RetryableFunc == nil {
		return true
	}
	return a.RetryableFunc(err)
}

// SupportsPrefixContinuation implements engine.PrefixContinuationSupporter.
func (a *Adapter) SupportsPrefixContinuation() bool { return a.SupportsPrefixContinuationValue }

// CreateInstance implements engine.Adapter.
func (a *Adapter) CreateInstance(ctx context.Context, cctx engine.CreateCtx) (engine.Handle, error) {
	atomic.AddInt32(&a.createCalls, 1)
	if a.Hooks.OnCreateInstance != nil {
		if err := a.Hooks.OnCreateInstance(ctx, cctx); err != nil {
			return nil, err
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h := &fakeHandle{id: handleSeq.Add(1), model: cctx.Config.ID}
	a.mu.Lock()
	if a.instances == nil {
		a.instances = make(map[*fakeHandle]struct{})
	}
	a.instances[h] = struct{}{}
	a.mu.Unlock()
	return h, nil
}

// DisposeInstance implements engine.Adapter.
func (a *Adapter) DisposeInstance(handle engine.Handle) error {
	atomic.AddInt32(&a.disposeCalls, 1)
	h, ok := handle.(*fakeHandle)
	if !ok || h == nil {
		return nil
	}
	a.mu.Lock()
	delete(a.instances, h)
	a.mu.Unlock()
	return nil
}

// LiveInstances reports how many handles have been created but not disposed.
func (a *Adapter) LiveInstances() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.instances)
}

// ProcessChatCompletionTask implements engine.ChatProcessor. The reply echoes
// the last user turn so tests can assert on cache-hit vs. cache-miss
// behavior without needing a real model.
func (a *Adapter) ProcessChatCompletionTask(ctx context.Context, args engine.ChatArgs, handle engine.Handle) (engine.ChatResult, error) {
	if a.Hooks.OnChatTask != nil {
		if err := a.Hooks.OnChatTask(ctx, args); err != nil {
			return engine.ChatResult{}, err
		}
	}
	if err := ctx.Err(); err != nil {
		return engine.ChatResult{}, err
	}
	last := ""
	if n := len(args.Messages); n > 0 {
		last = args.Messages[n-1].Content
	}
	reply := fmt.Sprintf("echo:%s", last)
	if args.OnChunk != nil {
		args.OnChunk(engine.TaskChunk{Text: reply})
	}
	return engine.ChatResult{
		Message:          engine.ChatMessageOut{Role: "assistant", Content: reply},
		FinishReason:     engine.FinishEOGToken,
		PromptTokens:     len(args.Messages),
		CompletionTokens: 1,
	}, nil
}

// ProcessTextCompletionTask implements engine.TextProcessor.
func (a *Adapter) ProcessTextCompletionTask(ctx context.Context, args engine.TextArgs, handle engine.Handle) (engine.TextResult, error) {
	if a.Hooks.OnTextTask != nil {
		if err := a.Hooks.OnTextTask(ctx, args); err != nil {
			return engine.TextResult{}, err
		}
	}
	if err := ctx.Err(); err != nil {
		return engine.TextResult{}, err
	}
	completion := " continuation"
	if args.OnChunk != nil {
		args.OnChunk(engine.TaskChunk{Text: completion})
	}
	return engine.TextResult{
		Text:             completion,
		FinishReason:     engine.FinishMaxTokens,
		PromptTokens:     len(args.Prompt),
		CompletionTokens: 1,
	}, nil
}

// ProcessEmbeddingTask implements engine.EmbeddingProcessor with a
// deterministic one-hot-ish vector derived from input length, sufficient for
// equality/shape assertions in tests.
func (a *Adapter) ProcessEmbeddingTask(ctx context.Context, args engine.EmbeddingArgs, handle engine.Handle) (engine.EmbeddingResult, error) {
	if err := ctx.Err(); err != nil {
		return engine.EmbeddingResult{}, err
	}
	out := make([][]float32, len(args.Input))
	for i, s := range args.Input {
		out[i] = []float32{float32(len(s)), 1}
	}
	return engine.EmbeddingResult{Vectors: out}, nil
}

var (
	_ engine.Adapter                     = (*Adapter)(nil)
	_ engine.ModelPreparer               = (*Adapter)(nil)
	_ engine.RetryClassifier             = (*Adapter)(nil)
	_ engine.PrefixContinuationSupporter = (*Adapter)(nil)
	_ engine.ChatProcessor               = (*Adapter)(nil)
	_ engine.TextProcessor               = (*Adapter)(nil)
	_ engine.EmbeddingProcessor          = (*Adapter)(nil)
)
