// Package instance wraps an engine handle with lifecycle, concurrency
// discipline, context bookkeeping, and per-task cancellation.
package instance

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/iimez/llmpool/internal/config"
	"github.com/iimez/llmpool/internal/engine"
	"github.com/iimez/llmpool/internal/errs"
)

// Status is the lifecycle state of an Instance.
type Status int

const (
	StatusPreparing Status = iota
	StatusLoading
	StatusIdle
	StatusBusy
	StatusError
	StatusDisposing
)

func (s Status) String() string {
	switch s {
	case StatusPreparing:
		return "preparing"
	case StatusLoading:
		return "loading"
	case StatusIdle:
		return "idle"
	case StatusBusy:
		return "busy"
	case StatusError:
		return "error"
	case StatusDisposing:
		return "disposing"
	default:
		return "unknown"
	}
}

// Fingerprint computes a stable hash over the subset of config that affects
// observable output: model id, task, sampling defaults, grammar, tools. Two instances
// of the same model with the same fingerprint are interchangeable from the
// client's point of view.
func Fingerprint(cfg config.ModelConfig) string {
	canon := fmt.Sprintf("%s|%s|%v|%s|%v", cfg.ID, cfg.Task, cfg.Defaults.Sampling, cfg.Defaults.Grammar, cfg.Defaults.Tools)
	return string(hashString(canon))
}

func newNonce() string {
	b := make([]byte, 4)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// Instance is a loaded model bound to an engine-specific runtime handle; the
// unit of exclusive use.
type Instance struct {
	mu sync.Mutex

	ID      string
	ModelID string
	Config  config.ModelConfig
	adapter engine.Adapter
	log     *zap.Logger

	status      Status
	handle      engine.Handle
	gpu         bool
	createdAt   time.Time
	lastUsedAt  time.Time
	fingerprint string

	contextHash ContextHash
	contextText string // materialized prefix text backing contextHash (text-completion only)
	needsReset  bool

	currentRequestID string
}

// New constructs an Instance targeting (modelID, gpu). Load must be called
// before it can be locked.
func New(cfg config.ModelConfig, adapter engine.Adapter, gpu bool, log *zap.Logger) *Instance {
	id := fmt.Sprintf("%s:%s", cfg.ID, newNonce())
	return &Instance{
		ID:          id,
		ModelID:     cfg.ID,
		Config:      cfg,
		adapter:     adapter,
		log:         log.With(zap.String("instance", id)),
		status:      StatusPreparing,
		gpu:         gpu,
		createdAt:   time.Now(),
		fingerprint: Fingerprint(cfg),
	}
}

func (i *Instance) Status() Status {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.status
}

func (i *Instance) GPU() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.gpu
}

func (i *Instance) LastUsedAt() time.Time {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.lastUsedAt
}

func (i *Instance) Fingerprint() string { return i.fingerprint }

func (i *Instance) ContextHash() ContextHash {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.contextHash
}

// Load transitions preparing -> loading -> idle by calling the engine's
// CreateInstance. On failure it transitions to error and returns the error
// wrapped as InstanceLoadError.
func (i *Instance) Load(ctx context.Context, meta engine.Meta) error {
	i.mu.Lock()
	i.status = StatusLoading
	i.mu.Unlock()

	handle, err := i.adapter.CreateInstance(ctx, engine.CreateCtx{
		Config: i.Config,
		Meta:   meta,
		Log:    zapAdapter{i.log},
		GPU:    i.gpu,
	})

	i.mu.Lock()
	defer i.mu.Unlock()
	if err != nil {
		i.status = StatusError
		return errs.Wrap(errs.KindInstanceLoadError, i.ModelID, "createInstance failed", err)
	}
	i.handle = handle
	i.status = StatusIdle
	i.lastUsedAt = time.Now()
	return nil
}

// Lock transitions idle -> busy. Precondition: status == idle.
func (i *Instance) Lock(requestID string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.status != StatusIdle {
		return errs.New(errs.KindIllegalState, i.ModelID, fmt.Sprintf("lock on instance in state %s", i.status))
	}
	i.status = StatusBusy
	i.currentRequestID = requestID
	return nil
}

// Unlock transitions busy -> idle.
func (i *Instance) Unlock() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.status != StatusBusy {
		return errs.New(errs.KindIllegalState, i.ModelID, fmt.Sprintf("unlock on instance in state %s", i.status))
	}
	i.status = StatusIdle
	i.currentRequestID = ""
	i.lastUsedAt = time.Now()
	return nil
}

// FailTask transitions a busy instance to error, for engine failures during
// a task.
func (i *Instance) FailTask() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.status = StatusError
	i.currentRequestID = ""
}

// Reset marks needsReset; the next task will invalidate contextStateHash and
// pass resetContext=true to the engine.
func (i *Instance) Reset() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.needsReset = true
}

// MatchesRequirements reports model-id equality and device compatibility:
// a config that requires GPU only matches GPU-backed instances.
func (i *Instance) MatchesRequirements(modelID string, requiresGPU bool) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.ModelID != modelID {
		return false
	}
	if requiresGPU && !i.gpu {
		return false
	}
	return true
}

// MatchesChatContextState reports whether this instance's cached prefix
// equals the hash of messages minus the trailing turn.
func (i *Instance) MatchesChatContextState(messages []engine.ChatMessageIn) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.contextHash == "" || len(messages) == 0 {
		return false
	}
	return i.contextHash == HashChatPrefix(messages)
}

// MatchesTextContextState reports whether this instance's materialized
// prefix is a byte-prefix of prompt and the engine supports prefix
// continuation.
func (i *Instance) MatchesTextContextState(prompt string, engineSupportsContinuation bool) bool {
	if !engineSupportsContinuation {
		return false
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	return IsTextPrefixMatch(i.contextText, prompt)
}

// recordChatContext updates the instance's context bookkeeping after a
// successful chat task.
func (i *Instance) recordChatContext(messages []engine.ChatMessageIn, assistant engine.ChatMessageIn) {
	i.mu.Lock()
	defer i.mu.Unlock()
	full := append(append([]engine.ChatMessageIn{}, messages...), assistant)
	i.contextHash = HashChatFull(full)
	i.needsReset = false
}

func (i *Instance) recordTextContext(prompt string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.contextHash = HashTextPrefix(prompt)
	i.contextText = prompt
	i.needsReset = false
}

func (i *Instance) clearContext() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.contextHash = ""
	i.contextText = ""
}

// consumeReset returns and clears needsReset, for use at the start of a
// task. A pending reset also invalidates the context bookkeeping, since the
// engine is about to discard the cached state it described.
func (i *Instance) consumeReset() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	reset := i.needsReset
	i.needsReset = false
	if reset {
		i.contextHash = ""
		i.contextText = ""
	}
	return reset
}

// Dispose releases the engine handle. Safe to call once per instance.
func (i *Instance) Dispose() error {
	i.mu.Lock()
	i.status = StatusDisposing
	handle := i.handle
	i.handle = nil
	i.mu.Unlock()
	if handle == nil {
		return nil
	}
	return i.adapter.DisposeInstance(handle)
}

type zapAdapter struct{ l *zap.Logger }

func (z zapAdapter) Debugf(format string, args ...any) { z.l.Sugar().Debugf(format, args...) }
func (z zapAdapter) Infof(format string, args ...any)  { z.l.Sugar().Infof(format, args...) }
func (z zapAdapter) Warnf(format string, args ...any)  { z.l.Sugar().Warnf(format, args...) }
func (z zapAdapter) Errorf(format string, args ...any) { z.l.Sugar().Errorf(format, args...) }
