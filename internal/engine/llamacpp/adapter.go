package llamacpp

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/iimez/llmpool/internal/engine"
)

// Adapter is the engine.Adapter for llama.cpp's llama-server, one
// subprocess per instance. Binary is the path to the llama-server
// executable (config.Config.EngineBinaries["llamacpp"]).
type Adapter struct {
	Binary string
}

var (
	_ engine.Adapter            = (*Adapter)(nil)
	_ engine.ModelPreparer      = (*Adapter)(nil)
	_ engine.RetryClassifier    = (*Adapter)(nil)
	_ engine.ChatProcessor      = (*Adapter)(nil)
	_ engine.TextProcessor      = (*Adapter)(nil)
	_ engine.EmbeddingProcessor = (*Adapter)(nil)
)

// PrepareModel verifies the model file named by Source.Location exists and
// is readable, reporting a single completion tick. llama.cpp reads GGUF
// headers itself at load time, so the core doesn't need to parse the file;
// Meta carries only the resolved path for CreateInstance.
func (a *Adapter) PrepareModel(ctx context.Context, pctx engine.PrepareCtx, onProgress engine.ProgressFunc) (engine.Meta, error) {
	if pctx.Config.Source == nil || pctx.Config.Source.Location == "" {
		return nil, fmt.Errorf("model %q: source.location is required for the llamacpp engine", pctx.Config.ID)
	}
	path := pctx.Config.Source.Location
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("model %q: %w", pctx.Config.ID, err)
	}
	if onProgress != nil {
		onProgress(engine.Progress{File: path, LoadedBytes: info.Size(), TotalBytes: info.Size()})
	}
	return engine.Meta{"path": path}, nil
}

// IsRetryable treats anything but a missing/unreadable file as transient:
// a busy port or a subprocess that crashed mid-startup is worth another
// attempt, but a bad path never resolves itself.
func (a *Adapter) IsRetryable(err error) bool {
	return !errors.Is(err, os.ErrNotExist) && !errors.Is(err, os.ErrPermission)
}

// CreateInstance spawns a dedicated llama-server subprocess for this
// instance and waits for it to report healthy.
func (a *Adapter) CreateInstance(ctx context.Context, cctx engine.CreateCtx) (engine.Handle, error) {
	path, _ := cctx.Meta["path"].(string)
	if path == "" {
		return nil, fmt.Errorf("model %q: missing prepared path in metadata", cctx.Config.ID)
	}
	o := parseOptions(a.Binary, cctx.Config.Options)
	proc, err := spawn(ctx, path, cctx.GPU, o)
	if err != nil {
		return nil, err
	}
	return proc, nil
}

// DisposeInstance terminates the backing llama-server process.
func (a *Adapter) DisposeInstance(handle engine.Handle) error {
	proc, ok := handle.(*serverProcess)
	if !ok || proc == nil {
		return nil
	}
	proc.stop()
	return nil
}
