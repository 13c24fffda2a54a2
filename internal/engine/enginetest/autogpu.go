package enginetest

import "github.com/iimez/llmpool/internal/engine"

// WithAutoGPU wraps an Adapter to additionally implement
// engine.AutoGPUReporter. Kept as a distinct type (rather than a field on
// Adapter) because Go interface satisfaction is method-set based: a bool
// field can't conditionally remove a method, so exercising the
// AutoGPUReporter path and the device-advisor fallback path requires two
// distinct adapter types.
type WithAutoGPU struct {
	*Adapter
	Value bool
}

func (w WithAutoGPU) AutoGPU() bool { return w.Value }

var _ engine.AutoGPUReporter = WithAutoGPU{}
