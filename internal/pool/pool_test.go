package pool

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/iimez/llmpool/internal/config"
	"github.com/iimez/llmpool/internal/engine"
	"github.com/iimez/llmpool/internal/engine/enginetest"
	"github.com/iimez/llmpool/internal/request"
	"github.com/iimez/llmpool/internal/store"
)

func chatModel(id string, maxInstances int) config.ModelConfig {
	return config.ModelConfig{
		ID:           id,
		Engine:       "fake",
		Task:         config.TaskChat,
		MinInstances: 0,
		MaxInstances: maxInstances,
		TTLSeconds:   300,
	}
}

func newTestPool(t *testing.T, models map[string]config.ModelConfig, adapter engine.Adapter, concurrency int) (*Pool, *store.Store) {
	t.Helper()
	log := zap.NewNop()
	engines := engine.Registry{"fake": adapter}
	st := store.New(toConfigMap(models), 4, log)
	if err := st.Init(engines); err != nil {
		t.Fatalf("store init: %v", err)
	}
	p := New(Config{Concurrency: concurrency, TTLSweepSeconds: 1}, models, st, engines, log)
	t.Cleanup(p.Dispose)
	return p, st
}

func toConfigMap(models map[string]config.ModelConfig) map[string]config.ModelConfig {
	return models
}

func chatReq(model string) *request.Request {
	return &request.Request{
		Model: model,
		Task:  config.TaskChat,
		Chat:  &request.ChatPayload{Messages: []request.ChatMessage{{Role: "user", Content: "hi"}}},
	}
}

// Scenario: a follow-up request that continues the first conversation reuses
// the idle instance holding that context instead of spawning a new one.
func TestPool_CacheHitReusesInstance(t *testing.T) {
	adapter := &enginetest.Adapter{}
	models := map[string]config.ModelConfig{"m": chatModel("m", 4)}
	p, _ := newTestPool(t, models, adapter, 4)

	req1 := chatReq("m")
	lease1, err := p.RequestInstance(context.Background(), req1)
	if err != nil {
		t.Fatalf("first request: %v", err)
	}
	inst1 := lease1.Instance
	h, err := inst1.ProcessChatCompletionTask(context.Background(), 0, toEngineMessages(req1), nil)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if _, err := h.Result(context.Background()); err != nil {
		t.Fatalf("result: %v", err)
	}
	lease1.Release()

	// Its prefix (all but the trailing user turn) is the context inst1 holds.
	req2 := chatReq("m")
	req2.Chat.Messages = append(req2.Chat.Messages,
		request.ChatMessage{Role: "assistant", Content: "echo:hi"},
		request.ChatMessage{Role: "user", Content: "more"})
	lease2, err := p.RequestInstance(context.Background(), req2)
	if err != nil {
		t.Fatalf("second request: %v", err)
	}
	defer lease2.Release()

	if lease2.Instance != inst1 {
		t.Fatalf("expected cache-hit reuse of the same instance, got a different one")
	}
	if adapter.CreateCalls() != 1 {
		t.Fatalf("expected exactly one spawn, got %d", adapter.CreateCalls())
	}
}

// Scenario: concurrent requests for a model whose maxInstances is 1 are
// serialized, never granted overlapping locks.
func TestPool_MaxInstancesSerializes(t *testing.T) {
	adapter := &enginetest.Adapter{}
	models := map[string]config.ModelConfig{"m": chatModel("m", 1)}
	p, _ := newTestPool(t, models, adapter, 4)

	const n = 5
	var wg sync.WaitGroup
	var mu sync.Mutex
	overlap := false
	inUse := false

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lease, err := p.RequestInstance(context.Background(), chatReq("m"))
			if err != nil {
				t.Errorf("request: %v", err)
				return
			}
			mu.Lock()
			if inUse {
				overlap = true
			}
			inUse = true
			mu.Unlock()

			time.Sleep(5 * time.Millisecond)

			mu.Lock()
			inUse = false
			mu.Unlock()
			lease.Release()
		}()
	}
	wg.Wait()

	if overlap {
		t.Fatalf("two requests held the single instance concurrently")
	}
}

// Scenario: a request whose AbortSignal is already cancelled before it can
// be granted an instance returns promptly with a cancellation error, and
// does not leak a spawned instance.
func TestPool_CancelBeforeLock(t *testing.T) {
	adapter := &enginetest.Adapter{}
	models := map[string]config.ModelConfig{"m": chatModel("m", 1)}
	p, _ := newTestPool(t, models, adapter, 1)

	// Occupy the only instance slot first.
	held, err := p.RequestInstance(context.Background(), chatReq("m"))
	if err != nil {
		t.Fatalf("occupy: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	req := chatReq("m")
	req.AbortSignal = ctx
	_, err = p.RequestInstance(ctx, req)
	if err == nil {
		t.Fatalf("expected cancellation error, got nil")
	}

	held.Release()
}

// Scenario: once the pool is disposed, new requests fail fast rather than
// blocking.
func TestPool_DisposeFailsFastNewRequests(t *testing.T) {
	adapter := &enginetest.Adapter{}
	models := map[string]config.ModelConfig{"m": chatModel("m", 2)}
	log := zap.NewNop()
	engines := engine.Registry{"fake": adapter}
	st := store.New(models, 4, log)
	if err := st.Init(engines); err != nil {
		t.Fatalf("store init: %v", err)
	}
	p := New(Config{Concurrency: 2, TTLSweepSeconds: 1}, models, st, engines, log)

	lease, err := p.RequestInstance(context.Background(), chatReq("m"))
	if err != nil {
		t.Fatalf("initial request: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Dispose()
	}()

	// Give Dispose a moment to flip the shutdown flag before releasing.
	time.Sleep(5 * time.Millisecond)
	if _, err := p.RequestInstance(context.Background(), chatReq("m")); err == nil {
		t.Fatalf("expected request during shutdown to fail fast")
	}

	lease.Release()
	<-done

	if adapter.LiveInstances() != 0 {
		t.Fatalf("expected all instances disposed after Dispose, got %d live", adapter.LiveInstances())
	}
}

// Scenario: a task that exceeds its per-request timeout finishes with a
// timeout finish-reason rather than hanging or being misreported as an
// engine error.
func TestPool_TaskTimeout(t *testing.T) {
	block := make(chan struct{})
	adapter := &enginetest.Adapter{
		Hooks: enginetest.Hooks{
			OnChatTask: func(ctx context.Context, args engine.ChatArgs) error {
				select {
				case <-block:
				case <-ctx.Done():
				}
				return ctx.Err()
			},
		},
	}
	models := map[string]config.ModelConfig{"m": chatModel("m", 1)}
	p, _ := newTestPool(t, models, adapter, 1)
	defer close(block)

	lease, err := p.RequestInstance(context.Background(), chatReq("m"))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer lease.Release()

	req := chatReq("m")
	h, err := lease.Instance.ProcessChatCompletionTask(context.Background(), 10*time.Millisecond, toEngineMessages(req), nil)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	res, err := h.Result(context.Background())
	if err != nil {
		t.Fatalf("result returned error instead of a classified finish reason: %v", err)
	}
	if string(res.FinishReason) != "timeout" {
		t.Fatalf("expected finish reason timeout, got %q", res.FinishReason)
	}
}

// Scenario: WarmUp brings every model up to min_instances with idle,
// unlocked instances before any request arrives.
func TestPool_WarmUpReachesMinInstances(t *testing.T) {
	adapter := &enginetest.Adapter{}
	cfg := chatModel("m", 3)
	cfg.MinInstances = 2
	models := map[string]config.ModelConfig{"m": cfg}
	p, _ := newTestPool(t, models, adapter, 2)

	if err := p.WarmUp(context.Background()); err != nil {
		t.Fatalf("warm up: %v", err)
	}
	if adapter.CreateCalls() != 2 {
		t.Fatalf("expected 2 warm instances, got %d creates", adapter.CreateCalls())
	}

	st := p.GetStatus()
	if len(st.Models) != 1 || st.Models[0].Live != 2 {
		t.Fatalf("expected live count 2 after warm-up, got %+v", st.Models)
	}
	// Warm instances must be immediately lockable without another spawn.
	lease, err := p.RequestInstance(context.Background(), chatReq("m"))
	if err != nil {
		t.Fatalf("request after warm-up: %v", err)
	}
	lease.Release()
	if adapter.CreateCalls() != 2 {
		t.Fatalf("expected the request to reuse a warm instance, got %d creates", adapter.CreateCalls())
	}
}

// Scenario: a runtime TTL override shortens idle eviction; the sweep
// disposes the instance once it idles past the override, but never below
// min_instances.
func TestPool_TTLOverrideEvictsIdle(t *testing.T) {
	adapter := &enginetest.Adapter{}
	models := map[string]config.ModelConfig{"m": chatModel("m", 2)}
	p, _ := newTestPool(t, models, adapter, 2)

	lease, err := p.RequestInstance(context.Background(), chatReq("m"))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	lease.Release()

	if err := p.SetTTLOverride("m", time.Millisecond); err != nil {
		t.Fatalf("set ttl override: %v", err)
	}
	if err := p.SetTTLOverride("nope", time.Second); err == nil {
		t.Fatalf("expected an error for an unconfigured model")
	}

	time.Sleep(10 * time.Millisecond)
	p.runSweep()

	if adapter.LiveInstances() != 0 {
		t.Fatalf("expected the idle instance evicted under the override, got %d live", adapter.LiveInstances())
	}
}

// Scenario: UnloadIdle disposes idle instances immediately while leaving
// busy ones to finish their task.
func TestPool_UnloadIdleSkipsBusy(t *testing.T) {
	adapter := &enginetest.Adapter{}
	models := map[string]config.ModelConfig{"m": chatModel("m", 2)}
	p, _ := newTestPool(t, models, adapter, 2)

	busy, err := p.RequestInstance(context.Background(), chatReq("m"))
	if err != nil {
		t.Fatalf("busy request: %v", err)
	}
	idle, err := p.RequestInstance(context.Background(), chatReq("m"))
	if err != nil {
		t.Fatalf("second request: %v", err)
	}
	idle.Release()

	n, err := p.UnloadIdle("m")
	if err != nil {
		t.Fatalf("unload: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected exactly the idle instance unloaded, got %d", n)
	}
	if adapter.LiveInstances() != 1 {
		t.Fatalf("expected the busy instance to survive, got %d live", adapter.LiveInstances())
	}
	busy.Release()
}

// Scenario: an engine that reports its own device decision controls GPU
// placement for models configured with device.gpu: auto.
func TestPool_AutoGPUFollowsEngineReport(t *testing.T) {
	adapter := enginetest.WithAutoGPU{Adapter: &enginetest.Adapter{}, Value: true}
	cfg := chatModel("m", 1)
	cfg.Device = config.DeviceConfig{GPU: config.DeviceGPU{Auto: true}}
	models := map[string]config.ModelConfig{"m": cfg}
	p, _ := newTestPool(t, models, adapter, 1)

	lease, err := p.RequestInstance(context.Background(), chatReq("m"))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer lease.Release()
	if !lease.Instance.GPU() {
		t.Fatalf("expected the engine's AutoGPU report to select a GPU-backed instance")
	}
}

func toEngineMessages(req *request.Request) []engine.ChatMessageIn {
	out := make([]engine.ChatMessageIn, len(req.Chat.Messages))
	for i, m := range req.Chat.Messages {
		out[i] = engine.ChatMessageIn{Role: m.Role, Content: m.Content}
	}
	return out
}
