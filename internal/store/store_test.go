package store

import (
	"context"
	"errors"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/iimez/llmpool/internal/config"
	"github.com/iimez/llmpool/internal/engine"
	"github.com/iimez/llmpool/internal/engine/enginetest"
)

func testModels(ids ...string) map[string]config.ModelConfig {
	out := make(map[string]config.ModelConfig, len(ids))
	for _, id := range ids {
		out[id] = config.ModelConfig{ID: id, Engine: "fake", Prepare: "async"}
	}
	return out
}

func TestPrepareModel_DedupsConcurrentCallers(t *testing.T) {
	adapter := &enginetest.Adapter{}
	st := New(testModels("m"), 2, zap.NewNop())
	if err := st.Init(engine.Registry{"fake": adapter}); err != nil {
		t.Fatalf("init: %v", err)
	}

	const n = 10
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = st.PrepareModel(context.Background(), "m")
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	if adapter.PrepareCalls() != 1 {
		t.Fatalf("expected exactly one underlying prepare call, got %d", adapter.PrepareCalls())
	}
}

func TestPrepareModel_ReadyShortCircuits(t *testing.T) {
	adapter := &enginetest.Adapter{}
	st := New(testModels("m"), 2, zap.NewNop())
	if err := st.Init(engine.Registry{"fake": adapter}); err != nil {
		t.Fatalf("init: %v", err)
	}
	if _, err := st.PrepareModel(context.Background(), "m"); err != nil {
		t.Fatalf("first prepare: %v", err)
	}
	if _, err := st.PrepareModel(context.Background(), "m"); err != nil {
		t.Fatalf("second prepare: %v", err)
	}
	if adapter.PrepareCalls() != 1 {
		t.Fatalf("expected the second call to short-circuit on ready status, got %d underlying calls", adapter.PrepareCalls())
	}
}

func TestPrepareModel_UnknownModel(t *testing.T) {
	st := New(testModels("m"), 2, zap.NewNop())
	if err := st.Init(engine.Registry{"fake": &enginetest.Adapter{}}); err != nil {
		t.Fatalf("init: %v", err)
	}
	if _, err := st.PrepareModel(context.Background(), "nope"); err == nil {
		t.Fatalf("expected an error for an unconfigured model")
	}
}

func TestPrepareModel_RetriesTransientThenSucceeds(t *testing.T) {
	var calls int
	adapter := &enginetest.Adapter{
		RetryableFunc: func(err error) bool { return true },
	}
	failOnce := &wrappingAdapter{Adapter: adapter, fail: func() error {
		calls++
		if calls < 2 {
			return errors.New("transient failure")
		}
		return nil
	}}
	st := New(testModels("m"), 2, zap.NewNop())
	if err := st.Init(engine.Registry{"fake": failOnce}); err != nil {
		t.Fatalf("init: %v", err)
	}
	if _, err := st.PrepareModel(context.Background(), "m"); err != nil {
		t.Fatalf("expected the retry to eventually succeed: %v", err)
	}
	if calls < 2 {
		t.Fatalf("expected at least 2 underlying attempts, got %d", calls)
	}
}

func TestPrepareModel_PermanentErrorDoesNotRetry(t *testing.T) {
	adapter := &enginetest.Adapter{RetryableFunc: func(err error) bool { return false }}
	wrapped := &wrappingAdapter{Adapter: adapter, fail: func() error { return errors.New("permanent") }}
	st := New(testModels("m"), 2, zap.NewNop())
	if err := st.Init(engine.Registry{"fake": wrapped}); err != nil {
		t.Fatalf("init: %v", err)
	}
	if _, err := st.PrepareModel(context.Background(), "m"); err == nil {
		t.Fatalf("expected a permanent failure to propagate")
	}
	if wrapped.attempts != 1 {
		t.Fatalf("expected exactly one attempt for a non-retryable error, got %d", wrapped.attempts)
	}
}

func TestRecentEvents_RecordsPreparationLifecycle(t *testing.T) {
	st := New(testModels("m"), 2, zap.NewNop())
	if err := st.Init(engine.Registry{"fake": &enginetest.Adapter{}}); err != nil {
		t.Fatalf("init: %v", err)
	}
	if _, err := st.PrepareModel(context.Background(), "m"); err != nil {
		t.Fatalf("prepare: %v", err)
	}

	events := st.RecentEvents()
	if len(events) != 2 {
		t.Fatalf("expected a started and a ready event, got %d: %+v", len(events), events)
	}
	if events[0].Message != "preparation started" || events[1].Message != "model ready" {
		t.Fatalf("unexpected event sequence: %+v", events)
	}
	for _, ev := range events {
		if ev.Model != "m" || ev.Level != "info" || ev.Time.IsZero() {
			t.Fatalf("malformed event: %+v", ev)
		}
	}
}

func TestRecentEvents_FailureRecordsErrorEvent(t *testing.T) {
	adapter := &enginetest.Adapter{RetryableFunc: func(err error) bool { return false }}
	wrapped := &wrappingAdapter{Adapter: adapter, fail: func() error { return errors.New("boom") }}
	st := New(testModels("m"), 2, zap.NewNop())
	if err := st.Init(engine.Registry{"fake": wrapped}); err != nil {
		t.Fatalf("init: %v", err)
	}
	if _, err := st.PrepareModel(context.Background(), "m"); err == nil {
		t.Fatalf("expected prepare to fail")
	}

	events := st.RecentEvents()
	last := events[len(events)-1]
	if last.Level != "error" {
		t.Fatalf("expected the last event to be an error, got %+v", last)
	}
}

// wrappingAdapter injects a failure hook in front of enginetest.Adapter's
// PrepareModel while still delegating retry classification to it.
type wrappingAdapter struct {
	*enginetest.Adapter
	fail     func() error
	attempts int
}

func (w *wrappingAdapter) PrepareModel(ctx context.Context, pctx engine.PrepareCtx, onProgress engine.ProgressFunc) (engine.Meta, error) {
	w.attempts++
	if err := w.fail(); err != nil {
		return nil, err
	}
	return w.Adapter.PrepareModel(ctx, pctx, onProgress)
}
