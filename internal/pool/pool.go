// Package pool turns a stream of requests into a valid interleaving of
// locked-instance usages that respects concurrency, per-model capacity, and
// device constraints, while maximizing context-cache reuse.
package pool

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/iimez/llmpool/internal/config"
	"github.com/iimez/llmpool/internal/device"
	"github.com/iimez/llmpool/internal/engine"
	"github.com/iimez/llmpool/internal/errs"
	"github.com/iimez/llmpool/internal/instance"
	"github.com/iimez/llmpool/internal/request"
	"github.com/iimez/llmpool/internal/store"
)

// modelState is the per-model bookkeeping the scheduler keeps under the
// single scheduler lock.
type modelState struct {
	cfg         config.ModelConfig
	idle        []*instance.Instance
	busy        map[string]*instance.Instance
	loading     int // spawns in progress; counts toward maxInstances
	waiters     int // requests currently blocked in ms.cond.Wait(), for status reporting
	cond        *sync.Cond
	breaker     *gobreaker.CircuitBreaker
	ttlOverride time.Duration // runtime override of cfg ttl; 0 means none
	queue       []uint64      // sequences currently in selectOrWait, for FIFO ordering
}

// ttl resolves the effective idle-eviction TTL for this model.
func (m *modelState) ttl() time.Duration {
	if m.ttlOverride > 0 {
		return m.ttlOverride
	}
	return m.cfg.TTL()
}

func (m *modelState) liveCount() int {
	return len(m.idle) + len(m.busy) + m.loading
}

// Lease is returned by RequestInstance: the caller must call Release when
// done with the instance.
type Lease struct {
	Instance *instance.Instance
	pool     *Pool
	model    string
}

// Release returns the leased instance to the pool and signals waiters.
func (l *Lease) Release() {
	l.pool.release(l.Instance, l.model)
}

// Pool owns every instance and schedules requests onto them.
type Pool struct {
	log     *zap.Logger
	store   *store.Store
	engines engine.Registry
	advisor *device.Advisor

	concurrency *weightedSemaphore
	promote     bool
	onLoad      func(model string, dur time.Duration)

	mu        sync.Mutex
	models    map[string]*modelState
	nextSeq   uint64
	shutdown  bool
	busyWG    sync.WaitGroup
	sweepStop chan struct{}
	sweepOnce sync.Once
	taskIndex *lru.Cache[string, *taskEntry]
}

type taskEntry struct {
	Model     string
	CreatedAt time.Time
	Cancel    func()
}

// Config bundles the pool's tunables.
type Config struct {
	Concurrency     int
	TTLSweepSeconds int
	// PromoteCacheHits lets a waiter whose request matches an idle
	// instance's cached context jump ahead of older waiters.
	PromoteCacheHits bool
	// OnInstanceLoad, if set, is invoked after every successful engine load
	// with the model id and load duration (metrics hook).
	OnInstanceLoad func(model string, dur time.Duration)
}

// New constructs a Pool over the given model configs.
func New(cfg Config, models map[string]config.ModelConfig, st *store.Store, engines engine.Registry, log *zap.Logger) *Pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	taskIdx, _ := lru.New[string, *taskEntry](4096)
	p := &Pool{
		log:         log.Named("pool"),
		store:       st,
		engines:     engines,
		advisor:     device.NewAdvisor(),
		concurrency: newWeightedSemaphore(cfg.Concurrency),
		promote:     cfg.PromoteCacheHits,
		onLoad:      cfg.OnInstanceLoad,
		models:      make(map[string]*modelState, len(models)),
		sweepStop:   make(chan struct{}),
		taskIndex:   taskIdx,
	}
	for id, mc := range models {
		p.models[id] = &modelState{
			cfg:     mc,
			busy:    make(map[string]*instance.Instance),
			breaker: newBreaker(id),
		}
		p.models[id].cond = sync.NewCond(&p.mu)
	}
	sweepEvery := time.Duration(cfg.TTLSweepSeconds) * time.Second
	if sweepEvery <= 0 {
		sweepEvery = 15 * time.Second
	}
	go p.sweepLoop(sweepEvery)
	return p
}

func newBreaker(modelID string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        modelID,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})
}

// RequestInstance blocks until a suitable instance is locked and charged
// against the global concurrency budget.
func (p *Pool) RequestInstance(ctx context.Context, req *request.Request) (*Lease, error) {
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return nil, errs.New(errs.KindIllegalState, req.Model, "pool is shutting down")
	}
	ms, ok := p.models[req.Model]
	if !ok {
		p.mu.Unlock()
		return nil, errs.New(errs.KindModelNotFound, req.Model, "model not configured")
	}
	p.nextSeq++
	req.Sequence = p.nextSeq
	p.mu.Unlock()

	if _, err := p.store.PrepareModel(ctx, req.Model); err != nil {
		return nil, err
	}

	inst, err := p.selectOrWait(ctx, req, ms)
	if err != nil {
		return nil, err
	}

	if err := p.concurrency.Acquire(ctx); err != nil {
		p.mu.Lock()
		p.unlockBack(inst, ms)
		p.mu.Unlock()
		return nil, errs.Wrap(errs.KindCancelled, req.Model, "concurrency acquire cancelled", err)
	}

	return &Lease{Instance: inst, pool: p, model: req.Model}, nil
}

// unlockBack returns a just-selected instance to idle without going through
// the public release path (used when concurrency acquisition fails after
// selection succeeded, to avoid leaking the lock).
func (p *Pool) unlockBack(inst *instance.Instance, ms *modelState) {
	_ = inst.Unlock()
	delete(ms.busy, inst.ID)
	p.busyWG.Done()
	ms.idle = append(ms.idle, inst)
	ms.cond.Broadcast()
}

// release returns the instance to idle (or drops it if it errored) and
// wakes waiters. If the pool is shutting down, a released instance is
// disposed instead of re-idled so Dispose's wait for outstanding locks
// actually drains them.
func (p *Pool) release(inst *instance.Instance, model string) {
	p.concurrency.Release()

	p.mu.Lock()
	ms := p.models[model]
	delete(ms.busy, inst.ID)
	p.busyWG.Done()
	shuttingDown := p.shutdown
	erroredOut := inst.Status() == instance.StatusError
	if !erroredOut && !shuttingDown {
		_ = inst.Unlock()
		ms.idle = append(ms.idle, inst)
	}
	ms.cond.Broadcast()
	p.mu.Unlock()

	if erroredOut || shuttingDown {
		_ = inst.Dispose()
	}
}

// GetStatus returns a point-in-time snapshot of processing/waiting counts
// and per-instance state.
func (p *Pool) GetStatus() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := Status{Processing: p.concurrency.InUse()}
	for modelID, ms := range p.models {
		ms := ms
		snap := ModelSnapshot{ModelID: modelID, Live: ms.liveCount(), Loading: ms.loading, Waiters: ms.waiters}
		for _, inst := range ms.idle {
			snap.Instances = append(snap.Instances, instanceSnapshot(inst))
		}
		for _, inst := range ms.busy {
			snap.Instances = append(snap.Instances, instanceSnapshot(inst))
		}
		st.Models = append(st.Models, snap)
	}
	return st
}

// Status is the GetStatus payload.
type Status struct {
	Processing int
	Models     []ModelSnapshot
}

// ModelSnapshot summarizes one model's instances.
type ModelSnapshot struct {
	ModelID   string
	Live      int
	Loading   int
	Waiters   int
	Instances []InstanceSnapshot
}

// InstanceSnapshot is a read-only view of one instance for status reporting.
type InstanceSnapshot struct {
	ID         string
	Status     string
	GPU        bool
	LastUsedAt time.Time
}

func instanceSnapshot(inst *instance.Instance) InstanceSnapshot {
	return InstanceSnapshot{ID: inst.ID, Status: inst.Status().String(), GPU: inst.GPU(), LastUsedAt: inst.LastUsedAt()}
}

// Dispose marks the pool shutting down: future requests fail fast,
// outstanding locks are awaited, and all instances are disposed.
func (p *Pool) Dispose() {
	p.sweepOnce.Do(func() { close(p.sweepStop) })

	p.mu.Lock()
	p.shutdown = true
	var toDispose []*instance.Instance
	for _, ms := range p.models {
		toDispose = append(toDispose, ms.idle...)
		ms.idle = nil
		ms.cond.Broadcast() // wake waiters so they fail fast, per "future requests fail fast"
	}
	p.mu.Unlock()

	for _, inst := range toDispose {
		_ = inst.Dispose()
	}

	// Busy instances are disposed by release() as their in-flight task
	// resolves (shutdown makes release() dispose instead of re-idling).
	p.busyWG.Wait()
}

// UnloadIdle disposes every currently-idle instance of modelID, for the
// admin surface's explicit unload action. Busy instances are left alone;
// they return to idle (and become eligible for the next sweep/unload) when
// their task completes.
func (p *Pool) UnloadIdle(modelID string) (int, error) {
	p.mu.Lock()
	ms, ok := p.models[modelID]
	if !ok {
		p.mu.Unlock()
		return 0, errs.New(errs.KindModelNotFound, modelID, "model not configured")
	}
	toDispose := ms.idle
	ms.idle = nil
	p.mu.Unlock()

	for _, inst := range toDispose {
		_ = inst.Dispose()
	}
	return len(toDispose), nil
}

// SetTTLOverride replaces modelID's idle-eviction TTL at runtime; the next
// sweep applies it. A non-positive d clears the override, restoring the
// configured ttl.
func (p *Pool) SetTTLOverride(modelID string, d time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	ms, ok := p.models[modelID]
	if !ok {
		return errs.New(errs.KindModelNotFound, modelID, "model not configured")
	}
	if d < 0 {
		d = 0
	}
	ms.ttlOverride = d
	return nil
}

// RegisterTask records a cancellable in-flight task for admin introspection.
func (p *Pool) RegisterTask(id, model string, cancel func()) {
	p.taskIndex.Add(id, &taskEntry{Model: model, CreatedAt: time.Now(), Cancel: cancel})
}

// CancelTask cancels a previously registered task by id, if still tracked.
func (p *Pool) CancelTask(id string) bool {
	e, ok := p.taskIndex.Get(id)
	if !ok {
		return false
	}
	e.Cancel()
	return true
}
