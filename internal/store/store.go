// Package store owns on-disk model artifacts: it prepares every configured
// model exactly once per process lifetime and reports readiness and
// download progress.
package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/iimez/llmpool/internal/config"
	"github.com/iimez/llmpool/internal/engine"
	"github.com/iimez/llmpool/internal/errs"
)

// Status is a model's readiness state.
type Status int

const (
	StatusUnloaded Status = iota
	StatusPreparing
	StatusReady
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusUnloaded:
		return "unloaded"
	case StatusPreparing:
		return "preparing"
	case StatusReady:
		return "ready"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// StoredModel is the Store's per-model bookkeeping record.
type StoredModel struct {
	Config   config.ModelConfig
	Status   Status
	Meta     engine.Meta
	Progress []*DownloadProgress
	Err      error
}

// prepareCall is the single in-flight preparation for one model; additional
// callers join via the same done channel instead of starting a second
// preparation.
type prepareCall struct {
	done chan struct{}
	meta engine.Meta
	err  error
}

// Store tracks per-model readiness and deduplicates preparation work.
type Store struct {
	log      *zap.Logger
	engines  engine.Registry
	sem      *semaphore.Weighted
	disposed context.Context
	cancel   context.CancelFunc

	mu       sync.Mutex
	models   map[string]*StoredModel
	inflight map[string]*prepareCall
	events   []Event
	eventPos int
}

// New constructs a Store over the given model configs, bounding concurrent
// preparations to prepareConcurrency (default 2 if <= 0).
func New(models map[string]config.ModelConfig, prepareConcurrency int, log *zap.Logger) *Store {
	if prepareConcurrency <= 0 {
		prepareConcurrency = 2
	}
	ctx, cancel := context.WithCancel(context.Background())
	st := &Store{
		log:      log.Named("store"),
		sem:      semaphore.NewWeighted(int64(prepareConcurrency)),
		disposed: ctx,
		cancel:   cancel,
		models:   make(map[string]*StoredModel, len(models)),
		inflight: make(map[string]*prepareCall),
	}
	for id, cfg := range models {
		st.models[id] = &StoredModel{Config: cfg, Status: StatusUnloaded}
	}
	return st
}

// Init resolves every blocking model (prepare == "blocking" or
// minInstances > 0) before returning, and schedules async models in the
// background.
func (s *Store) Init(engines engine.Registry) error {
	s.engines = engines

	var blocking, async []string
	s.mu.Lock()
	for id, m := range s.models {
		if m.Config.Prepare == "blocking" || m.Config.MinInstances > 0 {
			blocking = append(blocking, id)
		} else {
			async = append(async, id)
		}
	}
	s.mu.Unlock()

	// Blocking models prepare concurrently; the prepare semaphore still
	// bounds how many run at once.
	var g errgroup.Group
	for _, id := range blocking {
		id := id
		g.Go(func() error {
			if _, err := s.PrepareModel(context.Background(), id); err != nil {
				return fmt.Errorf("prepare blocking model %q: %w", id, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	for _, id := range async {
		id := id
		go func() {
			if _, err := s.PrepareModel(s.disposed, id); err != nil {
				s.log.Warn("async model preparation failed", zap.String("model", id), zap.Error(err))
			}
		}()
	}
	return nil
}

// PrepareModel idempotently prepares modelID, deduplicating concurrent
// callers onto one in-flight attempt and retrying transient engine errors
// with exponential backoff. signal ends only this caller's wait; the shared
// attempt runs on until it finishes or the store is disposed.
func (s *Store) PrepareModel(signal context.Context, modelID string) (engine.Meta, error) {
	s.mu.Lock()
	m, ok := s.models[modelID]
	if !ok {
		s.mu.Unlock()
		return nil, errs.New(errs.KindModelNotFound, modelID, "model not configured")
	}
	if m.Status == StatusReady {
		meta := m.Meta
		s.mu.Unlock()
		return meta, nil
	}
	if m.Status == StatusError {
		err := m.Err
		s.mu.Unlock()
		return nil, errs.Wrap(errs.KindModelNotReady, modelID, "model preparation previously failed; retryable only by process restart", err)
	}
	if call, ok := s.inflight[modelID]; ok {
		s.mu.Unlock()
		return s.joinCall(signal, call)
	}

	call := &prepareCall{done: make(chan struct{})}
	s.inflight[modelID] = call
	m.Status = StatusPreparing
	s.recordEventLocked("info", modelID, "preparation started")
	cfg := m.Config
	s.mu.Unlock()

	go s.runPrepare(modelID, cfg, call)

	return s.joinCall(signal, call)
}

func (s *Store) joinCall(signal context.Context, call *prepareCall) (engine.Meta, error) {
	select {
	case <-call.done:
		return call.meta, call.err
	case <-signal.Done():
		return nil, errs.Wrap(errs.KindCancelled, "", "prepareModel cancelled", signal.Err())
	case <-s.disposed.Done():
		return nil, errs.New(errs.KindCancelled, "", "store disposed")
	}
}

func (s *Store) runPrepare(modelID string, cfg config.ModelConfig, call *prepareCall) {
	if err := s.sem.Acquire(s.disposed, 1); err != nil {
		call.err = errs.Wrap(errs.KindCancelled, modelID, "prepare semaphore acquire cancelled", err)
		s.finishPrepare(modelID, call)
		return
	}
	defer s.sem.Release(1)

	adapter, ok := s.engines[cfg.Engine]
	if !ok {
		call.err = errs.New(errs.KindConfig, modelID, fmt.Sprintf("unknown engine %q", cfg.Engine))
		s.finishPrepare(modelID, call)
		return
	}
	preparer, ok := adapter.(engine.ModelPreparer)
	if !ok {
		// Engines without a PrepareModel hook need no artifact preparation.
		call.meta = engine.Meta{}
		s.finishPrepare(modelID, call)
		return
	}

	onProgress := func(p engine.Progress) {
		s.recordProgress(modelID, p)
	}

	meta, err := s.prepareWithRetry(s.disposed, cfg, preparer, onProgress)
	call.meta = meta
	call.err = err
	s.finishPrepare(modelID, call)
}

// prepareWithRetry retries transient errors (per the adapter's optional
// IsRetryable hook) with exponential backoff, at most prepareMaxRetries
// times and never past ctx.
func (s *Store) prepareWithRetry(ctx context.Context, cfg config.ModelConfig, preparer engine.ModelPreparer, onProgress engine.ProgressFunc) (engine.Meta, error) {
	classifier, _ := preparer.(engine.RetryClassifier)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0 // bounded by ctx and the retry cap, not wall-clock
	bk := backoff.WithContext(backoff.WithMaxRetries(bo, prepareMaxRetries), ctx)

	var meta engine.Meta
	operation := func() error {
		var err error
		meta, err = preparer.PrepareModel(ctx, engine.PrepareCtx{Config: cfg, Log: storeLogAdapter{s.log}}, onProgress)
		if err == nil {
			return nil
		}
		if classifier != nil && !classifier.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	if err := backoff.Retry(operation, bk); err != nil {
		return nil, errs.Wrap(errs.KindInstanceLoadError, cfg.ID, "model preparation failed", err)
	}
	return meta, nil
}

// prepareMaxRetries caps retries of transient prepare errors, so a blocking
// model whose preparation keeps failing ends in error instead of stalling
// Init.
const prepareMaxRetries = 4

func (s *Store) finishPrepare(modelID string, call *prepareCall) {
	s.mu.Lock()
	m := s.models[modelID]
	if call.err != nil {
		m.Status = StatusError
		m.Err = call.err
		s.recordEventLocked("error", modelID, "preparation failed: "+call.err.Error())
	} else {
		m.Status = StatusReady
		m.Meta = call.meta
		m.Err = nil
		s.recordEventLocked("info", modelID, "model ready")
	}
	delete(s.inflight, modelID)
	s.mu.Unlock()
	close(call.done)
}

func (s *Store) recordProgress(modelID string, p engine.Progress) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.models[modelID]
	if !ok {
		return
	}
	for _, existing := range m.Progress {
		if existing.File == p.File {
			existing.Observe(p.LoadedBytes)
			existing.TotalBytes = p.TotalBytes
			return
		}
	}
	dp := NewDownloadProgress(p.File, p.TotalBytes, 5*time.Second)
	dp.Observe(p.LoadedBytes)
	m.Progress = append(m.Progress, dp)
}

// StatusSnapshot is one model's status as returned by GetStatus.
type StatusSnapshot struct {
	ModelID  string
	Status   Status
	Err      error
	Progress []Snapshot
}

// GetStatus returns a snapshot of every configured model's status plus any
// active download progress.
func (s *Store) GetStatus() []StatusSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]StatusSnapshot, 0, len(s.models))
	for id, m := range s.models {
		snap := StatusSnapshot{ModelID: id, Status: m.Status, Err: m.Err}
		for _, p := range m.Progress {
			snap.Progress = append(snap.Progress, p.Snapshot())
		}
		out = append(out, snap)
	}
	return out
}

// ModelStatus returns one model's status, or KindModelNotFound.
func (s *Store) ModelStatus(modelID string) (StoredModel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.models[modelID]
	if !ok {
		return StoredModel{}, errs.New(errs.KindModelNotFound, modelID, "model not configured")
	}
	return *m, nil
}

// Dispose aborts all in-flight preparations.
func (s *Store) Dispose() {
	s.cancel()
}

type storeLogAdapter struct{ l *zap.Logger }

func (a storeLogAdapter) Debugf(format string, args ...any) { a.l.Sugar().Debugf(format, args...) }
func (a storeLogAdapter) Infof(format string, args ...any)  { a.l.Sugar().Infof(format, args...) }
func (a storeLogAdapter) Warnf(format string, args ...any)  { a.l.Sugar().Warnf(format, args...) }
func (a storeLogAdapter) Errorf(format string, args ...any) { a.l.Sugar().Errorf(format, args...) }
