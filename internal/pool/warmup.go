package pool

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/iimez/llmpool/internal/instance"
)

// WarmUp brings every model up to its configured min_instances by loading
// instances that go straight to idle. Called once at startup. A model whose
// preparation or load fails is logged and skipped rather than aborting the
// rest; on-demand spawning can still bring it up later if the failure was
// transient.
func (p *Pool) WarmUp(ctx context.Context) error {
	p.mu.Lock()
	var targets []string
	for modelID, ms := range p.models {
		if ms.cfg.MinInstances > 0 {
			targets = append(targets, modelID)
		}
	}
	p.mu.Unlock()

	var firstErr error
	record := func(modelID string, err error) {
		p.log.Warn("warm-up failed", zap.String("model", modelID), zap.Error(err))
		if firstErr == nil {
			firstErr = err
		}
	}

	for _, modelID := range targets {
		if _, err := p.store.PrepareModel(ctx, modelID); err != nil {
			record(modelID, err)
			continue
		}
		p.mu.Lock()
		ms := p.models[modelID]
		for ms.liveCount() < ms.cfg.MinInstances && ctx.Err() == nil {
			if err := p.spawnIdle(ctx, ms); err != nil {
				record(modelID, err)
				break
			}
		}
		p.mu.Unlock()
	}
	if firstErr == nil && ctx.Err() != nil {
		firstErr = ctx.Err()
	}
	return firstErr
}

// spawnIdle constructs and loads a new instance and parks it idle, without
// locking it for any request. Called with p.mu held; releases it for the
// duration of the engine call.
func (p *Pool) spawnIdle(ctx context.Context, ms *modelState) error {
	ms.loading++
	adapter := p.engines[ms.cfg.Engine]
	gpu := p.decideGPU(ms, adapter)

	modelStatus, err := p.store.ModelStatus(ms.cfg.ID)
	if err != nil {
		ms.loading--
		return err
	}
	meta := modelStatus.Meta

	inst := instance.New(ms.cfg, adapter, gpu, p.log)

	p.mu.Unlock()
	loadStart := time.Now()
	loadErr := inst.Load(ctx, meta)
	if loadErr == nil && p.onLoad != nil {
		p.onLoad(ms.cfg.ID, time.Since(loadStart))
	}
	p.mu.Lock()

	ms.loading--
	if loadErr != nil {
		return loadErr
	}
	ms.idle = append(ms.idle, inst)
	ms.cond.Broadcast()
	return nil
}
