package pool

import (
	"context"
	"fmt"
	"time"

	"github.com/sony/gobreaker"

	"github.com/iimez/llmpool/internal/engine"
	"github.com/iimez/llmpool/internal/errs"
	"github.com/iimez/llmpool/internal/instance"
	"github.com/iimez/llmpool/internal/request"
)

// spawn constructs and loads a new instance for ms, counting it toward
// maxInstances while the load is in progress so concurrent requesters
// don't over-subscribe. Called with p.mu held; releases it for the
// duration of the engine call and reacquires before returning.
func (p *Pool) spawn(ctx context.Context, req *request.Request, ms *modelState) (*instance.Instance, error) {
	ms.loading++
	adapter := p.engines[ms.cfg.Engine]
	gpu := p.decideGPU(ms, adapter)

	modelStatus, err := p.store.ModelStatus(req.Model)
	if err != nil {
		ms.loading--
		return nil, err
	}
	meta := modelStatus.Meta

	inst := instance.New(ms.cfg, adapter, gpu, p.log)

	p.mu.Unlock()
	loadStart := time.Now()
	_, breakerErr := ms.breaker.Execute(func() (any, error) {
		return nil, inst.Load(ctx, meta)
	})
	if breakerErr == nil && p.onLoad != nil {
		p.onLoad(ms.cfg.ID, time.Since(loadStart))
	}
	p.mu.Lock()

	ms.loading--
	if breakerErr != nil {
		if breakerErr == gobreaker.ErrOpenState || breakerErr == gobreaker.ErrTooManyRequests {
			return nil, errs.Wrap(errs.KindInstanceLoadError, req.Model, "circuit breaker open after repeated load failures", breakerErr)
		}
		return nil, breakerErr
	}

	if err := inst.Lock(fmt.Sprintf("seq:%d", req.Sequence)); err != nil {
		return nil, err
	}
	ms.cond.Broadcast() // spawn(instance) event
	return inst, nil
}

func (p *Pool) decideGPU(ms *modelState, adapter engine.Adapter) bool {
	if !ms.cfg.Device.GPU.Auto {
		return ms.cfg.Device.GPU.Required
	}
	if reporter, ok := adapter.(engine.AutoGPUReporter); ok {
		return reporter.AutoGPU()
	}
	return p.advisor.DecideGPU(ms.cfg.Device.GPU)
}
