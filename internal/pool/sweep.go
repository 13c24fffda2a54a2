package pool

import (
	"time"

	"github.com/iimez/llmpool/internal/instance"
)

// sweepLoop disposes idle instances that have outlived their model's ttl,
// provided doing so would not drop below minInstances. Disposal happens
// outside the scheduler lock; only the slot bookkeeping is mutated while
// holding it.
func (p *Pool) sweepLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.runSweep()
		case <-p.sweepStop:
			return
		}
	}
}

func (p *Pool) runSweep() {
	var toDispose []*instance.Instance

	p.mu.Lock()
	for _, ms := range p.models {
		ttl := ms.ttl()
		live := ms.liveCount()
		kept := ms.idle[:0:0]
		for _, inst := range ms.idle {
			if live > ms.cfg.MinInstances && time.Since(inst.LastUsedAt()) > ttl {
				toDispose = append(toDispose, inst)
				live--
				continue
			}
			kept = append(kept, inst)
		}
		ms.idle = kept
	}
	p.mu.Unlock()

	for _, inst := range toDispose {
		_ = inst.Dispose()
	}
}
