package pool

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/iimez/llmpool/internal/engine"
	"github.com/iimez/llmpool/internal/errs"
	"github.com/iimez/llmpool/internal/instance"
	"github.com/iimez/llmpool/internal/request"
)

// selectOrWait runs the selection algorithm: context-cache hit, idle
// empty-context, idle LRU with reset, spawn, wait. It blocks on ms.cond
// when no candidate is ready and re-evaluates on every spawn/release event
// until one is, or ctx is cancelled.
//
// Within one model, requests are served in sequence order. The one
// exception: when promotion is enabled, a younger request whose messages
// match an idle instance's cached context may take that instance ahead of
// older waiters that would not match.
func (p *Pool) selectOrWait(ctx context.Context, req *request.Request, ms *modelState) (*instance.Instance, error) {
	requiresGPU := !ms.cfg.Device.GPU.Auto && ms.cfg.Device.GPU.Required

	// Wake this waiter's cond.Wait if ctx is cancelled out from under it;
	// sync.Cond has no native context support.
	stopWatch := make(chan struct{})
	defer close(stopWatch)
	go func() {
		select {
		case <-ctx.Done():
			p.mu.Lock()
			ms.cond.Broadcast()
			p.mu.Unlock()
		case <-stopWatch:
		}
	}()

	p.mu.Lock()
	defer p.mu.Unlock()

	ms.queue = append(ms.queue, req.Sequence)
	defer func() {
		// Runs before the mutex unlock above. Leaving the queue (served or
		// cancelled) may unblock the next-oldest waiter.
		removeQueued(ms, req.Sequence)
		ms.cond.Broadcast()
	}()

	for {
		if ctx.Err() != nil {
			return nil, errs.Wrap(errs.KindCancelled, req.Model, "requestInstance cancelled while waiting", ctx.Err())
		}
		if p.shutdown {
			return nil, errs.New(errs.KindIllegalState, req.Model, "pool is shutting down")
		}

		isOldest := oldestQueued(ms) == req.Sequence

		// Step 1: context-cache hit. Taken out of turn only when promotion
		// is enabled.
		if hit := p.pickContextHit(req, ms, requiresGPU); hit != nil && (isOldest || p.promote) {
			if inst := p.takeIdle(req, ms, hit); inst != nil {
				p.maybePrewarm(ms)
				return inst, nil
			}
			continue
		}

		if isOldest {
			// Steps 2-3: idle empty-context, then idle LRU with reset.
			if cand := pickFallback(req, ms, requiresGPU); cand != nil {
				if inst := p.takeIdle(req, ms, cand); inst != nil {
					p.maybePrewarm(ms)
					return inst, nil
				}
				continue
			}

			// Step 4: spawn.
			if ms.liveCount() < ms.cfg.MaxInstances {
				inst, err := p.spawn(ctx, req, ms)
				if err != nil {
					// The triggering request sees the spawn failure; other
					// waiters wake and retry selection themselves.
					return nil, err
				}
				ms.busy[inst.ID] = inst
				p.busyWG.Add(1)
				return inst, nil
			}
		}

		// Step 5: wait for a spawn/release event naming this model.
		ms.waiters++
		ms.cond.Wait()
		ms.waiters--
	}
}

// takeIdle locks inst and moves it to busy. Returns nil if the lock raced.
func (p *Pool) takeIdle(req *request.Request, ms *modelState, inst *instance.Instance) *instance.Instance {
	if err := inst.Lock(fmt.Sprintf("seq:%d", req.Sequence)); err != nil {
		return nil
	}
	removeIdle(ms, inst)
	ms.busy[inst.ID] = inst
	p.busyWG.Add(1)
	return inst
}

// maybePrewarm opportunistically spawns an extra instance when other
// requests are still queued for this model and capacity remains. Best
// effort; a failed pre-warm load is only logged.
func (p *Pool) maybePrewarm(ms *modelState) {
	if len(ms.queue) <= 1 || ms.liveCount() >= ms.cfg.MaxInstances {
		return
	}
	go func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.shutdown || len(ms.queue) == 0 || ms.liveCount() >= ms.cfg.MaxInstances {
			return
		}
		if err := p.spawnIdle(context.Background(), ms); err != nil {
			p.log.Debug("pre-warm spawn failed", zap.Error(err))
		}
	}()
}

// pickContextHit implements step 1 over the idle set, without side effects.
func (p *Pool) pickContextHit(req *request.Request, ms *modelState, requiresGPU bool) *instance.Instance {
	candidates := idleCandidates(req, ms, requiresGPU)
	if len(candidates) == 0 {
		return nil
	}
	if req.Chat != nil {
		return bestCacheHit(candidates, toChatMessages(req.Chat.Messages))
	}
	if req.Text != nil {
		continuationOK := false
		if sup, ok := p.engines[ms.cfg.Engine].(engine.PrefixContinuationSupporter); ok {
			continuationOK = sup.SupportsPrefixContinuation()
		}
		return bestTextCacheHit(candidates, req.Text.Prompt, continuationOK)
	}
	return nil
}

// pickFallback implements steps 2-3: idle empty-context, then idle LRU
// marked for reset. The reset mark is the side effect that makes this
// caller-must-take.
func pickFallback(req *request.Request, ms *modelState, requiresGPU bool) *instance.Instance {
	candidates := idleCandidates(req, ms, requiresGPU)
	if len(candidates) == 0 {
		return nil
	}

	for _, inst := range candidates {
		if inst.ContextHash() == "" {
			return inst
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].LastUsedAt().Before(candidates[j].LastUsedAt())
	})
	lru := candidates[0]
	lru.Reset()
	return lru
}

func idleCandidates(req *request.Request, ms *modelState, requiresGPU bool) []*instance.Instance {
	var candidates []*instance.Instance
	for _, inst := range ms.idle {
		if inst.MatchesRequirements(req.Model, requiresGPU) {
			candidates = append(candidates, inst)
		}
	}
	return candidates
}

func bestCacheHit(candidates []*instance.Instance, messages []engine.ChatMessageIn) *instance.Instance {
	var best *instance.Instance
	for _, inst := range candidates {
		if !inst.MatchesChatContextState(messages) {
			continue
		}
		if best == nil || inst.LastUsedAt().After(best.LastUsedAt()) {
			best = inst
		}
	}
	return best
}

func bestTextCacheHit(candidates []*instance.Instance, prompt string, continuationOK bool) *instance.Instance {
	var best *instance.Instance
	for _, inst := range candidates {
		if !inst.MatchesTextContextState(prompt, continuationOK) {
			continue
		}
		if best == nil || inst.LastUsedAt().After(best.LastUsedAt()) {
			best = inst
		}
	}
	return best
}

func toChatMessages(msgs []request.ChatMessage) []engine.ChatMessageIn {
	out := make([]engine.ChatMessageIn, len(msgs))
	for i, m := range msgs {
		out[i] = engine.ChatMessageIn{Role: m.Role, Content: m.Content}
	}
	return out
}

func removeIdle(ms *modelState, inst *instance.Instance) {
	for i, c := range ms.idle {
		if c == inst {
			ms.idle = append(ms.idle[:i], ms.idle[i+1:]...)
			return
		}
	}
}

// oldestQueued returns the smallest sequence currently in selection for
// this model, or 0 when none are.
func oldestQueued(ms *modelState) uint64 {
	var min uint64
	for _, seq := range ms.queue {
		if min == 0 || seq < min {
			min = seq
		}
	}
	return min
}

func removeQueued(ms *modelState, seq uint64) {
	for i, s := range ms.queue {
		if s == seq {
			ms.queue = append(ms.queue[:i], ms.queue[i+1:]...)
			return
		}
	}
}
