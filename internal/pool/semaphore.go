package pool

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// weightedSemaphore wraps golang.org/x/sync/semaphore.Weighted with an
// in-use counter, since the upstream type doesn't expose one, to back
// GetStatus's "processing count".
type weightedSemaphore struct {
	sem   *semaphore.Weighted
	inUse atomic.Int64
}

func newWeightedSemaphore(width int) *weightedSemaphore {
	return &weightedSemaphore{sem: semaphore.NewWeighted(int64(width))}
}

func (w *weightedSemaphore) Acquire(ctx context.Context) error {
	if err := w.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	w.inUse.Add(1)
	return nil
}

func (w *weightedSemaphore) Release() {
	w.inUse.Add(-1)
	w.sem.Release(1)
}

func (w *weightedSemaphore) InUse() int {
	return int(w.inUse.Load())
}
