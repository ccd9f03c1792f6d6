// Package task runs fire-and-forget work on a bounded number of goroutines.
//
// Submit never blocks: when every slot is busy the task is dropped and the
// drop is counted. Callers that need the outcome of a task record it from
// inside the task itself.
package task

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"driver-hub/common/log"

	"golang.org/x/sync/semaphore"
)

// Pool bounds concurrent fire-and-forget tasks.
type Pool struct {
	sem     *semaphore.Weighted
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	size    int64
	running atomic.Int64
	dropped atomic.Uint64
	done    atomic.Uint64
}

// NewPool creates a pool allowing at most size tasks in flight.
func NewPool(size int) *Pool {
	if size <= 0 {
		size = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		sem:    semaphore.NewWeighted(int64(size)),
		ctx:    ctx,
		cancel: cancel,
		size:   int64(size),
	}
}

// Submit starts fn in the background if a slot is free. It reports whether
// the task was accepted. fn receives a context cancelled by Shutdown.
func (p *Pool) Submit(name string, fn func(ctx context.Context)) bool {
	if p.ctx.Err() != nil || !p.sem.TryAcquire(1) {
		p.dropped.Add(1)
		log.Warn(fmt.Sprintf("task pool saturated, dropping task %s", name), log.Fields{"task": name})
		return false
	}

	p.wg.Add(1)
	p.running.Add(1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error(fmt.Sprintf("task %s panicked: %v", name, r), log.Fields{"task": name})
			}
			p.running.Add(-1)
			p.done.Add(1)
			p.sem.Release(1)
			p.wg.Done()
		}()
		fn(p.ctx)
	}()
	return true
}

// Wait blocks until every accepted task has returned.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Shutdown cancels the context handed to running tasks and waits for them.
func (p *Pool) Shutdown() {
	p.cancel()
	p.wg.Wait()
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Size      int64  `json:"size"`
	Running   int64  `json:"running"`
	Completed uint64 `json:"completed"`
	Dropped   uint64 `json:"dropped"`
}

func (p *Pool) Stats() Stats {
	return Stats{
		Size:      p.size,
		Running:   p.running.Load(),
		Completed: p.done.Load(),
		Dropped:   p.dropped.Load(),
	}
}
