package coordinator

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
)

// workerPool runs escalation and purchase jobs concurrently. One pool per
// concern keeps a flood of notifications from starving purchases.
type workerPool struct {
	workers int
	jobs    chan func()
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	running atomic.Bool

	submitted atomic.Uint64
	done      atomic.Uint64
}

func newWorkerPool(workers int) *workerPool {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &workerPool{
		workers: workers,
		jobs:    make(chan func(), workers*16),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (p *workerPool) start() {
	if p.running.Swap(true) {
		return
	}
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
}

func (p *workerPool) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case job, ok := <-p.jobs:
			if !ok {
				return
			}
			job()
			p.done.Add(1)
		}
	}
}

// submit queues a job. Returns false when the pool is stopped or full; the
// caller retries the work on a later tick.
func (p *workerPool) submit(job func()) bool {
	if !p.running.Load() {
		return false
	}
	select {
	case p.jobs <- job:
		p.submitted.Add(1)
		return true
	default:
		return false
	}
}

// drain blocks until every submitted job has finished. Used by one-shot
// ticks so results are visible before the process exits.
func (p *workerPool) drain() {
	for p.done.Load() < p.submitted.Load() {
		select {
		case <-p.ctx.Done():
			return
		case job, ok := <-p.jobs:
			if !ok {
				return
			}
			job()
			p.done.Add(1)
		default:
			runtime.Gosched()
		}
	}
}

func (p *workerPool) stop() {
	if !p.running.Swap(false) {
		return
	}
	p.cancel()
	close(p.jobs)
	p.wg.Wait()
}
