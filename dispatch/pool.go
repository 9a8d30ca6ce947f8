package dispatch

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Pool runs user operations on a bounded number of goroutines.
type Pool struct {
	sem  *semaphore.Weighted
	size int64

	// Wait group for graceful shutdown
	wg sync.WaitGroup

	running int64
}

// NewPool creates a pool of size workers.
func NewPool(size int) *Pool {
	if size <= 0 {
		size = 1
	}
	return &Pool{
		sem:  semaphore.NewWeighted(int64(size)),
		size: int64(size),
	}
}

// Go runs fn once a worker is free. It blocks while the pool is full and
// fails only if ctx is done first.
func (p *Pool) Go(ctx context.Context, fn func()) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}

	p.wg.Add(1)
	atomic.AddInt64(&p.running, 1)
	go func() {
		defer p.wg.Done()
		defer p.sem.Release(1)
		defer atomic.AddInt64(&p.running, -1)
		fn()
	}()
	return nil
}

// Running returns the number of busy workers.
func (p *Pool) Running() int {
	return int(atomic.LoadInt64(&p.running))
}

// Size returns the number of workers.
func (p *Pool) Size() int {
	return int(p.size)
}

// Wait blocks until every started task returned.
func (p *Pool) Wait() {
	p.wg.Wait()
}
