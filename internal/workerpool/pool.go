// Package workerpool runs blocking disk operations on a fixed set of workers.
//
// Each job is routed by key: all jobs for one key land on the same worker and
// execute in submission order, while jobs for different keys spread across
// workers and proceed in parallel. A slow operation therefore only delays the
// keys that share its worker.
package workerpool

import (
	"context"
	"errors"
	"sync"

	"github.com/fdbkv/fdb/pkg/hash"
)

const defaultQueueDepth = 64

// ErrClosed is returned by Do after Close.
var ErrClosed = errors.New("worker pool closed")

type job struct {
	fn   func() error
	done chan error
}

// Pool is a bounded set of key-affine workers.
type Pool struct {
	queues []chan job
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
}

// New starts a pool with the given number of workers, at least one.
func New(workers int) *Pool {
	if workers < 1 {
		workers = 1
	}
	p := &Pool{queues: make([]chan job, workers)}
	for i := range p.queues {
		q := make(chan job, defaultQueueDepth)
		p.queues[i] = q
		p.wg.Add(1)
		go p.work(q)
	}
	return p
}

func (p *Pool) work(q chan job) {
	defer p.wg.Done()
	for j := range q {
		j.done <- j.fn()
	}
}

// Size returns the number of workers.
func (p *Pool) Size() int { return len(p.queues) }

// Do runs fn on the worker owning key and waits for its result. If ctx ends
// first Do returns ctx.Err(); a job that was already queued still runs.
func (p *Pool) Do(ctx context.Context, key string, fn func() error) error {
	j := job{fn: fn, done: make(chan error, 1)}

	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return ErrClosed
	}
	select {
	case p.queues[hash.Slot(key, len(p.queues))] <- j:
		p.mu.RUnlock()
	case <-ctx.Done():
		p.mu.RUnlock()
		return ctx.Err()
	}

	select {
	case err := <-j.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting jobs, lets queued ones finish and waits for the
// workers to exit. It is safe to call more than once.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for _, q := range p.queues {
		close(q)
	}
	p.mu.Unlock()
	p.wg.Wait()
}
