package worker

import (
	"context"
	"sync"
	"time"
)

type StartOptions[J any] struct {
	Ctx    context.Context
	Jobs   <-chan J
	Handle func(context.Context, J)
	Done   func()
}

// Start runs one worker goroutine draining Jobs until the context is
// cancelled or the channel closes.
func Start[J any](opts StartOptions[J]) {
	go func() {
		if opts.Done != nil {
			defer opts.Done()
		}
		for {
			select {
			case <-opts.Ctx.Done():
				return
			case job, ok := <-opts.Jobs:
				if !ok {
					return
				}
				opts.Handle(opts.Ctx, job)
			}
		}
	}()
}

// Pool runs one serial worker per key. Jobs enqueued under the same key
// execute strictly in enqueue order; different keys run concurrently.
// Workers idle past the reclaim window are torn down and respawned on
// the next job.
type Pool[J any] struct {
	ctx       context.Context
	handle    func(context.Context, string, J)
	queueSize int
	idleAfter time.Duration

	mu      sync.Mutex
	entries map[string]*poolEntry[J]
	wg      sync.WaitGroup
	closed  bool
}

type poolEntry[J any] struct {
	// mu serializes sends against close: a sender holds it for the
	// duration of the send, so the channel is never closed mid-send.
	mu       sync.Mutex
	dead     bool
	jobs     chan J
	lastUsed time.Time
}

type PoolOptions[J any] struct {
	Ctx       context.Context
	Handle    func(ctx context.Context, key string, job J)
	QueueSize int
	IdleAfter time.Duration
}

func NewPool[J any](opts PoolOptions[J]) *Pool[J] {
	queueSize := opts.QueueSize
	if queueSize <= 0 {
		queueSize = 32
	}
	idleAfter := opts.IdleAfter
	if idleAfter <= 0 {
		idleAfter = 10 * time.Minute
	}
	return &Pool[J]{
		ctx:       opts.Ctx,
		handle:    opts.Handle,
		queueSize: queueSize,
		idleAfter: idleAfter,
		entries:   map[string]*poolEntry[J]{},
	}
}

// Enqueue hands a job to the key's worker, spawning it when absent.
// Blocks while the key's queue is full, preserving order instead of
// dropping.
func (p *Pool[J]) Enqueue(ctx context.Context, key string, job J) error {
	if ctx == nil {
		ctx = p.ctx
	}
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return context.Canceled
		}
		entry, ok := p.entries[key]
		if !ok {
			entry = &poolEntry[J]{jobs: make(chan J, p.queueSize)}
			p.entries[key] = entry
			p.wg.Add(1)
			Start(StartOptions[J]{
				Ctx:  p.ctx,
				Jobs: entry.jobs,
				Handle: func(workerCtx context.Context, job J) {
					p.handle(workerCtx, key, job)
				},
				Done: p.wg.Done,
			})
		}
		entry.lastUsed = time.Now()
		p.mu.Unlock()

		entry.mu.Lock()
		if entry.dead {
			// Reaped between lookup and send; respawn and retry.
			entry.mu.Unlock()
			continue
		}
		select {
		case <-ctx.Done():
			entry.mu.Unlock()
			return ctx.Err()
		case <-p.ctx.Done():
			entry.mu.Unlock()
			return p.ctx.Err()
		case entry.jobs <- job:
			entry.mu.Unlock()
			return nil
		}
	}
}

// Reap tears down workers idle past the reclaim window. Returns how
// many were reclaimed.
func (p *Pool[J]) Reap(now time.Time) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	reaped := 0
	for key, entry := range p.entries {
		if now.Sub(entry.lastUsed) < p.idleAfter {
			continue
		}
		if len(entry.jobs) > 0 {
			continue
		}
		entry.mu.Lock()
		entry.dead = true
		close(entry.jobs)
		entry.mu.Unlock()
		delete(p.entries, key)
		reaped++
	}
	return reaped
}

// Drain stops accepting jobs and waits for every queued job to finish,
// or returns the context error on timeout.
func (p *Pool[J]) Drain(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		for key, entry := range p.entries {
			entry.mu.Lock()
			entry.dead = true
			close(entry.jobs)
			entry.mu.Unlock()
			delete(p.entries, key)
		}
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reopen makes a drained pool accept work again.
func (p *Pool[J]) Reopen() {
	p.mu.Lock()
	p.closed = false
	p.mu.Unlock()
}

// Len reports live workers.
func (p *Pool[J]) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}
