// Package lane provides keyed serialization domains. Every key hashes to one
// of N worker lanes; tasks for the same key run one at a time in FIFO order,
// tasks on different lanes run in parallel.
package lane

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/depannage/dispatch/internal/domain"
	"github.com/depannage/dispatch/internal/sharding"
)

var ErrClosed = errors.New("lane pool closed")

type Task func(ctx context.Context)

type Pool struct {
	name   string
	lanes  []*worker
	logger *slog.Logger
	base   context.Context

	mu       sync.Mutex
	closed   bool
	inflight int
	idle     *sync.Cond
	wg       sync.WaitGroup
}

type worker struct {
	idx   int
	mu    sync.Mutex
	cond  *sync.Cond
	queue []Task
	stop  bool
}

type laneKey struct{ pool *Pool }

func New(name string, n int, logger *slog.Logger) *Pool {
	if n <= 0 {
		n = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		name:   name,
		lanes:  make([]*worker, n),
		logger: logger.With("component", "lane", "pool", name),
	}
	p.idle = sync.NewCond(&p.mu)
	p.base = context.Background()
	for i := range p.lanes {
		w := &worker{idx: i}
		w.cond = sync.NewCond(&w.mu)
		p.lanes[i] = w
		p.wg.Add(1)
		go p.run(w)
	}
	return p
}

func (p *Pool) Size() int { return len(p.lanes) }

// LaneOf returns the lane index serving key.
func (p *Pool) LaneOf(key string) int { return sharding.Slot(key, len(p.lanes)) }

// Submit enqueues fn on key's lane without waiting. It returns false once
// the pool is closed.
func (p *Pool) Submit(key string, fn Task) bool {
	return p.enqueue(p.LaneOf(key), fn)
}

func (p *Pool) enqueue(idx int, fn Task) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.inflight++

	w := p.lanes[idx]
	w.mu.Lock()
	w.queue = append(w.queue, fn)
	w.cond.Signal()
	w.mu.Unlock()
	return true
}

// Do runs fn on key's lane and waits for its result. When ctx already
// belongs to that lane, fn runs inline. If ctx ends first Do returns
// ctx.Err() while fn still runs to completion on the lane.
func (p *Pool) Do(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	idx := p.LaneOf(key)
	if cur, ok := ctx.Value(laneKey{p}).(int); ok && cur == idx {
		return fn(ctx)
	}
	detached := context.WithoutCancel(ctx)
	done := make(chan error, 1)
	ok := p.enqueue(idx, func(context.Context) {
		var err error
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("%w: panic on lane: %v", domain.ErrInternal, r)
			}
			done <- err
		}()
		err = fn(context.WithValue(detached, laneKey{p}, idx))
	})
	if !ok {
		return ErrClosed
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OnLane reports whether ctx is executing on key's lane of this pool.
func (p *Pool) OnLane(ctx context.Context, key string) bool {
	cur, ok := ctx.Value(laneKey{p}).(int)
	return ok && cur == p.LaneOf(key)
}

// Sync blocks until every lane is idle, including tasks submitted by
// running tasks. It must not be called from a lane.
func (p *Pool) Sync(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		p.mu.Lock()
		p.idle.Broadcast()
		p.mu.Unlock()
	})
	defer stop()

	p.mu.Lock()
	defer p.mu.Unlock()
	for p.inflight > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		p.idle.Wait()
	}
	return nil
}

// Close stops accepting tasks, drains what is queued and waits for the
// lane goroutines to exit.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	for _, w := range p.lanes {
		w.mu.Lock()
		w.stop = true
		w.cond.Signal()
		w.mu.Unlock()
	}
	p.wg.Wait()
}

func (p *Pool) run(w *worker) {
	defer p.wg.Done()
	ctx := context.WithValue(p.base, laneKey{p}, w.idx)
	for {
		w.mu.Lock()
		for len(w.queue) == 0 && !w.stop {
			w.cond.Wait()
		}
		if len(w.queue) == 0 {
			w.mu.Unlock()
			return
		}
		task := w.queue[0]
		w.queue[0] = nil
		w.queue = w.queue[1:]
		w.mu.Unlock()

		p.exec(ctx, task)
	}
}

func (p *Pool) exec(ctx context.Context, task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("lane task panicked", "panic", fmt.Sprint(r))
		}
		p.mu.Lock()
		p.inflight--
		if p.inflight == 0 {
			p.idle.Broadcast()
		}
		p.mu.Unlock()
	}()
	task(ctx)
}
