package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/sipeed/linkdrop/pkg/logger"
)

var (
	ErrPoolClosed = errors.New("worker pool closed")
	ErrQueueFull  = errors.New("worker queue full")
)

type task struct {
	ctx context.Context
	fn  func(context.Context)
}

// Pool runs jobs on a fixed set of workers fed by a bounded queue.
type Pool struct {
	mu     sync.RWMutex
	closed bool
	queue  chan task
	wg     sync.WaitGroup
}

func NewPool(workers, queueSize int) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	p := &Pool{queue: make(chan task, queueSize)}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.work(i + 1)
	}
	return p
}

func (p *Pool) work(id int) {
	defer p.wg.Done()
	for t := range p.queue {
		runTask(id, t)
	}
}

func runTask(id int, t task) {
	defer func() {
		if r := recover(); r != nil {
			logger.ErrorCF("worker", "Job panicked", map[string]interface{}{
				"worker": id,
				"panic":  fmt.Sprint(r),
				"stack":  string(debug.Stack()),
			})
		}
	}()
	t.fn(t.ctx)
}

// Submit queues fn to run with ctx. It never blocks: a full queue yields
// ErrQueueFull.
func (p *Pool) Submit(ctx context.Context, fn func(context.Context)) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	select {
	case p.queue <- task{ctx: ctx, fn: fn}:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close stops accepting jobs and waits for queued and running ones.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()
	p.wg.Wait()
}
