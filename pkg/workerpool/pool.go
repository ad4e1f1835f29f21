// Package workerpool implements the broker's fixed-size worker pool: a
// FIFO task queue drained by a fixed number of goroutines, with optional
// blocking submission and graceful shutdown.
package workerpool

import (
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Task is a short, non-blocking unit of work. The pool provides no
// preemption or cancellation; a task that blocks indefinitely starves one
// worker permanently.
type Task func()

// Pool is a fixed-size worker pool. Submissions are served FIFO from a
// single shared queue; each worker blocks on the queue (via a condition
// variable) rather than busy-polling.
type Pool struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []Task
	quit    bool
	wg      sync.WaitGroup
	threads int
	logger  zerolog.Logger
}

// NumThreadsFor computes threads_per_core * max(1, cores+coreCountAdjustment).
func NumThreadsFor(threadsPerCore, cores, coreCountAdjustment int) int {
	n := cores + coreCountAdjustment
	if n < 1 {
		n = 1
	}
	return threadsPerCore * n
}

// New starts a pool of the given number of worker goroutines. threads must
// be at least 1.
func New(threads int, logger zerolog.Logger) *Pool {
	if threads < 1 {
		threads = 1
	}
	p := &Pool{threads: threads, logger: logger}
	p.cond = sync.NewCond(&p.mu)
	for i := 0; i < threads; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.quit {
			p.cond.Wait()
		}
		if len(p.queue) == 0 && p.quit {
			p.mu.Unlock()
			return
		}
		task := p.queue[0]
		p.queue = p.queue[1:]
		p.mu.Unlock()

		p.run(task)
	}
}

func (p *Pool) run(task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("worker pool task panicked")
		}
	}()
	task()
}

// Submit enqueues task for execution by a worker, repeatCount times (1 if
// repeatCount <= 0). If block is true, Submit does not return until all
// repeatCount submissions have completed, using a WaitGroup rather than a
// spin-wait on a shared counter.
func (p *Pool) Submit(task Task, repeatCount int, block bool) {
	if repeatCount <= 0 {
		repeatCount = 1
	}

	var pending sync.WaitGroup
	if block {
		pending.Add(repeatCount)
	}

	p.mu.Lock()
	for i := 0; i < repeatCount; i++ {
		t := task
		if block {
			p.queue = append(p.queue, func() {
				defer pending.Done()
				t()
			})
		} else {
			p.queue = append(p.queue, t)
		}
	}
	p.cond.Broadcast()
	p.mu.Unlock()

	if block {
		pending.Wait()
	}
}

// WaitForAll blocks until the pending queue drains or timeout elapses
// (timeout <= 0 waits indefinitely). It does not wait for in-flight tasks
// that have already been popped off the queue. Returns true if the queue
// drained.
func (p *Pool) WaitForAll(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		p.mu.Lock()
		empty := len(p.queue) == 0
		p.mu.Unlock()
		if empty {
			return true
		}
		if timeout > 0 && time.Now().After(deadline) {
			return false
		}
		time.Sleep(time.Millisecond)
	}
}

// PurgePending discards all tasks not yet picked up by a worker.
func (p *Pool) PurgePending() {
	p.mu.Lock()
	p.queue = nil
	p.mu.Unlock()
}

// NumThreads returns the number of worker goroutines in the pool.
func (p *Pool) NumThreads() int {
	return p.threads
}

// Stop signals all workers to exit once the queue drains and blocks until
// they have. A second call returns immediately since the workers have
// already exited.
func (p *Pool) Stop() {
	p.mu.Lock()
	p.quit = true
	p.cond.Broadcast()
	p.mu.Unlock()
	p.wg.Wait()
}
