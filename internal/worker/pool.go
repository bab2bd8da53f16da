// Package worker provides the bounded goroutine pool the orchestrator and
// broker handlers hand long-running work to.
package worker

import (
	"context"
	"runtime/debug"
	"sync"

	"github.com/rs/zerolog"

	"github.com/signalzero/signalzero/internal/monitoring"
)

// Task is one unit of asynchronous work.
type Task func()

// Pool runs a fixed set of worker goroutines over a buffered task queue.
// When the queue is full, Submit drops the task instead of blocking or
// spawning goroutines, so overload sheds work rather than memory.
type Pool struct {
	workerCount int
	taskQueue   chan Task
	ctx         context.Context
	wg          sync.WaitGroup
	log         zerolog.Logger

	stopOnce sync.Once
}

// NewPool creates a pool with workerCount goroutines and a queue of
// queueSize pending tasks.
func NewPool(workerCount, queueSize int, logger zerolog.Logger) *Pool {
	return &Pool{
		workerCount: workerCount,
		taskQueue:   make(chan Task, queueSize),
		log:         logger.With().Str("component", "worker").Logger(),
	}
}

// Start launches the workers. Must be called once, before Submit. Cancelling
// ctx stops workers after their current task.
func (p *Pool) Start(ctx context.Context) {
	p.ctx = ctx
	for i := 0; i < p.workerCount; i++ {
		p.wg.Add(1)
		go p.worker()
	}
}

func (p *Pool) worker() {
	defer p.wg.Done()

	for {
		select {
		case task, ok := <-p.taskQueue:
			if !ok {
				return
			}
			p.run(task)
		case <-p.ctx.Done():
			return
		}
	}
}

// run executes one task, recovering panics so a bad task cannot take the
// worker down.
func (p *Pool) run(task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error().
				Interface("panic_value", r).
				Str("stack_trace", string(debug.Stack())).
				Msg("Worker panic recovered")
		}
	}()
	task()
}

// Submit enqueues task for asynchronous execution. When the queue is full
// the task is dropped and counted.
func (p *Pool) Submit(task Task) {
	select {
	case p.taskQueue <- task:
	default:
		monitoring.WorkerTasksDropped.Inc()
		p.log.Warn().Int("queue_depth", len(p.taskQueue)).Msg("Task dropped, queue full")
	}
}

// Stop closes the queue and waits for workers to finish the tasks already
// queued. Submitting after Stop panics.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		close(p.taskQueue)
		p.wg.Wait()
	})
}

// QueueDepth reports the number of tasks currently waiting.
func (p *Pool) QueueDepth() int {
	return len(p.taskQueue)
}
