// Package jobs runs independent per-slide tasks on a bounded worker pool.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Task is one unit of work. Name identifies it in logs and errors.
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

// Pool executes tasks with at most Workers running at once.
type Pool struct {
	workers int
	logger  *zap.Logger

	// Observe is called after every task with its duration and result.
	Observe func(name string, d time.Duration, err error)
}

// NewPool creates a pool. workers below 1 means one worker.
func NewPool(workers int, logger *zap.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{workers: workers, logger: logger}
}

// Workers returns the concurrency limit.
func (p *Pool) Workers() int { return p.workers }

// Run executes every task and waits for all of them. Tasks keep running when
// a sibling fails; every failure is returned joined. Tasks not yet started
// when ctx is cancelled are skipped and ctx.Err() is included.
func (p *Pool) Run(ctx context.Context, tasks []Task) error {
	queue := make(chan int, len(tasks))
	for i := range tasks {
		queue <- i
	}
	close(queue)

	errs := make([]error, len(tasks))
	var wg sync.WaitGroup
	n := p.workers
	if n > len(tasks) {
		n = len(tasks)
	}
	for w := 0; w < n; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range queue {
				if ctx.Err() != nil {
					return
				}
				errs[i] = p.runTask(ctx, tasks[i])
			}
		}()
	}
	wg.Wait()

	var failed []error
	for _, err := range errs {
		if err != nil {
			failed = append(failed, err)
		}
	}
	if err := ctx.Err(); err != nil {
		failed = append(failed, err)
	}
	return errors.Join(failed...)
}

func (p *Pool) runTask(ctx context.Context, t Task) (err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", t.Name, r)
		}
		d := time.Since(start)
		if err != nil {
			p.logger.Warn("task failed", zap.String("task", t.Name), zap.Duration("duration", d), zap.Error(err))
		} else {
			p.logger.Debug("task done", zap.String("task", t.Name), zap.Duration("duration", d))
		}
		if p.Observe != nil {
			p.Observe(t.Name, d, err)
		}
	}()

	if err := t.Run(ctx); err != nil {
		return fmt.Errorf("task %s: %w", t.Name, err)
	}
	return nil
}
