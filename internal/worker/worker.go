// ============================================================================
// persona-curator Worker - 分區抓取執行單元
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: Runs fetch tasks one at a time in its own goroutine
//
// Execution Model:
//   ┌─────────────────────────────────────┐
//   │  Worker Goroutine                   │
//   │  ┌──────────────────────────────┐   │
//   │  │ for task := range taskCh     │   │
//   │  │   ├─ Context with timeout    │   │
//   │  │   ├─ task.Fetch(ctx)         │   │
//   │  │   └─ send result to resultCh │   │
//   │  └──────────────────────────────┘   │
//   └─────────────────────────────────────┘
//
// Timeout Control:
//   Each task gets its own context derived from the pool context. A task
//   with Timeout > 0 is bounded by context.WithTimeout; Fetch is expected
//   to honour ctx (the backend client does, via NewRequestWithContext).
//
// Panics:
//   A panicking Fetch is turned into ErrTaskPanicked so one bad partition
//   cannot take down the refresh loop.
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ChuLiYu/persona-curator/pkg/types"
)

// ErrTaskPanicked wraps a panic raised inside Task.Fetch.
var ErrTaskPanicked = errors.New("fetch task panicked")

// Worker represents a work execution unit
type Worker struct {
	id       int
	ctx      context.Context
	taskCh   <-chan Task
	resultCh chan<- Result
	stopCh   <-chan struct{}
	log      *slog.Logger
}

func newWorker(ctx context.Context, id int, taskCh <-chan Task, resultCh chan<- Result, stopCh <-chan struct{}) *Worker {
	return &Worker{
		id:       id,
		ctx:      ctx,
		taskCh:   taskCh,
		resultCh: resultCh,
		stopCh:   stopCh,
		log:      slog.Default().With("component", "worker", "worker_id", id),
	}
}

// Run is the main loop of Worker. It returns when taskCh is closed.
func (w *Worker) Run() {
	for task := range w.taskCh {
		start := time.Now()
		articles, err := w.execute(task)

		result := Result{
			TaskID:   task.ID,
			Industry: task.Industry,
			Articles: articles,
			Error:    err,
			Duration: time.Since(start),
		}
		if err != nil {
			w.log.Warn("fetch task failed", "task_id", task.ID, "industry", task.Industry, "error", err)
		}

		// 停止後沒有人接收結果，直接丟棄
		select {
		case w.resultCh <- result:
		case <-w.stopCh:
		}
	}
}

func (w *Worker) execute(task Task) (articles []types.Article, err error) {
	if task.Fetch == nil {
		return nil, fmt.Errorf("task %s has no fetch function", task.ID)
	}

	ctx := w.ctx
	if task.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, task.Timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			articles = nil
			err = fmt.Errorf("%w: %v", ErrTaskPanicked, r)
		}
	}()
	return task.Fetch(ctx)
}
