// ============================================================================
// persona-curator Worker Pool - 並發分區抓取
// ============================================================================
//
// Package: internal/worker
// 文件: worker_pool.go
// 功能: 管理多個 Worker goroutine 的生命週期，並行抓取各產業分區
//
// 架構組件:
//   ┌─────────────┐
//   │ Refresher   │ --Submit()--> taskCh
//   └─────────────┘
//         ↑
//   ReceiveResult()
//         ↑
//   ┌─────────────┐
//   │   Pool      │
//   │  ┌────────┐ │
//   │  │Worker 1│←── taskCh
//   │  │Worker 2│←── taskCh   ──→ resultCh
//   │  │Worker 3│←── taskCh
//   │  └────────┘ │
//   └─────────────┘
//
// 生命週期:
//   1. NewPool() - 創建 Pool，初始化 channels
//   2. Start(n) - 啟動 n 個 Worker goroutines
//   3. Submit(task) - 提交任務到 taskCh
//   4. ReceiveResult() - 從 resultCh 讀取結果
//   5. Stop() - 取消進行中的抓取，等待所有 Worker 結束
//
// 並發控制:
//   - mu: 保護 started/stopped 狀態與 workers 列表
//   - sendMu (RWMutex): Submit 持有讀鎖直到送出完成；
//     Stop 先關閉 stopCh 讓阻塞中的 Submit 返回，再取寫鎖關閉 taskCh，
//     因此不會向已關閉的 channel 送值
//   - ctx: Stop() 時取消，進行中的 HTTP 請求立即中止
//
// 錯誤處理:
//   - ErrPoolNotStarted: Pool 未啟動時提交任務
//   - ErrPoolClosed: Pool 已關閉時提交或接收
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"sync"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrPoolClosed 表示當前 Pool 已關閉，無法提交新任務
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted 表示 Pool 尚未啟動，無法提交任務
	ErrPoolNotStarted = errors.New("worker pool not started")
	// ErrPoolStarted 重複啟動
	ErrPoolStarted = errors.New("worker pool already started")
)

// Pool 代表 Worker 池，管理多個並發的 Worker
type Pool struct {
	workers  []*Worker
	taskCh   chan Task
	resultCh chan Result
	stopCh   chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	started  bool
	stopped  bool
	mu       sync.Mutex
	sendMu   sync.RWMutex
}

// NewPool 建立新的 Worker Pool，bufferSize 為任務和結果通道的緩衝大小
func NewPool(bufferSize int) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		workers:  make([]*Worker, 0),
		taskCh:   make(chan Task, bufferSize),
		resultCh: make(chan Result, bufferSize),
		stopCh:   make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start 啟動指定數量的 Worker
func (p *Pool) Start(workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return ErrPoolStarted
	}
	if p.stopped {
		return ErrPoolClosed
	}
	if workerCount <= 0 {
		workerCount = 1
	}

	for i := 0; i < workerCount; i++ {
		w := newWorker(p.ctx, i, p.taskCh, p.resultCh, p.stopCh)
		p.workers = append(p.workers, w)

		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run()
		}(w)
	}

	p.started = true
	return nil
}

// Submit 提交任務；緩衝已滿時阻塞，直到有 Worker 取走或 Pool 停止
func (p *Pool) Submit(task Task) error {
	p.mu.Lock()
	started, stopped := p.started, p.stopped
	p.mu.Unlock()
	if !started {
		return ErrPoolNotStarted
	}
	if stopped {
		return ErrPoolClosed
	}

	p.sendMu.RLock()
	defer p.sendMu.RUnlock()

	// stopCh 先於 taskCh 關閉；持有讀鎖時 stopCh 未關閉即代表 taskCh 仍可送值
	select {
	case <-p.stopCh:
		return ErrPoolClosed
	default:
	}
	select {
	case p.taskCh <- task:
		return nil
	case <-p.stopCh:
		return ErrPoolClosed
	}
}

// ReceiveResult 從結果通道接收執行結果
func (p *Pool) ReceiveResult() (Result, error) {
	select {
	case result, ok := <-p.resultCh:
		if !ok {
			return Result{}, ErrPoolClosed
		}
		return result, nil
	case <-p.stopCh:
		return Result{}, ErrPoolClosed
	}
}

// Stop 關閉 Worker Pool
//  1. 設定 stopped 標誌並關閉 stopCh，阻塞中的 Submit/ReceiveResult 返回
//  2. 取消 ctx，進行中的抓取中止
//  3. 取寫鎖後關閉 taskCh，Worker 結束 range 循環
//  4. 等待所有 Worker 結束後關閉 resultCh
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	started := p.started
	close(p.stopCh)
	p.mu.Unlock()

	p.cancel()

	// Submit 在 stopCh 關閉後會釋放讀鎖
	p.sendMu.Lock()
	close(p.taskCh)
	p.sendMu.Unlock()

	if started {
		p.wg.Wait()
	}
	close(p.resultCh)
}

// GetWorkerCount 返回當前 Worker 數量
func (p *Pool) GetWorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// IsStarted 檢查 Pool 是否已啟動
func (p *Pool) IsStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}
