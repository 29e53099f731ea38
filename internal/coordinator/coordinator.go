// ============================================================================
// persona-curator 協調器 - 個人化流程的核心
// ============================================================================
//
// Package: internal/coordinator
// 文件: coordinator.go
// 功能: 串起狀態機、送出、輪詢、結果合併與通知
//
// 控制流程:
//   StartPersonalization / Rerank
//      ↓ Machine.Decide → Begin (世代號 +1)
//   runJob goroutine
//      ├─ Submitter.Submit          → Polling 或 ErrorBackoff
//      ├─ Poller.Run (立即 + 固定間隔)
//      └─ finish()                  → MergeResults → Completed / ErrorBackoff
//
// 搶佔與取消:
//   - 不同畫像搶佔：取消舊任務的 context，不再輪詢；
//     舊任務若已拿到終態結果，只寫入分數，不發出任何通知
//   - Cancel()：取消所有任務，任何晚到的回應都丟棄
//
// 通知:
//   所有通知經由 dispatcher 依序執行，順序與狀態轉換一致，
//   callback 可以再呼叫 Coordinator 的方法（Close 除外）。
//
// 並發安全:
//   - mu 保護 machine、jobs、persona
//   - ArticleStore 自帶鎖，所有寫入序列化
//   - wg 追蹤所有任務 goroutine，Close() 等待其結束
//
// ============================================================================

package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/persona-curator/internal/metrics"
	"github.com/ChuLiYu/persona-curator/internal/scoring"
	"github.com/ChuLiYu/persona-curator/internal/store"
	"github.com/ChuLiYu/persona-curator/pkg/types"
)

var (
	// ErrNoPersona 尚未套用任何畫像就要求重新排序
	ErrNoPersona = errors.New("no persona applied")
	// ErrJobInFlight 目前畫像已有任務進行中
	ErrJobInFlight = errors.New("a scoring job is already in flight for this persona")
	// ErrClosed 協調器已關閉
	ErrClosed = errors.New("coordinator closed")
)

// Callbacks 通知介面；未設定的欄位會被略過
type Callbacks struct {
	OnStateChange func(from, to State)
	OnStarted     func(job types.ScoringJob)
	OnProgress    func(p scoring.Progress)
	OnScored      func(persona types.PersonaIdentity, results []types.ScoredResult) // 目前任務自己的結果，先於 OnCompleted / OnPartial
	OnCompleted   func(persona types.PersonaIdentity, ranked []types.Article)
	OnPartial     func(persona types.PersonaIdentity, kind scoring.Kind, ranked []types.Article, message string)
	OnError       func(kind scoring.Kind, message string)
	OnNewArticles func(added int)
}

// Config Coordinator 配置
type Config struct {
	Poller  scoring.PollerConfig
	Metrics *metrics.Collector // 可為 nil
}

// Status 協調器狀態快照
type Status struct {
	State         State
	Persona       *types.PersonaIdentity
	TaskID        string
	Progress      float64
	NewArticles   bool
	LastCompleted *types.PersonaIdentity
	LastStatus    types.JobStatus
	Articles      int
}

type jobHandle struct {
	cancel  context.CancelFunc
	discard bool // true 時晚到的結果直接丟棄
}

// Coordinator 個人化協調器
type Coordinator struct {
	mu        sync.Mutex
	machine   *Machine
	store     *store.ArticleStore
	submitter *scoring.Submitter
	poller    *scoring.Poller
	metrics   *metrics.Collector
	cb        Callbacks
	events    *dispatcher
	log       *slog.Logger

	persona  *types.Persona
	progress float64
	jobs     map[uint64]*jobHandle

	rootCtx    context.Context
	rootCancel context.CancelFunc
	wg         sync.WaitGroup
	closed     bool
}

// New 建立協調器
func New(st *store.ArticleStore, svc scoring.ScoreService, cfg Config, cb Callbacks) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		machine:    NewMachine(),
		store:      st,
		submitter:  scoring.NewSubmitter(svc, cfg.Metrics),
		poller:     scoring.NewPoller(svc, cfg.Poller, cfg.Metrics),
		metrics:    cfg.Metrics,
		cb:         cb,
		events:     newDispatcher(),
		log:        slog.Default().With("component", "coordinator"),
		jobs:       make(map[uint64]*jobHandle),
		rootCtx:    ctx,
		rootCancel: cancel,
	}
	c.machine.OnTransition(c.onTransition)
	return c
}

// onTransition 在 mu 持有時被呼叫
func (c *Coordinator) onTransition(from, to State) {
	c.log.Info("personalization state changed", "from", from, "to", to)
	cb := c.cb
	c.events.push(func() {
		if cb.OnStateChange != nil {
			cb.OnStateChange(from, to)
		}
	})
}

// Store returns the article store the coordinator ranks.
func (c *Coordinator) Store() *store.ArticleStore {
	return c.store
}

// StartPersonalization applies a persona.
//
// An invalid persona or an empty store fails synchronously without any state
// change. Re-applying the identity of the in-flight job is a no-op, as is
// re-applying the identity whose ranking is already current. A different
// identity preempts the in-flight job.
func (c *Coordinator) StartPersonalization(persona types.Persona) error {
	if !persona.Valid() {
		return scoring.NewError(scoring.KindInvalidPersona, "", "recipient name is required", nil)
	}
	return c.trigger(TriggerPersonaApplied, &persona)
}

// Rerank re-scores the current persona, which also confirms new articles.
func (c *Coordinator) Rerank() error {
	return c.trigger(TriggerRerank, nil)
}

func (c *Coordinator) trigger(trig Trigger, persona *types.Persona) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if persona == nil {
		if c.persona == nil {
			return ErrNoPersona
		}
		p := *c.persona
		persona = &p
	}
	id := persona.Identity()

	decision := c.machine.Decide(trig, id)
	if !decision.Submits() {
		c.machine.Acknowledge()
		if trig == TriggerPersonaApplied {
			c.persona = persona
		}
		c.log.Debug("trigger ignored", "trigger", trig, "persona", id.String(), "reason", decision.Reason)
		if trig == TriggerRerank && c.machine.State().InFlight() {
			return ErrJobInFlight
		}
		return nil
	}

	ids := c.store.AllIDs()
	if len(ids) == 0 {
		return scoring.NewError(scoring.KindEmptyBatch, "", "no articles to score", nil)
	}

	gen, prev, err := c.machine.Begin(trig, id)
	if err != nil {
		return err
	}
	if decision.Action == ActionPreempt {
		if h := c.jobs[prev]; h != nil {
			h.cancel()
		}
		c.metrics.RecordPreempted()
		c.log.Info("scoring job preempted", "generation", prev, "persona", id.String())
	}
	c.persona = persona
	c.progress = 0
	c.metrics.SetProgress(0)
	c.metrics.UpdateStoreStats(c.store.Len(), c.machine.NewArticles())

	ctx, cancel := context.WithCancel(c.rootCtx)
	c.jobs[gen] = &jobHandle{cancel: cancel}

	c.wg.Add(1)
	go c.runJob(ctx, gen, *persona, ids)
	return nil
}

// runJob 送出並輪詢一個任務，直到終態或被取消
func (c *Coordinator) runJob(ctx context.Context, gen uint64, persona types.Persona, ids []types.ArticleID) {
	defer c.wg.Done()
	defer c.forget(gen)

	job, err := c.submitter.Submit(ctx, persona, ids)

	c.mu.Lock()
	if !c.machine.IsCurrent(gen) {
		c.mu.Unlock()
		c.log.Debug("submission of superseded job finished", "generation", gen, "error", err)
		return
	}
	if err != nil {
		_ = c.machine.Fail(gen, types.JobFailed)
		c.notifyError(scoring.KindOf(err), err.Error())
		c.mu.Unlock()
		return
	}
	if err := c.machine.JobCreated(gen, job.TaskID); err != nil {
		c.log.Error("failed to record created job", "task_id", job.TaskID, "error", err)
	}
	started := *job
	cb := c.cb
	c.events.push(func() {
		if cb.OnStarted != nil {
			cb.OnStarted(started)
		}
	})
	c.mu.Unlock()

	out, err := c.poller.Run(ctx, job.TaskID, func(p scoring.Progress) {
		c.mu.Lock()
		defer c.mu.Unlock()
		if !c.machine.IsCurrent(gen) {
			return
		}
		c.progress = p.Percent
		c.metrics.SetProgress(p.Percent)
		c.events.push(func() {
			if cb.OnProgress != nil {
				cb.OnProgress(p)
			}
		})
	})
	c.finish(gen, job, out, err)
}

// finish 根據輪詢結果合併分數並轉換狀態
func (c *Coordinator) finish(gen uint64, job *types.ScoringJob, out scoring.Outcome, runErr error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	handle := c.jobs[gen]
	if !c.machine.IsCurrent(gen) {
		// 被搶佔的任務：終態結果仍可安全寫入，但不通知
		if handle != nil && !handle.discard && out.Status.IsTerminal() && len(out.Results) > 0 {
			n := c.store.ApplyScores(out.Results)
			c.log.Info("merged late results of superseded job",
				"task_id", job.TaskID,
				"persona", job.SubmittedFor.String(),
				"applied", n)
		}
		return
	}

	elapsed := time.Since(job.SubmittedAt)
	identity := job.SubmittedFor
	cb := c.cb
	kind := scoring.KindOf(runErr)

	switch {
	case runErr == nil:
		results := append([]types.ScoredResult(nil), out.Results...)
		ranked := c.store.MergeResults(results, identity)
		_ = c.machine.Finish(gen, types.JobCompleted)
		c.metrics.RecordCompleted(elapsed)
		c.log.Info("personalization completed",
			"task_id", job.TaskID,
			"persona", identity.String(),
			"scored", len(out.Results),
			"duration", elapsed)
		c.events.push(func() {
			if cb.OnScored != nil {
				cb.OnScored(identity, results)
			}
			if cb.OnCompleted != nil {
				cb.OnCompleted(identity, ranked)
			}
		})

	case kind == scoring.KindJobExpired || kind == scoring.KindJobFailed:
		status := out.Status
		if !status.IsTerminal() {
			status = types.JobExpired
		}
		if len(out.Results) == 0 {
			_ = c.machine.Fail(gen, status)
			c.notifyError(kind, runErr.Error())
			return
		}
		results := append([]types.ScoredResult(nil), out.Results...)
		ranked := c.store.MergeResults(results, identity)
		_ = c.machine.Finish(gen, status)
		c.metrics.RecordPartial(string(status), elapsed)
		message := fmt.Sprintf("showing partial results: %d of %d articles scored before the job %s",
			len(out.Results), max(out.Total, job.TotalArticles), status)
		c.log.Warn("personalization finished with partial results",
			"task_id", job.TaskID,
			"status", status,
			"scored", len(out.Results))
		c.events.push(func() {
			if cb.OnScored != nil {
				cb.OnScored(identity, results)
			}
			if cb.OnPartial != nil {
				cb.OnPartial(identity, kind, ranked, message)
			}
		})

	default:
		if kind == "" {
			kind = scoring.KindPollTransportError
		}
		_ = c.machine.Fail(gen, out.Status)
		c.notifyError(kind, runErr.Error())
	}
}

// notifyError 在 mu 持有時呼叫
func (c *Coordinator) notifyError(kind scoring.Kind, message string) {
	c.metrics.RecordFailed(string(kind))
	c.log.Warn("personalization failed", "kind", kind, "message", message)
	cb := c.cb
	c.events.push(func() {
		if cb.OnError != nil {
			cb.OnError(kind, message)
		}
	})
}

func (c *Coordinator) forget(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if h, ok := c.jobs[gen]; ok {
		h.cancel()
		delete(c.jobs, gen)
	}
}

// IngestArticles adds articles to the store and raises the new-articles flag
// when a ranking exists or is in progress. It returns how many were new.
func (c *Coordinator) IngestArticles(articles []types.Article) int {
	added := c.store.UpsertBatch(articles)

	c.mu.Lock()
	defer c.mu.Unlock()

	flagged := c.machine.ArticlesAdded(added)
	c.metrics.UpdateStoreStats(c.store.Len(), flagged)
	if added > 0 && flagged {
		cb := c.cb
		c.events.push(func() {
			if cb.OnNewArticles != nil {
				cb.OnNewArticles(added)
			}
		})
	}
	return added
}

// Cancel stops every job immediately. No further polls are issued and any
// response still in flight is ignored.
func (c *Coordinator) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelLocked()
}

func (c *Coordinator) cancelLocked() {
	for _, h := range c.jobs {
		h.discard = true
		h.cancel()
	}
	if c.machine.State().InFlight() {
		c.log.Info("personalization cancelled", "task_id", c.machine.TaskID())
		c.machine.Reset()
	}
}

// Close cancels all jobs, waits for their goroutines and drains pending
// notifications. It must not be called from a callback.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.cancelLocked()
	c.mu.Unlock()

	c.rootCancel()
	c.wg.Wait()
	c.events.close()
}

// Status returns a snapshot of the coordinator.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := Status{
		State:       c.machine.State(),
		TaskID:      c.machine.TaskID(),
		Progress:    c.progress,
		NewArticles: c.machine.NewArticles(),
		LastStatus:  c.machine.LastStatus(),
		Articles:    c.store.Len(),
	}
	if c.persona != nil {
		id := c.persona.Identity()
		st.Persona = &id
	}
	if id, ok := c.machine.LastCompleted(); ok {
		st.LastCompleted = &id
	}
	return st
}
