package scoring

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ChuLiYu/persona-curator/internal/metrics"
	"github.com/ChuLiYu/persona-curator/pkg/types"
)

// PollerConfig controls the status polling loop.
type PollerConfig struct {
	Interval             time.Duration // fixed delay between polls
	CompletionDelay      time.Duration // how long 100% stays on screen before completion is reported
	MaxConsecutiveErrors int           // transport errors in a row before giving up
	MaxPolls             int           // poll ceiling per job, 0 disables it
}

// DefaultPollerConfig returns the production polling settings.
func DefaultPollerConfig() PollerConfig {
	return PollerConfig{
		Interval:             1500 * time.Millisecond,
		CompletionDelay:      1500 * time.Millisecond,
		MaxConsecutiveErrors: 1,
		MaxPolls:             600,
	}
}

func (c PollerConfig) withDefaults() PollerConfig {
	def := DefaultPollerConfig()
	if c.Interval <= 0 {
		c.Interval = def.Interval
	}
	if c.CompletionDelay < 0 {
		c.CompletionDelay = 0
	}
	if c.MaxConsecutiveErrors <= 0 {
		c.MaxConsecutiveErrors = def.MaxConsecutiveErrors
	}
	if c.MaxPolls < 0 {
		c.MaxPolls = 0
	}
	return c
}

// Progress is one display update for a running job.
type Progress struct {
	TaskID    string
	Percent   float64 // smoothed, monotonic
	Reported  float64 // raw backend value
	Processed int
	Total     int
	Status    types.JobStatus
}

// Outcome is what a polling run learned about its job.
type Outcome struct {
	TaskID    string
	Status    types.JobStatus
	Processed int
	Total     int
	Results   []types.ScoredResult // latest non-empty result set
	Polls     int
	// Stale marks a terminal answer that arrived after the run was cancelled.
	Stale bool
}

func (o *Outcome) apply(snap types.JobStatusSnapshot) {
	o.Status = snap.Status
	o.Processed = snap.Processed
	o.Total = snap.Total
	if len(snap.Results) > 0 {
		o.Results = append([]types.ScoredResult(nil), snap.Results...)
	}
}

// Poller follows one job at a time to a terminal status.
type Poller struct {
	svc     ScoreService
	cfg     PollerConfig
	metrics *metrics.Collector
	log     *slog.Logger
}

// NewPoller creates a poller. m may be nil.
func NewPoller(svc ScoreService, cfg PollerConfig, m *metrics.Collector) *Poller {
	return &Poller{
		svc:     svc,
		cfg:     cfg.withDefaults(),
		metrics: m,
		log:     slog.Default().With("component", "poller"),
	}
}

// Config returns the effective configuration.
func (p *Poller) Config() PollerConfig {
	return p.cfg
}

// Poll fetches the current status once.
func (p *Poller) Poll(ctx context.Context, taskID string) (types.JobStatusSnapshot, error) {
	snap, err := p.svc.BatchScoreStatus(ctx, taskID)
	p.metrics.RecordPoll(err)
	if err != nil {
		return types.JobStatusSnapshot{}, NewError(KindPollTransportError, taskID, "status poll failed", err)
	}
	return snap, nil
}

// Run polls taskID immediately and then every Interval until the job reaches
// a terminal status, ctx is cancelled, or polling gives up.
//
// Only one status call is in flight at a time, so answers are consumed in the
// order they were requested. onProgress runs on the polling goroutine and
// never after cancellation.
//
// Return values:
//   - completed: (outcome, nil), after the completion delay
//   - expired / failed: (outcome, *Error) with any partial results
//   - transport failure or poll ceiling: (outcome, *Error)
//   - cancelled: (outcome, ctx.Err()); a terminal answer that raced the
//     cancellation is kept in outcome with Stale set
func (p *Poller) Run(ctx context.Context, taskID string, onProgress func(Progress)) (Outcome, error) {
	out := Outcome{TaskID: taskID}
	var smoother ProgressSmoother
	consecutiveErrors := 0

	emit := func(percent, reported float64) {
		if onProgress == nil {
			return
		}
		onProgress(Progress{
			TaskID:    taskID,
			Percent:   percent,
			Reported:  reported,
			Processed: out.Processed,
			Total:     out.Total,
			Status:    out.Status,
		})
	}

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		snap, err := p.svc.BatchScoreStatus(ctx, taskID)
		out.Polls++
		p.metrics.RecordPoll(err)

		if ctx.Err() != nil {
			if err == nil && snap.Status.IsTerminal() {
				out.apply(snap)
				out.Stale = true
			}
			return out, ctx.Err()
		}

		if err != nil {
			consecutiveErrors++
			p.log.Warn("status poll failed",
				"task_id", taskID,
				"attempt", out.Polls,
				"consecutive_errors", consecutiveErrors,
				"error", err)
			if consecutiveErrors >= p.cfg.MaxConsecutiveErrors {
				return out, NewError(KindPollTransportError, taskID, "status poll failed", err)
			}
		} else {
			consecutiveErrors = 0
			out.apply(snap)

			switch snap.Status {
			case types.JobCompleted:
				emit(smoother.Complete(), 100)
				if err := sleepContext(ctx, p.cfg.CompletionDelay); err != nil {
					out.Stale = true
					return out, err
				}
				p.log.Info("scoring job completed",
					"task_id", taskID,
					"results", len(out.Results),
					"polls", out.Polls)
				return out, nil
			case types.JobExpired:
				return out, NewError(KindJobExpired, taskID,
					fmt.Sprintf("job expired after %d of %d articles", snap.Processed, snap.Total), nil)
			case types.JobFailed:
				return out, NewError(KindJobFailed, taskID,
					fmt.Sprintf("job failed after %d of %d articles", snap.Processed, snap.Total), nil)
			default:
				emit(smoother.Advance(snap.ProgressPercent), snap.ProgressPercent)
			}
		}

		if p.cfg.MaxPolls > 0 && out.Polls >= p.cfg.MaxPolls {
			return out, NewError(KindJobExpired, taskID,
				fmt.Sprintf("no terminal status after %d polls", out.Polls), nil)
		}

		select {
		case <-ctx.Done():
			return out, ctx.Err()
		case <-ticker.C:
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
