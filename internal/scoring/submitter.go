// Package scoring starts remote scoring jobs and follows them to a terminal
// status.
package scoring

import (
	"context"
	"log/slog"

	"github.com/ChuLiYu/persona-curator/internal/metrics"
	"github.com/ChuLiYu/persona-curator/pkg/types"
)

// ScoreService is the part of the article service the scoring flow calls.
type ScoreService interface {
	StartBatchScore(ctx context.Context, ids []types.ArticleID, persona types.Persona) (types.ScoringJob, error)
	BatchScoreStatus(ctx context.Context, taskID string) (types.JobStatusSnapshot, error)
}

// Submitter validates a request and starts exactly one remote job per call.
type Submitter struct {
	svc     ScoreService
	metrics *metrics.Collector
	log     *slog.Logger
}

// NewSubmitter creates a submitter. m may be nil.
func NewSubmitter(svc ScoreService, m *metrics.Collector) *Submitter {
	return &Submitter{
		svc:     svc,
		metrics: m,
		log:     slog.Default().With("component", "submitter"),
	}
}

// Submit starts a scoring job for the persona over ids.
//
// Validation happens before any network call: a blank recipient name fails
// with KindInvalidPersona and an empty id list with KindEmptyBatch. Any
// transport or status error becomes KindSubmissionFailed.
func (s *Submitter) Submit(ctx context.Context, persona types.Persona, ids []types.ArticleID) (*types.ScoringJob, error) {
	if !persona.Valid() {
		return nil, NewError(KindInvalidPersona, "", "recipient name is required", nil)
	}
	ids = dedupeIDs(ids)
	if len(ids) == 0 {
		return nil, NewError(KindEmptyBatch, "", "no articles to score", nil)
	}

	job, err := s.svc.StartBatchScore(ctx, ids, persona)
	if err != nil {
		s.metrics.RecordFailed(string(KindSubmissionFailed))
		s.log.Warn("scoring job submission failed",
			"persona", persona.Identity().String(),
			"articles", len(ids),
			"error", err)
		return nil, NewError(KindSubmissionFailed, "", "could not start scoring job", err)
	}
	if job.SubmittedFor.IsZero() {
		job.SubmittedFor = persona.Identity()
	}

	s.metrics.RecordSubmitted()
	s.log.Info("scoring job submitted",
		"task_id", job.TaskID,
		"persona", persona.Identity().String(),
		"articles", len(ids),
		"request_id", job.RequestID)
	return &job, nil
}

func dedupeIDs(ids []types.ArticleID) []types.ArticleID {
	out := make([]types.ArticleID, 0, len(ids))
	seen := make(map[types.ArticleID]struct{}, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
