package backend

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ChuLiYu/persona-curator/pkg/types"
)

// StartBatchScore posts one asynchronous scoring job.
func (c *Client) StartBatchScore(ctx context.Context, ids []types.ArticleID, persona types.Persona) (types.ScoringJob, error) {
	req := batchScoreRequest{ArticleIDs: wireIDs(ids), Persona: persona}

	var resp batchScoreResponse
	requestID, err := c.do(ctx, http.MethodPost, "/batch-score-async", nil, req, &resp)
	if err != nil {
		return types.ScoringJob{}, err
	}
	if strings.TrimSpace(resp.TaskID) == "" {
		return types.ScoringJob{}, fmt.Errorf("%w: batch-score-async returned no task_id", ErrMalformedResponse)
	}

	status := types.JobStatus(strings.ToLower(resp.Status))
	if !status.Known() {
		status = types.JobPending
	}
	total := resp.TotalArticles
	if total <= 0 {
		total = len(ids)
	}

	return types.ScoringJob{
		TaskID:        resp.TaskID,
		SubmittedFor:  persona.Identity(),
		TotalArticles: total,
		Status:        status,
		RequestID:     requestID,
		SubmittedAt:   time.Now(),
	}, nil
}

// BatchScoreStatus fetches the current state of a scoring job.
func (c *Client) BatchScoreStatus(ctx context.Context, taskID string) (types.JobStatusSnapshot, error) {
	var resp statusDTO
	path := "/batch-score-status/" + url.PathEscape(taskID)
	if _, err := c.do(ctx, http.MethodGet, path, nil, nil, &resp); err != nil {
		return types.JobStatusSnapshot{}, err
	}
	return resp.toSnapshot()
}
