package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/persona-curator/internal/ranking"
	"github.com/ChuLiYu/persona-curator/internal/scoring"
	"github.com/ChuLiYu/persona-curator/internal/store"
	"github.com/ChuLiYu/persona-curator/pkg/types"
)

// ============================================================================
// 測試替身
// ============================================================================

type pollAnswer struct {
	snap types.JobStatusSnapshot
	err  error
}

func running(p float64) pollAnswer {
	return pollAnswer{snap: types.JobStatusSnapshot{Status: types.JobRunning, ProgressPercent: p, Processed: int(p), Total: 100}}
}

func terminal(status types.JobStatus, results ...types.ScoredResult) pollAnswer {
	return pollAnswer{snap: types.JobStatusSnapshot{Status: status, ProgressPercent: 100, Results: results}}
}

func transportErr() pollAnswer {
	return pollAnswer{err: errors.New("connection reset")}
}

func scored(id string, score float64) types.ScoredResult {
	return types.ScoredResult{ArticleID: types.ArticleID(id), Score: score}
}

// fakeService scripts status answers per recipient name. A gated recipient
// blocks every status call until its release func runs, regardless of ctx,
// to model a response that is already on the wire.
type fakeService struct {
	mu        sync.Mutex
	submitErr error
	submitted []types.Persona
	scripts   map[string][]pollAnswer
	gates     map[string]chan struct{}
	owners    map[string]string // task id -> recipient name
	polls     map[string]int
}

func newFakeService() *fakeService {
	return &fakeService{
		scripts: make(map[string][]pollAnswer),
		gates:   make(map[string]chan struct{}),
		owners:  make(map[string]string),
		polls:   make(map[string]int),
	}
}

func (f *fakeService) script(name string, answers ...pollAnswer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts[name] = answers
}

// gate blocks name's status calls. The returned release func may be called
// any number of times; cleanup releases the gate as well.
func (f *fakeService) gate(t *testing.T, name string) (release func()) {
	ch := make(chan struct{})
	f.mu.Lock()
	f.gates[name] = ch
	f.mu.Unlock()
	var once sync.Once
	release = func() { once.Do(func() { close(ch) }) }
	t.Cleanup(release)
	return release
}

func (f *fakeService) setSubmitErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitErr = err
}

func (f *fakeService) StartBatchScore(_ context.Context, ids []types.ArticleID, p types.Persona) (types.ScoringJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, p)
	if f.submitErr != nil {
		return types.ScoringJob{}, f.submitErr
	}
	taskID := fmt.Sprintf("task-%d", len(f.submitted))
	f.owners[taskID] = p.RecipientName
	return types.ScoringJob{
		TaskID:        taskID,
		SubmittedFor:  p.Identity(),
		TotalArticles: len(ids),
		Status:        types.JobPending,
		SubmittedAt:   time.Now(),
	}, nil
}

func (f *fakeService) BatchScoreStatus(_ context.Context, taskID string) (types.JobStatusSnapshot, error) {
	f.mu.Lock()
	name := f.owners[taskID]
	n := f.polls[taskID]
	f.polls[taskID]++
	script := f.scripts[name]
	gate := f.gates[name]
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if len(script) == 0 {
		return types.JobStatusSnapshot{}, errors.New("no script for " + name)
	}
	ans := script[len(script)-1]
	if n < len(script) {
		ans = script[n]
	}
	return ans.snap, ans.err
}

func (f *fakeService) submissions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submitted)
}

func (f *fakeService) pollsFor(taskID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.polls[taskID]
}

// recorder captures callbacks; every terminal notification is also sent on events.
type recorder struct {
	mu          sync.Mutex
	progress    []float64
	completed   []types.PersonaIdentity
	ranked      [][]types.Article
	scores      [][]types.ScoredResult
	partial     []scoring.Kind
	partialMsg  []string
	errors      []scoring.Kind
	newArticles []int
	events      chan string
}

func newRecorder() *recorder {
	return &recorder{events: make(chan string, 64)}
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnProgress: func(p scoring.Progress) {
			r.mu.Lock()
			r.progress = append(r.progress, p.Percent)
			r.mu.Unlock()
		},
		OnScored: func(_ types.PersonaIdentity, results []types.ScoredResult) {
			r.mu.Lock()
			r.scores = append(r.scores, results)
			r.mu.Unlock()
		},
		OnCompleted: func(id types.PersonaIdentity, ranked []types.Article) {
			r.mu.Lock()
			r.completed = append(r.completed, id)
			r.ranked = append(r.ranked, ranked)
			r.mu.Unlock()
			r.events <- "completed:" + id.RecipientName
		},
		OnPartial: func(id types.PersonaIdentity, kind scoring.Kind, ranked []types.Article, msg string) {
			r.mu.Lock()
			r.partial = append(r.partial, kind)
			r.partialMsg = append(r.partialMsg, msg)
			r.ranked = append(r.ranked, ranked)
			r.mu.Unlock()
			r.events <- "partial:" + string(kind)
		},
		OnError: func(kind scoring.Kind, _ string) {
			r.mu.Lock()
			r.errors = append(r.errors, kind)
			r.mu.Unlock()
			r.events <- "error:" + string(kind)
		},
		OnNewArticles: func(added int) {
			r.mu.Lock()
			r.newArticles = append(r.newArticles, added)
			r.mu.Unlock()
			r.events <- fmt.Sprintf("new:%d", added)
		},
	}
}

func (r *recorder) wait(t *testing.T, want string) {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case got := <-r.events:
			if got == want {
				return
			}
			if strings.HasPrefix(got, "error:") && !strings.HasPrefix(want, "error:") {
				t.Fatalf("unexpected %s while waiting for %s", got, want)
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

func (r *recorder) snapshot() (progress []float64, completed []types.PersonaIdentity, partial, errs []scoring.Kind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]float64(nil), r.progress...),
		append([]types.PersonaIdentity(nil), r.completed...),
		append([]scoring.Kind(nil), r.partial...),
		append([]scoring.Kind(nil), r.errors...)
}

func (r *recorder) scoredBatches() [][]types.ScoredResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]types.ScoredResult(nil), r.scores...)
}

func (r *recorder) lastRanked() []types.Article {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.ranked) == 0 {
		return nil
	}
	return r.ranked[len(r.ranked)-1]
}

func articles(ids ...string) []types.Article {
	out := make([]types.Article, 0, len(ids))
	for _, id := range ids {
		out = append(out, types.Article{ID: types.ArticleID(id), Title: "article " + id})
	}
	return out
}

func testConfig() Config {
	return Config{Poller: scoring.PollerConfig{Interval: 2 * time.Millisecond, MaxConsecutiveErrors: 1}}
}

var (
	dana = types.Persona{RecipientName: "Dana", JobTitle: "CTO", Company: "Acme"}
	lee  = types.Persona{RecipientName: "Lee", JobTitle: "CFO", Company: "Globex"}
)

func setup(t *testing.T, ids ...string) (*Coordinator, *fakeService, *recorder) {
	t.Helper()
	svc := newFakeService()
	st := store.NewArticleStore(0)
	st.UpsertBatch(articles(ids...))
	rec := newRecorder()
	c := New(st, svc, testConfig(), rec.callbacks())
	t.Cleanup(c.Close)
	return c, svc, rec
}

// ============================================================================
// 完整流程
// ============================================================================

func TestPersonalizationRanksArticles(t *testing.T) {
	c, svc, rec := setup(t, "1", "2", "3")
	svc.script("Dana",
		running(30),
		running(70),
		terminal(types.JobCompleted, scored("1", 0.9), scored("2", 0.2), scored("3", 0.7)))

	require.NoError(t, c.StartPersonalization(dana))
	rec.wait(t, "completed:Dana")

	assert.Equal(t, []types.ArticleID{"1", "3", "2"}, ranking.IDs(rec.lastRanked()))
	assert.Equal(t, []types.ArticleID{"1", "3", "2"}, ranking.IDs(c.Store().Ranked()))

	progress, completed, partial, errs := rec.snapshot()
	require.Len(t, completed, 1)
	assert.True(t, completed[0].Equal(dana.Identity()))
	assert.Empty(t, partial)
	assert.Empty(t, errs)
	require.NotEmpty(t, progress)
	assert.Equal(t, float64(100), progress[len(progress)-1])
	for i := 1; i < len(progress); i++ {
		assert.GreaterOrEqual(t, progress[i], progress[i-1], "progress must never go backwards")
	}

	st := c.Status()
	assert.Equal(t, StateCompleted, st.State)
	assert.Equal(t, types.JobCompleted, st.LastStatus)
	assert.Equal(t, float64(100), st.Progress)
	require.NotNil(t, st.LastCompleted)
	assert.True(t, st.LastCompleted.Equal(dana.Identity()))
	assert.Equal(t, 1, svc.submissions())
	assert.Equal(t, [][]types.ScoredResult{{scored("1", 0.9), scored("2", 0.2), scored("3", 0.7)}}, rec.scoredBatches())
}

func TestExpiredJobShowsPartialResults(t *testing.T) {
	c, svc, rec := setup(t, "1", "2", "3")
	svc.script("Dana",
		pollAnswer{snap: types.JobStatusSnapshot{
			Status:          types.JobRunning,
			ProgressPercent: 60,
			Processed:       2,
			Total:           3,
			Results:         []types.ScoredResult{scored("1", 0.4), scored("2", 0.8)},
		}},
		terminal(types.JobExpired))

	require.NoError(t, c.StartPersonalization(dana))
	rec.wait(t, "partial:JobExpired")

	assert.Equal(t, []types.ArticleID{"2", "3", "1"}, ranking.IDs(rec.lastRanked()))

	_, completed, partial, errs := rec.snapshot()
	assert.Empty(t, completed)
	assert.Equal(t, []scoring.Kind{scoring.KindJobExpired}, partial)
	assert.Empty(t, errs, "partial results are not reported as an error")
	assert.Contains(t, rec.partialMsg[0], "2 of 3")
	assert.Equal(t, [][]types.ScoredResult{{scored("1", 0.4), scored("2", 0.8)}}, rec.scoredBatches(),
		"only the job's own results are reported")

	st := c.Status()
	assert.Equal(t, StateCompleted, st.State)
	assert.Equal(t, types.JobExpired, st.LastStatus)
	assert.Equal(t, 1, svc.submissions(), "expired jobs are never resubmitted")
}

func TestExpiredJobWithoutResultsReportsError(t *testing.T) {
	c, svc, rec := setup(t, "1", "2")
	svc.script("Dana", running(10), terminal(types.JobExpired))

	require.NoError(t, c.StartPersonalization(dana))
	rec.wait(t, "error:JobExpired")

	assert.Equal(t, StateErrorBackoff, c.Status().State)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, svc.submissions())
	assert.Equal(t, 2, svc.pollsFor("task-1"))
}

func TestFailedJobReportsError(t *testing.T) {
	c, svc, rec := setup(t, "1")
	svc.script("Dana", terminal(types.JobFailed))

	require.NoError(t, c.StartPersonalization(dana))
	rec.wait(t, "error:JobFailed")
	assert.Equal(t, StateErrorBackoff, c.Status().State)
}

func TestPollTransportErrorStopsPolling(t *testing.T) {
	c, svc, rec := setup(t, "1", "2")
	svc.script("Dana", running(20), transportErr(), running(90))

	require.NoError(t, c.StartPersonalization(dana))
	rec.wait(t, "error:PollTransportError")

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 2, svc.pollsFor("task-1"), "no polls after a transport error")
	assert.Equal(t, StateErrorBackoff, c.Status().State)
}

// ============================================================================
// 驗證
// ============================================================================

func TestEmptyStoreFailsWithoutSubmitting(t *testing.T) {
	c, svc, _ := setup(t)

	err := c.StartPersonalization(dana)
	require.Error(t, err)
	assert.ErrorIs(t, err, scoring.ErrEmptyBatch)
	assert.Equal(t, 0, svc.submissions())
	assert.Equal(t, StateIdle, c.Status().State)
}

func TestInvalidPersonaFailsWithoutSubmitting(t *testing.T) {
	c, svc, _ := setup(t, "1")

	err := c.StartPersonalization(types.Persona{RecipientName: "   ", Company: "Acme"})
	assert.ErrorIs(t, err, scoring.ErrInvalidPersona)
	assert.Equal(t, 0, svc.submissions())
	assert.Equal(t, StateIdle, c.Status().State)
	assert.Nil(t, c.Status().Persona)
}

func TestRerankRequiresPersona(t *testing.T) {
	c, _, _ := setup(t, "1")
	assert.ErrorIs(t, c.Rerank(), ErrNoPersona)
}

// ============================================================================
// 去重與搶佔
// ============================================================================

func TestSameIdentityWhileInFlightIsIgnored(t *testing.T) {
	c, svc, rec := setup(t, "1", "2")
	svc.script("Dana", terminal(types.JobCompleted, scored("1", 0.3)))
	release := svc.gate(t, "Dana")

	require.NoError(t, c.StartPersonalization(dana))
	require.NoError(t, c.StartPersonalization(dana))

	variant := dana
	variant.RecipientName = " dana "
	variant.PersonalityTraits = "direct"
	require.NoError(t, c.StartPersonalization(variant))

	assert.ErrorIs(t, c.Rerank(), ErrJobInFlight)

	require.Eventually(t, func() bool { return svc.pollsFor("task-1") == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, 1, svc.submissions())

	release()
	rec.wait(t, "completed:Dana")

	require.NoError(t, c.StartPersonalization(dana), "ranking already current")
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 1, svc.submissions())
}

func TestDifferentIdentityPreemptsInFlightJob(t *testing.T) {
	c, svc, rec := setup(t, "1", "2", "3")
	svc.script("Dana", terminal(types.JobCompleted, scored("1", 0.1)))
	svc.script("Lee", terminal(types.JobCompleted, scored("1", 0.9), scored("2", 0.3), scored("3", 0.6)))
	release := svc.gate(t, "Dana")

	require.NoError(t, c.StartPersonalization(dana))
	require.Eventually(t, func() bool { return svc.pollsFor("task-1") == 1 }, time.Second, time.Millisecond)

	require.NoError(t, c.StartPersonalization(lee))
	rec.wait(t, "completed:Lee")
	assert.Equal(t, 2, svc.submissions(), "the new job starts without waiting for the old one")
	assert.Equal(t, []types.ArticleID{"1", "3", "2"}, ranking.IDs(rec.lastRanked()))

	// Dana's answer arrives after Lee's job finished.
	release()
	require.Eventually(t, func() bool {
		a, err := c.Store().Get("1")
		return err == nil && a.Score() == 0.1
	}, time.Second, time.Millisecond, "late results are still merged")

	time.Sleep(20 * time.Millisecond)
	_, completed, partial, errs := rec.snapshot()
	require.Len(t, completed, 1, "the preempted job never notifies")
	assert.True(t, completed[0].Equal(lee.Identity()))
	assert.Empty(t, partial)
	assert.Empty(t, errs)
	assert.Equal(t, 1, svc.pollsFor("task-1"), "the preempted job is not polled again")

	st := c.Status()
	assert.Equal(t, StateCompleted, st.State)
	require.NotNil(t, st.LastCompleted)
	assert.True(t, st.LastCompleted.Equal(lee.Identity()))
	assert.Equal(t, []types.ArticleID{"1", "3", "2"}, ranking.IDs(c.Store().Ranked()), "late results do not reorder the ranking")
}

// ============================================================================
// 錯誤後重試
// ============================================================================

func TestCaseVariantIsDifferentPersona(t *testing.T) {
	c, svc, rec := setup(t, "1", "2")
	svc.script("Dana", terminal(types.JobCompleted, scored("1", 0.9), scored("2", 0.1)))
	svc.script("dana", terminal(types.JobCompleted, scored("1", 0.1), scored("2", 0.9)))

	require.NoError(t, c.StartPersonalization(dana))
	rec.wait(t, "completed:Dana")

	lower := types.Persona{RecipientName: "dana", JobTitle: "cto", Company: "acme", ConversationContext: "met at a conference"}
	require.NoError(t, c.StartPersonalization(lower))
	rec.wait(t, "completed:dana")

	assert.Equal(t, 2, svc.submissions(), "a case variant is a different persona")
	assert.Equal(t, []types.ArticleID{"2", "1"}, ranking.IDs(c.Store().Ranked()))

	padded := lower
	padded.RecipientName = " dana "
	require.NoError(t, c.StartPersonalization(padded))
	assert.Equal(t, 2, svc.submissions(), "surrounding whitespace is not part of the identity")
}

func TestSubmissionFailureThenRetry(t *testing.T) {
	c, svc, rec := setup(t, "1", "2")
	svc.setSubmitErr(errors.New("503 service unavailable"))

	require.NoError(t, c.StartPersonalization(dana))
	rec.wait(t, "error:SubmissionFailed")
	assert.Equal(t, StateErrorBackoff, c.Status().State)

	svc.setSubmitErr(nil)
	svc.script("Dana", terminal(types.JobCompleted, scored("2", 0.9)))

	require.NoError(t, c.StartPersonalization(dana), "an explicit trigger retries")
	rec.wait(t, "completed:Dana")
	assert.Equal(t, 2, svc.submissions())
	assert.Equal(t, []types.ArticleID{"2", "1"}, ranking.IDs(c.Store().Ranked()))
}

// ============================================================================
// 新文章與重新排序
// ============================================================================

func TestNewArticlesFlagClearedOnlyByRerank(t *testing.T) {
	c, svc, rec := setup(t, "1", "2")
	svc.script("Dana", terminal(types.JobCompleted, scored("1", 0.2), scored("2", 0.8)))

	assert.Equal(t, 1, c.IngestArticles(articles("3")))
	assert.False(t, c.Status().NewArticles, "nothing ranked yet")

	require.NoError(t, c.StartPersonalization(dana))
	rec.wait(t, "completed:Dana")

	assert.Equal(t, 0, c.IngestArticles(articles("1")), "known articles are not new")
	assert.Equal(t, 1, c.IngestArticles(articles("4")))
	rec.wait(t, "new:1")
	assert.True(t, c.Status().NewArticles)

	require.NoError(t, c.StartPersonalization(dana))
	assert.True(t, c.Status().NewArticles, "re-applying the persona keeps the flag")
	assert.Equal(t, 1, svc.submissions())

	svc.script("Dana", terminal(types.JobCompleted, scored("4", 0.95)))
	require.NoError(t, c.Rerank())
	assert.False(t, c.Status().NewArticles)
	rec.wait(t, "completed:Dana")

	assert.Equal(t, 2, svc.submissions())
	assert.Equal(t, types.ArticleID("4"), c.Store().Ranked()[0].ID)
	assert.False(t, c.Status().NewArticles)
}

// ============================================================================
// 取消
// ============================================================================

func TestCancelStopsPolling(t *testing.T) {
	c, svc, rec := setup(t, "1")
	svc.script("Dana", running(10))

	require.NoError(t, c.StartPersonalization(dana))
	require.Eventually(t, func() bool { return svc.pollsFor("task-1") >= 2 }, time.Second, time.Millisecond)

	c.Cancel()
	assert.Equal(t, StateIdle, c.Status().State)

	// A status call already in flight at Cancel time has been counted.
	time.Sleep(10 * time.Millisecond)
	polls := svc.pollsFor("task-1")
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, polls, svc.pollsFor("task-1"))

	_, completed, partial, errs := rec.snapshot()
	assert.Empty(t, completed)
	assert.Empty(t, partial)
	assert.Empty(t, errs)
}

func TestCancelDiscardsLateAnswer(t *testing.T) {
	c, svc, rec := setup(t, "1")
	svc.script("Dana", terminal(types.JobCompleted, scored("1", 0.9)))
	release := svc.gate(t, "Dana")

	require.NoError(t, c.StartPersonalization(dana))
	require.Eventually(t, func() bool { return svc.pollsFor("task-1") == 1 }, time.Second, time.Millisecond)

	c.Cancel()
	release()
	time.Sleep(20 * time.Millisecond)

	a, err := c.Store().Get("1")
	require.NoError(t, err)
	assert.Nil(t, a.RelevanceScore)
	_, completed, _, _ := rec.snapshot()
	assert.Empty(t, completed)
}

func TestClosedCoordinatorRejectsTriggers(t *testing.T) {
	c, _, _ := setup(t, "1")
	c.Close()
	assert.ErrorIs(t, c.StartPersonalization(dana), ErrClosed)
}
