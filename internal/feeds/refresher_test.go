package feeds

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/persona-curator/internal/backend"
	"github.com/ChuLiYu/persona-curator/internal/store"
	"github.com/ChuLiYu/persona-curator/pkg/types"
)

type fakeSource struct {
	mu       sync.Mutex
	pages    map[types.Industry][]types.Article
	failures map[types.Industry]error
	calls    map[types.Industry]int
	personas []types.Persona
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		pages:    make(map[types.Industry][]types.Article),
		failures: make(map[types.Industry]error),
		calls:    make(map[types.Industry]int),
	}
}

func (f *fakeSource) FetchArticles(_ context.Context, ind types.Industry) (backend.ArticlePage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[ind]++
	if err := f.failures[ind]; err != nil {
		return backend.ArticlePage{}, err
	}
	return backend.ArticlePage{Industry: ind, Articles: f.pages[ind]}, nil
}

func (f *fakeSource) FetchPersonalizedArticles(_ context.Context, ind types.Industry, p types.Persona) (backend.ArticlePage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.personas = append(f.personas, p)
	out := make([]types.Article, 0, len(f.pages[ind]))
	for _, a := range f.pages[ind] {
		a.RelevanceScore = types.Float64(0.9)
		a.Personalized = true
		out = append(out, a)
	}
	return backend.ArticlePage{Industry: ind, Articles: out}, nil
}

func (f *fakeSource) callCount(ind types.Industry) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[ind]
}

func article(id string, ind types.Industry) types.Article {
	return types.Article{ID: types.ArticleID(id), Title: id, Categories: []string{string(ind)}}
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestRefresher(src Source, sink Sink, industries ...types.Industry) (*Refresher, *fakeClock) {
	r := NewRefresher(src, sink, Config{Industries: industries, TTL: time.Minute, Workers: 2}, nil)
	clock := &fakeClock{t: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
	r.now = clock.now
	return r, clock
}

func TestRefreshFetchesEveryPartition(t *testing.T) {
	src := newFakeSource()
	src.pages[types.IndustryBFSI] = []types.Article{article("b1", types.IndustryBFSI), article("b2", types.IndustryBFSI)}
	src.pages[types.IndustryRetail] = []types.Article{article("r1", types.IndustryRetail)}

	st := store.NewArticleStore(0)
	r, _ := newTestRefresher(src, IntoStore(st), types.IndustryBFSI, types.IndustryRetail)

	report, err := r.Refresh(context.Background(), false)
	require.NoError(t, err)

	assert.Equal(t, map[types.Industry]int{types.IndustryBFSI: 2, types.IndustryRetail: 1}, report.Fetched)
	assert.Equal(t, 3, report.Added)
	assert.Empty(t, report.Skipped)
	assert.Equal(t, []types.ArticleID{"b1", "b2", "r1"}, st.AllIDs(), "ingested in partition order")
}

func TestRefreshHonoursTTL(t *testing.T) {
	src := newFakeSource()
	src.pages[types.IndustryBFSI] = []types.Article{article("b1", types.IndustryBFSI)}

	r, clock := newTestRefresher(src, IntoStore(store.NewArticleStore(0)), types.IndustryBFSI, types.IndustryOther)

	_, err := r.Refresh(context.Background(), false)
	require.NoError(t, err)
	assert.Empty(t, r.Due())

	clock.advance(30 * time.Second)
	report, err := r.Refresh(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, []types.Industry{types.IndustryBFSI, types.IndustryOther}, report.Skipped)
	assert.Equal(t, 1, src.callCount(types.IndustryBFSI))

	clock.advance(31 * time.Second)
	assert.Equal(t, []types.Industry{types.IndustryBFSI, types.IndustryOther}, r.Due())
	_, err = r.Refresh(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 2, src.callCount(types.IndustryBFSI))

	_, err = r.Refresh(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, 3, src.callCount(types.IndustryBFSI), "force ignores the TTL")
}

func TestRefreshPartialFailure(t *testing.T) {
	src := newFakeSource()
	src.pages[types.IndustryRetail] = []types.Article{article("r1", types.IndustryRetail)}
	boom := errors.New("gateway timeout")
	src.failures[types.IndustryBFSI] = boom

	st := store.NewArticleStore(0)
	r, _ := newTestRefresher(src, IntoStore(st), types.IndustryBFSI, types.IndustryRetail)

	report, err := r.Refresh(context.Background(), false)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "bfsi")

	assert.Equal(t, 1, report.Added, "healthy partitions are still ingested")
	assert.Contains(t, report.Failed, types.IndustryBFSI)
	assert.Equal(t, []types.Industry{types.IndustryBFSI}, r.Due(), "the failed partition stays due")

	_, ok := r.LastFetched()[types.IndustryRetail]
	assert.True(t, ok)
}

func TestRestoreLastFetched(t *testing.T) {
	src := newFakeSource()
	r, clock := newTestRefresher(src, IntoStore(store.NewArticleStore(0)), types.IndustryBFSI)

	r.RestoreLastFetched(map[types.Industry]time.Time{types.IndustryBFSI: clock.now()})
	assert.Empty(t, r.Due())

	report, err := r.Refresh(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, []types.Industry{types.IndustryBFSI}, report.Skipped)
	assert.Equal(t, 0, src.callCount(types.IndustryBFSI))
}

type countingSink struct {
	mu    sync.Mutex
	calls int
	st    *store.ArticleStore
}

func (s *countingSink) IngestArticles(a []types.Article) int {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	return s.st.UpsertBatch(a)
}

func TestRefreshIngestsOnceAndCountsOnlyNew(t *testing.T) {
	src := newFakeSource()
	src.pages[types.IndustryBFSI] = []types.Article{article("b1", types.IndustryBFSI)}
	src.pages[types.IndustryTechnology] = []types.Article{article("t1", types.IndustryTechnology)}

	sink := &countingSink{st: store.NewArticleStore(0)}
	r, _ := newTestRefresher(src, sink, types.IndustryBFSI, types.IndustryTechnology)

	report, err := r.Refresh(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Added)

	src.pages[types.IndustryTechnology] = append(src.pages[types.IndustryTechnology], article("t2", types.IndustryTechnology))
	report, err = r.Refresh(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Added)
	assert.Equal(t, 2, sink.calls, "one batch per refresh")
}

func TestFetchPersonalized(t *testing.T) {
	src := newFakeSource()
	src.pages[types.IndustryHealthcare] = []types.Article{article("h1", types.IndustryHealthcare)}

	st := store.NewArticleStore(0)
	r, _ := newTestRefresher(src, IntoStore(st), types.IndustryHealthcare)

	persona := types.Persona{RecipientName: "Dana"}
	added, err := r.FetchPersonalized(context.Background(), persona)
	require.NoError(t, err)
	assert.Equal(t, 1, added)
	require.Len(t, src.personas, 1)
	assert.Equal(t, "Dana", src.personas[0].RecipientName)

	a, err := st.Get("h1")
	require.NoError(t, err)
	assert.True(t, a.Personalized)
	assert.Equal(t, 0.9, a.Score())
}

func TestRefreshCancelled(t *testing.T) {
	src := newFakeSource()
	r, _ := newTestRefresher(blockingSource{src}, IntoStore(store.NewArticleStore(0)), types.IndustryBFSI)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := r.Refresh(ctx, false)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Contains(t, report.Failed, types.IndustryBFSI)
}

type blockingSource struct{ *fakeSource }

func (blockingSource) FetchArticles(ctx context.Context, _ types.Industry) (backend.ArticlePage, error) {
	<-ctx.Done()
	return backend.ArticlePage{}, ctx.Err()
}
