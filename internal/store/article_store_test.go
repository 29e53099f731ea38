package store

// ============================================================================
// ArticleStore 測試檔案
// 職責：驗證去重、分數覆寫規則、id 上限、排序與快照
// ============================================================================

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/persona-curator/internal/ranking"
	"github.com/ChuLiYu/persona-curator/pkg/types"
)

func article(id string, score *float64, categories ...string) types.Article {
	return types.Article{ID: types.ArticleID(id), Title: "t" + id, RelevanceScore: score, Categories: categories}
}

var dana = types.PersonaIdentity{RecipientName: "Dana", JobTitle: "CTO", Company: "Acme"}

func TestUpsertBatchDeduplicates(t *testing.T) {
	s := NewArticleStore(0)

	added := s.UpsertBatch([]types.Article{article("1", nil), article("2", nil), article("1", nil)})
	assert.Equal(t, 2, added)
	assert.Equal(t, 2, s.Len())

	added = s.UpsertBatch([]types.Article{article("2", nil), article("3", nil)})
	assert.Equal(t, 1, added)
	assert.Equal(t, []types.ArticleID{"1", "2", "3"}, s.AllIDs())
}

func TestUpsertBatchLatestScoreWins(t *testing.T) {
	s := NewArticleStore(0)
	s.UpsertBatch([]types.Article{article("1", types.Float64(0.2))})
	s.UpsertBatch([]types.Article{article("1", types.Float64(0.6))})

	a, err := s.Get("1")
	require.NoError(t, err)
	assert.Equal(t, 0.6, a.Score())
}

func TestUpsertBatchFeedDoesNotClobberPersonalized(t *testing.T) {
	s := NewArticleStore(0)
	s.UpsertBatch([]types.Article{article("1", types.Float64(0.2), "bfsi")})
	s.MergeResults([]types.ScoredResult{{ArticleID: "1", Score: 0.9}}, dana)

	s.UpsertBatch([]types.Article{article("1", types.Float64(0.1), "retail")})

	a, err := s.Get("1")
	require.NoError(t, err)
	assert.Equal(t, 0.9, a.Score())
	assert.True(t, a.Personalized)
	assert.Equal(t, []string{"bfsi", "retail"}, a.Categories)
}

func TestUpsertBatchSkipsEmptyID(t *testing.T) {
	s := NewArticleStore(0)
	assert.Equal(t, 0, s.UpsertBatch([]types.Article{{Title: "no id"}}))
	assert.Equal(t, 0, s.Len())
}

func TestAllIDsCapped(t *testing.T) {
	s := NewArticleStore(0)
	batch := make([]types.Article, 0, 130)
	for i := 0; i < 130; i++ {
		batch = append(batch, article(fmt.Sprint(i), nil))
	}
	s.UpsertBatch(batch)

	ids := s.AllIDs()
	assert.Len(t, ids, DefaultMaxBatch)
	assert.Equal(t, types.ArticleID("0"), ids[0])
	assert.Equal(t, types.ArticleID("99"), ids[99])
}

func TestMergeResultsRanksAndIsIdempotent(t *testing.T) {
	s := NewArticleStore(0)
	s.UpsertBatch([]types.Article{article("1", nil), article("2", nil), article("3", nil)})
	results := []types.ScoredResult{
		{ArticleID: "1", Score: 0.9},
		{ArticleID: "2", Score: 0.2},
		{ArticleID: "3", Score: 0.7},
	}

	ranked := s.MergeResults(results, dana)
	assert.Equal(t, []types.ArticleID{"1", "3", "2"}, ranking.IDs(ranked))

	first := s.Snapshot()
	s.MergeResults(results, dana)
	assert.Equal(t, first, s.Snapshot())

	who, ok := s.RankedFor()
	require.True(t, ok)
	assert.True(t, who.Equal(dana))
}

func TestApplyScoresKeepsRanking(t *testing.T) {
	s := NewArticleStore(0)
	s.UpsertBatch([]types.Article{article("1", nil), article("2", nil)})
	s.MergeResults([]types.ScoredResult{{ArticleID: "1", Score: 0.9}, {ArticleID: "2", Score: 0.1}}, dana)

	applied := s.ApplyScores([]types.ScoredResult{{ArticleID: "2", Score: 0.95}, {ArticleID: "404", Score: 1}})
	assert.Equal(t, 1, applied)

	ranked := s.Ranked()
	assert.Equal(t, []types.ArticleID{"1", "2"}, ranking.IDs(ranked))
	assert.Equal(t, 0.95, ranked[1].Score())
}

func TestRankedAppendsNewArticles(t *testing.T) {
	s := NewArticleStore(0)
	s.UpsertBatch([]types.Article{article("1", nil), article("2", nil)})
	s.MergeResults([]types.ScoredResult{{ArticleID: "2", Score: 0.8}}, dana)
	s.UpsertBatch([]types.Article{article("3", nil)})

	assert.Equal(t, []types.ArticleID{"2", "1", "3"}, ranking.IDs(s.Ranked()))
	assert.Equal(t, Stats{Total: 3, Scored: 1, Personalized: 1, Ranked: 2}, s.Stats())
}

func TestSnapshotRestore(t *testing.T) {
	s := NewArticleStore(0)
	s.UpsertBatch([]types.Article{article("1", nil, "bfsi"), article("2", types.Float64(0.3))})
	s.MergeResults([]types.ScoredResult{{ArticleID: "1", Score: 0.4}}, dana)

	restored := NewArticleStore(0)
	require.NoError(t, restored.Restore(s.Snapshot()))

	assert.Equal(t, s.AllIDs(), restored.AllIDs())
	assert.Equal(t, ranking.IDs(s.Ranked()), ranking.IDs(restored.Ranked()))

	err := restored.Restore(types.StoreSnapshot{Articles: []types.Article{{Title: "broken"}}})
	assert.ErrorIs(t, err, ErrEmptyArticleID)
}

func TestGetMissing(t *testing.T) {
	_, err := NewArticleStore(0).Get("nope")
	assert.ErrorIs(t, err, ErrArticleNotFound)
}

func TestConcurrentUpserts(t *testing.T) {
	s := NewArticleStore(0)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				s.UpsertBatch([]types.Article{article(fmt.Sprint(i), types.Float64(float64(w)/10))})
				_ = s.AllIDs()
			}
		}(w)
	}
	wg.Wait()
	assert.Equal(t, 50, s.Len())
}
