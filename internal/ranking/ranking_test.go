package ranking

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ChuLiYu/persona-curator/pkg/types"
)

func articles(ids ...types.ArticleID) []types.Article {
	out := make([]types.Article, len(ids))
	for i, id := range ids {
		out[i] = types.Article{ID: id, Title: "article " + string(id)}
	}
	return out
}

func TestRankOrdersByScore(t *testing.T) {
	scores := ScoreMap([]types.ScoredResult{
		{ArticleID: "1", Score: 0.9},
		{ArticleID: "2", Score: 0.2},
		{ArticleID: "3", Score: 0.7},
	})

	ranked := Rank(articles("1", "2", "3"), scores)

	assert.Equal(t, []types.ArticleID{"1", "3", "2"}, IDs(ranked))
	for _, a := range ranked {
		assert.True(t, a.Personalized)
	}
}

func TestRankUnscoredKeepsPreviousOrDefault(t *testing.T) {
	known := articles("a", "b", "c")
	known[1].RelevanceScore = types.Float64(0.3)

	ranked := Rank(known, ScoreMap([]types.ScoredResult{{ArticleID: "a", Score: 0.8}}))

	assert.Equal(t, []types.ArticleID{"a", "c", "b"}, IDs(ranked))
	assert.Equal(t, types.DefaultScore, ranked[1].Score())
	assert.Equal(t, 0.3, ranked[2].Score())
	assert.False(t, ranked[1].Personalized)
}

func TestRankTieKeepsInputOrder(t *testing.T) {
	ranked := Rank(articles("x", "y", "z"), nil)
	assert.Equal(t, []types.ArticleID{"x", "y", "z"}, IDs(ranked))
}

func TestRankDeduplicatesLatestWins(t *testing.T) {
	known := articles("1", "2", "1")
	known[0].Title = "old"
	known[2].Title = "new"

	ranked := Rank(known, nil)

	assert.Len(t, ranked, 2)
	assert.Equal(t, "new", ranked[0].Title)
}

func TestRankDoesNotMutateInput(t *testing.T) {
	known := articles("1")
	Rank(known, map[types.ArticleID]float64{"1": 0.4})
	assert.Nil(t, known[0].RelevanceScore)
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		in   float64
		want float64
	}{
		{"fraction", 0.42, 0.42},
		{"percentage", 87, 0.87},
		{"negative", -3, 0},
		{"overflow", 250, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, Normalize(tt.in), 1e-9)
		})
	}
}
