// Package ranking merges scoring results into a known article list and
// produces the personalized ordering.
package ranking

import (
	"math"
	"sort"

	"github.com/ChuLiYu/persona-curator/pkg/types"
)

// Normalize maps a backend score onto [0,1]. The backend reports either a
// fraction or a percentage; anything above 1 is treated as a percentage.
func Normalize(score float64) float64 {
	if math.IsNaN(score) || score < 0 {
		return 0
	}
	if score > 1 {
		score /= 100
	}
	if score > 1 {
		return 1
	}
	return score
}

// ScoreMap indexes results by article id. Later entries win.
func ScoreMap(results []types.ScoredResult) map[types.ArticleID]float64 {
	scores := make(map[types.ArticleID]float64, len(results))
	for _, r := range results {
		scores[r.ArticleID] = Normalize(r.Score)
	}
	return scores
}

// Rank returns known articles ordered by descending score.
//
// Every article gets the mapped score if present, otherwise keeps its previous
// score, otherwise types.DefaultScore. Duplicate ids collapse into one entry at
// the position of the first occurrence carrying the content of the last one.
// Equal scores keep their input order.
func Rank(known []types.Article, scores map[types.ArticleID]float64) []types.Article {
	index := make(map[types.ArticleID]int, len(known))
	out := make([]types.Article, 0, len(known))

	for _, a := range known {
		a = a.Clone()
		if s, ok := scores[a.ID]; ok {
			a.RelevanceScore = types.Float64(s)
			a.Personalized = true
		} else if a.RelevanceScore == nil {
			a.RelevanceScore = types.Float64(types.DefaultScore)
		}

		if i, seen := index[a.ID]; seen {
			out[i] = a
			continue
		}
		index[a.ID] = len(out)
		out = append(out, a)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return *out[i].RelevanceScore > *out[j].RelevanceScore
	})
	return out
}

// IDs extracts article ids in order.
func IDs(articles []types.Article) []types.ArticleID {
	ids := make([]types.ArticleID, len(articles))
	for i, a := range articles {
		ids[i] = a.ID
	}
	return ids
}
