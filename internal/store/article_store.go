// ============================================================================
// persona-curator 文章庫 - 去重後的文章超集合
// ============================================================================
//
// Package: internal/store
// 文件: article_store.go
// 功能: 保存所有分區抓取到的文章，以及目前顯示的個人化排序
//
// 數據結構設計:
//   articles map[ArticleID]*Article - 主存儲，id 唯一
//   order []ArticleID               - 插入順序，決定 AllIDs() 與排序的 tiebreak
//   ranking []ArticleID             - 最近一次 MergeResults 的排序結果
//
// 分數覆寫規則 (UpsertBatch):
//   - 新資料為個人化分數 → 一律覆寫（latest wins）
//   - 舊資料不是個人化分數 → 以新資料覆寫（feed refresh）
//   - 否則保留個人化分數，feed 分數不會蓋掉它
//   - Categories 取聯集（同一篇文章可能出現在多個分區）
//
// 並發安全:
//   - sync.RWMutex 保護所有欄位，所有寫入序列化
//   - 對外回傳的 Article 皆為深拷貝
//
// ============================================================================

package store

import (
	"errors"
	"sync"

	"github.com/ChuLiYu/persona-curator/internal/ranking"
	"github.com/ChuLiYu/persona-curator/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrArticleNotFound 文章不存在
	ErrArticleNotFound = errors.New("article not found")
	// ErrEmptyArticleID 文章缺少 id
	ErrEmptyArticleID = errors.New("article id is empty")
)

// DefaultMaxBatch 單次評分任務最多送出的文章數
const DefaultMaxBatch = 100

// ArticleStore 文章庫
type ArticleStore struct {
	mu        sync.RWMutex
	articles  map[types.ArticleID]*types.Article
	order     []types.ArticleID
	ranking   []types.ArticleID
	rankedFor *types.PersonaIdentity
	maxBatch  int
}

// Stats 文章庫統計
type Stats struct {
	Total        int
	Scored       int
	Personalized int
	Ranked       int
}

// NewArticleStore 建立文章庫；maxBatch <= 0 時使用 DefaultMaxBatch
func NewArticleStore(maxBatch int) *ArticleStore {
	if maxBatch <= 0 {
		maxBatch = DefaultMaxBatch
	}
	return &ArticleStore{
		articles: make(map[types.ArticleID]*types.Article),
		order:    make([]types.ArticleID, 0),
		maxBatch: maxBatch,
	}
}

// UpsertBatch 合併一批文章，回傳新增（先前未見過）的數量
//
// 空 id 的文章會被略過。
func (s *ArticleStore) UpsertBatch(articles []types.Article) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	added := 0
	for _, in := range articles {
		if in.ID == "" {
			continue
		}
		if s.upsertLocked(in.Clone()) {
			added++
		}
	}
	return added
}

func (s *ArticleStore) upsertLocked(in types.Article) bool {
	existing, ok := s.articles[in.ID]
	if !ok {
		in.Categories = unionCategories(nil, in.Categories)
		s.articles[in.ID] = &in
		s.order = append(s.order, in.ID)
		return true
	}

	categories := unionCategories(existing.Categories, in.Categories)
	if in.Personalized || !existing.Personalized {
		// 新資料具權威性，整筆覆寫；若新資料沒帶分數則沿用舊分數
		if in.RelevanceScore == nil {
			in.RelevanceScore = existing.RelevanceScore
			in.Personalized = existing.Personalized
		}
		*existing = in
	} else {
		// 保留個人化分數，只刷新不可變以外的描述欄位
		score := existing.RelevanceScore
		*existing = in
		existing.RelevanceScore = score
		existing.Personalized = true
	}
	existing.Categories = categories
	return false
}

func unionCategories(current, incoming []string) []string {
	out := make([]string, 0, len(current)+len(incoming))
	seen := make(map[string]struct{}, len(current)+len(incoming))
	for _, list := range [][]string{current, incoming} {
		for _, c := range list {
			if c == "" {
				continue
			}
			if _, dup := seen[c]; dup {
				continue
			}
			seen[c] = struct{}{}
			out = append(out, c)
		}
	}
	return out
}

// AllIDs 回傳依插入順序的文章 id，最多 maxBatch 筆
func (s *ArticleStore) AllIDs() []types.ArticleID {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := len(s.order)
	if n > s.maxBatch {
		n = s.maxBatch
	}
	ids := make([]types.ArticleID, n)
	copy(ids, s.order[:n])
	return ids
}

// MaxBatch returns the id cap applied by AllIDs.
func (s *ArticleStore) MaxBatch() int {
	return s.maxBatch
}

// Len 文章總數
func (s *ArticleStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

// Get 取得單篇文章
func (s *ArticleStore) Get(id types.ArticleID) (types.Article, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.articles[id]
	if !ok {
		return types.Article{}, ErrArticleNotFound
	}
	return a.Clone(), nil
}

// Articles 依插入順序回傳所有文章
func (s *ArticleStore) Articles() []types.Article {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.articlesLocked()
}

func (s *ArticleStore) articlesLocked() []types.Article {
	out := make([]types.Article, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.articles[id].Clone())
	}
	return out
}

// ApplyScores 寫入個人化分數但不改變目前顯示的排序
//
// 用於被搶佔任務晚到的結果：分數仍然有效，排序仍屬於目前的畫像。
// 未知 id 的結果會被忽略，回傳實際套用的數量。
func (s *ArticleStore) ApplyScores(results []types.ScoredResult) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applyScoresLocked(ranking.ScoreMap(results))
}

func (s *ArticleStore) applyScoresLocked(scores map[types.ArticleID]float64) int {
	applied := 0
	for id, score := range scores {
		a, ok := s.articles[id]
		if !ok {
			continue
		}
		a.RelevanceScore = types.Float64(score)
		a.Personalized = true
		applied++
	}
	return applied
}

// MergeResults 套用評分結果並重新計算排序
//
// 重複呼叫同一批結果得到相同的狀態（冪等）。
func (s *ArticleStore) MergeResults(results []types.ScoredResult, rankedFor types.PersonaIdentity) []types.Article {
	s.mu.Lock()
	defer s.mu.Unlock()

	scores := ranking.ScoreMap(results)
	s.applyScoresLocked(scores)

	ranked := ranking.Rank(s.articlesLocked(), scores)
	s.ranking = ranking.IDs(ranked)
	id := rankedFor
	s.rankedFor = &id
	return ranked
}

// Ranked 回傳目前顯示的排序
//
// 排序之後新加入的文章接在最後（依插入順序），尚未排序時等同 Articles()。
func (s *ArticleStore) Ranked() []types.Article {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]types.Article, 0, len(s.order))
	seen := make(map[types.ArticleID]struct{}, len(s.ranking))
	for _, id := range s.ranking {
		if a, ok := s.articles[id]; ok {
			out = append(out, a.Clone())
			seen[id] = struct{}{}
		}
	}
	for _, id := range s.order {
		if _, ok := seen[id]; !ok {
			out = append(out, s.articles[id].Clone())
		}
	}
	return out
}

// RankedFor 回傳目前排序所屬的畫像
func (s *ArticleStore) RankedFor() (types.PersonaIdentity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.rankedFor == nil {
		return types.PersonaIdentity{}, false
	}
	return *s.rankedFor, true
}

// Stats 回傳統計資訊
func (s *ArticleStore) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{Total: len(s.order), Ranked: len(s.ranking)}
	for _, a := range s.articles {
		if a.RelevanceScore != nil {
			st.Scored++
		}
		if a.Personalized {
			st.Personalized++
		}
	}
	return st
}

// Snapshot 序列化目前狀態（不含 LastFetched，由呼叫端補上）
func (s *ArticleStore) Snapshot() types.StoreSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := types.StoreSnapshot{
		Articles: s.articlesLocked(),
		Ranking:  append([]types.ArticleID(nil), s.ranking...),
	}
	if s.rankedFor != nil {
		id := *s.rankedFor
		snap.RankedFor = &id
	}
	return snap
}

// Restore 從快照恢復，覆蓋目前內容
func (s *ArticleStore) Restore(snap types.StoreSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	articles := make(map[types.ArticleID]*types.Article, len(snap.Articles))
	order := make([]types.ArticleID, 0, len(snap.Articles))
	for _, a := range snap.Articles {
		if a.ID == "" {
			return ErrEmptyArticleID
		}
		if _, dup := articles[a.ID]; dup {
			continue
		}
		c := a.Clone()
		articles[a.ID] = &c
		order = append(order, a.ID)
	}

	s.articles = articles
	s.order = order
	s.ranking = append([]types.ArticleID(nil), snap.Ranking...)
	s.rankedFor = nil
	if snap.RankedFor != nil {
		id := *snap.RankedFor
		s.rankedFor = &id
	}
	return nil
}
