// Package types 定義了 persona-curator 系統中使用的核心領域模型
package types

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ArticleID 文章唯一識別碼（後端整數 ID 的字串形式）
type ArticleID string

// Industry 文章所屬的產業分區
type Industry string

// 產業分區常數，與後端 /articles?industry= 參數一致
const (
	IndustryBFSI       Industry = "bfsi"
	IndustryRetail     Industry = "retail"
	IndustryHealthcare Industry = "healthcare"
	IndustryTechnology Industry = "technology"
	IndustryOther      Industry = "other"
)

// AllIndustries 以固定順序列出所有分區
var AllIndustries = []Industry{
	IndustryBFSI,
	IndustryRetail,
	IndustryHealthcare,
	IndustryTechnology,
	IndustryOther,
}

// ParseIndustry converts a user supplied name into an Industry.
func ParseIndustry(s string) (Industry, error) {
	name := Industry(strings.ToLower(strings.TrimSpace(s)))
	for _, ind := range AllIndustries {
		if ind == name {
			return ind, nil
		}
	}
	return "", fmt.Errorf("unknown industry %q", s)
}

// Platform 外聯訊息的發送平台
type Platform string

const (
	PlatformEmail    Platform = "email"
	PlatformLinkedIn Platform = "linkedin"
	PlatformTwitter  Platform = "twitter"
	PlatformSlack    Platform = "slack"
)

// AllPlatforms lists the supported platforms.
var AllPlatforms = []Platform{PlatformEmail, PlatformLinkedIn, PlatformTwitter, PlatformSlack}

// ParsePlatform converts a user supplied name into a Platform. "x" is an
// alias for twitter.
func ParsePlatform(s string) (Platform, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	if name == "x" {
		return PlatformTwitter, nil
	}
	for _, p := range AllPlatforms {
		if string(p) == name {
			return p, nil
		}
	}
	return "", fmt.Errorf("unknown platform %q", s)
}

// DefaultScore 未評分文章的預設分數（中位數）
const DefaultScore = 0.5

// Article 文章結構
// 除了 RelevanceScore / Personalized / Categories 之外，抓取後不可變
type Article struct {
	ID                ArticleID `json:"id"`
	Title             string    `json:"title"`
	SummaryParagraphs []string  `json:"summary_paragraphs,omitempty"`
	RelevanceScore    *float64  `json:"relevance_score,omitempty"` // 正規化到 [0,1]，nil 表示尚未評分
	Categories        []string  `json:"categories,omitempty"`      // 以集合語義維護
	Keywords          []string  `json:"keywords,omitempty"`
	PublishedAt       time.Time `json:"published_at"`
	SourceName        string    `json:"source_name,omitempty"`
	URL               string    `json:"url,omitempty"`
	Personalized      bool      `json:"personalized,omitempty"` // 分數來自個人化評分任務
}

// Score returns the article score, or DefaultScore when it has never been scored.
func (a Article) Score() float64 {
	if a.RelevanceScore == nil {
		return DefaultScore
	}
	return *a.RelevanceScore
}

// HasCategory reports whether the article is tagged with the category.
func (a Article) HasCategory(category string) bool {
	for _, c := range a.Categories {
		if c == category {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so callers never share slices with a store.
func (a Article) Clone() Article {
	out := a
	if a.RelevanceScore != nil {
		v := *a.RelevanceScore
		out.RelevanceScore = &v
	}
	out.SummaryParagraphs = append([]string(nil), a.SummaryParagraphs...)
	out.Categories = append([]string(nil), a.Categories...)
	out.Keywords = append([]string(nil), a.Keywords...)
	return out
}

// Float64 is a small helper for building optional scores.
func Float64(v float64) *float64 { return &v }

// Persona 收件人畫像
type Persona struct {
	RecipientName       string `json:"recipientName"`
	JobTitle            string `json:"jobTitle"`
	Company             string `json:"company"`
	ConversationContext string `json:"conversationContext,omitempty"`
	PersonalityTraits   string `json:"personalityTraits,omitempty"`
}

// PersonaIdentity 畫像身份：(recipientName, jobTitle, company) 三元組
type PersonaIdentity struct {
	RecipientName string `json:"recipientName"`
	JobTitle      string `json:"jobTitle"`
	Company       string `json:"company"`
}

// Identity returns the identity triple of the persona.
func (p Persona) Identity() PersonaIdentity {
	return PersonaIdentity{
		RecipientName: p.RecipientName,
		JobTitle:      p.JobTitle,
		Company:       p.Company,
	}
}

// Valid reports whether the persona can be submitted for scoring.
func (p Persona) Valid() bool {
	return strings.TrimSpace(p.RecipientName) != ""
}

// Key encodes the trimmed triple as a JSON array, so no two distinct
// identities share a key. Case is significant.
func (id PersonaIdentity) Key() string {
	b, _ := json.Marshal(id.normalized())
	return string(b)
}

func (id PersonaIdentity) normalized() [3]string {
	return [3]string{
		strings.TrimSpace(id.RecipientName),
		strings.TrimSpace(id.JobTitle),
		strings.TrimSpace(id.Company),
	}
}

// Equal compares the three fields after trimming surrounding whitespace.
func (id PersonaIdentity) Equal(other PersonaIdentity) bool {
	return id.normalized() == other.normalized()
}

// IsZero reports whether no identity has been set.
func (id PersonaIdentity) IsZero() bool {
	return id.normalized() == [3]string{}
}

func (id PersonaIdentity) String() string {
	parts := []string{strings.TrimSpace(id.RecipientName)}
	if t := strings.TrimSpace(id.JobTitle); t != "" {
		parts = append(parts, t)
	}
	if c := strings.TrimSpace(id.Company); c != "" {
		parts = append(parts, c)
	}
	return strings.Join(parts, " / ")
}

// JobStatus 評分任務狀態
type JobStatus string

// 任務狀態常數，與後端 status 字串一致
const (
	JobPending   JobStatus = "pending"   // 已建立，尚未開始
	JobRunning   JobStatus = "running"   // 評分中
	JobCompleted JobStatus = "completed" // 全部完成
	JobExpired   JobStatus = "expired"   // 後端任務過期
	JobFailed    JobStatus = "failed"    // 後端任務失敗
)

// IsTerminal reports whether no further progress will be reported for the job.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobCompleted, JobExpired, JobFailed:
		return true
	}
	return false
}

// Known reports whether the status is one the backend is documented to send.
func (s JobStatus) Known() bool {
	switch s {
	case JobPending, JobRunning, JobCompleted, JobExpired, JobFailed:
		return true
	}
	return false
}

// ScoredResult 單篇文章的評分結果
type ScoredResult struct {
	ArticleID ArticleID `json:"id"`
	Score     float64   `json:"relevance_score"`
}

// ScoringJob 遠端評分任務
type ScoringJob struct {
	TaskID          string          `json:"task_id"`
	SubmittedFor    PersonaIdentity `json:"submitted_for"`
	TotalArticles   int             `json:"total_articles"`
	Processed       int             `json:"processed"`
	ProgressPercent float64         `json:"progress_percent"`
	Status          JobStatus       `json:"status"`
	Results         []ScoredResult  `json:"results,omitempty"`
	RequestID       string          `json:"request_id,omitempty"`
	SubmittedAt     time.Time       `json:"submitted_at"`
}

// JobStatusSnapshot 單次輪詢得到的任務狀態
type JobStatusSnapshot struct {
	Status          JobStatus      `json:"status"`
	Processed       int            `json:"processed"`
	Total           int            `json:"total"`
	ProgressPercent float64        `json:"progress_percentage"`
	Results         []ScoredResult `json:"results,omitempty"`
	LastUpdated     time.Time      `json:"last_updated"`
}

// StoreSnapshot 文章庫快照，用於 CLI 多次呼叫之間的持久化
type StoreSnapshot struct {
	Articles    []Article              `json:"articles"`               // 依插入順序
	Ranking     []ArticleID            `json:"ranking,omitempty"`      // 目前顯示的個人化排序
	RankedFor   *PersonaIdentity       `json:"ranked_for,omitempty"`   // 排序所屬的畫像
	LastFetched map[Industry]time.Time `json:"last_fetched,omitempty"` // 各分區最後抓取時間
	SchemaVer   int                    `json:"schema_ver"`
	SavedAt     time.Time              `json:"saved_at"`
}
