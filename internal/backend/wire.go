package backend

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/ChuLiYu/persona-curator/internal/ranking"
	"github.com/ChuLiYu/persona-curator/pkg/types"
)

// flexID accepts ids encoded either as JSON numbers or strings.
type flexID string

func (f *flexID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("id %s: %w", data, err)
	}
	*f = flexID(n.String())
	return nil
}

// wireID sends numeric ids as JSON numbers, anything else as a string.
func wireID(id types.ArticleID) any {
	if _, err := strconv.ParseInt(string(id), 10, 64); err == nil {
		return json.Number(id)
	}
	return string(id)
}

func wireIDs(ids []types.ArticleID) []any {
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = wireID(id)
	}
	return out
}

// timestampLayouts covers RFC 3339 and the naive ISO form the service emits.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func parseTimestamp(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

type sourceDTO struct {
	ID   flexID `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
}

type articleDTO struct {
	ID             flexID     `json:"id"`
	Title          string     `json:"title"`
	URL            string     `json:"url"`
	Author         string     `json:"author"`
	PublishedAt    string     `json:"published_at"`
	Summary        string     `json:"summary"`
	Industry       string     `json:"industry"`
	Categories     []string   `json:"categories"`
	Keywords       []string   `json:"keywords"`
	RelevanceScore  *float64   `json:"relevance_score"`
	SimilarityScore *float64   `json:"similarity_score"`
	Source          *sourceDTO `json:"source"`
}

func (d articleDTO) toArticle(personalized bool) types.Article {
	a := types.Article{
		ID:                types.ArticleID(d.ID),
		Title:             strings.TrimSpace(d.Title),
		SummaryParagraphs: splitSummary(d.Summary),
		Keywords:          d.Keywords,
		PublishedAt:       parseTimestamp(d.PublishedAt),
		URL:               d.URL,
	}
	if d.Source != nil {
		a.SourceName = d.Source.Name
	}
	if d.Industry != "" {
		a.Categories = append(a.Categories, strings.ToLower(d.Industry))
	}
	a.Categories = append(a.Categories, d.Categories...)
	if d.RelevanceScore != nil {
		a.RelevanceScore = types.Float64(ranking.Normalize(*d.RelevanceScore))
		a.Personalized = personalized
	}
	return a
}

type articleListDTO struct {
	Articles    []articleDTO `json:"articles"`
	LastUpdated string       `json:"last_updated"`
}

// decodeArticleList accepts both a bare array and an {articles, last_updated} envelope.
func decodeArticleList(raw json.RawMessage) (articleListDTO, error) {
	raw = bytes.TrimSpace(raw)
	var list articleListDTO
	if len(raw) > 0 && raw[0] == '[' {
		if err := json.Unmarshal(raw, &list.Articles); err != nil {
			return list, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
		}
		return list, nil
	}
	if err := json.Unmarshal(raw, &list); err != nil {
		return list, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return list, nil
}

// splitSummary turns an HTML or plain-text summary into paragraphs.
func splitSummary(summary string) []string {
	summary = strings.TrimSpace(summary)
	if summary == "" {
		return nil
	}
	if !strings.Contains(summary, "<") {
		return splitPlain(summary)
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(summary))
	if err != nil {
		return splitPlain(summary)
	}
	var paras []string
	for _, sel := range []string{"p", "li"} {
		doc.Find(sel).Each(func(_ int, s *goquery.Selection) {
			if text := collapseSpace(s.Text()); text != "" {
				paras = append(paras, text)
			}
		})
		if len(paras) > 0 {
			return paras
		}
	}
	return splitPlain(doc.Text())
}

func splitPlain(text string) []string {
	var paras []string
	for _, block := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n\n") {
		if p := collapseSpace(block); p != "" {
			paras = append(paras, p)
		}
	}
	return paras
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

type resultDTO struct {
	ID             flexID  `json:"id"`
	RelevanceScore float64 `json:"relevance_score"`
}

type statusDTO struct {
	Status             string      `json:"status"`
	Processed          int         `json:"processed"`
	Total              int         `json:"total"`
	ProgressPercentage *float64    `json:"progress_percentage"`
	Results            []resultDTO `json:"results"`
	LastUpdated        string      `json:"last_updated"`
}

func (d statusDTO) toSnapshot() (types.JobStatusSnapshot, error) {
	status := types.JobStatus(strings.ToLower(strings.TrimSpace(d.Status)))
	if !status.Known() {
		return types.JobStatusSnapshot{}, fmt.Errorf("%w: unknown job status %q", ErrMalformedResponse, d.Status)
	}

	snap := types.JobStatusSnapshot{
		Status:      status,
		Processed:   d.Processed,
		Total:       d.Total,
		LastUpdated: parseTimestamp(d.LastUpdated),
	}
	switch {
	case d.ProgressPercentage != nil:
		snap.ProgressPercent = *d.ProgressPercentage
	case d.Total > 0:
		snap.ProgressPercent = float64(d.Processed) * 100 / float64(d.Total)
	}
	for _, r := range d.Results {
		if r.ID == "" {
			continue
		}
		snap.Results = append(snap.Results, types.ScoredResult{
			ArticleID: types.ArticleID(r.ID),
			Score:     ranking.Normalize(r.RelevanceScore),
		})
	}
	return snap, nil
}

type batchScoreRequest struct {
	ArticleIDs []any         `json:"article_ids"`
	Persona    types.Persona `json:"persona"`
}

type batchScoreResponse struct {
	TaskID        string `json:"task_id"`
	Status        string `json:"status"`
	TotalArticles int    `json:"total_articles"`
}

type personalizedArticlesRequest struct {
	Industry string        `json:"industry,omitempty"`
	Limit    int           `json:"limit,omitempty"`
	Persona  types.Persona `json:"persona"`
}

type fetchTriggerResponse struct {
	Message string `json:"message"`
	TaskID  string `json:"task_id"`
}

// messageArticleDTO 是 /messages/generate 所需的文章欄位
type messageArticleDTO struct {
	ID         string   `json:"id"`
	Title      string   `json:"title"`
	Summary    []string `json:"summary"`
	Categories []string `json:"categories"`
	Source     string   `json:"source"`
	Keywords   []string `json:"keywords"`
}

func toMessageArticle(a types.Article) messageArticleDTO {
	summary := a.SummaryParagraphs
	if len(summary) == 0 {
		summary = []string{a.Title}
	}
	return messageArticleDTO{
		ID:         string(a.ID),
		Title:      a.Title,
		Summary:    summary,
		Categories: nonNil(a.Categories),
		Source:     a.SourceName,
		Keywords:   nonNil(a.Keywords),
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

type messageRequestDTO struct {
	Articles   []messageArticleDTO `json:"articles"`
	Persona    *types.Persona      `json:"persona,omitempty"`
	Platform   string              `json:"platform"`
	Regenerate bool                `json:"regenerate"`
}

type messageResponseDTO struct {
	Message string `json:"message"`
	Cached  bool   `json:"cached"`
}

type personaUpdateRequest struct {
	OldPersona     types.Persona `json:"old_persona"`
	UpdatedPersona types.Persona `json:"updated_persona"`
}
