package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ChuLiYu/persona-curator/pkg/types"
)

// ArticlePage is one listing answer.
type ArticlePage struct {
	Industry    types.Industry
	Articles    []types.Article
	LastUpdated time.Time
}

// FetchArticles lists the articles of one industry partition with feed scores.
func (c *Client) FetchArticles(ctx context.Context, industry types.Industry) (ArticlePage, error) {
	query := url.Values{}
	if industry != "" {
		query.Set("industry", string(industry))
	}
	query.Set("limit", strconv.Itoa(c.articleLimit))
	query.Set("sort_by", "published_at")

	var raw json.RawMessage
	if _, err := c.do(ctx, http.MethodGet, "/articles", query, nil, &raw); err != nil {
		return ArticlePage{}, err
	}
	return c.page(industry, raw, false)
}

// FetchPersonalizedArticles lists one partition scored for the persona.
func (c *Client) FetchPersonalizedArticles(ctx context.Context, industry types.Industry, persona types.Persona) (ArticlePage, error) {
	req := personalizedArticlesRequest{
		Industry: string(industry),
		Limit:    c.articleLimit,
		Persona:  persona,
	}

	var raw json.RawMessage
	if _, err := c.do(ctx, http.MethodPost, "/articles", nil, req, &raw); err != nil {
		return ArticlePage{}, err
	}
	return c.page(industry, raw, true)
}

func (c *Client) page(industry types.Industry, raw json.RawMessage, personalized bool) (ArticlePage, error) {
	list, err := decodeArticleList(raw)
	if err != nil {
		return ArticlePage{}, err
	}

	page := ArticlePage{
		Industry:    industry,
		Articles:    make([]types.Article, 0, len(list.Articles)),
		LastUpdated: parseTimestamp(list.LastUpdated),
	}
	for _, dto := range list.Articles {
		if dto.ID == "" {
			c.logger.Warn("skipping article without id", "title", dto.Title)
			continue
		}
		a := dto.toArticle(personalized)
		if industry != "" && !a.HasCategory(string(industry)) {
			a.Categories = append(a.Categories, string(industry))
		}
		page.Articles = append(page.Articles, a)
	}
	if page.LastUpdated.IsZero() {
		page.LastUpdated = time.Now().UTC()
	}
	return page, nil
}

// ErrEmptyQuery is returned by SearchArticles for a blank query.
var ErrEmptyQuery = errors.New("search query is empty")

// SearchQuery selects one page of similarity search results.
type SearchQuery struct {
	Text     string
	Industry types.Industry // 空字串表示全部分區
	Limit    int            // 1..100，0 使用 20
	Offset   int
}

// SearchHit is one search result with its similarity to the query.
type SearchHit struct {
	Article    types.Article
	Similarity float64
}

// SearchArticles runs a similarity search over the service's articles.
// Hits come back most similar first.
func (c *Client) SearchArticles(ctx context.Context, q SearchQuery) ([]SearchHit, error) {
	text := strings.TrimSpace(q.Text)
	if text == "" {
		return nil, ErrEmptyQuery
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}

	query := url.Values{}
	query.Set("q", text)
	if q.Industry != "" {
		query.Set("industry", string(q.Industry))
	}
	query.Set("limit", strconv.Itoa(limit))
	if q.Offset > 0 {
		query.Set("offset", strconv.Itoa(q.Offset))
	}

	var raw json.RawMessage
	if _, err := c.do(ctx, http.MethodGet, "/articles/search", query, nil, &raw); err != nil {
		return nil, err
	}
	list, err := decodeArticleList(raw)
	if err != nil {
		return nil, err
	}

	hits := make([]SearchHit, 0, len(list.Articles))
	for _, dto := range list.Articles {
		if dto.ID == "" {
			continue
		}
		hit := SearchHit{Article: dto.toArticle(false)}
		if dto.SimilarityScore != nil {
			hit.Similarity = *dto.SimilarityScore
		}
		hits = append(hits, hit)
	}
	return hits, nil
}

// FetchTrigger acknowledges a remote ingestion run.
type FetchTrigger struct {
	TaskID  string
	Message string
}

// TriggerFetch asks the service to ingest its feeds now. Ingestion runs in
// the background on the service side.
func (c *Client) TriggerFetch(ctx context.Context) (FetchTrigger, error) {
	var resp fetchTriggerResponse
	if _, err := c.do(ctx, http.MethodPost, "/articles/fetch", nil, struct{}{}, &resp); err != nil {
		return FetchTrigger{}, err
	}
	if strings.TrimSpace(resp.TaskID) == "" {
		return FetchTrigger{}, fmt.Errorf("%w: articles/fetch returned no task_id", ErrMalformedResponse)
	}
	return FetchTrigger{TaskID: resp.TaskID, Message: resp.Message}, nil
}
