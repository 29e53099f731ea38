package simulator

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/ChuLiYu/persona-curator/pkg/types"
)

// ============================================================================
// 搜尋與抓取觸發
// ============================================================================

type searchHitJSON struct {
	articleJSON
	SimilarityScore float64 `json:"similarity_score"`
}

// handleSearchArticles 以查詢詞命中比例作為相似度，依相似度遞減回傳
func (s *Server) handleSearchArticles(c *fiber.Ctx) error {
	q := strings.TrimSpace(c.Query("q"))
	if q == "" {
		return fiber.NewError(fiber.StatusUnprocessableEntity, "q is required")
	}
	limit := c.QueryInt("limit", 20)
	if limit < 1 || limit > 100 {
		return fiber.NewError(fiber.StatusUnprocessableEntity, "limit must be between 1 and 100")
	}
	offset := c.QueryInt("offset", 0)
	if offset < 0 {
		return fiber.NewError(fiber.StatusUnprocessableEntity, "offset must not be negative")
	}

	// 未知產業與原服務一樣直接忽略
	industry := ""
	if ind, err := types.ParseIndustry(c.Query("industry")); err == nil {
		industry = string(ind)
	}

	terms := searchTerms(q)
	list := s.filter(industry)
	hits := make([]searchHitJSON, 0, len(list))
	for _, a := range list {
		hits = append(hits, searchHitJSON{articleJSON: a, SimilarityScore: similarity(terms, a)})
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].SimilarityScore != hits[j].SimilarityScore {
			return hits[i].SimilarityScore > hits[j].SimilarityScore
		}
		return hits[i].ID < hits[j].ID
	})

	if offset >= len(hits) {
		return c.JSON([]searchHitJSON{})
	}
	hits = hits[offset:]
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return c.JSON(hits)
}

func searchTerms(q string) []string {
	fields := strings.FieldsFunc(strings.ToLower(q), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	terms := fields[:0]
	for _, f := range fields {
		if len(f) > 1 {
			terms = append(terms, f)
		}
	}
	return terms
}

func similarity(terms []string, a articleJSON) float64 {
	if len(terms) == 0 {
		return 0
	}
	text := strings.ToLower(a.Title + " " + a.Summary + " " + a.Industry)
	matched := 0
	for _, t := range terms {
		if strings.Contains(text, t) {
			matched++
		}
	}
	return math.Round(float64(matched)/float64(len(terms))*10000) / 10000
}

// handleTriggerFetch 模擬一次抓取：每個產業新增一篇文章
func (s *Server) handleTriggerFetch(c *fiber.Ctx) error {
	s.mu.Lock()
	s.ingests++
	run := s.ingests
	for _, ind := range types.AllIndustries {
		titles := headlines[ind]
		title := fmt.Sprintf("%s (update %d)", titles[run%len(titles)], run)
		s.addArticleLocked(ind, title)
	}
	s.mu.Unlock()

	return c.JSON(fiber.Map{
		"message": "Article fetching triggered successfully",
		"task_id": uuid.NewString(),
	})
}

// ============================================================================
// 訊息產生
// ============================================================================

const (
	messageCacheTTL  = 15 * time.Minute
	messageCacheSize = 100
)

type cachedMessage struct {
	text    string
	expires time.Time
}

type messageArticle struct {
	ID         string   `json:"id"`
	Title      string   `json:"title"`
	Summary    []string `json:"summary"`
	Categories []string `json:"categories"`
	Source     string   `json:"source"`
	Keywords   []string `json:"keywords"`
}

type messageRequest struct {
	Articles   []messageArticle `json:"articles"`
	Persona    *types.Persona   `json:"persona"`
	Platform   string           `json:"platform"`
	Regenerate bool             `json:"regenerate"`
}

func (s *Server) handleGenerateMessage(c *fiber.Ctx) error {
	var req messageRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid body")
	}
	if len(req.Articles) == 0 {
		return fiber.NewError(fiber.StatusBadRequest, "articles must not be empty")
	}
	if strings.TrimSpace(req.Platform) == "" {
		return fiber.NewError(fiber.StatusBadRequest, "platform is required")
	}

	key := messageKey(req)
	now := s.cfg.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	if cached, ok := s.messages[key]; ok && !req.Regenerate && now.Before(cached.expires) {
		return c.JSON(fiber.Map{"message": cached.text, "cached": true})
	}

	text := composeMessage(req)
	s.storeMessageLocked(key, text, now)
	return c.JSON(fiber.Map{"message": text, "cached": false})
}

// messageKey 文章 id、平台與收件人組成快取鍵
func messageKey(req messageRequest) string {
	ids := make([]string, 0, len(req.Articles))
	for _, a := range req.Articles {
		ids = append(ids, a.ID)
	}
	key := strings.Join(ids, "-") + "-" + strings.ToLower(req.Platform)
	if req.Persona != nil && req.Persona.RecipientName != "" {
		key += "-" + req.Persona.RecipientName
	}
	return key
}

func (s *Server) storeMessageLocked(key, text string, now time.Time) {
	for k, m := range s.messages {
		if !now.Before(m.expires) {
			delete(s.messages, k)
		}
	}
	if len(s.messages) >= messageCacheSize {
		oldest := ""
		for k, m := range s.messages {
			if oldest == "" || m.expires.Before(s.messages[oldest].expires) {
				oldest = k
			}
		}
		delete(s.messages, oldest)
	}
	s.messages[key] = cachedMessage{text: text, expires: now.Add(messageCacheTTL)}
}

func composeMessage(req messageRequest) string {
	var name, role, contextLine string
	if p := req.Persona; p != nil {
		name = strings.TrimSpace(p.RecipientName)
		role = strings.TrimSpace(p.JobTitle)
		if company := strings.TrimSpace(p.Company); company != "" {
			if role != "" {
				role += " at " + company
			} else {
				role = company
			}
		}
		if ctx := strings.TrimSpace(p.ConversationContext); ctx != "" {
			contextLine = "Following up on our conversation about " + ctx + "."
		}
	}
	greetingName := name
	if greetingName == "" {
		greetingName = "there"
	}

	var b strings.Builder
	switch types.Platform(strings.ToLower(req.Platform)) {
	case types.PlatformEmail:
		fmt.Fprintf(&b, "Subject: %s\n\n", req.Articles[0].Title)
		fmt.Fprintf(&b, "Hi %s,\n\n", greetingName)
		if contextLine != "" {
			b.WriteString(contextLine + "\n\n")
		}
		if role != "" {
			fmt.Fprintf(&b, "A few pieces that seemed relevant to your work as %s:\n\n", role)
		} else {
			b.WriteString("A few pieces worth a look:\n\n")
		}
		for _, a := range req.Articles {
			fmt.Fprintf(&b, "- %s: %s\n", a.Title, firstSummary(a))
		}
		b.WriteString("\nBest regards")
		return b.String()

	case types.PlatformLinkedIn:
		if name != "" {
			fmt.Fprintf(&b, "%s, ", name)
		}
		b.WriteString("this week's reading")
		if role != "" {
			fmt.Fprintf(&b, " for every %s", role)
		}
		b.WriteString(":\n\n")
		for i, a := range req.Articles {
			fmt.Fprintf(&b, "%d. %s\n", i+1, a.Title)
		}
		if tags := hashtags(req.Articles); tags != "" {
			b.WriteString("\n" + tags)
		}
		return truncateRunes(b.String(), 1300)

	case types.PlatformTwitter:
		if name != "" {
			fmt.Fprintf(&b, "%s: ", name)
		}
		b.WriteString(req.Articles[0].Title)
		if n := len(req.Articles) - 1; n > 0 {
			fmt.Fprintf(&b, " (+%d more)", n)
		}
		if tags := hashtags(req.Articles); tags != "" {
			b.WriteString(" " + tags)
		}
		return truncateRunes(b.String(), 280)

	case types.PlatformSlack:
		fmt.Fprintf(&b, "Hey %s! *Worth a read*\n", greetingName)
		if contextLine != "" {
			b.WriteString(contextLine + "\n")
		}
		for _, a := range req.Articles {
			fmt.Fprintf(&b, "• _%s_: %s\n", a.Title, firstSummary(a))
		}
		return strings.TrimRight(b.String(), "\n")
	}

	fmt.Fprintf(&b, "Hi %s, sharing %d articles: ", greetingName, len(req.Articles))
	titles := make([]string, 0, len(req.Articles))
	for _, a := range req.Articles {
		titles = append(titles, a.Title)
	}
	b.WriteString(strings.Join(titles, "; "))
	return b.String()
}

func firstSummary(a messageArticle) string {
	if len(a.Summary) > 0 && strings.TrimSpace(a.Summary[0]) != "" {
		return strings.TrimSpace(a.Summary[0])
	}
	return a.Title
}

func hashtags(articles []messageArticle) string {
	seen := make(map[string]bool)
	var tags []string
	for _, a := range articles {
		for _, cat := range a.Categories {
			tag := strings.ToLower(strings.Join(strings.Fields(cat), ""))
			if tag == "" || seen[tag] {
				continue
			}
			seen[tag] = true
			tags = append(tags, "#"+tag)
		}
	}
	return strings.Join(tags, " ")
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return strings.TrimSpace(string(r[:n-1])) + "…"
}

// ingestRuns 回傳已觸發的抓取次數
func (s *Server) ingestRuns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ingests
}
