// ============================================================================
// persona-curator 模擬服務 - 本機重現文章評分服務
// ============================================================================
//
// Package: internal/simulator
// 文件: simulator.go
// 功能: 以 fiber 實作協調器所呼叫的所有端點，供 demo 與端到端測試使用
//
// 端點:
//   GET    /articles                      依產業列出文章（裸陣列）
//   POST   /articles                      依畫像評分後列出（{articles, last_updated}）
//   GET    /articles/search               關鍵字相似度搜尋（附 similarity_score）
//   POST   /articles/fetch                觸發一次抓取，每個產業新增一篇文章
//   POST   /messages/generate             依平台產生外聯訊息（15 分鐘快取）
//   POST   /batch-score-async             建立非同步評分任務
//   GET    /batch-score-status/:task_id   查詢任務；每次查詢推進 StepPerPoll 篇
//   GET/POST/PUT/DELETE /personas         畫像 CRUD（重複 409，空白 400）
//
// 任務推進:
//   pending ──(第 1 次查詢)──> running ──(全部評分)──> completed
//   running ──(查詢次數達 ExpireAfterPolls)──> expired（附已評分的部分結果）
//   FailRecipients 內的畫像 ──(第 1 次查詢)──> failed
//
// 分數:
//   由畫像身份與文章 id 雜湊而得，同一組輸入永遠得到同一分數；
//   職稱或公司出現在標題中會加分。
//
// ============================================================================

package simulator

import (
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/google/uuid"

	"github.com/ChuLiYu/persona-curator/pkg/types"
)

const timestampLayout = "2006-01-02T15:04:05"

// Config 模擬服務配置
type Config struct {
	ArticlesPerIndustry int      // 每個產業預先產生的文章數
	StepPerPoll         int      // 每次查詢推進的文章數
	ExpireAfterPolls    int      // 0 表示永不過期
	FailRecipients      []string // 這些收件人的任務一律失敗
	APIKey              string   // 非空時要求 Bearer 驗證
	Now                 func() time.Time
}

// DefaultConfig 預設配置
func DefaultConfig() Config {
	return Config{
		ArticlesPerIndustry: 8,
		StepPerPoll:         10,
	}
}

type sourceJSON struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
}

type articleJSON struct {
	ID             int        `json:"id"`
	Title          string     `json:"title"`
	URL            string     `json:"url"`
	Author         string     `json:"author"`
	PublishedAt    string     `json:"published_at"`
	Summary        string     `json:"summary"`
	Industry       string     `json:"industry"`
	RelevanceScore *float64   `json:"relevance_score"`
	Source         sourceJSON `json:"source"`
}

type resultJSON struct {
	ID             json.RawMessage `json:"id"`
	RelevanceScore float64         `json:"relevance_score"`
}

type task struct {
	id        string
	persona   types.Persona
	ids       []json.RawMessage
	processed int
	polls     int
	status    types.JobStatus
	updated   time.Time
}

// Server 模擬服務
type Server struct {
	app *fiber.App
	cfg Config

	mu       sync.Mutex
	articles []articleJSON
	tasks    map[string]*task
	personas []types.Persona
	messages map[string]cachedMessage
	ingests  int
}

// New 建立模擬服務並註冊所有路由
func New(cfg Config) *Server {
	def := DefaultConfig()
	if cfg.ArticlesPerIndustry <= 0 {
		cfg.ArticlesPerIndustry = def.ArticlesPerIndustry
	}
	if cfg.StepPerPoll <= 0 {
		cfg.StepPerPoll = def.StepPerPoll
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	s := &Server{
		cfg:   cfg,
		tasks:    make(map[string]*task),
		messages: make(map[string]cachedMessage),
	}
	s.articles = seedArticles(cfg.ArticlesPerIndustry, cfg.Now())

	app := fiber.New(fiber.Config{
		AppName:               "persona-curator simulator",
		DisableStartupMessage: true,
		ErrorHandler:          errorHandler,
	})
	app.Use(recover.New())
	app.Use(requestid.New(requestid.Config{Header: "X-Request-ID"}))
	if cfg.APIKey != "" {
		app.Use(s.requireAPIKey)
	}

	app.Get("/articles", s.handleListArticles)
	app.Post("/articles", s.handlePersonalizedArticles)
	app.Get("/articles/search", s.handleSearchArticles)
	app.Post("/articles/fetch", s.handleTriggerFetch)
	app.Post("/messages/generate", s.handleGenerateMessage)
	app.Post("/batch-score-async", s.handleBatchScore)
	app.Get("/batch-score-status/:task_id", s.handleBatchStatus)
	app.Get("/personas", s.handleListPersonas)
	app.Post("/personas", s.handleCreatePersona)
	app.Put("/personas", s.handleUpdatePersona)
	app.Delete("/personas", s.handleDeletePersona)

	s.app = app
	return s
}

// App 回傳 fiber app，測試可直接呼叫 app.Test
func (s *Server) App() *fiber.App { return s.app }

// Listen 開始監聽
func (s *Server) Listen(addr string) error { return s.app.Listen(addr) }

// Shutdown 關閉服務
func (s *Server) Shutdown() error { return s.app.Shutdown() }

// AddArticle 新增一篇文章並回傳其 id，模擬新聞源出現新文章
func (s *Server) AddArticle(industry types.Industry, title string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addArticleLocked(industry, title)
}

func (s *Server) addArticleLocked(industry types.Industry, title string) int {
	id := len(s.articles) + 1
	s.articles = append(s.articles, newArticle(id, industry, title, s.cfg.Now()))
	return id
}

func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
	}
	return c.Status(code).JSON(fiber.Map{"detail": err.Error()})
}

func (s *Server) requireAPIKey(c *fiber.Ctx) error {
	if c.Get(fiber.HeaderAuthorization) != "Bearer "+s.cfg.APIKey {
		return fiber.NewError(fiber.StatusUnauthorized, "invalid api key")
	}
	return c.Next()
}

// ============================================================================
// 文章
// ============================================================================

func (s *Server) handleListArticles(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 20)
	if limit < 1 || limit > 100 {
		return fiber.NewError(fiber.StatusBadRequest, "limit must be between 1 and 100")
	}
	order := strings.ToLower(c.Query("sort_order", "desc"))
	if order != "asc" && order != "desc" {
		return fiber.NewError(fiber.StatusBadRequest, "sort_order must be asc or desc")
	}
	industry := c.Query("industry")
	if industry != "" {
		if _, err := types.ParseIndustry(industry); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
	}

	list := s.filter(industry)
	sortArticles(list, c.Query("sort_by", "published_at"), order == "asc")
	if len(list) > limit {
		list = list[:limit]
	}
	return c.JSON(list)
}

type personalizedRequest struct {
	Industry string        `json:"industry"`
	Limit    int           `json:"limit"`
	Persona  types.Persona `json:"persona"`
}

func (s *Server) handlePersonalizedArticles(c *fiber.Ctx) error {
	var req personalizedRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid body")
	}
	if !req.Persona.Valid() {
		return fiber.NewError(fiber.StatusBadRequest, "persona recipientName is required")
	}
	if req.Limit <= 0 || req.Limit > 100 {
		req.Limit = 20
	}

	list := s.filter(req.Industry)
	for i := range list {
		score := scoreFor(req.Persona, strconv.Itoa(list[i].ID), list[i].Title)
		list[i].RelevanceScore = &score
	}
	sort.SliceStable(list, func(i, j int) bool {
		return *list[i].RelevanceScore > *list[j].RelevanceScore
	})
	if len(list) > req.Limit {
		list = list[:req.Limit]
	}
	return c.JSON(fiber.Map{
		"articles":     list,
		"last_updated": s.cfg.Now().UTC().Format(timestampLayout),
	})
}

func (s *Server) filter(industry string) []articleJSON {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]articleJSON, 0, len(s.articles))
	for _, a := range s.articles {
		if industry == "" || strings.EqualFold(a.Industry, industry) {
			out = append(out, a)
		}
	}
	return out
}

func sortArticles(list []articleJSON, by string, asc bool) {
	less := func(i, j int) bool { return list[i].PublishedAt < list[j].PublishedAt }
	switch by {
	case "relevance_score":
		less = func(i, j int) bool { return scoreOf(list[i]) < scoreOf(list[j]) }
	case "title":
		less = func(i, j int) bool { return list[i].Title < list[j].Title }
	}
	sort.SliceStable(list, func(i, j int) bool {
		if asc {
			return less(i, j)
		}
		return less(j, i)
	})
}

func scoreOf(a articleJSON) float64 {
	if a.RelevanceScore == nil {
		return 0
	}
	return *a.RelevanceScore
}

// ============================================================================
// 評分任務
// ============================================================================

type batchRequest struct {
	ArticleIDs []json.RawMessage `json:"article_ids"`
	Persona    types.Persona     `json:"persona"`
}

func (s *Server) handleBatchScore(c *fiber.Ctx) error {
	var req batchRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid body")
	}
	if !req.Persona.Valid() {
		return fiber.NewError(fiber.StatusBadRequest, "persona recipientName is required")
	}
	if len(req.ArticleIDs) == 0 {
		return fiber.NewError(fiber.StatusBadRequest, "article_ids must not be empty")
	}
	if len(req.ArticleIDs) > 100 {
		return fiber.NewError(fiber.StatusBadRequest, "at most 100 article_ids per batch")
	}

	t := &task{
		id:      uuid.NewString(),
		persona: req.Persona,
		ids:     req.ArticleIDs,
		status:  types.JobPending,
		updated: s.cfg.Now(),
	}
	s.mu.Lock()
	s.tasks[t.id] = t
	s.mu.Unlock()

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"task_id":        t.id,
		"status":         t.status,
		"total_articles": len(t.ids),
	})
}

func (s *Server) handleBatchStatus(c *fiber.Ctx) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[c.Params("task_id")]
	if !ok {
		return fiber.NewError(fiber.StatusNotFound, "task not found")
	}
	s.advance(t)

	total := len(t.ids)
	progress := 100.0
	if total > 0 {
		progress = math.Round(float64(t.processed)*1000/float64(total)) / 10
	}
	results := make([]resultJSON, 0, t.processed)
	for _, raw := range t.ids[:t.processed] {
		results = append(results, resultJSON{
			ID:             raw,
			RelevanceScore: scoreFor(t.persona, rawID(raw), s.titleLocked(rawID(raw))),
		})
	}

	return c.JSON(fiber.Map{
		"status":              t.status,
		"processed":           t.processed,
		"total":               total,
		"progress_percentage": progress,
		"results":             results,
		"last_updated":        t.updated.UTC().Format(timestampLayout),
	})
}

// advance 在 mu 持有時推進任務一步
func (s *Server) advance(t *task) {
	if t.status.IsTerminal() {
		return
	}
	t.polls++
	t.updated = s.cfg.Now()

	if s.failsFor(t.persona) {
		t.status = types.JobFailed
		return
	}

	t.status = types.JobRunning
	t.processed = min(t.processed+s.cfg.StepPerPoll, len(t.ids))
	switch {
	case t.processed == len(t.ids):
		t.status = types.JobCompleted
	case s.cfg.ExpireAfterPolls > 0 && t.polls >= s.cfg.ExpireAfterPolls:
		t.status = types.JobExpired
	}
}

func (s *Server) failsFor(p types.Persona) bool {
	for _, name := range s.cfg.FailRecipients {
		if strings.EqualFold(strings.TrimSpace(name), strings.TrimSpace(p.RecipientName)) {
			return true
		}
	}
	return false
}

func (s *Server) titleLocked(id string) string {
	n, err := strconv.Atoi(id)
	if err != nil || n < 1 || n > len(s.articles) {
		return ""
	}
	return s.articles[n-1].Title
}

func rawID(raw json.RawMessage) string {
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		return str
	}
	return strings.TrimSpace(string(raw))
}

// scoreFor 為畫像與文章產生穩定的分數，範圍 [0.05, 0.99]
func scoreFor(p types.Persona, articleID, title string) float64 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(p.Identity().Key() + "#" + articleID))
	score := 0.05 + float64(h.Sum32()%800)/1000

	lower := strings.ToLower(title)
	for _, word := range strings.Fields(strings.ToLower(p.JobTitle + " " + p.Company)) {
		if len(word) > 2 && strings.Contains(lower, word) {
			score += 0.15
		}
	}
	return math.Round(math.Min(score, 0.99)*1000) / 1000
}

// ============================================================================
// 畫像
// ============================================================================

func (s *Server) handleListPersonas(c *fiber.Ctx) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return c.JSON(append([]types.Persona{}, s.personas...))
}

func (s *Server) handleCreatePersona(c *fiber.Ctx) error {
	var p types.Persona
	if err := c.BodyParser(&p); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid body")
	}
	if !p.Valid() {
		return fiber.NewError(fiber.StatusBadRequest, "recipientName is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.indexLocked(p.Identity()) >= 0 {
		return fiber.NewError(fiber.StatusConflict, fmt.Sprintf("persona %s already exists", p.Identity()))
	}
	s.personas = append(s.personas, p)
	return c.Status(fiber.StatusCreated).JSON(p)
}

type personaUpdate struct {
	OldPersona     types.Persona `json:"old_persona"`
	UpdatedPersona types.Persona `json:"updated_persona"`
}

func (s *Server) handleUpdatePersona(c *fiber.Ctx) error {
	var req personaUpdate
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid body")
	}
	if !req.UpdatedPersona.Valid() {
		return fiber.NewError(fiber.StatusBadRequest, "recipientName is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexLocked(req.OldPersona.Identity())
	if i < 0 {
		return fiber.NewError(fiber.StatusNotFound, "persona not found")
	}
	if j := s.indexLocked(req.UpdatedPersona.Identity()); j >= 0 && j != i {
		return fiber.NewError(fiber.StatusConflict, "persona already exists")
	}
	s.personas[i] = req.UpdatedPersona
	return c.JSON(req.UpdatedPersona)
}

func (s *Server) handleDeletePersona(c *fiber.Ctx) error {
	var p types.Persona
	if err := c.BodyParser(&p); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid body")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexLocked(p.Identity())
	if i < 0 {
		return fiber.NewError(fiber.StatusNotFound, "persona not found")
	}
	s.personas = append(s.personas[:i], s.personas[i+1:]...)
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) indexLocked(id types.PersonaIdentity) int {
	for i, p := range s.personas {
		if p.Identity().Equal(id) {
			return i
		}
	}
	return -1
}

// ============================================================================
// 種子資料
// ============================================================================

var headlines = map[types.Industry][]string{
	types.IndustryBFSI: {
		"Regional banks accelerate core modernisation",
		"Insurers turn to real-time claims analytics",
		"Payments fraud rises as instant rails spread",
		"CFO survey: treasury teams automate cash forecasting",
	},
	types.IndustryRetail: {
		"Retailers test unified commerce platforms",
		"Grocery chains expand retail media networks",
		"Returns costs push brands toward stricter policies",
		"Store associates get AI assistants on the floor",
	},
	types.IndustryHealthcare: {
		"Hospitals consolidate EHR vendors",
		"Payers adopt prior authorisation APIs",
		"Remote monitoring reimbursement widens",
		"CTO roundtable: interoperability after the deadline",
	},
	types.IndustryTechnology: {
		"Platform teams standardise on internal developer portals",
		"CTO playbook for cutting cloud spend",
		"Vector databases move into mainstream stacks",
		"Security teams rethink SBOM requirements",
	},
	types.IndustryOther: {
		"Logistics firms invest in yard automation",
		"Energy utilities pilot grid-edge analytics",
		"Manufacturers revisit nearshoring plans",
		"Public sector agencies move to shared services",
	},
}

func seedArticles(perIndustry int, now time.Time) []articleJSON {
	var out []articleJSON
	for _, ind := range types.AllIndustries {
		titles := headlines[ind]
		for i := 0; i < perIndustry; i++ {
			title := titles[i%len(titles)]
			if i >= len(titles) {
				title = fmt.Sprintf("%s (part %d)", title, i/len(titles)+1)
			}
			id := len(out) + 1
			a := newArticle(id, ind, title, now.Add(-time.Duration(id)*time.Hour))
			out = append(out, a)
		}
	}
	return out
}

func newArticle(id int, ind types.Industry, title string, published time.Time) articleJSON {
	feedScore := float64(40+(id*37)%60) / 100
	return articleJSON{
		ID:             id,
		Title:          title,
		URL:            fmt.Sprintf("https://news.example.com/%s/%d", ind, id),
		Author:         "Newsroom",
		PublishedAt:    published.UTC().Format(timestampLayout),
		Summary:        fmt.Sprintf("<p>%s.</p><p>Analysts expect follow-up coverage in the %s sector.</p>", title, ind),
		Industry:       string(ind),
		RelevanceScore: &feedScore,
		Source:         sourceJSON{ID: 1, Name: "Industry Wire", Type: "rss"},
	}
}
