// Package feeds keeps the article store filled from the per-industry
// listings of the article service.
//
// Each industry partition is fetched on its own worker and cached for a TTL;
// a refresh only fetches partitions whose TTL has run out unless forced.
// Fetched articles go to a Sink, normally the coordinator, which raises the
// new-articles flag when something new arrives.
package feeds

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/persona-curator/internal/backend"
	"github.com/ChuLiYu/persona-curator/internal/metrics"
	"github.com/ChuLiYu/persona-curator/internal/worker"
	"github.com/ChuLiYu/persona-curator/pkg/types"
)

// Source is the listing side of the article service.
type Source interface {
	FetchArticles(ctx context.Context, industry types.Industry) (backend.ArticlePage, error)
	FetchPersonalizedArticles(ctx context.Context, industry types.Industry, persona types.Persona) (backend.ArticlePage, error)
}

// Sink receives fetched articles and reports how many were new.
type Sink interface {
	IngestArticles(articles []types.Article) int
}

// StoreSink adapts a plain upserting store to Sink.
type StoreSink interface {
	UpsertBatch(articles []types.Article) int
}

type storeSink struct{ s StoreSink }

func (s storeSink) IngestArticles(articles []types.Article) int { return s.s.UpsertBatch(articles) }

// IntoStore lets a refresher write straight into a store, without a coordinator.
func IntoStore(s StoreSink) Sink { return storeSink{s: s} }

// Config controls refresh behaviour.
type Config struct {
	Industries   []types.Industry
	TTL          time.Duration // how long a partition stays fresh
	Workers      int
	FetchTimeout time.Duration
}

// DefaultConfig fetches every partition, refreshing each at most every five minutes.
func DefaultConfig() Config {
	return Config{
		Industries:   append([]types.Industry(nil), types.AllIndustries...),
		TTL:          5 * time.Minute,
		Workers:      3,
		FetchTimeout: 20 * time.Second,
	}
}

// Report describes one refresh.
type Report struct {
	Fetched map[types.Industry]int
	Skipped []types.Industry // still fresh
	Failed  map[types.Industry]error
	Added   int
}

// Refresher fetches industry partitions concurrently.
type Refresher struct {
	src     Source
	sink    Sink
	cfg     Config
	metrics *metrics.Collector
	log     *slog.Logger
	now     func() time.Time

	mu          sync.Mutex
	refreshMu   sync.Mutex // one refresh at a time
	lastFetched map[types.Industry]time.Time
}

// NewRefresher creates a refresher. m may be nil.
func NewRefresher(src Source, sink Sink, cfg Config, m *metrics.Collector) *Refresher {
	def := DefaultConfig()
	if len(cfg.Industries) == 0 {
		cfg.Industries = def.Industries
	}
	if cfg.TTL < 0 {
		cfg.TTL = 0
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	return &Refresher{
		src:         src,
		sink:        sink,
		cfg:         cfg,
		metrics:     m,
		log:         slog.Default().With("component", "feeds"),
		now:         time.Now,
		lastFetched: make(map[types.Industry]time.Time),
	}
}

// Due returns the partitions whose cache has expired.
func (r *Refresher) Due() []types.Industry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dueLocked(r.now())
}

func (r *Refresher) dueLocked(now time.Time) []types.Industry {
	var due []types.Industry
	for _, ind := range r.cfg.Industries {
		last, ok := r.lastFetched[ind]
		if !ok || now.Sub(last) >= r.cfg.TTL {
			due = append(due, ind)
		}
	}
	return due
}

// LastFetched returns a copy of the per-partition fetch times.
func (r *Refresher) LastFetched() map[types.Industry]time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[types.Industry]time.Time, len(r.lastFetched))
	for k, v := range r.lastFetched {
		out[k] = v
	}
	return out
}

// RestoreLastFetched seeds fetch times, typically from a snapshot.
func (r *Refresher) RestoreLastFetched(times map[types.Industry]time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, v := range times {
		r.lastFetched[k] = v
	}
}

// Refresh fetches every due partition (all partitions when force is set)
// and hands the articles to the sink. Partitions that fail keep their old
// fetch time and are returned joined in err; the others are still ingested.
func (r *Refresher) Refresh(ctx context.Context, force bool) (Report, error) {
	r.refreshMu.Lock()
	defer r.refreshMu.Unlock()

	report := Report{
		Fetched: make(map[types.Industry]int),
		Failed:  make(map[types.Industry]error),
	}

	due := r.cfg.Industries
	if !force {
		due = r.Due()
		for _, ind := range r.cfg.Industries {
			if !containsIndustry(due, ind) {
				report.Skipped = append(report.Skipped, ind)
			}
		}
	}
	if len(due) == 0 {
		return report, nil
	}

	results, err := r.fetchAll(ctx, due, func(fctx context.Context, ind types.Industry) (backend.ArticlePage, error) {
		return r.src.FetchArticles(fctx, ind)
	})
	if err != nil {
		return report, err
	}

	var (
		batch []types.Article
		errs  []error
	)
	fetchedAt := r.now()
	r.mu.Lock()
	for _, res := range results {
		if res.Error != nil {
			report.Failed[res.Industry] = res.Error
			errs = append(errs, fmt.Errorf("fetch %s: %w", res.Industry, res.Error))
			continue
		}
		report.Fetched[res.Industry] = len(res.Articles)
		r.lastFetched[res.Industry] = fetchedAt
		batch = append(batch, res.Articles...)
		r.metrics.RecordFetched(string(res.Industry), len(res.Articles))
	}
	r.mu.Unlock()

	if len(batch) > 0 {
		report.Added = r.sink.IngestArticles(batch)
	}
	r.log.Info("feeds refreshed",
		"fetched", len(report.Fetched),
		"skipped", len(report.Skipped),
		"failed", len(report.Failed),
		"articles", len(batch),
		"added", report.Added)
	return report, errors.Join(errs...)
}

// FetchPersonalized fetches partitions already scored for persona and
// ingests them. Scores returned this way count as personalized.
func (r *Refresher) FetchPersonalized(ctx context.Context, persona types.Persona, industries ...types.Industry) (int, error) {
	if len(industries) == 0 {
		industries = r.cfg.Industries
	}

	r.refreshMu.Lock()
	defer r.refreshMu.Unlock()

	results, err := r.fetchAll(ctx, industries, func(fctx context.Context, ind types.Industry) (backend.ArticlePage, error) {
		return r.src.FetchPersonalizedArticles(fctx, ind, persona)
	})
	if err != nil {
		return 0, err
	}

	var (
		batch []types.Article
		errs  []error
	)
	for _, res := range results {
		if res.Error != nil {
			errs = append(errs, fmt.Errorf("fetch %s: %w", res.Industry, res.Error))
			continue
		}
		batch = append(batch, res.Articles...)
		r.metrics.RecordFetched(string(res.Industry), len(res.Articles))
	}
	added := 0
	if len(batch) > 0 {
		added = r.sink.IngestArticles(batch)
	}
	return added, errors.Join(errs...)
}

type pageFunc func(ctx context.Context, industry types.Industry) (backend.ArticlePage, error)

// fetchAll runs one pool task per partition and returns the results in
// partition order.
func (r *Refresher) fetchAll(ctx context.Context, industries []types.Industry, fetch pageFunc) ([]worker.Result, error) {
	pool := worker.NewPool(len(industries))
	if err := pool.Start(min(r.cfg.Workers, len(industries))); err != nil {
		return nil, err
	}
	defer pool.Stop()

	for _, ind := range industries {
		ind := ind
		task := worker.Task{
			ID:       "fetch-" + string(ind),
			Industry: ind,
			Timeout:  r.cfg.FetchTimeout,
			Fetch: func(wctx context.Context) ([]types.Article, error) {
				fctx, cancel := context.WithCancel(ctx)
				defer cancel()
				stop := context.AfterFunc(wctx, cancel)
				defer stop()

				page, err := fetch(fctx, ind)
				if err != nil {
					return nil, err
				}
				return page.Articles, nil
			},
		}
		if err := pool.Submit(task); err != nil {
			return nil, err
		}
	}

	byIndustry := make(map[types.Industry]worker.Result, len(industries))
	for range industries {
		res, err := pool.ReceiveResult()
		if err != nil {
			return nil, err
		}
		byIndustry[res.Industry] = res
	}

	// 依設定順序排列，讓文章寫入順序穩定
	results := make([]worker.Result, 0, len(industries))
	for _, ind := range industries {
		if res, ok := byIndustry[ind]; ok {
			results = append(results, res)
		}
	}
	return results, nil
}

func containsIndustry(list []types.Industry, ind types.Industry) bool {
	for _, v := range list {
		if v == ind {
			return true
		}
	}
	return false
}
