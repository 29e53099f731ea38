// ============================================================================
// persona-curator Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集個人化評分流程的運行指標，透過 /metrics 暴露給 Prometheus
//
// 指標分類:
//
//   1. 任務計數器 (Counter):
//      - curator_jobs_submitted_total: 已送出的評分任務
//      - curator_jobs_completed_total: completed 結束的任務
//      - curator_jobs_partial_total{status}: expired/failed 但有部分結果
//      - curator_jobs_failed_total{kind}: 以錯誤結束的任務（依錯誤種類）
//      - curator_jobs_preempted_total: 被其他畫像搶佔的任務
//      - curator_polls_total / curator_poll_errors_total: 輪詢次數與失敗
//      - curator_articles_fetched_total{industry}: 分區抓取到的文章
//
//   2. 性能指標 (Histogram):
//      - curator_job_duration_seconds: 送出到終態的時間
//
//   3. 狀態指標 (Gauge):
//      - curator_job_progress_percent: 目前任務顯示的進度
//      - curator_articles_known: 文章庫大小
//      - curator_new_articles_pending: 是否有尚未重新排序的新文章
//
// Prometheus 查詢示例:
//
//   # 部分結果比例
//   rate(curator_jobs_partial_total[1h]) / rate(curator_jobs_submitted_total[1h])
//
//   # 95 分位任務時間
//   histogram_quantile(0.95, curator_job_duration_seconds_bucket)
//
// 所有 Record* 方法對 nil *Collector 安全，未啟用監控時可直接傳 nil。
//
// ============================================================================

package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector Prometheus 指標收集器
type Collector struct {
	// 任務相關指標
	jobsSubmitted  prometheus.Counter
	jobsCompleted  prometheus.Counter
	jobsPartial    *prometheus.CounterVec
	jobsFailed     *prometheus.CounterVec
	jobsPreempted  prometheus.Counter
	polls          prometheus.Counter
	pollErrors     prometheus.Counter
	articlesLoaded *prometheus.CounterVec

	// 效能指標
	jobDuration prometheus.Histogram

	// 狀態指標
	progress      prometheus.Gauge
	articlesKnown prometheus.Gauge
	newArticles   prometheus.Gauge
}

// NewCollector 創建新的指標收集器並註冊到 reg（nil 時使用 DefaultRegisterer）
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := &Collector{
		jobsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "curator_jobs_submitted_total",
			Help: "Total number of scoring jobs submitted",
		}),
		jobsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "curator_jobs_completed_total",
			Help: "Total number of scoring jobs that completed",
		}),
		jobsPartial: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "curator_jobs_partial_total",
			Help: "Scoring jobs that ended expired or failed with partial results",
		}, []string{"status"}),
		jobsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "curator_jobs_failed_total",
			Help: "Scoring jobs that ended with an error, by error kind",
		}, []string{"kind"}),
		jobsPreempted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "curator_jobs_preempted_total",
			Help: "Scoring jobs abandoned because another persona was applied",
		}),
		polls: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "curator_polls_total",
			Help: "Total number of job status polls",
		}),
		pollErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "curator_poll_errors_total",
			Help: "Total number of failed job status polls",
		}),
		articlesLoaded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "curator_articles_fetched_total",
			Help: "Articles fetched per industry partition",
		}, []string{"industry"}),
		jobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "curator_job_duration_seconds",
			Help:    "Time from submission to terminal status",
			Buckets: []float64{1, 2, 5, 10, 20, 30, 60, 120, 300, 600},
		}),
		progress: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "curator_job_progress_percent",
			Help: "Displayed progress of the active scoring job",
		}),
		articlesKnown: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "curator_articles_known",
			Help: "Number of articles held in the article store",
		}),
		newArticles: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "curator_new_articles_pending",
			Help: "1 when new articles arrived since the last ranking",
		}),
	}

	// 註冊所有指標
	reg.MustRegister(
		c.jobsSubmitted,
		c.jobsCompleted,
		c.jobsPartial,
		c.jobsFailed,
		c.jobsPreempted,
		c.polls,
		c.pollErrors,
		c.articlesLoaded,
		c.jobDuration,
		c.progress,
		c.articlesKnown,
		c.newArticles,
	)

	return c
}

// RecordSubmitted 記錄任務送出
func (c *Collector) RecordSubmitted() {
	if c == nil {
		return
	}
	c.jobsSubmitted.Inc()
}

// RecordCompleted 記錄任務完成
func (c *Collector) RecordCompleted(d time.Duration) {
	if c == nil {
		return
	}
	c.jobsCompleted.Inc()
	c.jobDuration.Observe(d.Seconds())
	c.progress.Set(100)
}

// RecordPartial 記錄 expired/failed 但仍有部分結果
func (c *Collector) RecordPartial(status string, d time.Duration) {
	if c == nil {
		return
	}
	c.jobsPartial.WithLabelValues(status).Inc()
	c.jobDuration.Observe(d.Seconds())
}

// RecordFailed 記錄以錯誤結束的任務
func (c *Collector) RecordFailed(kind string) {
	if c == nil {
		return
	}
	c.jobsFailed.WithLabelValues(kind).Inc()
}

// RecordPreempted 記錄被搶佔的任務
func (c *Collector) RecordPreempted() {
	if c == nil {
		return
	}
	c.jobsPreempted.Inc()
}

// RecordPoll 記錄一次輪詢
func (c *Collector) RecordPoll(err error) {
	if c == nil {
		return
	}
	c.polls.Inc()
	if err != nil {
		c.pollErrors.Inc()
	}
}

// RecordFetched 記錄分區抓取到的文章數
func (c *Collector) RecordFetched(industry string, n int) {
	if c == nil {
		return
	}
	c.articlesLoaded.WithLabelValues(industry).Add(float64(n))
}

// SetProgress 設置目前顯示的進度
func (c *Collector) SetProgress(percent float64) {
	if c == nil {
		return
	}
	c.progress.Set(percent)
}

// UpdateStoreStats 更新文章庫狀態
func (c *Collector) UpdateStoreStats(known int, newArticles bool) {
	if c == nil {
		return
	}
	c.articlesKnown.Set(float64(known))
	if newArticles {
		c.newArticles.Set(1)
	} else {
		c.newArticles.Set(0)
	}
}

// Server 包裝 /metrics HTTP 伺服器
type Server struct {
	srv *http.Server
}

// NewServer 建立 metrics 伺服器；gatherer 為 nil 時使用 DefaultGatherer
func NewServer(addr string, gatherer prometheus.Gatherer) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Start 在背景啟動伺服器
func (s *Server) Start() {
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server stopped", "addr", s.srv.Addr, "error", err)
		}
	}()
	slog.Info("metrics server listening", "addr", s.srv.Addr)
}

// Handler 回傳 /metrics 路由（用於測試）
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// Shutdown 優雅關閉
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
