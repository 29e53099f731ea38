// ============================================================================
// persona-curator CLI - 命令列介面
// ============================================================================
//
// Package: internal/cli
// 文件: cli.go
// 功能: 基於 Cobra 的命令列介面
//
// 命令結構:
//   persona-curator                  # 根命令
//   ├── --config, -c                 # 配置檔（預設 configs/default.yaml）
//   ├── fetch                        # 抓取各產業分區文章並寫入快照
//   │   ├── --force                  # 忽略 TTL
//   │   ├── --remote                 # 先觸發服務端抓取
//   │   └── --industry               # 只抓指定分區（可重複）
//   ├── search QUERY                 # 相似度搜尋，結果寫入快照
//   ├── articles                     # 依目前排序列出文章
//   ├── personalize                  # 以畫像送出評分任務並輪詢到結束
//   ├── message                      # 以排序最前的文章產生外聯訊息
//   ├── personas                     # 畫像管理
//   │   ├── list / save / delete / sync
//   ├── watch                        # 常駐：定期抓取、自動個人化、SIGHUP 重新排序
//   └── status                       # 顯示配置與快照狀態
//
// 快照:
//   fetch 與 personalize 是獨立的行程，文章庫透過快照檔交接。
//   寫入一律經由 snapshot.Manager.Update（檔案鎖內讀-改-寫），
//   personalize 的評分結果在寫回時重新合併，不會覆蓋期間新抓到的文章。
//
// 訊號處理:
//   - SIGINT / SIGTERM: 取消進行中的任務並優雅關閉
//   - SIGHUP（watch）: 重新排序，同時確認新文章
//
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/persona-curator/internal/backend"
	"github.com/ChuLiYu/persona-curator/internal/config"
	"github.com/ChuLiYu/persona-curator/internal/coordinator"
	"github.com/ChuLiYu/persona-curator/internal/feeds"
	"github.com/ChuLiYu/persona-curator/internal/logging"
	"github.com/ChuLiYu/persona-curator/internal/personas"
	"github.com/ChuLiYu/persona-curator/internal/scoring"
	"github.com/ChuLiYu/persona-curator/internal/snapshot"
	"github.com/ChuLiYu/persona-curator/internal/store"
	"github.com/ChuLiYu/persona-curator/pkg/types"
)

// Version 由 cmd 在建置時覆寫
var Version = "dev"

var configFile string

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "persona-curator",
		Short: "persona-curator: persona-driven article ranking",
		Long: `persona-curator keeps a local store of industry articles and ranks them
for a chosen persona through the asynchronous batch scoring service:
- concurrent per-industry fetching with a TTL
- submit, poll with smoothed progress, merge and re-rank
- partial results when a job expires or fails
- Prometheus metrics and gRPC health in watch mode`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", config.DefaultPath, "config file path")

	rootCmd.AddCommand(buildFetchCommand())
	rootCmd.AddCommand(buildSearchCommand())
	rootCmd.AddCommand(buildArticlesCommand())
	rootCmd.AddCommand(buildPersonalizeCommand())
	rootCmd.AddCommand(buildMessageCommand())
	rootCmd.AddCommand(buildPersonasCommand())
	rootCmd.AddCommand(buildWatchCommand())
	rootCmd.AddCommand(buildStatusCommand())

	return rootCmd
}

// ============================================================================
// 共用環境
// ============================================================================

// app 一次命令執行所需的元件
type app struct {
	cfg    *config.Config
	client *backend.Client
	snaps  *snapshot.Manager
	out    io.Writer
	log    *slog.Logger
}

func loadApp(cmd *cobra.Command) (*app, error) {
	cfg, found, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if _, err := logging.Setup(cmd.ErrOrStderr(), cfg.Logging.Level, cfg.Logging.Format); err != nil {
		return nil, err
	}
	if !found {
		slog.Debug("config file not found, using defaults", "path", configFile)
	}
	return newApp(cfg, cmd.OutOrStdout())
}

func newApp(cfg *config.Config, out io.Writer) (*app, error) {
	client, err := backend.New(cfg.Backend.URL,
		backend.WithAPIKey(cfg.Backend.APIKey),
		backend.WithTimeout(cfg.Backend.Timeout),
		backend.WithArticleLimit(cfg.Backend.ArticleLimit),
	)
	if err != nil {
		return nil, err
	}
	return &app{
		cfg:    cfg,
		client: client,
		snaps:  snapshot.NewManager(cfg.Store.SnapshotPath),
		out:    out,
		log:    slog.Default().With("component", "cli"),
	}, nil
}

// loadStore 以快照內容建立文章庫（只讀，不持有鎖）
func (a *app) loadStore() (*store.ArticleStore, types.StoreSnapshot, error) {
	snap, err := a.snaps.Load()
	if err != nil {
		return nil, snap, fmt.Errorf("failed to load snapshot: %w", err)
	}
	st := store.NewArticleStore(a.cfg.Store.MaxBatch)
	if err := st.Restore(snap); err != nil {
		return nil, snap, fmt.Errorf("failed to restore snapshot: %w", err)
	}
	return st, snap, nil
}

// update 在快照鎖內還原文章庫、執行 fn 後寫回；fn 可修改 snap.LastFetched
func (a *app) update(ctx context.Context, fn func(st *store.ArticleStore, snap *types.StoreSnapshot) error) error {
	lockCtx, cancel := context.WithTimeout(ctx, a.cfg.Store.LockTimeout)
	defer cancel()

	return a.snaps.Update(lockCtx, func(snap *types.StoreSnapshot) error {
		st := store.NewArticleStore(a.cfg.Store.MaxBatch)
		if err := st.Restore(*snap); err != nil {
			return fmt.Errorf("failed to restore snapshot: %w", err)
		}
		if err := fn(st, snap); err != nil {
			return err
		}
		next := st.Snapshot()
		next.LastFetched = snap.LastFetched
		*snap = next
		return nil
	})
}

func (a *app) personaService() (*personas.Service, func(), error) {
	if strings.TrimSpace(a.cfg.Personas.CachePath) == "" {
		return personas.NewService(a.client, nil), func() {}, nil
	}
	cache, err := personas.OpenCache(a.cfg.Personas.CachePath)
	if err != nil {
		return nil, nil, err
	}
	return personas.NewService(a.client, cache), func() { _ = cache.Close() }, nil
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// ============================================================================
// fetch
// ============================================================================

func buildFetchCommand() *cobra.Command {
	var force, remote bool
	var industries []string

	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Fetch articles for every industry partition",
		Long:  "Fetch the partitions whose TTL expired (or all of them with --force) and save them to the article snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			if remote {
				if err := a.triggerRemoteFetch(ctx); err != nil {
					return err
				}
			}
			return a.fetch(ctx, force, industries)
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "ignore the per-industry TTL")
	cmd.Flags().BoolVar(&remote, "remote", false, "ask the service to ingest its feeds first")
	cmd.Flags().StringSliceVar(&industries, "industry", nil, "only fetch these industries")
	return cmd
}

func (a *app) fetch(ctx context.Context, force bool, only []string) error {
	fc, err := a.cfg.FeedsConfig()
	if err != nil {
		return err
	}
	if len(only) > 0 {
		fc.Industries = fc.Industries[:0]
		for _, name := range only {
			ind, err := types.ParseIndustry(name)
			if err != nil {
				return err
			}
			fc.Industries = append(fc.Industries, ind)
		}
	}

	var (
		report     feeds.Report
		refreshErr error
		total      int
	)
	err = a.update(ctx, func(st *store.ArticleStore, snap *types.StoreSnapshot) error {
		r := feeds.NewRefresher(a.client, feeds.IntoStore(st), fc, nil)
		r.RestoreLastFetched(snap.LastFetched)
		report, refreshErr = r.Refresh(ctx, force)
		snap.LastFetched = r.LastFetched()
		total = st.Len()
		return nil
	})
	if err != nil {
		return err
	}

	rows := make([][]string, 0, len(fc.Industries))
	for _, ind := range fc.Industries {
		switch {
		case report.Failed[ind] != nil:
			rows = append(rows, []string{string(ind), "-", "failed: " + report.Failed[ind].Error()})
		case containsIndustry(report.Skipped, ind):
			rows = append(rows, []string{string(ind), "-", "fresh"})
		default:
			rows = append(rows, []string{string(ind), fmt.Sprintf("%d", report.Fetched[ind]), "fetched"})
		}
	}
	fmt.Fprintln(a.out, renderTable([]string{"Industry", "Articles", "Result"}, rows, []columnAlignment{alignLeft, alignRight, alignLeft}))
	fmt.Fprintf(a.out, "%d new articles, %d known\n", report.Added, total)

	if refreshErr != nil {
		return fmt.Errorf("fetch incomplete: %w", refreshErr)
	}
	return nil
}

// triggerRemoteFetch 請服務端立即抓取新聞源；服務端非同步執行
func (a *app) triggerRemoteFetch(ctx context.Context) error {
	trigger, err := a.client.TriggerFetch(ctx)
	if err != nil {
		return fmt.Errorf("failed to trigger remote fetch: %w", err)
	}
	a.log.Info("remote fetch triggered", "task_id", trigger.TaskID)
	fmt.Fprintf(a.out, "Remote fetch triggered (task %s)\n", trigger.TaskID)
	return nil
}

func containsIndustry(list []types.Industry, ind types.Industry) bool {
	for _, v := range list {
		if v == ind {
			return true
		}
	}
	return false
}

// ============================================================================
// articles
// ============================================================================

func buildArticlesCommand() *cobra.Command {
	var limit int
	var industry string

	cmd := &cobra.Command{
		Use:   "articles",
		Short: "List stored articles in display order",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			return a.listArticles(limit, industry)
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of articles to show (0 for all)")
	cmd.Flags().StringVar(&industry, "industry", "", "only show this industry")
	return cmd
}

func (a *app) listArticles(limit int, industry string) error {
	st, _, err := a.loadStore()
	if err != nil {
		return err
	}
	list := st.Ranked()
	if industry != "" {
		ind, err := types.ParseIndustry(industry)
		if err != nil {
			return err
		}
		filtered := list[:0]
		for _, art := range list {
			if art.HasCategory(string(ind)) {
				filtered = append(filtered, art)
			}
		}
		list = filtered
	}

	if len(list) == 0 {
		fmt.Fprintln(a.out, "No articles stored yet. Run 'persona-curator fetch' first.")
		return nil
	}
	if id, ok := st.RankedFor(); ok {
		fmt.Fprintf(a.out, "Ranked for %s\n", id)
	}
	fmt.Fprintln(a.out, renderTable(articleHeaders, articleRows(list, limit), articleAligns))
	return nil
}

// ============================================================================
// personalize
// ============================================================================

type personaFlags struct {
	name, title, company, context, traits string
}

func (f *personaFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.name, "name", "", "recipient name")
	cmd.Flags().StringVar(&f.title, "title", "", "job title")
	cmd.Flags().StringVar(&f.company, "company", "", "company")
	cmd.Flags().StringVar(&f.context, "context", "", "conversation context")
	cmd.Flags().StringVar(&f.traits, "traits", "", "personality traits")
}

func (f *personaFlags) persona() types.Persona {
	return types.Persona{
		RecipientName:       strings.TrimSpace(f.name),
		JobTitle:            strings.TrimSpace(f.title),
		Company:             strings.TrimSpace(f.company),
		ConversationContext: f.context,
		PersonalityTraits:   f.traits,
	}
}

func buildPersonalizeCommand() *cobra.Command {
	var pf personaFlags
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "personalize",
		Short: "Rank the stored articles for a persona",
		Long:  "Submit every stored article for batch scoring, follow the job to its end and save the new ranking",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			if timeout > 0 {
				var tcancel context.CancelFunc
				ctx, tcancel = context.WithTimeout(ctx, timeout)
				defer tcancel()
			}
			return a.personalize(ctx, pf.persona())
		},
	}

	pf.bind(cmd)
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "give up after this long (0 waits for the job)")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

// personalizeResult 一次個人化的最終結果
type personalizeResult struct {
	ranked  []types.Article
	scores  []types.ScoredResult // 本次任務自己的分數
	kind    scoring.Kind // 空字串表示完整完成
	message string
	failed  bool
}

func (a *app) personalize(ctx context.Context, persona types.Persona) error {
	st, _, err := a.loadStore()
	if err != nil {
		return err
	}

	view := newProgressView(a.out, persona.Identity())
	done := make(chan personalizeResult, 1)
	// dispatcher 依序執行 callback，OnScored 一定先於 OnCompleted / OnPartial
	var scores []types.ScoredResult
	c := coordinator.New(st, a.client, coordinator.Config{Poller: a.cfg.PollerConfig()}, coordinator.Callbacks{
		OnStarted: func(job types.ScoringJob) {
			a.log.Info("scoring job started", "task_id", job.TaskID, "articles", job.TotalArticles)
		},
		OnProgress: view.update,
		OnScored: func(_ types.PersonaIdentity, results []types.ScoredResult) {
			scores = results
		},
		OnCompleted: func(_ types.PersonaIdentity, ranked []types.Article) {
			done <- personalizeResult{ranked: ranked, scores: scores}
		},
		OnPartial: func(_ types.PersonaIdentity, kind scoring.Kind, ranked []types.Article, msg string) {
			done <- personalizeResult{ranked: ranked, scores: scores, kind: kind, message: msg}
		},
		OnError: func(kind scoring.Kind, msg string) {
			done <- personalizeResult{kind: kind, message: msg, failed: true}
		},
	})
	defer c.Close()

	if err := c.StartPersonalization(persona); err != nil {
		return err
	}

	var res personalizeResult
	select {
	case res = <-done:
	case <-ctx.Done():
		c.Cancel()
		view.finish()
		return fmt.Errorf("personalization cancelled: %w", ctx.Err())
	}
	view.finish()

	if res.failed {
		return scoring.NewError(res.kind, "", res.message, nil)
	}

	id := persona.Identity()
	var ranked []types.Article
	err = a.update(context.WithoutCancel(ctx), func(disk *store.ArticleStore, _ *types.StoreSnapshot) error {
		ranked = disk.MergeResults(res.scores, id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save ranking: %w", err)
	}

	if res.kind != "" {
		fmt.Fprintf(a.out, "Partial results (%s): %s\n", res.kind, res.message)
	}
	fmt.Fprintf(a.out, "Ranked %d articles for %s\n", len(ranked), id)
	fmt.Fprintln(a.out, renderTable(articleHeaders, articleRows(ranked, 10), articleAligns))
	return nil
}

// ============================================================================
// personas
// ============================================================================

func buildPersonasCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "personas",
		Short: "Manage saved personas",
	}
	cmd.AddCommand(buildPersonasListCommand())
	cmd.AddCommand(buildPersonasSaveCommand())
	cmd.AddCommand(buildPersonasDeleteCommand())
	cmd.AddCommand(buildPersonasSyncCommand())
	return cmd
}

func withPersonas(cmd *cobra.Command, fn func(ctx context.Context, a *app, svc *personas.Service) error) error {
	a, err := loadApp(cmd)
	if err != nil {
		return err
	}
	svc, closeFn, err := a.personaService()
	if err != nil {
		return err
	}
	defer closeFn()
	ctx, cancel := signalContext(cmd.Context())
	defer cancel()
	return fn(ctx, a, svc)
}

func buildPersonasListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List saved personas",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPersonas(cmd, func(ctx context.Context, a *app, svc *personas.Service) error {
				list, origin, err := svc.List(ctx)
				if err != nil {
					return err
				}
				if origin == personas.OriginCache {
					fmt.Fprintln(a.out, "Service unreachable, showing cached personas.")
				}
				rows := make([][]string, 0, len(list))
				for _, p := range list {
					rows = append(rows, []string{p.RecipientName, p.JobTitle, p.Company, truncate(p.PersonalityTraits, 40)})
				}
				fmt.Fprintln(a.out, renderTable([]string{"Name", "Title", "Company", "Traits"}, rows, nil))
				return nil
			})
		},
	}
}

func buildPersonasSaveCommand() *cobra.Command {
	var pf personaFlags
	cmd := &cobra.Command{
		Use:   "save",
		Short: "Save a persona",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPersonas(cmd, func(ctx context.Context, a *app, svc *personas.Service) error {
				saved, offline, err := svc.Save(ctx, pf.persona())
				if err != nil {
					return err
				}
				if offline {
					fmt.Fprintf(a.out, "Saved %s locally; run 'personas sync' once the service is back\n", saved.Identity())
					return nil
				}
				fmt.Fprintf(a.out, "Saved %s\n", saved.Identity())
				return nil
			})
		},
	}
	pf.bind(cmd)
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func buildPersonasDeleteCommand() *cobra.Command {
	var pf personaFlags
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete a persona",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPersonas(cmd, func(ctx context.Context, a *app, svc *personas.Service) error {
				p := pf.persona()
				if err := svc.Delete(ctx, p); err != nil {
					return err
				}
				fmt.Fprintf(a.out, "Deleted %s\n", p.Identity())
				return nil
			})
		},
	}
	pf.bind(cmd)
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func buildPersonasSyncCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Push personas saved while the service was unreachable",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPersonas(cmd, func(ctx context.Context, a *app, svc *personas.Service) error {
				n, err := svc.SyncPending(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(a.out, "Synced %d personas\n", n)
				return nil
			})
		},
	}
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show configuration and article snapshot status",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			return a.showStatus()
		},
	}
}

func (a *app) showStatus() error {
	st, snap, err := a.loadStore()
	if err != nil {
		return err
	}
	stats := st.Stats()

	rows := [][]string{
		{"Config file", configFile},
		{"Backend", a.client.BaseURL()},
		{"Poll interval", a.cfg.Polling.Interval.String()},
		{"Snapshot", a.snaps.GetPath()},
		{"Saved at", formatTime(snap.SavedAt)},
		{"Articles", fmt.Sprintf("%d (%d scored, %d personalized)", stats.Total, stats.Scored, stats.Personalized)},
	}
	if id, ok := st.RankedFor(); ok {
		rows = append(rows, []string{"Ranked for", id.String()})
	} else {
		rows = append(rows, []string{"Ranked for", "-"})
	}
	if backups, err := a.snaps.Backups(); err == nil {
		rows = append(rows, []string{"Backups", fmt.Sprintf("%d", len(backups))})
	}
	metricsState := "disabled"
	if a.cfg.Metrics.Enabled {
		metricsState = "http://" + a.cfg.Metrics.Addr + "/metrics"
	}
	rows = append(rows, []string{"Metrics", metricsState})
	fmt.Fprintln(a.out, renderTable([]string{"Item", "Value"}, rows, nil))

	industries := make([]string, 0, len(snap.LastFetched))
	for ind := range snap.LastFetched {
		industries = append(industries, string(ind))
	}
	sort.Strings(industries)
	fetched := make([][]string, 0, len(industries))
	for _, ind := range industries {
		fetched = append(fetched, []string{ind, formatTime(snap.LastFetched[types.Industry(ind)])})
	}
	if len(fetched) > 0 {
		fmt.Fprintln(a.out, renderTable([]string{"Industry", "Last fetched"}, fetched, nil))
	}
	return nil
}

// ExitCode 依錯誤種類決定行程結束碼：輸入錯誤為 2，其他失敗為 1
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var se *scoring.Error
	if errors.As(err, &se) {
		switch se.Kind {
		case scoring.KindInvalidPersona, scoring.KindEmptyBatch:
			return 2
		}
	}
	return 1
}
