package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/ChuLiYu/persona-curator/internal/coordinator"
	"github.com/ChuLiYu/persona-curator/internal/feeds"
	"github.com/ChuLiYu/persona-curator/internal/health"
	"github.com/ChuLiYu/persona-curator/internal/metrics"
	"github.com/ChuLiYu/persona-curator/internal/personas"
	"github.com/ChuLiYu/persona-curator/internal/scoring"
	"github.com/ChuLiYu/persona-curator/internal/store"
	"github.com/ChuLiYu/persona-curator/pkg/types"
)

// ErrWatchRunning 另一個 watch 行程持有實例鎖
var ErrWatchRunning = errors.New("another watch instance is running")

func buildWatchCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Keep articles fresh and ranked until interrupted",
		Long: `Refresh the industry partitions on a ticker, personalize for the configured
watch persona and serve metrics and gRPC health. Send SIGHUP to re-rank,
which also confirms newly fetched articles.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			hup := make(chan os.Signal, 1)
			signal.Notify(hup, syscall.SIGHUP)
			defer signal.Stop(hup)

			return a.watch(ctx, hup)
		},
	}
}

// watcher watch 模式的執行期元件
type watcher struct {
	*app
	st        *store.ArticleStore
	coord     *coordinator.Coordinator
	refresher *feeds.Refresher
	personas  *personas.Service
	persona   types.Persona
	auto      bool
}

// watch 執行到 ctx 結束；rerank 收到訊號時重新排序
func (a *app) watch(ctx context.Context, rerank <-chan os.Signal) error {
	lock, err := a.acquireWatchLock()
	if err != nil {
		return err
	}
	defer func() { _ = lock.Unlock() }()

	var collector *metrics.Collector
	if a.cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		collector = metrics.NewCollector(reg)
		srv := metrics.NewServer(a.cfg.Metrics.Addr, reg)
		srv.Start()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	var hs *health.Server
	if a.cfg.Health.Enabled {
		hs = health.NewServer(a.cfg.Health.Addr)
		if err := hs.Start(); err != nil {
			return err
		}
		defer hs.Stop()
	}

	st, snap, err := a.loadStore()
	if err != nil {
		return err
	}
	fc, err := a.cfg.FeedsConfig()
	if err != nil {
		return err
	}
	svc, closePersonas, err := a.personaService()
	if err != nil {
		return err
	}
	defer closePersonas()

	w := &watcher{app: a, st: st, personas: svc}
	w.persona, w.auto = a.cfg.WatchPersona()

	w.coord = coordinator.New(st, a.client, coordinator.Config{
		Poller:  a.cfg.PollerConfig(),
		Metrics: collector,
	}, w.callbacks(hs))
	defer w.coord.Close()

	w.refresher = feeds.NewRefresher(a.client, w.coord, fc, collector)
	w.refresher.RestoreLastFetched(snap.LastFetched)

	a.log.Info("watch started",
		"articles", st.Len(),
		"refresh_interval", a.cfg.Watch.RefreshInterval,
		"auto_persona", w.persona.Identity().String(),
	)

	ticker := time.NewTicker(a.cfg.Watch.RefreshInterval)
	defer ticker.Stop()

	w.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			a.log.Info("shutting down watch")
			w.coord.Cancel()
			return w.finalSnapshot()
		case <-ticker.C:
			w.tick(ctx)
		case <-rerank:
			w.rerank()
		}
	}
}

func (a *app) acquireWatchLock() (*flock.Flock, error) {
	if err := os.MkdirAll(filepath.Dir(a.cfg.Watch.LockPath), 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	lock := flock.New(a.cfg.Watch.LockPath)
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to lock %s: %w", a.cfg.Watch.LockPath, err)
	}
	if !locked {
		return nil, fmt.Errorf("%w (lock %s)", ErrWatchRunning, a.cfg.Watch.LockPath)
	}
	return lock, nil
}

func (w *watcher) callbacks(hs *health.Server) coordinator.Callbacks {
	return coordinator.Callbacks{
		OnStateChange: func(from, to coordinator.State) {
			if hs != nil {
				hs.ObserveState(from, to)
			}
		},
		OnProgress: func(p scoring.Progress) {
			w.log.Debug("scoring progress", "task_id", p.TaskID, "percent", p.Percent)
		},
		OnCompleted: func(persona types.PersonaIdentity, ranked []types.Article) {
			w.log.Info("articles ranked", "persona", persona.String(), "articles", len(ranked))
			w.save()
		},
		OnPartial: func(persona types.PersonaIdentity, kind scoring.Kind, ranked []types.Article, msg string) {
			w.log.Warn("articles ranked from partial results", "persona", persona.String(), "kind", kind, "message", msg)
			w.save()
		},
		OnError: func(kind scoring.Kind, msg string) {
			w.log.Error("personalization failed", "kind", kind, "message", msg)
		},
		OnNewArticles: func(added int) {
			w.log.Info("new articles available, send SIGHUP to re-rank", "added", added)
		},
	}
}

// tick 抓取到期的分區、推送離線畫像，必要時啟動個人化
func (w *watcher) tick(ctx context.Context) {
	report, err := w.refresher.Refresh(ctx, false)
	if err != nil && ctx.Err() == nil {
		w.log.Warn("refresh incomplete", "error", err)
	}
	if len(report.Fetched) > 0 {
		w.log.Info("partitions refreshed", "partitions", len(report.Fetched), "added", report.Added)
		w.save()
	}

	if n, err := w.personas.SyncPending(ctx); err != nil {
		w.log.Warn("pending personas not synced", "error", err)
	} else if n > 0 {
		w.log.Info("pending personas synced", "count", n)
	}

	if !w.auto || ctx.Err() != nil {
		return
	}
	// 同一畫像已排序或進行中時為 no-op；ErrorBackoff 時重新送出
	if err := w.coord.StartPersonalization(w.persona); err != nil {
		w.log.Warn("automatic personalization not started", "error", err)
	}
}

func (w *watcher) rerank() {
	err := w.coord.Rerank()
	switch {
	case err == nil:
		w.log.Info("re-rank requested")
	case errors.Is(err, coordinator.ErrNoPersona) && w.auto:
		if err := w.coord.StartPersonalization(w.persona); err != nil {
			w.log.Warn("personalization not started", "error", err)
		}
	default:
		w.log.Warn("re-rank ignored", "error", err)
	}
}

func (w *watcher) snapshot() types.StoreSnapshot {
	snap := w.st.Snapshot()
	snap.LastFetched = w.refresher.LastFetched()
	return snap
}

// save 以目前的文章庫覆寫快照
func (w *watcher) save() {
	snap := w.snapshot()
	err := w.update(context.Background(), func(st *store.ArticleStore, disk *types.StoreSnapshot) error {
		disk.LastFetched = snap.LastFetched
		return st.Restore(snap)
	})
	if err != nil {
		w.log.Error("failed to save snapshot", "error", err)
	}
}

func (w *watcher) finalSnapshot() error {
	if err := w.snaps.WriteWithBackup(w.snapshot(), w.cfg.Store.KeepBackups); err != nil {
		return fmt.Errorf("failed to write final snapshot: %w", err)
	}
	w.log.Info("final snapshot written", "path", w.snaps.GetPath())
	return nil
}
