// Command demo runs the local scoring service so the CLI can be tried
// without the real backend:
//
//	go run ./cmd/demo
//	CURATOR_BACKEND_URL=http://localhost:8000 go run ./cmd/persona-curator watch
//
// Settings come from the environment or a .env file.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/ChuLiYu/persona-curator/internal/logging"
	"github.com/ChuLiYu/persona-curator/internal/simulator"
	"github.com/ChuLiYu/persona-curator/pkg/types"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("no .env file found, using environment and defaults")
	}
	if _, err := logging.Setup(os.Stderr, getEnv("DEMO_LOG_LEVEL", "info"), "text"); err != nil {
		slog.Error("invalid logging settings", "error", err)
		os.Exit(1)
	}

	cfg := simulator.DefaultConfig()
	cfg.ArticlesPerIndustry = getEnvAsInt("DEMO_ARTICLES_PER_INDUSTRY", cfg.ArticlesPerIndustry)
	cfg.StepPerPoll = getEnvAsInt("DEMO_STEP_PER_POLL", cfg.StepPerPoll)
	cfg.ExpireAfterPolls = getEnvAsInt("DEMO_EXPIRE_AFTER_POLLS", cfg.ExpireAfterPolls)
	cfg.APIKey = getEnv("DEMO_API_KEY", "")
	if v := getEnv("DEMO_FAIL_RECIPIENTS", ""); v != "" {
		cfg.FailRecipients = strings.Split(v, ",")
	}
	addr := getEnv("DEMO_ADDR", ":8000")
	every := getEnvAsDuration("DEMO_NEW_ARTICLE_EVERY", 0)

	srv := simulator.New(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if every > 0 {
		go publishArticles(ctx, srv, every)
	}

	go func() {
		<-ctx.Done()
		slog.Info("shutting down scoring simulator")
		_ = srv.Shutdown()
	}()

	slog.Info("scoring simulator listening", "addr", addr, "articles_per_industry", cfg.ArticlesPerIndustry)
	if err := srv.Listen(addr); err != nil {
		slog.Error("scoring simulator failed", "error", err)
		os.Exit(1)
	}
}

// publishArticles 定期新增文章，模擬新聞來源持續更新
func publishArticles(ctx context.Context, srv *simulator.Server, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	n := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ind := types.AllIndustries[n%len(types.AllIndustries)]
			n++
			id := srv.AddArticle(ind, "Breaking update #"+strconv.Itoa(n))
			slog.Info("article published", "id", id, "industry", ind)
		}
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value, err := strconv.Atoi(getEnv(key, "")); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value, err := time.ParseDuration(getEnv(key, "")); err == nil {
		return value
	}
	return defaultValue
}
