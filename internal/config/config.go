// ============================================================================
// persona-curator 配置 - YAML + .env + 環境變數
// ============================================================================
//
// Package: internal/config
// 文件: config.go
// 功能: 載入並驗證整個系統的配置
//
// 載入順序（後者覆蓋前者）:
//   1. Default() 內建預設值
//   2. YAML 配置檔（預設 configs/default.yaml，不存在時略過）
//   3. .env 檔（只補上環境中尚未設定的變數）
//   4. CURATOR_* 環境變數
//   5. Validate()
//
// ============================================================================

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/persona-curator/internal/feeds"
	"github.com/ChuLiYu/persona-curator/internal/scoring"
	"github.com/ChuLiYu/persona-curator/pkg/types"
)

// DefaultPath 預設配置檔位置
const DefaultPath = "configs/default.yaml"

// 環境變數名稱
const (
	EnvBackendURL   = "CURATOR_BACKEND_URL"
	EnvAPIKey       = "CURATOR_API_KEY"
	EnvLogLevel     = "CURATOR_LOG_LEVEL"
	EnvMetricsAddr  = "CURATOR_METRICS_ADDR"
	EnvPollInterval = "CURATOR_POLL_INTERVAL"
)

// Backend 文章/評分服務
type Backend struct {
	URL          string        `yaml:"url"`
	APIKey       string        `yaml:"api_key"`
	Timeout      time.Duration `yaml:"timeout"`
	ArticleLimit int           `yaml:"article_limit"`
}

// Polling 任務輪詢
type Polling struct {
	Interval             time.Duration `yaml:"interval"`
	CompletionDelay      time.Duration `yaml:"completion_delay"`
	MaxConsecutiveErrors int           `yaml:"max_consecutive_errors"`
	MaxPolls             int           `yaml:"max_polls"`
}

// Store 文章庫與快照
type Store struct {
	SnapshotPath string        `yaml:"snapshot_path"`
	MaxBatch     int           `yaml:"max_batch"`
	KeepBackups  int           `yaml:"keep_backups"`
	LockTimeout  time.Duration `yaml:"lock_timeout"`
}

// Feeds 分區抓取
type Feeds struct {
	Industries   []string      `yaml:"industries"`
	TTL          time.Duration `yaml:"ttl"`
	Workers      int           `yaml:"workers"`
	FetchTimeout time.Duration `yaml:"fetch_timeout"`
}

// Personas 畫像本地快取
type Personas struct {
	CachePath string `yaml:"cache_path"`
}

// Listener 可開關的監聽位址（metrics / health 共用）
type Listener struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Logging 日誌
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Watch 常駐模式
type Watch struct {
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	LockPath        string        `yaml:"lock_path"`
	RecipientName   string        `yaml:"recipient_name"`
	JobTitle        string        `yaml:"job_title"`
	Company         string        `yaml:"company"`
}

// Config 完整配置結構，透過 YAML tag 對應配置檔欄位
type Config struct {
	Backend  Backend  `yaml:"backend"`
	Polling  Polling  `yaml:"polling"`
	Store    Store    `yaml:"store"`
	Feeds    Feeds    `yaml:"feeds"`
	Personas Personas `yaml:"personas"`
	Metrics  Listener `yaml:"metrics"`
	Health   Listener `yaml:"health"`
	Logging  Logging  `yaml:"logging"`
	Watch    Watch    `yaml:"watch"`
}

// Default returns the built-in configuration.
func Default() Config {
	poll := scoring.DefaultPollerConfig()
	fc := feeds.DefaultConfig()
	industries := make([]string, 0, len(fc.Industries))
	for _, ind := range fc.Industries {
		industries = append(industries, string(ind))
	}
	return Config{
		Backend: Backend{
			URL:          "http://localhost:8000",
			Timeout:      30 * time.Second,
			ArticleLimit: 100,
		},
		Polling: Polling{
			Interval:             poll.Interval,
			CompletionDelay:      poll.CompletionDelay,
			MaxConsecutiveErrors: poll.MaxConsecutiveErrors,
			MaxPolls:             poll.MaxPolls,
		},
		Store: Store{
			SnapshotPath: "data/articles.json",
			MaxBatch:     100,
			KeepBackups:  3,
			LockTimeout:  5 * time.Second,
		},
		Feeds: Feeds{
			Industries:   industries,
			TTL:          fc.TTL,
			Workers:      fc.Workers,
			FetchTimeout: fc.FetchTimeout,
		},
		Personas: Personas{CachePath: "data/personas.db"},
		Metrics:  Listener{Enabled: false, Addr: ":9090"},
		Health:   Listener{Enabled: false, Addr: ":50051"},
		Logging:  Logging{Level: "info", Format: "text"},
		Watch: Watch{
			RefreshInterval: time.Minute,
			LockPath:        "data/watch.lock",
		},
	}
}

// Load reads the configuration at path on top of Default(), applies .env
// and CURATOR_* overrides and validates the result. A missing file at the
// default path is not an error; found reports whether a file was read.
func Load(path string) (cfg *Config, found bool, err error) {
	return load(path, ".env")
}

func load(path, dotenvPath string) (*Config, bool, error) {
	c := Default()
	found := false

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &c); err != nil {
				return nil, false, fmt.Errorf("parse config %s: %w", path, err)
			}
			found = true
		case errors.Is(err, fs.ErrNotExist) && path == DefaultPath:
		default:
			return nil, false, fmt.Errorf("read config: %w", err)
		}
	}

	lookup, err := envLookup(dotenvPath)
	if err != nil {
		return nil, found, err
	}
	if err := c.applyEnv(lookup); err != nil {
		return nil, found, err
	}
	if err := c.Validate(); err != nil {
		return nil, found, err
	}
	return &c, found, nil
}

// envLookup 環境變數優先，其次 .env 檔
func envLookup(dotenvPath string) (func(string) (string, bool), error) {
	dotenv := map[string]string{}
	if dotenvPath != "" {
		values, err := godotenv.Read(dotenvPath)
		switch {
		case err == nil:
			dotenv = values
		case errors.Is(err, fs.ErrNotExist):
		default:
			return nil, fmt.Errorf("read %s: %w", dotenvPath, err)
		}
	}
	return func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
		v, ok := dotenv[key]
		return v, ok
	}, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvBackendURL); ok && strings.TrimSpace(v) != "" {
		c.Backend.URL = strings.TrimSpace(v)
	}
	if v, ok := lookup(EnvAPIKey); ok {
		c.Backend.APIKey = strings.TrimSpace(v)
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		c.Logging.Level = strings.ToLower(strings.TrimSpace(v))
	}
	if v, ok := lookup(EnvMetricsAddr); ok && v != "" {
		c.Metrics.Addr = strings.TrimSpace(v)
		c.Metrics.Enabled = true
	}
	if v, ok := lookup(EnvPollInterval); ok && v != "" {
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s: %w", EnvPollInterval, err)
		}
		c.Polling.Interval = d
	}
	return nil
}

// PollerConfig converts the polling section.
func (c *Config) PollerConfig() scoring.PollerConfig {
	return scoring.PollerConfig{
		Interval:             c.Polling.Interval,
		CompletionDelay:      c.Polling.CompletionDelay,
		MaxConsecutiveErrors: c.Polling.MaxConsecutiveErrors,
		MaxPolls:             c.Polling.MaxPolls,
	}
}

// FeedsConfig converts the feeds section.
func (c *Config) FeedsConfig() (feeds.Config, error) {
	industries, err := c.industries()
	if err != nil {
		return feeds.Config{}, err
	}
	return feeds.Config{
		Industries:   industries,
		TTL:          c.Feeds.TTL,
		Workers:      c.Feeds.Workers,
		FetchTimeout: c.Feeds.FetchTimeout,
	}, nil
}

func (c *Config) industries() ([]types.Industry, error) {
	out := make([]types.Industry, 0, len(c.Feeds.Industries))
	for _, name := range c.Feeds.Industries {
		ind, err := types.ParseIndustry(name)
		if err != nil {
			return nil, fmt.Errorf("feeds.industries: %w", err)
		}
		out = append(out, ind)
	}
	return out, nil
}

// WatchPersona returns the persona watch mode personalizes for, and false
// when none is configured.
func (c *Config) WatchPersona() (types.Persona, bool) {
	p := types.Persona{
		RecipientName: strings.TrimSpace(c.Watch.RecipientName),
		JobTitle:      strings.TrimSpace(c.Watch.JobTitle),
		Company:       strings.TrimSpace(c.Watch.Company),
	}
	return p, p.Valid()
}
