package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// 輪詢間隔允許範圍
const (
	MinPollInterval = 1000 * time.Millisecond
	MaxPollInterval = 1500 * time.Millisecond
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateBackend(); err != nil {
		return err
	}
	if err := c.validatePolling(); err != nil {
		return err
	}
	if err := c.validateStore(); err != nil {
		return err
	}
	if err := c.validateFeeds(); err != nil {
		return err
	}
	if err := c.validateListeners(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	if c.Watch.RefreshInterval <= 0 {
		return errors.New("watch.refresh_interval must be positive")
	}
	return nil
}

func (c *Config) validateBackend() error {
	u, err := url.Parse(strings.TrimSpace(c.Backend.URL))
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("backend.url must be an http(s) URL, got %q", c.Backend.URL)
	}
	if c.Backend.Timeout <= 0 {
		return errors.New("backend.timeout must be positive")
	}
	if c.Backend.ArticleLimit < 1 || c.Backend.ArticleLimit > 100 {
		return errors.New("backend.article_limit must be between 1 and 100")
	}
	return nil
}

func (c *Config) validatePolling() error {
	p := c.Polling
	if p.Interval < MinPollInterval || p.Interval > MaxPollInterval {
		return fmt.Errorf("polling.interval must be between %s and %s, got %s", MinPollInterval, MaxPollInterval, p.Interval)
	}
	if p.CompletionDelay < 0 {
		return errors.New("polling.completion_delay must not be negative")
	}
	if p.MaxConsecutiveErrors < 1 {
		return errors.New("polling.max_consecutive_errors must be at least 1")
	}
	if p.MaxPolls < 0 {
		return errors.New("polling.max_polls must not be negative")
	}
	return nil
}

func (c *Config) validateStore() error {
	if strings.TrimSpace(c.Store.SnapshotPath) == "" {
		return errors.New("store.snapshot_path must be set")
	}
	if c.Store.MaxBatch < 1 || c.Store.MaxBatch > 100 {
		return errors.New("store.max_batch must be between 1 and 100")
	}
	if c.Store.KeepBackups < 0 {
		return errors.New("store.keep_backups must not be negative")
	}
	if c.Store.LockTimeout <= 0 {
		return errors.New("store.lock_timeout must be positive")
	}
	return nil
}

func (c *Config) validateFeeds() error {
	if len(c.Feeds.Industries) == 0 {
		return errors.New("feeds.industries must list at least one industry")
	}
	if _, err := c.industries(); err != nil {
		return err
	}
	if c.Feeds.TTL < 0 {
		return errors.New("feeds.ttl must not be negative")
	}
	if c.Feeds.Workers < 1 {
		return errors.New("feeds.workers must be at least 1")
	}
	if c.Feeds.FetchTimeout <= 0 {
		return errors.New("feeds.fetch_timeout must be positive")
	}
	return nil
}

func (c *Config) validateListeners() error {
	if c.Metrics.Enabled && strings.TrimSpace(c.Metrics.Addr) == "" {
		return errors.New("metrics.addr must be set when metrics.enabled is true")
	}
	if c.Health.Enabled && strings.TrimSpace(c.Health.Addr) == "" {
		return errors.New("health.addr must be set when health.enabled is true")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error, got %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}
	return nil
}
