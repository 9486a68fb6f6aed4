package app

import (
	"path/filepath"
	"strings"
	"time"

	"scrapebot/internal/config"
	"scrapebot/internal/deepscrape"
	"scrapebot/internal/observability/metrics"
	"scrapebot/internal/status"
	"scrapebot/internal/storage"
	logx "scrapebot/pkg/logx"
)

const (
	defaultStoreDir      = "./data"
	defaultSendPerMin    = 20
	defaultResumeSweep   = "@every 1m"
	defaultPollTimeout   = 10 * time.Second
	defaultSQLiteTimeout = 5 * time.Second
)

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled && cfg.Telegram.GroupLog != 0,
			ChatID:     cfg.Telegram.GroupLog,
			ThreadID:   cfg.Logging.Telegram.ThreadID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

func mapStorage(cfg *config.Config) (storage.Config, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	if driver == "" {
		driver = "file"
	}
	path := strings.TrimSpace(cfg.Storage.Path)
	if path == "" {
		name := "tasks"
		if driver == "sqlite" {
			name = "scrapebot.db"
		}
		path = filepath.Join(defaultStoreDir, name)
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, defaultSQLiteTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, nil
}

// scrapeSettings is ScrapeConfig with defaults applied and durations parsed.
type scrapeSettings struct {
	MaxTopicRetries    int
	ExtractConcurrency int
	ExtractTimeout     time.Duration
	SendRatePerMin     int
	ResumeSweep        string
	StatusEditEvery    time.Duration
	UserAgent          string
}

func mapScrape(cfg *config.Config) (scrapeSettings, error) {
	s := cfg.Scrape
	out := scrapeSettings{
		MaxTopicRetries:    s.MaxTopicRetries,
		ExtractConcurrency: s.ExtractConcurrency,
		SendRatePerMin:     s.SendRatePerMin,
		ResumeSweep:        strings.TrimSpace(s.ResumeSweep),
		UserAgent:          strings.TrimSpace(s.UserAgent),
	}
	if out.MaxTopicRetries == 0 {
		out.MaxTopicRetries = deepscrape.DefaultMaxTopicRetries
	}
	if out.ExtractConcurrency == 0 {
		out.ExtractConcurrency = deepscrape.DefaultExtractConcurrency
	}
	if out.SendRatePerMin == 0 {
		out.SendRatePerMin = defaultSendPerMin
	}
	if out.ResumeSweep == "" {
		out.ResumeSweep = defaultResumeSweep
	}
	var err error
	if out.ExtractTimeout, err = config.ParseDurationOrDefault("scrape.extract_timeout", s.ExtractTimeout, deepscrape.DefaultExtractTimeout); err != nil {
		return scrapeSettings{}, err
	}
	if out.StatusEditEvery, err = config.ParseDurationOrDefault("scrape.status_edit_every", s.StatusEditEvery, status.DefaultEditEvery); err != nil {
		return scrapeSettings{}, err
	}
	return out, nil
}

func mapMetrics(cfg *config.Config) metrics.Config {
	return metrics.Config{
		Enabled:       cfg.Metrics.Enabled,
		Addr:          strings.TrimSpace(cfg.Metrics.Addr),
		Token:         strings.TrimSpace(cfg.Metrics.Token),
		AllowInsecure: cfg.Metrics.AllowInsecure,
		Pprof:         cfg.Metrics.Pprof,
	}
}

func pollTimeout(cfg *config.Config) (time.Duration, error) {
	return config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, defaultPollTimeout)
}

// restartOnly lists changed sections that hot reload cannot apply.
func restartOnly(prev, next *config.Config) []string {
	var out []string
	if prev.Telegram.Token != next.Telegram.Token || prev.Telegram.PollTimeout != next.Telegram.PollTimeout {
		out = append(out, "telegram")
	}
	if prev.Storage != next.Storage {
		out = append(out, "storage")
	}
	ps, ns := prev.Scrape, next.Scrape
	ps.SendRatePerMin, ns.SendRatePerMin = 0, 0
	if ps != ns {
		out = append(out, "scrape")
	}
	return out
}
