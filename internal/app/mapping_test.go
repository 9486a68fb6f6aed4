package app

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"scrapebot/internal/config"
	"scrapebot/internal/deepscrape"
	"scrapebot/internal/status"
)

func TestMapScrapeDefaults(t *testing.T) {
	got, err := mapScrape(&config.Config{})
	if err != nil {
		t.Fatalf("mapScrape: %v", err)
	}
	want := scrapeSettings{
		MaxTopicRetries:    deepscrape.DefaultMaxTopicRetries,
		ExtractConcurrency: deepscrape.DefaultExtractConcurrency,
		ExtractTimeout:     deepscrape.DefaultExtractTimeout,
		SendRatePerMin:     defaultSendPerMin,
		ResumeSweep:        defaultResumeSweep,
		StatusEditEvery:    status.DefaultEditEvery,
	}
	if got != want {
		t.Fatalf("mapScrape = %+v, want %+v", got, want)
	}

	got, err = mapScrape(&config.Config{Scrape: config.ScrapeConfig{
		MaxTopicRetries: 1,
		ExtractTimeout:  "30s",
		StatusEditEvery: "1s",
		UserAgent:       " ua ",
	}})
	if err != nil {
		t.Fatalf("mapScrape: %v", err)
	}
	if got.MaxTopicRetries != 1 || got.ExtractTimeout != 30*time.Second || got.StatusEditEvery != time.Second || got.UserAgent != "ua" {
		t.Fatalf("mapScrape = %+v", got)
	}

	if _, err := mapScrape(&config.Config{Scrape: config.ScrapeConfig{ExtractTimeout: "soon"}}); err == nil {
		t.Fatalf("bad duration accepted")
	}
}

func TestMapStorage(t *testing.T) {
	cases := []struct {
		in     config.StorageConfig
		driver string
		path   string
	}{
		{config.StorageConfig{}, "file", filepath.Join(defaultStoreDir, "tasks")},
		{config.StorageConfig{Driver: "SQLite"}, "sqlite", filepath.Join(defaultStoreDir, "scrapebot.db")},
		{config.StorageConfig{Driver: "file", Path: "/var/lib/sb"}, "file", "/var/lib/sb"},
	}
	for _, tc := range cases {
		got, err := mapStorage(&config.Config{Storage: tc.in})
		if err != nil {
			t.Fatalf("mapStorage(%+v): %v", tc.in, err)
		}
		if got.Driver != tc.driver || got.Path != tc.path || got.BusyTimeout != defaultSQLiteTimeout {
			t.Fatalf("mapStorage(%+v) = %+v", tc.in, got)
		}
	}
}

func TestMapLoggingNeedsGroupLog(t *testing.T) {
	cfg := &config.Config{}
	cfg.Logging.Telegram.Enabled = true
	if mapLogging(cfg).Telegram.Enabled {
		t.Fatalf("telegram sink enabled without a target chat")
	}
	cfg.Telegram.GroupLog = -1001
	got := mapLogging(cfg)
	if !got.Telegram.Enabled || got.Telegram.ChatID != -1001 {
		t.Fatalf("mapLogging = %+v", got.Telegram)
	}
}

func TestRestartOnly(t *testing.T) {
	prev := &config.Config{}
	next := &config.Config{}
	next.Scrape.SendRatePerMin = 40
	next.Telegram.OwnerUserIDs = []int64{1}
	next.Logging.Level = "debug"
	if got := restartOnly(prev, next); len(got) != 0 {
		t.Fatalf("live-reloadable changes flagged: %v", got)
	}

	next.Storage.Driver = "sqlite"
	next.Scrape.MaxTopicRetries = 2
	next.Telegram.Token = "x"
	if got := strings.Join(restartOnly(prev, next), ","); got != "telegram,storage,scrape" {
		t.Fatalf("restartOnly = %q", got)
	}
}
