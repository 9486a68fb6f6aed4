package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`
	Scrape   ScrapeConfig   `json:"scrape"`
	Metrics  MetricsConfig  `json:"metrics,omitempty"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// GroupLog is the chat that receives forwarded warnings (0 disables).
	GroupLog int64 `json:"group_log,omitempty"`
	// PollTimeout is the long-poll timeout (default "10s").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig selects the task store backend.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/scrapebot.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// ScrapeConfig tunes the deep scrape engine.
//
// Defaults (when fields are omitted/zero):
//   - max_topic_retries: 5
//   - extract_concurrency: 2
//   - extract_timeout: "2m"
//   - send_rate_per_min: 20 (per worker identity)
//   - resume_sweep: "@every 1m"
//   - status_edit_every: "3s"
type ScrapeConfig struct {
	MaxTopicRetries    int    `json:"max_topic_retries,omitempty"`
	ExtractConcurrency int    `json:"extract_concurrency,omitempty"`
	ExtractTimeout     string `json:"extract_timeout,omitempty"`
	SendRatePerMin     int    `json:"send_rate_per_min,omitempty"`
	ResumeSweep        string `json:"resume_sweep,omitempty"`
	StatusEditEvery    string `json:"status_edit_every,omitempty"`
	UserAgent          string `json:"user_agent,omitempty"`
}

// MetricsConfig controls the optional metrics/pprof HTTP server.
//
// Prefer binding to localhost. A non-loopback address requires a token
// unless allow_insecure is set.
type MetricsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:9464"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
}
