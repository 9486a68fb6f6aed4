package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
)

// Validate rejects configs the app cannot start with. It is also installed as
// the hot-reload validator, so a bad edit never replaces a good config.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		errs = append(errs, errors.New("telegram.token is required"))
	}
	if len(cfg.Telegram.OwnerUserIDs) == 0 {
		errs = append(errs, errors.New("telegram.owner_user_ids must not be empty"))
	}
	if _, err := ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout); err != nil {
		errs = append(errs, err)
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "file", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}
	if _, err := ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout); err != nil {
		errs = append(errs, err)
	}

	s := cfg.Scrape
	if s.MaxTopicRetries < 0 {
		errs = append(errs, errors.New("scrape.max_topic_retries must be >= 0"))
	}
	if s.ExtractConcurrency < 0 {
		errs = append(errs, errors.New("scrape.extract_concurrency must be >= 0"))
	}
	if s.SendRatePerMin < 0 {
		errs = append(errs, errors.New("scrape.send_rate_per_min must be >= 0"))
	}
	if _, err := ParseDurationField("scrape.extract_timeout", s.ExtractTimeout); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseDurationField("scrape.status_edit_every", s.StatusEditEvery); err != nil {
		errs = append(errs, err)
	}
	if spec := strings.TrimSpace(s.ResumeSweep); spec != "" {
		if _, err := CronParser().Parse(spec); err != nil {
			errs = append(errs, fmt.Errorf("scrape.resume_sweep: %w", err))
		}
	}
	return errors.Join(errs...)
}

// CronParser accepts an optional seconds field and @every/@hourly descriptors.
func CronParser() cron.Parser {
	return cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
}
