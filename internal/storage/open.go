package storage

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"scrapebot/internal/model"
	logx "scrapebot/pkg/logx"
)

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("storage.path is required")
	}
	switch driver := strings.ToLower(strings.TrimSpace(cfg.Driver)); driver {
	case "", "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

func newTaskID() string { return uuid.NewString() }

func now() time.Time { return time.Now().UTC() }

// prepareNew fills the fields every backend sets on CreateTask.
func prepareNew(in *model.Task) *model.Task {
	t := in.Clone()
	if t.ID == "" {
		t.ID = newTaskID()
	}
	ts := now()
	t.Status = model.StatusPending
	t.Completed = nil
	t.CreatedAt = ts
	t.UpdatedAt = ts
	return t
}
