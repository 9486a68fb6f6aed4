package storage

import (
	"context"
	"errors"
	"time"

	"scrapebot/internal/model"
)

var (
	ErrNotFound = errors.New("not found")
	ErrClosed   = errors.New("storage closed")
)

// Config configures storage.
//
// Driver values:
//   - "file": journal + snapshot next to Path
//   - "sqlite": SQLite database at Path
//
// An empty driver selects "file".
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is the durable owner of tasks across restarts.
type Store interface {
	// CreateTask stores t as pending and returns its id (generated if empty).
	CreateTask(ctx context.Context, t *model.Task) (string, error)
	GetTask(ctx context.Context, id string) (*model.Task, error)
	// UpdateStatus rejects edges outside the lifecycle with model.ErrInvalidTransition.
	UpdateStatus(ctx context.Context, id string, ch model.StatusChange) error
	// MarkLinkComplete appends link once and clears the matching in-flight snapshot.
	MarkLinkComplete(ctx context.Context, id, link string) error
	IncrementDelivered(ctx context.Context, id string, n int) error
	IncrementTopics(ctx context.Context, id string, n int) error
	SetProgress(ctx context.Context, id string, p *model.Progress) error
	SetStatusMessage(ctx context.Context, id string, ref model.MessageRef) error
	// GetActiveTaskForUser returns the newest pending/running/paused task or ErrNotFound.
	GetActiveTaskForUser(ctx context.Context, userID int64) (*model.Task, error)
	ListTasksByStatus(ctx context.Context, statuses ...model.Status) ([]*model.Task, error)

	PutIdentity(ctx context.Context, id model.Identity) error
	DeleteIdentity(ctx context.Context, userID, botID int64) error
	ListIdentities(ctx context.Context, userID int64) ([]model.Identity, error)

	// PutTarget inserts tg or repoints the user's target of the same name.
	PutTarget(ctx context.Context, tg model.SavedTarget) error
	DeleteTarget(ctx context.Context, userID int64, name string) error
	// ListTargets returns the user's saved targets sorted by name.
	ListTargets(ctx context.Context, userID int64) ([]model.SavedTarget, error)

	Close() error
}
