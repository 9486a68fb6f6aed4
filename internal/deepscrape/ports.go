package deepscrape

import (
	"context"

	"scrapebot/internal/model"
)

// Destination is one (channel, topic) pair. ThreadID 0 posts to the channel root.
type Destination struct {
	ChatID   int64
	ThreadID int
}

// Item is one upload. Media and file items carry a single URL; an archive
// item carries every URL of the link.
type Item struct {
	URLs   []string
	Format model.Format
	Name   string // archive file name
}

// Extractor turns one page into media URLs. An empty result is valid.
type Extractor interface {
	Extract(ctx context.Context, pageURL string) ([]string, error)
}

// Discoverer lists the sub-pages of a seed page.
type Discoverer interface {
	Discover(ctx context.Context, seedURL string) ([]string, error)
}

// Messenger is the per-identity messaging port. Any method may return an
// error carrying RetryAfter.
type Messenger interface {
	CreateTopic(ctx context.Context, chatID int64, title string) (threadID int, err error)
	SendItem(ctx context.Context, to Destination, item Item) error
	SendText(ctx context.Context, to Destination, text string) error
}

// TaskStore is the part of storage.Store the engine depends on.
type TaskStore interface {
	CreateTask(ctx context.Context, t *model.Task) (string, error)
	GetTask(ctx context.Context, id string) (*model.Task, error)
	UpdateStatus(ctx context.Context, id string, ch model.StatusChange) error
	MarkLinkComplete(ctx context.Context, id, link string) error
	IncrementDelivered(ctx context.Context, id string, n int) error
	IncrementTopics(ctx context.Context, id string, n int) error
	SetProgress(ctx context.Context, id string, p *model.Progress) error
	SetStatusMessage(ctx context.Context, id string, ref model.MessageRef) error
	GetActiveTaskForUser(ctx context.Context, userID int64) (*model.Task, error)
	ListTasksByStatus(ctx context.Context, statuses ...model.Status) ([]*model.Task, error)
	ListIdentities(ctx context.Context, userID int64) ([]model.Identity, error)
}
