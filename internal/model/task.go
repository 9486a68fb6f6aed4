// Package model holds the persisted records of the deep scrape engine.
package model

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

var (
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrUnknownLink       = errors.New("link is not part of the task")
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusStopped   Status = "stopped"
	StatusCompleted Status = "completed"
)

// Terminal statuses never change again.
func (s Status) Terminal() bool { return s == StatusStopped || s == StatusCompleted }

// Active statuses count toward the one-task-per-user limit.
func (s Status) Active() bool {
	return s == StatusPending || s == StatusRunning || s == StatusPaused
}

var transitions = map[Status][]Status{
	StatusPending: {StatusRunning, StatusStopped},
	StatusRunning: {StatusPaused, StatusStopped, StatusCompleted},
	StatusPaused:  {StatusRunning, StatusStopped},
}

// CanTransition reports whether from -> to is an edge of the task lifecycle.
// Re-asserting the current non-terminal status is allowed.
func CanTransition(from, to Status) bool {
	if from == to {
		return !from.Terminal()
	}
	return slices.Contains(transitions[from], to)
}

// Target is one destination channel. It never changes for a task.
type Target struct {
	Name   string `json:"name,omitempty"`
	ChatID int64  `json:"chat_id"`
}

func (t Target) String() string {
	if t.Name != "" {
		return t.Name
	}
	return fmt.Sprint(t.ChatID)
}

// SavedTarget is a named channel a user stored for reuse in commands.
type SavedTarget struct {
	UserID  int64     `json:"user_id"`
	Name    string    `json:"name"`
	ChatID  int64     `json:"chat_id"`
	AddedAt time.Time `json:"added_at"`
}

// Target returns the task destination for s.
func (s SavedTarget) Target() Target { return Target{Name: s.Name, ChatID: s.ChatID} }

// MessageRef points at the operator-visible status message.
type MessageRef struct {
	ChatID    int64 `json:"chat_id"`
	MessageID int   `json:"message_id"`
}

func (r MessageRef) IsZero() bool { return r.ChatID == 0 || r.MessageID == 0 }

// Progress is the in-flight snapshot for the link being processed.
type Progress struct {
	Link      string `json:"link"`
	Index     int    `json:"index"`
	Total     int    `json:"total"`
	Found     int    `json:"found"`
	Delivered int    `json:"delivered"`
}

// StatusChange is one lifecycle write. Reason is kept only while paused;
// ResumeAt marks a throttled pause that ends on its own.
type StatusChange struct {
	To       Status    `json:"to"`
	Reason   string    `json:"reason,omitempty"`
	ResumeAt time.Time `json:"resume_at,omitempty"`
}

type Task struct {
	ID     string `json:"id"`
	UserID int64  `json:"user_id"`
	Status Status `json:"status"`

	SeedURL string     `json:"seed_url"`
	Links   []string   `json:"links"`
	Targets []Target   `json:"targets"`
	Formats []Format   `json:"formats"`
	Range   *LinkRange `json:"range,omitempty"`
	Split   bool       `json:"split,omitempty"`
	Flat    bool       `json:"flat,omitempty"`

	Completed     []string   `json:"completed"`
	TopicsCreated int        `json:"topics_created"`
	Delivered     int        `json:"delivered"`
	Current       *Progress  `json:"current,omitempty"`
	PauseReason   string     `json:"pause_reason,omitempty"`
	ResumeAt      time.Time  `json:"resume_at,omitempty"`
	StatusMessage MessageRef `json:"status_message"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (t *Task) IsCompleted(link string) bool { return slices.Contains(t.Completed, link) }

// ApplyStatus validates and applies a lifecycle write.
func (t *Task) ApplyStatus(ch StatusChange, now time.Time) error {
	if !CanTransition(t.Status, ch.To) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, ch.To)
	}
	t.Status = ch.To
	if ch.To == StatusPaused {
		t.PauseReason = ch.Reason
		t.ResumeAt = ch.ResumeAt
	} else {
		t.PauseReason = ""
		t.ResumeAt = time.Time{}
	}
	if ch.To.Terminal() {
		t.Current = nil
	}
	t.UpdatedAt = now
	return nil
}

// MarkComplete appends link to the completed set and clears the matching
// in-flight snapshot. It reports false when the link was already complete.
func (t *Task) MarkComplete(link string, now time.Time) (bool, error) {
	if !slices.Contains(t.Links, link) {
		return false, fmt.Errorf("%w: %q", ErrUnknownLink, link)
	}
	if t.Current != nil && t.Current.Link == link {
		t.Current = nil
	}
	if t.IsCompleted(link) {
		return false, nil
	}
	t.Completed = append(t.Completed, link)
	t.UpdatedAt = now
	return true, nil
}

// AddDelivered bumps the task counter and the in-flight snapshot together.
func (t *Task) AddDelivered(n int, now time.Time) {
	if n <= 0 {
		return
	}
	t.Delivered += n
	if t.Current != nil {
		t.Current.Delivered += n
	}
	t.UpdatedAt = now
}

// Clone returns a deep copy so callers never share slices with a store.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	cp := *t
	cp.Links = slices.Clone(t.Links)
	cp.Targets = slices.Clone(t.Targets)
	cp.Formats = slices.Clone(t.Formats)
	cp.Completed = slices.Clone(t.Completed)
	if t.Range != nil {
		r := *t.Range
		cp.Range = &r
	}
	if t.Current != nil {
		p := *t.Current
		cp.Current = &p
	}
	return &cp
}

// Identity is a worker bot credential registered by a user.
type Identity struct {
	UserID   int64     `json:"user_id"`
	BotID    int64     `json:"bot_id"`
	Username string    `json:"username,omitempty"`
	Token    string    `json:"token"`
	AddedAt  time.Time `json:"added_at"`
}
