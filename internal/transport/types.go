package transport

import (
	"context"
	"errors"
)

var (
	// ErrMessageGone is returned by EditText when the referenced message no
	// longer exists (deleted by the user, or never delivered).
	ErrMessageGone = errors.New("message to edit not found")

	// ErrNotModified is returned by EditText when the new text equals the old one.
	ErrNotModified = errors.New("message is not modified")
)

type UpdateKind string

const (
	UpdateMessage UpdateKind = "message"
)

type Update struct {
	Kind    UpdateKind
	Message *Message
}

type Message struct {
	ID           int
	ChatID       int64
	ThreadID     int // telegram forum topic thread id (0 if none)
	FromID       int64
	FromUsername string
	Text         string
}

type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

func (r MessageRef) IsZero() bool { return r.ChatID == 0 || r.MessageID == 0 }

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// TextSender is the minimal port used by sinks that only post text
// (log forwarding, status reports).
type TextSender interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
}

// Adapter is the operator-facing bot: it receives commands and posts/edits
// status messages.
type Adapter interface {
	TextSender

	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	EditText(ctx context.Context, ref MessageRef, text string, opt *SendOptions) error
}

// BotCommand is one entry of the bot's command menu.
type BotCommand struct {
	Command     string
	Description string
}
