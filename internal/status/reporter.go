package status

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"scrapebot/internal/deepscrape"
	"scrapebot/internal/eventbus"
	"scrapebot/internal/model"
	kit "scrapebot/internal/transport"
	logx "scrapebot/pkg/logx"
)

const DefaultEditEvery = 3 * time.Second

// Messenger posts and edits operator messages.
type Messenger interface {
	SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error)
	EditText(ctx context.Context, ref kit.MessageRef, text string, opt *kit.SendOptions) error
}

// TaskSource reads tasks and records replacement status messages.
type TaskSource interface {
	GetTask(ctx context.Context, id string) (*model.Task, error)
	SetStatusMessage(ctx context.Context, id string, ref model.MessageRef) error
}

// Reporter edits each task's status message as engine events arrive.
// Lifecycle changes are shown at once; progress edits are limited to one per
// interval per task, and the latest state is flushed when the interval ends.
type Reporter struct {
	bus   eventbus.Bus
	tasks TaskSource
	out   Messenger
	log   logx.Logger
	every time.Duration

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	pending  map[string]bool
}

func NewReporter(bus eventbus.Bus, tasks TaskSource, out Messenger, every time.Duration, log logx.Logger) *Reporter {
	if every <= 0 {
		every = DefaultEditEvery
	}
	return &Reporter{
		bus:      bus,
		tasks:    tasks,
		out:      out,
		log:      log.With(logx.String("comp", "status")),
		every:    every,
		limiters: map[string]*rate.Limiter{},
		pending:  map[string]bool{},
	}
}

// Run consumes bus events until ctx is done.
func (r *Reporter) Run(ctx context.Context) error {
	events, unsubscribe := r.bus.Subscribe(256)
	defer unsubscribe()

	tick := time.NewTicker(r.every)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if !strings.HasPrefix(ev.Type, "deepscrape.") || ev.TaskID == "" {
				continue
			}
			immediate := ev.Type == deepscrape.EventStatus
			if immediate || r.allow(ev.TaskID) {
				r.Flush(ctx, ev.TaskID)
			} else {
				r.mu.Lock()
				r.pending[ev.TaskID] = true
				r.mu.Unlock()
			}
		case <-tick.C:
			for _, id := range r.takePending() {
				r.Flush(ctx, id)
			}
		}
	}
}

func (r *Reporter) allow(taskID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	lim, ok := r.limiters[taskID]
	if !ok {
		lim = rate.NewLimiter(rate.Every(r.every), 1)
		r.limiters[taskID] = lim
	}
	return lim.Allow()
}

func (r *Reporter) takePending() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.pending))
	for id := range r.pending {
		out = append(out, id)
		delete(r.pending, id)
	}
	return out
}

func (r *Reporter) forget(taskID string) {
	r.mu.Lock()
	delete(r.limiters, taskID)
	delete(r.pending, taskID)
	r.mu.Unlock()
}

// Flush renders taskID's current state into its status message. A message
// that can no longer be edited is replaced by a new one.
func (r *Reporter) Flush(ctx context.Context, taskID string) {
	t, err := r.tasks.GetTask(ctx, taskID)
	if err != nil {
		r.log.Debug("status: load task failed", logx.String("task", taskID), logx.Err(err))
		return
	}
	if t.Status.Terminal() {
		defer r.forget(taskID)
	}
	ref := t.StatusMessage
	if ref.IsZero() {
		return
	}
	text := Render(t)
	opt := &kit.SendOptions{DisablePreview: true}

	err = r.out.EditText(ctx, kit.MessageRef{ChatID: ref.ChatID, MessageID: ref.MessageID}, text, opt)
	switch {
	case err == nil, errors.Is(err, kit.ErrNotModified):
		return
	case errors.Is(err, kit.ErrMessageGone):
		sent, serr := r.out.SendText(ctx, kit.ChatTarget{ChatID: ref.ChatID}, text, opt)
		if serr != nil {
			r.log.Warn("status: resend failed", logx.String("task", taskID), logx.Err(serr))
			return
		}
		next := model.MessageRef{ChatID: sent.ChatID, MessageID: sent.MessageID}
		if err := r.tasks.SetStatusMessage(ctx, taskID, next); err != nil {
			r.log.Warn("status: persist message ref failed", logx.String("task", taskID), logx.Err(err))
		}
	default:
		r.log.Debug("status: edit failed", logx.String("task", taskID), logx.Err(err))
	}
}
