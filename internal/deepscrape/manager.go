package deepscrape

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"scrapebot/internal/config"
	"scrapebot/internal/model"
	"scrapebot/internal/runtime/supervisor"
	"scrapebot/internal/storage"
	logx "scrapebot/pkg/logx"
)

var (
	ErrTaskActive   = errors.New("user already has an active task")
	ErrNoActiveTask = errors.New("no active task")
	ErrNoLinks      = errors.New("no links discovered on the seed page")
	ErrInvalidSeed  = errors.New("seed must be an absolute http(s) url")
)

// Request describes a new deep scrape.
type Request struct {
	UserID  int64
	SeedURL string
	Targets []model.Target
	Formats []model.Format
	Range   *model.LinkRange
	Split   bool
	Flat    bool
	// Single skips discovery and scrapes the seed page itself.
	Single bool
	// StatusMessage is the operator message later edited with progress.
	StatusMessage model.MessageRef
}

// Manager owns the task goroutines: one per running task, never two for
// the same task. Operator commands are plain status writes; the manager only
// (re)launches.
type Manager struct {
	store      TaskStore
	orch       *Orchestrator
	discoverer Discoverer
	sup        *supervisor.Supervisor
	log        logx.Logger

	sweepSpec string
	cron      *cron.Cron

	// createMu serializes the one-active-task-per-user check with creation.
	createMu sync.Mutex
}

type ManagerConfig struct {
	// ResumeSweep is a cron spec (e.g. "@every 1m"); empty disables the sweep.
	ResumeSweep string
	Location    *time.Location
}

func NewManager(store TaskStore, orch *Orchestrator, discoverer Discoverer, log logx.Logger, cfg ManagerConfig) *Manager {
	log = log.With(logx.String("comp", "deepscrape"))
	loc := cfg.Location
	if loc == nil {
		loc = time.Local
	}
	return &Manager{
		store:      store,
		orch:       orch,
		discoverer: discoverer,
		log:        log,
		sweepSpec:  strings.TrimSpace(cfg.ResumeSweep),
		cron:       cron.New(cron.WithParser(config.CronParser()), cron.WithLocation(loc)),
	}
}

// Start relaunches tasks interrupted by a crash and schedules the sweep.
func (m *Manager) Start(ctx context.Context) error {
	m.sup = supervisor.New(ctx, supervisor.WithLogger(m.log))
	n, err := m.Sweep(ctx)
	if err != nil {
		return fmt.Errorf("resume tasks: %w", err)
	}
	if n > 0 {
		m.log.Info("resumed tasks after restart", logx.Int("count", n))
	}
	if m.sweepSpec != "" {
		if _, err := m.cron.AddFunc(m.sweepSpec, func() {
			if _, err := m.Sweep(m.sup.Context()); err != nil {
				m.log.Warn("resume sweep failed", logx.Err(err))
			}
		}); err != nil {
			return fmt.Errorf("resume sweep %q: %w", m.sweepSpec, err)
		}
		m.cron.Start()
	}
	return nil
}

// Stop halts the sweep and waits for task goroutines. Tasks stay in their
// persisted status and resume on the next Start.
func (m *Manager) Stop(ctx context.Context) error {
	if m.sup == nil {
		return nil
	}
	cctx := m.cron.Stop()
	select {
	case <-cctx.Done():
	case <-ctx.Done():
	}
	err := m.sup.Stop(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}

// Sweep launches every runnable task without a live goroutine: running or
// pending ones, and throttled pauses that end on their own.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	tasks, err := m.store.ListTasksByStatus(ctx, model.StatusRunning, model.StatusPending, model.StatusPaused)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, t := range tasks {
		if t.Status == model.StatusPaused && t.ResumeAt.IsZero() {
			continue
		}
		if m.launch(t.ID) {
			n++
		}
	}
	return n, nil
}

// Running reports whether the task has a live goroutine.
func (m *Manager) Running(taskID string) bool {
	return m.sup != nil && m.sup.Running(goroutineName(taskID))
}

// RunningCount is the number of live task goroutines.
func (m *Manager) RunningCount() int {
	if m.sup == nil {
		return 0
	}
	return int(m.sup.Counters().Active)
}

func goroutineName(taskID string) string { return "task:" + taskID }

func (m *Manager) launch(taskID string) bool {
	if m.sup == nil {
		return false
	}
	return m.sup.TryGo(goroutineName(taskID), func(ctx context.Context) error {
		if err := m.orch.Run(ctx, taskID); err != nil && ctx.Err() == nil {
			m.log.Warn("task loop ended with error", logx.String("task", taskID), logx.Err(err))
		}
		return nil
	})
}

// Submit discovers the seed's links, stores the task and starts it.
func (m *Manager) Submit(ctx context.Context, req Request) (*model.Task, error) {
	u, err := url.Parse(strings.TrimSpace(req.SeedURL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, ErrInvalidSeed
	}
	if len(req.Targets) == 0 {
		return nil, ErrNoTargets
	}

	if err := m.ensureNoActive(ctx, req.UserID); err != nil {
		return nil, err
	}
	links := []string{u.String()}
	if !req.Single {
		links, err = m.discoverer.Discover(ctx, u.String())
		if err != nil {
			return nil, fmt.Errorf("discover links: %w", err)
		}
		if len(links) == 0 {
			return nil, ErrNoLinks
		}
	}
	formats := req.Formats
	if len(formats) == 0 {
		formats = []model.Format{model.FormatMedia}
	}

	t := &model.Task{
		UserID:        req.UserID,
		SeedURL:       u.String(),
		Links:         links,
		Targets:       req.Targets,
		Formats:       formats,
		Range:         req.Range,
		Split:         req.Split,
		Flat:          req.Flat,
		StatusMessage: req.StatusMessage,
	}

	// Discovery is slow; re-check under the lock before creating.
	m.createMu.Lock()
	if err := m.ensureNoActive(ctx, req.UserID); err != nil {
		m.createMu.Unlock()
		return nil, err
	}
	id, err := m.store.CreateTask(ctx, t)
	m.createMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	m.log.Info("task created", logx.String("task", id), logx.Int64("user", req.UserID), logx.Int("links", len(links)))
	m.launch(id)
	return m.store.GetTask(ctx, id)
}

func (m *Manager) ensureNoActive(ctx context.Context, userID int64) error {
	_, err := m.store.GetActiveTaskForUser(ctx, userID)
	switch {
	case err == nil:
		return ErrTaskActive
	case errors.Is(err, storage.ErrNotFound):
		return nil
	default:
		return err
	}
}

// Active returns the user's current task.
func (m *Manager) Active(ctx context.Context, userID int64) (*model.Task, error) {
	t, err := m.store.GetActiveTaskForUser(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNoActiveTask
	}
	return t, err
}

// StopTask marks the user's task stopped; its loop exits at the next poll point.
func (m *Manager) StopTask(ctx context.Context, userID int64) (*model.Task, error) {
	return m.transition(ctx, userID, model.StatusChange{To: model.StatusStopped})
}

// PauseTask marks the user's task paused by the operator.
func (m *Manager) PauseTask(ctx context.Context, userID int64) (*model.Task, error) {
	return m.transition(ctx, userID, model.StatusChange{To: model.StatusPaused, Reason: "paused by operator"})
}

// ResumeTask moves a paused task back to running and relaunches it.
func (m *Manager) ResumeTask(ctx context.Context, userID int64) (*model.Task, error) {
	t, err := m.transition(ctx, userID, model.StatusChange{To: model.StatusRunning})
	if err != nil {
		return nil, err
	}
	m.launch(t.ID)
	return t, nil
}

func (m *Manager) transition(ctx context.Context, userID int64, ch model.StatusChange) (*model.Task, error) {
	t, err := m.Active(ctx, userID)
	if err != nil {
		return nil, err
	}
	if err := m.store.UpdateStatus(ctx, t.ID, ch); err != nil {
		return nil, err
	}
	m.orch.events.publish(EventStatus, t.ID, EventData{UserID: t.UserID, Status: ch.To, Reason: ch.Reason})
	m.log.Info("task status set by operator", logx.String("task", t.ID), logx.String("status", string(ch.To)))
	return m.store.GetTask(ctx, t.ID)
}

// AttachStatusMessage records which operator message shows the task's progress.
func (m *Manager) AttachStatusMessage(ctx context.Context, taskID string, ref model.MessageRef) error {
	return m.store.SetStatusMessage(ctx, taskID, ref)
}
