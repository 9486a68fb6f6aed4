package deepscrape

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"scrapebot/internal/eventbus"
	"scrapebot/internal/model"
	logx "scrapebot/pkg/logx"
)

const (
	DefaultMaxTopicRetries    = 5
	DefaultThrottlePadding    = 2 * time.Second
	DefaultExtractConcurrency = 2
	DefaultExtractTimeout     = 2 * time.Minute
	DefaultPollInterval       = 2 * time.Second
)

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	Store     TaskStore
	Extractor Extractor
	Registry  *Registry
	Bus       eventbus.Bus
	Log       logx.Logger
}

type Option func(*Orchestrator)

// WithCapacity overrides TopicsPerChannel (tests only; the platform limit is fixed).
func WithCapacity(n int) Option { return func(o *Orchestrator) { o.capacity = n } }

// WithMaxTopicRetries bounds throttled topic-creation retries per link.
func WithMaxTopicRetries(n int) Option { return func(o *Orchestrator) { o.maxTopicRetries = n } }

// WithThrottlePadding is added to every signaled flood wait.
func WithThrottlePadding(d time.Duration) Option { return func(o *Orchestrator) { o.padding = d } }

func WithExtractConcurrency(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.extractSem = semaphore.NewWeighted(int64(n))
		}
	}
}

func WithExtractTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.extractTimeout = d
		}
	}
}

// WithPollInterval sets how often identity loops re-read the task status.
func WithPollInterval(d time.Duration) Option { return func(o *Orchestrator) { o.pollInterval = d } }

// Orchestrator drives one task at a time through its links. It is safe to
// run many tasks concurrently on one Orchestrator; they share the
// extraction semaphore and the identity registry.
type Orchestrator struct {
	store      TaskStore
	extractor  Extractor
	registry   *Registry
	dispatcher *Dispatcher
	events     publisher
	log        logx.Logger

	capacity        int
	maxTopicRetries int
	padding         time.Duration
	extractSem      *semaphore.Weighted
	extractTimeout  time.Duration
	pollInterval    time.Duration
}

func NewOrchestrator(d Deps, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:           d.Store,
		extractor:       d.Extractor,
		registry:        d.Registry,
		events:          publisher{bus: d.Bus},
		log:             d.Log.With(logx.String("comp", "orchestrator")),
		capacity:        TopicsPerChannel,
		maxTopicRetries: DefaultMaxTopicRetries,
		padding:         DefaultThrottlePadding,
		extractSem:      semaphore.NewWeighted(DefaultExtractConcurrency),
		extractTimeout:  DefaultExtractTimeout,
		pollInterval:    DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.dispatcher = NewDispatcher(d.Store, d.Bus, d.Log, o.padding)
	return o
}

// Run processes the task until it completes, is halted by a status write,
// or hits a structural failure. Any unexpected error or panic pauses the
// task with the error text; a canceled ctx leaves it running for resume.
func (o *Orchestrator) Run(ctx context.Context, taskID string) (err error) {
	log := o.log.With(logx.String("task", taskID))
	defer func() {
		if r := recover(); r != nil {
			log.Error("task loop panicked", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			err = fmt.Errorf("panic: %v", r)
		}
		if err == nil || ctx.Err() != nil {
			return
		}
		log.Error("task paused after unexpected error", logx.Err(err))
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if perr := o.pause(pctx, taskID, "unexpected error: "+err.Error(), time.Time{}); perr != nil {
			log.Error("pause after error failed", logx.Err(perr))
		}
	}()

	t, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("load task: %w", err)
	}
	ok, err := o.start(ctx, t)
	if err != nil || !ok {
		return err
	}

	if halted, err := o.preflight(ctx, t); err != nil || halted {
		return err
	}

	ids := o.identities(ctx, t.UserID, log)
	sender, err := o.topicSender(ids)
	if err != nil {
		return o.pause(ctx, taskID, err.Error(), time.Time{})
	}
	log.Info("task running", logx.Int("identities", len(ids)), logx.Int("links", len(t.Links)))

	for {
		// Poll point: the persisted status decides whether we may continue.
		t, err = o.store.GetTask(ctx, taskID)
		if err != nil {
			return fmt.Errorf("reload task: %w", err)
		}
		if t.Status != model.StatusRunning {
			log.Info("task left running; loop exits", logx.String("status", string(t.Status)))
			return nil
		}
		pending := PendingLinks(t)
		if len(pending) == 0 {
			return o.complete(ctx, t)
		}
		halted, err := o.processLink(ctx, t, pending[0], ids, sender, log)
		if err != nil || halted {
			return err
		}
	}
}

// start moves the task into running. It reports false when the task must
// not run (terminal, or paused by the operator).
func (o *Orchestrator) start(ctx context.Context, t *model.Task) (bool, error) {
	switch t.Status {
	case model.StatusRunning:
		return true, nil
	case model.StatusPending:
		if err := o.setStatus(ctx, t, model.StatusChange{To: model.StatusRunning}); err != nil {
			return false, err
		}
		return true, nil
	case model.StatusPaused:
		if t.ResumeAt.IsZero() {
			return false, nil
		}
		return o.awaitResume(ctx, t, t.ResumeAt)
	default:
		return false, nil
	}
}

// preflight refuses to start a split task whose channels cannot hold every
// in-range link.
func (o *Orchestrator) preflight(ctx context.Context, t *model.Task) (bool, error) {
	if len(t.Targets) == 0 {
		return true, o.pause(ctx, t.ID, ErrNoTargets.Error(), time.Time{})
	}
	if !t.Split {
		return false, nil
	}
	n := len(ApplyRange(t.Links, t.Range))
	if need := ChannelsNeeded(n, o.capacity); need > len(t.Targets) {
		reason := fmt.Sprintf("%d links need %d channels (%d topics each) but only %d were given; add channels and resume",
			n, need, o.capacity, len(t.Targets))
		return true, o.pause(ctx, t.ID, reason, time.Time{})
	}
	return false, nil
}

func (o *Orchestrator) identities(ctx context.Context, userID int64, log logx.Logger) []*Identity {
	creds, err := o.store.ListIdentities(ctx, userID)
	if err != nil {
		log.Warn("list identities failed; using primary", logx.Err(err))
		return nil
	}
	ids := make([]*Identity, 0, len(creds))
	for _, c := range creds {
		id, err := o.registry.Get(ctx, c.Token)
		if err != nil {
			log.Warn("worker unavailable", logx.Int64("bot_id", c.BotID), logx.Err(err))
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

// topicSender is the identity that creates topics: the operator bot, or the
// first worker when no primary is configured.
func (o *Orchestrator) topicSender(ids []*Identity) (*Identity, error) {
	if p, err := o.registry.Primary(); err == nil {
		return p, nil
	}
	if len(ids) > 0 {
		return ids[0], nil
	}
	return nil, ErrNoIdentity
}

func (o *Orchestrator) processLink(ctx context.Context, t *model.Task, link PendingLink, ids []*Identity, sender *Identity, log logx.Logger) (bool, error) {
	log = log.With(logx.String("link", link.URL), logx.Int("index", link.Index))
	total := len(ApplyRange(t.Links, t.Range))

	target, err := Route(t, link.Index, o.capacity)
	if err != nil {
		if errors.Is(err, ErrChannelsExhausted) || errors.Is(err, ErrNoTargets) {
			return true, o.pause(ctx, t.ID, err.Error(), time.Time{})
		}
		return false, err
	}

	progress := &model.Progress{Link: link.URL, Index: link.Index, Total: total}
	if err := o.store.SetProgress(ctx, t.ID, progress); err != nil {
		return false, fmt.Errorf("set progress: %w", err)
	}
	o.events.publish(EventLinkStarted, t.ID, EventData{UserID: t.UserID, Link: link.URL, Index: link.Index, Total: total})

	urls, err := o.extract(ctx, link.URL)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		log.Warn("extraction failed; link treated as empty", logx.Err(err))
		urls = nil
	}

	// Extraction is slow; a stop issued meanwhile wins.
	cur, err := o.store.GetTask(ctx, t.ID)
	if err != nil {
		return false, fmt.Errorf("reload task: %w", err)
	}
	if cur.Status != model.StatusRunning {
		return true, nil
	}

	if len(urls) == 0 {
		log.Debug("no items; link completed without topic")
		return false, o.finishLink(ctx, t, link, 0)
	}
	progress.Found = len(urls)
	if err := o.store.SetProgress(ctx, t.ID, progress); err != nil {
		return false, fmt.Errorf("set progress: %w", err)
	}
	o.events.publish(EventLinkFound, t.ID, EventData{UserID: t.UserID, Link: link.URL, Found: len(urls)})

	title := TopicTitle(link.URL)
	dest, outcome, err := o.openTopic(ctx, t, target, title, link.URL, sender, log)
	if err != nil {
		return false, err
	}
	switch outcome {
	case topicHalted:
		return true, nil
	case topicSkipped:
		return false, o.finishLink(ctx, t, link, 0)
	}

	items := WorkItems(urls, t.Formats, archiveName(title))
	delivered, err := o.dispatcher.Dispatch(ctx, t.ID, items, dest, ids, sender, o.poller(t.ID))
	if err != nil {
		if errors.Is(err, ErrHalted) {
			log.Info("halted mid-link; link stays pending", logx.Int("delivered", delivered))
			return true, nil
		}
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return false, err
	}
	log.Info("link delivered", logx.Int("items", len(items)), logx.Int("delivered", delivered))
	return false, o.finishLink(ctx, t, link, delivered)
}

func (o *Orchestrator) finishLink(ctx context.Context, t *model.Task, link PendingLink, delivered int) error {
	if err := o.store.MarkLinkComplete(ctx, t.ID, link.URL); err != nil {
		return fmt.Errorf("mark link complete: %w", err)
	}
	o.events.publish(EventLinkDone, t.ID, EventData{UserID: t.UserID, Link: link.URL, Index: link.Index, Delivered: delivered})
	return nil
}

type topicOutcome int

const (
	topicReady topicOutcome = iota
	topicSkipped
	topicHalted
)

// openTopic creates the link's topic (or posts a separator in flat mode).
// Throttling pauses the task for the signaled wait and retries, at most
// maxTopicRetries times.
func (o *Orchestrator) openTopic(ctx context.Context, t *model.Task, target model.Target, title, link string, sender *Identity, log logx.Logger) (Destination, topicOutcome, error) {
	for attempt := 0; ; attempt++ {
		var (
			thread int
			err    error
		)
		if t.Flat {
			err = sender.Messenger.SendText(ctx, Destination{ChatID: target.ChatID}, separatorText(title, link))
		} else {
			thread, err = sender.Messenger.CreateTopic(ctx, target.ChatID, title)
		}
		if err == nil {
			if !t.Flat {
				if err := o.store.IncrementTopics(ctx, t.ID, 1); err != nil {
					log.Warn("persist topic counter failed", logx.Err(err))
				}
				o.events.publish(EventTopicCreated, t.ID, EventData{UserID: t.UserID, Target: target, ThreadID: thread, Link: link})
			}
			return Destination{ChatID: target.ChatID, ThreadID: thread}, topicReady, nil
		}

		wait, throttled := RetryAfterOf(err)
		if !throttled {
			if ctx.Err() != nil {
				return Destination{}, topicHalted, ctx.Err()
			}
			log.Warn("topic creation failed; link skipped", logx.String("target", target.String()), logx.Err(err))
			return Destination{}, topicSkipped, nil
		}
		if attempt >= o.maxTopicRetries {
			reason := fmt.Sprintf("throttling exhausted after %d topic retries (last wait %s)", attempt, wait)
			return Destination{}, topicHalted, o.pause(ctx, t.ID, reason, time.Time{})
		}

		wait += o.padding
		until := time.Now().Add(wait).UTC().Truncate(time.Millisecond)
		log.Warn("topic creation throttled; task paused", logx.Duration("wait", wait), logx.Int("attempt", attempt+1))
		o.events.publish(EventThrottled, t.ID, EventData{UserID: t.UserID, Wait: wait})
		if err := o.pause(ctx, t.ID, fmt.Sprintf("flood control: retrying in %s", wait.Round(time.Second)), until); err != nil {
			return Destination{}, topicHalted, err
		}
		ok, err := o.awaitResume(ctx, t, until)
		if err != nil {
			return Destination{}, topicHalted, err
		}
		if !ok {
			return Destination{}, topicHalted, nil
		}
	}
}

// awaitResume sleeps until a throttled pause ends and moves the task back to
// running. It reports false when the operator stopped or re-paused the task
// meanwhile.
func (o *Orchestrator) awaitResume(ctx context.Context, t *model.Task, until time.Time) (bool, error) {
	if err := sleepCtx(ctx, time.Until(until)); err != nil {
		return false, err
	}
	cur, err := o.store.GetTask(ctx, t.ID)
	if err != nil {
		return false, fmt.Errorf("reload task: %w", err)
	}
	switch {
	case cur.Status == model.StatusRunning:
		return true, nil
	case cur.Status == model.StatusPaused && cur.ResumeAt.Equal(until):
		err := o.setStatus(ctx, cur, model.StatusChange{To: model.StatusRunning})
		if errors.Is(err, model.ErrInvalidTransition) {
			return false, nil
		}
		return err == nil, err
	default:
		return false, nil
	}
}

func (o *Orchestrator) extract(ctx context.Context, pageURL string) ([]string, error) {
	if err := o.extractSem.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	ectx, cancel := context.WithTimeout(ctx, o.extractTimeout)
	defer cancel()

	type result struct {
		urls []string
		err  error
	}
	done := make(chan result, 1)
	// The slot is held until the fetch returns, even past a timeout, since
	// the underlying request is not cancelled with ectx.
	go func() {
		defer o.extractSem.Release(1)
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("extractor panic: %v", r)}
			}
		}()
		urls, err := o.extractor.Extract(ectx, pageURL)
		done <- result{urls: urls, err: err}
	}()

	select {
	case <-ectx.Done():
		return nil, ectx.Err()
	case r := <-done:
		return r.urls, r.err
	}
}

// poller re-reads the task status at most once per pollInterval.
func (o *Orchestrator) poller(taskID string) PollFunc {
	var (
		mu   sync.Mutex
		last time.Time
	)
	return func(ctx context.Context) error {
		mu.Lock()
		defer mu.Unlock()
		if !last.IsZero() && time.Since(last) < o.pollInterval {
			return nil
		}
		last = time.Now()
		t, err := o.store.GetTask(ctx, taskID)
		if err != nil {
			return nil
		}
		if t.Status != model.StatusRunning {
			return ErrHalted
		}
		return nil
	}
}

func (o *Orchestrator) complete(ctx context.Context, t *model.Task) error {
	err := o.setStatus(ctx, t, model.StatusChange{To: model.StatusCompleted})
	if errors.Is(err, model.ErrInvalidTransition) {
		return nil
	}
	if err == nil {
		o.log.Info("task completed", logx.String("task", t.ID), logx.Int("links", len(t.Completed)))
	}
	return err
}

// pause moves the task to paused. A task stopped concurrently stays stopped.
func (o *Orchestrator) pause(ctx context.Context, taskID, reason string, until time.Time) error {
	t, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	err = o.setStatus(ctx, t, model.StatusChange{To: model.StatusPaused, Reason: reason, ResumeAt: until})
	if errors.Is(err, model.ErrInvalidTransition) {
		return nil
	}
	return err
}

func (o *Orchestrator) setStatus(ctx context.Context, t *model.Task, ch model.StatusChange) error {
	if err := o.store.UpdateStatus(ctx, t.ID, ch); err != nil {
		return err
	}
	o.events.publish(EventStatus, t.ID, EventData{UserID: t.UserID, Status: ch.To, Reason: ch.Reason})
	return nil
}
