package deepscrape

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"scrapebot/internal/eventbus"
	"scrapebot/internal/model"
	logx "scrapebot/pkg/logx"
)

// ErrHalted is returned when a poll point observed that the task may no
// longer run (stopped or paused by the operator).
var ErrHalted = errors.New("task halted")

const persistTimeout = 5 * time.Second

// DeliveryRecorder persists the delivered counter.
type DeliveryRecorder interface {
	IncrementDelivered(ctx context.Context, id string, n int) error
}

// PollFunc is consulted before every pop; a non-nil error ends that loop.
type PollFunc func(ctx context.Context) error

// WorkItems expands extracted URLs into uploads: one item per (url, format),
// except archive which is a single item for the whole link.
func WorkItems(urls []string, formats []model.Format, archiveName string) []Item {
	if len(formats) == 0 {
		formats = []model.Format{model.FormatMedia}
	}
	var items []Item
	for _, f := range formats {
		if f == model.FormatArchive {
			items = append(items, Item{URLs: append([]string(nil), urls...), Format: f, Name: archiveName})
			continue
		}
		for _, u := range urls {
			items = append(items, Item{URLs: []string{u}, Format: f, Name: path.Base(u)})
		}
	}
	return items
}

// workQueue is the shared FIFO every identity loop drains.
type workQueue struct {
	mu    sync.Mutex
	items []Item
}

func (q *workQueue) pop() (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Item{}, false
	}
	it := q.items[0]
	q.items = q.items[1:]
	return it, true
}

func (q *workQueue) push(it Item) {
	q.mu.Lock()
	q.items = append(q.items, it)
	q.mu.Unlock()
}

type Dispatcher struct {
	recorder DeliveryRecorder
	log      logx.Logger
	events   publisher
	// padding is added to every signaled wait.
	padding time.Duration
}

func NewDispatcher(recorder DeliveryRecorder, bus eventbus.Bus, log logx.Logger, padding time.Duration) *Dispatcher {
	return &Dispatcher{
		recorder: recorder,
		log:      log.With(logx.String("comp", "dispatcher")),
		events:   publisher{bus: bus},
		padding:  padding,
	}
}

// Dispatch delivers items to dest using every identity concurrently and
// returns once every loop has exited. fallback is used when ids is empty.
//
// A throttled item goes back on the queue and only its identity sleeps; any
// other send error drops the item. Each success is persisted immediately.
func (d *Dispatcher) Dispatch(ctx context.Context, taskID string, items []Item, dest Destination, ids []*Identity, fallback *Identity, poll PollFunc) (int, error) {
	if len(ids) == 0 {
		if fallback == nil {
			return 0, ErrNoIdentity
		}
		ids = []*Identity{fallback}
	}
	q := &workQueue{items: append([]Item(nil), items...)}

	var (
		mu        sync.Mutex
		delivered int
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		g.Go(func() error {
			log := d.log.With(logx.String("task", taskID), logx.String("identity", id.Name()))
			for {
				if err := gctx.Err(); err != nil {
					return err
				}
				if poll != nil {
					if err := poll(gctx); err != nil {
						return err
					}
				}
				it, ok := q.pop()
				if !ok {
					return nil
				}
				if err := id.Pace(gctx); err != nil {
					q.push(it)
					return err
				}

				err := id.Messenger.SendItem(gctx, dest, it)
				if err == nil {
					// The item is already in the chat; a sibling halting the
					// group must not lose the count.
					pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
					rerr := d.recorder.IncrementDelivered(pctx, taskID, 1)
					cancel()
					if rerr != nil {
						log.Warn("persist delivered counter failed", logx.Err(rerr))
					}
					mu.Lock()
					delivered++
					mu.Unlock()
					d.events.publish(EventDelivered, taskID, EventData{Identity: id.Name()})
					continue
				}
				if wait, ok := RetryAfterOf(err); ok {
					q.push(it)
					wait += d.padding
					log.Warn("flood wait; requeued item", logx.Duration("wait", wait))
					d.events.publish(EventThrottled, taskID, EventData{Identity: id.Name(), Wait: wait})
					if err := sleepCtx(gctx, wait); err != nil {
						return err
					}
					continue
				}
				if gctx.Err() != nil {
					q.push(it)
					return gctx.Err()
				}
				log.Error("upload failed; item dropped", logx.String("format", string(it.Format)), logx.Any("urls", it.URLs), logx.Err(err))
				d.events.publish(EventDropped, taskID, EventData{Identity: id.Name(), Err: err.Error()})
			}
		})
	}
	err := g.Wait()

	mu.Lock()
	n := delivered
	mu.Unlock()
	if err != nil {
		return n, fmt.Errorf("dispatch: %w", err)
	}
	return n, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
