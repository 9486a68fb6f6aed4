package deepscrape

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"scrapebot/internal/model"
)

const (
	linkA = "https://site.test/gallery/a"
	linkB = "https://site.test/gallery/b"
	linkC = "https://site.test/gallery/c"
)

func baseTask(links ...string) *model.Task {
	return &model.Task{
		UserID:  1,
		SeedURL: "https://site.test/gallery",
		Links:   links,
		Targets: []model.Target{{Name: "main", ChatID: -100}},
		Formats: []model.Format{model.FormatMedia},
	}
}

// primaryOnly returns a registry whose only identity is the operator bot.
func primaryOnly(t *testing.T, m *fakeMessenger) *Registry {
	t.Helper()
	reg := newTestRegistry(t, map[string]*fakeMessenger{"10:primary": m})
	if _, err := reg.SetPrimary(context.Background(), "10:primary"); err != nil {
		t.Fatalf("set primary: %v", err)
	}
	return reg
}

func TestRunEndToEnd(t *testing.T) {
	ctx := testContext(t)
	st := newTestStore(t)
	primary, w1, w2 := &fakeMessenger{}, &fakeMessenger{}, &fakeMessenger{}
	reg := newTestRegistry(t, map[string]*fakeMessenger{"10:p": primary, "11:w": w1, "12:w": w2})
	if _, err := reg.SetPrimary(ctx, "10:p"); err != nil {
		t.Fatalf("set primary: %v", err)
	}
	for _, tok := range []string{"11:w", "12:w"} {
		botID, _ := BotIDFromToken(tok)
		if err := st.PutIdentity(ctx, model.Identity{UserID: 1, BotID: botID, Token: tok}); err != nil {
			t.Fatalf("put identity: %v", err)
		}
	}
	ext := &fakeExtractor{results: map[string][]string{linkA: {"https://cdn.test/x.jpg", "https://cdn.test/y.jpg"}}}
	id := createTask(t, st, baseTask(linkA, linkB))

	o := newTestOrchestrator(st, ext, reg, WithCapacity(180))
	if err := o.Run(ctx, id); err != nil {
		t.Fatalf("run: %v", err)
	}

	got := mustGet(t, st, id)
	if got.Status != model.StatusCompleted {
		t.Fatalf("status=%s reason=%q", got.Status, got.PauseReason)
	}
	if !slices.Equal(got.Completed, []string{linkA, linkB}) {
		t.Fatalf("completed=%v", got.Completed)
	}
	if got.TopicsCreated != 1 || got.Delivered != 2 {
		t.Fatalf("topics=%d delivered=%d", got.TopicsCreated, got.Delivered)
	}
	// Only the link with items gets a topic; the operator bot creates it.
	if fmt.Sprint(primary.topics) != "[gallery-a]" || primary.topicChats[0] != -100 {
		t.Fatalf("topics=%v chats=%v", primary.topics, primary.topicChats)
	}
	if len(primary.sent) != 0 {
		t.Fatalf("primary uploaded while workers were available")
	}
	delivered := append(w1.sentURLs(), w2.sentURLs()...)
	sort.Strings(delivered)
	if fmt.Sprint(delivered) != "[https://cdn.test/x.jpg https://cdn.test/y.jpg]" {
		t.Fatalf("delivered %v", delivered)
	}
	for _, s := range append(w1.sent, w2.sent...) {
		if s.To.ChatID != -100 || s.To.ThreadID == 0 {
			t.Fatalf("item sent to %+v", s.To)
		}
	}
}

func TestRunStopBetweenLinks(t *testing.T) {
	ctx := testContext(t)
	base := newTestStore(t)
	var id string
	st := &hookStore{Store: base}
	st.afterComplete = func(link string) {
		if link == linkA {
			if err := base.UpdateStatus(context.Background(), id, model.StatusChange{To: model.StatusStopped}); err != nil {
				t.Errorf("stop: %v", err)
			}
		}
	}
	ext := &fakeExtractor{results: map[string][]string{linkA: {"u1"}, linkB: {"u2"}}}
	m := &fakeMessenger{}
	id = createTask(t, st, baseTask(linkA, linkB))

	if err := newTestOrchestrator(st, ext, primaryOnly(t, m)).Run(ctx, id); err != nil {
		t.Fatalf("run: %v", err)
	}
	got := mustGet(t, st, id)
	if got.Status != model.StatusStopped {
		t.Fatalf("status=%s", got.Status)
	}
	if !slices.Equal(got.Completed, []string{linkA}) {
		t.Fatalf("completed=%v", got.Completed)
	}
	if calls := ext.called(); !slices.Equal(calls, []string{linkA}) {
		t.Fatalf("link b was touched after stop: %v", calls)
	}
}

func TestRunResumesAfterCrash(t *testing.T) {
	st := newTestStore(t)
	ext := &fakeExtractor{results: map[string][]string{
		linkA: {"x", "y"},
		linkB: {"z"},
	}}
	m := &fakeMessenger{}
	reg := primaryOnly(t, m)
	id := createTask(t, st, baseTask(linkA, linkB))

	// First run dies in the middle of link a.
	ctx1, crash := context.WithCancel(context.Background())
	defer crash()
	sends := 0
	m.onSend = func(Item) error {
		sends++
		if sends == 2 {
			crash()
			return errors.New("connection reset")
		}
		return nil
	}
	if err := newTestOrchestrator(st, ext, reg).Run(ctx1, id); !errors.Is(err, context.Canceled) {
		t.Fatalf("crashed run: %v", err)
	}
	mid := mustGet(t, st, id)
	if mid.Status != model.StatusRunning {
		t.Fatalf("crash changed status to %s", mid.Status)
	}
	if len(mid.Completed) != 0 || mid.Delivered != 1 {
		t.Fatalf("after crash completed=%v delivered=%d", mid.Completed, mid.Delivered)
	}

	m.onSend = nil
	if err := newTestOrchestrator(st, ext, reg).Run(testContext(t), id); err != nil {
		t.Fatalf("resumed run: %v", err)
	}
	got := mustGet(t, st, id)
	if got.Status != model.StatusCompleted || !slices.Equal(got.Completed, []string{linkA, linkB}) {
		t.Fatalf("status=%s completed=%v", got.Status, got.Completed)
	}
	// Link a is redone once; nothing is skipped.
	if calls := ext.called(); !slices.Equal(calls, []string{linkA, linkA, linkB}) {
		t.Fatalf("extract calls %v", calls)
	}
	if got.Delivered != 4 {
		t.Fatalf("delivered=%d", got.Delivered)
	}
}

func TestRunTopicThrottleRetries(t *testing.T) {
	st := newTestStore(t)
	m := &fakeMessenger{onTopic: func(call int, _ int64, _ string) (int, error) {
		if call < 2 {
			return 0, RetryAfter(errors.New("Too Many Requests"), 5*time.Millisecond)
		}
		return 77, nil
	}}
	ext := &fakeExtractor{results: map[string][]string{linkA: {"u"}}}
	id := createTask(t, st, baseTask(linkA))

	if err := newTestOrchestrator(st, ext, primaryOnly(t, m)).Run(testContext(t), id); err != nil {
		t.Fatalf("run: %v", err)
	}
	got := mustGet(t, st, id)
	if got.Status != model.StatusCompleted {
		t.Fatalf("status=%s reason=%q", got.Status, got.PauseReason)
	}
	if m.topicCalls() != 3 || got.TopicsCreated != 1 {
		t.Fatalf("topic calls=%d created=%d", m.topicCalls(), got.TopicsCreated)
	}
	if len(m.sent) != 1 || m.sent[0].To.ThreadID != 77 {
		t.Fatalf("sent %+v", m.sent)
	}
	if got.PauseReason != "" || !got.ResumeAt.IsZero() {
		t.Fatalf("pause fields not cleared: %q %v", got.PauseReason, got.ResumeAt)
	}
}

func TestRunTopicThrottleExhausted(t *testing.T) {
	st := newTestStore(t)
	m := &fakeMessenger{onTopic: func(int, int64, string) (int, error) {
		return 0, RetryAfter(errors.New("Too Many Requests"), time.Millisecond)
	}}
	ext := &fakeExtractor{results: map[string][]string{linkA: {"u"}}}
	id := createTask(t, st, baseTask(linkA))

	o := newTestOrchestrator(st, ext, primaryOnly(t, m), WithMaxTopicRetries(2))
	if err := o.Run(testContext(t), id); err != nil {
		t.Fatalf("run: %v", err)
	}
	got := mustGet(t, st, id)
	if got.Status != model.StatusPaused || !strings.Contains(got.PauseReason, "throttling exhausted") {
		t.Fatalf("status=%s reason=%q", got.Status, got.PauseReason)
	}
	if !got.ResumeAt.IsZero() {
		t.Fatalf("exhausted pause must wait for the operator, resume_at=%v", got.ResumeAt)
	}
	if m.topicCalls() != 3 || len(got.Completed) != 0 {
		t.Fatalf("topic calls=%d completed=%v", m.topicCalls(), got.Completed)
	}
}

func TestRunTopicFailureSkipsLink(t *testing.T) {
	st := newTestStore(t)
	m := &fakeMessenger{onTopic: func(int, int64, string) (int, error) {
		return 0, errors.New("not enough rights to create a topic")
	}}
	ext := &fakeExtractor{results: map[string][]string{linkA: {"u"}, linkB: {"v"}}}
	id := createTask(t, st, baseTask(linkA, linkB))

	if err := newTestOrchestrator(st, ext, primaryOnly(t, m)).Run(testContext(t), id); err != nil {
		t.Fatalf("run: %v", err)
	}
	got := mustGet(t, st, id)
	if got.Status != model.StatusCompleted || len(got.Completed) != 2 {
		t.Fatalf("status=%s completed=%v", got.Status, got.Completed)
	}
	if len(m.sent) != 0 || got.Delivered != 0 {
		t.Fatalf("items sent without a topic")
	}
}

func TestRunSplitPreflightPauses(t *testing.T) {
	st := newTestStore(t)
	task := baseTask(linkA, linkB, linkC)
	task.Split = true
	task.Targets = []model.Target{{ChatID: -100}, {ChatID: -200}}
	id := createTask(t, st, task)
	ext := &fakeExtractor{}

	if err := newTestOrchestrator(st, ext, primaryOnly(t, &fakeMessenger{}), WithCapacity(1)).Run(testContext(t), id); err != nil {
		t.Fatalf("run: %v", err)
	}
	got := mustGet(t, st, id)
	if got.Status != model.StatusPaused || !strings.Contains(got.PauseReason, "need 3 channels") {
		t.Fatalf("status=%s reason=%q", got.Status, got.PauseReason)
	}
	if len(ext.called()) != 0 {
		t.Fatalf("links processed despite insufficient channels")
	}
}

func TestRunSplitRoutesByIndex(t *testing.T) {
	st := newTestStore(t)
	task := baseTask(linkA, linkB)
	task.Split = true
	task.Targets = []model.Target{{ChatID: -100}, {ChatID: -200}}
	id := createTask(t, st, task)
	m := &fakeMessenger{}
	ext := &fakeExtractor{results: map[string][]string{linkA: {"u"}, linkB: {"v"}}}

	if err := newTestOrchestrator(st, ext, primaryOnly(t, m), WithCapacity(1)).Run(testContext(t), id); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !slices.Equal(m.topicChats, []int64{-100, -200}) {
		t.Fatalf("topic chats %v", m.topicChats)
	}
	if mustGet(t, st, id).Status != model.StatusCompleted {
		t.Fatalf("not completed")
	}
}

func TestRunRangeRestrictsLinks(t *testing.T) {
	st := newTestStore(t)
	task := baseTask(linkA, linkB, linkC)
	task.Range = &model.LinkRange{Start: 2, End: 2}
	id := createTask(t, st, task)
	ext := &fakeExtractor{}

	if err := newTestOrchestrator(st, ext, primaryOnly(t, &fakeMessenger{})).Run(testContext(t), id); err != nil {
		t.Fatalf("run: %v", err)
	}
	got := mustGet(t, st, id)
	if got.Status != model.StatusCompleted || !slices.Equal(got.Completed, []string{linkB}) {
		t.Fatalf("status=%s completed=%v", got.Status, got.Completed)
	}
}

func TestRunFlatModePostsSeparator(t *testing.T) {
	st := newTestStore(t)
	task := baseTask(linkA, linkB)
	task.Flat = true
	id := createTask(t, st, task)
	m := &fakeMessenger{}
	ext := &fakeExtractor{results: map[string][]string{linkA: {"u"}}}

	if err := newTestOrchestrator(st, ext, primaryOnly(t, m)).Run(testContext(t), id); err != nil {
		t.Fatalf("run: %v", err)
	}
	got := mustGet(t, st, id)
	if m.topicCalls() != 0 || got.TopicsCreated != 0 {
		t.Fatalf("flat mode created topics")
	}
	if len(m.texts) != 1 || !strings.Contains(m.texts[0], linkA) {
		t.Fatalf("separators %q", m.texts)
	}
	if len(m.sent) != 1 || m.sent[0].To.ThreadID != 0 {
		t.Fatalf("sent %+v", m.sent)
	}
}

func TestRunPanicPausesTask(t *testing.T) {
	st := newTestStore(t)
	m := &fakeMessenger{onTopic: func(int, int64, string) (int, error) { panic("boom") }}
	ext := &fakeExtractor{results: map[string][]string{linkA: {"u"}}}
	id := createTask(t, st, baseTask(linkA))

	if err := newTestOrchestrator(st, ext, primaryOnly(t, m)).Run(testContext(t), id); err == nil {
		t.Fatalf("expected error from panicking run")
	}
	got := mustGet(t, st, id)
	if got.Status != model.StatusPaused || !strings.HasPrefix(got.PauseReason, "unexpected error: panic: boom") {
		t.Fatalf("status=%s reason=%q", got.Status, got.PauseReason)
	}
}

func TestRunExtractorPanicTreatedAsEmpty(t *testing.T) {
	st := newTestStore(t)
	m := &fakeMessenger{}
	ext := &fakeExtractor{panicOn: linkA, results: map[string][]string{linkB: {"v"}}}
	id := createTask(t, st, baseTask(linkA, linkB))

	if err := newTestOrchestrator(st, ext, primaryOnly(t, m)).Run(testContext(t), id); err != nil {
		t.Fatalf("run: %v", err)
	}
	got := mustGet(t, st, id)
	if got.Status != model.StatusCompleted || len(got.Completed) != 2 || got.Delivered != 1 {
		t.Fatalf("status=%s completed=%v delivered=%d", got.Status, got.Completed, got.Delivered)
	}
}

func TestRunWithoutIdentityPauses(t *testing.T) {
	st := newTestStore(t)
	id := createTask(t, st, baseTask(linkA))
	reg := newTestRegistry(t, nil)

	if err := newTestOrchestrator(st, &fakeExtractor{}, reg).Run(testContext(t), id); err != nil {
		t.Fatalf("run: %v", err)
	}
	got := mustGet(t, st, id)
	if got.Status != model.StatusPaused || got.PauseReason != ErrNoIdentity.Error() {
		t.Fatalf("status=%s reason=%q", got.Status, got.PauseReason)
	}
}

func TestRunIgnoresHaltedTasks(t *testing.T) {
	ctx := testContext(t)
	st := newTestStore(t)
	ext := &fakeExtractor{}
	o := newTestOrchestrator(st, ext, primaryOnly(t, &fakeMessenger{}))

	stopped := createTask(t, st, baseTask(linkA))
	if err := st.UpdateStatus(ctx, stopped, model.StatusChange{To: model.StatusStopped}); err != nil {
		t.Fatalf("stop: %v", err)
	}
	paused := createTask(t, st, baseTask(linkA))
	for _, to := range []model.Status{model.StatusRunning, model.StatusPaused} {
		if err := st.UpdateStatus(ctx, paused, model.StatusChange{To: to, Reason: "paused by operator"}); err != nil {
			t.Fatalf("%s: %v", to, err)
		}
	}

	for _, id := range []string{stopped, paused} {
		if err := o.Run(ctx, id); err != nil {
			t.Fatalf("run %s: %v", id, err)
		}
	}
	if len(ext.called()) != 0 {
		t.Fatalf("halted tasks were processed")
	}
	if s := mustGet(t, st, paused).Status; s != model.StatusPaused {
		t.Fatalf("operator pause overridden: %s", s)
	}
}

// stuckExtractor ignores ctx until released, like a colly request.
type stuckExtractor struct {
	release chan struct{}
	calls   atomic.Int32
}

func (e *stuckExtractor) Extract(context.Context, string) ([]string, error) {
	e.calls.Add(1)
	<-e.release
	return []string{"https://cdn.test/x.jpg"}, nil
}

func TestExtractTimeoutKeepsSlotUntilFetchReturns(t *testing.T) {
	ext := &stuckExtractor{release: make(chan struct{})}
	o := newTestOrchestrator(newTestStore(t), ext, nil, WithExtractConcurrency(1), WithExtractTimeout(20*time.Millisecond))

	if _, err := o.extract(testContext(t), linkA); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("first extract err = %v", err)
	}

	// The timed-out fetch still runs, so a second page must wait for it.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := o.extract(ctx, linkB); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("second extract err = %v", err)
	}
	if n := ext.calls.Load(); n != 1 {
		t.Fatalf("concurrent fetches = %d", n)
	}

	close(ext.release)
	urls, err := o.extract(testContext(t), linkB)
	if err != nil || len(urls) != 1 {
		t.Fatalf("extract after release: %v %v", urls, err)
	}
}
