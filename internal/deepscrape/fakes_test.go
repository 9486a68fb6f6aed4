package deepscrape

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"scrapebot/internal/model"
	"scrapebot/internal/storage"
	logx "scrapebot/pkg/logx"
)

type sentItem struct {
	To   Destination
	Item Item
}

// fakeMessenger records every call. Hooks, when set, decide the outcome.
type fakeMessenger struct {
	mu         sync.Mutex
	topics     []string
	topicChats []int64
	sent       []sentItem
	texts      []string
	nextThread int

	onTopic   func(call int, chatID int64, title string) (int, error)
	onSend    func(it Item) error
	onSendCtx func(ctx context.Context, it Item) error
}

func (m *fakeMessenger) CreateTopic(_ context.Context, chatID int64, title string) (int, error) {
	m.mu.Lock()
	call := len(m.topics)
	m.topics = append(m.topics, title)
	m.topicChats = append(m.topicChats, chatID)
	hook := m.onTopic
	m.nextThread++
	thread := 100 + m.nextThread
	m.mu.Unlock()
	if hook != nil {
		return hook(call, chatID, title)
	}
	return thread, nil
}

func (m *fakeMessenger) SendItem(ctx context.Context, to Destination, it Item) error {
	if m.onSendCtx != nil {
		if err := m.onSendCtx(ctx, it); err != nil {
			return err
		}
	}
	if m.onSend != nil {
		if err := m.onSend(it); err != nil {
			return err
		}
	}
	m.mu.Lock()
	m.sent = append(m.sent, sentItem{To: to, Item: it})
	m.mu.Unlock()
	return nil
}

func (m *fakeMessenger) SendText(_ context.Context, _ Destination, text string) error {
	m.mu.Lock()
	m.texts = append(m.texts, text)
	m.mu.Unlock()
	return nil
}

func (m *fakeMessenger) topicCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.topics)
}

func (m *fakeMessenger) sentURLs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, s := range m.sent {
		out = append(out, s.Item.URLs...)
	}
	return out
}

// fakeExtractor serves fixed results per page and records the calls.
type fakeExtractor struct {
	mu      sync.Mutex
	results map[string][]string
	calls   []string
	panicOn string
}

func (e *fakeExtractor) Extract(_ context.Context, page string) ([]string, error) {
	e.mu.Lock()
	e.calls = append(e.calls, page)
	e.mu.Unlock()
	if page == e.panicOn {
		panic("extractor exploded")
	}
	return e.results[page], nil
}

func (e *fakeExtractor) called() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.calls...)
}

type fakeDiscoverer struct {
	links []string
	err   error
}

func (d fakeDiscoverer) Discover(context.Context, string) ([]string, error) { return d.links, d.err }

// hookStore lets a test act right after a link is marked complete.
type hookStore struct {
	storage.Store
	afterComplete func(link string)
}

func (h *hookStore) MarkLinkComplete(ctx context.Context, id, link string) error {
	err := h.Store.MarkLinkComplete(ctx, id, link)
	if err == nil && h.afterComplete != nil {
		h.afterComplete(link)
	}
	return err
}

func newTestStore(t *testing.T) storage.Store {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "scrapebot.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

// newTestRegistry connects tokens to the given messengers. Tokens look like
// "<botID>:x".
func newTestRegistry(t *testing.T, msgs map[string]*fakeMessenger) *Registry {
	t.Helper()
	return NewRegistry(func(_ context.Context, token string) (Messenger, Profile, error) {
		m, ok := msgs[token]
		if !ok {
			return nil, Profile{}, errUnknownToken
		}
		id, err := BotIDFromToken(token)
		if err != nil {
			return nil, Profile{}, err
		}
		return m, Profile{BotID: id, Username: "bot" + token[:1]}, nil
	}, 0)
}

func newTestOrchestrator(st TaskStore, ext Extractor, reg *Registry, opts ...Option) *Orchestrator {
	base := []Option{WithThrottlePadding(0), WithPollInterval(0), WithExtractTimeout(5 * time.Second)}
	return NewOrchestrator(Deps{Store: st, Extractor: ext, Registry: reg, Log: logx.Nop()}, append(base, opts...)...)
}

func createTask(t *testing.T, st TaskStore, task *model.Task) string {
	t.Helper()
	id, err := st.CreateTask(context.Background(), task)
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return id
}

func mustGet(t *testing.T, st TaskStore, id string) *model.Task {
	t.Helper()
	task, err := st.GetTask(context.Background(), id)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	return task
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

type testError string

func (e testError) Error() string { return string(e) }

const errUnknownToken = testError("unknown token")
