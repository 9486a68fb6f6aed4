package deepscrape

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestBotIDFromToken(t *testing.T) {
	tests := []struct {
		token string
		want  int64
		ok    bool
	}{
		{"123456:AAE-secret", 123456, true},
		{" 42:x ", 42, true},
		{"nocolon", 0, false},
		{"abc:def", 0, false},
		{"0:zero", 0, false},
		{"-5:neg", 0, false},
	}
	for _, tt := range tests {
		got, err := BotIDFromToken(tt.token)
		if (err == nil) != tt.ok || got != tt.want {
			t.Fatalf("%q: got %d, %v", tt.token, got, err)
		}
	}
}

func TestRegistryDeduplicatesByCredential(t *testing.T) {
	var connects atomic.Int32
	gate := make(chan struct{})
	reg := NewRegistry(func(_ context.Context, token string) (Messenger, Profile, error) {
		connects.Add(1)
		<-gate
		return &fakeMessenger{}, Profile{BotID: 1, Username: "w"}, nil
	}, 0)

	const callers = 8
	var wg sync.WaitGroup
	got := make([]*Identity, callers)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := reg.Get(context.Background(), "1:shared")
			if err != nil {
				t.Errorf("get: %v", err)
				return
			}
			got[i] = id
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(gate)
	wg.Wait()

	for i := 1; i < callers; i++ {
		if got[i] != got[0] {
			t.Fatalf("caller %d got a different handle", i)
		}
	}
	if n := connects.Load(); n != 1 {
		t.Fatalf("connect called %d times", n)
	}
	if reg.Len() != 1 {
		t.Fatalf("len=%d", reg.Len())
	}
	// Cached afterwards.
	if _, err := reg.Get(context.Background(), "1:shared"); err != nil || connects.Load() != 1 {
		t.Fatalf("second get reconnected: %v", err)
	}
}

func TestRegistryConnectFailureIsNotCached(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	reg := NewRegistry(func(context.Context, string) (Messenger, Profile, error) {
		if fail.Load() {
			return nil, Profile{}, errors.New("unauthorized")
		}
		return &fakeMessenger{}, Profile{BotID: 9}, nil
	}, 0)
	if _, err := reg.Get(context.Background(), "9:x"); err == nil {
		t.Fatalf("expected connect error")
	}
	fail.Store(false)
	if _, err := reg.Get(context.Background(), "9:x"); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if _, err := reg.Get(context.Background(), "  "); err == nil {
		t.Fatalf("empty token accepted")
	}
}

func TestRegistryCancelledWaiterDoesNotFailOthers(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var connects atomic.Int32
	var connectErr atomic.Value
	reg := NewRegistry(func(ctx context.Context, _ string) (Messenger, Profile, error) {
		connects.Add(1)
		close(entered)
		<-release
		if err := ctx.Err(); err != nil {
			connectErr.Store(err)
			return nil, Profile{}, err
		}
		return &fakeMessenger{}, Profile{BotID: 9}, nil
	}, 0)

	first, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := reg.Get(first, "9:x")
		firstErr <- err
	}()
	<-entered

	second := make(chan error, 1)
	go func() {
		_, err := reg.Get(context.Background(), "9:x")
		second <- err
	}()
	time.Sleep(20 * time.Millisecond)

	cancel()
	if err := <-firstErr; !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled caller err = %v", err)
	}
	close(release)
	if err := <-second; err != nil {
		t.Fatalf("waiter failed with the first caller: %v", err)
	}
	if v := connectErr.Load(); v != nil {
		t.Fatalf("connect saw caller cancellation: %v", v)
	}
	if connects.Load() != 1 {
		t.Fatalf("connects = %d", connects.Load())
	}
}

func TestRegistryPrimary(t *testing.T) {
	reg := newTestRegistry(t, map[string]*fakeMessenger{"7:main": {}})
	if _, err := reg.Primary(); !errors.Is(err, ErrNoIdentity) {
		t.Fatalf("primary before set: %v", err)
	}
	id, err := reg.SetPrimary(context.Background(), "7:main")
	if err != nil {
		t.Fatalf("set primary: %v", err)
	}
	p, err := reg.Primary()
	if err != nil || p != id || p.BotID != 7 {
		t.Fatalf("primary: %v, %v", p, err)
	}
	if p.Name() != "@bot7" {
		t.Fatalf("name=%q", p.Name())
	}
}

func TestIdentityPacing(t *testing.T) {
	reg := newTestRegistry(t, map[string]*fakeMessenger{"3:x": {}})
	id, err := reg.Get(context.Background(), "3:x")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	// Unpaced identities never block.
	for range 5 {
		if err := id.Pace(context.Background()); err != nil {
			t.Fatalf("pace: %v", err)
		}
	}

	reg.SetRate(1)
	if err := id.Pace(context.Background()); err != nil {
		t.Fatalf("first paced send: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := id.Pace(ctx); err == nil {
		t.Fatalf("second send within a minute was not paced")
	}

	reg.SetRate(0)
	if err := id.Pace(context.Background()); err != nil {
		t.Fatalf("pacing disabled: %v", err)
	}
}

func TestTopicTitle(t *testing.T) {
	long := "https://example.com/" + strings.Repeat("x", 150)
	tests := []struct {
		link string
		want string
	}{
		{"https://example.com/gallery/summer-2024/", "gallery-summer-2024"},
		{"https://example.com/", "example.com"},
		{"https://example.com", "example.com"},
		{"::not a url", "Scraped Images"},
		{long, strings.Repeat("x", 98)},
	}
	for _, tt := range tests {
		if got := TopicTitle(tt.link); got != tt.want {
			t.Fatalf("TopicTitle(%q)=%q want %q", tt.link, got, tt.want)
		}
	}
	if got := archiveName(`a/b:c`); got != "a_b_c.zip" {
		t.Fatalf("archive name %q", got)
	}
}
