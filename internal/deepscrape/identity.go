package deepscrape

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

var (
	ErrNoIdentity     = errors.New("no sender identity available")
	errMalformedToken = errors.New("malformed bot token")
)

// Profile describes the bot behind a token.
type Profile struct {
	BotID    int64
	Username string
}

// Connector builds a messenger for a token and reports who it is.
type Connector func(ctx context.Context, token string) (Messenger, Profile, error)

// Identity is the runtime handle for one credential. Handles are shared by
// every task in the process; each carries its own pacer.
type Identity struct {
	Profile
	Messenger Messenger

	token string
	pacer atomic.Pointer[rate.Limiter]
}

func (i *Identity) Name() string {
	if i.Username != "" {
		return "@" + i.Username
	}
	return strconv.FormatInt(i.BotID, 10)
}

// Pace blocks until the identity may send again. A nil pacer never blocks.
func (i *Identity) Pace(ctx context.Context) error {
	p := i.pacer.Load()
	if p == nil {
		return nil
	}
	return p.Wait(ctx)
}

// BotIDFromToken returns the numeric prefix of a bot token ("123:abc" -> 123).
func BotIDFromToken(token string) (int64, error) {
	head, _, ok := strings.Cut(strings.TrimSpace(token), ":")
	if !ok {
		return 0, errMalformedToken
	}
	id, err := strconv.ParseInt(head, 10, 64)
	if err != nil || id <= 0 {
		return 0, errMalformedToken
	}
	return id, nil
}

const connectTimeout = 30 * time.Second

// Registry deduplicates identities by credential across all users and tasks.
type Registry struct {
	connect Connector

	mu      sync.RWMutex
	byToken map[string]*Identity
	primary *Identity
	perMin  int

	group singleflight.Group
}

// NewRegistry paces every identity at sendPerMin sends per minute (0 disables pacing).
func NewRegistry(connect Connector, sendPerMin int) *Registry {
	return &Registry{connect: connect, byToken: map[string]*Identity{}, perMin: sendPerMin}
}

// Get returns the handle for token, connecting it on first use. Concurrent
// callers for the same token share one connect call.
func (r *Registry) Get(ctx context.Context, token string) (*Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, errors.New("empty token")
	}
	r.mu.RLock()
	id, ok := r.byToken[token]
	r.mu.RUnlock()
	if ok {
		return id, nil
	}

	// The shared connect is detached from any single caller so one waiter
	// giving up does not fail the others.
	ch := r.group.DoChan(token, func() (any, error) {
		r.mu.RLock()
		id, ok := r.byToken[token]
		r.mu.RUnlock()
		if ok {
			return id, nil
		}
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), connectTimeout)
		defer cancel()
		msg, prof, err := r.connect(cctx, token)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		defer r.mu.Unlock()
		id = &Identity{Profile: prof, Messenger: msg, token: token}
		id.pacer.Store(newPacer(r.perMin))
		r.byToken[token] = id
		return id, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Identity), nil
	}
}

// SetPrimary connects the operator bot's own credential and uses it as the
// fallback sender and topic creator.
func (r *Registry) SetPrimary(ctx context.Context, token string) (*Identity, error) {
	id, err := r.Get(ctx, token)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.primary = id
	r.mu.Unlock()
	return id, nil
}

func (r *Registry) Primary() (*Identity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.primary == nil {
		return nil, ErrNoIdentity
	}
	return r.primary, nil
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byToken)
}

// SetRate re-paces every identity (config reload).
func (r *Registry) SetRate(sendPerMin int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.perMin = sendPerMin
	for _, id := range r.byToken {
		if p := id.pacer.Load(); p != nil && sendPerMin > 0 {
			p.SetLimit(perMinute(sendPerMin))
			continue
		}
		id.pacer.Store(newPacer(sendPerMin))
	}
}

func newPacer(perMin int) *rate.Limiter {
	if perMin <= 0 {
		return nil
	}
	return rate.NewLimiter(perMinute(perMin), 1)
}

func perMinute(n int) rate.Limit { return rate.Every(time.Minute / time.Duration(n)) }
