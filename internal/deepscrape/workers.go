package deepscrape

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"scrapebot/internal/model"
	"scrapebot/internal/storage"
	logx "scrapebot/pkg/logx"
)

// IdentityStore persists each user's worker credentials.
type IdentityStore interface {
	PutIdentity(ctx context.Context, id model.Identity) error
	DeleteIdentity(ctx context.Context, userID, botID int64) error
	ListIdentities(ctx context.Context, userID int64) ([]model.Identity, error)
}

// Workers manages the worker bots a user lends to their tasks.
type Workers struct {
	store    IdentityStore
	registry *Registry
	log      logx.Logger
}

func NewWorkers(store IdentityStore, registry *Registry, log logx.Logger) *Workers {
	return &Workers{store: store, registry: registry, log: log.With(logx.String("comp", "workers"))}
}

// AddResult reports one token of an Add call.
type AddResult struct {
	Token    string
	Identity model.Identity
	Err      error
}

// Add validates each token by connecting it, then saves it for userID.
func (w *Workers) Add(ctx context.Context, userID int64, tokens []string) []AddResult {
	out := make([]AddResult, 0, len(tokens))
	for _, tok := range tokens {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		res := AddResult{Token: tok}
		if _, err := BotIDFromToken(tok); err != nil {
			res.Err = err
			out = append(out, res)
			continue
		}
		id, err := w.registry.Get(ctx, tok)
		if err != nil {
			res.Err = fmt.Errorf("connect worker: %w", err)
			out = append(out, res)
			continue
		}
		res.Identity = model.Identity{UserID: userID, BotID: id.BotID, Username: id.Username, Token: tok}
		if err := w.store.PutIdentity(ctx, res.Identity); err != nil {
			res.Err = err
		} else {
			w.log.Info("worker added", logx.Int64("user", userID), logx.Int64("bot_id", id.BotID))
		}
		out = append(out, res)
	}
	return out
}

func (w *Workers) Remove(ctx context.Context, userID, botID int64) error {
	err := w.store.DeleteIdentity(ctx, userID, botID)
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("worker %d: %w", botID, err)
	}
	return err
}

func (w *Workers) List(ctx context.Context, userID int64) ([]model.Identity, error) {
	return w.store.ListIdentities(ctx, userID)
}
