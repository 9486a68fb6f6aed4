// Package commands wires the operator's chat commands to the deep scrape
// engine.
package commands

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"scrapebot/internal/deepscrape"
	"scrapebot/internal/model"
	"scrapebot/internal/status"
	kit "scrapebot/internal/transport"
	"scrapebot/internal/transport/telegram/router"
	logx "scrapebot/pkg/logx"
)

// Tasks is the task control surface used by the commands.
type Tasks interface {
	Submit(ctx context.Context, req deepscrape.Request) (*model.Task, error)
	Active(ctx context.Context, userID int64) (*model.Task, error)
	StopTask(ctx context.Context, userID int64) (*model.Task, error)
	PauseTask(ctx context.Context, userID int64) (*model.Task, error)
	ResumeTask(ctx context.Context, userID int64) (*model.Task, error)
}

// WorkerBots manages a user's worker identities.
type WorkerBots interface {
	Add(ctx context.Context, userID int64, tokens []string) []deepscrape.AddResult
	Remove(ctx context.Context, userID, botID int64) error
	List(ctx context.Context, userID int64) ([]model.Identity, error)
}

// SavedTargets stores a user's named destination channels.
type SavedTargets interface {
	PutTarget(ctx context.Context, tg model.SavedTarget) error
	DeleteTarget(ctx context.Context, userID int64, name string) error
	ListTargets(ctx context.Context, userID int64) ([]model.SavedTarget, error)
}

type Handlers struct {
	tasks   Tasks
	workers WorkerBots
	targets SavedTargets
}

func New(tasks Tasks, workers WorkerBots, targets SavedTargets) *Handlers {
	return &Handlers{tasks: tasks, workers: workers, targets: targets}
}

// Commands returns the router commands. Every command is owner-only.
func (h *Handlers) Commands() []router.Command {
	return []router.Command{
		{Name: "deepscrape", Description: "scrape every page linked from a seed url", Usage: deepScrapeUsage, Access: router.AccessOwnerOnly, Timeout: 2 * time.Minute, Handle: h.deepScrape},
		{Name: "scrape", Description: "scrape a single page", Usage: scrapeUsage, Access: router.AccessOwnerOnly, Timeout: time.Minute, Handle: h.scrape},
		{Name: "status", Description: "show the active task", Access: router.AccessOwnerOnly, Handle: h.status},
		{Name: "stop", Description: "stop the active task", Access: router.AccessOwnerOnly, Handle: h.stop},
		{Name: "pause", Description: "pause the active task", Access: router.AccessOwnerOnly, Handle: h.pause},
		{Name: "resume", Description: "resume a paused task", Access: router.AccessOwnerOnly, Handle: h.resume},
		{Name: "workers", Description: "list worker bots", Access: router.AccessOwnerOnly, Handle: h.listWorkers},
		{Name: "addworker", Description: "add worker bots", Usage: "/addworker <token> [token...]", Access: router.AccessOwnerOnly, Timeout: time.Minute, Handle: h.addWorkers},
		{Name: "rmworker", Description: "remove a worker bot", Usage: "/rmworker <bot-id>", Access: router.AccessOwnerOnly, Handle: h.removeWorker},
		{Name: "targets", Description: "list saved targets", Access: router.AccessOwnerOnly, Handle: h.listTargets},
		{Name: "addtarget", Description: "save a named target channel", Usage: addTargetUsage, Access: router.AccessOwnerOnly, Handle: h.addTarget},
		{Name: "rmtarget", Description: "delete a saved target", Usage: "/rmtarget <name>", Access: router.AccessOwnerOnly, Handle: h.removeTarget},
	}
}

type parseFunc func(userID int64, args []string, saved []model.SavedTarget) (deepscrape.Request, []string, error)

func (h *Handlers) deepScrape(ctx context.Context, req *router.Request) error {
	return h.submit(ctx, req, ParseDeepScrape)
}

func (h *Handlers) scrape(ctx context.Context, req *router.Request) error {
	return h.submit(ctx, req, ParseScrape)
}

func (h *Handlers) submit(ctx context.Context, req *router.Request, parse parseFunc) error {
	saved, err := h.targets.ListTargets(ctx, req.FromID)
	if err != nil {
		return fmt.Errorf("load saved targets: %w", err)
	}
	dreq, notices, err := parse(req.FromID, req.Args, saved)
	if err != nil {
		return err
	}
	for _, n := range notices {
		req.Logger.Info("scrape argument ignored", logx.String("cmd", req.Command), logx.String("notice", n))
		if _, err := req.Reply(ctx, n); err != nil {
			return err
		}
	}

	pending := "Discovering links on " + dreq.SeedURL + " ..."
	if dreq.Single {
		pending = "Scraping " + dreq.SeedURL + " ..."
	}
	ref, err := req.Reply(ctx, pending)
	if err != nil {
		return err
	}
	dreq.StatusMessage = model.MessageRef{ChatID: ref.ChatID, MessageID: ref.MessageID}

	t, err := h.tasks.Submit(ctx, dreq)
	opt := &kit.SendOptions{DisablePreview: true}
	if err != nil {
		msg := "Scrape not started: " + err.Error()
		if errors.Is(err, deepscrape.ErrTaskActive) {
			msg += "\nUse /status, /stop or /resume."
		}
		return req.Adapter.EditText(ctx, ref, msg, opt)
	}
	err = req.Adapter.EditText(ctx, ref, status.Render(t), opt)
	if errors.Is(err, kit.ErrNotModified) {
		return nil
	}
	return err
}

func (h *Handlers) status(ctx context.Context, req *router.Request) error {
	t, err := h.tasks.Active(ctx, req.FromID)
	if errors.Is(err, deepscrape.ErrNoActiveTask) {
		_, err = req.Reply(ctx, "No active task.")
		return err
	}
	if err != nil {
		return err
	}
	_, err = req.Reply(ctx, status.Render(t))
	return err
}

func (h *Handlers) stop(ctx context.Context, req *router.Request) error {
	return h.control(ctx, req, h.tasks.StopTask, "Stopping after the current upload.")
}

func (h *Handlers) pause(ctx context.Context, req *router.Request) error {
	return h.control(ctx, req, h.tasks.PauseTask, "Pausing. Use /resume to continue.")
}

func (h *Handlers) resume(ctx context.Context, req *router.Request) error {
	return h.control(ctx, req, h.tasks.ResumeTask, "Resuming.")
}

func (h *Handlers) control(ctx context.Context, req *router.Request, fn func(context.Context, int64) (*model.Task, error), ok string) error {
	_, err := fn(ctx, req.FromID)
	switch {
	case errors.Is(err, deepscrape.ErrNoActiveTask):
		_, err = req.Reply(ctx, "No active task.")
		return err
	case errors.Is(err, model.ErrInvalidTransition):
		_, err = req.Reply(ctx, "Not possible now: "+err.Error())
		return err
	case err != nil:
		return err
	}
	_, err = req.Reply(ctx, ok)
	return err
}

func (h *Handlers) listWorkers(ctx context.Context, req *router.Request) error {
	ids, err := h.workers.List(ctx, req.FromID)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		_, err = req.Reply(ctx, "No worker bots. Add some with /addworker <token>.")
		return err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Worker bots (%d):", len(ids))
	for _, id := range ids {
		b.WriteString("\n- ")
		b.WriteString(identityLabel(id))
	}
	_, err = req.Reply(ctx, b.String())
	return err
}

func (h *Handlers) addWorkers(ctx context.Context, req *router.Request) error {
	if len(req.Args) == 0 {
		return errors.New("usage: /addworker <token> [token...]")
	}
	results := h.workers.Add(ctx, req.FromID, req.Args)
	var b strings.Builder
	for i, r := range results {
		if i > 0 {
			b.WriteString("\n")
		}
		if r.Err != nil {
			fmt.Fprintf(&b, "%s: %v", maskToken(r.Token), r.Err)
			continue
		}
		b.WriteString("added " + identityLabel(r.Identity))
	}
	if b.Len() == 0 {
		b.WriteString("no tokens given")
	}
	_, err := req.Reply(ctx, b.String())
	return err
}

func (h *Handlers) removeWorker(ctx context.Context, req *router.Request) error {
	if len(req.Args) != 1 {
		return errors.New("usage: /rmworker <bot-id>")
	}
	id, err := parseBotID(req.Args[0])
	if err != nil {
		return err
	}
	if err := h.workers.Remove(ctx, req.FromID, id); err != nil {
		return err
	}
	_, err = req.Reply(ctx, fmt.Sprintf("removed worker %d", id))
	return err
}

func (h *Handlers) listTargets(ctx context.Context, req *router.Request) error {
	saved, err := h.targets.ListTargets(ctx, req.FromID)
	if err != nil {
		return err
	}
	if len(saved) == 0 {
		_, err = req.Reply(ctx, "No saved targets. Add one with "+addTargetUsage+".")
		return err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Saved targets (%d):", len(saved))
	for _, tg := range saved {
		fmt.Fprintf(&b, "\n- %s: %d", tg.Name, tg.ChatID)
	}
	_, err = req.Reply(ctx, b.String())
	return err
}

func (h *Handlers) addTarget(ctx context.Context, req *router.Request) error {
	if len(req.Args) != 2 {
		return errors.New("usage: " + addTargetUsage)
	}
	name, err := parseTargetName(req.Args[0])
	if err != nil {
		return err
	}
	chatID, err := parseChatID(req.Args[1])
	if err != nil {
		return err
	}
	if err := h.targets.PutTarget(ctx, model.SavedTarget{UserID: req.FromID, Name: name, ChatID: chatID}); err != nil {
		return err
	}
	_, err = req.Reply(ctx, fmt.Sprintf("saved target %s: %d", name, chatID))
	return err
}

func (h *Handlers) removeTarget(ctx context.Context, req *router.Request) error {
	if len(req.Args) != 1 {
		return errors.New("usage: /rmtarget <name>")
	}
	saved, err := h.targets.ListTargets(ctx, req.FromID)
	if err != nil {
		return err
	}
	for _, tg := range saved {
		if strings.EqualFold(tg.Name, req.Args[0]) {
			if err := h.targets.DeleteTarget(ctx, req.FromID, tg.Name); err != nil {
				return err
			}
			_, err = req.Reply(ctx, "removed target "+tg.Name)
			return err
		}
	}
	return fmt.Errorf("unknown target %q", req.Args[0])
}

func identityLabel(id model.Identity) string {
	if id.Username != "" {
		return fmt.Sprintf("@%s (%d)", id.Username, id.BotID)
	}
	return fmt.Sprint(id.BotID)
}

// maskToken keeps the bot id part of a token and hides the secret.
func maskToken(tok string) string {
	if i := strings.IndexByte(tok, ':'); i >= 0 {
		return tok[:i] + ":***"
	}
	return "***"
}
