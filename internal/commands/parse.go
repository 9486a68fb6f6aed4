package commands

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"scrapebot/internal/deepscrape"
	"scrapebot/internal/model"
)

const (
	deepScrapeUsage = "/deepscrape <url> <target>[,<target>...] [a-b|all] [media|file|archive ...] [flat] [split]"
	scrapeUsage     = "/scrape <url> <target>[,<target>...] [media|file|archive ...] [flat]"
	addTargetUsage  = "/addtarget <name> <chat-id>"
)

var (
	errUsage       = errors.New("usage: " + deepScrapeUsage)
	errScrapeUsage = errors.New("usage: " + scrapeUsage)
)

// ParseDeepScrape turns /deepscrape arguments into a request. A target is a
// chat id or the name of an entry in saved. Notices are non-fatal problems worth
// telling the operator about.
func ParseDeepScrape(userID int64, args []string, saved []model.SavedTarget) (deepscrape.Request, []string, error) {
	var notices []string
	if len(args) < 2 {
		return deepscrape.Request{}, nil, errUsage
	}
	req := deepscrape.Request{UserID: userID, SeedURL: args[0]}

	targets, err := parseTargets(args[1], saved)
	if err != nil {
		return deepscrape.Request{}, nil, err
	}
	req.Targets = targets

	for _, a := range args[2:] {
		low := strings.ToLower(a)
		if f, ok := model.ParseFormat(low); ok {
			if !slices.Contains(req.Formats, f) {
				req.Formats = append(req.Formats, f)
			}
			continue
		}
		switch low {
		case "flat":
			req.Flat = true
			continue
		case "split":
			req.Split = true
			continue
		}
		r, err := model.ParseLinkRange(low)
		if err != nil {
			notices = append(notices, fmt.Sprintf("ignoring %q: %v; all links will be processed", a, err))
			req.Range = nil
			continue
		}
		req.Range = r
	}
	return req, notices, nil
}

// ParseScrape turns /scrape arguments into a single-page request. A range or
// split flag is dropped with a notice.
func ParseScrape(userID int64, args []string, saved []model.SavedTarget) (deepscrape.Request, []string, error) {
	if len(args) < 2 {
		return deepscrape.Request{}, nil, errScrapeUsage
	}
	req, notices, err := ParseDeepScrape(userID, args, saved)
	if err != nil {
		return deepscrape.Request{}, nil, err
	}
	if req.Range != nil || req.Split {
		notices = append(notices, "range and split are ignored for a single page")
	}
	req.Range = nil
	req.Split = false
	req.Single = true
	return req, notices, nil
}

func parseTargets(s string, saved []model.SavedTarget) ([]model.Target, error) {
	var out []model.Target
	seen := map[int64]bool{}
	for part := range strings.SplitSeq(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		tg, err := resolveTarget(part, saved)
		if err != nil {
			return nil, err
		}
		if seen[tg.ChatID] {
			continue
		}
		seen[tg.ChatID] = true
		out = append(out, tg)
	}
	if len(out) == 0 {
		return nil, deepscrape.ErrNoTargets
	}
	return out, nil
}

func resolveTarget(s string, saved []model.SavedTarget) (model.Target, error) {
	if id, err := strconv.ParseInt(s, 10, 64); err == nil {
		if id == 0 {
			return model.Target{}, fmt.Errorf("invalid chat id %q", s)
		}
		for _, st := range saved {
			if st.ChatID == id {
				return st.Target(), nil
			}
		}
		return model.Target{ChatID: id}, nil
	}
	for _, st := range saved {
		if strings.EqualFold(st.Name, s) {
			return st.Target(), nil
		}
	}
	return model.Target{}, fmt.Errorf("unknown target %q, see /targets", s)
}

// parseTargetName accepts names that cannot be mistaken for a chat id or a
// target list. Names are stored lower-cased.
func parseTargetName(s string) (string, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	if name == "" || strings.ContainsAny(name, ", ") {
		return "", fmt.Errorf("invalid target name %q", s)
	}
	if _, err := strconv.ParseInt(name, 10, 64); err == nil {
		return "", fmt.Errorf("target name %q looks like a chat id", s)
	}
	return name, nil
}

func parseChatID(s string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid chat id %q", s)
	}
	return id, nil
}

func parseBotID(s string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid bot id %q", s)
	}
	return id, nil
}
