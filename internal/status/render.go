// Package status keeps each task's operator status message current.
package status

import (
	"fmt"
	"strings"
	"time"

	"scrapebot/internal/deepscrape"
	"scrapebot/internal/model"
)

// Render formats the status message text for t.
func Render(t *model.Task) string {
	if t == nil {
		return "no active task"
	}
	scoped := deepscrape.ApplyRange(t.Links, t.Range)
	done := 0
	for _, l := range scoped {
		if t.IsCompleted(l) {
			done++
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Deep scrape: %s\n", t.Status)
	fmt.Fprintf(&b, "Seed: %s\n", t.SeedURL)
	fmt.Fprintf(&b, "Links: %d/%d", done, len(scoped))
	if t.Range != nil {
		fmt.Fprintf(&b, " (range %s of %d)", t.Range, len(t.Links))
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "Targets: %s\n", targets(t.Targets))
	fmt.Fprintf(&b, "Formats: %s\n", formats(t.Formats, t.Flat, t.Split))
	fmt.Fprintf(&b, "Topics created: %d\n", t.TopicsCreated)
	fmt.Fprintf(&b, "Items delivered: %d", t.Delivered)

	if c := t.Current; c != nil && !t.Status.Terminal() {
		fmt.Fprintf(&b, "\n\nCurrent [%d/%d]: %s\nFound %d, delivered %d", c.Index, c.Total, c.Link, c.Found, c.Delivered)
	}
	if t.Status == model.StatusPaused {
		b.WriteString("\n\nPaused")
		if t.PauseReason != "" {
			b.WriteString(": ")
			b.WriteString(t.PauseReason)
		}
		if !t.ResumeAt.IsZero() {
			fmt.Fprintf(&b, "\nResumes at %s", t.ResumeAt.UTC().Format(time.TimeOnly+" MST"))
		}
	}
	return b.String()
}

func targets(ts []model.Target) string {
	parts := make([]string, 0, len(ts))
	for _, t := range ts {
		parts = append(parts, t.String())
	}
	return strings.Join(parts, ", ")
}

func formats(fs []model.Format, flat, split bool) string {
	parts := make([]string, 0, len(fs)+2)
	for _, f := range fs {
		parts = append(parts, string(f))
	}
	if flat {
		parts = append(parts, "flat")
	}
	if split {
		parts = append(parts, "split")
	}
	return strings.Join(parts, " ")
}
