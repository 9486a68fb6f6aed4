package deepscrape

import "scrapebot/internal/model"

// PendingLink is a link still to process. Index is its position in the
// range-restricted list, which is what Partition consumes.
type PendingLink struct {
	URL   string
	Index int
}

// ApplyRange restricts links to r (1-based, inclusive). Bounds past the end
// are clamped; a nil range keeps every link.
func ApplyRange(links []string, r *model.LinkRange) []string {
	if r == nil {
		return links
	}
	start, end := r.Start-1, r.End
	if start < 0 {
		start = 0
	}
	if end > len(links) {
		end = len(links)
	}
	if start >= end {
		return nil
	}
	return links[start:end]
}

// PendingLinks is (in-range links - completed) in discovery order. It is
// derived from the persisted task every time and never cached.
func PendingLinks(t *model.Task) []PendingLink {
	done := make(map[string]struct{}, len(t.Completed))
	for _, l := range t.Completed {
		done[l] = struct{}{}
	}
	inRange := ApplyRange(t.Links, t.Range)
	out := make([]PendingLink, 0, len(inRange))
	for i, l := range inRange {
		if _, ok := done[l]; ok {
			continue
		}
		out = append(out, PendingLink{URL: l, Index: i})
	}
	return out
}
