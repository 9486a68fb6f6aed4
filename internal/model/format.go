package model

import (
	"fmt"
	"strconv"
	"strings"
)

// Format selects how a link's items are uploaded.
type Format string

const (
	FormatMedia   Format = "media"   // one photo per item
	FormatFile    Format = "file"    // one document per item
	FormatArchive Format = "archive" // all items of a link zipped into one document
)

func ParseFormat(s string) (Format, bool) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatMedia, FormatFile, FormatArchive:
		return f, true
	}
	return "", false
}

// LinkRange restricts processing to links Start..End (1-based, inclusive).
type LinkRange struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

func (r LinkRange) String() string { return fmt.Sprintf("%d-%d", r.Start, r.End) }

// ParseLinkRange parses "a-b". "all" or "" yields (nil, nil).
func ParseLinkRange(s string) (*LinkRange, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" || s == "all" {
		return nil, nil
	}
	a, b, ok := strings.Cut(s, "-")
	if !ok {
		return nil, fmt.Errorf("invalid link range %q: want start-end", s)
	}
	start, err1 := strconv.Atoi(strings.TrimSpace(a))
	end, err2 := strconv.Atoi(strings.TrimSpace(b))
	if err1 != nil || err2 != nil {
		return nil, fmt.Errorf("invalid link range %q: bounds must be integers", s)
	}
	if start < 1 || end < start {
		return nil, fmt.Errorf("invalid link range %q: need 1 <= start <= end", s)
	}
	return &LinkRange{Start: start, End: end}, nil
}
