package deepscrape

import (
	"net/url"
	"strings"
	"unicode/utf8"
)

const (
	maxTopicTitle  = 98
	fallbackTitle  = "Scraped Images"
	TopicIconColor = 0x6FB9F0
)

// TopicTitle derives a readable topic name from a link: "/a/b/" becomes
// "a-b", an empty path falls back to the host.
func TopicTitle(link string) string {
	var title string
	if u, err := url.Parse(link); err == nil {
		title = strings.ReplaceAll(strings.Trim(u.Path, "/"), "/", "-")
		if title == "" {
			title = u.Host
		}
	}
	title = truncateRunes(strings.TrimSpace(title), maxTopicTitle)
	if title == "" {
		return fallbackTitle
	}
	return title
}

func separatorText(title, link string) string {
	return "📁 " + title + "\n" + link
}

func archiveName(title string) string {
	name := strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		return r
	}, title)
	return name + ".zip"
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}
