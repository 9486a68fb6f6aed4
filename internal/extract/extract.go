// Package extract fetches pages with colly and pulls links and image URLs
// out of them with goquery.
package extract

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"

	logx "scrapebot/pkg/logx"
)

const (
	DefaultUserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"
	DefaultTimeout   = 30 * time.Second
)

// Config tunes the HTTP side of the scraper.
type Config struct {
	UserAgent string
	Timeout   time.Duration
	// Transport replaces the default transport (tests).
	Transport http.RoundTripper
}

// Scraper implements deepscrape.Discoverer and deepscrape.Extractor.
type Scraper struct {
	base *colly.Collector
	log  logx.Logger
}

func New(cfg Config, log logx.Logger) *Scraper {
	ua := strings.TrimSpace(cfg.UserAgent)
	if ua == "" {
		ua = DefaultUserAgent
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	transport := cfg.Transport
	if transport == nil {
		transport = &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			DialContext:         (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
			MaxIdleConnsPerHost: 8,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
			ForceAttemptHTTP2:   true,
		}
	}

	c := colly.NewCollector(
		colly.UserAgent(ua),
		colly.MaxDepth(1),
		colly.AllowURLRevisit(),
	)
	c.SetClient(&http.Client{Timeout: timeout, Transport: transport})
	return &Scraper{base: c, log: log.With(logx.String("comp", "extract"))}
}

// visit fetches pageURL on a fresh clone of the base collector and runs fn
// on the parsed document. ctx bounds the wait, not the request itself; the
// client timeout does that.
func (s *Scraper) visit(ctx context.Context, pageURL string, fn func(e *colly.HTMLElement)) error {
	c := s.base.Clone()
	c.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
		r.Headers.Set("Accept-Language", "en-US,en;q=0.9")
	})
	c.OnHTML("html", fn)

	var respErr error
	c.OnError(func(r *colly.Response, err error) {
		respErr = err
		if r != nil && r.StatusCode != 0 {
			respErr = &StatusError{URL: pageURL, Code: r.StatusCode}
		}
	})

	done := make(chan error, 1)
	go func() {
		err := c.Visit(pageURL)
		if respErr != nil {
			err = respErr
		}
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			s.log.Debug("page fetch failed", logx.String("url", pageURL), logx.Err(err))
		}
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StatusError reports a non-2xx page response.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return "fetch " + e.URL + ": http status " + strconv.Itoa(e.Code)
}

var skippedLinkExt = []string{".zip", ".rar", ".exe", ".pdf"}

// Discover returns the absolute sub-page links of seedURL, sorted and
// deduplicated. The seed itself and archive/binary downloads are dropped.
func (s *Scraper) Discover(ctx context.Context, seedURL string) ([]string, error) {
	seed := stripFragment(seedURL)
	seen := map[string]struct{}{}
	err := s.visit(ctx, seedURL, func(e *colly.HTMLElement) {
		final := stripFragment(e.Request.URL.String())
		e.DOM.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
			href := strings.TrimSpace(a.AttrOr("href", ""))
			if href == "" || href == "#" || strings.HasPrefix(href, "javascript:") || strings.HasPrefix(href, "mailto:") {
				return
			}
			u := stripFragment(e.Request.AbsoluteURL(href))
			if u == "" || u == seed || u == final || !isHTTP(u) || hasSkippedExt(u) {
				return
			}
			seen[u] = struct{}{}
		})
	})
	if err != nil {
		return nil, err
	}
	links := make([]string, 0, len(seen))
	for u := range seen {
		links = append(links, u)
	}
	slices.Sort(links)
	return links, nil
}

var (
	imageExt  = regexp.MustCompile(`(?i)\.(jpe?g|png|gif|webp|bmp|svg)(\?|$)`)
	bgURL     = regexp.MustCompile(`url\(\s*["']?([^"')]+)["']?\s*\)`)
	srcsetW   = regexp.MustCompile(`^(\d+)w$`)
	lazyAttrs = []string{"data-src", "data-lazy-src", "data-original"}
)

// Extract returns the full-size image URLs of pageURL in document order.
// For each <img> the best candidate wins: a wrapping link to an image file,
// then the widest srcset entry, then src or a lazy-load attribute.
func (s *Scraper) Extract(ctx context.Context, pageURL string) ([]string, error) {
	var out []string
	seen := map[string]struct{}{}
	add := func(e *colly.HTMLElement, raw string) {
		raw = strings.TrimSpace(raw)
		if raw == "" || strings.HasPrefix(raw, "data:") {
			return
		}
		u := MaxQuality(e.Request.AbsoluteURL(raw))
		if u == "" || !isHTTP(u) {
			return
		}
		if _, dup := seen[u]; dup {
			return
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}

	err := s.visit(ctx, pageURL, func(e *colly.HTMLElement) {
		e.DOM.Find("img").Each(func(_ int, img *goquery.Selection) {
			if href, ok := img.Closest("a[href]").Attr("href"); ok && imageExt.MatchString(href) {
				add(e, href)
				return
			}
			if best := widestSrcset(img.AttrOr("srcset", "")); best != "" {
				add(e, best)
				return
			}
			if src := img.AttrOr("src", ""); src != "" && !strings.HasPrefix(src, "data:") {
				add(e, src)
				return
			}
			for _, attr := range lazyAttrs {
				if v := img.AttrOr(attr, ""); v != "" {
					add(e, v)
					return
				}
			}
		})
		e.DOM.Find("picture source[srcset]").Each(func(_ int, src *goquery.Selection) {
			add(e, widestSrcset(src.AttrOr("srcset", "")))
		})
		e.DOM.Find("[style*='background']").Each(func(_ int, el *goquery.Selection) {
			if m := bgURL.FindStringSubmatch(el.AttrOr("style", "")); m != nil {
				add(e, m[1])
			}
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// widestSrcset picks the entry with the largest width descriptor; without
// descriptors the last entry wins.
func widestSrcset(srcset string) string {
	var (
		best  string
		bestW = -1
	)
	for _, part := range strings.Split(srcset, ",") {
		fields := strings.Fields(part)
		if len(fields) == 0 {
			continue
		}
		w := 0
		if len(fields) > 1 {
			if m := srcsetW.FindStringSubmatch(fields[1]); m != nil {
				w, _ = strconv.Atoi(m[1])
			}
		}
		if w >= bestW {
			best, bestW = fields[0], w
		}
	}
	return best
}

var thumbPatterns = []struct {
	re   *regexp.Regexp
	repl string
}{
	{regexp.MustCompile(`/[wh]\d{2,4}-[wh]\d{2,4}-c/`), "/"},
	{regexp.MustCompile(`(?i)_\d{2,4}x\d{2,4}(\.(jpe?g|png|webp))`), "$1"},
	{regexp.MustCompile(`(?i)\.\d{2,4}x\d{2,4}(\.(jpe?g|png|webp))`), "$1"},
	{regexp.MustCompile(`(?i)-\d{2,4}x\d{2,4}(\.(jpe?g|png|webp))`), "$1"},
	{regexp.MustCompile(`/thumb/`), "/"},
}

// MaxQuality strips common thumbnail markers (size suffixes, /thumb/ path
// segments, resize query strings) so the original upload is fetched.
func MaxQuality(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	u.RawQuery = ""
	u.Fragment = ""
	s := u.String()
	for _, p := range thumbPatterns {
		s = p.re.ReplaceAllString(s, p.repl)
	}
	return s
}

func stripFragment(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return ""
	}
	u.Fragment = ""
	return u.String()
}

func isHTTP(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func hasSkippedExt(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	ext := strings.ToLower(path.Ext(u.Path))
	return slices.Contains(skippedLinkExt, ext)
}
