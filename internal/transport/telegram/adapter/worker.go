package adapter

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"scrapebot/internal/deepscrape"
	"scrapebot/internal/model"
	logx "scrapebot/pkg/logx"
)

const (
	// Bot API upload limit for documents sent by a bot.
	maxArchiveBytes = 49 << 20
	maxArchiveItem  = 20 << 20
)

var errEmptyArchive = errors.New("archive: no item could be downloaded")

// ConnectorConfig configures worker bot handles.
type ConnectorConfig struct {
	APIURL  string
	Timeout time.Duration
	// Download fetches archive items; defaults to a client with Timeout.
	Download *http.Client
	Log      logx.Logger
}

// NewConnector returns a deepscrape.Connector that validates a token with
// getMe and wraps the bot as a Messenger. Worker bots never poll.
func NewConnector(cfg ConnectorConfig) deepscrape.Connector {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	dl := cfg.Download
	if dl == nil {
		dl = &http.Client{Timeout: timeout}
	}
	log := cfg.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	return func(ctx context.Context, token string) (deepscrape.Messenger, deepscrape.Profile, error) {
		if err := ctx.Err(); err != nil {
			return nil, deepscrape.Profile{}, err
		}
		b, err := tele.NewBot(tele.Settings{
			URL:    cfg.APIURL,
			Token:  token,
			Client: &http.Client{Timeout: timeout},
			Poller: &tele.LongPoller{},
		})
		if err != nil {
			return nil, deepscrape.Profile{}, wrapSendErr(err)
		}
		prof := deepscrape.Profile{}
		if b.Me != nil {
			prof.BotID = b.Me.ID
			prof.Username = b.Me.Username
		}
		if prof.BotID == 0 {
			prof.BotID, _ = deepscrape.BotIDFromToken(token)
		}
		return &Messenger{bot: b, download: dl, log: log.With(logx.String("comp", "telegram.worker"), logx.Int64("bot_id", prof.BotID))}, prof, nil
	}
}

// Messenger sends uploads for one bot account.
type Messenger struct {
	bot      *tele.Bot
	download *http.Client
	log      logx.Logger
}

func (m *Messenger) CreateTopic(ctx context.Context, chatID int64, title string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	topic, err := m.bot.CreateTopic(&tele.Chat{ID: chatID}, &tele.Topic{Name: title, IconColor: deepscrape.TopicIconColor})
	if err != nil {
		return 0, wrapSendErr(err)
	}
	return topic.ThreadID, nil
}

func (m *Messenger) SendText(ctx context.Context, to deepscrape.Destination, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := m.bot.Send(&tele.Chat{ID: to.ChatID}, text, &tele.SendOptions{ThreadID: to.ThreadID, DisableWebPagePreview: true})
	return wrapSendErr(err)
}

func (m *Messenger) SendItem(ctx context.Context, to deepscrape.Destination, it deepscrape.Item) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(it.URLs) == 0 {
		return errors.New("item has no url")
	}
	var what tele.Sendable
	switch it.Format {
	case model.FormatArchive:
		buf, n, err := m.buildArchive(ctx, it.URLs)
		if err != nil {
			return err
		}
		m.log.Debug("archive built", logx.Int("files", n), logx.Int("bytes", buf.Len()))
		what = &tele.Document{File: tele.FromReader(buf), FileName: it.Name}
	case model.FormatFile:
		what = &tele.Document{File: tele.FromURL(it.URLs[0]), FileName: it.Name}
	default:
		what = &tele.Photo{File: tele.FromURL(it.URLs[0])}
	}
	_, err := m.bot.Send(&tele.Chat{ID: to.ChatID}, what, &tele.SendOptions{ThreadID: to.ThreadID})
	return wrapSendErr(err)
}

// buildArchive downloads urls into an in-memory zip. Items that fail to
// download are skipped; an archive with nothing in it is an error.
func (m *Messenger) buildArchive(ctx context.Context, urls []string) (*bytes.Buffer, int, error) {
	buf := &bytes.Buffer{}
	zw := zip.NewWriter(buf)
	names := map[string]int{}
	added := 0
	for _, u := range urls {
		body, err := m.fetch(ctx, u)
		if err != nil {
			if ctx.Err() != nil {
				return nil, 0, ctx.Err()
			}
			m.log.Warn("archive item skipped", logx.String("url", u), logx.Err(err))
			continue
		}
		if buf.Len()+len(body) > maxArchiveBytes {
			m.log.Warn("archive size limit reached", logx.Int("files", added))
			break
		}
		w, err := zw.Create(uniqueName(names, u))
		if err != nil {
			return nil, 0, err
		}
		if _, err := w.Write(body); err != nil {
			return nil, 0, err
		}
		added++
	}
	if err := zw.Close(); err != nil {
		return nil, 0, err
	}
	if added == 0 {
		return nil, 0, errEmptyArchive
	}
	return buf, added, nil
}

func (m *Messenger) fetch(ctx context.Context, u string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := m.download.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("http status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxArchiveItem+1))
	if err != nil {
		return nil, err
	}
	if len(body) > maxArchiveItem {
		return nil, fmt.Errorf("item larger than %d bytes", maxArchiveItem)
	}
	return body, nil
}

// uniqueName derives a zip entry name from the url path, suffixing repeats.
func uniqueName(seen map[string]int, u string) string {
	name := path.Base(strings.SplitN(u, "?", 2)[0])
	if name == "" || name == "." || name == "/" {
		name = "item"
	}
	n := seen[name]
	seen[name] = n + 1
	if n == 0 {
		return name
	}
	ext := path.Ext(name)
	return strings.TrimSuffix(name, ext) + "_" + strconv.Itoa(n) + ext
}
