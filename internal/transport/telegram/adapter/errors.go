package adapter

import (
	"errors"
	"regexp"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"scrapebot/internal/deepscrape"
	kit "scrapebot/internal/transport"
)

var retryAfterText = regexp.MustCompile(`(?i)retry after (\d+)`)

// floodWait reports the wait Telegram asked for, if err is a 429.
func floodWait(err error) (time.Duration, bool) {
	if err == nil {
		return 0, false
	}
	var fe tele.FloodError
	if errors.As(err, &fe) {
		return time.Duration(fe.RetryAfter) * time.Second, true
	}
	var pfe *tele.FloodError
	if errors.As(err, &pfe) && pfe != nil {
		return time.Duration(pfe.RetryAfter) * time.Second, true
	}
	if m := retryAfterText.FindStringSubmatch(err.Error()); m != nil {
		n, _ := strconv.Atoi(m[1])
		return time.Duration(n) * time.Second, true
	}
	return 0, false
}

// wrapSendErr marks flood errors so the dispatcher requeues instead of dropping.
func wrapSendErr(err error) error {
	if err == nil {
		return nil
	}
	if wait, ok := floodWait(err); ok {
		return deepscrape.RetryAfter(err, wait)
	}
	return err
}

// wrapEditErr maps the two benign edit failures to transport sentinels.
func wrapEditErr(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "message is not modified"):
		return kit.ErrNotModified
	case strings.Contains(msg, "message to edit not found"),
		strings.Contains(msg, "message can't be edited"),
		strings.Contains(msg, "message_id_invalid"):
		return kit.ErrMessageGone
	}
	return wrapSendErr(err)
}
