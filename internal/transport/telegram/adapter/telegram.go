package adapter

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	kit "spacewatch/internal/transport"
	logx "spacewatch/pkg/logx"
)

type Config struct {
	Token string
	// APIURL overrides the Bot API endpoint (self-hosted bot API servers, tests).
	APIURL string
	// Offline skips the getMe handshake at construction.
	Offline bool
	Timeout time.Duration
}

// Adapter is a send-only Telegram transport. The bot never polls for
// updates: subscribers read the channel, nobody talks back.
type Adapter struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		URL:     cfg.APIURL,
		Offline: cfg.Offline,
		Client:  &http.Client{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if !cfg.Offline && b.Me != nil {
		log.Info("telegram bot ready", logx.String("username", b.Me.Username))
	}
	return &Adapter{cfg: cfg, log: log, bot: b}, nil
}

const telegramTextLimit = 4000

// textChunk is one sendable piece of a long message. tail is the message
// from this chunk on, used to resume after a partial send.
type textChunk struct {
	text string
	tail string
}

// splitTelegramText splits long messages into chunks that are safe to send to Telegram.
// It prefers newline boundaries and (best-effort) avoids splitting inside HTML tags when ParseMode is HTML.
func splitTelegramText(s string, limit int, parseMode string) []string {
	chunks := splitChunks(s, limit, parseMode)
	out := make([]string, len(chunks))
	for i, c := range chunks {
		out[i] = c.text
	}
	return out
}

func splitChunks(s string, limit int, parseMode string) []textChunk {
	if limit <= 0 {
		limit = telegramTextLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []textChunk{{text: s, tail: s}}
	}

	out := make([]textChunk, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := min(start+limit, len(rs))

		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				// Avoid extremely small chunks.
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}

		if strings.EqualFold(parseMode, tele.ModeHTML) && end < len(rs) {
			lastOpen, lastClose := -1, -1
			for i := start; i < end; i++ {
				switch rs[i] {
				case '<':
					lastOpen = i
				case '>':
					lastClose = i
				}
			}
			if lastOpen > lastClose && lastOpen > start+1 {
				end = lastOpen
			}
		}

		out = append(out, textChunk{text: strings.TrimRight(string(rs[start:end]), "\n"), tail: string(rs[start:])})

		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}

func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	if opt == nil {
		opt = &kit.SendOptions{}
	}
	chat := &tele.Chat{ID: to.ChatID}

	// A failure after the first chunk reports how far delivery got, so a
	// retry resends only the rest.
	var first kit.MessageRef
	for i, chunk := range splitChunks(text, telegramTextLimit, opt.ParseMode) {
		if err := ctx.Err(); err != nil {
			return first, partial(&kit.SendError{Err: err}, i, chunk.tail)
		}
		msg, err := a.bot.Send(chat, chunk.text, &tele.SendOptions{
			ParseMode:             opt.ParseMode,
			DisableWebPagePreview: opt.DisablePreview,
			DisableNotification:   opt.Silent,
			ThreadID:              to.ThreadID,
		})
		if err != nil {
			return first, partial(classify(err), i, chunk.tail)
		}
		if i == 0 {
			first = kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}
		}
	}
	return first, nil
}

func (a *Adapter) SendImage(ctx context.Context, to kit.ChatTarget, img []byte, opt *kit.ImageOptions) (kit.MessageRef, error) {
	if opt == nil {
		opt = &kit.ImageOptions{}
	}
	if len(img) == 0 {
		return kit.MessageRef{}, &kit.SendError{Err: errors.New("empty image"), Permanent: true}
	}
	if err := ctx.Err(); err != nil {
		return kit.MessageRef{}, err
	}
	photo := &tele.Photo{File: tele.FromReader(bytes.NewReader(img)), Caption: opt.Caption}
	msg, err := a.bot.Send(&tele.Chat{ID: to.ChatID}, photo, &tele.SendOptions{
		DisableNotification: opt.Silent,
		ThreadID:            to.ThreadID,
	})
	if err != nil {
		return kit.MessageRef{}, classify(err)
	}
	return kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}, nil
}

func partial(se *kit.SendError, sent int, tail string) *kit.SendError {
	if sent > 0 {
		se.Sent = sent
		se.Remaining = tail
	}
	return se
}

var reAPICode = regexp.MustCompile(`\((\d{3})\)\s*$`)

// classify maps telebot errors onto transport.SendError.
//
// Flood control, 5xx and network failures are transient. Bad requests,
// missing chats, kicked/blocked bots and bad tokens are permanent.
func classify(err error) *kit.SendError {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &kit.SendError{Err: err}
	}

	var flood tele.FloodError
	if errors.As(err, &flood) {
		return &kit.SendError{Err: err, RetryAfter: time.Duration(flood.RetryAfter) * time.Second}
	}
	var floodPtr *tele.FloodError
	if errors.As(err, &floodPtr) && floodPtr != nil {
		return &kit.SendError{Err: err, RetryAfter: time.Duration(floodPtr.RetryAfter) * time.Second}
	}
	var group tele.GroupError
	if errors.As(err, &group) {
		return &kit.SendError{Err: err, Permanent: true}
	}

	code := 0
	var apiErr *tele.Error
	if errors.As(err, &apiErr) && apiErr != nil {
		code = apiErr.Code
	} else if m := reAPICode.FindStringSubmatch(err.Error()); m != nil {
		code, _ = strconv.Atoi(m[1])
	}
	return &kit.SendError{Err: err, Permanent: permanentCode(code)}
}

func permanentCode(code int) bool {
	switch {
	case code == http.StatusTooManyRequests:
		return false
	case code >= 400 && code < 500:
		return true
	default:
		return false
	}
}
