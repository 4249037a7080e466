package transport

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type ChatTarget struct {
	ChatID   int64
	ThreadID int // telegram forum topic thread id (0 if none)
}

func (t ChatTarget) String() string {
	if t.ThreadID != 0 {
		return fmt.Sprintf("%d/%d", t.ChatID, t.ThreadID)
	}
	return fmt.Sprintf("%d", t.ChatID)
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
	// Silent delivers without a notification sound (Telegram disable_notification).
	Silent bool
}

type ImageOptions struct {
	Caption string
	Silent  bool
}

// Sender is the outbound half of a chat transport.
type Sender interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	SendImage(ctx context.Context, to ChatTarget, img []byte, opt *ImageOptions) (MessageRef, error)
}

// SendError classifies a transport failure. Adapters wrap every send error
// in a SendError so callers can decide whether a retry makes sense.
type SendError struct {
	Err        error
	Permanent  bool
	RetryAfter time.Duration // server-requested wait (flood control), 0 if unknown

	// Sent counts the chunks of a split text delivered before the failure.
	// Remaining is the text still to deliver; set only when Sent > 0.
	Sent      int
	Remaining string
}

func (e *SendError) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	if e.Sent > 0 {
		kind += fmt.Sprintf(", %d chunks delivered", e.Sent)
	}
	if e.RetryAfter > 0 {
		return fmt.Sprintf("send failed (%s, retry after %s): %v", kind, e.RetryAfter, e.Err)
	}
	return fmt.Sprintf("send failed (%s): %v", kind, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// IsPermanent reports whether err is a SendError marked permanent.
// Unclassified errors are treated as transient.
func IsPermanent(err error) bool {
	var se *SendError
	if errors.As(err, &se) {
		return se.Permanent
	}
	return false
}

// RetryAfter extracts a server-requested wait from err (0 if none).
func RetryAfter(err error) time.Duration {
	var se *SendError
	if errors.As(err, &se) {
		return se.RetryAfter
	}
	return 0
}

// Unsent returns the undelivered tail of a partially sent text. ok is false
// when nothing was delivered and the whole text must be resent.
func Unsent(err error) (rest string, ok bool) {
	var se *SendError
	if errors.As(err, &se) && se.Sent > 0 {
		return se.Remaining, true
	}
	return "", false
}
