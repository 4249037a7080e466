// Package render turns normalized items into deliverable payloads.
package render

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"spacewatch/internal/source"
)

type PayloadKind string

const (
	PayloadText  PayloadKind = "text"
	PayloadImage PayloadKind = "image"
)

type Payload struct {
	Kind    PayloadKind
	Text    string
	Image   []byte
	Caption string
	Silent  bool
}

// ErrNoDisplayRows means a forecast has no rows left inside its display
// window. Callers treat it as "nothing to send yet" rather than a failure.
var ErrNoDisplayRows = errors.New("no rows inside the display window")

type RenderError struct {
	SourceID string
	Err      error
}

func (e *RenderError) Error() string { return fmt.Sprintf("render %s: %v", e.SourceID, e.Err) }
func (e *RenderError) Unwrap() error { return e.Err }

// Options are the per-source presentation settings.
type Options struct {
	Silent  bool
	Caption string
	// Chart settings; forecast only.
	Title  string
	Width  int
	Height int
}

type Renderer struct {
	now func() time.Time
}

func New() *Renderer { return &Renderer{now: time.Now} }

// WithClock sets the time embedded in chart titles.
func (r *Renderer) WithClock(now func() time.Time) *Renderer {
	if now != nil {
		r.now = now
	}
	return r
}

func (r *Renderer) Render(it source.Item, opts Options) (Payload, error) {
	fail := func(err error) (Payload, error) {
		return Payload{}, &RenderError{SourceID: it.SourceID, Err: err}
	}

	switch it.Kind {
	case source.KindAlerts, source.KindDiscussion:
		if strings.TrimSpace(it.Message) == "" {
			return fail(errors.New("empty message"))
		}
		return Payload{Kind: PayloadText, Text: it.Message, Silent: opts.Silent}, nil

	case source.KindForecast:
		if len(it.Display) == 0 {
			return fail(ErrNoDisplayRows)
		}
		png, err := drawChart(it.Display, chartOptions{
			Title:  opts.Title,
			Width:  opts.Width,
			Height: opts.Height,
			Offset: it.Offset,
			Now:    r.now(),
		})
		if err != nil {
			return fail(err)
		}
		return Payload{Kind: PayloadImage, Image: png, Caption: opts.Caption, Silent: opts.Silent}, nil

	case source.KindSnapshot:
		if len(it.Blob) == 0 {
			return fail(errors.New("empty image"))
		}
		return Payload{Kind: PayloadImage, Image: it.Blob, Caption: opts.Caption, Silent: opts.Silent}, nil

	default:
		return fail(fmt.Errorf("unsupported kind %q", it.Kind))
	}
}
