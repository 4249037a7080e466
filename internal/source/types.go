package source

import (
	"context"
	"fmt"
	"time"
)

type Kind string

const (
	KindAlerts     Kind = "alerts"
	KindDiscussion Kind = "discussion"
	KindForecast   Kind = "forecast"
	KindSnapshot   Kind = "snapshot"
)

// RawItem is one opaque unit returned by a fetch. Its shape depends on the
// source: an alert record, a forecast table, a text blob or image bytes.
type RawItem struct {
	Body      []byte
	Value     any // decoded form when Fetch already parsed Body
	FetchedAt time.Time
}

// Point is one (timestamp, index) row of a forecast series.
type Point struct {
	Time  time.Time
	Value float64
}

// Item is a normalized observation.
//
// Only Fields feeds the fingerprint. Message, Display and Blob are render
// inputs and are left out of it.
type Item struct {
	SourceID    string
	Kind        Kind
	Fields      map[string]any
	SortKey     string
	Fingerprint string

	Message string
	Display []Point
	// Offset is the observation zone offset Display is shown in.
	Offset time.Duration
	Blob   []byte
}

// Adapter polls one feed.
type Adapter interface {
	ID() string
	Kind() Kind
	// Fetch retrieves raw data. Network, HTTP status and parse failures are
	// returned as *FetchError.
	Fetch(ctx context.Context) ([]RawItem, error)
	// Normalize turns raw data into fingerprinted items, in processing order.
	Normalize(raw []RawItem, now time.Time) ([]Item, error)
}

// Matcher is implemented by adapters whose fingerprints are similarity
// digests: two different fingerprints may still denote the same content.
type Matcher interface {
	Matches(a, b string) bool
}

// FetchError is a network, timeout, status or parse failure of one source.
type FetchError struct {
	SourceID string
	Op       string // "get" | "status" | "parse" | "decode"
	Status   int
	Err      error
}

func (e *FetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("fetch %s: %s: http %d: %v", e.SourceID, e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("fetch %s: %s: %v", e.SourceID, e.Op, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

func fetchErr(id, op string, err error) *FetchError {
	return &FetchError{SourceID: id, Op: op, Err: err}
}
