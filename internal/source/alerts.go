package source

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// alertFeed reads a JSON array of alert records and only ever reports the
// last one.
type alertFeed struct {
	base
}

func (a *alertFeed) Kind() Kind { return KindAlerts }

func (a *alertFeed) Fetch(ctx context.Context) ([]RawItem, error) {
	body, err := a.get(ctx, a.url)
	if err != nil {
		return nil, err
	}
	var recs []json.RawMessage
	if err := json.Unmarshal(body, &recs); err != nil {
		return nil, fetchErr(a.id, "parse", fmt.Errorf("alerts: expected JSON array: %w", err))
	}
	now := a.now()
	out := make([]RawItem, 0, len(recs))
	for _, r := range recs {
		out = append(out, RawItem{Body: r, FetchedAt: now})
	}
	return out, nil
}

func (a *alertFeed) Normalize(raw []RawItem, now time.Time) ([]Item, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	last := raw[len(raw)-1]

	dec := json.NewDecoder(bytes.NewReader(last.Body))
	dec.UseNumber()
	var rec map[string]any
	if err := dec.Decode(&rec); err != nil {
		return nil, fetchErr(a.id, "parse", fmt.Errorf("alerts: last record is not an object: %w", err))
	}

	it := Item{
		SourceID: a.id,
		Kind:     KindAlerts,
		Fields:   rec,
	}
	if msg, ok := rec["message"].(string); ok {
		it.Message = msg
	}
	if ts, ok := rec["issue_datetime"].(string); ok {
		it.SortKey = ts
	}
	it, err := finalize(it)
	if err != nil {
		return nil, err
	}
	return []Item{it}, nil
}
