package source

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"time"
)

// textBlob treats the whole response as one message. JSON strings and JSON
// arrays of strings or {"message"|"text": ...} objects are unwrapped; any
// other body is used as plain text.
type textBlob struct {
	base
}

func (d *textBlob) Kind() Kind { return KindDiscussion }

func (d *textBlob) Fetch(ctx context.Context) ([]RawItem, error) {
	body, err := d.get(ctx, d.url)
	if err != nil {
		return nil, err
	}
	return []RawItem{{Body: body, FetchedAt: d.now()}}, nil
}

func (d *textBlob) Normalize(raw []RawItem, now time.Time) ([]Item, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	text := extractText(raw[len(raw)-1].Body)
	if text == "" {
		return nil, nil
	}
	it, err := finalize(Item{
		SourceID: d.id,
		Kind:     KindDiscussion,
		Fields:   map[string]any{"text": text},
		Message:  text,
	})
	if err != nil {
		return nil, err
	}
	return []Item{it}, nil
}

func extractText(body []byte) string {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return ""
	}
	switch trimmed[0] {
	case '"':
		var s string
		if json.Unmarshal(trimmed, &s) == nil {
			return strings.TrimSpace(s)
		}
	case '[':
		var arr []json.RawMessage
		if json.Unmarshal(trimmed, &arr) == nil {
			parts := make([]string, 0, len(arr))
			for _, el := range arr {
				if s := textOf(el); s != "" {
					parts = append(parts, s)
				}
			}
			return strings.Join(parts, "\n\n")
		}
	case '{':
		if s := textOf(trimmed); s != "" {
			return s
		}
	}
	return string(trimmed)
}

func textOf(raw json.RawMessage) string {
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return strings.TrimSpace(s)
	}
	var obj map[string]any
	if json.Unmarshal(raw, &obj) != nil {
		return ""
	}
	for _, k := range []string{"message", "text", "body"} {
		if v, ok := obj[k].(string); ok {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
