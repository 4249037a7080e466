package source

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var forecastTimeLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.000",
	"2006-01-02T15:04:05",
	time.RFC3339,
}

type forecastRow struct {
	At time.Time
	Kp float64
}

// forecastSeries reads a Kp table:
//
//	[["time_tag","kp","observed","noaa_scale"],["2024-05-10 00:00:00","3.67","observed",null],...]
//
// The fingerprint covers the whole series. Only rows no older than offset
// before now are displayed.
type forecastSeries struct {
	base
	offset time.Duration
}

func (s *forecastSeries) Kind() Kind { return KindForecast }

func (s *forecastSeries) Fetch(ctx context.Context) ([]RawItem, error) {
	body, err := s.get(ctx, s.url)
	if err != nil {
		return nil, err
	}
	rows, err := parseForecast(body)
	if err != nil {
		return nil, fetchErr(s.id, "parse", err)
	}
	return []RawItem{{Body: body, Value: rows, FetchedAt: s.now()}}, nil
}

func (s *forecastSeries) Normalize(raw []RawItem, now time.Time) ([]Item, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	last := raw[len(raw)-1]
	rows, ok := last.Value.([]forecastRow)
	if !ok {
		var err error
		if rows, err = parseForecast(last.Body); err != nil {
			return nil, fetchErr(s.id, "parse", err)
		}
	}
	if len(rows) == 0 {
		return nil, nil
	}

	series := make([][2]string, 0, len(rows))
	for _, r := range rows {
		series = append(series, [2]string{
			r.At.UTC().Format(time.RFC3339),
			strconv.FormatFloat(r.Kp, 'f', -1, 64),
		})
	}

	cutoff := now.Add(-s.offset)
	display := make([]Point, 0, len(rows))
	for _, r := range rows {
		if r.At.Before(cutoff) {
			continue
		}
		display = append(display, Point{Time: r.At, Value: r.Kp})
	}

	it, err := finalize(Item{
		SourceID: s.id,
		Kind:     KindForecast,
		Fields:   map[string]any{"series": series},
		SortKey:  series[len(series)-1][0],
		Display:  display,
		Offset:   s.offset,
	})
	if err != nil {
		return nil, err
	}
	return []Item{it}, nil
}

func parseForecast(body []byte) ([]forecastRow, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var table [][]any
	if err := dec.Decode(&table); err != nil {
		return nil, fmt.Errorf("forecast: expected JSON table: %w", err)
	}
	if len(table) == 0 {
		return nil, nil
	}
	// Header row: its first cell is not a timestamp.
	if len(table[0]) > 0 {
		if s, ok := table[0][0].(string); ok {
			if _, err := parseForecastTime(s); err != nil {
				table = table[1:]
			}
		}
	}

	rows := make([]forecastRow, 0, len(table))
	for i, cells := range table {
		if len(cells) < 2 {
			return nil, fmt.Errorf("forecast: row %d: want at least 2 cells, got %d", i+1, len(cells))
		}
		ts, ok := cells[0].(string)
		if !ok {
			return nil, fmt.Errorf("forecast: row %d: time_tag is %T", i+1, cells[0])
		}
		at, err := parseForecastTime(ts)
		if err != nil {
			return nil, fmt.Errorf("forecast: row %d: %w", i+1, err)
		}
		kp, err := parseKp(cells[1])
		if err != nil {
			return nil, fmt.Errorf("forecast: row %d: %w", i+1, err)
		}
		rows = append(rows, forecastRow{At: at, Kp: kp})
	}
	return rows, nil
}

func parseForecastTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range forecastTimeLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparsable time %q", s)
}

func parseKp(v any) (float64, error) {
	var s string
	switch x := v.(type) {
	case json.Number:
		s = x.String()
	case string:
		s = strings.TrimSpace(x)
	case nil:
		return 0, errors.New("kp is null")
	default:
		return 0, fmt.Errorf("kp is %T", v)
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("unparsable kp %q", s)
	}
	return f, nil
}
