package render

import (
	"bytes"
	"errors"
	"image"
	"image/png"
	"math"
	"testing"
	"time"

	"spacewatch/internal/source"
)

func TestSeverityTotalAndMonotonic(t *testing.T) {
	t.Parallel()
	prev := -1
	for v := -1.0; v <= 12.0; v += 0.01 {
		idx := SeverityIndex(v)
		if idx < 0 || idx >= len(Severity) {
			t.Fatalf("SeverityIndex(%v) = %d out of range", v, idx)
		}
		if idx < prev {
			t.Fatalf("SeverityIndex not monotonic at %v: %d < %d", v, idx, prev)
		}
		prev = idx
	}
	if got := SeverityIndex(math.NaN()); got != len(Severity)-1 {
		t.Fatalf("NaN bucket = %d", got)
	}
	if got := SeverityIndex(math.Inf(-1)); got != 0 {
		t.Fatalf("-Inf bucket = %d", got)
	}
}

func TestSeverityBoundaries(t *testing.T) {
	t.Parallel()
	cases := []struct {
		v    float64
		want int
	}{
		{0, 0}, {2, 0}, {2.01, 1}, {3, 1}, {4.67, 3}, {5, 3}, {8.33, 7}, {9, 7}, {9.5, 7},
	}
	for _, tc := range cases {
		if got := SeverityIndex(tc.v); got != tc.want {
			t.Errorf("SeverityIndex(%v) = %d, want %d", tc.v, got, tc.want)
		}
	}
}

func TestRenderText(t *testing.T) {
	t.Parallel()
	r := New()
	p, err := r.Render(source.Item{SourceID: "alerts", Kind: source.KindAlerts, Message: "ALERT: Geomagnetic K-index of 7"}, Options{Silent: true})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if p.Kind != PayloadText || p.Text != "ALERT: Geomagnetic K-index of 7" || !p.Silent {
		t.Fatalf("payload = %+v", p)
	}

	_, err = r.Render(source.Item{SourceID: "alerts", Kind: source.KindAlerts, Message: "  "}, Options{})
	var rerr *RenderError
	if !errors.As(err, &rerr) || rerr.SourceID != "alerts" {
		t.Fatalf("err = %v, want *RenderError", err)
	}
}

func TestRenderSnapshotPassthrough(t *testing.T) {
	t.Parallel()
	r := New()
	blob := []byte{0x89, 'P', 'N', 'G'}
	p, err := r.Render(source.Item{SourceID: "sun", Kind: source.KindSnapshot, Blob: blob}, Options{Caption: "SDO"})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if p.Kind != PayloadImage || !bytes.Equal(p.Image, blob) || p.Caption != "SDO" {
		t.Fatalf("payload = %+v", p)
	}
	if _, err := r.Render(source.Item{SourceID: "sun", Kind: source.KindSnapshot}, Options{}); err == nil {
		t.Fatal("empty blob rendered")
	}
}

func TestRenderForecastChart(t *testing.T) {
	t.Parallel()
	start := time.Date(2024, 5, 10, 15, 0, 0, 0, time.UTC)
	pts := []source.Point{
		{Time: start, Value: 1},
		{Time: start.Add(3 * time.Hour), Value: 4.33},
		{Time: start.Add(6 * time.Hour), Value: 8.67},
		{Time: start.Add(9 * time.Hour), Value: 6},
	}
	r := New().WithClock(func() time.Time { return start })
	p, err := r.Render(source.Item{
		SourceID: "kp", Kind: source.KindForecast, Display: pts, Offset: 3 * time.Hour,
	}, Options{Width: 640, Height: 320, Title: "Kp forecast"})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if p.Kind != PayloadImage {
		t.Fatalf("kind = %s", p.Kind)
	}
	img, err := png.Decode(bytes.NewReader(p.Image))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 640 || b.Dy() != 320 {
		t.Fatalf("bounds = %v", b)
	}

	area := newPlotArea(640, 320, len(pts))
	low := luma(img, area, 0)
	high := luma(img, area, 2)
	if high >= low {
		t.Fatalf("kp 8.67 bar (luma %d) not darker than kp 1 bar (luma %d)", high, low)
	}
}

func luma(img image.Image, area plotArea, i int) uint32 {
	x, w := area.barX(i)
	y := area.y + area.h - 3
	r, g, b, _ := img.At(int(x+w/2), int(y)).RGBA()
	return (r + g + b) / 3
}

func TestRenderForecastEmptyWindow(t *testing.T) {
	t.Parallel()
	_, err := New().Render(source.Item{SourceID: "kp", Kind: source.KindForecast}, Options{})
	var rerr *RenderError
	if !errors.As(err, &rerr) {
		t.Fatalf("err = %v, want *RenderError", err)
	}
	if !errors.Is(err, ErrNoDisplayRows) {
		t.Fatalf("err = %v, want ErrNoDisplayRows", err)
	}
	_, err = New().Render(source.Item{SourceID: "alerts", Kind: source.KindAlerts, Message: " "}, Options{})
	if err == nil || errors.Is(err, ErrNoDisplayRows) {
		t.Fatalf("empty message err = %v", err)
	}
}

func TestOffsetZone(t *testing.T) {
	t.Parallel()
	z := offsetZone(3 * time.Hour)
	at := time.Date(2024, 5, 10, 22, 0, 0, 0, time.UTC).In(z)
	if at.Day() != 11 || at.Hour() != 1 {
		t.Fatalf("local time = %v", at)
	}
	if name, _ := at.Zone(); name != "UTC+03:00" {
		t.Fatalf("zone name = %q", name)
	}
	if name, _ := time.Unix(0, 0).In(offsetZone(-90 * time.Minute)).Zone(); name != "UTC-01:30" {
		t.Fatalf("negative zone name = %q", name)
	}
}
