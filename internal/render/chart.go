package render

import (
	"bytes"
	"fmt"
	"image/color"
	"time"

	"github.com/fogleman/gg"
	"golang.org/x/image/font/basicfont"

	"spacewatch/internal/source"
)

const (
	marginLeft   = 40.0
	marginRight  = 16.0
	marginTop    = 36.0
	marginBottom = 36.0

	scaleMax = 9.0
)

type chartOptions struct {
	Title  string
	Width  int
	Height int
	Offset time.Duration
	Now    time.Time
}

type plotArea struct {
	x, y, w, h float64
	n          int
}

func newPlotArea(width, height, n int) plotArea {
	return plotArea{
		x: marginLeft,
		y: marginTop,
		w: float64(width) - marginLeft - marginRight,
		h: float64(height) - marginTop - marginBottom,
		n: n,
	}
}

func (p plotArea) barX(i int) (x, w float64) {
	w = p.w / float64(p.n)
	return p.x + float64(i)*w, w
}

func (p plotArea) valueY(v float64) float64 {
	v = min(max(v, 0), scaleMax)
	return p.y + p.h - v/scaleMax*p.h
}

func offsetZone(off time.Duration) *time.Location {
	sign := '+'
	d := off
	if d < 0 {
		sign = '-'
		d = -d
	}
	h := int(d / time.Hour)
	m := int((d % time.Hour) / time.Minute)
	return time.FixedZone(fmt.Sprintf("UTC%c%02d:%02d", sign, h, m), int(off/time.Second))
}

// drawChart renders one bar per point, colored by severity, with a marker
// at every local-day transition.
func drawChart(points []source.Point, opts chartOptions) ([]byte, error) {
	if len(points) == 0 {
		return nil, fmt.Errorf("no points to plot")
	}
	w, h := opts.Width, opts.Height
	if w <= 0 {
		w = 800
	}
	if h <= 0 {
		h = 400
	}
	zone := offsetZone(opts.Offset)
	area := newPlotArea(w, h, len(points))

	dc := gg.NewContext(w, h)
	dc.SetFontFace(basicfont.Face7x13)
	dc.SetColor(color.White)
	dc.Clear()

	// Horizontal grid and scale.
	dc.SetLineWidth(1)
	for v := 0; v <= int(scaleMax); v++ {
		y := area.valueY(float64(v))
		dc.SetColor(color.RGBA{R: 0xdd, G: 0xdd, B: 0xdd, A: 0xff})
		dc.DrawLine(area.x, y, area.x+area.w, y)
		dc.Stroke()
		dc.SetColor(color.Black)
		dc.DrawStringAnchored(fmt.Sprintf("%d", v), area.x-8, y, 1, 0.5)
	}

	for i, p := range points {
		x, bw := area.barX(i)
		top := area.valueY(p.Value)
		dc.SetColor(SeverityColor(p.Value))
		dc.DrawRectangle(x+1, top, max(bw-2, 1), area.y+area.h-top)
		dc.Fill()
	}

	// Day boundaries in the observation zone.
	var prev time.Time
	for i, p := range points {
		lt := p.Time.In(zone)
		if i > 0 && lt.YearDay() == prev.YearDay() && lt.Year() == prev.Year() {
			prev = lt
			continue
		}
		prev = lt
		x, _ := area.barX(i)
		if i > 0 {
			dc.SetColor(color.RGBA{R: 0x55, G: 0x55, B: 0x55, A: 0xff})
			dc.SetDash(4, 3)
			dc.DrawLine(x, area.y, x, area.y+area.h)
			dc.Stroke()
			dc.SetDash()
		}
		dc.SetColor(color.Black)
		dc.DrawStringAnchored(lt.Format("Jan 02"), x+2, area.y+area.h+14, 0, 0.5)
	}

	title := opts.Title
	if title == "" {
		title = "Kp index"
	}
	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}
	dc.SetColor(color.Black)
	dc.DrawStringAnchored(
		fmt.Sprintf("%s  %s", title, now.In(zone).Format("2006-01-02 15:04 MST")),
		float64(w)/2, marginTop/2, 0.5, 0.5,
	)

	var buf bytes.Buffer
	if err := dc.EncodePNG(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
