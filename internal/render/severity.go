package render

import (
	"image/color"
	"math"
)

// Bucket maps every index value up to and including Max to Color.
type Bucket struct {
	Max   float64
	Color color.RGBA
}

// Severity is ordered by Max. Values above the last bucket use the last color.
var Severity = []Bucket{
	{Max: 2, Color: color.RGBA{R: 0x1e, G: 0x37, B: 0x31, A: 0xfa}},
	{Max: 3, Color: color.RGBA{R: 0x3c, G: 0x63, B: 0x22, A: 0xfa}},
	{Max: 4, Color: color.RGBA{R: 0x91, G: 0x97, B: 0x33, A: 0xfa}},
	{Max: 5, Color: color.RGBA{R: 0x80, G: 0x4b, B: 0x19, A: 0xfa}},
	{Max: 6, Color: color.RGBA{R: 0x58, G: 0x21, B: 0x2a, A: 0xfa}},
	{Max: 7, Color: color.RGBA{R: 0x40, G: 0x25, B: 0x3b, A: 0xfa}},
	{Max: 8, Color: color.RGBA{R: 0x23, G: 0x2d, B: 0x40, A: 0xfa}},
	{Max: 9, Color: color.RGBA{R: 0x00, G: 0x00, B: 0x00, A: 0xfa}},
}

// SeverityIndex returns the bucket for v. NaN maps to the top bucket.
func SeverityIndex(v float64) int {
	if math.IsNaN(v) {
		return len(Severity) - 1
	}
	for i, b := range Severity {
		if v <= b.Max {
			return i
		}
	}
	return len(Severity) - 1
}

func SeverityColor(v float64) color.RGBA {
	return Severity[SeverityIndex(v)].Color
}
