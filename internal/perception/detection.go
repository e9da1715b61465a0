// Package perception adapts raw object-detector output into the normalised
// per-frame detections consumed by the tracker.
package perception

import (
	"time"

	"github.com/banshee-data/sortbot/internal/geom"
)

// BBox is an axis-aligned bounding box in image space (pixels).
type BBox struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

// Width returns the box width.
func (b BBox) Width() float64 { return b.X2 - b.X1 }

// Height returns the box height.
func (b BBox) Height() float64 { return b.Y2 - b.Y1 }

// Area returns the box area in pixels².
func (b BBox) Area() float64 { return b.Width() * b.Height() }

// normalized returns the box with corners ordered so X1 <= X2 and Y1 <= Y2.
func (b BBox) normalized() BBox {
	if b.X1 > b.X2 {
		b.X1, b.X2 = b.X2, b.X1
	}
	if b.Y1 > b.Y2 {
		b.Y1, b.Y2 = b.Y2, b.Y1
	}
	return b
}

// RawDetection is one detector result before normalisation.
type RawDetection struct {
	Label      string     `json:"label"`
	Confidence float64    `json:"confidence"`
	BBox       [4]float64 `json:"bbox"`
	X          float64    `json:"x"`
	Y          float64    `json:"y"`
}

// Detection is a normalised, per-frame observation of one object.
type Detection struct {
	Label      string     `json:"label"`
	Confidence float64    `json:"confidence"`
	Box        BBox       `json:"bbox"`
	Position   geom.Point `json:"position"`
	Timestamp  time.Time  `json:"timestamp"`
}

// Area returns the bounding box area.
func (d Detection) Area() float64 { return d.Box.Area() }

// Frame is one decoded detector frame.
type Frame struct {
	Seq        uint64
	Timestamp  time.Time
	Detections []RawDetection
}
