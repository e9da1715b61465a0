// Package geom holds the planar world-frame types shared by perception,
// tracking, zones and the robot gateway. Units are metres.
package geom

import (
	"fmt"
	"math"
)

// Point is a position in the static world frame.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Dist returns the Euclidean distance between a and b.
func Dist(a, b Point) float64 {
	return math.Hypot(a.X-b.X, a.Y-b.Y)
}

// Lerp moves a toward b by alpha (0 keeps a, 1 returns b).
func Lerp(a, b Point, alpha float64) Point {
	return Point{
		X: a.X + alpha*(b.X-a.X),
		Y: a.Y + alpha*(b.Y-a.Y),
	}
}

// IsFinite reports whether both coordinates are finite numbers.
func (p Point) IsFinite() bool {
	return !math.IsNaN(p.X) && !math.IsInf(p.X, 0) && !math.IsNaN(p.Y) && !math.IsInf(p.Y, 0)
}

func (p Point) String() string {
	return fmt.Sprintf("(%.3f, %.3f)", p.X, p.Y)
}
