package perception

import (
	"math"
	"strings"
	"time"

	"github.com/banshee-data/sortbot/internal/config"
	"github.com/banshee-data/sortbot/internal/geom"
)

// AdapterConfig controls which detections reach the tracker.
type AdapterConfig struct {
	// Classes is the set of labels to track. Empty accepts every label.
	Classes []string
	// ConfidenceFloor drops detections below this confidence.
	ConfidenceFloor float64
}

// AdapterConfigFromSorter builds an AdapterConfig from the loaded sorter
// configuration.
func AdapterConfigFromSorter(cfg *config.SorterConfig) AdapterConfig {
	return AdapterConfig{
		Classes:         cfg.GetObjectClasses(),
		ConfidenceFloor: cfg.GetDetectionConfidenceFloor(),
	}
}

// Adapter normalises raw detector output.
type Adapter struct {
	classes map[string]bool
	floor   float64
}

// NewAdapter creates an Adapter.
func NewAdapter(cfg AdapterConfig) *Adapter {
	a := &Adapter{floor: cfg.ConfidenceFloor}
	if len(cfg.Classes) > 0 {
		a.classes = make(map[string]bool, len(cfg.Classes))
		for _, c := range cfg.Classes {
			a.classes[normalizeLabel(c)] = true
		}
	}
	return a
}

func normalizeLabel(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Normalize converts raw detections into Detections stamped with ts. Input
// order is preserved for the detections that survive filtering.
func (a *Adapter) Normalize(raw []RawDetection, ts time.Time) []Detection {
	out := make([]Detection, 0, len(raw))
	for _, r := range raw {
		label := normalizeLabel(r.Label)
		if label == "" {
			continue
		}
		if a.classes != nil && !a.classes[label] {
			continue
		}
		pos := geom.Point{X: r.X, Y: r.Y}
		if !pos.IsFinite() {
			continue
		}
		conf := clamp01(r.Confidence)
		if conf < a.floor {
			continue
		}
		box := BBox{X1: r.BBox[0], Y1: r.BBox[1], X2: r.BBox[2], Y2: r.BBox[3]}.normalized()
		out = append(out, Detection{
			Label:      label,
			Confidence: conf,
			Box:        box,
			Position:   pos,
			Timestamp:  ts,
		})
	}
	return out
}
