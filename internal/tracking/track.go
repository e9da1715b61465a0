package tracking

import (
	"time"

	"github.com/banshee-data/sortbot/internal/geom"
)

// TrackState represents the lifecycle state of a track.
type TrackState string

const (
	TrackCandidate TrackState = "candidate" // Seen, not yet trusted
	TrackConfirmed TrackState = "confirmed" // Eligible for a sort task
	TrackCommitted TrackState = "committed" // Locked into a sort task
	TrackRetired   TrackState = "retired"   // Finished; removed after the grace period
)

// RetireReason records why a track left the active set.
type RetireReason string

const (
	RetirePlaced    RetireReason = "placed"    // Delivered to a zone
	RetireFailed    RetireReason = "failed"    // Sort task failed
	RetireLost      RetireReason = "lost"      // Missed too many frames
	RetireAmbiguous RetireReason = "ambiguous" // Label never settled
)

// LabelSample is one label observation in a track's voting window.
type LabelSample struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

// TrackedObject is a single physical object's identity maintained across
// frames. Values returned by the Tracker are copies and safe to retain.
type TrackedObject struct {
	TrackID    string     `json:"track_id"`
	Label      string     `json:"label"`
	Confidence float64    `json:"confidence"`
	Position   geom.Point `json:"position"`
	BoxWidth   float64    `json:"box_width"`
	BoxHeight  float64    `json:"box_height"`

	Age       int `json:"age"` // frames with a matched detection
	Hits      int `json:"hits"`
	Misses    int `json:"misses"` // consecutive
	Ambiguity int `json:"ambiguity"`

	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`

	State        TrackState   `json:"state"`
	ConfirmedSeq int64        `json:"confirmed_seq,omitempty"`
	RetireReason RetireReason `json:"retire_reason,omitempty"`
	RetiredAt    time.Time    `json:"retired_at,omitempty"`

	Window []LabelSample `json:"-"`
}

// Area returns the smoothed bounding-box area in pixels².
func (o TrackedObject) Area() float64 {
	return o.BoxWidth * o.BoxHeight
}

// Active reports whether the track still takes part in association.
func (o TrackedObject) Active() bool {
	return o.State != TrackRetired
}

func (o *TrackedObject) clone() TrackedObject {
	c := *o
	if len(o.Window) > 0 {
		c.Window = make([]LabelSample, len(o.Window))
		copy(c.Window, o.Window)
	}
	return c
}

// vote returns the majority label over the window and its share. Ties keep
// current when it is among the leaders, otherwise the lexically smallest
// leader wins.
func vote(window []LabelSample, current string) (string, float64) {
	if len(window) == 0 {
		return current, 0
	}
	counts := make(map[string]int, 4)
	for _, s := range window {
		counts[s.Label]++
	}
	best, bestN := "", -1
	for label, n := range counts {
		switch {
		case n > bestN:
			best, bestN = label, n
		case n == bestN:
			if label == current || (best != current && label < best) {
				best = label
			}
		}
	}
	return best, float64(bestN) / float64(len(window))
}

// meanConfidence averages confidences of window entries carrying label.
func meanConfidence(window []LabelSample, label string) float64 {
	var sum float64
	var n int
	for _, s := range window {
		if s.Label == label {
			sum += s.Confidence
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

func (o *TrackedObject) seenLabel(label string) bool {
	if o.Label == label {
		return true
	}
	for _, s := range o.Window {
		if s.Label == label {
			return true
		}
	}
	return false
}
