// Package strategy decides which zone a tracked object belongs in. Strategies
// are pure: they read an object snapshot and a zone snapshot and never mutate
// either.
package strategy

import (
	"sort"

	"github.com/banshee-data/sortbot/internal/tracking"
	"github.com/banshee-data/sortbot/internal/zones"
)

// Reject reasons.
const (
	ReasonUnmapped      = "unmapped"
	ReasonZoneFull      = "zone_full"
	ReasonLowConfidence = "low_confidence"
)

// Decision is the outcome of a strategy. When Reject is set ZoneID may still
// name the preferred zone (for zone_full) so callers can attribute the
// rejection.
type Decision struct {
	ZoneID string `json:"zone_id,omitempty"`
	Reject bool   `json:"reject"`
	Reason string `json:"reason,omitempty"`
}

// Strategy maps a tracked object to a zone.
type Strategy interface {
	Decide(obj tracking.TrackedObject, zs []zones.Zone) Decision
	Name() string
}

// pick selects among eligible zones: zones without spare capacity are
// skipped, then the lowest (occupancy+reserved)/capacity wins, then the
// lowest zone ID.
func pick(candidates []string, zs []zones.Zone) Decision {
	byID := make(map[string]zones.Zone, len(zs))
	for _, z := range zs {
		byID[z.ID] = z
	}

	var known []zones.Zone
	seen := make(map[string]bool, len(candidates))
	for _, id := range candidates {
		if seen[id] {
			continue
		}
		seen[id] = true
		if z, ok := byID[id]; ok {
			known = append(known, z)
		}
	}
	if len(known) == 0 {
		return Decision{Reject: true, Reason: ReasonUnmapped}
	}

	open := make([]zones.Zone, 0, len(known))
	for _, z := range known {
		if z.Free() > 0 {
			open = append(open, z)
		}
	}
	if len(open) == 0 {
		return Decision{ZoneID: known[0].ID, Reject: true, Reason: ReasonZoneFull}
	}

	sort.Slice(open, func(i, j int) bool {
		li, lj := open[i].Load(), open[j].Load()
		if li != lj {
			return li < lj
		}
		return open[i].ID < open[j].ID
	})
	return Decision{ZoneID: open[0].ID}
}

func withDefault(cands []string, def string) []string {
	if len(cands) == 0 && def != "" {
		return []string{def}
	}
	return cands
}

// ClassBased maps object labels to zones.
type ClassBased struct {
	Mapping map[string][]string
	// Default catches labels absent from Mapping. Empty rejects them.
	Default string
}

func (s *ClassBased) lookup(obj tracking.TrackedObject) []string {
	return s.Mapping[obj.Label]
}

func (s *ClassBased) candidates(obj tracking.TrackedObject) []string {
	return withDefault(s.lookup(obj), s.Default)
}

// Decide implements Strategy.
func (s *ClassBased) Decide(obj tracking.TrackedObject, zs []zones.Zone) Decision {
	return pick(s.candidates(obj), zs)
}

func (s *ClassBased) Name() string { return "class" }

// SizeBucket routes objects whose area is at most MaxArea. MaxArea zero
// matches any size.
type SizeBucket struct {
	MaxArea float64
	Zones   []string
}

// SizeBased maps bounding-box area to zones using ascending buckets.
type SizeBased struct {
	Buckets []SizeBucket
	Default string
}

func (s *SizeBased) lookup(obj tracking.TrackedObject) []string {
	area := obj.Area()
	for _, b := range s.Buckets {
		if b.MaxArea == 0 || area <= b.MaxArea {
			return b.Zones
		}
	}
	return nil
}

func (s *SizeBased) candidates(obj tracking.TrackedObject) []string {
	return withDefault(s.lookup(obj), s.Default)
}

// Decide implements Strategy.
func (s *SizeBased) Decide(obj tracking.TrackedObject, zs []zones.Zone) Decision {
	return pick(s.candidates(obj), zs)
}

func (s *SizeBased) Name() string { return "size" }

// ConfidenceGate rejects objects whose mean confidence is below the class
// threshold and defers the rest to Next.
type ConfidenceGate struct {
	Thresholds map[string]float64
	Default    float64
	Next       Strategy
}

func (s *ConfidenceGate) threshold(label string) float64 {
	if th, ok := s.Thresholds[label]; ok {
		return th
	}
	return s.Default
}

// Decide implements Strategy.
func (s *ConfidenceGate) Decide(obj tracking.TrackedObject, zs []zones.Zone) Decision {
	if obj.Confidence < s.threshold(obj.Label) {
		return Decision{Reject: true, Reason: ReasonLowConfidence}
	}
	return s.Next.Decide(obj, zs)
}

func (s *ConfidenceGate) Name() string { return "gate(" + s.Next.Name() + ")" }

// Excluding hides zones from Next by presenting them as full. The
// orchestrator uses it to re-decide after a reserve lost a race.
type Excluding struct {
	Next    Strategy
	Exclude map[string]bool
}

// Exclude wraps s so the given zones are never chosen.
func Exclude(s Strategy, ids ...string) *Excluding {
	ex := &Excluding{Next: s, Exclude: make(map[string]bool, len(ids))}
	if inner, ok := s.(*Excluding); ok {
		ex.Next = inner.Next
		for id := range inner.Exclude {
			ex.Exclude[id] = true
		}
	}
	for _, id := range ids {
		ex.Exclude[id] = true
	}
	return ex
}

// Decide implements Strategy.
func (s *Excluding) Decide(obj tracking.TrackedObject, zs []zones.Zone) Decision {
	masked := make([]zones.Zone, len(zs))
	copy(masked, zs)
	for i := range masked {
		if s.Exclude[masked[i].ID] {
			masked[i].Reserved = masked[i].Capacity - masked[i].Occupancy
		}
	}
	return s.Next.Decide(obj, masked)
}

func (s *Excluding) Name() string { return s.Next.Name() }
