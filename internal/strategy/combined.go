package strategy

import (
	"github.com/banshee-data/sortbot/internal/config"
	"github.com/banshee-data/sortbot/internal/tracking"
	"github.com/banshee-data/sortbot/internal/zones"
)

// Combined decides with both the class mapping and the size buckets. Mode is
// one of the config.Combine* constants.
type Combined struct {
	Class   *ClassBased
	Size    *SizeBased
	Mode    string
	Default string
}

func (s *Combined) candidates(obj tracking.TrackedObject) []string {
	byClass := s.Class.lookup(obj)
	bySize := s.Size.lookup(obj)

	var cands []string
	switch s.Mode {
	case config.CombineClassOnly:
		cands = byClass
	case config.CombineSizeOnly:
		cands = bySize
	case config.CombineSizeThenClass:
		cands = bySize
		if len(cands) == 0 {
			cands = byClass
		}
	case config.CombineIntersect:
		switch {
		case len(byClass) == 0:
			cands = bySize
		case len(bySize) == 0:
			cands = byClass
		default:
			inSize := make(map[string]bool, len(bySize))
			for _, id := range bySize {
				inSize[id] = true
			}
			for _, id := range byClass {
				if inSize[id] {
					cands = append(cands, id)
				}
			}
		}
	default: // config.CombineClassThenSize
		cands = byClass
		if len(cands) == 0 {
			cands = bySize
		}
	}
	return withDefault(cands, s.Default)
}

// Decide implements Strategy.
func (s *Combined) Decide(obj tracking.TrackedObject, zs []zones.Zone) Decision {
	return pick(s.candidates(obj), zs)
}

func (s *Combined) Name() string { return s.Mode }

// FromConfig builds the configured strategy: a confidence gate in front of
// the class/size combination.
func FromConfig(cfg *config.SorterConfig) Strategy {
	buckets := cfg.GetSizeBuckets()
	sb := make([]SizeBucket, len(buckets))
	for i, b := range buckets {
		sb[i] = SizeBucket{MaxArea: b.MaxArea, Zones: b.Zones}
	}
	def := cfg.GetDefaultZone()

	return &ConfidenceGate{
		Thresholds: cfg.GetClassConfidenceThresholds(),
		Default:    cfg.GetDefaultConfidenceThreshold(),
		Next: &Combined{
			Class:   &ClassBased{Mapping: cfg.GetClassZoneMapping(), Default: def},
			Size:    &SizeBased{Buckets: sb, Default: def},
			Mode:    cfg.GetStrategyCombine(),
			Default: def,
		},
	}
}
