package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// DefaultConfigPath is the path to the canonical sorter defaults file.
const DefaultConfigPath = "config/sorter.defaults.json"

// Strategy combination modes. They decide how the class mapping and the size
// buckets interact when both are configured.
const (
	CombineClassOnly     = "class_only"
	CombineSizeOnly      = "size_only"
	CombineClassThenSize = "class_then_size"
	CombineSizeThenClass = "size_then_class"
	CombineIntersect     = "intersect"
)

// ZoneConfig defines one sorting zone.
type ZoneConfig struct {
	ID       string  `json:"id"`
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Capacity int     `json:"capacity"`
}

// SizeBucket maps bounding-box areas up to MaxArea (pixels²) to zones.
// A MaxArea of zero matches any size and is only valid as the last bucket.
type SizeBucket struct {
	MaxArea float64  `json:"max_area"`
	Zones   []string `json:"zones"`
}

// SorterConfig is the root configuration loaded once at startup. Pointer
// fields are optional; the Get* accessors supply defaults for omitted values
// so partial files are safe.
type SorterConfig struct {
	// Perception
	ObjectClasses            []string `json:"object_classes,omitempty"`
	DetectionConfidenceFloor *float64 `json:"detection_confidence_floor,omitempty"`
	DetectionInterval        *int     `json:"detection_interval,omitempty"`

	// Strategy
	ClassConfidenceThresholds  map[string]float64  `json:"class_confidence_thresholds,omitempty"`
	DefaultConfidenceThreshold *float64            `json:"default_confidence_threshold,omitempty"`
	Zones                      []ZoneConfig        `json:"zones,omitempty"`
	ClassZoneMapping           map[string][]string `json:"class_zone_mapping,omitempty"`
	SizeBuckets                []SizeBucket        `json:"size_buckets,omitempty"`
	DefaultZone                *string             `json:"default_zone,omitempty"`
	StrategyCombine            *string             `json:"strategy_combine,omitempty"`

	// Tracker
	MatchDistance      *float64 `json:"match_distance,omitempty"` // metres
	HitsToConfirm      *int     `json:"hits_to_confirm,omitempty"`
	MaxMisses          *int     `json:"max_misses,omitempty"`
	MaxMissesCandidate *int     `json:"max_misses_candidate,omitempty"`
	SmoothingAlpha     *float64 `json:"smoothing_alpha,omitempty"`
	LabelWindow        *int     `json:"label_window,omitempty"`
	LabelMajority      *float64 `json:"label_majority,omitempty"`
	AmbiguityBudget    *int     `json:"ambiguity_budget,omitempty"`
	MaxTracks          *int     `json:"max_tracks,omitempty"`
	RetiredGracePeriod *string  `json:"retired_grace_period,omitempty"` // duration string like "5s"

	// Actions
	MoveTimeout        *string  `json:"move_timeout,omitempty"`
	GraspTimeout       *string  `json:"grasp_timeout,omitempty"`
	ReleaseTimeout     *string  `json:"release_timeout,omitempty"`
	PoseTimeout        *string  `json:"pose_timeout,omitempty"`
	PositionTolerance  *float64 `json:"position_tolerance,omitempty"` // metres
	GripperSettleDelay *string  `json:"gripper_settle_delay,omitempty"`
	DecisionInterval   *string  `json:"decision_interval,omitempty"`
	MaxOperationTime   *string  `json:"max_operation_time,omitempty"` // "0s" for unlimited
	MaxGraspAttempts   *int     `json:"max_grasp_attempts,omitempty"` // close attempts per task

	// Robot link
	SerialPort *string `json:"serial_port,omitempty"`
	BaudRate   *int    `json:"baud_rate,omitempty"`
	DataBits   *int    `json:"data_bits,omitempty"`
	StopBits   *int    `json:"stop_bits,omitempty"`
	Parity     *string `json:"parity,omitempty"`
}

func ptrFloat64(v float64) *float64 { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptySorterConfig returns a SorterConfig with every field unset.
func EmptySorterConfig() *SorterConfig {
	return &SorterConfig{}
}

// DefaultSorterConfig returns the built-in configuration: two object classes
// sorted into two zones plus a catch-all zone.
func DefaultSorterConfig() *SorterConfig {
	return &SorterConfig{
		ObjectClasses:              []string{"bottle", "cup"},
		DetectionConfidenceFloor:   ptrFloat64(0.25),
		DetectionInterval:          ptrInt(1),
		ClassConfidenceThresholds:  map[string]float64{},
		DefaultConfidenceThreshold: ptrFloat64(0.5),
		Zones: []ZoneConfig{
			{ID: "zone_a", X: 1.0, Y: 0.5, Capacity: 10},
			{ID: "zone_b", X: 1.0, Y: 1.5, Capacity: 10},
			{ID: "zone_default", X: 0.5, Y: 1.5, Capacity: 20},
		},
		ClassZoneMapping: map[string][]string{
			"bottle": {"zone_b"},
			"cup":    {"zone_a"},
		},
		DefaultZone:        ptrString("zone_default"),
		StrategyCombine:    ptrString(CombineClassThenSize),
		MatchDistance:      ptrFloat64(0.3),
		HitsToConfirm:      ptrInt(3),
		MaxMisses:          ptrInt(10),
		MaxMissesCandidate: ptrInt(3),
		SmoothingAlpha:     ptrFloat64(0.4),
		LabelWindow:        ptrInt(10),
		LabelMajority:      ptrFloat64(0.5),
		AmbiguityBudget:    ptrInt(5),
		MaxTracks:          ptrInt(64),
		RetiredGracePeriod: ptrString("5s"),
		MoveTimeout:        ptrString("15s"),
		GraspTimeout:       ptrString("3s"),
		ReleaseTimeout:     ptrString("3s"),
		PoseTimeout:        ptrString("1s"),
		PositionTolerance:  ptrFloat64(0.05),
		GripperSettleDelay: ptrString("500ms"),
		DecisionInterval:   ptrString("200ms"),
		MaxOperationTime:   ptrString("300s"),
		MaxGraspAttempts:   ptrInt(2),
		SerialPort:         ptrString("/dev/ttyUSB0"),
		BaudRate:           ptrInt(115200),
	}
}

// LoadSorterConfig loads a SorterConfig from a JSON file. The file must have a
// .json extension and be under 1MB.
func LoadSorterConfig(path string) (*SorterConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptySorterConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads DefaultConfigPath, searching the current
// directory and its parents. Panics if the file cannot be loaded; intended for
// tests and binaries started from inside the repository.
func MustLoadDefaultConfig() *SorterConfig {
	candidates := []string{
		DefaultConfigPath,
		"../" + DefaultConfigPath,
		"../../" + DefaultConfigPath,
		"../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := LoadSorterConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run from repository root")
}

// Validate checks value ranges and cross references between zones, class
// mappings and size buckets.
func (c *SorterConfig) Validate() error {
	for name, p := range map[string]*float64{
		"detection_confidence_floor":   c.DetectionConfidenceFloor,
		"default_confidence_threshold": c.DefaultConfidenceThreshold,
		"label_majority":               c.LabelMajority,
	} {
		if p != nil && (*p < 0 || *p > 1) {
			return fmt.Errorf("%s must be between 0 and 1, got %f", name, *p)
		}
	}
	for class, th := range c.ClassConfidenceThresholds {
		if th < 0 || th > 1 {
			return fmt.Errorf("confidence threshold for %q must be between 0 and 1, got %f", class, th)
		}
	}
	if c.SmoothingAlpha != nil && (*c.SmoothingAlpha <= 0 || *c.SmoothingAlpha > 1) {
		return fmt.Errorf("smoothing_alpha must be in (0, 1], got %f", *c.SmoothingAlpha)
	}
	if c.MatchDistance != nil && *c.MatchDistance <= 0 {
		return fmt.Errorf("match_distance must be positive, got %f", *c.MatchDistance)
	}
	if c.PositionTolerance != nil && *c.PositionTolerance <= 0 {
		return fmt.Errorf("position_tolerance must be positive, got %f", *c.PositionTolerance)
	}
	for name, p := range map[string]*int{
		"hits_to_confirm":    c.HitsToConfirm,
		"label_window":       c.LabelWindow,
		"max_tracks":         c.MaxTracks,
		"detection_interval": c.DetectionInterval,
		"max_grasp_attempts": c.MaxGraspAttempts,
	} {
		if p != nil && *p < 1 {
			return fmt.Errorf("%s must be at least 1, got %d", name, *p)
		}
	}
	for name, p := range map[string]*int{
		"max_misses":           c.MaxMisses,
		"max_misses_candidate": c.MaxMissesCandidate,
		"ambiguity_budget":     c.AmbiguityBudget,
	} {
		if p != nil && *p < 0 {
			return fmt.Errorf("%s must be non-negative, got %d", name, *p)
		}
	}
	for name, p := range map[string]*string{
		"retired_grace_period": c.RetiredGracePeriod,
		"move_timeout":         c.MoveTimeout,
		"grasp_timeout":        c.GraspTimeout,
		"release_timeout":      c.ReleaseTimeout,
		"pose_timeout":         c.PoseTimeout,
		"gripper_settle_delay": c.GripperSettleDelay,
		"decision_interval":    c.DecisionInterval,
		"max_operation_time":   c.MaxOperationTime,
	} {
		if p == nil || *p == "" {
			continue
		}
		d, err := time.ParseDuration(*p)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, *p, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must be non-negative, got %s", name, *p)
		}
	}

	zoneIDs := make(map[string]bool, len(c.Zones))
	for _, z := range c.Zones {
		if z.ID == "" {
			return fmt.Errorf("zone id must not be empty")
		}
		if zoneIDs[z.ID] {
			return fmt.Errorf("duplicate zone id %q", z.ID)
		}
		if z.Capacity <= 0 {
			return fmt.Errorf("zone %q capacity must be positive, got %d", z.ID, z.Capacity)
		}
		zoneIDs[z.ID] = true
	}
	if len(c.Zones) > 0 {
		for class, ids := range c.ClassZoneMapping {
			for _, id := range ids {
				if !zoneIDs[id] {
					return fmt.Errorf("class %q maps to unknown zone %q", class, id)
				}
			}
		}
		for i, b := range c.SizeBuckets {
			for _, id := range b.Zones {
				if !zoneIDs[id] {
					return fmt.Errorf("size bucket %d maps to unknown zone %q", i, id)
				}
			}
		}
		if c.DefaultZone != nil && *c.DefaultZone != "" && !zoneIDs[*c.DefaultZone] {
			return fmt.Errorf("default_zone %q is not a configured zone", *c.DefaultZone)
		}
	}
	for i, b := range c.SizeBuckets {
		if b.MaxArea < 0 {
			return fmt.Errorf("size bucket %d max_area must be non-negative", i)
		}
		if b.MaxArea == 0 && i != len(c.SizeBuckets)-1 {
			return fmt.Errorf("size bucket %d is unbounded but not last", i)
		}
		if i > 0 && b.MaxArea != 0 && b.MaxArea <= c.SizeBuckets[i-1].MaxArea {
			return fmt.Errorf("size buckets must be in ascending max_area order")
		}
	}

	if c.StrategyCombine != nil {
		switch *c.StrategyCombine {
		case CombineClassOnly, CombineSizeOnly, CombineClassThenSize, CombineSizeThenClass, CombineIntersect:
		default:
			return fmt.Errorf("unknown strategy_combine %q", *c.StrategyCombine)
		}
	}
	return nil
}

func durationOr(p *string, def time.Duration) time.Duration {
	if p == nil || *p == "" {
		return def
	}
	d, err := time.ParseDuration(*p)
	if err != nil {
		return def
	}
	return d
}

// GetObjectClasses returns the tracked classes. An empty list accepts all.
func (c *SorterConfig) GetObjectClasses() []string {
	return append([]string(nil), c.ObjectClasses...)
}

// GetDetectionConfidenceFloor returns the minimum detection confidence kept
// by the detection adapter.
func (c *SorterConfig) GetDetectionConfidenceFloor() float64 {
	if c.DetectionConfidenceFloor == nil {
		return 0.25
	}
	return *c.DetectionConfidenceFloor
}

// GetDetectionInterval returns N where every N-th frame is sent to tracking.
func (c *SorterConfig) GetDetectionInterval() int {
	if c.DetectionInterval == nil {
		return 1
	}
	return *c.DetectionInterval
}

// GetDefaultConfidenceThreshold returns the gate threshold for classes
// without a per-class override.
func (c *SorterConfig) GetDefaultConfidenceThreshold() float64 {
	if c.DefaultConfidenceThreshold == nil {
		return 0.5
	}
	return *c.DefaultConfidenceThreshold
}

// GetClassConfidenceThresholds returns a copy of the per-class thresholds.
func (c *SorterConfig) GetClassConfidenceThresholds() map[string]float64 {
	out := make(map[string]float64, len(c.ClassConfidenceThresholds))
	for k, v := range c.ClassConfidenceThresholds {
		out[k] = v
	}
	return out
}

// GetZones returns the zone definitions sorted by ID, falling back to the
// built-in zones when none are configured.
func (c *SorterConfig) GetZones() []ZoneConfig {
	zs := c.Zones
	if len(zs) == 0 {
		zs = DefaultSorterConfig().Zones
	}
	out := append([]ZoneConfig(nil), zs...)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GetClassZoneMapping returns a copy of the class to zone mapping.
func (c *SorterConfig) GetClassZoneMapping() map[string][]string {
	src := c.ClassZoneMapping
	if src == nil && len(c.Zones) == 0 {
		src = DefaultSorterConfig().ClassZoneMapping
	}
	out := make(map[string][]string, len(src))
	for k, v := range src {
		out[k] = append([]string(nil), v...)
	}
	return out
}

// GetSizeBuckets returns a copy of the size buckets.
func (c *SorterConfig) GetSizeBuckets() []SizeBucket {
	out := make([]SizeBucket, len(c.SizeBuckets))
	for i, b := range c.SizeBuckets {
		out[i] = SizeBucket{MaxArea: b.MaxArea, Zones: append([]string(nil), b.Zones...)}
	}
	return out
}

// GetDefaultZone returns the catch-all zone, or "" when unset.
func (c *SorterConfig) GetDefaultZone() string {
	if c.DefaultZone == nil {
		return ""
	}
	return *c.DefaultZone
}

// GetStrategyCombine returns the class/size combination mode.
func (c *SorterConfig) GetStrategyCombine() string {
	if c.StrategyCombine == nil || *c.StrategyCombine == "" {
		return CombineClassThenSize
	}
	return *c.StrategyCombine
}

func (c *SorterConfig) GetMatchDistance() float64 {
	if c.MatchDistance == nil {
		return 0.3
	}
	return *c.MatchDistance
}

func (c *SorterConfig) GetHitsToConfirm() int {
	if c.HitsToConfirm == nil {
		return 3
	}
	return *c.HitsToConfirm
}

func (c *SorterConfig) GetMaxMisses() int {
	if c.MaxMisses == nil {
		return 10
	}
	return *c.MaxMisses
}

func (c *SorterConfig) GetMaxMissesCandidate() int {
	if c.MaxMissesCandidate == nil {
		return 3
	}
	return *c.MaxMissesCandidate
}

func (c *SorterConfig) GetSmoothingAlpha() float64 {
	if c.SmoothingAlpha == nil {
		return 0.4
	}
	return *c.SmoothingAlpha
}

func (c *SorterConfig) GetLabelWindow() int {
	if c.LabelWindow == nil {
		return 10
	}
	return *c.LabelWindow
}

func (c *SorterConfig) GetLabelMajority() float64 {
	if c.LabelMajority == nil {
		return 0.5
	}
	return *c.LabelMajority
}

func (c *SorterConfig) GetAmbiguityBudget() int {
	if c.AmbiguityBudget == nil {
		return 5
	}
	return *c.AmbiguityBudget
}

func (c *SorterConfig) GetMaxTracks() int {
	if c.MaxTracks == nil {
		return 64
	}
	return *c.MaxTracks
}

func (c *SorterConfig) GetRetiredGracePeriod() time.Duration {
	return durationOr(c.RetiredGracePeriod, 5*time.Second)
}

func (c *SorterConfig) GetMoveTimeout() time.Duration {
	return durationOr(c.MoveTimeout, 15*time.Second)
}

func (c *SorterConfig) GetGraspTimeout() time.Duration {
	return durationOr(c.GraspTimeout, 3*time.Second)
}

func (c *SorterConfig) GetReleaseTimeout() time.Duration {
	return durationOr(c.ReleaseTimeout, 3*time.Second)
}

func (c *SorterConfig) GetPoseTimeout() time.Duration {
	return durationOr(c.PoseTimeout, time.Second)
}

func (c *SorterConfig) GetPositionTolerance() float64 {
	if c.PositionTolerance == nil {
		return 0.05
	}
	return *c.PositionTolerance
}

func (c *SorterConfig) GetGripperSettleDelay() time.Duration {
	return durationOr(c.GripperSettleDelay, 500*time.Millisecond)
}

func (c *SorterConfig) GetDecisionInterval() time.Duration {
	return durationOr(c.DecisionInterval, 200*time.Millisecond)
}

// GetMaxGraspAttempts returns the gripper close attempts per task, counting
// the retry.
func (c *SorterConfig) GetMaxGraspAttempts() int {
	if c.MaxGraspAttempts == nil {
		return 2
	}
	return *c.MaxGraspAttempts
}

// GetMaxOperationTime returns the run time limit; zero means unlimited.
func (c *SorterConfig) GetMaxOperationTime() time.Duration {
	return durationOr(c.MaxOperationTime, 300*time.Second)
}

func (c *SorterConfig) GetSerialPort() string {
	if c.SerialPort == nil {
		return "/dev/ttyUSB0"
	}
	return *c.SerialPort
}

func (c *SorterConfig) GetBaudRate() int {
	if c.BaudRate == nil {
		return 115200
	}
	return *c.BaudRate
}

func (c *SorterConfig) GetDataBits() int {
	if c.DataBits == nil {
		return 8
	}
	return *c.DataBits
}

func (c *SorterConfig) GetStopBits() int {
	if c.StopBits == nil {
		return 1
	}
	return *c.StopBits
}

func (c *SorterConfig) GetParity() string {
	if c.Parity == nil {
		return "N"
	}
	return *c.Parity
}
