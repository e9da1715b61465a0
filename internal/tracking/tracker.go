package tracking

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/banshee-data/sortbot/internal/config"
	"github.com/banshee-data/sortbot/internal/geom"
	"github.com/banshee-data/sortbot/internal/monitoring"
	"github.com/banshee-data/sortbot/internal/perception"
)

var (
	ErrUnknownTrack     = errors.New("unknown track")
	ErrNotConfirmed     = errors.New("track not confirmed")
	ErrAlreadyCommitted = errors.New("track already committed")
	ErrRetired          = errors.New("track retired")
)

// TrackerConfig holds configuration parameters for the tracker.
type TrackerConfig struct {
	MatchDistance      float64       // Maximum association distance (metres)
	HitsToConfirm      int           // Matched detections needed for confirmation
	MaxMisses          int           // Consecutive misses before a confirmed track is retired
	MaxMissesCandidate int           // Consecutive misses before a candidate is retired
	SmoothingAlpha     float64       // EMA weight of the newest observation
	LabelWindow        int           // Detections kept for the label vote
	LabelMajority      float64       // Minimum winning share before an ambiguity strike
	AmbiguityBudget    int           // Consecutive strikes tolerated
	MaxTracks          int           // Maximum number of concurrent active tracks
	RetiredGracePeriod time.Duration // How long retired tracks remain visible
}

// DefaultTrackerConfig returns tracker configuration loaded from
// config/sorter.defaults.json. Panics if the file cannot be found.
func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfigFromSorter(config.MustLoadDefaultConfig())
}

// TrackerConfigFromSorter builds a TrackerConfig from a loaded SorterConfig.
func TrackerConfigFromSorter(cfg *config.SorterConfig) TrackerConfig {
	return TrackerConfig{
		MatchDistance:      cfg.GetMatchDistance(),
		HitsToConfirm:      cfg.GetHitsToConfirm(),
		MaxMisses:          cfg.GetMaxMisses(),
		MaxMissesCandidate: cfg.GetMaxMissesCandidate(),
		SmoothingAlpha:     cfg.GetSmoothingAlpha(),
		LabelWindow:        cfg.GetLabelWindow(),
		LabelMajority:      cfg.GetLabelMajority(),
		AmbiguityBudget:    cfg.GetAmbiguityBudget(),
		MaxTracks:          cfg.GetMaxTracks(),
		RetiredGracePeriod: cfg.GetRetiredGracePeriod(),
	}
}

// TrackCounts is a per-state census of the track table.
type TrackCounts struct {
	Total     int `json:"total"`
	Candidate int `json:"candidate"`
	Confirmed int `json:"confirmed"`
	Committed int `json:"committed"`
	Retired   int `json:"retired"`
}

// Tracker maintains object identities across frames. Update is expected to be
// called from a single goroutine; the remaining methods are safe to call
// concurrently with it.
type Tracker struct {
	Tracks      map[string]*TrackedObject
	NextTrackID int64
	Config      TrackerConfig

	// order lists track IDs in creation order so iteration never depends on
	// map order.
	order          []string
	nextConfirmSeq int64
	lastUpdate     time.Time

	mu sync.RWMutex
}

// NewTracker creates a new tracker with the specified configuration.
func NewTracker(cfg TrackerConfig) *Tracker {
	return &Tracker{
		Tracks:      make(map[string]*TrackedObject),
		NextTrackID: 1,
		Config:      cfg,
	}
}

// Reset clears all tracks and restarts ID and confirmation sequences.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Tracks = make(map[string]*TrackedObject)
	t.NextTrackID = 1
	t.order = nil
	t.nextConfirmSeq = 0
	t.lastUpdate = time.Time{}
}

// Update folds one frame of detections into the track table and returns the
// Confirmed and Committed objects in confirmation order.
func (t *Tracker) Update(detections []perception.Detection, now time.Time) []TrackedObject {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.lastUpdate = now

	// Step 1: predict. Objects on the floor do not move on their own, so the
	// constant-position model leaves the state unchanged.

	// Step 2: associate detections to active tracks.
	assoc := t.associate(detections)

	// Step 3: update matched tracks in creation order.
	matched := make(map[string]int, len(assoc))
	for detIdx, trackID := range assoc {
		if trackID != "" {
			matched[trackID] = detIdx
		}
	}
	for _, id := range t.order {
		if detIdx, ok := matched[id]; ok {
			t.update(t.Tracks[id], detections[detIdx], now)
		}
	}

	// Step 4: age unmatched tracks.
	for _, id := range t.order {
		track := t.Tracks[id]
		if _, ok := matched[id]; ok || !track.Active() {
			continue
		}
		track.Misses++
		limit := t.Config.MaxMisses
		if track.State == TrackCandidate {
			limit = t.Config.MaxMissesCandidate
		}
		if track.Misses > limit {
			t.retire(track, RetireLost, now)
		}
	}

	// Step 5: spawn candidates from unmatched detections.
	active := t.activeCount()
	for detIdx, trackID := range assoc {
		if trackID != "" {
			continue
		}
		if active >= t.Config.MaxTracks {
			break
		}
		t.initTrack(detections[detIdx], now)
		active++
	}

	// Step 6: drop retired tracks past the grace period.
	t.cleanupRetiredTracks(now)

	return t.eligibleLocked()
}

type pair struct {
	trackIdx int
	detIdx   int
	dist     float64
}

// associate returns, per detection index, the matched track ID or "".
// Matching is greedy by ascending distance, one to one, with ties broken by
// track creation order and then detection index. A first pass only pairs
// label-compatible tracks; a second pass pairs the leftovers by distance.
func (t *Tracker) associate(detections []perception.Detection) []string {
	assoc := make([]string, len(detections))

	active := make([]*TrackedObject, 0, len(t.order))
	for _, id := range t.order {
		if track := t.Tracks[id]; track.Active() {
			active = append(active, track)
		}
	}
	if len(active) == 0 || len(detections) == 0 {
		return assoc
	}

	usedTrack := make([]bool, len(active))
	usedDet := make([]bool, len(detections))

	match := func(compatible func(tr *TrackedObject, d perception.Detection) bool) {
		var pairs []pair
		for ti, tr := range active {
			if usedTrack[ti] {
				continue
			}
			for di, d := range detections {
				if usedDet[di] || !compatible(tr, d) {
					continue
				}
				dist := geom.Dist(tr.Position, d.Position)
				if dist > t.Config.MatchDistance {
					continue
				}
				pairs = append(pairs, pair{trackIdx: ti, detIdx: di, dist: dist})
			}
		}
		sort.SliceStable(pairs, func(i, j int) bool {
			a, b := pairs[i], pairs[j]
			if a.dist != b.dist {
				return a.dist < b.dist
			}
			if a.trackIdx != b.trackIdx {
				return a.trackIdx < b.trackIdx
			}
			return a.detIdx < b.detIdx
		})
		for _, p := range pairs {
			if usedTrack[p.trackIdx] || usedDet[p.detIdx] {
				continue
			}
			usedTrack[p.trackIdx] = true
			usedDet[p.detIdx] = true
			assoc[p.detIdx] = active[p.trackIdx].TrackID
		}
	}

	match(func(tr *TrackedObject, d perception.Detection) bool { return tr.seenLabel(d.Label) })
	match(func(*TrackedObject, perception.Detection) bool { return true })

	return assoc
}

// update applies one matched detection to a track.
func (t *Tracker) update(track *TrackedObject, d perception.Detection, now time.Time) {
	alpha := t.Config.SmoothingAlpha
	track.Position = geom.Lerp(track.Position, d.Position, alpha)
	track.BoxWidth += alpha * (d.Box.Width() - track.BoxWidth)
	track.BoxHeight += alpha * (d.Box.Height() - track.BoxHeight)

	track.Hits++
	track.Age++
	track.Misses = 0
	track.LastSeen = now

	track.Window = append(track.Window, LabelSample{Label: d.Label, Confidence: d.Confidence})
	if n := t.Config.LabelWindow; n > 0 && len(track.Window) > n {
		track.Window = append(track.Window[:0], track.Window[len(track.Window)-n:]...)
	}

	label, share := vote(track.Window, track.Label)
	if label != track.Label {
		monitoring.Logf("tracking: %s label %s -> %s (share %.2f)", track.TrackID, track.Label, label, share)
		track.Label = label
	}
	track.Confidence = meanConfidence(track.Window, track.Label)

	if share < t.Config.LabelMajority {
		track.Ambiguity++
		if track.Ambiguity > t.Config.AmbiguityBudget {
			t.retire(track, RetireAmbiguous, now)
			return
		}
	} else {
		track.Ambiguity = 0
	}

	if track.State == TrackCandidate && track.Hits >= t.Config.HitsToConfirm {
		t.nextConfirmSeq++
		track.State = TrackConfirmed
		track.ConfirmedSeq = t.nextConfirmSeq
		monitoring.Logf("tracking: %s confirmed as %s at %s", track.TrackID, track.Label, track.Position)
	}
}

func (t *Tracker) initTrack(d perception.Detection, now time.Time) *TrackedObject {
	trackID := fmt.Sprintf("trk_%08d", t.NextTrackID)
	t.NextTrackID++

	track := &TrackedObject{
		TrackID:    trackID,
		Label:      d.Label,
		Confidence: d.Confidence,
		Position:   d.Position,
		BoxWidth:   d.Box.Width(),
		BoxHeight:  d.Box.Height(),
		Age:        1,
		Hits:       1,
		FirstSeen:  now,
		LastSeen:   now,
		State:      TrackCandidate,
		Window:     []LabelSample{{Label: d.Label, Confidence: d.Confidence}},
	}
	t.Tracks[trackID] = track
	t.order = append(t.order, trackID)

	if track.Hits >= t.Config.HitsToConfirm {
		t.nextConfirmSeq++
		track.State = TrackConfirmed
		track.ConfirmedSeq = t.nextConfirmSeq
	}
	return track
}

func (t *Tracker) retire(track *TrackedObject, reason RetireReason, now time.Time) {
	if track.State == TrackRetired {
		return
	}
	monitoring.Logf("tracking: %s (%s, %s) retired: %s", track.TrackID, track.Label, track.State, reason)
	track.State = TrackRetired
	track.RetireReason = reason
	track.RetiredAt = now
}

func (t *Tracker) activeCount() int {
	var n int
	for _, id := range t.order {
		if t.Tracks[id].Active() {
			n++
		}
	}
	return n
}

// cleanupRetiredTracks removes tracks that have been retired for longer than
// the grace period.
func (t *Tracker) cleanupRetiredTracks(now time.Time) {
	kept := t.order[:0]
	for _, id := range t.order {
		track := t.Tracks[id]
		if track.State == TrackRetired && now.Sub(track.RetiredAt) > t.Config.RetiredGracePeriod {
			delete(t.Tracks, id)
			continue
		}
		kept = append(kept, id)
	}
	t.order = kept
}

func (t *Tracker) eligibleLocked() []TrackedObject {
	out := make([]TrackedObject, 0, len(t.order))
	for _, id := range t.order {
		track := t.Tracks[id]
		if track.State == TrackConfirmed || track.State == TrackCommitted {
			out = append(out, track.clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ConfirmedSeq < out[j].ConfirmedSeq })
	return out
}

// Snapshot returns the Confirmed and Committed objects in confirmation order
// without advancing the tracker.
func (t *Tracker) Snapshot() []TrackedObject {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.eligibleLocked()
}

// All returns every track including candidates and retired tracks still in
// their grace period, in creation order.
func (t *Tracker) All() []TrackedObject {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]TrackedObject, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, t.Tracks[id].clone())
	}
	return out
}

// Get returns a copy of the track with the given ID.
func (t *Tracker) Get(trackID string) (TrackedObject, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	track, ok := t.Tracks[trackID]
	if !ok {
		return TrackedObject{}, false
	}
	return track.clone(), true
}

// Commit locks a Confirmed track into a sort task.
func (t *Tracker) Commit(trackID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	track, ok := t.Tracks[trackID]
	if !ok {
		return fmt.Errorf("commit %s: %w", trackID, ErrUnknownTrack)
	}
	switch track.State {
	case TrackConfirmed:
		track.State = TrackCommitted
		return nil
	case TrackCommitted:
		return fmt.Errorf("commit %s: %w", trackID, ErrAlreadyCommitted)
	case TrackRetired:
		return fmt.Errorf("commit %s: %w", trackID, ErrRetired)
	default:
		return fmt.Errorf("commit %s: %w", trackID, ErrNotConfirmed)
	}
}

// Retire removes a track from the active set. Retiring a retired track is a
// no-op.
func (t *Tracker) Retire(trackID string, reason RetireReason) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	track, ok := t.Tracks[trackID]
	if !ok {
		return fmt.Errorf("retire %s: %w", trackID, ErrUnknownTrack)
	}
	now := t.lastUpdate
	if now.IsZero() {
		now = track.LastSeen
	}
	t.retire(track, reason, now)
	return nil
}

// Counts returns counts of tracks by state.
func (t *Tracker) Counts() TrackCounts {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var c TrackCounts
	for _, id := range t.order {
		c.Total++
		switch t.Tracks[id].State {
		case TrackCandidate:
			c.Candidate++
		case TrackConfirmed:
			c.Confirmed++
		case TrackCommitted:
			c.Committed++
		case TrackRetired:
			c.Retired++
		}
	}
	return c
}
