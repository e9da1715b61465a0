// Package zones owns holding-zone capacity. All mutation goes through the
// Registry so occupancy and reservations can never overbook a zone.
package zones

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/banshee-data/sortbot/internal/config"
	"github.com/banshee-data/sortbot/internal/geom"
	"github.com/banshee-data/sortbot/internal/monitoring"
)

var (
	ErrZoneFull           = errors.New("zone full")
	ErrUnknownZone        = errors.New("unknown zone")
	ErrZoneBusy           = errors.New("zone has outstanding reservations")
	ErrReleased           = errors.New("reservation already released")
	ErrUnknownReservation = errors.New("unknown reservation")
)

// Zone is a physical holding area. Values returned by the Registry are
// copies.
type Zone struct {
	ID        string     `json:"id"`
	Position  geom.Point `json:"position"`
	Capacity  int        `json:"capacity"`
	Occupancy int        `json:"occupancy"`
	Reserved  int        `json:"reserved"`
}

// Free returns the remaining capacity after occupancy and reservations.
func (z Zone) Free() int {
	return z.Capacity - z.Occupancy - z.Reserved
}

// Load returns the committed-plus-reserved fraction of capacity.
func (z Zone) Load() float64 {
	if z.Capacity <= 0 {
		return 1
	}
	return float64(z.Occupancy+z.Reserved) / float64(z.Capacity)
}

// ReservationState is the lifecycle of a capacity hold.
type ReservationState string

const (
	ReservationHeld      ReservationState = "held"
	ReservationCommitted ReservationState = "committed"
	ReservationReleased  ReservationState = "released"
)

// Reservation is the handle returned by Reserve.
type Reservation struct {
	ID     int64  `json:"id"`
	ZoneID string `json:"zone_id"`
}

// ResolvedHistory is the number of committed or released reservations kept
// so that repeated Commit and Release calls stay no-ops. Older ones are
// forgotten and report ErrUnknownReservation.
const ResolvedHistory = 256

// Registry tracks occupancy and reservations for a fixed set of zones.
type Registry struct {
	mu           sync.Mutex
	zones        map[string]*Zone
	order        []string
	reservations map[int64]*reservationEntry
	resolved     []int64 // oldest first
	nextID       int64
}

type reservationEntry struct {
	zoneID string
	state  ReservationState
}

// NewRegistry creates a registry over the given zones. Zone IDs must be unique
// and capacities positive.
func NewRegistry(zs []Zone) (*Registry, error) {
	r := &Registry{
		zones:        make(map[string]*Zone, len(zs)),
		reservations: make(map[int64]*reservationEntry),
	}
	for _, z := range zs {
		if z.ID == "" {
			return nil, fmt.Errorf("zone id must not be empty")
		}
		if _, dup := r.zones[z.ID]; dup {
			return nil, fmt.Errorf("duplicate zone id %q", z.ID)
		}
		if z.Capacity <= 0 {
			return nil, fmt.Errorf("zone %q capacity must be positive", z.ID)
		}
		if z.Occupancy < 0 || z.Occupancy > z.Capacity {
			return nil, fmt.Errorf("zone %q occupancy %d outside [0, %d]", z.ID, z.Occupancy, z.Capacity)
		}
		zc := z
		zc.Reserved = 0
		r.zones[z.ID] = &zc
		r.order = append(r.order, z.ID)
	}
	sort.Strings(r.order)
	return r, nil
}

// NewRegistryFromConfig builds a registry from the configured zones.
func NewRegistryFromConfig(cfg *config.SorterConfig) (*Registry, error) {
	zcs := cfg.GetZones()
	zs := make([]Zone, len(zcs))
	for i, zc := range zcs {
		zs[i] = Zone{ID: zc.ID, Position: geom.Point{X: zc.X, Y: zc.Y}, Capacity: zc.Capacity}
	}
	return NewRegistry(zs)
}

// Reserve places a capacity hold on a zone.
func (r *Registry) Reserve(zoneID string) (Reservation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	z, ok := r.zones[zoneID]
	if !ok {
		return Reservation{}, fmt.Errorf("reserve %q: %w", zoneID, ErrUnknownZone)
	}
	if z.Free() <= 0 {
		return Reservation{}, fmt.Errorf("reserve %q: %w", zoneID, ErrZoneFull)
	}
	z.Reserved++
	r.nextID++
	res := Reservation{ID: r.nextID, ZoneID: zoneID}
	r.reservations[res.ID] = &reservationEntry{zoneID: zoneID, state: ReservationHeld}
	return res, nil
}

// Commit converts a held reservation into occupancy. Committing a committed
// reservation is a no-op; committing a released one fails.
func (r *Registry) Commit(res Reservation) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	z, entry, err := r.lookupLocked(res)
	if err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	switch entry.state {
	case ReservationCommitted:
		return nil
	case ReservationReleased:
		return fmt.Errorf("commit reservation %d: %w", res.ID, ErrReleased)
	}
	z.Reserved--
	z.Occupancy++
	r.resolveLocked(res.ID, entry, ReservationCommitted)
	monitoring.Logf("zones: %s occupancy %d/%d", z.ID, z.Occupancy, z.Capacity)
	return nil
}

// Release cancels a held reservation. Releasing a released or committed
// reservation is a no-op and never touches occupancy.
func (r *Registry) Release(res Reservation) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	z, entry, err := r.lookupLocked(res)
	if err != nil {
		return fmt.Errorf("release: %w", err)
	}
	if entry.state != ReservationHeld {
		return nil
	}
	z.Reserved--
	r.resolveLocked(res.ID, entry, ReservationReleased)
	return nil
}

func (r *Registry) resolveLocked(id int64, entry *reservationEntry, state ReservationState) {
	entry.state = state
	r.resolved = append(r.resolved, id)
	if n := len(r.resolved) - ResolvedHistory; n > 0 {
		for _, old := range r.resolved[:n] {
			delete(r.reservations, old)
		}
		r.resolved = append(r.resolved[:0], r.resolved[n:]...)
	}
}

// State returns the lifecycle state of a reservation.
func (r *Registry) State(res Reservation) (ReservationState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.reservations[res.ID]
	if !ok {
		return "", false
	}
	return e.state, true
}

func (r *Registry) lookupLocked(res Reservation) (*Zone, *reservationEntry, error) {
	entry, ok := r.reservations[res.ID]
	if !ok || entry.zoneID != res.ZoneID {
		return nil, nil, fmt.Errorf("reservation %d: %w", res.ID, ErrUnknownReservation)
	}
	return r.zones[entry.zoneID], entry, nil
}

// Empty resets a zone's occupancy after its bin has been emptied by hand.
// It fails while reservations are outstanding.
func (r *Registry) Empty(zoneID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	z, ok := r.zones[zoneID]
	if !ok {
		return fmt.Errorf("empty %q: %w", zoneID, ErrUnknownZone)
	}
	if z.Reserved > 0 {
		return fmt.Errorf("empty %q: %w", zoneID, ErrZoneBusy)
	}
	monitoring.Logf("zones: %s emptied (was %d/%d)", z.ID, z.Occupancy, z.Capacity)
	z.Occupancy = 0
	return nil
}

// Get returns a copy of one zone.
func (r *Registry) Get(zoneID string) (Zone, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	z, ok := r.zones[zoneID]
	if !ok {
		return Zone{}, false
	}
	return *z, true
}

// Snapshot returns copies of all zones sorted by ID.
func (r *Registry) Snapshot() []Zone {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Zone, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.zones[id])
	}
	return out
}

// Check verifies 0 <= occupancy <= capacity and occupancy+reserved <=
// capacity for every zone, and that held reservations match the counters.
func (r *Registry) Check() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	held := make(map[string]int, len(r.zones))
	for _, e := range r.reservations {
		if e.state == ReservationHeld {
			held[e.zoneID]++
		}
	}
	for _, id := range r.order {
		z := r.zones[id]
		if z.Occupancy < 0 || z.Occupancy > z.Capacity {
			return fmt.Errorf("zone %q occupancy %d outside [0, %d]", z.ID, z.Occupancy, z.Capacity)
		}
		if z.Reserved < 0 || z.Occupancy+z.Reserved > z.Capacity {
			return fmt.Errorf("zone %q occupancy %d + reserved %d exceeds capacity %d", z.ID, z.Occupancy, z.Reserved, z.Capacity)
		}
		if held[z.ID] != z.Reserved {
			return fmt.Errorf("zone %q reserved %d but %d held reservations", z.ID, z.Reserved, held[z.ID])
		}
	}
	return nil
}
