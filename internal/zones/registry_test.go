package zones

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/sortbot/internal/config"
	"github.com/banshee-data/sortbot/internal/geom"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := NewRegistry([]Zone{
		{ID: "zone_b", Position: geom.Point{X: 1.0, Y: 1.5}, Capacity: 2},
		{ID: "zone_a", Position: geom.Point{X: 1.0, Y: 0.5}, Capacity: 1},
	})
	require.NoError(t, err)
	return r
}

func TestNewRegistry_Validation(t *testing.T) {
	t.Parallel()

	_, err := NewRegistry([]Zone{{ID: "a", Capacity: 1}, {ID: "a", Capacity: 1}})
	assert.Error(t, err)
	_, err = NewRegistry([]Zone{{ID: "a", Capacity: 0}})
	assert.Error(t, err)
	_, err = NewRegistry([]Zone{{ID: "", Capacity: 1}})
	assert.Error(t, err)
	_, err = NewRegistry([]Zone{{ID: "a", Capacity: 1, Occupancy: 2}})
	assert.Error(t, err)
}

func TestNewRegistryFromConfig(t *testing.T) {
	t.Parallel()

	r, err := NewRegistryFromConfig(config.DefaultSorterConfig())
	require.NoError(t, err)
	snap := r.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, Zone{ID: "zone_a", Position: geom.Point{X: 1.0, Y: 0.5}, Capacity: 10}, snap[0])
	assert.Equal(t, "zone_default", snap[2].ID)
}

func TestRegistry_ReserveCommit(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t)

	res, err := r.Reserve("zone_a")
	require.NoError(t, err)
	assert.Equal(t, "zone_a", res.ZoneID)

	z, _ := r.Get("zone_a")
	assert.Equal(t, 1, z.Reserved)
	assert.Equal(t, 0, z.Free())

	_, err = r.Reserve("zone_a")
	assert.ErrorIs(t, err, ErrZoneFull)
	_, err = r.Reserve("zone_x")
	assert.ErrorIs(t, err, ErrUnknownZone)

	require.NoError(t, r.Commit(res))
	require.NoError(t, r.Commit(res), "commit is idempotent")
	z, _ = r.Get("zone_a")
	assert.Equal(t, 1, z.Occupancy)
	assert.Equal(t, 0, z.Reserved)
	assert.Equal(t, 1.0, z.Load())

	state, ok := r.State(res)
	require.True(t, ok)
	assert.Equal(t, ReservationCommitted, state)
	require.NoError(t, r.Check())
}

func TestRegistry_ReleaseIdempotent(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t)
	res, err := r.Reserve("zone_b")
	require.NoError(t, err)

	require.NoError(t, r.Release(res))
	require.NoError(t, r.Release(res))
	z, _ := r.Get("zone_b")
	assert.Equal(t, 0, z.Reserved)
	assert.Equal(t, 0, z.Occupancy)
	assert.ErrorIs(t, r.Commit(res), ErrReleased)

	// Release after commit never decrements occupancy.
	res2, err := r.Reserve("zone_b")
	require.NoError(t, err)
	require.NoError(t, r.Commit(res2))
	require.NoError(t, r.Release(res2))
	require.NoError(t, r.Release(res2))
	z, _ = r.Get("zone_b")
	assert.Equal(t, 1, z.Occupancy)
	assert.Equal(t, 0, z.Reserved)

	assert.ErrorIs(t, r.Release(Reservation{ID: 99, ZoneID: "zone_b"}), ErrUnknownReservation)
	assert.ErrorIs(t, r.Release(Reservation{ID: res2.ID, ZoneID: "zone_a"}), ErrUnknownReservation)
	require.NoError(t, r.Check())
}

func TestRegistry_ResolvedHistoryBounded(t *testing.T) {
	t.Parallel()

	r, err := NewRegistry([]Zone{{ID: "zone_a", Capacity: 1}})
	require.NoError(t, err)

	first, err := r.Reserve("zone_a")
	require.NoError(t, err)
	require.NoError(t, r.Release(first))

	var last Reservation
	for i := 0; i < 3*ResolvedHistory; i++ {
		last, err = r.Reserve("zone_a")
		require.NoError(t, err)
		require.NoError(t, r.Release(last))
	}

	r.mu.Lock()
	kept := len(r.reservations)
	r.mu.Unlock()
	assert.Equal(t, ResolvedHistory, kept)

	// Recent reservations stay idempotent, forgotten ones are unknown.
	require.NoError(t, r.Release(last))
	assert.ErrorIs(t, r.Commit(last), ErrReleased)
	_, ok := r.State(first)
	assert.False(t, ok)
	assert.ErrorIs(t, r.Release(first), ErrUnknownReservation)

	held, err := r.Reserve("zone_a")
	require.NoError(t, err)
	require.NoError(t, r.Check())
	require.NoError(t, r.Commit(held))
	require.NoError(t, r.Check())
}

func TestRegistry_Empty(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t)
	res, err := r.Reserve("zone_a")
	require.NoError(t, err)
	assert.ErrorIs(t, r.Empty("zone_a"), ErrZoneBusy)

	require.NoError(t, r.Commit(res))
	require.NoError(t, r.Empty("zone_a"))
	z, _ := r.Get("zone_a")
	assert.Equal(t, 0, z.Occupancy)
	assert.ErrorIs(t, r.Empty("nope"), ErrUnknownZone)

	_, err = r.Reserve("zone_a")
	assert.NoError(t, err)
}

func TestRegistry_SnapshotSortedCopies(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t)
	snap := r.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "zone_a", snap[0].ID)
	snap[0].Occupancy = 5
	z, _ := r.Get("zone_a")
	assert.Equal(t, 0, z.Occupancy)
}

func TestRegistry_ConcurrentInvariants(t *testing.T) {
	t.Parallel()

	r, err := NewRegistry([]Zone{
		{ID: "a", Capacity: 5},
		{ID: "b", Capacity: 50},
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	var violations []error

	for w := 0; w < 16; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				zone := "a"
				if (w+i)%3 == 0 {
					zone = "b"
				}
				res, err := r.Reserve(zone)
				if err != nil {
					continue
				}
				if i%4 == 0 {
					_ = r.Commit(res)
				} else {
					_ = r.Release(res)
				}
				_ = r.Release(res)
				if err := r.Check(); err != nil {
					mu.Lock()
					violations = append(violations, err)
					mu.Unlock()
				}
			}
		}(w)
	}
	wg.Wait()

	assert.Empty(t, violations)
	require.NoError(t, r.Check())
	for _, z := range r.Snapshot() {
		assert.Equal(t, 0, z.Reserved)
		assert.LessOrEqual(t, z.Occupancy, z.Capacity)
		assert.GreaterOrEqual(t, z.Occupancy, 0)
	}
}
