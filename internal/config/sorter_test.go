package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultSorterConfig(t *testing.T) {
	cfg := DefaultSorterConfig()

	if cfg.HitsToConfirm == nil || *cfg.HitsToConfirm != 3 {
		t.Errorf("Expected HitsToConfirm 3, got %v", cfg.HitsToConfirm)
	}
	if cfg.GripperSettleDelay == nil || *cfg.GripperSettleDelay != "500ms" {
		t.Errorf("Expected GripperSettleDelay '500ms', got %v", cfg.GripperSettleDelay)
	}

	if cfg.GetPositionTolerance() != 0.05 {
		t.Errorf("GetPositionTolerance() = %f, want 0.05", cfg.GetPositionTolerance())
	}
	if cfg.GetMaxOperationTime() != 300*time.Second {
		t.Errorf("GetMaxOperationTime() = %v, want 300s", cfg.GetMaxOperationTime())
	}
	assert.Equal(t, "zone_default", cfg.GetDefaultZone())
	assert.Equal(t, CombineClassThenSize, cfg.GetStrategyCombine())
	assert.Equal(t, []string{"zone_b"}, cfg.GetClassZoneMapping()["bottle"])
	require.NoError(t, cfg.Validate())
}

func TestEmptySorterConfig_Getters(t *testing.T) {
	cfg := EmptySorterConfig()

	assert.Equal(t, 0.3, cfg.GetMatchDistance())
	assert.Equal(t, 3, cfg.GetHitsToConfirm())
	assert.Equal(t, 10, cfg.GetLabelWindow())
	assert.Equal(t, 0.5, cfg.GetLabelMajority())
	assert.Equal(t, 15*time.Second, cfg.GetMoveTimeout())
	assert.Equal(t, 200*time.Millisecond, cfg.GetDecisionInterval())
	assert.Equal(t, 2, cfg.GetMaxGraspAttempts())
	assert.Equal(t, 115200, cfg.GetBaudRate())
	assert.Equal(t, "N", cfg.GetParity())
	assert.Equal(t, "", cfg.GetDefaultZone())

	// Zones and mapping fall back to the built-in layout together.
	zones := cfg.GetZones()
	require.Len(t, zones, 3)
	assert.Equal(t, "zone_a", zones[0].ID)
	assert.Equal(t, []string{"zone_a"}, cfg.GetClassZoneMapping()["cup"])
}

func TestGetZones_SortedCopy(t *testing.T) {
	cfg := &SorterConfig{Zones: []ZoneConfig{
		{ID: "z2", Capacity: 1},
		{ID: "z1", Capacity: 1},
	}}
	zones := cfg.GetZones()
	assert.Equal(t, "z1", zones[0].ID)
	zones[0].ID = "mutated"
	assert.Equal(t, "z2", cfg.Zones[0].ID)

	// An explicit zone list without mapping must not inherit default classes.
	assert.Empty(t, cfg.GetClassZoneMapping())
}

func TestLoadSorterConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "sorter.json")

	testJSON := `{
  "zones": [{"id": "left", "x": 0.2, "y": 0.1, "capacity": 2}],
  "class_zone_mapping": {"cup": ["left"]},
  "default_zone": "left",
  "hits_to_confirm": 5,
  "move_timeout": "2s",
  "max_operation_time": "0s",
  "max_grasp_attempts": 3
}`
	if err := os.WriteFile(configPath, []byte(testJSON), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	cfg, err := LoadSorterConfig(configPath)
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.GetHitsToConfirm())
	assert.Equal(t, 2*time.Second, cfg.GetMoveTimeout())
	assert.Equal(t, time.Duration(0), cfg.GetMaxOperationTime())
	assert.Equal(t, 3, cfg.GetMaxGraspAttempts())
	assert.Equal(t, []ZoneConfig{{ID: "left", X: 0.2, Y: 0.1, Capacity: 2}}, cfg.GetZones())
	// Omitted fields keep defaults.
	assert.Equal(t, 0.4, cfg.GetSmoothingAlpha())
}

func TestLoadSorterConfig_Errors(t *testing.T) {
	tmpDir := t.TempDir()

	write := func(name, body string) string {
		p := filepath.Join(tmpDir, name)
		require.NoError(t, os.WriteFile(p, []byte(body), 0644))
		return p
	}

	tests := []struct {
		name    string
		path    string
		wantErr string
	}{
		{"wrong extension", write("cfg.yaml", "{}"), ".json extension"},
		{"missing", filepath.Join(tmpDir, "nope.json"), "failed to stat"},
		{"bad json", write("bad.json", "{"), "failed to parse"},
		{"unknown zone", write("unknown.json", `{"zones":[{"id":"a","capacity":1}],"class_zone_mapping":{"cup":["b"]}}`), "unknown zone"},
		{"bad duration", write("dur.json", `{"move_timeout":"soon"}`), "invalid move_timeout"},
		{"bad combine", write("comb.json", `{"strategy_combine":"both"}`), "unknown strategy_combine"},
		{"zero capacity", write("cap.json", `{"zones":[{"id":"a","capacity":0}]}`), "capacity must be positive"},
		{"duplicate zone", write("dup.json", `{"zones":[{"id":"a","capacity":1},{"id":"a","capacity":1}]}`), "duplicate zone"},
		{"bucket order", write("bkt.json", `{"size_buckets":[{"max_area":0,"zones":[]},{"max_area":10,"zones":[]}]}`), "unbounded but not last"},
		{"majority range", write("maj.json", `{"label_majority":1.5}`), "label_majority"},
		{"no grasp attempts", write("grasp.json", `{"max_grasp_attempts":0}`), "max_grasp_attempts must be at least 1"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadSorterConfig(tc.path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestLoadSorterConfig_TooLarge(t *testing.T) {
	p := filepath.Join(t.TempDir(), "big.json")
	require.NoError(t, os.WriteFile(p, []byte(`{"parity":"`+strings.Repeat("N", 2*1024*1024)+`"}`), 0644))
	_, err := LoadSorterConfig(p)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too large")
}

func TestMustLoadDefaultConfig(t *testing.T) {
	cfg := MustLoadDefaultConfig()
	assert.Equal(t, DefaultSorterConfig().GetZones(), cfg.GetZones())
	assert.Equal(t, DefaultSorterConfig().GetClassZoneMapping(), cfg.GetClassZoneMapping())
	assert.Equal(t, 3, cfg.GetHitsToConfirm())
}
