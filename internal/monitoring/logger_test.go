package monitoring

import (
	"log"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetLogger(t *testing.T) {
	original := Logf
	defer func() { Logf = original }()

	var got string
	SetLogger(func(format string, v ...interface{}) {
		got = format
	})
	Logf("task %s", "t1")
	assert.Equal(t, "task %s", got)

	// nil installs a no-op that must not call the previous logger
	got = ""
	SetLogger(nil)
	Logf("ignored")
	assert.Empty(t, got)
}

func TestLogf_Default(t *testing.T) {
	require.NotNil(t, Logf)
}

func TestTeeToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "sorter.log")

	closer, err := TeeToFile(path)
	require.NoError(t, err)

	log.Printf("zone %s committed", "zone_a")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "zone zone_a committed")
}
