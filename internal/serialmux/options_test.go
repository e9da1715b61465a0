package serialmux

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"

	"github.com/banshee-data/sortbot/internal/config"
)

func TestPortOptions_Normalize_Defaults(t *testing.T) {
	t.Parallel()

	opts, err := PortOptions{}.Normalize()
	require.NoError(t, err)
	assert.Equal(t, PortOptions{BaudRate: DefaultBaudRate, DataBits: 8, StopBits: 1, Parity: "N"}, opts)
}

func TestPortOptions_Normalize_Invalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		opts PortOptions
	}{
		{"data bits", PortOptions{DataBits: 9}},
		{"stop bits", PortOptions{StopBits: 3}},
		{"parity", PortOptions{Parity: "mark"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := tc.opts.Normalize()
			assert.Error(t, err)
			_, err = tc.opts.SerialMode()
			assert.Error(t, err)
		})
	}
}

func TestPortOptions_SerialMode(t *testing.T) {
	t.Parallel()

	mode, err := PortOptions{BaudRate: 9600, StopBits: 2, Parity: "even"}.SerialMode()
	require.NoError(t, err)
	assert.Equal(t, &serial.Mode{
		BaudRate: 9600,
		DataBits: 8,
		StopBits: serial.StopBits(2),
		Parity:   serial.EvenParity,
	}, mode)

	mode, err = PortOptions{Parity: "O"}.SerialMode()
	require.NoError(t, err)
	assert.Equal(t, serial.OddParity, mode.Parity)
}

func TestPortOptionsFromSorter(t *testing.T) {
	t.Parallel()

	opts := PortOptionsFromSorter(config.DefaultSorterConfig())
	assert.Equal(t, PortOptions{BaudRate: 115200, DataBits: 8, StopBits: 1, Parity: "N"}, opts)
}

func TestNewRealSerialMux_InvalidPath(t *testing.T) {
	t.Parallel()

	_, err := NewRealSerialMux("/dev/does-not-exist-sortbot", PortOptions{})
	assert.Error(t, err)

	_, err = NewRealSerialMux("/dev/does-not-exist-sortbot", PortOptions{Parity: "?"})
	assert.Error(t, err)
}
