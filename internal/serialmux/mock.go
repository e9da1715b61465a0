package serialmux

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"sync"
)

var errPortClosed = errors.New("serial port closed")

// Responder produces the firmware's reply lines for one command line.
type Responder func(command string) []string

// MockSerialPort is an in-memory serial link. Lines written by the host are
// passed to a Responder and its replies become readable from the port.
type MockSerialPort struct {
	respond Responder

	r *io.PipeReader
	w *io.PipeWriter

	mu      sync.Mutex
	partial bytes.Buffer
	written []string
	out     chan string
	closed  bool
	done    chan struct{}

	// WriteError, when set, is returned by the next Write.
	WriteError error
}

// NewMockSerialPort creates a MockSerialPort. A nil respond never replies.
func NewMockSerialPort(respond Responder) *MockSerialPort {
	r, w := io.Pipe()
	m := &MockSerialPort{
		respond: respond,
		r:       r,
		w:       w,
		out:     make(chan string, 256),
		done:    make(chan struct{}),
	}
	go m.pump()
	return m
}

// pump moves queued reply lines into the read side of the pipe.
func (m *MockSerialPort) pump() {
	defer close(m.done)
	for line := range m.out {
		if _, err := m.w.Write([]byte(line + "\n")); err != nil {
			return
		}
	}
	m.w.Close()
}

func (m *MockSerialPort) Read(p []byte) (int, error) {
	return m.r.Read(p)
}

// Write records complete command lines and queues the responder's replies.
func (m *MockSerialPort) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, errPortClosed
	}
	if m.WriteError != nil {
		err := m.WriteError
		m.WriteError = nil
		return 0, err
	}

	m.partial.Write(p)
	for {
		data := m.partial.String()
		idx := strings.IndexByte(data, '\n')
		if idx < 0 {
			break
		}
		line := strings.TrimRight(data[:idx], "\r")
		m.partial.Next(idx + 1)
		m.written = append(m.written, line)
		if m.respond == nil {
			continue
		}
		for _, reply := range m.respond(line) {
			m.out <- reply
		}
	}
	return len(p), nil
}

// Inject queues an unsolicited line from the firmware.
func (m *MockSerialPort) Inject(line string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.out <- line
	}
}

// Written returns every command line received so far.
func (m *MockSerialPort) Written() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.written...)
}

// Close stops the port. Pending reply lines are discarded and further reads
// fail with io.ErrClosedPipe.
func (m *MockSerialPort) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.out)
	m.mu.Unlock()

	m.r.Close()
	<-m.done
	return nil
}

// NewMockSerialMux creates a SerialMux backed by a MockSerialPort driven by
// respond. The port is returned for inspection.
func NewMockSerialMux(respond Responder) (*SerialMux[*MockSerialPort], *MockSerialPort) {
	port := NewMockSerialPort(respond)
	return NewSerialMux(port), port
}
