package monitoring

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
)

// Logf is the package-level diagnostic logger used by the sorting engine. It
// defaults to log.Printf but may be replaced by SetLogger so tests can mute or
// capture engine output.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil installs a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// TeeToFile makes the standard logger write to both stderr and the file at
// path, creating parent directories as needed. The returned closer restores
// stderr-only output and closes the file.
func TeeToFile(path string) (io.Closer, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	log.SetOutput(io.MultiWriter(os.Stderr, f))
	return &teeCloser{f: f}, nil
}

type teeCloser struct {
	f *os.File
}

func (c *teeCloser) Close() error {
	log.SetOutput(os.Stderr)
	return c.f.Close()
}
