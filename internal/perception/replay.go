package perception

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/banshee-data/sortbot/internal/monitoring"
)

// Source produces detector frames until the context is cancelled or the input
// is exhausted. The frame channel is closed when the source stops; at most one
// error is delivered on the error channel.
type Source interface {
	Frames(ctx context.Context) (<-chan Frame, <-chan error)
}

// ReplaySource replays recorded detector output from JSON lines.
type ReplaySource struct {
	r io.Reader
	// Interval paces frame delivery. Zero replays as fast as the consumer reads.
	Interval time.Duration
	// Every forwards only every N-th frame. Values below 1 forward all frames.
	Every int
	// SkipInvalid logs and skips undecodable lines instead of failing.
	SkipInvalid bool
}

// NewReplaySource creates a ReplaySource reading from r.
func NewReplaySource(r io.Reader, interval time.Duration, every int) *ReplaySource {
	return &ReplaySource{r: r, Interval: interval, Every: every, SkipInvalid: true}
}

// Frames starts the replay goroutine.
func (s *ReplaySource) Frames(ctx context.Context) (<-chan Frame, <-chan error) {
	out := make(chan Frame)
	errc := make(chan error, 1)

	go func() {
		defer close(out)

		var ticker *time.Ticker
		if s.Interval > 0 {
			ticker = time.NewTicker(s.Interval)
			defer ticker.Stop()
		}
		every := s.Every
		if every < 1 {
			every = 1
		}

		scanner := bufio.NewScanner(s.r)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		var lineNo int
		var seq uint64
		for scanner.Scan() {
			lineNo++
			line := scanner.Text()
			if len(line) == 0 || line[0] == '#' {
				continue
			}
			frame, err := DecodeFrame(line)
			if err != nil {
				if s.SkipInvalid {
					monitoring.Logf("replay: skipping line %d: %v", lineNo, err)
					continue
				}
				errc <- fmt.Errorf("line %d: %w", lineNo, err)
				return
			}
			seq++
			if (seq-1)%uint64(every) != 0 {
				continue
			}
			frame.Seq = seq

			if ticker != nil {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
				}
			}
			select {
			case <-ctx.Done():
				return
			case out <- frame:
			}
		}
		if err := scanner.Err(); err != nil {
			errc <- fmt.Errorf("failed to read detections: %w", err)
		}
	}()

	return out, errc
}
