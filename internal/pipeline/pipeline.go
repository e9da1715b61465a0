// Package pipeline wires the three sorting activities together: the detection
// producer, the tracker, and the orchestrator.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/banshee-data/sortbot/internal/monitoring"
	"github.com/banshee-data/sortbot/internal/orchestrator"
	"github.com/banshee-data/sortbot/internal/perception"
	"github.com/banshee-data/sortbot/internal/timeutil"
	"github.com/banshee-data/sortbot/internal/tracking"
)

// ErrSource wraps a detection source failure.
var ErrSource = errors.New("detection source failed")

// Sorter is the orchestrator surface driven by the pipeline.
type Sorter interface {
	Run(ctx context.Context, snapshots <-chan []tracking.TrackedObject) error
}

// Pipeline owns the goroutines of one sorting run.
type Pipeline struct {
	Source       perception.Source
	Adapter      *perception.Adapter
	Tracker      *tracking.Tracker
	Orchestrator Sorter

	// Optional: frames without a timestamp are stamped from Clock.
	Clock timeutil.Clock

	// Optional: called with every published snapshot, from the tracker
	// goroutine.
	OnSnapshot func([]tracking.TrackedObject)
}

// New returns a Pipeline over the given components.
func New(src perception.Source, adapter *perception.Adapter, tracker *tracking.Tracker, orch *orchestrator.Orchestrator) *Pipeline {
	return &Pipeline{
		Source:       src,
		Adapter:      adapter,
		Tracker:      tracker,
		Orchestrator: orch,
	}
}

// publish replaces any unread snapshot with snap. There is exactly one
// sender so the send after the drain cannot block.
func publish(ch chan []tracking.TrackedObject, snap []tracking.TrackedObject) {
	select {
	case ch <- snap:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	ch <- snap
}

// Run drives the pipeline until the context is cancelled, the source is
// exhausted and the remaining backlog is sorted, or a fatal error occurs. The
// first error from any activity cancels the others and is returned.
func (p *Pipeline) Run(ctx context.Context) error {
	clock := p.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		errOnce  sync.Once
		firstErr error
	)
	fail := func(err error) {
		if err == nil {
			return
		}
		errOnce.Do(func() {
			firstErr = err
			cancel()
		})
	}

	frames, srcErrs := p.Source.Frames(ctx)
	snapshots := make(chan []tracking.TrackedObject, 1)

	// tracker routine: sole caller of Tracker.Update
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(snapshots)

		var n int
	loop:
		for {
			var frame perception.Frame
			select {
			case <-ctx.Done():
				break loop
			case f, ok := <-frames:
				if !ok {
					break loop
				}
				frame = f
			}
			ts := frame.Timestamp
			if ts.IsZero() {
				ts = clock.Now()
			}
			dets := p.Adapter.Normalize(frame.Detections, ts)
			snap := p.Tracker.Update(dets, ts)
			if p.OnSnapshot != nil {
				p.OnSnapshot(snap)
			}
			publish(snapshots, snap)
			n++
		}

		select {
		case err := <-srcErrs:
			if err != nil {
				fail(fmt.Errorf("%w: %v", ErrSource, err))
			}
		default:
		}
		monitoring.Logf("pipeline: tracker routine stopped after %d frames", n)
	}()

	// orchestrator routine: sole driver of the robot gateway
	wg.Add(1)
	go func() {
		defer wg.Done()
		err := p.Orchestrator.Run(ctx, snapshots)
		fail(err)
		// The run is over either way; stop the producer.
		cancel()
		monitoring.Logf("pipeline: orchestrator routine stopped")
	}()

	wg.Wait()
	return firstErr
}
