package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/sortbot/internal/geom"
)

// Operation names used in the SimGateway call log and failure script.
const (
	OpMove  = "move"
	OpOpen  = "open"
	OpClose = "close"
	OpPose  = "pose"
	OpStop  = "stop"
)

// Call is one recorded SimGateway invocation.
type Call struct {
	Op     string
	Target geom.Point
}

// SimGateway is an in-memory robot. Moves complete instantly unless
// MoveDelay is set; grip outcomes and failures can be scripted.
type SimGateway struct {
	mu       sync.Mutex
	pose     geom.Point
	holding  bool
	grips    []GripResult
	failures map[string][]error
	calls    []Call

	// MoveDelay makes each move take this long, honouring ctx.
	MoveDelay time.Duration
	// BeforeMove runs at the start of every move, outside the gateway lock.
	BeforeMove func(target geom.Point)
}

// NewSimGateway creates a simulated robot at start.
func NewSimGateway(start geom.Point) *SimGateway {
	return &SimGateway{pose: start, failures: make(map[string][]error)}
}

// ScriptGrips queues outcomes for upcoming CloseGripper calls. Unscripted
// calls confirm.
func (s *SimGateway) ScriptGrips(results ...GripResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.grips = append(s.grips, results...)
}

// FailNext queues err as the result of the next call to op.
func (s *SimGateway) FailNext(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op] = append(s.failures[op], err)
}

// Calls returns the call log.
func (s *SimGateway) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// Ops returns the operation names from the call log.
func (s *SimGateway) Ops() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ops := make([]string, len(s.calls))
	for i, c := range s.calls {
		ops[i] = c.Op
	}
	return ops
}

// Pose returns the simulated position.
func (s *SimGateway) Pose() geom.Point {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pose
}

// Holding reports whether the gripper holds an object.
func (s *SimGateway) Holding() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.holding
}

// record logs the call and pops any scripted failure for op.
func (s *SimGateway) record(op string, target geom.Point) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, Call{Op: op, Target: target})
	if q := s.failures[op]; len(q) > 0 {
		s.failures[op] = q[1:]
		return q[0]
	}
	return nil
}

func ctxErr(ctx context.Context, op string, timeoutErr error) error {
	if err := ctx.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%s: %w", op, timeoutErr)
		}
		return err
	}
	return nil
}

// MoveTo implements Gateway.
func (s *SimGateway) MoveTo(ctx context.Context, target geom.Point) error {
	if err := s.record(OpMove, target); err != nil {
		return err
	}
	if s.BeforeMove != nil {
		s.BeforeMove(target)
	}
	if s.MoveDelay > 0 {
		timer := time.NewTimer(s.MoveDelay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctxErr(ctx, OpMove, ErrMoveTimeout)
		case <-timer.C:
		}
	} else if err := ctxErr(ctx, OpMove, ErrMoveTimeout); err != nil {
		return err
	}
	s.mu.Lock()
	s.pose = target
	s.mu.Unlock()
	return nil
}

// OpenGripper implements Gateway.
func (s *SimGateway) OpenGripper(ctx context.Context) error {
	if err := s.record(OpOpen, geom.Point{}); err != nil {
		return err
	}
	if err := ctxErr(ctx, OpOpen, ErrActionTimeout); err != nil {
		return err
	}
	s.mu.Lock()
	s.holding = false
	s.mu.Unlock()
	return nil
}

// CloseGripper implements Gateway.
func (s *SimGateway) CloseGripper(ctx context.Context) (GripResult, error) {
	if err := s.record(OpClose, geom.Point{}); err != nil {
		return "", err
	}
	if err := ctxErr(ctx, OpClose, ErrActionTimeout); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	result := GripConfirmed
	if len(s.grips) > 0 {
		result = s.grips[0]
		s.grips = s.grips[1:]
	}
	s.holding = result == GripConfirmed
	return result, nil
}

// CurrentPose implements Gateway.
func (s *SimGateway) CurrentPose(ctx context.Context) (geom.Point, error) {
	if err := s.record(OpPose, geom.Point{}); err != nil {
		return geom.Point{}, err
	}
	if err := ctxErr(ctx, OpPose, ErrActionTimeout); err != nil {
		return geom.Point{}, err
	}
	return s.Pose(), nil
}

// Stop implements Gateway. It is recorded even when ctx is already done so
// emergency stops are always visible in the log.
func (s *SimGateway) Stop(ctx context.Context) error {
	return s.record(OpStop, geom.Point{})
}
