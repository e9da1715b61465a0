package orchestrator

import (
	"context"
	"errors"

	"github.com/banshee-data/sortbot/internal/gateway"
)

var (
	// ErrPerceptionGap means the tracker lost the object mid-task.
	ErrPerceptionGap = errors.New("perception gap")
	// ErrObjectMoved means the robot arrived but the object is no longer
	// within the position tolerance.
	ErrObjectMoved = errors.New("object moved out of tolerance")
	// ErrActuationTimeout means a physical step exceeded its budget.
	ErrActuationTimeout = errors.New("actuation timeout")
	// ErrGripEmpty means the gripper closed on nothing.
	ErrGripEmpty = errors.New("grip empty")
	// ErrAborted means the task was stopped by an operator or shutdown.
	ErrAborted = errors.New("task aborted")
	// ErrBusy is returned by Tick when another task is still in flight.
	ErrBusy = errors.New("task already in flight")
)

// Failure causes as reported in TaskReport and Stats.
const (
	CausePerceptionGap    = "perception_gap"
	CauseObjectMoved      = "object_moved"
	CauseActuationTimeout = "actuation_timeout"
	CauseGripEmpty        = "grip_empty"
	CauseAborted          = "aborted"
	CauseGateway          = "gateway"
	CauseInternal         = "internal"
)

// Cause maps a task error to its stats bucket.
func Cause(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, gateway.ErrGateway):
		return CauseGateway
	case errors.Is(err, ErrPerceptionGap):
		return CausePerceptionGap
	case errors.Is(err, ErrObjectMoved):
		return CauseObjectMoved
	case errors.Is(err, ErrGripEmpty):
		return CauseGripEmpty
	case errors.Is(err, ErrActuationTimeout):
		return CauseActuationTimeout
	case errors.Is(err, ErrAborted), errors.Is(err, context.Canceled):
		return CauseAborted
	}
	return CauseInternal
}
