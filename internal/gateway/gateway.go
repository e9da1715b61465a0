// Package gateway is the robot action boundary. The orchestrator drives the
// robot only through the Gateway interface; adapters translate calls to the
// serial line protocol or to an in-memory simulation.
package gateway

import (
	"context"
	"errors"

	"github.com/banshee-data/sortbot/internal/geom"
)

var (
	// ErrGateway reports a broken robot link: disconnects, malformed replies
	// or firmware errors. It is fatal for the current run.
	ErrGateway = errors.New("robot gateway error")
	// ErrMoveTimeout reports that a move did not finish within its budget.
	ErrMoveTimeout = errors.New("move timed out")
	// ErrActionTimeout reports that a gripper or pose call did not finish
	// within its budget.
	ErrActionTimeout = errors.New("action timed out")
)

// GripResult is the gripper's report after closing.
type GripResult string

const (
	GripConfirmed GripResult = "confirmed"
	GripEmpty     GripResult = "empty"
)

// Gateway is the set of robot actions. Every call blocks until the robot
// answers or ctx expires; deadlines map to ErrMoveTimeout or
// ErrActionTimeout.
type Gateway interface {
	MoveTo(ctx context.Context, target geom.Point) error
	OpenGripper(ctx context.Context) error
	CloseGripper(ctx context.Context) (GripResult, error)
	CurrentPose(ctx context.Context) (geom.Point, error)
	// Stop halts all motion immediately.
	Stop(ctx context.Context) error
}
