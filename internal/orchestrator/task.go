package orchestrator

import (
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/sortbot/internal/geom"
	"github.com/banshee-data/sortbot/internal/tracking"
	"github.com/banshee-data/sortbot/internal/zones"
)

// TaskState is a SortTask lifecycle state.
type TaskState string

const (
	TaskReserved     TaskState = "reserved"
	TaskNavigating   TaskState = "navigating"
	TaskGrasping     TaskState = "grasping"
	TaskTransporting TaskState = "transporting"
	TaskReleasing    TaskState = "releasing"
	TaskCompleted    TaskState = "completed"
	TaskFailed       TaskState = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s TaskState) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// ErrInvalidTransition is returned when a task is moved along an edge the
// state machine does not have.
var ErrInvalidTransition = errors.New("invalid task transition")

// transitions lists the allowed edges. Grasping loops onto itself for the
// single grasp retry. Every non-terminal state may fail.
var transitions = map[TaskState][]TaskState{
	TaskReserved:     {TaskNavigating, TaskFailed},
	TaskNavigating:   {TaskGrasping, TaskFailed},
	TaskGrasping:     {TaskGrasping, TaskTransporting, TaskFailed},
	TaskTransporting: {TaskReleasing, TaskFailed},
	TaskReleasing:    {TaskCompleted, TaskFailed},
}

// CanTransition reports whether from → to is an edge of the state machine.
func CanTransition(from, to TaskState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition is one recorded state change.
type Transition struct {
	From TaskState `json:"from"`
	To   TaskState `json:"to"`
	At   time.Time `json:"at"`
}

// SortTask is one pick-and-place of a tracked object into a zone. It is
// owned by the orchestrator goroutine; other goroutines see TaskReport
// copies.
type SortTask struct {
	ID            string
	Object        tracking.TrackedObject
	Reservation   zones.Reservation
	Target        geom.Point
	State         TaskState
	GraspAttempts int
	Err           error
	StartedAt     time.Time
	EndedAt       time.Time
	History       []Transition
}

func newSortTask(id string, obj tracking.TrackedObject, res zones.Reservation, target geom.Point, now time.Time) *SortTask {
	return &SortTask{
		ID:          id,
		Object:      obj,
		Reservation: res,
		Target:      target,
		State:       TaskReserved,
		StartedAt:   now,
	}
}

// transition moves the task to next and records it.
func (t *SortTask) transition(next TaskState, now time.Time) error {
	if !CanTransition(t.State, next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.State, next)
	}
	t.History = append(t.History, Transition{From: t.State, To: next, At: now})
	t.State = next
	if next.Terminal() {
		t.EndedAt = now
	}
	return nil
}

// TaskReport is an immutable view of a SortTask.
type TaskReport struct {
	TaskID        string        `json:"task_id"`
	RunID         string        `json:"run_id,omitempty"`
	TrackID       string        `json:"track_id"`
	Label         string        `json:"label"`
	Confidence    float64       `json:"confidence"`
	ZoneID        string        `json:"zone_id"`
	State         TaskState     `json:"state"`
	GraspAttempts int           `json:"grasp_attempts"`
	Cause         string        `json:"cause,omitempty"`
	Error         string        `json:"error,omitempty"`
	StartedAt     time.Time     `json:"started_at"`
	EndedAt       time.Time     `json:"ended_at,omitempty"`
	Duration      time.Duration `json:"duration_ns"`
	History       []Transition  `json:"history"`
}

// Report returns a copy of the task's current state.
func (t *SortTask) Report(runID string) TaskReport {
	r := TaskReport{
		TaskID:        t.ID,
		RunID:         runID,
		TrackID:       t.Object.TrackID,
		Label:         t.Object.Label,
		Confidence:    t.Object.Confidence,
		ZoneID:        t.Reservation.ZoneID,
		State:         t.State,
		GraspAttempts: t.GraspAttempts,
		StartedAt:     t.StartedAt,
		EndedAt:       t.EndedAt,
		History:       append([]Transition(nil), t.History...),
	}
	if t.Err != nil {
		r.Cause = Cause(t.Err)
		r.Error = t.Err.Error()
	}
	if !t.EndedAt.IsZero() {
		r.Duration = t.EndedAt.Sub(t.StartedAt)
	}
	return r
}
