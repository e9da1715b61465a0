// Package orchestrator turns tracked objects into pick-and-place tasks. It is
// the only component that drives the robot: one SortTask runs to a terminal
// state before the next is admitted.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/sortbot/internal/config"
	"github.com/banshee-data/sortbot/internal/gateway"
	"github.com/banshee-data/sortbot/internal/geom"
	"github.com/banshee-data/sortbot/internal/monitoring"
	"github.com/banshee-data/sortbot/internal/strategy"
	"github.com/banshee-data/sortbot/internal/timeutil"
	"github.com/banshee-data/sortbot/internal/tracking"
	"github.com/banshee-data/sortbot/internal/zones"
)

// Config holds action budgets and cadence for the orchestrator.
type Config struct {
	MoveTimeout        time.Duration // Budget for each MoveTo
	GraspTimeout       time.Duration // Budget for each CloseGripper
	ReleaseTimeout     time.Duration // Budget for each OpenGripper
	PoseTimeout        time.Duration // Budget for CurrentPose and Stop
	PositionTolerance  float64       // Max robot-to-object distance before grasping (metres)
	GripperSettleDelay time.Duration // Pause after the gripper opens or closes
	DecisionInterval   time.Duration // Run loop cadence
	MaxOperationTime   time.Duration // Run stops after this long; 0 means unlimited
	MaxGraspAttempts   int           // Close attempts per task including the retry
}

// DefaultConfig returns orchestrator configuration loaded from
// config/sorter.defaults.json. Panics if the file cannot be found.
func DefaultConfig() Config {
	return ConfigFromSorter(config.MustLoadDefaultConfig())
}

// ConfigFromSorter builds a Config from a loaded SorterConfig.
func ConfigFromSorter(cfg *config.SorterConfig) Config {
	return Config{
		MoveTimeout:        cfg.GetMoveTimeout(),
		GraspTimeout:       cfg.GetGraspTimeout(),
		ReleaseTimeout:     cfg.GetReleaseTimeout(),
		PoseTimeout:        cfg.GetPoseTimeout(),
		PositionTolerance:  cfg.GetPositionTolerance(),
		GripperSettleDelay: cfg.GetGripperSettleDelay(),
		DecisionInterval:   cfg.GetDecisionInterval(),
		MaxOperationTime:   cfg.GetMaxOperationTime(),
		MaxGraspAttempts:   cfg.GetMaxGraspAttempts(),
	}
}

// Tracker is the subset of tracking.Tracker the orchestrator uses.
type Tracker interface {
	Get(trackID string) (tracking.TrackedObject, bool)
	Commit(trackID string) error
	Retire(trackID string, reason tracking.RetireReason) error
}

// ZoneRegistry is the subset of zones.Registry the orchestrator uses.
type ZoneRegistry interface {
	Reserve(zoneID string) (zones.Reservation, error)
	Commit(res zones.Reservation) error
	Release(res zones.Reservation) error
	Get(zoneID string) (zones.Zone, bool)
	Snapshot() []zones.Zone
}

// OutcomeSink receives every terminal task report.
type OutcomeSink interface {
	RecordOutcome(ctx context.Context, r TaskReport) error
}

// Deps holds the orchestrator's collaborators.
type Deps struct {
	Strategy strategy.Strategy
	Zones    ZoneRegistry
	Tracker  Tracker
	Gateway  gateway.Gateway
	Clock    timeutil.Clock // Optional: defaults to RealClock
	Sink     OutcomeSink    // Optional: outcome persistence
	RunID    string         // Optional: generated when empty
}

// Orchestrator sequences sort tasks. Tick and Run must be driven from a
// single goroutine; Abort, Current and Stats are safe from any goroutine.
type Orchestrator struct {
	cfg   Config
	deps  Deps
	clock timeutil.Clock
	runID string
	stats *statsCollector

	mu         sync.Mutex
	busy       bool
	current    *SortTask
	cancelTask context.CancelFunc
	rejected   map[string]string // track ID -> last reject reason
}

// New creates an orchestrator.
func New(cfg Config, deps Deps) *Orchestrator {
	if cfg.MaxGraspAttempts < 1 {
		cfg.MaxGraspAttempts = 1
	}
	clock := deps.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	runID := deps.RunID
	if runID == "" {
		runID = uuid.New().String()
	}
	return &Orchestrator{
		cfg:      cfg,
		deps:     deps,
		clock:    clock,
		runID:    runID,
		stats:    newStatsCollector(clock.Now()),
		rejected: make(map[string]string),
	}
}

// RunID identifies this orchestrator's run in persisted outcomes.
func (o *Orchestrator) RunID() string { return o.runID }

// Stats returns a copy of the accumulated statistics.
func (o *Orchestrator) Stats() Stats { return o.stats.snapshot() }

// ResetStats clears all statistics.
func (o *Orchestrator) ResetStats() {
	o.stats.reset(o.clock.Now())
	o.mu.Lock()
	o.rejected = make(map[string]string)
	o.mu.Unlock()
}

// Current returns the in-flight task, if any.
func (o *Orchestrator) Current() (TaskReport, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.current == nil {
		return TaskReport{}, false
	}
	return o.current.Report(o.runID), true
}

// Abort fails the in-flight task. The orchestrator goroutine stops the robot
// and releases the reservation. It reports whether a task was in flight.
func (o *Orchestrator) Abort() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cancelTask == nil {
		return false
	}
	monitoring.Logf("orchestrator: abort requested for task %s", o.current.ID)
	o.cancelTask()
	return true
}

// backlog orders a snapshot for admission: Committed objects first, then by
// confirmation order.
func backlog(snapshot []tracking.TrackedObject) []tracking.TrackedObject {
	out := append([]tracking.TrackedObject(nil), snapshot...)
	sort.SliceStable(out, func(i, j int) bool {
		ci, cj := out[i].State == tracking.TrackCommitted, out[j].State == tracking.TrackCommitted
		if ci != cj {
			return ci
		}
		if out[i].ConfirmedSeq != out[j].ConfirmedSeq {
			return out[i].ConfirmedSeq < out[j].ConfirmedSeq
		}
		return out[i].TrackID < out[j].TrackID
	})
	return out
}

// Tick performs one decision step: it admits the first eligible object in
// snapshot and runs its task to a terminal state. It returns a nil report
// when nothing could be admitted. Recoverable task failures are reported in
// the TaskReport; only gateway errors and context cancellation are returned.
func (o *Orchestrator) Tick(ctx context.Context, snapshot []tracking.TrackedObject) (*TaskReport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	o.mu.Lock()
	if o.busy {
		o.mu.Unlock()
		return nil, ErrBusy
	}
	o.busy = true
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.busy = false
		o.mu.Unlock()
	}()

	task := o.admit(snapshot)
	if task == nil {
		return nil, nil
	}
	return o.execute(ctx, task)
}

// admit picks the next object, reserves its zone and commits the track.
func (o *Orchestrator) admit(snapshot []tracking.TrackedObject) *SortTask {
	o.pruneRejected(snapshot)

	for _, snap := range backlog(snapshot) {
		obj, ok := o.deps.Tracker.Get(snap.TrackID)
		if !ok || (obj.State != tracking.TrackConfirmed && obj.State != tracking.TrackCommitted) {
			continue
		}

		res, dec, ok := o.reserve(obj)
		if !ok {
			o.noteReject(obj, dec)
			continue
		}

		if err := o.deps.Tracker.Commit(obj.TrackID); err != nil && !errors.Is(err, tracking.ErrAlreadyCommitted) {
			monitoring.Logf("orchestrator: skipping %s: %v", obj.TrackID, err)
			if rerr := o.deps.Zones.Release(res); rerr != nil {
				monitoring.Logf("orchestrator: release %s: %v", res.ZoneID, rerr)
			}
			continue
		}
		obj.State = tracking.TrackCommitted

		o.mu.Lock()
		delete(o.rejected, obj.TrackID)
		o.mu.Unlock()

		zone, _ := o.deps.Zones.Get(res.ZoneID)
		return newSortTask(uuid.New().String(), obj, res, zone.Position, o.clock.Now())
	}
	return nil
}

// reserve asks the strategy for a zone and reserves it. A reserve that loses
// to a full zone re-decides with that zone excluded.
func (o *Orchestrator) reserve(obj tracking.TrackedObject) (zones.Reservation, strategy.Decision, bool) {
	s := o.deps.Strategy
	for {
		dec := s.Decide(obj, o.deps.Zones.Snapshot())
		if dec.Reject {
			return zones.Reservation{}, dec, false
		}
		res, err := o.deps.Zones.Reserve(dec.ZoneID)
		if err == nil {
			return res, dec, true
		}
		if !errors.Is(err, zones.ErrZoneFull) {
			monitoring.Logf("orchestrator: reserve %s for %s: %v", dec.ZoneID, obj.TrackID, err)
			return zones.Reservation{}, strategy.Decision{ZoneID: dec.ZoneID, Reject: true, Reason: strategy.ReasonUnmapped}, false
		}
		o.stats.zoneFullHit()
		monitoring.Logf("orchestrator: zone %s filled before reserve for %s, re-deciding", dec.ZoneID, obj.TrackID)
		s = strategy.Exclude(s, dec.ZoneID)
	}
}

// noteReject counts a rejection once per track and reason.
func (o *Orchestrator) noteReject(obj tracking.TrackedObject, dec strategy.Decision) {
	o.mu.Lock()
	if o.rejected[obj.TrackID] == dec.Reason {
		o.mu.Unlock()
		return
	}
	o.rejected[obj.TrackID] = dec.Reason
	o.mu.Unlock()

	o.stats.rejected(dec.Reason)
	if dec.Reason == strategy.ReasonZoneFull {
		o.stats.zoneFullHit()
	}
	monitoring.Logf("orchestrator: rejected %s (%s %.2f): %s %s", obj.TrackID, obj.Label, obj.Confidence, dec.Reason, dec.ZoneID)
}

func (o *Orchestrator) pruneRejected(snapshot []tracking.TrackedObject) {
	live := make(map[string]bool, len(snapshot))
	for _, obj := range snapshot {
		live[obj.TrackID] = true
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	for id := range o.rejected {
		if !live[id] {
			delete(o.rejected, id)
		}
	}
}

// execute runs task to a terminal state and settles its reservation, track,
// stats and outcome record.
func (o *Orchestrator) execute(ctx context.Context, task *SortTask) (*TaskReport, error) {
	taskCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	o.mu.Lock()
	o.current = task
	o.cancelTask = cancel
	o.mu.Unlock()

	o.stats.attempted(task.Reservation.ZoneID)
	monitoring.Logf("orchestrator: task %s: %s (%s) -> %s", task.ID, task.Object.TrackID, task.Object.Label, task.Reservation.ZoneID)

	err := o.runTask(taskCtx, task)
	fatal := errors.Is(err, gateway.ErrGateway)
	o.finish(task, err)

	switch {
	case fatal, errors.Is(err, ErrAborted):
		o.safeStop()
	case err != nil && grasped(task):
		o.dropObject()
	}

	o.mu.Lock()
	report := task.Report(o.runID)
	o.current = nil
	o.cancelTask = nil
	o.mu.Unlock()

	o.stats.finished(report)
	o.record(ctx, report)

	if fatal {
		return &report, fmt.Errorf("task %s: %w", task.ID, err)
	}
	if ctx.Err() != nil {
		return &report, ctx.Err()
	}
	return &report, nil
}

// grasped reports whether task reached Grasping, after which the gripper may
// be closed, empty or on the object.
func grasped(task *SortTask) bool {
	return task.GraspAttempts > 0
}

func (o *Orchestrator) runTask(ctx context.Context, task *SortTask) error {
	if err := o.advance(ctx, task, TaskNavigating); err != nil {
		return err
	}
	if err := o.navigate(ctx, task); err != nil {
		return err
	}
	if err := o.advance(ctx, task, TaskGrasping); err != nil {
		return err
	}
	if err := o.grasp(ctx, task); err != nil {
		return err
	}
	if err := o.advance(ctx, task, TaskTransporting); err != nil {
		return err
	}
	if err := o.move(ctx, "transport", task.Target); err != nil {
		return err
	}
	if err := o.advance(ctx, task, TaskReleasing); err != nil {
		return err
	}
	return o.openGripper(ctx, "release")
}

// advance is a state boundary: an aborted task fails here.
func (o *Orchestrator) advance(ctx context.Context, task *SortTask, next TaskState) error {
	if ctx.Err() != nil {
		return fmt.Errorf("before %s: %w", next, ErrAborted)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return task.transition(next, o.clock.Now())
}

// finish moves task to Completed or Failed. Completion commits the
// reservation; failure releases it. The object is retired either way.
func (o *Orchestrator) finish(task *SortTask, err error) {
	res := task.Reservation
	id := task.Object.TrackID
	if err == nil {
		if cerr := o.deps.Zones.Commit(res); cerr != nil {
			monitoring.Logf("orchestrator: task %s: commit %s: %v", task.ID, res.ZoneID, cerr)
		}
		if rerr := o.deps.Tracker.Retire(id, tracking.RetirePlaced); rerr != nil {
			monitoring.Logf("orchestrator: task %s: retire %s: %v", task.ID, id, rerr)
		}
		o.mu.Lock()
		terr := task.transition(TaskCompleted, o.clock.Now())
		o.mu.Unlock()
		if terr != nil {
			monitoring.Logf("orchestrator: task %s: %v", task.ID, terr)
		}
		monitoring.Logf("orchestrator: task %s completed: %s placed in %s", task.ID, id, res.ZoneID)
		return
	}

	if rerr := o.deps.Zones.Release(res); rerr != nil {
		monitoring.Logf("orchestrator: task %s: release %s: %v", task.ID, res.ZoneID, rerr)
	}
	if rerr := o.deps.Tracker.Retire(id, tracking.RetireFailed); rerr != nil {
		monitoring.Logf("orchestrator: task %s: retire %s: %v", task.ID, id, rerr)
	}
	o.mu.Lock()
	task.Err = err
	terr := task.transition(TaskFailed, o.clock.Now())
	o.mu.Unlock()
	if terr != nil {
		monitoring.Logf("orchestrator: task %s: %v", task.ID, terr)
	}
	monitoring.Logf("orchestrator: task %s failed (%s): %v", task.ID, Cause(err), err)
}

// actionErr classifies a gateway error. ctx is the task context.
func actionErr(ctx context.Context, step string, err error) error {
	switch {
	case errors.Is(err, gateway.ErrGateway):
		return fmt.Errorf("%s: %w", step, err)
	case ctx.Err() != nil:
		return fmt.Errorf("%s: %w", step, ErrAborted)
	case errors.Is(err, gateway.ErrMoveTimeout), errors.Is(err, gateway.ErrActionTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s: %w: %v", step, ErrActuationTimeout, err)
	}
	return fmt.Errorf("%s: %w: %v", step, gateway.ErrGateway, err)
}

func (o *Orchestrator) move(ctx context.Context, step string, target geom.Point) error {
	stepCtx, cancel := context.WithTimeout(ctx, o.cfg.MoveTimeout)
	defer cancel()
	if err := o.deps.Gateway.MoveTo(stepCtx, target); err != nil {
		return actionErr(ctx, step, err)
	}
	return nil
}

func (o *Orchestrator) openGripper(ctx context.Context, step string) error {
	stepCtx, cancel := context.WithTimeout(ctx, o.cfg.ReleaseTimeout)
	defer cancel()
	if err := o.deps.Gateway.OpenGripper(stepCtx); err != nil {
		return actionErr(ctx, step, err)
	}
	o.settle()
	return nil
}

func (o *Orchestrator) settle() {
	if o.cfg.GripperSettleDelay > 0 {
		o.clock.Sleep(o.cfg.GripperSettleDelay)
	}
}

// lost reports whether the track is gone or retired.
func (o *Orchestrator) lost(trackID string) (tracking.TrackedObject, bool) {
	live, ok := o.deps.Tracker.Get(trackID)
	return live, !ok || live.State == tracking.TrackRetired
}

// watchTrack returns a context that is cancelled with ErrPerceptionGap when
// the track is lost. The track is polled every DecisionInterval until stop.
func (o *Orchestrator) watchTrack(ctx context.Context, trackID string) (context.Context, func()) {
	watchCtx, cancel := context.WithCancelCause(ctx)
	if o.cfg.DecisionInterval <= 0 {
		return watchCtx, func() { cancel(nil) }
	}

	ticker := o.clock.NewTicker(o.cfg.DecisionInterval)
	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-watchCtx.Done():
				return
			case <-ticker.C():
				if _, gone := o.lost(trackID); gone {
					cancel(ErrPerceptionGap)
					return
				}
			}
		}
	}()
	return watchCtx, func() {
		close(done)
		<-finished
		cancel(nil)
	}
}

// navigate drives to the object's last known position and checks that the
// object is still tracked and within reach. Losing the track during the
// approach cuts the move short.
func (o *Orchestrator) navigate(ctx context.Context, task *SortTask) error {
	id := task.Object.TrackID

	watchCtx, stopWatch := o.watchTrack(ctx, id)
	err := o.move(watchCtx, "navigate", task.Object.Position)
	stopWatch()
	if errors.Is(context.Cause(watchCtx), ErrPerceptionGap) && ctx.Err() == nil {
		return fmt.Errorf("navigate to %s: track lost during approach: %w", id, ErrPerceptionGap)
	}
	if err != nil {
		return err
	}

	live, gone := o.lost(id)
	if gone {
		return fmt.Errorf("navigate to %s: %w", id, ErrPerceptionGap)
	}

	poseCtx, cancel := context.WithTimeout(ctx, o.cfg.PoseTimeout)
	defer cancel()
	pose, err := o.deps.Gateway.CurrentPose(poseCtx)
	if err != nil {
		return actionErr(ctx, "pose", err)
	}
	if d := geom.Dist(pose, live.Position); d > o.cfg.PositionTolerance {
		return fmt.Errorf("navigate to %s: %w: %.3f m from %s", id, ErrObjectMoved, d, live.Position)
	}
	return nil
}

// grasp closes the gripper, retrying once on an empty grip or timeout.
func (o *Orchestrator) grasp(ctx context.Context, task *SortTask) error {
	for {
		o.mu.Lock()
		task.GraspAttempts++
		attempt := task.GraspAttempts
		o.mu.Unlock()

		stepCtx, cancel := context.WithTimeout(ctx, o.cfg.GraspTimeout)
		result, err := o.deps.Gateway.CloseGripper(stepCtx)
		cancel()

		var failure error
		switch {
		case err != nil:
			failure = actionErr(ctx, "grasp", err)
			if !errors.Is(failure, ErrActuationTimeout) {
				return failure
			}
		case result != gateway.GripConfirmed:
			failure = fmt.Errorf("grasp %s: %w", task.Object.TrackID, ErrGripEmpty)
		default:
			o.settle()
			return nil
		}

		if attempt >= o.cfg.MaxGraspAttempts {
			return failure
		}
		monitoring.Logf("orchestrator: task %s: grasp attempt %d failed (%v), retrying", task.ID, attempt, failure)
		if err := o.openGripper(ctx, "grasp retry"); err != nil {
			return err
		}
		if err := o.advance(ctx, task, TaskGrasping); err != nil {
			return err
		}
	}
}

// safeStop halts motion and opens the gripper, best effort.
func (o *Orchestrator) safeStop() {
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.PoseTimeout)
	defer cancel()
	if err := o.deps.Gateway.Stop(ctx); err != nil {
		monitoring.Logf("orchestrator: safe stop: %v", err)
	}
	o.dropObject()
}

func (o *Orchestrator) dropObject() {
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.ReleaseTimeout)
	defer cancel()
	if err := o.deps.Gateway.OpenGripper(ctx); err != nil {
		monitoring.Logf("orchestrator: open gripper: %v", err)
	}
}

func (o *Orchestrator) record(ctx context.Context, r TaskReport) {
	if o.deps.Sink == nil {
		return
	}
	if err := o.deps.Sink.RecordOutcome(context.WithoutCancel(ctx), r); err != nil {
		monitoring.Logf("orchestrator: record outcome %s: %v", r.TaskID, err)
	}
}

// SortBatch runs tasks over objs until none can be admitted and returns the
// number placed.
func (o *Orchestrator) SortBatch(ctx context.Context, objs []tracking.TrackedObject) (int, error) {
	sorted := 0
	for {
		r, err := o.Tick(ctx, objs)
		if r != nil && r.State == TaskCompleted {
			sorted++
		}
		if err != nil || r == nil {
			return sorted, err
		}
	}
}

// Run ticks at DecisionInterval over the latest snapshot until ctx is done,
// MaxOperationTime elapses or a gateway error occurs. When snapshots closes
// the remaining backlog is sorted before returning.
func (o *Orchestrator) Run(ctx context.Context, snapshots <-chan []tracking.TrackedObject) error {
	ticker := o.clock.NewTicker(o.cfg.DecisionInterval)
	defer ticker.Stop()

	start := o.clock.Now()
	var latest []tracking.TrackedObject
	monitoring.Logf("orchestrator: run %s started (interval %v, limit %v)", o.runID, o.cfg.DecisionInterval, o.cfg.MaxOperationTime)

	for {
		select {
		case <-ctx.Done():
			return nil

		case snap, ok := <-snapshots:
			if !ok {
				n, err := o.SortBatch(ctx, latest)
				monitoring.Logf("orchestrator: input closed, sorted %d remaining objects", n)
				return o.runErr(ctx, err)
			}
			latest = snap

		case <-ticker.C():
			if o.cfg.MaxOperationTime > 0 && o.clock.Since(start) >= o.cfg.MaxOperationTime {
				monitoring.Logf("orchestrator: max operation time %v reached", o.cfg.MaxOperationTime)
				return nil
			}
			if len(latest) == 0 {
				continue
			}
			if _, err := o.Tick(ctx, latest); err != nil {
				if rerr := o.runErr(ctx, err); rerr != nil {
					return rerr
				}
				if ctx.Err() != nil {
					return nil
				}
			}
		}
	}
}

// runErr keeps gateway errors and drops the rest after logging.
func (o *Orchestrator) runErr(ctx context.Context, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gateway.ErrGateway):
		return err
	case ctx.Err() == nil:
		monitoring.Logf("orchestrator: tick: %v", err)
	}
	return nil
}
