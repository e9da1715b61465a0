// Package tracking owns object identity across frames.
//
// Responsibilities: nearest-neighbour association of detections to tracks,
// position and size smoothing, label majority voting, and the track
// lifecycle (candidate, confirmed, committed, retired).
// Key types: Tracker, TrackedObject.
//
// Dependency rule: tracking depends on perception and geom only. It never
// knows about zones, strategies or the robot.
package tracking
