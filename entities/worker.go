package entities

import (
	"time"

	"preroll-recorder/constant"
)

// WorkerInfo is a point-in-time snapshot of a capture worker, safe to read
// concurrently with the worker itself.
type WorkerInfo struct {
	CameraID         string
	State            constant.WorkerState
	PID              int
	StartedAt        time.Time
	LastHeartbeat    time.Time
	LastSegmentStart time.Time
	SegmentsCaptured int64
	Restarts         int64
}

// HeartbeatAge returns how long ago the worker last signalled liveness,
// or a negative duration if it never has.
func (w WorkerInfo) HeartbeatAge(now time.Time) time.Duration {
	if w.LastHeartbeat.IsZero() {
		return -1
	}
	return now.Sub(w.LastHeartbeat)
}

// NewestSegmentAge returns the age of the most recent closed segment's end,
// or -1 if no segment was ever observed.
func (w WorkerInfo) NewestSegmentAge(now time.Time, chunk time.Duration) time.Duration {
	if w.LastSegmentStart.IsZero() {
		return -1
	}
	return now.Sub(w.LastSegmentStart.Add(chunk))
}
