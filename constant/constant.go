package constant

import "time"

type WorkerState string

const (
	WorkerStarting WorkerState = "STARTING"
	WorkerRunning  WorkerState = "RUNNING"
	WorkerFailed   WorkerState = "FAILED"
	WorkerBackoff  WorkerState = "BACKOFF"
	WorkerStopped  WorkerState = "STOPPED"
)

func (s WorkerState) String() string {
	return string(s)
}

type TriggerMode string

const (
	TriggerKeyboard TriggerMode = "keyboard"
	TriggerHTTP     TriggerMode = "http"
)

type Transport string

const (
	TransportTCP Transport = "tcp"
	TransportUDP Transport = "udp"
)

// CameraAll addresses every configured camera in a clip request.
const CameraAll = "all"

// Process exit codes.
const (
	ExitOK            = 0
	ExitConfigInvalid = 1
	ExitGaveUp        = 2
)

const (
	// GracefulStopTimeout bounds how long a capture worker waits for its
	// encoder to exit after SIGTERM before force-killing it.
	GracefulStopTimeout = 5 * time.Second

	// ShutdownTimeout bounds the whole shutdown sequence across all workers.
	ShutdownTimeout = 15 * time.Second

	// SupervisorInterval is the health evaluation period.
	SupervisorInterval = 10 * time.Second

	// StalledAfterChunks marks a worker stalled when the newest segment is
	// at least this many chunk durations old while the encoder is still alive.
	StalledAfterChunks = 3

	// StableRunThreshold is the healthy-run duration after which the
	// reconnect attempt counter resets.
	StableRunThreshold = 60 * time.Second

	// StoreFreeFloor is the minimum free fraction of the memory-backed
	// store before emergency eviction kicks in.
	StoreFreeFloor = 0.10

	// SegmentPollInterval is the capture worker's directory polling period.
	SegmentPollInterval = time.Second

	// StartStagger spaces out camera launches to avoid a restart storm
	// after power-on.
	StartStagger = 500 * time.Millisecond

	// ClipRetention is how long finished clips are kept before the daily
	// sweep removes them.
	ClipRetention = 30 * 24 * time.Hour
)
