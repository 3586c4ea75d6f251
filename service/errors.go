package service

import "errors"

// Error kinds surfaced to trigger callers. Background failures (encoder
// exits, unreachable cameras) feed the supervisor's backoff loop instead of
// propagating as errors.
var (
	// ErrInsufficientBuffer means the buffer cannot cover the requested
	// clip interval.
	ErrInsufficientBuffer = errors.New("insufficient buffer")

	// ErrSegmentMissing means a selected segment file vanished between
	// snapshot and read. Assembly retries once, then reports
	// ErrInsufficientBuffer.
	ErrSegmentMissing = errors.New("segment missing")

	// ErrTimeout means a clip request's deadline expired mid-assembly.
	ErrTimeout = errors.New("clip assembly timed out")

	// ErrUnknownCamera means a clip request named a camera that is not
	// configured.
	ErrUnknownCamera = errors.New("unknown camera")
)
