package dto

import (
	"time"

	"preroll-recorder/repository"
	"preroll-recorder/service"
)

// SaveClipRequest is the optional body of POST /save-clip. Omitted fields
// fall back to all cameras and the configured default duration.
type SaveClipRequest struct {
	CameraID string  `json:"camera_id"`
	Duration float64 `json:"duration"`
}

type SaveClipResponse struct {
	Success     bool      `json:"success"`
	Message     string    `json:"message"`
	TriggerTime time.Time `json:"trigger_time"`
	CameraID    string    `json:"camera_id"`
}

// CameraStatus is one camera's row in GET /status.
type CameraStatus struct {
	Buffer      repository.BufferStatus `json:"buffer"`
	WorkerState string                  `json:"worker_state"`
	Backoff     service.BackoffStatus   `json:"backoff"`
	Restarts    int64                   `json:"restarts"`
}

type StatusResponse struct {
	Timestamp time.Time               `json:"timestamp"`
	Cameras   map[string]CameraStatus `json:"cameras"`
	Pressure  service.PressureStatus  `json:"storage"`
}

type HealthResponse struct {
	Status string `json:"status"`
}
