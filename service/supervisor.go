package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v4/disk"

	"preroll-recorder/config"
	"preroll-recorder/constant"
	"preroll-recorder/entities"
	"preroll-recorder/repository"
)

// ErrAllCamerasFailed is returned by Run when every camera has exhausted
// its reconnect attempts. The process exits with constant.ExitGaveUp.
var ErrAllCamerasFailed = errors.New("all cameras permanently failed")

// BackoffStatus is the per-camera restart state exposed on /status.
type BackoffStatus struct {
	Attempts    int     `json:"attempts"`
	NextRetryIn float64 `json:"next_retry_in_seconds,omitempty"`
	Quarantined bool    `json:"quarantined"`
}

// PressureStatus reports the memory-backed store's fill level.
type PressureStatus struct {
	FreeRatio     float64 `json:"free_ratio"`
	UnderPressure bool    `json:"under_pressure"`
	EvictedLast   int     `json:"evicted_last_cycle,omitempty"`
}

type reconnectState struct {
	bo          *backoff.ExponentialBackOff
	attempts    int
	nextRetry   time.Time
	quarantined bool
}

// Supervisor periodically evaluates worker health, drives restarts with
// exponential backoff, and clears storage pressure by round-robin eviction.
// All mutation happens on the single Run goroutine; the mutex only protects
// status reads from the HTTP surface.
type Supervisor struct {
	cfg     *config.Config
	index   *repository.BufferIndex
	workers map[string]*CaptureWorker
	order   []string
	log     zerolog.Logger

	interval  time.Duration
	diskUsage func(path string) (total, free uint64, err error)

	mu         sync.Mutex
	reconnects map[string]*reconnectState
	pressure   PressureStatus
	pressureN  int
	rr         int
}

func NewSupervisor(cfg *config.Config, index *repository.BufferIndex, workers []*CaptureWorker, log zerolog.Logger) *Supervisor {
	byID := make(map[string]*CaptureWorker, len(workers))
	order := make([]string, 0, len(workers))
	reconnects := make(map[string]*reconnectState, len(workers))
	for _, w := range workers {
		byID[w.CameraID()] = w
		order = append(order, w.CameraID())
		reconnects[w.CameraID()] = &reconnectState{bo: newBackoff(cfg)}
	}
	return &Supervisor{
		cfg:        cfg,
		index:      index,
		workers:    byID,
		order:      order,
		log:        log.With().Str("component", "supervisor").Logger(),
		interval:   constant.SupervisorInterval,
		diskUsage:  diskUsage,
		reconnects: reconnects,
	}
}

// newBackoff yields delays of exactly min(initial·2^k, max): randomization
// is disabled so restart timing is predictable and testable.
func newBackoff(cfg *config.Config) *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.ReconnectInitialDelay
	bo.MaxInterval = cfg.ReconnectMaxDelay
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	// Re-seed the current interval: the constructor reset it to the library
	// default before InitialInterval was overridden.
	bo.Reset()
	return bo
}

func diskUsage(path string) (uint64, uint64, error) {
	u, err := disk.Usage(path)
	if err != nil {
		return 0, 0, err
	}
	return u.Total, u.Free, nil
}

// Run evaluates until ctx is cancelled or every camera is quarantined.
func (s *Supervisor) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.evaluate(ctx, time.Now().UTC())
			if s.allQuarantined() {
				s.log.Error().Msg("every camera exhausted its reconnect attempts, giving up")
				return ErrAllCamerasFailed
			}
		}
	}
}

func (s *Supervisor) evaluate(ctx context.Context, now time.Time) {
	for _, id := range s.order {
		s.evaluateWorker(ctx, id, now)
	}
	s.evaluatePressure(now)
}

func (s *Supervisor) evaluateWorker(ctx context.Context, id string, now time.Time) {
	w := s.workers[id]
	rs := s.reconnects[id]

	s.mu.Lock()
	quarantined := rs.quarantined
	s.mu.Unlock()
	if quarantined {
		return
	}

	info := w.Info()
	switch info.State {
	case constant.WorkerRunning:
		if !w.Alive() {
			// Waiter goroutine will flip the state; handle it next cycle.
			return
		}
		if s.stalled(info, now) {
			s.log.Warn().
				Str("camera_id", id).
				Time("last_segment_start", info.LastSegmentStart).
				Msg("worker stalled, terminating encoder")
			w.Kill()
			return
		}
		// Healthy run long enough: forget past failures.
		if now.Sub(info.StartedAt) > constant.StableRunThreshold {
			s.mu.Lock()
			if rs.attempts != 0 {
				rs.attempts = 0
				rs.bo.Reset()
			}
			s.mu.Unlock()
		}

	case constant.WorkerFailed:
		s.scheduleRestart(id, w, rs, now)

	case constant.WorkerBackoff:
		s.mu.Lock()
		due := !rs.nextRetry.IsZero() && !now.Before(rs.nextRetry)
		if due {
			rs.nextRetry = time.Time{}
		}
		s.mu.Unlock()
		if due {
			w.NoteRestart()
			if err := w.Start(ctx); err != nil {
				// Start marked the worker Failed; the next cycle schedules
				// the following attempt.
				s.log.Warn().Err(err).Str("camera_id", id).Msg("restart attempt failed")
			} else {
				s.log.Info().Str("camera_id", id).Msg("capture restarted")
			}
		}

	case constant.WorkerStarting, constant.WorkerStopped:
	}
}

// stalled: the encoder is alive but segments stopped advancing.
func (s *Supervisor) stalled(info entities.WorkerInfo, now time.Time) bool {
	limit := time.Duration(constant.StalledAfterChunks) * s.cfg.ChunkDuration
	if hb := info.HeartbeatAge(now); hb > limit {
		return true
	}
	age := info.NewestSegmentAge(now, s.cfg.ChunkDuration)
	if age < 0 {
		// Never produced a segment: judge from the start of this run.
		return now.Sub(info.StartedAt) > limit
	}
	return age >= limit
}

func (s *Supervisor) scheduleRestart(id string, w *CaptureWorker, rs *reconnectState, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !rs.nextRetry.IsZero() {
		return
	}
	rs.attempts++
	if maxAttempts := s.cfg.ReconnectMaxAttempts; maxAttempts > 0 && rs.attempts > maxAttempts {
		rs.quarantined = true
		s.log.Error().
			Str("camera_id", id).
			Int("attempts", rs.attempts-1).
			Msg("reconnect attempts exhausted, camera quarantined")
		return
	}

	delay := rs.bo.NextBackOff()
	rs.nextRetry = now.Add(delay)
	w.MarkBackoff()
	s.log.Warn().
		Str("camera_id", id).
		Int("attempt", rs.attempts).
		Dur("delay", delay).
		Msg("restart scheduled")
}

// evaluatePressure drops the oldest segment per camera, round-robin, until
// the store's free ratio clears the floor again. Running on the single
// supervisor goroutine means two cameras can never race an eviction.
func (s *Supervisor) evaluatePressure(now time.Time) {
	total, free, err := s.diskUsage(s.cfg.TempDir)
	if err != nil || total == 0 {
		return
	}

	ratio := float64(free) / float64(total)
	if ratio >= constant.StoreFreeFloor {
		s.mu.Lock()
		s.pressure = PressureStatus{FreeRatio: ratio}
		s.pressureN = 0
		s.mu.Unlock()
		return
	}

	evicted := 0
	freed := uint64(0)
	idle := 0
	for float64(free+freed)/float64(total) < constant.StoreFreeFloor && idle < len(s.order) {
		id := s.order[s.rr%len(s.order)]
		s.rr++
		if bytes, ok := s.index.DropOldest(id); ok {
			freed += uint64(bytes)
			evicted++
			idle = 0
		} else {
			idle++
		}
	}

	s.mu.Lock()
	s.pressureN++
	persisting := s.pressureN > 1
	s.pressure = PressureStatus{
		FreeRatio:     float64(free+freed) / float64(total),
		UnderPressure: true,
		EvictedLast:   evicted,
	}
	s.mu.Unlock()

	ev := s.log.Info()
	if persisting {
		ev = s.log.Warn()
	}
	ev.Float64("free_ratio", ratio).Int("evicted", evicted).Msg("storage pressure eviction")
}

func (s *Supervisor) allQuarantined() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rs := range s.reconnects {
		if !rs.quarantined {
			return false
		}
	}
	return len(s.reconnects) > 0
}

// Backoff returns the restart state for one camera.
func (s *Supervisor) Backoff(cameraID string, now time.Time) BackoffStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	rs, ok := s.reconnects[cameraID]
	if !ok {
		return BackoffStatus{}
	}
	st := BackoffStatus{Attempts: rs.attempts, Quarantined: rs.quarantined}
	if !rs.nextRetry.IsZero() {
		st.NextRetryIn = rs.nextRetry.Sub(now).Seconds()
	}
	return st
}

// Pressure returns the most recent storage pressure evaluation.
func (s *Supervisor) Pressure() PressureStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pressure
}
