package service

import (
	"bufio"
	"context"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"preroll-recorder/config"
	"preroll-recorder/constant"
	"preroll-recorder/entities"
	"preroll-recorder/pkg/ffmpeg"
	"preroll-recorder/pkg/store"
	"preroll-recorder/repository"
)

// CaptureWorker owns one camera's encoder subprocess. The encoder does all
// timing-sensitive work (clock-aligned segmentation, keyframe placement);
// the worker only spawns it, watches the output directory, and publishes
// closed segments into the buffer index. Observing the filesystem instead
// of the encoder's stdout lets a restarted worker pick up where a crashed
// one left off while the encoder keeps writing.
type CaptureWorker struct {
	cam   entities.Camera
	cfg   *config.Config
	store *store.Store
	index *repository.BufferIndex
	log   zerolog.Logger

	mu                sync.Mutex
	state             constant.WorkerState
	cmd               *exec.Cmd
	stopping          bool
	startedAt         time.Time
	lastHeartbeat     time.Time
	lastSegmentStart  time.Time
	lastAppendedStart time.Time
	captured          int64
	restarts          int64

	runCancel context.CancelFunc
	exited    chan struct{}
}

func NewCaptureWorker(cam entities.Camera, cfg *config.Config, st *store.Store, index *repository.BufferIndex, log zerolog.Logger) *CaptureWorker {
	return &CaptureWorker{
		cam:   cam,
		cfg:   cfg,
		store: st,
		index: index,
		log:   log.With().Str("component", "capture").Str("camera_id", cam.ID).Logger(),
		state: constant.WorkerStarting,
	}
}

func (w *CaptureWorker) CameraID() string {
	return w.cam.ID
}

// Start spawns the encoder and the observer goroutines. Safe to call again
// after the previous run ended; the supervisor uses that for restarts.
func (w *CaptureWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state == constant.WorkerRunning {
		return nil
	}

	// Segments already indexed (recovered from a predecessor or closed by a
	// previous run) are behind the high-water mark: never re-appended, never
	// treated as half-written.
	if snap := w.index.Snapshot(w.cam.ID); len(snap) > 0 {
		if newest := snap[len(snap)-1].StartTime; newest.After(w.lastAppendedStart) {
			w.lastAppendedStart = newest
		}
	}

	args := ffmpeg.CaptureArgs(w.cam, w.cfg, w.store.Pattern(w.cam.ID))
	cmd := exec.Command("ffmpeg", args...)
	// strftime in the segment pattern expands in the child's local time;
	// pinning TZ keeps file names, and therefore start times, in UTC.
	cmd.Env = append(os.Environ(), "TZ=UTC")
	// Own process group so termination reaches ffmpeg's children too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		w.state = constant.WorkerFailed
		w.log.Error().Err(err).Msg("encoder spawn failed")
		return err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	w.cmd = cmd
	w.stopping = false
	w.state = constant.WorkerRunning
	w.startedAt = time.Now().UTC()
	w.lastHeartbeat = w.startedAt
	w.runCancel = cancel
	w.exited = make(chan struct{})

	go w.scanStderr(stderr)
	go w.watchSegments(runCtx)
	go w.waitEncoder(cmd, w.exited, cancel)

	w.log.Info().Int("pid", cmd.Process.Pid).Str("transport", string(w.cam.Transport)).Msg("capture started")
	return nil
}

// scanStderr turns encoder chatter into heartbeats; a talking encoder is a
// live encoder even between segments.
func (w *CaptureWorker) scanStderr(r io.Reader) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		w.heartbeat(time.Time{})
		if line != "" {
			w.log.Debug().Str("stderr", line).Msg("encoder")
		}
	}
}

func (w *CaptureWorker) waitEncoder(cmd *exec.Cmd, exited chan struct{}, cancel context.CancelFunc) {
	err := cmd.Wait()
	cancel()

	w.mu.Lock()
	stopping := w.stopping
	if !stopping {
		w.state = constant.WorkerFailed
	}
	close(exited)
	w.mu.Unlock()

	if stopping {
		w.log.Info().Msg("encoder exited on request")
		return
	}
	w.log.Error().Err(err).Msg("encoder exited unexpectedly")
}

// watchSegments combines fsnotify wakeups with a bounded poll. The poll is
// the source of truth for growth-stability; events only shorten latency.
func (w *CaptureWorker) watchSegments(ctx context.Context) {
	var events chan fsnotify.Event
	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		if err := watcher.Add(w.store.Dir(w.cam.ID)); err == nil {
			events = watcher.Events
		}
		defer watcher.Close()
	}
	if events == nil {
		w.log.Warn().Err(err).Msg("fsnotify unavailable, falling back to polling only")
	}

	ticker := time.NewTicker(constant.SegmentPollInterval)
	defer ticker.Stop()

	// Size history from the previous poll, keyed by file name.
	prevSizes := make(map[string]int64)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			prevSizes = w.scanOnce(prevSizes)
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Op.Has(fsnotify.Create) {
				prevSizes = w.scanOnce(prevSizes)
			}
		}
	}
}

// scanOnce lists the camera directory and closes every segment that either
// has a successor or whose size held steady since the previous poll.
func (w *CaptureWorker) scanOnce(prevSizes map[string]int64) map[string]int64 {
	entries, err := w.store.List(w.cam.ID)
	if err != nil {
		w.log.Warn().Err(err).Msg("segment listing failed")
		return prevSizes
	}

	w.mu.Lock()
	lastAppended := w.lastAppendedStart
	w.mu.Unlock()

	nextSizes := make(map[string]int64, len(entries))
	for i, e := range entries {
		if !e.StartTime.After(lastAppended) {
			continue
		}
		nextSizes[e.Name] = e.SizeBytes

		hasSuccessor := i < len(entries)-1
		prev, seen := prevSizes[e.Name]
		stable := seen && prev == e.SizeBytes

		if !hasSuccessor && !stable {
			continue
		}
		if e.SizeBytes == 0 {
			// The segmenter creates the file before writing the header.
			continue
		}

		w.closeSegment(e)
		lastAppended = e.StartTime
		delete(nextSizes, e.Name)
	}
	return nextSizes
}

func (w *CaptureWorker) closeSegment(e store.Entry) {
	seg := entities.Segment{
		CameraID:  w.cam.ID,
		StartTime: e.StartTime,
		Duration:  w.cfg.ChunkDuration,
		Path:      e.Path,
		SizeBytes: e.SizeBytes,
		CreatedAt: time.Now().UTC(),
	}
	if !w.index.Append(w.cam.ID, seg) {
		return
	}

	w.mu.Lock()
	w.lastAppendedStart = e.StartTime
	w.lastSegmentStart = e.StartTime
	w.captured++
	w.mu.Unlock()
	w.heartbeat(e.StartTime)

	w.log.Debug().
		Str("segment", e.Name).
		Int64("size_bytes", e.SizeBytes).
		Msg("segment closed")
}

func (w *CaptureWorker) heartbeat(segmentStart time.Time) {
	w.mu.Lock()
	w.lastHeartbeat = time.Now().UTC()
	if !segmentStart.IsZero() {
		w.lastSegmentStart = segmentStart
	}
	w.mu.Unlock()
}

// Stop terminates the encoder gracefully: SIGTERM to the process group,
// a bounded wait, then SIGKILL. Any half-written segment newer than the
// last closed one is removed so a successor never adopts a torso.
func (w *CaptureWorker) Stop(ctx context.Context) {
	w.mu.Lock()
	if w.state == constant.WorkerStopped {
		w.mu.Unlock()
		return
	}
	w.stopping = true
	w.state = constant.WorkerStopped
	cmd := w.cmd
	exited := w.exited
	cancel := w.runCancel
	w.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if cmd != nil && cmd.Process != nil {
		w.signalGroup(cmd, syscall.SIGTERM)
		select {
		case <-exited:
		case <-time.After(constant.GracefulStopTimeout):
			w.log.Warn().Msg("encoder ignored SIGTERM, killing")
			w.signalGroup(cmd, syscall.SIGKILL)
			<-exited
		case <-ctx.Done():
			w.signalGroup(cmd, syscall.SIGKILL)
			<-exited
		}
	}

	w.removeHalfWritten()
	w.log.Info().Int64("segments", w.Info().SegmentsCaptured).Msg("capture stopped")
}

// Kill force-terminates the encoder without marking the worker stopped;
// the waiter records the Failed state. The supervisor uses it on stalls.
func (w *CaptureWorker) Kill() {
	w.mu.Lock()
	cmd := w.cmd
	w.mu.Unlock()
	if cmd != nil && cmd.Process != nil {
		w.signalGroup(cmd, syscall.SIGKILL)
	}
}

func (w *CaptureWorker) signalGroup(cmd *exec.Cmd, sig syscall.Signal) {
	pid := cmd.Process.Pid
	if err := syscall.Kill(-pid, sig); err != nil {
		// Process group may already be gone; fall back to the process.
		_ = cmd.Process.Signal(sig)
	}
}

func (w *CaptureWorker) removeHalfWritten() {
	entries, err := w.store.List(w.cam.ID)
	if err != nil {
		return
	}
	w.mu.Lock()
	lastAppended := w.lastAppendedStart
	w.mu.Unlock()

	for _, e := range entries {
		if e.StartTime.After(lastAppended) {
			if err := w.store.Remove(e.Path); err == nil {
				w.log.Debug().Str("segment", e.Name).Msg("removed half-written segment")
			}
		}
	}
}

// MarkBackoff records that the supervisor scheduled a delayed restart.
func (w *CaptureWorker) MarkBackoff() {
	w.mu.Lock()
	if w.state == constant.WorkerFailed {
		w.state = constant.WorkerBackoff
	}
	w.mu.Unlock()
}

// NoteRestart bumps the restart counter; called by the supervisor right
// before a Start attempt.
func (w *CaptureWorker) NoteRestart() {
	w.mu.Lock()
	w.restarts++
	w.mu.Unlock()
}

// Alive reports whether the encoder process is currently running.
func (w *CaptureWorker) Alive() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cmd == nil || w.cmd.Process == nil {
		return false
	}
	select {
	case <-w.exited:
		return false
	default:
		return true
	}
}

// Info returns a consistent snapshot for the supervisor and /status.
func (w *CaptureWorker) Info() entities.WorkerInfo {
	w.mu.Lock()
	defer w.mu.Unlock()
	pid := 0
	if w.cmd != nil && w.cmd.Process != nil {
		pid = w.cmd.Process.Pid
	}
	return entities.WorkerInfo{
		CameraID:         w.cam.ID,
		State:            w.state,
		PID:              pid,
		StartedAt:        w.startedAt,
		LastHeartbeat:    w.lastHeartbeat,
		LastSegmentStart: w.lastSegmentStart,
		SegmentsCaptured: w.captured,
		Restarts:         w.restarts,
	}
}
