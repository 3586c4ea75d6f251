package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"preroll-recorder/config"
	"preroll-recorder/constant"
	"preroll-recorder/entities"
	"preroll-recorder/pkg/ffmpeg"
	"preroll-recorder/repository"
)

// boundaryTolerance absorbs sub-second jitter when deciding whether a cut
// point already sits on a segment boundary.
const boundaryTolerance = 500 * time.Millisecond

// assemblyTimeoutFactor bounds every concat/trim invocation relative to the
// requested clip length.
const assemblyTimeoutFactor = 4

// ClipResult describes a finished clip.
type ClipResult struct {
	CameraID string        `json:"camera_id"`
	Path     string        `json:"path"`
	Duration time.Duration `json:"-"`
	FastPath bool          `json:"fast_path"`
}

// ClipOutcome is one camera's result of an ALL request.
type ClipOutcome struct {
	CameraID string
	Result   ClipResult
	Err      error
}

// ClipAssembler turns a trigger into a persistent clip of exact duration,
// selected from the buffer index. It never mutates the buffer; concurrent
// eviction shows up as a vanished file and is retried once.
type ClipAssembler struct {
	cfg   *config.Config
	index *repository.BufferIndex
	ex    ffmpeg.Executor
	log   zerolog.Logger
	now   func() time.Time
}

func NewClipAssembler(cfg *config.Config, index *repository.BufferIndex, ex ffmpeg.Executor, log zerolog.Logger) *ClipAssembler {
	return &ClipAssembler{
		cfg:   cfg,
		index: index,
		ex:    ex,
		log:   log.With().Str("component", "clip").Logger(),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// clipPlan is the pure output of segment selection; building it performs no
// I/O, which keeps the cut logic unit-testable without an encoder.
type clipPlan struct {
	segments    []entities.Segment
	targetStart time.Time
	anchorEnd   time.Time
	fast        bool
	headOffset  time.Duration // cut into the first segment
	tailKeep    time.Duration // kept span of the last segment; 0 = whole
}

// planClip selects the minimal contiguous subsequence covering
// [anchorEnd-duration, anchorEnd]. The anchor end is the trigger time,
// clamped to the newest closed segment's end when the trigger points past
// the buffered material.
func planClip(snapshot []entities.Segment, triggerTime time.Time, duration time.Duration) (clipPlan, error) {
	if len(snapshot) == 0 {
		return clipPlan{}, ErrInsufficientBuffer
	}

	newestEnd := snapshot[len(snapshot)-1].End()
	anchorEnd := triggerTime
	if anchorEnd.IsZero() || anchorEnd.After(newestEnd) {
		anchorEnd = newestEnd
	}
	targetStart := anchorEnd.Add(-duration)

	// Last segment whose interval reaches into the clip.
	j := len(snapshot) - 1
	for j >= 0 && !snapshot[j].StartTime.Before(anchorEnd) {
		j--
	}
	if j < 0 {
		return clipPlan{}, ErrInsufficientBuffer
	}

	// Walk backwards while the coverage is contiguous.
	i := j
	for i > 0 && snapshot[i].StartTime.After(targetStart) {
		gap := snapshot[i].StartTime.Sub(snapshot[i-1].End())
		if gap > boundaryTolerance || gap < -boundaryTolerance {
			break
		}
		i--
	}
	if snapshot[i].StartTime.After(targetStart) {
		return clipPlan{}, ErrInsufficientBuffer
	}
	if snapshot[j].End().Before(anchorEnd) {
		return clipPlan{}, ErrInsufficientBuffer
	}

	plan := clipPlan{
		segments:    snapshot[i : j+1],
		targetStart: targetStart,
		anchorEnd:   anchorEnd,
		headOffset:  targetStart.Sub(snapshot[i].StartTime),
	}
	if tail := snapshot[j].End().Sub(anchorEnd); tail > boundaryTolerance {
		plan.tailKeep = anchorEnd.Sub(snapshot[j].StartTime)
	}

	headAligned := plan.headOffset <= boundaryTolerance
	tailAligned := plan.tailKeep == 0
	if headAligned {
		plan.headOffset = 0
	}
	plan.fast = headAligned && tailAligned
	return plan, nil
}

// Generate assembles one clip. A segment vanishing mid-build (concurrent
// eviction) triggers a single re-plan from a fresh snapshot; a second
// failure surfaces as ErrInsufficientBuffer.
func (a *ClipAssembler) Generate(ctx context.Context, cameraID string, duration time.Duration, triggerTime time.Time) (ClipResult, error) {
	if duration <= 0 {
		duration = a.cfg.FinalClipDuration
	}
	if !a.knownCamera(cameraID) {
		return ClipResult{}, fmt.Errorf("%w: %s", ErrUnknownCamera, cameraID)
	}

	timeout := assemblyTimeoutFactor * duration
	if timeout < time.Minute {
		timeout = time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	requestID := uuid.NewString()
	log := a.log.With().Str("camera_id", cameraID).Str("request_id", requestID).Logger()
	started := a.now()

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		snapshot := a.index.Snapshot(cameraID)
		plan, err := planClip(snapshot, triggerTime, duration)
		if err != nil {
			return ClipResult{}, err
		}

		result, err := a.build(ctx, log, cameraID, plan, duration, triggerTime)
		if err == nil {
			log.Info().
				Str("clip", result.Path).
				Bool("fast_path", result.FastPath).
				Int("segments", len(plan.segments)).
				Dur("elapsed", a.now().Sub(started)).
				Msg("clip generated")
			return result, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return ClipResult{}, fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
		}
		if !errors.Is(err, ErrSegmentMissing) {
			return ClipResult{}, err
		}
		log.Warn().Msg("segment evicted during assembly, retrying with fresh snapshot")
	}
	if errors.Is(lastErr, ErrSegmentMissing) {
		return ClipResult{}, ErrInsufficientBuffer
	}
	return ClipResult{}, lastErr
}

// GenerateAll fans out one assembly per camera and reports each outcome.
func (a *ClipAssembler) GenerateAll(ctx context.Context, duration time.Duration, triggerTime time.Time) []ClipOutcome {
	cameras := a.index.Cameras()
	outcomes := make([]ClipOutcome, len(cameras))
	var wg sync.WaitGroup
	for n, id := range cameras {
		wg.Add(1)
		go func(n int, id string) {
			defer wg.Done()
			res, err := a.Generate(ctx, id, duration, triggerTime)
			outcomes[n] = ClipOutcome{CameraID: id, Result: res, Err: err}
		}(n, id)
	}
	wg.Wait()
	return outcomes
}

func (a *ClipAssembler) knownCamera(id string) bool {
	for _, c := range a.index.Cameras() {
		if c == id {
			return true
		}
	}
	return false
}

func (a *ClipAssembler) build(ctx context.Context, log zerolog.Logger, cameraID string, plan clipPlan, duration time.Duration, triggerTime time.Time) (ClipResult, error) {
	if err := a.statSegments(plan.segments); err != nil {
		return ClipResult{}, err
	}

	workDir, err := os.MkdirTemp(a.cfg.TempDir, "clip-")
	if err != nil {
		return ClipResult{}, err
	}
	defer os.RemoveAll(workDir)

	// Assemble inside the clips directory so the final rename is atomic on
	// the same filesystem.
	tmpOut := filepath.Join(a.cfg.ClipsDir, ".partial-"+uuid.NewString()+".mp4")
	defer os.Remove(tmpOut)

	if plan.fast {
		err = a.concat(ctx, workDir, segmentPaths(plan.segments), tmpOut)
	} else {
		err = a.buildTrimmed(ctx, workDir, plan, duration, tmpOut)
	}
	if err != nil {
		if missing := a.statSegments(plan.segments); missing != nil {
			return ClipResult{}, missing
		}
		return ClipResult{}, err
	}

	got, err := ffmpeg.ProbeDuration(ctx, a.ex, tmpOut)
	if err != nil {
		return ClipResult{}, err
	}
	if diff := got - duration; diff > a.cfg.FrameInterval() || diff < -a.cfg.FrameInterval() {
		log.Warn().
			Dur("got", got).
			Dur("want", duration).
			Msg("clip duration off target, re-encoding")
		if err := a.fullReencode(ctx, workDir, plan, duration, tmpOut); err != nil {
			if missing := a.statSegments(plan.segments); missing != nil {
				return ClipResult{}, missing
			}
			return ClipResult{}, err
		}
		got, err = ffmpeg.ProbeDuration(ctx, a.ex, tmpOut)
		if err != nil {
			return ClipResult{}, err
		}
	}

	finalPath := filepath.Join(a.cfg.ClipsDir, clipName(cameraID, triggerTime))
	if err := os.Rename(tmpOut, finalPath); err != nil {
		return ClipResult{}, err
	}
	return ClipResult{CameraID: cameraID, Path: finalPath, Duration: got, FastPath: plan.fast}, nil
}

// buildTrimmed re-encodes only the misaligned edge segments; interior
// segments stay stream-copied.
func (a *ClipAssembler) buildTrimmed(ctx context.Context, workDir string, plan clipPlan, duration time.Duration, outPath string) error {
	segs := plan.segments

	if len(segs) == 1 {
		_, err := a.ex.Run(ctx, "ffmpeg", ffmpeg.TrimReencodeArgs(segs[0].Path, outPath, plan.headOffset, duration, a.cfg)...)
		return err
	}

	parts := make([]string, 0, len(segs))

	first := segs[0]
	if plan.headOffset > 0 {
		headPath := filepath.Join(workDir, "head.mp4")
		keep := first.Duration - plan.headOffset
		if _, err := a.ex.Run(ctx, "ffmpeg", ffmpeg.TrimReencodeArgs(first.Path, headPath, plan.headOffset, keep, a.cfg)...); err != nil {
			return err
		}
		parts = append(parts, headPath)
	} else {
		parts = append(parts, first.Path)
	}

	for _, s := range segs[1 : len(segs)-1] {
		parts = append(parts, s.Path)
	}

	last := segs[len(segs)-1]
	if plan.tailKeep > 0 {
		tailPath := filepath.Join(workDir, "tail.mp4")
		if _, err := a.ex.Run(ctx, "ffmpeg", ffmpeg.TrimReencodeArgs(last.Path, tailPath, 0, plan.tailKeep, a.cfg)...); err != nil {
			return err
		}
		parts = append(parts, tailPath)
	} else {
		parts = append(parts, last.Path)
	}

	return a.concat(ctx, workDir, parts, outPath)
}

// fullReencode is the fallback when edge trimming missed the duration
// target: concatenate everything by copy, then trim the whole window with a
// re-encode.
func (a *ClipAssembler) fullReencode(ctx context.Context, workDir string, plan clipPlan, duration time.Duration, outPath string) error {
	midPath := filepath.Join(workDir, "mid.mp4")
	if err := a.concat(ctx, workDir, segmentPaths(plan.segments), midPath); err != nil {
		return err
	}
	_, err := a.ex.Run(ctx, "ffmpeg", ffmpeg.TrimReencodeArgs(midPath, outPath, plan.headOffset, duration, a.cfg)...)
	return err
}

func (a *ClipAssembler) concat(ctx context.Context, workDir string, paths []string, outPath string) error {
	list, err := ffmpeg.WriteConcatList(workDir, paths)
	if err != nil {
		return err
	}
	defer os.Remove(list)
	_, err = a.ex.Run(ctx, "ffmpeg", ffmpeg.ConcatArgs(list, outPath)...)
	return err
}

func (a *ClipAssembler) statSegments(segs []entities.Segment) error {
	for _, s := range segs {
		if _, err := os.Stat(s.Path); err != nil {
			return fmt.Errorf("%w: %s", ErrSegmentMissing, s.Path)
		}
	}
	return nil
}

func segmentPaths(segs []entities.Segment) []string {
	paths := make([]string, len(segs))
	for i, s := range segs {
		paths[i] = s.Path
	}
	return paths
}

func clipName(cameraID string, triggerTime time.Time) string {
	return fmt.Sprintf("%s_%sZ.mp4", cameraID, triggerTime.UTC().Format("20060102_150405"))
}

// SweepOldClips removes persisted clips older than the retention period.
// The orchestrator runs it daily.
func (a *ClipAssembler) SweepOldClips() {
	cutoff := a.now().Add(-constant.ClipRetention)
	entries, err := os.ReadDir(a.cfg.ClipsDir)
	if err != nil {
		return
	}
	removed := 0
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".mp4" {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if os.Remove(filepath.Join(a.cfg.ClipsDir, e.Name())) == nil {
			removed++
		}
	}
	if removed > 0 {
		a.log.Info().Int("clips", removed).Msg("removed expired clips")
	}
}
