package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"preroll-recorder/config"
	"preroll-recorder/entities"
	"preroll-recorder/pkg/store"
	"preroll-recorder/repository"
)

var clipBase = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		ChunkDuration:     5 * time.Second,
		BufferSeconds:     30 * time.Second,
		FinalClipDuration: 25 * time.Second,
		TempDir:           t.TempDir(),
		ClipsDir:          t.TempDir(),
		FFmpegPreset:      "ultrafast",
		FFmpegCRF:         23,
	}
}

// fakeExec stands in for ffmpeg/ffprobe: every ffmpeg call materializes its
// output file, every ffprobe call reports probeSecs.
type fakeExec struct {
	mu        sync.Mutex
	runs      [][]string
	probeSecs float64
	beforeRun func(name string, args []string) error
}

func (f *fakeExec) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	f.mu.Lock()
	f.runs = append(f.runs, append([]string{name}, args...))
	hook := f.beforeRun
	f.mu.Unlock()

	if hook != nil {
		if err := hook(name, args); err != nil {
			return nil, err
		}
	}
	if name == "ffprobe" {
		return []byte(strconv.FormatFloat(f.probeSecs, 'f', 6, 64)), nil
	}
	out := args[len(args)-1]
	return nil, os.WriteFile(out, []byte("clip"), 0o644)
}

func (f *fakeExec) ffmpegRuns() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out [][]string
	for _, r := range f.runs {
		if r[0] == "ffmpeg" {
			out = append(out, r)
		}
	}
	return out
}

func hasArg(runs [][]string, arg string) bool {
	for _, r := range runs {
		for _, a := range r {
			if a == arg {
				return true
			}
		}
	}
	return false
}

// fixture populates the index with closed segments at the given offsets
// (seconds after clipBase), each of nominal chunk duration, with real files
// on disk.
func fixture(t *testing.T, cfg *config.Config, offsets ...int) (*repository.BufferIndex, *store.Store) {
	t.Helper()
	st := store.New(cfg.TempDir)
	if err := os.MkdirAll(st.Dir("camera_1"), 0o755); err != nil {
		t.Fatal(err)
	}
	idx := repository.NewBufferIndex([]string{"camera_1"}, cfg.BufferSeconds, cfg.ChunkDuration, st, zerolog.Nop())
	for _, off := range offsets {
		start := clipBase.Add(time.Duration(off) * time.Second)
		path := st.PathFor("camera_1", start)
		if err := os.WriteFile(path, []byte("segmentdata"), 0o644); err != nil {
			t.Fatal(err)
		}
		idx.Append("camera_1", entities.Segment{
			CameraID:  "camera_1",
			StartTime: start,
			Duration:  cfg.ChunkDuration,
			Path:      path,
			SizeBytes: 11,
		})
	}
	return idx, st
}

func segs(cfg *config.Config, offsets ...int) []entities.Segment {
	out := make([]entities.Segment, len(offsets))
	for i, off := range offsets {
		out[i] = entities.Segment{
			CameraID:  "camera_1",
			StartTime: clipBase.Add(time.Duration(off) * time.Second),
			Duration:  cfg.ChunkDuration,
			Path:      "/buf/" + strconv.Itoa(off) + ".mp4",
		}
	}
	return out
}

func TestPlanClip_aligned_fast_path(t *testing.T) {
	cfg := testConfig(t)
	snapshot := segs(cfg, 0, 5, 10, 15, 20, 25, 30, 35, 40, 45)

	plan, err := planClip(snapshot, clipBase.Add(50*time.Second), 25*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if !plan.fast {
		t.Error("expected fast path for aligned boundaries")
	}
	if len(plan.segments) != 5 {
		t.Fatalf("expected 5 segments, got %d", len(plan.segments))
	}
	if !plan.segments[0].StartTime.Equal(clipBase.Add(25 * time.Second)) {
		t.Errorf("clip should start at +25s, got %v", plan.segments[0].StartTime)
	}
	if !plan.anchorEnd.Equal(clipBase.Add(50 * time.Second)) {
		t.Errorf("anchor end: %v", plan.anchorEnd)
	}
}

func TestPlanClip_misaligned_slow_path(t *testing.T) {
	cfg := testConfig(t)
	snapshot := segs(cfg, 0, 5, 10, 15, 20, 25, 30, 35, 40, 45)

	plan, err := planClip(snapshot, clipBase.Add(47*time.Second), 25*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if plan.fast {
		t.Error("misaligned trigger must not take the fast path")
	}
	if !plan.targetStart.Equal(clipBase.Add(22 * time.Second)) {
		t.Errorf("target start: %v", plan.targetStart)
	}
	if plan.headOffset != 2*time.Second {
		t.Errorf("head offset: %v", plan.headOffset)
	}
	if plan.tailKeep != 2*time.Second {
		t.Errorf("tail keep: %v", plan.tailKeep)
	}
	if len(plan.segments) != 6 {
		t.Errorf("expected 6 segments spanning [20,50], got %d", len(plan.segments))
	}
}

func TestPlanClip_insufficient_buffer(t *testing.T) {
	cfg := testConfig(t)
	snapshot := segs(cfg, 0, 5, 10)

	_, err := planClip(snapshot, clipBase.Add(15*time.Second), 25*time.Second)
	if !errors.Is(err, ErrInsufficientBuffer) {
		t.Fatalf("expected ErrInsufficientBuffer, got %v", err)
	}

	if _, err := planClip(nil, clipBase, 25*time.Second); !errors.Is(err, ErrInsufficientBuffer) {
		t.Fatalf("empty snapshot: expected ErrInsufficientBuffer, got %v", err)
	}
}

func TestPlanClip_gap_blocks_coverage(t *testing.T) {
	cfg := testConfig(t)
	// 20s is missing: contiguous coverage reaches back only to 25s.
	snapshot := segs(cfg, 0, 5, 10, 15, 25, 30, 35, 40, 45)

	if _, err := planClip(snapshot, clipBase.Add(50*time.Second), 30*time.Second); !errors.Is(err, ErrInsufficientBuffer) {
		t.Fatalf("gap inside window: expected ErrInsufficientBuffer, got %v", err)
	}

	// A 25s request fits entirely after the gap.
	plan, err := planClip(snapshot, clipBase.Add(50*time.Second), 25*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if !plan.fast || len(plan.segments) != 5 {
		t.Errorf("post-gap request should be fast with 5 segments, got fast=%v n=%d", plan.fast, len(plan.segments))
	}
}

func TestGenerate_fast_path(t *testing.T) {
	cfg := testConfig(t)
	idx, _ := fixture(t, cfg, 20, 25, 30, 35, 40, 45)
	ex := &fakeExec{probeSecs: 25}
	asm := NewClipAssembler(cfg, idx, ex, zerolog.Nop())

	triggerTime := clipBase.Add(50 * time.Second)
	res, err := asm.Generate(context.Background(), "camera_1", 25*time.Second, triggerTime)
	if err != nil {
		t.Fatal(err)
	}
	if !res.FastPath {
		t.Error("expected fast path")
	}
	if hasArg(ex.ffmpegRuns(), "-ss") {
		t.Error("fast path must not trim or re-encode")
	}

	wantName := "camera_1_20260314_120050Z.mp4"
	if filepath.Base(res.Path) != wantName {
		t.Errorf("clip name: got %s, want %s", filepath.Base(res.Path), wantName)
	}
	if _, err := os.Stat(res.Path); err != nil {
		t.Errorf("clip file missing: %v", err)
	}
	// The staging file must not linger.
	entries, _ := os.ReadDir(cfg.ClipsDir)
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".partial-") {
			t.Errorf("staging file left behind: %s", e.Name())
		}
	}
}

func TestGenerate_slow_path_trims_edges(t *testing.T) {
	cfg := testConfig(t)
	idx, _ := fixture(t, cfg, 0, 5, 10, 15, 20, 25, 30, 35, 40, 45)
	ex := &fakeExec{probeSecs: 25}
	asm := NewClipAssembler(cfg, idx, ex, zerolog.Nop())

	res, err := asm.Generate(context.Background(), "camera_1", 25*time.Second, clipBase.Add(47*time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if res.FastPath {
		t.Error("expected slow path")
	}
	if !hasArg(ex.ffmpegRuns(), "-ss") {
		t.Error("slow path should trim edges")
	}
}

func TestGenerate_duration_mismatch_falls_back_to_reencode(t *testing.T) {
	cfg := testConfig(t)
	idx, _ := fixture(t, cfg, 25, 30, 35, 40, 45)
	ex := &fakeExec{probeSecs: 23} // persistently off target
	asm := NewClipAssembler(cfg, idx, ex, zerolog.Nop())

	before := len(ex.ffmpegRuns())
	_, err := asm.Generate(context.Background(), "camera_1", 25*time.Second, clipBase.Add(50*time.Second))
	if err != nil {
		t.Fatal(err)
	}
	runs := ex.ffmpegRuns()
	// concat, then fallback concat + trim
	if len(runs)-before < 3 {
		t.Errorf("expected a full re-encode fallback, saw %d ffmpeg runs", len(runs))
	}
	if !hasArg(runs, "-ss") {
		t.Error("fallback should trim the concatenated window")
	}
}

func TestGenerate_unknown_camera(t *testing.T) {
	cfg := testConfig(t)
	idx, _ := fixture(t, cfg, 25, 30, 35, 40, 45)
	asm := NewClipAssembler(cfg, idx, &fakeExec{probeSecs: 25}, zerolog.Nop())

	_, err := asm.Generate(context.Background(), "camera_9", 25*time.Second, clipBase.Add(50*time.Second))
	if !errors.Is(err, ErrUnknownCamera) {
		t.Fatalf("expected ErrUnknownCamera, got %v", err)
	}
}

func TestGenerate_eviction_retry_succeeds(t *testing.T) {
	cfg := testConfig(t)
	idx, st := fixture(t, cfg, 25, 30, 35, 40, 45)
	ex := &fakeExec{probeSecs: 25}
	asm := NewClipAssembler(cfg, idx, ex, zerolog.Nop())

	// First ffmpeg call: the oldest selected segment is evicted and a new
	// one lands, as live capture would do. The retry re-plans against the
	// advanced window.
	var once sync.Once
	ex.beforeRun = func(name string, args []string) error {
		var fired bool
		once.Do(func() {
			fired = true
			idx.DropOldest("camera_1")
			start := clipBase.Add(50 * time.Second)
			path := st.PathFor("camera_1", start)
			os.WriteFile(path, []byte("segmentdata"), 0o644)
			idx.Append("camera_1", entities.Segment{
				CameraID:  "camera_1",
				StartTime: start,
				Duration:  cfg.ChunkDuration,
				Path:      path,
				SizeBytes: 11,
			})
		})
		if fired && name == "ffmpeg" {
			return errors.New("concat: missing input")
		}
		return nil
	}

	res, err := asm.Generate(context.Background(), "camera_1", 25*time.Second, clipBase.Add(55*time.Second))
	if err != nil {
		t.Fatalf("retry should have recovered: %v", err)
	}
	if _, err := os.Stat(res.Path); err != nil {
		t.Errorf("clip file missing: %v", err)
	}
}

func TestGenerate_eviction_retry_exhausted(t *testing.T) {
	cfg := testConfig(t)
	idx, _ := fixture(t, cfg, 25, 30, 35, 40, 45)
	ex := &fakeExec{probeSecs: 25}
	asm := NewClipAssembler(cfg, idx, ex, zerolog.Nop())

	var once sync.Once
	ex.beforeRun = func(name string, args []string) error {
		var fired bool
		once.Do(func() {
			fired = true
			idx.DropOldest("camera_1")
		})
		if fired && name == "ffmpeg" {
			return errors.New("concat: missing input")
		}
		return nil
	}

	_, err := asm.Generate(context.Background(), "camera_1", 25*time.Second, clipBase.Add(50*time.Second))
	if !errors.Is(err, ErrInsufficientBuffer) {
		t.Fatalf("expected ErrInsufficientBuffer after failed retry, got %v", err)
	}
}

func TestGenerateAll_reports_per_camera(t *testing.T) {
	cfg := testConfig(t)
	st := store.New(cfg.TempDir)
	for _, cam := range []string{"camera_1", "camera_2"} {
		if err := os.MkdirAll(st.Dir(cam), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	idx := repository.NewBufferIndex([]string{"camera_1", "camera_2"}, cfg.BufferSeconds, cfg.ChunkDuration, st, zerolog.Nop())
	// Only camera_1 has material.
	for _, off := range []int{25, 30, 35, 40, 45} {
		start := clipBase.Add(time.Duration(off) * time.Second)
		path := st.PathFor("camera_1", start)
		if err := os.WriteFile(path, []byte("segmentdata"), 0o644); err != nil {
			t.Fatal(err)
		}
		idx.Append("camera_1", entities.Segment{CameraID: "camera_1", StartTime: start, Duration: cfg.ChunkDuration, Path: path, SizeBytes: 11})
	}

	asm := NewClipAssembler(cfg, idx, &fakeExec{probeSecs: 25}, zerolog.Nop())
	outcomes := asm.GenerateAll(context.Background(), 25*time.Second, clipBase.Add(50*time.Second))
	if len(outcomes) != 2 {
		t.Fatalf("expected 2 outcomes, got %d", len(outcomes))
	}
	byCam := map[string]ClipOutcome{}
	for _, o := range outcomes {
		byCam[o.CameraID] = o
	}
	if byCam["camera_1"].Err != nil {
		t.Errorf("camera_1 should succeed: %v", byCam["camera_1"].Err)
	}
	if !errors.Is(byCam["camera_2"].Err, ErrInsufficientBuffer) {
		t.Errorf("camera_2 should report ErrInsufficientBuffer, got %v", byCam["camera_2"].Err)
	}
}

func TestSweepOldClips(t *testing.T) {
	cfg := testConfig(t)
	idx, _ := fixture(t, cfg)
	asm := NewClipAssembler(cfg, idx, &fakeExec{}, zerolog.Nop())

	old := filepath.Join(cfg.ClipsDir, "camera_1_20240101_000000Z.mp4")
	if err := os.WriteFile(old, []byte("clip"), 0o644); err != nil {
		t.Fatal(err)
	}
	stale := time.Now().Add(-40 * 24 * time.Hour)
	if err := os.Chtimes(old, stale, stale); err != nil {
		t.Fatal(err)
	}
	fresh := filepath.Join(cfg.ClipsDir, "camera_1_20260314_120000Z.mp4")
	if err := os.WriteFile(fresh, []byte("clip"), 0o644); err != nil {
		t.Fatal(err)
	}

	asm.SweepOldClips()

	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Error("expired clip should have been removed")
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Error("fresh clip should survive the sweep")
	}
}
