// Package ffmpeg builds command lines for the external encoder and exposes
// a small Executor seam so clip assembly is testable without a real ffmpeg
// on PATH. Capture processes are managed directly by the capture worker;
// this package covers the short-lived concat/trim/probe invocations.
package ffmpeg

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"preroll-recorder/config"
	"preroll-recorder/entities"
)

// Executor runs one encoder invocation to completion and returns its
// combined output.
type Executor interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner shells out via os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return out, fmt.Errorf("%s: %w: %s", name, err, tail(out, 500))
	}
	return out, nil
}

func tail(b []byte, n int) string {
	b = bytes.TrimSpace(b)
	if len(b) <= n {
		return string(b)
	}
	return string(b[len(b)-n:])
}

// CaptureArgs builds the long-running capture command: pull RTSP, encode
// with keyframes pinned to the chunk grid, and segment on wall-clock
// boundaries. The caller must run it with TZ=UTC so strftime-expanded names
// are UTC.
func CaptureArgs(cam entities.Camera, cfg *config.Config, pattern string) []string {
	kf := cfg.FFmpegKeyframeInterval
	return []string{
		"-y",
		"-loglevel", "warning",
		"-rtsp_transport", string(cam.Transport),
		"-i", cam.URL,
		"-c:v", "libx264",
		"-preset", cfg.FFmpegPreset,
		"-crf", strconv.Itoa(cfg.FFmpegCRF),
		// Keyframe cadence keeps every segment boundary cuttable.
		"-g", strconv.Itoa(kf * 30),
		"-keyint_min", strconv.Itoa(kf * 30),
		"-force_key_frames", fmt.Sprintf("expr:gte(t,n_forced*%d)", kf),
		"-c:a", "aac",
		"-b:a", "128k",
		"-f", "segment",
		"-segment_time", strconv.Itoa(int(cfg.ChunkDuration.Seconds())),
		"-segment_format", "mp4",
		"-segment_atclocktime", "1",
		"-reset_timestamps", "1",
		"-strftime", "1",
		pattern,
	}
}

// ConcatArgs concatenates the files listed in listPath by stream copy.
func ConcatArgs(listPath, outPath string) []string {
	return []string{
		"-y",
		"-f", "concat",
		"-safe", "0",
		"-i", listPath,
		"-c", "copy",
		"-avoid_negative_ts", "make_zero",
		outPath,
	}
}

// TrimReencodeArgs cuts [offset, offset+dur) out of in with a re-encode,
// for edge segments whose cut point is off the keyframe grid.
func TrimReencodeArgs(in, out string, offset, dur time.Duration, cfg *config.Config) []string {
	return []string{
		"-y",
		"-ss", formatSeconds(offset),
		"-i", in,
		"-t", formatSeconds(dur),
		"-c:v", "libx264",
		"-preset", "fast",
		"-crf", strconv.Itoa(cfg.FFmpegCRF),
		"-c:a", "aac",
		"-avoid_negative_ts", "make_zero",
		out,
	}
}

func formatSeconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', 3, 64)
}

// WriteConcatList writes a concat-demuxer list file into dir and returns
// its path. Single quotes in paths are escaped the way the demuxer
// expects.
func WriteConcatList(dir string, paths []string) (string, error) {
	var sb strings.Builder
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return "", err
		}
		sb.WriteString("file '")
		sb.WriteString(strings.ReplaceAll(abs, "'", `'\''`))
		sb.WriteString("'\n")
	}
	f, err := os.CreateTemp(dir, "concat-*.txt")
	if err != nil {
		return "", err
	}
	if _, err := f.WriteString(sb.String()); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

// ProbeDuration reads the container-reported duration of path via ffprobe.
func ProbeDuration(ctx context.Context, ex Executor, path string) (time.Duration, error) {
	out, err := ex.Run(ctx, "ffprobe",
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)
	if err != nil {
		return 0, err
	}
	secs, err := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	if err != nil {
		return 0, fmt.Errorf("ffprobe: unparsable duration %q: %w", strings.TrimSpace(string(out)), err)
	}
	return time.Duration(secs * float64(time.Second)), nil
}
