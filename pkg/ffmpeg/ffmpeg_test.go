package ffmpeg

import (
	"os"
	"strings"
	"testing"
	"time"

	"preroll-recorder/config"
	"preroll-recorder/constant"
	"preroll-recorder/entities"
)

func captureConfig() *config.Config {
	return &config.Config{
		ChunkDuration:          5 * time.Second,
		FFmpegKeyframeInterval: 1,
		FFmpegPreset:           "ultrafast",
		FFmpegCRF:              23,
	}
}

func TestCaptureArgs(t *testing.T) {
	cam := entities.Camera{ID: "camera_1", URL: "rtsp://cam1.local/stream", Transport: constant.TransportTCP}
	args := CaptureArgs(cam, captureConfig(), "/dev/shm/video_buffer/camera_1/camera_1_%Y%m%d_%H%M%S.mp4")
	joined := strings.Join(args, " ")

	for _, want := range []string{
		"-rtsp_transport tcp",
		"-i rtsp://cam1.local/stream",
		"-segment_time 5",
		"-segment_atclocktime 1",
		"-strftime 1",
		"-force_key_frames expr:gte(t,n_forced*1)",
		"-preset ultrafast",
		"-crf 23",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("capture args missing %q\nargs: %s", want, joined)
		}
	}
	if args[len(args)-1] != "/dev/shm/video_buffer/camera_1/camera_1_%Y%m%d_%H%M%S.mp4" {
		t.Errorf("pattern must be the final argument, got %s", args[len(args)-1])
	}
}

func TestConcatArgs_stream_copy(t *testing.T) {
	joined := strings.Join(ConcatArgs("/tmp/list.txt", "/clips/out.mp4"), " ")
	for _, want := range []string{"-f concat", "-safe 0", "-c copy"} {
		if !strings.Contains(joined, want) {
			t.Errorf("concat args missing %q: %s", want, joined)
		}
	}
	if strings.Contains(joined, "libx264") {
		t.Error("concat must not re-encode")
	}
}

func TestTrimReencodeArgs(t *testing.T) {
	args := TrimReencodeArgs("/tmp/in.mp4", "/tmp/out.mp4", 2*time.Second, 3*time.Second, captureConfig())
	joined := strings.Join(args, " ")
	for _, want := range []string{"-ss 2.000", "-t 3.000", "-c:v libx264"} {
		if !strings.Contains(joined, want) {
			t.Errorf("trim args missing %q: %s", want, joined)
		}
	}
}

func TestWriteConcatList(t *testing.T) {
	dir := t.TempDir()
	list, err := WriteConcatList(dir, []string{"/buf/a.mp4", "/buf/it's.mp4"})
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(list)

	data, err := os.ReadFile(list)
	if err != nil {
		t.Fatal(err)
	}
	content := string(data)
	if !strings.Contains(content, "file '/buf/a.mp4'\n") {
		t.Errorf("list content: %s", content)
	}
	if !strings.Contains(content, `it'\''s.mp4`) {
		t.Errorf("single quotes must be escaped: %s", content)
	}
}
