package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"preroll-recorder/constant"
	"preroll-recorder/entities"
)

// ErrInvalid wraps every configuration validation failure. It is fatal at
// startup; the process exits with constant.ExitConfigInvalid.
var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	Cameras []entities.Camera

	ChunkDuration     time.Duration
	BufferSeconds     time.Duration
	FinalClipDuration time.Duration

	TempDir  string
	ClipsDir string

	TriggerMode constant.TriggerMode
	HTTPPort    int

	RTSPTransport constant.Transport

	ReconnectInitialDelay time.Duration
	ReconnectMaxDelay     time.Duration
	ReconnectMaxAttempts  int

	FFmpegKeyframeInterval int
	FFmpegPreset           string
	FFmpegCRF              int

	LogLevel string
}

// Load reads the flat key/value config file (dotenv format), applies
// defaults, validates, and creates the buffer and clips directories.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("env")
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// A missing file is allowed; env vars and defaults still apply.
		if _, statErr := os.Stat(path); statErr == nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
		}
	}

	cfg := &Config{
		ChunkDuration:     time.Duration(v.GetInt("CHUNK_DURATION")) * time.Second,
		BufferSeconds:     time.Duration(v.GetInt("BUFFER_SECONDS")) * time.Second,
		FinalClipDuration: time.Duration(v.GetInt("FINAL_CLIP_DURATION")) * time.Second,

		TempDir:  v.GetString("TEMP_DIR"),
		ClipsDir: v.GetString("CLIPS_DIR"),

		TriggerMode: constant.TriggerMode(strings.ToLower(v.GetString("TRIGGER_MODE"))),
		HTTPPort:    v.GetInt("HTTP_PORT"),

		RTSPTransport: constant.Transport(strings.ToLower(v.GetString("RTSP_TRANSPORT"))),

		ReconnectInitialDelay: time.Duration(v.GetInt("RECONNECT_INITIAL_DELAY")) * time.Second,
		ReconnectMaxDelay:     time.Duration(v.GetInt("RECONNECT_MAX_DELAY")) * time.Second,
		ReconnectMaxAttempts:  v.GetInt("RECONNECT_MAX_ATTEMPTS"),

		FFmpegKeyframeInterval: v.GetInt("FFMPEG_KEYFRAME_INTERVAL"),
		FFmpegPreset:           v.GetString("FFMPEG_PRESET"),
		FFmpegCRF:              v.GetInt("FFMPEG_CRF"),

		LogLevel: v.GetString("LOG_LEVEL"),
	}

	if cfg.TempDir == "" {
		cfg.TempDir = defaultTempDir()
	}

	transport := cfg.RTSPTransport
	for n := 1; ; n++ {
		url := v.GetString(fmt.Sprintf("CAMERA_%d_URL", n))
		if url == "" {
			break
		}
		cfg.Cameras = append(cfg.Cameras, entities.Camera{
			ID:        fmt.Sprintf("camera_%d", n),
			URL:       url,
			Transport: transport,
		})
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if err := cfg.setupDirectories(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("CHUNK_DURATION", 5)
	v.SetDefault("BUFFER_SECONDS", 30)
	v.SetDefault("FINAL_CLIP_DURATION", 25)
	v.SetDefault("CLIPS_DIR", "./clips")
	v.SetDefault("TRIGGER_MODE", string(constant.TriggerKeyboard))
	v.SetDefault("HTTP_PORT", 8080)
	v.SetDefault("RTSP_TRANSPORT", string(constant.TransportTCP))
	v.SetDefault("RECONNECT_INITIAL_DELAY", 2)
	v.SetDefault("RECONNECT_MAX_DELAY", 30)
	v.SetDefault("RECONNECT_MAX_ATTEMPTS", 0)
	v.SetDefault("FFMPEG_KEYFRAME_INTERVAL", 1)
	v.SetDefault("FFMPEG_PRESET", "ultrafast")
	v.SetDefault("FFMPEG_CRF", 23)
	v.SetDefault("LOG_LEVEL", "info")
}

// defaultTempDir prefers tmpfs so segment churn never touches flash.
func defaultTempDir() string {
	if fi, err := os.Stat("/dev/shm"); err == nil && fi.IsDir() {
		return "/dev/shm/video_buffer"
	}
	return filepath.Join(os.TempDir(), "video_buffer")
}

func (c *Config) validate() error {
	if len(c.Cameras) == 0 {
		return fmt.Errorf("%w: no camera configured, set at least CAMERA_1_URL", ErrInvalid)
	}
	for i, cam := range c.Cameras {
		if !strings.HasPrefix(cam.URL, "rtsp://") {
			return fmt.Errorf("%w: CAMERA_%d_URL must start with rtsp://", ErrInvalid, i+1)
		}
	}
	if c.ChunkDuration <= 0 {
		return fmt.Errorf("%w: CHUNK_DURATION must be positive", ErrInvalid)
	}
	if c.BufferSeconds <= 0 {
		return fmt.Errorf("%w: BUFFER_SECONDS must be positive", ErrInvalid)
	}
	if c.FinalClipDuration <= 0 {
		return fmt.Errorf("%w: FINAL_CLIP_DURATION must be positive", ErrInvalid)
	}
	if c.FinalClipDuration > c.BufferSeconds {
		return fmt.Errorf("%w: FINAL_CLIP_DURATION cannot exceed BUFFER_SECONDS", ErrInvalid)
	}
	switch c.TriggerMode {
	case constant.TriggerKeyboard, constant.TriggerHTTP:
	default:
		return fmt.Errorf("%w: TRIGGER_MODE must be keyboard or http", ErrInvalid)
	}
	switch c.RTSPTransport {
	case constant.TransportTCP, constant.TransportUDP:
	default:
		return fmt.Errorf("%w: RTSP_TRANSPORT must be tcp or udp", ErrInvalid)
	}
	if c.ReconnectInitialDelay <= 0 || c.ReconnectMaxDelay < c.ReconnectInitialDelay {
		return fmt.Errorf("%w: reconnect delays must satisfy 0 < initial <= max", ErrInvalid)
	}
	if c.ReconnectMaxAttempts < 0 {
		return fmt.Errorf("%w: RECONNECT_MAX_ATTEMPTS cannot be negative", ErrInvalid)
	}
	return nil
}

func (c *Config) setupDirectories() error {
	if err := os.MkdirAll(c.TempDir, 0o755); err != nil {
		return err
	}
	for _, cam := range c.Cameras {
		if err := os.MkdirAll(filepath.Join(c.TempDir, cam.ID), 0o755); err != nil {
			return err
		}
	}
	return os.MkdirAll(c.ClipsDir, 0o755)
}

// FrameInterval is the tolerance for exact-duration verification, derived
// from the assumed 30 fps capture rate.
func (c *Config) FrameInterval() time.Duration {
	return time.Second / 30
}
