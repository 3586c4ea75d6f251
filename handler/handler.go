package handler

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"preroll-recorder/config"
	"preroll-recorder/constant"
	"preroll-recorder/dto"
	"preroll-recorder/repository"
	"preroll-recorder/service"
)

// Handler exposes the trigger HTTP surface: clip requests, status, and
// health.
type Handler struct {
	cfg     *config.Config
	asm     *service.ClipAssembler
	sup     *service.Supervisor
	index   *repository.BufferIndex
	workers map[string]*service.CaptureWorker
	log     zerolog.Logger
}

func New(cfg *config.Config, asm *service.ClipAssembler, sup *service.Supervisor, index *repository.BufferIndex, workers []*service.CaptureWorker, log zerolog.Logger) *Handler {
	byID := make(map[string]*service.CaptureWorker, len(workers))
	for _, w := range workers {
		byID[w.CameraID()] = w
	}
	return &Handler{
		cfg:     cfg,
		asm:     asm,
		sup:     sup,
		index:   index,
		workers: byID,
		log:     log.With().Str("component", "http").Logger(),
	}
}

func (h *Handler) Register(r *gin.Engine) {
	r.POST("/save-clip", h.saveClip)
	r.GET("/status", h.status)
	r.GET("/health", h.health)
}

func (h *Handler) saveClip(c *gin.Context) {
	triggerTime := time.Now().UTC()

	var req dto.SaveClipRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, dto.SaveClipResponse{
				Success:     false,
				Message:     "invalid request body: " + err.Error(),
				TriggerTime: triggerTime,
			})
			return
		}
	}

	cameraID := strings.ToLower(strings.TrimSpace(req.CameraID))
	if cameraID == "" {
		cameraID = constant.CameraAll
	}
	duration := time.Duration(req.Duration * float64(time.Second))

	h.log.Info().
		Str("camera_id", cameraID).
		Float64("duration", req.Duration).
		Str("client", c.ClientIP()).
		Msg("clip trigger received")

	if cameraID == constant.CameraAll {
		outcomes := h.asm.GenerateAll(c.Request.Context(), duration, triggerTime)
		h.respondAll(c, outcomes, triggerTime)
		return
	}

	result, err := h.asm.Generate(c.Request.Context(), cameraID, duration, triggerTime)
	if err != nil {
		c.JSON(statusFor(err), dto.SaveClipResponse{
			Success:     false,
			Message:     err.Error(),
			TriggerTime: triggerTime,
			CameraID:    cameraID,
		})
		return
	}
	c.JSON(http.StatusOK, dto.SaveClipResponse{
		Success:     true,
		Message:     "clip saved: " + result.Path,
		TriggerTime: triggerTime,
		CameraID:    cameraID,
	})
}

func (h *Handler) respondAll(c *gin.Context, outcomes []service.ClipOutcome, triggerTime time.Time) {
	var failures []string
	code := http.StatusOK
	for _, o := range outcomes {
		if o.Err == nil {
			continue
		}
		failures = append(failures, fmt.Sprintf("%s: %v", o.CameraID, o.Err))
		if s := statusFor(o.Err); s > code {
			code = s
		}
	}

	if len(failures) == 0 {
		c.JSON(http.StatusOK, dto.SaveClipResponse{
			Success:     true,
			Message:     fmt.Sprintf("%d clips saved", len(outcomes)),
			TriggerTime: triggerTime,
			CameraID:    constant.CameraAll,
		})
		return
	}
	c.JSON(code, dto.SaveClipResponse{
		Success:     false,
		Message:     strings.Join(failures, "; "),
		TriggerTime: triggerTime,
		CameraID:    constant.CameraAll,
	})
}

// statusFor maps error kinds to HTTP codes: a thin buffer is the camera's
// condition (503), an unconfigured camera id is the caller's (404),
// everything else is ours (500).
func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrInsufficientBuffer):
		return http.StatusServiceUnavailable
	case errors.Is(err, service.ErrUnknownCamera):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) status(c *gin.Context) {
	now := time.Now().UTC()
	buffers := h.index.Status(now)

	cameras := make(map[string]dto.CameraStatus, len(buffers))
	for id, buf := range buffers {
		info := h.workers[id].Info()
		cameras[id] = dto.CameraStatus{
			Buffer:      buf,
			WorkerState: info.State.String(),
			Backoff:     h.sup.Backoff(id, now),
			Restarts:    info.Restarts,
		}
	}

	c.JSON(http.StatusOK, dto.StatusResponse{
		Timestamp: now,
		Cameras:   cameras,
		Pressure:  h.sup.Pressure(),
	})
}

// health is green only when every worker is running and fresh segments are
// still arriving everywhere.
func (h *Handler) health(c *gin.Context) {
	now := time.Now().UTC()
	healthy := true
	for _, w := range h.workers {
		info := w.Info()
		if info.State != constant.WorkerRunning {
			healthy = false
			break
		}
		age := info.NewestSegmentAge(now, h.cfg.ChunkDuration)
		if age < 0 || age >= 2*h.cfg.ChunkDuration {
			healthy = false
			break
		}
	}

	if healthy {
		c.JSON(http.StatusOK, dto.HealthResponse{Status: "healthy"})
		return
	}
	c.JSON(http.StatusServiceUnavailable, dto.HealthResponse{Status: "unhealthy"})
}
