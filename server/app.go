package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"preroll-recorder/config"
	"preroll-recorder/constant"
	"preroll-recorder/handler"
	"preroll-recorder/pkg/ffmpeg"
	"preroll-recorder/pkg/store"
	"preroll-recorder/repository"
	"preroll-recorder/service"
)

// Run wires the whole pipeline together and blocks until shutdown. The
// return value is the process exit code.
func Run(cfg *config.Config) int {
	ctx, cancel := signal.NotifyContext(setupLogger(cfg), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	log := zerolog.Ctx(ctx)

	st := store.New(cfg.TempDir)

	cameraIDs := make([]string, len(cfg.Cameras))
	for i, cam := range cfg.Cameras {
		cameraIDs[i] = cam.ID
	}
	index := repository.NewBufferIndex(cameraIDs, cfg.BufferSeconds, cfg.ChunkDuration, st, *log)
	for _, id := range cameraIDs {
		index.Recover(id)
	}

	workers := make([]*service.CaptureWorker, 0, len(cfg.Cameras))
	for _, cam := range cfg.Cameras {
		workers = append(workers, service.NewCaptureWorker(cam, cfg, st, index, *log))
	}

	// Staggered launch avoids a synchronized reconnect storm after power-on.
	for i, w := range workers {
		if i > 0 {
			select {
			case <-time.After(constant.StartStagger):
			case <-ctx.Done():
			}
		}
		if err := w.Start(ctx); err != nil {
			// Worker is Failed; the supervisor takes it from here.
			log.Warn().Err(err).Str("camera_id", w.CameraID()).Msg("initial start failed")
		}
	}

	sup := service.NewSupervisor(cfg, index, workers, *log)
	supDone := make(chan error, 1)
	go func() { supDone <- sup.Run(ctx) }()

	asm := service.NewClipAssembler(cfg, index, ffmpeg.ExecRunner{}, *log)
	go sweepClips(ctx, asm)

	var srv *http.Server
	switch cfg.TriggerMode {
	case constant.TriggerHTTP:
		gin.SetMode(gin.ReleaseMode)
		r := gin.New()
		r.Use(gin.Recovery())
		handler.New(cfg, asm, sup, index, workers, *log).Register(r)
		srv = &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			log.Info().Int("port", cfg.HTTPPort).Msg("trigger http server listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("trigger http server failed")
			}
		}()
	case constant.TriggerKeyboard:
		kb := handler.NewKeyboard(asm, cancel, *log)
		go kb.Run(ctx, os.Stdin)
	}

	log.Info().
		Int("cameras", len(cfg.Cameras)).
		Dur("chunk", cfg.ChunkDuration).
		Dur("buffer", cfg.BufferSeconds).
		Str("temp_dir", cfg.TempDir).
		Str("trigger_mode", string(cfg.TriggerMode)).
		Msg("recorder started")

	exit := constant.ExitOK
	select {
	case <-ctx.Done():
	case err := <-supDone:
		if errors.Is(err, service.ErrAllCamerasFailed) {
			exit = constant.ExitGaveUp
		}
		cancel()
	}

	shutdown(srv, workers, log)
	log.Info().Int("exit_code", exit).Msg("recorder stopped")
	return exit
}

// shutdown stops the trigger surface first so no new requests arrive, then
// all workers in parallel under one deadline. Buffer segment files stay on
// disk; a successor process reclaims them on startup.
func shutdown(srv *http.Server, workers []*service.CaptureWorker, log *zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), constant.ShutdownTimeout)
	defer cancel()

	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("trigger http shutdown")
		}
	}

	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(w *service.CaptureWorker) {
			defer wg.Done()
			w.Stop(ctx)
		}(w)
	}
	wg.Wait()
}

func sweepClips(ctx context.Context, asm *service.ClipAssembler) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			asm.SweepOldClips()
		}
	}
}

func setupLogger(cfg *config.Config) context.Context {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	return logger.WithContext(context.Background())
}
