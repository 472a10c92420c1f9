package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"rtsp-stream-worker/internal/blob"
	"rtsp-stream-worker/internal/ingest"
	"rtsp-stream-worker/internal/pipeline"
	"rtsp-stream-worker/internal/platform/config"
	"rtsp-stream-worker/internal/platform/logger"
	"rtsp-stream-worker/internal/platform/metrics"
	"rtsp-stream-worker/internal/proc"
	"rtsp-stream-worker/internal/remux"
	"rtsp-stream-worker/internal/worker"

	"github.com/go-chi/chi/v5"
)

const shutdownTimeout = 10 * time.Second

func main() {
	_ = config.Load()

	port := config.GetEnv("PORT", "8000")
	logLevel := config.GetEnv("LOG_LEVEL", "info")
	logFormat := config.GetEnv("LOG_FORMAT", "json")

	log := logger.New(worker.ServiceName, logLevel, logFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sup := proc.NewSupervisor(log)

	orch := remux.NewOrchestrator(remux.OrchestratorConfig{
		ConfigPath: config.GetEnv("REMUX_CONFIG_PATH", "config.yaml"),
		ServerBin:  config.GetEnv("REMUX_SERVER_BIN", "mediamtx"),
		TunnelBin:  config.GetEnv("TUNNEL_BIN", "cloudflared"),
		HTTPPort:   config.GetEnvInt("REMUX_HLS_PORT", 8888),
	}, sup, log)
	if err := orch.Start(ctx); err != nil {
		log.Error("remux startup failed", "error", err)
		os.Exit(1)
	}

	blobs, err := blob.New(ctx, blob.StoreConfig{
		Region:    config.GetEnv("AWS_REGION", "us-east-1"),
		AccessKey: config.GetEnv("AWS_ACCESS_KEY_ID", ""),
		SecretKey: config.GetEnv("AWS_SECRET_ACCESS_KEY", ""),
		Bucket:    config.GetEnv("AWS_SOURCE_S3_BUCKET", ""),
	})
	if err != nil {
		log.Error("blob store init failed", "error", err)
		orch.Shutdown()
		os.Exit(1)
	}

	met := metrics.New()
	uploader := ingest.NewClient(config.GetEnv("INGEST_API_BASE_URL", "http://localhost:8001"), log)

	pipe := pipeline.New(ctx, pipeline.Config{
		TempDir:    config.GetEnv("TEMP_DIR", "temp"),
		FFmpegBin:  config.GetEnv("FFMPEG_BIN", "ffmpeg"),
		FFprobeBin: config.GetEnv("FFPROBE_BIN", "ffprobe"),
		JobTTL:     config.GetEnvDuration("JOB_TTL", time.Hour),
	}, blobs, uploader, sup, log, met)

	presetDir := config.GetEnv("PRESET_DIR", "preset")
	presets, err := worker.LoadPresets(presetDir)
	if err != nil {
		log.Warn("preset scan failed, no streams available", "dir", presetDir, "error", err)
		presets = map[string][]worker.PresetFeed{}
	}

	sessionCfg := remux.SessionConfig{
		FFmpegBin:  config.GetEnv("FFMPEG_BIN", "ffmpeg"),
		IngestPort: config.GetEnvInt("REMUX_RTSP_PORT", 8554),
	}
	svc := worker.NewService(presets, orch, sessionCfg, sup, log)
	h := worker.NewHandler(svc, pipe, log, met)

	r := chi.NewRouter()
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		met.Handler(func() { met.SetActiveSessions(svc.ActiveSessionCount()) }).ServeHTTP(w, r)
	})
	r.Get("/health", h.Health)
	r.Post("/load_stream", h.LoadStream)
	r.Post("/get_stream", h.GetStream)
	r.Post("/add_stream", h.AddStream)
	r.Post("/get_processing_status", h.GetProcessingStatus)

	addr := ":" + port
	srv := &http.Server{Addr: addr, Handler: r}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			stop()
		}
	}()

	log.Info("server starting",
		"port", port,
		"preset_streams", len(presets),
		"public_url", orch.PublicURL(),
		"log_level", logLevel,
	)

	<-ctx.Done()

	log.Info("shutdown signal received, draining connections")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown error", "error", err)
	}

	pipe.Close()
	svc.CleanupAll()
	orch.Shutdown()

	log.Info("server stopped")
}
