package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/snarg/diarize-engine/internal/api"
	"github.com/snarg/diarize-engine/internal/audio"
	"github.com/snarg/diarize-engine/internal/config"
	"github.com/snarg/diarize-engine/internal/diarize"
	"github.com/snarg/diarize-engine/internal/events"
	"github.com/snarg/diarize-engine/internal/jobs"
	"github.com/snarg/diarize-engine/internal/metrics"
	"github.com/snarg/diarize-engine/internal/mqttclient"
	"github.com/snarg/diarize-engine/internal/pipeline"
	"github.com/snarg/diarize-engine/internal/storage"
	"github.com/snarg/diarize-engine/internal/transcribe"
	"github.com/snarg/diarize-engine/internal/watch"
)

var version = "dev"

func main() {
	startTime := time.Now()

	var overrides config.Overrides
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.StringVar(&overrides.EnvFile, "env-file", "", "path to .env file (default .env)")
	flag.StringVar(&overrides.HTTPAddr, "listen", "", "HTTP listen address (overrides HTTP_ADDR)")
	flag.StringVar(&overrides.LogLevel, "log-level", "", "log level (overrides LOG_LEVEL)")
	flag.StringVar(&overrides.UploadDir, "upload-dir", "", "upload directory (overrides UPLOAD_DIR)")
	flag.StringVar(&overrides.TranscribeURL, "transcribe-url", "", "transcription endpoint (overrides SRT_ENDPOINT)")
	flag.StringVar(&overrides.DiarizeBackend, "diarize-backend", "", "script or http (overrides DIARIZE_BACKEND)")
	flag.StringVar(&overrides.WatchDir, "watch-dir", "", "drop folder to watch (overrides WATCH_DIR)")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}

	// Config
	cfg, err := config.Load(overrides)
	if err != nil {
		early := zerolog.New(os.Stderr).With().Timestamp().Logger()
		early.Fatal().Err(err).Msg("failed to load config")
	}

	// Logger
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stdout).With().Timestamp().Logger().Level(level)
	log.Info().Str("version", version).Msg("diarize-engine starting")

	// Context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ffmpeg
	ffmpeg := audio.NewFFmpeg(cfg.FFmpegBin)
	if err := ffmpeg.Check(); err != nil {
		log.Fatal().Err(err).Msg("ffmpeg not available")
	}

	// Audio storage
	storeLog := log.With().Str("component", "storage").Logger()
	store, archiver, err := storage.New(cfg.S3, cfg.UploadDir, storeLog)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize audio storage")
	}
	if archiver != nil {
		archiver.Start(2)
		defer archiver.Stop()
	}
	log.Info().Str("type", store.Type()).Str("dir", cfg.UploadDir).Msg("audio storage ready")

	// Diarization
	var engine diarize.Engine
	diarizeLog := log.With().Str("component", "diarize").Logger()
	switch cfg.DiarizeBackend {
	case "http":
		httpEngine := diarize.NewHTTPEngine(cfg.DiarizeURL, cfg.HFToken, cfg.DiarizeTimeout)
		checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if !httpEngine.IsAvailable(checkCtx) {
			diarizeLog.Warn().Str("url", cfg.DiarizeURL).Msg("diarization sidecar not reachable yet")
		}
		cancel()
		engine = httpEngine
	default:
		if _, err := os.Stat(cfg.DiarizeScript); err != nil {
			diarizeLog.Fatal().Err(err).Str("script", cfg.DiarizeScript).Msg("diarization script not found")
		}
		engine = &diarize.ScriptEngine{
			Python:  cfg.DiarizePython,
			Script:  cfg.DiarizeScript,
			Device:  cfg.DiarizeDevice,
			HFToken: cfg.HFToken,
			Log:     diarizeLog,
		}
	}
	pool := diarize.NewPool(diarize.PoolOptions{
		Engine:    engine,
		Workers:   cfg.DiarizeWorkers,
		QueueSize: cfg.DiarizeQueueSize,
		Log:       diarizeLog,
	})
	pool.Start()

	// Job registry and change fan-out
	registry := jobs.NewRegistry()
	bus := events.NewBus(1024)
	registry.OnChange(bus.JobChanged)

	var mqtt *mqttclient.Client
	if cfg.MQTTBrokerURL != "" {
		mqtt, err = mqttclient.Connect(mqttclient.Options{
			BrokerURL:   cfg.MQTTBrokerURL,
			ClientID:    cfg.MQTTClientID,
			TopicPrefix: cfg.MQTTTopicPrefix,
			Username:    cfg.MQTTUsername,
			Password:    cfg.MQTTPassword,
			Log:         log.With().Str("component", "mqtt").Logger(),
		})
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to mqtt broker")
		}
		defer mqtt.Close()
		registry.OnChange(mqtt.JobChanged)
	}

	// Orchestrator
	transcriber := transcribe.NewClient(cfg.TranscribeURL, cfg.TranscribeTimeout)
	orchOpts := pipeline.Options{
		Registry:       registry,
		Store:          store,
		Converter:      ffmpeg,
		Diarizer:       diarize.NewAdapter(pool),
		Segments:       pipeline.NewSegmentPipeline(transcriber, log.With().Str("component", "segments").Logger()),
		DefaultLang:    cfg.TranscribeLang,
		DiarizeTimeout: cfg.DiarizeTimeout,
		Log:            log.With().Str("component", "orchestrator").Logger(),
	}
	if archiver != nil {
		orchOpts.Archiver = archiver
	}
	orch := pipeline.New(orchOpts)

	// Metrics
	prometheus.MustRegister(metrics.NewCollector(registry, pool, bus.SubscriberCount))

	// Drop folder
	health := api.HealthDeps{Jobs: registry, Pool: pool, Storage: store.Type()}
	if mqtt != nil {
		health.MQTT = mqtt
	}
	var watcher *watch.DropWatcher
	if cfg.WatchDir != "" {
		watcher = watch.New(watch.Options{
			Dir:       cfg.WatchDir,
			Lang:      cfg.TranscribeLang,
			Submitter: orch,
			Log:       log.With().Str("component", "watch").Logger(),
		})
		if err := watcher.Start(); err != nil {
			log.Fatal().Err(err).Str("dir", cfg.WatchDir).Msg("failed to start drop folder watcher")
		}
		health.Watcher = watcher
	}

	// HTTP Server
	srv := api.NewServer(api.ServerOptions{
		Config:    cfg,
		Submitter: orch,
		Jobs:      registry,
		Events:    bus,
		Store:     store,
		Health:    health,
		Version:   version,
		StartTime: startTime,
		Log:       log.With().Str("component", "http").Logger(),
	})

	// Start HTTP server in background
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	// Wait for shutdown signal or server error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("http server error")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown error")
	}
	if watcher != nil {
		watcher.Stop()
	}
	if err := orch.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Int64("active", orch.Active()).Msg("jobs still running at shutdown")
	}
	pool.Stop()

	log.Info().Msg("diarize-engine stopped")
}
