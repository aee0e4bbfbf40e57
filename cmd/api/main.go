package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/bobarin/storyreel/internal/api"
	"github.com/bobarin/storyreel/internal/config"
	"github.com/bobarin/storyreel/internal/db"
	"github.com/bobarin/storyreel/internal/events"
	"github.com/bobarin/storyreel/internal/jobs"
	"github.com/bobarin/storyreel/internal/mediatools"
	"github.com/bobarin/storyreel/internal/pipeline"
	"github.com/bobarin/storyreel/internal/services"
	"github.com/bobarin/storyreel/internal/styles"
	"github.com/bobarin/storyreel/internal/worker"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}

	setupLogging(cfg.LogLevel, cfg.LogFormat)
	log.Info().Msg("Starting storyreel API...")

	// Connect to database
	database, err := db.New(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer database.Close()

	if err := database.Migrate(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("Failed to migrate database")
	}
	log.Info().Msg("Connected to database")

	// Connect to Redis: job queue and scene events share one client
	q, err := jobs.New(cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to queue")
	}
	defer q.Close()
	publisher := events.NewPublisher(q.Client())
	log.Info().Msg("Connected to Redis")

	catalog, err := styles.Load(cfg.StylesPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.StylesPath).Msg("Failed to load styles")
	}
	log.Info().Int("styles", len(catalog.List())).Msg("Loaded style catalog")

	poll := mediatools.PollOptions{Interval: cfg.PollInterval, MaxAttempts: cfg.PollMaxAttempts}
	media := mediatools.New(cfg.MediaToolsURL,
		mediatools.WithAPIKey(cfg.MediaToolsAPIKey),
		mediatools.WithPollOptions(poll),
	)

	// Create API handler
	handler := api.NewHandler(database, q, api.RedisEvents(publisher), media, catalog)

	// Start worker if enabled
	var workerCtx context.Context
	var workerCancel context.CancelFunc
	workerDone := make(chan struct{})
	if cfg.WorkerEnabled {
		log.Info().Msg("Worker enabled, starting background processing...")

		openaiSvc := services.NewOpenAIServiceWithConfig(cfg.OpenAIKey, "", cfg.OpenAIModel)
		geminiSvc := services.NewGeminiService(cfg.GeminiKey)

		ttsSvc, err := services.NewTTSService(cfg.TTSProvider, cfg.GeminiKey, cfg.ElevenLabsKey)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize TTS")
		}
		log.Info().Str("provider", cfg.TTSProvider).Msg("TTS provider configured")

		gen := pipeline.Generators{Image: geminiSvc, Speech: ttsSvc}
		if cfg.VeoEnabled {
			gen.Video = services.NewVeoService(cfg.GeminiKey, cfg.VeoModel)
			log.Info().Str("model", cfg.VeoModel).Msg("Veo motion video enabled")
		} else {
			log.Info().Msg("Motion video disabled, clips use still images")
		}

		w := worker.New(database, q, publisher, catalog, openaiSvc, gen, media, worker.Options{
			Delays: worker.QueueDelays{
				Image: cfg.ImageQueueDelay,
				Audio: cfg.AudioQueueDelay,
				Video: cfg.VideoQueueDelay,
				Clip:  cfg.ClipQueueDelay,
			},
			ComposeClips:         cfg.ComposeClips,
			Poll:                 poll,
			MaxConcurrentUploads: cfg.MaxConcurrentUploads,
		})
		handler.SceneQueueLengths = w.QueueLengths

		workerCtx, workerCancel = context.WithCancel(context.Background())
		go func() {
			defer close(workerDone)
			w.Start(workerCtx, cfg.MaxConcurrentJobs)
		}()
	} else {
		close(workerDone)
	}

	router := api.NewRouter(handler, api.RouterConfig{
		BackendAPIKey:      cfg.BackendAPIKey,
		CorsAllowedOrigins: cfg.CorsAllowedOrigins,
	})

	if cfg.BackendAPIKey != "" {
		log.Info().Msg("API key authentication enabled")
	} else {
		log.Warn().Msg("No BACKEND_API_KEY set, API is unprotected (dev mode)")
	}

	server := &http.Server{
		Addr:              ":" + cfg.APIPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("port", cfg.APIPort).Msg("API server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server error")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	if workerCancel != nil {
		workerCancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	select {
	case <-workerDone:
	case <-ctx.Done():
		log.Warn().Msg("Worker did not stop in time")
	}

	log.Info().Msg("Server exited")
}

func setupLogging(level, format string) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	zerolog.TimeFieldFormat = time.RFC3339

	if format != "json" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}
}
