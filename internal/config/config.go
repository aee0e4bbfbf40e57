package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	APIPort            string
	WorkerEnabled      bool
	BackendAPIKey      string // API key for authenticating requests (empty = no auth, dev mode)
	CorsAllowedOrigins string // Comma-separated allowed origins (empty = *, dev mode)

	// Logging
	LogLevel  string // zerolog level name
	LogFormat string // "console" or "json"

	// Database
	DatabaseURL string

	// Redis (job queue and scene events)
	RedisURL string

	// Media tools service (storage + video tools)
	MediaToolsURL    string
	MediaToolsAPIKey string
	PollInterval     time.Duration
	PollMaxAttempts  int

	// OpenAI (used for script writing)
	OpenAIKey   string
	OpenAIModel string

	// Gemini (images, and speech when TTS_PROVIDER=gemini)
	GeminiKey string

	// Speech
	TTSProvider   string // "gemini" or "elevenlabs"
	ElevenLabsKey string

	// Veo (motion video from the start image, optional)
	VeoEnabled bool
	VeoModel   string

	// Styles
	StylesPath string

	// Scene pipeline
	ImageQueueDelay      time.Duration
	AudioQueueDelay      time.Duration
	VideoQueueDelay      time.Duration
	ClipQueueDelay       time.Duration
	ComposeClips         bool
	MaxConcurrentUploads int

	// Worker
	MaxConcurrentJobs int
}

func Load() (*Config, error) {
	// Load .env file if it exists (ignore error in production)
	_ = godotenv.Load()

	cfg := &Config{
		APIPort:              getEnv("API_PORT", "8080"),
		WorkerEnabled:        getEnvBool("WORKER_ENABLED", true),
		BackendAPIKey:        getEnv("BACKEND_API_KEY", ""),
		CorsAllowedOrigins:   getEnv("CORS_ALLOWED_ORIGINS", ""),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
		LogFormat:            getEnv("LOG_FORMAT", "console"),
		DatabaseURL:          getEnv("DATABASE_URL", ""),
		RedisURL:             getEnv("REDIS_URL", "redis://localhost:6379"),
		MediaToolsURL:        getEnv("MEDIA_TOOLS_URL", ""),
		MediaToolsAPIKey:     getEnv("MEDIA_TOOLS_API_KEY", ""),
		PollInterval:         getEnvDuration("POLL_INTERVAL", 2*time.Second),
		PollMaxAttempts:      getEnvInt("POLL_MAX_ATTEMPTS", 10),
		OpenAIKey:            getEnv("OPENAI_API_KEY", ""),
		OpenAIModel:          getEnv("OPENAI_MODEL", ""),
		GeminiKey:            getEnv("GEMINI_API_KEY", ""),
		TTSProvider:          getEnv("TTS_PROVIDER", "gemini"),
		ElevenLabsKey:        getEnv("ELEVENLABS_API_KEY", ""),
		VeoEnabled:           getEnvBool("VEO_ENABLED", false),
		VeoModel:             getEnv("VEO_MODEL", "veo-3.1-generate-preview"),
		StylesPath:           getEnv("STYLES_PATH", "config/styles.yaml"),
		ImageQueueDelay:      getEnvDuration("IMAGE_QUEUE_DELAY", 3*time.Second),
		AudioQueueDelay:      getEnvDuration("AUDIO_QUEUE_DELAY", 1*time.Second),
		VideoQueueDelay:      getEnvDuration("VIDEO_QUEUE_DELAY", 5*time.Second),
		ClipQueueDelay:       getEnvDuration("CLIP_QUEUE_DELAY", 1*time.Second),
		ComposeClips:         getEnvBool("COMPOSE_CLIPS", true),
		MaxConcurrentUploads: getEnvInt("MAX_CONCURRENT_UPLOADS", 4),
		MaxConcurrentJobs:    getEnvInt("MAX_CONCURRENT_JOBS", 2),
	}

	// Validate required fields
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.MediaToolsURL == "" {
		return nil, fmt.Errorf("MEDIA_TOOLS_URL is required")
	}

	if cfg.PollInterval <= 0 || cfg.PollMaxAttempts <= 0 {
		return nil, fmt.Errorf("POLL_INTERVAL and POLL_MAX_ATTEMPTS must be positive")
	}

	// Generators are only needed where the worker runs
	if !cfg.WorkerEnabled {
		return cfg, nil
	}

	if cfg.OpenAIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY is required")
	}

	if cfg.GeminiKey == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY is required")
	}

	switch cfg.TTSProvider {
	case "gemini":
	case "elevenlabs":
		if cfg.ElevenLabsKey == "" {
			return nil, fmt.Errorf("ELEVENLABS_API_KEY is required when TTS_PROVIDER=elevenlabs")
		}
	default:
		return nil, fmt.Errorf("unknown TTS_PROVIDER %q", cfg.TTSProvider)
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		b, err := strconv.ParseBool(value)
		if err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		i, err := strconv.Atoi(value)
		if err == nil {
			return i
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("1500ms", "2s") or plain milliseconds.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if ms, err := strconv.Atoi(value); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return defaultValue
}
