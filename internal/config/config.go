package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	// Transcription service endpoint (the original SRT_ENDPOINT).
	TranscribeURL     string        `env:"SRT_ENDPOINT,required"`
	TranscribeTimeout time.Duration `env:"TRANSCRIBE_TIMEOUT" envDefault:"120s"`
	TranscribeLang    string        `env:"TRANSCRIBE_LANG"`

	HFToken string `env:"KEY_HUGGINGFACE,required"`

	DiarizeBackend   string        `env:"DIARIZE_BACKEND" envDefault:"script"`
	DiarizePython    string        `env:"DIARIZE_PYTHON" envDefault:"python3"`
	DiarizeScript    string        `env:"DIARIZE_SCRIPT" envDefault:"scripts/pyannote_diarize.py"`
	DiarizeURL       string        `env:"DIARIZE_URL" envDefault:"http://localhost:8001"`
	DiarizeDevice    string        `env:"DIARIZE_DEVICE"`
	DiarizeWorkers   int           `env:"DIARIZE_WORKERS" envDefault:"1"`
	DiarizeQueueSize int           `env:"DIARIZE_QUEUE_SIZE" envDefault:"16"`
	DiarizeTimeout   time.Duration `env:"DIARIZE_TIMEOUT" envDefault:"30m"`

	FFmpegBin string `env:"FFMPEG_BIN" envDefault:"ffmpeg"`
	UploadDir string `env:"UPLOAD_DIR" envDefault:"web/audio_upload"`
	MaxUpload int64  `env:"MAX_UPLOAD_BYTES" envDefault:"536870912"`
	WatchDir  string `env:"WATCH_DIR"`

	MQTTBrokerURL   string `env:"MQTT_BROKER_URL"`
	MQTTClientID    string `env:"MQTT_CLIENT_ID" envDefault:"diarize-engine"`
	MQTTTopicPrefix string `env:"MQTT_TOPIC_PREFIX" envDefault:"diarize"`
	MQTTUsername    string `env:"MQTT_USERNAME"`
	MQTTPassword    string `env:"MQTT_PASSWORD"`

	S3 S3Config

	HTTPAddr     string        `env:"HTTP_ADDR" envDefault:":8000"`
	ReadTimeout  time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"30s"`
	WriteTimeout time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"0s"`
	IdleTimeout  time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`
	CORSOrigins  string        `env:"CORS_ORIGINS"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

// S3Config enables the S3 backup tier when Bucket is set.
type S3Config struct {
	Bucket        string        `env:"S3_BUCKET"`
	Endpoint      string        `env:"S3_ENDPOINT"`
	Region        string        `env:"S3_REGION" envDefault:"us-east-1"`
	AccessKey     string        `env:"S3_ACCESS_KEY"`
	SecretKey     string        `env:"S3_SECRET_KEY"`
	Prefix        string        `env:"S3_PREFIX"`
	PresignExpiry time.Duration `env:"S3_PRESIGN_EXPIRY" envDefault:"1h"`
	ArchiveQueue  int           `env:"S3_ARCHIVE_QUEUE" envDefault:"256"`

	// Local copies older than CacheRetention, or beyond CacheMaxGB in total,
	// are evicted once archived. Zero disables either rule.
	CacheRetention time.Duration `env:"S3_CACHE_RETENTION" envDefault:"0s"`
	CacheMaxGB     int           `env:"S3_CACHE_MAX_GB" envDefault:"0"`
}

func (c S3Config) Enabled() bool { return c.Bucket != "" }

// Overrides holds CLI flag values that take priority over env vars.
type Overrides struct {
	EnvFile        string
	HTTPAddr       string
	LogLevel       string
	UploadDir      string
	TranscribeURL  string
	DiarizeBackend string
	WatchDir       string
}

// Load reads configuration from .env file, environment variables, and CLI overrides.
// Priority: CLI flags > environment variables > .env file > struct defaults.
func Load(overrides Overrides) (*Config, error) {
	// Load .env file (silent if missing)
	envFile := overrides.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if _, err := os.Stat(envFile); err == nil {
		_ = godotenv.Load(envFile)
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	// Apply CLI overrides (non-empty values win)
	if overrides.HTTPAddr != "" {
		cfg.HTTPAddr = overrides.HTTPAddr
	}
	if overrides.LogLevel != "" {
		cfg.LogLevel = overrides.LogLevel
	}
	if overrides.UploadDir != "" {
		cfg.UploadDir = overrides.UploadDir
	}
	if overrides.TranscribeURL != "" {
		cfg.TranscribeURL = overrides.TranscribeURL
	}
	if overrides.DiarizeBackend != "" {
		cfg.DiarizeBackend = overrides.DiarizeBackend
	}
	if overrides.WatchDir != "" {
		cfg.WatchDir = overrides.WatchDir
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the service cannot start with.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.TranscribeURL) == "" {
		errs = append(errs, errors.New("SRT_ENDPOINT is empty"))
	} else if !strings.HasPrefix(c.TranscribeURL, "http://") && !strings.HasPrefix(c.TranscribeURL, "https://") {
		errs = append(errs, fmt.Errorf("SRT_ENDPOINT must be an http(s) URL, got %q", c.TranscribeURL))
	}
	if tok := strings.TrimSpace(c.HFToken); tok == "" || strings.Contains(tok, "***") {
		errs = append(errs, errors.New("KEY_HUGGINGFACE is empty or still the placeholder"))
	}
	switch c.DiarizeBackend {
	case "script":
		if c.DiarizeScript == "" {
			errs = append(errs, errors.New("DIARIZE_SCRIPT is required for the script backend"))
		}
	case "http":
		if c.DiarizeURL == "" {
			errs = append(errs, errors.New("DIARIZE_URL is required for the http backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("DIARIZE_BACKEND must be script or http, got %q", c.DiarizeBackend))
	}
	if c.DiarizeWorkers < 1 {
		errs = append(errs, fmt.Errorf("DIARIZE_WORKERS must be >= 1, got %d", c.DiarizeWorkers))
	}
	if c.DiarizeQueueSize < 0 {
		errs = append(errs, fmt.Errorf("DIARIZE_QUEUE_SIZE must be >= 0, got %d", c.DiarizeQueueSize))
	}
	if c.UploadDir == "" {
		errs = append(errs, errors.New("UPLOAD_DIR is empty"))
	}
	return errors.Join(errs...)
}
