package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config stores runtime configuration for the interview client.
type Config struct {
	Backend  BackendConfig
	Deepgram DeepgramConfig
	Media    MediaConfig
	Speech   SpeechConfig
	Sync     SyncConfig
	Monitor  MonitorConfig
	Phrases  PhrasesConfig
	Log      LogConfig
	Metrics  MetricsConfig
}

type BackendConfig struct {
	BaseURL        string        `env:"PROCTOR_BACKEND_URL" envDefault:"http://localhost:5000/api"`
	RequestTimeout time.Duration `env:"PROCTOR_BACKEND_TIMEOUT" envDefault:"5s"`
}

type DeepgramConfig struct {
	APIKey      string `env:"DEEPGRAM_API_KEY"`
	APIBaseURL  string `env:"DEEPGRAM_API_BASE" envDefault:"https://api.deepgram.com/v1"`
	Model       string `env:"DEEPGRAM_MODEL" envDefault:"nova-2"`
	Language    string `env:"DEEPGRAM_LANGUAGE" envDefault:"en-US"`
	SmartFormat bool   `env:"DEEPGRAM_SMART_FORMAT" envDefault:"true"`
}

type MediaConfig struct {
	FFMPEGCommand string `env:"PROCTOR_FFMPEG_COMMAND" envDefault:"ffmpeg"`
	VideoFormat   string `env:"PROCTOR_VIDEO_INPUT_FORMAT" envDefault:"v4l2"`
	VideoDevice   string `env:"PROCTOR_VIDEO_DEVICE" envDefault:"/dev/video0"`
	AudioFormat   string `env:"PROCTOR_AUDIO_INPUT_FORMAT" envDefault:"pulse"`
	AudioDevice   string `env:"PROCTOR_AUDIO_DEVICE" envDefault:"default"`
	Width         int    `env:"PROCTOR_VIDEO_WIDTH" envDefault:"640"`
	Height        int    `env:"PROCTOR_VIDEO_HEIGHT" envDefault:"480"`
	FrameRate     int    `env:"PROCTOR_VIDEO_FPS" envDefault:"15"`
	SampleRate    int    `env:"PROCTOR_SAMPLE_RATE" envDefault:"16000"`
	Channels      int    `env:"PROCTOR_CHANNELS" envDefault:"1"`
}

type SpeechConfig struct {
	RestartDelay     time.Duration `env:"PROCTOR_SPEECH_RESTART_DELAY" envDefault:"1s"`
	UtteranceTimeout time.Duration `env:"PROCTOR_SPEECH_UTTERANCE_TIMEOUT" envDefault:"8s"`
	ChunkSize        int           `env:"PROCTOR_AUDIO_CHUNK_SIZE" envDefault:"4096"`
}

type SyncConfig struct {
	StatusInterval     time.Duration `env:"PROCTOR_POLL_STATUS" envDefault:"3s"`
	AIStateInterval    time.Duration `env:"PROCTOR_POLL_AI_STATE" envDefault:"500ms"`
	TranscriptInterval time.Duration `env:"PROCTOR_POLL_TRANSCRIPT" envDefault:"3s"`
}

type MonitorConfig struct {
	Debounce           time.Duration `env:"PROCTOR_VIOLATION_DEBOUNCE" envDefault:"1s"`
	FocusGrace         time.Duration `env:"PROCTOR_FOCUS_GRACE" envDefault:"500ms"`
	ViolationThreshold int           `env:"PROCTOR_VIOLATION_THRESHOLD" envDefault:"3"`
	Kinds              []string      `env:"PROCTOR_VIOLATION_KINDS" envSeparator:","`
}

type PhrasesConfig struct {
	Path           string `env:"PROCTOR_PHRASES_FILE"`
	IterationLimit int    `env:"PROCTOR_PHRASE_ITERATION_LIMIT" envDefault:"30"`
}

type LogConfig struct {
	Level  string `env:"PROCTOR_LOG_LEVEL" envDefault:"info"`
	Format string `env:"PROCTOR_LOG_FORMAT" envDefault:"console"`
}

type MetricsConfig struct {
	Addr string `env:"PROCTOR_METRICS_ADDR"`
}

// minRestartDelay keeps a recogniser that fails fast from spinning.
const minRestartDelay = 100 * time.Millisecond

// Load resolves configuration from environment variables and sensible defaults.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	cfg.Backend.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.Backend.BaseURL), "/")
	if cfg.Backend.BaseURL == "" {
		cfg.Backend.BaseURL = "http://localhost:5000/api"
	}
	if cfg.Backend.RequestTimeout <= 0 {
		cfg.Backend.RequestTimeout = 5 * time.Second
	}
	cfg.Deepgram.APIKey = strings.TrimSpace(cfg.Deepgram.APIKey)

	if cfg.Media.SampleRate <= 0 {
		cfg.Media.SampleRate = 16000
	}
	if cfg.Media.Channels <= 0 {
		cfg.Media.Channels = 1
	}
	if cfg.Media.FrameRate <= 0 {
		cfg.Media.FrameRate = 15
	}

	switch {
	case cfg.Speech.RestartDelay < 0:
		cfg.Speech.RestartDelay = time.Second
	case cfg.Speech.RestartDelay < minRestartDelay:
		cfg.Speech.RestartDelay = minRestartDelay
	}
	if cfg.Speech.ChunkSize < 256 {
		cfg.Speech.ChunkSize = 4096
	}

	cfg.Sync.StatusInterval = positiveOr(cfg.Sync.StatusInterval, 3*time.Second)
	cfg.Sync.AIStateInterval = positiveOr(cfg.Sync.AIStateInterval, 500*time.Millisecond)
	cfg.Sync.TranscriptInterval = positiveOr(cfg.Sync.TranscriptInterval, 3*time.Second)

	cfg.Monitor.Debounce = positiveOr(cfg.Monitor.Debounce, time.Second)
	if cfg.Monitor.FocusGrace < 0 {
		cfg.Monitor.FocusGrace = 500 * time.Millisecond
	}
	if cfg.Monitor.ViolationThreshold <= 0 {
		cfg.Monitor.ViolationThreshold = 3
	}

	if cfg.Phrases.IterationLimit <= 0 {
		cfg.Phrases.IterationLimit = 30
	}

	return cfg, nil
}

func positiveOr(value time.Duration, fallback time.Duration) time.Duration {
	if value <= 0 {
		return fallback
	}
	return value
}
