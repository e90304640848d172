package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"proctor/internal/backend"
	"proctor/internal/capture"
	"proctor/internal/config"
	"proctor/internal/domain"
	"proctor/internal/logging"
	"proctor/internal/metrics"
	"proctor/internal/phrases"
	"proctor/internal/ports"
	"proctor/internal/providers/deepgram"
	"proctor/internal/usecase"
)

// Services is the assembled runtime graph.
type Services struct {
	Controller *usecase.SessionController
	Backend    *backend.Client
	Config     config.Config
	Logger     zerolog.Logger
}

// Build wires all dependencies for the desktop runtime.
func Build(eventSink ports.EventSink) (Services, error) {
	cfg, err := config.Load()
	if err != nil {
		return Services{}, err
	}
	logger := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})

	kinds, err := ParseKinds(cfg.Monitor.Kinds)
	if err != nil {
		return Services{}, err
	}

	normalizer, err := phrases.New(cfg.Phrases.Path, cfg.Phrases.IterationLimit)
	if err != nil {
		return Services{}, err
	}

	client := NewBackendClient(cfg, logger)

	// The recogniser reads the microphone of whatever handle the controller
	// currently holds, so it needs the controller before the controller exists.
	var controller *usecase.SessionController
	microphone := func() (io.Reader, bool) {
		if controller == nil {
			return nil, false
		}
		return controller.AudioSource()
	}

	recognizer := deepgram.NewRecognizer(deepgram.Config{
		APIKey:           cfg.Deepgram.APIKey,
		APIBaseURL:       cfg.Deepgram.APIBaseURL,
		Model:            cfg.Deepgram.Model,
		Language:         cfg.Deepgram.Language,
		SmartFormat:      cfg.Deepgram.SmartFormat,
		SampleRate:       cfg.Media.SampleRate,
		Channels:         cfg.Media.Channels,
		ChunkSize:        cfg.Speech.ChunkSize,
		UtteranceTimeout: cfg.Speech.UtteranceTimeout,
	}, microphone, logger)

	devices := capture.NewFFMPEGDevices(capture.Config{
		Command:     cfg.Media.FFMPEGCommand,
		VideoFormat: cfg.Media.VideoFormat,
		AudioFormat: cfg.Media.AudioFormat,
	}, logger)

	controller = usecase.NewSessionController(
		devices,
		recognizer,
		client,
		normalizer,
		eventSink,
		logger,
		usecase.Config{
			Media:              MediaConstraints(cfg.Media),
			Kinds:              kinds,
			ViolationThreshold: cfg.Monitor.ViolationThreshold,
			RequestTimeout:     cfg.Backend.RequestTimeout,
			RestartDelay:       cfg.Speech.RestartDelay,
			Detector: usecase.DetectorConfig{
				Debounce:   cfg.Monitor.Debounce,
				FocusGrace: cfg.Monitor.FocusGrace,
			},
			Sync: SyncConfig(cfg),
		},
	)

	logger.Info().
		Str("backend", cfg.Backend.BaseURL).
		Int("phraseRules", normalizer.RuleCount()).
		Int("kinds", len(kinds)).
		Msg("proctor services ready")

	return Services{Controller: controller, Backend: client, Config: cfg, Logger: logger}, nil
}

// NewBackendClient builds the interview server client from configuration.
func NewBackendClient(cfg config.Config, logger zerolog.Logger) *backend.Client {
	return backend.NewClient(backend.Config{
		BaseURL: cfg.Backend.BaseURL,
		Timeout: cfg.Backend.RequestTimeout,
	}, logger)
}

func SyncConfig(cfg config.Config) usecase.SyncConfig {
	return usecase.SyncConfig{
		StatusInterval:     cfg.Sync.StatusInterval,
		AIStateInterval:    cfg.Sync.AIStateInterval,
		TranscriptInterval: cfg.Sync.TranscriptInterval,
		RequestTimeout:     cfg.Backend.RequestTimeout,
	}
}

// MediaConstraints requests camera and microphone together, so the user sees
// one permission prompt.
func MediaConstraints(m config.MediaConfig) ports.MediaConstraints {
	return ports.MediaConstraints{
		Video:       true,
		Audio:       true,
		VideoDevice: m.VideoDevice,
		AudioDevice: m.AudioDevice,
		AudioFormat: m.AudioFormat,
		Width:       m.Width,
		Height:      m.Height,
		FrameRate:   m.FrameRate,
		SampleRate:  m.SampleRate,
		Channels:    m.Channels,
	}
}

// ParseKinds validates configured violation kinds. Empty means all kinds.
func ParseKinds(raw []string) ([]domain.ViolationKind, error) {
	known := domain.AllViolationKinds()
	kinds := make([]domain.ViolationKind, 0, len(raw))
	for _, name := range raw {
		kind := domain.ViolationKind(strings.ToLower(strings.TrimSpace(name)))
		if kind == "" {
			continue
		}
		if !lo.Contains(known, kind) {
			return nil, fmt.Errorf("unknown violation kind %q", name)
		}
		kinds = append(kinds, kind)
	}
	return lo.Uniq(kinds), nil
}

// ServeMetrics exposes /metrics on addr until ctx is cancelled. An empty addr
// disables the listener.
func ServeMetrics(ctx context.Context, addr string, logger zerolog.Logger) {
	if strings.TrimSpace(addr) == "" {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	go func() {
		logger.Info().Str("addr", addr).Msg("metrics listener started")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Str("addr", addr).Msg("metrics listener failed")
		}
	}()
}
