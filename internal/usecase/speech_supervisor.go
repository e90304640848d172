package usecase

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"proctor/internal/domain"
	"proctor/internal/metrics"
	"proctor/internal/ports"
)

// SpeechSupervisor keeps one recogniser running for the whole call, restarting
// it after every utterance or transient failure.
type SpeechSupervisor struct {
	recognizer   ports.Recognizer
	restartDelay time.Duration
	logger       zerolog.Logger

	mu            sync.Mutex
	running       bool
	unavailable   bool
	generation    uint64
	cancel        context.CancelFunc
	session       ports.RecognitionSession
	restart       *time.Timer
	onUtterance   func(text string)
	onUnavailable func(err error)
}

func NewSpeechSupervisor(recognizer ports.Recognizer, restartDelay time.Duration, logger zerolog.Logger) *SpeechSupervisor {
	if restartDelay < 0 {
		restartDelay = time.Second
	}
	return &SpeechSupervisor{
		recognizer:   recognizer,
		restartDelay: restartDelay,
		logger:       logger.With().Str("component", "speech").Logger(),
	}
}

// OnUtterance registers the receiver for completed utterances.
func (s *SpeechSupervisor) OnUtterance(fn func(text string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onUtterance = fn
}

// OnUnavailable registers the receiver for permanent engine failures. It is
// called at most once per Start.
func (s *SpeechSupervisor) OnUnavailable(fn func(err error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onUnavailable = fn
}

// Start stops any running recogniser and begins listening again.
func (s *SpeechSupervisor) Start(ctx context.Context) {
	s.mu.Lock()
	previous := s.detachLocked()
	s.generation++
	gen := s.generation
	s.running = true
	s.unavailable = false
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	stopSession(previous, s.logger)
	s.logger.Debug().Uint64("generation", gen).Msg("speech recognition started")
	go s.launch(runCtx, gen)
}

// Stop ends recognition and suppresses any pending restart.
func (s *SpeechSupervisor) Stop() {
	s.mu.Lock()
	wasRunning := s.running
	s.running = false
	s.generation++
	previous := s.detachLocked()
	s.mu.Unlock()

	stopSession(previous, s.logger)
	if wasRunning {
		s.logger.Debug().Msg("speech recognition stopped")
	}
}

// Listening reports whether the supervisor intends to be listening. It stays
// true across automatic restarts.
func (s *SpeechSupervisor) Listening() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Unavailable reports whether the last run ended on a permanent failure.
func (s *SpeechSupervisor) Unavailable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unavailable
}

func (s *SpeechSupervisor) detachLocked() ports.RecognitionSession {
	if s.restart != nil {
		s.restart.Stop()
		s.restart = nil
	}
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	session := s.session
	s.session = nil
	return session
}

func (s *SpeechSupervisor) launch(ctx context.Context, gen uint64) {
	session, err := s.recognizer.Start(ctx)

	s.mu.Lock()
	if gen != s.generation || !s.running {
		s.mu.Unlock()
		stopSession(session, s.logger)
		return
	}
	if err != nil {
		s.mu.Unlock()
		s.handleEnd(ctx, gen, err)
		return
	}
	s.session = session
	s.mu.Unlock()

	go s.watch(ctx, gen, session)
}

func (s *SpeechSupervisor) watch(ctx context.Context, gen uint64, session ports.RecognitionSession) {
	assembler := newUtteranceAssembler()
	for event := range session.Events() {
		if text, ok := assembler.Add(event); ok {
			s.emit(gen, text)
		}
	}
	if text, ok := assembler.Flush(); ok {
		s.emit(gen, text)
	}
	s.handleEnd(ctx, gen, session.Wait())
}

func (s *SpeechSupervisor) emit(gen uint64, text string) {
	s.mu.Lock()
	if gen != s.generation || !s.running {
		s.mu.Unlock()
		return
	}
	fn := s.onUtterance
	s.mu.Unlock()

	if fn != nil {
		fn(text)
	}
}

func (s *SpeechSupervisor) handleEnd(ctx context.Context, gen uint64, err error) {
	code := domain.RecognitionCode(err)

	s.mu.Lock()
	if gen != s.generation || !s.running {
		s.mu.Unlock()
		return
	}
	s.session = nil

	if err != nil && code.Permanent() {
		s.running = false
		s.generation++
		first := !s.unavailable
		s.unavailable = true
		if s.cancel != nil {
			s.cancel()
			s.cancel = nil
		}
		fn := s.onUnavailable
		s.mu.Unlock()

		s.logger.Error().Err(err).Str("code", string(code)).Msg("speech recognition unavailable")
		if first && fn != nil {
			fn(err)
		}
		return
	}

	s.restart = time.AfterFunc(s.restartDelay, func() { s.relaunch(ctx, gen) })
	s.mu.Unlock()

	metrics.RecognizerRestartsTotal.Inc()
	if err != nil {
		s.logger.Debug().Err(err).Str("code", string(code)).Msg("recogniser ended; restarting")
	}
}

func (s *SpeechSupervisor) relaunch(ctx context.Context, gen uint64) {
	s.mu.Lock()
	if gen != s.generation || !s.running {
		s.mu.Unlock()
		return
	}
	s.restart = nil
	s.mu.Unlock()

	s.launch(ctx, gen)
}

func stopSession(session ports.RecognitionSession, logger zerolog.Logger) {
	if session == nil {
		return
	}
	if err := session.Stop(); err != nil {
		logger.Debug().Err(err).Msg("recogniser stop returned error")
	}
}
