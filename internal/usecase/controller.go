package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"proctor/internal/domain"
	"proctor/internal/metrics"
	"proctor/internal/ports"
)

var (
	ErrSessionActive    = errors.New("interview session already in progress")
	ErrNoActiveSession  = errors.New("no active interview session")
	ErrResetRequired    = errors.New("interview has ended; reset before starting again")
	ErrResetNotAllowed  = errors.New("interview session can only be reset after it has ended")
	ErrUnknownVideoView = errors.New("unknown video view")
)

// Config controls interview session behavior.
type Config struct {
	Media              ports.MediaConstraints
	Kinds              []domain.ViolationKind
	ViolationThreshold int
	RequestTimeout     time.Duration
	RestartDelay       time.Duration
	Detector           DetectorConfig
	Sync               SyncConfig
	Now                func() time.Time
}

// SessionController owns the interview lifecycle and every component that
// lives for the duration of a call.
type SessionController struct {
	media     *MediaCaptureManager
	speech    *SpeechSupervisor
	detector  *ViolationDetector
	sync      *BackendSync
	backend   ports.InterviewBackend
	forwarder utteranceForwarder
	events    ports.EventSink
	logger    zerolog.Logger
	cfg       Config

	mu       sync.Mutex
	starting bool
	session  *interviewSession
	view     domain.View
	sinks    map[domain.View]ports.VideoSink
	lastErr  string
}

func NewSessionController(
	devices ports.MediaDevices,
	recognizer ports.Recognizer,
	backend ports.InterviewBackend,
	phrases ports.PhraseNormalizer,
	events ports.EventSink,
	logger zerolog.Logger,
	cfg Config,
) *SessionController {
	if cfg.ViolationThreshold <= 0 {
		cfg.ViolationThreshold = 3
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 5 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Detector.Now == nil {
		cfg.Detector.Now = cfg.Now
	}
	if cfg.Detector.ReportTimeout <= 0 {
		cfg.Detector.ReportTimeout = cfg.RequestTimeout
	}
	if cfg.Sync.RequestTimeout <= 0 {
		cfg.Sync.RequestTimeout = cfg.RequestTimeout
	}

	c := &SessionController{
		media:     NewMediaCaptureManager(devices, logger),
		speech:    NewSpeechSupervisor(recognizer, cfg.RestartDelay, logger),
		detector:  NewViolationDetector(backend, cfg.Detector, logger),
		sync:      NewBackendSync(backend, events, cfg.Sync, logger),
		backend:   backend,
		forwarder: newUtteranceForwarder(phrases, backend, events),
		events:    events,
		logger:    logger.With().Str("component", "controller").Logger(),
		cfg:       cfg,
		view:      domain.ViewCall,
		sinks:     make(map[domain.View]ports.VideoSink),
	}

	c.speech.OnUtterance(c.handleUtterance)
	c.speech.OnUnavailable(c.handleRecognitionUnavailable)
	c.detector.OnViolation(c.recordViolation)
	c.sync.OnStatus(c.applyStatus)
	return c
}

// AudioSource exposes the live microphone. The recogniser reads from it.
func (c *SessionController) AudioSource() (io.Reader, bool) {
	return c.media.AudioSource()
}

// Start begins a new interview. The backend is asked to start first; if it
// refuses, the session stays not started.
func (c *SessionController) Start(ctx context.Context) error {
	c.mu.Lock()
	switch {
	case c.starting || c.session.active():
		c.mu.Unlock()
		return ErrSessionActive
	case c.session != nil:
		c.mu.Unlock()
		return ErrResetRequired
	}
	c.starting = true
	c.mu.Unlock()

	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	greeting, err := c.backend.StartInterview(reqCtx)
	cancel()

	c.mu.Lock()
	c.starting = false
	if err != nil {
		c.lastErr = err.Error()
		c.mu.Unlock()
		c.logger.Error().Err(err).Msg("backend refused to start interview")
		c.events.SessionError(domain.ErrorCodeStartup, fmt.Sprintf("failed to start interview: %v", err))
		return fmt.Errorf("start interview: %w", err)
	}

	session := newInterviewSession(context.WithoutCancel(ctx), c.cfg.Now())
	c.session = session
	c.lastErr = ""
	c.detector.Reset()
	c.detector.Start(c.cfg.Kinds)
	c.sync.Clear()
	c.sync.Start(session.ctx)
	c.speech.Start(session.ctx)
	status := c.statusLocked()
	status.Message = greeting
	c.mu.Unlock()

	metrics.PhaseTransitionsTotal.WithLabelValues(string(domain.PhaseGreeting)).Inc()
	c.logger.Info().Str("session", session.id).Msg("interview started")
	c.events.SessionStateChanged(status)

	go c.acquireMedia(session)
	return nil
}

// acquireMedia opens the devices for session. When the camera cannot be opened
// it falls back to the microphone alone so the interview keeps its audio.
func (c *SessionController) acquireMedia(session *interviewSession) {
	handle, err := c.media.Acquire(session.ctx, c.cfg.Media)
	var cameraErr error
	if err != nil && c.cfg.Media.Video && c.cfg.Media.Audio && !superseded(err) {
		cameraErr = err
		audioOnly := c.cfg.Media
		audioOnly.Video = false
		handle, err = c.media.Acquire(session.ctx, audioOnly)
	}
	if err != nil {
		if superseded(err) {
			return
		}
		c.logger.Warn().Err(err).Msg("camera/microphone unavailable")
		c.events.SessionError(domain.ErrorCodeDevice, err.Error())
		return
	}

	c.mu.Lock()
	if c.session != session || !session.active() {
		c.mu.Unlock()
		_ = c.media.Release(handle)
		return
	}
	sink := c.sinks[c.view]
	c.mu.Unlock()

	if sink != nil && handle.HasVideo() {
		if err := c.media.Attach(handle, sink); err != nil && !errors.Is(err, ErrHandleClosed) {
			c.logger.Warn().Err(err).Str("sink", sink.Name()).Msg("failed to attach video sink")
		}
	}
	if cameraErr != nil {
		c.logger.Warn().Err(cameraErr).Msg("camera unavailable, continuing with microphone only")
		c.events.SessionError(domain.ErrorCodeDevice, fmt.Sprintf("camera unavailable, continuing with audio only: %v", cameraErr))
	}
	c.emitStatus()
}

func superseded(err error) bool {
	return errors.Is(err, ErrAcquireSuperseded) || errors.Is(err, context.Canceled)
}

// RetryMedia asks for the camera and microphone again after a device failure.
// A handle that already carries every requested track is kept. An audio-only
// fallback is released so the camera can be reopened.
func (c *SessionController) RetryMedia() error {
	c.mu.Lock()
	session := c.session
	active := session.active()
	c.mu.Unlock()
	if !active {
		return ErrNoActiveSession
	}

	if handle := c.media.Current(); handle != nil {
		if !c.cfg.Media.Video || handle.HasVideo() {
			return nil
		}
		if err := c.media.Release(handle); err != nil {
			c.logger.Debug().Err(err).Msg("audio-only stream did not stop cleanly")
		}
	}
	go c.acquireMedia(session)
	return nil
}

// EndCall concludes the interview at the candidate's request.
func (c *SessionController) EndCall(ctx context.Context) error {
	c.mu.Lock()
	if !c.session.active() {
		c.mu.Unlock()
		return ErrNoActiveSession
	}
	c.terminateLocked(domain.PhaseConcluded, domain.SessionReasonCallEnded)
	status := c.statusLocked()
	c.mu.Unlock()

	c.events.SessionStateChanged(status)

	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()
	if _, err := c.backend.EndInterview(reqCtx); err != nil {
		c.logger.Warn().Err(err).Msg("backend end-interview failed")
		c.events.SessionError(domain.ErrorCodeNetwork, fmt.Sprintf("failed to notify server of call end: %v", err))
	}
	return nil
}

// Reset returns a finished interview to not started.
func (c *SessionController) Reset(ctx context.Context) error {
	c.mu.Lock()
	if c.session == nil {
		c.mu.Unlock()
		return nil
	}
	if !c.session.phase.Terminal() {
		c.mu.Unlock()
		return ErrResetNotAllowed
	}
	c.session = nil
	c.lastErr = ""
	c.detector.Reset()
	c.sync.Clear()
	status := c.statusLocked()
	status.Reason = domain.SessionReasonReset
	c.mu.Unlock()

	c.events.SessionStateChanged(status)

	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()
	if _, err := c.backend.ResetInterview(reqCtx); err != nil {
		c.logger.Warn().Err(err).Msg("backend reset failed")
		c.events.SessionError(domain.ErrorCodeNetwork, fmt.Sprintf("failed to reset server interview: %v", err))
	}
	return nil
}

// Shutdown tears down any live session and waits for background work.
func (c *SessionController) Shutdown() {
	c.mu.Lock()
	var status domain.Status
	ended := false
	if c.session.active() {
		ended = c.terminateLocked(domain.PhaseConcluded, domain.SessionReasonShutdown)
		status = c.statusLocked()
	}
	c.mu.Unlock()

	if ended {
		c.events.SessionStateChanged(status)
	}
	c.speech.Stop()
	c.sync.Stop()
	_ = c.media.StopAll()
	c.sync.Wait()
	c.detector.Wait()
}

// RegisterSink makes sink the render target for view.
func (c *SessionController) RegisterSink(view domain.View, sink ports.VideoSink) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sinks[view] = sink
}

// SetView moves the live camera to the sink registered for view without
// reacquiring devices.
func (c *SessionController) SetView(view domain.View) error {
	c.mu.Lock()
	sink, ok := c.sinks[view]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownVideoView, view)
	}
	c.view = view
	c.mu.Unlock()

	handle := c.media.Current()
	if handle == nil {
		return nil
	}
	if err := c.media.SwapSink(handle, sink); err != nil && !errors.Is(err, ErrHandleClosed) {
		return err
	}
	return nil
}

// Observe feeds a raw window/input/camera signal to the detector.
func (c *SessionController) Observe(sig domain.Signal) (domain.ViolationEvent, bool) {
	return c.detector.Observe(sig)
}

// ReportFaceStatus forwards the face check to the server and the detector.
func (c *SessionController) ReportFaceStatus(facePresent bool, gazeAway bool) {
	c.mu.Lock()
	session := c.session
	active := session.active()
	c.mu.Unlock()
	if !active {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(session.ctx, c.cfg.RequestTimeout)
		defer cancel()
		if err := c.backend.FaceStatus(ctx, facePresent, gazeAway); err != nil {
			c.logger.Debug().Err(err).Msg("face status report failed")
		}
	}()

	c.detector.Observe(domain.Signal{Type: domain.SignalFace, FacePresent: facePresent, GazeAway: gazeAway})
}

// RequestCoding asks the server to move to the coding round.
func (c *SessionController) RequestCoding(ctx context.Context) error {
	return c.sendControl(ctx, ControlReadyForCoding)
}

// SubmitCode sends the candidate's code for evaluation.
func (c *SessionController) SubmitCode(ctx context.Context, code string, language string) (domain.CodeResult, error) {
	if !c.Active() {
		return domain.CodeResult{}, ErrNoActiveSession
	}
	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()
	result, err := c.backend.SubmitCode(reqCtx, code, language)
	if err != nil {
		c.events.SessionError(domain.ErrorCodeBackend, fmt.Sprintf("code submission failed: %v", err))
		return domain.CodeResult{}, fmt.Errorf("submit code: %w", err)
	}
	return result, nil
}

// FinishCoding submits the final code and tells the server coding is done.
func (c *SessionController) FinishCoding(ctx context.Context, code string, language string) (domain.CodeResult, error) {
	result, err := c.SubmitCode(ctx, code, language)
	if err != nil {
		return domain.CodeResult{}, err
	}
	if err := c.sendControl(ctx, ControlDoneCoding); err != nil {
		return result, err
	}
	return result, nil
}

// RestartRecognition restarts speech recognition after it became unavailable.
func (c *SessionController) RestartRecognition() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.session.active() {
		return ErrNoActiveSession
	}
	c.speech.Start(c.session.ctx)
	return nil
}

// Active reports whether an interview is in progress.
func (c *SessionController) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.active()
}

// Status returns a snapshot of the session.
func (c *SessionController) Status() domain.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusLocked()
}

// Violations returns the accepted violations of the current session.
func (c *SessionController) Violations() []domain.ViolationEvent {
	return c.detector.Log()
}

func (c *SessionController) Transcript() []domain.TranscriptEntry { return c.sync.Transcript() }

func (c *SessionController) AIState() domain.AIState { return c.sync.AIState() }

func (c *SessionController) Warnings() []domain.Warning { return c.sync.Warnings() }

func (c *SessionController) sendControl(ctx context.Context, message string) error {
	if !c.Active() {
		return ErrNoActiveSession
	}
	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()
	if _, err := c.backend.ProcessSpeech(reqCtx, message); err != nil {
		c.events.SessionError(domain.ErrorCodeBackend, fmt.Sprintf("failed to send %s: %v", message, err))
		return fmt.Errorf("send %s: %w", message, err)
	}
	return nil
}

func (c *SessionController) handleUtterance(text string) {
	c.mu.Lock()
	session := c.session
	active := session.active()
	c.mu.Unlock()
	if !active {
		return
	}

	ctx, cancel := context.WithTimeout(session.ctx, c.cfg.RequestTimeout)
	defer cancel()
	sent, err := c.forwarder.Forward(ctx, text)
	if err != nil {
		c.logger.Warn().Err(err).Msg("utterance not delivered")
		return
	}
	c.logger.Debug().Str("text", sent).Msg("utterance delivered")
}

func (c *SessionController) handleRecognitionUnavailable(err error) {
	c.mu.Lock()
	active := c.session.active()
	c.mu.Unlock()
	if !active {
		return
	}
	c.events.SessionError(domain.ErrorCodeRecognition, err.Error())
	c.emitStatus()
}

func (c *SessionController) recordViolation(event domain.ViolationEvent) {
	c.mu.Lock()
	session := c.session
	if !session.active() {
		c.mu.Unlock()
		return
	}
	session.violationCount++
	count := session.violationCount
	threshold := c.cfg.ViolationThreshold
	terminated := false
	if count >= threshold {
		terminated = c.terminateLocked(domain.PhaseTerminatedForViolations, domain.SessionReasonViolationThreshold)
	}
	status := c.statusLocked()
	c.mu.Unlock()

	c.events.ViolationRecorded(event, count, threshold)
	if terminated {
		c.logger.Warn().Int("violations", count).Msg("interview terminated for violations")
	}
	c.events.SessionStateChanged(status)
}

// applyStatus reconciles the server's view with the local phase. Termination
// wins over concluded, which wins over stage changes.
func (c *SessionController) applyStatus(remote domain.InterviewStatus) {
	c.mu.Lock()
	session := c.session
	if !session.active() {
		c.mu.Unlock()
		return
	}

	changed := false
	questionChanged := false
	switch {
	case remote.TerminatedForViolations():
		changed = c.terminateLocked(domain.PhaseTerminatedForViolations, domain.SessionReasonServerTerminated)
	case remote.Concluded():
		changed = c.terminateLocked(domain.PhaseConcluded, domain.SessionReasonServerConcluded)
	case remote.Stage == domain.StageCodingChallenges && remote.CurrentQuestion != "":
		changed = session.advance(domain.PhaseCoding, domain.SessionReasonServerStage)
		if session.currentQuestion != remote.CurrentQuestion {
			session.currentQuestion = remote.CurrentQuestion
			questionChanged = true
		}
	case remote.Stage == domain.StageTechBackground || remote.Stage == domain.StageSkillQuestions:
		changed = session.advance(domain.PhaseTechnical, domain.SessionReasonServerStage)
	}
	if changed && session.phase.Active() {
		metrics.PhaseTransitionsTotal.WithLabelValues(string(session.phase)).Inc()
	}
	status := c.statusLocked()
	question := session.currentQuestion
	c.mu.Unlock()

	if questionChanged {
		c.events.QuestionChanged(question)
	}
	if changed {
		c.events.SessionStateChanged(status)
	}
}

// terminateLocked moves the session to a terminal phase and synchronously stops
// capture, recognition, detection and polling. It reports false if the session
// had already ended.
func (c *SessionController) terminateLocked(phase domain.Phase, reason domain.SessionReason) bool {
	session := c.session
	if !session.active() {
		return false
	}

	session.cancel()
	c.detector.Stop()
	c.speech.Stop()
	c.sync.Stop()
	if err := c.media.StopAll(); err != nil {
		c.logger.Warn().Err(err).Msg("failed to stop capture cleanly")
	}

	session.phase = phase
	session.reason = reason
	metrics.PhaseTransitionsTotal.WithLabelValues(string(phase)).Inc()
	c.logger.Info().Str("session", session.id).Str("phase", string(phase)).Str("reason", string(reason)).Msg("interview ended")
	return true
}

func (c *SessionController) emitStatus() {
	c.events.SessionStateChanged(c.Status())
}

func (c *SessionController) statusLocked() domain.Status {
	session := c.session
	if session == nil {
		return domain.Status{
			Phase:   domain.PhaseNotStarted,
			Reason:  domain.SessionReasonReady,
			Message: c.lastErr,
		}
	}
	handle := c.media.Current()
	return domain.Status{
		SessionID:       session.id,
		Phase:           session.phase,
		Active:          session.phase.Active(),
		ActivatedAt:     session.activatedAt,
		ViolationCount:  session.violationCount,
		CurrentQuestion: session.currentQuestion,
		LastWarning:     c.detector.LastMessage(),
		Listening:       c.speech.Listening(),
		MediaLive:       handle != nil,
		VideoLive:       handle != nil && handle.HasVideo(),
		Stale:           c.sync.Stale(),
		Reason:          session.reason,
	}
}
