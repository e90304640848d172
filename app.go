package main

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"

	"github.com/wailsapp/wails/v2/pkg/runtime"

	"proctor/internal/bootstrap"
	"proctor/internal/config"
	"proctor/internal/domain"
	"proctor/internal/ports"
	"proctor/internal/usecase"
)

const (
	eventSession    = "proctor:session"
	eventViolation  = "proctor:violation"
	eventWarning    = "proctor:warning"
	eventTranscript = "proctor:transcript"
	eventAIState    = "proctor:ai-state"
	eventQuestion   = "proctor:question"
	eventFrame      = "proctor:frame"
	eventError      = "proctor:error"
)

type emitFunc func(ctx context.Context, name string, data ...interface{})

// App is the Wails application root.
type App struct {
	ctx  context.Context
	emit emitFunc

	controller *usecase.SessionController
	cfg        config.Config
	bootErr    error
}

// Snapshot is everything the interview screen renders besides live video.
type Snapshot struct {
	Status     domain.Status            `json:"status"`
	Violations []domain.ViolationEvent  `json:"violations"`
	Transcript []domain.TranscriptEntry `json:"transcript"`
	AIState    domain.AIState           `json:"aiState"`
	Warnings   []domain.Warning         `json:"warnings"`
}

func NewApp() *App {
	return &App{emit: runtime.EventsEmit}
}

func (a *App) startup(ctx context.Context) {
	a.ctx = ctx

	services, err := bootstrap.Build(a)
	if err != nil {
		a.bootErr = err
		a.SessionError(domain.ErrorCodeStartup, err.Error())
		return
	}

	a.cfg = services.Config
	a.controller = services.Controller
	for _, view := range []domain.View{domain.ViewCall, domain.ViewCode} {
		a.controller.RegisterSink(view, newFrameSink(view, a.emitEvent))
	}
	bootstrap.ServeMetrics(ctx, a.cfg.Metrics.Addr, services.Logger)

	a.SessionStateChanged(a.controller.Status())
}

func (a *App) shutdown(_ context.Context) {
	if a.controller != nil {
		a.controller.Shutdown()
	}
}

// StartInterview starts the interview and requests camera and microphone.
func (a *App) StartInterview() (domain.Status, error) {
	if err := a.requireReady(); err != nil {
		return domain.Status{}, err
	}
	if err := a.controller.Start(a.ctx); err != nil {
		return a.controller.Status(), err
	}
	return a.controller.Status(), nil
}

// EndCall ends the interview and releases capture.
func (a *App) EndCall() (domain.Status, error) {
	if err := a.requireReady(); err != nil {
		return domain.Status{}, err
	}
	if err := a.controller.EndCall(a.ctx); err != nil && !errors.Is(err, usecase.ErrNoActiveSession) {
		return a.controller.Status(), err
	}
	return a.controller.Status(), nil
}

// Reset clears a finished interview so a new one can start.
func (a *App) Reset() (domain.Status, error) {
	if err := a.requireReady(); err != nil {
		return domain.Status{}, err
	}
	if err := a.controller.Reset(a.ctx); err != nil {
		return a.controller.Status(), err
	}
	return a.controller.Status(), nil
}

// GetStatus returns the current session status.
func (a *App) GetStatus() domain.Status {
	if a.controller == nil {
		status := domain.Status{Phase: domain.PhaseNotStarted, Reason: domain.SessionReasonReady}
		if a.bootErr != nil {
			status.Message = a.bootErr.Error()
		}
		return status
	}
	return a.controller.Status()
}

// GetSnapshot returns the latest status, violations and server-owned slices.
func (a *App) GetSnapshot() Snapshot {
	snapshot := Snapshot{Status: a.GetStatus()}
	if a.controller == nil {
		return snapshot
	}
	snapshot.Violations = a.controller.Violations()
	snapshot.Transcript = a.controller.Transcript()
	snapshot.AIState = a.controller.AIState()
	snapshot.Warnings = a.controller.Warnings()
	return snapshot
}

// GetRuntimeInfo returns non-sensitive config for the UI.
func (a *App) GetRuntimeInfo() map[string]string {
	if a.bootErr != nil {
		return map[string]string{"error": a.bootErr.Error()}
	}

	return map[string]string{
		"backend":     a.cfg.Backend.BaseURL,
		"provider":    "Deepgram",
		"model":       a.cfg.Deepgram.Model,
		"language":    a.cfg.Deepgram.Language,
		"phrasesFile": a.cfg.Phrases.Path,
		"videoDevice": a.cfg.Media.VideoDevice,
		"audioDevice": a.cfg.Media.AudioDevice,
		"threshold":   fmt.Sprint(a.cfg.Monitor.ViolationThreshold),
	}
}

func (a *App) ReportVisibility(hidden bool) bool {
	return a.observe(domain.Signal{Type: domain.SignalVisibility, Hidden: hidden})
}

func (a *App) ReportBlur() bool {
	return a.observe(domain.Signal{Type: domain.SignalBlur})
}

func (a *App) ReportFocus() {
	a.observe(domain.Signal{Type: domain.SignalFocus})
}

func (a *App) ReportPointerLeave(clientY float64) bool {
	return a.observe(domain.Signal{Type: domain.SignalPointerLeave, ClientY: clientY})
}

// ReportKeyChord returns true when the chord is restricted, so the page can
// suppress its default action.
func (a *App) ReportKeyChord(key string, ctrl bool, shift bool, meta bool, alt bool) bool {
	return a.observe(domain.Signal{Type: domain.SignalKeyDown, Key: key, Ctrl: ctrl, Shift: shift, Meta: meta, Alt: alt})
}

func (a *App) ReportFaceStatus(facePresent bool, gazeAway bool) {
	if a.controller == nil {
		return
	}
	a.controller.ReportFaceStatus(facePresent, gazeAway)
}

func (a *App) ReportCameraOff() bool {
	return a.observe(domain.Signal{Type: domain.SignalCamera, CameraOn: false})
}

// SetView moves the camera preview between the call and code screens.
func (a *App) SetView(view string) error {
	if err := a.requireReady(); err != nil {
		return err
	}
	return a.controller.SetView(domain.View(view))
}

func (a *App) RequestCoding() error {
	if err := a.requireReady(); err != nil {
		return err
	}
	return a.controller.RequestCoding(a.ctx)
}

func (a *App) SubmitCode(code string, language string) (domain.CodeResult, error) {
	if err := a.requireReady(); err != nil {
		return domain.CodeResult{}, err
	}
	return a.controller.SubmitCode(a.ctx, code, language)
}

func (a *App) FinishCoding(code string, language string) (domain.CodeResult, error) {
	if err := a.requireReady(); err != nil {
		return domain.CodeResult{}, err
	}
	return a.controller.FinishCoding(a.ctx, code, language)
}

// RestartRecognition retries speech recognition after it became unavailable.
func (a *App) RestartRecognition() error {
	if err := a.requireReady(); err != nil {
		return err
	}
	return a.controller.RestartRecognition()
}

// RetryMedia reopens the camera and microphone after a device failure.
func (a *App) RetryMedia() error {
	if err := a.requireReady(); err != nil {
		return err
	}
	return a.controller.RetryMedia()
}

func (a *App) observe(sig domain.Signal) bool {
	if a.controller == nil {
		return false
	}
	_, accepted := a.controller.Observe(sig)
	return accepted
}

func (a *App) requireReady() error {
	if a.bootErr != nil {
		return a.bootErr
	}
	if a.controller == nil {
		return fmt.Errorf("application is not initialized")
	}
	return nil
}

func (a *App) emitEvent(name string, payload interface{}) {
	if a.ctx == nil || a.emit == nil {
		return
	}
	a.emit(a.ctx, name, payload)
}

// SessionStateChanged emits session lifecycle updates to the frontend.
func (a *App) SessionStateChanged(status domain.Status) {
	message := status.Message
	if message == "" {
		message = sessionReasonMessage(status.Reason)
	}
	a.emitEvent(eventSession, map[string]interface{}{
		"status":  status,
		"message": message,
	})
}

// ViolationRecorded emits an accepted violation. Reaching the threshold
// is marked blocking so the UI can show the termination notice.
func (a *App) ViolationRecorded(event domain.ViolationEvent, count int, threshold int) {
	a.emitEvent(eventViolation, map[string]interface{}{
		"kind":      event.Kind,
		"label":     event.Kind.Label(),
		"message":   event.Message,
		"timestamp": event.Timestamp,
		"count":     count,
		"threshold": threshold,
		"blocking":  count >= threshold,
	})
}

func (a *App) QuestionChanged(question string) {
	a.emitEvent(eventQuestion, map[string]string{"question": question})
}

func (a *App) TranscriptReplaced(entries []domain.TranscriptEntry) {
	a.emitEvent(eventTranscript, entries)
}

func (a *App) AIStateReplaced(state domain.AIState) {
	a.emitEvent(eventAIState, state)
}

func (a *App) WarningsReplaced(warnings []domain.Warning) {
	a.emitEvent(eventWarning, warnings)
}

// SessionError emits backend errors to the UI.
func (a *App) SessionError(code domain.ErrorCode, detail string) {
	a.emitEvent(eventError, map[string]string{
		"code":    string(code),
		"message": errorMessage(code, detail),
		"detail":  detail,
	})
}

func sessionReasonMessage(reason domain.SessionReason) string {
	switch reason {
	case domain.SessionReasonReady:
		return "Ready to start the interview"
	case domain.SessionReasonStarted:
		return "Interview started"
	case domain.SessionReasonServerStage:
		return "Interview moved to the next stage"
	case domain.SessionReasonCallEnded:
		return "Call ended"
	case domain.SessionReasonServerConcluded:
		return "The interview has concluded"
	case domain.SessionReasonViolationThreshold:
		return "Interview terminated after repeated integrity violations"
	case domain.SessionReasonServerTerminated:
		return "Interview terminated by the server for integrity violations"
	case domain.SessionReasonReset:
		return "Interview reset"
	case domain.SessionReasonShutdown:
		return "Application closed"
	default:
		return ""
	}
}

func errorMessage(code domain.ErrorCode, detail string) string {
	switch code {
	case domain.ErrorCodeStartup:
		return "Startup failed"
	case domain.ErrorCodeDevice:
		return "Camera or microphone unavailable"
	case domain.ErrorCodeRecognition:
		return "Speech recognition issue"
	case domain.ErrorCodeNetwork:
		return "Connection to the interview server lost"
	case domain.ErrorCodeBackend:
		return "Interview server error"
	default:
		if detail == "" {
			return "Unknown error"
		}
		return detail
	}
}

// frameSink forwards camera frames of the attached handle to one view.
type frameSink struct {
	view domain.View
	emit func(name string, payload interface{})

	mu       sync.Mutex
	attached map[string]chan struct{}
}

var _ ports.VideoSink = (*frameSink)(nil)

func newFrameSink(view domain.View, emit func(name string, payload interface{})) *frameSink {
	return &frameSink{view: view, emit: emit, attached: make(map[string]chan struct{})}
}

func (s *frameSink) Name() string {
	return string(s.view)
}

func (s *frameSink) Attach(handleID string, stream ports.MediaStream) error {
	if stream == nil {
		return errors.New("no stream to attach")
	}
	s.mu.Lock()
	if _, ok := s.attached[handleID]; ok {
		s.mu.Unlock()
		return nil
	}
	stop := make(chan struct{})
	s.attached[handleID] = stop
	s.mu.Unlock()

	go s.forward(handleID, stream.Frames(), stop)
	return nil
}

func (s *frameSink) Detach(handleID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if stop, ok := s.attached[handleID]; ok {
		close(stop)
		delete(s.attached, handleID)
	}
}

func (s *frameSink) forward(handleID string, frames <-chan []byte, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case frame, ok := <-frames:
			if !ok {
				s.Detach(handleID)
				return
			}
			select {
			case <-stop:
				return
			default:
			}
			s.emit(eventFrame, map[string]string{
				"view":   string(s.view),
				"handle": handleID,
				"mime":   "image/jpeg",
				"data":   base64.StdEncoding.EncodeToString(frame),
			})
		}
	}
}
