package usecase

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proctor/internal/domain"
	"proctor/internal/ports"
)

type controllerHarness struct {
	controller *SessionController
	devices    *fakeDevices
	recognizer *fakeRecognizer
	backend    *fakeBackend
	events     *fakeEventSink
}

func newHarness(t *testing.T, configure func(h *controllerHarness)) *controllerHarness {
	t.Helper()

	h := &controllerHarness{
		devices:    &fakeDevices{},
		recognizer: &fakeRecognizer{},
		backend:    newFakeBackend(),
		events:     &fakeEventSink{},
	}
	if configure != nil {
		configure(h)
	}

	h.controller = NewSessionController(
		h.devices,
		h.recognizer,
		h.backend,
		&fakePhrases{rewrites: map[string]string{"I'm ready for coding": ControlReadyForCoding}},
		h.events,
		zerolog.Nop(),
		Config{
			Media:              ports.MediaConstraints{Video: true, Audio: true},
			ViolationThreshold: 3,
			RequestTimeout:     time.Second,
			RestartDelay:       time.Millisecond,
			Detector:           DetectorConfig{Debounce: time.Second, FocusGrace: 500 * time.Millisecond},
			Sync:               fastSync(),
		},
	)
	t.Cleanup(h.controller.Shutdown)
	return h
}

func (h *controllerHarness) waitForMedia(t *testing.T) *fakeStream {
	t.Helper()
	require.Eventually(t, func() bool { return h.controller.Status().MediaLive }, time.Second, 5*time.Millisecond)
	return h.devices.stream(0)
}

func TestSessionControllerStartEntersGreeting(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	require.NoError(t, h.controller.Start(context.Background()))

	status := h.controller.Status()
	assert.Equal(t, domain.PhaseGreeting, status.Phase)
	assert.True(t, status.Active)
	assert.NotEmpty(t, status.SessionID)
	assert.True(t, status.Listening)

	states := h.events.snapshotStates()
	require.NotEmpty(t, states)
	assert.Equal(t, domain.SessionReasonStarted, states[0].Reason)
	assert.Equal(t, "Hello, I'm your interviewer.", states[0].Message)

	h.waitForMedia(t)
	assert.ErrorIs(t, h.controller.Start(context.Background()), ErrSessionActive)
}

func TestSessionControllerStartFailureStaysNotStarted(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(h *controllerHarness) {
		h.backend.startErr = errors.New("server unavailable")
	})

	err := h.controller.Start(context.Background())
	require.Error(t, err)

	status := h.controller.Status()
	assert.Equal(t, domain.PhaseNotStarted, status.Phase)
	assert.Contains(t, status.Message, "server unavailable")
	assert.Equal(t, 1, h.events.errorCount(domain.ErrorCodeStartup))
	assert.Zero(t, h.devices.openCount())
	assert.Zero(t, h.recognizer.startCount())
}

func TestSessionControllerTerminatesAtViolationThreshold(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	require.NoError(t, h.controller.Start(context.Background()))
	stream := h.waitForMedia(t)

	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		_, ok := h.controller.Observe(domain.Signal{Type: domain.SignalVisibility, Hidden: true, At: base.Add(time.Duration(i) * 2 * time.Second)})
		require.True(t, ok)
	}

	status := h.controller.Status()
	assert.Equal(t, domain.PhaseTerminatedForViolations, status.Phase)
	assert.Equal(t, domain.SessionReasonViolationThreshold, status.Reason)
	assert.Equal(t, 3, status.ViolationCount)
	assert.False(t, status.MediaLive)
	assert.False(t, status.Listening)
	assert.EqualValues(t, 1, stream.stops.Load())

	violations := h.events.snapshotViolations()
	require.Len(t, violations, 3)
	for i, v := range violations {
		assert.Equal(t, i+1, v.count)
		assert.Equal(t, 3, v.threshold)
	}

	_, ok := h.controller.Observe(domain.Signal{Type: domain.SignalVisibility, Hidden: true, At: base.Add(10 * time.Second)})
	assert.False(t, ok)
	assert.Equal(t, 3, h.controller.Status().ViolationCount)
	assert.Len(t, h.controller.Violations(), 3)

	h.controller.detector.Wait()
	h.backend.read(func(b *fakeBackend) { assert.Len(t, b.logged, 3) })
}

func TestSessionControllerConcludesWhenServerEnds(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	require.NoError(t, h.controller.Start(context.Background()))
	stream := h.waitForMedia(t)

	h.backend.set(func(b *fakeBackend) {
		b.status = domain.InterviewStatus{Active: false, Stage: domain.StageConcluded}
	})

	require.Eventually(t, func() bool {
		return h.controller.Status().Phase == domain.PhaseConcluded
	}, time.Second, 5*time.Millisecond)

	status := h.controller.Status()
	assert.Equal(t, domain.SessionReasonServerConcluded, status.Reason)
	assert.False(t, status.MediaLive)
	assert.EqualValues(t, 1, stream.stops.Load())
	assert.Zero(t, h.controller.media.LiveCount())
}

func TestSessionControllerServerTerminationWinsOverConcluded(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	require.NoError(t, h.controller.Start(context.Background()))

	h.backend.set(func(b *fakeBackend) {
		b.status = domain.InterviewStatus{Active: false, Stage: domain.StageConcluded, Status: domain.StatusTerminatedDueToViolation}
	})

	require.Eventually(t, func() bool {
		return h.controller.Status().Phase == domain.PhaseTerminatedForViolations
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, domain.SessionReasonServerTerminated, h.controller.Status().Reason)
}

func TestSessionControllerServerTerminationWinsOverStageAdvance(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(h *controllerHarness) {
		h.backend.status = domain.InterviewStatus{
			Active:          true,
			Stage:           domain.StageCodingChallenges,
			CurrentQuestion: "Reverse a string",
			Status:          domain.StatusTerminatedDueToViolation,
		}
		h.backend.question = "Reverse a string"
	})
	require.NoError(t, h.controller.Start(context.Background()))

	require.Eventually(t, func() bool {
		return h.controller.Status().Phase == domain.PhaseTerminatedForViolations
	}, time.Second, 5*time.Millisecond)

	status := h.controller.Status()
	assert.Equal(t, domain.SessionReasonServerTerminated, status.Reason)
	assert.Empty(t, status.CurrentQuestion)
	assert.Empty(t, h.events.snapshotQuestions())
	assert.False(t, lo.ContainsBy(h.events.snapshotStates(), func(s domain.Status) bool {
		return s.Phase == domain.PhaseCoding
	}))
}

func TestSessionControllerFollowsServerStagesForward(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	require.NoError(t, h.controller.Start(context.Background()))

	h.backend.set(func(b *fakeBackend) {
		b.status = domain.InterviewStatus{Active: true, Stage: domain.StageSkillQuestions}
	})
	require.Eventually(t, func() bool {
		return h.controller.Status().Phase == domain.PhaseTechnical
	}, time.Second, 5*time.Millisecond)

	h.backend.set(func(b *fakeBackend) {
		b.status = domain.InterviewStatus{Active: true, Stage: domain.StageCodingChallenges}
		b.question = "Implement an LRU cache"
	})
	require.Eventually(t, func() bool {
		return h.controller.Status().Phase == domain.PhaseCoding
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "Implement an LRU cache", h.controller.Status().CurrentQuestion)
	assert.Equal(t, []string{"Implement an LRU cache"}, h.events.snapshotQuestions())

	h.backend.set(func(b *fakeBackend) {
		b.status = domain.InterviewStatus{Active: true, Stage: domain.StageTechBackground}
	})
	assert.Never(t, func() bool {
		return h.controller.Status().Phase != domain.PhaseCoding
	}, 50*time.Millisecond, 5*time.Millisecond)
}

func TestSessionControllerEndCallWhileMediaPending(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{})
	h := newHarness(t, func(h *controllerHarness) {
		h.devices.gate = gate
	})
	require.NoError(t, h.controller.Start(context.Background()))
	require.Eventually(t, func() bool { return h.devices.openCount() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, h.controller.EndCall(context.Background()))
	assert.Equal(t, domain.PhaseConcluded, h.controller.Status().Phase)

	close(gate)
	require.Eventually(t, func() bool {
		stream := h.devices.stream(0)
		return stream != nil && stream.stops.Load() == 1
	}, time.Second, time.Millisecond)
	assert.Zero(t, h.controller.media.LiveCount())
	h.backend.read(func(b *fakeBackend) { assert.Equal(t, 1, b.ends) })
}

func TestSessionControllerEndCallWithoutSession(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	assert.ErrorIs(t, h.controller.EndCall(context.Background()), ErrNoActiveSession)
}

func TestSessionControllerResetOnlyFromTerminalPhase(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	require.NoError(t, h.controller.Reset(context.Background()))

	require.NoError(t, h.controller.Start(context.Background()))
	assert.ErrorIs(t, h.controller.Reset(context.Background()), ErrResetNotAllowed)

	h.controller.Observe(domain.Signal{Type: domain.SignalCamera, CameraOn: false})
	require.NoError(t, h.controller.EndCall(context.Background()))
	assert.ErrorIs(t, h.controller.Start(context.Background()), ErrResetRequired)

	require.NoError(t, h.controller.Reset(context.Background()))
	status := h.controller.Status()
	assert.Equal(t, domain.PhaseNotStarted, status.Phase)
	assert.Zero(t, status.ViolationCount)
	assert.Empty(t, h.controller.Violations())
	assert.True(t, lo.ContainsBy(h.events.snapshotStates(), func(s domain.Status) bool {
		return s.Reason == domain.SessionReasonReset
	}))

	require.NoError(t, h.controller.Start(context.Background()))
	assert.Zero(t, h.controller.Status().ViolationCount)
	h.backend.read(func(b *fakeBackend) {
		assert.Equal(t, 1, b.resets)
		assert.Equal(t, 2, b.starts)
	})
}

func TestSessionControllerSetViewSwapsSinkWithoutReacquiring(t *testing.T) {
	t.Parallel()

	call := &fakeSink{name: "call"}
	code := &fakeSink{name: "code"}
	h := newHarness(t, nil)
	h.controller.RegisterSink(domain.ViewCall, call)
	h.controller.RegisterSink(domain.ViewCode, code)

	require.NoError(t, h.controller.Start(context.Background()))
	h.waitForMedia(t)
	require.Eventually(t, func() bool { return call.current() != "" }, time.Second, time.Millisecond)

	require.NoError(t, h.controller.SetView(domain.ViewCode))
	assert.Empty(t, call.current())
	assert.NotEmpty(t, code.current())
	assert.Equal(t, 1, h.devices.openCount())

	assert.ErrorIs(t, h.controller.SetView("whiteboard"), ErrUnknownVideoView)
}

func TestSessionControllerDeviceFailureIsNonFatal(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(h *controllerHarness) {
		h.devices.err = domain.ErrPermissionDenied
	})
	require.NoError(t, h.controller.Start(context.Background()))

	require.Eventually(t, func() bool { return h.events.errorCount(domain.ErrorCodeDevice) == 1 }, time.Second, time.Millisecond)
	status := h.controller.Status()
	assert.True(t, status.Active)
	assert.False(t, status.MediaLive)
	assert.Equal(t, 2, h.devices.openCount())
}

func TestSessionControllerRetryMediaAfterDeviceFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(h *controllerHarness) {
		h.devices.err = domain.ErrPermissionDenied
	})
	assert.ErrorIs(t, h.controller.RetryMedia(), ErrNoActiveSession)

	require.NoError(t, h.controller.Start(context.Background()))
	require.Eventually(t, func() bool { return h.events.errorCount(domain.ErrorCodeDevice) == 1 }, time.Second, time.Millisecond)
	phase := h.controller.Status().Phase

	h.devices.set(func(d *fakeDevices) { d.err = nil })
	require.NoError(t, h.controller.RetryMedia())
	h.waitForMedia(t)

	status := h.controller.Status()
	assert.Equal(t, phase, status.Phase)
	assert.True(t, status.Active)
	assert.True(t, status.VideoLive)
	assert.Equal(t, 1, h.controller.media.LiveCount())

	require.NoError(t, h.controller.RetryMedia())
	assert.Equal(t, 1, h.controller.media.LiveCount())
}

func TestSessionControllerFallsBackToMicrophoneWithoutCamera(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(h *controllerHarness) {
		h.devices.cameraErr = domain.ErrDeviceNotFound
	})
	require.NoError(t, h.controller.Start(context.Background()))
	audioOnly := h.waitForMedia(t)

	status := h.controller.Status()
	assert.True(t, status.MediaLive)
	assert.False(t, status.VideoLive)
	assert.Equal(t, domain.PhaseGreeting, status.Phase)
	_, ok := h.controller.AudioSource()
	assert.True(t, ok)
	require.Eventually(t, func() bool { return h.events.errorCount(domain.ErrorCodeDevice) == 1 }, time.Second, time.Millisecond)

	requested := h.devices.requested()
	require.Len(t, requested, 2)
	assert.True(t, requested[0].Video)
	assert.False(t, requested[1].Video)
	assert.True(t, requested[1].Audio)

	h.devices.set(func(d *fakeDevices) { d.cameraErr = nil })
	require.NoError(t, h.controller.RetryMedia())
	require.Eventually(t, func() bool { return h.controller.Status().VideoLive }, time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 1, audioOnly.stops.Load())
	assert.Equal(t, 1, h.controller.media.LiveCount())
}

func TestSessionControllerForwardsNormalisedUtterances(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(h *controllerHarness) {
		h.recognizer.queue = []ports.RecognitionSession{
			finishedRecognition(nil, domain.TranscriptEvent{Kind: domain.TranscriptKindFinal, Text: "I'm ready for coding", IsSpeechFinal: true}),
			finishedRecognition(&domain.RecognitionError{Code: domain.RecognitionNoSpeech}),
			finishedRecognition(nil, domain.TranscriptEvent{Kind: domain.TranscriptKindFinal, Text: "I used Go at work", IsSpeechFinal: true}),
		}
	})
	require.NoError(t, h.controller.Start(context.Background()))

	require.Eventually(t, func() bool {
		var n int
		h.backend.read(func(b *fakeBackend) { n = len(b.speech) })
		return n == 2
	}, time.Second, time.Millisecond)

	h.backend.read(func(b *fakeBackend) {
		assert.Equal(t, []string{ControlReadyForCoding, "I used Go at work"}, b.speech)
	})
	assert.True(t, h.controller.Status().Listening)
}

func TestSessionControllerRecognitionUnavailable(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(h *controllerHarness) {
		h.recognizer.queue = []ports.RecognitionSession{
			finishedRecognition(&domain.RecognitionError{Code: domain.RecognitionServiceNotAllowed}),
		}
	})
	require.NoError(t, h.controller.Start(context.Background()))

	require.Eventually(t, func() bool { return h.events.errorCount(domain.ErrorCodeRecognition) == 1 }, time.Second, time.Millisecond)
	assert.False(t, h.controller.Status().Listening)
	assert.True(t, h.controller.Status().Active)

	require.NoError(t, h.controller.RestartRecognition())
	require.Eventually(t, func() bool { return h.recognizer.startCount() == 2 }, time.Second, time.Millisecond)
	assert.True(t, h.controller.Status().Listening)
}

func TestSessionControllerCodingRound(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(h *controllerHarness) {
		h.backend.codeResult = domain.CodeResult{Success: true, Output: "ok"}
	})

	_, err := h.controller.SubmitCode(context.Background(), "print(1)", "python")
	assert.ErrorIs(t, err, ErrNoActiveSession)

	require.NoError(t, h.controller.Start(context.Background()))
	require.NoError(t, h.controller.RequestCoding(context.Background()))

	result, err := h.controller.FinishCoding(context.Background(), "package main", "go")
	require.NoError(t, err)
	assert.True(t, result.Success)

	h.backend.read(func(b *fakeBackend) {
		assert.Equal(t, []string{"package main"}, b.submissions)
		assert.Equal(t, []string{ControlReadyForCoding, ControlDoneCoding}, b.speech)
	})
}

func TestSessionControllerReportFaceStatus(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.controller.ReportFaceStatus(false, false)
	assert.Empty(t, h.controller.Violations())

	require.NoError(t, h.controller.Start(context.Background()))
	h.controller.ReportFaceStatus(false, false)

	require.Len(t, h.controller.Violations(), 1)
	assert.Equal(t, domain.ViolationFaceAbsent, h.controller.Violations()[0].Kind)
	require.Eventually(t, func() bool {
		var n int
		h.backend.read(func(b *fakeBackend) { n = b.faceReports })
		return n == 1
	}, time.Second, time.Millisecond)
}
