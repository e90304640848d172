package ports

import (
	"context"
	"io"

	"proctor/internal/domain"
)

// MediaConstraints describes which capture tracks are requested.
type MediaConstraints struct {
	Video       bool
	Audio       bool
	VideoDevice string
	AudioDevice string
	AudioFormat string
	Width       int
	Height      int
	FrameRate   int
	SampleRate  int
	Channels    int
}

// MediaTrack describes one live capture track.
type MediaTrack struct {
	Kind  string
	Label string
}

// MediaStream is an open camera/microphone capture.
type MediaStream interface {
	Tracks() []MediaTrack
	// Audio returns microphone PCM, or nil when no audio track was requested.
	Audio() io.Reader
	// Frames yields encoded camera frames until the stream stops.
	Frames() <-chan []byte
	Stop() error
}

// MediaDevices opens capture hardware. One Open call is one permission prompt.
type MediaDevices interface {
	Open(ctx context.Context, constraints MediaConstraints) (MediaStream, error)
}

// VideoSink renders a live stream. Views attach read-only.
type VideoSink interface {
	Name() string
	Attach(handleID string, stream MediaStream) error
	Detach(handleID string)
}

// RecognitionSession is one utterance span of a speech engine.
type RecognitionSession interface {
	Events() <-chan domain.TranscriptEvent
	// Wait blocks until the span ends. A nil error is a normal end of utterance.
	Wait() error
	Stop() error
}

// Recognizer starts recognition sessions.
type Recognizer interface {
	Start(ctx context.Context) (RecognitionSession, error)
}

// AudioSource yields the live microphone reader, if any.
type AudioSource func() (io.Reader, bool)

// PhraseNormalizer rewrites recognised text before it is sent to the backend.
type PhraseNormalizer interface {
	Apply(text string) (string, error)
}

// InterviewBackend is the request/response contract of the interview server.
type InterviewBackend interface {
	StartInterview(ctx context.Context) (string, error)
	EndInterview(ctx context.Context) (string, error)
	ResetInterview(ctx context.Context) (string, error)
	Status(ctx context.Context) (domain.InterviewStatus, error)
	CurrentCodingQuestion(ctx context.Context) (string, error)
	ProcessSpeech(ctx context.Context, text string) (map[string]any, error)
	SubmitCode(ctx context.Context, code string, language string) (domain.CodeResult, error)
	Transcript(ctx context.Context) ([]domain.TranscriptEntry, error)
	AIState(ctx context.Context) (domain.AIState, error)
	Warnings(ctx context.Context) ([]domain.Warning, error)
	LogWarning(ctx context.Context, warning domain.Warning) error
	FaceStatus(ctx context.Context, facePresent bool, gazeAway bool) error
}

// EventSink emits backend state/events to the UI.
type EventSink interface {
	SessionStateChanged(status domain.Status)
	ViolationRecorded(event domain.ViolationEvent, count int, threshold int)
	QuestionChanged(question string)
	TranscriptReplaced(entries []domain.TranscriptEntry)
	AIStateReplaced(state domain.AIState)
	WarningsReplaced(warnings []domain.Warning)
	SessionError(code domain.ErrorCode, detail string)
}
