package usecase

import (
	"context"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"proctor/internal/domain"
	"proctor/internal/ports"
)

type fakeDevices struct {
	mu          sync.Mutex
	gate        chan struct{}
	err         error
	cameraErr   error
	opens       int
	constraints []ports.MediaConstraints
	streams     []*fakeStream
}

func (f *fakeDevices) Open(_ context.Context, constraints ports.MediaConstraints) (ports.MediaStream, error) {
	f.mu.Lock()
	f.opens++
	f.constraints = append(f.constraints, constraints)
	gate := f.gate
	err := f.err
	if err == nil && constraints.Video {
		err = f.cameraErr
	}
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}

	stream := newFakeStream(constraints.Video)
	f.mu.Lock()
	f.streams = append(f.streams, stream)
	f.mu.Unlock()
	return stream, nil
}

func (f *fakeDevices) openCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens
}

func (f *fakeDevices) set(fn func(d *fakeDevices)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeDevices) requested() []ports.MediaConstraints {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ports.MediaConstraints(nil), f.constraints...)
}

func (f *fakeDevices) stream(i int) *fakeStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= len(f.streams) {
		return nil
	}
	return f.streams[i]
}

type fakeStream struct {
	video  bool
	frames chan []byte
	stops  atomic.Int32
	once   sync.Once
}

func newFakeStream(video bool) *fakeStream {
	return &fakeStream{video: video, frames: make(chan []byte)}
}

func (s *fakeStream) Tracks() []ports.MediaTrack {
	if !s.video {
		return []ports.MediaTrack{{Kind: "audio", Label: "fake mic"}}
	}
	return []ports.MediaTrack{{Kind: "video", Label: "fake camera"}, {Kind: "audio", Label: "fake mic"}}
}

func (s *fakeStream) Audio() io.Reader { return strings.NewReader("pcm") }

func (s *fakeStream) Frames() <-chan []byte { return s.frames }

func (s *fakeStream) Stop() error {
	s.stops.Add(1)
	s.once.Do(func() { close(s.frames) })
	return nil
}

type fakeSink struct {
	name string

	mu       sync.Mutex
	attached string
	attaches int
	detaches int
}

func (s *fakeSink) Name() string { return s.name }

func (s *fakeSink) Attach(handleID string, _ ports.MediaStream) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attached = handleID
	s.attaches++
	return nil
}

func (s *fakeSink) Detach(handleID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attached == handleID {
		s.attached = ""
	}
	s.detaches++
}

func (s *fakeSink) current() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attached
}

type fakeRecognitionSession struct {
	events chan domain.TranscriptEvent
	done   chan struct{}
	err    error

	once  sync.Once
	stops atomic.Int32
}

// finishedRecognition ends on its own after delivering events.
func finishedRecognition(err error, events ...domain.TranscriptEvent) *fakeRecognitionSession {
	s := &fakeRecognitionSession{
		events: make(chan domain.TranscriptEvent, len(events)),
		done:   make(chan struct{}),
		err:    err,
	}
	for _, event := range events {
		s.events <- event
	}
	s.finish()
	return s
}

// idleRecognition listens until stopped.
func idleRecognition() *fakeRecognitionSession {
	return &fakeRecognitionSession{
		events: make(chan domain.TranscriptEvent),
		done:   make(chan struct{}),
	}
}

func (s *fakeRecognitionSession) finish() {
	s.once.Do(func() {
		close(s.events)
		close(s.done)
	})
}

func (s *fakeRecognitionSession) Events() <-chan domain.TranscriptEvent { return s.events }

func (s *fakeRecognitionSession) Wait() error {
	<-s.done
	return s.err
}

func (s *fakeRecognitionSession) Stop() error {
	s.stops.Add(1)
	s.finish()
	return nil
}

type fakeRecognizer struct {
	mu       sync.Mutex
	queue    []ports.RecognitionSession
	starts   int
	sessions []ports.RecognitionSession
}

func (f *fakeRecognizer) Start(_ context.Context) (ports.RecognitionSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++

	var session ports.RecognitionSession
	if len(f.queue) > 0 {
		session = f.queue[0]
		f.queue = f.queue[1:]
	} else {
		session = idleRecognition()
	}
	f.sessions = append(f.sessions, session)
	return session, nil
}

func (f *fakeRecognizer) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts
}

func (f *fakeRecognizer) session(i int) ports.RecognitionSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= len(f.sessions) {
		return nil
	}
	return f.sessions[i]
}

type fakeBackend struct {
	mu sync.Mutex

	startErr      error
	status        domain.InterviewStatus
	statusErr     error
	statusGate    chan struct{}
	question      string
	transcript    []domain.TranscriptEntry
	transcriptErr error
	aiState       domain.AIState
	warnings      []domain.Warning
	codeResult    domain.CodeResult

	starts         int
	ends           int
	resets         int
	statusCalls    int
	statusInFlight int
	statusMaxIn    int
	speech         []string
	logged         []domain.Warning
	faceReports    int
	submissions    []string
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{status: domain.InterviewStatus{Active: true, Stage: domain.StageGreeting}}
}

func (f *fakeBackend) StartInterview(_ context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	if f.startErr != nil {
		return "", f.startErr
	}
	return "Hello, I'm your interviewer.", nil
}

func (f *fakeBackend) EndInterview(_ context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ends++
	return "Interview ended", nil
}

func (f *fakeBackend) ResetInterview(_ context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
	return "Interview reset", nil
}

func (f *fakeBackend) Status(ctx context.Context) (domain.InterviewStatus, error) {
	f.mu.Lock()
	f.statusCalls++
	f.statusInFlight++
	if f.statusInFlight > f.statusMaxIn {
		f.statusMaxIn = f.statusInFlight
	}
	gate := f.statusGate
	f.mu.Unlock()

	if gate != nil {
		<-gate
	} else {
		time.Sleep(time.Millisecond)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusInFlight--
	if err := ctx.Err(); err != nil && gate == nil {
		return domain.InterviewStatus{}, err
	}
	return f.status, f.statusErr
}

func (f *fakeBackend) CurrentCodingQuestion(_ context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.question, nil
}

func (f *fakeBackend) ProcessSpeech(_ context.Context, text string) (map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.speech = append(f.speech, text)
	return map[string]any{"response": "ok"}, nil
}

func (f *fakeBackend) SubmitCode(_ context.Context, code string, _ string) (domain.CodeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submissions = append(f.submissions, code)
	return f.codeResult, nil
}

func (f *fakeBackend) Transcript(_ context.Context) ([]domain.TranscriptEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.transcriptErr != nil {
		return nil, f.transcriptErr
	}
	return append([]domain.TranscriptEntry(nil), f.transcript...), nil
}

func (f *fakeBackend) AIState(_ context.Context) (domain.AIState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.aiState, nil
}

func (f *fakeBackend) Warnings(_ context.Context) ([]domain.Warning, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.Warning(nil), f.warnings...), nil
}

func (f *fakeBackend) LogWarning(_ context.Context, warning domain.Warning) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logged = append(f.logged, warning)
	return nil
}

func (f *fakeBackend) FaceStatus(_ context.Context, _ bool, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faceReports++
	return nil
}

func (f *fakeBackend) set(fn func(b *fakeBackend)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeBackend) read(fn func(b *fakeBackend)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

type fakePhrases struct {
	rewrites map[string]string
	err      error
}

func (f *fakePhrases) Apply(text string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	if out, ok := f.rewrites[text]; ok {
		return out, nil
	}
	return text, nil
}

type violationRecord struct {
	event     domain.ViolationEvent
	count     int
	threshold int
}

type errEvent struct {
	code   domain.ErrorCode
	detail string
}

type fakeEventSink struct {
	mu          sync.Mutex
	states      []domain.Status
	violations  []violationRecord
	questions   []string
	transcripts [][]domain.TranscriptEntry
	aiStates    []domain.AIState
	warnings    [][]domain.Warning
	errors      []errEvent
}

func (f *fakeEventSink) SessionStateChanged(status domain.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states = append(f.states, status)
}

func (f *fakeEventSink) ViolationRecorded(event domain.ViolationEvent, count int, threshold int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.violations = append(f.violations, violationRecord{event: event, count: count, threshold: threshold})
}

func (f *fakeEventSink) QuestionChanged(question string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.questions = append(f.questions, question)
}

func (f *fakeEventSink) TranscriptReplaced(entries []domain.TranscriptEntry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transcripts = append(f.transcripts, entries)
}

func (f *fakeEventSink) AIStateReplaced(state domain.AIState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aiStates = append(f.aiStates, state)
}

func (f *fakeEventSink) WarningsReplaced(warnings []domain.Warning) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.warnings = append(f.warnings, warnings)
}

func (f *fakeEventSink) SessionError(code domain.ErrorCode, detail string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errors = append(f.errors, errEvent{code: code, detail: detail})
}

func (f *fakeEventSink) snapshotStates() []domain.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.Status(nil), f.states...)
}

func (f *fakeEventSink) snapshotErrors() []errEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]errEvent(nil), f.errors...)
}

func (f *fakeEventSink) errorCount(code domain.ErrorCode) int {
	n := 0
	for _, e := range f.snapshotErrors() {
		if e.code == code {
			n++
		}
	}
	return n
}

func (f *fakeEventSink) snapshotViolations() []violationRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]violationRecord(nil), f.violations...)
}

func (f *fakeEventSink) snapshotQuestions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.questions...)
}

func (f *fakeEventSink) transcriptCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.transcripts)
}
