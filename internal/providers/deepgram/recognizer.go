package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"proctor/internal/domain"
	"proctor/internal/ports"
)

const closeGrace = 2 * time.Second

// Config controls Deepgram websocket settings.
type Config struct {
	APIKey           string
	APIBaseURL       string
	Model            string
	Language         string
	SmartFormat      bool
	Encoding         string
	SampleRate       int
	Channels         int
	ChunkSize        int
	UtteranceTimeout time.Duration
}

// Recognizer implements ports.Recognizer on the Deepgram live API. Each
// session covers one utterance and ends after the engine reports speech_final.
type Recognizer struct {
	cfg    Config
	audio  ports.AudioSource
	dialer *websocket.Dialer
	logger zerolog.Logger

	mu   sync.Mutex
	feed *audioFeed
}

func NewRecognizer(cfg Config, audio ports.AudioSource, logger zerolog.Logger) *Recognizer {
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = "https://api.deepgram.com/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "nova-2"
	}
	if cfg.Encoding == "" {
		cfg.Encoding = "linear16"
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}
	if cfg.UtteranceTimeout <= 0 {
		cfg.UtteranceTimeout = 8 * time.Second
	}
	return &Recognizer{
		cfg:    cfg,
		audio:  audio,
		dialer: websocket.DefaultDialer,
		logger: logger.With().Str("component", "deepgram").Logger(),
	}
}

func (r *Recognizer) Start(ctx context.Context) (ports.RecognitionSession, error) {
	if strings.TrimSpace(r.cfg.APIKey) == "" {
		return nil, &domain.RecognitionError{Code: domain.RecognitionServiceNotAllowed, Err: errors.New("DEEPGRAM_API_KEY is not configured")}
	}

	feed, err := r.currentFeed()
	if err != nil {
		return nil, err
	}

	wsURL, err := buildListenURL(r.cfg)
	if err != nil {
		return nil, &domain.RecognitionError{Code: domain.RecognitionServiceNotAllowed, Err: err}
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+r.cfg.APIKey)

	conn, resp, err := r.dialer.DialContext(ctx, wsURL, headers)
	if err != nil {
		return nil, classifyDialError(resp, err)
	}

	session := newRecognitionSession(conn, feed, r.cfg.UtteranceTimeout)
	go func() {
		select {
		case <-ctx.Done():
			_ = session.Stop()
		case <-session.done:
		}
	}()
	return session, nil
}

// currentFeed returns the feed for the live microphone, starting a new one when
// the microphone changed or the previous stream ended.
func (r *Recognizer) currentFeed() (*audioFeed, error) {
	var reader io.Reader
	ok := false
	if r.audio != nil {
		reader, ok = r.audio()
	}
	if !ok || reader == nil {
		return nil, &domain.RecognitionError{Code: domain.RecognitionAborted, Err: errors.New("microphone is not ready")}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.feed == nil || r.feed.source != reader {
		r.feed = startAudioFeed(reader, r.cfg.ChunkSize)
	} else if r.feed.closed() {
		return nil, &domain.RecognitionError{Code: domain.RecognitionAudioCapture, Err: r.feed.Err()}
	}
	return r.feed, nil
}

func classifyDialError(resp *http.Response, err error) error {
	if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
		return &domain.RecognitionError{
			Code: domain.RecognitionNotAllowed,
			Err:  fmt.Errorf("deepgram rejected credentials (%s): %w", resp.Status, err),
		}
	}
	return &domain.RecognitionError{
		Code: domain.RecognitionNetwork,
		Err:  fmt.Errorf("failed to connect to Deepgram websocket: %w", err),
	}
}

type recognitionSession struct {
	conn    *websocket.Conn
	feed    *audioFeed
	timeout time.Duration

	events      chan domain.TranscriptEvent
	activity    chan struct{}
	speechFinal chan struct{}
	stop        chan struct{}
	done        chan struct{}

	wg sync.WaitGroup

	errMu sync.Mutex
	err   error

	stopOnce  sync.Once
	finalOnce sync.Once
	closing   chan struct{}
	closeOnce sync.Once
}

func newRecognitionSession(conn *websocket.Conn, feed *audioFeed, timeout time.Duration) *recognitionSession {
	s := &recognitionSession{
		conn:        conn,
		feed:        feed,
		timeout:     timeout,
		events:      make(chan domain.TranscriptEvent, 64),
		activity:    make(chan struct{}, 1),
		speechFinal: make(chan struct{}),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
		closing:     make(chan struct{}),
	}

	s.wg.Add(2)
	go s.readLoop()
	go s.writeLoop()
	go func() {
		s.wg.Wait()
		close(s.events)
		_ = conn.Close()
		close(s.done)
	}()
	return s
}

func (s *recognitionSession) Events() <-chan domain.TranscriptEvent {
	return s.events
}

func (s *recognitionSession) Wait() error {
	<-s.done
	return s.waitErr()
}

// Stop abandons the session without waiting for the engine.
func (s *recognitionSession) Stop() error {
	s.stopOnce.Do(func() {
		close(s.stop)
		s.markClosing()
		_ = s.conn.Close()
	})
	return nil
}

func (s *recognitionSession) stopped() bool {
	select {
	case <-s.stop:
		return true
	default:
		return false
	}
}

func (s *recognitionSession) markClosing() {
	s.closeOnce.Do(func() { close(s.closing) })
}

func (s *recognitionSession) isClosing() bool {
	select {
	case <-s.closing:
		return true
	default:
		return false
	}
}

func (s *recognitionSession) waitErr() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *recognitionSession) setErr(err error) {
	if err == nil {
		return
	}
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (s *recognitionSession) writeLoop() {
	defer s.wg.Done()

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-s.closing:
			return
		case <-s.speechFinal:
			s.closeStream()
			return
		case <-timer.C:
			s.setErr(&domain.RecognitionError{Code: domain.RecognitionNoSpeech, Err: errors.New("no speech detected")})
			s.closeStream()
			return
		case <-s.activity:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(s.timeout)
		case chunk := <-s.feed.chunks:
			if err := s.conn.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
				if !s.stopped() {
					s.setErr(&domain.RecognitionError{Code: domain.RecognitionNetwork, Err: fmt.Errorf("failed to send audio: %w", err)})
				}
				s.markClosing()
				_ = s.conn.Close()
				return
			}
		case <-s.feed.done:
			s.setErr(&domain.RecognitionError{Code: domain.RecognitionAudioCapture, Err: s.feed.Err()})
			s.closeStream()
			return
		}
	}
}

// closeStream asks Deepgram to flush and bounds how long the reader waits for it.
func (s *recognitionSession) closeStream() {
	s.markClosing()
	if err := s.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"CloseStream"}`)); err != nil {
		_ = s.conn.Close()
		return
	}
	_ = s.conn.SetReadDeadline(time.Now().Add(closeGrace))
}

func (s *recognitionSession) readLoop() {
	defer s.wg.Done()

	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			if !s.isClosing() && !expectedClose(err) {
				s.setErr(&domain.RecognitionError{Code: domain.RecognitionNetwork, Err: fmt.Errorf("failed to read provider event: %w", err)})
			}
			s.markClosing()
			_ = s.conn.Close()
			return
		}

		var response deepgramResponse
		if err := json.Unmarshal(payload, &response); err != nil {
			continue
		}

		if strings.EqualFold(response.Type, "Error") {
			message := strings.TrimSpace(response.Message)
			if message == "" {
				message = "deepgram returned an unknown error"
			}
			s.setErr(&domain.RecognitionError{Code: domain.RecognitionNetwork, Err: errors.New(message)})
			s.markClosing()
			_ = s.conn.Close()
			return
		}

		transcript := extractTranscript(response)
		if transcript != "" {
			event := domain.TranscriptEvent{Text: transcript, IsSpeechFinal: response.SpeechFinal}
			if response.IsFinal || response.SpeechFinal {
				event.Kind = domain.TranscriptKindFinal
			} else {
				event.Kind = domain.TranscriptKindPartial
			}
			s.emit(event)
			select {
			case s.activity <- struct{}{}:
			default:
			}
		}

		if response.SpeechFinal && transcript != "" {
			s.finalOnce.Do(func() { close(s.speechFinal) })
		}
	}
}

func expectedClose(err error) bool {
	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
	) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// emit waits for the consumer so a slow reader never loses a final result.
func (s *recognitionSession) emit(event domain.TranscriptEvent) {
	select {
	case s.events <- event:
	case <-s.stop:
	}
}

type deepgramResponse struct {
	Type        string `json:"type"`
	Message     string `json:"message"`
	IsFinal     bool   `json:"is_final"`
	SpeechFinal bool   `json:"speech_final"`

	Channel struct {
		Alternatives []struct {
			Transcript string `json:"transcript"`
		} `json:"alternatives"`
	} `json:"channel"`
}

func extractTranscript(response deepgramResponse) string {
	if len(response.Channel.Alternatives) == 0 {
		return ""
	}
	return strings.TrimSpace(response.Channel.Alternatives[0].Transcript)
}

func buildListenURL(cfg Config) (string, error) {
	base := strings.TrimSpace(cfg.APIBaseURL)
	if base == "" {
		base = "https://api.deepgram.com/v1"
	}

	if strings.HasPrefix(base, "https://") {
		base = "wss://" + strings.TrimPrefix(base, "https://")
	} else if strings.HasPrefix(base, "http://") {
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	base = strings.TrimRight(base, "/")

	listenURL, err := url.Parse(base + "/listen")
	if err != nil {
		return "", fmt.Errorf("invalid Deepgram API base URL: %w", err)
	}

	query := listenURL.Query()
	query.Set("model", cfg.Model)
	query.Set("encoding", cfg.Encoding)
	query.Set("sample_rate", fmt.Sprintf("%d", cfg.SampleRate))
	query.Set("channels", fmt.Sprintf("%d", cfg.Channels))
	query.Set("interim_results", "true")
	query.Set("smart_format", fmt.Sprintf("%t", cfg.SmartFormat))
	if cfg.Language != "" {
		query.Set("language", cfg.Language)
	}
	listenURL.RawQuery = query.Encode()
	return listenURL.String(), nil
}
