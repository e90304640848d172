package usecase

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/rs/zerolog"

	"proctor/internal/domain"
	"proctor/internal/metrics"
	"proctor/internal/ports"
)

var (
	ErrHandleClosed      = errors.New("media handle is closed")
	ErrAcquireSuperseded = errors.New("media acquisition superseded by a later stop")
)

// MediaHandle wraps one open camera/microphone stream. A closed handle is never reopened.
type MediaHandle struct {
	id     string
	stream ports.MediaStream

	mu       sync.Mutex
	closed   bool
	closeErr error
}

func (h *MediaHandle) ID() string { return h.id }

func (h *MediaHandle) Stream() ports.MediaStream { return h.stream }

func (h *MediaHandle) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// HasVideo reports whether the stream carries a camera track.
func (h *MediaHandle) HasVideo() bool {
	return lo.ContainsBy(h.stream.Tracks(), func(track ports.MediaTrack) bool {
		return track.Kind == "video"
	})
}

// markClosed flags the handle closed and reports whether this call did so.
func (h *MediaHandle) markClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.closed = true
	return true
}

func (h *MediaHandle) stop() error {
	err := h.stream.Stop()
	h.mu.Lock()
	h.closeErr = err
	h.mu.Unlock()
	metrics.LiveMediaHandles.Dec()
	return err
}

func (h *MediaHandle) stopErr() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closeErr
}

type acquireCall struct {
	done   chan struct{}
	intent uint64
	handle *MediaHandle
	err    error
}

// MediaCaptureManager owns the single live camera/microphone handle.
type MediaCaptureManager struct {
	devices ports.MediaDevices
	logger  zerolog.Logger

	mu       sync.Mutex
	intent   uint64
	wantLive bool
	pending  *acquireCall
	current  *MediaHandle
	sink     ports.VideoSink
	live     int
}

func NewMediaCaptureManager(devices ports.MediaDevices, logger zerolog.Logger) *MediaCaptureManager {
	return &MediaCaptureManager{
		devices: devices,
		logger:  logger.With().Str("component", "media").Logger(),
	}
}

// Acquire returns the live handle, opening the devices if needed. Calls made while an
// open is in flight join it. If StopAll runs before the open resolves, the stream is
// stopped on arrival and ErrAcquireSuperseded is returned. A done ctx never opens.
func (m *MediaCaptureManager) Acquire(ctx context.Context, constraints ports.MediaConstraints) (*MediaHandle, error) {
	m.mu.Lock()
	if err := ctx.Err(); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	m.wantLive = true
	if m.current != nil && !m.current.Closed() {
		handle := m.current
		m.mu.Unlock()
		return handle, nil
	}
	if call := m.pending; call != nil {
		call.intent = m.intent
		m.mu.Unlock()
		return waitAcquire(ctx, call)
	}

	call := &acquireCall{done: make(chan struct{}), intent: m.intent}
	m.pending = call
	m.mu.Unlock()

	go m.open(call, constraints)
	return waitAcquire(ctx, call)
}

func waitAcquire(ctx context.Context, call *acquireCall) (*MediaHandle, error) {
	select {
	case <-call.done:
		return call.handle, call.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *MediaCaptureManager) open(call *acquireCall, constraints ports.MediaConstraints) {
	defer close(call.done)

	stream, err := m.devices.Open(context.Background(), constraints)

	var discard ports.MediaStream
	m.mu.Lock()
	if m.pending == call {
		m.pending = nil
	}
	switch {
	case err != nil:
		call.err = domain.NewDeviceError(err)
	case !m.wantLive || call.intent != m.intent:
		discard = stream
		call.err = ErrAcquireSuperseded
	default:
		handle := &MediaHandle{id: uuid.NewString(), stream: stream}
		m.current = handle
		m.live++
		call.handle = handle
	}
	m.mu.Unlock()

	switch {
	case err != nil:
		metrics.MediaAcquisitionsTotal.WithLabelValues("failed").Inc()
		m.logger.Warn().Err(err).Msg("media acquisition failed")
	case discard != nil:
		metrics.MediaAcquisitionsTotal.WithLabelValues("superseded").Inc()
		if stopErr := discard.Stop(); stopErr != nil {
			m.logger.Warn().Err(stopErr).Msg("failed to stop superseded stream")
		}
		m.logger.Info().Msg("acquired stream released; capture was stopped while pending")
	default:
		metrics.MediaAcquisitionsTotal.WithLabelValues("ok").Inc()
		metrics.LiveMediaHandles.Inc()
		m.logger.Info().Str("handle", call.handle.id).Msg("media acquired")
	}
}

// Release stops every track of handle. Releasing twice is a no-op.
func (m *MediaCaptureManager) Release(handle *MediaHandle) error {
	if handle == nil {
		return nil
	}
	m.mu.Lock()
	if m.current == handle {
		m.detachLocked(handle)
		m.current = nil
	}
	closing := handle.markClosed()
	if closing {
		m.live--
	}
	m.mu.Unlock()

	if !closing {
		return handle.stopErr()
	}
	err := handle.stop()
	m.logger.Info().Str("handle", handle.id).Msg("media released")
	return err
}

// StopAll records the intent to have no capture running and releases the live handle.
func (m *MediaCaptureManager) StopAll() error {
	m.mu.Lock()
	m.wantLive = false
	m.intent++
	handle := m.current
	m.mu.Unlock()

	return m.Release(handle)
}

// Attach binds handle to sink. Only one sink renders the stream at a time.
func (m *MediaCaptureManager) Attach(handle *MediaHandle, sink ports.VideoSink) error {
	return m.bind(handle, sink)
}

// SwapSink moves the stream to newSink without reopening the devices.
func (m *MediaCaptureManager) SwapSink(handle *MediaHandle, newSink ports.VideoSink) error {
	if err := m.bind(handle, newSink); err != nil {
		return err
	}
	m.logger.Debug().Str("handle", handle.id).Str("sink", newSink.Name()).Msg("video sink swapped")
	return nil
}

func (m *MediaCaptureManager) bind(handle *MediaHandle, sink ports.VideoSink) error {
	if handle == nil || sink == nil {
		return ErrHandleClosed
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if handle.Closed() || m.current != handle {
		return ErrHandleClosed
	}
	if m.sink == sink {
		return nil
	}
	m.detachLocked(handle)
	if err := sink.Attach(handle.id, handle.stream); err != nil {
		return err
	}
	m.sink = sink
	return nil
}

func (m *MediaCaptureManager) detachLocked(handle *MediaHandle) {
	if m.sink != nil {
		m.sink.Detach(handle.id)
		m.sink = nil
	}
}

// Current returns the live handle or nil.
func (m *MediaCaptureManager) Current() *MediaHandle {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil || m.current.Closed() {
		return nil
	}
	return m.current
}

// LiveCount reports how many handles are open. It never exceeds one.
func (m *MediaCaptureManager) LiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.live
}

// AudioSource exposes the live microphone for the speech engine.
func (m *MediaCaptureManager) AudioSource() (io.Reader, bool) {
	handle := m.Current()
	if handle == nil {
		return nil, false
	}
	reader := handle.stream.Audio()
	return reader, reader != nil
}
