package usecase

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"proctor/internal/domain"
	"proctor/internal/metrics"
	"proctor/internal/ports"
)

const (
	loopStatus     = "status"
	loopAIState    = "ai_state"
	loopTranscript = "transcript"
)

// SyncConfig sets the cadence of each polling loop.
type SyncConfig struct {
	StatusInterval     time.Duration
	AIStateInterval    time.Duration
	TranscriptInterval time.Duration
	RequestTimeout     time.Duration
}

type syncState struct {
	status     domain.InterviewStatus
	transcript []domain.TranscriptEntry
	aiState    domain.AIState
	warnings   []domain.Warning
	stale      map[string]bool
}

// BackendSync polls the interview server while a session is live. Each loop
// keeps at most one request in flight and replaces its slice of state whole.
type BackendSync struct {
	backend ports.InterviewBackend
	events  ports.EventSink
	cfg     SyncConfig
	logger  zerolog.Logger

	mu         sync.Mutex
	running    bool
	generation uint64
	cancel     context.CancelFunc
	done       chan struct{}
	state      syncState
	onStatus   func(domain.InterviewStatus)
}

func NewBackendSync(backend ports.InterviewBackend, events ports.EventSink, cfg SyncConfig, logger zerolog.Logger) *BackendSync {
	if cfg.StatusInterval <= 0 {
		cfg.StatusInterval = 3 * time.Second
	}
	if cfg.AIStateInterval <= 0 {
		cfg.AIStateInterval = 500 * time.Millisecond
	}
	if cfg.TranscriptInterval <= 0 {
		cfg.TranscriptInterval = 3 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 5 * time.Second
	}
	return &BackendSync{
		backend: backend,
		events:  events,
		cfg:     cfg,
		logger:  logger.With().Str("component", "sync").Logger(),
		state:   syncState{stale: map[string]bool{}},
	}
}

// OnStatus registers the receiver for every successfully applied status poll.
func (b *BackendSync) OnStatus(fn func(domain.InterviewStatus)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onStatus = fn
}

// Start launches the polling loops. A running set of loops is stopped first.
func (b *BackendSync) Start(ctx context.Context) {
	b.mu.Lock()
	b.stopLocked()
	b.generation++
	gen := b.generation
	runCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.running = true
	done := make(chan struct{})
	b.done = done
	b.mu.Unlock()

	group, groupCtx := errgroup.WithContext(runCtx)
	group.Go(func() error { return b.loop(groupCtx, gen, loopStatus, b.cfg.StatusInterval, b.pollStatus) })
	group.Go(func() error { return b.loop(groupCtx, gen, loopAIState, b.cfg.AIStateInterval, b.pollAIState) })
	group.Go(func() error { return b.loop(groupCtx, gen, loopTranscript, b.cfg.TranscriptInterval, b.pollTranscript) })

	go func() {
		defer close(done)
		_ = group.Wait()
	}()
}

// Stop cancels the loops without waiting. Responses that land afterwards are
// discarded.
func (b *BackendSync) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopLocked()
}

func (b *BackendSync) stopLocked() {
	if !b.running {
		return
	}
	b.running = false
	b.generation++
	b.cancel()
	b.cancel = nil
}

// Wait blocks until the most recently started loops have exited.
func (b *BackendSync) Wait() {
	b.mu.Lock()
	done := b.done
	b.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Clear drops all synced state.
func (b *BackendSync) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = syncState{stale: map[string]bool{}}
}

func (b *BackendSync) LastStatus() domain.InterviewStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state.status
}

func (b *BackendSync) Transcript() []domain.TranscriptEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]domain.TranscriptEntry(nil), b.state.transcript...)
}

func (b *BackendSync) AIState() domain.AIState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state.aiState
}

func (b *BackendSync) Warnings() []domain.Warning {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]domain.Warning(nil), b.state.warnings...)
}

// Stale reports whether any loop's last poll failed.
func (b *BackendSync) Stale() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, stale := range b.state.stale {
		if stale {
			return true
		}
	}
	return false
}

type pollFunc func(ctx context.Context, gen uint64) error

func (b *BackendSync) loop(ctx context.Context, gen uint64, name string, interval time.Duration, poll pollFunc) error {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}

		reqCtx, cancel := context.WithTimeout(ctx, b.cfg.RequestTimeout)
		err := poll(reqCtx, gen)
		cancel()
		if err != nil && ctx.Err() == nil {
			b.markStale(gen, name, err)
		}

		timer.Reset(interval)
	}
}

// apply runs fn against the state if gen is still the live generation.
func (b *BackendSync) apply(gen uint64, loop string, fn func(state *syncState)) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if gen != b.generation || !b.running {
		return false
	}
	fn(&b.state)
	b.state.stale[loop] = false
	return true
}

func (b *BackendSync) markStale(gen uint64, loop string, err error) {
	metrics.PollFailuresTotal.WithLabelValues(loop).Inc()

	b.mu.Lock()
	if gen != b.generation || !b.running {
		b.mu.Unlock()
		return
	}
	first := !b.state.stale[loop]
	b.state.stale[loop] = true
	b.mu.Unlock()

	b.logger.Warn().Err(err).Str("loop", loop).Msg("poll failed; keeping last known state")
	if first {
		b.events.SessionError(domain.ErrorCodeNetwork, fmt.Sprintf("%s poll failed: %v", loop, err))
	}
}

func (b *BackendSync) pollStatus(ctx context.Context, gen uint64) error {
	status, err := b.backend.Status(ctx)
	if err != nil {
		return fmt.Errorf("interview status: %w", err)
	}

	if status.Active && status.Stage == domain.StageCodingChallenges && status.CurrentQuestion == "" {
		question, qErr := b.backend.CurrentCodingQuestion(ctx)
		if qErr != nil {
			b.logger.Debug().Err(qErr).Msg("coding question not available yet")
		}
		status.CurrentQuestion = question
	}

	var fn func(domain.InterviewStatus)
	if !b.apply(gen, loopStatus, func(state *syncState) {
		state.status = status
		fn = b.onStatus
	}) {
		return nil
	}
	if fn != nil {
		fn(status)
	}
	return nil
}

func (b *BackendSync) pollAIState(ctx context.Context, gen uint64) error {
	aiState, err := b.backend.AIState(ctx)
	if err != nil {
		return fmt.Errorf("ai state: %w", err)
	}
	if b.apply(gen, loopAIState, func(state *syncState) { state.aiState = aiState }) {
		b.events.AIStateReplaced(aiState)
	}
	return nil
}

func (b *BackendSync) pollTranscript(ctx context.Context, gen uint64) error {
	transcript, err := b.backend.Transcript(ctx)
	if err != nil {
		return fmt.Errorf("transcript: %w", err)
	}
	if b.apply(gen, loopTranscript, func(state *syncState) { state.transcript = transcript }) {
		b.events.TranscriptReplaced(transcript)
	}

	warnings, err := b.backend.Warnings(ctx)
	if err != nil {
		return fmt.Errorf("warnings: %w", err)
	}
	if b.apply(gen, loopTranscript, func(state *syncState) { state.warnings = warnings }) {
		b.events.WarningsReplaced(warnings)
	}
	return nil
}
