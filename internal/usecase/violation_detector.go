package usecase

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"proctor/internal/domain"
	"proctor/internal/metrics"
)

// WarningReporter receives accepted violations for server-side logging.
type WarningReporter interface {
	LogWarning(ctx context.Context, warning domain.Warning) error
}

// DetectorConfig controls debounce windows and the monitored kinds.
type DetectorConfig struct {
	Debounce      time.Duration
	FocusGrace    time.Duration
	ReportTimeout time.Duration
	Now           func() time.Time
}

const focusLossGroup = "focus_loss"

var (
	blockedChordKeys = []string{"c", "v", "x", "a", "s", "z", "y", "u"}
	devToolsKeys     = []string{"i", "j", "c"}
)

// ViolationDetector turns raw signals into debounced violation events.
type ViolationDetector struct {
	reporter WarningReporter
	logger   zerolog.Logger
	cfg      DetectorConfig

	mu           sync.Mutex
	active       bool
	kinds        map[domain.ViolationKind]struct{}
	lastAccepted map[string]time.Time
	lastFocus    time.Time
	log          []domain.ViolationEvent
	lastMessage  string
	onViolation  func(domain.ViolationEvent)

	reports sync.WaitGroup
}

func NewViolationDetector(reporter WarningReporter, cfg DetectorConfig, logger zerolog.Logger) *ViolationDetector {
	if cfg.Debounce <= 0 {
		cfg.Debounce = time.Second
	}
	if cfg.FocusGrace < 0 {
		cfg.FocusGrace = 500 * time.Millisecond
	}
	if cfg.ReportTimeout <= 0 {
		cfg.ReportTimeout = 5 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &ViolationDetector{
		reporter:     reporter,
		logger:       logger.With().Str("component", "detector").Logger(),
		cfg:          cfg,
		lastAccepted: make(map[string]time.Time),
	}
}

// OnViolation registers the receiver for accepted events.
func (d *ViolationDetector) OnViolation(fn func(domain.ViolationEvent)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onViolation = fn
}

// Start enables detection for kinds. An empty list monitors every kind.
func (d *ViolationDetector) Start(kinds []domain.ViolationKind) {
	if len(kinds) == 0 {
		kinds = domain.AllViolationKinds()
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.active = true
	d.kinds = lo.SliceToMap(kinds, func(kind domain.ViolationKind) (domain.ViolationKind, struct{}) {
		return kind, struct{}{}
	})
}

// Stop disables detection. The log is kept until Reset.
func (d *ViolationDetector) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.active = false
}

// Reset clears the log and debounce state.
func (d *ViolationDetector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.log = nil
	d.lastMessage = ""
	d.lastFocus = time.Time{}
	d.lastAccepted = make(map[string]time.Time)
}

// Observe classifies sig and returns the accepted event, if any.
func (d *ViolationDetector) Observe(sig domain.Signal) (domain.ViolationEvent, bool) {
	at := sig.At
	if at.IsZero() {
		at = d.cfg.Now()
	}

	d.mu.Lock()
	if !d.active {
		d.mu.Unlock()
		return domain.ViolationEvent{}, false
	}
	if sig.Type == domain.SignalFocus {
		d.lastFocus = at
		d.mu.Unlock()
		return domain.ViolationEvent{}, false
	}

	kind, ok := classifySignal(sig)
	if !ok {
		d.mu.Unlock()
		return domain.ViolationEvent{}, false
	}
	if _, enabled := d.kinds[kind]; !enabled {
		d.mu.Unlock()
		return domain.ViolationEvent{}, false
	}
	if kind == domain.ViolationWindowBlur && !d.lastFocus.IsZero() && at.Sub(d.lastFocus) < d.cfg.FocusGrace {
		d.mu.Unlock()
		d.logger.Debug().Msg("blur right after focus ignored")
		return domain.ViolationEvent{}, false
	}

	group := debounceGroup(kind)
	if last, seen := d.lastAccepted[group]; seen && at.Sub(last) < d.cfg.Debounce {
		d.mu.Unlock()
		return domain.ViolationEvent{}, false
	}
	d.lastAccepted[group] = at

	event := domain.ViolationEvent{
		Kind:      kind,
		Timestamp: at,
		Message:   fmt.Sprintf("Warning: %s detected at %s", kind.Label(), at.Format("15:04:05")),
	}
	d.log = append(d.log, event)
	d.lastMessage = event.Message
	fn := d.onViolation
	d.mu.Unlock()

	metrics.ViolationsTotal.WithLabelValues(string(kind)).Inc()
	d.logger.Info().Str("kind", string(kind)).Msg("violation accepted")
	d.report(event)

	if fn != nil {
		fn(event)
	}
	return event, true
}

// Log returns a copy of the accepted events in order.
func (d *ViolationDetector) Log() []domain.ViolationEvent {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]domain.ViolationEvent(nil), d.log...)
}

// LastMessage returns the message of the most recent accepted event.
func (d *ViolationDetector) LastMessage() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastMessage
}

// Wait blocks until in-flight warning reports finish.
func (d *ViolationDetector) Wait() {
	d.reports.Wait()
}

func (d *ViolationDetector) report(event domain.ViolationEvent) {
	if d.reporter == nil {
		return
	}
	warning := domain.Warning{
		Type:      string(event.Kind),
		Timestamp: event.Timestamp.UTC().Format(time.RFC3339),
		Message:   event.Message,
	}

	d.reports.Add(1)
	go func() {
		defer d.reports.Done()
		ctx, cancel := context.WithTimeout(context.Background(), d.cfg.ReportTimeout)
		defer cancel()
		if err := d.reporter.LogWarning(ctx, warning); err != nil {
			d.logger.Warn().Err(err).Str("kind", warning.Type).Msg("failed to report warning")
		}
	}()
}

func classifySignal(sig domain.Signal) (domain.ViolationKind, bool) {
	switch sig.Type {
	case domain.SignalVisibility:
		return domain.ViolationTabSwitch, sig.Hidden
	case domain.SignalBlur:
		return domain.ViolationWindowBlur, true
	case domain.SignalPointerLeave:
		return domain.ViolationMouseLeaveTop, sig.ClientY <= 0
	case domain.SignalKeyDown:
		return domain.ViolationSuspiciousShortcut, restrictedChord(sig)
	case domain.SignalFace:
		if !sig.FacePresent {
			return domain.ViolationFaceAbsent, true
		}
		return domain.ViolationGazeAway, sig.GazeAway
	case domain.SignalCamera:
		return domain.ViolationCameraOff, !sig.CameraOn
	default:
		return "", false
	}
}

func restrictedChord(sig domain.Signal) bool {
	key := strings.ToLower(sig.Key)
	if key == "f12" {
		return true
	}
	if !sig.Ctrl && !sig.Meta {
		return false
	}
	if sig.Shift && lo.Contains(devToolsKeys, key) {
		return true
	}
	return lo.Contains(blockedChordKeys, key)
}

// Blur and hidden-visibility fire together on a tab switch; they share a window
// so one action counts once.
func debounceGroup(kind domain.ViolationKind) string {
	switch kind {
	case domain.ViolationTabSwitch, domain.ViolationWindowBlur:
		return focusLossGroup
	default:
		return string(kind)
	}
}
