package usecase

import (
	"context"
	"time"

	"github.com/google/uuid"

	"proctor/internal/domain"
)

// interviewSession is the controller-owned state of one interview. It is only
// touched under SessionController.mu.
type interviewSession struct {
	id              string
	phase           domain.Phase
	reason          domain.SessionReason
	activatedAt     time.Time
	violationCount  int
	currentQuestion string

	ctx    context.Context
	cancel context.CancelFunc
}

func newInterviewSession(parent context.Context, now time.Time) *interviewSession {
	ctx, cancel := context.WithCancel(parent)
	return &interviewSession{
		id:          uuid.NewString(),
		phase:       domain.PhaseGreeting,
		reason:      domain.SessionReasonStarted,
		activatedAt: now,
		ctx:         ctx,
		cancel:      cancel,
	}
}

func (s *interviewSession) active() bool {
	return s != nil && s.phase.Active()
}

// advance moves to phase unless that would go backwards.
func (s *interviewSession) advance(phase domain.Phase, reason domain.SessionReason) bool {
	if phase == s.phase || phase.Rank() < s.phase.Rank() {
		return false
	}
	s.phase = phase
	s.reason = reason
	return true
}
