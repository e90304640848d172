package main

import (
	"fmt"
	"io"
	"sync"

	"proctor/internal/domain"
)

// watchPrinter is the event sink for `proctorctl watch`. It prints only
// slices that differ from what it last printed.
type watchPrinter struct {
	out    io.Writer
	asJSON bool

	mu         sync.Mutex
	lastStatus *domain.InterviewStatus
	lastAI     *domain.AIState
	transcript int
	warnings   int
}

func (p *watchPrinter) status(status domain.InterviewStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lastStatus != nil && *p.lastStatus == status {
		return
	}
	p.lastStatus = &status
	if p.asJSON {
		_ = writeJSON(p.out, map[string]any{"status": status})
		return
	}
	fmt.Fprintf(p.out, "[status] active=%t stage=%s", status.Active, status.Stage)
	if status.Status != "" {
		fmt.Fprintf(p.out, " status=%s", status.Status)
	}
	fmt.Fprintln(p.out)
}

func (p *watchPrinter) SessionStateChanged(domain.Status)                 {}
func (p *watchPrinter) ViolationRecorded(domain.ViolationEvent, int, int) {}

func (p *watchPrinter) QuestionChanged(question string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, "[question] %s\n", question)
}

// TranscriptReplaced prints only entries appended since the last poll.
func (p *watchPrinter) TranscriptReplaced(entries []domain.TranscriptEntry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(entries) < p.transcript {
		p.transcript = 0
	}
	for _, entry := range entries[p.transcript:] {
		if p.asJSON {
			_ = writeJSON(p.out, map[string]any{"transcript": entry})
			continue
		}
		fmt.Fprintf(p.out, "[%s] %s\n", entry.Speaker, entry.Message)
	}
	p.transcript = len(entries)
}

func (p *watchPrinter) AIStateReplaced(state domain.AIState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lastAI != nil && *p.lastAI == state {
		return
	}
	p.lastAI = &state
	if p.asJSON {
		_ = writeJSON(p.out, map[string]any{"aiState": state})
		return
	}
	fmt.Fprintf(p.out, "[ai] speaking=%t listening=%t\n", state.Speaking, state.Listening)
}

func (p *watchPrinter) WarningsReplaced(warnings []domain.Warning) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(warnings) < p.warnings {
		p.warnings = 0
	}
	for _, w := range warnings[p.warnings:] {
		if p.asJSON {
			_ = writeJSON(p.out, map[string]any{"warning": w})
			continue
		}
		fmt.Fprintf(p.out, "[warning] %s %s\n", w.Type, w.Message)
	}
	p.warnings = len(warnings)
}

func (p *watchPrinter) SessionError(code domain.ErrorCode, detail string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, "[error] %s: %s\n", code, detail)
}
