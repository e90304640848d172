package usecase

import (
	"context"
	"fmt"
	"strings"

	"proctor/internal/domain"
	"proctor/internal/ports"
)

// Control messages understood by the interview server.
const (
	ControlReadyForCoding = "ready_for_coding"
	ControlDoneCoding     = "done_coding"
)

// utteranceForwarder normalises a recognised utterance and hands it to the backend.
type utteranceForwarder struct {
	phrases ports.PhraseNormalizer
	backend ports.InterviewBackend
	events  ports.EventSink
}

func newUtteranceForwarder(phrases ports.PhraseNormalizer, backend ports.InterviewBackend, events ports.EventSink) utteranceForwarder {
	return utteranceForwarder{phrases: phrases, backend: backend, events: events}
}

// Forward sends text to the backend, returning what was actually sent. A
// normaliser failure falls back to the raw text.
func (f utteranceForwarder) Forward(ctx context.Context, raw string) (string, error) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return "", nil
	}

	if f.phrases != nil {
		normalized, err := f.phrases.Apply(text)
		if err != nil {
			f.events.SessionError(domain.ErrorCodeRecognition, fmt.Sprintf("phrase rules failed: %v", err))
		} else if strings.TrimSpace(normalized) != "" {
			text = strings.TrimSpace(normalized)
		}
	}

	if _, err := f.backend.ProcessSpeech(ctx, text); err != nil {
		f.events.SessionError(domain.ErrorCodeBackend, fmt.Sprintf("failed to deliver speech: %v", err))
		return text, err
	}
	return text, nil
}
