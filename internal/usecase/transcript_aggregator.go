package usecase

import (
	"strings"

	"proctor/internal/domain"
)

// utteranceAssembler collects recogniser output for one utterance span. It is
// owned by a single watch goroutine.
type utteranceAssembler struct {
	finals     []string
	lastSpoken string
}

func newUtteranceAssembler() *utteranceAssembler {
	return &utteranceAssembler{}
}

// Add records event and returns the completed utterance once the engine marks
// the end of speech.
func (a *utteranceAssembler) Add(event domain.TranscriptEvent) (string, bool) {
	text := strings.TrimSpace(event.Text)
	if text != "" {
		a.lastSpoken = text
		if event.Kind == domain.TranscriptKindFinal {
			a.finals = append(a.finals, text)
		}
	}
	if event.IsSpeechFinal {
		return a.Flush()
	}
	return "", false
}

// Flush returns whatever has been heard since the last utterance and resets.
func (a *utteranceAssembler) Flush() (string, bool) {
	text := a.text()
	a.finals = nil
	a.lastSpoken = ""
	return text, text != ""
}

func (a *utteranceAssembler) text() string {
	joined := strings.TrimSpace(strings.Join(a.finals, " "))
	switch {
	case joined == "":
		return a.lastSpoken
	case a.lastSpoken == "", strings.HasSuffix(joined, a.lastSpoken):
		return joined
	case len(a.lastSpoken) > len(joined):
		return strings.TrimSpace(joined + " " + a.lastSpoken)
	default:
		return joined
	}
}
