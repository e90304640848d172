package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ViolationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proctor_violations_total",
			Help: "Accepted integrity violations",
		},
		[]string{"kind"},
	)

	PollFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proctor_poll_failures_total",
			Help: "Failed backend polls",
		},
		[]string{"loop"},
	)

	RecognizerRestartsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "proctor_recognizer_restarts_total",
			Help: "Automatic speech recognizer restarts",
		},
	)

	PhaseTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proctor_phase_transitions_total",
			Help: "Interview phase transitions by target phase",
		},
		[]string{"phase"},
	)

	MediaAcquisitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proctor_media_acquisitions_total",
			Help: "Camera/microphone acquisitions by outcome",
		},
		[]string{"outcome"},
	)

	LiveMediaHandles = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "proctor_live_media_handles",
			Help: "Open camera/microphone handles",
		},
	)
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
