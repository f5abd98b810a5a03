package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for verification sessions.
type Metrics struct {
	MatchDistance    prometheus.Histogram
	MarkOutcomes     *prometheus.CounterVec
	DetectLatency    prometheus.Histogram
	DetectErrors     prometheus.Counter
	FramesProcessed  prometheus.Counter
	ActiveSessions   prometheus.Gauge
	SessionsOpened   *prometheus.CounterVec
	EnrollmentsSaved *prometheus.CounterVec
}

// New registers all metrics with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		MatchDistance: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "attendai_match_distance",
			Help:    "Euclidean distance between live descriptor and enrolled template",
			Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.55, 0.6, 0.65, 0.7, 0.8, 1, 1.5},
		}),
		MarkOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "attendai_mark_outcomes_total",
			Help: "Mark attendance attempts by outcome",
		}, []string{"outcome"}),
		DetectLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "attendai_detect_duration_seconds",
			Help:    "Duration of a single face detection call",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}),
		DetectErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "attendai_detect_errors_total",
			Help: "Face detection calls that failed",
		}),
		FramesProcessed: f.NewCounter(prometheus.CounterOpts{
			Name: "attendai_frames_processed_total",
			Help: "Camera frames passed through the detector",
		}),
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "attendai_active_sessions",
			Help: "Verification sessions currently open",
		}),
		SessionsOpened: f.NewCounterVec(prometheus.CounterOpts{
			Name: "attendai_sessions_opened_total",
			Help: "Verification sessions opened by result",
		}, []string{"result"}),
		EnrollmentsSaved: f.NewCounterVec(prometheus.CounterOpts{
			Name: "attendai_enrollments_total",
			Help: "Template enrollments by source and result",
		}, []string{"source", "result"}),
	}
}

// ObserveDistance records a match distance.
func (m *Metrics) ObserveDistance(d float64) {
	if m != nil {
		m.MatchDistance.Observe(d)
	}
}

// IncrementOutcome counts a mark attempt outcome.
func (m *Metrics) IncrementOutcome(outcome string) {
	if m != nil {
		m.MarkOutcomes.WithLabelValues(outcome).Inc()
	}
}

// ObserveDetection records one detector call.
func (m *Metrics) ObserveDetection(took time.Duration, err error) {
	if m == nil {
		return
	}
	m.FramesProcessed.Inc()
	m.DetectLatency.Observe(took.Seconds())
	if err != nil {
		m.DetectErrors.Inc()
	}
}

// SessionOpened counts an open attempt and tracks the active gauge.
func (m *Metrics) SessionOpened(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.SessionsOpened.WithLabelValues("ok").Inc()
		m.ActiveSessions.Inc()
		return
	}
	m.SessionsOpened.WithLabelValues("capability_unavailable").Inc()
}

// SessionClosed decrements the active gauge.
func (m *Metrics) SessionClosed() {
	if m != nil {
		m.ActiveSessions.Dec()
	}
}

// IncrementEnrollment counts an enrollment attempt.
func (m *Metrics) IncrementEnrollment(source string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.EnrollmentsSaved.WithLabelValues(source, result).Inc()
}
