// Package metrics holds the Prometheus collectors for the relay pipeline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	FramesCaptured = promauto.NewCounter(prometheus.CounterOpts{
		Name: "camrelay_frames_captured_total",
		Help: "Frames read from camera sources and published to a frame bus",
	})

	// FramesDropped counts frames that never reached inference, by reason
	// ("evicted", "superseded", "pending", "rate").
	FramesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "camrelay_frames_dropped_total",
		Help: "Frames discarded before inference by reason",
	}, []string{"reason"})

	FramesProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "camrelay_frames_processed_total",
		Help: "Frames that completed the pipeline",
	})

	InferenceDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "camrelay_inference_duration_seconds",
		Help:    "Wall time of successful inference calls",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.2, 0.35, 0.5, 1, 2},
	})

	InferenceFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "camrelay_inference_failures_total",
		Help: "Failed inference calls by kind",
	}, []string{"kind"})

	ResultsDelivered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "camrelay_results_total",
		Help: "Inference results handed to result channels by outcome",
	}, []string{"outcome"})

	CameraReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "camrelay_camera_reconnects_total",
		Help: "Camera reconnection attempts",
	})

	CameraTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "camrelay_camera_state_transitions_total",
		Help: "Camera reader state transitions by target state",
	}, []string{"state"})

	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "camrelay_sessions_active",
		Help: "Sessions currently held by the registry",
	})
)

// IncFramesDropped records n dropped frames for reason.
func IncFramesDropped(reason string, n int) {
	if n <= 0 {
		return
	}
	if reason == "" {
		reason = "unknown"
	}
	FramesDropped.WithLabelValues(reason).Add(float64(n))
}

// ObserveInference records a successful inference duration.
func ObserveInference(d time.Duration) {
	InferenceDuration.Observe(d.Seconds())
}

// IncInferenceFailure records a failed inference call.
func IncInferenceFailure(kind string) {
	InferenceFailures.WithLabelValues(kind).Inc()
}

// IncResult records the outcome of handing a result to a client channel.
func IncResult(delivered bool) {
	outcome := "dropped"
	if delivered {
		outcome = "queued"
	}
	ResultsDelivered.WithLabelValues(outcome).Inc()
}

// IncCameraTransition records a reader state change.
func IncCameraTransition(state string) {
	CameraTransitions.WithLabelValues(state).Inc()
}
