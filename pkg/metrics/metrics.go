package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

var (
	registry       *prometheus.Registry
	registryOnce   sync.Once
	metricsEnabled = true

	// Session metrics
	SessionsActive  prometheus.Gauge
	SessionsTotal   prometheus.Counter
	SessionDuration prometheus.Histogram

	// Relay metrics
	RelayFramesForwarded *prometheus.CounterVec
	RelayBytesForwarded  *prometheus.CounterVec
	RelayErrors          *prometheus.CounterVec
	RelayHandshakeTime   prometheus.Histogram

	// Audio buffer metrics
	AudioChunksBuffered *prometheus.CounterVec
	AudioChunksDropped  *prometheus.CounterVec

	// Risk scoring metrics
	ScoringEvaluations  *prometheus.CounterVec
	ScoringLatency      *prometheus.HistogramVec
	ClassifierRequests  *prometheus.CounterVec
	ClassifierLatency   prometheus.Histogram
	ScamAlertsRaised    prometheus.Counter
	ScoringsDiscarded   prometheus.Counter
	TranscriptTurnCount prometheus.Counter

	// AMQP metrics
	AMQPPublishedMessages *prometheus.CounterVec
	AMQPConnectionStatus  prometheus.Gauge
)

// Init initializes all metrics and registers them with Prometheus
func Init(logger *logrus.Logger) {
	registryOnce.Do(func() {
		registry = prometheus.NewRegistry()

		SessionsActive = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "callguard_sessions_active",
				Help: "Number of active call sessions",
			},
		)

		SessionsTotal = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "callguard_sessions_total",
				Help: "Total number of call sessions created",
			},
		)

		SessionDuration = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "callguard_session_duration_seconds",
				Help:    "Duration of call sessions",
				Buckets: prometheus.ExponentialBuckets(1, 2, 15), // 1s to ~9 hours
			},
		)

		RelayFramesForwarded = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callguard_relay_frames_forwarded_total",
				Help: "Total number of audio frames forwarded by the relay",
			},
			[]string{"direction"},
		)

		RelayBytesForwarded = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callguard_relay_bytes_forwarded_total",
				Help: "Total number of audio payload bytes forwarded by the relay",
			},
			[]string{"direction"},
		)

		RelayErrors = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callguard_relay_errors_total",
				Help: "Total number of relay transport errors",
			},
			[]string{"stage"},
		)

		RelayHandshakeTime = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "callguard_relay_handshake_seconds",
				Help:    "Time taken to establish the voice agent connection",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 10), // 10ms to ~10s
			},
		)

		AudioChunksBuffered = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callguard_audio_chunks_buffered_total",
				Help: "Total number of audio chunks appended to stream buffers",
			},
			[]string{"direction"},
		)

		AudioChunksDropped = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callguard_audio_chunks_dropped_total",
				Help: "Total number of audio chunks dropped due to buffer caps",
			},
			[]string{"direction", "reason"},
		)

		ScoringEvaluations = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callguard_scoring_evaluations_total",
				Help: "Total number of risk scoring evaluations by source",
			},
			[]string{"source"},
		)

		ScoringLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "callguard_scoring_latency_seconds",
				Help:    "Latency of risk scoring evaluations",
				Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
			},
			[]string{"source"},
		)

		ClassifierRequests = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callguard_classifier_requests_total",
				Help: "Total number of Tier 2 classifier requests by outcome",
			},
			[]string{"status"},
		)

		ClassifierLatency = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "callguard_classifier_latency_seconds",
				Help:    "Latency of Tier 2 classifier requests",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
			},
		)

		ScamAlertsRaised = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "callguard_scam_alerts_total",
				Help: "Total number of scam alerts raised",
			},
		)

		ScoringsDiscarded = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "callguard_scorings_discarded_total",
				Help: "Total number of scoring results discarded after session close",
			},
		)

		TranscriptTurnCount = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "callguard_transcript_turns_total",
				Help: "Total number of transcript turns appended",
			},
		)

		AMQPPublishedMessages = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callguard_amqp_published_messages_total",
				Help: "Total number of messages published to AMQP",
			},
			[]string{"queue", "status"},
		)

		AMQPConnectionStatus = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "callguard_amqp_connection_status",
				Help: "AMQP connection status (1 = connected, 0 = disconnected)",
			},
		)

		registry.MustRegister(
			SessionsActive,
			SessionsTotal,
			SessionDuration,
			RelayFramesForwarded,
			RelayBytesForwarded,
			RelayErrors,
			RelayHandshakeTime,
			AudioChunksBuffered,
			AudioChunksDropped,
			ScoringEvaluations,
			ScoringLatency,
			ClassifierRequests,
			ClassifierLatency,
			ScamAlertsRaised,
			ScoringsDiscarded,
			TranscriptTurnCount,
			AMQPPublishedMessages,
			AMQPConnectionStatus,
		)

		logger.Info("Prometheus metrics initialized")
	})
}

// GetRegistry returns the Prometheus registry, or nil if metrics are not initialized
func GetRegistry() *prometheus.Registry {
	return registry
}

// SetMetricsEnabled enables or disables metrics collection
func SetMetricsEnabled(enabled bool) {
	metricsEnabled = enabled
}

// RecordRelayFrame records a forwarded audio frame
func RecordRelayFrame(direction string, bytes int) {
	if metricsEnabled && RelayFramesForwarded != nil {
		RelayFramesForwarded.WithLabelValues(direction).Inc()
		RelayBytesForwarded.WithLabelValues(direction).Add(float64(bytes))
	}
}

// ObserveHandshake records the time taken to establish a relay connection
func ObserveHandshake(duration time.Duration) {
	if metricsEnabled && RelayHandshakeTime != nil {
		RelayHandshakeTime.Observe(duration.Seconds())
	}
}

// RecordRelayError records a relay transport error
func RecordRelayError(stage string) {
	if metricsEnabled && RelayErrors != nil {
		RelayErrors.WithLabelValues(stage).Inc()
	}
}

// RecordChunkBuffered records an audio chunk appended to a stream buffer
func RecordChunkBuffered(direction string) {
	if metricsEnabled && AudioChunksBuffered != nil {
		AudioChunksBuffered.WithLabelValues(direction).Inc()
	}
}

// RecordChunkDropped records audio chunks dropped due to a buffer cap
func RecordChunkDropped(direction, reason string, count int) {
	if metricsEnabled && AudioChunksDropped != nil {
		AudioChunksDropped.WithLabelValues(direction, reason).Add(float64(count))
	}
}

// ObserveScoring records a scoring evaluation with a timer function
func ObserveScoring(source string) func() {
	if !metricsEnabled || ScoringEvaluations == nil {
		return func() {}
	}

	start := time.Now()
	return func() {
		ScoringEvaluations.WithLabelValues(source).Inc()
		ScoringLatency.WithLabelValues(source).Observe(time.Since(start).Seconds())
	}
}

// RecordClassifierRequest records a Tier 2 classifier request outcome
func RecordClassifierRequest(status string, duration time.Duration) {
	if metricsEnabled && ClassifierRequests != nil {
		ClassifierRequests.WithLabelValues(status).Inc()
		ClassifierLatency.Observe(duration.Seconds())
	}
}

// RecordScamAlert records a raised scam alert
func RecordScamAlert() {
	if metricsEnabled && ScamAlertsRaised != nil {
		ScamAlertsRaised.Inc()
	}
}

// RecordScoringDiscarded records a scoring result discarded after session close
func RecordScoringDiscarded() {
	if metricsEnabled && ScoringsDiscarded != nil {
		ScoringsDiscarded.Inc()
	}
}

// RecordTranscriptTurn records an appended transcript turn
func RecordTranscriptTurn() {
	if metricsEnabled && TranscriptTurnCount != nil {
		TranscriptTurnCount.Inc()
	}
}

// RecordAMQPPublish records metrics for an AMQP publish
func RecordAMQPPublish(queue, status string) {
	if metricsEnabled && AMQPPublishedMessages != nil {
		AMQPPublishedMessages.WithLabelValues(queue, status).Inc()
	}
}

// SetAMQPConnectionStatus sets the AMQP connection status
func SetAMQPConnectionStatus(connected bool) {
	if !metricsEnabled || AMQPConnectionStatus == nil {
		return
	}
	if connected {
		AMQPConnectionStatus.Set(1)
	} else {
		AMQPConnectionStatus.Set(0)
	}
}

// StartSessionTimer returns a function that records the session duration when called
func StartSessionTimer() func() {
	if !metricsEnabled || SessionsActive == nil {
		return func() {}
	}

	SessionsActive.Inc()
	SessionsTotal.Inc()
	start := time.Now()
	return func() {
		SessionsActive.Dec()
		SessionDuration.Observe(time.Since(start).Seconds())
	}
}
