package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Roles used as the "role" label.
const (
	RoleEncoder = "encoder"
	RoleDecoder = "decoder"
)

var (
	// Frame flow
	framesSubmittedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hwcodec_frames_submitted_total",
		Help: "Total frames or bitstream units submitted to the hardware codec",
	}, []string{"role"})

	framesEmittedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hwcodec_frames_emitted_total",
		Help: "Total encoded or decoded frames delivered to callbacks",
	}, []string{"role", "frame_type"})

	framesDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hwcodec_frames_dropped_total",
		Help: "Total submitted frames that never produced output",
	}, []string{"role", "reason"})

	emittedBytesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hwcodec_emitted_bytes_total",
		Help: "Total encoded bytes delivered to callbacks",
	}, []string{"role"})

	parameterSetPrependsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hwcodec_parameter_set_prepends_total",
		Help: "Total times cached SPS/PPS were emitted ahead of a keyframe",
	})

	pendingMetadata = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "hwcodec_pending_metadata",
		Help: "Frames submitted to the device whose output has not been drained",
	}, []string{"role"})

	// Encoder control
	reconfigurationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hwcodec_reconfigurations_total",
		Help: "Total device (re)configurations",
	}, []string{"role", "reason"})

	configureDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "hwcodec_configure_duration_seconds",
		Help:    "Time spent pushing a format to the device",
		Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8), // 100µs to ~1.6s
	}, []string{"role"})

	refreshRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hwcodec_refresh_requests_total",
		Help: "Total keyframe refresh requests sent to the encoder",
	}, []string{"reason"})

	targetBitrate = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hwcodec_encoder_target_bitrate_bps",
		Help: "Current encoder target bitrate in bits per second",
	})

	targetFramerate = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hwcodec_encoder_target_framerate",
		Help: "Current quantized encoder framerate",
	})

	// Drain loop
	drainErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hwcodec_drain_errors_total",
		Help: "Total errors raised while draining device output",
	}, []string{"role", "type"})

	drainLoopsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "hwcodec_drain_loops_active",
		Help: "Number of running output drain loops",
	}, []string{"role"})

	// Reservation
	reservationAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hwcodec_reservation_attempts_total",
		Help: "Total reservation attempts by outcome",
	}, []string{"role", "backend", "result"})

	reservationHeld = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "hwcodec_reservation_held",
		Help: "1 while this process holds the reservation for a role",
	}, []string{"role"})

	// RTP output
	rtpPacketsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hwcodec_rtp_packets_total",
		Help: "Total RTP packets produced from encoder output",
	})

	rtpBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hwcodec_rtp_bytes_total",
		Help: "Total RTP payload bytes produced from encoder output",
	})

	rtcpFeedbackTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hwcodec_rtcp_feedback_total",
		Help: "Total RTCP keyframe feedback messages received",
	}, []string{"type"})
)

// RecordFrameSubmitted counts one submission to the device.
func RecordFrameSubmitted(role string) {
	framesSubmittedTotal.WithLabelValues(role).Inc()
}

// RecordFrameEmitted counts one callback delivery.
func RecordFrameEmitted(role, frameType string, bytes int) {
	framesEmittedTotal.WithLabelValues(role, frameType).Inc()
	emittedBytesTotal.WithLabelValues(role).Add(float64(bytes))
}

// RecordFrameDropped counts a submitted frame that produced no output.
func RecordFrameDropped(role, reason string) {
	framesDroppedTotal.WithLabelValues(role, reason).Inc()
}

// RecordParameterSetPrepend counts an emission of cached parameter sets.
func RecordParameterSetPrepend() {
	parameterSetPrependsTotal.Inc()
}

// SetPendingMetadata sets the number of in-flight frames for a role.
func SetPendingMetadata(role string, n int) {
	pendingMetadata.WithLabelValues(role).Set(float64(n))
}

// RecordReconfiguration counts a device configuration and its latency.
func RecordReconfiguration(role, reason string, seconds float64) {
	reconfigurationsTotal.WithLabelValues(role, reason).Inc()
	configureDuration.WithLabelValues(role).Observe(seconds)
}

// RecordRefreshRequest counts a keyframe request pushed to the encoder.
func RecordRefreshRequest(reason string) {
	refreshRequestsTotal.WithLabelValues(reason).Inc()
}

// SetEncoderTargets publishes the current rate targets.
func SetEncoderTargets(bitrateKbps, framerate int) {
	targetBitrate.Set(float64(bitrateKbps) * 1000)
	targetFramerate.Set(float64(framerate))
}

// RecordDrainError counts an error seen by a drain loop.
func RecordDrainError(role, errType string) {
	drainErrorsTotal.WithLabelValues(role, errType).Inc()
}

// DrainLoopStarted marks a drain loop as running.
func DrainLoopStarted(role string) {
	drainLoopsActive.WithLabelValues(role).Inc()
}

// DrainLoopStopped marks a drain loop as exited.
func DrainLoopStopped(role string) {
	drainLoopsActive.WithLabelValues(role).Dec()
}

// RecordReservationAttempt counts a reservation attempt. result is
// "acquired", "busy" or "error".
func RecordReservationAttempt(role, backend, result string) {
	reservationAttemptsTotal.WithLabelValues(role, backend, result).Inc()
}

// SetReservationHeld publishes whether this process holds the role.
func SetReservationHeld(role string, held bool) {
	v := 0.0
	if held {
		v = 1
	}
	reservationHeld.WithLabelValues(role).Set(v)
}

// RecordRTPPackets counts packets produced for one encoded frame.
func RecordRTPPackets(packets, payloadBytes int) {
	rtpPacketsTotal.Add(float64(packets))
	rtpBytesTotal.Add(float64(payloadBytes))
}

// RecordRTCPFeedback counts one keyframe feedback message ("pli" or "fir").
func RecordRTCPFeedback(feedbackType string) {
	rtcpFeedbackTotal.WithLabelValues(feedbackType).Inc()
}
