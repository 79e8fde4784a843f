// Package metrics provides Prometheus metrics of encode sessions.
package metrics

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/xaionaro-go/hwencoder"
)

const namespace = "hwencoder"

// Metrics is shared by all the sessions given the same instance. A nil
// *Metrics records nothing.
type Metrics struct {
	FramesSubmitted    prometheus.Counter
	FramesEncoded      prometheus.Counter
	FramesDropped      prometheus.Counter
	BytesWritten       prometheus.Counter
	BackpressureDrains prometheus.Counter
	ActiveSessions     prometheus.Gauge
	Errors             *prometheus.CounterVec
	DrainWait          prometheus.Histogram
}

func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		FramesSubmitted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_submitted_total",
			Help:      "Total number of frames submitted to the hardware encoder.",
		}),
		FramesEncoded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_encoded_total",
			Help:      "Total number of encoded frames written to the output.",
		}),
		FramesDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Total number of frames dropped because their copy failed.",
		}),
		BytesWritten: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bitstream_bytes_total",
			Help:      "Total number of bitstream bytes written to the output.",
		}),
		BackpressureDrains: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backpressure_drains_total",
			Help:      "Total number of drains forced by a full buffer queue.",
		}),
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Current number of sessions with an active hardware encoder.",
		}),
		Errors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Total number of encode errors, by kind.",
		}, []string{"kind"}),
		DrainWait: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "drain_wait_seconds",
			Help:      "Time spent waiting for the hardware to complete a frame.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
		}),
	}
}

func (m *Metrics) ObserveFrameSubmitted() {
	if m == nil {
		return
	}
	m.FramesSubmitted.Inc()
}

func (m *Metrics) ObserveFrameEncoded(size int) {
	if m == nil {
		return
	}
	m.FramesEncoded.Inc()
	m.BytesWritten.Add(float64(size))
}

func (m *Metrics) ObserveFrameDropped() {
	if m == nil {
		return
	}
	m.FramesDropped.Inc()
}

func (m *Metrics) ObserveBackpressureDrain() {
	if m == nil {
		return
	}
	m.BackpressureDrains.Inc()
}

func (m *Metrics) ObserveDrainWait(d time.Duration) {
	if m == nil {
		return
	}
	m.DrainWait.Observe(d.Seconds())
}

func (m *Metrics) ObserveSessionActivated() {
	if m == nil {
		return
	}
	m.ActiveSessions.Inc()
}

func (m *Metrics) ObserveSessionReleased() {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
}

func (m *Metrics) ObserveError(err error) {
	if m == nil || err == nil {
		return
	}
	m.Errors.WithLabelValues(ErrorKind(err)).Inc()
}

// ErrorKind maps an error to a low-cardinality label value.
func ErrorKind(err error) string {
	for _, kind := range []struct {
		err  error
		name string
	}{
		{hwencoder.ErrInvalidResolution, "invalid_resolution"},
		{hwencoder.ErrEncoderInit, "encoder_init"},
		{hwencoder.ErrAllocation, "allocation"},
		{hwencoder.ErrResourceMap, "resource_map"},
		{hwencoder.ErrBackendLock, "backend_lock"},
		{hwencoder.ErrSubmission, "submission"},
		{hwencoder.ErrDrainTimeout, "drain_timeout"},
		{hwencoder.ErrTeardown, "teardown"},
		{hwencoder.ErrInvalidState, "invalid_state"},
		{hwencoder.ErrConfiguration, "configuration"},
		{context.Canceled, "canceled"},
		{context.DeadlineExceeded, "deadline_exceeded"},
	} {
		if errors.Is(err, kind.err) {
			return kind.name
		}
	}
	return "other"
}
