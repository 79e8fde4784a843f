package metrics

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/hwencoder"
)

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveFrameSubmitted()
	m.ObserveFrameSubmitted()
	m.ObserveFrameEncoded(100)
	m.ObserveFrameEncoded(28)
	m.ObserveFrameDropped()
	m.ObserveBackpressureDrain()
	m.ObserveDrainWait(time.Millisecond)
	m.ObserveSessionActivated()
	m.ObserveError(fmt.Errorf("oops: %w", hwencoder.ErrDrainTimeout))
	m.ObserveError(nil)

	require.Equal(t, 2.0, testutil.ToFloat64(m.FramesSubmitted))
	require.Equal(t, 2.0, testutil.ToFloat64(m.FramesEncoded))
	require.Equal(t, 128.0, testutil.ToFloat64(m.BytesWritten))
	require.Equal(t, 1.0, testutil.ToFloat64(m.FramesDropped))
	require.Equal(t, 1.0, testutil.ToFloat64(m.BackpressureDrains))
	require.Equal(t, 1.0, testutil.ToFloat64(m.ActiveSessions))
	require.Equal(t, 1.0, testutil.ToFloat64(m.Errors.WithLabelValues("drain_timeout")))
	require.Equal(t, 1, testutil.CollectAndCount(m.DrainWait))

	m.ObserveSessionReleased()
	require.Zero(t, testutil.ToFloat64(m.ActiveSessions))
}

func TestMetricsNil(t *testing.T) {
	var m *Metrics
	require.NotPanics(t, func() {
		m.ObserveFrameSubmitted()
		m.ObserveFrameEncoded(1)
		m.ObserveError(errors.New("x"))
		m.ObserveSessionActivated()
	})
}

func TestErrorKind(t *testing.T) {
	require.Equal(t, "encoder_init", ErrorKind(&hwencoder.EncoderInitError{
		Reason: hwencoder.EncoderInitReasonSessionInUse,
		Err:    errors.New("busy"),
	}))
	require.Equal(t, "invalid_resolution", ErrorKind(fmt.Errorf("%w: 4097x100", hwencoder.ErrInvalidResolution)))
	require.Equal(t, "other", ErrorKind(errors.New("x")))
}
