// Package session implements the hardware encode session: it copies GPU
// textures into the encoder's input buffers, submits them and drains the
// produced bitstream into the output sink in submission order.
package session

import (
	"context"
	"fmt"

	"github.com/asticode/go-astikit"
	"github.com/davecgh/go-spew/spew"
	"github.com/facebookincubator/go-belt/tool/experimental/errmon"
	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/google/uuid"
	"github.com/xaionaro-go/hwencoder"
	"github.com/xaionaro-go/hwencoder/backend"
	"github.com/xaionaro-go/hwencoder/bufferqueue"
	"github.com/xaionaro-go/hwencoder/gpu"
	"github.com/xaionaro-go/hwencoder/internal"
	"github.com/xaionaro-go/hwencoder/metrics"
	"github.com/xaionaro-go/hwencoder/sink"
	"github.com/xaionaro-go/xsync"
)

type Session struct {
	Statistics
	Locker xsync.Mutex
	ID     uuid.UUID

	device    gpu.Device
	backend   backend.Backend
	openSink  sink.Opener
	metrics   *metrics.Metrics
	queueOpts []bufferqueue.Option

	state   State
	failure error
	config  *hwencoder.EncodeConfig
	sink    sink.Sink
	staging gpu.Texture
	queue   *bufferqueue.Queue
	closer  *astikit.Closer
}

var _ hwencoder.Encoder = (*Session)(nil)

type Option func(*Session)

// OptionSinkOpener replaces the file sink.
func OptionSinkOpener(opener sink.Opener) Option {
	return func(s *Session) {
		s.openSink = opener
	}
}

func OptionMetrics(m *metrics.Metrics) Option {
	return func(s *Session) {
		s.metrics = m
	}
}

func OptionQueueObserver(observer bufferqueue.TransitionObserver) Option {
	return func(s *Session) {
		s.queueOpts = append(s.queueOpts, bufferqueue.OptionTransitionObserver(observer))
	}
}

// New creates a session in the Uninitialized state. The hardware is not
// touched until the first frame is submitted.
func New(
	ctx context.Context,
	device gpu.Device,
	encoderBackend backend.Backend,
	opts ...Option,
) *Session {
	s := &Session{
		ID:       uuid.New(),
		device:   device,
		backend:  encoderBackend,
		openSink: sink.OpenFileSink,
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx = s.ctx(ctx)
	internal.SetFinalizer(ctx, s, func(s *Session) {
		if s.state == StateReleased || (s.state == StateUninitialized && s.sink == nil) {
			return
		}
		logger.Errorf(ctx, "the session was not flushed before being garbage collected")
		if err := s.flushNoLock(ctx); err != nil {
			errmon.ObserveErrorCtx(ctx, err)
		}
	})
	return s
}

func (s *Session) ctx(ctx context.Context) context.Context {
	id := s.ID.String()
	if s.config != nil {
		if name, ok := hwencoder.GetCustomOption[hwencoder.SessionName](s.config.CustomOptions); ok {
			id = string(name)
		}
	}
	return logger.CtxWithLogger(ctx, logger.FromCtx(ctx).WithField("session_id", id))
}

// Err returns the fatal error that released the session, if any. It is
// cleared by Configure.
func (s *Session) Err(ctx context.Context) error {
	return xsync.DoR1(ctx, &s.Locker, func() error {
		return s.failure
	})
}

func (s *Session) State(ctx context.Context) State {
	return xsync.DoR1(ctx, &s.Locker, func() State {
		return s.state
	})
}

// Configure validates the config and opens the output sink. It starts a new
// recording if the session was already flushed.
func (s *Session) Configure(
	ctx context.Context,
	cfg hwencoder.EncodeConfig,
) (_err error) {
	ctx = s.ctx(ctx)
	logger.Debugf(ctx, "Configure(ctx, '%s', %dx%d)", cfg.OutputPath, cfg.Width, cfg.Height)
	defer func() {
		logger.Debugf(ctx, "/Configure(ctx, '%s', %dx%d): %v", cfg.OutputPath, cfg.Width, cfg.Height, _err)
		s.metrics.ObserveError(_err)
	}()
	return xsync.DoA2R1(ctx, &s.Locker, s.configureNoLock, ctx, cfg)
}

func (s *Session) configureNoLock(
	ctx context.Context,
	cfg hwencoder.EncodeConfig,
) error {
	switch s.state {
	case StateUninitialized, StateReleased:
	default:
		return fmt.Errorf("%w: unable to configure a session in state %s", hwencoder.ErrInvalidState, s.state)
	}

	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}
	if logger.FromCtx(ctx).Level() >= logger.LevelTrace {
		logger.Tracef(ctx, "config: %s", spew.Sdump(cfg))
	}

	out, err := s.openSink(ctx, cfg.OutputPath)
	if err != nil {
		return fmt.Errorf("%w: unable to open the output '%s': %w", hwencoder.ErrConfiguration, cfg.OutputPath, err)
	}
	if s.state == StateUninitialized && s.sink != nil {
		if err := s.sink.Abort(); err != nil {
			logger.Errorf(ctx, "unable to abort the previously configured output: %v", err)
		}
	}

	s.sink = out
	s.config = &cfg
	s.failure = nil
	s.state = StateUninitialized
	return nil
}
