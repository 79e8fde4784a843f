package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/hashicorp/go-multierror"
	"github.com/xaionaro-go/hwencoder"
	"github.com/xaionaro-go/hwencoder/backend"
	"github.com/xaionaro-go/xcontext"
	"github.com/xaionaro-go/xsync"
)

// Flush drains every submitted frame and releases the hardware encoder. The
// resources are released even if draining fails or times out. Flushing a
// released session is a no-op.
func (s *Session) Flush(ctx context.Context) (_err error) {
	ctx = s.ctx(ctx)
	logger.Debugf(ctx, "Flush")
	defer func() {
		logger.Debugf(ctx, "/Flush: %v", _err)
		s.metrics.ObserveError(_err)
	}()
	return xsync.DoR1(ctx, &s.Locker, func() error {
		return s.flushNoLock(ctx)
	})
}

func (s *Session) flushNoLock(ctx context.Context) error {
	switch s.state {
	case StateReleased, StateFlushing:
		return nil
	case StateUninitialized, StateConfiguring:
		var err error
		if s.sink != nil {
			err = s.sink.Close()
			s.sink = nil
		}
		s.state = StateReleased
		if err != nil {
			return fmt.Errorf("%w: unable to close the output: %w", hwencoder.ErrTeardown, err)
		}
		return nil
	}

	s.state = StateFlushing
	var result *multierror.Error
	if err := s.drainAll(ctx, time.Now().Add(s.config.FlushTimeout)); err != nil {
		result = multierror.Append(result, err)
	}
	if err := s.teardown(ctx); err != nil {
		result = multierror.Append(result, err)
	}
	s.state = StateReleased
	return result.ErrorOrNil()
}

// drainAll requests the end of stream and drains every pending slot within
// the deadline.
func (s *Session) drainAll(
	ctx context.Context,
	deadline time.Time,
) (_err error) {
	logger.Debugf(ctx, "drainAll: %d frames pending", s.queue.PendingCount())
	defer func() { logger.Debugf(ctx, "/drainAll: %v", _err) }()

	eos := s.queue.EndOfStream()
	eosErr := s.backend.FlushEncoderQueue(ctx, eos.Signal)
	if eosErr != nil {
		logger.Errorf(ctx, "unable to request the end of stream: %v", eosErr)
	}

	for {
		slot, ok := s.queue.GetOldestPending()
		if !ok {
			break
		}
		if err := s.drain(ctx, slot, max(time.Until(deadline), 0)); err != nil {
			return err
		}
	}

	if eosErr != nil {
		return fmt.Errorf("unable to request the end of stream: %w", eosErr)
	}
	err := s.backend.WaitSignal(ctx, eos.Signal, max(time.Until(deadline), 0))
	switch {
	case err == nil:
		return nil
	case errors.Is(err, backend.ErrWaitTimeout):
		return fmt.Errorf("%w: the end of stream is not reached: %w", hwencoder.ErrDrainTimeout, err)
	default:
		return fmt.Errorf("unable to wait for the end of stream: %w", err)
	}
}

// teardown releases the queue, the staging texture and the encoder, then
// closes the output. Every step runs regardless of the previous ones.
func (s *Session) teardown(ctx context.Context) (_err error) {
	ctx = xcontext.DetachDone(ctx)
	logger.Debugf(ctx, "teardown")
	defer func() { logger.Debugf(ctx, "/teardown: %v", _err) }()

	var result *multierror.Error
	if err := s.closer.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	s.closer = nil
	s.staging = nil
	if s.sink != nil {
		if err := s.sink.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("unable to close the output: %w", err))
		}
		s.sink = nil
	}
	s.metrics.ObserveSessionReleased()

	if err := result.ErrorOrNil(); err != nil {
		return fmt.Errorf("%w: %w", hwencoder.ErrTeardown, err)
	}
	return nil
}
