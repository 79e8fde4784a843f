package session

import (
	"context"
	"fmt"

	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/hashicorp/go-multierror"
	"github.com/xaionaro-go/hwencoder"
	"github.com/xaionaro-go/hwencoder/backend"
	"github.com/xaionaro-go/hwencoder/bufferqueue"
	"github.com/xaionaro-go/hwencoder/gpu"
	"github.com/xaionaro-go/hwencoder/internal"
	"github.com/xaionaro-go/xsync"
)

// SubmitFrame copies the texture into an encode buffer and submits it. The
// first frame of a recording initializes the hardware encoder. When every
// buffer is in flight the oldest one is drained first.
func (s *Session) SubmitFrame(
	ctx context.Context,
	tex gpu.Texture,
) (_err error) {
	ctx = s.ctx(ctx)
	logger.Tracef(ctx, "SubmitFrame")
	defer func() {
		logger.Tracef(ctx, "/SubmitFrame: %v", _err)
		s.metrics.ObserveError(_err)
	}()
	return xsync.DoA2R1(ctx, &s.Locker, s.submitFrameNoLock, ctx, tex)
}

func (s *Session) submitFrameNoLock(
	ctx context.Context,
	tex gpu.Texture,
) error {
	switch s.state {
	case StateUninitialized:
		if s.config == nil {
			return fmt.Errorf("%w: the session is not configured", hwencoder.ErrConfiguration)
		}
		if err := s.checkTexture(tex); err != nil {
			return err
		}
		if err := s.activate(ctx, tex); err != nil {
			return err
		}
	case StateActive:
		if err := s.checkTexture(tex); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: unable to submit a frame in state %s", hwencoder.ErrInvalidState, s.state)
	}

	slot, err := s.acquireSlot(ctx)
	if err != nil {
		return err
	}

	if err := s.copyFrame(ctx, tex, slot); err != nil {
		return s.dropFrame(ctx, slot, err)
	}

	if err := s.submit(ctx, slot); err != nil {
		if backend.StatusOf(err).IsFatal() {
			return s.fail(ctx, err)
		}
		return s.dropFrame(ctx, slot, err)
	}
	s.FramesSubmitted.Add(1)
	s.metrics.ObserveFrameSubmitted()
	return nil
}

func (s *Session) acquireSlot(ctx context.Context) (bufferqueue.Slot, error) {
	if slot, ok := s.queue.GetAvailable(); ok {
		return slot, nil
	}

	oldest, ok := s.queue.GetOldestPending()
	if !ok {
		return bufferqueue.Slot{}, s.fail(ctx, fmt.Errorf("%w: no usable encode buffers left", hwencoder.ErrInvalidState))
	}
	logger.Tracef(ctx, "all the encode buffers are in flight, draining %s", oldest)
	s.BackpressureDrains.Add(1)
	s.metrics.ObserveBackpressureDrain()
	if err := s.drain(ctx, oldest, backend.InfiniteTimeout); err != nil {
		if ctx.Err() != nil {
			return bufferqueue.Slot{}, err
		}
		return bufferqueue.Slot{}, s.fail(ctx, err)
	}

	slot, ok := s.queue.GetAvailable()
	internal.Assertf(ctx, ok, "no encode buffer is available right after draining %s", oldest)
	return slot, nil
}

// dropFrame abandons the slot of a frame that could not be copied or
// submitted. The session is flushed once no usable slot remains.
func (s *Session) dropFrame(
	ctx context.Context,
	slot bufferqueue.Slot,
	cause error,
) error {
	logger.Errorf(ctx, "dropping the frame in %s: %v", slot, cause)
	if err := s.queue.Abandon(slot); err != nil {
		return s.fail(ctx, multierror.Append(cause, err))
	}
	s.FramesDropped.Add(1)
	s.metrics.ObserveFrameDropped()
	if s.queue.Usable() == 0 {
		return s.fail(ctx, fmt.Errorf("no usable encode buffers left: %w", cause))
	}
	return cause
}

func (s *Session) submit(
	ctx context.Context,
	slot bufferqueue.Slot,
) error {
	buf, err := s.queue.Buffer(slot)
	if err != nil {
		return err
	}

	err = s.backend.EncodeFrame(ctx, backend.FrameParams{
		Input:  buf.Input,
		Output: buf.Output,
		Signal: buf.Signal,
		Width:  buf.Width,
		Height: buf.Height,
		Format: buf.Format,
	})
	switch backend.StatusOf(err) {
	case backend.StatusSuccess:
	case backend.StatusNeedMoreInput:
		logger.Tracef(ctx, "the encoder buffered %s", slot)
	default:
		return fmt.Errorf("%w: %w", hwencoder.ErrSubmission, err)
	}
	return s.queue.MarkPending(slot)
}

// fail flushes the session after an error that leaves it unusable.
func (s *Session) fail(
	ctx context.Context,
	cause error,
) error {
	logger.Errorf(ctx, "fatal error, flushing the session: %v", cause)
	s.failure = cause
	if err := s.flushNoLock(ctx); err != nil {
		return multierror.Append(cause, err)
	}
	return cause
}
