package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/xaionaro-go/hwencoder"
	"github.com/xaionaro-go/hwencoder/backend"
	"github.com/xaionaro-go/hwencoder/bufferqueue"
)

// drain waits for the oldest pending slot to be encoded and writes its
// bitstream to the sink.
func (s *Session) drain(
	ctx context.Context,
	slot bufferqueue.Slot,
	timeout time.Duration,
) (_err error) {
	logger.Tracef(ctx, "drain(ctx, %s, %v)", slot, timeout)
	defer func() { logger.Tracef(ctx, "/drain(ctx, %s, %v): %v", slot, timeout, _err) }()

	if err := s.queue.CheckOldestPending(slot); err != nil {
		return err
	}
	buf, err := s.queue.Buffer(slot)
	if err != nil {
		return err
	}

	startedAt := time.Now()
	if err := s.backend.WaitSignal(ctx, buf.Signal, timeout); err != nil {
		if errors.Is(err, backend.ErrWaitTimeout) {
			return fmt.Errorf("%w: frame #%d is not encoded after %v: %w", hwencoder.ErrDrainTimeout, buf.Sequence, timeout, err)
		}
		return fmt.Errorf("unable to wait for frame #%d: %w", buf.Sequence, err)
	}
	s.metrics.ObserveDrainWait(time.Since(startedAt))

	if err := s.queue.MarkDraining(slot); err != nil {
		return err
	}
	data, err := s.backend.LockBitstream(ctx, buf.Output)
	if err != nil {
		return fmt.Errorf("unable to lock the bitstream of frame #%d: %w", buf.Sequence, err)
	}
	n, writeErr := s.sink.Write(data)
	unlockErr := s.backend.UnlockBitstream(ctx, buf.Output)
	if err := s.queue.MarkDrainedAndFree(slot); err != nil {
		return err
	}
	if writeErr != nil {
		return fmt.Errorf("unable to write frame #%d to the output: %w", buf.Sequence, writeErr)
	}
	if unlockErr != nil {
		return fmt.Errorf("unable to unlock the bitstream of frame #%d: %w", buf.Sequence, unlockErr)
	}

	s.FramesEncoded.Add(1)
	s.BytesWrote.Add(uint64(n))
	s.metrics.ObserveFrameEncoded(n)
	return nil
}
