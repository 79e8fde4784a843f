package bufferqueue

import (
	"context"
	"fmt"

	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/hashicorp/go-multierror"
	"github.com/xaionaro-go/hwencoder"
	"github.com/xaionaro-go/hwencoder/backend"
)

type Params struct {
	Capacity      uint32
	Width         uint32
	Height        uint32
	Format        backend.BufferFormat
	BitstreamSize uint32
}

// TransitionObserver is called on every slot state change.
type TransitionObserver func(slot Slot, from, to SlotState)

type Option func(*Queue)

func OptionTransitionObserver(observer TransitionObserver) Option {
	return func(q *Queue) {
		q.observer = observer
	}
}

// Queue is not safe for concurrent use; the owning session serializes access.
type Queue struct {
	allocator     backend.ResourceAllocator
	buffers       []EncodeBuffer
	eos           EndOfStreamMarker
	nextAvailable int
	oldestPending int
	pendingCount  int
	nextSequence  uint64
	released      bool
	observer      TransitionObserver
}

// Allocate creates every slot's resources and the end-of-stream signal.
// On failure everything created so far is destroyed.
func Allocate(
	ctx context.Context,
	allocator backend.ResourceAllocator,
	params Params,
	opts ...Option,
) (_ret *Queue, _err error) {
	logger.Debugf(ctx, "Allocate(ctx, %#+v)", params)
	defer func() { logger.Debugf(ctx, "/Allocate(ctx, %#+v): %v", params, _err) }()

	if params.Capacity == 0 {
		return nil, fmt.Errorf("%w: the queue capacity is zero", hwencoder.ErrConfiguration)
	}

	q := &Queue{
		allocator: allocator,
		buffers:   make([]EncodeBuffer, params.Capacity),
	}
	for _, opt := range opts {
		opt(q)
	}
	defer func() {
		if _err == nil {
			return
		}
		if err := q.Release(ctx); err != nil {
			logger.Errorf(ctx, "unable to release a partially allocated queue: %v", err)
		}
	}()

	for idx := range q.buffers {
		buf := &q.buffers[idx]
		buf.Width = params.Width
		buf.Height = params.Height
		buf.Format = params.Format
		buf.BitstreamSize = params.BitstreamSize

		var err error
		buf.Input, err = allocator.CreateInputResource(ctx, params.Width, params.Height, params.Format)
		if err != nil {
			return nil, fmt.Errorf("%w: unable to create the input buffer #%d: %w", hwencoder.ErrAllocation, idx, err)
		}
		buf.Output, err = allocator.CreateOutputResource(ctx, params.BitstreamSize)
		if err != nil {
			return nil, fmt.Errorf("%w: unable to create the bitstream buffer #%d: %w", hwencoder.ErrAllocation, idx, err)
		}
		buf.Signal, err = allocator.RegisterSignal(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: unable to register the completion signal #%d: %w", hwencoder.ErrAllocation, idx, err)
		}
	}

	var err error
	q.eos.Signal, err = allocator.RegisterSignal(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: unable to register the end-of-stream signal: %w", hwencoder.ErrAllocation, err)
	}
	return q, nil
}

func (q *Queue) Capacity() int {
	return len(q.buffers)
}

// Usable is the amount of buffers that were not abandoned.
func (q *Queue) Usable() int {
	if q.released {
		return 0
	}
	result := 0
	for idx := range q.buffers {
		if !q.buffers[idx].Abandoned {
			result++
		}
	}
	return result
}

// PendingCount is the amount of buffers submitted and not drained yet.
func (q *Queue) PendingCount() int {
	return q.pendingCount
}

func (q *Queue) EndOfStream() EndOfStreamMarker {
	return q.eos
}

func (q *Queue) IsReleased() bool {
	return q.released
}

// Buffers returns a snapshot of all the buffers.
func (q *Queue) Buffers() []EncodeBuffer {
	result := make([]EncodeBuffer, len(q.buffers))
	copy(result, q.buffers)
	return result
}

// Buffer returns a snapshot of the buffer behind the slot.
func (q *Queue) Buffer(slot Slot) (EncodeBuffer, error) {
	buf, err := q.get(slot)
	if err != nil {
		return EncodeBuffer{}, err
	}
	return *buf, nil
}

func (q *Queue) next(idx int) int {
	return (idx + 1) % len(q.buffers)
}

func (q *Queue) get(slot Slot) (*EncodeBuffer, error) {
	if q.released {
		return nil, fmt.Errorf("%w: the queue is released", hwencoder.ErrInvalidState)
	}
	if slot.Index < 0 || slot.Index >= len(q.buffers) {
		return nil, fmt.Errorf("%w: %s is out of range [0, %d)", hwencoder.ErrInvalidState, slot, len(q.buffers))
	}
	buf := &q.buffers[slot.Index]
	if buf.Generation != slot.Generation {
		return nil, fmt.Errorf("%w: %s is stale, the buffer is at generation %d", hwencoder.ErrInvalidState, slot, buf.Generation)
	}
	return buf, nil
}

func (q *Queue) expect(slot Slot, state SlotState) (*EncodeBuffer, error) {
	buf, err := q.get(slot)
	if err != nil {
		return nil, err
	}
	if buf.Abandoned {
		return nil, fmt.Errorf("%w: %s is abandoned", hwencoder.ErrInvalidState, slot)
	}
	if buf.State != state {
		return nil, fmt.Errorf("%w: %s is %s, expected %s", hwencoder.ErrInvalidState, slot, buf.State, state)
	}
	return buf, nil
}

func (q *Queue) setState(idx int, state SlotState) {
	buf := &q.buffers[idx]
	from := buf.State
	buf.State = state
	if q.observer != nil {
		q.observer(Slot{Index: idx, Generation: buf.Generation}, from, state)
	}
}

// GetAvailable hands out the next free buffer in the Copying state. It
// returns false when every usable buffer is submitted and not drained yet.
func (q *Queue) GetAvailable() (Slot, bool) {
	if q.released {
		return Slot{}, false
	}
	for range q.buffers {
		idx := q.nextAvailable
		buf := &q.buffers[idx]
		if buf.Abandoned {
			q.nextAvailable = q.next(idx)
			continue
		}
		if buf.State != SlotStateFree {
			return Slot{}, false
		}
		q.nextAvailable = q.next(idx)
		buf.Generation++
		q.setState(idx, SlotStateCopying)
		return Slot{Index: idx, Generation: buf.Generation}, true
	}
	return Slot{}, false
}

// MarkPending records the buffer as submitted to the hardware.
func (q *Queue) MarkPending(slot Slot) error {
	buf, err := q.expect(slot, SlotStateCopying)
	if err != nil {
		return err
	}
	buf.Sequence = q.nextSequence
	q.nextSequence++
	if q.pendingCount == 0 {
		q.oldestPending = slot.Index
	}
	q.pendingCount++
	q.setState(slot.Index, SlotStatePending)
	return nil
}

func (q *Queue) oldestPendingIndex() (int, bool) {
	if q.released || q.pendingCount == 0 {
		return 0, false
	}
	idx := q.oldestPending
	for range q.buffers {
		if !q.buffers[idx].Abandoned {
			break
		}
		idx = q.next(idx)
	}
	q.oldestPending = idx
	return idx, true
}

// GetOldestPending returns the earliest submitted buffer that is not drained
// yet. It never blocks.
func (q *Queue) GetOldestPending() (Slot, bool) {
	idx, ok := q.oldestPendingIndex()
	if !ok {
		return Slot{}, false
	}
	return Slot{Index: idx, Generation: q.buffers[idx].Generation}, true
}

// CheckOldestPending returns an error unless the slot is the oldest pending
// one, so that output is never reordered.
func (q *Queue) CheckOldestPending(slot Slot) error {
	if _, err := q.expect(slot, SlotStatePending); err != nil {
		return err
	}
	oldest, ok := q.GetOldestPending()
	if !ok || oldest != slot {
		return fmt.Errorf("%w: %s is not the oldest pending buffer (%s)", hwencoder.ErrInvalidState, slot, oldest)
	}
	return nil
}

func (q *Queue) MarkDraining(slot Slot) error {
	if err := q.CheckOldestPending(slot); err != nil {
		return err
	}
	q.setState(slot.Index, SlotStateDraining)
	return nil
}

func (q *Queue) MarkDrainedAndFree(slot Slot) error {
	if _, err := q.expect(slot, SlotStateDraining); err != nil {
		return err
	}
	q.pendingCount--
	q.oldestPending = q.next(slot.Index)
	q.setState(slot.Index, SlotStateFree)
	return nil
}

// Abandon takes a buffer whose copy failed out of rotation.
func (q *Queue) Abandon(slot Slot) error {
	buf, err := q.expect(slot, SlotStateCopying)
	if err != nil {
		return err
	}
	buf.Abandoned = true
	return nil
}

// Release destroys every resource and the end-of-stream signal. Every step
// runs even if an earlier one fails. Calling it again is a no-op.
func (q *Queue) Release(ctx context.Context) (_err error) {
	if q.released {
		return nil
	}
	logger.Debugf(ctx, "Release")
	defer func() { logger.Debugf(ctx, "/Release: %v", _err) }()
	q.released = true

	var result *multierror.Error
	for idx := range q.buffers {
		buf := &q.buffers[idx]
		if buf.Input != 0 {
			if err := q.allocator.DestroyInputResource(ctx, buf.Input); err != nil {
				result = multierror.Append(result, fmt.Errorf("input buffer #%d: %w", idx, err))
			}
			buf.Input = 0
		}
		if buf.Output != 0 {
			if err := q.allocator.DestroyOutputResource(ctx, buf.Output); err != nil {
				result = multierror.Append(result, fmt.Errorf("bitstream buffer #%d: %w", idx, err))
			}
			buf.Output = 0
		}
		if buf.Signal != 0 {
			if err := q.allocator.UnregisterSignal(ctx, buf.Signal); err != nil {
				result = multierror.Append(result, fmt.Errorf("completion signal #%d: %w", idx, err))
			}
			buf.Signal = 0
		}
		buf.State = SlotStateFree
	}
	if q.eos.Signal != 0 {
		if err := q.allocator.UnregisterSignal(ctx, q.eos.Signal); err != nil {
			result = multierror.Append(result, fmt.Errorf("end-of-stream signal: %w", err))
		}
		q.eos.Signal = 0
	}
	q.pendingCount = 0

	if err := result.ErrorOrNil(); err != nil {
		return fmt.Errorf("%w: %w", hwencoder.ErrTeardown, err)
	}
	return nil
}
