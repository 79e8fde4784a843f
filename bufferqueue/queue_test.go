package bufferqueue

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/hwencoder"
	"github.com/xaionaro-go/hwencoder/backend"
	"github.com/xaionaro-go/hwencoder/backend/simulated"
	"github.com/xaionaro-go/hwencoder/gpu/softgpu"
)

func newBackend(t *testing.T, opts ...simulated.Option) *simulated.Backend {
	ctx := context.Background()
	b := simulated.New(simulated.NewHardware(), opts...)
	require.NoError(t, b.Initialize(ctx, softgpu.New()))
	require.NoError(t, b.CreateEncoder(ctx, backend.EncoderParams{
		Codec:       backend.CodecH264,
		Width:       16,
		Height:      16,
		FPS:         30,
		InputFormat: backend.BufferFormatABGR,
	}))
	t.Cleanup(func() { _ = b.DestroyEncoder(ctx) })
	return b
}

func testParams(capacity uint32) Params {
	return Params{
		Capacity:      capacity,
		Width:         16,
		Height:        16,
		Format:        backend.BufferFormatABGR,
		BitstreamSize: 1024,
	}
}

type transition struct {
	From SlotState
	To   SlotState
}

func TestQueueSlotStateSequence(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)
	history := map[int][]transition{}
	q, err := Allocate(ctx, b, testParams(2), OptionTransitionObserver(func(slot Slot, from, to SlotState) {
		history[slot.Index] = append(history[slot.Index], transition{From: from, To: to})
	}))
	require.NoError(t, err)
	defer q.Release(ctx)

	for range 3 {
		slot, ok := q.GetAvailable()
		require.True(t, ok)
		require.NoError(t, q.MarkPending(slot))
		require.NoError(t, q.MarkDraining(slot))
		require.NoError(t, q.MarkDrainedAndFree(slot))
	}

	cycle := []transition{
		{SlotStateFree, SlotStateCopying},
		{SlotStateCopying, SlotStatePending},
		{SlotStatePending, SlotStateDraining},
		{SlotStateDraining, SlotStateFree},
	}
	require.Equal(t, append(append([]transition{}, cycle...), cycle...), history[0])
	require.Equal(t, cycle, history[1])
}

func TestQueueFIFO(t *testing.T) {
	ctx := context.Background()
	q, err := Allocate(ctx, newBackend(t), testParams(3))
	require.NoError(t, err)
	defer q.Release(ctx)

	var slots []Slot
	for range 3 {
		slot, ok := q.GetAvailable()
		require.True(t, ok)
		require.NoError(t, q.MarkPending(slot))
		slots = append(slots, slot)
	}
	_, ok := q.GetAvailable()
	require.False(t, ok)
	require.Equal(t, 3, q.PendingCount())

	oldest, ok := q.GetOldestPending()
	require.True(t, ok)
	require.Equal(t, slots[0], oldest)

	require.ErrorIs(t, q.MarkDraining(slots[1]), hwencoder.ErrInvalidState)
	require.ErrorIs(t, q.MarkDrainedAndFree(slots[0]), hwencoder.ErrInvalidState)

	require.NoError(t, q.MarkDraining(slots[0]))
	require.NoError(t, q.MarkDrainedAndFree(slots[0]))

	oldest, ok = q.GetOldestPending()
	require.True(t, ok)
	require.Equal(t, slots[1], oldest)

	reused, ok := q.GetAvailable()
	require.True(t, ok)
	require.Equal(t, Slot{Index: 0, Generation: 2}, reused)

	buf, err := q.Buffer(slots[2])
	require.NoError(t, err)
	require.Equal(t, uint64(2), buf.Sequence)
	require.Equal(t, SlotStatePending, buf.State)
}

func TestQueueStaleSlot(t *testing.T) {
	ctx := context.Background()
	q, err := Allocate(ctx, newBackend(t), testParams(1))
	require.NoError(t, err)
	defer q.Release(ctx)

	stale, ok := q.GetAvailable()
	require.True(t, ok)
	require.NoError(t, q.MarkPending(stale))
	require.NoError(t, q.MarkDraining(stale))
	require.NoError(t, q.MarkDrainedAndFree(stale))

	fresh, ok := q.GetAvailable()
	require.True(t, ok)
	require.Equal(t, stale.Index, fresh.Index)
	require.ErrorIs(t, q.MarkPending(stale), hwencoder.ErrInvalidState)
	require.ErrorIs(t, q.MarkPending(Slot{Index: 5}), hwencoder.ErrInvalidState)
	require.NoError(t, q.MarkPending(fresh))
}

func TestQueueAbandon(t *testing.T) {
	ctx := context.Background()
	q, err := Allocate(ctx, newBackend(t), testParams(2))
	require.NoError(t, err)
	defer q.Release(ctx)

	broken, ok := q.GetAvailable()
	require.True(t, ok)
	require.NoError(t, q.Abandon(broken))
	require.Equal(t, 1, q.Usable())
	require.ErrorIs(t, q.MarkPending(broken), hwencoder.ErrInvalidState)

	for range 3 {
		slot, ok := q.GetAvailable()
		require.True(t, ok)
		require.Equal(t, 1, slot.Index)
		require.NoError(t, q.MarkPending(slot))

		_, ok = q.GetAvailable()
		require.False(t, ok)

		oldest, ok := q.GetOldestPending()
		require.True(t, ok)
		require.Equal(t, slot, oldest)
		require.NoError(t, q.MarkDraining(slot))
		require.NoError(t, q.MarkDrainedAndFree(slot))
	}

	_, ok = q.GetOldestPending()
	require.False(t, ok)
}

func TestQueueZeroCapacity(t *testing.T) {
	_, err := Allocate(context.Background(), newBackend(t), testParams(0))
	require.ErrorIs(t, err, hwencoder.ErrConfiguration)
}

func TestQueuePartialAllocation(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t, simulated.OptionFault(simulated.OpRegisterSignal, backend.StatusOutOfMemory, 2))

	_, err := Allocate(ctx, b, testParams(3))
	require.ErrorIs(t, err, hwencoder.ErrAllocation)
	require.Equal(t, backend.StatusOutOfMemory, backend.StatusOf(err))
	require.Zero(t, b.LiveResources(ctx))
}

func TestQueueRelease(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t, simulated.OptionFault(simulated.OpDestroyOutputResource, backend.StatusInvalidCall, 0))

	q, err := Allocate(ctx, b, testParams(2))
	require.NoError(t, err)
	require.Equal(t, 2*3+1, b.LiveResources(ctx))

	slot, ok := q.GetAvailable()
	require.True(t, ok)
	require.NoError(t, q.MarkPending(slot))

	err = q.Release(ctx)
	require.ErrorIs(t, err, hwencoder.ErrTeardown)
	// the failing bitstream buffers did not stop the rest of the teardown
	require.Equal(t, 2, b.LiveResources(ctx))
	require.True(t, q.IsReleased())
	for _, buf := range q.Buffers() {
		require.True(t, buf.IsNull())
		require.Equal(t, SlotStateFree, buf.State)
	}
	require.Zero(t, q.EndOfStream().Signal)

	require.NoError(t, q.Release(ctx))
	_, ok = q.GetAvailable()
	require.False(t, ok)
	_, ok = q.GetOldestPending()
	require.False(t, ok)
}
