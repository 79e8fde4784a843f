//go:build with_libav
// +build with_libav

package libav

import (
	"context"
	"testing"

	"github.com/asticode/go-astiav"
	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/hwencoder/backend"
)

func TestCodecName(t *testing.T) {
	require.Equal(t, "h264_nvenc", codecName(backend.EncoderParams{Codec: backend.CodecH264}))
	require.Equal(t, "hevc_nvenc", codecName(backend.EncoderParams{Codec: backend.CodecHEVC}))
	require.Equal(t, "libx264", codecName(backend.EncoderParams{
		Codec:   backend.CodecH264,
		Options: map[string]string{OptionKeyCodecName: "libx264"},
	}))
}

func TestPixelFormat(t *testing.T) {
	require.Equal(t, astiav.PixelFormatRgba, pixelFormat(backend.BufferFormatABGR))
	require.Equal(t, astiav.PixelFormatBgra, pixelFormat(backend.BufferFormatARGB))
	require.Equal(t, astiav.PixelFormatNone, pixelFormat(backend.BufferFormatUndefined))
}

func TestResourcesWithoutEncoder(t *testing.T) {
	ctx := context.Background()
	b, err := New(ctx)
	require.NoError(t, err)

	in, err := b.CreateInputResource(ctx, 16, 16, backend.BufferFormatABGR)
	require.NoError(t, err)
	data, pitch, err := b.LockInput(ctx, in)
	require.NoError(t, err)
	require.Len(t, data, 16*16*4)
	require.Equal(t, uint32(16*4), pitch)

	_, _, err = b.LockInput(ctx, in)
	require.Equal(t, backend.StatusLockBusy, backend.StatusOf(err))
	require.NoError(t, b.UnlockInput(ctx, in))

	out, err := b.CreateOutputResource(ctx, 1024)
	require.NoError(t, err)
	_, err = b.LockBitstream(ctx, out)
	require.Equal(t, backend.StatusLockBusy, backend.StatusOf(err))

	sig, err := b.RegisterSignal(ctx)
	require.NoError(t, err)
	err = b.EncodeFrame(ctx, backend.FrameParams{Input: in, Output: out, Signal: sig})
	require.Equal(t, backend.StatusEncoderNotInitialized, backend.StatusOf(err))

	require.NoError(t, b.UnregisterSignal(ctx, sig))
	require.NoError(t, b.DestroyOutputResource(ctx, out))
	require.NoError(t, b.DestroyInputResource(ctx, in))
}

func TestBitstreamOverflow(t *testing.T) {
	ctx := context.Background()
	b, err := New(ctx)
	require.NoError(t, err)
	lb := b.(*Backend)

	out, err := b.CreateOutputResource(ctx, 4)
	require.NoError(t, err)

	lb.Locker.Do(ctx, func() {
		require.False(t, lb.outputs[out].store(make([]byte, 8)))
	})
	_, err = b.LockBitstream(ctx, out)
	require.Equal(t, backend.StatusNotEnoughBuffer, backend.StatusOf(err))

	lb.Locker.Do(ctx, func() {
		require.True(t, lb.outputs[out].store([]byte{1, 2, 3}))
	})
	data, err := b.LockBitstream(ctx, out)
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3}, data)
	require.NoError(t, b.UnlockBitstream(ctx, out))
}
