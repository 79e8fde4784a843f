// Package backend defines the hardware encoder ABI the encode session runs on.
package backend

import (
	"context"
	"fmt"
	"time"

	"github.com/xaionaro-go/hwencoder/gpu"
)

// InfiniteTimeout makes WaitSignal wait until the signal fires or the
// context is cancelled.
const InfiniteTimeout = time.Duration(-1)

// Handles are opaque; the zero value is the null handle.
type InputHandle uint64
type OutputHandle uint64
type SignalHandle uint64

type BufferFormat uint

const (
	BufferFormatUndefined = BufferFormat(iota)
	BufferFormatABGR
	BufferFormatARGB
	EndOfBufferFormat
)

func (f BufferFormat) String() string {
	switch f {
	case BufferFormatUndefined:
		return "<undefined>"
	case BufferFormatABGR:
		return "abgr"
	case BufferFormatARGB:
		return "argb"
	}
	return fmt.Sprintf("unexpected_buffer_format_%d", uint(f))
}

type Codec uint

const (
	CodecUndefined = Codec(iota)
	CodecH264
	CodecHEVC
)

type RateControlMode uint

const (
	RateControlConstQP = RateControlMode(iota)
	RateControlCBR
)

// EncoderParams is what the session passes to CreateEncoder. Rate control is
// configured, not implemented, by the session.
type EncoderParams struct {
	Codec       Codec
	Width       uint32
	Height      uint32
	FPS         uint32
	Bitrate     uint64
	RateControl RateControlMode
	QP          uint32
	GOPLength   uint32 // 0 is infinite
	InputFormat BufferFormat
	Options     map[string]string
}

type FrameParams struct {
	Input  InputHandle
	Output OutputHandle
	Signal SignalHandle
	Width  uint32
	Height uint32
	Format BufferFormat
}

type ResourceAllocator interface {
	CreateInputResource(ctx context.Context, width, height uint32, format BufferFormat) (InputHandle, error)
	DestroyInputResource(ctx context.Context, h InputHandle) error
	CreateOutputResource(ctx context.Context, size uint32) (OutputHandle, error)
	DestroyOutputResource(ctx context.Context, h OutputHandle) error
	RegisterSignal(ctx context.Context) (SignalHandle, error)
	UnregisterSignal(ctx context.Context, h SignalHandle) error
}

type Backend interface {
	ResourceAllocator

	Initialize(ctx context.Context, device gpu.Device) error
	CreateEncoder(ctx context.Context, params EncoderParams) error
	DestroyEncoder(ctx context.Context) error

	LockInput(ctx context.Context, h InputHandle) (data []byte, pitch uint32, err error)
	UnlockInput(ctx context.Context, h InputHandle) error

	// EncodeFrame returns immediately; the frame's signal fires once its
	// bitstream is ready. StatusNeedMoreInput means the frame was buffered.
	EncodeFrame(ctx context.Context, params FrameParams) error

	LockBitstream(ctx context.Context, h OutputHandle) ([]byte, error)
	UnlockBitstream(ctx context.Context, h OutputHandle) error

	// WaitSignal consumes the signal (auto-reset) and returns ErrWaitTimeout
	// if it did not fire within timeout.
	WaitSignal(ctx context.Context, h SignalHandle, timeout time.Duration) error

	// FlushEncoderQueue requests end-of-stream; eos fires once every
	// submitted frame is completed.
	FlushEncoderQueue(ctx context.Context, eos SignalHandle) error
}
