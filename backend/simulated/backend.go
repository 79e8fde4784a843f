// Package simulated is a software implementation of backend.Backend that
// behaves like an asynchronous hardware encoder: frames complete on their own
// goroutines after a configurable delay and signal their completion events.
package simulated

import (
	"context"
	"sync"
	"time"

	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/xaionaro-go/hwencoder/backend"
	"github.com/xaionaro-go/hwencoder/gpu"
	"github.com/xaionaro-go/observability"
	"github.com/xaionaro-go/xcontext"
	"github.com/xaionaro-go/xsync"
)

const (
	bytesPerPixel         = 4
	defaultPitchAlignment = 256
)

type inputResource struct {
	width  uint32
	height uint32
	format backend.BufferFormat
	pitch  uint32
	data   []byte
	locked bool
}

type outputResource struct {
	size   uint32
	data   []byte
	busy   bool
	locked bool
}

type Backend struct {
	Locker   xsync.Mutex
	hardware *Hardware

	device  gpu.Device
	params  *backend.EncoderParams
	stopCh  chan struct{}
	waitGrp sync.WaitGroup

	nextHandle uint64
	inputs     map[backend.InputHandle]*inputResource
	outputs    map[backend.OutputHandle]*outputResource
	signals    map[backend.SignalHandle]chan struct{}

	seq         uint64
	outstanding int
	eos         backend.SignalHandle

	calls           map[Op]uint
	faults          map[Op]fault
	completionDelay func(seq uint64) time.Duration
	needMoreInput   uint
	stall           bool
	pitchAlignment  uint32
}

var _ backend.Backend = (*Backend)(nil)

func New(hw *Hardware, opts ...Option) *Backend {
	b := &Backend{
		hardware:        hw,
		inputs:          map[backend.InputHandle]*inputResource{},
		outputs:         map[backend.OutputHandle]*outputResource{},
		signals:         map[backend.SignalHandle]chan struct{}{},
		calls:           map[Op]uint{},
		faults:          map[Op]fault{},
		completionDelay: func(uint64) time.Duration { return time.Millisecond },
		pitchAlignment:  defaultPitchAlignment,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// call accounts the operation and returns the injected fault if any.
func (b *Backend) call(op Op) error {
	if f, ok := b.faults[op]; ok && b.calls[op] >= f.AfterSuccesses {
		return backend.NewStatusError(string(op), f.Status)
	}
	b.calls[op]++
	return nil
}

func (b *Backend) newHandle() uint64 {
	b.nextHandle++
	return b.nextHandle
}

func (b *Backend) requireEncoder(op Op) error {
	if b.params == nil {
		return backend.NewStatusError(string(op), backend.StatusEncoderNotInitialized)
	}
	return nil
}

func (b *Backend) Initialize(
	ctx context.Context,
	device gpu.Device,
) error {
	return xsync.DoR1(ctx, &b.Locker, func() error {
		if err := b.call(OpInitialize); err != nil {
			return err
		}
		if device == nil {
			return backend.NewStatusError(string(OpInitialize), backend.StatusNoEncodeDevice)
		}
		b.device = device
		return nil
	})
}

func (b *Backend) CreateEncoder(
	ctx context.Context,
	params backend.EncoderParams,
) (_err error) {
	logger.Debugf(ctx, "CreateEncoder(ctx, %#+v)", params)
	defer func() { logger.Debugf(ctx, "/CreateEncoder(ctx, %#+v): %v", params, _err) }()
	return xsync.DoR1(ctx, &b.Locker, func() error {
		if err := b.call(OpCreateEncoder); err != nil {
			return err
		}
		if b.device == nil {
			return backend.NewStatusError(string(OpCreateEncoder), backend.StatusInvalidDevice)
		}
		if b.params != nil {
			return backend.NewStatusError(string(OpCreateEncoder), backend.StatusInvalidCall)
		}
		if params.Width == 0 || params.Height == 0 || params.FPS == 0 {
			return backend.NewStatusError(string(OpCreateEncoder), backend.StatusInvalidParam)
		}
		if params.Codec != backend.CodecH264 && params.Codec != backend.CodecHEVC {
			return backend.NewStatusError(string(OpCreateEncoder), backend.StatusUnsupportedParam)
		}
		if !b.hardware.acquire(ctx, b.device, b) {
			return backend.NewStatusError(string(OpCreateEncoder), backend.StatusOutOfMemory)
		}
		b.params = &params
		b.stopCh = make(chan struct{})
		b.seq = 0
		b.outstanding = 0
		b.eos = 0
		return nil
	})
}

// DestroyEncoder stops every in-flight frame. An injected fault is reported
// after the encoder is destroyed anyway.
func (b *Backend) DestroyEncoder(ctx context.Context) (_err error) {
	logger.Debugf(ctx, "DestroyEncoder")
	defer func() { logger.Debugf(ctx, "/DestroyEncoder: %v", _err) }()

	b.Locker.ManualLock(ctx)
	faultErr := b.call(OpDestroyEncoder)
	if b.params == nil {
		b.Locker.ManualUnlock(ctx)
		return faultErr
	}
	close(b.stopCh)
	b.params = nil
	device := b.device
	b.Locker.ManualUnlock(ctx)

	b.waitGrp.Wait()
	b.hardware.release(ctx, device, b)
	return faultErr
}

func (b *Backend) CreateInputResource(
	ctx context.Context,
	width, height uint32,
	format backend.BufferFormat,
) (backend.InputHandle, error) {
	return xsync.DoR2(ctx, &b.Locker, func() (backend.InputHandle, error) {
		if err := b.call(OpCreateInputResource); err != nil {
			return 0, err
		}
		if err := b.requireEncoder(OpCreateInputResource); err != nil {
			return 0, err
		}
		if width == 0 || height == 0 || format <= backend.BufferFormatUndefined || format >= backend.EndOfBufferFormat {
			return 0, backend.NewStatusError(string(OpCreateInputResource), backend.StatusInvalidParam)
		}
		pitch := width * bytesPerPixel
		if a := b.pitchAlignment; a > 1 {
			pitch = (pitch + a - 1) / a * a
		}
		h := backend.InputHandle(b.newHandle())
		b.inputs[h] = &inputResource{
			width:  width,
			height: height,
			format: format,
			pitch:  pitch,
			data:   make([]byte, int(pitch)*int(height)),
		}
		return h, nil
	})
}

func (b *Backend) DestroyInputResource(
	ctx context.Context,
	h backend.InputHandle,
) error {
	return xsync.DoR1(ctx, &b.Locker, func() error {
		if err := b.call(OpDestroyInputResource); err != nil {
			return err
		}
		if _, ok := b.inputs[h]; !ok {
			return backend.NewStatusError(string(OpDestroyInputResource), backend.StatusInvalidParam)
		}
		delete(b.inputs, h)
		return nil
	})
}

func (b *Backend) CreateOutputResource(
	ctx context.Context,
	size uint32,
) (backend.OutputHandle, error) {
	return xsync.DoR2(ctx, &b.Locker, func() (backend.OutputHandle, error) {
		if err := b.call(OpCreateOutputResource); err != nil {
			return 0, err
		}
		if err := b.requireEncoder(OpCreateOutputResource); err != nil {
			return 0, err
		}
		if size == 0 {
			return 0, backend.NewStatusError(string(OpCreateOutputResource), backend.StatusInvalidParam)
		}
		h := backend.OutputHandle(b.newHandle())
		b.outputs[h] = &outputResource{size: size}
		return h, nil
	})
}

func (b *Backend) DestroyOutputResource(
	ctx context.Context,
	h backend.OutputHandle,
) error {
	return xsync.DoR1(ctx, &b.Locker, func() error {
		if err := b.call(OpDestroyOutputResource); err != nil {
			return err
		}
		if _, ok := b.outputs[h]; !ok {
			return backend.NewStatusError(string(OpDestroyOutputResource), backend.StatusInvalidParam)
		}
		delete(b.outputs, h)
		return nil
	})
}

func (b *Backend) RegisterSignal(ctx context.Context) (backend.SignalHandle, error) {
	return xsync.DoR2(ctx, &b.Locker, func() (backend.SignalHandle, error) {
		if err := b.call(OpRegisterSignal); err != nil {
			return 0, err
		}
		if err := b.requireEncoder(OpRegisterSignal); err != nil {
			return 0, err
		}
		h := backend.SignalHandle(b.newHandle())
		b.signals[h] = make(chan struct{}, 1)
		return h, nil
	})
}

func (b *Backend) UnregisterSignal(
	ctx context.Context,
	h backend.SignalHandle,
) error {
	return xsync.DoR1(ctx, &b.Locker, func() error {
		if err := b.call(OpUnregisterSignal); err != nil {
			return err
		}
		if _, ok := b.signals[h]; !ok {
			return backend.NewStatusError(string(OpUnregisterSignal), backend.StatusEventNotRegistered)
		}
		delete(b.signals, h)
		if b.eos == h {
			b.eos = 0
		}
		return nil
	})
}

func (b *Backend) LockInput(
	ctx context.Context,
	h backend.InputHandle,
) ([]byte, uint32, error) {
	type result struct {
		data  []byte
		pitch uint32
	}
	r, err := xsync.DoR2(ctx, &b.Locker, func() (result, error) {
		if err := b.call(OpLockInput); err != nil {
			return result{}, err
		}
		in, ok := b.inputs[h]
		if !ok {
			return result{}, backend.NewStatusError(string(OpLockInput), backend.StatusInvalidParam)
		}
		if in.locked {
			return result{}, backend.NewStatusError(string(OpLockInput), backend.StatusLockBusy)
		}
		in.locked = true
		return result{data: in.data, pitch: in.pitch}, nil
	})
	return r.data, r.pitch, err
}

func (b *Backend) UnlockInput(
	ctx context.Context,
	h backend.InputHandle,
) error {
	return xsync.DoR1(ctx, &b.Locker, func() error {
		if err := b.call(OpUnlockInput); err != nil {
			return err
		}
		in, ok := b.inputs[h]
		if !ok {
			return backend.NewStatusError(string(OpUnlockInput), backend.StatusInvalidParam)
		}
		if !in.locked {
			return backend.NewStatusError(string(OpUnlockInput), backend.StatusInvalidCall)
		}
		in.locked = false
		return nil
	})
}

func (b *Backend) EncodeFrame(
	ctx context.Context,
	params backend.FrameParams,
) error {
	return xsync.DoR1(ctx, &b.Locker, func() error {
		if err := b.call(OpEncodeFrame); err != nil {
			return err
		}
		if err := b.requireEncoder(OpEncodeFrame); err != nil {
			return err
		}
		in, ok := b.inputs[params.Input]
		if !ok {
			return backend.NewStatusError(string(OpEncodeFrame), backend.StatusInvalidParam)
		}
		out, ok := b.outputs[params.Output]
		if !ok {
			return backend.NewStatusError(string(OpEncodeFrame), backend.StatusInvalidParam)
		}
		if _, ok := b.signals[params.Signal]; !ok {
			return backend.NewStatusError(string(OpEncodeFrame), backend.StatusEventNotRegistered)
		}
		if in.locked {
			return backend.NewStatusError(string(OpEncodeFrame), backend.StatusInvalidCall)
		}
		if out.busy || out.locked {
			return backend.NewStatusError(string(OpEncodeFrame), backend.StatusEncoderBusy)
		}
		if params.Width != b.params.Width || params.Height != b.params.Height ||
			params.Width != in.width || params.Height != in.height || params.Format != in.format {
			return backend.NewStatusError(string(OpEncodeFrame), backend.StatusInvalidParam)
		}
		if out.size < PayloadSize {
			return backend.NewStatusError(string(OpEncodeFrame), backend.StatusNotEnoughBuffer)
		}

		rowLen := int(in.width * bytesPerPixel)
		packed := make([]byte, 0, rowLen*int(in.height))
		for y := 0; y < int(in.height); y++ {
			offset := y * int(in.pitch)
			packed = append(packed, in.data[offset:offset+rowLen]...)
		}
		seq := b.seq
		b.seq++
		out.busy = true
		out.data = nil
		b.outstanding++
		logger.Tracef(ctx, "encoding frame #%d into output %d", seq, params.Output)
		if !b.stall {
			b.schedule(ctx, seq, params.Output, params.Signal, Payload(seq, packed))
		}

		if b.needMoreInput > 0 {
			b.needMoreInput--
			return backend.NewStatusError(string(OpEncodeFrame), backend.StatusNeedMoreInput)
		}
		return nil
	})
}

// schedule must be called with the Locker held.
func (b *Backend) schedule(
	ctx context.Context,
	seq uint64,
	output backend.OutputHandle,
	signal backend.SignalHandle,
	payload []byte,
) {
	delay := b.completionDelay(seq)
	stopCh := b.stopCh
	b.waitGrp.Add(1)
	observability.Go(xcontext.DetachDone(ctx), func(ctx context.Context) {
		defer b.waitGrp.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-stopCh:
			logger.Tracef(ctx, "frame #%d is cancelled", seq)
			return
		case <-timer.C:
		}
		b.complete(ctx, seq, output, signal, payload)
	})
}

func (b *Backend) complete(
	ctx context.Context,
	seq uint64,
	output backend.OutputHandle,
	signal backend.SignalHandle,
	payload []byte,
) {
	b.Locker.Do(ctx, func() {
		logger.Tracef(ctx, "frame #%d is encoded", seq)
		b.outstanding--
		if out, ok := b.outputs[output]; ok {
			out.data = payload
			out.busy = false
		}
		b.fire(signal)
		if b.outstanding == 0 && b.eos != 0 {
			b.fire(b.eos)
			b.eos = 0
		}
	})
}

// fire must be called with the Locker held.
func (b *Backend) fire(h backend.SignalHandle) {
	ch, ok := b.signals[h]
	if !ok {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (b *Backend) LockBitstream(
	ctx context.Context,
	h backend.OutputHandle,
) ([]byte, error) {
	return xsync.DoR2(ctx, &b.Locker, func() ([]byte, error) {
		if err := b.call(OpLockBitstream); err != nil {
			return nil, err
		}
		out, ok := b.outputs[h]
		if !ok {
			return nil, backend.NewStatusError(string(OpLockBitstream), backend.StatusInvalidParam)
		}
		if out.busy || out.locked {
			return nil, backend.NewStatusError(string(OpLockBitstream), backend.StatusLockBusy)
		}
		out.locked = true
		return out.data, nil
	})
}

func (b *Backend) UnlockBitstream(
	ctx context.Context,
	h backend.OutputHandle,
) error {
	return xsync.DoR1(ctx, &b.Locker, func() error {
		if err := b.call(OpUnlockBitstream); err != nil {
			return err
		}
		out, ok := b.outputs[h]
		if !ok {
			return backend.NewStatusError(string(OpUnlockBitstream), backend.StatusInvalidParam)
		}
		if !out.locked {
			return backend.NewStatusError(string(OpUnlockBitstream), backend.StatusInvalidCall)
		}
		out.locked = false
		out.data = nil
		return nil
	})
}

func (b *Backend) WaitSignal(
	ctx context.Context,
	h backend.SignalHandle,
	timeout time.Duration,
) error {
	ch, ok := xsync.DoR2(ctx, &b.Locker, func() (chan struct{}, bool) {
		ch, ok := b.signals[h]
		return ch, ok
	})
	if !ok {
		return backend.NewStatusError("WaitSignal", backend.StatusEventNotRegistered)
	}

	// a fired signal wins over an expired timeout or a cancelled context
	select {
	case <-ch:
		return nil
	default:
	}

	if timeout == backend.InfiniteTimeout {
		select {
		case <-ch:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return backend.ErrWaitTimeout
	}
}

func (b *Backend) FlushEncoderQueue(
	ctx context.Context,
	eos backend.SignalHandle,
) error {
	return xsync.DoR1(ctx, &b.Locker, func() error {
		if err := b.call(OpFlushEncoderQueue); err != nil {
			return err
		}
		if err := b.requireEncoder(OpFlushEncoderQueue); err != nil {
			return err
		}
		if _, ok := b.signals[eos]; !ok {
			return backend.NewStatusError(string(OpFlushEncoderQueue), backend.StatusEventNotRegistered)
		}
		if b.outstanding == 0 && !b.stall {
			b.fire(eos)
			return nil
		}
		b.eos = eos
		return nil
	})
}

// LiveResources returns the amount of input, output and signal resources
// not destroyed yet.
func (b *Backend) LiveResources(ctx context.Context) int {
	return xsync.DoR1(ctx, &b.Locker, func() int {
		return len(b.inputs) + len(b.outputs) + len(b.signals)
	})
}

func (b *Backend) HasEncoder(ctx context.Context) bool {
	return xsync.DoR1(ctx, &b.Locker, func() bool {
		return b.params != nil
	})
}

// Calls returns how many times the operation succeeded.
func (b *Backend) Calls(ctx context.Context, op Op) uint {
	return xsync.DoR1(ctx, &b.Locker, func() uint {
		return b.calls[op]
	})
}
