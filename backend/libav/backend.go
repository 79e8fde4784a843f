//go:build with_libav
// +build with_libav

// Package libav is a backend.Backend driving NVENC through libavcodec.
package libav

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/asticode/go-astiav"
	"github.com/asticode/go-astikit"
	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/xaionaro-go/hwencoder/backend"
	"github.com/xaionaro-go/hwencoder/gpu"
	"github.com/xaionaro-go/xsync"
)

// OptionKeyCodecName overrides the libavcodec encoder name.
const OptionKeyCodecName = "codec_name"

const bytesPerPixel = 4

type input struct {
	width  uint32
	height uint32
	format backend.BufferFormat
	data   []byte
	locked bool
}

type output struct {
	size     uint32
	data     []byte
	ready    bool
	overflow bool
	locked   bool
}

// store keeps the packet if it fits the bitstream buffer. An oversized
// packet is dropped and reported on LockBitstream.
func (o *output) store(data []byte) bool {
	o.ready = true
	o.overflow = uint32(len(data)) > o.size
	if o.overflow {
		o.data = nil
		return false
	}
	o.data = data
	return true
}

type inFlight struct {
	output backend.OutputHandle
	signal backend.SignalHandle
}

type Backend struct {
	Locker xsync.Mutex

	closer       *astikit.Closer
	codecContext *astiav.CodecContext
	frame        *astiav.Frame
	packet       *astiav.Packet
	params       *backend.EncoderParams
	pts          int64

	nextHandle uint64
	inputs     map[backend.InputHandle]*input
	outputs    map[backend.OutputHandle]*output
	signals    map[backend.SignalHandle]chan struct{}
	inFlight   []inFlight
}

var _ backend.Backend = (*Backend)(nil)

func New(ctx context.Context) (backend.Backend, error) {
	return &Backend{
		inputs:  map[backend.InputHandle]*input{},
		outputs: map[backend.OutputHandle]*output{},
		signals: map[backend.SignalHandle]chan struct{}{},
	}, nil
}

func codecName(params backend.EncoderParams) string {
	if name := params.Options[OptionKeyCodecName]; name != "" {
		return name
	}
	switch params.Codec {
	case backend.CodecH264:
		return "h264_nvenc"
	case backend.CodecHEVC:
		return "hevc_nvenc"
	}
	return ""
}

func pixelFormat(format backend.BufferFormat) astiav.PixelFormat {
	switch format {
	case backend.BufferFormatABGR:
		return astiav.PixelFormatRgba
	case backend.BufferFormatARGB:
		return astiav.PixelFormatBgra
	}
	return astiav.PixelFormatNone
}

// Initialize does nothing: frames reach libavcodec through system memory.
func (b *Backend) Initialize(ctx context.Context, device gpu.Device) error {
	return nil
}

func (b *Backend) CreateEncoder(
	ctx context.Context,
	params backend.EncoderParams,
) (_err error) {
	logger.Debugf(ctx, "CreateEncoder(ctx, %#+v)", params)
	defer func() { logger.Debugf(ctx, "/CreateEncoder(ctx, %#+v): %v", params, _err) }()
	return xsync.DoR1(ctx, &b.Locker, func() error {
		return b.createEncoderNoLock(ctx, params)
	})
}

func (b *Backend) createEncoderNoLock(
	ctx context.Context,
	params backend.EncoderParams,
) (_err error) {
	if b.params != nil {
		return backend.NewStatusError("CreateEncoder", backend.StatusInvalidCall)
	}
	pixFmt := pixelFormat(params.InputFormat)
	if pixFmt == astiav.PixelFormatNone || params.FPS == 0 {
		return backend.NewStatusError("CreateEncoder", backend.StatusInvalidParam)
	}

	closer := astikit.NewCloser()
	defer func() {
		if _err != nil {
			_ = closer.Close()
		}
	}()

	name := codecName(params)
	codec := astiav.FindEncoderByName(name)
	if codec == nil {
		return fmt.Errorf("unable to find encoder '%s': %w", name, backend.NewStatusError("CreateEncoder", backend.StatusNoEncodeDevice))
	}

	codecContext := astiav.AllocCodecContext(codec)
	if codecContext == nil {
		return backend.NewStatusError("CreateEncoder", backend.StatusOutOfMemory)
	}
	closer.Add(codecContext.Free)
	codecContext.SetWidth(int(params.Width))
	codecContext.SetHeight(int(params.Height))
	codecContext.SetPixelFormat(pixFmt)
	codecContext.SetTimeBase(astiav.NewRational(1, int(params.FPS)))
	codecContext.SetFramerate(astiav.NewRational(int(params.FPS), 1))
	if params.GOPLength > 0 {
		codecContext.SetGopSize(int(params.GOPLength))
	}

	options := astiav.NewDictionary()
	defer options.Free()
	options.Set("zerolatency", "1", 0)
	options.Set("delay", "0", 0)
	options.Set("bf", "0", 0)
	switch params.RateControl {
	case backend.RateControlCBR:
		codecContext.SetBitRate(int64(params.Bitrate))
		options.Set("rc", "cbr", 0)
	case backend.RateControlConstQP:
		options.Set("rc", "constqp", 0)
		options.Set("qp", fmt.Sprintf("%d", params.QP), 0)
	}
	for key, value := range params.Options {
		if key == OptionKeyCodecName {
			continue
		}
		logger.Debugf(ctx, "options['%s'] = '%s'", key, value)
		options.Set(key, value, 0)
	}

	if err := codecContext.Open(codec, options); err != nil {
		status := backend.StatusUnsupportedDevice
		if errors.Is(err, astiav.ErrEnomem) {
			status = backend.StatusOutOfMemory
		}
		return fmt.Errorf("unable to open '%s': %w: %w", name, backend.NewStatusError("CreateEncoder", status), err)
	}

	frame := astiav.AllocFrame()
	closer.Add(frame.Free)
	frame.SetWidth(int(params.Width))
	frame.SetHeight(int(params.Height))
	frame.SetPixelFormat(pixFmt)
	if err := frame.AllocBuffer(0); err != nil {
		return fmt.Errorf("unable to allocate the frame buffer: %w: %w", backend.NewStatusError("CreateEncoder", backend.StatusOutOfMemory), err)
	}

	packet := astiav.AllocPacket()
	closer.Add(packet.Free)

	b.closer = closer
	b.codecContext = codecContext
	b.frame = frame
	b.packet = packet
	b.params = &params
	b.pts = 0
	b.inFlight = b.inFlight[:0]
	return nil
}

func (b *Backend) DestroyEncoder(ctx context.Context) error {
	return xsync.DoR1(ctx, &b.Locker, func() error {
		if b.params == nil {
			return nil
		}
		err := b.closer.Close()
		b.closer = nil
		b.codecContext = nil
		b.frame = nil
		b.packet = nil
		b.params = nil
		b.inFlight = nil
		return err
	})
}

func (b *Backend) newHandle() uint64 {
	b.nextHandle++
	return b.nextHandle
}

func (b *Backend) CreateInputResource(
	ctx context.Context,
	width, height uint32,
	format backend.BufferFormat,
) (backend.InputHandle, error) {
	return xsync.DoR2(ctx, &b.Locker, func() (backend.InputHandle, error) {
		if pixelFormat(format) == astiav.PixelFormatNone || width == 0 || height == 0 {
			return 0, backend.NewStatusError("CreateInputResource", backend.StatusInvalidParam)
		}
		h := backend.InputHandle(b.newHandle())
		b.inputs[h] = &input{
			width:  width,
			height: height,
			format: format,
			data:   make([]byte, int(width)*int(height)*bytesPerPixel),
		}
		return h, nil
	})
}

func (b *Backend) DestroyInputResource(ctx context.Context, h backend.InputHandle) error {
	return xsync.DoR1(ctx, &b.Locker, func() error {
		if _, ok := b.inputs[h]; !ok {
			return backend.NewStatusError("DestroyInputResource", backend.StatusInvalidParam)
		}
		delete(b.inputs, h)
		return nil
	})
}

func (b *Backend) CreateOutputResource(ctx context.Context, size uint32) (backend.OutputHandle, error) {
	return xsync.DoR2(ctx, &b.Locker, func() (backend.OutputHandle, error) {
		h := backend.OutputHandle(b.newHandle())
		b.outputs[h] = &output{size: size}
		return h, nil
	})
}

func (b *Backend) DestroyOutputResource(ctx context.Context, h backend.OutputHandle) error {
	return xsync.DoR1(ctx, &b.Locker, func() error {
		if _, ok := b.outputs[h]; !ok {
			return backend.NewStatusError("DestroyOutputResource", backend.StatusInvalidParam)
		}
		delete(b.outputs, h)
		return nil
	})
}

func (b *Backend) RegisterSignal(ctx context.Context) (backend.SignalHandle, error) {
	return xsync.DoR2(ctx, &b.Locker, func() (backend.SignalHandle, error) {
		h := backend.SignalHandle(b.newHandle())
		b.signals[h] = make(chan struct{}, 1)
		return h, nil
	})
}

func (b *Backend) UnregisterSignal(ctx context.Context, h backend.SignalHandle) error {
	return xsync.DoR1(ctx, &b.Locker, func() error {
		if _, ok := b.signals[h]; !ok {
			return backend.NewStatusError("UnregisterSignal", backend.StatusEventNotRegistered)
		}
		delete(b.signals, h)
		return nil
	})
}

// LockInput hands out a tightly packed system memory buffer.
func (b *Backend) LockInput(ctx context.Context, h backend.InputHandle) ([]byte, uint32, error) {
	type result struct {
		data  []byte
		pitch uint32
	}
	r, err := xsync.DoR2(ctx, &b.Locker, func() (result, error) {
		in, ok := b.inputs[h]
		if !ok {
			return result{}, backend.NewStatusError("LockInput", backend.StatusInvalidParam)
		}
		if in.locked {
			return result{}, backend.NewStatusError("LockInput", backend.StatusLockBusy)
		}
		in.locked = true
		return result{data: in.data, pitch: in.width * bytesPerPixel}, nil
	})
	return r.data, r.pitch, err
}

func (b *Backend) UnlockInput(ctx context.Context, h backend.InputHandle) error {
	return xsync.DoR1(ctx, &b.Locker, func() error {
		in, ok := b.inputs[h]
		if !ok || !in.locked {
			return backend.NewStatusError("UnlockInput", backend.StatusInvalidCall)
		}
		in.locked = false
		return nil
	})
}

// EncodeFrame sends the frame to libavcodec and hands the produced packets
// to the in-flight frames in submission order. StatusNeedMoreInput is
// returned while the frame's packet is not produced yet.
func (b *Backend) EncodeFrame(ctx context.Context, params backend.FrameParams) error {
	return xsync.DoR1(ctx, &b.Locker, func() error {
		if b.params == nil {
			return backend.NewStatusError("EncodeFrame", backend.StatusEncoderNotInitialized)
		}
		in, ok := b.inputs[params.Input]
		if !ok || in.locked {
			return backend.NewStatusError("EncodeFrame", backend.StatusInvalidParam)
		}
		out, ok := b.outputs[params.Output]
		if !ok || out.locked {
			return backend.NewStatusError("EncodeFrame", backend.StatusInvalidParam)
		}
		if _, ok := b.signals[params.Signal]; !ok {
			return backend.NewStatusError("EncodeFrame", backend.StatusEventNotRegistered)
		}

		if err := b.frame.MakeWritable(); err != nil {
			return fmt.Errorf("unable to make the frame writable: %w: %w", backend.NewStatusError("EncodeFrame", backend.StatusGeneric), err)
		}
		if err := b.frame.Data().SetBytes(in.data, 1); err != nil {
			return fmt.Errorf("unable to fill the frame: %w: %w", backend.NewStatusError("EncodeFrame", backend.StatusInvalidParam), err)
		}
		b.frame.SetPts(b.pts)
		b.pts++

		out.ready = false
		out.overflow = false
		out.data = nil
		b.inFlight = append(b.inFlight, inFlight{output: params.Output, signal: params.Signal})
		err := b.codecContext.SendFrame(b.frame)
		if errors.Is(err, astiav.ErrEagain) {
			if err := b.receivePackets(ctx); err != nil {
				return err
			}
			err = b.codecContext.SendFrame(b.frame)
		}
		if err != nil {
			b.inFlight = b.inFlight[:len(b.inFlight)-1]
			return fmt.Errorf("unable to send the frame: %w: %w", backend.NewStatusError("EncodeFrame", backend.StatusGeneric), err)
		}
		if err := b.receivePackets(ctx); err != nil {
			return err
		}
		if !out.ready {
			return backend.NewStatusError("EncodeFrame", backend.StatusNeedMoreInput)
		}
		return nil
	})
}

// receivePackets must be called with the Locker held.
func (b *Backend) receivePackets(ctx context.Context) error {
	for {
		err := b.codecContext.ReceivePacket(b.packet)
		if err != nil {
			if errors.Is(err, astiav.ErrEagain) || errors.Is(err, astiav.ErrEof) {
				return nil
			}
			return fmt.Errorf("unable to receive a packet: %w: %w", backend.NewStatusError("ReceivePacket", backend.StatusGeneric), err)
		}
		data := slices.Clone(b.packet.Data())
		b.packet.Unref()

		if len(b.inFlight) == 0 {
			logger.Errorf(ctx, "received a packet of %d bytes without a frame in flight", len(data))
			continue
		}
		f := b.inFlight[0]
		b.inFlight = b.inFlight[1:]
		if out, ok := b.outputs[f.output]; ok {
			if !out.store(data) {
				logger.Errorf(ctx, "the packet of %d bytes exceeds the bitstream buffer of %d bytes", len(data), out.size)
			}
		}
		b.fire(f.signal)
	}
}

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

func (b *Backend) LockBitstream(ctx context.Context, h backend.OutputHandle) ([]byte, error) {
	return xsync.DoR2(ctx, &b.Locker, func() ([]byte, error) {
		out, ok := b.outputs[h]
		if !ok {
			return nil, backend.NewStatusError("LockBitstream", backend.StatusInvalidParam)
		}
		if !out.ready || out.locked {
			return nil, backend.NewStatusError("LockBitstream", backend.StatusLockBusy)
		}
		if out.overflow {
			out.ready = false
			out.overflow = false
			return nil, backend.NewStatusError("LockBitstream", backend.StatusNotEnoughBuffer)
		}
		out.locked = true
		return out.data, nil
	})
}

func (b *Backend) UnlockBitstream(ctx context.Context, h backend.OutputHandle) error {
	return xsync.DoR1(ctx, &b.Locker, func() error {
		out, ok := b.outputs[h]
		if !ok || !out.locked {
			return backend.NewStatusError("UnlockBitstream", backend.StatusInvalidCall)
		}
		out.locked = false
		out.ready = false
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

// FlushEncoderQueue drains libavcodec synchronously, so the end-of-stream
// signal fires before it returns.
func (b *Backend) FlushEncoderQueue(ctx context.Context, eos backend.SignalHandle) error {
	return xsync.DoR1(ctx, &b.Locker, func() error {
		if b.params == nil {
			return backend.NewStatusError("FlushEncoderQueue", backend.StatusEncoderNotInitialized)
		}
		if _, ok := b.signals[eos]; !ok {
			return backend.NewStatusError("FlushEncoderQueue", backend.StatusEventNotRegistered)
		}
		if err := b.codecContext.SendFrame(nil); err != nil && !errors.Is(err, astiav.ErrEof) {
			return fmt.Errorf("unable to request the end of stream: %w: %w", backend.NewStatusError("FlushEncoderQueue", backend.StatusGeneric), err)
		}
		if err := b.receivePackets(ctx); err != nil {
			return err
		}
		if len(b.inFlight) > 0 {
			logger.Errorf(ctx, "%d frames were not encoded by the end of stream", len(b.inFlight))
			return nil
		}
		b.fire(eos)
		return nil
	})
}
