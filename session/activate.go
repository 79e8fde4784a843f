package session

import (
	"context"
	"fmt"

	"github.com/asticode/go-astikit"
	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/gogpu/gputypes"
	"github.com/xaionaro-go/hwencoder"
	"github.com/xaionaro-go/hwencoder/backend"
	"github.com/xaionaro-go/hwencoder/bufferqueue"
	"github.com/xaionaro-go/hwencoder/gpu"
	"github.com/xaionaro-go/xcontext"
)

// TextureFormat is the texture format carrying the pixels in the byte order
// of the encoder input format.
func TextureFormat(format backend.BufferFormat) gputypes.TextureFormat {
	switch format {
	case backend.BufferFormatABGR:
		return gputypes.TextureFormatRGBA8Unorm
	case backend.BufferFormatARGB:
		return gputypes.TextureFormatBGRA8Unorm
	}
	return gputypes.TextureFormatUndefined
}

func (s *Session) checkTexture(tex gpu.Texture) error {
	if tex == nil {
		return fmt.Errorf("%w: the texture is nil", hwencoder.ErrConfiguration)
	}
	desc := tex.Descriptor()
	res := hwencoder.Resolution{Width: desc.Width(), Height: desc.Height()}
	if !res.Fits(s.config.MaxResolution) {
		return fmt.Errorf("%w: %s exceeds %s", hwencoder.ErrInvalidResolution, res, s.config.MaxResolution)
	}
	if res != s.config.Resolution() {
		return fmt.Errorf("%w: the texture is %s, but the session is configured for %s", hwencoder.ErrConfiguration, res, s.config.Resolution())
	}
	if expected := TextureFormat(s.config.InputFormat); desc.Format != expected {
		return fmt.Errorf("%w: the texture format is %v, but %v is expected for input format %s", hwencoder.ErrConfiguration, desc.Format, expected, s.config.InputFormat)
	}
	return nil
}

func encoderInitError(err error) error {
	reason := hwencoder.EncoderInitReasonUnsupportedEnvironment
	switch backend.StatusOf(err) {
	case backend.StatusInvalidVersion:
		reason = hwencoder.EncoderInitReasonUnsupportedDriver
	case backend.StatusOutOfMemory:
		reason = hwencoder.EncoderInitReasonSessionInUse
	}
	return &hwencoder.EncoderInitError{Reason: reason, Err: err}
}

// activate creates the encoder, the staging texture and the buffer queue.
// On failure everything is rolled back and the session stays Uninitialized.
func (s *Session) activate(
	ctx context.Context,
	tex gpu.Texture,
) (_err error) {
	logger.Debugf(ctx, "activate")
	defer func() { logger.Debugf(ctx, "/activate: %v", _err) }()

	s.state = StateConfiguring
	teardownCtx := xcontext.DetachDone(ctx)
	closer := astikit.NewCloser()
	defer func() {
		if _err == nil {
			return
		}
		if err := closer.Close(); err != nil {
			logger.Errorf(ctx, "unable to roll back the encoder initialization: %v", err)
		}
		s.state = StateUninitialized
	}()

	// the closer must not reference s, or the finalizer never runs
	encoderBackend, device := s.backend, s.device

	if err := encoderBackend.Initialize(ctx, device); err != nil {
		return encoderInitError(err)
	}
	cfg := s.config
	if err := encoderBackend.CreateEncoder(ctx, cfg.EncoderParams(cfg.Resolution())); err != nil {
		return encoderInitError(err)
	}
	closer.AddWithError(func() error {
		return encoderBackend.DestroyEncoder(teardownCtx)
	})

	staging, err := device.CreateTargetTexture(ctx, gpu.StagingDescriptor(tex.Descriptor()))
	if err != nil {
		return fmt.Errorf("%w: unable to create the staging texture: %w", hwencoder.ErrAllocation, err)
	}
	closer.AddWithError(func() error {
		return device.ReleaseTexture(teardownCtx, staging)
	})

	queue, err := bufferqueue.Allocate(ctx, encoderBackend, bufferqueue.Params{
		Capacity:      cfg.BufferCount,
		Width:         cfg.Width,
		Height:        cfg.Height,
		Format:        cfg.InputFormat,
		BitstreamSize: cfg.BitstreamBufferSize,
	}, s.queueOpts...)
	if err != nil {
		return err
	}
	closer.AddWithError(func() error {
		return queue.Release(teardownCtx)
	})

	s.closer = closer
	s.staging = staging
	s.queue = queue
	s.state = StateActive
	s.metrics.ObserveSessionActivated()
	return nil
}
