package session

import (
	"context"
	"fmt"
	"slices"

	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/gogpu/gputypes"
	"github.com/xaionaro-go/hwencoder"
	"github.com/xaionaro-go/hwencoder/backend"
	"github.com/xaionaro-go/hwencoder/gpu"
	"github.com/xaionaro-go/hwencoder/sink"
)

const selfTestSize = 100

// SelfTest encodes a single blank frame into a discarded output to check
// that the device and the backend can host an encode session.
func SelfTest(
	ctx context.Context,
	device gpu.Device,
	encoderBackend backend.Backend,
	opts ...Option,
) (_err error) {
	logger.Debugf(ctx, "SelfTest")
	defer func() { logger.Debugf(ctx, "/SelfTest: %v", _err) }()

	out := &sink.Buffer{}
	defer out.Abort()

	cfg := hwencoder.DefaultEncodeConfig("self-test", selfTestSize, selfTestSize, 0, 30)
	tex, err := device.CreateTargetTexture(ctx, gpu.TextureDescriptor{
		Label: "self-test",
		Size: gputypes.Extent3D{
			Width:              selfTestSize,
			Height:             selfTestSize,
			DepthOrArrayLayers: 1,
		},
		Format: TextureFormat(cfg.InputFormat),
		Usage:  gputypes.TextureUsageCopySrc,
	})
	if err != nil {
		return fmt.Errorf("unable to create the self-test texture: %w", err)
	}
	defer func() {
		if err := device.ReleaseTexture(ctx, tex); err != nil {
			logger.Errorf(ctx, "unable to release the self-test texture: %v", err)
		}
	}()

	s := New(ctx, device, encoderBackend, append(slices.Clone(opts), OptionSinkOpener(out.Opener()))...)
	if err := s.Configure(ctx, cfg); err != nil {
		return err
	}
	submitErr := s.SubmitFrame(ctx, tex)
	if err := s.Flush(ctx); err != nil {
		if submitErr == nil {
			return err
		}
		logger.Errorf(ctx, "unable to flush the self-test session: %v", err)
	}
	if submitErr != nil {
		return submitErr
	}
	if stats := s.GetStats(); stats.FramesEncoded != 1 {
		return fmt.Errorf("expected one encoded frame, got %d", stats.FramesEncoded)
	}
	return nil
}
