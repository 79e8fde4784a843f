package session

import (
	"context"
	"fmt"

	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/xaionaro-go/hwencoder"
	"github.com/xaionaro-go/hwencoder/bufferqueue"
	"github.com/xaionaro-go/hwencoder/gpu"
)

// copyFrame moves the pixels of the texture into the slot's input buffer
// through the CPU-readable staging texture.
func (s *Session) copyFrame(
	ctx context.Context,
	tex gpu.Texture,
	slot bufferqueue.Slot,
) (_err error) {
	buf, err := s.queue.Buffer(slot)
	if err != nil {
		return err
	}

	if err := s.device.CopyTexture(ctx, s.staging, tex); err != nil {
		return fmt.Errorf("%w: unable to copy the frame into the staging texture: %w", hwencoder.ErrResourceMap, err)
	}
	mapped, err := s.device.MapForRead(ctx, s.staging)
	if err != nil {
		return fmt.Errorf("%w: %w", hwencoder.ErrResourceMap, err)
	}
	defer func() {
		if err := s.device.Unmap(ctx, s.staging); err != nil {
			logger.Errorf(ctx, "unable to unmap the staging texture: %v", err)
			if _err == nil {
				_err = fmt.Errorf("%w: unable to unmap: %w", hwencoder.ErrResourceMap, err)
			}
		}
	}()

	dst, dstPitch, err := s.backend.LockInput(ctx, buf.Input)
	if err != nil {
		return fmt.Errorf("%w: %w", hwencoder.ErrBackendLock, err)
	}
	copyErr := copyRows(dst, dstPitch, mapped.Data, mapped.RowPitch, buf.Height)
	if err := s.backend.UnlockInput(ctx, buf.Input); err != nil {
		return fmt.Errorf("%w: unable to unlock: %w", hwencoder.ErrBackendLock, err)
	}
	if copyErr != nil {
		return fmt.Errorf("%w: %w", hwencoder.ErrBackendLock, copyErr)
	}
	return nil
}

// copyRows copies height rows of the source pitch, one by one if the
// destination pitch differs.
func copyRows(
	dst []byte,
	dstPitch uint32,
	src []byte,
	srcPitch uint32,
	height uint32,
) error {
	rowLen := min(srcPitch, dstPitch)
	if height == 0 {
		return nil
	}
	if need := uint64(dstPitch)*uint64(height-1) + uint64(rowLen); uint64(len(dst)) < need {
		return fmt.Errorf("the input buffer is %d bytes, but %d are required", len(dst), need)
	}
	if need := uint64(srcPitch)*uint64(height-1) + uint64(rowLen); uint64(len(src)) < need {
		return fmt.Errorf("the mapped texture is %d bytes, but %d are required", len(src), need)
	}

	if dstPitch == srcPitch {
		size := int(srcPitch) * int(height)
		copy(dst[:min(size, len(dst))], src)
		return nil
	}
	for y := 0; y < int(height); y++ {
		copy(
			dst[y*int(dstPitch):y*int(dstPitch)+int(rowLen)],
			src[y*int(srcPitch):y*int(srcPitch)+int(rowLen)],
		)
	}
	return nil
}
