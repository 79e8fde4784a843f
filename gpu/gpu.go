// Package gpu describes the GPU device/context the encode session copies
// textures through.
package gpu

import (
	"context"
	"fmt"

	"github.com/gogpu/gputypes"
)

type TextureDescriptor struct {
	Label  string
	Size   gputypes.Extent3D
	Format gputypes.TextureFormat
	Usage  gputypes.TextureUsage

	// CPURead marks a staging texture that may be mapped for reading.
	CPURead bool
}

func (desc TextureDescriptor) Width() uint32 {
	return desc.Size.Width
}

func (desc TextureDescriptor) Height() uint32 {
	return desc.Size.Height
}

func (desc TextureDescriptor) String() string {
	return fmt.Sprintf("%s(%dx%d, format:%v)", desc.Label, desc.Size.Width, desc.Size.Height, desc.Format)
}

type Texture interface {
	Descriptor() TextureDescriptor
}

// MappedTexture is valid until the texture is unmapped.
type MappedTexture struct {
	Data     []byte
	RowPitch uint32
}

type Device interface {
	CreateTargetTexture(ctx context.Context, desc TextureDescriptor) (Texture, error)
	CopyTexture(ctx context.Context, dst, src Texture) error
	MapForRead(ctx context.Context, tex Texture) (MappedTexture, error)
	Unmap(ctx context.Context, tex Texture) error
	ReleaseTexture(ctx context.Context, tex Texture) error
}

// StagingDescriptor returns the descriptor of a CPU-readable copy target
// matching the source texture.
func StagingDescriptor(src TextureDescriptor) TextureDescriptor {
	return TextureDescriptor{
		Label: "encoding-staging",
		Size: gputypes.Extent3D{
			Width:              src.Size.Width,
			Height:             src.Size.Height,
			DepthOrArrayLayers: 1,
		},
		Format:  src.Format,
		Usage:   gputypes.TextureUsageCopyDst,
		CPURead: true,
	}
}

// BytesPerPixel returns 0 for formats the encoder cannot consume.
func BytesPerPixel(format gputypes.TextureFormat) uint32 {
	switch format {
	case gputypes.TextureFormatRGBA8Unorm, gputypes.TextureFormatBGRA8Unorm:
		return 4
	default:
		return 0
	}
}
