// Package softgpu is a CPU-memory implementation of gpu.Device.
package softgpu

import (
	"context"
	"fmt"
	"sync"

	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/xaionaro-go/hwencoder/gpu"
)

const defaultRowPitchAlignment = 64

type Texture struct {
	device   *Device
	desc     gpu.TextureDescriptor
	pixels   []byte
	rowPitch uint32
	mapped   bool
	released bool
}

var _ gpu.Texture = (*Texture)(nil)

func (t *Texture) Descriptor() gpu.TextureDescriptor {
	return t.desc
}

func (t *Texture) RowPitch() uint32 {
	return t.rowPitch
}

type Device struct {
	locker            sync.Mutex
	rowPitchAlignment uint32
	textures          map[*Texture]struct{}
	mapCount          int
}

var _ gpu.Device = (*Device)(nil)

type Option func(*Device)

// OptionRowPitchAlignment pads every texture row to a multiple of the value.
func OptionRowPitchAlignment(alignment uint32) Option {
	return func(d *Device) {
		d.rowPitchAlignment = alignment
	}
}

func New(opts ...Option) *Device {
	d := &Device{
		rowPitchAlignment: defaultRowPitchAlignment,
		textures:          map[*Texture]struct{}{},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Device) CreateTargetTexture(
	ctx context.Context,
	desc gpu.TextureDescriptor,
) (gpu.Texture, error) {
	return d.newTexture(ctx, desc)
}

func (d *Device) newTexture(
	ctx context.Context,
	desc gpu.TextureDescriptor,
) (*Texture, error) {
	bpp := gpu.BytesPerPixel(desc.Format)
	if bpp == 0 {
		return nil, fmt.Errorf("unsupported texture format %v", desc.Format)
	}
	if desc.Width() == 0 || desc.Height() == 0 {
		return nil, fmt.Errorf("invalid texture size %dx%d", desc.Width(), desc.Height())
	}

	rowPitch := desc.Width() * bpp
	if a := d.rowPitchAlignment; a > 1 {
		rowPitch = (rowPitch + a - 1) / a * a
	}
	t := &Texture{
		device:   d,
		desc:     desc,
		pixels:   make([]byte, int(rowPitch)*int(desc.Height())),
		rowPitch: rowPitch,
	}
	logger.Tracef(ctx, "created texture %s with row pitch %d", desc, rowPitch)

	d.locker.Lock()
	defer d.locker.Unlock()
	d.textures[t] = struct{}{}
	return t, nil
}

// NewTextureFromPixels creates a texture and fills it with tightly packed
// rows (width*bytesPerPixel bytes each).
func (d *Device) NewTextureFromPixels(
	ctx context.Context,
	desc gpu.TextureDescriptor,
	pixels []byte,
) (*Texture, error) {
	t, err := d.newTexture(ctx, desc)
	if err != nil {
		return nil, err
	}
	if err := t.WritePixels(pixels); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Texture) WritePixels(pixels []byte) error {
	rowLen := int(t.desc.Width() * gpu.BytesPerPixel(t.desc.Format))
	height := int(t.desc.Height())
	if len(pixels) != rowLen*height {
		return fmt.Errorf("expected %d bytes of pixels, received %d", rowLen*height, len(pixels))
	}

	t.device.locker.Lock()
	defer t.device.locker.Unlock()
	for y := 0; y < height; y++ {
		copy(t.pixels[y*int(t.rowPitch):], pixels[y*rowLen:(y+1)*rowLen])
	}
	return nil
}

func (d *Device) texture(tex gpu.Texture) (*Texture, error) {
	t, ok := tex.(*Texture)
	if !ok {
		return nil, fmt.Errorf("expected a texture of type %T, but received %T", t, tex)
	}
	if t.device != d {
		return nil, fmt.Errorf("the texture belongs to another device")
	}
	if t.released {
		return nil, fmt.Errorf("the texture %s is already released", t.desc)
	}
	return t, nil
}

func (d *Device) CopyTexture(
	ctx context.Context,
	dstIface gpu.Texture,
	srcIface gpu.Texture,
) error {
	d.locker.Lock()
	defer d.locker.Unlock()

	dst, err := d.texture(dstIface)
	if err != nil {
		return fmt.Errorf("invalid destination: %w", err)
	}
	src, err := d.texture(srcIface)
	if err != nil {
		return fmt.Errorf("invalid source: %w", err)
	}
	if dst.desc.Size != src.desc.Size || dst.desc.Format != src.desc.Format {
		return fmt.Errorf("incompatible textures: %s <- %s", dst.desc, src.desc)
	}
	if dst.mapped {
		return fmt.Errorf("the destination texture %s is mapped", dst.desc)
	}

	rowLen := int(src.desc.Width() * gpu.BytesPerPixel(src.desc.Format))
	for y := 0; y < int(src.desc.Height()); y++ {
		copy(
			dst.pixels[y*int(dst.rowPitch):y*int(dst.rowPitch)+rowLen],
			src.pixels[y*int(src.rowPitch):y*int(src.rowPitch)+rowLen],
		)
	}
	return nil
}

func (d *Device) MapForRead(
	ctx context.Context,
	tex gpu.Texture,
) (gpu.MappedTexture, error) {
	d.locker.Lock()
	defer d.locker.Unlock()

	t, err := d.texture(tex)
	if err != nil {
		return gpu.MappedTexture{}, err
	}
	if !t.desc.CPURead {
		return gpu.MappedTexture{}, fmt.Errorf("the texture %s was not created with CPU read access", t.desc)
	}
	if t.mapped {
		return gpu.MappedTexture{}, fmt.Errorf("the texture %s is already mapped", t.desc)
	}
	t.mapped = true
	d.mapCount++
	return gpu.MappedTexture{
		Data:     t.pixels,
		RowPitch: t.rowPitch,
	}, nil
}

func (d *Device) Unmap(
	ctx context.Context,
	tex gpu.Texture,
) error {
	d.locker.Lock()
	defer d.locker.Unlock()

	t, err := d.texture(tex)
	if err != nil {
		return err
	}
	if !t.mapped {
		return fmt.Errorf("the texture %s is not mapped", t.desc)
	}
	t.mapped = false
	d.mapCount--
	return nil
}

func (d *Device) ReleaseTexture(
	ctx context.Context,
	tex gpu.Texture,
) error {
	d.locker.Lock()
	defer d.locker.Unlock()

	t, err := d.texture(tex)
	if err != nil {
		return err
	}
	if t.mapped {
		t.mapped = false
		d.mapCount--
	}
	t.released = true
	t.pixels = nil
	delete(d.textures, t)
	return nil
}

// MappedCount returns the amount of textures currently mapped.
func (d *Device) MappedCount() int {
	d.locker.Lock()
	defer d.locker.Unlock()
	return d.mapCount
}

// LiveTextures returns the amount of textures not released yet.
func (d *Device) LiveTextures() int {
	d.locker.Lock()
	defer d.locker.Unlock()
	return len(d.textures)
}
