// Package hwencoder drives a hardware video encoder: GPU textures go in,
// the raw bitstream comes out in submission order.
package hwencoder

import (
	"context"

	"github.com/xaionaro-go/hwencoder/gpu"
)

type Encoder interface {
	Configure(context.Context, EncodeConfig) error
	SubmitFrame(context.Context, gpu.Texture) error
	Flush(context.Context) error
	GetStats() *Stats
}

type Factory interface {
	NewEncoder(context.Context) (Encoder, error)
}

type Stats struct {
	FramesSubmitted    uint64
	FramesEncoded      uint64
	FramesDropped      uint64
	BytesWrote         uint64
	BackpressureDrains uint64
}
