//go:build !with_libav
// +build !with_libav

package libav

import (
	"context"
	"fmt"

	"github.com/xaionaro-go/hwencoder/backend"
)

const OptionKeyCodecName = "codec_name"

func New(ctx context.Context) (backend.Backend, error) {
	return nil, fmt.Errorf("not compiled with libav support")
}
