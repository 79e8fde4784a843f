package internal

import (
	"context"
	"runtime"

	"github.com/facebookincubator/go-belt/tool/logger"
)

// SetFinalizer runs callback when obj becomes unreachable. Nothing is
// called if the object is collected after runtime.SetFinalizer(obj, nil).
func SetFinalizer[T any](
	ctx context.Context,
	obj T,
	callback func(in T),
) {
	runtime.SetFinalizer(obj, func(obj T) {
		logger.Debugf(ctx, "finalizing %T", obj)
		callback(obj)
	})
}
