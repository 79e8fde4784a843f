package internal

import (
	"context"
	"fmt"

	"github.com/facebookincubator/go-belt/tool/logger"
)

// Assertf panics (through the context logger, so the message is flushed)
// when an internal invariant is broken.
func Assertf(
	ctx context.Context,
	mustBeTrue bool,
	format string,
	args ...any,
) {
	if mustBeTrue {
		return
	}
	logger.Panic(ctx, "assertion failed: "+fmt.Sprintf(format, args...))
}
