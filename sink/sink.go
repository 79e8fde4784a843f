// Package sink provides the destinations the encoded bitstream is written to.
package sink

import (
	"context"
	"io"
)

// Sink receives the raw bitstream in order. Close publishes the result,
// Abort discards it. Both are idempotent and exclusive of each other.
type Sink interface {
	io.Writer
	Close() error
	Abort() error
}

type Opener func(ctx context.Context, path string) (Sink, error)

// OpenFileSink is the Opener of File.
func OpenFileSink(ctx context.Context, path string) (Sink, error) {
	return OpenFile(ctx, path)
}
