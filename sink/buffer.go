package sink

import (
	"bytes"
	"context"
	"fmt"
	"slices"
	"sync"
)

// Buffer keeps the bitstream in memory. It is safe to inspect while another
// goroutine writes to it.
type Buffer struct {
	locker  sync.Mutex
	buf     bytes.Buffer
	closed  bool
	aborted bool

	// WriteError, if set, is returned by every Write.
	WriteError error
}

var _ Sink = (*Buffer)(nil)

func (b *Buffer) Write(p []byte) (int, error) {
	b.locker.Lock()
	defer b.locker.Unlock()
	if b.closed || b.aborted {
		return 0, fmt.Errorf("the buffer is already closed")
	}
	if b.WriteError != nil {
		return 0, b.WriteError
	}
	return b.buf.Write(p)
}

func (b *Buffer) Close() error {
	b.locker.Lock()
	defer b.locker.Unlock()
	if !b.aborted {
		b.closed = true
	}
	return nil
}

// Abort drops the content.
func (b *Buffer) Abort() error {
	b.locker.Lock()
	defer b.locker.Unlock()
	if !b.closed {
		b.aborted = true
		b.buf.Reset()
	}
	return nil
}

func (b *Buffer) Bytes() []byte {
	b.locker.Lock()
	defer b.locker.Unlock()
	return slices.Clone(b.buf.Bytes())
}

func (b *Buffer) IsClosed() bool {
	b.locker.Lock()
	defer b.locker.Unlock()
	return b.closed
}

func (b *Buffer) IsAborted() bool {
	b.locker.Lock()
	defer b.locker.Unlock()
	return b.aborted
}

// Opener returns an Opener that always hands out this buffer.
func (b *Buffer) Opener() Opener {
	return func(ctx context.Context, path string) (Sink, error) {
		return b, nil
	}
}
