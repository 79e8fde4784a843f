package sink

import (
	"context"
	"fmt"

	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/google/renameio/v2"
)

// File writes into a temporary file next to Path, which atomically replaces
// Path on Close.
type File struct {
	Path string

	pending *renameio.PendingFile
	written uint64
	done    bool
}

var _ Sink = (*File)(nil)

func OpenFile(ctx context.Context, path string) (*File, error) {
	pending, err := renameio.NewPendingFile(path)
	if err != nil {
		return nil, fmt.Errorf("unable to create a pending file for '%s': %w", path, err)
	}
	logger.Debugf(ctx, "writing '%s' through '%s'", path, pending.Name())
	return &File{
		Path:    path,
		pending: pending,
	}, nil
}

func (f *File) Write(b []byte) (int, error) {
	if f.done {
		return 0, fmt.Errorf("the file '%s' is already closed", f.Path)
	}
	n, err := f.pending.Write(b)
	f.written += uint64(n)
	return n, err
}

// Written is the amount of bytes written so far.
func (f *File) Written() uint64 {
	return f.written
}

func (f *File) Close() error {
	if f.done {
		return nil
	}
	f.done = true
	if err := f.pending.CloseAtomicallyReplace(); err != nil {
		_ = f.pending.Cleanup()
		return fmt.Errorf("unable to atomically replace '%s': %w", f.Path, err)
	}
	return nil
}

func (f *File) Abort() error {
	if f.done {
		return nil
	}
	f.done = true
	if err := f.pending.Cleanup(); err != nil {
		return fmt.Errorf("unable to remove the pending file of '%s': %w", f.Path, err)
	}
	return nil
}
