package sink

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFileClose(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "out.h264")

	f, err := OpenFile(ctx, path)
	require.NoError(t, err)
	_, err = f.Write([]byte{0, 0, 0, 1})
	require.NoError(t, err)
	_, err = f.Write([]byte{0x65})
	require.NoError(t, err)
	require.Equal(t, uint64(5), f.Written())

	_, err = os.Stat(path)
	require.True(t, os.IsNotExist(err), err)

	require.NoError(t, f.Close())
	require.NoError(t, f.Close())
	require.NoError(t, f.Abort())

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, []byte{0, 0, 0, 1, 0x65}, b)

	_, err = f.Write([]byte{1})
	require.Error(t, err)
}

func TestFileAbort(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "out.h264")

	s, err := OpenFileSink(ctx, path)
	require.NoError(t, err)
	_, err = s.Write([]byte{1, 2, 3})
	require.NoError(t, err)
	require.NoError(t, s.Abort())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestFileOpenFailure(t *testing.T) {
	_, err := OpenFile(context.Background(), filepath.Join(t.TempDir(), "missing", "out.h264"))
	require.Error(t, err)
}

func TestBuffer(t *testing.T) {
	var b Buffer
	_, err := b.Write([]byte{1, 2})
	require.NoError(t, err)
	require.NoError(t, b.Close())
	require.NoError(t, b.Abort())
	require.True(t, b.IsClosed())
	require.False(t, b.IsAborted())
	require.Equal(t, []byte{1, 2}, b.Bytes())

	aborted := &Buffer{}
	_, err = aborted.Write([]byte{1})
	require.NoError(t, err)
	require.NoError(t, aborted.Abort())
	require.Empty(t, aborted.Bytes())

	s, err := aborted.Opener()(context.Background(), "ignored")
	require.NoError(t, err)
	_, err = s.Write([]byte{1})
	require.Error(t, err)

	failing := &Buffer{WriteError: errors.New("disk full")}
	_, err = failing.Write([]byte{1})
	require.ErrorContains(t, err, "disk full")
}
