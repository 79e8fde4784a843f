package session

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/hwencoder/backend"
	"github.com/xaionaro-go/hwencoder/backend/simulated"
	"github.com/xaionaro-go/hwencoder/gpu/softgpu"
	"github.com/xaionaro-go/hwencoder/sink"
)

func TestFactory(t *testing.T) {
	ctx := context.Background()
	hw := simulated.NewHardware()
	out := &sink.Buffer{}
	f := NewFactory(softgpu.New(), func(ctx context.Context) (backend.Backend, error) {
		return simulated.New(hw), nil
	}, OptionSinkOpener(out.Opener()))

	require.NoError(t, f.SelfTest(ctx))
	require.Zero(t, hw.Sessions(ctx))

	enc, err := f.NewEncoder(ctx)
	require.NoError(t, err)
	s, ok := enc.(*Session)
	require.True(t, ok)
	require.Equal(t, StateUninitialized, s.State(ctx))
	require.NoError(t, s.Flush(ctx))
}

func TestFactoryBackendFailure(t *testing.T) {
	ctx := context.Background()
	errBackend := errors.New("no backend")
	f := NewFactory(softgpu.New(), func(ctx context.Context) (backend.Backend, error) {
		return nil, errBackend
	})

	_, err := f.NewEncoder(ctx)
	require.ErrorIs(t, err, errBackend)
	require.ErrorIs(t, f.SelfTest(ctx), errBackend)
}
