package session

import (
	"context"
	"fmt"

	"github.com/xaionaro-go/hwencoder"
	"github.com/xaionaro-go/hwencoder/backend"
	"github.com/xaionaro-go/hwencoder/gpu"
)

// BackendFactory creates a fresh backend per session, since a backend
// hosts at most one encoder.
type BackendFactory func(ctx context.Context) (backend.Backend, error)

type Factory struct {
	Device     gpu.Device
	NewBackend BackendFactory
	Options    []Option
}

var _ hwencoder.Factory = (*Factory)(nil)

func NewFactory(
	device gpu.Device,
	newBackend BackendFactory,
	opts ...Option,
) *Factory {
	return &Factory{
		Device:     device,
		NewBackend: newBackend,
		Options:    opts,
	}
}

func (f *Factory) NewEncoder(ctx context.Context) (hwencoder.Encoder, error) {
	return f.NewSession(ctx)
}

func (f *Factory) NewSession(ctx context.Context) (*Session, error) {
	b, err := f.NewBackend(ctx)
	if err != nil {
		return nil, fmt.Errorf("unable to create a backend: %w", err)
	}
	return New(ctx, f.Device, b, f.Options...), nil
}

// SelfTest runs SelfTest on a dedicated backend.
func (f *Factory) SelfTest(ctx context.Context) error {
	b, err := f.NewBackend(ctx)
	if err != nil {
		return fmt.Errorf("unable to create a backend: %w", err)
	}
	return SelfTest(ctx, f.Device, b, f.Options...)
}
