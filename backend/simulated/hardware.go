package simulated

import (
	"context"

	"github.com/xaionaro-go/hwencoder/gpu"
	"github.com/xaionaro-go/xsync"
)

// Hardware is the set of simulated encoder chips; each GPU device hosts at
// most one encode session at a time.
type Hardware struct {
	Locker xsync.Mutex
	owners map[gpu.Device]*Backend
}

func NewHardware() *Hardware {
	return &Hardware{
		owners: map[gpu.Device]*Backend{},
	}
}

func (hw *Hardware) acquire(ctx context.Context, device gpu.Device, owner *Backend) bool {
	return xsync.DoR1(ctx, &hw.Locker, func() bool {
		if cur, ok := hw.owners[device]; ok && cur != owner {
			return false
		}
		hw.owners[device] = owner
		return true
	})
}

func (hw *Hardware) release(ctx context.Context, device gpu.Device, owner *Backend) {
	hw.Locker.Do(ctx, func() {
		if hw.owners[device] == owner {
			delete(hw.owners, device)
		}
	})
}

// Sessions returns the amount of devices with an active encode session.
func (hw *Hardware) Sessions(ctx context.Context) int {
	return xsync.DoR1(ctx, &hw.Locker, func() int {
		return len(hw.owners)
	})
}
