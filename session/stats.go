package session

import (
	"sync/atomic"

	"github.com/xaionaro-go/hwencoder"
)

type Statistics struct {
	FramesSubmitted    atomic.Uint64
	FramesEncoded      atomic.Uint64
	FramesDropped      atomic.Uint64
	BytesWrote         atomic.Uint64
	BackpressureDrains atomic.Uint64
}

func (stats *Statistics) Convert() hwencoder.Stats {
	return hwencoder.Stats{
		FramesSubmitted:    stats.FramesSubmitted.Load(),
		FramesEncoded:      stats.FramesEncoded.Load(),
		FramesDropped:      stats.FramesDropped.Load(),
		BytesWrote:         stats.BytesWrote.Load(),
		BackpressureDrains: stats.BackpressureDrains.Load(),
	}
}

// GetStats is cumulative over every recording of the session.
func (s *Session) GetStats() *hwencoder.Stats {
	return ptr(s.Statistics.Convert())
}

func ptr[T any](in T) *T {
	return &in
}
