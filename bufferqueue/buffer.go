// Package bufferqueue implements the fixed ring of encode buffers shared by
// the copy, submission and drain stages.
package bufferqueue

import (
	"fmt"

	"github.com/xaionaro-go/hwencoder/backend"
)

type SlotState uint8

const (
	SlotStateFree = SlotState(iota)
	SlotStateCopying
	SlotStatePending
	SlotStateDraining
)

func (s SlotState) String() string {
	switch s {
	case SlotStateFree:
		return "free"
	case SlotStateCopying:
		return "copying"
	case SlotStatePending:
		return "pending"
	case SlotStateDraining:
		return "draining"
	}
	return fmt.Sprintf("unexpected_slot_state_%d", uint8(s))
}

// Slot is a handle to an EncodeBuffer; it is invalidated when the buffer is
// handed out again.
type Slot struct {
	Index      int
	Generation uint64
}

func (s Slot) String() string {
	return fmt.Sprintf("slot#%d/gen%d", s.Index, s.Generation)
}

type Resources struct {
	Input  backend.InputHandle
	Output backend.OutputHandle
	Signal backend.SignalHandle
}

func (r Resources) IsNull() bool {
	return r == Resources{}
}

type EncodeBuffer struct {
	Resources

	Width         uint32
	Height        uint32
	Format        backend.BufferFormat
	BitstreamSize uint32

	State      SlotState
	Generation uint64

	// Sequence is the submission order of the frame the buffer holds.
	Sequence uint64

	// Abandoned buffers failed a copy and stay out of rotation until the
	// queue is released.
	Abandoned bool
}

type EndOfStreamMarker struct {
	Signal backend.SignalHandle
}
