package simulated

import (
	"time"

	"github.com/xaionaro-go/hwencoder/backend"
)

type Op string

const (
	OpInitialize            = Op("Initialize")
	OpCreateEncoder         = Op("CreateEncoder")
	OpDestroyEncoder        = Op("DestroyEncoder")
	OpCreateInputResource   = Op("CreateInputResource")
	OpDestroyInputResource  = Op("DestroyInputResource")
	OpCreateOutputResource  = Op("CreateOutputResource")
	OpDestroyOutputResource = Op("DestroyOutputResource")
	OpRegisterSignal        = Op("RegisterSignal")
	OpUnregisterSignal      = Op("UnregisterSignal")
	OpLockInput             = Op("LockInput")
	OpUnlockInput           = Op("UnlockInput")
	OpEncodeFrame           = Op("EncodeFrame")
	OpLockBitstream         = Op("LockBitstream")
	OpUnlockBitstream       = Op("UnlockBitstream")
	OpFlushEncoderQueue     = Op("FlushEncoderQueue")
)

type fault struct {
	Status         backend.Status
	AfterSuccesses uint
}

type Option func(*Backend)

// OptionFault makes the operation fail with the status once it has
// succeeded afterSuccesses times.
func OptionFault(op Op, status backend.Status, afterSuccesses uint) Option {
	return func(b *Backend) {
		b.faults[op] = fault{Status: status, AfterSuccesses: afterSuccesses}
	}
}

// OptionCompletionDelay sets how long the frame with the given submission
// sequence number takes to encode. Decreasing delays complete frames out of
// order.
func OptionCompletionDelay(delay func(seq uint64) time.Duration) Option {
	return func(b *Backend) {
		b.completionDelay = delay
	}
}

// OptionNeedMoreInput makes the first count EncodeFrame calls report
// StatusNeedMoreInput. The frames are still encoded.
func OptionNeedMoreInput(count uint) Option {
	return func(b *Backend) {
		b.needMoreInput = count
	}
}

// OptionStall makes submitted frames never complete.
func OptionStall() Option {
	return func(b *Backend) {
		b.stall = true
	}
}

// OptionPitchAlignment pads every input row to a multiple of the value.
func OptionPitchAlignment(alignment uint32) Option {
	return func(b *Backend) {
		b.pitchAlignment = alignment
	}
}
