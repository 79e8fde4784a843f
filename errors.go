package hwencoder

import (
	"errors"
	"fmt"
)

var (
	ErrConfiguration     = errors.New("configuration error")
	ErrInvalidResolution = errors.New("invalid resolution")
	ErrAllocation        = errors.New("unable to allocate encoder resources")
	ErrEncoderInit       = errors.New("unable to initialize the encoder")
	ErrResourceMap       = errors.New("unable to map the texture")
	ErrBackendLock       = errors.New("unable to lock the encoder input buffer")
	ErrSubmission        = errors.New("unable to submit the frame")
	ErrDrainTimeout      = errors.New("timed out draining the encoder")
	ErrTeardown          = errors.New("unable to release encoder resources")
	ErrInvalidState      = errors.New("invalid state")
)

type EncoderInitReason uint

const (
	EncoderInitReasonUnsupportedEnvironment = EncoderInitReason(iota)
	EncoderInitReasonUnsupportedDriver
	EncoderInitReasonSessionInUse
)

func (r EncoderInitReason) String() string {
	switch r {
	case EncoderInitReasonUnsupportedEnvironment:
		return "unsupported encoding environment"
	case EncoderInitReasonUnsupportedDriver:
		return "unsupported graphics driver version"
	case EncoderInitReasonSessionInUse:
		return "the hardware encoder is used by another session"
	}
	return fmt.Sprintf("unexpected_reason_%d", uint(r))
}

type EncoderInitError struct {
	Reason EncoderInitReason
	Err    error
}

func (e *EncoderInitError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrEncoderInit, e.Reason, e.Err)
}

func (e *EncoderInitError) Is(target error) bool {
	return target == ErrEncoderInit
}

func (e *EncoderInitError) Unwrap() error {
	return e.Err
}
