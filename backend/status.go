package backend

import (
	"errors"
	"fmt"

	pkgerrors "github.com/pkg/errors"
)

// Status is the result code reported by a hardware encoder backend. The
// values follow the NVENC API.
type Status int

const (
	StatusSuccess = Status(iota)
	StatusNoEncodeDevice
	StatusUnsupportedDevice
	StatusInvalidEncoderDevice
	StatusInvalidDevice
	StatusDeviceNotExist
	StatusInvalidPtr
	StatusInvalidEvent
	StatusInvalidParam
	StatusInvalidCall
	StatusOutOfMemory
	StatusEncoderNotInitialized
	StatusUnsupportedParam
	StatusLockBusy
	StatusNotEnoughBuffer
	StatusInvalidVersion
	StatusMapFailed
	StatusNeedMoreInput
	StatusEncoderBusy
	StatusEventNotRegistered
	StatusGeneric
	StatusIncompatibleClientKey
	StatusUnimplemented
	StatusResourceRegisterFailed
	StatusResourceNotRegistered
	StatusResourceNotMapped
	EndOfStatus
)

var statusNames = [...]string{
	"NV_ENC_SUCCESS", "NV_ENC_ERR_NO_ENCODE_DEVICE", "NV_ENC_ERR_UNSUPPORTED_DEVICE", "NV_ENC_ERR_INVALID_ENCODERDEVICE",
	"NV_ENC_ERR_INVALID_DEVICE", "NV_ENC_ERR_DEVICE_NOT_EXIST", "NV_ENC_ERR_INVALID_PTR", "NV_ENC_ERR_INVALID_EVENT",
	"NV_ENC_ERR_INVALID_PARAM", "NV_ENC_ERR_INVALID_CALL", "NV_ENC_ERR_OUT_OF_MEMORY", "NV_ENC_ERR_ENCODER_NOT_INITIALIZED",
	"NV_ENC_ERR_UNSUPPORTED_PARAM", "NV_ENC_ERR_LOCK_BUSY", "NV_ENC_ERR_NOT_ENOUGH_BUFFER", "NV_ENC_ERR_INVALID_VERSION",
	"NV_ENC_ERR_MAP_FAILED", "NV_ENC_ERR_NEED_MORE_INPUT", "NV_ENC_ERR_ENCODER_BUSY", "NV_ENC_ERR_EVENT_NOT_REGISTERD",
	"NV_ENC_ERR_GENERIC", "NV_ENC_ERR_INCOMPATIBLE_CLIENT_KEY", "NV_ENC_ERR_UNIMPLEMENTED", "NV_ENC_ERR_RESOURCE_REGISTER_FAILED",
	"NV_ENC_ERR_RESOURCE_NOT_REGISTERED", "NV_ENC_ERR_RESOURCE_NOT_MAPPED",
}

func (s Status) String() string {
	if s < 0 || s >= EndOfStatus {
		return fmt.Sprintf("unexpected_status_%d", int(s))
	}
	return statusNames[s]
}

type StatusError struct {
	Op     string
	Status Status
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Status)
}

// NewStatusError returns nil for StatusSuccess.
func NewStatusError(op string, status Status) error {
	if status == StatusSuccess {
		return nil
	}
	return pkgerrors.WithStack(&StatusError{Op: op, Status: status})
}

// StatusOf extracts the status from an error returned by a Backend.
// A nil error is StatusSuccess, an error without a status is StatusGeneric.
func StatusOf(err error) Status {
	if err == nil {
		return StatusSuccess
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Status
	}
	return StatusGeneric
}

var ErrWaitTimeout = errors.New("timed out waiting for the signal")

// IsFatal reports whether the status leaves the encoder unusable, as opposed
// to a failure of a single frame.
func (s Status) IsFatal() bool {
	switch s {
	case StatusNoEncodeDevice,
		StatusUnsupportedDevice,
		StatusInvalidEncoderDevice,
		StatusInvalidDevice,
		StatusDeviceNotExist,
		StatusEncoderNotInitialized,
		StatusGeneric:
		return true
	}
	return false
}
