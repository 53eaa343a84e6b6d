package call

import "errors"

var (
	ErrInProgress          = errors.New("call: another step is already in progress")
	ErrNotIdle             = errors.New("call: a call is already in progress")
	ErrNotRinging          = errors.New("call: no incoming call")
	ErrNoSession           = errors.New("call: no active call")
	ErrNoPeer              = errors.New("call: missing peer")
	ErrCancelled           = errors.New("call: cancelled")
	ErrConnectTimeout      = errors.New("call: timed out connecting")
	ErrConnectionFailed    = errors.New("call: peer connection failed")
	ErrUnknownMessage      = errors.New("call: not a call signaling message")
	ErrUnsupportedCallType = errors.New("call: unsupported call type")
)
