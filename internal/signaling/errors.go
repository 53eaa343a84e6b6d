package signaling

import "errors"

var (
	ErrConnClosed   = errors.New("signaling: connection closed")
	ErrOutboundFull = errors.New("signaling: outbound buffer full")
	ErrServerClosed = errors.New("signaling: server closed")
)
