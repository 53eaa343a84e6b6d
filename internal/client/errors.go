package client

import "errors"

var (
	ErrNotConnected   = errors.New("client: not connected")
	ErrClosed         = errors.New("client: closed")
	ErrReconnectLimit = errors.New("client: connection lost; reconnect limit reached")
)
