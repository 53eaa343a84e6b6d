package delivery

import "errors"

var (
	ErrNotFound       = errors.New("delivery: message not found")
	ErrUnknownMessage = errors.New("delivery: not a messaging frame")
	ErrNoRecipient    = errors.New("delivery: message has no recipient")
	ErrEmptyMessage   = errors.New("delivery: empty message")
)
