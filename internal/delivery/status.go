// Package delivery tracks chat and file messages from creation to read,
// records them in a local Store and relays typing indicators.
//
// Statuses only move forward: sent < queued < delivered < read. Receipts that
// arrive out of order never downgrade a record.
package delivery

import "fmt"

type Status int

const (
	StatusSent Status = iota
	StatusQueued
	StatusDelivered
	StatusRead
)

func (s Status) String() string {
	switch s {
	case StatusSent:
		return "sent"
	case StatusQueued:
		return "queued"
	case StatusDelivered:
		return "delivered"
	case StatusRead:
		return "read"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

func ParseStatus(s string) (Status, error) {
	switch s {
	case "sent":
		return StatusSent, nil
	case "queued":
		return StatusQueued, nil
	case "delivered":
		return StatusDelivered, nil
	case "read":
		return StatusRead, nil
	default:
		return 0, fmt.Errorf("unknown status %q", s)
	}
}

type Kind string

const (
	KindChat Kind = "chat"
	KindFile Kind = "file"
)

// Message is one chat or file entry in a conversation. Peer is the other
// party and keys the conversation.
type Message struct {
	ID       string
	Peer     string
	Outgoing bool
	Kind     Kind

	Text string

	FileName string
	FileType string
	FileSize int64
	FileData string

	// Timestamp is unix milliseconds.
	Timestamp int64
	Status    Status
}
