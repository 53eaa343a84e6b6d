package delivery

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wilsonzlin/aero/proxy/webrtc-call-relay/internal/protocol"
)

// Signaler delivers a message to the relay.
type Signaler interface {
	Send(v any) error
}

type TrackerConfig struct {
	Store    Store
	Signaler Signaler
	Logger   *slog.Logger

	Now   func() time.Time
	NewID func() string

	// Callbacks run on the goroutine that handled the frame or call.
	OnMessage func(Message)
	OnStatus  func(id string, s Status)
	OnDelete  func(id string)
}

// Tracker assigns message IDs, records outgoing and incoming messages and
// applies delivery receipts.
type Tracker struct {
	cfg TrackerConfig
	log *slog.Logger

	mu      sync.Mutex
	focused string
}

func NewTracker(cfg TrackerConfig) *Tracker {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Tracker{cfg: cfg, log: log}
}

// SendChat records a chat message as sent and transmits it.
func (t *Tracker) SendChat(ctx context.Context, to, text string) (Message, error) {
	if to == "" {
		return Message{}, ErrNoRecipient
	}
	if text == "" {
		return Message{}, ErrEmptyMessage
	}
	m := Message{
		ID:        t.cfg.NewID(),
		Peer:      to,
		Outgoing:  true,
		Kind:      KindChat,
		Text:      text,
		Timestamp: t.cfg.Now().UnixMilli(),
		Status:    StatusSent,
	}
	if err := t.cfg.Store.Save(ctx, m); err != nil {
		return Message{}, fmt.Errorf("save message: %w", err)
	}
	if err := t.cfg.Signaler.Send(protocol.Chat{
		Type:      protocol.TypeChat,
		To:        to,
		Text:      text,
		MessageID: m.ID,
		Timestamp: m.Timestamp,
	}); err != nil {
		return m, fmt.Errorf("send chat: %w", err)
	}
	return m, nil
}

// SendFile records a file message as sent and transmits its content inline
// as a base64 data URL.
func (t *Tracker) SendFile(ctx context.Context, to, name, fileType string, data []byte) (Message, error) {
	if to == "" {
		return Message{}, ErrNoRecipient
	}
	if name == "" {
		return Message{}, ErrEmptyMessage
	}
	if fileType == "" {
		fileType = "application/octet-stream"
	}
	m := Message{
		ID:        t.cfg.NewID(),
		Peer:      to,
		Outgoing:  true,
		Kind:      KindFile,
		FileName:  name,
		FileType:  fileType,
		FileSize:  int64(len(data)),
		FileData:  "data:" + fileType + ";base64," + base64.StdEncoding.EncodeToString(data),
		Timestamp: t.cfg.Now().UnixMilli(),
		Status:    StatusSent,
	}
	if err := t.cfg.Store.Save(ctx, m); err != nil {
		return Message{}, fmt.Errorf("save message: %w", err)
	}
	if err := t.cfg.Signaler.Send(protocol.FileMessage{
		Type:      protocol.TypeFileMessage,
		To:        to,
		MessageID: m.ID,
		FileName:  m.FileName,
		FileType:  m.FileType,
		FileSize:  m.FileSize,
		FileData:  m.FileData,
		Timestamp: m.Timestamp,
	}); err != nil {
		return m, fmt.Errorf("send file: %w", err)
	}
	return m, nil
}

// Delete removes a message locally and asks the peer to remove its copy.
func (t *Tracker) Delete(ctx context.Context, peer, id string) error {
	if err := t.cfg.Store.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	if t.cfg.OnDelete != nil {
		t.cfg.OnDelete(id)
	}
	return t.cfg.Signaler.Send(protocol.Receipt{Type: protocol.TypeDeleteMessage, To: peer, MessageID: id})
}

// SendTyping tells peer whether the local user is typing.
func (t *Tracker) SendTyping(peer string, typing bool) error {
	return t.cfg.Signaler.Send(protocol.Typing{Type: protocol.TypeTyping, To: peer, IsTyping: typing})
}

// Focus marks peer's conversation as the open view and sends read receipts
// for its unread incoming messages. An empty peer clears the focus.
func (t *Tracker) Focus(ctx context.Context, peer string) error {
	t.mu.Lock()
	t.focused = peer
	t.mu.Unlock()
	if peer == "" {
		return nil
	}

	msgs, err := t.cfg.Store.ListByConversation(ctx, peer)
	if err != nil {
		return fmt.Errorf("list conversation: %w", err)
	}
	for _, m := range msgs {
		if m.Outgoing || m.Status >= StatusRead {
			continue
		}
		if err := t.markRead(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

func (t *Tracker) Focused() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.focused
}

// HandleFrame applies an inbound messaging frame. Frames for other features
// return ErrUnknownMessage.
func (t *Tracker) HandleFrame(ctx context.Context, f protocol.Frame) error {
	switch f.Type {
	case protocol.TypeChat:
		var c protocol.Chat
		if err := f.Decode(&c); err != nil {
			return err
		}
		return t.receive(ctx, Message{
			ID:        c.MessageID,
			Peer:      c.From,
			Kind:      KindChat,
			Text:      c.Text,
			Timestamp: c.Timestamp,
		})
	case protocol.TypeFileMessage:
		var fm protocol.FileMessage
		if err := f.Decode(&fm); err != nil {
			return err
		}
		return t.receive(ctx, Message{
			ID:        fm.MessageID,
			Peer:      fm.From,
			Kind:      KindFile,
			FileName:  fm.FileName,
			FileType:  fm.FileType,
			FileSize:  fm.FileSize,
			FileData:  fm.FileData,
			Timestamp: fm.Timestamp,
		})
	case protocol.TypeMessageQueued:
		var q protocol.MessageQueued
		if err := f.Decode(&q); err != nil {
			return err
		}
		return t.upgrade(ctx, q.MessageID, StatusQueued)
	case protocol.TypeDelivered, protocol.TypeRead:
		var r protocol.Receipt
		if err := f.Decode(&r); err != nil {
			return err
		}
		st := StatusDelivered
		if f.Type == protocol.TypeRead {
			st = StatusRead
		}
		return t.upgrade(ctx, r.MessageID, st)
	case protocol.TypeDeleteMessage:
		var r protocol.Receipt
		if err := f.Decode(&r); err != nil {
			return err
		}
		if r.MessageID == "" {
			return nil
		}
		if err := t.cfg.Store.Delete(ctx, r.MessageID); err != nil {
			return fmt.Errorf("delete message: %w", err)
		}
		if t.cfg.OnDelete != nil {
			t.cfg.OnDelete(r.MessageID)
		}
		return nil
	default:
		return ErrUnknownMessage
	}
}

// receive records an incoming message, acknowledges it and, when its
// conversation is open, marks it read.
func (t *Tracker) receive(ctx context.Context, m Message) error {
	if m.ID == "" || m.Peer == "" {
		t.log.Debug("dropping message without id or sender", "from", m.Peer, "message_id", m.ID)
		return nil
	}
	if m.Timestamp == 0 {
		m.Timestamp = t.cfg.Now().UnixMilli()
	}
	m.Status = StatusDelivered
	if err := t.cfg.Store.Save(ctx, m); err != nil {
		return fmt.Errorf("save message: %w", err)
	}
	if t.cfg.OnMessage != nil {
		t.cfg.OnMessage(m)
	}

	if err := t.cfg.Signaler.Send(protocol.Receipt{Type: protocol.TypeDelivered, To: m.Peer, MessageID: m.ID}); err != nil {
		return fmt.Errorf("send delivered: %w", err)
	}
	if t.Focused() == m.Peer {
		return t.markRead(ctx, m)
	}
	return nil
}

func (t *Tracker) markRead(ctx context.Context, m Message) error {
	if err := t.cfg.Signaler.Send(protocol.Receipt{Type: protocol.TypeRead, To: m.Peer, MessageID: m.ID}); err != nil {
		return fmt.Errorf("send read: %w", err)
	}
	_, err := t.cfg.Store.UpdateStatusIfHigher(ctx, m.ID, StatusRead)
	return err
}

func (t *Tracker) upgrade(ctx context.Context, id string, st Status) error {
	changed, err := t.cfg.Store.UpdateStatusIfHigher(ctx, id, st)
	if errors.Is(err, ErrNotFound) {
		t.log.Debug("receipt for unknown message", "message_id", id, "status", st.String())
		return nil
	}
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	if changed && t.cfg.OnStatus != nil {
		t.cfg.OnStatus(id, st)
	}
	return nil
}
