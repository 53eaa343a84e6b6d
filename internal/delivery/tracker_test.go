package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-call-relay/internal/protocol"
)

type recordingSignaler struct {
	mu   sync.Mutex
	msgs []any
}

func (s *recordingSignaler) Send(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, v)
	return nil
}

func (s *recordingSignaler) receipts() []protocol.Receipt {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []protocol.Receipt
	for _, m := range s.msgs {
		if r, ok := m.(protocol.Receipt); ok {
			out = append(out, r)
		}
	}
	return out
}

func newTestTracker(t *testing.T) (*Tracker, *MemoryStore, *recordingSignaler) {
	t.Helper()
	store := NewMemoryStore()
	sig := &recordingSignaler{}
	n := 0
	tr := NewTracker(TrackerConfig{
		Store:    store,
		Signaler: sig,
		Now:      func() time.Time { return time.UnixMilli(1_700_000_000_000) },
		NewID: func() string {
			n++
			return fmt.Sprintf("m%d", n)
		},
	})
	return tr, store, sig
}

func frame(t *testing.T, v any) protocol.Frame {
	t.Helper()
	f, err := protocol.Encode(v)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return f
}

func statusOf(t *testing.T, s Store, peer, id string) Status {
	t.Helper()
	msgs, err := s.ListByConversation(context.Background(), peer)
	if err != nil {
		t.Fatalf("ListByConversation: %v", err)
	}
	for _, m := range msgs {
		if m.ID == id {
			return m.Status
		}
	}
	t.Fatalf("message %q not stored", id)
	return 0
}

func TestSendChat_RecordsSentBeforeTransmit(t *testing.T) {
	tr, store, sig := newTestTracker(t)
	ctx := context.Background()

	m, err := tr.SendChat(ctx, "bob", "hi")
	if err != nil {
		t.Fatalf("SendChat: %v", err)
	}
	if m.ID != "m1" || !m.Outgoing || m.Status != StatusSent {
		t.Fatalf("message=%+v", m)
	}
	if got := statusOf(t, store, "bob", "m1"); got != StatusSent {
		t.Fatalf("status=%s, want sent", got)
	}
	chat, ok := sig.msgs[0].(protocol.Chat)
	if !ok || chat.To != "bob" || chat.MessageID != "m1" || chat.Text != "hi" || chat.Timestamp != 1_700_000_000_000 {
		t.Fatalf("sent=%+v", sig.msgs[0])
	}

	if _, err := tr.SendChat(ctx, "bob", ""); !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("empty text err=%v, want %v", err, ErrEmptyMessage)
	}
	if _, err := tr.SendChat(ctx, "", "x"); !errors.Is(err, ErrNoRecipient) {
		t.Fatalf("no recipient err=%v, want %v", err, ErrNoRecipient)
	}
}

func TestSendFile_EncodesDataURL(t *testing.T) {
	tr, _, sig := newTestTracker(t)
	m, err := tr.SendFile(context.Background(), "bob", "a.txt", "text/plain", []byte("hey"))
	if err != nil {
		t.Fatalf("SendFile: %v", err)
	}
	if m.FileData != "data:text/plain;base64,aGV5" || m.FileSize != 3 {
		t.Fatalf("message=%+v", m)
	}
	if fm, ok := sig.msgs[0].(protocol.FileMessage); !ok || fm.FileName != "a.txt" || fm.MessageID != m.ID {
		t.Fatalf("sent=%+v", sig.msgs[0])
	}
}

func TestReceipts_Monotonic(t *testing.T) {
	tr, store, _ := newTestTracker(t)
	ctx := context.Background()
	var changes []string
	tr.cfg.OnStatus = func(id string, s Status) { changes = append(changes, id+":"+s.String()) }

	if _, err := tr.SendChat(ctx, "bob", "one"); err != nil {
		t.Fatalf("SendChat: %v", err)
	}
	if _, err := tr.SendChat(ctx, "bob", "two"); err != nil {
		t.Fatalf("SendChat: %v", err)
	}

	steps := []struct {
		v    any
		id   string
		want Status
	}{
		{protocol.MessageQueued{Type: protocol.TypeMessageQueued, MessageID: "m1", To: "bob"}, "m1", StatusQueued},
		{protocol.Receipt{Type: protocol.TypeDelivered, From: "bob", MessageID: "m1"}, "m1", StatusDelivered},
		{protocol.Receipt{Type: protocol.TypeRead, From: "bob", MessageID: "m2"}, "m2", StatusRead},
		{protocol.Receipt{Type: protocol.TypeDelivered, From: "bob", MessageID: "m2"}, "m2", StatusRead},
		{protocol.MessageQueued{Type: protocol.TypeMessageQueued, MessageID: "m1", To: "bob"}, "m1", StatusDelivered},
	}
	for i, step := range steps {
		if err := tr.HandleFrame(ctx, frame(t, step.v)); err != nil {
			t.Fatalf("step %d: HandleFrame: %v", i, err)
		}
		if got := statusOf(t, store, "bob", step.id); got != step.want {
			t.Fatalf("step %d: status(%s)=%s, want %s", i, step.id, got, step.want)
		}
	}

	want := []string{"m1:queued", "m1:delivered", "m2:read"}
	if fmt.Sprint(changes) != fmt.Sprint(want) {
		t.Fatalf("changes=%v, want %v", changes, want)
	}
}

func TestReceiptForUnknownMessageIgnored(t *testing.T) {
	tr, _, _ := newTestTracker(t)
	f := frame(t, protocol.Receipt{Type: protocol.TypeDelivered, From: "bob", MessageID: "nope"})
	if err := tr.HandleFrame(context.Background(), f); err != nil {
		t.Fatalf("HandleFrame: %v", err)
	}
}

func TestIncomingChat_AcksDeliveredOnly(t *testing.T) {
	tr, store, sig := newTestTracker(t)
	ctx := context.Background()
	var got []Message
	tr.cfg.OnMessage = func(m Message) { got = append(got, m) }

	f := frame(t, protocol.Chat{Type: protocol.TypeChat, From: "alice", Text: "hi", MessageID: "a1", Timestamp: 42})
	if err := tr.HandleFrame(ctx, f); err != nil {
		t.Fatalf("HandleFrame: %v", err)
	}

	rs := sig.receipts()
	if len(rs) != 1 || rs[0].Type != protocol.TypeDelivered || rs[0].To != "alice" || rs[0].MessageID != "a1" {
		t.Fatalf("receipts=%+v", rs)
	}
	if len(got) != 1 || got[0].Text != "hi" || got[0].Timestamp != 42 || got[0].Outgoing {
		t.Fatalf("OnMessage=%+v", got)
	}
	if s := statusOf(t, store, "alice", "a1"); s != StatusDelivered {
		t.Fatalf("status=%s, want delivered", s)
	}

	// Opening the conversation later reads it.
	if err := tr.Focus(ctx, "alice"); err != nil {
		t.Fatalf("Focus: %v", err)
	}
	rs = sig.receipts()
	if len(rs) != 2 || rs[1].Type != protocol.TypeRead || rs[1].MessageID != "a1" {
		t.Fatalf("receipts=%+v", rs)
	}
	if s := statusOf(t, store, "alice", "a1"); s != StatusRead {
		t.Fatalf("status=%s, want read", s)
	}

	// Focusing again does not resend.
	if err := tr.Focus(ctx, "alice"); err != nil {
		t.Fatalf("Focus: %v", err)
	}
	if n := len(sig.receipts()); n != 2 {
		t.Fatalf("receipts=%d after refocus, want 2", n)
	}
}

func TestIncomingChat_FocusedSendsReadAfterDelivered(t *testing.T) {
	tr, _, sig := newTestTracker(t)
	ctx := context.Background()
	if err := tr.Focus(ctx, "alice"); err != nil {
		t.Fatalf("Focus: %v", err)
	}

	if err := tr.HandleFrame(ctx, frame(t, protocol.Chat{Type: protocol.TypeChat, From: "alice", Text: "yo", MessageID: "a1"})); err != nil {
		t.Fatalf("HandleFrame: %v", err)
	}
	if err := tr.HandleFrame(ctx, frame(t, protocol.Chat{Type: protocol.TypeChat, From: "carol", Text: "hey", MessageID: "c1"})); err != nil {
		t.Fatalf("HandleFrame: %v", err)
	}

	rs := sig.receipts()
	want := []string{"delivered:alice:a1", "read:alice:a1", "delivered:carol:c1"}
	if len(rs) != len(want) {
		t.Fatalf("receipts=%+v", rs)
	}
	for i, r := range rs {
		if got := fmt.Sprintf("%s:%s:%s", r.Type, r.To, r.MessageID); got != want[i] {
			t.Fatalf("receipt[%d]=%s, want %s", i, got, want[i])
		}
	}
}

func TestDeleteMessage(t *testing.T) {
	tr, store, sig := newTestTracker(t)
	ctx := context.Background()
	if _, err := tr.SendChat(ctx, "bob", "oops"); err != nil {
		t.Fatalf("SendChat: %v", err)
	}
	if err := tr.Delete(ctx, "bob", "m1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if msgs, _ := store.ListByConversation(ctx, "bob"); len(msgs) != 0 {
		t.Fatalf("messages after delete=%+v", msgs)
	}
	if rs := sig.receipts(); len(rs) != 1 || rs[0].Type != protocol.TypeDeleteMessage || rs[0].To != "bob" {
		t.Fatalf("receipts=%+v", rs)
	}

	_ = tr.HandleFrame(ctx, frame(t, protocol.Chat{Type: protocol.TypeChat, From: "bob", Text: "x", MessageID: "b1"}))
	if err := tr.HandleFrame(ctx, frame(t, protocol.Receipt{Type: protocol.TypeDeleteMessage, From: "bob", MessageID: "b1"})); err != nil {
		t.Fatalf("HandleFrame: %v", err)
	}
	if msgs, _ := store.ListByConversation(ctx, "bob"); len(msgs) != 0 {
		t.Fatalf("remote delete left %+v", msgs)
	}
}

func TestHandleFrameUnknownType(t *testing.T) {
	tr, _, _ := newTestTracker(t)
	f := frame(t, protocol.Hangup{Type: protocol.TypeHangup, From: "bob"})
	if err := tr.HandleFrame(context.Background(), f); !errors.Is(err, ErrUnknownMessage) {
		t.Fatalf("err=%v, want %v", err, ErrUnknownMessage)
	}
}

func TestMemoryStore_SaveIsIdempotent(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	_ = s.Save(ctx, Message{ID: "x", Peer: "bob", Text: "first", Timestamp: 2})
	_ = s.Save(ctx, Message{ID: "x", Peer: "bob", Text: "second", Timestamp: 2})
	_ = s.Save(ctx, Message{ID: "y", Peer: "bob", Text: "older", Timestamp: 1})

	msgs, _ := s.ListByConversation(ctx, "bob")
	if len(msgs) != 2 || msgs[0].ID != "y" || msgs[1].Text != "first" {
		t.Fatalf("messages=%+v", msgs)
	}
	if _, err := s.UpdateStatusIfHigher(ctx, "missing", StatusRead); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err=%v, want %v", err, ErrNotFound)
	}
}

func TestParseStatus(t *testing.T) {
	for _, s := range []Status{StatusSent, StatusQueued, StatusDelivered, StatusRead} {
		got, err := ParseStatus(s.String())
		if err != nil || got != s {
			t.Fatalf("ParseStatus(%q)=%v,%v", s.String(), got, err)
		}
	}
	if _, err := ParseStatus("seen"); err == nil {
		t.Fatalf("ParseStatus accepted unknown status")
	}
}
