package delivery

import (
	"context"
	"sort"
	"sync"
)

// Store persists conversation history.
type Store interface {
	// Save records m. Saving an ID that already exists is a no-op.
	Save(ctx context.Context, m Message) error
	// ListByConversation returns peer's messages oldest first.
	ListByConversation(ctx context.Context, peer string) ([]Message, error)
	// Delete removes a message. Deleting an unknown ID is not an error.
	Delete(ctx context.Context, id string) error
	// UpdateStatusIfHigher raises the status of id to s and reports whether
	// it changed. It returns ErrNotFound for unknown IDs.
	UpdateStatusIfHigher(ctx context.Context, id string, s Status) (bool, error)
}

type MemoryStore struct {
	mu   sync.Mutex
	seq  int
	msgs map[string]memoryEntry
}

type memoryEntry struct {
	seq int
	msg Message
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{msgs: make(map[string]memoryEntry)}
}

func (s *MemoryStore) Save(_ context.Context, m Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.msgs[m.ID]; ok {
		return nil
	}
	s.seq++
	s.msgs[m.ID] = memoryEntry{seq: s.seq, msg: m}
	return nil
}

func (s *MemoryStore) ListByConversation(_ context.Context, peer string) ([]Message, error) {
	s.mu.Lock()
	entries := make([]memoryEntry, 0)
	for _, e := range s.msgs {
		if e.msg.Peer == peer {
			entries = append(entries, e)
		}
	}
	s.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].msg.Timestamp != entries[j].msg.Timestamp {
			return entries[i].msg.Timestamp < entries[j].msg.Timestamp
		}
		return entries[i].seq < entries[j].seq
	})
	out := make([]Message, len(entries))
	for i, e := range entries {
		out[i] = e.msg
	}
	return out, nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	delete(s.msgs, id)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) UpdateStatusIfHigher(_ context.Context, id string, st Status) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.msgs[id]
	if !ok {
		return false, ErrNotFound
	}
	if st <= e.msg.Status {
		return false, nil
	}
	e.msg.Status = st
	s.msgs[id] = e
	return true, nil
}
