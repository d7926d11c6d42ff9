package chatsync

import (
	"cmp"
	"slices"
	"sync"
)

// Store is the ordered, deduplicated in-memory log of one conversation.
//
// Entries are keyed by id. List orders them by CreatedAt and breaks ties by the
// order in which ids were first seen, so re-upserting an id never moves it.
// Store is goroutine-safe; multi-step sequences are serialized by the owning Surface.
type Store struct {
	conversationID string

	mu      sync.RWMutex
	entries map[string]*storeEntry
	arrival uint64
}

type storeEntry struct {
	msg  Message
	rank uint64
}

// NewStore creates an empty store for a conversation.
func NewStore(conversationID string) *Store {
	return &Store{
		conversationID: conversationID,
		entries:        make(map[string]*storeEntry),
	}
}

// ConversationID returns the conversation the store belongs to.
func (s *Store) ConversationID() string { return s.conversationID }

// Upsert inserts m or overwrites the content of the entry with the same id.
// It reports whether a new entry was created.
func (s *Store) Upsert(m Message) bool {
	if m.ID == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upsertLocked(m)
}

func (s *Store) upsertLocked(m Message) bool {
	if existing, ok := s.entries[m.ID]; ok {
		// Position is fixed by the first write.
		m.CreatedAt = existing.msg.CreatedAt
		existing.msg = m
		return false
	}
	s.arrival++
	s.entries[m.ID] = &storeEntry{msg: m, rank: s.arrival}
	return true
}

// Merge upserts a history snapshot in order.
func (s *Store) Merge(snapshot []Message) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	added := 0
	for _, m := range snapshot {
		if m.ID != "" && s.upsertLocked(m) {
			added++
		}
	}
	return added
}

// Refresh applies a snapshot fetched after a reconnect. Confirmed entries that
// fall inside the snapshot's time range but are missing from it were deleted
// while the transport was down and are dropped. Placeholders and entries newer
// than the snapshot are kept.
func (s *Store) Refresh(snapshot []Message) (added, removed int) {
	if len(snapshot) == 0 {
		return 0, 0
	}
	oldest, newest := snapshot[0].CreatedAt, snapshot[0].CreatedAt
	present := make(map[string]struct{}, len(snapshot))
	for _, m := range snapshot {
		present[m.ID] = struct{}{}
		if m.CreatedAt.Before(oldest) {
			oldest = m.CreatedAt
		}
		if m.CreatedAt.After(newest) {
			newest = m.CreatedAt
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, e := range s.entries {
		if e.msg.IsPlaceholder() {
			continue
		}
		if _, ok := present[id]; ok {
			continue
		}
		if !e.msg.CreatedAt.Before(oldest) && !e.msg.CreatedAt.After(newest) {
			delete(s.entries, id)
			removed++
		}
	}
	for _, m := range snapshot {
		if m.ID != "" && s.upsertLocked(m) {
			added++
		}
	}
	return added, removed
}

// Remove deletes id. Removing an absent id is a no-op.
func (s *Store) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[id]; !ok {
		return false
	}
	delete(s.entries, id)
	return true
}

// RemoveMany deletes every id present and returns how many were removed.
func (s *Store) RemoveMany(ids []string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for _, id := range ids {
		if _, ok := s.entries[id]; ok {
			delete(s.entries, id)
			removed++
		}
	}
	return removed
}

// Get returns the message stored under id.
func (s *Store) Get(id string) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok {
		return Message{}, false
	}
	return e.msg, true
}

// Has reports whether id is present.
func (s *Store) Has(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.entries[id]
	return ok
}

// Len returns the number of entries.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// List returns the messages oldest first.
func (s *Store) List() []Message {
	s.mu.RLock()
	sorted := make([]storeEntry, 0, len(s.entries))
	for _, e := range s.entries {
		sorted = append(sorted, *e)
	}
	s.mu.RUnlock()

	slices.SortFunc(sorted, compareEntries)
	out := make([]Message, len(sorted))
	for i, e := range sorted {
		out[i] = e.msg
	}
	return out
}

// Placeholders returns the unresolved optimistic messages, oldest first.
func (s *Store) Placeholders() []Message {
	all := s.List()
	out := all[:0]
	for _, m := range all {
		if m.IsPlaceholder() {
			out = append(out, m)
		}
	}
	return out
}

// Reset drops every entry. Called when the conversation view closes.
func (s *Store) Reset() {
	s.mu.Lock()
	s.entries = make(map[string]*storeEntry)
	s.mu.Unlock()
}

func compareEntries(a, b storeEntry) int {
	if c := a.msg.CreatedAt.Compare(b.msg.CreatedAt); c != 0 {
		return c
	}
	return cmp.Compare(a.rank, b.rank)
}
