package comms

import (
	"sort"
	"sync"
)

// ============================================================================
// Channel Store
// ============================================================================

// channelState holds one channel's ordered message sequence plus metadata.
// The sequence is kept sorted by SentAt ascending; byID/byClientID give
// O(1) dedup lookups (no array scans).
type channelState struct {
	ref        ChannelRef
	msgs       []*Message
	byID       map[string]*Message
	byClientID map[string]*Message
	tombstones map[string]struct{}
	unread     int
	pinnedID   string
	highlights map[string]struct{}
}

// Store owns the in-memory channel set. Channels are created lazily on
// first access and live for the lifetime of the process. Message sequences
// are mutated only by the sync engine.
type Store struct {
	mu       sync.RWMutex
	channels map[string]*channelState
}

// NewStore creates an empty channel store.
func NewStore() *Store {
	return &Store{channels: make(map[string]*channelState)}
}

func (s *Store) channel(ref ChannelRef) *channelState {
	key := ref.Key()
	ch := s.channels[key]
	if ch == nil {
		ch = &channelState{
			ref:        ref,
			byID:       make(map[string]*Message),
			byClientID: make(map[string]*Message),
			tombstones: make(map[string]struct{}),
			highlights: make(map[string]struct{}),
		}
		s.channels[key] = ch
	}
	return ch
}

// insert places msg into the channel's sequence in SentAt order. Equal
// timestamps keep arrival order.
func (ch *channelState) insert(msg *Message) {
	i := sort.Search(len(ch.msgs), func(i int) bool {
		return ch.msgs[i].SentAt.After(msg.SentAt)
	})
	ch.msgs = append(ch.msgs, nil)
	copy(ch.msgs[i+1:], ch.msgs[i:])
	ch.msgs[i] = msg
	if msg.ID != "" {
		ch.byID[msg.ID] = msg
	}
	if msg.ClientID != "" {
		ch.byClientID[msg.ClientID] = msg
	}
}

func (ch *channelState) remove(msg *Message) {
	for i, m := range ch.msgs {
		if m == msg {
			ch.msgs = append(ch.msgs[:i], ch.msgs[i+1:]...)
			break
		}
	}
	if msg.ID != "" {
		delete(ch.byID, msg.ID)
	}
	if msg.ClientID != "" {
		delete(ch.byClientID, msg.ClientID)
	}
}

// ── Engine-facing mutations ──────────────────────────────────────────────

// Insert adds msg to the channel in sorted order.
func (s *Store) Insert(ref ChannelRef, msg *Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg.Segments = normalizeBody(msg.Body)
	s.channel(ref).insert(msg)
}

// ByID returns the message with the given server id, or nil.
func (s *Store) ByID(ref ChannelRef, id string) *Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ch := s.channels[ref.Key()]
	if ch == nil {
		return nil
	}
	return ch.byID[id]
}

// ByClientID returns the optimistic message with the given local id, or nil.
func (s *Store) ByClientID(ref ChannelRef, clientID string) *Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ch := s.channels[ref.Key()]
	if ch == nil {
		return nil
	}
	return ch.byClientID[clientID]
}

// Confirm replaces the fields of the optimistic entry identified by
// clientID with the server-confirmed record, preserving its position in
// the sequence, and indexes the new server id.
func (s *Store) Confirm(ref ChannelRef, clientID string, confirmed Message) *Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := s.channels[ref.Key()]
	if ch == nil {
		return nil
	}
	entry := ch.byClientID[clientID]
	if entry == nil {
		return nil
	}
	keepClientID := entry.ClientID
	*entry = confirmed
	entry.ClientID = keepClientID
	entry.Pending = false
	entry.Failed = false
	entry.Segments = normalizeBody(entry.Body)
	if entry.ID != "" {
		ch.byID[entry.ID] = entry
	}
	return entry
}

// UpdateByID applies fn to the message with the given server id under the
// store lock and re-normalizes its markup. Returns false when id is unknown.
func (s *Store) UpdateByID(ref ChannelRef, id string, fn func(*Message)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := s.channels[ref.Key()]
	if ch == nil {
		return false
	}
	msg := ch.byID[id]
	if msg == nil {
		return false
	}
	fn(msg)
	msg.Segments = normalizeBody(msg.Body)
	return true
}

// UpdateByClientID is UpdateByID for optimistic entries.
func (s *Store) UpdateByClientID(ref ChannelRef, clientID string, fn func(*Message)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := s.channels[ref.Key()]
	if ch == nil {
		return false
	}
	msg := ch.byClientID[clientID]
	if msg == nil {
		return false
	}
	fn(msg)
	msg.Segments = normalizeBody(msg.Body)
	return true
}

// Remove deletes the message with the given id and records a tombstone so
// a replayed create event cannot resurrect it. Missing ids are a no-op.
func (s *Store) Remove(ref ChannelRef, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := s.channel(ref)
	ch.tombstones[id] = struct{}{}
	msg := ch.byID[id]
	if msg == nil {
		return false
	}
	ch.remove(msg)
	if ch.pinnedID == id {
		ch.pinnedID = ""
	}
	delete(ch.highlights, id)
	return true
}

// Tombstoned reports whether id was deleted in this channel.
func (s *Store) Tombstoned(ref ChannelRef, id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ch := s.channels[ref.Key()]
	if ch == nil {
		return false
	}
	_, ok := ch.tombstones[id]
	return ok
}

// ── Metadata ─────────────────────────────────────────────────────────────

// IncrementUnread bumps the channel's unread counter.
func (s *Store) IncrementUnread(ref ChannelRef) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channel(ref).unread++
}

// ResetUnread zeroes the channel's unread counter.
func (s *Store) ResetUnread(ref ChannelRef) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channel(ref).unread = 0
}

// Unread returns the channel's unread counter.
func (s *Store) Unread(ref ChannelRef) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ch := s.channels[ref.Key()]
	if ch == nil {
		return 0
	}
	return ch.unread
}

// Pin sets the channel's pinned message (at most one).
func (s *Store) Pin(ref ChannelRef, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channel(ref).pinnedID = id
}

// Unpin clears the channel's pinned message.
func (s *Store) Unpin(ref ChannelRef) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channel(ref).pinnedID = ""
}

// Highlight toggles membership of id in the channel's highlighted set.
func (s *Store) Highlight(ref ChannelRef, id string, on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := s.channel(ref)
	if on {
		ch.highlights[id] = struct{}{}
	} else {
		delete(ch.highlights, id)
	}
}

// ── Snapshots ────────────────────────────────────────────────────────────

// Snapshot returns a copy of the channel's renderable state.
func (s *Store) Snapshot(ref ChannelRef) ChannelSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := ChannelSnapshot{Ref: ref}
	ch := s.channels[ref.Key()]
	if ch == nil {
		return snap
	}
	snap.Messages = make([]Message, len(ch.msgs))
	for i, m := range ch.msgs {
		snap.Messages[i] = *m
	}
	snap.Unread = ch.unread
	snap.PinnedID = ch.pinnedID
	for id := range ch.highlights {
		snap.Highlights = append(snap.Highlights, id)
	}
	sort.Strings(snap.Highlights)
	return snap
}

// Len returns the number of messages in the channel.
func (s *Store) Len(ref ChannelRef) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ch := s.channels[ref.Key()]
	if ch == nil {
		return 0
	}
	return len(ch.msgs)
}
