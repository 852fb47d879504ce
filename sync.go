package comms

import (
	"context"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// confirmWindow bounds the approximate-time match between an optimistic
// entry and its server confirmation.
const confirmWindow = 2 * time.Minute

// HistoryAPI is the request/response surface the engine needs from the
// backend. *Client satisfies it.
type HistoryAPI interface {
	FetchHistory(ctx context.Context, ref ChannelRef) ([]Message, error)
	PostMessage(ctx context.Context, ref ChannelRef, draft Draft) (*Message, error)
	PostRead(ctx context.Context, ref ChannelRef) error
	EditMessage(ctx context.Context, ref ChannelRef, id, body string) (*Message, error)
	DeleteMessage(ctx context.Context, ref ChannelRef, id string) error
}

// Engine reconciles locally-originated optimistic messages with
// server-confirmed and peer-originated messages arriving out of order.
// It is the only component that mutates channel message sequences.
//
// ApplyIncoming and ApplyOptimistic are idempotent with respect to
// duplicate delivery: dedup is by server id, confirmation is by
// content+sender+approximate-time match against pending drafts.
type Engine struct {
	store    *Store
	api      HistoryAPI
	receipts *ReceiptTracker
	notifier Notifier
	log      *slog.Logger

	mu        sync.Mutex
	localUser string
	open      ChannelRef
	// pending holds, per channel, the client ids of unconfirmed
	// optimistic sends in submission order.
	pending map[string][]string
}

// NewEngine creates a sync engine over the given store and API.
func NewEngine(store *Store, api HistoryAPI, receipts *ReceiptTracker, notifier Notifier, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		store:    store,
		api:      api,
		receipts: receipts,
		notifier: notifier,
		log:      log,
		pending:  make(map[string][]string),
	}
}

// Store exposes the underlying channel store for read-only snapshots.
func (e *Engine) Store() *Store { return e.store }

// SetLocalUser updates the local identity. Pending drafts from a previous
// identity are dropped.
func (e *Engine) SetLocalUser(handle string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.localUser != handle {
		e.localUser = handle
		e.pending = make(map[string][]string)
		e.open = ChannelRef{}
	}
}

// LocalUser returns the current local identity.
func (e *Engine) LocalUser() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.localUser
}

// ============================================================================
// Mutation entry points
// ============================================================================

// ApplyOptimistic appends a draft to the channel immediately, before any
// server confirmation, and records it as pending. The returned copy
// carries the local client id.
func (e *Engine) ApplyOptimistic(ref ChannelRef, draft Draft) Message {
	e.mu.Lock()
	defer e.mu.Unlock()

	msg := &Message{
		ClientID:   uuid.NewString(),
		Sender:     e.localUser,
		Body:       draft.Body,
		SentAt:     time.Now(),
		Attachment: draft.Attachment,
		ReplyTo:    draft.ReplyTo,
		Priority:   draft.Priority,
		Mention:    draft.Mention,
		Pending:    true,
	}
	e.store.Insert(ref, msg)
	key := ref.Key()
	e.pending[key] = append(e.pending[key], msg.ClientID)
	return *msg
}

// ApplyIncoming reconciles one server-confirmed or peer-originated
// message into the channel. Duplicate delivery of the same id is a no-op;
// own messages matching a pending draft confirm it in place.
func (e *Engine) ApplyIncoming(ref ChannelRef, msg Message) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.applyIncoming(ref, msg, false)
}

func (e *Engine) applyIncoming(ref ChannelRef, msg Message, silent bool) {
	if msg.ID != "" && e.store.Tombstoned(ref, msg.ID) {
		return
	}

	// Confirmation of one of our own optimistic sends.
	if msg.Sender == e.localUser && e.localUser != "" {
		if cid := e.matchPending(ref, msg); cid != "" {
			e.store.Confirm(ref, cid, msg)
			e.dropPending(ref, cid)
			return
		}
	}

	// Dedup by id. A duplicate may be an at-least-once re-delivery or the
	// create event arriving after an out-of-order edit; either way the
	// existing entry wins and only missing fields are filled in.
	if msg.ID != "" {
		if existing := e.store.ByID(ref, msg.ID); existing != nil {
			e.store.UpdateByID(ref, msg.ID, func(m *Message) { mergeMissing(m, msg) })
			return
		}
	}

	entry := msg
	e.store.Insert(ref, &entry)

	if silent || msg.Sender == e.localUser || e.open == ref {
		return
	}
	e.store.IncrementUnread(ref)
	if e.notifier != nil {
		e.notifier.Notify(msg.Sender, excerpt(msg.Body, 120), ref.Key())
	}
}

// ApplyEdit merges an edited event into the channel by id. An edit
// observed before its create event is inserted as a new sorted entry and
// reconciled when the create arrives.
func (e *Engine) ApplyEdit(ref ChannelRef, msg Message) {
	if msg.ID == "" {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.store.Tombstoned(ref, msg.ID) {
		return
	}
	ok := e.store.UpdateByID(ref, msg.ID, func(m *Message) {
		m.Body = msg.Body
		m.EditedAt = msg.EditedAt
		m.Priority = msg.Priority
		m.Mention = msg.Mention
		if m.EditedAt == nil {
			now := time.Now()
			m.EditedAt = &now
		}
	})
	if !ok {
		// First sighting of this id. Unread accounting and notification
		// happen here so the final state does not depend on whether the
		// create or the edit event arrived first.
		entry := msg
		if entry.EditedAt == nil {
			now := time.Now()
			entry.EditedAt = &now
		}
		e.applyIncoming(ref, entry, false)
	}
}

// ApplyDelete removes a message by id. Deleting an id that is absent is a
// no-op, not an error; the tombstone keeps replayed creates out.
func (e *Engine) ApplyDelete(ref ChannelRef, id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.store.Remove(ref, id)
}

// ============================================================================
// User-facing operations
// ============================================================================

// OpenChannel marks ref as the foregrounded channel, zeroes its unread
// counter locally before the read-mark round trip, and fires the
// best-effort read mark. A failed read mark never rolls the counter back.
func (e *Engine) OpenChannel(ref ChannelRef) {
	e.mu.Lock()
	e.open = ref
	e.mu.Unlock()

	e.store.ResetUnread(ref)
	if e.receipts != nil {
		e.receipts.MarkSeen(ref)
	}
}

// OpenRef returns the currently foregrounded channel.
func (e *Engine) OpenRef() ChannelRef {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.open
}

// SendMessage appends the draft optimistically and posts it. On failure
// the entry stays in the channel flagged failed and a *SendError carrying
// the original draft is returned for manual retry.
func (e *Engine) SendMessage(ctx context.Context, ref ChannelRef, draft Draft) (Message, error) {
	optimistic := e.ApplyOptimistic(ref, draft)
	return e.post(ctx, ref, optimistic.ClientID, draft)
}

// RetrySend re-posts a previously failed optimistic entry.
func (e *Engine) RetrySend(ctx context.Context, ref ChannelRef, clientID string) (Message, error) {
	entry := e.store.ByClientID(ref, clientID)
	if entry == nil || !entry.Failed {
		return Message{}, &SendError{Ref: ref, ClientID: clientID, Cause: ErrNoFailedEntry}
	}
	draft := Draft{
		Body:       entry.Body,
		Attachment: entry.Attachment,
		ReplyTo:    entry.ReplyTo,
		Priority:   entry.Priority,
		Mention:    entry.Mention,
	}
	e.store.UpdateByClientID(ref, clientID, func(m *Message) {
		m.Failed = false
		m.Pending = true
	})
	e.mu.Lock()
	key := ref.Key()
	e.pending[key] = append(e.pending[key], clientID)
	e.mu.Unlock()
	return e.post(ctx, ref, clientID, draft)
}

func (e *Engine) post(ctx context.Context, ref ChannelRef, clientID string, draft Draft) (Message, error) {
	confirmed, err := e.api.PostMessage(ctx, ref, draft)
	if err != nil {
		e.store.UpdateByClientID(ref, clientID, func(m *Message) {
			m.Pending = false
			m.Failed = true
		})
		e.mu.Lock()
		e.dropPending(ref, clientID)
		e.mu.Unlock()
		return Message{}, &SendError{Ref: ref, ClientID: clientID, Draft: draft, Cause: err}
	}

	e.mu.Lock()
	entry := e.store.Confirm(ref, clientID, *confirmed)
	e.dropPending(ref, clientID)
	e.mu.Unlock()
	if entry == nil {
		// The realtime echo confirmed it first.
		return *confirmed, nil
	}
	return *entry, nil
}

// LoadHistory fetches the channel's records and funnels them through the
// same reconciliation path as realtime events (no unread accounting).
func (e *Engine) LoadHistory(ctx context.Context, ref ChannelRef) error {
	msgs, err := e.api.FetchHistory(ctx, ref)
	if err != nil {
		e.log.Warn("history fetch failed", "channel", ref.Key(), "err", err)
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, m := range msgs {
		e.applyIncoming(ref, m, true)
	}
	return nil
}

// Pin, Unpin and Highlight forward to the store; they live on the engine
// so every channel mutation has a single owner.
func (e *Engine) Pin(ref ChannelRef, id string)                 { e.store.Pin(ref, id) }
func (e *Engine) Unpin(ref ChannelRef)                          { e.store.Unpin(ref) }
func (e *Engine) Highlight(ref ChannelRef, id string, on bool)  { e.store.Highlight(ref, id, on) }

// Snapshot returns a copy of the channel's renderable state.
func (e *Engine) Snapshot(ref ChannelRef) ChannelSnapshot { return e.store.Snapshot(ref) }

// ============================================================================
// Internals
// ============================================================================

// matchPending finds the oldest unconfirmed optimistic entry whose body
// matches and whose timestamp is within the confirmation window.
func (e *Engine) matchPending(ref ChannelRef, msg Message) string {
	for _, cid := range e.pending[ref.Key()] {
		entry := e.store.ByClientID(ref, cid)
		if entry == nil {
			continue
		}
		if entry.Body != msg.Body {
			continue
		}
		if !entry.SentAt.IsZero() && !msg.SentAt.IsZero() {
			d := msg.SentAt.Sub(entry.SentAt)
			if d < 0 {
				d = -d
			}
			if d > confirmWindow {
				continue
			}
		}
		return cid
	}
	return ""
}

func (e *Engine) dropPending(ref ChannelRef, clientID string) {
	key := ref.Key()
	queue := e.pending[key]
	for i, cid := range queue {
		if cid == clientID {
			e.pending[key] = append(queue[:i], queue[i+1:]...)
			return
		}
	}
}

// mergeMissing fills zero fields of dst from src without overwriting
// anything already present (the existing entry wins, e.g. an edit applied
// before its create event).
func mergeMissing(dst *Message, src Message) {
	if dst.Sender == "" {
		dst.Sender = src.Sender
	}
	if dst.Body == "" {
		dst.Body = src.Body
	}
	if dst.SentAt.IsZero() {
		dst.SentAt = src.SentAt
	}
	if dst.Attachment == nil {
		dst.Attachment = src.Attachment
	}
	if dst.ReplyTo == nil {
		dst.ReplyTo = src.ReplyTo
	}
	if dst.ForwardedFrom == nil {
		dst.ForwardedFrom = src.ForwardedFrom
	}
	if dst.Mention == "" {
		dst.Mention = src.Mention
	}
}

func excerpt(s string, max int) string {
	if len(s) <= max {
		return s
	}
	// Back up to a rune boundary so the cut never splits a multi-byte
	// character.
	cut := max - 1
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}
