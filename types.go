package comms

import (
	"encoding/json"
	"time"
)

// ============================================================================
// Channels
// ============================================================================

// ChannelKind discriminates the three conversation stream types.
type ChannelKind string

const (
	KindGeneral ChannelKind = "general"
	KindDirect  ChannelKind = "direct"
	KindGroup   ChannelKind = "group"
)

// ChannelRef addresses one channel: the company-wide stream, a one-to-one
// conversation with a counterpart handle, or a named group.
type ChannelRef struct {
	Kind   ChannelKind `json:"kind"`
	Target string      `json:"target,omitempty"`
}

// General returns the reference to the company-wide channel.
func General() ChannelRef {
	return ChannelRef{Kind: KindGeneral}
}

// Direct returns the reference to the one-to-one channel with handle.
func Direct(handle string) ChannelRef {
	return ChannelRef{Kind: KindDirect, Target: handle}
}

// Group returns the reference to the group channel with the given id.
func Group(id string) ChannelRef {
	return ChannelRef{Kind: KindGroup, Target: id}
}

// Key returns a stable map key for the channel.
func (r ChannelRef) Key() string {
	if r.Target == "" {
		return string(r.Kind)
	}
	return string(r.Kind) + ":" + r.Target
}

func (r ChannelRef) String() string { return r.Key() }

// IsZero reports whether the reference is unset.
func (r ChannelRef) IsZero() bool { return r.Kind == "" }

// ============================================================================
// Messages
// ============================================================================

// Attachment describes a file attached to a message. Upload and storage are
// handled elsewhere; only the descriptor travels with the message.
type Attachment struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	MimeType string `json:"mimeType"`
	Size     int64  `json:"size"`
}

// ReplyRef points at the message being replied to.
type ReplyRef struct {
	MessageID string `json:"messageId"`
	Author    string `json:"author"`
	Excerpt   string `json:"excerpt,omitempty"`
}

// ForwardRef records where a forwarded message originally came from.
type ForwardRef struct {
	Author string `json:"author"`
	Origin string `json:"origin,omitempty"`
}

// Message is one entry in a channel's sequence.
//
// ID is server-assigned and empty while the message is an in-flight
// optimistic send; ClientID identifies the local entry until confirmation.
type Message struct {
	ID            string      `json:"id,omitempty"`
	ClientID      string      `json:"clientId,omitempty"`
	Sender        string      `json:"senderHandle"`
	Body          string      `json:"body"`
	SentAt        time.Time   `json:"sentAt"`
	Attachment    *Attachment `json:"attachment,omitempty"`
	EditedAt      *time.Time  `json:"editedAt,omitempty"`
	ReplyTo       *ReplyRef   `json:"replyTo,omitempty"`
	ForwardedFrom *ForwardRef `json:"forwardedFrom,omitempty"`
	Priority      bool        `json:"priority,omitempty"`
	Mention       string      `json:"mentionedHandle,omitempty"`

	// Local lifecycle state, never sent on the wire.
	Pending  bool      `json:"-"`
	Failed   bool      `json:"-"`
	Segments []Segment `json:"-"`
}

// Confirmed reports whether the message carries a server id.
func (m *Message) Confirmed() bool { return m.ID != "" }

// Draft is the user-typed input for a send. It is returned inside a
// SendError on failure so the typed content is never silently lost.
type Draft struct {
	Body       string      `json:"body"`
	Attachment *Attachment `json:"attachment,omitempty"`
	ReplyTo    *ReplyRef   `json:"replyTo,omitempty"`
	Priority   bool        `json:"priority,omitempty"`
	Mention    string      `json:"mentionedHandle,omitempty"`
}

// Receipt is one (message id, read time) pair from a read-receipt event.
// ReadAt may be nil when the server reports the read without a timestamp.
type Receipt struct {
	MessageID string     `json:"messageId"`
	ReadAt    *time.Time `json:"readAt,omitempty"`
}

// ============================================================================
// Snapshots (read-only rendering surfaces)
// ============================================================================

// ChannelSnapshot is a copy of one channel's renderable state.
type ChannelSnapshot struct {
	Ref         ChannelRef
	Messages    []Message
	Unread      int
	PinnedID    string
	Highlights  []string
}

// PeerSnapshot describes one live peer link.
type PeerSnapshot struct {
	ParticipantID string
	Handle        string
	Tracks        int
}

// CallSnapshot is a copy of the call subsystem's renderable state.
type CallSnapshot struct {
	State         CallState
	Room          string
	Ref           ChannelRef
	Peers         []PeerSnapshot
	AudioEnabled  bool
	VideoEnabled  bool
	PendingInvite *Invite
}

// ============================================================================
// Wire envelopes
// ============================================================================

// Result is the generic request/response API envelope.
type Result struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into the provided type.
func (r *Result) Decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// messageEvent is the payload of new-message and edited events. Target is
// the counterpart/group seen from the sender's side; the adapter resolves
// it to a local ChannelRef on receipt.
type messageEvent struct {
	Target  string  `json:"target,omitempty"`
	Message Message `json:"message"`
}

// deleteEvent is the payload of deleted events.
type deleteEvent struct {
	Target    string `json:"target,omitempty"`
	MessageID string `json:"messageId"`
}

// receiptEvent is the payload of read-receipt events, scoped to one reader.
type receiptEvent struct {
	Reader   string    `json:"readerHandle"`
	Receipts []Receipt `json:"receipts"`
}
