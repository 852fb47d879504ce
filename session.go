package comms

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Session wires the API client, the persistent event connection, the
// synchronization engine and the call subsystem into one surface. A UI
// renders from Snapshot/CallSnapshot and drives everything else through
// the session's methods.
type Session struct {
	client    *Client
	transport Transport
	store     *Store
	engine    *Engine
	receipts  *ReceiptTracker
	call      *CallManager
	bus       *EventBus
	log       *slog.Logger
}

// SessionOption configures a session.
type SessionOption func(*sessionConfig)

type sessionConfig struct {
	notifier Notifier
	provider MediaProvider
	log      *slog.Logger
}

// WithNotifier sets the OS-notification sink for inbound messages and
// call invites. Without it notifications are dropped.
func WithNotifier(n Notifier) SessionOption {
	return func(c *sessionConfig) { c.notifier = n }
}

// WithMediaProvider sets the media/peer-connection factory used by calls.
// Without it every call attempt fails with a MediaError.
func WithMediaProvider(p MediaProvider) SessionOption {
	return func(c *sessionConfig) { c.provider = p }
}

// WithLogger sets the session's logger.
func WithLogger(log *slog.Logger) SessionOption {
	return func(c *sessionConfig) { c.log = log }
}

// NewSession assembles a session around an API client and a transport.
func NewSession(client *Client, transport Transport, opts ...SessionOption) *Session {
	cfg := &sessionConfig{
		notifier: NotifierFunc(func(string, string, string) {}),
		provider: unavailableMedia{},
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(cfg)
	}

	store := NewStore()
	receipts := NewReceiptTracker(client, cfg.log)
	engine := NewEngine(store, client, receipts, cfg.notifier, cfg.log)
	call := NewCallManager(transport, cfg.provider, cfg.notifier, cfg.log)
	bus := NewEventBus(transport, engine, receipts, call, cfg.log)

	return &Session{
		client:    client,
		transport: transport,
		store:     store,
		engine:    engine,
		receipts:  receipts,
		call:      call,
		bus:       bus,
		log:       cfg.log,
	}
}

// Start connects the transport when it supports dialing and binds the
// event routing to the given local identity.
func (s *Session) Start(ctx context.Context, localUser string) error {
	if d, ok := s.transport.(interface{ Connect(context.Context) error }); ok {
		if err := d.Connect(ctx); err != nil {
			return err
		}
	}
	s.bus.Bind(localUser)
	return nil
}

// SetIdentity rebinds event routing to a new local identity, e.g. after a
// re-login. Binding to the identity already active is a no-op.
func (s *Session) SetIdentity(localUser string) {
	s.bus.Bind(localUser)
}

// Close hangs up any active call, unbinds event routing and closes the
// transport when it supports closing.
func (s *Session) Close() error {
	s.call.Close()
	s.bus.Unbind()
	if d, ok := s.transport.(interface{ Disconnect() error }); ok {
		return d.Disconnect()
	}
	return nil
}

// ============================================================================
// Messaging
// ============================================================================

// OpenChannel marks the channel as the one on screen. Its unread count
// resets immediately and inbound messages for it stop raising
// notifications; for direct channels the read mark is also pushed to the
// server in the background.
func (s *Session) OpenChannel(ref ChannelRef) { s.engine.OpenChannel(ref) }

// SendMessage sends a draft. The optimistic entry appears in the channel
// before the request round-trips; on failure it stays flagged as failed
// and the returned SendError carries the draft for retry.
func (s *Session) SendMessage(ctx context.Context, ref ChannelRef, draft Draft) (Message, error) {
	return s.engine.SendMessage(ctx, ref, draft)
}

// RetrySend re-sends a failed optimistic entry.
func (s *Session) RetrySend(ctx context.Context, ref ChannelRef, clientID string) (Message, error) {
	return s.engine.RetrySend(ctx, ref, clientID)
}

// EditMessage replaces a confirmed message's body on the server; the
// local entry updates when the edited event comes back.
func (s *Session) EditMessage(ctx context.Context, ref ChannelRef, id, body string) error {
	msg, err := s.client.EditMessage(ctx, ref, id, body)
	if err != nil {
		return err
	}
	s.engine.ApplyEdit(ref, *msg)
	return nil
}

// DeleteMessage removes a message on the server and locally.
func (s *Session) DeleteMessage(ctx context.Context, ref ChannelRef, id string) error {
	if err := s.client.DeleteMessage(ctx, ref, id); err != nil {
		return err
	}
	s.engine.ApplyDelete(ref, id)
	return nil
}

// LoadHistory fetches and merges the channel's history. Already-present
// entries are left in place; unread counts are untouched.
func (s *Session) LoadHistory(ctx context.Context, ref ChannelRef) error {
	return s.engine.LoadHistory(ctx, ref)
}

// Snapshot returns a copy of one channel's renderable state.
func (s *Session) Snapshot(ref ChannelRef) ChannelSnapshot { return s.engine.Snapshot(ref) }

// Unread returns the channel's unread count.
func (s *Session) Unread(ref ChannelRef) int { return s.store.Unread(ref) }

// ReadState reports the delivery/read state of one of the local user's
// own direct messages.
func (s *Session) ReadState(msg Message, ref ChannelRef) ReadState {
	return s.receipts.State(msg, ref, s.bus.LocalUser())
}

// Pin pins a message in the channel; at most one is pinned at a time.
func (s *Session) Pin(ref ChannelRef, id string) { s.engine.Pin(ref, id) }

// Unpin clears the channel's pinned message.
func (s *Session) Unpin(ref ChannelRef) { s.engine.Unpin(ref) }

// Highlight toggles a message's highlight mark.
func (s *Session) Highlight(ref ChannelRef, id string, on bool) {
	s.engine.Highlight(ref, id, on)
}

// ============================================================================
// Calls
// ============================================================================

// StartCall invites the recipients into a call scoped to the channel.
func (s *Session) StartCall(ctx context.Context, ref ChannelRef, recipients []string) error {
	return s.call.StartCall(ctx, ref, recipients)
}

// AcceptCall joins the pending incoming call.
func (s *Session) AcceptCall(ctx context.Context) error { return s.call.AcceptCall(ctx) }

// JoinCall joins an already-running call on the channel without an invite.
func (s *Session) JoinCall(ctx context.Context, ref ChannelRef) error {
	return s.call.JoinCall(ctx, ref)
}

// Hangup leaves the current call and tears down all peer links and local
// media.
func (s *Session) Hangup() { s.call.Hangup() }

// SetMuted toggles the local microphone. Purely local; no signaling.
func (s *Session) SetMuted(muted bool) { s.call.SetMuted(muted) }

// SetVideoEnabled toggles the local camera. Purely local; no signaling.
func (s *Session) SetVideoEnabled(on bool) { s.call.SetVideoEnabled(on) }

// OnCallError registers a callback for asynchronous call failures.
func (s *Session) OnCallError(fn func(error)) { s.call.OnError(fn) }

// CallSnapshot returns a copy of the call subsystem's renderable state.
func (s *Session) CallSnapshot() CallSnapshot { return s.call.Snapshot() }

// Health checks backend health through the API client.
func (s *Session) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	res, err := s.client.Health(ctx)
	if err != nil {
		return err
	}
	if !res.OK && res.Error != nil {
		return res.Error
	}
	return nil
}

// unavailableMedia is the provider used when no real one is configured.
type unavailableMedia struct{}

func (unavailableMedia) AcquireLocalMedia(context.Context, MediaConstraints) (LocalMedia, error) {
	return nil, errors.New("no media provider configured")
}

func (unavailableMedia) NewPeerConnection(LocalMedia) (PeerConnection, error) {
	return nil, errors.New("no media provider configured")
}
