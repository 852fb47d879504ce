package comms

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// CallState is the per-room state machine from the local party's
// perspective. Hangup and teardown return the room to idle.
type CallState string

const (
	CallIdle     CallState = "idle"
	CallInviting CallState = "inviting"
	CallJoining  CallState = "joining"
	CallActive   CallState = "active"
)

// Invite is a pending incoming call.
type Invite struct {
	Room       string
	From       string
	FromHandle string
	Ref        ChannelRef
}

// RoomID derives the deterministic room id for a channel. For direct
// channels both sides sort the participant pair so they compute the same
// id without negotiation.
func RoomID(ref ChannelRef, localHandle string) string {
	switch ref.Kind {
	case KindDirect:
		pair := []string{localHandle, ref.Target}
		sort.Strings(pair)
		return "room:direct:" + pair[0] + "+" + pair[1]
	case KindGroup:
		return "room:group:" + ref.Target
	default:
		return "room:general"
	}
}

// signalPayload is the wire shape shared by every call signaling event.
// Targeted messages (offer/answer/ICE) carry To; broadcasts do not.
type signalPayload struct {
	Room       string              `json:"roomId"`
	From       string              `json:"from"`
	FromHandle string              `json:"fromHandle,omitempty"`
	To         string              `json:"to,omitempty"`
	Kind       ChannelKind         `json:"kind,omitempty"`
	Target     string              `json:"target,omitempty"`
	Recipients []string            `json:"recipients,omitempty"`
	Desc       *SessionDescription `json:"desc,omitempty"`
	Candidate  *ICECandidate       `json:"candidate,omitempty"`
}

// CallManager is the signaling client plus room state machine. It relays
// invite/join/leave and offer/answer/ICE over the event transport and
// drives the peer mesh. Signaling for a room other than the active one is
// silently ignored (stale messages from a previous attempt).
type CallManager struct {
	transport Transport
	mesh      *PeerMesh
	notifier  Notifier
	log       *slog.Logger

	mu            sync.Mutex
	self          string // per-session participant id
	handle        string
	state         CallState
	room          string
	ref           ChannelRef
	pendingInvite *Invite
	onError       func(error)
	constraints   MediaConstraints
}

// NewCallManager creates the call subsystem over the given transport and
// media provider.
func NewCallManager(transport Transport, provider MediaProvider, notifier Notifier, log *slog.Logger) *CallManager {
	if log == nil {
		log = slog.Default()
	}
	cm := &CallManager{
		transport:   transport,
		notifier:    notifier,
		log:         log,
		self:        uuid.NewString(),
		state:       CallIdle,
		constraints: MediaConstraints{Audio: true, Video: true},
	}
	cm.mesh = newPeerMesh(provider, cm.relayICE, defaultNegotiationTimeout, log)
	return cm
}

// OnError registers the user-facing error surface for async negotiation
// failures.
func (cm *CallManager) OnError(fn func(error)) {
	cm.mu.Lock()
	cm.onError = fn
	cm.mu.Unlock()
}

// SetConstraints selects the devices acquired for subsequent calls.
func (cm *CallManager) SetConstraints(c MediaConstraints) {
	cm.mu.Lock()
	cm.constraints = c
	cm.mu.Unlock()
}

func (cm *CallManager) setHandle(handle string) {
	cm.mu.Lock()
	cm.handle = handle
	cm.mu.Unlock()
}

// State returns the current room state.
func (cm *CallManager) State() CallState {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.state
}

// ============================================================================
// User intents
// ============================================================================

// StartCall acquires local media, computes the room id and broadcasts an
// invite naming the intended recipients. Media refusal is fatal to the
// attempt and surfaced immediately.
func (cm *CallManager) StartCall(ctx context.Context, ref ChannelRef, recipients []string) error {
	cm.mu.Lock()
	if cm.state != CallIdle {
		cm.mu.Unlock()
		return ErrCallBusy
	}
	cm.state = CallInviting
	constraints := cm.constraints
	handle := cm.handle
	cm.mu.Unlock()

	if err := cm.mesh.Acquire(ctx, constraints); err != nil {
		cm.reset()
		return err
	}

	room := RoomID(ref, handle)
	cm.mu.Lock()
	cm.room = room
	cm.ref = ref
	cm.mu.Unlock()

	cm.emit(evCallInvite, signalPayload{
		Room:       room,
		From:       cm.self,
		FromHandle: handle,
		Kind:       ref.Kind,
		Target:     ref.Target,
		Recipients: recipients,
	})
	return nil
}

// AcceptCall answers the pending invite: acquire media, then announce
// presence in the room. The already-present parties will offer to us.
func (cm *CallManager) AcceptCall(ctx context.Context) error {
	cm.mu.Lock()
	invite := cm.pendingInvite
	if invite == nil {
		cm.mu.Unlock()
		return ErrNoInvite
	}
	if cm.state != CallIdle {
		cm.mu.Unlock()
		return ErrCallBusy
	}
	cm.state = CallJoining
	cm.pendingInvite = nil
	constraints := cm.constraints
	cm.mu.Unlock()

	return cm.join(ctx, invite.Room, invite.Ref, constraints)
}

// JoinCall announces presence in the channel's room without an invite
// (both sides compute the same id, so an own-initiated join lands in the
// existing room).
func (cm *CallManager) JoinCall(ctx context.Context, ref ChannelRef) error {
	cm.mu.Lock()
	if cm.state != CallIdle {
		cm.mu.Unlock()
		return ErrCallBusy
	}
	cm.state = CallJoining
	constraints := cm.constraints
	handle := cm.handle
	cm.mu.Unlock()

	return cm.join(ctx, RoomID(ref, handle), ref, constraints)
}

func (cm *CallManager) join(ctx context.Context, room string, ref ChannelRef, constraints MediaConstraints) error {
	if err := cm.mesh.Acquire(ctx, constraints); err != nil {
		cm.reset()
		return err
	}

	cm.mu.Lock()
	cm.room = room
	cm.ref = ref
	cm.state = CallActive
	handle := cm.handle
	cm.mu.Unlock()

	cm.emit(evCallJoin, signalPayload{Room: room, From: cm.self, FromHandle: handle})
	return nil
}

// Hangup leaves the room: every peer link is torn down, local media
// tracks are stopped, and the room state resets to idle.
func (cm *CallManager) Hangup() {
	cm.mu.Lock()
	if cm.state == CallIdle {
		cm.mu.Unlock()
		return
	}
	room := cm.room
	cm.mu.Unlock()

	cm.emit(evCallLeave, signalPayload{Room: room, From: cm.self})
	cm.reset()
}

// Close performs the same full cleanup as Hangup. Teardown paths must
// never leak open media devices.
func (cm *CallManager) Close() { cm.Hangup() }

// SetMuted toggles the local audio tracks (no renegotiation).
func (cm *CallManager) SetMuted(muted bool) { cm.mesh.SetAudioEnabled(!muted) }

// SetVideoEnabled toggles the local video tracks (no renegotiation).
func (cm *CallManager) SetVideoEnabled(on bool) { cm.mesh.SetVideoEnabled(on) }

// Snapshot returns a copy of the call state for rendering.
func (cm *CallManager) Snapshot() CallSnapshot {
	cm.mu.Lock()
	snap := CallSnapshot{
		State: cm.state,
		Room:  cm.room,
		Ref:   cm.ref,
	}
	if cm.pendingInvite != nil {
		inv := *cm.pendingInvite
		snap.PendingInvite = &inv
	}
	cm.mu.Unlock()
	snap.Peers, snap.AudioEnabled, snap.VideoEnabled = cm.mesh.snapshot()
	return snap
}

// ============================================================================
// Signaling event handlers
// ============================================================================

func (cm *CallManager) onInvite(payload json.RawMessage) {
	var p signalPayload
	if json.Unmarshal(payload, &p) != nil || p.From == cm.self {
		return
	}
	cm.mu.Lock()
	handle := cm.handle
	busy := cm.state != CallIdle
	cm.mu.Unlock()
	if busy || !contains(p.Recipients, handle) {
		return
	}

	invite := &Invite{
		Room:       p.Room,
		From:       p.From,
		FromHandle: p.FromHandle,
		Ref:        ChannelRef{Kind: p.Kind, Target: p.Target},
	}
	cm.mu.Lock()
	cm.pendingInvite = invite
	cm.mu.Unlock()

	if cm.notifier != nil {
		cm.notifier.Notify(p.FromHandle, "Incoming call", p.Room)
	}
}

// onJoin: a peer announced presence in our active room. We were here
// first, so we are the offerer for this pair.
func (cm *CallManager) onJoin(payload json.RawMessage) {
	p, ok := cm.decodeForRoom(payload, false)
	if !ok {
		return
	}
	cm.mu.Lock()
	if cm.state == CallInviting {
		cm.state = CallActive
	}
	cm.mu.Unlock()

	created, err := cm.mesh.EnsureLink(p.From, p.FromHandle)
	if err != nil {
		cm.fail(err)
		return
	}
	if !created {
		return // duplicate join replay
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	offer, err := cm.mesh.Offer(ctx, p.From)
	if err != nil {
		cm.fail(err)
		return
	}
	cm.emitSignal(evCallOffer, p.From, &offer, nil)
}

// onOffer: an already-present party offered to us, the newcomer. We
// create our own link and answer.
func (cm *CallManager) onOffer(payload json.RawMessage) {
	p, ok := cm.decodeForRoom(payload, true)
	if !ok || p.Desc == nil {
		return
	}
	if _, err := cm.mesh.EnsureLink(p.From, p.FromHandle); err != nil {
		cm.fail(err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	answer, err := cm.mesh.Answer(ctx, p.From, *p.Desc)
	if err != nil {
		cm.fail(err)
		return
	}
	cm.emitSignal(evCallAnswer, p.From, &answer, nil)
}

func (cm *CallManager) onAnswer(payload json.RawMessage) {
	p, ok := cm.decodeForRoom(payload, true)
	if !ok || p.Desc == nil {
		return
	}
	if err := cm.mesh.AcceptAnswer(p.From, *p.Desc); err != nil {
		cm.fail(err)
	}
}

func (cm *CallManager) onICE(payload json.RawMessage) {
	p, ok := cm.decodeForRoom(payload, true)
	if !ok || p.Candidate == nil {
		return
	}
	cm.mesh.AddRemoteICE(p.From, *p.Candidate)
}

func (cm *CallManager) onLeave(payload json.RawMessage) {
	p, ok := cm.decodeForRoom(payload, false)
	if !ok {
		return
	}
	cm.mesh.Drop(p.From)
}

// ============================================================================
// Internals
// ============================================================================

// decodeForRoom parses a signaling payload and filters out our own
// echoes, messages for other rooms (stale) and, when targeted is set,
// messages addressed to someone else.
func (cm *CallManager) decodeForRoom(payload json.RawMessage, targeted bool) (signalPayload, bool) {
	var p signalPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		cm.log.Debug("malformed signaling payload", "err", err)
		return p, false
	}
	if p.From == cm.self {
		return p, false
	}
	if targeted && p.To != cm.self {
		return p, false
	}
	cm.mu.Lock()
	active := cm.state == CallInviting || cm.state == CallJoining || cm.state == CallActive
	match := p.Room == cm.room
	cm.mu.Unlock()
	return p, active && match
}

func (cm *CallManager) relayICE(to string, c ICECandidate) {
	cand := c
	cm.emitSignal(evCallICE, to, nil, &cand)
}

func (cm *CallManager) emitSignal(event, to string, desc *SessionDescription, cand *ICECandidate) {
	cm.mu.Lock()
	room := cm.room
	handle := cm.handle
	cm.mu.Unlock()
	cm.emit(event, signalPayload{
		Room:       room,
		From:       cm.self,
		FromHandle: handle,
		To:         to,
		Desc:       desc,
		Candidate:  cand,
	})
}

func (cm *CallManager) emit(event string, p signalPayload) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := cm.transport.Emit(ctx, event, p); err != nil {
		cm.log.Warn("signaling emit failed", "event", event, "err", err)
	}
}

// fail surfaces a user-facing error and performs full room cleanup so no
// half-initialized peer link survives.
func (cm *CallManager) fail(err error) {
	cm.log.Error("call negotiation failed", "err", err)
	cm.mu.Lock()
	onError := cm.onError
	room := cm.room
	cm.mu.Unlock()
	if onError != nil {
		onError(err)
	}
	cm.emit(evCallLeave, signalPayload{Room: room, From: cm.self})
	cm.reset()
}

func (cm *CallManager) reset() {
	cm.mesh.Teardown()
	cm.mu.Lock()
	cm.state = CallIdle
	cm.room = ""
	cm.ref = ChannelRef{}
	cm.mu.Unlock()
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
