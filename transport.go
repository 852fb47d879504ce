package comms

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
)

// Event names carried over the persistent connection. Message events are
// qualified per channel kind ("direct:new-message" and so on); call
// signaling events carry the room id in the payload instead.
const (
	evNewMessage  = "new-message"
	evEdited      = "edited"
	evDeleted     = "deleted"
	evReadReceipt = "read-receipt"

	evCallInvite = "call-invite"
	evCallJoin   = "call-join"
	evCallLeave  = "call-leave"
	evCallOffer  = "call-offer"
	evCallAnswer = "call-answer"
	evCallICE    = "call-ice"
)

func kindEvent(kind ChannelKind, base string) string {
	return string(kind) + ":" + base
}

// Transport is the persistent bidirectional event connection. Delivery is
// at-least-once and in-order per channel; duplicates across reconnects
// are tolerated downstream.
type Transport interface {
	// Subscribe registers a handler for a named event and returns its
	// unsubscribe function.
	Subscribe(event string, handler func(payload json.RawMessage)) (unsubscribe func())
	// Emit publishes a named event.
	Emit(ctx context.Context, event string, payload any) error
}

// EventBus adapts transport events into engine, receipt-tracker and call
// calls. It owns one long-lived subscription set; the active identity is
// a mutable cell read by the handlers, so an identity change swaps the
// cell instead of re-registering handlers (re-subscription happens at
// most once per Rebind, never per event).
type EventBus struct {
	transport Transport
	engine    *Engine
	receipts  *ReceiptTracker
	call      *CallManager
	log       *slog.Logger

	mu        sync.Mutex
	localUser string
	unsubs    []func()
}

// NewEventBus wires the adapter. Call Bind to attach the subscriptions.
func NewEventBus(transport Transport, engine *Engine, receipts *ReceiptTracker, call *CallManager, log *slog.Logger) *EventBus {
	if log == nil {
		log = slog.Default()
	}
	return &EventBus{
		transport: transport,
		engine:    engine,
		receipts:  receipts,
		call:      call,
		log:       log,
	}
}

// LocalUser returns the identity cell's current value.
func (b *EventBus) LocalUser() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.localUser
}

// Bind subscribes the full handler set for the given identity. Calling it
// again with a different identity unsubscribes the previous set first, so
// duplicate handlers cannot accumulate.
func (b *EventBus) Bind(localUser string) {
	b.mu.Lock()
	if b.localUser == localUser && len(b.unsubs) > 0 {
		b.mu.Unlock()
		return
	}
	b.unbind()
	b.localUser = localUser
	b.mu.Unlock()

	b.engine.SetLocalUser(localUser)
	if b.call != nil {
		b.call.setHandle(localUser)
	}

	var unsubs []func()
	sub := func(event string, h func(json.RawMessage)) {
		unsubs = append(unsubs, b.transport.Subscribe(event, h))
	}

	for _, kind := range []ChannelKind{KindGeneral, KindDirect, KindGroup} {
		kind := kind
		sub(kindEvent(kind, evNewMessage), func(p json.RawMessage) { b.onMessage(kind, p, false) })
		sub(kindEvent(kind, evEdited), func(p json.RawMessage) { b.onMessage(kind, p, true) })
		sub(kindEvent(kind, evDeleted), func(p json.RawMessage) { b.onDelete(kind, p) })
	}
	sub(kindEvent(KindDirect, evReadReceipt), b.onReceipt)

	if b.call != nil {
		sub(evCallInvite, b.call.onInvite)
		sub(evCallJoin, b.call.onJoin)
		sub(evCallLeave, b.call.onLeave)
		sub(evCallOffer, b.call.onOffer)
		sub(evCallAnswer, b.call.onAnswer)
		sub(evCallICE, b.call.onICE)
	}

	b.mu.Lock()
	b.unsubs = unsubs
	b.mu.Unlock()
}

// Unbind detaches all handlers.
func (b *EventBus) Unbind() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unbind()
}

func (b *EventBus) unbind() {
	for _, u := range b.unsubs {
		u()
	}
	b.unsubs = nil
}

// resolveRef maps an event's (kind, target, sender) onto the local
// channel. For direct messages the channel is named after the
// counterpart: the sender for inbound, the recipient for our own echoes.
func (b *EventBus) resolveRef(kind ChannelKind, target, sender string) ChannelRef {
	switch kind {
	case KindGeneral:
		return General()
	case KindDirect:
		if sender != "" && sender != b.LocalUser() {
			return Direct(sender)
		}
		return Direct(target)
	default:
		return Group(target)
	}
}

func (b *EventBus) onMessage(kind ChannelKind, payload json.RawMessage, edit bool) {
	var ev messageEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		b.log.Warn("malformed message event", "kind", kind, "err", err)
		return
	}
	ref := b.resolveRef(kind, ev.Target, ev.Message.Sender)
	if edit {
		b.engine.ApplyEdit(ref, ev.Message)
	} else {
		b.engine.ApplyIncoming(ref, ev.Message)
	}
}

func (b *EventBus) onDelete(kind ChannelKind, payload json.RawMessage) {
	var ev deleteEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		b.log.Warn("malformed delete event", "kind", kind, "err", err)
		return
	}
	b.engine.ApplyDelete(b.resolveRef(kind, ev.Target, ""), ev.MessageID)
}

func (b *EventBus) onReceipt(payload json.RawMessage) {
	var ev receiptEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		b.log.Warn("malformed receipt event", "err", err)
		return
	}
	if b.receipts != nil {
		b.receipts.ApplyReceipts(ev.Receipts)
	}
}
