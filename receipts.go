package comms

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ReadState is the delivered-vs-read rendering state of one message.
type ReadState int

const (
	// ReadStateNone: no read state is rendered (not our message, or not a
	// direct channel).
	ReadStateNone ReadState = iota
	// ReadStateDelivered: our message, direct channel, not yet read.
	ReadStateDelivered
	// ReadStateRead: our message, direct channel, counterpart has read it.
	ReadStateRead
)

// readSentinel marks a receipt that arrived without a timestamp.
var readSentinel = time.Unix(0, 1)

// ReceiptTracker maps outbound message ids to read timestamps in direct
// channels. It is written by remote read-receipt events and by local
// channel-open read marks (the latter only travel to the server; they are
// not reflected locally until a receipt event returns).
type ReceiptTracker struct {
	api HistoryAPI
	log *slog.Logger

	mu       sync.RWMutex
	seen     map[string]time.Time
	limiters map[string]*rate.Limiter
}

// NewReceiptTracker creates a tracker posting read marks through api.
func NewReceiptTracker(api HistoryAPI, log *slog.Logger) *ReceiptTracker {
	if log == nil {
		log = slog.Default()
	}
	return &ReceiptTracker{
		api:      api,
		log:      log,
		seen:     make(map[string]time.Time),
		limiters: make(map[string]*rate.Limiter),
	}
}

// MarkSeen posts a fire-and-forget read mark for the channel. Failures
// are logged and abandoned; read state is best-effort, never blocking.
// Repeated opens of the same channel are throttled.
func (t *ReceiptTracker) MarkSeen(ref ChannelRef) {
	t.mu.Lock()
	lim := t.limiters[ref.Key()]
	if lim == nil {
		lim = rate.NewLimiter(rate.Every(2*time.Second), 1)
		t.limiters[ref.Key()] = lim
	}
	t.mu.Unlock()
	if !lim.Allow() {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := t.api.PostRead(ctx, ref); err != nil {
			t.log.Warn("read mark failed", "channel", ref.Key(), "err", err)
		}
	}()
}

// ApplyReceipts records a batch of (message id, read time) pairs from one
// reader. A receipt without a timestamp is stored with a truthy sentinel.
func (t *ReceiptTracker) ApplyReceipts(receipts []Receipt) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, r := range receipts {
		if r.MessageID == "" {
			continue
		}
		if r.ReadAt != nil {
			t.seen[r.MessageID] = *r.ReadAt
		} else if _, ok := t.seen[r.MessageID]; !ok {
			t.seen[r.MessageID] = readSentinel
		}
	}
}

// ReadAt returns the recorded read time for a message id, if any.
func (t *ReceiptTracker) ReadAt(messageID string) (time.Time, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	at, ok := t.seen[messageID]
	return at, ok
}

// State is a pure function of (own message, direct channel, presence in
// the map). Group and general channels never render read state.
func (t *ReceiptTracker) State(msg Message, ref ChannelRef, localUser string) ReadState {
	if msg.Sender != localUser || ref.Kind != KindDirect {
		return ReadStateNone
	}
	if _, ok := t.ReadAt(msg.ID); ok && msg.ID != "" {
		return ReadStateRead
	}
	return ReadStateDelivered
}
