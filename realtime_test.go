package comms

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestReconnectorBackoff(t *testing.T) {
	cfg := &RelayConfig{}
	cfg.defaults()
	r := newReconnector(cfg)

	var last time.Duration
	for i := 0; i < 4; i++ {
		d := r.nextDelay()
		if d < last {
			t.Errorf("attempt %d: delay %v shrank below %v", i, d, last)
		}
		last = d
	}
	if last > cfg.ReconnectMaxDelay {
		t.Errorf("delay %v exceeded cap %v", last, cfg.ReconnectMaxDelay)
	}
}

func TestReconnectorCapsDelay(t *testing.T) {
	r := &reconnector{baseDelay: time.Second, maxDelay: 5 * time.Second, maxAttempts: 0}
	for i := 0; i < 10; i++ {
		r.nextDelay()
	}
	if d := r.nextDelay(); d > 5*time.Second {
		t.Errorf("delay %v exceeded cap", d)
	}
}

func TestReconnectorAttemptLimit(t *testing.T) {
	r := &reconnector{baseDelay: time.Millisecond, maxDelay: time.Millisecond, maxAttempts: 3}
	for i := 0; i < 3; i++ {
		if !r.shouldReconnect() {
			t.Fatalf("attempt %d refused too early", i)
		}
		r.nextDelay()
	}
	if r.shouldReconnect() {
		t.Error("reconnect allowed past the attempt limit")
	}
}

func TestReconnectorResetsAfterGoodConnection(t *testing.T) {
	r := &reconnector{baseDelay: time.Second, maxDelay: 30 * time.Second}
	for i := 0; i < 5; i++ {
		r.nextDelay()
	}
	// A connection that held for over a minute starts the backoff over.
	r.connectedAt = time.Now().Add(-2 * time.Minute)
	r.nextDelay()
	if r.attempt != 1 {
		t.Errorf("attempt counter = %d after long-lived connection, want 1", r.attempt)
	}
}

func TestRelaySubscribeUnsubscribe(t *testing.T) {
	rl := NewRelay(&RelayConfig{BaseURL: "http://example.com", Token: "t"})

	var got []string
	unsub := rl.Subscribe("general:new-message", func(p json.RawMessage) {
		got = append(got, string(p))
	})

	rl.dispatch(relayEnvelope{Type: "general:new-message", Payload: json.RawMessage(`"one"`)})
	rl.dispatch(relayEnvelope{Type: "other-event", Payload: json.RawMessage(`"ignored"`)})

	unsub()
	rl.dispatch(relayEnvelope{Type: "general:new-message", Payload: json.RawMessage(`"two"`)})

	if len(got) != 1 || got[0] != `"one"` {
		t.Errorf("unexpected deliveries: %v", got)
	}
}

func TestRelayEmitBeforeConnect(t *testing.T) {
	rl := NewRelay(&RelayConfig{BaseURL: "http://example.com", Token: "t"})
	err := rl.Emit(context.Background(), "ping", map[string]string{})
	if err != ErrNotConnected {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
}

func TestDisconnectFailsInFlightPings(t *testing.T) {
	rl := NewRelay(&RelayConfig{BaseURL: "http://example.com", Token: "t"})

	ch := make(chan pongPayload, 1)
	rl.pendingMu.Lock()
	rl.pendingPings["ping-1"] = ch
	rl.pendingMu.Unlock()

	rl.clearPendingPings()

	// The cut-off ping must surface as an error, not as a pong.
	if err := rl.awaitPong(context.Background(), "ping-1", ch); !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected for a ping cut off by disconnect, got %v", err)
	}
}

func TestRelayStateStartsDisconnected(t *testing.T) {
	rl := NewRelay(&RelayConfig{BaseURL: "http://example.com", Token: "t"})
	if rl.State() != StateDisconnected {
		t.Errorf("initial state = %v", rl.State())
	}
}
