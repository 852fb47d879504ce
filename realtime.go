package comms

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// relayEnvelope is the wire format for all events on the persistent
// connection, both directions.
type relayEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// pongPayload is the response to a ping command.
type pongPayload struct {
	RequestID string `json:"requestId"`
}

// RelayConfig configures the persistent event connection.
type RelayConfig struct {
	BaseURL              string
	Token                string
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	Logger               *slog.Logger
}

func (c *RelayConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// RelayState represents the connection state.
type RelayState string

const (
	StateDisconnected RelayState = "disconnected"
	StateConnecting   RelayState = "connecting"
	StateConnected    RelayState = "connected"
	StateReconnecting RelayState = "reconnecting"
)

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *RelayConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

// ============================================================================
// Relay
// ============================================================================

// Relay is the WebSocket Transport with auto-reconnect and heartbeat.
// Subscriptions survive reconnects; the server replays missed channel
// events on resume, so downstream consumers must tolerate duplicates.
type Relay struct {
	config           *RelayConfig
	log              *slog.Logger
	conn             *websocket.Conn
	mu               sync.Mutex
	state            RelayState
	intentionalClose bool
	recon            *reconnector
	cancelFn         context.CancelFunc

	subMu  sync.RWMutex
	subSeq int
	subs   map[string]map[int]func(json.RawMessage)

	onConnected    []func()
	onDisconnected []func(reason string)
	onReconnecting []func(attempt int, delay time.Duration)

	pingCounter  int
	pendingPings map[string]chan pongPayload
	pendingMu    sync.Mutex
}

// NewRelay creates a disconnected relay. Call Connect to establish the
// persistent connection.
func NewRelay(config *RelayConfig) *Relay {
	config.defaults()
	return &Relay{
		config:       config,
		log:          config.Logger,
		state:        StateDisconnected,
		recon:        newReconnector(config),
		subs:         make(map[string]map[int]func(json.RawMessage)),
		pendingPings: make(map[string]chan pongPayload),
	}
}

// Subscribe registers a handler for a named event. The returned function
// removes it.
func (rl *Relay) Subscribe(event string, handler func(payload json.RawMessage)) func() {
	rl.subMu.Lock()
	rl.subSeq++
	id := rl.subSeq
	if rl.subs[event] == nil {
		rl.subs[event] = make(map[int]func(json.RawMessage))
	}
	rl.subs[event][id] = handler
	rl.subMu.Unlock()

	return func() {
		rl.subMu.Lock()
		if m := rl.subs[event]; m != nil {
			delete(m, id)
			if len(m) == 0 {
				delete(rl.subs, event)
			}
		}
		rl.subMu.Unlock()
	}
}

// Emit publishes a named event to the server.
func (rl *Relay) Emit(ctx context.Context, event string, payload any) error {
	rl.mu.Lock()
	conn := rl.conn
	rl.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", event, err)
	}
	data, err := json.Marshal(relayEnvelope{Type: event, Payload: raw})
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// OnConnected registers a handler for the connected meta-event.
func (rl *Relay) OnConnected(h func()) {
	rl.mu.Lock()
	rl.onConnected = append(rl.onConnected, h)
	rl.mu.Unlock()
}

// OnDisconnected registers a handler for the disconnected meta-event.
func (rl *Relay) OnDisconnected(h func(reason string)) {
	rl.mu.Lock()
	rl.onDisconnected = append(rl.onDisconnected, h)
	rl.mu.Unlock()
}

// OnReconnecting registers a handler for the reconnecting meta-event.
func (rl *Relay) OnReconnecting(h func(attempt int, delay time.Duration)) {
	rl.mu.Lock()
	rl.onReconnecting = append(rl.onReconnecting, h)
	rl.mu.Unlock()
}

// State returns the current connection state.
func (rl *Relay) State() RelayState {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.state
}

// Connect establishes the connection and waits for the server's
// authenticated handshake.
func (rl *Relay) Connect(ctx context.Context) error {
	rl.mu.Lock()
	if rl.state == StateConnected || rl.state == StateConnecting {
		rl.mu.Unlock()
		return nil
	}
	rl.state = StateConnecting
	rl.intentionalClose = false
	rl.mu.Unlock()

	wsURL := strings.Replace(rl.config.BaseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL += "/ws?token=" + rl.config.Token

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		rl.setState(StateDisconnected)
		return fmt.Errorf("websocket dial: %w", err)
	}

	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		rl.setState(StateDisconnected)
		return fmt.Errorf("read auth message: %w", err)
	}

	var env relayEnvelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != "authenticated" {
		conn.Close(websocket.StatusNormalClosure, "")
		rl.setState(StateDisconnected)
		return fmt.Errorf("expected 'authenticated', got '%s'", env.Type)
	}

	rl.mu.Lock()
	rl.conn = conn
	rl.state = StateConnected
	connected := append([]func(){}, rl.onConnected...)
	rl.mu.Unlock()
	rl.recon.markConnected()

	rl.dispatch(env)
	for _, h := range connected {
		go h()
	}

	connCtx, cancel := context.WithCancel(context.Background())
	rl.mu.Lock()
	if rl.cancelFn != nil {
		// Stop loops left over from a previous connection.
		rl.cancelFn()
	}
	rl.cancelFn = cancel
	rl.mu.Unlock()

	go rl.readLoop(connCtx)
	go rl.heartbeatLoop(connCtx)

	return nil
}

// Disconnect gracefully closes the connection. Reconnect is suppressed.
func (rl *Relay) Disconnect() error {
	rl.mu.Lock()
	rl.intentionalClose = true
	if rl.cancelFn != nil {
		rl.cancelFn()
		rl.cancelFn = nil
	}
	conn := rl.conn
	rl.conn = nil
	rl.state = StateDisconnected
	rl.mu.Unlock()

	rl.clearPendingPings()

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

func (rl *Relay) setState(s RelayState) {
	rl.mu.Lock()
	rl.state = s
	rl.mu.Unlock()
}

func (rl *Relay) dispatch(env relayEnvelope) {
	rl.subMu.RLock()
	handlers := make([]func(json.RawMessage), 0, len(rl.subs[env.Type]))
	for _, h := range rl.subs[env.Type] {
		handlers = append(handlers, h)
	}
	rl.subMu.RUnlock()

	for _, h := range handlers {
		h(env.Payload)
	}
}

// Ping sends a ping and waits for the matching pong.
func (rl *Relay) Ping(ctx context.Context) error {
	rl.pendingMu.Lock()
	rl.pingCounter++
	requestID := fmt.Sprintf("ping-%d", rl.pingCounter)
	ch := make(chan pongPayload, 1)
	rl.pendingPings[requestID] = ch
	rl.pendingMu.Unlock()

	err := rl.Emit(ctx, "ping", map[string]string{"requestId": requestID})
	if err != nil {
		rl.dropPendingPing(requestID)
		return err
	}
	return rl.awaitPong(ctx, requestID, ch)
}

func (rl *Relay) awaitPong(ctx context.Context, requestID string, ch chan pongPayload) error {
	select {
	case _, ok := <-ch:
		// A closed channel means the connection went away before the
		// pong arrived.
		if !ok {
			return ErrNotConnected
		}
		return nil
	case <-time.After(10 * time.Second):
		rl.dropPendingPing(requestID)
		return fmt.Errorf("ping timeout")
	case <-ctx.Done():
		rl.dropPendingPing(requestID)
		return ctx.Err()
	}
}

func (rl *Relay) dropPendingPing(requestID string) {
	rl.pendingMu.Lock()
	delete(rl.pendingPings, requestID)
	rl.pendingMu.Unlock()
}

func (rl *Relay) readLoop(ctx context.Context) {
	for {
		rl.mu.Lock()
		conn := rl.conn
		rl.mu.Unlock()
		if conn == nil {
			return
		}

		_, data, err := conn.Read(ctx)
		if err != nil {
			rl.mu.Lock()
			intentional := rl.intentionalClose
			rl.mu.Unlock()
			if intentional {
				return
			}

			rl.mu.Lock()
			rl.state = StateDisconnected
			rl.conn = nil
			disconnected := append([]func(string){}, rl.onDisconnected...)
			rl.mu.Unlock()

			for _, h := range disconnected {
				go h(err.Error())
			}

			if rl.config.AutoReconnect && rl.recon.shouldReconnect() {
				rl.scheduleReconnect()
			}
			return
		}

		var env relayEnvelope
		if json.Unmarshal(data, &env) != nil {
			rl.log.Warn("dropping malformed relay frame")
			continue
		}

		if env.Type == "pong" {
			var p pongPayload
			if json.Unmarshal(env.Payload, &p) == nil && p.RequestID != "" {
				rl.pendingMu.Lock()
				ch, ok := rl.pendingPings[p.RequestID]
				if ok {
					delete(rl.pendingPings, p.RequestID)
				}
				rl.pendingMu.Unlock()
				if ok {
					ch <- p
				}
			}
			continue
		}

		rl.dispatch(env)
	}
}

func (rl *Relay) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(rl.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if rl.State() != StateConnected {
				return
			}
			if err := rl.Ping(ctx); err != nil {
				rl.mu.Lock()
				conn := rl.conn
				rl.mu.Unlock()
				if conn != nil {
					conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				}
				return
			}
		}
	}
}

func (rl *Relay) scheduleReconnect() {
	delay := rl.recon.nextDelay()
	rl.mu.Lock()
	rl.state = StateReconnecting
	reconnecting := append([]func(int, time.Duration){}, rl.onReconnecting...)
	attempt := rl.recon.attempt
	rl.mu.Unlock()

	for _, h := range reconnecting {
		go h(attempt, delay)
	}
	rl.log.Info("relay reconnecting", "attempt", attempt, "delay", delay)

	time.Sleep(delay)

	if err := rl.Connect(context.Background()); err != nil {
		if rl.config.AutoReconnect && rl.recon.shouldReconnect() {
			rl.scheduleReconnect()
		} else {
			rl.setState(StateDisconnected)
		}
	}
}

func (rl *Relay) clearPendingPings() {
	rl.pendingMu.Lock()
	for k, ch := range rl.pendingPings {
		close(ch)
		delete(rl.pendingPings, k)
	}
	rl.pendingMu.Unlock()
}
