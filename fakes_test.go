package comms

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ============================================================================
// API fake
// ============================================================================

type fakeAPI struct {
	mu        sync.Mutex
	sender    string
	history   map[string][]Message
	postErr   error
	posted    []Draft
	idSeq     int
	readCalls []string
	readDone  chan struct{}
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		sender:   "ada",
		history:  make(map[string][]Message),
		readDone: make(chan struct{}, 16),
	}
}

func (f *fakeAPI) FetchHistory(ctx context.Context, ref ChannelRef) ([]Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Message{}, f.history[ref.Key()]...), nil
}

func (f *fakeAPI) PostMessage(ctx context.Context, ref ChannelRef, draft Draft) (*Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.postErr != nil {
		return nil, f.postErr
	}
	f.posted = append(f.posted, draft)
	f.idSeq++
	return &Message{
		ID:     fmt.Sprintf("srv-%d", f.idSeq),
		Sender: f.sender,
		Body:   draft.Body,
		SentAt: time.Now(),
	}, nil
}

func (f *fakeAPI) PostRead(ctx context.Context, ref ChannelRef) error {
	f.mu.Lock()
	f.readCalls = append(f.readCalls, ref.Key())
	f.mu.Unlock()
	select {
	case f.readDone <- struct{}{}:
	default:
	}
	return nil
}

func (f *fakeAPI) EditMessage(ctx context.Context, ref ChannelRef, id, body string) (*Message, error) {
	return &Message{ID: id, Body: body}, nil
}

func (f *fakeAPI) DeleteMessage(ctx context.Context, ref ChannelRef, id string) error {
	return nil
}

func (f *fakeAPI) readCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.readCalls)
}

// ============================================================================
// Loopback transport
// ============================================================================

// loopbackHub is a shared in-memory event fabric. Every connected client
// sees every emitted event, its own included, which matches the relay's
// echo behavior.
type loopbackHub struct {
	mu      sync.Mutex
	clients []*loopbackClient
}

func newLoopbackHub() *loopbackHub { return &loopbackHub{} }

func (h *loopbackHub) client() *loopbackClient {
	c := &loopbackClient{hub: h, subs: make(map[string]map[int]func(json.RawMessage))}
	h.mu.Lock()
	h.clients = append(h.clients, c)
	h.mu.Unlock()
	return c
}

func (h *loopbackHub) broadcast(event string, payload json.RawMessage) {
	h.mu.Lock()
	clients := append([]*loopbackClient{}, h.clients...)
	h.mu.Unlock()
	for _, c := range clients {
		c.deliver(event, payload)
	}
}

type loopbackClient struct {
	hub    *loopbackHub
	mu     sync.Mutex
	subSeq int
	subs   map[string]map[int]func(json.RawMessage)
}

func (c *loopbackClient) Subscribe(event string, handler func(json.RawMessage)) func() {
	c.mu.Lock()
	c.subSeq++
	id := c.subSeq
	if c.subs[event] == nil {
		c.subs[event] = make(map[int]func(json.RawMessage))
	}
	c.subs[event][id] = handler
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.subs[event], id)
		c.mu.Unlock()
	}
}

func (c *loopbackClient) Emit(ctx context.Context, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	c.hub.broadcast(event, data)
	return nil
}

func (c *loopbackClient) deliver(event string, payload json.RawMessage) {
	c.mu.Lock()
	handlers := make([]func(json.RawMessage), 0, len(c.subs[event]))
	for _, h := range c.subs[event] {
		handlers = append(handlers, h)
	}
	c.mu.Unlock()
	for _, h := range handlers {
		h(payload)
	}
}

func (c *loopbackClient) subCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, m := range c.subs {
		n += len(m)
	}
	return n
}

// ============================================================================
// Media fakes
// ============================================================================

type fakeMedia struct {
	mu        sync.Mutex
	audio     bool
	video     bool
	stopCount int
}

func (m *fakeMedia) SetAudioEnabled(on bool) { m.mu.Lock(); m.audio = on; m.mu.Unlock() }
func (m *fakeMedia) SetVideoEnabled(on bool) { m.mu.Lock(); m.video = on; m.mu.Unlock() }
func (m *fakeMedia) AudioEnabled() bool      { m.mu.Lock(); defer m.mu.Unlock(); return m.audio }
func (m *fakeMedia) VideoEnabled() bool      { m.mu.Lock(); defer m.mu.Unlock(); return m.video }
func (m *fakeMedia) Stop()                   { m.mu.Lock(); m.stopCount++; m.mu.Unlock() }

func (m *fakeMedia) stops() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopCount
}

type fakeProvider struct {
	mu         sync.Mutex
	acquireErr error
	media      []*fakeMedia
	conns      []*fakePeerConn
}

func (p *fakeProvider) AcquireLocalMedia(ctx context.Context, c MediaConstraints) (LocalMedia, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.acquireErr != nil {
		return nil, p.acquireErr
	}
	m := &fakeMedia{audio: c.Audio, video: c.Video}
	p.media = append(p.media, m)
	return m, nil
}

func (p *fakeProvider) NewPeerConnection(local LocalMedia) (PeerConnection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	conn := &fakePeerConn{}
	p.conns = append(p.conns, conn)
	return conn, nil
}

func (p *fakeProvider) offerTotal() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.conns {
		n += c.offerCount()
	}
	return n
}

func (p *fakeProvider) answerTotal() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.conns {
		n += c.answerCount()
	}
	return n
}

func (p *fakeProvider) openConns() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.conns {
		if !c.isClosed() {
			n++
		}
	}
	return n
}

func (p *fakeProvider) unstoppedMedia() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, m := range p.media {
		if m.stops() == 0 {
			n++
		}
	}
	return n
}

type fakePeerConn struct {
	mu         sync.Mutex
	offers     int
	answers    int
	remote     *SessionDescription
	candidates []ICECandidate
	closed     bool

	onICE   func(ICECandidate)
	onTrack func(RemoteTrack)
	onState func(ConnState)
}

func (c *fakePeerConn) CreateOffer(ctx context.Context) (SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offers++
	return SessionDescription{Type: "offer", SDP: "sdp-offer"}, nil
}

func (c *fakePeerConn) CreateAnswer(ctx context.Context) (SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.answers++
	return SessionDescription{Type: "answer", SDP: "sdp-answer"}, nil
}

func (c *fakePeerConn) SetRemoteDescription(desc SessionDescription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.remote = &desc
	return nil
}

func (c *fakePeerConn) AddICECandidate(cand ICECandidate) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.candidates = append(c.candidates, cand)
	return nil
}

func (c *fakePeerConn) OnICECandidate(fn func(ICECandidate)) { c.mu.Lock(); c.onICE = fn; c.mu.Unlock() }
func (c *fakePeerConn) OnTrack(fn func(RemoteTrack))         { c.mu.Lock(); c.onTrack = fn; c.mu.Unlock() }
func (c *fakePeerConn) OnStateChange(fn func(ConnState))     { c.mu.Lock(); c.onState = fn; c.mu.Unlock() }

func (c *fakePeerConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakePeerConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakePeerConn) offerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.offers
}

func (c *fakePeerConn) answerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.answers
}

func (c *fakePeerConn) addedCandidates() []ICECandidate {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ICECandidate{}, c.candidates...)
}

func (c *fakePeerConn) fireICE(cand ICECandidate) {
	c.mu.Lock()
	fn := c.onICE
	c.mu.Unlock()
	if fn != nil {
		fn(cand)
	}
}

func (c *fakePeerConn) fireState(s ConnState) {
	c.mu.Lock()
	fn := c.onState
	c.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

// recordingNotifier captures notifications for assertions.
type recordingNotifier struct {
	mu    sync.Mutex
	calls []string
}

func (n *recordingNotifier) Notify(title, body, tag string) {
	n.mu.Lock()
	n.calls = append(n.calls, title+"|"+body+"|"+tag)
	n.mu.Unlock()
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.calls)
}
