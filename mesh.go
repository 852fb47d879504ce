package comms

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// defaultNegotiationTimeout bounds how long a peer link may sit without
// reaching a connected state before it is torn down. The user can always
// hang up earlier.
const defaultNegotiationTimeout = 30 * time.Second

// peerLink is one media connection to one remote participant, plus its
// ICE staging queue. Candidates received before the remote description is
// set are queued and applied in arrival order once it is.
type peerLink struct {
	id         string
	handle     string
	conn       PeerConnection
	pendingICE []ICECandidate
	remoteSet  bool
	connected  bool
	tracks     []RemoteTrack
	timer      *time.Timer
}

// PeerMesh owns the full-mesh set of peer links for the active room and
// the single shared local capture handle (acquired once per room, stopped
// exactly once on teardown).
type PeerMesh struct {
	provider MediaProvider
	sendICE  func(to string, c ICECandidate)
	timeout  time.Duration
	log      *slog.Logger

	mu    sync.Mutex
	media LocalMedia
	links map[string]*peerLink
}

func newPeerMesh(provider MediaProvider, sendICE func(string, ICECandidate), timeout time.Duration, log *slog.Logger) *PeerMesh {
	if timeout <= 0 {
		timeout = defaultNegotiationTimeout
	}
	return &PeerMesh{
		provider: provider,
		sendICE:  sendICE,
		timeout:  timeout,
		log:      log,
		links:    make(map[string]*peerLink),
	}
}

// Acquire obtains the local capture handle. A platform refusal is wrapped
// as *MediaError: fatal to the attempt, not retried.
func (pm *PeerMesh) Acquire(ctx context.Context, c MediaConstraints) error {
	media, err := pm.provider.AcquireLocalMedia(ctx, c)
	if err != nil {
		return &MediaError{Cause: err}
	}
	pm.mu.Lock()
	pm.media = media
	pm.mu.Unlock()
	return nil
}

// EnsureLink creates the peer link for a remote participant on first
// contact. A second call for the same participant is a no-op.
func (pm *PeerMesh) EnsureLink(id, handle string) (created bool, err error) {
	pm.mu.Lock()
	if pm.links[id] != nil {
		pm.mu.Unlock()
		return false, nil
	}
	media := pm.media
	pm.mu.Unlock()

	conn, err := pm.provider.NewPeerConnection(media)
	if err != nil {
		return false, fmt.Errorf("peer connection for %s: %w", handle, err)
	}

	link := &peerLink{id: id, handle: handle, conn: conn}
	conn.OnICECandidate(func(c ICECandidate) {
		pm.sendICE(id, c)
	})
	conn.OnTrack(func(t RemoteTrack) {
		pm.mu.Lock()
		link.tracks = append(link.tracks, t)
		pm.mu.Unlock()
	})
	conn.OnStateChange(func(st ConnState) {
		switch st {
		case ConnConnected:
			pm.mu.Lock()
			link.connected = true
			if link.timer != nil {
				link.timer.Stop()
			}
			pm.mu.Unlock()
		case ConnDisconnected, ConnFailed, ConnClosed:
			// No retry of a broken link; the user must re-initiate.
			pm.log.Info("peer link lost", "peer", handle, "state", st.String())
			pm.Drop(id)
		}
	})
	link.timer = time.AfterFunc(pm.timeout, func() {
		pm.mu.Lock()
		stale := pm.links[id] == link && !link.connected
		pm.mu.Unlock()
		if stale {
			pm.log.Warn("peer negotiation timed out", "peer", handle)
			pm.Drop(id)
		}
	})

	pm.mu.Lock()
	pm.links[id] = link
	pm.mu.Unlock()
	return true, nil
}

// Offer generates the local offer for a peer link.
func (pm *PeerMesh) Offer(ctx context.Context, id string) (SessionDescription, error) {
	link := pm.link(id)
	if link == nil {
		return SessionDescription{}, fmt.Errorf("no peer link for %s", id)
	}
	return link.conn.CreateOffer(ctx)
}

// Answer applies a remote offer and generates the answer.
func (pm *PeerMesh) Answer(ctx context.Context, id string, offer SessionDescription) (SessionDescription, error) {
	link := pm.link(id)
	if link == nil {
		return SessionDescription{}, fmt.Errorf("no peer link for %s", id)
	}
	if err := pm.setRemote(link, offer); err != nil {
		return SessionDescription{}, err
	}
	return link.conn.CreateAnswer(ctx)
}

// AcceptAnswer applies the remote answer on the offerer side.
func (pm *PeerMesh) AcceptAnswer(id string, answer SessionDescription) error {
	link := pm.link(id)
	if link == nil {
		return fmt.Errorf("no peer link for %s", id)
	}
	return pm.setRemote(link, answer)
}

func (pm *PeerMesh) setRemote(link *peerLink, desc SessionDescription) error {
	if err := link.conn.SetRemoteDescription(desc); err != nil {
		return err
	}
	pm.mu.Lock()
	link.remoteSet = true
	queued := link.pendingICE
	link.pendingICE = nil
	pm.mu.Unlock()

	for _, c := range queued {
		if err := link.conn.AddICECandidate(c); err != nil {
			pm.log.Warn("queued candidate rejected", "peer", link.handle, "err", err)
		}
	}
	return nil
}

// AddRemoteICE applies a trickled candidate, or stages it when the remote
// description has not been set yet.
func (pm *PeerMesh) AddRemoteICE(id string, c ICECandidate) {
	pm.mu.Lock()
	link := pm.links[id]
	if link == nil {
		pm.mu.Unlock()
		return
	}
	if !link.remoteSet {
		link.pendingICE = append(link.pendingICE, c)
		pm.mu.Unlock()
		return
	}
	pm.mu.Unlock()

	if err := link.conn.AddICECandidate(c); err != nil {
		pm.log.Warn("candidate rejected", "peer", link.handle, "err", err)
	}
}

// Drop tears down one peer link: connection closed, staged candidates and
// remote tracks discarded.
func (pm *PeerMesh) Drop(id string) {
	pm.mu.Lock()
	link := pm.links[id]
	if link == nil {
		pm.mu.Unlock()
		return
	}
	delete(pm.links, id)
	if link.timer != nil {
		link.timer.Stop()
	}
	pm.mu.Unlock()

	if err := link.conn.Close(); err != nil {
		pm.log.Warn("peer close failed", "peer", link.handle, "err", err)
	}
}

// Teardown drops every peer link and stops the local capture exactly
// once. Safe to call repeatedly.
func (pm *PeerMesh) Teardown() {
	pm.mu.Lock()
	links := pm.links
	pm.links = make(map[string]*peerLink)
	media := pm.media
	pm.media = nil
	pm.mu.Unlock()

	for _, link := range links {
		if link.timer != nil {
			link.timer.Stop()
		}
		if err := link.conn.Close(); err != nil {
			pm.log.Warn("peer close failed", "peer", link.handle, "err", err)
		}
	}
	if media != nil {
		media.Stop()
	}
}

// SetAudioEnabled toggles the local audio tracks. Purely local state.
func (pm *PeerMesh) SetAudioEnabled(on bool) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if pm.media != nil {
		pm.media.SetAudioEnabled(on)
	}
}

// SetVideoEnabled toggles the local video tracks. Purely local state.
func (pm *PeerMesh) SetVideoEnabled(on bool) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if pm.media != nil {
		pm.media.SetVideoEnabled(on)
	}
}

// Count returns the number of live peer links.
func (pm *PeerMesh) Count() int {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return len(pm.links)
}

func (pm *PeerMesh) link(id string) *peerLink {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.links[id]
}

func (pm *PeerMesh) snapshot() (peers []PeerSnapshot, audio, video bool) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	for _, link := range pm.links {
		peers = append(peers, PeerSnapshot{
			ParticipantID: link.id,
			Handle:        link.handle,
			Tracks:        len(link.tracks),
		})
	}
	if pm.media != nil {
		audio = pm.media.AudioEnabled()
		video = pm.media.VideoEnabled()
	}
	return peers, audio, video
}
