// Package rtc backs the call subsystem's media interfaces with
// pion/webrtc. It produces peer connections carrying one audio and one
// video sample track; the application feeds captured samples in and
// renders remote tracks out.
package rtc

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/alexxcrz/ixora-comms"
)

// DefaultICEServers is used when the provider config names none.
var DefaultICEServers = []string{"stun:stun.l.google.com:19302"}

// Provider implements comms.MediaProvider on top of pion/webrtc.
type Provider struct {
	api    *webrtc.API
	config webrtc.Configuration
}

// Config tunes the provider.
type Config struct {
	// ICEServers are STUN/TURN URLs. Defaults to DefaultICEServers.
	ICEServers []string
}

// NewProvider creates a provider with a default media engine.
func NewProvider(cfg Config) (*Provider, error) {
	servers := cfg.ICEServers
	if len(servers) == 0 {
		servers = DefaultICEServers
	}

	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	return &Provider{
		api: webrtc.NewAPI(webrtc.WithMediaEngine(m)),
		config: webrtc.Configuration{
			ICEServers: []webrtc.ICEServer{{URLs: servers}},
		},
	}, nil
}

// AcquireLocalMedia creates the local sample tracks per the constraints.
// No device capture happens here; the application pumps samples through
// WriteAudioSample/WriteVideoSample on the returned *LocalMedia.
func (p *Provider) AcquireLocalMedia(ctx context.Context, c comms.MediaConstraints) (comms.LocalMedia, error) {
	lm := &LocalMedia{
		audioOn: c.Audio,
		videoOn: c.Video,
	}

	if c.Audio {
		track, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
			"audio", "ixora",
		)
		if err != nil {
			return nil, fmt.Errorf("audio track: %w", err)
		}
		lm.audio = track
	}
	if c.Video {
		track, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
			"video", "ixora",
		)
		if err != nil {
			return nil, fmt.Errorf("video track: %w", err)
		}
		lm.video = track
	}

	return lm, nil
}

// NewPeerConnection creates a connection carrying local's tracks.
func (p *Provider) NewPeerConnection(local comms.LocalMedia) (comms.PeerConnection, error) {
	lm, ok := local.(*LocalMedia)
	if !ok {
		return nil, fmt.Errorf("unexpected local media type %T", local)
	}

	pc, err := p.api.NewPeerConnection(p.config)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	if lm.audio != nil {
		if _, err := pc.AddTrack(lm.audio); err != nil {
			pc.Close()
			return nil, fmt.Errorf("add audio track: %w", err)
		}
	}
	if lm.video != nil {
		if _, err := pc.AddTrack(lm.video); err != nil {
			pc.Close()
			return nil, fmt.Errorf("add video track: %w", err)
		}
	}

	return &peerConn{pc: pc}, nil
}

// ============================================================================
// LocalMedia
// ============================================================================

// LocalMedia holds the shared local sample tracks for one call.
type LocalMedia struct {
	mu      sync.Mutex
	audio   *webrtc.TrackLocalStaticSample
	video   *webrtc.TrackLocalStaticSample
	audioOn bool
	videoOn bool
	stopped bool
}

// SetAudioEnabled toggles the microphone gate. Disabled audio drops
// samples locally; the connection is not renegotiated.
func (lm *LocalMedia) SetAudioEnabled(enabled bool) {
	lm.mu.Lock()
	lm.audioOn = enabled
	lm.mu.Unlock()
}

// SetVideoEnabled toggles the camera gate.
func (lm *LocalMedia) SetVideoEnabled(enabled bool) {
	lm.mu.Lock()
	lm.videoOn = enabled
	lm.mu.Unlock()
}

// AudioEnabled reports the microphone gate.
func (lm *LocalMedia) AudioEnabled() bool {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.audioOn
}

// VideoEnabled reports the camera gate.
func (lm *LocalMedia) VideoEnabled() bool {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.videoOn
}

// Stop releases the capture handle. Subsequent writes are dropped.
func (lm *LocalMedia) Stop() {
	lm.mu.Lock()
	lm.stopped = true
	lm.mu.Unlock()
}

// WriteAudioSample feeds one captured audio sample to every connection
// carrying the track. Muted or stopped media drops the sample.
func (lm *LocalMedia) WriteAudioSample(s media.Sample) error {
	lm.mu.Lock()
	track, on := lm.audio, lm.audioOn && !lm.stopped
	lm.mu.Unlock()
	if track == nil || !on {
		return nil
	}
	return track.WriteSample(s)
}

// WriteVideoSample feeds one captured video frame.
func (lm *LocalMedia) WriteVideoSample(s media.Sample) error {
	lm.mu.Lock()
	track, on := lm.video, lm.videoOn && !lm.stopped
	lm.mu.Unlock()
	if track == nil || !on {
		return nil
	}
	return track.WriteSample(s)
}

// ============================================================================
// PeerConnection
// ============================================================================

type peerConn struct {
	pc *webrtc.PeerConnection
}

func (c *peerConn) CreateOffer(ctx context.Context) (comms.SessionDescription, error) {
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return comms.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return comms.SessionDescription{}, fmt.Errorf("set local description: %w", err)
	}
	return comms.SessionDescription{Type: offer.Type.String(), SDP: offer.SDP}, nil
}

func (c *peerConn) CreateAnswer(ctx context.Context) (comms.SessionDescription, error) {
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return comms.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return comms.SessionDescription{}, fmt.Errorf("set local description: %w", err)
	}
	return comms.SessionDescription{Type: answer.Type.String(), SDP: answer.SDP}, nil
}

func (c *peerConn) SetRemoteDescription(desc comms.SessionDescription) error {
	return c.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.NewSDPType(desc.Type),
		SDP:  desc.SDP,
	})
}

func (c *peerConn) AddICECandidate(cand comms.ICECandidate) error {
	mid := cand.SDPMid
	line := cand.SDPMLineIndex
	return c.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     cand.Candidate,
		SDPMid:        &mid,
		SDPMLineIndex: &line,
	})
}

func (c *peerConn) OnICECandidate(fn func(comms.ICECandidate)) {
	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		init := cand.ToJSON()
		out := comms.ICECandidate{Candidate: init.Candidate}
		if init.SDPMid != nil {
			out.SDPMid = *init.SDPMid
		}
		if init.SDPMLineIndex != nil {
			out.SDPMLineIndex = *init.SDPMLineIndex
		}
		fn(out)
	})
}

func (c *peerConn) OnTrack(fn func(comms.RemoteTrack)) {
	c.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		fn(remoteTrack{track})
	})
}

func (c *peerConn) OnStateChange(fn func(comms.ConnState)) {
	c.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		fn(mapState(s))
	})
}

func (c *peerConn) Close() error { return c.pc.Close() }

func mapState(s webrtc.PeerConnectionState) comms.ConnState {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return comms.ConnConnecting
	case webrtc.PeerConnectionStateConnected:
		return comms.ConnConnected
	case webrtc.PeerConnectionStateDisconnected:
		return comms.ConnDisconnected
	case webrtc.PeerConnectionStateFailed:
		return comms.ConnFailed
	case webrtc.PeerConnectionStateClosed:
		return comms.ConnClosed
	}
	return comms.ConnNew
}

type remoteTrack struct {
	t *webrtc.TrackRemote
}

func (r remoteTrack) ID() string   { return r.t.ID() }
func (r remoteTrack) Kind() string { return r.t.Kind().String() }
