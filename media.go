package comms

import "context"

// The media platform is an external collaborator: the call subsystem only
// depends on these interfaces. rtc provides a pion-backed implementation;
// tests use in-memory fakes.

// MediaConstraints selects which local devices to acquire.
type MediaConstraints struct {
	Audio bool
	Video bool
}

// LocalMedia is the shared local capture handle. It is acquired once per
// room lifecycle and released exactly once on room teardown, never
// per-peer. Mute and video toggles are purely local track state and do
// not renegotiate peer connections.
type LocalMedia interface {
	SetAudioEnabled(enabled bool)
	SetVideoEnabled(enabled bool)
	AudioEnabled() bool
	VideoEnabled() bool
	Stop()
}

// SessionDescription is an SDP offer or answer.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// ICECandidate is one trickled network candidate.
type ICECandidate struct {
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdpMid,omitempty"`
	SDPMLineIndex uint16 `json:"sdpMLineIndex,omitempty"`
}

// ConnState mirrors the media connection's lifecycle state.
type ConnState int

const (
	ConnNew ConnState = iota
	ConnConnecting
	ConnConnected
	ConnDisconnected
	ConnFailed
	ConnClosed
)

func (s ConnState) String() string {
	switch s {
	case ConnNew:
		return "new"
	case ConnConnecting:
		return "connecting"
	case ConnConnected:
		return "connected"
	case ConnDisconnected:
		return "disconnected"
	case ConnFailed:
		return "failed"
	case ConnClosed:
		return "closed"
	}
	return "unknown"
}

// RemoteTrack is an opaque handle to one remote media stream, passed
// through to rendering.
type RemoteTrack interface {
	ID() string
	Kind() string
}

// PeerConnection is one real-time media connection to a single remote
// participant. CreateOffer and CreateAnswer also set the local
// description.
type PeerConnection interface {
	CreateOffer(ctx context.Context) (SessionDescription, error)
	CreateAnswer(ctx context.Context) (SessionDescription, error)
	SetRemoteDescription(desc SessionDescription) error
	AddICECandidate(c ICECandidate) error
	OnICECandidate(fn func(ICECandidate))
	OnTrack(fn func(RemoteTrack))
	OnStateChange(fn func(ConnState))
	Close() error
}

// MediaProvider is the platform factory for capture handles and peer
// connections.
type MediaProvider interface {
	// AcquireLocalMedia asks the platform for camera/microphone access.
	// A refusal is fatal to the current call attempt.
	AcquireLocalMedia(ctx context.Context, c MediaConstraints) (LocalMedia, error)
	// NewPeerConnection creates a connection carrying the local tracks.
	NewPeerConnection(local LocalMedia) (PeerConnection, error)
}
