package domain

import "context"

// CallState is the signaling state of one voice call session.
type CallState string

const (
	CallIdle           CallState = "idle"
	CallAwaitingMedia  CallState = "awaiting_media"
	CallReady          CallState = "ready"
	CallOfferCreated   CallState = "offer_created"
	CallOfferReceived  CallState = "offer_received"
	CallAnswerCreated  CallState = "answer_created"
	CallAnswerReceived CallState = "answer_received"
	CallConnected      CallState = "connected"
	CallDisconnected   CallState = "disconnected"
	CallEnded          CallState = "ended"
)

// CallRole distinguishes the side that initiates a call from the side that
// answers it.
type CallRole string

const (
	RoleCaller CallRole = "caller"
	RoleCallee CallRole = "callee"
)

// SignalType enumerates the events exchanged over the signaling channel.
type SignalType string

const (
	SignalOffer     SignalType = "offer"
	SignalAnswer    SignalType = "answer"
	SignalCandidate SignalType = "ice-candidate"
	SignalEndCall   SignalType = "end-call"
)

// SessionDescription carries an SDP offer or answer.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// ICECandidate is a network path descriptor exchanged during negotiation.
type ICECandidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// Signal is the envelope for one signaling event, correlated by call id so
// several exchanges can share a channel.
type Signal struct {
	Type      SignalType          `json:"type"`
	CallID    string              `json:"call_id"`
	Offer     *SessionDescription `json:"offer,omitempty"`
	Answer    *SessionDescription `json:"answer,omitempty"`
	Candidate *ICECandidate       `json:"candidate,omitempty"`
}

// SignalSender emits outbound signaling events over the external channel.
// The wire encoding and peer routing belong to the transport.
type SignalSender interface {
	Send(ctx context.Context, sig Signal) error
}

// PeerConnState is the connectivity state reported by the peer transport.
type PeerConnState string

const (
	PeerConnected    PeerConnState = "connected"
	PeerDisconnected PeerConnState = "disconnected"
	PeerFailed       PeerConnState = "failed"
	PeerClosed       PeerConnState = "closed"
)

// PeerLink abstracts the underlying real-time peer connection so the
// signaling session stays independent of the media stack.
type PeerLink interface {
	CreateOffer(ctx context.Context) (SessionDescription, error)
	CreateAnswer(ctx context.Context) (SessionDescription, error)
	SetLocalDescription(desc SessionDescription) error
	SetRemoteDescription(desc SessionDescription) error
	AddICECandidate(candidate ICECandidate) error

	// OnICECandidate registers the callback for locally gathered candidates.
	OnICECandidate(fn func(ICECandidate))
	// OnConnectionStateChange registers the connectivity callback.
	OnConnectionStateChange(fn func(PeerConnState))
	// OnRemoteStream registers the callback fired when the remote media
	// stream becomes available.
	OnRemoteStream(fn func(MediaStream))

	Close() error
}

// AudioTrack is one local audio track with a mute flag.
type AudioTrack interface {
	SetEnabled(enabled bool)
	Enabled() bool
	Stop() error
}

// MediaStream groups the audio tracks of one capture or one remote peer.
type MediaStream interface {
	AudioTracks() []AudioTrack
	Close() error
}

// MediaDevices acquires local capture. Acquisition failure (permission
// denied, no device) is terminal for the call being set up.
type MediaDevices interface {
	AcquireAudio(ctx context.Context) (MediaStream, error)
}

// PeerFactory builds a PeerLink with the local stream's tracks attached.
type PeerFactory interface {
	NewPeerLink(ctx context.Context, local MediaStream) (PeerLink, error)
}
