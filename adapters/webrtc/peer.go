package webrtc

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/voxchat/voxchat/domain"
	"github.com/voxchat/voxchat/utils/log"
)

// DefaultSTUNServer is used when the factory is built without ICE servers.
const DefaultSTUNServer = "stun:stun.l.google.com:19302"

// Factory builds pion peer connections with the local audio attached.
type Factory struct {
	iceServers []string
}

func NewFactory(iceServers ...string) *Factory {
	if len(iceServers) == 0 {
		iceServers = []string{DefaultSTUNServer}
	}
	return &Factory{iceServers: iceServers}
}

// NewPeerLink creates a peer connection and adds every local audio track to
// it. The returned link is ready for callback registration before the
// offer/answer exchange starts.
func (f *Factory) NewPeerLink(ctx context.Context, local domain.MediaStream) (domain.PeerLink, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: f.iceServers}},
	})
	if err != nil {
		return nil, fmt.Errorf("creating peer connection: %w", err)
	}

	link := &peerLink{pc: pc}

	if local != nil {
		for _, t := range local.AudioTracks() {
			lt, ok := t.(*LocalTrack)
			if !ok {
				continue
			}
			sender, err := pc.AddTrack(lt.track)
			if err != nil {
				pc.Close()
				return nil, fmt.Errorf("attaching local track: %w", err)
			}
			go drainRTCP(ctx, sender)
		}
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		link.mu.Lock()
		fn := link.onCandidate
		link.mu.Unlock()
		if fn == nil {
			return
		}
		init := c.ToJSON()
		fn(domain.ICECandidate{
			Candidate:     init.Candidate,
			SDPMid:        init.SDPMid,
			SDPMLineIndex: init.SDPMLineIndex,
		})
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		link.mu.Lock()
		fn := link.onStateChange
		link.mu.Unlock()
		if fn == nil {
			return
		}
		if mapped, ok := mapConnState(state); ok {
			fn(mapped)
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.WithCtx(ctx).Info("remote track received",
			zap.String("codec", track.Codec().MimeType),
			zap.String("track_id", track.ID()),
		)
		link.mu.Lock()
		fn := link.onRemoteStream
		link.mu.Unlock()
		if fn == nil {
			return
		}
		fn(&remoteStream{tracks: []domain.AudioTrack{&remoteTrack{track: track, enabled: true}}})
	})

	return link, nil
}

// drainRTCP keeps the sender's feedback loop flowing. Reports are discarded.
func drainRTCP(ctx context.Context, sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if ctx.Err() != nil {
			return
		}
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

type peerLink struct {
	mu sync.Mutex
	pc *webrtc.PeerConnection

	onCandidate    func(domain.ICECandidate)
	onStateChange  func(domain.PeerConnState)
	onRemoteStream func(domain.MediaStream)
}

func (l *peerLink) CreateOffer(ctx context.Context) (domain.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return domain.SessionDescription{}, err
	}
	offer, err := l.pc.CreateOffer(nil)
	if err != nil {
		return domain.SessionDescription{}, err
	}
	return fromPion(offer), nil
}

func (l *peerLink) CreateAnswer(ctx context.Context) (domain.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return domain.SessionDescription{}, err
	}
	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		return domain.SessionDescription{}, err
	}
	return fromPion(answer), nil
}

func (l *peerLink) SetLocalDescription(desc domain.SessionDescription) error {
	return l.pc.SetLocalDescription(toPion(desc))
}

func (l *peerLink) SetRemoteDescription(desc domain.SessionDescription) error {
	return l.pc.SetRemoteDescription(toPion(desc))
}

func (l *peerLink) AddICECandidate(candidate domain.ICECandidate) error {
	return l.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     candidate.Candidate,
		SDPMid:        candidate.SDPMid,
		SDPMLineIndex: candidate.SDPMLineIndex,
	})
}

func (l *peerLink) OnICECandidate(fn func(domain.ICECandidate)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onCandidate = fn
}

func (l *peerLink) OnConnectionStateChange(fn func(domain.PeerConnState)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onStateChange = fn
}

func (l *peerLink) OnRemoteStream(fn func(domain.MediaStream)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onRemoteStream = fn
}

func (l *peerLink) Close() error {
	return l.pc.Close()
}

func fromPion(desc webrtc.SessionDescription) domain.SessionDescription {
	return domain.SessionDescription{Type: desc.Type.String(), SDP: desc.SDP}
}

func toPion(desc domain.SessionDescription) webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.NewSDPType(desc.Type), SDP: desc.SDP}
}

func mapConnState(state webrtc.PeerConnectionState) (domain.PeerConnState, bool) {
	switch state {
	case webrtc.PeerConnectionStateConnected:
		return domain.PeerConnected, true
	case webrtc.PeerConnectionStateDisconnected:
		return domain.PeerDisconnected, true
	case webrtc.PeerConnectionStateFailed:
		return domain.PeerFailed, true
	case webrtc.PeerConnectionStateClosed:
		return domain.PeerClosed, true
	default:
		return "", false
	}
}
