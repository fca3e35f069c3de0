package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/voxchat/voxchat/domain"
	"github.com/voxchat/voxchat/utils/log"
)

// ErrCallActive is returned when a call is started while one is in progress.
var ErrCallActive = errors.New("a call is already active")

// CallManager owns the local media capture, the peer connection and the call
// lifecycle. One manager drives at most one active session at a time;
// concurrent calls need separate managers.
type CallManager struct {
	mu sync.Mutex

	devices domain.MediaDevices
	peers   domain.PeerFactory
	sender  domain.SignalSender

	session      *CallSession
	peer         domain.PeerLink
	local        domain.MediaStream
	remote       domain.MediaStream
	muted        bool
	initializing bool

	onRemoteStream func(domain.MediaStream)
	onConnected    func()
	onDisconnected func()
	onCallEnded    func()
}

// NewCallManager wires a manager from its ports.
func NewCallManager(devices domain.MediaDevices, peers domain.PeerFactory, sender domain.SignalSender) *CallManager {
	return &CallManager{
		devices: devices,
		peers:   peers,
		sender:  sender,
	}
}

// OnRemoteStream registers the callback fired when remote media arrives.
func (m *CallManager) OnRemoteStream(fn func(domain.MediaStream)) { m.onRemoteStream = fn }

// OnConnected registers the callback fired when the call connects.
func (m *CallManager) OnConnected(fn func()) { m.onConnected = fn }

// OnDisconnected registers the callback fired on a mid-call drop. The manager
// does not auto-retry; reconnection is a fresh call.
func (m *CallManager) OnDisconnected(fn func()) { m.onDisconnected = fn }

// OnCallEnded registers the callback fired after EndCall completes teardown.
func (m *CallManager) OnCallEnded(fn func()) { m.onCallEnded = fn }

// Initialize acquires local media and sets up the signaling session for the
// given call. Media-acquisition failure is terminal and reported here; no
// session is left behind.
func (m *CallManager) Initialize(ctx context.Context, callID string, role domain.CallRole) error {
	// Reserve the single session slot before the blocking media work so a
	// concurrent Initialize loses here instead of overwriting the winner.
	m.mu.Lock()
	if m.session != nil || m.initializing {
		m.mu.Unlock()
		return ErrCallActive
	}
	m.initializing = true
	m.mu.Unlock()

	local, err := m.devices.AcquireAudio(ctx)
	if err != nil {
		m.releaseInitSlot()
		return fmt.Errorf("acquiring local media: %w", err)
	}

	session := NewCallSession(callID, role, m.sender)
	session.OnStateChange(m.sessionStateChanged)
	if err := session.MediaAcquired(); err != nil {
		local.Close()
		m.releaseInitSlot()
		return err
	}

	peer, err := m.peers.NewPeerLink(ctx, local)
	if err != nil {
		local.Close()
		m.releaseInitSlot()
		return fmt.Errorf("creating peer connection: %w", err)
	}
	peer.OnRemoteStream(func(stream domain.MediaStream) {
		m.mu.Lock()
		m.remote = stream
		fn := m.onRemoteStream
		m.mu.Unlock()
		if fn != nil {
			fn(stream)
		}
	})

	if err := session.AttachPeer(ctx, peer); err != nil {
		peer.Close()
		local.Close()
		m.releaseInitSlot()
		return err
	}

	m.mu.Lock()
	m.initializing = false
	m.session = session
	m.peer = peer
	m.local = local
	m.muted = false
	m.mu.Unlock()

	log.WithCtx(ctx).Info("call initialized",
		zap.String("call_id", callID),
		zap.String("role", string(role)))
	return nil
}

// StartCall begins the caller-side exchange by emitting the offer.
func (m *CallManager) StartCall(ctx context.Context) error {
	session := m.activeSession()
	if session == nil {
		return errors.New("no active call")
	}
	return session.CreateOffer(ctx)
}

// HandleSignal routes an inbound signaling event to the active session.
// Events for other call ids are ignored.
func (m *CallManager) HandleSignal(ctx context.Context, sig domain.Signal) error {
	session := m.activeSession()
	if session == nil || session.CallID() != sig.CallID {
		return nil
	}

	switch sig.Type {
	case domain.SignalOffer:
		if sig.Offer == nil {
			return errors.New("offer signal without description")
		}
		return session.HandleOffer(ctx, *sig.Offer)
	case domain.SignalAnswer:
		if sig.Answer == nil {
			return errors.New("answer signal without description")
		}
		return session.HandleAnswer(ctx, *sig.Answer)
	case domain.SignalCandidate:
		if sig.Candidate == nil {
			return errors.New("candidate signal without candidate")
		}
		return session.HandleCandidate(*sig.Candidate)
	case domain.SignalEndCall:
		m.EndCall(ctx)
		return nil
	}
	return fmt.Errorf("unknown signal type %q", sig.Type)
}

// ToggleMute flips the enabled flag on every local audio track and returns
// the new muted state (true = now muted). Once the call has ended it is a
// stable no-op returning false.
func (m *CallManager) ToggleMute() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.local == nil {
		m.muted = false
		return false
	}

	m.muted = !m.muted
	for _, track := range m.local.AudioTracks() {
		track.SetEnabled(!m.muted)
	}
	return m.muted
}

// Muted reports the current mute state.
func (m *CallManager) Muted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.muted
}

// State returns the active session's signaling state, or idle.
func (m *CallManager) State() domain.CallState {
	if session := m.activeSession(); session != nil {
		return session.State()
	}
	return domain.CallIdle
}

// CallID returns the active call's id, or empty when idle.
func (m *CallManager) CallID() string {
	if session := m.activeSession(); session != nil {
		return session.CallID()
	}
	return ""
}

// LocalStream returns the local capture stream while a call is active.
func (m *CallManager) LocalStream() domain.MediaStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.local
}

// RemoteStream returns the remote media stream once available.
func (m *CallManager) RemoteStream() domain.MediaStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.remote
}

// EndCall tears the call down in a fixed order: close the peer connection,
// stop and release local tracks, emit the end-of-call signal, reset internal
// state, then fire the OnCallEnded callback. Each step is guarded on its own
// so a failure cannot leak the remaining resources. Safe from any state.
func (m *CallManager) EndCall(ctx context.Context) {
	m.mu.Lock()
	session := m.session
	peer := m.peer
	local := m.local
	m.mu.Unlock()

	if session == nil {
		return
	}
	session.End()

	if peer != nil {
		if err := peer.Close(); err != nil {
			log.WithCtx(ctx).Warn("closing peer connection", zap.Error(err))
		}
	}

	if local != nil {
		for _, track := range local.AudioTracks() {
			track.SetEnabled(false)
			if err := track.Stop(); err != nil {
				log.WithCtx(ctx).Warn("stopping local track", zap.Error(err))
			}
		}
		if err := local.Close(); err != nil {
			log.WithCtx(ctx).Warn("releasing local media", zap.Error(err))
		}
	}

	sig := domain.Signal{Type: domain.SignalEndCall, CallID: session.CallID()}
	if err := m.sender.Send(ctx, sig); err != nil {
		log.WithCtx(ctx).Warn("emitting end-call signal", zap.Error(err))
	}

	m.mu.Lock()
	m.session = nil
	m.peer = nil
	m.local = nil
	m.remote = nil
	m.muted = false
	fn := m.onCallEnded
	m.mu.Unlock()

	log.WithCtx(ctx).Info("call ended", zap.String("call_id", session.CallID()))
	if fn != nil {
		fn()
	}
}

func (m *CallManager) releaseInitSlot() {
	m.mu.Lock()
	m.initializing = false
	m.mu.Unlock()
}

func (m *CallManager) activeSession() *CallSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

func (m *CallManager) sessionStateChanged(state domain.CallState) {
	switch state {
	case domain.CallConnected:
		if m.onConnected != nil {
			m.onConnected()
		}
	case domain.CallDisconnected:
		if m.onDisconnected != nil {
			m.onDisconnected()
		}
	}
}
