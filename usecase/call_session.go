package usecase

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/voxchat/voxchat/domain"
	"github.com/voxchat/voxchat/utils/log"
)

// CallSession is the per-call signaling state machine. It coordinates the
// offer/answer/candidate exchange over the external channel and tracks the
// session through the call lifecycle. One session serves exactly one call id;
// reconnection after a drop is a fresh session.
type CallSession struct {
	mu sync.Mutex

	callID string
	role   domain.CallRole
	sender domain.SignalSender
	peer   domain.PeerLink

	state         domain.CallState
	remoteDescSet bool
	// Candidates that arrived before the remote description; applied in
	// receipt order once SetRemoteDescription succeeds.
	pendingCandidates []domain.ICECandidate

	onStateChange func(domain.CallState)
}

// NewCallSession builds an idle session bound to a signaling channel.
func NewCallSession(callID string, role domain.CallRole, sender domain.SignalSender) *CallSession {
	return &CallSession{
		callID: callID,
		role:   role,
		sender: sender,
		state:  domain.CallIdle,
	}
}

// CallID returns the id correlating this session's signals.
func (s *CallSession) CallID() string { return s.callID }

// Role returns the session's side of the call.
func (s *CallSession) Role() domain.CallRole { return s.role }

// State returns the current signaling state.
func (s *CallSession) State() domain.CallState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// OnStateChange registers the state transition callback. It is invoked
// outside the session lock.
func (s *CallSession) OnStateChange(fn func(domain.CallState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onStateChange = fn
}

// MediaAcquired records successful local media acquisition.
func (s *CallSession) MediaAcquired() error {
	return s.transition(domain.CallIdle, domain.CallAwaitingMedia)
}

// AttachPeer binds the peer connection and wires its callbacks: locally
// gathered candidates are emitted over the channel exactly once each, and
// connectivity reports drive the Connected/Disconnected transitions.
func (s *CallSession) AttachPeer(ctx context.Context, peer domain.PeerLink) error {
	s.mu.Lock()
	if s.state != domain.CallAwaitingMedia {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("attach peer in state %s", state)
	}
	s.peer = peer
	s.mu.Unlock()

	peer.OnICECandidate(func(candidate domain.ICECandidate) {
		sig := domain.Signal{Type: domain.SignalCandidate, CallID: s.callID, Candidate: &candidate}
		if err := s.sender.Send(ctx, sig); err != nil {
			log.WithCtx(ctx).Error("failed to emit ice candidate", zap.Error(err))
		}
	})
	peer.OnConnectionStateChange(func(state domain.PeerConnState) {
		s.peerStateChanged(ctx, state)
	})

	s.setState(domain.CallReady)
	return nil
}

// CreateOffer drives the caller side: create and apply the local description,
// then emit the offer over the channel.
func (s *CallSession) CreateOffer(ctx context.Context) error {
	s.mu.Lock()
	if s.role != domain.RoleCaller {
		s.mu.Unlock()
		return fmt.Errorf("create offer as %s", s.role)
	}
	if s.state != domain.CallReady {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("create offer in state %s", state)
	}
	peer := s.peer
	s.mu.Unlock()

	offer, err := peer.CreateOffer(ctx)
	if err != nil {
		return fmt.Errorf("creating offer: %w", err)
	}
	if err := peer.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("applying local offer: %w", err)
	}

	sig := domain.Signal{Type: domain.SignalOffer, CallID: s.callID, Offer: &offer}
	if err := s.sender.Send(ctx, sig); err != nil {
		return fmt.Errorf("emitting offer: %w", err)
	}

	s.setState(domain.CallOfferCreated)
	return nil
}

// HandleOffer drives the callee side: apply the remote offer, flush queued
// candidates, create the answer and emit it.
func (s *CallSession) HandleOffer(ctx context.Context, offer domain.SessionDescription) error {
	s.mu.Lock()
	if s.role != domain.RoleCallee {
		s.mu.Unlock()
		return fmt.Errorf("handle offer as %s", s.role)
	}
	if s.state != domain.CallReady {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("handle offer in state %s", state)
	}
	peer := s.peer
	s.mu.Unlock()

	s.setState(domain.CallOfferReceived)

	if err := s.applyRemoteDescription(offer); err != nil {
		return err
	}

	answer, err := peer.CreateAnswer(ctx)
	if err != nil {
		return fmt.Errorf("creating answer: %w", err)
	}
	if err := peer.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("applying local answer: %w", err)
	}

	sig := domain.Signal{Type: domain.SignalAnswer, CallID: s.callID, Answer: &answer}
	if err := s.sender.Send(ctx, sig); err != nil {
		return fmt.Errorf("emitting answer: %w", err)
	}

	s.setState(domain.CallAnswerCreated)
	return nil
}

// HandleAnswer completes the caller-side exchange.
func (s *CallSession) HandleAnswer(ctx context.Context, answer domain.SessionDescription) error {
	s.mu.Lock()
	if s.state != domain.CallOfferCreated {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("handle answer in state %s", state)
	}
	s.mu.Unlock()

	if err := s.applyRemoteDescription(answer); err != nil {
		return err
	}

	s.setState(domain.CallAnswerReceived)
	return nil
}

// HandleCandidate applies a remote candidate, queueing it when the remote
// description is not yet set. Out-of-order delivery over the channel must not
// drop candidates.
func (s *CallSession) HandleCandidate(candidate domain.ICECandidate) error {
	s.mu.Lock()
	if s.state == domain.CallEnded {
		s.mu.Unlock()
		return nil
	}
	if !s.remoteDescSet {
		s.pendingCandidates = append(s.pendingCandidates, candidate)
		s.mu.Unlock()
		return nil
	}
	peer := s.peer
	s.mu.Unlock()

	if err := peer.AddICECandidate(candidate); err != nil {
		return fmt.Errorf("adding ice candidate: %w", err)
	}
	return nil
}

// applyRemoteDescription sets the remote description then drains the pending
// candidate queue in receipt order.
func (s *CallSession) applyRemoteDescription(desc domain.SessionDescription) error {
	s.mu.Lock()
	peer := s.peer
	s.mu.Unlock()

	if err := peer.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("applying remote description: %w", err)
	}

	s.mu.Lock()
	s.remoteDescSet = true
	pending := s.pendingCandidates
	s.pendingCandidates = nil
	s.mu.Unlock()

	for _, candidate := range pending {
		if err := peer.AddICECandidate(candidate); err != nil {
			return fmt.Errorf("applying queued ice candidate: %w", err)
		}
	}
	return nil
}

func (s *CallSession) peerStateChanged(ctx context.Context, state domain.PeerConnState) {
	s.mu.Lock()
	current := s.state
	s.mu.Unlock()
	if current == domain.CallEnded {
		return
	}

	switch state {
	case domain.PeerConnected:
		s.setState(domain.CallConnected)
	case domain.PeerDisconnected, domain.PeerFailed:
		log.WithCtx(ctx).Warn("peer connection dropped", zap.String("peer_state", string(state)))
		s.setState(domain.CallDisconnected)
	}
}

// End moves the session to its terminal state from anywhere. Idempotent.
func (s *CallSession) End() {
	s.mu.Lock()
	if s.state == domain.CallEnded {
		s.mu.Unlock()
		return
	}
	s.state = domain.CallEnded
	fn := s.onStateChange
	s.mu.Unlock()

	if fn != nil {
		fn(domain.CallEnded)
	}
}

func (s *CallSession) transition(from, to domain.CallState) error {
	s.mu.Lock()
	if s.state != from {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("transition to %s from %s", to, state)
	}
	s.state = to
	fn := s.onStateChange
	s.mu.Unlock()

	if fn != nil {
		fn(to)
	}
	return nil
}

func (s *CallSession) setState(to domain.CallState) {
	s.mu.Lock()
	if s.state == domain.CallEnded {
		s.mu.Unlock()
		return
	}
	s.state = to
	fn := s.onStateChange
	s.mu.Unlock()

	if fn != nil {
		fn(to)
	}
}
