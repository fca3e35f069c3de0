package usecase

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxchat/voxchat/domain"
)

// fakeSender records emitted signals.
type fakeSender struct {
	mu      sync.Mutex
	signals []domain.Signal
	err     error
}

func (s *fakeSender) Send(_ context.Context, sig domain.Signal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.signals = append(s.signals, sig)
	return nil
}

func (s *fakeSender) sent() []domain.Signal {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Signal, len(s.signals))
	copy(out, s.signals)
	return out
}

// fakePeer scripts the peer transport and records applied candidates.
type fakePeer struct {
	mu sync.Mutex

	localDesc  *domain.SessionDescription
	remoteDesc *domain.SessionDescription
	candidates []domain.ICECandidate
	closed     bool

	remoteDescErr error

	onCandidate   func(domain.ICECandidate)
	onStateChange func(domain.PeerConnState)
	onRemote      func(domain.MediaStream)
}

func (p *fakePeer) CreateOffer(context.Context) (domain.SessionDescription, error) {
	return domain.SessionDescription{Type: "offer", SDP: "local-offer"}, nil
}

func (p *fakePeer) CreateAnswer(context.Context) (domain.SessionDescription, error) {
	return domain.SessionDescription{Type: "answer", SDP: "local-answer"}, nil
}

func (p *fakePeer) SetLocalDescription(desc domain.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.localDesc = &desc
	return nil
}

func (p *fakePeer) SetRemoteDescription(desc domain.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remoteDescErr != nil {
		return p.remoteDescErr
	}
	p.remoteDesc = &desc
	return nil
}

func (p *fakePeer) AddICECandidate(candidate domain.ICECandidate) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.candidates = append(p.candidates, candidate)
	return nil
}

func (p *fakePeer) OnICECandidate(fn func(domain.ICECandidate))           { p.onCandidate = fn }
func (p *fakePeer) OnConnectionStateChange(fn func(domain.PeerConnState)) { p.onStateChange = fn }
func (p *fakePeer) OnRemoteStream(fn func(domain.MediaStream))            { p.onRemote = fn }

func (p *fakePeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePeer) applied() []domain.ICECandidate {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.ICECandidate, len(p.candidates))
	copy(out, p.candidates)
	return out
}

func readySession(t *testing.T, role domain.CallRole) (*CallSession, *fakePeer, *fakeSender) {
	t.Helper()
	sender := &fakeSender{}
	peer := &fakePeer{}
	session := NewCallSession("call-1", role, sender)

	require.NoError(t, session.MediaAcquired())
	require.NoError(t, session.AttachPeer(context.Background(), peer))
	require.Equal(t, domain.CallReady, session.State())
	return session, peer, sender
}

func TestCallSessionLifecycleCaller(t *testing.T) {
	session, peer, sender := readySession(t, domain.RoleCaller)

	require.NoError(t, session.CreateOffer(context.Background()))
	assert.Equal(t, domain.CallOfferCreated, session.State())
	assert.Equal(t, "local-offer", peer.localDesc.SDP)

	signals := sender.sent()
	require.Len(t, signals, 1)
	assert.Equal(t, domain.SignalOffer, signals[0].Type)
	assert.Equal(t, "call-1", signals[0].CallID)
	require.NotNil(t, signals[0].Offer)

	require.NoError(t, session.HandleAnswer(context.Background(), domain.SessionDescription{Type: "answer", SDP: "remote"}))
	assert.Equal(t, domain.CallAnswerReceived, session.State())
	assert.Equal(t, "remote", peer.remoteDesc.SDP)
}

func TestCallSessionLifecycleCallee(t *testing.T) {
	session, peer, sender := readySession(t, domain.RoleCallee)

	offer := domain.SessionDescription{Type: "offer", SDP: "remote-offer"}
	require.NoError(t, session.HandleOffer(context.Background(), offer))

	assert.Equal(t, domain.CallAnswerCreated, session.State())
	assert.Equal(t, "remote-offer", peer.remoteDesc.SDP)
	assert.Equal(t, "local-answer", peer.localDesc.SDP)

	signals := sender.sent()
	require.Len(t, signals, 1)
	assert.Equal(t, domain.SignalAnswer, signals[0].Type)
}

func TestCallSessionRejectsWrongRole(t *testing.T) {
	caller, _, _ := readySession(t, domain.RoleCaller)
	err := caller.HandleOffer(context.Background(), domain.SessionDescription{})
	require.Error(t, err)

	callee, _, _ := readySession(t, domain.RoleCallee)
	require.Error(t, callee.CreateOffer(context.Background()))
}

func TestCallSessionRejectsOutOfOrderTransitions(t *testing.T) {
	sender := &fakeSender{}
	session := NewCallSession("call-1", domain.RoleCaller, sender)

	// Peer cannot attach before media.
	require.Error(t, session.AttachPeer(context.Background(), &fakePeer{}))

	require.NoError(t, session.MediaAcquired())
	require.Error(t, session.MediaAcquired(), "media acquisition is one-shot")

	// Answer before an offer exists.
	require.NoError(t, session.AttachPeer(context.Background(), &fakePeer{}))
	require.Error(t, session.HandleAnswer(context.Background(), domain.SessionDescription{}))
}

func TestCallSessionQueuesEarlyCandidates(t *testing.T) {
	session, peer, _ := readySession(t, domain.RoleCallee)

	mid := "0"
	early := []domain.ICECandidate{
		{Candidate: "cand-1", SDPMid: &mid},
		{Candidate: "cand-2", SDPMid: &mid},
		{Candidate: "cand-3", SDPMid: &mid},
	}
	for _, c := range early {
		require.NoError(t, session.HandleCandidate(c))
	}
	assert.Empty(t, peer.applied(), "candidates must wait for the remote description")

	require.NoError(t, session.HandleOffer(context.Background(), domain.SessionDescription{Type: "offer", SDP: "s"}))

	applied := peer.applied()
	require.Len(t, applied, 3)
	assert.Equal(t, "cand-1", applied[0].Candidate)
	assert.Equal(t, "cand-2", applied[1].Candidate)
	assert.Equal(t, "cand-3", applied[2].Candidate)

	// Later candidates apply immediately.
	require.NoError(t, session.HandleCandidate(domain.ICECandidate{Candidate: "cand-4"}))
	assert.Len(t, peer.applied(), 4)
}

func TestCallSessionEmitsLocalCandidates(t *testing.T) {
	session, peer, sender := readySession(t, domain.RoleCaller)
	_ = session

	peer.onCandidate(domain.ICECandidate{Candidate: "local-1"})
	peer.onCandidate(domain.ICECandidate{Candidate: "local-2"})

	signals := sender.sent()
	require.Len(t, signals, 2)
	for i, sig := range signals {
		assert.Equal(t, domain.SignalCandidate, sig.Type)
		require.NotNil(t, sig.Candidate)
		assert.Equal(t, []string{"local-1", "local-2"}[i], sig.Candidate.Candidate)
	}
}

func TestCallSessionConnectivityTransitions(t *testing.T) {
	session, peer, _ := readySession(t, domain.RoleCaller)

	var states []domain.CallState
	session.OnStateChange(func(s domain.CallState) { states = append(states, s) })

	peer.onStateChange(domain.PeerConnected)
	assert.Equal(t, domain.CallConnected, session.State())

	peer.onStateChange(domain.PeerFailed)
	assert.Equal(t, domain.CallDisconnected, session.State())

	assert.Equal(t, []domain.CallState{domain.CallConnected, domain.CallDisconnected}, states)
}

func TestCallSessionEndIsTerminalAndIdempotent(t *testing.T) {
	session, peer, _ := readySession(t, domain.RoleCaller)

	ended := 0
	session.OnStateChange(func(s domain.CallState) {
		if s == domain.CallEnded {
			ended++
		}
	})

	session.End()
	session.End()
	assert.Equal(t, domain.CallEnded, session.State())
	assert.Equal(t, 1, ended, "End must notify exactly once")

	// Signals and state reports after the end are ignored.
	peer.onStateChange(domain.PeerConnected)
	assert.Equal(t, domain.CallEnded, session.State())
	require.NoError(t, session.HandleCandidate(domain.ICECandidate{Candidate: "late"}))
	assert.Empty(t, peer.applied())
}

func TestCallSessionRemoteDescriptionFailure(t *testing.T) {
	session, peer, _ := readySession(t, domain.RoleCallee)
	peer.remoteDescErr = errors.New("bad sdp")

	err := session.HandleOffer(context.Background(), domain.SessionDescription{Type: "offer", SDP: "junk"})
	require.Error(t, err)
}
