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

// fakeTrack is a local audio track with a recorded lifecycle.
type fakeTrack struct {
	mu      sync.Mutex
	enabled bool
	stopped bool
}

func (t *fakeTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = enabled
}

func (t *fakeTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *fakeTrack) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	return nil
}

type fakeStream struct {
	tracks []*fakeTrack
	closed bool
}

func (s *fakeStream) AudioTracks() []domain.AudioTrack {
	out := make([]domain.AudioTrack, 0, len(s.tracks))
	for _, t := range s.tracks {
		out = append(out, t)
	}
	return out
}

func (s *fakeStream) Close() error {
	s.closed = true
	return nil
}

type fakeDevices struct {
	stream    *fakeStream
	err       error
	onAcquire func()
}

func (d *fakeDevices) AcquireAudio(context.Context) (domain.MediaStream, error) {
	if d.onAcquire != nil {
		d.onAcquire()
	}
	if d.err != nil {
		return nil, d.err
	}
	return d.stream, nil
}

type fakeFactory struct {
	peer *fakePeer
	err  error
}

func (f *fakeFactory) NewPeerLink(context.Context, domain.MediaStream) (domain.PeerLink, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.peer, nil
}

func newTestManager() (*CallManager, *fakeDevices, *fakeFactory, *fakeSender) {
	devices := &fakeDevices{stream: &fakeStream{tracks: []*fakeTrack{{enabled: true}, {enabled: true}}}}
	factory := &fakeFactory{peer: &fakePeer{}}
	sender := &fakeSender{}
	return NewCallManager(devices, factory, sender), devices, factory, sender
}

func TestCallManagerInitialize(t *testing.T) {
	m, _, _, _ := newTestManager()

	require.NoError(t, m.Initialize(context.Background(), "call-1", domain.RoleCallee))
	assert.Equal(t, domain.CallReady, m.State())
	assert.Equal(t, "call-1", m.CallID())
	assert.NotNil(t, m.LocalStream())
}

func TestCallManagerRejectsSecondCall(t *testing.T) {
	m, _, _, _ := newTestManager()

	require.NoError(t, m.Initialize(context.Background(), "call-1", domain.RoleCaller))
	err := m.Initialize(context.Background(), "call-2", domain.RoleCaller)
	require.ErrorIs(t, err, ErrCallActive)
}

func TestCallManagerConcurrentInitializeHasOneWinner(t *testing.T) {
	m, devices, _, _ := newTestManager()

	// Hold every caller inside media acquisition until all of them have
	// entered, so the session-slot reservation is what decides the winner.
	const callers = 2
	barrier := make(chan struct{})
	entered := make(chan struct{}, callers)
	devices.onAcquire = func() {
		entered <- struct{}{}
		<-barrier
	}

	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		callID := "call-a"
		if i > 0 {
			callID = "call-b"
		}
		go func(id string) {
			errs <- m.Initialize(context.Background(), id, domain.RoleCallee)
		}(callID)
	}

	// Only the slot holder reaches AcquireAudio; the loser is rejected
	// before touching the devices.
	<-entered
	close(barrier)

	var won, rejected int
	for i := 0; i < callers; i++ {
		switch err := <-errs; {
		case err == nil:
			won++
		case errors.Is(err, ErrCallActive):
			rejected++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, won)
	assert.Equal(t, callers-1, rejected)
	assert.NotNil(t, m.LocalStream())
}

func TestCallManagerMediaFailureIsTerminal(t *testing.T) {
	m, devices, _, _ := newTestManager()
	devices.err = errors.New("permission denied")

	err := m.Initialize(context.Background(), "call-1", domain.RoleCaller)
	require.Error(t, err)
	assert.Equal(t, domain.CallIdle, m.State())

	// The failure must not leave a half-open session behind.
	devices.err = nil
	require.NoError(t, m.Initialize(context.Background(), "call-1", domain.RoleCaller))
}

func TestCallManagerPeerFailureReleasesMedia(t *testing.T) {
	m, devices, factory, _ := newTestManager()
	factory.err = errors.New("no transport")

	err := m.Initialize(context.Background(), "call-1", domain.RoleCaller)
	require.Error(t, err)
	assert.True(t, devices.stream.closed, "local media must be released on setup failure")
}

func TestCallManagerToggleMute(t *testing.T) {
	m, devices, _, _ := newTestManager()
	require.NoError(t, m.Initialize(context.Background(), "call-1", domain.RoleCaller))

	assert.True(t, m.ToggleMute(), "first toggle mutes")
	for _, track := range devices.stream.tracks {
		assert.False(t, track.Enabled())
	}

	assert.False(t, m.ToggleMute(), "second toggle unmutes")
	for _, track := range devices.stream.tracks {
		assert.True(t, track.Enabled())
	}
}

func TestCallManagerToggleMuteAfterEndIsStableNoOp(t *testing.T) {
	m, _, _, _ := newTestManager()
	require.NoError(t, m.Initialize(context.Background(), "call-1", domain.RoleCaller))
	m.ToggleMute()
	m.EndCall(context.Background())

	assert.False(t, m.ToggleMute())
	assert.False(t, m.ToggleMute())
	assert.False(t, m.Muted())
}

func TestCallManagerEndCallTearsDownInOrder(t *testing.T) {
	m, devices, factory, sender := newTestManager()
	require.NoError(t, m.Initialize(context.Background(), "call-1", domain.RoleCaller))

	ended := false
	m.OnCallEnded(func() { ended = true })

	m.EndCall(context.Background())

	assert.True(t, factory.peer.closed, "peer connection must close")
	for _, track := range devices.stream.tracks {
		assert.True(t, track.stopped, "local tracks must stop")
		assert.False(t, track.enabled)
	}
	assert.True(t, devices.stream.closed, "local media must be released")

	signals := sender.sent()
	require.NotEmpty(t, signals)
	last := signals[len(signals)-1]
	assert.Equal(t, domain.SignalEndCall, last.Type)
	assert.Equal(t, "call-1", last.CallID)

	assert.True(t, ended)
	assert.Equal(t, domain.CallIdle, m.State())
	assert.Nil(t, m.LocalStream())
}

func TestCallManagerEndCallIdempotent(t *testing.T) {
	m, _, _, sender := newTestManager()
	require.NoError(t, m.Initialize(context.Background(), "call-1", domain.RoleCaller))

	m.EndCall(context.Background())
	before := len(sender.sent())
	m.EndCall(context.Background())
	assert.Equal(t, before, len(sender.sent()), "second EndCall must do nothing")
}

func TestCallManagerEndCallSignalFailureStillResets(t *testing.T) {
	m, _, _, sender := newTestManager()
	require.NoError(t, m.Initialize(context.Background(), "call-1", domain.RoleCaller))

	sender.err = errors.New("channel closed")
	m.EndCall(context.Background())

	assert.Equal(t, domain.CallIdle, m.State())
	assert.Nil(t, m.LocalStream())
}

func TestCallManagerHandleSignalIgnoresOtherCalls(t *testing.T) {
	m, _, factory, _ := newTestManager()
	require.NoError(t, m.Initialize(context.Background(), "call-1", domain.RoleCallee))

	err := m.HandleSignal(context.Background(), domain.Signal{
		Type:   domain.SignalOffer,
		CallID: "other-call",
		Offer:  &domain.SessionDescription{Type: "offer", SDP: "s"},
	})
	require.NoError(t, err)
	assert.Nil(t, factory.peer.remoteDesc, "signals for other calls must be dropped")
}

func TestCallManagerHandleSignalDrivesCalleeExchange(t *testing.T) {
	m, _, factory, sender := newTestManager()
	require.NoError(t, m.Initialize(context.Background(), "call-1", domain.RoleCallee))

	require.NoError(t, m.HandleSignal(context.Background(), domain.Signal{
		Type:   domain.SignalOffer,
		CallID: "call-1",
		Offer:  &domain.SessionDescription{Type: "offer", SDP: "remote"},
	}))
	assert.Equal(t, domain.CallAnswerCreated, m.State())

	require.NoError(t, m.HandleSignal(context.Background(), domain.Signal{
		Type:      domain.SignalCandidate,
		CallID:    "call-1",
		Candidate: &domain.ICECandidate{Candidate: "c1"},
	}))
	assert.Len(t, factory.peer.applied(), 1)

	signals := sender.sent()
	require.NotEmpty(t, signals)
	assert.Equal(t, domain.SignalAnswer, signals[0].Type)
}

func TestCallManagerHandleSignalEndCall(t *testing.T) {
	m, _, factory, _ := newTestManager()
	require.NoError(t, m.Initialize(context.Background(), "call-1", domain.RoleCallee))

	require.NoError(t, m.HandleSignal(context.Background(), domain.Signal{
		Type:   domain.SignalEndCall,
		CallID: "call-1",
	}))
	assert.Equal(t, domain.CallIdle, m.State())
	assert.True(t, factory.peer.closed)
}

func TestCallManagerConnectivityCallbacks(t *testing.T) {
	m, _, factory, _ := newTestManager()

	var connected, disconnected bool
	m.OnConnected(func() { connected = true })
	m.OnDisconnected(func() { disconnected = true })

	require.NoError(t, m.Initialize(context.Background(), "call-1", domain.RoleCaller))

	factory.peer.onStateChange(domain.PeerConnected)
	assert.True(t, connected)
	assert.Equal(t, domain.CallConnected, m.State())

	factory.peer.onStateChange(domain.PeerDisconnected)
	assert.True(t, disconnected)
	assert.Equal(t, domain.CallDisconnected, m.State())
}
