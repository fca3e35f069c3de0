package webrtc

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/voxchat/voxchat/domain"
)

// LocalTrack is an opus track the voice pipeline writes synthesized audio
// into. Muting drops samples without renegotiating the track.
type LocalTrack struct {
	mu      sync.Mutex
	track   *webrtc.TrackLocalStaticSample
	enabled bool
	stopped bool
}

func newLocalTrack(streamID string) (*LocalTrack, error) {
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
		"audio",
		streamID,
	)
	if err != nil {
		return nil, fmt.Errorf("creating local audio track: %w", err)
	}
	return &LocalTrack{track: track, enabled: true}, nil
}

// WriteSample pushes one encoded audio sample to the peer. Samples written
// while the track is muted or stopped are silently dropped.
func (t *LocalTrack) WriteSample(sample media.Sample) error {
	t.mu.Lock()
	if !t.enabled || t.stopped {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()
	return t.track.WriteSample(sample)
}

func (t *LocalTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = enabled
}

func (t *LocalTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *LocalTrack) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	return nil
}

// localStream groups the capture-side tracks of one call.
type localStream struct {
	id     string
	tracks []*LocalTrack
}

func (s *localStream) AudioTracks() []domain.AudioTrack {
	out := make([]domain.AudioTrack, 0, len(s.tracks))
	for _, t := range s.tracks {
		out = append(out, t)
	}
	return out
}

func (s *localStream) Close() error {
	for _, t := range s.tracks {
		if err := t.Stop(); err != nil {
			return err
		}
	}
	return nil
}

// Devices builds local audio capture for outgoing calls. The service side has
// no microphone; its "capture" is a sample track the voice pipeline feeds.
type Devices struct{}

func NewDevices() *Devices {
	return &Devices{}
}

func (d *Devices) AcquireAudio(ctx context.Context) (domain.MediaStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	track, err := newLocalTrack(uuid.NewString())
	if err != nil {
		return nil, err
	}
	return &localStream{id: track.track.StreamID(), tracks: []*LocalTrack{track}}, nil
}

// remoteTrack wraps one inbound track. Enabled toggling on the remote side
// only gates local consumption.
type remoteTrack struct {
	mu      sync.Mutex
	track   *webrtc.TrackRemote
	enabled bool
}

func (t *remoteTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = enabled
}

func (t *remoteTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *remoteTrack) Stop() error { return nil }

// Track exposes the underlying pion track so the voice pipeline can read
// inbound RTP for transcription.
func (t *remoteTrack) Track() *webrtc.TrackRemote { return t.track }

type remoteStream struct {
	tracks []domain.AudioTrack
}

func (s *remoteStream) AudioTracks() []domain.AudioTrack { return s.tracks }

func (s *remoteStream) Close() error { return nil }
