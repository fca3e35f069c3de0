package webrtc

import (
	"context"
	"io"

	"github.com/pion/webrtc/v4/pkg/media/oggwriter"

	"github.com/voxchat/voxchat/domain"
)

// audioChunkSize matches the transcriber's preferred streaming chunk.
const audioChunkSize = 4096

// RemoteAudioChunks reads RTP from a remote track and reframes it as ogg
// chunks suitable for streaming recognition. Returns nil when the track did
// not come from this adapter. The channel closes when the track ends or the
// context is cancelled.
func RemoteAudioChunks(ctx context.Context, track domain.AudioTrack) <-chan []byte {
	rt, ok := track.(*remoteTrack)
	if !ok {
		return nil
	}

	out := make(chan []byte, 16)
	pr, pw := io.Pipe()

	go func() {
		defer pw.Close()
		ogg, err := oggwriter.NewWith(pw, 48000, 2)
		if err != nil {
			return
		}
		defer ogg.Close()

		for {
			if ctx.Err() != nil {
				return
			}
			packet, _, err := rt.track.ReadRTP()
			if err != nil {
				return
			}
			if err := ogg.WriteRTP(packet); err != nil {
				return
			}
		}
	}()

	go func() {
		defer close(out)
		buf := make([]byte, audioChunkSize)
		for {
			n, err := pr.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				select {
				case out <- chunk:
				case <-ctx.Done():
					pr.Close()
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	return out
}
