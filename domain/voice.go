package domain

import "context"

// TranscriptSegment is one recognition result from the transcriber. Interim
// segments may be revised; a final segment closes the utterance.
type TranscriptSegment struct {
	Text  string
	Final bool
}

// Transcriber turns a stream of encoded call audio into transcript segments.
// The returned channel closes when the audio channel closes or the context is
// cancelled.
type Transcriber interface {
	Transcribe(ctx context.Context, audio <-chan []byte) (<-chan TranscriptSegment, error)
}

// Synthesizer renders spoken audio for a text reply. The encoding is chosen
// by the implementation to suit the media transport.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}
