package voice

import (
	"context"
	"errors"
	"fmt"
	"io"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"go.uber.org/zap"

	"github.com/voxchat/voxchat/domain"
	"github.com/voxchat/voxchat/utils/log"
)

// GoogleTranscriber streams call audio into Google Cloud Speech-to-Text and
// emits interim and final transcript segments.
type GoogleTranscriber struct {
	client       *speech.Client
	languageCode string
}

func NewGoogleTranscriber(ctx context.Context, languageCode string) (*GoogleTranscriber, error) {
	client, err := speech.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating Google speech client: %w", err)
	}
	if languageCode == "" {
		languageCode = "en-US"
	}
	return &GoogleTranscriber{
		client:       client,
		languageCode: languageCode,
	}, nil
}

// Transcribe opens a streaming recognition session. Audio chunks are opus in
// ogg framing at 48kHz, matching what the peer transport delivers.
func (g *GoogleTranscriber) Transcribe(ctx context.Context, audio <-chan []byte) (<-chan domain.TranscriptSegment, error) {
	stream, err := g.client.StreamingRecognize(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating streaming client: %w", err)
	}

	err = stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: &speechpb.StreamingRecognitionConfig{
				Config: &speechpb.RecognitionConfig{
					Encoding:        speechpb.RecognitionConfig_OGG_OPUS,
					SampleRateHertz: 48000,
					LanguageCode:    g.languageCode,
				},
				InterimResults: true,
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("sending streaming config: %w", err)
	}

	segments := make(chan domain.TranscriptSegment)

	go func() {
		defer stream.CloseSend()
		for {
			select {
			case chunk, ok := <-audio:
				if !ok {
					return
				}
				err := stream.Send(&speechpb.StreamingRecognizeRequest{
					StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{
						AudioContent: chunk,
					},
				})
				if err != nil {
					log.WithCtx(ctx).Error("failed to send audio chunk", zap.Error(err))
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		defer close(segments)
		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				log.WithCtx(ctx).Error("streaming recognition failed", zap.Error(err))
				return
			}
			for _, result := range resp.GetResults() {
				alts := result.GetAlternatives()
				if len(alts) == 0 {
					continue
				}
				segment := domain.TranscriptSegment{
					Text:  alts[0].GetTranscript(),
					Final: result.GetIsFinal(),
				}
				select {
				case segments <- segment:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return segments, nil
}

func (g *GoogleTranscriber) Close() error {
	return g.client.Close()
}
