package voice

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
	"go.uber.org/zap"

	"github.com/voxchat/voxchat/domain"
	"github.com/voxchat/voxchat/usecase"
	"github.com/voxchat/voxchat/utils/log"
)

// oggPageDuration paces page writes onto the outbound track.
const oggPageDuration = 20 * time.Millisecond

// AudioSink receives the synthesized reply, one encoded page at a time.
type AudioSink interface {
	WriteSample(sample media.Sample) error
}

// Responder is the AI side of a voice call. It transcribes inbound audio,
// publishes transcripts for the signaling clients, answers each final
// utterance through the gateway and speaks the reply on the outbound track.
type Responder struct {
	transcriber domain.Transcriber
	synth       domain.Synthesizer
	gateway     *usecase.Gateway
	broker      domain.MessageBroker
	topic       string
	modelID     string
}

func NewResponder(
	transcriber domain.Transcriber,
	synth domain.Synthesizer,
	gateway *usecase.Gateway,
	broker domain.MessageBroker,
	topic string,
	modelID string,
) *Responder {
	return &Responder{
		transcriber: transcriber,
		synth:       synth,
		gateway:     gateway,
		broker:      broker,
		topic:       topic,
		modelID:     modelID,
	}
}

// Attend runs the voice loop for one call until the audio stream closes or
// the context is cancelled.
func (r *Responder) Attend(ctx context.Context, callID string, userID int, audio <-chan []byte, sink AudioSink) error {
	segments, err := r.transcriber.Transcribe(ctx, audio)
	if err != nil {
		return err
	}

	for segment := range segments {
		r.publishTranscript(ctx, callID, userID, segment)

		if !segment.Final || strings.TrimSpace(segment.Text) == "" {
			continue
		}

		result := r.gateway.Send(ctx, domain.ChatRequest{
			Message: segment.Text,
			ModelID: r.modelID,
		})
		if !result.Success {
			log.WithCtx(ctx).Warn("voice reply failed",
				zap.String("call_id", callID),
				zap.String("error_kind", string(result.ErrorKind)),
				zap.String("error", result.Error))
			continue
		}

		reply, err := r.synth.Synthesize(ctx, result.Content)
		if err != nil {
			log.WithCtx(ctx).Error("failed to synthesize reply", zap.Error(err))
			continue
		}

		if err := r.speak(ctx, sink, reply); err != nil {
			log.WithCtx(ctx).Error("failed to speak reply", zap.Error(err))
		}
	}

	return ctx.Err()
}

func (r *Responder) publishTranscript(ctx context.Context, callID string, userID int, segment domain.TranscriptSegment) {
	if r.broker == nil {
		return
	}
	payload, err := json.Marshal(domain.CallTranscript{
		CallID:    callID,
		UserID:    userID,
		Text:      segment.Text,
		Final:     segment.Final,
		Timestamp: time.Now(),
	})
	if err != nil {
		return
	}
	if err := r.broker.Publish(ctx, r.topic, "", payload); err != nil {
		log.WithCtx(ctx).Warn("failed to publish transcript", zap.Error(err))
	}
}

// speak writes the ogg/opus reply onto the sink page by page, paced so the
// track plays at real time.
func (r *Responder) speak(ctx context.Context, sink AudioSink, reply []byte) error {
	ogg, _, err := oggreader.NewWith(bytes.NewReader(reply))
	if err != nil {
		return err
	}

	var lastGranule uint64
	ticker := time.NewTicker(oggPageDuration)
	defer ticker.Stop()

	for {
		pageData, pageHeader, err := ogg.ParseNextPage()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		sampleCount := pageHeader.GranulePosition - lastGranule
		lastGranule = pageHeader.GranulePosition
		duration := time.Duration(sampleCount*1000/48000) * time.Millisecond

		if err := sink.WriteSample(media.Sample{Data: pageData, Duration: duration}); err != nil {
			return err
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
