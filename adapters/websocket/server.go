package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/voxchat/voxchat/config"
	"github.com/voxchat/voxchat/domain"
	"github.com/voxchat/voxchat/utils/log"
)

// TranscriptTopic carries call transcription results from the voice pipeline
// to the signaling clients of the call.
const TranscriptTopic = "call.transcripts"

// SignalHandler consumes inbound signaling events from connected clients.
type SignalHandler func(ctx context.Context, client *Client, sig domain.Signal)

// Server upgrades authenticated connections into signaling clients and ties
// the hub to the rest of the system.
type Server struct {
	upgrader  websocket.Upgrader
	hub       *Hub
	jwtSecret []byte
	onSignal  SignalHandler
	broker    domain.MessageBroker
}

// NewServer builds the signaling server. The broker, when non-nil, feeds
// call transcripts back to participants.
func NewServer(cfg config.AuthConfig, broker domain.MessageBroker) *Server {
	s := &Server{
		upgrader:  websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		hub:       NewHub(),
		jwtSecret: []byte(cfg.JWTSecret),
		broker:    broker,
	}

	if broker != nil {
		go s.transcriptListener()
	}
	return s
}

// OnSignal registers the inbound signal handler. Must be set before serving.
func (s *Server) OnSignal(fn SignalHandler) { s.onSignal = fn }

// RunHub starts the hub loop.
func (s *Server) RunHub() { s.hub.Run() }

// GetHub returns the hub.
func (s *Server) GetHub() *Hub { return s.hub }

// CallSender returns a SignalSender delivering to a call's participants,
// suitable for handing to a call manager.
func (s *Server) CallSender() domain.SignalSender {
	return callSender{hub: s.hub}
}

type callSender struct {
	hub *Hub
}

func (c callSender) Send(_ context.Context, sig domain.Signal) error {
	return c.hub.SendToCall(sig.CallID, sig)
}

// transcriptListener relays transcription results to the call they belong to.
func (s *Server) transcriptListener() {
	ctx := context.Background()

	messages, err := s.broker.Subscribe(ctx, TranscriptTopic, "")
	if err != nil {
		log.WithCtx(ctx).Error("failed to subscribe to transcript topic", zap.Error(err))
		return
	}

	log.WithCtx(ctx).Info("signaling server listening for call transcripts")

	for {
		select {
		case msg, ok := <-messages:
			if !ok {
				return
			}
			var transcript domain.CallTranscript
			if err := json.Unmarshal(msg.Payload, &transcript); err != nil {
				log.WithCtx(ctx).Error("failed to unmarshal transcript", zap.Error(err))
				continue
			}

			frame, err := json.Marshal(map[string]any{
				"type":      "transcript",
				"call_id":   transcript.CallID,
				"text":      transcript.Text,
				"final":     transcript.Final,
				"timestamp": transcript.Timestamp,
			})
			if err != nil {
				continue
			}

			s.hub.mu.RLock()
			participants := make([]*Client, 0, len(s.hub.calls[transcript.CallID]))
			for client := range s.hub.calls[transcript.CallID] {
				if !client.IsClosed() {
					participants = append(participants, client)
				}
			}
			s.hub.mu.RUnlock()

			for _, client := range participants {
				if err := client.SendRaw(frame); err != nil {
					log.WithCtx(ctx).Warn("failed to deliver transcript", zap.Error(err))
				}
			}

		case <-ctx.Done():
			return
		}
	}
}

// JWTMiddleware authenticates the websocket upgrade request the same way the
// HTTP API authenticates its routes.
func (s *Server) JWTMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		authHeader := c.Request().Header.Get("Authorization")
		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		if tokenString == "" || tokenString == authHeader {
			// Browsers cannot set headers on websocket upgrades; accept the
			// token as a query parameter as well.
			tokenString = c.QueryParam("token")
		}
		if tokenString == "" {
			return echo.NewHTTPError(http.StatusUnauthorized, "missing token")
		}

		claims := jwt.MapClaims{}
		token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return s.jwtSecret, nil
		})
		if err != nil || !token.Valid {
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
		}

		if sub, ok := claims["user_id"].(float64); ok {
			c.Set("user_id", int(sub))
		}
		if username, ok := claims["username"].(string); ok {
			c.Set("username", username)
		}
		return next(c)
	}
}
