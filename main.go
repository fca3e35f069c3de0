package main

import (
	"context"
	"errors"
	"fmt"
	stdlog "log"
	"net/http"
	"os"
	"sync"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/subosito/gotenv"
	"go.uber.org/zap"

	"github.com/voxchat/voxchat/adapters/backend"
	"github.com/voxchat/voxchat/adapters/broker"
	"github.com/voxchat/voxchat/adapters/credentials"
	"github.com/voxchat/voxchat/adapters/hasher"
	api "github.com/voxchat/voxchat/adapters/http"
	"github.com/voxchat/voxchat/adapters/provider"
	"github.com/voxchat/voxchat/adapters/voice"
	"github.com/voxchat/voxchat/adapters/webrtc"
	"github.com/voxchat/voxchat/adapters/websocket"
	"github.com/voxchat/voxchat/config"
	"github.com/voxchat/voxchat/domain"
	"github.com/voxchat/voxchat/usecase"
	"github.com/voxchat/voxchat/utils/log"
)

func main() {
	gotenv.Load()

	cfg, err := config.Load(os.Getenv("VOXCHAT_CONFIG"))
	if err != nil {
		stdlog.Fatalf("loading configuration: %v", err)
	}
	if cfg.Auth.JWTSecret == "" {
		cfg.Auth.JWTSecret = os.Getenv("VOXCHAT_JWT_SECRET")
	}
	if cfg.Auth.JWTSecret == "" {
		stdlog.Println("VOXCHAT_JWT_SECRET not set, using development secret")
		cfg.Auth.JWTSecret = "dev-secret-change-in-production"
	}

	credsPath := os.Getenv("VOXCHAT_CREDENTIALS")
	if credsPath == "" {
		credsPath = "credentials.json"
	}
	creds, err := credentials.NewStore(credsPath)
	if err != nil {
		stdlog.Fatalf("opening credentials store: %v", err)
	}
	creds.Validate(expectedKeys(cfg))

	registry := provider.NewRegistry()
	// Per-request deadlines come from the gateway; the shared client carries none.
	httpClient := &http.Client{}
	for _, pc := range cfg.Providers {
		p, err := provider.NewOpenAICompat(pc, creds, httpClient)
		if err != nil {
			stdlog.Fatalf("building provider %s: %v", pc.ID, err)
		}
		if err := registry.Register(p, pc.Prefixes...); err != nil {
			stdlog.Fatalf("registering provider %s: %v", pc.ID, err)
		}
	}
	if err := registry.Register(provider.NewGemini(creds), "gemini"); err != nil {
		stdlog.Fatalf("registering gemini: %v", err)
	}

	cache, err := usecase.NewRequestCache(cfg.Gateway.CacheTTL, cfg.Gateway.CacheCapacity, hasher.New())
	if err != nil {
		stdlog.Fatalf("building request cache: %v", err)
	}
	gateway := usecase.NewGateway(cfg, registry, cache, usecase.NewRetryExecutor(), usecase.NewErrorMonitor())

	backendClient := backend.NewClient(cfg.Backend)
	chatService := usecase.NewChatService(backend.NewStore(backendClient), gateway)

	msgBroker := broker.NewChannelBroker()
	defer msgBroker.Close()

	wsServer := websocket.NewServer(cfg.Auth, msgBroker)
	go wsServer.RunHub()

	manager := usecase.NewCallManager(webrtc.NewDevices(), webrtc.NewFactory(), wsServer.CallSender())
	wireVoiceCalls(wsServer, manager, buildResponder(gateway, msgBroker, cfg))

	handler := api.NewHandler(cfg, gateway, chatService, backendClient)

	e := echo.New()
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.Secure())
	e.Use(middleware.RateLimiter(middleware.NewRateLimiterMemoryStore(20)))
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{echo.GET, echo.POST, echo.PUT, echo.DELETE, echo.OPTIONS},
		AllowHeaders: []string{
			echo.HeaderOrigin,
			echo.HeaderContentType,
			echo.HeaderAccept,
			echo.HeaderAuthorization,
			"Content-Length",
		},
		AllowCredentials: true,
		MaxAge:           86400,
	}))
	e.Use(middleware.BodyLimit("1MB"))

	wsGroup := e.Group("/ws")
	wsGroup.Use(wsServer.JWTMiddleware)
	wsGroup.GET("", wsServer.Handler)

	apiGroup := e.Group("/api/v1")
	apiGroup.GET("/health", handler.Health)
	apiGroup.POST("/auth/token", handler.IssueToken)

	authed := apiGroup.Group("")
	authed.Use(wsServer.JWTMiddleware)
	authed.Use(handler.RateLimitMiddleware)
	authed.POST("/chat", handler.Chat)
	authed.POST("/chat/stream", handler.ChatStream)
	authed.GET("/models", handler.Models)
	authed.GET("/stats", handler.Stats)
	authed.POST("/stats/reset", handler.ResetStats)
	authed.POST("/cache/clear", handler.ClearCache)
	authed.GET("/conversations", handler.Conversations)
	authed.POST("/conversations", handler.CreateConversation)
	authed.DELETE("/conversations/:id", handler.DeleteConversation)
	authed.GET("/conversations/:id/messages", handler.ConversationMessages)

	stdlog.Printf("Starting server on :%d", cfg.Server.Port)
	stdlog.Fatal(e.Start(fmt.Sprintf(":%d", cfg.Server.Port)))
}

// expectedKeys lists every credential the configured providers resolve, for
// the startup warning about missing keys.
func expectedKeys(cfg config.Config) []string {
	keys := make([]string, 0, len(cfg.Providers)+1)
	for _, pc := range cfg.Providers {
		keys = append(keys, pc.KeyName)
	}
	keys = append(keys, "GEMINI_API_KEY")
	return keys
}

// buildResponder assembles the AI voice peer. Voice features degrade to nil
// when the Google clients cannot be built.
func buildResponder(gateway *usecase.Gateway, msgBroker domain.MessageBroker, cfg config.Config) *voice.Responder {
	ctx := context.Background()
	synth, err := voice.NewGoogleSynthesizer(ctx, os.Getenv("VOXCHAT_VOICE_LANGUAGE"))
	if err != nil {
		stdlog.Printf("voice replies disabled: %v", err)
		return nil
	}
	transcriber, err := voice.NewGoogleTranscriber(ctx, os.Getenv("VOXCHAT_VOICE_LANGUAGE"))
	if err != nil {
		stdlog.Printf("voice replies disabled: %v", err)
		return nil
	}
	return voice.NewResponder(transcriber, synth, gateway, msgBroker, websocket.TranscriptTopic, cfg.Gateway.DefaultModel)
}

// wireVoiceCalls routes inbound signals: between human participants when the
// call has them, otherwise to the local call manager so the service answers
// as the AI peer.
func wireVoiceCalls(server *websocket.Server, manager *usecase.CallManager, responder *voice.Responder) {
	var (
		mu         sync.Mutex
		callCancel context.CancelFunc
	)

	manager.OnCallEnded(func() {
		mu.Lock()
		if callCancel != nil {
			callCancel()
			callCancel = nil
		}
		mu.Unlock()
	})

	server.OnSignal(func(ctx context.Context, client *websocket.Client, sig domain.Signal) {
		hub := server.GetHub()
		hub.JoinCall(sig.CallID, client)

		// Another participant takes priority; the service only answers
		// calls nobody else picks up.
		if err := hub.Relay(client, sig); err == nil {
			return
		}

		if sig.Type == domain.SignalOffer {
			callCtx, cancel := context.WithCancel(context.Background())
			mu.Lock()
			callCancel = cancel
			mu.Unlock()

			if responder != nil {
				userID := client.UserID()
				manager.OnRemoteStream(func(stream domain.MediaStream) {
					go attendCall(callCtx, manager, responder, userID, stream)
				})
			}

			if err := manager.Initialize(ctx, sig.CallID, domain.RoleCallee); err != nil {
				if !errors.Is(err, usecase.ErrCallActive) {
					log.WithCtx(ctx).Error("failed to initialize call",
						zap.String("call_id", sig.CallID), zap.Error(err))
					return
				}
			}
		}

		if err := manager.HandleSignal(ctx, sig); err != nil {
			log.WithCtx(ctx).Error("failed to handle signal",
				zap.String("type", string(sig.Type)),
				zap.String("call_id", sig.CallID),
				zap.Error(err))
		}
	})
}

// attendCall runs the voice loop against the call's remote audio.
func attendCall(ctx context.Context, manager *usecase.CallManager, responder *voice.Responder, userID int, remote domain.MediaStream) {
	local := manager.LocalStream()
	if local == nil {
		return
	}

	var sink voice.AudioSink
	for _, track := range local.AudioTracks() {
		if s, ok := track.(voice.AudioSink); ok {
			sink = s
			break
		}
	}
	if sink == nil {
		return
	}

	for _, track := range remote.AudioTracks() {
		audio := webrtc.RemoteAudioChunks(ctx, track)
		if audio == nil {
			continue
		}
		err := responder.Attend(ctx, manager.CallID(), userID, audio, sink)
		if err != nil && !errors.Is(err, context.Canceled) {
			log.WithCtx(ctx).Error("voice loop failed", zap.Error(err))
		}
		return
	}
}
