package http

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"net/http"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/voxchat/voxchat/adapters/backend"
	"github.com/voxchat/voxchat/config"
	"github.com/voxchat/voxchat/domain"
	"github.com/voxchat/voxchat/usecase"
	"github.com/voxchat/voxchat/utils/log"
)

// MaxConcurrent bounds in-flight requests on the rate-limited routes.
const MaxConcurrent = 32

// Handler serves the chat API: unified sends, streaming, catalog, stats,
// conversations and token issuance.
type Handler struct {
	cfg     config.Config
	gateway *usecase.Gateway
	chat    *usecase.ChatService
	auth    *backend.Client
}

func NewHandler(cfg config.Config, gateway *usecase.Gateway, chat *usecase.ChatService, auth *backend.Client) *Handler {
	return &Handler{
		cfg:     cfg,
		gateway: gateway,
		chat:    chat,
		auth:    auth,
	}
}

type chatRequestBody struct {
	Message        string  `json:"message"`
	Model          string  `json:"model"`
	Temperature    float64 `json:"temperature"`
	MaxTokens      int     `json:"max_tokens"`
	TopP           float64 `json:"top_p"`
	ConversationID int     `json:"conversation_id"`
	Cache          *bool   `json:"cache"`
}

func (b chatRequestBody) toDomain(defaultCache bool) domain.ChatRequest {
	enableCache := defaultCache
	if b.Cache != nil {
		enableCache = *b.Cache
	}
	return domain.ChatRequest{
		Message:     b.Message,
		ModelID:     b.Model,
		Temperature: b.Temperature,
		MaxTokens:   b.MaxTokens,
		TopP:        b.TopP,
		EnableCache: enableCache,
	}
}

// Chat handles one unified chat call. The result reports failure in-band, so
// the transport status is 200 either way; only malformed requests get 4xx.
func (h *Handler) Chat(c echo.Context) error {
	var body chatRequestBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	ctx := c.Request().Context()

	if body.ConversationID != 0 {
		result, err := h.chat.Converse(ctx, body.ConversationID, body.toDomain(h.cfg.Gateway.EnableCache))
		if err != nil {
			log.WithCtx(ctx).Error("conversation send failed", zap.Error(err))
			return echo.NewHTTPError(http.StatusBadGateway, "conversation store unavailable")
		}
		return c.JSON(http.StatusOK, result)
	}

	result := h.gateway.Send(ctx, body.toDomain(h.cfg.Gateway.EnableCache))
	return c.JSON(http.StatusOK, result)
}

// ChatStream handles a streaming chat call over server-sent events. Delta
// frames carry content fragments; the terminal frame carries the full result
// followed by a [DONE] sentinel.
func (h *Handler) ChatStream(c echo.Context) error {
	var body chatRequestBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	ctx := c.Request().Context()
	req := body.toDomain(h.cfg.Gateway.EnableCache)

	var events <-chan domain.StreamEvent
	if body.ConversationID != 0 {
		var err error
		events, err = h.chat.ConverseStream(ctx, body.ConversationID, req)
		if err != nil {
			log.WithCtx(ctx).Error("conversation stream failed", zap.Error(err))
			return echo.NewHTTPError(http.StatusBadGateway, "conversation store unavailable")
		}
	} else {
		events = h.gateway.SendStream(ctx, req)
	}

	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	for event := range events {
		if event.Terminal() {
			if err := writeSSE(w, event.Result); err != nil {
				return nil
			}
			fmt.Fprint(w, "data: [DONE]\n\n")
			w.Flush()
			return nil
		}
		if err := writeSSE(w, map[string]string{"content": event.Delta}); err != nil {
			return nil
		}
	}
	return nil
}

func writeSSE(w *echo.Response, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	w.Flush()
	return nil
}

// Models returns the static catalog across registered providers.
func (h *Handler) Models(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"models": h.gateway.Models(),
	})
}

// Stats returns call counters and the recent error window.
func (h *Handler) Stats(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"stats":  h.gateway.Stats(),
		"errors": h.gateway.Monitor().Stats(),
	})
}

// ResetStats zeroes the counters and the error window.
func (h *Handler) ResetStats(c echo.Context) error {
	h.gateway.ResetStats()
	h.gateway.Monitor().Clear()
	return c.NoContent(http.StatusNoContent)
}

// ClearCache empties the response cache.
func (h *Handler) ClearCache(c echo.Context) error {
	h.gateway.ClearCache()
	return c.NoContent(http.StatusNoContent)
}

// Conversations lists the caller's sessions.
func (h *Handler) Conversations(c echo.Context) error {
	conversations, err := h.chat.Conversations(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, "conversation store unavailable")
	}
	return c.JSON(http.StatusOK, map[string]any{"conversations": conversations})
}

// CreateConversation starts a session.
func (h *Handler) CreateConversation(c echo.Context) error {
	var body struct {
		Title string `json:"title"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	conversation, err := h.chat.StartConversation(c.Request().Context(), body.Title)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, "conversation store unavailable")
	}
	return c.JSON(http.StatusCreated, conversation)
}

// DeleteConversation removes a session.
func (h *Handler) DeleteConversation(c echo.Context) error {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid conversation id")
	}
	if err := h.chat.DeleteConversation(c.Request().Context(), id); err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, "conversation store unavailable")
	}
	return c.NoContent(http.StatusNoContent)
}

// ConversationMessages returns a session's history.
func (h *Handler) ConversationMessages(c echo.Context) error {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid conversation id")
	}
	messages, err := h.chat.History(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, "conversation store unavailable")
	}
	return c.JSON(http.StatusOK, map[string]any{"messages": messages})
}

// IssueToken logs in against the backend and issues a local session token for
// the API and the signaling channel.
func (h *Handler) IssueToken(c echo.Context) error {
	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if body.Username == "" || body.Password == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "username and password are required")
	}

	ctx := c.Request().Context()
	account, err := h.auth.Login(ctx, body.Username, body.Password)
	if err != nil {
		log.WithCtx(ctx).Warn("login rejected", zap.String("username", body.Username), zap.Error(err))
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid credentials")
	}

	userID := account.ID
	if userID == 0 {
		// Older backends omit the numeric id; derive a stable one.
		digest := fnv.New32a()
		digest.Write([]byte(account.Username))
		userID = int(digest.Sum32() & 0x7fffffff)
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"user_id":  userID,
		"username": account.Username,
		"iat":      jwt.NewNumericDate(now),
		"exp":      jwt.NewNumericDate(now.Add(h.cfg.Auth.Expiry)),
		"iss":      "voxchat",
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(h.cfg.Auth.JWTSecret))
	if err != nil {
		log.WithCtx(ctx).Error("failed to sign token", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to issue token")
	}

	return c.JSON(http.StatusOK, map[string]any{
		"token":    signed,
		"type":     "Bearer",
		"username": account.Username,
		"email":    account.Email,
	})
}

// Health reports liveness.
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"service":   "voxchat",
	})
}

// RateLimitMiddleware rejects requests beyond the concurrency bound instead
// of queueing them.
func (h *Handler) RateLimitMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	semaphore := make(chan struct{}, MaxConcurrent)
	return func(c echo.Context) error {
		select {
		case semaphore <- struct{}{}:
			defer func() { <-semaphore }()
			return next(c)
		default:
			return echo.NewHTTPError(http.StatusTooManyRequests, "too many concurrent requests")
		}
	}
}
