// Package api exposes the HTTP surface: account endpoints, the chat
// pipeline, conversation management, and the Telegram webhook.
package api

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"eduassist/internal/actor"
	"eduassist/internal/auth"
	"eduassist/internal/chat"
	"eduassist/internal/conversation"
	"eduassist/internal/models"
	"eduassist/internal/quota"
	"eduassist/internal/telegram"
)

// Handler wires HTTP routes to the chat pipeline and its services.
type Handler struct {
	orchestrator *chat.Orchestrator
	store        *conversation.Store
	ledger       *quota.Ledger
	auth         *auth.Service
	bot          *telegram.Bot
	adminToken   string
}

// NewHandler constructs a Handler. bot may be nil when the Telegram
// transport is disabled; the webhook then answers 503. An empty
// adminToken disables the admin endpoints.
func NewHandler(orchestrator *chat.Orchestrator, store *conversation.Store, ledger *quota.Ledger, authService *auth.Service, bot *telegram.Bot, adminToken string) *Handler {
	return &Handler{
		orchestrator: orchestrator,
		store:        store,
		ledger:       ledger,
		auth:         authService,
		bot:          bot,
		adminToken:   adminToken,
	}
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api")
	api.POST("/users/register", h.registerUser)
	api.POST("/users/login", h.loginUser)

	authMW := h.auth.Middleware()
	api.POST("/users/logout", authMW, h.logoutUser)
	api.GET("/users/me/quota", authMW, h.getQuota)

	chatRoutes := api.Group("/chat")
	chatRoutes.Use(h.auth.OptionalMiddleware())
	chatRoutes.POST("/send", h.sendMessage)
	chatRoutes.GET("/conversations", h.listConversations)
	chatRoutes.GET("/conversations/:id", h.getConversation)
	chatRoutes.DELETE("/conversations/:id", h.deleteConversation)
	chatRoutes.DELETE("/conversations", authMW, h.deleteAllConversations)

	api.POST("/telegram/webhook", h.telegramWebhook)

	admin := api.Group("/admin", h.adminAuth)
	admin.DELETE("/conversations/:id", h.adminDeleteConversation)
}

// adminAuth gates administrative routes behind the deployment's admin
// token, supplied in the X-Admin-Token header.
func (h *Handler) adminAuth(c *gin.Context) {
	supplied := c.GetHeader("X-Admin-Token")
	if h.adminToken == "" || subtle.ConstantTimeCompare([]byte(supplied), []byte(h.adminToken)) != 1 {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin access denied"})
		return
	}
	c.Next()
}

// adminDeleteConversation removes a conversation and its messages
// outright, bypassing soft deletion and ownership checks.
func (h *Handler) adminDeleteConversation(c *gin.Context) {
	if err := h.store.AdminDelete(c.Request.Context(), c.Param("id")); err != nil {
		if errors.Is(err, conversation.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (h *Handler) registerUser(c *gin.Context) {
	var req auth.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	user, err := h.auth.Register(c.Request.Context(), req)
	if err != nil {
		if errors.Is(err, auth.ErrUsernameTaken) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"id":         user.ID,
		"username":   user.Username,
		"user_type":  user.UserType,
		"created_at": user.CreatedAt,
	})
}

func (h *Handler) loginUser(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	user, token, err := h.auth.Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":         user.ID,
		"username":   user.Username,
		"user_type":  user.UserType,
		"auth_token": token,
	})
}

func (h *Handler) logoutUser(c *gin.Context) {
	if token, ok := auth.AuthTokenFromContext(c); ok {
		if err := h.auth.RevokeToken(c.Request.Context(), token); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "logout failed"})
			return
		}
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) getQuota(c *gin.Context) {
	userID, ok := auth.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
		return
	}
	q, err := h.ledger.Get(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"monthly_token_limit": q.MonthlyTokenLimit,
		"used_tokens":         q.UsedTokens,
		"remaining_tokens":    q.Remaining(),
		"last_reset_date":     q.LastResetDate,
	})
}

type sendMessageRequest struct {
	Message        string `json:"message" binding:"required"`
	ConversationID string `json:"conversation_id"`
	SessionID      string `json:"session_id"`
	Platform       string `json:"platform"`
	Model          string `json:"model"`
}

func (h *Handler) sendMessage(c *gin.Context) {
	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	platform := req.Platform
	switch platform {
	case "":
		platform = models.PlatformWeb
	case models.PlatformWeb, models.PlatformWebPlugin:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported platform"})
		return
	}
	userID, _ := auth.UserIDFromContext(c)

	reply, err := h.orchestrator.Handle(c.Request.Context(), chat.Request{
		Platform:       platform,
		Message:        req.Message,
		ConversationID: req.ConversationID,
		SessionID:      req.SessionID,
		UserID:         userID,
		Model:          req.Model,
	})
	if err != nil {
		h.writeChatError(c, err)
		return
	}
	c.JSON(http.StatusOK, reply)
}

func (h *Handler) listConversations(c *gin.Context) {
	userID, _ := auth.UserIDFromContext(c)
	sessionID := c.Query("session_id")
	if userID == "" && sessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "session_id required for anonymous requests"})
		return
	}
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))

	items, total, err := h.store.List(c.Request.Context(), userID, sessionID, page, pageSize)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if items == nil {
		items = make([]models.ConversationSummary, 0)
	}
	c.JSON(http.StatusOK, gin.H{
		"conversations": items,
		"total":         total,
		"page":          page,
	})
}

func (h *Handler) getConversation(c *gin.Context) {
	userID, _ := auth.UserIDFromContext(c)
	conv, msgs, err := h.store.Get(c.Request.Context(), c.Param("id"), userID)
	if err != nil {
		if errors.Is(err, conversation.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if msgs == nil {
		msgs = make([]*models.Message, 0)
	}
	c.JSON(http.StatusOK, gin.H{
		"conversation": conv,
		"messages":     msgs,
	})
}

func (h *Handler) deleteConversation(c *gin.Context) {
	userID, _ := auth.UserIDFromContext(c)
	err := h.store.SoftDelete(c.Request.Context(), c.Param("id"), userID)
	if err != nil {
		if errors.Is(err, conversation.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) deleteAllConversations(c *gin.Context) {
	userID, ok := auth.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
		return
	}
	deleted, err := h.store.SoftDeleteAll(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": deleted})
}

// telegramWebhook accepts a Bot API update pushed by Telegram. Replies
// are delivered through sendMessage rather than the webhook response.
func (h *Handler) telegramWebhook(c *gin.Context) {
	if h.bot == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "telegram transport disabled"})
		return
	}
	raw, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := h.bot.ProcessUpdate(c.Request.Context(), raw); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusOK)
}

func (h *Handler) writeChatError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, actor.ErrInvalidActor):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, quota.ErrQuotaExceeded):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "monthly token quota exceeded"})
	case errors.Is(err, conversation.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
	case errors.Is(err, chat.ErrDelegateUnavailable):
		c.JSON(http.StatusBadGateway, gin.H{"error": "answer generation unavailable"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
