package api

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"questro/internal/auth"
	"questro/internal/models"
	"questro/internal/service/ai"
	"questro/internal/service/assistant"
	"questro/internal/service/history"
	"questro/internal/sessioncache"
	"questro/internal/worker"
)

// WorkerManager runs gateway calls on the shared pool.
type WorkerManager interface {
	Submit(ctx context.Context, userID int64, kind models.Kind, task worker.Task) error
	ResetUser(userID int64)
	Stats() worker.Stats
}

// Handler wires HTTP routes to the assistant, cache and gateway services.
type Handler struct {
	assistant  *assistant.Service
	auth       *auth.Service
	cache      *sessioncache.Cache
	aggregator *history.Aggregator
	gateway    *ai.Gateway
	docs       *ai.DocumentLoader
	workers    WorkerManager
	now        func() time.Time
}

// NewHandler constructs a Handler instance.
func NewHandler(service *assistant.Service, authService *auth.Service, cache *sessioncache.Cache, aggregator *history.Aggregator,
	gateway *ai.Gateway, docs *ai.DocumentLoader, workers WorkerManager) *Handler {
	return &Handler{
		assistant:  service,
		auth:       authService,
		cache:      cache,
		aggregator: aggregator,
		gateway:    gateway,
		docs:       docs,
		workers:    workers,
		now:        time.Now,
	}
}

func (h *Handler) authorizedUserID(c *gin.Context) (int64, bool) {
	userID, ok := auth.UserIDFromContext(c)
	if !ok || userID <= 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
		return 0, false
	}
	return userID, true
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/healthz", h.healthz)

	api := router.Group("/api")
	api.POST("/users/register", h.registerUser)
	api.POST("/users/login", h.loginUser)

	userRoutes := api.Group("/users/:id")
	userRoutes.Use(h.auth.Middleware(), auth.RequirePathUser(), h.auth.CSRFMiddleware())
	userRoutes.GET("/credential", h.listCredentials)
	userRoutes.POST("/credential", h.setCredential)
	userRoutes.DELETE("/credential", h.deleteCredential)
	userRoutes.GET("/profile", h.getProfile)
	userRoutes.PUT("/profile", h.updateProfile)
	userRoutes.GET("/profile/export", h.exportAccount)
	userRoutes.POST("/chat", h.chat)
	userRoutes.POST("/mcq", h.generateMCQ)
	userRoutes.POST("/solve", h.solveImage)
	userRoutes.GET("/history", h.listHistory)
	userRoutes.GET("/history/export", h.exportHistory)
	userRoutes.GET("/sessions/:kind/:session_id", h.getSession)
	userRoutes.DELETE("/sessions/:kind/:session_id", h.deleteSession)
	userRoutes.POST("/logout", h.logoutUser)
	userRoutes.DELETE("", h.deleteUser)
}

func (h *Handler) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"workers": h.workers.Stats(),
	})
}

// User create&login interface
type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (h *Handler) registerUser(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	user, err := h.assistant.RegisterUser(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, assistant.ErrUsernameTaken) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"id":         user.ID,
		"username":   user.Username,
		"created_at": user.CreatedAt,
	})
}

func (h *Handler) loginUser(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	user, err := h.assistant.Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}
	authToken, err := h.auth.IssueToken(c.Request.Context(), user.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "issue token failed"})
		return
	}
	csrfToken, err := h.auth.NewCSRFToken()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "issue token failed"})
		return
	}
	h.setAuthCookies(c, authToken, csrfToken)
	c.JSON(http.StatusOK, gin.H{
		"id":         user.ID,
		"username":   user.Username,
		"created_at": user.CreatedAt,
		"auth_token": authToken,
	})
}

func (h *Handler) logoutUser(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	h.workers.ResetUser(userID)
	if authToken, ok := auth.AuthTokenFromContext(c); ok {
		_ = h.auth.RevokeToken(c.Request.Context(), authToken)
	}
	h.clearAuthCookies(c)
	c.Status(http.StatusNoContent)
}

func (h *Handler) deleteUser(c *gin.Context) {
	id, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	if err := h.auth.RevokeUserTokens(ctx, id); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	h.workers.ResetUser(id)
	if err := h.cache.DeleteUser(ctx, id); err != nil {
		slog.Warn("drop cached history", "user_id", id, "err", err)
	}
	if err := h.assistant.DeleteUser(ctx, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.clearAuthCookies(c)
	c.Status(http.StatusNoContent)
}

// handle provider api keys
type credentialRequest struct {
	Provider string `json:"provider"`
	APIKey   string `json:"api_key"`
}

func (h *Handler) listCredentials(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	keys, err := h.assistant.ListAPIKeys(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"default_provider": h.gateway.DefaultProvider(),
		"api_keys":         keys,
	})
}

func (h *Handler) setCredential(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	var req credentialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	provider, ok := h.resolveProvider(c, req.Provider)
	if !ok {
		return
	}
	if strings.TrimSpace(req.APIKey) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "api_key is required"})
		return
	}
	if err := h.assistant.SetAPIKey(c.Request.Context(), userID, provider, req.APIKey); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) deleteCredential(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	var req credentialRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
	}
	if req.Provider == "" {
		req.Provider = c.Query("provider")
	}
	provider, ok := h.resolveProvider(c, req.Provider)
	if !ok {
		return
	}
	if err := h.assistant.DeleteAPIKey(c.Request.Context(), userID, provider); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "api key not found"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.workers.ResetUser(userID)
	c.Status(http.StatusNoContent)
}

// resolveProvider applies the default provider and rejects unknown ones.
func (h *Handler) resolveProvider(c *gin.Context, raw string) (string, bool) {
	provider := strings.ToLower(strings.TrimSpace(raw))
	if provider == "" {
		provider = h.gateway.DefaultProvider()
	}
	if !h.gateway.HasProvider(provider) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown provider: " + provider})
		return "", false
	}
	return provider, true
}

// gatewayRequest resolves the provider and the stored key of the user.
func (h *Handler) gatewayRequest(c *gin.Context, userID int64, provider, modelName string) (ai.Request, bool) {
	provider, ok := h.resolveProvider(c, provider)
	if !ok {
		return ai.Request{}, false
	}
	key, err := h.assistant.EnsureAIReady(c.Request.Context(), userID, provider)
	if err != nil {
		h.writeError(c, err)
		return ai.Request{}, false
	}
	return ai.Request{
		UserID:   userID,
		Provider: provider,
		Model:    strings.TrimSpace(modelName),
		APIKey:   key,
	}, true
}

const apiKeyMissingMessage = "No API key configured for this provider. Add one in settings first."

// errorResponse maps service errors onto status codes and bodies.
func errorResponse(err error) (int, gin.H) {
	var pe *ai.ProviderError
	switch {
	case errors.Is(err, assistant.ErrAPIKeyNotConfigured), errors.Is(err, ai.ErrAPIKeyMissing):
		return http.StatusBadRequest, gin.H{"error": apiKeyMissingMessage, "code": "api_key_missing"}
	case errors.Is(err, worker.ErrUserBusy):
		return http.StatusConflict, gin.H{"error": err.Error(), "code": "busy"}
	case errors.Is(err, worker.ErrDispatcherBusy):
		return http.StatusTooManyRequests, gin.H{"error": "server is busy, please retry", "code": "busy"}
	case errors.As(err, &pe):
		return http.StatusBadGateway, gin.H{"error": pe.Error(), "code": "provider_error"}
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, gin.H{"error": "request timed out"}
	case errors.Is(err, context.Canceled), errors.Is(err, worker.ErrCanceled), errors.Is(err, worker.ErrStopped):
		return http.StatusServiceUnavailable, gin.H{"error": err.Error()}
	case errors.Is(err, sessioncache.ErrInvalidSessionID), errors.Is(err, models.ErrRecordKind):
		return http.StatusBadRequest, gin.H{"error": err.Error()}
	case errors.Is(err, sql.ErrNoRows):
		return http.StatusNotFound, gin.H{"error": "not found"}
	default:
		return http.StatusInternalServerError, gin.H{"error": err.Error()}
	}
}

func (h *Handler) writeError(c *gin.Context, err error) {
	status, body := errorResponse(err)
	if status >= http.StatusInternalServerError && status != http.StatusBadGateway {
		slog.Error("request failed", "path", c.FullPath(), "err", err)
	}
	c.JSON(status, body)
}

func (h *Handler) setAuthCookies(c *gin.Context, authToken, csrfToken string) {
	ttl := int(h.auth.TokenTTL().Seconds())
	if ttl <= 0 {
		ttl = 3600
	}
	secure := gin.Mode() == gin.ReleaseMode
	setCookie(c, &http.Cookie{
		Name:     h.auth.AuthCookieName(),
		Value:    authToken,
		MaxAge:   ttl,
		Path:     "/",
		Secure:   secure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	setCookie(c, &http.Cookie{
		Name:     h.auth.CSRFCookieName(),
		Value:    csrfToken,
		MaxAge:   ttl,
		Path:     "/",
		Secure:   secure,
		HttpOnly: false,
		SameSite: http.SameSiteStrictMode,
	})
}

func (h *Handler) clearAuthCookies(c *gin.Context) {
	for _, name := range []string{h.auth.AuthCookieName(), h.auth.CSRFCookieName()} {
		setCookie(c, &http.Cookie{
			Name:     name,
			Value:    "",
			MaxAge:   -1,
			Path:     "/",
			Secure:   gin.Mode() == gin.ReleaseMode,
			HttpOnly: name == h.auth.AuthCookieName(),
			SameSite: http.SameSiteStrictMode,
		})
	}
}

func setCookie(c *gin.Context, ck *http.Cookie) {
	if ck == nil {
		return
	}
	http.SetCookie(c.Writer, ck)
}
