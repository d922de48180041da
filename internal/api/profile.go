package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"questro/internal/service/ai"
	"questro/internal/service/assistant"
)

func (h *Handler) getProfile(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	profile, err := h.assistant.GetProfile(c.Request.Context(), userID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, profile)
}

func (h *Handler) updateProfile(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	var req assistant.ProfileUpdate
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	profile, err := h.assistant.UpdateProfile(c.Request.Context(), userID, req)
	if err != nil {
		if errors.Is(err, assistant.ErrInvalidProfile) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, profile)
}

func (h *Handler) exportAccount(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	now := h.now()
	doc, err := h.assistant.ExportAccount(c.Request.Context(), userID, now)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, assistant.AccountExportFileName(now)))
	c.IndentedJSON(http.StatusOK, doc)
}

// solveLanguage picks the request language, then the profile's preferred
// language, then the gateway default.
func (h *Handler) solveLanguage(c *gin.Context, userID int64, requested string) string {
	if lang := strings.TrimSpace(requested); lang != "" {
		return lang
	}
	profile, err := h.assistant.GetProfile(c.Request.Context(), userID)
	if err != nil || profile.PreferredLanguage == "" {
		return ai.DefaultLanguage
	}
	return profile.LanguageName
}
