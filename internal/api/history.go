package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"questro/internal/models"
	"questro/internal/service/history"
	"questro/internal/sessioncache"
)

// listHistory merges the user's partitions into one list, newest first.
func (h *Handler) listHistory(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	kind := strings.TrimSpace(c.Query("kind"))
	if kind != "" && kind != "all" {
		if _, err := models.ParseKind(kind); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	caches := history.LoadAll(c.Request.Context(), h.cache, userID)
	entries := h.aggregator.Aggregate(caches, history.Filter{Kind: kind, Query: c.Query("q")})
	c.JSON(http.StatusOK, gin.H{"sessions": entries})
}

func (h *Handler) exportHistory(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	now := h.now()
	caches := history.LoadAll(c.Request.Context(), h.cache, userID)
	doc := history.Export(h.aggregator.Aggregate(caches, history.Filter{}), now)
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, history.ExportFileName(now)))
	c.IndentedJSON(http.StatusOK, doc)
}

func (h *Handler) getSession(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	kind, sessionID, ok := sessionParams(c)
	if !ok {
		return
	}
	session, found := h.cache.Get(c.Request.Context(), userID, kind, sessionID)
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	if strings.TrimSpace(session.Title) == "" {
		session.Title = history.DefaultTitle(kind, sessionID)
	}
	c.JSON(http.StatusOK, session)
}

func (h *Handler) deleteSession(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	kind, sessionID, ok := sessionParams(c)
	if !ok {
		return
	}
	if err := h.cache.Delete(c.Request.Context(), userID, kind, sessionID); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func sessionParams(c *gin.Context) (models.Kind, string, bool) {
	kind, err := models.ParseKind(c.Param("kind"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return "", "", false
	}
	sessionID := strings.TrimSpace(c.Param("session_id"))
	if err := sessioncache.ValidateSessionID(sessionID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return "", "", false
	}
	return kind, sessionID, true
}
