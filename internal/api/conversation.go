package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"

	"questro/internal/models"
	"questro/internal/service/ai"
	"questro/internal/sessioncache"
)

const maxUploadBytes = 10 << 20 // 10 MB

var documentExtensions = map[string]bool{
	".pdf": true,
	".txt": true,
	".md":  true,
}

type chatRequest struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
	Provider  string `json:"provider"`
	Model     string `json:"model"`
}

// chat appends the user turn, streams the provider reply over SSE and
// appends the assistant turn once the stream completes.
func (h *Handler) chat(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	message := strings.TrimSpace(req.Message)
	if message == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message cannot be empty"})
		return
	}
	gwReq, ok := h.gatewayRequest(c, userID, req.Provider, req.Model)
	if !ok {
		return
	}
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}

	sessionID, ok := requestSessionID(c, req.SessionID)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	streaming := false
	sendEvent := func(event string, payload interface{}) error {
		var data []byte
		switch v := payload.(type) {
		case string:
			data = []byte(v)
		default:
			var err error
			data, err = json.Marshal(v)
			if err != nil {
				return err
			}
		}
		if event != "" {
			if _, err := fmt.Fprintf(c.Writer, "event: %s\n", event); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}
	startStream := func() {
		c.Writer.Header().Set("Content-Type", "text/event-stream")
		c.Writer.Header().Set("Cache-Control", "no-cache")
		c.Writer.Header().Set("Connection", "keep-alive")
		c.Writer.Header().Set("X-Accel-Buffering", "no")
		c.Status(http.StatusOK)
		streaming = true
	}

	err := h.workers.Submit(ctx, userID, models.KindChat, func(ctx context.Context) error {
		prev, exists := h.cache.Get(ctx, userID, models.KindChat, sessionID)
		var history []models.ChatMessage
		if exists {
			history = prev.Messages
		}

		userMsg := models.ChatMessage{Role: models.RoleUser, Content: message, Timestamp: h.now().UTC()}
		if _, err := h.cache.AppendRecord(ctx, userID, models.KindChat, sessionID, userMsg); err != nil {
			return err
		}

		startStream()
		if err := sendEvent("ack", gin.H{"session_id": sessionID, "message": userMsg}); err != nil {
			return nil
		}

		reply, err := h.gateway.Chat(ai.WithToolUser(ctx, userID), gwReq, history, message, func(content string) error {
			return sendEvent("stream", gin.H{"content": content})
		})
		if err != nil {
			_, body := errorResponse(err)
			body["message"] = body["error"]
			_ = sendEvent("error", body)
			return nil
		}

		aiMsg := models.ChatMessage{Role: models.RoleAssistant, Content: reply, Timestamp: h.now().UTC()}
		session, err := h.cache.AppendRecord(ctx, userID, models.KindChat, sessionID, aiMsg)
		if err != nil {
			_ = sendEvent("error", gin.H{"message": err.Error()})
			return nil
		}
		if !exists || strings.TrimSpace(session.Title) == "" {
			session.Title = h.chatTitle(ctx, gwReq, session.Messages)
			if _, err := h.cache.Save(ctx, userID, models.KindChat, sessionID, session); err != nil {
				slog.Warn("save chat title", "user_id", userID, "session_id", sessionID, "err", err)
			}
		}
		_ = sendEvent("done", gin.H{
			"session_id": sessionID,
			"message":    aiMsg,
			"title":      session.Title,
		})
		return nil
	})
	if err != nil {
		if streaming {
			_, body := errorResponse(err)
			body["message"] = body["error"]
			_ = sendEvent("error", body)
			return
		}
		h.writeError(c, err)
	}
}

// chatTitle asks the provider for a title and falls back to the default.
func (h *Handler) chatTitle(ctx context.Context, req ai.Request, messages []models.ChatMessage) string {
	title, err := h.gateway.GenerateTitle(ctx, req, messages)
	if err != nil || strings.TrimSpace(title) == "" {
		if err != nil {
			slog.Warn("generate title", "user_id", req.UserID, "err", err)
		}
		return ai.DefaultChatTitle
	}
	return title
}

type mcqRequest struct {
	PDFText   string `json:"pdf_text" form:"pdf_text"`
	Title     string `json:"title" form:"title"`
	SessionID string `json:"session_id" form:"session_id"`
	Provider  string `json:"provider" form:"provider"`
	Model     string `json:"model" form:"model"`
}

// generateMCQ turns document text (pasted or uploaded) into questions and
// stores them as one pdf-mcq session.
func (h *Handler) generateMCQ(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	var req mcqRequest
	text := ""
	if isMultipart(c) {
		if err := c.ShouldBind(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid multipart form"})
			return
		}
		extracted, name, ok := h.readDocumentUpload(c)
		if !ok {
			return
		}
		text = extracted
		if strings.TrimSpace(req.Title) == "" {
			req.Title = name
		}
	} else {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		text = req.PDFText
	}
	if strings.TrimSpace(text) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "pdf_text is required"})
		return
	}
	gwReq, ok := h.gatewayRequest(c, userID, req.Provider, req.Model)
	if !ok {
		return
	}

	sessionID, ok := requestSessionID(c, req.SessionID)
	if !ok {
		return
	}
	var saved *models.Session
	err := h.workers.Submit(c.Request.Context(), userID, models.KindPDFMCQ, func(ctx context.Context) error {
		items, err := h.gateway.GenerateMCQ(ctx, gwReq, text)
		if err != nil {
			return err
		}
		saved, err = h.cache.Save(ctx, userID, models.KindPDFMCQ, sessionID, &models.Session{
			Title:     strings.TrimSpace(req.Title),
			Questions: items,
		})
		return err
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"session_id": sessionID,
		"title":      saved.Title,
		"questions":  nonNil(saved.Questions),
	})
}

type solveRequest struct {
	ImageData string `json:"image_data"`
	MIMEType  string `json:"mime_type"`
	Language  string `json:"language" form:"language"`
	SessionID string `json:"session_id" form:"session_id"`
	Provider  string `json:"provider" form:"provider"`
	Model     string `json:"model" form:"model"`
}

// solveImage sends an image to the provider and stores the solutions as one
// image-solver session.
func (h *Handler) solveImage(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	var req solveRequest
	if isMultipart(c) {
		if err := c.ShouldBind(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid multipart form"})
			return
		}
		data, mimeType, ok := readImageUpload(c)
		if !ok {
			return
		}
		req.ImageData = base64.StdEncoding.EncodeToString(data)
		req.MIMEType = mimeType
	} else if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	img, err := ai.ParseImage(req.ImageData, req.MIMEType)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	language := h.solveLanguage(c, userID, req.Language)
	gwReq, ok := h.gatewayRequest(c, userID, req.Provider, req.Model)
	if !ok {
		return
	}

	sessionID, ok := requestSessionID(c, req.SessionID)
	if !ok {
		return
	}
	var saved *models.Session
	err = h.workers.Submit(c.Request.Context(), userID, models.KindImageSolver, func(ctx context.Context) error {
		solutions, err := h.gateway.SolveImage(ctx, gwReq, img, language)
		if err != nil {
			return err
		}
		saved, err = h.cache.Save(ctx, userID, models.KindImageSolver, sessionID, &models.Session{
			Title:     language + " Image Solutions",
			Solutions: solutions,
		})
		return err
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"session_id": sessionID,
		"title":      saved.Title,
		"solutions":  nonNil(saved.Solutions),
	})
}

// requestSessionID returns the client's session id, or a new one when the
// request starts a session.
func requestSessionID(c *gin.Context, raw string) (string, bool) {
	id := strings.TrimSpace(raw)
	if id == "" {
		return sessioncache.NewSessionID(), true
	}
	if err := sessioncache.ValidateSessionID(id); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return "", false
	}
	return id, true
}

func isMultipart(c *gin.Context) bool {
	return strings.HasPrefix(c.ContentType(), "multipart/form-data")
}

// readDocumentUpload stores the uploaded file in a scratch directory long
// enough to extract its text.
func (h *Handler) readDocumentUpload(c *gin.Context) (string, string, bool) {
	file, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
		return "", "", false
	}
	if file.Size > maxUploadBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file too large"})
		return "", "", false
	}
	name := filepath.Base(file.Filename)
	ext := strings.ToLower(filepath.Ext(name))
	if !documentExtensions[ext] {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported file type, upload a PDF or text file"})
		return "", "", false
	}
	dir, err := os.MkdirTemp("", "questro-upload-*")
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create directory failed"})
		return "", "", false
	}
	defer os.RemoveAll(dir)
	path := filepath.Join(dir, "upload"+ext)
	if err := c.SaveUploadedFile(file, path); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "save file failed"})
		return "", "", false
	}
	text, err := h.docs.LoadText(c.Request.Context(), path)
	if err != nil {
		if errors.Is(err, ai.ErrNoText) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return "", "", false
		}
		slog.Warn("extract document text", "file", name, "err", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "could not read the uploaded document"})
		return "", "", false
	}
	return text, strings.TrimSuffix(name, filepath.Ext(name)), true
}

func readImageUpload(c *gin.Context) ([]byte, string, bool) {
	file, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
		return nil, "", false
	}
	if file.Size > maxUploadBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file too large"})
		return nil, "", false
	}
	f, err := file.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "open file failed"})
		return nil, "", false
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, maxUploadBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "read file failed"})
		return nil, "", false
	}
	contentType := http.DetectContentType(data)
	if !strings.HasPrefix(contentType, "image/") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported file type, upload an image"})
		return nil, "", false
	}
	return data, contentType, true
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return make([]T, 0)
	}
	return items
}
