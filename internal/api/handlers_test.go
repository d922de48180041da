package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"database/sql"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/gin-gonic/gin"

	"questro/internal/auth"
	"questro/internal/config"
	"questro/internal/models"
	"questro/internal/service/ai"
	"questro/internal/service/assistant"
	"questro/internal/service/history"
	"questro/internal/sessioncache"
	"questro/internal/storage"
	"questro/internal/worker"
)

const mcqReply = `Here are your questions: [{"question":"What do mitochondria produce?","options":["ATP","DNA"],"correct_answer":0,"explanation":"Cellular respiration."}] Hope this helps!`

func TestHandlersEndToEndFlow(t *testing.T) {
	srv := newTestServer(t)
	srv.model.reply = mcqReply
	srv.model.chunks = []string{"Photosynthesis ", "turns light ", "into sugar."}

	userID, authHeader := registerAndLogin(t, srv.router)
	base := fmt.Sprintf("/api/users/%d", userID)
	storeAPIKey(t, srv.router, base, authHeader)

	// Stored keys are only ever returned masked.
	credResp := doJSONRequest(t, srv.router, http.MethodGet, base+"/credential", nil, authHeader)
	assertStatus(t, credResp, http.StatusOK)
	if strings.Contains(credResp.Body.String(), "sk-test-1234567890") {
		t.Fatalf("credential listing leaked the raw key: %s", credResp.Body.String())
	}
	var credBody struct {
		APIKeys []models.APIKey `json:"api_keys"`
	}
	decodeJSON(t, credResp.Body.Bytes(), &credBody)
	if len(credBody.APIKeys) != 1 || credBody.APIKeys[0].Provider != "gemini" {
		t.Fatalf("unexpected credential listing: %+v", credBody.APIKeys)
	}

	// Chat over SSE.
	chatResp := doJSONRequest(t, srv.router, http.MethodPost, base+"/chat",
		map[string]string{"message": "What is photosynthesis?"}, authHeader)
	assertStatus(t, chatResp, http.StatusOK)
	events := parseSSE(t, chatResp.Body.String())
	if len(events) != 5 {
		t.Fatalf("expected 5 SSE events, got %d: %+v", len(events), events)
	}
	if events[0].Name != "ack" || events[1].Name != "stream" || events[4].Name != "done" {
		t.Fatalf("unexpected event order: %+v", events)
	}
	var ack struct {
		SessionID string             `json:"session_id"`
		Message   models.ChatMessage `json:"message"`
	}
	decodeJSON(t, []byte(events[0].Data), &ack)
	if ack.SessionID == "" || ack.Message.Content != "What is photosynthesis?" {
		t.Fatalf("unexpected ack payload: %s", events[0].Data)
	}
	var lastChunk struct {
		Content string `json:"content"`
	}
	decodeJSON(t, []byte(events[3].Data), &lastChunk)
	if lastChunk.Content != "Photosynthesis turns light into sugar." {
		t.Fatalf("stream events should carry accumulated content, got %q", lastChunk.Content)
	}
	var done struct {
		SessionID string             `json:"session_id"`
		Title     string             `json:"title"`
		Message   models.ChatMessage `json:"message"`
	}
	decodeJSON(t, []byte(events[4].Data), &done)
	if done.SessionID != ack.SessionID || done.Message.Role != models.RoleAssistant || done.Title == "" {
		t.Fatalf("unexpected done payload: %s", events[4].Data)
	}

	// A follow-up in the same session sends the earlier turns along.
	chatResp = doJSONRequest(t, srv.router, http.MethodPost, base+"/chat",
		map[string]string{"message": "And respiration?", "session_id": ack.SessionID}, authHeader)
	assertStatus(t, chatResp, http.StatusOK)
	lastInput := srv.model.lastStreamInput()
	if len(lastInput) != 4 {
		t.Fatalf("expected system prompt, two history turns and the new message, got %d messages", len(lastInput))
	}

	// MCQ from pasted text.
	mcqResp := doJSONRequest(t, srv.router, http.MethodPost, base+"/mcq",
		map[string]string{"pdf_text": "Mitochondria are the powerhouse of the cell.", "title": "Biology notes"}, authHeader)
	assertStatus(t, mcqResp, http.StatusOK)
	var mcqBody struct {
		SessionID string           `json:"session_id"`
		Questions []models.MCQItem `json:"questions"`
	}
	decodeJSON(t, mcqResp.Body.Bytes(), &mcqBody)
	if len(mcqBody.Questions) != 1 || mcqBody.Questions[0].Question != "What do mitochondria produce?" {
		t.Fatalf("unexpected mcq body: %s", mcqResp.Body.String())
	}

	// Image solutions.
	srv.model.setReply(`[{"question":"2+2","steps":["add"],"final_answer":"4","explanation":"sum"}]`)
	solveResp := doJSONRequest(t, srv.router, http.MethodPost, base+"/solve",
		map[string]string{"image_data": "data:image/png;base64,aGVsbG8=", "language": "French"}, authHeader)
	assertStatus(t, solveResp, http.StatusOK)
	var solveBody struct {
		SessionID string                `json:"session_id"`
		Title     string                `json:"title"`
		Solutions []models.SolutionItem `json:"solutions"`
	}
	decodeJSON(t, solveResp.Body.Bytes(), &solveBody)
	if len(solveBody.Solutions) != 1 || solveBody.Title != "French Image Solutions" {
		t.Fatalf("unexpected solve body: %s", solveResp.Body.String())
	}

	// History lists all three, newest first.
	histResp := doJSONRequest(t, srv.router, http.MethodGet, base+"/history", nil, authHeader)
	assertStatus(t, histResp, http.StatusOK)
	var hist struct {
		Sessions []models.HistoryEntry `json:"sessions"`
	}
	decodeJSON(t, histResp.Body.Bytes(), &hist)
	if len(hist.Sessions) != 3 {
		t.Fatalf("expected 3 history entries, got %d", len(hist.Sessions))
	}
	wantOrder := []models.Kind{models.KindImageSolver, models.KindPDFMCQ, models.KindChat}
	for i, kind := range wantOrder {
		if hist.Sessions[i].Type != kind {
			t.Fatalf("entry %d type = %s, want %s", i, hist.Sessions[i].Type, kind)
		}
	}
	if hist.Sessions[2].MessageCount != 4 {
		t.Fatalf("chat entry should count 4 messages, got %d", hist.Sessions[2].MessageCount)
	}
	if hist.Sessions[1].LastMessage != "Generated 1 MCQ questions" {
		t.Fatalf("unexpected mcq preview %q", hist.Sessions[1].LastMessage)
	}

	filtered := doJSONRequest(t, srv.router, http.MethodGet, base+"/history?kind=pdf-mcq", nil, authHeader)
	assertStatus(t, filtered, http.StatusOK)
	decodeJSON(t, filtered.Body.Bytes(), &hist)
	if len(hist.Sessions) != 1 || hist.Sessions[0].ID != mcqBody.SessionID {
		t.Fatalf("kind filter mismatch: %s", filtered.Body.String())
	}

	searched := doJSONRequest(t, srv.router, http.MethodGet, base+"/history?q=BIOLOGY", nil, authHeader)
	assertStatus(t, searched, http.StatusOK)
	decodeJSON(t, searched.Body.Bytes(), &hist)
	if len(hist.Sessions) != 1 || hist.Sessions[0].Title != "Biology notes" {
		t.Fatalf("query filter mismatch: %s", searched.Body.String())
	}

	// Export.
	exportResp := doJSONRequest(t, srv.router, http.MethodGet, base+"/history/export", nil, authHeader)
	assertStatus(t, exportResp, http.StatusOK)
	disposition := exportResp.Header().Get("Content-Disposition")
	if !strings.HasPrefix(disposition, `attachment; filename="questro-history-`) {
		t.Fatalf("unexpected Content-Disposition %q", disposition)
	}
	var export models.HistoryExport
	decodeJSON(t, exportResp.Body.Bytes(), &export)
	if export.TotalSessions != 3 || len(export.Sessions) != 3 {
		t.Fatalf("unexpected export: %s", exportResp.Body.String())
	}

	// Open and delete one session.
	sessionPath := fmt.Sprintf("%s/sessions/%s/%s", base, models.KindChat, ack.SessionID)
	getResp := doJSONRequest(t, srv.router, http.MethodGet, sessionPath, nil, authHeader)
	assertStatus(t, getResp, http.StatusOK)
	var session models.Session
	decodeJSON(t, getResp.Body.Bytes(), &session)
	if len(session.Messages) != 4 || session.Messages[0].Role != models.RoleUser {
		t.Fatalf("unexpected session: %s", getResp.Body.String())
	}

	assertStatus(t, doJSONRequest(t, srv.router, http.MethodDelete, sessionPath, nil, authHeader), http.StatusNoContent)
	assertStatus(t, doJSONRequest(t, srv.router, http.MethodGet, sessionPath, nil, authHeader), http.StatusNotFound)
	assertStatus(t, doJSONRequest(t, srv.router, http.MethodDelete, sessionPath, nil, authHeader), http.StatusNoContent)

	// Logout revokes the token.
	assertStatus(t, doJSONRequest(t, srv.router, http.MethodPost, base+"/logout", nil, authHeader), http.StatusNoContent)
	assertStatus(t, doJSONRequest(t, srv.router, http.MethodGet, base+"/history", nil, authHeader), http.StatusUnauthorized)
}

func TestChatRequiresAPIKey(t *testing.T) {
	srv := newTestServer(t)
	userID, authHeader := registerAndLogin(t, srv.router)

	resp := doJSONRequest(t, srv.router, http.MethodPost, fmt.Sprintf("/api/users/%d/chat", userID),
		map[string]string{"message": "hi"}, authHeader)
	assertStatus(t, resp, http.StatusBadRequest)
	var body struct {
		Code string `json:"code"`
	}
	decodeJSON(t, resp.Body.Bytes(), &body)
	if body.Code != "api_key_missing" {
		t.Fatalf("expected api_key_missing code, got %s", resp.Body.String())
	}
	if len(srv.model.calls()) != 0 {
		t.Fatalf("provider must not be called without a key")
	}
}

func TestChatValidation(t *testing.T) {
	srv := newTestServer(t)
	userID, authHeader := registerAndLogin(t, srv.router)
	base := fmt.Sprintf("/api/users/%d", userID)
	storeAPIKey(t, srv.router, base, authHeader)

	cases := []struct {
		name string
		body any
		want int
	}{
		{"empty message", map[string]string{"message": "   "}, http.StatusBadRequest},
		{"unknown provider", map[string]string{"message": "hi", "provider": "mistral"}, http.StatusBadRequest},
		{"bad body", "not an object", http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := doJSONRequest(t, srv.router, http.MethodPost, base+"/chat", tc.body, authHeader)
			assertStatus(t, resp, tc.want)
		})
	}
}

func TestChatProviderErrorEmitsSSEError(t *testing.T) {
	srv := newTestServer(t)
	srv.model.err = fmt.Errorf("quota exceeded")
	userID, authHeader := registerAndLogin(t, srv.router)
	base := fmt.Sprintf("/api/users/%d", userID)
	storeAPIKey(t, srv.router, base, authHeader)

	resp := doJSONRequest(t, srv.router, http.MethodPost, base+"/chat",
		map[string]string{"message": "hello"}, authHeader)
	assertStatus(t, resp, http.StatusOK)
	events := parseSSE(t, resp.Body.String())
	if len(events) != 2 || events[0].Name != "ack" || events[1].Name != "error" {
		t.Fatalf("expected ack then error, got %+v", events)
	}
	var errPayload struct {
		Message string `json:"message"`
		Code    string `json:"code"`
	}
	decodeJSON(t, []byte(events[1].Data), &errPayload)
	if !strings.Contains(errPayload.Message, "quota exceeded") || errPayload.Code != "provider_error" {
		t.Fatalf("unexpected error payload: %s", events[1].Data)
	}

	// The user turn stays in the session.
	var ack struct {
		SessionID string `json:"session_id"`
	}
	decodeJSON(t, []byte(events[0].Data), &ack)
	s, ok := srv.handler.cache.Get(context.Background(), userID, models.KindChat, ack.SessionID)
	if !ok || len(s.Messages) != 1 {
		t.Fatalf("expected the user message to be kept, got %+v", s)
	}
}

func TestGenerateMCQValidation(t *testing.T) {
	srv := newTestServer(t)
	userID, authHeader := registerAndLogin(t, srv.router)
	base := fmt.Sprintf("/api/users/%d", userID)

	// key check happens after input validation
	resp := doJSONRequest(t, srv.router, http.MethodPost, base+"/mcq", map[string]string{"pdf_text": " "}, authHeader)
	assertStatus(t, resp, http.StatusBadRequest)

	resp = doJSONRequest(t, srv.router, http.MethodPost, base+"/mcq", map[string]string{"pdf_text": "text"}, authHeader)
	assertStatus(t, resp, http.StatusBadRequest)
	if !strings.Contains(resp.Body.String(), "api_key_missing") {
		t.Fatalf("expected api_key_missing, got %s", resp.Body.String())
	}

	storeAPIKey(t, srv.router, base, authHeader)
	srv.model.err = fmt.Errorf("upstream 503")
	resp = doJSONRequest(t, srv.router, http.MethodPost, base+"/mcq", map[string]string{"pdf_text": "text"}, authHeader)
	assertStatus(t, resp, http.StatusBadGateway)

	hist := doJSONRequest(t, srv.router, http.MethodGet, base+"/history", nil, authHeader)
	assertStatus(t, hist, http.StatusOK)
	if !strings.Contains(hist.Body.String(), `"sessions":[]`) {
		t.Fatalf("failed generation must not save a session: %s", hist.Body.String())
	}
}

func TestGenerateMCQFromUpload(t *testing.T) {
	srv := newTestServer(t)
	srv.model.reply = mcqReply
	userID, authHeader := registerAndLogin(t, srv.router)
	base := fmt.Sprintf("/api/users/%d", userID)
	storeAPIKey(t, srv.router, base, authHeader)

	resp := doMultipartRequest(t, srv.router, base+"/mcq", "cell-biology.txt",
		[]byte("Mitochondria produce ATP through cellular respiration."), nil, authHeader)
	assertStatus(t, resp, http.StatusOK)
	var body struct {
		Title     string           `json:"title"`
		Questions []models.MCQItem `json:"questions"`
	}
	decodeJSON(t, resp.Body.Bytes(), &body)
	if body.Title != "cell-biology" || len(body.Questions) != 1 {
		t.Fatalf("unexpected body: %s", resp.Body.String())
	}
	calls := srv.model.calls()
	if len(calls) != 1 || !strings.Contains(calls[0][0].Content, "Mitochondria produce ATP") {
		t.Fatalf("prompt should carry the uploaded text")
	}

	resp = doMultipartRequest(t, srv.router, base+"/mcq", "slides.pptx", []byte("binary"), nil, authHeader)
	assertStatus(t, resp, http.StatusBadRequest)
}

func TestSolveImageFromUpload(t *testing.T) {
	srv := newTestServer(t)
	srv.model.reply = `The picture shows a cat.`
	userID, authHeader := registerAndLogin(t, srv.router)
	base := fmt.Sprintf("/api/users/%d", userID)
	storeAPIKey(t, srv.router, base, authHeader)

	png := append([]byte("\x89PNG\r\n\x1a\n"), bytes.Repeat([]byte{0}, 32)...)
	resp := doMultipartRequest(t, srv.router, base+"/solve", "homework.png", png, map[string]string{"language": "Spanish"}, authHeader)
	assertStatus(t, resp, http.StatusOK)
	var body struct {
		Solutions []models.SolutionItem `json:"solutions"`
	}
	decodeJSON(t, resp.Body.Bytes(), &body)
	if len(body.Solutions) != 1 || body.Solutions[0].Question != "Image Analysis" {
		t.Fatalf("expected the degenerate fallback solution, got %s", resp.Body.String())
	}
	parts := srv.model.calls()[0][0].MultiContent
	if len(parts) != 2 || parts[1].ImageURL == nil || parts[1].ImageURL.MIMEType != "image/png" {
		t.Fatalf("image part missing from prompt: %+v", parts)
	}
	if !strings.Contains(parts[0].Text, "in Spanish") {
		t.Fatalf("language not forwarded: %q", parts[0].Text)
	}

	resp = doMultipartRequest(t, srv.router, base+"/solve", "notes.txt", []byte("plain text"), nil, authHeader)
	assertStatus(t, resp, http.StatusBadRequest)

	resp = doJSONRequest(t, srv.router, http.MethodPost, base+"/solve", map[string]string{"image_data": "data:text/plain;base64,aGk="}, authHeader)
	assertStatus(t, resp, http.StatusBadRequest)
}

func TestProfileRoutesAndSolveLanguage(t *testing.T) {
	srv := newTestServer(t)
	srv.model.reply = `[{"question":"1+1","steps":["add"],"final_answer":"2","explanation":"Sum."}]`
	userID, authHeader := registerAndLogin(t, srv.router)
	base := fmt.Sprintf("/api/users/%d", userID)
	storeAPIKey(t, srv.router, base, authHeader)

	resp := doJSONRequest(t, srv.router, http.MethodGet, base+"/profile", nil, authHeader)
	assertStatus(t, resp, http.StatusOK)
	var profile models.Profile
	decodeJSON(t, resp.Body.Bytes(), &profile)
	if profile.PreferredLanguage != "en" || profile.Timezone != "UTC" {
		t.Fatalf("unexpected default profile: %+v", profile)
	}

	assertStatus(t, doJSONRequest(t, srv.router, http.MethodPut, base+"/profile",
		map[string]string{"timezone": "Nowhere/Special"}, authHeader), http.StatusBadRequest)
	resp = doJSONRequest(t, srv.router, http.MethodPut, base+"/profile",
		map[string]string{"full_name": "Ada Lovelace", "preferred_language": "fr", "timezone": "Europe/Paris"}, authHeader)
	assertStatus(t, resp, http.StatusOK)
	decodeJSON(t, resp.Body.Bytes(), &profile)
	if profile.LanguageName != "French" || profile.FullName != "Ada Lovelace" {
		t.Fatalf("profile not updated: %+v", profile)
	}

	png := append([]byte("\x89PNG\r\n\x1a\n"), bytes.Repeat([]byte{0}, 32)...)
	resp = doJSONRequest(t, srv.router, http.MethodPost, base+"/solve", map[string]string{
		"image_data": base64.StdEncoding.EncodeToString(png),
		"mime_type":  "image/png",
	}, authHeader)
	assertStatus(t, resp, http.StatusOK)
	if !strings.Contains(resp.Body.String(), `"title":"French Image Solutions"`) {
		t.Fatalf("solve should default to the profile language: %s", resp.Body.String())
	}
	if text := srv.model.calls()[0][0].MultiContent[0].Text; !strings.Contains(text, "in French") {
		t.Fatalf("prompt language = %q", text)
	}

	resp = doJSONRequest(t, srv.router, http.MethodGet, base+"/profile/export", nil, authHeader)
	assertStatus(t, resp, http.StatusOK)
	if !strings.HasPrefix(resp.Header().Get("Content-Disposition"), `attachment; filename="questro-data-`) {
		t.Fatalf("missing export attachment header")
	}
	var export models.AccountExport
	decodeJSON(t, resp.Body.Bytes(), &export)
	if export.Profile.FullName != "Ada Lovelace" || len(export.Credentials) != 1 {
		t.Fatalf("unexpected account export: %s", resp.Body.String())
	}
}

func TestOversizedSessionIDIsRejected(t *testing.T) {
	srv := newTestServer(t)
	srv.model.reply = mcqReply
	userID, authHeader := registerAndLogin(t, srv.router)
	base := fmt.Sprintf("/api/users/%d", userID)
	storeAPIKey(t, srv.router, base, authHeader)

	long := strings.Repeat("x", sessioncache.MaxSessionIDLen+1)
	assertStatus(t, doJSONRequest(t, srv.router, http.MethodPost, base+"/mcq",
		map[string]string{"pdf_text": "text", "session_id": long}, authHeader), http.StatusBadRequest)
	assertStatus(t, doJSONRequest(t, srv.router, http.MethodPost, base+"/chat",
		map[string]string{"message": "hi", "session_id": long}, authHeader), http.StatusBadRequest)
	assertStatus(t, doJSONRequest(t, srv.router, http.MethodGet, base+"/sessions/chat/"+long, nil, authHeader), http.StatusBadRequest)
	if n := len(srv.model.calls()); n != 0 {
		t.Fatalf("provider called %d times for rejected requests", n)
	}

	exact := strings.Repeat("y", sessioncache.MaxSessionIDLen)
	assertStatus(t, doJSONRequest(t, srv.router, http.MethodPost, base+"/mcq",
		map[string]string{"pdf_text": "text", "session_id": exact}, authHeader), http.StatusOK)
}

func TestConcurrentSameKindIsRejected(t *testing.T) {
	srv := newTestServer(t)
	srv.model.reply = mcqReply
	srv.model.block = make(chan struct{})
	srv.model.started = make(chan struct{}, 1)
	userID, authHeader := registerAndLogin(t, srv.router)
	base := fmt.Sprintf("/api/users/%d", userID)
	storeAPIKey(t, srv.router, base, authHeader)

	first := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		first <- doJSONRequest(t, srv.router, http.MethodPost, base+"/mcq", map[string]string{"pdf_text": "one"}, authHeader)
	}()
	<-srv.model.started

	resp := doJSONRequest(t, srv.router, http.MethodPost, base+"/mcq", map[string]string{"pdf_text": "two"}, authHeader)
	assertStatus(t, resp, http.StatusConflict)

	close(srv.model.block)
	assertStatus(t, <-first, http.StatusOK)
}

func TestHistoryRejectsUnknownKind(t *testing.T) {
	srv := newTestServer(t)
	userID, authHeader := registerAndLogin(t, srv.router)
	base := fmt.Sprintf("/api/users/%d", userID)

	assertStatus(t, doJSONRequest(t, srv.router, http.MethodGet, base+"/history?kind=quiz", nil, authHeader), http.StatusBadRequest)
	assertStatus(t, doJSONRequest(t, srv.router, http.MethodGet, base+"/sessions/quiz/abc", nil, authHeader), http.StatusBadRequest)

	resp := doJSONRequest(t, srv.router, http.MethodGet, base+"/history?kind=all", nil, authHeader)
	assertStatus(t, resp, http.StatusOK)
	if !strings.Contains(resp.Body.String(), `"sessions":[]`) {
		t.Fatalf("empty history must be an empty list: %s", resp.Body.String())
	}
}

func TestCredentialLifecycle(t *testing.T) {
	srv := newTestServer(t)
	userID, authHeader := registerAndLogin(t, srv.router)
	base := fmt.Sprintf("/api/users/%d", userID)

	assertStatus(t, doJSONRequest(t, srv.router, http.MethodPost, base+"/credential",
		map[string]string{"provider": "gemini", "api_key": " "}, authHeader), http.StatusBadRequest)
	assertStatus(t, doJSONRequest(t, srv.router, http.MethodDelete, base+"/credential",
		map[string]string{"provider": "gemini"}, authHeader), http.StatusNotFound)

	storeAPIKey(t, srv.router, base, authHeader)
	assertStatus(t, doJSONRequest(t, srv.router, http.MethodDelete, base+"/credential?provider=gemini",
		nil, authHeader), http.StatusNoContent)

	resp := doJSONRequest(t, srv.router, http.MethodGet, base+"/credential", nil, authHeader)
	assertStatus(t, resp, http.StatusOK)
	if !strings.Contains(resp.Body.String(), `"api_keys":[]`) {
		t.Fatalf("expected no keys after delete: %s", resp.Body.String())
	}
}

func TestDeleteUserRemovesHistory(t *testing.T) {
	srv := newTestServer(t)
	srv.model.reply = mcqReply
	userID, authHeader := registerAndLogin(t, srv.router)
	base := fmt.Sprintf("/api/users/%d", userID)
	storeAPIKey(t, srv.router, base, authHeader)

	assertStatus(t, doJSONRequest(t, srv.router, http.MethodPost, base+"/mcq",
		map[string]string{"pdf_text": "text"}, authHeader), http.StatusOK)
	assertStatus(t, doJSONRequest(t, srv.router, http.MethodDelete, base, nil, authHeader), http.StatusNoContent)

	var count int
	if err := srv.db.QueryRow(`SELECT COUNT(*) FROM history_sessions WHERE user_id = ?`, userID).Scan(&count); err != nil {
		t.Fatalf("count sessions: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected history removed, found %d rows", count)
	}
	assertStatus(t, doJSONRequest(t, srv.router, http.MethodGet, base+"/history", nil, authHeader), http.StatusUnauthorized)
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t)
	resp := doJSONRequest(t, srv.router, http.MethodGet, "/healthz", nil, nil)
	assertStatus(t, resp, http.StatusOK)
	if !strings.Contains(resp.Body.String(), `"status":"ok"`) {
		t.Fatalf("unexpected healthz body: %s", resp.Body.String())
	}
}

type sseEvent struct {
	Name string
	Data string
}

func parseSSE(t *testing.T, payload string) []sseEvent {
	t.Helper()
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return nil
	}
	chunks := strings.Split(payload, "\n\n")
	var events []sseEvent
	for _, chunk := range chunks {
		lines := strings.Split(strings.TrimSpace(chunk), "\n")
		if len(lines) == 0 {
			continue
		}
		var evt sseEvent
		for _, line := range lines {
			switch {
			case strings.HasPrefix(line, "event:"):
				evt.Name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			case strings.HasPrefix(line, "data:"):
				data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
				if evt.Data == "" {
					evt.Data = data
				} else {
					evt.Data += "\n" + data
				}
			}
		}
		events = append(events, evt)
	}
	return events
}

type testServer struct {
	router  *gin.Engine
	db      *sql.DB
	handler *Handler
	model   *fakeModel
	workers *worker.Manager
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{
		BasicConfig: config.BasicConfig{DefaultProvider: "gemini", ProviderTimeoutSeconds: 5},
		Databases: map[string]config.DatabaseConfig{
			"sqlite3": {DSN: ":memory:"},
		},
		Providers: map[string]config.ProviderConfig{
			"gemini": {Model: "gemini-2.0-flash"},
			"openai": {Model: "gpt-4o-mini"},
		},
	}
	db, err := storage.Open("sqlite3", cfg)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	asst, err := assistant.NewService(db, "sqlite3")
	if err != nil {
		t.Fatalf("assistant service: %v", err)
	}
	authSvc := auth.NewService(db, nil, time.Hour)

	// one second per save keeps history ordering deterministic
	var clockMu sync.Mutex
	clock := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	tick := func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		clock = clock.Add(time.Second)
		return clock
	}
	cache := sessioncache.New(sessioncache.NewSQLBackend(db, "sqlite3"), sessioncache.WithClock(tick))

	fm := &fakeModel{}
	gateway := ai.NewGateway(cfg, ai.WithModelFactory(func(context.Context, string, config.ProviderConfig, string, string) (model.ToolCallingChatModel, error) {
		return fm, nil
	}))
	docs, err := ai.NewDocumentLoader(context.Background())
	if err != nil {
		t.Fatalf("document loader: %v", err)
	}
	workers := worker.NewManager(worker.DispatcherConfig{MinWorkers: 1, MaxWorkers: 4, QueueSize: 16}, nil)
	t.Cleanup(workers.Close)

	handler := NewHandler(asst, authSvc, cache, history.NewAggregator(history.DefaultPreviewBudget), gateway, docs, workers)
	router := gin.New()
	handler.RegisterRoutes(router)
	return &testServer{router: router, db: db, handler: handler, model: fm, workers: workers}
}

func doJSONRequest(t *testing.T, router *gin.Engine, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func doMultipartRequest(t *testing.T, router *gin.Engine, path, filename string, content []byte, fields, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			t.Fatalf("write field: %v", err)
		}
	}
	part, err := w.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := part.Write(content); err != nil {
		t.Fatalf("write form file: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, data []byte, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("decode json: %v", err)
	}
}

func assertStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("unexpected status %d, want %d, body: %s", rec.Code, want, rec.Body.String())
	}
}

func storeAPIKey(t *testing.T, router *gin.Engine, base string, headers map[string]string) {
	t.Helper()
	resp := doJSONRequest(t, router, http.MethodPost, base+"/credential",
		map[string]string{"provider": "gemini", "api_key": "sk-test-1234567890"}, headers)
	assertStatus(t, resp, http.StatusNoContent)
}

func registerAndLogin(t *testing.T, router *gin.Engine) (int64, map[string]string) {
	t.Helper()
	username := fmt.Sprintf("tester_%d", time.Now().UnixNano())
	password := "pass123"
	regResp := doJSONRequest(t, router, http.MethodPost, "/api/users/register", map[string]string{
		"username": username,
		"password": password,
	}, nil)
	assertStatus(t, regResp, http.StatusCreated)
	var regBody struct {
		ID int64 `json:"id"`
	}
	decodeJSON(t, regResp.Body.Bytes(), &regBody)

	loginResp := doJSONRequest(t, router, http.MethodPost, "/api/users/login", map[string]string{
		"username": username,
		"password": password,
	}, nil)
	assertStatus(t, loginResp, http.StatusOK)
	var loginBody struct {
		AuthToken string `json:"auth_token"`
	}
	decodeJSON(t, loginResp.Body.Bytes(), &loginBody)
	if loginBody.AuthToken == "" {
		t.Fatalf("expected auth token after login")
	}
	authHeader := map[string]string{"Authorization": fmt.Sprintf("Bearer %s", loginBody.AuthToken)}
	return regBody.ID, authHeader
}

// fakeModel stands in for a provider SDK.
type fakeModel struct {
	mu      sync.Mutex
	reply   string
	chunks  []string
	err     error
	block   chan struct{}
	started chan struct{}
	inputs  [][]*schema.Message
	streams [][]*schema.Message
}

func (f *fakeModel) setReply(reply string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reply = reply
	f.inputs = nil
}

func (f *fakeModel) calls() [][]*schema.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]*schema.Message(nil), f.inputs...)
}

func (f *fakeModel) lastStreamInput() []*schema.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.streams) == 0 {
		return nil
	}
	return f.streams[len(f.streams)-1]
}

func (f *fakeModel) Generate(ctx context.Context, in []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	f.mu.Lock()
	f.inputs = append(f.inputs, in)
	reply, err, block, started := f.reply, f.err, f.block, f.started
	f.mu.Unlock()

	if started != nil {
		select {
		case started <- struct{}{}:
		default:
		}
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if reply == "" {
		reply = "Study Notes"
	}
	return schema.AssistantMessage(reply, nil), nil
}

func (f *fakeModel) Stream(_ context.Context, in []*schema.Message, _ ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	f.mu.Lock()
	f.streams = append(f.streams, in)
	chunks, err := f.chunks, f.err
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if len(chunks) == 0 {
		chunks = []string{"ok"}
	}
	msgs := make([]*schema.Message, 0, len(chunks))
	for _, c := range chunks {
		msgs = append(msgs, schema.AssistantMessage(c, nil))
	}
	return schema.StreamReaderFromArray(msgs), nil
}

func (f *fakeModel) WithTools([]*schema.ToolInfo) (model.ToolCallingChatModel, error) {
	return f, nil
}
