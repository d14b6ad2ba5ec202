package api

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/elvachat/relay/internal/assistant"
	"github.com/elvachat/relay/internal/attachments"
	"github.com/elvachat/relay/internal/auth"
	"github.com/elvachat/relay/internal/delivery"
	"github.com/elvachat/relay/internal/handlers"
	"github.com/elvachat/relay/internal/models"
	"github.com/elvachat/relay/internal/readstate"
	"github.com/elvachat/relay/internal/realtime"
	"github.com/elvachat/relay/internal/store"
)

const strongPassword = "correct-horse-battery-staple-42"

type fakeUploader struct {
	names []string
}

func (f *fakeUploader) Upload(_ context.Context, name, mediaType string, data []byte) (*attachments.Uploaded, error) {
	f.names = append(f.names, name)
	return &attachments.Uploaded{
		URL:    "https://cdn.example.com/chat-files/" + name,
		FileID: "file_1",
		Name:   name,
		Size:   int64(len(data)),
	}, nil
}

type testServer struct {
	*httptest.Server
	store    *store.MemoryStore
	uploader *fakeUploader
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := zerolog.Nop()
	ms := store.NewMemoryStore()

	hub := realtime.NewHub(ms, logger, realtime.Options{})
	engine := delivery.NewEngine(ms, hub.Registry(), hub, nil, logger)
	hub.SetDeliverer(engine)

	tokens := auth.NewTokens("test-secret", time.Hour)
	uploader := &fakeUploader{}

	h := handlers.NewHandler(handlers.Deps{
		Store:          ms,
		Delivery:       engine,
		Reads:          readstate.NewReconciler(ms, logger),
		Auth:           auth.NewService(ms, tokens, logger),
		Uploader:       uploader,
		Assistant:      assistant.NewService(engine, ms, assistant.MockLLM{}, "Elva (Ai)", logger),
		Presence:       hub,
		MaxUploadBytes: 1 << 20,
		Logger:         logger,
	})
	router := NewRouter(logger, h, tokens, hub, RouterConfig{
		AllowedOrigins: []string{"*"},
		MaxBodyBytes:   64 << 10,
		MaxUploadBytes: 1 << 20,
	})

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, store: ms, uploader: uploader}
}

func (s *testServer) do(t *testing.T, method, path, token string, body any) (*http.Response, []byte) {
	t.Helper()
	var rdr *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rdr = bytes.NewReader(raw)
	} else {
		rdr = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, s.URL+path, rdr)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return s.send(t, req)
}

func (s *testServer) send(t *testing.T, req *http.Request) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, buf.Bytes()
}

// register creates a user and returns its session token.
func (s *testServer) register(t *testing.T, name string) string {
	t.Helper()
	resp, body := s.do(t, http.MethodPost, "/user/register", "", map[string]string{
		"name":     name,
		"email":    name + "@example.com",
		"password": strongPassword,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register %s: %d %s", name, resp.StatusCode, body)
	}
	var out handlers.SessionResponse
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("decode session: %v", err)
	}
	if out.Token == "" {
		t.Fatal("expected token")
	}
	return out.Token
}

func decodeInto(t *testing.T, body []byte, v any) {
	t.Helper()
	if err := json.Unmarshal(body, v); err != nil {
		t.Fatalf("decode %s: %v", body, err)
	}
}

func TestRegisterLoginMe(t *testing.T) {
	srv := newTestServer(t)
	token := srv.register(t, "alice")

	resp, body := srv.do(t, http.MethodGet, "/user/auth/me", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("me: %d %s", resp.StatusCode, body)
	}
	var me struct {
		User models.User `json:"user"`
	}
	decodeInto(t, body, &me)
	if me.User.Name != "alice" || !me.User.IsOnline {
		t.Fatalf("unexpected profile: %+v", me.User)
	}
	if strings.Contains(string(body), "password") {
		t.Fatal("profile leaks password hash")
	}

	resp, _ = srv.do(t, http.MethodPost, "/user/register", "", map[string]string{
		"name": "alice", "email": "other@example.com", "password": strongPassword,
	})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate register: expected 409, got %d", resp.StatusCode)
	}

	resp, _ = srv.do(t, http.MethodPost, "/user/login", "", map[string]string{
		"email": "alice@example.com", "password": "wrong",
	})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad login: expected 401, got %d", resp.StatusCode)
	}

	resp, body = srv.do(t, http.MethodPost, "/user/login", "", map[string]string{
		"email": "alice@example.com", "password": strongPassword,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login: %d %s", resp.StatusCode, body)
	}
	var cookie *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == "token" {
			cookie = c
		}
	}
	if cookie == nil || !cookie.HttpOnly {
		t.Fatalf("expected http-only session cookie, got %v", resp.Cookies())
	}

	resp, _ = srv.do(t, http.MethodPost, "/user/logout", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("logout: %d", resp.StatusCode)
	}
	u, _ := srv.store.GetUserByName(context.Background(), "alice")
	if u.IsOnline || u.LastSeen == nil {
		t.Fatalf("expected offline with last seen after logout: %+v", u)
	}
}

func TestAuthRequired(t *testing.T) {
	srv := newTestServer(t)

	for _, path := range []string{
		"/user/auth/me",
		"/user/ai-messages",
		"/user/chat/alice/bob",
		"/user/all-users",
		"/user/messages?senderId=alice&receiverId=bob",
		"/user/unread-messages?username=bob",
	} {
		resp, _ := srv.do(t, http.MethodGet, path, "", nil)
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("GET %s: expected 401, got %d", path, resp.StatusCode)
		}
	}
	for _, path := range []string{"/user/logout", "/user/mark-read"} {
		resp, _ := srv.do(t, http.MethodPost, path, "", map[string]string{
			"senderId": "alice", "receiverId": "bob",
		})
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("POST %s: expected 401, got %d", path, resp.StatusCode)
		}
	}
}

func TestMessagesAndReadState(t *testing.T) {
	srv := newTestServer(t)
	alice := srv.register(t, "alice")
	bob := srv.register(t, "bob")

	for _, text := range []string{"Hi Bob", "Are you there?"} {
		resp, body := srv.do(t, http.MethodPost, "/user/save-message", alice, map[string]string{
			"toUser": "bob", "message": text,
		})
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("save-message: %d %s", resp.StatusCode, body)
		}
	}

	resp, _ := srv.do(t, http.MethodPost, "/user/save-message", alice, map[string]string{
		"fromUser": "bob", "toUser": "alice", "message": "spoofed",
	})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("spoofed sender: expected 403, got %d", resp.StatusCode)
	}

	resp, body := srv.do(t, http.MethodGet, "/user/messages?senderId=bob&receiverId=alice", bob, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("messages: %d %s", resp.StatusCode, body)
	}
	var history []models.Message
	decodeInto(t, body, &history)
	if len(history) != 2 || history[0].Body != "Hi Bob" || history[1].Body != "Are you there?" {
		t.Fatalf("unexpected history: %+v", history)
	}

	resp, body = srv.do(t, http.MethodGet, "/user/chat/alice/bob?limit=1", alice, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("chat: %d %s", resp.StatusCode, body)
	}
	decodeInto(t, body, &history)
	if len(history) != 1 || history[0].Body != "Are you there?" {
		t.Fatalf("expected newest message only: %+v", history)
	}

	resp, _ = srv.do(t, http.MethodGet, "/user/messages?senderId=alice", alice, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing receiver: expected 400, got %d", resp.StatusCode)
	}

	var unread struct {
		Success      bool                      `json:"success"`
		UnreadCounts map[string]int            `json:"unreadCounts"`
		LastMessages map[string]models.Preview `json:"lastMessages"`
	}
	resp, body = srv.do(t, http.MethodGet, "/user/unread-messages?username=bob", bob, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unread: %d %s", resp.StatusCode, body)
	}
	decodeInto(t, body, &unread)
	if unread.UnreadCounts["alice"] != 2 {
		t.Fatalf("expected 2 unread from alice, got %v", unread.UnreadCounts)
	}
	if unread.LastMessages["alice"].Message != "Are you there?" {
		t.Fatalf("unexpected preview: %+v", unread.LastMessages)
	}

	resp, body = srv.do(t, http.MethodPost, "/user/mark-read", bob, map[string]string{
		"senderId": "alice", "receiverId": "bob",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("mark-read: %d %s", resp.StatusCode, body)
	}
	var marked struct {
		Updated int64 `json:"updated"`
	}
	decodeInto(t, body, &marked)
	if marked.Updated != 2 {
		t.Fatalf("expected 2 updated, got %d", marked.Updated)
	}

	unread.UnreadCounts = nil
	_, body = srv.do(t, http.MethodGet, "/user/unread-messages?username=bob", bob, nil)
	decodeInto(t, body, &unread)
	if len(unread.UnreadCounts) != 0 {
		t.Fatalf("expected no unread after mark-read, got %v", unread.UnreadCounts)
	}
	if unread.LastMessages["alice"].Message != "Are you there?" {
		t.Fatal("preview should survive mark-read")
	}
}

func TestAllUsersAndOnline(t *testing.T) {
	srv := newTestServer(t)
	alice := srv.register(t, "alice")
	srv.register(t, "bob")

	resp, body := srv.do(t, http.MethodGet, "/user/all-users", alice, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("all-users: %d", resp.StatusCode)
	}
	var names []string
	decodeInto(t, body, &names)
	if len(names) != 2 || names[0] != "alice" || names[1] != "bob" {
		t.Fatalf("unexpected users: %v", names)
	}

	resp, body = srv.do(t, http.MethodGet, "/user/online", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("online: %d", resp.StatusCode)
	}
	var snapshot []models.PresenceStatus
	decodeInto(t, body, &snapshot)
	if len(snapshot) != 2 {
		t.Fatalf("expected both users in snapshot, got %+v", snapshot)
	}
}

func uploadRequest(t *testing.T, url, name string, data []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	mw.WriteField("senderId", "alice")
	mw.WriteField("receiverId", "bob")
	part, err := mw.CreateFormFile("file", name)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	part.Write(data)
	mw.Close()

	req, err := http.NewRequest(http.MethodPost, url+"/user/upload-file", &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestUploadFile(t *testing.T) {
	srv := newTestServer(t)

	png := append([]byte("\x89PNG\r\n\x1a\n"), bytes.Repeat([]byte{0}, 64)...)
	resp, body := srv.send(t, uploadRequest(t, srv.URL, "cat.png", png))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("upload: %d %s", resp.StatusCode, body)
	}
	var out handlers.UploadResponse
	decodeInto(t, body, &out)
	if out.FileURL != "https://cdn.example.com/chat-files/cat.png" {
		t.Fatalf("unexpected url %q", out.FileURL)
	}
	if out.Message == nil || out.Message.Kind != models.KindFile || out.Message.Attachment == nil {
		t.Fatalf("expected file message, got %+v", out.Message)
	}
	if out.Message.Attachment.MimeType != "image/png" || out.Message.Attachment.FileSize != int64(len(png)) {
		t.Fatalf("unexpected attachment: %+v", out.Message.Attachment)
	}

	msgs, _ := srv.store.GetConversation(context.Background(), "alice", "bob", 0)
	if len(msgs) != 1 || msgs[0].Body != out.FileURL {
		t.Fatalf("file message not stored: %+v", msgs)
	}

	resp, _ = srv.send(t, uploadRequest(t, srv.URL, "notes.txt", []byte("plain words")))
	if resp.StatusCode != http.StatusUnsupportedMediaType {
		t.Fatalf("text upload: expected 415, got %d", resp.StatusCode)
	}
	if len(srv.uploader.names) != 1 {
		t.Fatalf("rejected file reached the provider: %v", srv.uploader.names)
	}
}

func TestAskSomething(t *testing.T) {
	srv := newTestServer(t)
	token := srv.register(t, "alice")

	resp, body := srv.do(t, http.MethodPost, "/user/askSomething", token, map[string]string{"message": "hello there"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("askSomething: %d %s", resp.StatusCode, body)
	}
	var out handlers.AskResponse
	decodeInto(t, body, &out)
	if !out.Success || !strings.Contains(out.Response, "hello there") {
		t.Fatalf("unexpected reply: %+v", out)
	}

	resp, _ = srv.do(t, http.MethodPost, "/user/askSomething", token, map[string]string{"message": "  "})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty question: expected 400, got %d", resp.StatusCode)
	}

	resp, body = srv.do(t, http.MethodGet, "/user/ai-messages", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ai-messages: %d %s", resp.StatusCode, body)
	}
	var history struct {
		BotName  string           `json:"botName"`
		Messages []models.Message `json:"messages"`
	}
	decodeInto(t, body, &history)
	if history.BotName != "Elva (Ai)" || len(history.Messages) != 2 {
		t.Fatalf("unexpected assistant history: %+v", history)
	}
	if history.Messages[0].From != "alice" || !history.Messages[1].IsBot {
		t.Fatalf("unexpected legs: %+v", history.Messages)
	}
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t)

	resp, body := srv.do(t, http.MethodGet, "/health", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health: %d %s", resp.StatusCode, body)
	}
	var out handlers.HealthResponse
	decodeInto(t, body, &out)
	if out.Status != "healthy" || out.Checks["store"].Status != "pass" || out.Checks["redis"].Status != "skip" {
		t.Fatalf("unexpected health: %+v", out)
	}
	if resp.Header.Get("X-Content-Type-Options") != "nosniff" {
		t.Fatal("security headers missing")
	}
}
