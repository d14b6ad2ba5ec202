// Package relay provides a client for the relay chat API.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/elvachat/relay/internal/models"
	"github.com/elvachat/relay/internal/realtime"
)

// ErrNoSession is returned by calls that need a login first.
var ErrNoSession = errors.New("not logged in")

// Client is a relay API client.
type Client struct {
	BaseURL    string
	ConfigDir  string
	Session    *Session
	HTTPClient *http.Client
}

// Session is the stored login.
type Session struct {
	Name      string    `json:"name"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// APIError is a non-2xx response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("relay error %d: %s", e.Status, e.Message)
}

// NewClient creates a new client and loads any saved session.
func NewClient(baseURL string) *Client {
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}

	configDir := os.Getenv("RELAY_CONFIG")
	if configDir == "" {
		home, _ := os.UserHomeDir()
		configDir = filepath.Join(home, ".relay")
	}

	c := &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		ConfigDir:  configDir,
		HTTPClient: &http.Client{Timeout: 90 * time.Second},
	}

	_ = c.LoadSession()
	return c
}

// LoadSession reads the saved session from disk.
func (c *Client) LoadSession() error {
	data, err := os.ReadFile(filepath.Join(c.ConfigDir, "session.json"))
	if err != nil {
		return err
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	c.Session = &s
	return nil
}

// SaveSession writes the current session to disk.
func (c *Client) SaveSession() error {
	if c.Session == nil {
		return ErrNoSession
	}
	if err := os.MkdirAll(c.ConfigDir, 0700); err != nil {
		return err
	}
	data, _ := json.MarshalIndent(c.Session, "", "  ")
	return os.WriteFile(filepath.Join(c.ConfigDir, "session.json"), data, 0600)
}

// doRequest performs an HTTP request and decodes a JSON response into out.
func (c *Client) doRequest(ctx context.Context, method, path string, in, out any, authed bool) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if authed {
		if c.Session == nil || c.Session.Token == "" {
			return ErrNoSession
		}
		req.Header.Set("Authorization", "Bearer "+c.Session.Token)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= 400 {
		var errResp struct {
			Error string `json:"error"`
		}
		json.Unmarshal(respBody, &errResp)
		return &APIError{Status: resp.StatusCode, Message: errResp.Error}
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(respBody, out)
}

type sessionResponse struct {
	User  models.User `json:"user"`
	Token string      `json:"token"`
}

func (c *Client) keep(resp *sessionResponse) (*models.User, error) {
	c.Session = &Session{Name: resp.User.Name, Token: resp.Token}
	if err := c.SaveSession(); err != nil {
		return nil, err
	}
	return &resp.User, nil
}

// Register creates an account and saves the session.
func (c *Client) Register(ctx context.Context, name, email, password string) (*models.User, error) {
	var resp sessionResponse
	err := c.doRequest(ctx, http.MethodPost, "/user/register", map[string]string{
		"name":     name,
		"email":    email,
		"password": password,
	}, &resp, false)
	if err != nil {
		return nil, err
	}
	return c.keep(&resp)
}

// Login authenticates and saves the session.
func (c *Client) Login(ctx context.Context, email, password string) (*models.User, error) {
	var resp sessionResponse
	err := c.doRequest(ctx, http.MethodPost, "/user/login", map[string]string{
		"email":    email,
		"password": password,
	}, &resp, false)
	if err != nil {
		return nil, err
	}
	return c.keep(&resp)
}

// Logout ends the session on the server and forgets it locally.
func (c *Client) Logout(ctx context.Context) error {
	if err := c.doRequest(ctx, http.MethodPost, "/user/logout", nil, nil, true); err != nil {
		return err
	}
	c.Session = nil
	return os.Remove(filepath.Join(c.ConfigDir, "session.json"))
}

// Users lists every registered name.
func (c *Client) Users(ctx context.Context) ([]string, error) {
	var names []string
	err := c.doRequest(ctx, http.MethodGet, "/user/all-users", nil, &names, true)
	return names, err
}

// Online returns the presence snapshot.
func (c *Client) Online(ctx context.Context) ([]models.PresenceStatus, error) {
	var snapshot []models.PresenceStatus
	err := c.doRequest(ctx, http.MethodGet, "/user/online", nil, &snapshot, false)
	return snapshot, err
}

// History returns up to limit messages between a and b, oldest first.
func (c *Client) History(ctx context.Context, a, b string, limit int) ([]models.Message, error) {
	q := url.Values{}
	q.Set("senderId", a)
	q.Set("receiverId", b)
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var messages []models.Message
	err := c.doRequest(ctx, http.MethodGet, "/user/messages?"+q.Encode(), nil, &messages, true)
	return messages, err
}

// Send delivers a text message from the logged-in user.
func (c *Client) Send(ctx context.Context, to, text string) (*models.Message, error) {
	var resp struct {
		Data models.Message `json:"data"`
	}
	err := c.doRequest(ctx, http.MethodPost, "/user/save-message", map[string]string{
		"toUser":  to,
		"message": text,
	}, &resp, true)
	if err != nil {
		return nil, err
	}
	return &resp.Data, nil
}

// Unread is the read-state summary of one user.
type Unread struct {
	Counts   map[string]int            `json:"unreadCounts"`
	Previews map[string]models.Preview `json:"lastMessages"`
}

// Unread returns unread counts and previews for username.
func (c *Client) Unread(ctx context.Context, username string) (*Unread, error) {
	var resp Unread
	err := c.doRequest(ctx, http.MethodGet, "/user/unread-messages?username="+url.QueryEscape(username), nil, &resp, true)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// MarkRead marks everything sender sent to recipient as read.
func (c *Client) MarkRead(ctx context.Context, sender, recipient string) (int64, error) {
	var resp struct {
		Updated int64 `json:"updated"`
	}
	err := c.doRequest(ctx, http.MethodPost, "/user/mark-read", map[string]string{
		"senderId":   sender,
		"receiverId": recipient,
	}, &resp, true)
	return resp.Updated, err
}

// Ask sends a question to the assistant and returns its reply.
func (c *Client) Ask(ctx context.Context, question string) (string, error) {
	var resp struct {
		Response string `json:"response"`
	}
	err := c.doRequest(ctx, http.MethodPost, "/user/askSomething", map[string]string{"message": question}, &resp, true)
	return resp.Response, err
}

// HealthResponse is the response from the health endpoint.
type HealthResponse struct {
	Status    string                 `json:"status"`
	Version   string                 `json:"version"`
	Checks    map[string]interface{} `json:"checks"`
	Timestamp string                 `json:"timestamp"`
}

// Health checks server health. A degraded server answers 503, which is
// still decoded.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	err := c.doRequest(ctx, http.MethodGet, "/health", nil, &resp, false)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusServiceUnavailable {
		resp.Status = "degraded"
		return &resp, nil
	}
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// Listen opens the real-time channel as name and calls fn for every
// private message until ctx ends or the connection drops.
func (c *Client) Listen(ctx context.Context, name string, fn func(*models.Message)) error {
	wsURL := "ws" + strings.TrimPrefix(c.BaseURL, "http") + "/ws"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	if err := wsjson.Write(ctx, conn, map[string]string{"event": realtime.EventRegisterUser, "data": name}); err != nil {
		return err
	}

	for {
		var f realtime.Envelope
		if err := wsjson.Read(ctx, conn, &f); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if f.Event != realtime.EventPrivateMessage {
			continue
		}
		var msg models.Message
		if err := json.Unmarshal(f.Data, &msg); err != nil {
			continue
		}
		fn(&msg)
	}
}
