// Package chatsync keeps chat surfaces in sync with a conversation backend.
//
// It merges three sources into one ordered, duplicate-free message log per
// conversation: the REST history snapshot, optimistic local sends, and push
// channel events.
//
// Example:
//
//	client := chatsync.NewClient(token, chatsync.WithBaseURL("https://chat.example.com"))
//	rt := client.Realtime(chatsync.RealtimeConfig{AutoReconnect: true})
//	_ = rt.Connect(ctx)
//
//	session := chatsync.NewSession(userID, token, client)
//	inbox := chatsync.NewSurface(chatsync.SurfaceInbox, session, client, rt, chatsync.Options{})
//	_ = inbox.Select(ctx, "conv-123")
//	_, _ = inbox.Send(ctx, chatsync.Draft{ConversationID: "conv-123", Body: "Hello!"})
package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"
)

const (
	DefaultBaseURL = "http://localhost:8080"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client talks to the persistence, profile and upload endpoints.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger

	flight singleflight.Group
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates a client authenticated with token.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = discardLogger()
	}
	return c
}

// SetToken replaces the bearer token.
func (c *Client) SetToken(token string) {
	c.token = token
}

// BaseURL returns the API root.
func (c *Client) BaseURL() string { return c.baseURL }

// ============================================================================
// Internal request helper
// ============================================================================

// doRequest performs a JSON request and decodes the {ok, data, error} envelope
// into out. Transport failures wrap ErrTransient; error statuses become *APIError.
func (c *Client) doRequest(ctx context.Context, method, path string, body any, query url.Values, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.setAuthHeaders(req)

	return c.send(req, out)
}

func (c *Client) send(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, ctxErr)
		}
		return fmt.Errorf("%s %s: %w: %w", req.Method, req.URL.Path, ErrTransient, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s %s: read body: %w: %w", req.Method, req.URL.Path, ErrTransient, err)
	}

	var result apiResult
	jsonErr := json.Unmarshal(data, &result)

	if resp.StatusCode >= 300 || (jsonErr == nil && !result.OK) {
		apiErr := &APIError{Status: resp.StatusCode}
		if jsonErr == nil && result.Error != nil {
			apiErr.Code = result.Error.Code
			apiErr.Message = result.Error.Message
		}
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		c.logger.Debug("api error", "method", req.Method, "path", req.URL.Path, "status", resp.StatusCode, "code", apiErr.Code)
		return apiErr
	}
	if jsonErr != nil {
		return fmt.Errorf("%s %s: failed to unmarshal response: %w", req.Method, req.URL.Path, jsonErr)
	}
	if out == nil {
		return nil
	}
	if err := result.decode(out); err != nil {
		return fmt.Errorf("%s %s: failed to decode data: %w", req.Method, req.URL.Path, err)
	}
	return nil
}

func (c *Client) setAuthHeaders(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// ============================================================================
// Conversations
// ============================================================================

// ListConversations returns the conversation list. Concurrent calls share one
// request.
func (c *Client) ListConversations(ctx context.Context) ([]Conversation, error) {
	v, err, _ := c.flight.Do("conversations", func() (any, error) {
		var out []Conversation
		if err := c.doRequest(ctx, http.MethodGet, "/api/conversations", nil, nil, &out); err != nil {
			return nil, err
		}
		return out, nil
	})
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	return append([]Conversation(nil), v.([]Conversation)...), nil
}

// UpdateConversationStatus closes or archives a conversation.
func (c *Client) UpdateConversationStatus(ctx context.Context, conversationID string, update StatusUpdate) (Conversation, error) {
	var out Conversation
	path := "/api/conversations/" + url.PathEscape(conversationID) + "/status"
	if err := c.doRequest(ctx, http.MethodPatch, path, update, nil, &out); err != nil {
		return Conversation{}, fmt.Errorf("update conversation %s: %w", conversationID, err)
	}
	return out, nil
}

// ============================================================================
// Messages
// ============================================================================

// ListMessages returns the latest limit messages in the API's own order.
func (c *Client) ListMessages(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out []Message
	path := "/api/conversations/" + url.PathEscape(conversationID) + "/messages"
	if err := c.doRequest(ctx, http.MethodGet, path, nil, q, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateMessage persists a message. The server echoes CorrelationID back on
// the created message and on the matching push event.
func (c *Client) CreateMessage(ctx context.Context, conversationID string, in CreateMessageInput) (Message, error) {
	var out Message
	path := "/api/conversations/" + url.PathEscape(conversationID) + "/messages"
	if err := c.doRequest(ctx, http.MethodPost, path, in, nil, &out); err != nil {
		return Message{}, err
	}
	return out, nil
}

// DeleteMessage deletes a message on the server.
func (c *Client) DeleteMessage(ctx context.Context, messageID string) error {
	if err := c.doRequest(ctx, http.MethodDelete, "/api/messages/"+url.PathEscape(messageID), nil, nil, nil); err != nil {
		return fmt.Errorf("delete message %s: %w", messageID, err)
	}
	return nil
}

// ============================================================================
// Profiles
// ============================================================================

// GetProfile loads the public profile of a user.
func (c *Client) GetProfile(ctx context.Context, userID string) (Profile, error) {
	var out Profile
	if err := c.doRequest(ctx, http.MethodGet, "/api/users/"+url.PathEscape(userID), nil, nil, &out); err != nil {
		return Profile{}, err
	}
	return out, nil
}

// ============================================================================
// Uploads
// ============================================================================

// Upload sends f to the upload service and returns the stored reference.
func (c *Client) Upload(ctx context.Context, f File) (Attachment, error) {
	if f.Name == "" {
		return Attachment{}, fmt.Errorf("upload: %w", invalidDraft("file name is required"))
	}
	mimeType := f.MimeType
	if mimeType == "" {
		mimeType = guessMimeType(f.Name)
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, f.Name))
	h.Set("Content-Type", mimeType)
	part, err := w.CreatePart(h)
	if err != nil {
		return Attachment{}, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(f.Data); err != nil {
		return Attachment{}, fmt.Errorf("failed to write file data: %w", err)
	}
	if err := w.Close(); err != nil {
		return Attachment{}, fmt.Errorf("failed to close form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/uploads", &buf)
	if err != nil {
		return Attachment{}, fmt.Errorf("failed to create upload request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	c.setAuthHeaders(req)

	var out Attachment
	if err := c.send(req, &out); err != nil {
		return Attachment{}, fmt.Errorf("upload: %w", err)
	}
	if out.URL == "" {
		return Attachment{}, fmt.Errorf("upload: %w", errors.New("response carries no url"))
	}
	return out, nil
}

// guessMimeType returns MIME type from file extension.
func guessMimeType(fileName string) string {
	ext := strings.ToLower(filepath.Ext(fileName))
	if ext == "" {
		return "application/octet-stream"
	}
	// Fallback for types not in Go's builtin registry
	fallback := map[string]string{
		".md": "text/markdown", ".yaml": "text/yaml", ".yml": "text/yaml",
		".webp": "image/webp", ".webm": "video/webm", ".heic": "image/heic",
	}
	if m, ok := fallback[ext]; ok {
		return m
	}
	if t := mime.TypeByExtension(ext); t != "" {
		if idx := strings.Index(t, ";"); idx > 0 {
			t = strings.TrimSpace(t[:idx])
		}
		return t
	}
	return "application/octet-stream"
}

// ============================================================================
// Realtime
// ============================================================================

// WSURL returns the push endpoint for token.
func (c *Client) WSURL(token string) string {
	base := strings.Replace(c.baseURL, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	if token != "" {
		return base + "/ws?token=" + url.QueryEscape(token)
	}
	return base + "/ws"
}

// Realtime creates a push client for this API. Call Connect to open it.
func (c *Client) Realtime(config RealtimeConfig) *RealtimeClient {
	if config.Token == "" {
		config.Token = c.token
	}
	if config.Logger == nil {
		config.Logger = c.logger
	}
	return NewRealtimeClient(c.WSURL(config.Token), config)
}
