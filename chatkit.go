// Package chatkit is the Go client toolkit for CareLink marketplace chat.
//
// It combines a REST collaborator for fetch-shaped operations, a realtime
// WebSocket channel for live events and commands, and a reconciliation
// Engine that keeps an in-memory Store consistent under optimistic sends,
// server echoes, deletions, and presence updates.
//
// Example:
//
//	client := chatkit.NewClient("jwt-token")
//	store := chatkit.NewStore("user-42")
//	rt := client.Realtime(&chatkit.RealtimeConfig{Token: "jwt-token", AutoReconnect: true})
//	engine := chatkit.NewEngine(store, rt, client)
//	engine.Bind(rt)
//
//	rt.Connect(ctx)
//	engine.RefreshConversations(ctx)
//	conv, _ := engine.OpenConversation(ctx, "provider-7")
//	engine.SendText(ctx, conv.ID, "Hello!", "")
package chatkit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultBaseURL = "https://api.carelink.health"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client is the REST collaborator for the CareLink chat API.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
	log        zerolog.Logger
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

func WithLogger(log zerolog.Logger) ClientOption {
	return func(c *Client) { c.log = log }
}

// NewClient creates a new CareLink chat client authenticated by the given
// marketplace session token.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		log: zerolog.Nop(),
	}

	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken updates the auth token, for example after a session refresh.
func (c *Client) SetToken(token string) {
	c.token = token
}

// ============================================================================
// Internal request helpers
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	return io.ReadAll(resp.Body)
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// do performs a request and unwraps the Result envelope, mapping a non-OK
// response to an *APIError.
func (c *Client) do(ctx context.Context, method, path string, body interface{}, query map[string]string) (*Result, error) {
	data, err := c.doRequest(ctx, method, path, body, query)
	if err != nil {
		return nil, err
	}
	res, err := decodeJSON[Result](data)
	if err != nil {
		return nil, err
	}
	if !res.OK {
		if res.Error != nil {
			return nil, res.Error
		}
		return nil, &APIError{Code: "unknown", Message: "request was not successful"}
	}
	return res, nil
}

// ============================================================================
// Conversations
// ============================================================================

// FetchConversations returns the caller's conversation list with unread
// counts and last-message summaries.
func (c *Client) FetchConversations(ctx context.Context) ([]*Conversation, error) {
	res, err := c.do(ctx, "GET", "/api/chat/conversations", nil, nil)
	if err != nil {
		return nil, err
	}
	var convs []*Conversation
	if err := res.Decode(&convs); err != nil {
		return nil, fmt.Errorf("failed to decode conversations: %w", err)
	}
	return convs, nil
}

// GetOrCreateConversation returns the direct conversation with the given
// user, creating it if none exists yet.
func (c *Client) GetOrCreateConversation(ctx context.Context, otherUserID string) (*Conversation, error) {
	res, err := c.do(ctx, "POST", "/api/chat/conversations", map[string]string{"userId": otherUserID}, nil)
	if err != nil {
		return nil, err
	}
	var conv Conversation
	if err := res.Decode(&conv); err != nil {
		return nil, fmt.Errorf("failed to decode conversation: %w", err)
	}
	return &conv, nil
}

// MarkAsRead marks every message in the conversation as read by the caller.
func (c *Client) MarkAsRead(ctx context.Context, conversationID string) error {
	_, err := c.do(ctx, "POST", "/api/chat/conversations/"+conversationID+"/read", nil, nil)
	return err
}

// ClearConversation removes the conversation's history for the caller only.
func (c *Client) ClearConversation(ctx context.Context, conversationID string) error {
	_, err := c.do(ctx, "DELETE", "/api/chat/conversations/"+conversationID+"/messages", nil, nil)
	return err
}

// ============================================================================
// Messages
// ============================================================================

// FetchMessages returns the conversation history, oldest first.
func (c *Client) FetchMessages(ctx context.Context, conversationID string) ([]*Message, error) {
	res, err := c.do(ctx, "GET", "/api/chat/conversations/"+conversationID+"/messages", nil, nil)
	if err != nil {
		return nil, err
	}
	var msgs []*Message
	if err := res.Decode(&msgs); err != nil {
		return nil, fmt.Errorf("failed to decode messages: %w", err)
	}
	return msgs, nil
}

// DeleteMessage deletes a message over REST. Used as the fallback path when
// the realtime channel cannot confirm the deletion.
func (c *Client) DeleteMessage(ctx context.Context, messageID string, scope DeleteScope) error {
	_, err := c.do(ctx, "DELETE", "/api/chat/messages/"+messageID, nil, map[string]string{"scope": string(scope)})
	return err
}

// ============================================================================
// Uploads
// ============================================================================

// UploadFile uploads a local file and returns the stored attachment
// descriptor for use with Engine.SendAttachment.
func (c *Client) UploadFile(ctx context.Context, filePath string) (*Upload, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return c.Upload(ctx, data, filepath.Base(filePath), "")
}

// Upload uploads raw bytes as a chat attachment. mimeType is guessed from
// the file name when empty.
func (c *Client) Upload(ctx context.Context, data []byte, fileName, mimeType string) (*Upload, error) {
	if fileName == "" {
		return nil, fmt.Errorf("fileName is required")
	}
	if mimeType == "" {
		mimeType = guessMimeType(fileName)
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", fileName)
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return nil, fmt.Errorf("failed to write file data: %w", err)
	}
	_ = w.Close()

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/api/chat/upload", &buf)
	if err != nil {
		return nil, fmt.Errorf("failed to create upload request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upload failed: %w", err)
	}
	defer resp.Body.Close()

	respData, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read upload response: %w", err)
	}

	res, err := decodeJSON[Result](respData)
	if err != nil {
		return nil, err
	}
	if !res.OK {
		if res.Error != nil {
			return nil, res.Error
		}
		return nil, fmt.Errorf("upload failed (%d)", resp.StatusCode)
	}

	var up Upload
	if err := res.Decode(&up); err != nil {
		return nil, fmt.Errorf("failed to decode upload: %w", err)
	}
	if up.MimeType == "" {
		up.MimeType = mimeType
	}
	return &up, nil
}

// guessMimeType returns MIME type from file extension.
func guessMimeType(fileName string) string {
	ext := filepath.Ext(fileName)
	if ext == "" {
		return "application/octet-stream"
	}
	// Fallback for types not in Go's builtin registry
	fallback := map[string]string{
		".md": "text/markdown", ".yaml": "text/yaml", ".yml": "text/yaml",
		".webp": "image/webp", ".webm": "video/webm",
	}
	if m, ok := fallback[ext]; ok {
		return m
	}
	t := mime.TypeByExtension(ext)
	if t != "" {
		// Strip charset parameter (e.g. "text/plain; charset=utf-8" → "text/plain")
		if idx := strings.Index(t, ";"); idx > 0 {
			t = strings.TrimSpace(t[:idx])
		}
		return t
	}
	return "application/octet-stream"
}

// ============================================================================
// Misc
// ============================================================================

// Health checks chat service health.
func (c *Client) Health(ctx context.Context) error {
	_, err := c.do(ctx, "GET", "/api/chat/health", nil, nil)
	return err
}

// WSURL returns the WebSocket endpoint for the realtime channel.
func (c *Client) WSURL(token string) string {
	base := strings.Replace(c.baseURL, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	if token != "" {
		return base + "/ws/chat?token=" + token
	}
	return base + "/ws/chat"
}

// Realtime creates a realtime client bound to this client's base URL. Call
// Connect on the returned client to establish the connection.
func (c *Client) Realtime(config *RealtimeConfig) *RealtimeClient {
	return NewRealtimeClient(c.baseURL, config)
}
