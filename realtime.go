package chatkit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// ============================================================================
// Wire Types
// ============================================================================

// RealtimeEnvelope is the wire format for all realtime events.
type RealtimeEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// RealtimeCommand is a client-to-server command.
type RealtimeCommand struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload"`
	RequestID string      `json:"requestId,omitempty"`
}

// SendMessageCommand is the payload of the send_message command. The
// clientNonce is echoed back on the authoritative new_message event and is
// what makes optimistic dedup reliable.
type SendMessageCommand struct {
	ConversationID string      `json:"conversationId"`
	RecipientID    string      `json:"recipientId,omitempty"`
	Type           MessageType `json:"type"`
	Text           string      `json:"text,omitempty"`
	FileURL        string      `json:"fileUrl,omitempty"`
	FileName       string      `json:"fileName,omitempty"`
	FileSize       int64       `json:"fileSize,omitempty"`
	ReplyToID      string      `json:"replyToId,omitempty"`
	ClientNonce    string      `json:"clientNonce"`
}

// MessageDeletedPayload is pushed when a message is deleted for everyone.
type MessageDeletedPayload struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
}

// ConversationClearedPayload is pushed when a conversation is cleared for
// the receiving user.
type ConversationClearedPayload struct {
	ConversationID string `json:"conversationId"`
}

// ConnectionAcceptedPayload is the first event on a new connection.
type ConnectionAcceptedPayload struct {
	Message string `json:"message,omitempty"`
}

// AckPayload is the server's response to a request/acknowledge command.
type AckPayload struct {
	RequestID string `json:"requestId"`
	Success   bool   `json:"success"`
	Code      string `json:"code,omitempty"`
	Error     string `json:"error,omitempty"`
}

// AckError is a negative acknowledgement from the realtime channel.
type AckError struct {
	Code    string
	Message string
}

func (e *AckError) Error() string {
	if e.Message == "" {
		return "ack failed: " + e.Code
	}
	return e.Code + ": " + e.Message
}

// ErrNotConnected is returned when a command is issued while the channel is
// down.
var ErrNotConnected = errors.New("chatkit: realtime channel not connected")

// ErrAckTimeout is returned when the server does not acknowledge a command
// within the configured AckTimeout.
var ErrAckTimeout = errors.New("chatkit: acknowledgement timed out")

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures the realtime client.
type RealtimeConfig struct {
	Token                string
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	AckTimeout           time.Duration
	Logger               zerolog.Logger
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.AckTimeout == 0 {
		c.AckTimeout = 10 * time.Second
	}
}

// RealtimeState represents the connection state.
type RealtimeState string

const (
	StateDisconnected RealtimeState = "disconnected"
	StateConnecting   RealtimeState = "connecting"
	StateConnected    RealtimeState = "connected"
	StateReconnecting RealtimeState = "reconnecting"
)

// ============================================================================
// Event Dispatcher
// ============================================================================

// RealtimeEventHandler is the generic event callback type.
type RealtimeEventHandler func(eventType string, payload json.RawMessage)

type eventDispatcher struct {
	mu                    sync.RWMutex
	generic               map[string][]RealtimeEventHandler
	onNewMessage          []func(*Message)
	onMessageDeleted      []func(MessageDeletedPayload)
	onConversationCleared []func(ConversationClearedPayload)
	onOnlineUsers         []func([]string)
	onConnectionAccepted  []func(ConnectionAcceptedPayload)
	onConnected           []func()
	onDisconnected        []func(int, string)
	onReconnecting        []func(int, time.Duration)
}

func newEventDispatcher() *eventDispatcher {
	return &eventDispatcher{
		generic: make(map[string][]RealtimeEventHandler),
	}
}

// dispatch runs data handlers synchronously on the caller's goroutine (the
// read loop), so handlers observe events in transport order.
func (d *eventDispatcher) dispatch(env RealtimeEnvelope) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	switch env.Type {
	case "new_message":
		var m Message
		if json.Unmarshal(env.Payload, &m) == nil {
			for _, h := range d.onNewMessage {
				h(&m)
			}
		}
	case "message_deleted":
		var p MessageDeletedPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			for _, h := range d.onMessageDeleted {
				h(p)
			}
		}
	case "conversation_cleared":
		var p ConversationClearedPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			for _, h := range d.onConversationCleared {
				h(p)
			}
		}
	case "online_users":
		var ids []string
		if json.Unmarshal(env.Payload, &ids) == nil {
			for _, h := range d.onOnlineUsers {
				h(ids)
			}
		}
	case "connection_accepted":
		var p ConnectionAcceptedPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			for _, h := range d.onConnectionAccepted {
				h(p)
			}
		}
	}

	for _, h := range d.generic[env.Type] {
		h(env.Type, env.Payload)
	}
}

func (d *eventDispatcher) emitConnected() {
	d.mu.RLock()
	handlers := append([]func(){}, d.onConnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h()
	}
}

func (d *eventDispatcher) emitDisconnected(code int, reason string) {
	d.mu.RLock()
	handlers := append([]func(int, string){}, d.onDisconnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h(code, reason)
	}
}

func (d *eventDispatcher) emitReconnecting(attempt int, delay time.Duration) {
	d.mu.RLock()
	handlers := append([]func(int, time.Duration){}, d.onReconnecting...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h(attempt, delay)
	}
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

func (r *reconnector) reset() {
	r.attempt = 0
	r.connectedAt = time.Time{}
}

// ============================================================================
// RealtimeClient
// ============================================================================

// RealtimeClient is the WebSocket chat channel with auto-reconnect,
// heartbeat, and request/acknowledge command tracking.
type RealtimeClient struct {
	baseURL          string
	config           *RealtimeConfig
	log              zerolog.Logger
	conn             *websocket.Conn
	mu               sync.Mutex
	state            RealtimeState
	intentionalClose bool
	dispatcher       *eventDispatcher
	recon            *reconnector
	cancelFn         context.CancelFunc
	pendingAcks      map[string]chan AckPayload
	pendingMu        sync.Mutex
}

// NewRealtimeClient creates a realtime client for the given API base URL.
// Call Connect to establish the connection.
func NewRealtimeClient(baseURL string, config *RealtimeConfig) *RealtimeClient {
	cfg := *config
	cfg.defaults()
	return &RealtimeClient{
		baseURL:     strings.TrimRight(baseURL, "/"),
		config:      &cfg,
		log:         cfg.Logger,
		state:       StateDisconnected,
		dispatcher:  newEventDispatcher(),
		recon:       newReconnector(&cfg),
		pendingAcks: make(map[string]chan AckPayload),
	}
}

// OnNewMessage registers a handler for inbound authoritative messages.
func (c *RealtimeClient) OnNewMessage(h func(*Message)) {
	c.dispatcher.mu.Lock()
	c.dispatcher.onNewMessage = append(c.dispatcher.onNewMessage, h)
	c.dispatcher.mu.Unlock()
}

// OnMessageDeleted registers a handler for delete-for-everyone broadcasts.
func (c *RealtimeClient) OnMessageDeleted(h func(MessageDeletedPayload)) {
	c.dispatcher.mu.Lock()
	c.dispatcher.onMessageDeleted = append(c.dispatcher.onMessageDeleted, h)
	c.dispatcher.mu.Unlock()
}

// OnConversationCleared registers a handler for conversation_cleared events.
func (c *RealtimeClient) OnConversationCleared(h func(ConversationClearedPayload)) {
	c.dispatcher.mu.Lock()
	c.dispatcher.onConversationCleared = append(c.dispatcher.onConversationCleared, h)
	c.dispatcher.mu.Unlock()
}

// OnOnlineUsers registers a handler for presence replacement events.
func (c *RealtimeClient) OnOnlineUsers(h func([]string)) {
	c.dispatcher.mu.Lock()
	c.dispatcher.onOnlineUsers = append(c.dispatcher.onOnlineUsers, h)
	c.dispatcher.mu.Unlock()
}

// OnConnectionAccepted registers a handler for the connection_accepted event.
func (c *RealtimeClient) OnConnectionAccepted(h func(ConnectionAcceptedPayload)) {
	c.dispatcher.mu.Lock()
	c.dispatcher.onConnectionAccepted = append(c.dispatcher.onConnectionAccepted, h)
	c.dispatcher.mu.Unlock()
}

// OnConnected registers a handler for the connected meta-event.
func (c *RealtimeClient) OnConnected(h func()) {
	c.dispatcher.mu.Lock()
	c.dispatcher.onConnected = append(c.dispatcher.onConnected, h)
	c.dispatcher.mu.Unlock()
}

// OnDisconnected registers a handler for the disconnected meta-event.
func (c *RealtimeClient) OnDisconnected(h func(code int, reason string)) {
	c.dispatcher.mu.Lock()
	c.dispatcher.onDisconnected = append(c.dispatcher.onDisconnected, h)
	c.dispatcher.mu.Unlock()
}

// OnReconnecting registers a handler for the reconnecting meta-event.
func (c *RealtimeClient) OnReconnecting(h func(attempt int, delay time.Duration)) {
	c.dispatcher.mu.Lock()
	c.dispatcher.onReconnecting = append(c.dispatcher.onReconnecting, h)
	c.dispatcher.mu.Unlock()
}

// On registers a generic event handler.
func (c *RealtimeClient) On(eventType string, h RealtimeEventHandler) {
	c.dispatcher.mu.Lock()
	c.dispatcher.generic[eventType] = append(c.dispatcher.generic[eventType], h)
	c.dispatcher.mu.Unlock()
}

// State returns the current connection state.
func (c *RealtimeClient) State() RealtimeState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect establishes the WebSocket connection and waits for the server's
// connection_accepted event before returning.
func (c *RealtimeClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateConnected || c.state == StateConnecting {
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	c.intentionalClose = false
	c.mu.Unlock()

	wsURL := strings.Replace(c.baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL += "/ws/chat?token=" + c.config.Token

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		c.mu.Lock()
		c.state = StateDisconnected
		c.mu.Unlock()
		return fmt.Errorf("websocket dial: %w", err)
	}

	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		c.mu.Lock()
		c.state = StateDisconnected
		c.mu.Unlock()
		return fmt.Errorf("read connection_accepted: %w", err)
	}

	var env RealtimeEnvelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != "connection_accepted" {
		conn.Close(websocket.StatusNormalClosure, "")
		c.mu.Lock()
		c.state = StateDisconnected
		c.mu.Unlock()
		return fmt.Errorf("expected 'connection_accepted', got '%s'", env.Type)
	}

	c.mu.Lock()
	c.conn = conn
	c.state = StateConnected
	c.mu.Unlock()
	c.recon.markConnected()

	c.dispatcher.dispatch(env)
	c.dispatcher.emitConnected()

	connCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.cancelFn = cancel
	c.mu.Unlock()

	go c.readLoop(connCtx)
	go c.heartbeatLoop(connCtx)

	return nil
}

// Disconnect gracefully closes the connection.
func (c *RealtimeClient) Disconnect() error {
	c.mu.Lock()
	c.intentionalClose = true
	if c.cancelFn != nil {
		c.cancelFn()
		c.cancelFn = nil
	}
	conn := c.conn
	c.conn = nil
	c.state = StateDisconnected
	c.mu.Unlock()

	c.clearPendingAcks()

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	c.dispatcher.emitDisconnected(1000, "client disconnect")
	return nil
}

// JoinConversation joins a conversation room. No acknowledgement.
func (c *RealtimeClient) JoinConversation(ctx context.Context, conversationID string) error {
	return c.send(ctx, &RealtimeCommand{
		Type:    "join_conversation",
		Payload: map[string]string{"conversationId": conversationID},
	})
}

// SendMessage sends a message and waits for the server acknowledgement.
func (c *RealtimeClient) SendMessage(ctx context.Context, cmd *SendMessageCommand) error {
	return c.request(ctx, "send_message", cmd)
}

// DeleteMessage requests a deletion and waits for the acknowledgement.
func (c *RealtimeClient) DeleteMessage(ctx context.Context, messageID string, scope DeleteScope) error {
	return c.request(ctx, "delete_message", map[string]string{
		"messageId": messageID,
		"scope":     string(scope),
	})
}

// Ping sends a heartbeat ping and waits for the pong.
func (c *RealtimeClient) Ping(ctx context.Context) error {
	return c.request(ctx, "ping", map[string]string{})
}

// request sends a command carrying a request id and blocks until the
// matching acknowledgement, the context deadline, or the ack timeout.
func (c *RealtimeClient) request(ctx context.Context, cmdType string, payload any) error {
	requestID := uuid.NewString()

	ch := make(chan AckPayload, 1)
	c.pendingMu.Lock()
	c.pendingAcks[requestID] = ch
	c.pendingMu.Unlock()

	err := c.send(ctx, &RealtimeCommand{
		Type:      cmdType,
		Payload:   payload,
		RequestID: requestID,
	})
	if err != nil {
		c.forgetAck(requestID)
		return err
	}

	select {
	case ack, ok := <-ch:
		if !ok {
			return fmt.Errorf("%s: connection closed", cmdType)
		}
		if !ack.Success {
			code := ack.Code
			if code == "" {
				code = "ack_failed"
			}
			return &AckError{Code: code, Message: ack.Error}
		}
		return nil
	case <-time.After(c.config.AckTimeout):
		c.forgetAck(requestID)
		return fmt.Errorf("%s: %w", cmdType, ErrAckTimeout)
	case <-ctx.Done():
		c.forgetAck(requestID)
		return ctx.Err()
	}
}

// send writes a raw command to the socket.
func (c *RealtimeClient) send(ctx context.Context, cmd *RealtimeCommand) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func (c *RealtimeClient) readLoop(ctx context.Context) {
	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}

		_, data, err := conn.Read(ctx)
		if err != nil {
			c.mu.Lock()
			intentional := c.intentionalClose
			c.mu.Unlock()
			if intentional {
				return
			}

			c.mu.Lock()
			c.state = StateDisconnected
			c.conn = nil
			c.mu.Unlock()

			c.clearPendingAcks()
			c.dispatcher.emitDisconnected(0, err.Error())

			if c.config.AutoReconnect && c.recon.shouldReconnect() {
				c.scheduleReconnect(ctx)
			}
			return
		}

		var env RealtimeEnvelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}

		if env.Type == "ack" || env.Type == "pong" {
			var ack AckPayload
			if json.Unmarshal(env.Payload, &ack) == nil && ack.RequestID != "" {
				if env.Type == "pong" {
					ack.Success = true
				}
				c.pendingMu.Lock()
				ch, ok := c.pendingAcks[ack.RequestID]
				if ok {
					delete(c.pendingAcks, ack.RequestID)
				}
				c.pendingMu.Unlock()
				if ok {
					ch <- ack
				}
			}
			continue
		}

		c.dispatcher.dispatch(env)
	}
}

func (c *RealtimeClient) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(c.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			s := c.state
			c.mu.Unlock()
			if s != StateConnected {
				return
			}

			if err := c.Ping(ctx); err != nil {
				c.log.Warn().Err(err).Msg("heartbeat failed")
				c.mu.Lock()
				conn := c.conn
				c.mu.Unlock()
				if conn != nil {
					conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				}
				return
			}
		}
	}
}

func (c *RealtimeClient) scheduleReconnect(ctx context.Context) {
	delay := c.recon.nextDelay()
	c.mu.Lock()
	c.state = StateReconnecting
	c.mu.Unlock()

	c.dispatcher.emitReconnecting(c.recon.attempt, delay)
	c.log.Debug().Dur("delay", delay).Int("attempt", c.recon.attempt).Msg("reconnecting")

	time.Sleep(delay)

	if err := c.Connect(context.Background()); err != nil {
		if c.config.AutoReconnect && c.recon.shouldReconnect() {
			c.scheduleReconnect(ctx)
		} else {
			c.mu.Lock()
			c.state = StateDisconnected
			c.mu.Unlock()
		}
	}
}

func (c *RealtimeClient) forgetAck(requestID string) {
	c.pendingMu.Lock()
	delete(c.pendingAcks, requestID)
	c.pendingMu.Unlock()
}

func (c *RealtimeClient) clearPendingAcks() {
	c.pendingMu.Lock()
	for k, ch := range c.pendingAcks {
		close(ch)
		delete(c.pendingAcks, k)
	}
	c.pendingMu.Unlock()
}
