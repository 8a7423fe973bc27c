package chatkit

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrNotSender is returned when a "delete for everyone" is rejected because
// the requester is not the original sender. It is surfaced distinctly and
// never downgraded to a "delete for me".
var ErrNotSender = errors.New("chatkit: only the original sender may delete for everyone")

// DefaultAckTimeout bounds the wait for a realtime acknowledgement before
// the engine falls back to the REST collaborator.
const DefaultAckTimeout = 5 * time.Second

// ============================================================================
// Collaborator interfaces
// ============================================================================

// RealtimeSender is the outbound half of the realtime channel: request/ack
// commands plus the fire-and-forget conversation join. Implemented by
// *RealtimeClient.
type RealtimeSender interface {
	SendMessage(ctx context.Context, cmd *SendMessageCommand) error
	DeleteMessage(ctx context.Context, messageID string, scope DeleteScope) error
	JoinConversation(ctx context.Context, conversationID string) error
}

// Backend is the REST collaborator the engine consumes as a black box.
// Implemented by *Client.
type Backend interface {
	FetchConversations(ctx context.Context) ([]*Conversation, error)
	FetchMessages(ctx context.Context, conversationID string) ([]*Message, error)
	GetOrCreateConversation(ctx context.Context, otherUserID string) (*Conversation, error)
	MarkAsRead(ctx context.Context, conversationID string) error
	DeleteMessage(ctx context.Context, messageID string, scope DeleteScope) error
	ClearConversation(ctx context.Context, conversationID string) error
}

// ============================================================================
// Engine
// ============================================================================

// Engine reconciles locally-originated (optimistic) messages with the
// server-authoritative stream. UI actions (send, delete, open) come in
// through its methods; server push events come in through the HandleX
// methods, normally wired by Bind.
type Engine struct {
	store *Store
	rt    RealtimeSender
	api   Backend
	log   zerolog.Logger

	ackTimeout time.Duration
	onFlash    func(conversationID, messageID string)
	notify     func(text string)
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithEngineLogger sets the engine's logger. Defaults to a no-op logger.
func WithEngineLogger(log zerolog.Logger) EngineOption {
	return func(e *Engine) { e.log = log }
}

// WithAckTimeout sets the realtime acknowledgement wait used by the deletion
// coordinator before falling back to REST.
func WithAckTimeout(d time.Duration) EngineOption {
	return func(e *Engine) { e.ackTimeout = d }
}

// WithFlashHandler registers a callback fired when an incoming reply
// references a message already on screen, so the UI can briefly highlight
// the original. Visual affordance only.
func WithFlashHandler(h func(conversationID, messageID string)) EngineOption {
	return func(e *Engine) { e.onFlash = h }
}

// WithNotifier registers a callback for transient user-visible failure
// notices (failed sends, failed deletes).
func WithNotifier(h func(text string)) EngineOption {
	return func(e *Engine) { e.notify = h }
}

// NewEngine creates an engine over the given store and collaborators.
func NewEngine(store *Store, rt RealtimeSender, api Backend, opts ...EngineOption) *Engine {
	e := &Engine{
		store:      store,
		rt:         rt,
		api:        api,
		log:        zerolog.Nop(),
		ackTimeout: DefaultAckTimeout,
		notify:     func(string) {},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Store returns the state the engine mutates, for rendering.
func (e *Engine) Store() *Store {
	return e.store
}

// Bind subscribes the engine to a realtime client's push events. Handlers
// run synchronously on the client's read loop, which preserves the event
// order the transport delivered.
func (e *Engine) Bind(rt *RealtimeClient) {
	rt.OnNewMessage(e.HandleNewMessage)
	rt.OnMessageDeleted(func(p MessageDeletedPayload) {
		e.HandleMessageDeleted(p.ConversationID, p.MessageID)
	})
	rt.OnConversationCleared(func(p ConversationClearedPayload) {
		e.HandleConversationCleared(p.ConversationID)
	})
	rt.OnOnlineUsers(e.HandleOnlineUsers)
	rt.OnConnectionAccepted(func(ConnectionAcceptedPayload) {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := e.RefreshConversations(ctx); err != nil {
			e.log.Warn().Err(err).Msg("conversation refresh after connection_accepted failed")
		}
	})
	rt.OnConnected(func() {
		if open := e.store.OpenConversationID(); open != "" {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := rt.JoinConversation(ctx, open); err != nil {
				e.log.Warn().Err(err).Str("conversation", open).Msg("rejoin failed")
			}
		}
	})
}

// ============================================================================
// Conversation list
// ============================================================================

// RefreshConversations replaces the conversation list with the server's
// view, ordered most recent first.
func (e *Engine) RefreshConversations(ctx context.Context) error {
	convs, err := e.api.FetchConversations(ctx)
	if err != nil {
		return fmt.Errorf("fetch conversations: %w", err)
	}
	sort.SliceStable(convs, func(i, j int) bool {
		return convs[i].UpdatedAt.After(convs[j].UpdatedAt)
	})

	s := e.store
	s.mu.Lock()
	s.order = convs
	s.mu.Unlock()
	return nil
}

// OpenConversation opens (or creates) the conversation with another user,
// moves it to the front of the list, loads its messages, marks it read, and
// joins its realtime room. Moving to the front represents recency of
// interaction, not message time.
func (e *Engine) OpenConversation(ctx context.Context, otherUserID string) (*Conversation, error) {
	conv, err := e.api.GetOrCreateConversation(ctx, otherUserID)
	if err != nil {
		return nil, fmt.Errorf("open conversation with %s: %w", otherUserID, err)
	}

	msgs, err := e.api.FetchMessages(ctx, conv.ID)
	if err != nil {
		return nil, fmt.Errorf("fetch messages for %s: %w", conv.ID, err)
	}
	visible := msgs[:0]
	for _, m := range msgs {
		if !m.HiddenFor(e.store.selfID) {
			visible = append(visible, m)
		}
	}

	s := e.store
	s.mu.Lock()
	conv.UnreadCount = 0
	s.upsertFrontLocked(conv)
	s.messages[conv.ID] = visible
	s.openID = conv.ID
	s.refreshSummaryLocked(conv.ID)
	s.mu.Unlock()

	if err := e.api.MarkAsRead(ctx, conv.ID); err != nil {
		e.log.Warn().Err(err).Str("conversation", conv.ID).Msg("mark as read failed")
	}
	if e.rt != nil {
		if err := e.rt.JoinConversation(ctx, conv.ID); err != nil {
			e.log.Warn().Err(err).Str("conversation", conv.ID).Msg("join failed")
		}
	}
	return conv, nil
}

// CloseConversation marks no conversation as open. In-flight sends and
// deletes are not cancelled; their completion still applies to the store.
func (e *Engine) CloseConversation() {
	s := e.store
	s.mu.Lock()
	s.openID = ""
	s.mu.Unlock()
}

// ReloadMessages refetches a conversation's messages from the server,
// replacing the local list. This is what eventually ages out an optimistic
// entry the no-nonce heuristic failed to match.
func (e *Engine) ReloadMessages(ctx context.Context, conversationID string) error {
	msgs, err := e.api.FetchMessages(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("fetch messages for %s: %w", conversationID, err)
	}
	visible := msgs[:0]
	for _, m := range msgs {
		if !m.HiddenFor(e.store.selfID) {
			visible = append(visible, m)
		}
	}

	s := e.store
	s.mu.Lock()
	s.messages[conversationID] = visible
	s.refreshSummaryLocked(conversationID)
	s.mu.Unlock()
	return nil
}

// MarkAsRead zeroes a conversation's unread count and acknowledges the read
// to the server. Zeroing is idempotent; a second call is a no-op.
func (e *Engine) MarkAsRead(ctx context.Context, conversationID string) error {
	s := e.store
	s.mu.Lock()
	if c := s.conversationLocked(conversationID); c != nil {
		c.UnreadCount = 0
	}
	s.mu.Unlock()

	if err := e.api.MarkAsRead(ctx, conversationID); err != nil {
		return fmt.Errorf("mark %s as read: %w", conversationID, err)
	}
	return nil
}

// TotalUnread is the reactive sum of unread counts across conversations.
func (e *Engine) TotalUnread() int {
	return e.store.TotalUnread()
}

// ============================================================================
// Optimistic send
// ============================================================================

// newClientNonce builds the correlation token attached to every
// locally-originated message: {senderId}-{unixMillis}-{random}.
func newClientNonce(senderID string) string {
	return fmt.Sprintf("%s-%d-%s", senderID, time.Now().UnixMilli(), uuid.NewString()[:8])
}

// SendText sends a text message. The provisional message is appended to the
// store and the conversation summary updated before the network send; the
// server echo later replaces the optimistic entry via HandleNewMessage.
// There is no automatic retry: on failure the message stays local and the
// error is returned for the caller's UI feedback.
func (e *Engine) SendText(ctx context.Context, conversationID, text, replyToID string) (*Message, error) {
	return e.send(ctx, &Message{
		ConversationID: conversationID,
		Type:           MessageText,
		Text:           text,
		ReplyToID:      replyToID,
	})
}

// SendAttachment sends an already-uploaded file or image by URL.
func (e *Engine) SendAttachment(ctx context.Context, conversationID string, up *Upload, replyToID string) (*Message, error) {
	return e.send(ctx, &Message{
		ConversationID: conversationID,
		Type:           MessageTypeForMime(up.MimeType),
		FileURL:        up.URL,
		FileName:       up.FileName,
		FileSize:       up.FileSize,
		ReplyToID:      replyToID,
	})
}

func (e *Engine) send(ctx context.Context, msg *Message) (*Message, error) {
	s := e.store
	msg.SenderID = s.selfID
	msg.ClientNonce = newClientNonce(s.selfID)
	msg.CreatedAt = time.Now().UTC()
	msg.Local = true

	var recipientID string
	s.mu.Lock()
	if msg.ReplyToID != "" {
		for _, ex := range s.messages[msg.ConversationID] {
			if ex.ID == msg.ReplyToID {
				msg.ReplyTo = ex.snapshot()
				break
			}
		}
	}
	s.messages[msg.ConversationID] = append(s.messages[msg.ConversationID], msg)

	c := s.conversationLocked(msg.ConversationID)
	if c == nil {
		c = &Conversation{ID: msg.ConversationID}
	}
	if other := c.OtherParticipant(s.selfID); other != nil {
		recipientID = other.ID
	}
	// Same fields the authoritative echo will overwrite; replacement, not
	// append, so confirmation causes no visible flicker.
	c.LastMessage = summaryOf(msg)
	c.UpdatedAt = msg.CreatedAt
	s.upsertFrontLocked(c)
	s.mu.Unlock()

	cmd := &SendMessageCommand{
		ConversationID: msg.ConversationID,
		RecipientID:    recipientID,
		Type:           msg.Type,
		Text:           msg.Text,
		FileURL:        msg.FileURL,
		FileName:       msg.FileName,
		FileSize:       msg.FileSize,
		ReplyToID:      msg.ReplyToID,
		ClientNonce:    msg.ClientNonce,
	}
	if err := e.rt.SendMessage(ctx, cmd); err != nil {
		e.log.Warn().Err(err).Str("conversation", msg.ConversationID).Msg("send failed")
		e.notify("Message could not be sent")
		return msg, fmt.Errorf("send message: %w", err)
	}
	return msg, nil
}

// ============================================================================
// Event reconciliation
// ============================================================================

// HandleNewMessage merges an inbound authoritative message into the store.
// Safe for conversations the client has never opened: a minimal placeholder
// entry is synthesized so unread badges stay accurate. Redelivery of an
// already-stored message is a no-op.
func (e *Engine) HandleNewMessage(incoming *Message) {
	if incoming == nil || incoming.ConversationID == "" {
		return
	}
	s := e.store
	self := s.selfID
	if incoming.HiddenFor(self) {
		return
	}

	cp := *incoming
	msg := &cp
	msg.Local = false
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	var flashID string

	s.mu.Lock()
	list := s.messages[msg.ConversationID]

	// Duplicate delivery: already reconciled, nothing to do.
	if msg.ID != "" {
		for _, ex := range list {
			if ex.ID == msg.ID {
				s.mu.Unlock()
				return
			}
		}
	}

	if msg.ClientNonce != "" {
		// Reliable path: drop every optimistic entry carrying the nonce.
		list = dropByNonce(list, msg.ClientNonce)
	} else {
		// Best-effort path for writes that carry no correlation token:
		// drop at most one local message with identical type, sender,
		// reply target, and content.
		list = dropHeuristicMatch(list, msg)
	}

	if msg.ReplyToID != "" {
		for _, ex := range list {
			if ex.ID == msg.ReplyToID {
				msg.ReplyTo = ex.snapshot()
				flashID = ex.ID
				break
			}
		}
	}

	s.messages[msg.ConversationID] = append(list, msg)

	open := s.openID == msg.ConversationID
	c := s.conversationLocked(msg.ConversationID)
	if c == nil {
		c = &Conversation{ID: msg.ConversationID}
		if msg.SenderID != "" && msg.SenderID != self {
			c.Participants = []User{{ID: msg.SenderID}}
		}
	}
	if open {
		now := time.Now().UTC()
		msg.ReadAt = &now
		c.UnreadCount = 0
	} else if msg.SenderID != self {
		c.UnreadCount++
	}
	c.LastMessage = summaryOf(msg)
	c.UpdatedAt = msg.CreatedAt
	s.upsertFrontLocked(c)
	s.mu.Unlock()

	if open && msg.SenderID != self {
		go e.ackRead(msg.ConversationID)
	}
	if flashID != "" && e.onFlash != nil {
		e.onFlash(msg.ConversationID, flashID)
	}
	e.log.Debug().
		Str("conversation", msg.ConversationID).
		Str("message", msg.ID).
		Bool("open", open).
		Msg("message reconciled")
}

func dropByNonce(list []*Message, nonce string) []*Message {
	out := make([]*Message, 0, len(list))
	for _, m := range list {
		if m.Local && m.ClientNonce == nonce {
			continue
		}
		out = append(out, m)
	}
	return out
}

func dropHeuristicMatch(list []*Message, incoming *Message) []*Message {
	for i, m := range list {
		if m.Local && m.SenderID == incoming.SenderID &&
			m.ReplyToID == incoming.ReplyToID && m.contentEqual(incoming) {
			out := make([]*Message, 0, len(list)-1)
			out = append(out, list[:i]...)
			return append(out, list[i+1:]...)
		}
	}
	return list
}

func (e *Engine) ackRead(conversationID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.api.MarkAsRead(ctx, conversationID); err != nil {
		e.log.Warn().Err(err).Str("conversation", conversationID).Msg("read acknowledgement failed")
	}
}

// HandleMessageDeleted applies a broadcast "deleted for everyone": the
// message becomes a tombstone and the cached conversation summary is
// re-derived. Unknown or already-deleted targets are a no-op.
func (e *Engine) HandleMessageDeleted(conversationID, messageID string) {
	s := e.store
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range s.messages[conversationID] {
		if m.ID == messageID {
			m.IsDeleted = true
			s.refreshSummaryLocked(conversationID)
			return
		}
	}
}

// HandleConversationCleared empties the local view of a conversation while
// retaining its entry in the list.
func (e *Engine) HandleConversationCleared(conversationID string) {
	s := e.store
	s.mu.Lock()
	defer s.mu.Unlock()

	s.messages[conversationID] = nil
	if c := s.conversationLocked(conversationID); c != nil {
		c.LastMessage = nil
		c.UnreadCount = 0
	}
}

// HandleOnlineUsers replaces the presence set wholesale.
func (e *Engine) HandleOnlineUsers(userIDs []string) {
	s := e.store
	online := make(map[string]struct{}, len(userIDs))
	for _, id := range userIDs {
		online[id] = struct{}{}
	}
	s.mu.Lock()
	s.online = online
	s.mu.Unlock()
}

// ============================================================================
// Deletion coordinator
// ============================================================================

// DeleteMessage deletes a message in the given scope. The realtime channel
// is tried first with a time-boxed acknowledgement wait; any failure there
// falls back to the REST collaborator, except authorization failures, which
// are surfaced as ErrNotSender immediately. Local state is only mutated
// after one channel succeeds.
func (e *Engine) DeleteMessage(ctx context.Context, messageID string, scope DeleteScope) error {
	actx, cancel := context.WithTimeout(ctx, e.ackTimeout)
	err := e.rt.DeleteMessage(actx, messageID, scope)
	cancel()

	if err != nil {
		if isAuthzError(err) {
			e.notify("Only the sender can delete this message for everyone")
			return fmt.Errorf("delete message %s: %w", messageID, ErrNotSender)
		}
		e.log.Warn().Err(err).Str("message", messageID).Msg("realtime delete failed, trying REST")
		if restErr := e.api.DeleteMessage(ctx, messageID, scope); restErr != nil {
			if isAuthzError(restErr) {
				e.notify("Only the sender can delete this message for everyone")
				return fmt.Errorf("delete message %s: %w", messageID, ErrNotSender)
			}
			e.notify("Message could not be deleted")
			return fmt.Errorf("delete message %s: %w", messageID, restErr)
		}
	}

	e.applyDelete(messageID, scope)
	return nil
}

func (e *Engine) applyDelete(messageID string, scope DeleteScope) {
	s := e.store
	s.mu.Lock()
	defer s.mu.Unlock()

	convID, i, msg := s.findMessageLocked(messageID)
	if msg == nil {
		return // already gone
	}
	if scope == DeleteForMe {
		list := s.messages[convID]
		s.messages[convID] = append(list[:i], list[i+1:]...)
	} else {
		msg.IsDeleted = true
	}
	s.refreshSummaryLocked(convID)
}

// ClearConversation bulk-deletes every loaded message "for me". The other
// participant's view is unaffected. On success the local message list is
// emptied and the summary cleared, but the conversation entry remains.
func (e *Engine) ClearConversation(ctx context.Context, conversationID string) error {
	if err := e.api.ClearConversation(ctx, conversationID); err != nil {
		e.notify("Conversation could not be cleared")
		return fmt.Errorf("clear conversation %s: %w", conversationID, err)
	}

	s := e.store
	s.mu.Lock()
	s.messages[conversationID] = nil
	if c := s.conversationLocked(conversationID); c != nil {
		c.LastMessage = nil
		c.UnreadCount = 0
	}
	s.mu.Unlock()
	return nil
}

// isAuthzError recognizes authorization failures from either channel so
// they are never silently retried or downgraded.
func isAuthzError(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case "forbidden", "not_sender", "unauthorized":
			return true
		}
	}
	var ackErr *AckError
	if errors.As(err, &ackErr) {
		switch ackErr.Code {
		case "forbidden", "not_sender", "unauthorized":
			return true
		}
	}
	return false
}
