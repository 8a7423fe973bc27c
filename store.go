package chatkit

import (
	"sync"
)

// ============================================================================
// Store
// ============================================================================

// Store holds the client-side chat state: the ordered conversation list, the
// per-conversation message lists, the presence set, and which conversation is
// currently open. It is the single authority the UI renders from; all
// mutation funnels through the Engine operations.
//
// Conversations are kept most-recent-first. Message lists are chronological,
// oldest first, with locally-originated (unconfirmed) messages at the tail.
type Store struct {
	mu       sync.RWMutex
	selfID   string
	order    []*Conversation
	messages map[string][]*Message
	online   map[string]struct{}
	openID   string
}

// NewStore creates an empty store for the given current user.
func NewStore(selfID string) *Store {
	return &Store{
		selfID:   selfID,
		messages: make(map[string][]*Message),
		online:   make(map[string]struct{}),
	}
}

// SelfID returns the current user's id.
func (s *Store) SelfID() string {
	return s.selfID
}

// ============================================================================
// Conversations
// ============================================================================

// Conversations returns the conversation list, most recent first.
func (s *Store) Conversations() []*Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*Conversation{}, s.order...)
}

// Conversation returns the conversation with the given id, or nil.
func (s *Store) Conversation(id string) *Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conversationLocked(id)
}

// TotalUnread is the sum of unread counts across all conversations.
func (s *Store) TotalUnread() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total := 0
	for _, c := range s.order {
		total += c.UnreadCount
	}
	return total
}

// OpenConversationID returns the id of the currently open conversation, or
// the empty string when no conversation is open.
func (s *Store) OpenConversationID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.openID
}

func (s *Store) conversationLocked(id string) *Conversation {
	if i := s.indexOfLocked(id); i >= 0 {
		return s.order[i]
	}
	return nil
}

func (s *Store) indexOfLocked(id string) int {
	for i, c := range s.order {
		if c.ID == id {
			return i
		}
	}
	return -1
}

func (s *Store) moveToFrontLocked(i int) {
	if i <= 0 {
		return
	}
	c := s.order[i]
	copy(s.order[1:i+1], s.order[:i])
	s.order[0] = c
}

// upsertFrontLocked inserts or relocates a conversation at index 0.
func (s *Store) upsertFrontLocked(c *Conversation) {
	if i := s.indexOfLocked(c.ID); i >= 0 {
		s.order[i] = c
		s.moveToFrontLocked(i)
		return
	}
	s.order = append([]*Conversation{c}, s.order...)
}

// ============================================================================
// Messages
// ============================================================================

// Messages returns the message list for a conversation, oldest first.
func (s *Store) Messages(conversationID string) []*Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*Message{}, s.messages[conversationID]...)
}

// findMessageLocked locates a confirmed message by server id across all
// loaded conversations.
func (s *Store) findMessageLocked(messageID string) (string, int, *Message) {
	for convID, list := range s.messages {
		for i, m := range list {
			if m.ID != "" && m.ID == messageID {
				return convID, i, m
			}
		}
	}
	return "", -1, nil
}

// lastVisibleLocked returns the newest message in a conversation that is not
// hidden for the current user, or nil.
func (s *Store) lastVisibleLocked(conversationID string) *Message {
	list := s.messages[conversationID]
	for i := len(list) - 1; i >= 0; i-- {
		if !list[i].HiddenFor(s.selfID) {
			return list[i]
		}
	}
	return nil
}

// summaryOf derives the denormalized LastMessage cache entry from a message.
func summaryOf(m *Message) *LastMessage {
	if m == nil {
		return nil
	}
	return &LastMessage{
		Type:      m.Type,
		Text:      m.DisplayText(),
		FileURL:   m.FileURL,
		SenderID:  m.SenderID,
		ReplyToID: m.ReplyToID,
		CreatedAt: m.CreatedAt,
	}
}

// refreshSummaryLocked recomputes a conversation's LastMessage from the
// store instead of patching it in place, so deletions can never leave a
// stale cache behind.
func (s *Store) refreshSummaryLocked(conversationID string) {
	c := s.conversationLocked(conversationID)
	if c == nil {
		return
	}
	c.LastMessage = summaryOf(s.lastVisibleLocked(conversationID))
}

// ============================================================================
// Presence
// ============================================================================

// OnlineUsers returns the ids of users currently considered online.
func (s *Store) OnlineUsers() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.online))
	for id := range s.online {
		ids = append(ids, id)
	}
	return ids
}

// IsOnline reports whether the given user is in the presence set.
func (s *Store) IsOnline(userID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.online[userID]
	return ok
}

// ============================================================================
// Reply index
// ============================================================================

// ReplyIndex maps each message id in a conversation to the ordered list of
// messages that reply to it. It is a pure function of the current message
// list and is recomputed on every call rather than maintained incrementally.
func (s *Store) ReplyIndex(conversationID string) map[string][]*Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	index := make(map[string][]*Message)
	for _, m := range s.messages[conversationID] {
		if m.ReplyToID != "" {
			index[m.ReplyToID] = append(index[m.ReplyToID], m)
		}
	}
	return index
}

// LatestReply returns the newest message replying to messageID, or nil. Used
// for the inline "latest reply" preview under an original message.
func (s *Store) LatestReply(conversationID, messageID string) *Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.messages[conversationID]
	for i := len(list) - 1; i >= 0; i-- {
		if list[i].ReplyToID == messageID {
			return list[i]
		}
	}
	return nil
}
