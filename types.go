package chatkit

import (
	"encoding/json"
	"strings"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an error reported by the CareLink API.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// Result is the generic API response envelope.
type Result struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Meta  map[string]any  `json:"meta,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into the provided type.
func (r *Result) Decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// ============================================================================
// Users & Conversations
// ============================================================================

// User is a marketplace participant (patient or provider).
type User struct {
	ID          string `json:"id"`
	Username    string `json:"username,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
	Role        string `json:"role,omitempty"` // "patient" or "provider"
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

// LastMessage is the denormalized summary cached on a Conversation for list
// rendering. It is always derivable from the newest visible message.
type LastMessage struct {
	Type      MessageType `json:"type"`
	Text      string      `json:"text,omitempty"`
	FileURL   string      `json:"fileUrl,omitempty"`
	SenderID  string      `json:"senderId"`
	ReplyToID string      `json:"replyToId,omitempty"`
	CreatedAt time.Time   `json:"createdAt"`
}

// Conversation is a direct thread between two marketplace users.
type Conversation struct {
	ID           string       `json:"id"`
	Participants []User       `json:"participants"`
	LastMessage  *LastMessage `json:"lastMessage,omitempty"`
	UnreadCount  int          `json:"unreadCount"`
	UpdatedAt    time.Time    `json:"updatedAt"`
}

// OtherParticipant returns the participant that is not selfID, or nil for a
// placeholder conversation whose roster has not been fetched yet.
func (c *Conversation) OtherParticipant(selfID string) *User {
	for i := range c.Participants {
		if c.Participants[i].ID != selfID {
			return &c.Participants[i]
		}
	}
	return nil
}

// ============================================================================
// Messages
// ============================================================================

// MessageType identifies the payload kind of a message.
type MessageType string

const (
	MessageText  MessageType = "text"
	MessageImage MessageType = "image"
	MessageFile  MessageType = "file"
)

// DeleteScope selects who a deletion applies to.
type DeleteScope string

const (
	DeleteForMe       DeleteScope = "me"
	DeleteForEveryone DeleteScope = "everyone"
)

// DeletedPlaceholder replaces the content of a message deleted for everyone.
const DeletedPlaceholder = "This message was deleted"

// Message is a single chat message. ID is server-assigned and absent until
// the server confirms a locally-originated send; ClientNonce correlates the
// optimistic copy with the server echo and may be discarded after matching.
type Message struct {
	ID             string      `json:"id,omitempty"`
	ClientNonce    string      `json:"clientNonce,omitempty"`
	ConversationID string      `json:"conversationId"`
	SenderID       string      `json:"senderId"`
	Type           MessageType `json:"type"`
	Text           string      `json:"text,omitempty"`
	FileURL        string      `json:"fileUrl,omitempty"`
	FileName       string      `json:"fileName,omitempty"`
	FileSize       int64       `json:"fileSize,omitempty"`
	CreatedAt      time.Time   `json:"createdAt"`
	ReadAt         *time.Time  `json:"readAt,omitempty"`
	ReplyToID      string      `json:"replyToId,omitempty"`
	ReplyTo        *Message    `json:"replyTo,omitempty"`
	IsDeleted      bool        `json:"isDeleted,omitempty"`
	DeletedFor     []string    `json:"deletedFor,omitempty"`
	Local          bool        `json:"local,omitempty"`
}

// DisplayText returns the text to render: the tombstone when the message has
// been deleted for everyone, the original text otherwise.
func (m *Message) DisplayText() string {
	if m.IsDeleted {
		return DeletedPlaceholder
	}
	return m.Text
}

// HiddenFor reports whether the message was deleted "for me" by userID.
func (m *Message) HiddenFor(userID string) bool {
	for _, id := range m.DeletedFor {
		if id == userID {
			return true
		}
	}
	return false
}

// snapshot returns a shallow copy suitable for replyTo hydration. The nested
// ReplyTo is dropped to keep the chain one level deep.
func (m *Message) snapshot() *Message {
	cp := *m
	cp.ReplyTo = nil
	return &cp
}

// contentEqual reports whether two messages carry the same payload, used by
// the no-nonce reconciliation heuristic. Text is compared trimmed; image and
// file messages compare by file URL.
func (m *Message) contentEqual(other *Message) bool {
	if m.Type != other.Type {
		return false
	}
	if m.Type == MessageText {
		return strings.TrimSpace(m.Text) == strings.TrimSpace(other.Text)
	}
	return m.FileURL == other.FileURL
}

// ============================================================================
// Uploads
// ============================================================================

// Upload is the result of a file upload through the REST collaborator.
type Upload struct {
	URL      string `json:"url"`
	FileName string `json:"fileName"`
	FileSize int64  `json:"fileSize"`
	MimeType string `json:"mimeType,omitempty"`
}

// MessageTypeForMime maps an upload's MIME type to the message type used
// when sending it.
func MessageTypeForMime(mimeType string) MessageType {
	if strings.HasPrefix(mimeType, "image/") {
		return MessageImage
	}
	return MessageFile
}
