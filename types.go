package tradepost

import (
	"encoding/json"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an error returned by the Tradepost GraphQL API.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// ============================================================================
// Messaging Types
// ============================================================================

// Message is a single buyer/seller message. Identity is the server-assigned ID;
// everything except IsRead is immutable once created.
type Message struct {
	ID         string    `json:"id"`
	SenderID   string    `json:"senderId"`
	ReceiverID string    `json:"receiverId"`
	ListingID  string    `json:"listingId"`
	Body       string    `json:"body"`
	IsRead     bool      `json:"isRead"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Valid reports whether the message carries all required identity fields.
func (m *Message) Valid() bool {
	return m.ID != "" && m.SenderID != "" && m.ReceiverID != "" && m.ListingID != ""
}

// OtherUser returns whichever of sender/receiver is not the given user.
func (m *Message) OtherUser(userID string) string {
	if m.SenderID == userID {
		return m.ReceiverID
	}
	return m.SenderID
}

// ConversationKey identifies a conversation: one counterparty on one listing.
type ConversationKey struct {
	OtherUserID string
	ListingID   string
}

// Conversation is a derived grouping of messages. It is recomputed from the
// message set, never stored independently.
type Conversation struct {
	Key         ConversationKey
	Messages    []Message // ascending by CreatedAt
	LastMessage Message
	UnreadCount int
}

// ============================================================================
// Presence Types
// ============================================================================

// PresenceChange reports a single user's status transition.
type PresenceChange struct {
	UserID string `json:"userId"`
	Status string `json:"status"`
}

// OnlineUsersList reports the full set of currently online users.
type OnlineUsersList struct {
	OnlineUsers []string `json:"onlineUsers"`
	Count       int      `json:"count"`
}

// ============================================================================
// Wire Frames
// ============================================================================

// Frame is the wire format for all notification-socket traffic. Every frame is
// a JSON text frame with a mandatory type discriminator.
type Frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Inbound frame types.
const (
	frameTypePong        = "pong"
	frameTypeNewMessage  = "new_message"
	frameTypeUserStatus  = "user_status"
	frameTypeOnlineUsers = "online_users_list"
)

// Outbound frame types.
const (
	frameTypePing           = "ping"
	frameTypeGetOnlineUsers = "get_online_users"
)

// decodeMessageFrame unwraps the payload of a new_message frame down to a
// canonical Message. The server is not consistent about nesting: the message
// may arrive as the payload itself, wrapped under a mutation-result "message"
// key, or wrapped under a generic "data" key.
func decodeMessageFrame(payload json.RawMessage) (*Message, bool) {
	if len(payload) == 0 {
		return nil, false
	}

	var direct Message
	if json.Unmarshal(payload, &direct) == nil && direct.Valid() {
		return &direct, true
	}

	var wrapped struct {
		Message *Message `json:"message"`
		Data    *Message `json:"data"`
	}
	if json.Unmarshal(payload, &wrapped) == nil {
		if wrapped.Message != nil && wrapped.Message.Valid() {
			return wrapped.Message, true
		}
		if wrapped.Data != nil && wrapped.Data.Valid() {
			return wrapped.Data, true
		}
	}
	return nil, false
}
