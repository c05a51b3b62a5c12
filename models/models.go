package models

// Message statuses
const (
	StatusSent = "sent"
	StatusRead = "read"
)

// Presence statuses carried by status_change events
const (
	PresenceOnline  = "online"
	PresenceOffline = "offline"
)

// User is a profile as the server reports it. For chats it is the counterpart
// of the conversation and carries presence.
type User struct {
	ID          string   `json:"id"`
	Username    string   `json:"username"`
	DisplayName string   `json:"display_name"`
	Email       string   `json:"email,omitempty"`
	Avatar      string   `json:"avatar,omitempty"`
	Bio         string   `json:"bio,omitempty"`
	IsOnline    bool     `json:"is_online,omitempty"`
	LastSeen    UnixTime `json:"last_seen"`
}

// ReplyRef points at an earlier message, with a cached text snapshot for
// display. The snapshot is kept even if the original message is later deleted.
type ReplyRef struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

type Message struct {
	ID      string    `json:"id"`
	ChatID  string    `json:"chat_id,omitempty"`
	Sender  string    `json:"sender"`
	Text    string    `json:"text"`
	Time    UnixTime  `json:"time"`
	Status  string    `json:"status,omitempty"` // empty means sent but not yet confirmed
	IsMine  bool      `json:"is_mine,omitempty"`
	ReplyTo *ReplyRef `json:"reply_to,omitempty"`
}

// Unread reports whether the message still counts toward the chat's unread
// badge: an incoming message that has not been read.
func (m *Message) Unread() bool {
	return !m.IsMine && m.Status != StatusRead
}

// Chat is a conversation with exactly one counterpart user. Messages are kept
// sorted ascending by time and unique by id.
type Chat struct {
	ID          string    `json:"id"`
	User        User      `json:"user"`
	Messages    []Message `json:"messages,omitempty"`
	HasMore     bool      `json:"has_more,omitempty"`
	UnreadCount int       `json:"unread_count,omitempty"`
	LastMessage string    `json:"last_message,omitempty"`
	UpdatedAt   UnixTime  `json:"updated_at"`
}

// FindMessage returns the index of the message with the given id, or -1.
func (c *Chat) FindMessage(id string) int {
	for i := range c.Messages {
		if c.Messages[i].ID == id {
			return i
		}
	}
	return -1
}

// RecountUnread recomputes UnreadCount from the message list.
func (c *Chat) RecountUnread() {
	count := 0
	for i := range c.Messages {
		if c.Messages[i].Unread() {
			count++
		}
	}
	c.UnreadCount = count
}
