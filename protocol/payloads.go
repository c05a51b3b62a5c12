package protocol

import "veia/models"

// Request payloads.

type AuthenticateRequest struct {
	AccessToken string `json:"access_token"`
}

type RefreshTokenRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type SignUpRequest struct {
	Username    string `json:"username"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name"`
	Email       string `json:"email,omitempty"`
}

type UpdateUserRequest struct {
	DisplayName string `json:"display_name,omitempty"`
	Username    string `json:"username,omitempty"`
	Email       string `json:"email,omitempty"`
	Avatar      string `json:"avatar,omitempty"`
	Bio         string `json:"bio,omitempty"`
}

type GetUpdatesRequest struct {
	LastTime models.UnixTime `json:"last_time"`
}

type GetMessagesRequest struct {
	ChatID string `json:"chat_id"`
	// Before pages further back in history; zero means newest page.
	Before models.UnixTime `json:"before,omitempty"`
}

type SearchUsersRequest struct {
	Query string `json:"q"`
}

type NewMessageRequest struct {
	ChatID  string           `json:"chat_id,omitempty"`
	UserID  string           `json:"user_id,omitempty"` // starts a chat when ChatID is empty
	Text    string           `json:"text"`
	ReplyTo *models.ReplyRef `json:"reply_to,omitempty"`
}

type EditMessageRequest struct {
	ChatID    string `json:"chat_id"`
	MessageID string `json:"message_id"`
	Text      string `json:"text"`
}

type DeleteMessageRequest struct {
	ChatID    string `json:"chat_id"`
	MessageID string `json:"message_id"`
}

type ReadMessageRequest struct {
	ChatID     string   `json:"chat_id"`
	MessageIDs []string `json:"message_ids"`
}

// Response and event payloads.

// AuthData comes back on authenticate, login and sign_up successes. Failed
// responses carry Error instead.
type AuthData struct {
	User         *models.User `json:"user,omitempty"`
	AccessToken  string       `json:"access_token,omitempty"`
	RefreshToken string       `json:"refresh_token,omitempty"`
	Error        string       `json:"error,omitempty"`
}

// ChatsData is the payload of get_chats and get_updates responses.
type ChatsData struct {
	Results []models.Chat `json:"results"`
}

// MessagesData is the payload of a get_messages response. User carries the
// chat counterpart so a chat unknown to the client can be inserted whole.
type MessagesData struct {
	ChatID  string           `json:"chat_id"`
	Results []models.Message `json:"results"`
	HasMore bool             `json:"has_more"`
	User    *models.User     `json:"user,omitempty"`
}

// UsersData is the payload of a search_users response.
type UsersData struct {
	Results []models.User `json:"results"`
}

// MessageEvent is the payload of a new_message push (and of the response
// echoed to the sender). Chat seeds a conversation the client has not seen.
type MessageEvent struct {
	Message models.Message `json:"message"`
	Chat    *models.Chat   `json:"chat,omitempty"`
}

type EditMessageEvent struct {
	ChatID    string `json:"chat_id"`
	MessageID string `json:"message_id"`
	Text      string `json:"text"`
}

type DeleteMessageEvent struct {
	ChatID    string `json:"chat_id"`
	MessageID string `json:"message_id"`
}

type ReadMessageEvent struct {
	ChatID     string   `json:"chat_id"`
	MessageIDs []string `json:"message_ids"`
}

// StatusChangeEvent announces a presence transition for one user.
type StatusChangeEvent struct {
	UserID   string          `json:"user_id"`
	Status   string          `json:"status"`
	LastSeen models.UnixTime `json:"last_seen"`
}

// ErrorData is the payload of a success:false response to a form-style
// request (login, sign_up, update_user): a general error plus optional
// per-field detail for inline display.
type ErrorData struct {
	Error  string            `json:"error,omitempty"`
	Fields map[string]string `json:"fields,omitempty"`
}
