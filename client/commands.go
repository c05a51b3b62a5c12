package client

import (
	"veia/models"
	"veia/protocol"
)

// Send funnels every outbound envelope through the same-action queue:
// responses carry no request id, so at most one request per action may be
// outstanding. Further requests of an in-flight action wait until its
// response arrives. Pushed-event actions pass straight through.
func (c *Client) Send(action string, data interface{}) {
	if !isRequest(action) {
		c.transport.Send(action, data)
		return
	}

	c.pendingMu.Lock()
	if c.inflight[action] {
		c.queued[action] = append(c.queued[action], data)
		c.pendingMu.Unlock()
		return
	}
	c.inflight[action] = true
	c.pendingMu.Unlock()

	c.transport.Send(action, data)
}

// release is called when a response for action arrives: the next queued
// request of that action (if any) goes out, otherwise the slot frees up.
func (c *Client) release(action string) {
	c.pendingMu.Lock()
	if !c.inflight[action] {
		c.pendingMu.Unlock()
		return
	}
	queue := c.queued[action]
	if len(queue) == 0 {
		delete(c.inflight, action)
		c.pendingMu.Unlock()
		return
	}
	next := queue[0]
	c.queued[action] = queue[1:]
	c.pendingMu.Unlock()

	c.transport.Send(action, next)
}

func isRequest(action string) bool {
	for _, a := range protocol.RequestActions {
		if a == action {
			return true
		}
	}
	return false
}

// Command builders: one per command kind. None of them blocks waiting for a
// response; correlation happens by action name on the inbound path.

func (c *Client) Authenticate(accessToken string) {
	c.Send(protocol.ActionAuthenticate, &protocol.AuthenticateRequest{AccessToken: accessToken})
}

func (c *Client) RefreshAccessToken(refreshToken string) {
	c.Send(protocol.ActionRefreshToken, &protocol.RefreshTokenRequest{RefreshToken: refreshToken})
}

func (c *Client) Login(username, password string) {
	c.session.Reset()
	c.Send(protocol.ActionLogin, &protocol.LoginRequest{Username: username, Password: password})
}

func (c *Client) SignUp(username, password, displayName, email string) {
	c.session.Reset()
	c.Send(protocol.ActionSignUp, &protocol.SignUpRequest{
		Username:    username,
		Password:    password,
		DisplayName: displayName,
		Email:       email,
	})
}

func (c *Client) UpdateUser(req *protocol.UpdateUserRequest) {
	c.Send(protocol.ActionUpdateUser, req)
}

func (c *Client) GetChats() {
	c.Send(protocol.ActionGetChats, nil)
}

func (c *Client) GetUpdates(since models.UnixTime) {
	c.Send(protocol.ActionGetUpdates, &protocol.GetUpdatesRequest{LastTime: since})
}

// GetMessages requests a page of history for a chat. A zero before means
// the newest page; passing the oldest loaded time pages further back when
// the chat's has-more flag says older history remains.
func (c *Client) GetMessages(chatID string, before models.UnixTime) {
	c.Send(protocol.ActionGetMessages, &protocol.GetMessagesRequest{ChatID: chatID, Before: before})
}

func (c *Client) SearchUsers(query string) {
	c.Send(protocol.ActionSearchUsers, &protocol.SearchUsersRequest{Query: query})
}

// SendMessage sends text into a chat, optionally as a reply to an earlier
// message.
func (c *Client) SendMessage(chatID, text string, replyTo *models.ReplyRef) {
	c.Send(protocol.ActionNewMessage, &protocol.NewMessageRequest{
		ChatID:  chatID,
		Text:    text,
		ReplyTo: replyTo,
	})
}

// StartChat sends the first message to a user the client has no chat with
// yet; the server creates the chat and echoes it back with the message.
func (c *Client) StartChat(userID, text string) {
	c.Send(protocol.ActionNewMessage, &protocol.NewMessageRequest{UserID: userID, Text: text})
}

func (c *Client) EditMessage(chatID, messageID, text string) {
	c.Send(protocol.ActionEditMessage, &protocol.EditMessageRequest{
		ChatID:    chatID,
		MessageID: messageID,
		Text:      text,
	})
}

func (c *Client) DeleteMessage(chatID, messageID string) {
	c.Send(protocol.ActionDeleteMessage, &protocol.DeleteMessageRequest{
		ChatID:    chatID,
		MessageID: messageID,
	})
}

// ReadMessages reports a batch of message ids as read.
func (c *Client) ReadMessages(chatID string, messageIDs []string) {
	if len(messageIDs) == 0 {
		return
	}
	c.Send(protocol.ActionReadMessage, &protocol.ReadMessageRequest{
		ChatID:     chatID,
		MessageIDs: messageIDs,
	})
}
