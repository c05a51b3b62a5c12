package server

import (
	"strings"
	"time"

	jww "github.com/spf13/jwalterweatherman"
	"golang.org/x/crypto/bcrypt"

	"veia/models"
	"veia/protocol"
)

const pageSize = 50

func (s *Server) handleAuthenticate(c *conn, env *protocol.Envelope) {
	var req protocol.AuthenticateRequest
	if err := env.DecodeData(&req); err != nil {
		s.fail(c, env.Action, "bad request")
		return
	}

	s.mu.Lock()
	userID, ok := s.access[req.AccessToken]
	var acct *account
	if ok {
		acct = s.byID[userID]
	}
	s.mu.Unlock()

	if acct == nil {
		s.reply(c, env.Action, false, &protocol.AuthData{Error: "invalid or expired access token"})
		return
	}

	s.attach(c, userID)
	user := acct.user
	s.reply(c, env.Action, true, &protocol.AuthData{User: &user})
}

func (s *Server) handleRefresh(c *conn, env *protocol.Envelope) {
	var req protocol.RefreshTokenRequest
	if err := env.DecodeData(&req); err != nil {
		s.fail(c, env.Action, "bad request")
		return
	}

	s.mu.Lock()
	userID, ok := s.refresh[req.RefreshToken]
	var token string
	if ok {
		token = newToken()
		s.access[token] = userID
	}
	s.mu.Unlock()

	if !ok {
		s.reply(c, env.Action, false, &protocol.AuthData{Error: "invalid refresh token"})
		return
	}
	s.reply(c, env.Action, true, &protocol.AuthData{AccessToken: token})
}

func (s *Server) handleLogin(c *conn, env *protocol.Envelope) {
	var req protocol.LoginRequest
	if err := env.DecodeData(&req); err != nil {
		s.fail(c, env.Action, "bad request")
		return
	}

	s.mu.Lock()
	acct := s.accounts[req.Username]
	s.mu.Unlock()

	if acct == nil || bcrypt.CompareHashAndPassword(acct.passwordHash, []byte(req.Password)) != nil {
		s.reply(c, env.Action, false, &protocol.ErrorData{Error: "invalid username or password"})
		return
	}

	access, refresh := s.issueTokens(acct.user.ID)
	s.attach(c, acct.user.ID)
	user := acct.user
	s.reply(c, env.Action, true, &protocol.AuthData{
		User:         &user,
		AccessToken:  access,
		RefreshToken: refresh,
	})
}

func (s *Server) handleSignUp(c *conn, env *protocol.Envelope) {
	var req protocol.SignUpRequest
	if err := env.DecodeData(&req); err != nil {
		s.fail(c, env.Action, "bad request")
		return
	}
	if req.Username == "" || req.Password == "" {
		s.reply(c, env.Action, false, &protocol.ErrorData{Error: "username and password are required"})
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		jww.ERROR.Printf("[server] bcrypt: %v", err)
		s.fail(c, env.Action, "internal error")
		return
	}

	s.mu.Lock()
	if _, taken := s.accounts[req.Username]; taken {
		s.mu.Unlock()
		s.reply(c, env.Action, false, &protocol.ErrorData{
			Error:  "registration failed",
			Fields: map[string]string{"username": "already taken"},
		})
		return
	}
	acct := &account{
		user: models.User{
			ID:          s.newID("u"),
			Username:    req.Username,
			DisplayName: req.DisplayName,
			Email:       req.Email,
		},
		passwordHash: hash,
	}
	if acct.user.DisplayName == "" {
		acct.user.DisplayName = req.Username
	}
	s.accounts[req.Username] = acct
	s.byID[acct.user.ID] = acct
	s.mu.Unlock()

	access, refresh := s.issueTokens(acct.user.ID)
	s.attach(c, acct.user.ID)
	user := acct.user
	s.reply(c, env.Action, true, &protocol.AuthData{
		User:         &user,
		AccessToken:  access,
		RefreshToken: refresh,
	})
}

func (s *Server) handleUpdateUser(c *conn, env *protocol.Envelope) {
	var req protocol.UpdateUserRequest
	if err := env.DecodeData(&req); err != nil {
		s.fail(c, env.Action, "bad request")
		return
	}

	s.mu.Lock()
	acct := s.byID[c.userID]
	if acct == nil {
		s.mu.Unlock()
		s.fail(c, env.Action, "unknown user")
		return
	}
	if req.Username != "" && req.Username != acct.user.Username {
		if _, taken := s.accounts[req.Username]; taken {
			s.mu.Unlock()
			s.reply(c, env.Action, false, &protocol.ErrorData{
				Fields: map[string]string{"username": "already taken"},
			})
			return
		}
		delete(s.accounts, acct.user.Username)
		acct.user.Username = req.Username
		s.accounts[req.Username] = acct
	}
	if req.DisplayName != "" {
		acct.user.DisplayName = req.DisplayName
	}
	if req.Email != "" {
		acct.user.Email = req.Email
	}
	if req.Avatar != "" {
		acct.user.Avatar = req.Avatar
	}
	if req.Bio != "" {
		acct.user.Bio = req.Bio
	}
	user := acct.user
	s.mu.Unlock()

	s.reply(c, env.Action, true, &protocol.AuthData{User: &user})
}

func (s *Server) handleGetChats(c *conn) {
	s.mu.Lock()
	var results []models.Chat
	for _, chat := range s.chats {
		if chat.members[0] != c.userID && chat.members[1] != c.userID {
			continue
		}
		results = append(results, s.chatView(chat, c.userID))
	}
	s.mu.Unlock()

	s.reply(c, protocol.ActionGetChats, true, &protocol.ChatsData{Results: results})
}

func (s *Server) handleGetUpdates(c *conn, env *protocol.Envelope) {
	var req protocol.GetUpdatesRequest
	if err := env.DecodeData(&req); err != nil {
		s.fail(c, env.Action, "bad request")
		return
	}

	s.mu.Lock()
	var results []models.Chat
	for _, chat := range s.chats {
		if chat.members[0] != c.userID && chat.members[1] != c.userID {
			continue
		}
		var fresh []models.Message
		for _, msg := range chat.messages {
			if req.LastTime.Before(msg.Time) {
				fresh = append(fresh, msg)
			}
		}
		if len(fresh) == 0 {
			continue
		}
		view := s.chatView(chat, c.userID)
		view.Messages = fresh
		results = append(results, view)
	}
	s.mu.Unlock()

	s.reply(c, env.Action, true, &protocol.ChatsData{Results: results})
}

func (s *Server) handleGetMessages(c *conn, env *protocol.Envelope) {
	var req protocol.GetMessagesRequest
	if err := env.DecodeData(&req); err != nil {
		s.fail(c, env.Action, "bad request")
		return
	}

	s.mu.Lock()
	chat, ok := s.chats[req.ChatID]
	if !ok || !chat.hasMember(c.userID) {
		s.mu.Unlock()
		s.fail(c, env.Action, "unknown chat")
		return
	}

	msgs := chat.messages
	if !req.Before.IsZero() {
		cut := len(msgs)
		for cut > 0 && !msgs[cut-1].Time.Before(req.Before) {
			cut--
		}
		msgs = msgs[:cut]
	}
	start := 0
	if len(msgs) > pageSize {
		start = len(msgs) - pageSize
	}
	page := make([]models.Message, len(msgs)-start)
	copy(page, msgs[start:])
	counterpart := s.counterpartOf(chat, c.userID)
	s.mu.Unlock()

	s.reply(c, env.Action, true, &protocol.MessagesData{
		ChatID:  req.ChatID,
		Results: page,
		HasMore: start > 0,
		User:    &counterpart,
	})
}

func (s *Server) handleSearchUsers(c *conn, env *protocol.Envelope) {
	var req protocol.SearchUsersRequest
	if err := env.DecodeData(&req); err != nil {
		s.fail(c, env.Action, "bad request")
		return
	}

	query := strings.ToLower(req.Query)
	s.mu.Lock()
	var results []models.User
	for _, acct := range s.accounts {
		if acct.user.ID == c.userID {
			continue
		}
		if strings.Contains(strings.ToLower(acct.user.Username), query) ||
			strings.Contains(strings.ToLower(acct.user.DisplayName), query) {
			results = append(results, acct.user)
		}
	}
	s.mu.Unlock()

	s.reply(c, env.Action, true, &protocol.UsersData{Results: results})
}

func (s *Server) handleNewMessage(c *conn, env *protocol.Envelope) {
	var req protocol.NewMessageRequest
	if err := env.DecodeData(&req); err != nil {
		s.fail(c, env.Action, "bad request")
		return
	}
	if req.Text == "" {
		s.fail(c, env.Action, "empty message")
		return
	}

	s.mu.Lock()
	chat, reason := s.resolveChat(c.userID, req.ChatID, req.UserID)
	if reason != "" {
		s.mu.Unlock()
		s.fail(c, env.Action, reason)
		return
	}

	msg := models.Message{
		ID:      s.newID("m"),
		ChatID:  chat.id,
		Sender:  c.userID,
		Text:    req.Text,
		Time:    models.NewUnixTime(time.Now()),
		Status:  models.StatusSent,
		ReplyTo: req.ReplyTo,
	}
	chat.messages = append(chat.messages, msg)

	recipient := chat.members[0]
	if recipient == c.userID {
		recipient = chat.members[1]
	}
	senderView := s.chatView(chat, c.userID)
	recipientView := s.chatView(chat, recipient)
	s.mu.Unlock()

	senderView.Messages = nil
	recipientView.Messages = nil
	s.reply(c, env.Action, true, &protocol.MessageEvent{Message: msg, Chat: &senderView})
	s.push(recipient, protocol.ActionNewMessage, &protocol.MessageEvent{Message: msg, Chat: &recipientView})
}

func (s *Server) handleEditMessage(c *conn, env *protocol.Envelope) {
	var req protocol.EditMessageRequest
	if err := env.DecodeData(&req); err != nil {
		s.fail(c, env.Action, "bad request")
		return
	}

	s.mu.Lock()
	chat, ok := s.chats[req.ChatID]
	if !ok || !chat.hasMember(c.userID) {
		s.mu.Unlock()
		s.fail(c, env.Action, "unknown chat")
		return
	}
	edited := false
	for i := range chat.messages {
		if chat.messages[i].ID == req.MessageID {
			if chat.messages[i].Sender != c.userID {
				s.mu.Unlock()
				s.fail(c, env.Action, "not your message")
				return
			}
			chat.messages[i].Text = req.Text
			edited = true
			break
		}
	}
	recipient := s.counterpartID(chat, c.userID)
	s.mu.Unlock()

	if !edited {
		s.fail(c, env.Action, "unknown message")
		return
	}
	ev := &protocol.EditMessageEvent{ChatID: req.ChatID, MessageID: req.MessageID, Text: req.Text}
	s.reply(c, env.Action, true, ev)
	s.push(recipient, protocol.ActionEditMessage, ev)
}

func (s *Server) handleDeleteMessage(c *conn, env *protocol.Envelope) {
	var req protocol.DeleteMessageRequest
	if err := env.DecodeData(&req); err != nil {
		s.fail(c, env.Action, "bad request")
		return
	}

	s.mu.Lock()
	chat, ok := s.chats[req.ChatID]
	if !ok || !chat.hasMember(c.userID) {
		s.mu.Unlock()
		s.fail(c, env.Action, "unknown chat")
		return
	}
	deleted := false
	for i := range chat.messages {
		if chat.messages[i].ID == req.MessageID {
			chat.messages = append(chat.messages[:i], chat.messages[i+1:]...)
			deleted = true
			break
		}
	}
	recipient := s.counterpartID(chat, c.userID)
	s.mu.Unlock()

	if !deleted {
		s.fail(c, env.Action, "unknown message")
		return
	}
	ev := &protocol.DeleteMessageEvent{ChatID: req.ChatID, MessageID: req.MessageID}
	s.reply(c, env.Action, true, ev)
	s.push(recipient, protocol.ActionDeleteMessage, ev)
}

func (s *Server) handleReadMessage(c *conn, env *protocol.Envelope) {
	var req protocol.ReadMessageRequest
	if err := env.DecodeData(&req); err != nil {
		s.fail(c, env.Action, "bad request")
		return
	}

	s.mu.Lock()
	chat, ok := s.chats[req.ChatID]
	if !ok || !chat.hasMember(c.userID) {
		s.mu.Unlock()
		s.fail(c, env.Action, "unknown chat")
		return
	}
	var marked []string
	for _, id := range req.MessageIDs {
		for i := range chat.messages {
			if chat.messages[i].ID == id && chat.messages[i].Status != models.StatusRead {
				chat.messages[i].Status = models.StatusRead
				marked = append(marked, id)
			}
		}
	}
	recipient := s.counterpartID(chat, c.userID)
	s.mu.Unlock()

	ev := &protocol.ReadMessageEvent{ChatID: req.ChatID, MessageIDs: req.MessageIDs}
	s.reply(c, env.Action, true, ev)
	if len(marked) > 0 {
		s.push(recipient, protocol.ActionReadMessage, ev)
	}
}

// resolveChat finds the chat by id, or by counterpart user (creating it on
// first message). Returns an error description string on failure. Caller
// holds s.mu.
func (s *Server) resolveChat(senderID, chatID, userID string) (*chatState, string) {
	if chatID != "" {
		chat, ok := s.chats[chatID]
		if !ok || !chat.hasMember(senderID) {
			return nil, "unknown chat"
		}
		return chat, ""
	}
	if userID == "" {
		return nil, "chat_id or user_id required"
	}
	if s.byID[userID] == nil {
		return nil, "unknown user"
	}
	for _, chat := range s.chats {
		if chat.hasMember(senderID) && chat.hasMember(userID) {
			return chat, ""
		}
	}
	chat := &chatState{
		id:      s.newID("c"),
		members: [2]string{senderID, userID},
	}
	s.chats[chat.id] = chat
	return chat, ""
}

// chatView renders a chat as seen by viewerID: the counterpart as User, the
// newest message page, derived unread count. Caller holds s.mu.
func (s *Server) chatView(chat *chatState, viewerID string) models.Chat {
	counterpart := s.counterpartOf(chat, viewerID)

	start := 0
	if len(chat.messages) > pageSize {
		start = len(chat.messages) - pageSize
	}
	page := make([]models.Message, len(chat.messages)-start)
	copy(page, chat.messages[start:])

	view := models.Chat{
		ID:       chat.id,
		User:     counterpart,
		Messages: page,
		HasMore:  start > 0,
	}
	if n := len(chat.messages); n > 0 {
		last := chat.messages[n-1]
		view.LastMessage = last.Text
		view.UpdatedAt = last.Time
	}
	unread := 0
	for _, msg := range chat.messages {
		if msg.Sender != viewerID && msg.Status != models.StatusRead {
			unread++
		}
	}
	view.UnreadCount = unread
	return view
}

func (s *Server) counterpartID(chat *chatState, viewerID string) string {
	if chat.members[0] == viewerID {
		return chat.members[1]
	}
	return chat.members[0]
}

func (s *Server) counterpartOf(chat *chatState, viewerID string) models.User {
	id := s.counterpartID(chat, viewerID)
	if acct := s.byID[id]; acct != nil {
		return acct.user
	}
	return models.User{ID: id}
}

func (c *chatState) hasMember(userID string) bool {
	return c.members[0] == userID || c.members[1] == userID
}

func (s *Server) issueTokens(userID string) (access, refresh string) {
	access = newToken()
	refresh = newToken()
	s.mu.Lock()
	s.access[access] = userID
	s.refresh[refresh] = userID
	s.mu.Unlock()
	return access, refresh
}
