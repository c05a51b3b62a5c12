package server

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"veia/models"
	"veia/protocol"
)

func startServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(New().Handler())
	t.Cleanup(srv.Close)
	return srv
}

type testClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func dialClient(t *testing.T, srv *httptest.Server) *testClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &testClient{t: t, conn: conn}
}

func (c *testClient) send(action string, data interface{}) {
	c.t.Helper()
	raw, err := protocol.Encode(action, data)
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteMessage(websocket.TextMessage, raw))
}

// expect reads frames until one with the wanted action arrives, skipping
// interleaved pushes such as presence events.
func (c *testClient) expect(action string) *protocol.Envelope {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for i := 0; i < 20; i++ {
		_, raw, err := c.conn.ReadMessage()
		require.NoError(c.t, err, "waiting for %s", action)
		env, err := protocol.Decode(raw)
		require.NoError(c.t, err)
		if env.Action == action {
			return env
		}
	}
	c.t.Fatalf("no %s envelope in 20 frames", action)
	return nil
}

func (c *testClient) signUp(username string) *protocol.AuthData {
	c.t.Helper()
	c.send(protocol.ActionSignUp, &protocol.SignUpRequest{
		Username: username,
		Password: "secret-" + username,
	})
	env := c.expect(protocol.ActionSignUp)
	require.True(c.t, env.Ok())

	var data protocol.AuthData
	require.NoError(c.t, env.DecodeData(&data))
	require.NotNil(c.t, data.User)
	require.NotEmpty(c.t, data.AccessToken)
	require.NotEmpty(c.t, data.RefreshToken)
	return &data
}

func decodeData(t *testing.T, env *protocol.Envelope, v interface{}) {
	t.Helper()
	require.NoError(t, env.DecodeData(v))
}

func TestSignUpAndAuthenticate(t *testing.T) {
	srv := startServer(t)

	auth := dialClient(t, srv).signUp("alice")
	require.Equal(t, "alice", auth.User.Username)
	require.Equal(t, "alice", auth.User.DisplayName)

	// A fresh connection resumes with the access token alone.
	c := dialClient(t, srv)
	c.send(protocol.ActionAuthenticate, &protocol.AuthenticateRequest{AccessToken: auth.AccessToken})
	env := c.expect(protocol.ActionAuthenticate)
	require.True(t, env.Ok())

	var data protocol.AuthData
	decodeData(t, env, &data)
	require.Equal(t, auth.User.ID, data.User.ID)
}

func TestAuthenticateInvalidToken(t *testing.T) {
	srv := startServer(t)

	c := dialClient(t, srv)
	c.send(protocol.ActionAuthenticate, &protocol.AuthenticateRequest{AccessToken: "bogus"})
	env := c.expect(protocol.ActionAuthenticate)
	require.True(t, env.Failed())

	var data protocol.AuthData
	decodeData(t, env, &data)
	require.NotEmpty(t, data.Error)
}

func TestRefreshToken(t *testing.T) {
	srv := startServer(t)
	auth := dialClient(t, srv).signUp("alice")

	c := dialClient(t, srv)
	c.send(protocol.ActionRefreshToken, &protocol.RefreshTokenRequest{RefreshToken: auth.RefreshToken})
	env := c.expect(protocol.ActionRefreshToken)
	require.True(t, env.Ok())

	var data protocol.AuthData
	decodeData(t, env, &data)
	require.NotEmpty(t, data.AccessToken)
	require.NotEqual(t, auth.AccessToken, data.AccessToken)

	c.send(protocol.ActionAuthenticate, &protocol.AuthenticateRequest{AccessToken: data.AccessToken})
	require.True(t, c.expect(protocol.ActionAuthenticate).Ok())
}

func TestRefreshInvalidToken(t *testing.T) {
	srv := startServer(t)

	c := dialClient(t, srv)
	c.send(protocol.ActionRefreshToken, &protocol.RefreshTokenRequest{RefreshToken: "bogus"})
	require.True(t, c.expect(protocol.ActionRefreshToken).Failed())
}

func TestSignUpDuplicateUsername(t *testing.T) {
	srv := startServer(t)
	dialClient(t, srv).signUp("alice")

	c := dialClient(t, srv)
	c.send(protocol.ActionSignUp, &protocol.SignUpRequest{Username: "alice", Password: "x"})
	env := c.expect(protocol.ActionSignUp)
	require.True(t, env.Failed())

	var data protocol.ErrorData
	decodeData(t, env, &data)
	require.Equal(t, "already taken", data.Fields["username"])
}

func TestLoginWrongPassword(t *testing.T) {
	srv := startServer(t)
	dialClient(t, srv).signUp("alice")

	c := dialClient(t, srv)
	c.send(protocol.ActionLogin, &protocol.LoginRequest{Username: "alice", Password: "wrong"})
	require.True(t, c.expect(protocol.ActionLogin).Failed())

	c.send(protocol.ActionLogin, &protocol.LoginRequest{Username: "alice", Password: "secret-alice"})
	env := c.expect(protocol.ActionLogin)
	require.True(t, env.Ok())

	var data protocol.AuthData
	decodeData(t, env, &data)
	require.NotEmpty(t, data.AccessToken)
}

func TestUnauthenticatedRequestRejected(t *testing.T) {
	srv := startServer(t)

	c := dialClient(t, srv)
	c.send(protocol.ActionGetChats, nil)
	env := c.expect(protocol.ActionGetChats)
	require.True(t, env.Failed())
}

func TestMessageExchange(t *testing.T) {
	srv := startServer(t)

	alice := dialClient(t, srv)
	aliceAuth := alice.signUp("alice")
	bob := dialClient(t, srv)
	bobAuth := bob.signUp("bob")

	// Alice finds Bob by search.
	alice.send(protocol.ActionSearchUsers, &protocol.SearchUsersRequest{Query: "bo"})
	env := alice.expect(protocol.ActionSearchUsers)
	require.True(t, env.Ok())
	var users protocol.UsersData
	decodeData(t, env, &users)
	require.Len(t, users.Results, 1)
	require.Equal(t, bobAuth.User.ID, users.Results[0].ID)

	// First message by counterpart id creates the chat.
	alice.send(protocol.ActionNewMessage, &protocol.NewMessageRequest{
		UserID: bobAuth.User.ID,
		Text:   "hello bob",
	})
	env = alice.expect(protocol.ActionNewMessage)
	require.True(t, env.Ok())
	var sent protocol.MessageEvent
	decodeData(t, env, &sent)
	require.Equal(t, "hello bob", sent.Message.Text)
	require.Equal(t, aliceAuth.User.ID, sent.Message.Sender)
	require.NotNil(t, sent.Chat)
	chatID := sent.Chat.ID
	require.NotEmpty(t, chatID)

	// Bob gets the push with chat metadata for seeding.
	env = bob.expect(protocol.ActionNewMessage)
	require.Nil(t, env.Success)
	var pushed protocol.MessageEvent
	decodeData(t, env, &pushed)
	require.Equal(t, sent.Message.ID, pushed.Message.ID)
	require.Equal(t, aliceAuth.User.ID, pushed.Chat.User.ID)

	// Bob marks it read; Alice is told.
	bob.send(protocol.ActionReadMessage, &protocol.ReadMessageRequest{
		ChatID:     chatID,
		MessageIDs: []string{sent.Message.ID},
	})
	require.True(t, bob.expect(protocol.ActionReadMessage).Ok())

	env = alice.expect(protocol.ActionReadMessage)
	var read protocol.ReadMessageEvent
	decodeData(t, env, &read)
	require.Equal(t, []string{sent.Message.ID}, read.MessageIDs)

	// Bob's chat list shows the conversation with nothing unread.
	bob.send(protocol.ActionGetChats, nil)
	env = bob.expect(protocol.ActionGetChats)
	require.True(t, env.Ok())
	var chats protocol.ChatsData
	decodeData(t, env, &chats)
	require.Len(t, chats.Results, 1)
	require.Equal(t, chatID, chats.Results[0].ID)
	require.Equal(t, 0, chats.Results[0].UnreadCount)
	require.Equal(t, "hello bob", chats.Results[0].LastMessage)
}

func TestEditAndDelete(t *testing.T) {
	srv := startServer(t)

	alice := dialClient(t, srv)
	alice.signUp("alice")
	bob := dialClient(t, srv)
	bobAuth := bob.signUp("bob")

	alice.send(protocol.ActionNewMessage, &protocol.NewMessageRequest{
		UserID: bobAuth.User.ID,
		Text:   "draft",
	})
	env := alice.expect(protocol.ActionNewMessage)
	var sent protocol.MessageEvent
	decodeData(t, env, &sent)
	bob.expect(protocol.ActionNewMessage)

	// Bob cannot edit Alice's message.
	bob.send(protocol.ActionEditMessage, &protocol.EditMessageRequest{
		ChatID:    sent.Chat.ID,
		MessageID: sent.Message.ID,
		Text:      "hijacked",
	})
	require.True(t, bob.expect(protocol.ActionEditMessage).Failed())

	alice.send(protocol.ActionEditMessage, &protocol.EditMessageRequest{
		ChatID:    sent.Chat.ID,
		MessageID: sent.Message.ID,
		Text:      "final",
	})
	require.True(t, alice.expect(protocol.ActionEditMessage).Ok())

	env = bob.expect(protocol.ActionEditMessage)
	var edited protocol.EditMessageEvent
	decodeData(t, env, &edited)
	require.Equal(t, "final", edited.Text)

	alice.send(protocol.ActionDeleteMessage, &protocol.DeleteMessageRequest{
		ChatID:    sent.Chat.ID,
		MessageID: sent.Message.ID,
	})
	require.True(t, alice.expect(protocol.ActionDeleteMessage).Ok())

	env = bob.expect(protocol.ActionDeleteMessage)
	var deleted protocol.DeleteMessageEvent
	decodeData(t, env, &deleted)
	require.Equal(t, sent.Message.ID, deleted.MessageID)

	// Deleting again fails: the message is gone.
	alice.send(protocol.ActionDeleteMessage, &protocol.DeleteMessageRequest{
		ChatID:    sent.Chat.ID,
		MessageID: sent.Message.ID,
	})
	require.True(t, alice.expect(protocol.ActionDeleteMessage).Failed())
}

func TestGetMessagesAndUpdates(t *testing.T) {
	srv := startServer(t)

	alice := dialClient(t, srv)
	alice.signUp("alice")
	bob := dialClient(t, srv)
	bobAuth := bob.signUp("bob")

	alice.send(protocol.ActionNewMessage, &protocol.NewMessageRequest{
		UserID: bobAuth.User.ID,
		Text:   "one",
	})
	env := alice.expect(protocol.ActionNewMessage)
	var sent protocol.MessageEvent
	decodeData(t, env, &sent)

	alice.send(protocol.ActionGetMessages, &protocol.GetMessagesRequest{ChatID: sent.Chat.ID})
	env = alice.expect(protocol.ActionGetMessages)
	require.True(t, env.Ok())
	var page protocol.MessagesData
	decodeData(t, env, &page)
	require.Equal(t, sent.Chat.ID, page.ChatID)
	require.Len(t, page.Results, 1)
	require.False(t, page.HasMore)
	require.Equal(t, bobAuth.User.ID, page.User.ID)

	// A catch-up from before the message includes it; from after, nothing.
	alice.send(protocol.ActionGetUpdates, &protocol.GetUpdatesRequest{
		LastTime: models.NewUnixTime(sent.Message.Time.Add(-time.Minute)),
	})
	env = alice.expect(protocol.ActionGetUpdates)
	require.True(t, env.Ok())
	var updates protocol.ChatsData
	decodeData(t, env, &updates)
	require.Len(t, updates.Results, 1)

	alice.send(protocol.ActionGetUpdates, &protocol.GetUpdatesRequest{
		LastTime: models.NewUnixTime(sent.Message.Time.Add(time.Minute)),
	})
	env = alice.expect(protocol.ActionGetUpdates)
	decodeData(t, env, &updates)
	require.Empty(t, updates.Results)
}

func TestPresenceBroadcast(t *testing.T) {
	srv := startServer(t)

	alice := dialClient(t, srv)
	alice.signUp("alice")
	bob := dialClient(t, srv)
	bobAuth := bob.signUp("bob")

	// Presence only flows between users who share a chat.
	alice.send(protocol.ActionNewMessage, &protocol.NewMessageRequest{
		UserID: bobAuth.User.ID,
		Text:   "hi",
	})
	alice.expect(protocol.ActionNewMessage)
	bob.expect(protocol.ActionNewMessage)

	require.NoError(t, bob.conn.Close())

	env := alice.expect(protocol.ActionStatusChange)
	var status protocol.StatusChangeEvent
	decodeData(t, env, &status)
	require.Equal(t, bobAuth.User.ID, status.UserID)
	require.Equal(t, models.PresenceOffline, status.Status)

	// Bob comes back.
	bob2 := dialClient(t, srv)
	bob2.send(protocol.ActionAuthenticate, &protocol.AuthenticateRequest{AccessToken: bobAuth.AccessToken})
	require.True(t, bob2.expect(protocol.ActionAuthenticate).Ok())

	env = alice.expect(protocol.ActionStatusChange)
	decodeData(t, env, &status)
	require.Equal(t, models.PresenceOnline, status.Status)
}

// collectStatuses drains status_change events until the stream goes quiet.
func (c *testClient) collectStatuses(quiet time.Duration) []string {
	c.t.Helper()
	var statuses []string
	for {
		_ = c.conn.SetReadDeadline(time.Now().Add(quiet))
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return statuses
		}
		env, err := protocol.Decode(raw)
		require.NoError(c.t, err)
		if env.Action != protocol.ActionStatusChange {
			continue
		}
		var ev protocol.StatusChangeEvent
		decodeData(c.t, env, &ev)
		statuses = append(statuses, ev.Status)
	}
}

func TestReconnectKeepsPresenceOnline(t *testing.T) {
	srv := startServer(t)

	alice := dialClient(t, srv)
	aliceAuth := alice.signUp("alice")
	bob := dialClient(t, srv)
	bobAuth := bob.signUp("bob")

	alice.send(protocol.ActionNewMessage, &protocol.NewMessageRequest{
		UserID: bobAuth.User.ID,
		Text:   "hi",
	})
	alice.expect(protocol.ActionNewMessage)
	bob.expect(protocol.ActionNewMessage)

	// Alice resumes on a fresh socket; the server closes the old one. The
	// stale connection's teardown must not announce her offline.
	alice2 := dialClient(t, srv)
	alice2.send(protocol.ActionAuthenticate, &protocol.AuthenticateRequest{AccessToken: aliceAuth.AccessToken})
	require.True(t, alice2.expect(protocol.ActionAuthenticate).Ok())

	statuses := bob.collectStatuses(500 * time.Millisecond)
	require.NotEmpty(t, statuses)
	require.Equal(t, models.PresenceOnline, statuses[len(statuses)-1])
}

func TestMalformedFrameIgnored(t *testing.T) {
	srv := startServer(t)

	c := dialClient(t, srv)
	require.NoError(t, c.conn.WriteMessage(websocket.TextMessage, []byte("garbage")))

	// The connection survives and keeps serving.
	c.signUp("alice")
}

func TestUnknownActionFails(t *testing.T) {
	srv := startServer(t)

	c := dialClient(t, srv)
	c.signUp("alice")

	raw, err := json.Marshal(&protocol.Envelope{Action: "teleport"})
	require.NoError(t, err)
	require.NoError(t, c.conn.WriteMessage(websocket.TextMessage, raw))
	require.True(t, c.expect("teleport").Failed())
}
