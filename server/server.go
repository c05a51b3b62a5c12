// Package server is a reference implementation of the Veia wire protocol,
// used by the integration tests and for local development. State is held in
// memory; one process, one authority.
package server

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	jww "github.com/spf13/jwalterweatherman"

	"veia/models"
	"veia/protocol"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type account struct {
	user         models.User
	passwordHash []byte
}

type chatState struct {
	id       string
	members  [2]string // user ids
	messages []models.Message
}

// conn is one connected client. Writes go through the send channel so a
// single goroutine owns the socket's write side.
type conn struct {
	ws     *websocket.Conn
	send   chan []byte
	userID string // set after authentication
}

type Server struct {
	mu       sync.Mutex
	accounts map[string]*account // by username
	byID     map[string]*account // by user id
	access   map[string]string   // access token -> user id
	refresh  map[string]string   // refresh token -> user id
	chats    map[string]*chatState
	conns    map[string]*conn // user id -> active connection
	nextID   int64
}

func New() *Server {
	return &Server{
		accounts: make(map[string]*account),
		byID:     make(map[string]*account),
		access:   make(map[string]string),
		refresh:  make(map[string]string),
		chats:    make(map[string]*chatState),
		conns:    make(map[string]*conn),
	}
}

// Handler returns the HTTP handler: the websocket endpoint at / plus a
// health probe.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/", s.handleWS)
	r.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return r
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		jww.ERROR.Printf("[server] upgrade: %v", err)
		return
	}

	c := &conn{ws: ws, send: make(chan []byte, 64)}
	go c.writePump()
	s.readPump(c)
}

func (s *Server) readPump(c *conn) {
	defer func() {
		s.dropConn(c)
		close(c.send)
		_ = c.ws.Close()
	}()

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				jww.WARN.Printf("[server] read: %v", err)
			}
			return
		}

		env, err := protocol.Decode(raw)
		if err != nil {
			jww.WARN.Printf("[server] dropped malformed frame: %v", err)
			continue
		}
		s.dispatch(c, env)
	}
}

func (c *conn) writePump() {
	for raw := range c.send {
		if err := c.ws.WriteMessage(websocket.TextMessage, raw); err != nil {
			return
		}
	}
}

func (s *Server) dispatch(c *conn, env *protocol.Envelope) {
	switch env.Action {
	case protocol.ActionAuthenticate:
		s.handleAuthenticate(c, env)
	case protocol.ActionRefreshToken:
		s.handleRefresh(c, env)
	case protocol.ActionLogin:
		s.handleLogin(c, env)
	case protocol.ActionSignUp:
		s.handleSignUp(c, env)
	default:
		if c.userID == "" {
			s.fail(c, env.Action, "not authenticated")
			return
		}
		s.dispatchAuthed(c, env)
	}
}

func (s *Server) dispatchAuthed(c *conn, env *protocol.Envelope) {
	switch env.Action {
	case protocol.ActionUpdateUser:
		s.handleUpdateUser(c, env)
	case protocol.ActionGetChats:
		s.handleGetChats(c)
	case protocol.ActionGetUpdates:
		s.handleGetUpdates(c, env)
	case protocol.ActionGetMessages:
		s.handleGetMessages(c, env)
	case protocol.ActionSearchUsers:
		s.handleSearchUsers(c, env)
	case protocol.ActionNewMessage:
		s.handleNewMessage(c, env)
	case protocol.ActionEditMessage:
		s.handleEditMessage(c, env)
	case protocol.ActionDeleteMessage:
		s.handleDeleteMessage(c, env)
	case protocol.ActionReadMessage:
		s.handleReadMessage(c, env)
	default:
		s.fail(c, env.Action, "unknown action")
	}
}

// reply sends a response envelope (success flag set) to one connection.
func (s *Server) reply(c *conn, action string, success bool, data interface{}) {
	env := protocol.Envelope{Action: action, Success: &success}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			jww.ERROR.Printf("[server] encode %s: %v", action, err)
			return
		}
		env.Data = raw
	}
	out, err := json.Marshal(&env)
	if err != nil {
		jww.ERROR.Printf("[server] encode %s: %v", action, err)
		return
	}
	select {
	case c.send <- out:
	default:
		jww.WARN.Printf("[server] send buffer full, dropping %s", action)
	}
}

func (s *Server) fail(c *conn, action, detail string) {
	s.reply(c, action, false, &protocol.ErrorData{Error: detail})
}

// push sends an unsolicited event (no success flag) to the user's
// connection, if one is active.
func (s *Server) push(userID, action string, data interface{}) {
	s.mu.Lock()
	c, ok := s.conns[userID]
	s.mu.Unlock()
	if !ok {
		return
	}

	raw, err := protocol.Encode(action, data)
	if err != nil {
		jww.ERROR.Printf("[server] encode %s: %v", action, err)
		return
	}
	select {
	case c.send <- raw:
	default:
		jww.WARN.Printf("[server] send buffer full, dropping %s for %s", action, userID)
	}
}

// attach registers an authenticated connection and announces presence.
func (s *Server) attach(c *conn, userID string) {
	s.mu.Lock()
	if old, ok := s.conns[userID]; ok && old != c {
		_ = old.ws.Close()
	}
	c.userID = userID
	s.conns[userID] = c
	if acct, ok := s.byID[userID]; ok {
		acct.user.IsOnline = true
	}
	s.mu.Unlock()

	s.broadcastPresence(userID, models.PresenceOnline)
}

// dropConn tears down c. A connection that attach already replaced is no
// longer the user's active one, so it must not mark the user offline.
func (s *Server) dropConn(c *conn) {
	if c.userID == "" {
		return
	}
	s.mu.Lock()
	if s.conns[c.userID] != c {
		s.mu.Unlock()
		return
	}
	delete(s.conns, c.userID)
	if acct, ok := s.byID[c.userID]; ok {
		acct.user.IsOnline = false
		acct.user.LastSeen = models.NewUnixTime(time.Now())
	}
	s.mu.Unlock()

	s.broadcastPresence(c.userID, models.PresenceOffline)
}

// broadcastPresence tells every user sharing a chat with userID about the
// presence change.
func (s *Server) broadcastPresence(userID, status string) {
	ev := &protocol.StatusChangeEvent{
		UserID:   userID,
		Status:   status,
		LastSeen: models.NewUnixTime(time.Now()),
	}

	s.mu.Lock()
	notify := make(map[string]struct{})
	for _, chat := range s.chats {
		if chat.members[0] == userID {
			notify[chat.members[1]] = struct{}{}
		} else if chat.members[1] == userID {
			notify[chat.members[0]] = struct{}{}
		}
	}
	s.mu.Unlock()

	for id := range notify {
		s.push(id, protocol.ActionStatusChange, ev)
	}
}

func (s *Server) newID(prefix string) string {
	s.nextID++
	return prefix + strconv.FormatInt(s.nextID, 10)
}

func newToken() string {
	b := make([]byte, 20)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
