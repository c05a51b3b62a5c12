// Package session drives token authentication over the transport: the
// authenticate exchange, access-token refresh, and the resulting session
// state. Tokens are persisted through the key-value store so a restart can
// resume without a fresh login.
package session

import (
	"sync"

	jww "github.com/spf13/jwalterweatherman"

	"veia/models"
	"veia/protocol"
	"veia/store"
)

type State int

const (
	Unauthenticated State = iota
	Authenticating
	RefreshingToken
	Authenticated
	LoggedOut
)

func (s State) String() string {
	switch s {
	case Authenticating:
		return "authenticating"
	case RefreshingToken:
		return "refreshing_token"
	case Authenticated:
		return "authenticated"
	case LoggedOut:
		return "logged_out"
	default:
		return "unauthenticated"
	}
}

// Sender is the slice of the transport the session needs.
type Sender interface {
	Send(action string, data interface{})
}

// KV is the slice of the persisted store the session needs.
type KV interface {
	Get(key string) (string, error)
	Set(key, value string) error
	Delete(key string) error
}

// Session is the authentication state machine. Inbound envelopes arrive one
// at a time on the read path; the mutex covers the remaining callers (UI
// issuing a fresh login, status transitions re-entering Begin). Callbacks
// run outside the lock.
type Session struct {
	sender Sender
	kv     KV

	mu    sync.Mutex
	state State
	user  *models.User

	// onAuthenticated fires exactly once per transition into Authenticated;
	// the client hooks initial catch-up here.
	onAuthenticated func(user models.User)
	// onLoggedOut fires when the session becomes unrecoverable and the
	// caller must redirect to login.
	onLoggedOut func()
}

func New(sender Sender, kv KV) *Session {
	return &Session{
		sender: sender,
		kv:     kv,
		state:  Unauthenticated,
	}
}

func (s *Session) OnAuthenticated(fn func(user models.User)) { s.onAuthenticated = fn }

func (s *Session) OnLoggedOut(fn func()) { s.onLoggedOut = fn }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// User returns the authenticated profile, or nil.
func (s *Session) User() *models.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.user == nil {
		return nil
	}
	user := *s.user
	return &user
}

// UserID returns the authenticated user's id, or "".
func (s *Session) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.user == nil {
		return ""
	}
	return s.user.ID
}

// Begin starts authentication with the stored access token. Without one the
// session goes straight to LoggedOut and the caller must show the login
// form. Called at startup and again after every reconnect, because no
// request survives a dropped connection.
func (s *Session) Begin() {
	s.mu.Lock()
	if s.state == LoggedOut {
		s.mu.Unlock()
		return
	}
	token, err := s.kv.Get(store.KeyAccessToken)
	if err != nil || token == "" {
		jww.INFO.Printf("[session] no stored access token")
		s.logOutLocked(false)
		return
	}
	s.state = Authenticating
	s.mu.Unlock()

	s.sender.Send(protocol.ActionAuthenticate, &protocol.AuthenticateRequest{AccessToken: token})
}

// Reset returns the session to Unauthenticated so a new login or sign-up
// attempt can run.
func (s *Session) Reset() {
	s.mu.Lock()
	s.state = Unauthenticated
	s.user = nil
	s.mu.Unlock()
}

// HandleEnvelope folds one inbound envelope into the state machine. Actions
// that are not session concerns are ignored.
func (s *Session) HandleEnvelope(env *protocol.Envelope) {
	switch env.Action {
	case protocol.ActionAuthenticate:
		s.handleAuthenticate(env)
	case protocol.ActionRefreshToken:
		s.handleRefresh(env)
	case protocol.ActionLogin, protocol.ActionSignUp:
		s.handleLogin(env)
	case protocol.ActionUpdateUser:
		s.handleUpdateUser(env)
	}
}

func (s *Session) handleAuthenticate(env *protocol.Envelope) {
	if env.Failed() {
		s.mu.Lock()
		// Only a rejection of the request this state machine issued counts;
		// a stray failure after the session settled is ignored.
		if s.state != Authenticating {
			s.mu.Unlock()
			return
		}
		refresh, err := s.kv.Get(store.KeyRefreshToken)
		if err != nil || refresh == "" {
			jww.INFO.Printf("[session] authenticate rejected and no refresh token")
			s.logOutLocked(true)
			return
		}
		jww.INFO.Printf("[session] access token rejected, refreshing")
		s.state = RefreshingToken
		s.mu.Unlock()

		s.sender.Send(protocol.ActionRefreshToken, &protocol.RefreshTokenRequest{RefreshToken: refresh})
		return
	}
	if !env.Ok() {
		return
	}

	var data protocol.AuthData
	if err := env.DecodeData(&data); err != nil {
		jww.ERROR.Printf("[session] %v", err)
		return
	}
	s.becomeAuthenticated(data.User)
}

func (s *Session) handleRefresh(env *protocol.Envelope) {
	if env.Failed() {
		jww.INFO.Printf("[session] refresh rejected, logging out")
		s.mu.Lock()
		s.logOutLocked(true)
		return
	}
	if !env.Ok() {
		return
	}

	var data protocol.AuthData
	if err := env.DecodeData(&data); err != nil {
		jww.ERROR.Printf("[session] %v", err)
		return
	}
	if err := s.kv.Set(store.KeyAccessToken, data.AccessToken); err != nil {
		jww.ERROR.Printf("[session] persist access token: %v", err)
	}
	if data.RefreshToken != "" {
		if err := s.kv.Set(store.KeyRefreshToken, data.RefreshToken); err != nil {
			jww.ERROR.Printf("[session] persist refresh token: %v", err)
		}
	}

	s.mu.Lock()
	s.state = Authenticating
	s.mu.Unlock()
	s.sender.Send(protocol.ActionAuthenticate, &protocol.AuthenticateRequest{AccessToken: data.AccessToken})
}

// handleLogin processes login and sign_up successes, which carry a fresh
// token pair. Failures are form-level errors surfaced by the client, not
// session transitions.
func (s *Session) handleLogin(env *protocol.Envelope) {
	if !env.Ok() {
		return
	}
	var data protocol.AuthData
	if err := env.DecodeData(&data); err != nil {
		jww.ERROR.Printf("[session] %v", err)
		return
	}
	if err := s.kv.Set(store.KeyAccessToken, data.AccessToken); err != nil {
		jww.ERROR.Printf("[session] persist access token: %v", err)
	}
	if err := s.kv.Set(store.KeyRefreshToken, data.RefreshToken); err != nil {
		jww.ERROR.Printf("[session] persist refresh token: %v", err)
	}
	s.becomeAuthenticated(data.User)
}

// handleUpdateUser keeps the stored profile in sync with a successful
// profile update.
func (s *Session) handleUpdateUser(env *protocol.Envelope) {
	if !env.Ok() {
		return
	}
	var data protocol.AuthData
	if err := env.DecodeData(&data); err != nil {
		jww.ERROR.Printf("[session] %v", err)
		return
	}
	if data.User == nil {
		return
	}
	s.mu.Lock()
	if s.state == Authenticated {
		user := *data.User
		s.user = &user
	}
	s.mu.Unlock()
}

func (s *Session) becomeAuthenticated(user *models.User) {
	s.mu.Lock()
	if user != nil {
		u := *user
		s.user = &u
	}
	if s.state == Authenticated || s.user == nil {
		s.mu.Unlock()
		return
	}
	s.state = Authenticated
	authed := *s.user
	fn := s.onAuthenticated
	s.mu.Unlock()

	jww.INFO.Printf("[session] authenticated as %s", authed.ID)
	if fn != nil {
		fn(authed)
	}
}

// logOutLocked clears session state; the caller holds the mutex, which is
// released before the callback runs. clearTokens is false when there simply
// were no tokens to begin with.
func (s *Session) logOutLocked(clearTokens bool) {
	if clearTokens {
		_ = s.kv.Delete(store.KeyAccessToken)
		_ = s.kv.Delete(store.KeyRefreshToken)
	}
	s.state = LoggedOut
	s.user = nil
	fn := s.onLoggedOut
	s.mu.Unlock()

	if fn != nil {
		fn()
	}
}
