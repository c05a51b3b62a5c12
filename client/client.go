// Package client wires the transport, dispatcher, session and
// reconciliation engine together and exposes the command surface the UI
// drives. It owns the component lifecycle: construct once at app start, tear
// down at app end.
package client

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"

	"veia/chats"
	"veia/config"
	"veia/dispatch"
	"veia/models"
	"veia/protocol"
	"veia/session"
	"veia/store"
	"veia/transport"
)

type Client struct {
	cfg       *config.Config
	bus       *dispatch.Bus
	transport *transport.Transport
	session   *session.Session
	chats     *chats.Store
	kv        *store.Store

	pendingMu sync.Mutex
	inflight  map[string]bool
	queued    map[string][]interface{}

	onStatus    transport.StatusFunc
	onChats     func()
	onSearch    func([]models.User)
	onFormErr   func(action string, detail protocol.ErrorData)
	onLoggedOut func()
}

// New builds a client from config. The sqlite store lives under the config's
// data directory.
func New(cfg *config.Config) (*Client, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, errors.Wrap(err, "create data dir")
	}
	kv, err := store.Open(filepath.Join(cfg.DataDir, "veia.db"))
	if err != nil {
		return nil, err
	}

	c := &Client{
		cfg:      cfg,
		bus:      dispatch.NewBus(),
		kv:       kv,
		inflight: make(map[string]bool),
		queued:   make(map[string][]interface{}),
	}

	c.transport = transport.New(transport.Options{
		URL:            cfg.ServerURL,
		MinRetryDelay:  cfg.MinRetryDelay,
		MaxRetryDelay:  cfg.MaxRetryDelay,
		MaxRetries:     cfg.MaxRetries,
		ConnectTimeout: cfg.ConnectTimeout,
	}, c.bus)

	// The session sends through the client so its requests share the
	// same-action serialization with everything else.
	c.session = session.New(c, kv)
	c.session.OnAuthenticated(c.catchUp)
	c.session.OnLoggedOut(func() {
		if c.onLoggedOut != nil {
			c.onLoggedOut()
		}
	})

	c.chats = chats.NewStore(c.session.UserID)

	c.transport.SetStatusFunc(c.connectionChanged)
	c.bus.Subscribe(c.handleEnvelope)

	return c, nil
}

// Start loads the cached chat snapshot and brings the connection up.
// Authentication begins as soon as the transport reports Connected.
func (c *Client) Start() {
	c.loadSnapshot()
	c.transport.Connect()
}

// Close tears the client down.
func (c *Client) Close() {
	c.transport.Close()
	if err := c.kv.Close(); err != nil {
		jww.WARN.Printf("[client] close store: %v", err)
	}
}

// Chats returns a snapshot of the chat collection.
func (c *Client) Chats() []models.Chat {
	return c.chats.Snapshot()
}

// Chat returns one chat by id.
func (c *Client) Chat(id string) (models.Chat, bool) {
	return c.chats.Chat(id)
}

// User returns the authenticated profile, or nil.
func (c *Client) User() *models.User {
	return c.session.User()
}

// SessionState exposes the auth state machine's current state.
func (c *Client) SessionState() session.State {
	return c.session.State()
}

// ConnectionState exposes the transport's current state.
func (c *Client) ConnectionState() transport.State {
	return c.transport.State()
}

// OnStatus registers the sink for connection up/down changes (the
// "connecting" banner).
func (c *Client) OnStatus(fn transport.StatusFunc) { c.onStatus = fn }

// OnChatsChanged registers the hook fired after every merge that touched
// the chat collection.
func (c *Client) OnChatsChanged(fn func()) { c.onChats = fn }

// OnSearchResults registers the sink for search_users responses.
func (c *Client) OnSearchResults(fn func([]models.User)) { c.onSearch = fn }

// OnFormError registers the sink for success:false responses to form-style
// requests (bad credentials, username taken, ...).
func (c *Client) OnFormError(fn func(action string, detail protocol.ErrorData)) { c.onFormErr = fn }

// OnLoggedOut registers the hook fired when the session becomes
// unrecoverable and the caller must show the login screen.
func (c *Client) OnLoggedOut(fn func()) { c.onLoggedOut = fn }

// connectionChanged runs on every transport transition. Coming up means no
// request survived the gap: pending bookkeeping is void and the session must
// authenticate again.
func (c *Client) connectionChanged(down bool) {
	c.pendingMu.Lock()
	c.inflight = make(map[string]bool)
	c.queued = make(map[string][]interface{})
	c.pendingMu.Unlock()

	if !down {
		c.session.Begin()
	}
	if c.onStatus != nil {
		c.onStatus(down)
	}
}

// catchUp fires once per successful authentication: delta catch-up when a
// local cache exists, full snapshot otherwise.
func (c *Client) catchUp(models.User) {
	saved, err := c.kv.Get(store.KeyLastSync)
	if err == nil && saved != "" && c.chats.Len() > 0 {
		if secs, err := strconv.ParseInt(saved, 10, 64); err == nil {
			c.GetUpdates(models.NewUnixTime(time.Unix(secs, 0)))
			return
		}
	}
	c.GetChats()
}

// handleEnvelope is the single inbound path: release the same-action queue,
// feed the session, then fold chat events into the store.
func (c *Client) handleEnvelope(env *protocol.Envelope) {
	if env.Success != nil {
		c.release(env.Action)
	}

	c.session.HandleEnvelope(env)

	switch env.Action {
	case protocol.ActionGetChats:
		if !env.Ok() {
			return
		}
		var data protocol.ChatsData
		if err := env.DecodeData(&data); err != nil {
			jww.ERROR.Printf("[client] %v", err)
			return
		}
		c.chats.ReplaceAll(data.Results)
		c.chatsChanged()

	case protocol.ActionGetUpdates:
		if !env.Ok() {
			return
		}
		var data protocol.ChatsData
		if err := env.DecodeData(&data); err != nil {
			jww.ERROR.Printf("[client] %v", err)
			return
		}
		c.chats.MergeUpdates(data.Results)
		c.chatsChanged()

	case protocol.ActionGetMessages:
		if !env.Ok() {
			return
		}
		var data protocol.MessagesData
		if err := env.DecodeData(&data); err != nil {
			jww.ERROR.Printf("[client] %v", err)
			return
		}
		c.chats.MergePage(&data)
		c.chatsChanged()

	case protocol.ActionNewMessage:
		if env.Failed() {
			c.formError(env)
			return
		}
		var ev protocol.MessageEvent
		if err := env.DecodeData(&ev); err != nil {
			jww.ERROR.Printf("[client] %v", err)
			return
		}
		c.chats.ApplyNew(&ev)
		c.chatsChanged()

	case protocol.ActionEditMessage:
		if env.Failed() {
			return
		}
		var ev protocol.EditMessageEvent
		if err := env.DecodeData(&ev); err != nil {
			jww.ERROR.Printf("[client] %v", err)
			return
		}
		c.chats.ApplyEdit(&ev)
		c.chatsChanged()

	case protocol.ActionDeleteMessage:
		if env.Failed() {
			return
		}
		var ev protocol.DeleteMessageEvent
		if err := env.DecodeData(&ev); err != nil {
			jww.ERROR.Printf("[client] %v", err)
			return
		}
		c.chats.ApplyDelete(&ev)
		c.chatsChanged()

	case protocol.ActionReadMessage:
		if env.Failed() {
			return
		}
		var ev protocol.ReadMessageEvent
		if err := env.DecodeData(&ev); err != nil {
			jww.ERROR.Printf("[client] %v", err)
			return
		}
		c.chats.ApplyRead(&ev)
		c.chatsChanged()

	case protocol.ActionStatusChange:
		var ev protocol.StatusChangeEvent
		if err := env.DecodeData(&ev); err != nil {
			jww.ERROR.Printf("[client] %v", err)
			return
		}
		c.chats.ApplyStatus(&ev)
		if c.onChats != nil {
			c.onChats()
		}

	case protocol.ActionSearchUsers:
		if !env.Ok() {
			return
		}
		var data protocol.UsersData
		if err := env.DecodeData(&data); err != nil {
			jww.ERROR.Printf("[client] %v", err)
			return
		}
		if c.onSearch != nil {
			c.onSearch(data.Results)
		}

	case protocol.ActionLogin, protocol.ActionSignUp, protocol.ActionUpdateUser:
		if env.Failed() {
			c.formError(env)
		}
	}
}

func (c *Client) formError(env *protocol.Envelope) {
	if c.onFormErr == nil {
		return
	}
	var detail protocol.ErrorData
	if len(env.Data) > 0 {
		if err := env.DecodeData(&detail); err != nil {
			jww.WARN.Printf("[client] %v", err)
		}
	}
	c.onFormErr(env.Action, detail)
}

// chatsChanged persists the snapshot and last-sync time, then notifies the
// UI. Presence-only changes skip persistence.
func (c *Client) chatsChanged() {
	c.persistSnapshot()
	if c.onChats != nil {
		c.onChats()
	}
}

func (c *Client) persistSnapshot() {
	snapshot := c.chats.Snapshot()
	raw, err := json.Marshal(snapshot)
	if err != nil {
		jww.ERROR.Printf("[client] marshal snapshot: %v", err)
		return
	}
	if err := c.kv.Set(store.KeyChats, string(raw)); err != nil {
		jww.ERROR.Printf("[client] persist snapshot: %v", err)
		return
	}
	now := strconv.FormatInt(time.Now().Unix(), 10)
	if err := c.kv.Set(store.KeyLastSync, now); err != nil {
		jww.ERROR.Printf("[client] persist last sync: %v", err)
	}
}

func (c *Client) loadSnapshot() {
	raw, err := c.kv.Get(store.KeyChats)
	if err != nil || raw == "" {
		return
	}
	var saved []models.Chat
	if err := json.Unmarshal([]byte(raw), &saved); err != nil {
		jww.WARN.Printf("[client] discard corrupt snapshot: %v", err)
		return
	}
	c.chats.ReplaceAll(saved)
}
