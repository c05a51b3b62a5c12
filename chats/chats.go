// Package chats holds the authoritative chat collection and folds inbound
// chat and message events into it. Every merge is deterministic and
// idempotent: applying the same event twice leaves the state of the first
// application. Messages stay sorted ascending by time and unique by id, and
// unread counts are always recomputed from the message list rather than
// adjusted incrementally.
package chats

import (
	"sort"
	"sync"

	jww "github.com/spf13/jwalterweatherman"

	"veia/models"
	"veia/protocol"
)

// SelfFunc reports the current session user's id, used to derive is_mine.
type SelfFunc func() string

// Store is the reconciliation engine. All writes happen under one mutex, so
// each event is applied atomically with respect to readers and other events.
type Store struct {
	mu    sync.RWMutex
	chats []models.Chat
	self  SelfFunc
}

func NewStore(self SelfFunc) *Store {
	if self == nil {
		self = func() string { return "" }
	}
	return &Store{self: self}
}

// ReplaceAll installs a full server snapshot, used only at cold start when
// no local cache exists.
func (s *Store) ReplaceAll(chats []models.Chat) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.chats = make([]models.Chat, 0, len(chats))
	for _, chat := range chats {
		s.normalize(&chat)
		s.chats = append(s.chats, chat)
	}
}

// MergeUpdates folds a delta catch-up into the collection: per affected
// chat, the same non-destructive merge as a get_messages page. Unknown
// chats are inserted whole.
func (s *Store) MergeUpdates(chats []models.Chat) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, chat := range chats {
		idx := s.find(chat.ID)
		if idx < 0 {
			s.normalize(&chat)
			s.chats = append(s.chats, chat)
			continue
		}
		existing := &s.chats[idx]
		existing.User = chat.User
		s.mergeMessages(existing, chat.Messages)
	}
}

// MergePage applies a get_messages response. A chat id the client has not
// seen becomes a new chat built from the page, provided the response carries
// the counterpart profile; for a known chat the page is merged by id and the
// stored has-more flag is replaced by the response's.
func (s *Store) MergePage(data *protocol.MessagesData) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.find(data.ChatID)
	if idx < 0 {
		if data.User == nil {
			jww.WARN.Printf("[chats] page for unknown chat %s without metadata, dropped", data.ChatID)
			return
		}
		chat := models.Chat{
			ID:       data.ChatID,
			User:     *data.User,
			Messages: data.Results,
			HasMore:  data.HasMore,
		}
		s.normalize(&chat)
		s.chats = append(s.chats, chat)
		return
	}

	chat := &s.chats[idx]
	s.mergeMessages(chat, data.Results)
	chat.HasMore = data.HasMore
}

// ApplyNew appends one pushed message. If the chat is unknown, the event's
// chat metadata seeds a new conversation holding just this message. A
// duplicate delivery of the same message id is a no-op.
func (s *Store) ApplyNew(ev *protocol.MessageEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	chatID := ev.Message.ChatID
	if chatID == "" && ev.Chat != nil {
		chatID = ev.Chat.ID
	}

	idx := s.find(chatID)
	if idx < 0 {
		if ev.Chat == nil {
			jww.WARN.Printf("[chats] message for unknown chat %s without metadata, dropped", chatID)
			return
		}
		chat := *ev.Chat
		chat.Messages = []models.Message{ev.Message}
		s.normalize(&chat)
		s.chats = append(s.chats, chat)
		return
	}

	s.mergeMessages(&s.chats[idx], []models.Message{ev.Message})
}

// ApplyEdit replaces a message's text in place. Missing chat or message id
// means the target is already gone; nothing happens.
func (s *Store) ApplyEdit(ev *protocol.EditMessageEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.find(ev.ChatID)
	if idx < 0 {
		return
	}
	chat := &s.chats[idx]
	if i := chat.FindMessage(ev.MessageID); i >= 0 {
		chat.Messages[i].Text = ev.Text
		if i == len(chat.Messages)-1 {
			chat.LastMessage = ev.Text
		}
	}
}

// ApplyDelete removes a message by id; absent ids are a no-op. Replies that
// referenced the deleted message keep their cached text snapshot.
func (s *Store) ApplyDelete(ev *protocol.DeleteMessageEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.find(ev.ChatID)
	if idx < 0 {
		return
	}
	chat := &s.chats[idx]
	i := chat.FindMessage(ev.MessageID)
	if i < 0 {
		return
	}
	chat.Messages = append(chat.Messages[:i], chat.Messages[i+1:]...)
	s.refreshDerived(chat)
}

// ApplyRead marks the listed message ids read. The unread count is
// recomputed from the list, so it can never go negative and a duplicate
// event changes nothing.
func (s *Store) ApplyRead(ev *protocol.ReadMessageEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.find(ev.ChatID)
	if idx < 0 {
		return
	}
	chat := &s.chats[idx]
	for _, id := range ev.MessageIDs {
		if i := chat.FindMessage(id); i >= 0 {
			chat.Messages[i].Status = models.StatusRead
		}
	}
	chat.RecountUnread()
}

// ApplyStatus updates presence on every chat whose counterpart matches the
// event's user.
func (s *Store) ApplyStatus(ev *protocol.StatusChangeEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.chats {
		if s.chats[i].User.ID != ev.UserID {
			continue
		}
		s.chats[i].User.IsOnline = ev.Status == models.PresenceOnline
		s.chats[i].User.LastSeen = ev.LastSeen
	}
}

// Chat returns a copy of one chat by id.
func (s *Store) Chat(id string) (models.Chat, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx := s.find(id)
	if idx < 0 {
		return models.Chat{}, false
	}
	return copyChat(&s.chats[idx]), true
}

// Snapshot returns a copy of the whole collection, safe to hand to the UI
// or to persist while merges continue.
func (s *Store) Snapshot() []models.Chat {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Chat, len(s.chats))
	for i := range s.chats {
		out[i] = copyChat(&s.chats[i])
	}
	return out
}

// Len reports the number of chats.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.chats)
}

// TotalUnread sums unread counts across all chats.
func (s *Store) TotalUnread() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := 0
	for i := range s.chats {
		total += s.chats[i].UnreadCount
	}
	return total
}

// mergeMessages folds a page into chat: ids already present are discarded,
// the rest appended, and the list re-sorted ascending by time.
func (s *Store) mergeMessages(chat *models.Chat, page []models.Message) {
	for _, msg := range page {
		if chat.FindMessage(msg.ID) >= 0 {
			continue
		}
		s.annotate(chat, &msg)
		chat.Messages = append(chat.Messages, msg)
	}
	sortMessages(chat.Messages)
	s.refreshDerived(chat)
}

// normalize prepares a chat arriving from the wire: annotate and sort its
// messages, drop duplicate ids, recompute derived fields.
func (s *Store) normalize(chat *models.Chat) {
	seen := make(map[string]struct{}, len(chat.Messages))
	deduped := chat.Messages[:0]
	for i := range chat.Messages {
		msg := chat.Messages[i]
		if _, dup := seen[msg.ID]; dup {
			continue
		}
		seen[msg.ID] = struct{}{}
		s.annotate(chat, &msg)
		deduped = append(deduped, msg)
	}
	chat.Messages = deduped
	sortMessages(chat.Messages)
	s.refreshDerived(chat)
}

func (s *Store) annotate(chat *models.Chat, msg *models.Message) {
	msg.ChatID = chat.ID
	if self := s.self(); self != "" {
		msg.IsMine = msg.Sender == self
	}
}

// refreshDerived recomputes unread count, last message preview and the
// chat's updated-at from the (sorted) message list.
func (s *Store) refreshDerived(chat *models.Chat) {
	chat.RecountUnread()
	if n := len(chat.Messages); n > 0 {
		last := &chat.Messages[n-1]
		chat.LastMessage = last.Text
		if chat.UpdatedAt.Before(last.Time) {
			chat.UpdatedAt = last.Time
		}
	}
}

func (s *Store) find(id string) int {
	for i := range s.chats {
		if s.chats[i].ID == id {
			return i
		}
	}
	return -1
}

func sortMessages(msgs []models.Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].Time.Before(msgs[j].Time)
	})
}

func copyChat(chat *models.Chat) models.Chat {
	out := *chat
	out.Messages = make([]models.Message, len(chat.Messages))
	copy(out.Messages, chat.Messages)
	for i := range out.Messages {
		if r := out.Messages[i].ReplyTo; r != nil {
			ref := *r
			out.Messages[i].ReplyTo = &ref
		}
	}
	return out
}
