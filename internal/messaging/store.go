package messaging

import (
	"sort"
	"sync"
	"time"

	"github.com/skobkin/fieldsync/internal/domain"
)

// Store holds conversations and per-conversation message history, newest first.
type Store struct {
	self domain.Participant

	mu            sync.RWMutex
	conversations map[string]domain.ChatConversation
	messages      map[string][]domain.ChatMessage
	active        string
	unread        int
	changes       chan struct{}
}

func NewStore(self domain.Participant) *Store {
	return &Store{
		self:          self,
		conversations: make(map[string]domain.ChatConversation),
		messages:      make(map[string][]domain.ChatMessage),
		changes:       make(chan struct{}, 1),
	}
}

// LoadConversations replaces the conversation list with the server view.
func (s *Store) LoadConversations(items []domain.ChatConversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations = make(map[string]domain.ChatConversation, len(items))
	for _, c := range items {
		if c.ConversationID == s.active {
			c.UnreadCount = 0
		}
		s.conversations[c.ConversationID] = c
	}
	s.notify()
}

func (s *Store) SetUnread(total int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unread = max(0, total)
	s.notify()
}

func (s *Store) Unread() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.unread
}

func (s *Store) SetActive(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = conversationID
	s.notify()
}

func (s *Store) Active() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.active
}

// AddMessage inserts msg unless a message with the same id is already known, in which
// case delivery and read fields are merged. It reports whether msg was new.
func (s *Store) AddMessage(msg domain.ChatMessage) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs := s.messages[msg.ConversationID]
	if msg.ID != "" {
		for i := range msgs {
			if msgs[i].ID == msg.ID {
				msgs[i] = mergeMessage(msgs[i], msg)
				s.notify()

				return false
			}
		}
	}
	s.messages[msg.ConversationID] = insertNewestFirst(msgs, msg)

	conv := s.conversations[msg.ConversationID]
	conv.ConversationID = msg.ConversationID
	if conv.OtherPartyID == "" {
		if other, ok := domain.Counterpart(msg.ConversationID, s.self); ok {
			conv.OtherPartyID = other.ID
		}
	}
	if !msg.SentAt.Before(conv.LastMessageAt) {
		conv.LastMessage = msg.Content
		conv.LastMessageAt = msg.SentAt
	}
	if s.addressedToSelf(msg) && msg.ConversationID != s.active && msg.Status != domain.MessageStatusRead {
		conv.UnreadCount++
		s.unread++
	}
	s.conversations[msg.ConversationID] = conv
	s.notify()

	return true
}

// UpdateMessage replaces the message with the same id, or the pending local copy
// matched by localID when the server assigned a new id.
func (s *Store) UpdateMessage(localID string, msg domain.ChatMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs := s.messages[msg.ConversationID]
	for i := range msgs {
		if msgs[i].ID == localID || (msg.ID != "" && msgs[i].ID == msg.ID) {
			msgs[i] = msg
			s.notify()

			return
		}
	}
	s.messages[msg.ConversationID] = insertNewestFirst(msgs, msg)
	s.notify()
}

// MergeHistory adds an older page of messages. Already known ids are kept as they are.
func (s *Store) MergeHistory(conversationID string, page []domain.ChatMessage) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs := s.messages[conversationID]
	known := make(map[string]struct{}, len(msgs))
	for _, m := range msgs {
		if m.ID != "" {
			known[m.ID] = struct{}{}
		}
	}
	added := 0
	for _, m := range page {
		if _, ok := known[m.ID]; ok && m.ID != "" {
			continue
		}
		msgs = append(msgs, m)
		known[m.ID] = struct{}{}
		added++
	}
	sortNewestFirst(msgs)
	s.messages[conversationID] = msgs
	s.notify()

	return added
}

// MarkRead zeroes the conversation unread count and the matching share of the total.
func (s *Store) MarkRead(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[conversationID]
	if ok {
		s.unread = max(0, s.unread-conv.UnreadCount)
		conv.UnreadCount = 0
		s.conversations[conversationID] = conv
	}
	s.notify()
}

// ApplyReadReceipt flips messages addressed to the reader in that conversation to read.
func (s *Store) ApplyReadReceipt(r domain.ReadReceipt, now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	readAt := r.ReadAt
	if readAt.IsZero() {
		readAt = now
	}
	updated := 0
	msgs := s.messages[r.ConversationID]
	for i := range msgs {
		m := &msgs[i]
		if m.RecipientID != r.ReaderID || m.Status == domain.MessageStatusRead {
			continue
		}
		if r.ReaderType != "" && m.RecipientType != r.ReaderType {
			continue
		}
		m.Status = domain.MessageStatusRead
		at := readAt
		m.ReadAt = &at
		updated++
	}
	if updated > 0 {
		s.notify()
	}

	return updated
}

// Messages returns the conversation history, newest first.
func (s *Store) Messages(conversationID string) []domain.ChatMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]domain.ChatMessage(nil), s.messages[conversationID]...)
}

// Conversations returns every conversation, most recent activity first.
func (s *Store) Conversations() []domain.ChatConversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.ChatConversation, 0, len(s.conversations))
	for _, c := range s.conversations {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastMessageAt.Equal(out[j].LastMessageAt) {
			return out[i].ConversationID < out[j].ConversationID
		}

		return out[i].LastMessageAt.After(out[j].LastMessageAt)
	})

	return out
}

func (s *Store) Changes() <-chan struct{} {
	return s.changes
}

func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations = make(map[string]domain.ChatConversation)
	s.messages = make(map[string][]domain.ChatMessage)
	s.active = ""
	s.unread = 0
	s.notify()
}

func (s *Store) addressedToSelf(msg domain.ChatMessage) bool {
	if msg.RecipientID != s.self.ID {
		return false
	}

	return msg.RecipientType == "" || msg.RecipientType == s.self.Type
}

func (s *Store) notify() {
	select {
	case s.changes <- struct{}{}:
	default:
	}
}

func mergeMessage(existing, incoming domain.ChatMessage) domain.ChatMessage {
	if incoming.DeliveredAt != nil {
		existing.DeliveredAt = incoming.DeliveredAt
	}
	if incoming.ReadAt != nil {
		existing.ReadAt = incoming.ReadAt
	}
	if statusRank(incoming.Status) > statusRank(existing.Status) {
		existing.Status = incoming.Status
	}

	return existing
}

func statusRank(s domain.MessageStatus) int {
	switch s {
	case domain.MessageStatusFailed:
		return 0
	case domain.MessageStatusSending:
		return 1
	case domain.MessageStatusSent:
		return 2
	case domain.MessageStatusDelivered:
		return 3
	case domain.MessageStatusRead:
		return 4
	default:
		return -1
	}
}

func insertNewestFirst(msgs []domain.ChatMessage, msg domain.ChatMessage) []domain.ChatMessage {
	idx := sort.Search(len(msgs), func(i int) bool {
		return !msgs[i].SentAt.After(msg.SentAt)
	})
	msgs = append(msgs, domain.ChatMessage{})
	copy(msgs[idx+1:], msgs[idx:])
	msgs[idx] = msg

	return msgs
}

func sortNewestFirst(msgs []domain.ChatMessage) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].SentAt.After(msgs[j].SentAt)
	})
}
