package messaging

import (
	"testing"
	"time"

	"github.com/skobkin/fieldsync/internal/domain"
)

func TestStore_ConversationSummaryFollowsLatestMessage(t *testing.T) {
	s := NewStore(dispatcher)
	base := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	s.AddMessage(incoming("m2", base.Add(time.Minute)))
	s.AddMessage(incoming("m1", base))

	convs := s.Conversations()
	if len(convs) != 1 {
		t.Fatalf("expected one conversation, got %d", len(convs))
	}
	if convs[0].LastMessage != "msg m2" || convs[0].OtherPartyID != "12" {
		t.Fatalf("unexpected summary: %+v", convs[0])
	}
	if convs[0].UnreadCount != 2 || s.Unread() != 2 {
		t.Fatalf("unexpected unread counts: conv %d total %d", convs[0].UnreadCount, s.Unread())
	}
}

func TestStore_DuplicateMergesStatus(t *testing.T) {
	s := NewStore(dispatcher)
	msg := incoming("m1", time.Now())
	s.AddMessage(msg)

	delivered := time.Now()
	upgrade := msg
	upgrade.Status = domain.MessageStatusDelivered
	upgrade.DeliveredAt = &delivered
	if s.AddMessage(upgrade) {
		t.Fatalf("duplicate must not be reported as new")
	}
	downgrade := msg
	downgrade.Status = domain.MessageStatusSending
	s.AddMessage(downgrade)

	got := s.Messages(convID)
	if len(got) != 1 || got[0].Status != domain.MessageStatusDelivered || got[0].DeliveredAt == nil {
		t.Fatalf("unexpected merged message: %+v", got)
	}
	if s.Unread() != 1 {
		t.Fatalf("duplicate must not count twice, got %d", s.Unread())
	}
}

func TestStore_LoadConversationsKeepsActiveRead(t *testing.T) {
	s := NewStore(dispatcher)
	s.SetActive(convID)
	s.LoadConversations([]domain.ChatConversation{{ConversationID: convID, UnreadCount: 3}})

	if got := s.Conversations()[0].UnreadCount; got != 0 {
		t.Fatalf("active conversation must stay read, got %d", got)
	}

	s.Reset()
	if s.Active() != "" || len(s.Conversations()) != 0 {
		t.Fatalf("expected reset store")
	}
}
