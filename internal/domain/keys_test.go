package domain

import "testing"

func TestConversationID_OrderIndependent(t *testing.T) {
	surveyor := Participant{ID: "12", Type: ParticipantSurveyor}
	dispatcher := Participant{ID: "7", Type: ParticipantDispatcher}

	a, err := ConversationID(surveyor, dispatcher)
	if err != nil {
		t.Fatalf("ConversationID() error = %v", err)
	}
	b, err := ConversationID(dispatcher, surveyor)
	if err != nil {
		t.Fatalf("ConversationID() error = %v", err)
	}
	if a != b {
		t.Fatalf("expected identical ids, got %q and %q", a, b)
	}
	if a != "surveyor_12_dispatcher_7" {
		t.Fatalf("unexpected id: %q", a)
	}
}

func TestConversationID_RejectsSameRole(t *testing.T) {
	_, err := ConversationID(
		Participant{ID: "1", Type: ParticipantSurveyor},
		Participant{ID: "2", Type: ParticipantSurveyor},
	)
	if err == nil {
		t.Fatalf("expected error for two surveyors")
	}
}

func TestParseConversationID(t *testing.T) {
	tests := []struct {
		name           string
		id             string
		wantSurveyor   string
		wantDispatcher string
		wantOK         bool
	}{
		{name: "valid", id: "surveyor_12_dispatcher_7", wantSurveyor: "12", wantDispatcher: "7", wantOK: true},
		{name: "uuid ids", id: "surveyor_a-b_dispatcher_c-d", wantSurveyor: "a-b", wantDispatcher: "c-d", wantOK: true},
		{name: "missing dispatcher", id: "surveyor_12", wantOK: false},
		{name: "wrong prefix", id: "dispatcher_7_surveyor_12", wantOK: false},
		{name: "empty", id: "", wantOK: false},
	}

	for _, tt := range tests {
		s, d, ok := ParseConversationID(tt.id)
		if ok != tt.wantOK || s != tt.wantSurveyor || d != tt.wantDispatcher {
			t.Fatalf("%s: got (%q, %q, %v), want (%q, %q, %v)", tt.name, s, d, ok, tt.wantSurveyor, tt.wantDispatcher, tt.wantOK)
		}
	}
}

func TestCounterpart(t *testing.T) {
	self := Participant{ID: "7", Type: ParticipantDispatcher}
	other, ok := Counterpart("surveyor_12_dispatcher_7", self)
	if !ok {
		t.Fatalf("expected counterpart")
	}
	if other.ID != "12" || other.Type != ParticipantSurveyor {
		t.Fatalf("unexpected counterpart: %+v", other)
	}
}

func TestActionTypeValid(t *testing.T) {
	if !ActionJobStateUpdate.Valid() {
		t.Fatalf("expected job state update to be valid")
	}
	if ActionType("delete_everything").Valid() {
		t.Fatalf("expected unknown action type to be invalid")
	}
}
