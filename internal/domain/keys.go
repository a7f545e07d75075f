package domain

import (
	"fmt"
	"strings"
)

// ConversationID composes the identifier both parties derive independently:
// the surveyor part always comes first, whichever side builds it.
func ConversationID(a, b Participant) (string, error) {
	var surveyor, dispatcher string
	for _, p := range []Participant{a, b} {
		switch p.Type {
		case ParticipantSurveyor:
			surveyor = strings.TrimSpace(p.ID)
		case ParticipantDispatcher:
			dispatcher = strings.TrimSpace(p.ID)
		}
	}
	if surveyor == "" || dispatcher == "" {
		return "", fmt.Errorf("conversation needs one surveyor and one dispatcher, got %s and %s", a.Type, b.Type)
	}

	return fmt.Sprintf("surveyor_%s_dispatcher_%s", surveyor, dispatcher), nil
}

// ParseConversationID returns the surveyor and dispatcher ids encoded in id.
func ParseConversationID(id string) (surveyorID, dispatcherID string, ok bool) {
	rest, found := strings.CutPrefix(strings.TrimSpace(id), "surveyor_")
	if !found {
		return "", "", false
	}
	surveyorID, dispatcherID, found = strings.Cut(rest, "_dispatcher_")
	if !found || surveyorID == "" || dispatcherID == "" {
		return "", "", false
	}

	return surveyorID, dispatcherID, true
}

// Counterpart returns the other participant of a conversation relative to self.
func Counterpart(conversationID string, self Participant) (Participant, bool) {
	surveyorID, dispatcherID, ok := ParseConversationID(conversationID)
	if !ok {
		return Participant{}, false
	}
	switch self.Type {
	case ParticipantSurveyor:
		return Participant{ID: dispatcherID, Type: ParticipantDispatcher}, true
	case ParticipantDispatcher:
		return Participant{ID: surveyorID, Type: ParticipantSurveyor}, true
	default:
		return Participant{}, false
	}
}
