package domain

import (
	"encoding/json"
	"time"
)

// ActionType is the closed set of mutating actions the offline queue can replay.
type ActionType string

const (
	ActionStatusUpdate        ActionType = "status_update"
	ActionLocationUpdate      ActionType = "location_update"
	ActionJobStateUpdate      ActionType = "job_state_update"
	ActionAppointmentResponse ActionType = "appointment_response"
)

func (t ActionType) Valid() bool {
	switch t {
	case ActionStatusUpdate, ActionLocationUpdate, ActionJobStateUpdate, ActionAppointmentResponse:
		return true
	default:
		return false
	}
}

// PendingAction is a mutating call waiting to be replayed against the remote service.
type PendingAction struct {
	ID         string          `json:"id"`
	Type       ActionType      `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	CreatedAt  time.Time       `json:"createdAt"`
	RetryCount int             `json:"retryCount"`
}

// FailedAction records an action dropped after its retry budget was spent.
type FailedAction struct {
	Action    PendingAction `json:"action"`
	LastError string        `json:"lastError"`
	FailedAt  time.Time     `json:"failedAt"`
}

type StatusUpdate struct {
	Status string `json:"status"`
	Note   string `json:"note,omitempty"`
}

type LocationUpdate struct {
	Lat         float64 `json:"lat"`
	Lng         float64 `json:"lng"`
	AccuracyM   float64 `json:"accuracy,omitempty"`
	TimestampMs int64   `json:"timestamp"`
}

type JobStateUpdate struct {
	JobID string `json:"jobId"`
	State string `json:"state"`
}

type AppointmentResponse struct {
	AppointmentID string `json:"appointmentId"`
	Accepted      bool   `json:"accepted"`
	Reason        string `json:"reason,omitempty"`
}

type Appointment struct {
	ID         string    `json:"id"`
	Title      string    `json:"title"`
	Address    string    `json:"address,omitempty"`
	Status     string    `json:"status"`
	SurveyorID string    `json:"surveyorId,omitempty"`
	StartsAt   time.Time `json:"startsAt"`
	EndsAt     time.Time `json:"endsAt"`
}

// PositionSample is a single point of an entity trail.
type PositionSample struct {
	EntityID    string  `json:"entityId"`
	Lat         float64 `json:"lat"`
	Lng         float64 `json:"lng"`
	Status      string  `json:"status"`
	TimestampMs int64   `json:"timestampMs"`
}

// ActivityUpdate is the payload of a domain-update stream event.
type ActivityUpdate struct {
	EntityID    string           `json:"entityId"`
	Lat         float64          `json:"lat"`
	Lng         float64          `json:"lng"`
	Status      string           `json:"status"`
	DisplayName string           `json:"displayName"`
	TimestampMs int64            `json:"timestampMs"`
	Trail       []PositionSample `json:"trail,omitempty"`
}

// StatusChange is the payload of a status-only stream event.
type StatusChange struct {
	EntityID    string `json:"entityId"`
	Status      string `json:"status"`
	DisplayName string `json:"displayName"`
	TimestampMs int64  `json:"timestampMs"`
}

// EntityActivity is the merged latest known state of one tracked entity.
type EntityActivity struct {
	EntityID    string
	DisplayName string
	Lat         float64
	Lng         float64
	HasPosition bool
	Status      string
	TimestampMs int64
}

type ParticipantType string

const (
	ParticipantSurveyor   ParticipantType = "surveyor"
	ParticipantDispatcher ParticipantType = "dispatcher"
)

type Participant struct {
	ID   string          `json:"id"`
	Type ParticipantType `json:"type"`
}

type MessageStatus string

const (
	MessageStatusSending   MessageStatus = "sending"
	MessageStatusSent      MessageStatus = "sent"
	MessageStatusDelivered MessageStatus = "delivered"
	MessageStatusRead      MessageStatus = "read"
	MessageStatusFailed    MessageStatus = "failed"
)

type ChatMessage struct {
	ID             string          `json:"id,omitempty"`
	ConversationID string          `json:"conversationId"`
	SenderID       string          `json:"senderId"`
	SenderType     ParticipantType `json:"senderType"`
	RecipientID    string          `json:"recipientId"`
	RecipientType  ParticipantType `json:"recipientType"`
	Content        string          `json:"content"`
	SentAt         time.Time       `json:"sentAt"`
	DeliveredAt    *time.Time      `json:"deliveredAt,omitempty"`
	ReadAt         *time.Time      `json:"readAt,omitempty"`
	Status         MessageStatus   `json:"status"`
}

type ChatConversation struct {
	ConversationID string    `json:"conversationId"`
	OtherPartyID   string    `json:"otherPartyId"`
	OtherPartyName string    `json:"otherPartyName"`
	LastMessage    string    `json:"lastMessage"`
	LastMessageAt  time.Time `json:"lastMessageAt"`
	UnreadCount    int       `json:"unreadCount"`
}

type TypingIndicator struct {
	ConversationID string          `json:"conversationId"`
	SenderID       string          `json:"senderId"`
	SenderType     ParticipantType `json:"senderType"`
	Typing         bool            `json:"typing"`
}

type ReadReceipt struct {
	ConversationID string          `json:"conversationId"`
	ReaderID       string          `json:"readerId"`
	ReaderType     ParticipantType `json:"readerType"`
	ReadAt         time.Time       `json:"readAt"`
}
