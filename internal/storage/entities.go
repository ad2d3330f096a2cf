package storage

import (
	"time"

	"github.com/google/uuid"
)

// Message is a chat message between two identities. Only Read ever changes after creation.
type Message struct {
	ID         int64     `json:"id"`
	SenderID   uuid.UUID `json:"senderId"`
	ReceiverID uuid.UUID `json:"receiverId"`
	Body       string    `json:"text"`
	Read       bool      `json:"read"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Counterpart returns the other participant of the message as seen by viewer
func (m Message) Counterpart(viewer uuid.UUID) uuid.UUID {
	if m.SenderID == viewer {
		return m.ReceiverID
	}
	return m.SenderID
}

// ConversationSummary is one row of a viewer's chat list. It is derived and never stored.
type ConversationSummary struct {
	CounterpartID uuid.UUID `json:"counterpartId"`
	LastMessage   Message   `json:"lastMessage"`
	UnreadCount   int       `json:"unreadCount"`
}

// Grant allows GranterID to message GranteeID until ExpiresAt
type Grant struct {
	GranterID uuid.UUID `json:"granterId"`
	GranteeID uuid.UUID `json:"granteeId"`
	ExpiresAt time.Time `json:"expiresAt"`
	CreatedAt time.Time `json:"createdAt"`
}

// UnlockParams describes one paid unlock attempt
type UnlockParams struct {
	GranterID uuid.UUID
	GranteeID uuid.UUID
	Cost      int64
	Now       time.Time
	ExpiresAt time.Time
}

// UnlockResult is the outcome of Unlock. Charged is false when an active grant already existed.
type UnlockResult struct {
	Grant   Grant
	Balance int64
	Charged bool
}

const NotificationKindLike = "like"

type Notification struct {
	ID          int64     `json:"id"`
	RecipientID uuid.UUID `json:"recipientId"`
	SenderID    uuid.UUID `json:"senderId"`
	Kind        string    `json:"kind"`
	Message     string    `json:"message"`
	Read        bool      `json:"read"`
	CreatedAt   time.Time `json:"createdAt"`
}

type Presence struct {
	UserID     uuid.UUID `json:"userId"`
	Online     bool      `json:"online"`
	LastSeenAt time.Time `json:"lastSeenAt"`
}

// Report is a complaint filed by ReporterID against ReportedID, kept for moderation
type Report struct {
	ID         int64     `json:"id"`
	ReporterID uuid.UUID `json:"reporterId"`
	ReportedID uuid.UUID `json:"reportedId"`
	Reason     string    `json:"reason"`
	CreatedAt  time.Time `json:"createdAt"`
}
