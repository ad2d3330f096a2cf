// Package event defines the envelopes pushed to live connections.
package event

import (
	"time"

	"github.com/google/uuid"
)

type Type string

const (
	TypeAuthenticated    Type = "authenticated"
	TypeNewMessage       Type = "newMessage"
	TypeMessageSent      Type = "messageSent"
	TypeUserOnline       Type = "userOnline"
	TypeUserOffline      Type = "userOffline"
	TypeLikeNotification Type = "likeNotification"
	TypeError            Type = "error"
)

// Event is the outbound envelope written to a connection as {"type": ..., "data": ...}
type Event struct {
	Type Type        `json:"type"`
	Data interface{} `json:"data"`
}

type Message struct {
	ID         int64     `json:"id"`
	SenderID   uuid.UUID `json:"senderId"`
	ReceiverID uuid.UUID `json:"receiverId"`
	Text       string    `json:"text"`
	CreatedAt  time.Time `json:"createdAt"`
	ClientID   string    `json:"clientId,omitempty"`
}

type Presence struct {
	UserID     uuid.UUID  `json:"userId"`
	LastSeenAt *time.Time `json:"lastSeenAt,omitempty"`
}

type Like struct {
	ActorID        uuid.UUID `json:"actorId"`
	TargetID       uuid.UUID `json:"targetId"`
	Message        string    `json:"message"`
	NotificationID int64     `json:"notificationId"`
}

type Error struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	ClientID string `json:"clientId,omitempty"`
}

func Authenticated(id uuid.UUID) Event {
	return Event{Type: TypeAuthenticated, Data: Presence{UserID: id}}
}

func NewMessage(m Message) Event {
	m.ClientID = ""
	return Event{Type: TypeNewMessage, Data: m}
}

// MessageSent acknowledges a persisted message to its sender, echoing the client's temporary id
func MessageSent(m Message) Event {
	return Event{Type: TypeMessageSent, Data: m}
}

func UserOnline(id uuid.UUID) Event {
	return Event{Type: TypeUserOnline, Data: Presence{UserID: id}}
}

func UserOffline(id uuid.UUID, lastSeenAt time.Time) Event {
	return Event{Type: TypeUserOffline, Data: Presence{UserID: id, LastSeenAt: &lastSeenAt}}
}

func LikeNotification(l Like) Event {
	return Event{Type: TypeLikeNotification, Data: l}
}

func Failure(code, message, clientID string) Event {
	return Event{Type: TypeError, Data: Error{Code: code, Message: message, ClientID: clientID}}
}
