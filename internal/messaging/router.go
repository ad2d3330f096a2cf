// Package messaging routes chat messages between live connections and serves conversation reads.
package messaging

import (
	"context"
	"strings"
	"time"

	"dateper-messaging/internal/apperr"
	"dateper-messaging/internal/event"
	"dateper-messaging/internal/metrics"
	"dateper-messaging/internal/push"
	"dateper-messaging/internal/registry"
	"dateper-messaging/internal/storage"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const pushPreviewLength = 120

type Store interface {
	CreateMessage(ctx context.Context, sender, receiver uuid.UUID, body string, createdAt time.Time) (storage.Message, error)
	ConversationMessages(ctx context.Context, viewer, counterpart uuid.UUID) ([]storage.Message, error)
	ClearConversation(ctx context.Context, a, b uuid.UUID) (int64, error)
	ConversationSummaries(ctx context.Context, viewer uuid.UUID) ([]storage.ConversationSummary, error)
	IsBlocked(ctx context.Context, blocker, blocked uuid.UUID) (bool, error)
}

// Pusher accepts push notifications without blocking
type Pusher interface {
	Enqueue(n push.Notification) bool
}

// SendRequest is one compose action. ClientID is echoed back in the acknowledgement.
type SendRequest struct {
	SenderID   uuid.UUID
	ReceiverID uuid.UUID
	Body       string
	ClientID   string
	// Origin is the connection the message was composed on and receives the acknowledgement,
	// even when a newer connection of the sender replaced it meanwhile.
	// Without it the currently registered connection of the sender is acknowledged.
	Origin registry.Conn
}

type Router struct {
	logger        *zap.SugaredLogger
	registry      *registry.Registry
	store         Store
	pusher        Pusher
	conversations *Conversations
	metrics       *metrics.Metrics
	now           func() time.Time
}

type RouterOption func(r *Router)

func WithMetrics(m *metrics.Metrics) RouterOption {
	return func(r *Router) { r.metrics = m }
}

func WithClock(now func() time.Time) RouterOption {
	return func(r *Router) { r.now = now }
}

// WithConversations lets the router invalidate cached chat lists it affects
func WithConversations(c *Conversations) RouterOption {
	return func(r *Router) { r.conversations = c }
}

func NewRouter(logger *zap.SugaredLogger, reg *registry.Registry, store Store, pusher Pusher, opts ...RouterOption) *Router {
	r := &Router{
		logger:   logger,
		registry: reg,
		store:    store,
		pusher:   pusher,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Send persists the message, delivers it to the live receiver and acknowledges the sender.
// Delivery is at most once, an offline receiver catches up through FetchConversation.
func (r *Router) Send(ctx context.Context, req SendRequest) (storage.Message, error) {
	body := strings.TrimSpace(req.Body)
	if body == "" {
		return storage.Message{}, apperr.ErrEmptyBody
	}
	if req.SenderID == uuid.Nil || req.ReceiverID == uuid.Nil {
		return storage.Message{}, apperr.ErrMalformedIdentity
	}
	if req.SenderID == req.ReceiverID {
		return storage.Message{}, apperr.ErrSelfTarget
	}

	blocked, err := r.store.IsBlocked(ctx, req.ReceiverID, req.SenderID)
	if err != nil {
		r.logger.Errorf("Cannot check block of user (%s) by user (%s): %v", req.SenderID, req.ReceiverID, err)
		return storage.Message{}, apperr.TransientIO("cannot send message", err)
	}
	if blocked {
		return storage.Message{}, apperr.ErrBlocked
	}

	msg, err := r.store.CreateMessage(ctx, req.SenderID, req.ReceiverID, body, r.now().UTC())
	if err != nil {
		r.logger.Errorf("Cannot persist message from user (%s) to user (%s): %v", req.SenderID, req.ReceiverID, err)
		return storage.Message{}, apperr.TransientIO("cannot send message", err)
	}
	r.logger.Debugf("Message %d from user (%s) to user (%s) persisted", msg.ID, msg.SenderID, msg.ReceiverID)

	if r.metrics != nil {
		r.metrics.MessagesSent.Inc()
	}
	r.conversations.Invalidate(msg.SenderID, msg.ReceiverID)

	payload := toEvent(msg, req.ClientID)
	if conn, ok := r.registry.Lookup(msg.ReceiverID); ok {
		r.deliver(msg.ReceiverID, conn, event.NewMessage(payload))
	}
	if req.Origin != nil {
		r.deliver(msg.SenderID, req.Origin, event.MessageSent(payload))
	} else if conn, ok := r.registry.Lookup(msg.SenderID); ok {
		r.deliver(msg.SenderID, conn, event.MessageSent(payload))
	}

	r.pusher.Enqueue(push.Notification{
		RecipientID: msg.ReceiverID,
		Title:       "New message",
		Body:        preview(msg.Body),
		Data: map[string]string{
			"type":     string(event.TypeNewMessage),
			"senderId": msg.SenderID.String(),
		},
	})

	return msg, nil
}

func (r *Router) deliver(id uuid.UUID, conn registry.Conn, ev event.Event) {
	if err := conn.Send(ev); err != nil {
		r.logger.Warnf("Cannot push %s to user (%s): %v", ev.Type, id, err)
		if r.metrics != nil {
			r.metrics.EventsDropped.Inc()
		}
	}
}

// FetchConversation returns the messages between viewer and counterpart oldest first.
// Messages received by viewer are marked read in the same call.
func (r *Router) FetchConversation(ctx context.Context, viewer, counterpart uuid.UUID) ([]storage.Message, error) {
	if viewer == uuid.Nil || counterpart == uuid.Nil {
		return nil, apperr.ErrMalformedIdentity
	}

	messages, err := r.store.ConversationMessages(ctx, viewer, counterpart)
	if err != nil {
		r.logger.Errorf("Cannot fetch conversation of user (%s) with user (%s): %v", viewer, counterpart, err)
		return nil, apperr.TransientIO("cannot fetch conversation", err)
	}
	r.conversations.Invalidate(viewer, counterpart)

	return messages, nil
}

// ClearConversation deletes every message of the pair for both participants
func (r *Router) ClearConversation(ctx context.Context, viewer, counterpart uuid.UUID) (int64, error) {
	if viewer == uuid.Nil || counterpart == uuid.Nil {
		return 0, apperr.ErrMalformedIdentity
	}

	deleted, err := r.store.ClearConversation(ctx, viewer, counterpart)
	if err != nil {
		r.logger.Errorf("Cannot clear conversation of user (%s) with user (%s): %v", viewer, counterpart, err)
		return 0, apperr.TransientIO("cannot clear conversation", err)
	}
	r.conversations.Invalidate(viewer, counterpart)
	r.logger.Debugf("User (%s) cleared conversation with user (%s), %d messages deleted", viewer, counterpart, deleted)

	return deleted, nil
}

func toEvent(m storage.Message, clientID string) event.Message {
	return event.Message{
		ID:         m.ID,
		SenderID:   m.SenderID,
		ReceiverID: m.ReceiverID,
		Text:       m.Body,
		CreatedAt:  m.CreatedAt,
		ClientID:   clientID,
	}
}

func preview(body string) string {
	runes := []rune(body)
	if len(runes) <= pushPreviewLength {
		return body
	}
	return string(runes[:pushPreviewLength]) + "..."
}
