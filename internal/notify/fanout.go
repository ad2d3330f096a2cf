// Package notify persists like notifications and fans them out to live connections and push delivery.
package notify

import (
	"context"
	"strconv"
	"strings"
	"time"

	"dateper-messaging/internal/apperr"
	"dateper-messaging/internal/event"
	"dateper-messaging/internal/metrics"
	"dateper-messaging/internal/push"
	"dateper-messaging/internal/registry"
	"dateper-messaging/internal/storage"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const defaultLikeMessage = "Someone liked your profile"

type Store interface {
	CreateNotification(ctx context.Context, n storage.Notification) (storage.Notification, error)
	Notifications(ctx context.Context, recipient uuid.UUID) ([]storage.Notification, error)
	UnreadNotificationCount(ctx context.Context, recipient uuid.UUID) (int64, error)
	MarkNotificationRead(ctx context.Context, recipient uuid.UUID, id int64) error
	MarkAllNotificationsRead(ctx context.Context, recipient uuid.UUID) (int64, error)
	DeleteNotification(ctx context.Context, recipient uuid.UUID, id int64) error
}

type Pusher interface {
	Enqueue(n push.Notification) bool
}

// Inbox is the notification list of a recipient
type Inbox struct {
	Notifications []storage.Notification `json:"notifications"`
	UnreadCount   int64                  `json:"unreadCount"`
}

type FanOut struct {
	logger   *zap.SugaredLogger
	registry *registry.Registry
	store    Store
	pusher   Pusher
	metrics  *metrics.Metrics
	now      func() time.Time
}

type Option func(f *FanOut)

func WithMetrics(m *metrics.Metrics) Option {
	return func(f *FanOut) { f.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(f *FanOut) { f.now = now }
}

func NewFanOut(logger *zap.SugaredLogger, reg *registry.Registry, store Store, pusher Pusher, opts ...Option) *FanOut {
	f := &FanOut{
		logger:   logger,
		registry: reg,
		store:    store,
		pusher:   pusher,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// NotifyLike persists a like notification for target, pushes it to the live connection of target
// and always hands it to push delivery so that offline targets are reached as well
func (f *FanOut) NotifyLike(ctx context.Context, actor, target uuid.UUID, message string) (storage.Notification, error) {
	if actor == uuid.Nil || target == uuid.Nil {
		return storage.Notification{}, apperr.ErrMalformedIdentity
	}
	if actor == target {
		return storage.Notification{}, apperr.ErrSelfTarget
	}
	message = strings.TrimSpace(message)
	if message == "" {
		message = defaultLikeMessage
	}

	n, err := f.store.CreateNotification(ctx, storage.Notification{
		RecipientID: target,
		SenderID:    actor,
		Kind:        storage.NotificationKindLike,
		Message:     message,
		CreatedAt:   f.now().UTC(),
	})
	if err != nil {
		f.logger.Errorf("Cannot persist like of user (%s) for user (%s): %v", actor, target, err)
		return storage.Notification{}, apperr.TransientIO("cannot create notification", err)
	}
	if f.metrics != nil {
		f.metrics.Notifications.Inc()
	}
	f.logger.Debugf("Notification %d for user (%s) persisted", n.ID, target)

	if conn, ok := f.registry.Lookup(target); ok {
		ev := event.LikeNotification(event.Like{
			ActorID:        actor,
			TargetID:       target,
			Message:        message,
			NotificationID: n.ID,
		})
		if err := conn.Send(ev); err != nil {
			f.logger.Warnf("Cannot push like notification to user (%s): %v", target, err)
			if f.metrics != nil {
				f.metrics.EventsDropped.Inc()
			}
		}
	}

	f.pusher.Enqueue(push.Notification{
		RecipientID: target,
		Title:       "New like",
		Body:        message,
		Data: map[string]string{
			"type":           string(event.TypeLikeNotification),
			"actorId":        actor.String(),
			"notificationId": strconv.FormatInt(n.ID, 10),
		},
	})

	return n, nil
}

// List returns the newest notifications of recipient with the unread count
func (f *FanOut) List(ctx context.Context, recipient uuid.UUID) (Inbox, error) {
	notifications, err := f.store.Notifications(ctx, recipient)
	if err != nil {
		f.logger.Errorf("Cannot list notifications of user (%s): %v", recipient, err)
		return Inbox{}, apperr.TransientIO("cannot list notifications", err)
	}

	unread, err := f.UnreadCount(ctx, recipient)
	if err != nil {
		return Inbox{}, err
	}

	return Inbox{Notifications: notifications, UnreadCount: unread}, nil
}

func (f *FanOut) UnreadCount(ctx context.Context, recipient uuid.UUID) (int64, error) {
	count, err := f.store.UnreadNotificationCount(ctx, recipient)
	if err != nil {
		f.logger.Errorf("Cannot count notifications of user (%s): %v", recipient, err)
		return 0, apperr.TransientIO("cannot count notifications", err)
	}
	return count, nil
}

// MarkRead flips the read flag of one notification. A missing notification is not an error.
func (f *FanOut) MarkRead(ctx context.Context, recipient uuid.UUID, id int64) error {
	err := f.store.MarkNotificationRead(ctx, recipient, id)
	if err == nil || errors.Is(err, storage.ErrNotificationNotExist) {
		return nil
	}
	f.logger.Errorf("Cannot mark notification %d of user (%s) read: %v", id, recipient, err)
	return apperr.TransientIO("cannot mark notification read", err)
}

func (f *FanOut) MarkAllRead(ctx context.Context, recipient uuid.UUID) (int64, error) {
	updated, err := f.store.MarkAllNotificationsRead(ctx, recipient)
	if err != nil {
		f.logger.Errorf("Cannot mark notifications of user (%s) read: %v", recipient, err)
		return 0, apperr.TransientIO("cannot mark notifications read", err)
	}
	return updated, nil
}

// Delete dismisses a notification. Deleting an already deleted notification succeeds.
func (f *FanOut) Delete(ctx context.Context, recipient uuid.UUID, id int64) error {
	err := f.store.DeleteNotification(ctx, recipient, id)
	if err == nil || errors.Is(err, storage.ErrNotificationNotExist) {
		return nil
	}
	f.logger.Errorf("Cannot delete notification %d of user (%s): %v", id, recipient, err)
	return apperr.TransientIO("cannot delete notification", err)
}
