package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type grantKey struct {
	granter, grantee uuid.UUID
}

// MemStore keeps everything in process memory. It serves local development and tests and
// mirrors the semantics of Store, including the atomicity of Unlock.
type MemStore struct {
	mu sync.RWMutex

	initialBalance int64

	lastMessageID int64
	messages      []Message

	balances map[uuid.UUID]int64
	grants   map[grantKey]Grant

	lastNotificationID int64
	notifications      []Notification

	presence   map[uuid.UUID]Presence
	blocks     map[uuid.UUID][]uuid.UUID
	pushTokens map[uuid.UUID]string

	reports []Report
}

func NewMemStore(initialBalance int64) *MemStore {
	return &MemStore{
		initialBalance: initialBalance,
		balances:       make(map[uuid.UUID]int64),
		grants:         make(map[grantKey]Grant),
		presence:       make(map[uuid.UUID]Presence),
		blocks:         make(map[uuid.UUID][]uuid.UUID),
		pushTokens:     make(map[uuid.UUID]string),
	}
}

func (s *MemStore) Close() {}

func samePair(m Message, a, b uuid.UUID) bool {
	return (m.SenderID == a && m.ReceiverID == b) || (m.SenderID == b && m.ReceiverID == a)
}

func (s *MemStore) CreateMessage(_ context.Context, sender, receiver uuid.UUID, body string, createdAt time.Time) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastMessageID++
	m := Message{
		ID:         s.lastMessageID,
		SenderID:   sender,
		ReceiverID: receiver,
		Body:       body,
		CreatedAt:  createdAt,
	}
	s.messages = append(s.messages, m)
	return m, nil
}

func (s *MemStore) ConversationMessages(_ context.Context, viewer, counterpart uuid.UUID) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Message, 0)
	for i := range s.messages {
		m := &s.messages[i]
		if !samePair(*m, viewer, counterpart) {
			continue
		}
		if m.ReceiverID == viewer {
			m.Read = true
		}
		out = append(out, *m)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemStore) ClearConversation(_ context.Context, a, b uuid.UUID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.messages[:0]
	var deleted int64
	for _, m := range s.messages {
		if samePair(m, a, b) {
			deleted++
			continue
		}
		kept = append(kept, m)
	}
	s.messages = kept
	return deleted, nil
}

func (s *MemStore) ConversationSummaries(_ context.Context, viewer uuid.UUID) ([]ConversationSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byCounterpart := make(map[uuid.UUID]*ConversationSummary)
	for _, m := range s.messages {
		if m.SenderID != viewer && m.ReceiverID != viewer {
			continue
		}

		counterpart := m.Counterpart(viewer)
		sum, ok := byCounterpart[counterpart]
		if !ok {
			sum = &ConversationSummary{CounterpartID: counterpart, LastMessage: m}
			byCounterpart[counterpart] = sum
		} else if newer(m, sum.LastMessage) {
			sum.LastMessage = m
		}

		if m.ReceiverID == viewer && !m.Read {
			sum.UnreadCount++
		}
	}

	out := make([]ConversationSummary, 0, len(byCounterpart))
	for _, sum := range byCounterpart {
		out = append(out, *sum)
	}
	sort.Slice(out, func(i, j int) bool {
		return newer(out[i].LastMessage, out[j].LastMessage)
	})
	return out, nil
}

// newer orders messages by creation time, then by insertion order
func newer(a, b Message) bool {
	if a.CreatedAt.Equal(b.CreatedAt) {
		return a.ID > b.ID
	}
	return a.CreatedAt.After(b.CreatedAt)
}

func (s *MemStore) balance(user uuid.UUID) int64 {
	if b, ok := s.balances[user]; ok {
		return b
	}
	return s.initialBalance
}

func (s *MemStore) Balance(_ context.Context, user uuid.UUID) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.balance(user), nil
}

// SetBalance overwrites the coin balance of user
func (s *MemStore) SetBalance(user uuid.UUID, balance int64) {
	s.mu.Lock()
	s.balances[user] = balance
	s.mu.Unlock()
}

func (s *MemStore) ActiveGrant(_ context.Context, granter, grantee uuid.UUID, now time.Time) (Grant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g, ok := s.grants[grantKey{granter, grantee}]
	if !ok || !g.ExpiresAt.After(now) {
		return Grant{}, ErrGrantNotExist
	}
	return g, nil
}

func (s *MemStore) Unlock(_ context.Context, p UnlockParams) (UnlockResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	balance := s.balance(p.GranterID)
	key := grantKey{p.GranterID, p.GranteeID}
	if g, ok := s.grants[key]; ok && g.ExpiresAt.After(p.Now) {
		return UnlockResult{Grant: g, Balance: balance}, nil
	}

	if balance < p.Cost {
		return UnlockResult{Balance: balance}, ErrInsufficientFunds
	}

	balance -= p.Cost
	s.balances[p.GranterID] = balance

	g := Grant{
		GranterID: p.GranterID,
		GranteeID: p.GranteeID,
		ExpiresAt: p.ExpiresAt,
		CreatedAt: p.Now,
	}
	s.grants[key] = g

	return UnlockResult{Grant: g, Balance: balance, Charged: true}, nil
}

func (s *MemStore) DeleteExpiredGrants(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for key, g := range s.grants {
		if !g.ExpiresAt.After(now) {
			delete(s.grants, key)
			deleted++
		}
	}
	return deleted, nil
}

// GrantCount returns the number of stored grants, active or not
func (s *MemStore) GrantCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.grants)
}

func (s *MemStore) CreateNotification(_ context.Context, n Notification) (Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastNotificationID++
	n.ID = s.lastNotificationID
	n.Read = false
	s.notifications = append(s.notifications, n)
	return n, nil
}

func (s *MemStore) Notifications(_ context.Context, recipient uuid.UUID) ([]Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Notification, 0)
	for i := len(s.notifications) - 1; i >= 0 && len(out) < notificationsLimit; i-- {
		if s.notifications[i].RecipientID == recipient {
			out = append(out, s.notifications[i])
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemStore) UnreadNotificationCount(_ context.Context, recipient uuid.UUID) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int64
	for _, n := range s.notifications {
		if n.RecipientID == recipient && !n.Read {
			count++
		}
	}
	return count, nil
}

func (s *MemStore) MarkNotificationRead(_ context.Context, recipient uuid.UUID, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.notifications {
		if s.notifications[i].ID == id && s.notifications[i].RecipientID == recipient {
			s.notifications[i].Read = true
			return nil
		}
	}
	return ErrNotificationNotExist
}

func (s *MemStore) MarkAllNotificationsRead(_ context.Context, recipient uuid.UUID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var updated int64
	for i := range s.notifications {
		n := &s.notifications[i]
		if n.RecipientID == recipient && !n.Read {
			n.Read = true
			updated++
		}
	}
	return updated, nil
}

func (s *MemStore) DeleteNotification(_ context.Context, recipient uuid.UUID, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, n := range s.notifications {
		if n.ID == id && n.RecipientID == recipient {
			s.notifications = append(s.notifications[:i], s.notifications[i+1:]...)
			return nil
		}
	}
	return ErrNotificationNotExist
}

func (s *MemStore) SavePresence(_ context.Context, p Presence) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.presence[p.UserID]; ok && prev.LastSeenAt.After(p.LastSeenAt) {
		return nil
	}
	s.presence[p.UserID] = p
	return nil
}

func (s *MemStore) Presence(_ context.Context, user uuid.UUID) (Presence, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.presence[user]
	if !ok {
		return Presence{}, ErrPresenceNotExist
	}
	return p, nil
}

func (s *MemStore) ResetPresence(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, p := range s.presence {
		p.Online = false
		s.presence[id] = p
	}
	return nil
}

func (s *MemStore) Block(_ context.Context, blocker, blocked uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range s.blocks[blocker] {
		if id == blocked {
			return nil
		}
	}
	s.blocks[blocker] = append([]uuid.UUID{blocked}, s.blocks[blocker]...)
	return nil
}

func (s *MemStore) Unblock(_ context.Context, blocker, blocked uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.blocks[blocker]
	for i, id := range list {
		if id == blocked {
			s.blocks[blocker] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	return nil
}

func (s *MemStore) BlockedUsers(_ context.Context, blocker uuid.UUID) ([]uuid.UUID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]uuid.UUID, len(s.blocks[blocker]))
	copy(out, s.blocks[blocker])
	return out, nil
}

func (s *MemStore) IsBlocked(_ context.Context, blocker, blocked uuid.UUID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, id := range s.blocks[blocker] {
		if id == blocked {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemStore) Report(_ context.Context, r Report) (Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r.ID = int64(len(s.reports) + 1)
	s.reports = append(s.reports, r)
	return r, nil
}

// Reports returns every filed report, oldest first
func (s *MemStore) Reports() []Report {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Report, len(s.reports))
	copy(out, s.reports)
	return out
}

func (s *MemStore) SavePushToken(_ context.Context, user uuid.UUID, token string) error {
	s.mu.Lock()
	s.pushTokens[user] = token
	s.mu.Unlock()
	return nil
}

func (s *MemStore) PushToken(_ context.Context, user uuid.UUID) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	token, ok := s.pushTokens[user]
	if !ok {
		return "", ErrPushTokenNotExist
	}
	return token, nil
}
