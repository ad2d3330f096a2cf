// Package presence tracks which identities are online and announces transitions.
package presence

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	"dateper-messaging/internal/event"
	"dateper-messaging/internal/metrics"
	"dateper-messaging/internal/registry"
	"dateper-messaging/internal/storage"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Scope selects who receives presence events
type Scope string

const (
	// ScopeGlobal broadcasts every transition to all connected clients
	ScopeGlobal Scope = "global"
	// ScopeSubscribers delivers transitions only to clients that subscribed to the identity
	ScopeSubscribers Scope = "subscribers"
)

const stripeCount = 64

type Store interface {
	SavePresence(ctx context.Context, p storage.Presence) error
	Presence(ctx context.Context, user uuid.UUID) (storage.Presence, error)
}

// State is the presence of one identity
type State struct {
	Online     bool      `json:"online"`
	LastSeenAt time.Time `json:"lastSeenAt"`
}

type stripe struct {
	mu     sync.Mutex
	states map[uuid.UUID]State
	// subscribers of identities hashed to this stripe
	subscribers map[uuid.UUID]map[uuid.UUID]struct{}

	// presence writes of identities hashed to this stripe, saved in order by a single drainer
	pending  []storage.Presence
	draining bool
}

// Tracker toggles the presence of identities on top of a registry.
// Transitions of one identity are serialized on its stripe, unrelated identities do not contend.
type Tracker struct {
	logger   *zap.SugaredLogger
	registry *registry.Registry
	store    Store
	metrics  *metrics.Metrics
	scope    Scope
	timeout  time.Duration
	now      func() time.Time

	stripes [stripeCount]*stripe

	// subscriptions held by each subscriber, used to drop them on disconnect
	subsMu        sync.Mutex
	subscriptions map[uuid.UUID][]uuid.UUID

	writes sync.WaitGroup
}

type Option func(t *Tracker)

func WithScope(s Scope) Option {
	return func(t *Tracker) {
		if s == ScopeSubscribers {
			t.scope = s
		}
	}
}

// WriteTimeout bounds a single best-effort presence write
func WriteTimeout(d time.Duration) Option {
	return func(t *Tracker) { t.timeout = d }
}

func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(t *Tracker) { t.metrics = m }
}

func NewTracker(logger *zap.SugaredLogger, reg *registry.Registry, store Store, opts ...Option) *Tracker {
	t := &Tracker{
		logger:        logger,
		registry:      reg,
		store:         store,
		scope:         ScopeGlobal,
		timeout:       5 * time.Second,
		now:           time.Now,
		subscriptions: make(map[uuid.UUID][]uuid.UUID),
	}
	for i := range t.stripes {
		t.stripes[i] = &stripe{
			states:      make(map[uuid.UUID]State),
			subscribers: make(map[uuid.UUID]map[uuid.UUID]struct{}),
		}
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tracker) stripe(id uuid.UUID) *stripe {
	return t.stripes[binary.BigEndian.Uint32(id[12:])%stripeCount]
}

// Connect registers conn as the live connection of id and moves id online.
// A second connection of an already online identity replaces the registry entry without a new broadcast.
func (t *Tracker) Connect(id uuid.UUID, conn registry.Conn) {
	s := t.stripe(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev := t.registry.Register(id, conn); prev != nil {
		t.logger.Debugf("User (%s) opened a new connection, previous one evicted", id)
	}

	st := s.states[id]
	if st.Online {
		return
	}

	st.Online = true
	st.LastSeenAt = t.now()
	s.states[id] = st

	t.persist(s, storage.Presence{UserID: id, Online: true, LastSeenAt: st.LastSeenAt})
	t.announce(s, id, event.UserOnline(id))
	t.logger.Debugf("User (%s) is online", id)
}

// Disconnect removes conn and moves id offline. It reports false when conn was already
// replaced by a newer connection, in which case id stays online.
func (t *Tracker) Disconnect(id uuid.UUID, conn registry.Conn) bool {
	s := t.stripe(id)
	s.mu.Lock()

	if !t.registry.Unregister(id, conn) {
		s.mu.Unlock()
		t.logger.Debugf("Ignoring stale disconnect of user (%s)", id)
		return false
	}

	st := State{Online: false, LastSeenAt: t.now()}
	s.states[id] = st

	t.persist(s, storage.Presence{UserID: id, Online: false, LastSeenAt: st.LastSeenAt})
	t.announce(s, id, event.UserOffline(id, st.LastSeenAt))
	s.mu.Unlock()

	t.logger.Debugf("User (%s) is offline", id)
	t.unsubscribeAll(id)
	return true
}

// State returns the presence of id. Identities unknown to this process fall back to the persisted lastSeenAt.
func (t *Tracker) State(ctx context.Context, id uuid.UUID) (State, error) {
	s := t.stripe(id)
	s.mu.Lock()
	st, ok := s.states[id]
	s.mu.Unlock()
	if ok {
		return st, nil
	}

	p, err := t.store.Presence(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrPresenceNotExist) {
			return State{}, nil
		}
		return State{}, err
	}
	// persisted online flags may predate a restart, only live connections count
	return State{Online: false, LastSeenAt: p.LastSeenAt}, nil
}

// Subscribe makes subscriber receive presence events of targets when the scope is ScopeSubscribers
func (t *Tracker) Subscribe(subscriber uuid.UUID, targets []uuid.UUID) {
	for _, target := range targets {
		if target == subscriber {
			continue
		}
		s := t.stripe(target)
		s.mu.Lock()
		set, ok := s.subscribers[target]
		if !ok {
			set = make(map[uuid.UUID]struct{})
			s.subscribers[target] = set
		}
		_, existed := set[subscriber]
		set[subscriber] = struct{}{}
		s.mu.Unlock()

		if !existed {
			t.subsMu.Lock()
			t.subscriptions[subscriber] = append(t.subscriptions[subscriber], target)
			t.subsMu.Unlock()
		}
	}
}

func (t *Tracker) unsubscribeAll(subscriber uuid.UUID) {
	t.subsMu.Lock()
	targets := t.subscriptions[subscriber]
	delete(t.subscriptions, subscriber)
	t.subsMu.Unlock()

	for _, target := range targets {
		s := t.stripe(target)
		s.mu.Lock()
		removeSubscriber(s, target, subscriber)
		s.mu.Unlock()
	}
}

func removeSubscriber(s *stripe, target, subscriber uuid.UUID) {
	set := s.subscribers[target]
	delete(set, subscriber)
	if len(set) == 0 {
		delete(s.subscribers, target)
	}
}

// announce delivers ev according to the scope. s must be locked by the caller.
func (t *Tracker) announce(s *stripe, subject uuid.UUID, ev event.Event) {
	deliver := func(id uuid.UUID, conn registry.Conn) {
		if err := conn.Send(ev); err != nil {
			t.logger.Debugf("Dropping %s event of user (%s) for user (%s): %v", ev.Type, subject, id, err)
			if t.metrics != nil {
				t.metrics.EventsDropped.Inc()
			}
		}
	}

	if t.scope == ScopeGlobal {
		t.registry.Range(deliver)
		return
	}

	for subscriber := range s.subscribers[subject] {
		if conn, ok := t.registry.Lookup(subscriber); ok {
			deliver(subscriber, conn)
		}
	}
}

// persist queues p behind the earlier writes of its stripe, so that writes of one identity
// land in transition order. s must be locked by the caller. Failures are only logged.
func (t *Tracker) persist(s *stripe, p storage.Presence) {
	t.writes.Add(1)
	s.pending = append(s.pending, p)
	if s.draining {
		return
	}
	s.draining = true
	go t.drain(s)
}

func (t *Tracker) drain(s *stripe) {
	for {
		s.mu.Lock()
		if len(s.pending) == 0 {
			s.pending = nil
			s.draining = false
			s.mu.Unlock()
			return
		}
		p := s.pending[0]
		s.pending = s.pending[1:]
		s.mu.Unlock()

		t.save(p)
		t.writes.Done()
	}
}

func (t *Tracker) save(p storage.Presence) {
	ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
	defer cancel()

	result := "ok"
	if err := t.store.SavePresence(ctx, p); err != nil {
		result = "error"
		t.logger.Warnf("Cannot persist presence of user (%s): %v", p.UserID, err)
	}
	if t.metrics != nil {
		t.metrics.PresenceWrites.WithLabelValues(result).Inc()
	}
}

// Wait blocks until pending presence writes finish
func (t *Tracker) Wait() {
	t.writes.Wait()
}
