package messaging

import (
	"context"
	"sort"
	"sync"

	"dateper-messaging/internal/apperr"
	"dateper-messaging/internal/storage"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type SummaryStore interface {
	ConversationSummaries(ctx context.Context, viewer uuid.UUID) ([]storage.ConversationSummary, error)
}

type cached struct {
	generation uint64
	summaries  []storage.ConversationSummary
}

// Conversations derives chat lists from the message store, optionally caching them per viewer.
// A cached list is dropped whenever a send, fetch or clear touches the viewer.
type Conversations struct {
	logger *zap.SugaredLogger
	store  SummaryStore

	cacheEnabled bool
	mu           sync.Mutex
	generations  map[uuid.UUID]uint64
	cache        map[uuid.UUID]cached
}

func NewConversations(logger *zap.SugaredLogger, store SummaryStore, cacheEnabled bool) *Conversations {
	return &Conversations{
		logger:       logger,
		store:        store,
		cacheEnabled: cacheEnabled,
		generations:  make(map[uuid.UUID]uint64),
		cache:        make(map[uuid.UUID]cached),
	}
}

// List returns one summary per counterpart, most recent conversation first
func (c *Conversations) List(ctx context.Context, viewer uuid.UUID) ([]storage.ConversationSummary, error) {
	if viewer == uuid.Nil {
		return nil, apperr.ErrMalformedIdentity
	}

	var generation uint64
	if c.cacheEnabled {
		c.mu.Lock()
		if entry, ok := c.cache[viewer]; ok {
			c.mu.Unlock()
			return copySummaries(entry.summaries), nil
		}
		generation = c.generations[viewer]
		c.mu.Unlock()
	}

	summaries, err := c.store.ConversationSummaries(ctx, viewer)
	if err != nil {
		c.logger.Errorf("Cannot list conversations of user (%s): %v", viewer, err)
		return nil, apperr.TransientIO("cannot list conversations", err)
	}
	sortSummaries(summaries)

	if c.cacheEnabled {
		c.mu.Lock()
		// an invalidation while computing makes this result stale
		if c.generations[viewer] == generation {
			c.cache[viewer] = cached{generation: generation, summaries: copySummaries(summaries)}
		}
		c.mu.Unlock()
	}

	return summaries, nil
}

// Invalidate drops cached lists of the given viewers. It is safe on a nil receiver.
func (c *Conversations) Invalidate(viewers ...uuid.UUID) {
	if c == nil || !c.cacheEnabled {
		return
	}

	c.mu.Lock()
	for _, v := range viewers {
		c.generations[v]++
		delete(c.cache, v)
	}
	c.mu.Unlock()
}

// sortSummaries orders by latest message, newest first. Equal timestamps fall back to insertion order.
func sortSummaries(s []storage.ConversationSummary) {
	sort.SliceStable(s, func(i, j int) bool {
		a, b := s[i].LastMessage, s[j].LastMessage
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID > b.ID
	})
}

func copySummaries(s []storage.ConversationSummary) []storage.ConversationSummary {
	out := make([]storage.ConversationSummary, len(s))
	copy(out, s)
	return out
}
