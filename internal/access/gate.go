// Package access sells time-limited permission to message a specific identity.
package access

import (
	"context"
	"fmt"
	"time"

	"dateper-messaging/internal/apperr"
	"dateper-messaging/internal/metrics"
	"dateper-messaging/internal/storage"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	DefaultCost     = 10
	DefaultDuration = 24 * time.Hour
)

const (
	MessageAlreadyOpen  = "Already have access"
	MessageInsufficient = "Insufficient coins"
)

// Reasons reported by a failed unlock
const (
	ReasonInsufficientFunds = "INSUFFICIENT_FUNDS"
)

type Store interface {
	Balance(ctx context.Context, user uuid.UUID) (int64, error)
	ActiveGrant(ctx context.Context, granter, grantee uuid.UUID, now time.Time) (storage.Grant, error)
	Unlock(ctx context.Context, p storage.UnlockParams) (storage.UnlockResult, error)
	DeleteExpiredGrants(ctx context.Context, now time.Time) (int64, error)
}

// Status answers whether the granter may currently message the grantee
type Status struct {
	HasAccess bool       `json:"hasAccess"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	Balance   int64      `json:"balance"`
}

type UnlockResult struct {
	Granted   bool       `json:"granted"`
	Charged   bool       `json:"charged"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	Balance   int64      `json:"balance"`
	Reason    string     `json:"reason,omitempty"`
	Message   string     `json:"message"`
}

type Gate struct {
	logger   *zap.SugaredLogger
	store    Store
	metrics  *metrics.Metrics
	cost     int64
	duration time.Duration
	now      func() time.Time
}

type Option func(g *Gate)

func Cost(c int64) Option {
	return func(g *Gate) {
		if c >= 0 {
			g.cost = c
		}
	}
}

func Duration(d time.Duration) Option {
	return func(g *Gate) {
		if d > 0 {
			g.duration = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Gate) { g.metrics = m }
}

func NewGate(logger *zap.SugaredLogger, store Store, opts ...Option) *Gate {
	g := &Gate{
		logger:   logger,
		store:    store,
		cost:     DefaultCost,
		duration: DefaultDuration,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Check is a pure read, grants with expiresAt <= now count as absent
func (g *Gate) Check(ctx context.Context, granter, grantee uuid.UUID) (Status, error) {
	if err := validate(granter, grantee); err != nil {
		return Status{}, err
	}

	balance, err := g.store.Balance(ctx, granter)
	if err != nil {
		g.logger.Errorf("Cannot read balance of user (%s): %v", granter, err)
		return Status{}, apperr.TransientIO("cannot check access", err)
	}

	grant, err := g.store.ActiveGrant(ctx, granter, grantee, g.now())
	switch {
	case err == nil:
		expiresAt := grant.ExpiresAt
		return Status{HasAccess: true, ExpiresAt: &expiresAt, Balance: balance}, nil
	case errors.Is(err, storage.ErrGrantNotExist):
		return Status{HasAccess: false, Balance: balance}, nil
	default:
		g.logger.Errorf("Cannot read grant of user (%s) to user (%s): %v", granter, grantee, err)
		return Status{}, apperr.TransientIO("cannot check access", err)
	}
}

// Unlock charges the granter once per active grant. Insufficient funds return the
// result together with apperr.ErrInsufficientFunds and leave balance and grants untouched.
func (g *Gate) Unlock(ctx context.Context, granter, grantee uuid.UUID) (UnlockResult, error) {
	if err := validate(granter, grantee); err != nil {
		return UnlockResult{}, err
	}

	now := g.now()
	res, err := g.store.Unlock(ctx, storage.UnlockParams{
		GranterID: granter,
		GranteeID: grantee,
		Cost:      g.cost,
		Now:       now,
		ExpiresAt: now.Add(g.duration),
	})
	if err != nil {
		if errors.Is(err, storage.ErrInsufficientFunds) {
			g.count(metrics.UnlockInsufficient)
			g.logger.Debugf("User (%s) cannot unlock chat with user (%s): balance %d, cost %d", granter, grantee, res.Balance, g.cost)
			return UnlockResult{
				Granted: false,
				Balance: res.Balance,
				Reason:  ReasonInsufficientFunds,
				Message: MessageInsufficient,
			}, apperr.ErrInsufficientFunds
		}
		g.count(metrics.UnlockFailed)
		g.logger.Errorf("Cannot unlock chat of user (%s) with user (%s): %v", granter, grantee, err)
		return UnlockResult{}, apperr.TransientIO("cannot unlock chat", err)
	}

	expiresAt := res.Grant.ExpiresAt
	out := UnlockResult{
		Granted:   true,
		Charged:   res.Charged,
		ExpiresAt: &expiresAt,
		Balance:   res.Balance,
		Message:   fmt.Sprintf("Chat unlocked for %d hours", int(g.duration.Hours())),
	}
	if !res.Charged {
		out.Message = MessageAlreadyOpen
		g.count(metrics.UnlockAlreadyOpen)
		return out, nil
	}

	g.count(metrics.UnlockCharged)
	g.logger.Debugf("User (%s) unlocked chat with user (%s) until %s", granter, grantee, expiresAt)
	return out, nil
}

func (g *Gate) count(outcome string) {
	if g.metrics != nil {
		g.metrics.Unlocks.WithLabelValues(outcome).Inc()
	}
}

// Reap deletes expired grants. It only reclaims storage, Check and Unlock already ignore them.
func (g *Gate) Reap(ctx context.Context) (int64, error) {
	deleted, err := g.store.DeleteExpiredGrants(ctx, g.now())
	if err != nil {
		return 0, errors.Wrap(err, "access.Reap")
	}
	return deleted, nil
}

// RunReaper calls Reap every interval until ctx is done
func (g *Gate) RunReaper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deleted, err := g.Reap(ctx)
			if err != nil {
				g.logger.Warnf("Cannot reap expired grants: %v", err)
				continue
			}
			if deleted > 0 {
				g.logger.Debugf("Reaped %d expired grants", deleted)
			}
		}
	}
}

func validate(granter, grantee uuid.UUID) error {
	if granter == uuid.Nil || grantee == uuid.Nil {
		return apperr.ErrMalformedIdentity
	}
	if granter == grantee {
		return apperr.ErrSelfTarget
	}
	return nil
}
