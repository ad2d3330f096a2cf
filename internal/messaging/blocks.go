package messaging

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"dateper-messaging/internal/apperr"
	"dateper-messaging/internal/storage"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type BlockStore interface {
	Block(ctx context.Context, blocker, blocked uuid.UUID) error
	Unblock(ctx context.Context, blocker, blocked uuid.UUID) error
	BlockedUsers(ctx context.Context, blocker uuid.UUID) ([]uuid.UUID, error)
	Report(ctx context.Context, r storage.Report) (storage.Report, error)
}

const maxReportReason = 1000

// Blocklist manages who may not message whom. Existing chat grants are not revoked by a block.
type Blocklist struct {
	logger *zap.SugaredLogger
	store  BlockStore
}

func NewBlocklist(logger *zap.SugaredLogger, store BlockStore) *Blocklist {
	return &Blocklist{logger: logger, store: store}
}

func (b *Blocklist) Block(ctx context.Context, blocker, blocked uuid.UUID) error {
	if err := validatePair(blocker, blocked); err != nil {
		return err
	}
	if err := b.store.Block(ctx, blocker, blocked); err != nil {
		b.logger.Errorf("Cannot block user (%s) for user (%s): %v", blocked, blocker, err)
		return apperr.TransientIO("cannot block user", err)
	}
	b.logger.Debugf("User (%s) blocked user (%s)", blocker, blocked)
	return nil
}

// Unblock succeeds when no block existed
func (b *Blocklist) Unblock(ctx context.Context, blocker, blocked uuid.UUID) error {
	if err := validatePair(blocker, blocked); err != nil {
		return err
	}
	if err := b.store.Unblock(ctx, blocker, blocked); err != nil {
		b.logger.Errorf("Cannot unblock user (%s) for user (%s): %v", blocked, blocker, err)
		return apperr.TransientIO("cannot unblock user", err)
	}
	return nil
}

func (b *Blocklist) List(ctx context.Context, blocker uuid.UUID) ([]uuid.UUID, error) {
	if blocker == uuid.Nil {
		return nil, apperr.ErrMalformedIdentity
	}
	ids, err := b.store.BlockedUsers(ctx, blocker)
	if err != nil {
		b.logger.Errorf("Cannot list blocked users of user (%s): %v", blocker, err)
		return nil, apperr.TransientIO("cannot list blocked users", err)
	}
	return ids, nil
}

// Report files a complaint against reported. It neither blocks nor notifies anyone.
func (b *Blocklist) Report(ctx context.Context, reporter, reported uuid.UUID, reason string) (storage.Report, error) {
	if err := validatePair(reporter, reported); err != nil {
		return storage.Report{}, err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return storage.Report{}, apperr.InvalidArgument("report reason must not be empty")
	}
	if utf8.RuneCountInString(reason) > maxReportReason {
		return storage.Report{}, apperr.InvalidArgument("report reason is too long")
	}

	r, err := b.store.Report(ctx, storage.Report{
		ReporterID: reporter,
		ReportedID: reported,
		Reason:     reason,
		CreatedAt:  time.Now().UTC(),
	})
	if err != nil {
		b.logger.Errorf("Cannot store report of user (%s) against user (%s): %v", reporter, reported, err)
		return storage.Report{}, apperr.TransientIO("cannot store report", err)
	}
	b.logger.Debugf("User (%s) reported user (%s)", reporter, reported)
	return r, nil
}

func validatePair(a, b uuid.UUID) error {
	if a == uuid.Nil || b == uuid.Nil {
		return apperr.ErrMalformedIdentity
	}
	if a == b {
		return apperr.ErrSelfTarget
	}
	return nil
}
