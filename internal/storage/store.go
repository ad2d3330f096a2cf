package storage

import (
	"context"
	"time"

	"dateper-messaging/internal/storage/zapadapter"
	"github.com/google/uuid"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgtype"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var (
	ErrInsufficientFunds    = errors.New("insufficient funds")
	ErrGrantNotExist        = errors.New("grant does not exist")
	ErrNotificationNotExist = errors.New("notification does not exist")
	ErrPresenceNotExist     = errors.New("presence record does not exist")
	ErrPushTokenNotExist    = errors.New("push token does not exist")
)

const notificationsLimit = 50

const schema = `
create table if not exists messages (
	id          bigserial primary key,
	sender_id   uuid        not null,
	receiver_id uuid        not null,
	body        text        not null,
	read        boolean     not null default false,
	created_at  timestamptz not null
);
create index if not exists messages_pair_idx on messages (sender_id, receiver_id, created_at);
create index if not exists messages_receiver_idx on messages (receiver_id, created_at);

create table if not exists coin_balances (
	user_id uuid   primary key,
	balance bigint not null check (balance >= 0)
);

create table if not exists chat_access (
	granter_id uuid        not null,
	grantee_id uuid        not null,
	expires_at timestamptz not null,
	created_at timestamptz not null,
	primary key (granter_id, grantee_id)
);
create index if not exists chat_access_expires_at_idx on chat_access (expires_at);

create table if not exists notifications (
	id           bigserial primary key,
	recipient_id uuid        not null,
	sender_id    uuid        not null,
	kind         text        not null,
	message      text        not null,
	read         boolean     not null default false,
	created_at   timestamptz not null
);
create index if not exists notifications_recipient_idx on notifications (recipient_id, created_at desc);

create table if not exists presence (
	user_id      uuid        primary key,
	online       boolean     not null,
	last_seen_at timestamptz not null
);

create table if not exists blocks (
	blocker_id uuid        not null,
	blocked_id uuid        not null,
	created_at timestamptz not null,
	primary key (blocker_id, blocked_id)
);

create table if not exists reports (
	id          bigserial primary key,
	reporter_id uuid        not null,
	reported_id uuid        not null,
	reason      text        not null,
	created_at  timestamptz not null
);
create index if not exists reports_reported_idx on reports (reported_id, created_at);

create table if not exists push_tokens (
	user_id    uuid        primary key,
	token      text        not null,
	updated_at timestamptz not null
);
`

// Store defines fields used in db interaction processes
type Store struct {
	logger         *zap.SugaredLogger
	db             *pgxpool.Pool
	initialBalance int64
}

// New sets provided zap.Logger via zapadapter to pgxpool.Pool, applies the schema and returns instance of Store struct
func New(ctx context.Context, logger *zap.SugaredLogger, cfg Config, opts ...Option) (*Store, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, errors.Wrap(err, "storage.New.ParseConfig")
	}
	poolConfig.ConnConfig.Logger = zapadapter.NewLogger(logger.Desugar())

	o := &options{pool: poolConfig}
	for _, opt := range opts {
		opt.apply(o)
	}

	pool, err := pgxpool.ConnectConfig(ctx, poolConfig)
	if err != nil {
		return nil, errors.Wrap(err, "storage.New.ConnectConfig")
	}

	s := &Store{
		logger:         logger,
		db:             pool,
		initialBalance: o.initialBalance,
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "storage.New.ApplySchema")
	}

	return s, nil
}

// Close closes all pool connections
func (s *Store) Close() {
	s.db.Close()
}

func toPG(id uuid.UUID) pgtype.UUID {
	return pgtype.UUID{Bytes: [16]byte(id), Status: pgtype.Present}
}

func fromPG(id pgtype.UUID) uuid.UUID {
	return uuid.UUID(id.Bytes)
}

type messageRow struct {
	id        int64
	sender    pgtype.UUID
	receiver  pgtype.UUID
	body      string
	read      bool
	createdAt time.Time
}

func (r messageRow) message() Message {
	return Message{
		ID:         r.id,
		SenderID:   fromPG(r.sender),
		ReceiverID: fromPG(r.receiver),
		Body:       r.body,
		Read:       r.read,
		CreatedAt:  r.createdAt,
	}
}

// CreateMessage stores an unread message and returns it with the generated id
func (s *Store) CreateMessage(ctx context.Context, sender, receiver uuid.UUID, body string, createdAt time.Time) (Message, error) {
	s.logger.Debugf("Creating message from user (%s) to user (%s)", sender, receiver)

	m := Message{
		SenderID:   sender,
		ReceiverID: receiver,
		Body:       body,
		CreatedAt:  createdAt,
	}

	sql := "insert into messages (sender_id, receiver_id, body, read, created_at) values ($1, $2, $3, false, $4) returning id"
	err := s.db.QueryRow(ctx, sql, toPG(sender), toPG(receiver), body, createdAt).Scan(&m.ID)
	if err != nil {
		return Message{}, errors.Wrap(err, "store.CreateMessage")
	}

	return m, nil
}

// ConversationMessages marks every unread message received by viewer from counterpart as read
// and returns the whole conversation ordered by creation time (from earliest to latest)
func (s *Store) ConversationMessages(ctx context.Context, viewer, counterpart uuid.UUID) ([]Message, error) {
	s.logger.Debugf("Retrieving conversation of user (%s) with user (%s)", viewer, counterpart)

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "store.ConversationMessages.Begin")
	}
	// error handling can be omitted for rollback according docs
	defer tx.Rollback(context.Background())

	sql := "update messages set read = true where sender_id = $1 and receiver_id = $2 and not read"
	tag, err := tx.Exec(ctx, sql, toPG(counterpart), toPG(viewer))
	if err != nil {
		return nil, errors.Wrap(err, "store.ConversationMessages.MarkRead")
	}

	sql = `select id, sender_id, receiver_id, body, read, created_at
			 from messages
			where (sender_id = $1 and receiver_id = $2)
			   or (sender_id = $2 and receiver_id = $1)
			order by created_at asc, id asc`

	rows, err := tx.Query(ctx, sql, toPG(viewer), toPG(counterpart))
	if err != nil {
		return nil, errors.Wrap(err, "store.ConversationMessages.Query")
	}

	messages, err := scanMessages(rows)
	if err != nil {
		return nil, errors.Wrap(err, "store.ConversationMessages.Scan")
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "store.ConversationMessages.Commit")
	}

	s.logger.Debugf("Retrieved %d messages, marked %d as read", len(messages), tag.RowsAffected())

	return messages, nil
}

func scanMessages(rows pgx.Rows) ([]Message, error) {
	defer rows.Close()

	messages := make([]Message, 0)
	for rows.Next() {
		var r messageRow
		if err := rows.Scan(&r.id, &r.sender, &r.receiver, &r.body, &r.read, &r.createdAt); err != nil {
			return nil, err
		}
		messages = append(messages, r.message())
	}

	return messages, rows.Err()
}

// ClearConversation deletes every message exchanged between a and b
func (s *Store) ClearConversation(ctx context.Context, a, b uuid.UUID) (int64, error) {
	sql := `delete from messages
			 where (sender_id = $1 and receiver_id = $2)
				or (sender_id = $2 and receiver_id = $1)`

	tag, err := s.db.Exec(ctx, sql, toPG(a), toPG(b))
	if err != nil {
		return 0, errors.Wrap(err, "store.ClearConversation")
	}

	s.logger.Debugf("Deleted %d messages between users (%s) and (%s)", tag.RowsAffected(), a, b)

	return tag.RowsAffected(), nil
}

// ConversationSummaries returns one summary per counterpart of viewer, sorted by the time of the last message
// (from latest to oldest)
func (s *Store) ConversationSummaries(ctx context.Context, viewer uuid.UUID) ([]ConversationSummary, error) {
	s.logger.Debugf("Retrieving conversations for user (%s)", viewer)

	sql := ` -- messages of the viewer keyed by the other participant
			with conversation_messages as (
				select messages.*,
					   case when sender_id = $1 then receiver_id else sender_id end as counterpart_id
				  from messages
				 where sender_id = $1 or receiver_id = $1
			),

			latest as (
				select distinct on (counterpart_id)
					   counterpart_id, id, sender_id, receiver_id, body, read, created_at
				  from conversation_messages
				 order by counterpart_id, created_at desc, id desc
			),

			unread as (
				select counterpart_id,
					   count(*) filter (where receiver_id = $1 and not read) as unread_count
				  from conversation_messages
				 group by counterpart_id
			)

			select latest.counterpart_id,
				   latest.id,
				   latest.sender_id,
				   latest.receiver_id,
				   latest.body,
				   latest.read,
				   latest.created_at,
				   unread.unread_count
			  from latest
			  join unread
				on unread.counterpart_id = latest.counterpart_id
			 order by latest.created_at desc, latest.id desc`

	rows, err := s.db.Query(ctx, sql, toPG(viewer))
	if err != nil {
		return nil, errors.Wrap(err, "store.ConversationSummaries.Query")
	}
	defer rows.Close()

	summaries := make([]ConversationSummary, 0)
	for rows.Next() {
		var (
			counterpart pgtype.UUID
			r           messageRow
			unread      int64
		)
		err = rows.Scan(&counterpart, &r.id, &r.sender, &r.receiver, &r.body, &r.read, &r.createdAt, &unread)
		if err != nil {
			return nil, errors.Wrap(err, "store.ConversationSummaries.Scan")
		}

		summaries = append(summaries, ConversationSummary{
			CounterpartID: fromPG(counterpart),
			LastMessage:   r.message(),
			UnreadCount:   int(unread),
		})
	}

	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "store.ConversationSummaries.Rows")
	}

	s.logger.Debugf("Retrieved %d conversations", len(summaries))

	return summaries, nil
}

// Balance returns the coin balance of user, a user without ledger row has the initial balance
func (s *Store) Balance(ctx context.Context, user uuid.UUID) (int64, error) {
	var balance int64
	sql := "select coalesce((select balance from coin_balances where user_id = $1), $2)"
	if err := s.db.QueryRow(ctx, sql, toPG(user), s.initialBalance).Scan(&balance); err != nil {
		return 0, errors.Wrap(err, "store.Balance")
	}
	return balance, nil
}

// ActiveGrant returns the grant of the ordered pair that is still active at now
func (s *Store) ActiveGrant(ctx context.Context, granter, grantee uuid.UUID, now time.Time) (Grant, error) {
	return activeGrant(ctx, s.db, granter, grantee, now)
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

func activeGrant(ctx context.Context, q querier, granter, grantee uuid.UUID, now time.Time) (Grant, error) {
	g := Grant{GranterID: granter, GranteeID: grantee}
	sql := "select expires_at, created_at from chat_access where granter_id = $1 and grantee_id = $2 and expires_at > $3"
	err := q.QueryRow(ctx, sql, toPG(granter), toPG(grantee), now).Scan(&g.ExpiresAt, &g.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Grant{}, ErrGrantNotExist
		}
		return Grant{}, errors.Wrap(err, "store.ActiveGrant")
	}
	return g, nil
}

// Unlock charges the granter and creates or replaces the grant in a single transaction.
// The granter's ledger row is locked for the whole transaction, so concurrent unlocks of the same
// granter are serialized and can never both pass the balance check.
func (s *Store) Unlock(ctx context.Context, p UnlockParams) (UnlockResult, error) {
	s.logger.Debugf("Unlocking chat of user (%s) with user (%s)", p.GranterID, p.GranteeID)

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return UnlockResult{}, errors.Wrap(err, "store.Unlock.Begin")
	}
	defer tx.Rollback(context.Background())

	sql := "insert into coin_balances (user_id, balance) values ($1, $2) on conflict (user_id) do nothing"
	if _, err := tx.Exec(ctx, sql, toPG(p.GranterID), s.initialBalance); err != nil {
		return UnlockResult{}, errors.Wrap(err, "store.Unlock.InitBalance")
	}

	var balance int64
	sql = "select balance from coin_balances where user_id = $1 for update"
	if err := tx.QueryRow(ctx, sql, toPG(p.GranterID)).Scan(&balance); err != nil {
		return UnlockResult{}, errors.Wrap(err, "store.Unlock.LockBalance")
	}

	existing, err := activeGrant(ctx, tx, p.GranterID, p.GranteeID, p.Now)
	switch {
	case err == nil:
		if err := tx.Commit(ctx); err != nil {
			return UnlockResult{}, errors.Wrap(err, "store.Unlock.Commit")
		}
		return UnlockResult{Grant: existing, Balance: balance}, nil
	case !errors.Is(err, ErrGrantNotExist):
		return UnlockResult{}, err
	}

	if balance < p.Cost {
		return UnlockResult{Balance: balance}, ErrInsufficientFunds
	}

	sql = "update coin_balances set balance = balance - $2 where user_id = $1 returning balance"
	if err := tx.QueryRow(ctx, sql, toPG(p.GranterID), p.Cost).Scan(&balance); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.CheckViolation {
			return UnlockResult{Balance: balance}, ErrInsufficientFunds
		}
		return UnlockResult{}, errors.Wrap(err, "store.Unlock.Charge")
	}

	grant := Grant{
		GranterID: p.GranterID,
		GranteeID: p.GranteeID,
		ExpiresAt: p.ExpiresAt,
		CreatedAt: p.Now,
	}

	sql = `insert into chat_access (granter_id, grantee_id, expires_at, created_at)
		   values ($1, $2, $3, $4)
		   on conflict (granter_id, grantee_id)
		   do update set expires_at = excluded.expires_at, created_at = excluded.created_at`
	if _, err := tx.Exec(ctx, sql, toPG(grant.GranterID), toPG(grant.GranteeID), grant.ExpiresAt, grant.CreatedAt); err != nil {
		return UnlockResult{}, errors.Wrap(err, "store.Unlock.Grant")
	}

	if err := tx.Commit(ctx); err != nil {
		return UnlockResult{}, errors.Wrap(err, "store.Unlock.Commit")
	}

	s.logger.Debugf("Unlocked chat of user (%s) with user (%s) until %s, balance %d",
		p.GranterID, p.GranteeID, grant.ExpiresAt, balance)

	return UnlockResult{Grant: grant, Balance: balance, Charged: true}, nil
}

// DeleteExpiredGrants removes grants that expired at or before now
func (s *Store) DeleteExpiredGrants(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, "delete from chat_access where expires_at <= $1", now)
	if err != nil {
		return 0, errors.Wrap(err, "store.DeleteExpiredGrants")
	}
	return tag.RowsAffected(), nil
}

// CreateNotification stores n and returns it with the generated id
func (s *Store) CreateNotification(ctx context.Context, n Notification) (Notification, error) {
	sql := `insert into notifications (recipient_id, sender_id, kind, message, read, created_at)
			values ($1, $2, $3, $4, false, $5) returning id`
	err := s.db.QueryRow(ctx, sql, toPG(n.RecipientID), toPG(n.SenderID), n.Kind, n.Message, n.CreatedAt).Scan(&n.ID)
	if err != nil {
		return Notification{}, errors.Wrap(err, "store.CreateNotification")
	}
	n.Read = false
	return n, nil
}

// Notifications returns the latest notifications of recipient (from latest to oldest)
func (s *Store) Notifications(ctx context.Context, recipient uuid.UUID) ([]Notification, error) {
	sql := `select id, recipient_id, sender_id, kind, message, read, created_at
			  from notifications
			 where recipient_id = $1
			 order by created_at desc, id desc
			 limit $2`

	rows, err := s.db.Query(ctx, sql, toPG(recipient), notificationsLimit)
	if err != nil {
		return nil, errors.Wrap(err, "store.Notifications.Query")
	}
	defer rows.Close()

	notifications := make([]Notification, 0)
	for rows.Next() {
		var (
			n                 Notification
			recipientID, from pgtype.UUID
		)
		if err := rows.Scan(&n.ID, &recipientID, &from, &n.Kind, &n.Message, &n.Read, &n.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "store.Notifications.Scan")
		}
		n.RecipientID = fromPG(recipientID)
		n.SenderID = fromPG(from)
		notifications = append(notifications, n)
	}

	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "store.Notifications.Rows")
	}

	return notifications, nil
}

func (s *Store) UnreadNotificationCount(ctx context.Context, recipient uuid.UUID) (int64, error) {
	var count int64
	sql := "select count(*) from notifications where recipient_id = $1 and not read"
	if err := s.db.QueryRow(ctx, sql, toPG(recipient)).Scan(&count); err != nil {
		return 0, errors.Wrap(err, "store.UnreadNotificationCount")
	}
	return count, nil
}

// MarkNotificationRead sets the read flag of a notification owned by recipient
func (s *Store) MarkNotificationRead(ctx context.Context, recipient uuid.UUID, id int64) error {
	tag, err := s.db.Exec(ctx, "update notifications set read = true where id = $1 and recipient_id = $2", id, toPG(recipient))
	if err != nil {
		return errors.Wrap(err, "store.MarkNotificationRead")
	}
	if tag.RowsAffected() == 0 {
		return ErrNotificationNotExist
	}
	return nil
}

func (s *Store) MarkAllNotificationsRead(ctx context.Context, recipient uuid.UUID) (int64, error) {
	tag, err := s.db.Exec(ctx, "update notifications set read = true where recipient_id = $1 and not read", toPG(recipient))
	if err != nil {
		return 0, errors.Wrap(err, "store.MarkAllNotificationsRead")
	}
	return tag.RowsAffected(), nil
}

func (s *Store) DeleteNotification(ctx context.Context, recipient uuid.UUID, id int64) error {
	tag, err := s.db.Exec(ctx, "delete from notifications where id = $1 and recipient_id = $2", id, toPG(recipient))
	if err != nil {
		return errors.Wrap(err, "store.DeleteNotification")
	}
	if tag.RowsAffected() == 0 {
		return ErrNotificationNotExist
	}
	return nil
}

// SavePresence upserts the presence record of user. A record older than the stored one is ignored.
func (s *Store) SavePresence(ctx context.Context, p Presence) error {
	sql := `insert into presence (user_id, online, last_seen_at) values ($1, $2, $3)
			on conflict (user_id) do update set online = excluded.online, last_seen_at = excluded.last_seen_at
			where presence.last_seen_at <= excluded.last_seen_at`
	if _, err := s.db.Exec(ctx, sql, toPG(p.UserID), p.Online, p.LastSeenAt); err != nil {
		return errors.Wrap(err, "store.SavePresence")
	}
	return nil
}

func (s *Store) Presence(ctx context.Context, user uuid.UUID) (Presence, error) {
	p := Presence{UserID: user}
	sql := "select online, last_seen_at from presence where user_id = $1"
	err := s.db.QueryRow(ctx, sql, toPG(user)).Scan(&p.Online, &p.LastSeenAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Presence{}, ErrPresenceNotExist
		}
		return Presence{}, errors.Wrap(err, "store.Presence")
	}
	return p, nil
}

// ResetPresence marks every user offline. Presence is rebuilt from live connections after a restart.
func (s *Store) ResetPresence(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, "update presence set online = false where online"); err != nil {
		return errors.Wrap(err, "store.ResetPresence")
	}
	return nil
}

func (s *Store) Block(ctx context.Context, blocker, blocked uuid.UUID) error {
	sql := "insert into blocks (blocker_id, blocked_id, created_at) values ($1, $2, $3) on conflict do nothing"
	if _, err := s.db.Exec(ctx, sql, toPG(blocker), toPG(blocked), time.Now()); err != nil {
		return errors.Wrap(err, "store.Block")
	}
	return nil
}

func (s *Store) Unblock(ctx context.Context, blocker, blocked uuid.UUID) error {
	sql := "delete from blocks where blocker_id = $1 and blocked_id = $2"
	if _, err := s.db.Exec(ctx, sql, toPG(blocker), toPG(blocked)); err != nil {
		return errors.Wrap(err, "store.Unblock")
	}
	return nil
}

// BlockedUsers returns users blocked by blocker (from latest to oldest)
func (s *Store) BlockedUsers(ctx context.Context, blocker uuid.UUID) ([]uuid.UUID, error) {
	rows, err := s.db.Query(ctx, "select blocked_id from blocks where blocker_id = $1 order by created_at desc", toPG(blocker))
	if err != nil {
		return nil, errors.Wrap(err, "store.BlockedUsers.Query")
	}
	defer rows.Close()

	blocked := make([]uuid.UUID, 0)
	for rows.Next() {
		var id pgtype.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "store.BlockedUsers.Scan")
		}
		blocked = append(blocked, fromPG(id))
	}

	return blocked, errors.Wrap(rows.Err(), "store.BlockedUsers.Rows")
}

func (s *Store) IsBlocked(ctx context.Context, blocker, blocked uuid.UUID) (bool, error) {
	var exists bool
	sql := "select exists (select 1 from blocks where blocker_id = $1 and blocked_id = $2)"
	if err := s.db.QueryRow(ctx, sql, toPG(blocker), toPG(blocked)).Scan(&exists); err != nil {
		return false, errors.Wrap(err, "store.IsBlocked")
	}
	return exists, nil
}

// Report stores r and returns it with the assigned id
func (s *Store) Report(ctx context.Context, r Report) (Report, error) {
	sql := "insert into reports (reporter_id, reported_id, reason, created_at) values ($1, $2, $3, $4) returning id"
	err := s.db.QueryRow(ctx, sql, toPG(r.ReporterID), toPG(r.ReportedID), r.Reason, r.CreatedAt).Scan(&r.ID)
	if err != nil {
		return Report{}, errors.Wrap(err, "store.Report")
	}
	return r, nil
}

func (s *Store) SavePushToken(ctx context.Context, user uuid.UUID, token string) error {
	sql := `insert into push_tokens (user_id, token, updated_at) values ($1, $2, $3)
			on conflict (user_id) do update set token = excluded.token, updated_at = excluded.updated_at`
	if _, err := s.db.Exec(ctx, sql, toPG(user), token, time.Now()); err != nil {
		return errors.Wrap(err, "store.SavePushToken")
	}
	return nil
}

func (s *Store) PushToken(ctx context.Context, user uuid.UUID) (string, error) {
	var token string
	err := s.db.QueryRow(ctx, "select token from push_tokens where user_id = $1", toPG(user)).Scan(&token)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrPushTokenNotExist
		}
		return "", errors.Wrap(err, "store.PushToken")
	}
	return token, nil
}
