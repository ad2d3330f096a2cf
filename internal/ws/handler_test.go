package ws

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"dateper-messaging/internal/event"
	"dateper-messaging/internal/identity"
	"dateper-messaging/internal/messaging"
	"dateper-messaging/internal/metrics"
	"dateper-messaging/internal/presence"
	"dateper-messaging/internal/push"
	"dateper-messaging/internal/registry"
	"dateper-messaging/internal/storage"
	mytesting "dateper-messaging/internal/testing"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

type discardPusher struct{}

func (discardPusher) Enqueue(push.Notification) bool { return true }

type received struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type env struct {
	srv      *httptest.Server
	ids      *identity.Provider
	store    *storage.MemStore
	registry *registry.Registry
	tracker  *presence.Tracker
	handler  *Handler
}

func newEnv(t *testing.T, cfg Config) *env {
	t.Helper()

	logger := zap.NewNop().Sugar()
	e := &env{
		ids:      identity.NewProvider("secret"),
		store:    storage.NewMemStore(100),
		registry: registry.New(),
	}
	e.tracker = presence.NewTracker(logger, e.registry, e.store)
	router := messaging.NewRouter(logger, e.registry, e.store, discardPusher{})

	e.handler = NewHandler(logger, cfg, e.ids, e.tracker, router, metrics.New())
	e.srv = httptest.NewServer(e.handler)
	t.Cleanup(func() {
		e.srv.Close()
		e.tracker.Wait()
	})
	return e
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.AuthTimeout = 2 * time.Second
	cfg.PingInterval = 0
	return cfg
}

func (e *env) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + query
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func (e *env) token(t *testing.T, id uuid.UUID) string {
	t.Helper()
	token, err := e.ids.Issue(id, time.Hour)
	require.NoError(t, err)
	return token
}

func write(t *testing.T, conn *websocket.Conn, typ string, data interface{}) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, wsjson.Write(ctx, conn, map[string]interface{}{"type": typ, "data": data}))
}

// await reads events until one of type typ arrives
func await(t *testing.T, conn *websocket.Conn, typ event.Type) received {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for {
		var ev received
		require.NoError(t, wsjson.Read(ctx, conn, &ev))
		if ev.Type == string(typ) {
			return ev
		}
	}
}

func (e *env) login(t *testing.T, id uuid.UUID) *websocket.Conn {
	t.Helper()

	conn := e.dial(t, "")
	write(t, conn, TypeAuthenticate, e.token(t, id))
	await(t, conn, event.TypeAuthenticated)
	return conn
}

func errorOf(t *testing.T, ev received) event.Error {
	t.Helper()
	var out event.Error
	require.NoError(t, json.Unmarshal(ev.Data, &out))
	return out
}

func TestAuthenticateAndExchange(t *testing.T) {
	e := newEnv(t, testConfig())
	ids := mytesting.UserIDs(2)

	a := e.login(t, ids[0])
	b := e.login(t, ids[1])

	online := await(t, a, event.TypeUserOnline)
	var p event.Presence
	require.NoError(t, json.Unmarshal(online.Data, &p))
	require.Equal(t, ids[1], p.UserID)

	write(t, a, TypeSendMessage, map[string]string{
		"senderId":   ids[0].String(),
		"receiverId": ids[1].String(),
		"text":       "hi",
		"clientId":   "tmp-7",
	})

	var got event.Message
	require.NoError(t, json.Unmarshal(await(t, b, event.TypeNewMessage).Data, &got))
	require.Equal(t, "hi", got.Text)
	require.Equal(t, ids[0], got.SenderID)
	require.Empty(t, got.ClientID)

	var ack event.Message
	require.NoError(t, json.Unmarshal(await(t, a, event.TypeMessageSent).Data, &ack))
	require.Equal(t, got.ID, ack.ID)
	require.Equal(t, "tmp-7", ack.ClientID)

	msgs, err := e.store.ConversationMessages(context.Background(), ids[1], ids[0])
	require.NoError(t, err)
	require.Len(t, msgs, 1)
}

func TestAuthenticateWithObjectPayload(t *testing.T) {
	e := newEnv(t, testConfig())
	id := uuid.New()

	conn := e.dial(t, "")
	write(t, conn, TypeAuthenticate, map[string]string{"token": e.token(t, id)})

	var p event.Presence
	require.NoError(t, json.Unmarshal(await(t, conn, event.TypeAuthenticated).Data, &p))
	require.Equal(t, id, p.UserID)
}

func TestTokenInQuery(t *testing.T) {
	e := newEnv(t, testConfig())
	id := uuid.New()

	conn := e.dial(t, "?token="+e.token(t, id))
	await(t, conn, event.TypeAuthenticated)

	require.Eventually(t, func() bool {
		_, ok := e.registry.Lookup(id)
		return ok
	}, time.Second, 10*time.Millisecond)
}

func TestInvalidTokenInQueryCloses(t *testing.T) {
	e := newEnv(t, testConfig())

	conn := e.dial(t, "?token=garbage")
	ev := await(t, conn, event.TypeError)
	require.Equal(t, "UNAUTHENTICATED", errorOf(t, ev).Code)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	require.Equal(t, websocket.StatusPolicyViolation, websocket.CloseStatus(err))
}

func TestEventsBeforeAuthentication(t *testing.T) {
	e := newEnv(t, testConfig())
	conn := e.dial(t, "")

	write(t, conn, TypeSendMessage, map[string]string{"receiverId": uuid.NewString(), "text": "hi", "clientId": "c1"})
	failure := errorOf(t, await(t, conn, event.TypeError))
	require.Equal(t, "UNAUTHENTICATED", failure.Code)
	require.Equal(t, "c1", failure.ClientID)

	write(t, conn, TypeAuthenticate, "not-a-token")
	require.Equal(t, "UNAUTHENTICATED", errorOf(t, await(t, conn, event.TypeError)).Code)

	// a later valid attempt still succeeds
	write(t, conn, TypeAuthenticate, e.token(t, uuid.New()))
	await(t, conn, event.TypeAuthenticated)
}

func TestAuthenticationTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.AuthTimeout = 100 * time.Millisecond
	e := newEnv(t, cfg)
	conn := e.dial(t, "")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	require.Error(t, err)
	require.Zero(t, e.registry.Len())
}

func TestSendErrors(t *testing.T) {
	e := newEnv(t, testConfig())
	ids := mytesting.UserIDs(2)
	conn := e.login(t, ids[0])

	tests := []struct {
		name string
		data map[string]string
		code string
	}{
		{"empty text", map[string]string{"receiverId": ids[1].String(), "text": "   "}, "INVALID_ARGUMENT"},
		{"bad receiver", map[string]string{"receiverId": "42", "text": "hi"}, "INVALID_ARGUMENT"},
		{"spoofed sender", map[string]string{"senderId": ids[1].String(), "receiverId": ids[0].String(), "text": "hi"}, "PERMISSION_DENIED"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.data["clientId"] = tt.name
			write(t, conn, TypeSendMessage, tt.data)

			failure := errorOf(t, await(t, conn, event.TypeError))
			require.Equal(t, tt.code, failure.Code)
			require.Equal(t, tt.name, failure.ClientID)
		})
	}

	t.Run("unknown type", func(t *testing.T) {
		write(t, conn, "dance", nil)
		require.Equal(t, "INVALID_ARGUMENT", errorOf(t, await(t, conn, event.TypeError)).Code)
	})
}

func TestRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.MessageRate = 0.001
	cfg.MessageBurst = 1
	e := newEnv(t, cfg)
	ids := mytesting.UserIDs(2)
	conn := e.login(t, ids[0])

	for i := 0; i < 2; i++ {
		write(t, conn, TypeSendMessage, map[string]string{"receiverId": ids[1].String(), "text": "hi", "clientId": "x"})
	}
	await(t, conn, event.TypeMessageSent)
	require.Equal(t, "RATE_LIMITED", errorOf(t, await(t, conn, event.TypeError)).Code)
}

func TestDisconnectBroadcastsOffline(t *testing.T) {
	e := newEnv(t, testConfig())
	ids := mytesting.UserIDs(2)

	watcher := e.login(t, ids[0])
	leaving := e.login(t, ids[1])
	await(t, watcher, event.TypeUserOnline)

	require.NoError(t, leaving.Close(websocket.StatusNormalClosure, "bye"))

	var p event.Presence
	require.NoError(t, json.Unmarshal(await(t, watcher, event.TypeUserOffline).Data, &p))
	require.Equal(t, ids[1], p.UserID)
	require.NotNil(t, p.LastSeenAt)

	require.Eventually(t, func() bool {
		_, ok := e.registry.Lookup(ids[1])
		return !ok
	}, time.Second, 10*time.Millisecond)
}

func TestReconnectKeepsNewestConnection(t *testing.T) {
	e := newEnv(t, testConfig())
	id := uuid.New()

	old := e.login(t, id)
	e.login(t, id)

	require.NoError(t, old.Close(websocket.StatusNormalClosure, ""))

	// the stale disconnect must not evict the newer connection
	time.Sleep(100 * time.Millisecond)
	_, ok := e.registry.Lookup(id)
	require.True(t, ok)

	st, err := e.tracker.State(context.Background(), id)
	require.NoError(t, err)
	require.True(t, st.Online)
}

func TestShutdownEndsSessions(t *testing.T) {
	e := newEnv(t, testConfig())
	ids := mytesting.UserIDs(2)
	first := e.login(t, ids[0])
	e.login(t, ids[1])

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.handler.Shutdown(ctx))

	// every session went through its disconnect before Shutdown returned
	require.Zero(t, e.registry.Len())
	e.tracker.Wait()
	for _, id := range ids {
		p, err := e.store.Presence(ctx, id)
		require.NoError(t, err)
		require.False(t, p.Online)
	}

	// the peer sees its connection end, pending events may arrive first
	for {
		if _, _, err := first.Read(ctx); err != nil {
			break
		}
	}
	require.NoError(t, ctx.Err())

	url := "ws" + strings.TrimPrefix(e.srv.URL, "http")
	_, _, err := websocket.Dial(ctx, url, nil)
	require.Error(t, err)
}

func TestAckReachesReplacedConnection(t *testing.T) {
	e := newEnv(t, testConfig())
	ids := mytesting.UserIDs(2)

	old := e.login(t, ids[0])
	e.login(t, ids[0])

	write(t, old, TypeSendMessage, map[string]string{
		"receiverId": ids[1].String(),
		"text":       "sent from the older session",
		"clientId":   "tmp-old",
	})

	var ack event.Message
	require.NoError(t, json.Unmarshal(await(t, old, event.TypeMessageSent).Data, &ack))
	require.Equal(t, "tmp-old", ack.ClientID)
}
