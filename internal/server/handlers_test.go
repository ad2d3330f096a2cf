package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"dateper-messaging/internal/access"
	"dateper-messaging/internal/identity"
	"dateper-messaging/internal/messaging"
	"dateper-messaging/internal/metrics"
	"dateper-messaging/internal/notify"
	"dateper-messaging/internal/presence"
	"dateper-messaging/internal/push"
	"dateper-messaging/internal/registry"
	"dateper-messaging/internal/storage"
	mytesting "dateper-messaging/internal/testing"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fastjson"
	"go.uber.org/zap"
)

type recordingPusher struct {
	sent []push.Notification
}

func (p *recordingPusher) Enqueue(n push.Notification) bool {
	p.sent = append(p.sent, n)
	return true
}

type testServer struct {
	handler http.Handler
	store   *storage.MemStore
	ids     *identity.Provider
	pusher  *recordingPusher
}

func bootstrapServer(t *testing.T) *testServer {
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)
	sugar := logger.Sugar()

	store := storage.NewMemStore(100)
	reg := registry.New()
	pusher := &recordingPusher{}
	m := metrics.New()
	ids := identity.NewProvider("secret")

	tracker := presence.NewTracker(sugar, reg, store)
	t.Cleanup(tracker.Wait)
	conversations := messaging.NewConversations(sugar, store, true)

	srv, err := NewServer(sugar, Services{
		Identity:      ids,
		Router:        messaging.NewRouter(sugar, reg, store, pusher, messaging.WithConversations(conversations)),
		Conversations: conversations,
		Blocks:        messaging.NewBlocklist(sugar, store),
		Gate:          access.NewGate(sugar, store, access.WithMetrics(m)),
		Notifications: notify.NewFanOut(sugar, reg, store, pusher),
		Presence:      tracker,
		PushTokens:    store,
		Metrics:       m,
	}, CORSOrigins("http://localhost:*"))
	require.NoError(t, err)

	return &testServer{handler: srv.Handler(), store: store, ids: ids, pusher: pusher}
}

// do performs an authenticated request as user
func (s *testServer) do(t *testing.T, user uuid.UUID, method, target string, body []byte) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, target, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	token, err := s.ids.Issue(user, time.Hour)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)

	rr := httptest.NewRecorder()
	s.handler.ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), v))
}

func requireErrorCode(t *testing.T, rr *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	require.Equal(t, status, rr.Code)

	var p fastjson.Parser
	v, err := p.ParseBytes(rr.Body.Bytes())
	require.NoError(t, err)
	require.Equal(t, code, string(v.GetStringBytes("code")))
}

func statusOkHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func TestEnforceJSON(t *testing.T) {
	t.Parallel()

	payload := bytes.NewBuffer([]byte(`{"message":"` + mytesting.RandString() + `"}`))
	req, err := http.NewRequest("POST", "/", payload)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	rr := httptest.NewRecorder()
	handler := enforceJSON(http.HandlerFunc(statusOkHandler))

	handler.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
}

func TestEnforceJSON_PUT(t *testing.T) {
	t.Parallel()

	payload := bytes.NewBuffer([]byte(`{"token":"` + mytesting.RandString() + `"}`))
	req, err := http.NewRequest("PUT", "/", payload)
	require.NoError(t, err)

	rr := httptest.NewRecorder()
	handler := enforceJSON(http.HandlerFunc(statusOkHandler))

	handler.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
}

func TestEnforceJSON_NotPOST(t *testing.T) {
	t.Parallel()

	payload := bytes.NewBuffer([]byte(`{"message":"` + mytesting.RandString() + `"}`))
	req, err := http.NewRequest("GET", "/", payload)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	rr := httptest.NewRecorder()
	handler := enforceJSON(http.HandlerFunc(statusOkHandler))

	handler.ServeHTTP(rr, req)

	require.Equal(t, http.StatusMethodNotAllowed, rr.Code)
	require.Equal(t, "POST, PUT", rr.Header().Get("Allow"))
	require.Equal(t, http.StatusText(http.StatusMethodNotAllowed)+"\n", rr.Body.String())
}

func TestEnforceJSON_MalformedContentType(t *testing.T) {
	t.Parallel()

	payload := bytes.NewBuffer([]byte(`{"message":"` + mytesting.RandString() + `"}`))
	req, err := http.NewRequest("POST", "/", payload)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "1:2\n+/-")

	rr := httptest.NewRecorder()
	handler := enforceJSON(http.HandlerFunc(statusOkHandler))

	handler.ServeHTTP(rr, req)

	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, "Malformed Content-Type header\n", rr.Body.String())
}

func TestEnforceJSON_UnsupportedContentType(t *testing.T) {
	t.Parallel()

	payload := bytes.NewBuffer([]byte(`{"message":"` + mytesting.RandString() + `"}`))
	req, err := http.NewRequest("POST", "/", payload)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "text/plain")

	rr := httptest.NewRecorder()
	handler := enforceJSON(http.HandlerFunc(statusOkHandler))

	handler.ServeHTTP(rr, req)

	require.Equal(t, http.StatusUnsupportedMediaType, rr.Code)
	require.Equal(t, "Content-Type header must be application/json\n", rr.Body.String())
}

func TestEnforceJSON_NoBody(t *testing.T) {
	t.Parallel()

	req, err := http.NewRequest("POST", "/", bytes.NewBuffer(nil))
	require.NoError(t, err)

	rr := httptest.NewRecorder()
	handler := enforceJSON(http.HandlerFunc(statusOkHandler))

	handler.ServeHTTP(rr, req)

	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, "No body provided\n", rr.Body.String())
}

func TestEnforceJSON_MalformedJSON(t *testing.T) {
	t.Parallel()

	// missing opening quotation mark after colon
	payload := bytes.NewBuffer([]byte(`{"message":` + mytesting.RandString() + `"}`))
	req, err := http.NewRequest("POST", "/", payload)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	rr := httptest.NewRecorder()
	handler := enforceJSON(http.HandlerFunc(statusOkHandler))

	handler.ServeHTTP(rr, req)

	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, "Malformed JSON\n", rr.Body.String())
}

func TestEnforceJSON_BodyTooLarge(t *testing.T) {
	t.Parallel()

	payload := bytes.NewBuffer([]byte(`{"message":"` + mytesting.RandStringN(maxBodySize) + `"}`))
	req, err := http.NewRequest("POST", "/", payload)
	require.NoError(t, err)

	rr := httptest.NewRecorder()
	handler := enforceJSON(http.HandlerFunc(statusOkHandler))

	handler.ServeHTTP(rr, req)

	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, "Can not read request body\n", rr.Body.String())
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	s := bootstrapServer(t)
	req := httptest.NewRequest("GET", "/healthz", nil)
	rr := httptest.NewRecorder()
	s.handler.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
}

func TestMetrics(t *testing.T) {
	t.Parallel()

	s := bootstrapServer(t)
	ids := mytesting.UserIDs(2)
	rr := s.do(t, ids[0], "POST", "/api/access/"+ids[1].String()+"/unlock", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rr = httptest.NewRecorder()
	s.handler.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), `dateper_chat_unlocks_total{outcome="charged"} 1`)
}

func TestUnauthenticated(t *testing.T) {
	t.Parallel()

	s := bootstrapServer(t)

	req := httptest.NewRequest("GET", "/api/conversations", nil)
	rr := httptest.NewRecorder()
	s.handler.ServeHTTP(rr, req)
	requireErrorCode(t, rr, http.StatusUnauthorized, "UNAUTHENTICATED")

	req = httptest.NewRequest("GET", "/api/conversations", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	rr = httptest.NewRecorder()
	s.handler.ServeHTTP(rr, req)
	requireErrorCode(t, rr, http.StatusUnauthorized, "UNAUTHENTICATED")
}

func TestCORSPreflight(t *testing.T) {
	t.Parallel()

	s := bootstrapServer(t)

	req := httptest.NewRequest("OPTIONS", "/api/conversations", nil)
	req.Header.Set("Origin", "http://localhost:8081")
	req.Header.Set("Access-Control-Request-Method", "GET")
	rr := httptest.NewRecorder()
	s.handler.ServeHTTP(rr, req)

	require.Equal(t, "http://localhost:8081", rr.Header().Get("Access-Control-Allow-Origin"))
}

func TestConversationFlow(t *testing.T) {
	t.Parallel()

	s := bootstrapServer(t)
	ids := mytesting.UserIDs(2)
	a, b := ids[0], ids[1]

	_, err := s.store.CreateMessage(context.Background(), a, b, "hi", time.Now().UTC())
	require.NoError(t, err)

	var summaries []storage.ConversationSummary
	rr := s.do(t, b, "GET", "/api/conversations", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	decode(t, rr, &summaries)
	require.Len(t, summaries, 1)
	require.Equal(t, a, summaries[0].CounterpartID)
	require.Equal(t, 1, summaries[0].UnreadCount)

	var messages []storage.Message
	rr = s.do(t, b, "GET", "/api/conversation/"+a.String(), nil)
	require.Equal(t, http.StatusOK, rr.Code)
	decode(t, rr, &messages)
	require.Len(t, messages, 1)
	require.Equal(t, "hi", messages[0].Body)
	require.True(t, messages[0].Read)

	rr = s.do(t, b, "GET", "/api/conversations", nil)
	decode(t, rr, &summaries)
	require.Zero(t, summaries[0].UnreadCount)

	rr = s.do(t, a, "GET", "/api/conversations", nil)
	decode(t, rr, &summaries)
	require.Zero(t, summaries[0].UnreadCount)

	var cleared map[string]int64
	rr = s.do(t, a, "DELETE", "/api/conversation/"+b.String(), nil)
	require.Equal(t, http.StatusOK, rr.Code)
	decode(t, rr, &cleared)
	require.EqualValues(t, 1, cleared["deleted"])

	rr = s.do(t, b, "GET", "/api/conversation/"+a.String(), nil)
	decode(t, rr, &messages)
	require.Empty(t, messages)
}

func TestConversationMalformedID(t *testing.T) {
	t.Parallel()

	s := bootstrapServer(t)
	rr := s.do(t, uuid.New(), "GET", "/api/conversation/42", nil)
	requireErrorCode(t, rr, http.StatusBadRequest, "INVALID_ARGUMENT")
}

func TestAccessFlow(t *testing.T) {
	t.Parallel()

	s := bootstrapServer(t)
	ids := mytesting.UserIDs(2)

	var status access.Status
	rr := s.do(t, ids[0], "GET", "/api/access/"+ids[1].String(), nil)
	require.Equal(t, http.StatusOK, rr.Code)
	decode(t, rr, &status)
	require.False(t, status.HasAccess)
	require.EqualValues(t, 100, status.Balance)

	var res access.UnlockResult
	rr = s.do(t, ids[0], "POST", "/api/access/"+ids[1].String()+"/unlock", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	decode(t, rr, &res)
	require.True(t, res.Granted)
	require.EqualValues(t, 90, res.Balance)
	require.Equal(t, "Chat unlocked for 24 hours", res.Message)

	rr = s.do(t, ids[0], "POST", "/api/access/"+ids[1].String()+"/unlock", nil)
	decode(t, rr, &res)
	require.Equal(t, access.MessageAlreadyOpen, res.Message)
	require.EqualValues(t, 90, res.Balance)

	rr = s.do(t, ids[0], "GET", "/api/access/"+ids[1].String(), nil)
	decode(t, rr, &status)
	require.True(t, status.HasAccess)
	require.NotNil(t, status.ExpiresAt)
}

func TestUnlockInsufficientFunds(t *testing.T) {
	t.Parallel()

	s := bootstrapServer(t)
	ids := mytesting.UserIDs(2)
	s.store.SetBalance(ids[0], 5)

	var res access.UnlockResult
	rr := s.do(t, ids[0], "POST", "/api/access/"+ids[1].String()+"/unlock", nil)
	require.Equal(t, http.StatusPaymentRequired, rr.Code)
	decode(t, rr, &res)
	require.False(t, res.Granted)
	require.Equal(t, access.ReasonInsufficientFunds, res.Reason)
	require.Equal(t, access.MessageInsufficient, res.Message)
	require.EqualValues(t, 5, res.Balance)
}

func TestUnlockSelf(t *testing.T) {
	t.Parallel()

	s := bootstrapServer(t)
	id := uuid.New()
	rr := s.do(t, id, "POST", "/api/access/"+id.String()+"/unlock", nil)
	requireErrorCode(t, rr, http.StatusBadRequest, "INVALID_ARGUMENT")
}

func TestLikeAndNotifications(t *testing.T) {
	t.Parallel()

	s := bootstrapServer(t)
	ids := mytesting.UserIDs(3)
	target := ids[0]

	for _, actor := range ids[1:] {
		rr := s.do(t, actor, "POST", "/api/likes/"+target.String(), []byte(`{"message":"liked you"}`))
		require.Equal(t, http.StatusCreated, rr.Code)
	}
	require.Len(t, s.pusher.sent, 2)

	var inbox notify.Inbox
	rr := s.do(t, target, "GET", "/api/notifications", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	decode(t, rr, &inbox)
	require.Len(t, inbox.Notifications, 2)
	require.EqualValues(t, 2, inbox.UnreadCount)

	newest := inbox.Notifications[0]
	require.Equal(t, ids[2], newest.SenderID)

	rr = s.do(t, target, "PUT", "/api/notifications/"+strconv.FormatInt(newest.ID, 10)+"/read", nil)
	require.Equal(t, http.StatusNoContent, rr.Code)

	rr = s.do(t, target, "GET", "/api/notifications", nil)
	decode(t, rr, &inbox)
	require.EqualValues(t, 1, inbox.UnreadCount)

	var updated map[string]int64
	rr = s.do(t, target, "PUT", "/api/notifications/read-all", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	decode(t, rr, &updated)
	require.EqualValues(t, 1, updated["updated"])

	rr = s.do(t, target, "DELETE", "/api/notifications/"+strconv.FormatInt(newest.ID, 10), nil)
	require.Equal(t, http.StatusNoContent, rr.Code)
	rr = s.do(t, target, "DELETE", "/api/notifications/"+strconv.FormatInt(newest.ID, 10), nil)
	require.Equal(t, http.StatusNoContent, rr.Code)

	rr = s.do(t, target, "GET", "/api/notifications", nil)
	decode(t, rr, &inbox)
	require.Len(t, inbox.Notifications, 1)
	require.Zero(t, inbox.UnreadCount)
}

func TestNotificationBadID(t *testing.T) {
	t.Parallel()

	s := bootstrapServer(t)
	rr := s.do(t, uuid.New(), "PUT", "/api/notifications/abc/read", nil)
	requireErrorCode(t, rr, http.StatusBadRequest, "INVALID_ARGUMENT")
}

func TestLikeMessageNotString(t *testing.T) {
	t.Parallel()

	s := bootstrapServer(t)
	rr := s.do(t, uuid.New(), "POST", "/api/likes/"+uuid.NewString(), []byte(`{"message":42}`))
	requireErrorCode(t, rr, http.StatusBadRequest, "INVALID_ARGUMENT")
	require.Empty(t, s.pusher.sent)
}

func TestPresence(t *testing.T) {
	t.Parallel()

	s := bootstrapServer(t)
	id := uuid.New()
	seen := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, s.store.SavePresence(context.Background(), storage.Presence{UserID: id, LastSeenAt: seen}))

	var body presenceBody
	rr := s.do(t, uuid.New(), "GET", "/api/presence/"+id.String(), nil)
	require.Equal(t, http.StatusOK, rr.Code)
	decode(t, rr, &body)
	require.False(t, body.Online)
	require.True(t, seen.Equal(*body.LastSeenAt))

	rr = s.do(t, uuid.New(), "GET", "/api/presence/"+uuid.NewString(), nil)
	decode(t, rr, &body)
	require.Nil(t, body.LastSeenAt)
}

func TestBlocks(t *testing.T) {
	t.Parallel()

	s := bootstrapServer(t)
	ids := mytesting.UserIDs(2)

	rr := s.do(t, ids[0], "POST", "/api/blocks/"+ids[1].String(), nil)
	require.Equal(t, http.StatusNoContent, rr.Code)

	var list map[string][]uuid.UUID
	rr = s.do(t, ids[0], "GET", "/api/blocks", nil)
	decode(t, rr, &list)
	require.Equal(t, []uuid.UUID{ids[1]}, list["blocked"])

	rr = s.do(t, ids[0], "DELETE", "/api/blocks/"+ids[1].String(), nil)
	require.Equal(t, http.StatusNoContent, rr.Code)

	rr = s.do(t, ids[0], "GET", "/api/blocks", nil)
	decode(t, rr, &list)
	require.Empty(t, list["blocked"])

	rr = s.do(t, ids[0], "POST", "/api/blocks/"+ids[0].String(), nil)
	requireErrorCode(t, rr, http.StatusBadRequest, "INVALID_ARGUMENT")
}

func TestPushToken(t *testing.T) {
	t.Parallel()

	s := bootstrapServer(t)
	id := uuid.New()

	rr := s.do(t, id, "PUT", "/api/push-token", []byte(`{"token":"ExponentPushToken[x]"}`))
	require.Equal(t, http.StatusNoContent, rr.Code)

	token, err := s.store.PushToken(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, "ExponentPushToken[x]", token)

	rr = s.do(t, id, "PUT", "/api/push-token", []byte(`{"alice":"bob"}`))
	requireErrorCode(t, rr, http.StatusBadRequest, "INVALID_ARGUMENT")

	rr = s.do(t, id, "PUT", "/api/push-token", []byte(`{"token":""}`))
	requireErrorCode(t, rr, http.StatusBadRequest, "INVALID_ARGUMENT")
}

func TestReport(t *testing.T) {
	t.Parallel()

	s := bootstrapServer(t)
	ids := mytesting.UserIDs(2)

	var filed storage.Report
	rr := s.do(t, ids[0], "POST", "/api/reports/"+ids[1].String(), []byte(`{"reason":"fake profile"}`))
	require.Equal(t, http.StatusCreated, rr.Code)
	decode(t, rr, &filed)
	require.Equal(t, ids[0], filed.ReporterID)
	require.Equal(t, ids[1], filed.ReportedID)
	require.Equal(t, "fake profile", filed.Reason)
	require.Len(t, s.store.Reports(), 1)

	rr = s.do(t, ids[0], "POST", "/api/reports/"+ids[1].String(), []byte(`{"reason":""}`))
	requireErrorCode(t, rr, http.StatusBadRequest, "INVALID_ARGUMENT")

	rr = s.do(t, ids[0], "POST", "/api/reports/"+ids[1].String(), []byte(`{"reason":42}`))
	requireErrorCode(t, rr, http.StatusBadRequest, "INVALID_ARGUMENT")

	rr = s.do(t, ids[0], "POST", "/api/reports/"+ids[1].String(), []byte(`{}`))
	requireErrorCode(t, rr, http.StatusBadRequest, "INVALID_ARGUMENT")

	rr = s.do(t, ids[0], "POST", "/api/reports/"+ids[0].String(), []byte(`{"reason":"spam"}`))
	requireErrorCode(t, rr, http.StatusBadRequest, "INVALID_ARGUMENT")

	require.Len(t, s.store.Reports(), 1)
}

type closingSessions struct {
	http.Handler
	closed bool
}

func (c *closingSessions) Shutdown(context.Context) error {
	c.closed = true
	return nil
}

func TestShutdownClosesSessions(t *testing.T) {
	t.Parallel()

	sessions := &closingSessions{Handler: http.HandlerFunc(statusOkHandler)}
	srv, err := NewServer(zap.NewNop().Sugar(), Services{
		Identity:  identity.NewProvider("secret"),
		WebSocket: sessions,
	}, ShutdownTimeout(time.Second))
	require.NoError(t, err)

	srv.shutdown()
	require.True(t, sessions.closed)
}
