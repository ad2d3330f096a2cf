package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"dateper-messaging/internal/access"
	"dateper-messaging/internal/apperr"
	"dateper-messaging/internal/messaging"
	"dateper-messaging/internal/notify"
	"dateper-messaging/internal/presence"
	"dateper-messaging/internal/storage/zapadapter"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/valyala/fastjson"
	"go.uber.org/zap"
)

type PushTokenStore interface {
	SavePushToken(ctx context.Context, user uuid.UUID, token string) error
}

type parsers struct {
	likePool      fastjson.ParserPool
	reportPool    fastjson.ParserPool
	pushTokenPool fastjson.ParserPool
}

type handler struct {
	logger        *zap.SugaredLogger
	router        *messaging.Router
	conversations *messaging.Conversations
	blocks        *messaging.Blocklist
	gate          *access.Gate
	notifications *notify.FanOut
	presence      *presence.Tracker
	pushTokens    PushTokenStore
	parsers       parsers
}

type errorBody struct {
	Code    apperr.Code `json:"code"`
	Message string      `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	payload, err := json.Marshal(v)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(payload)
}

func writeError(w http.ResponseWriter, err error) {
	code := apperr.CodeOf(err)
	writeJSON(w, apperr.HTTPStatus(code), errorBody{Code: code, Message: apperr.MessageOf(err)})
}

// fail logs unexpected failures with the request id and writes the error body
func (h *handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch apperr.CodeOf(err) {
	case apperr.CodeInternal, apperr.CodeTransientIO:
		zapadapter.WithRequestID(r.Context(), h.logger).Errorf("%s %s: %v", r.Method, r.URL.Path, err)
	}
	writeError(w, err)
}

// pathID parses the named url parameter as an identity
func pathID(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		return uuid.Nil, apperr.ErrMalformedIdentity
	}
	return id, nil
}

func notificationID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id < 1 {
		return 0, apperr.InvalidArgument("notification id must be a positive integer")
	}
	return id, nil
}

// listConversations handles GET /api/conversations
func (h *handler) listConversations(w http.ResponseWriter, r *http.Request) {
	viewer := identityFromContext(r.Context())

	summaries, err := h.conversations.List(r.Context(), viewer)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, summaries)
}

// fetchConversation handles GET /api/conversation/{counterpartId}, it marks received messages read
func (h *handler) fetchConversation(w http.ResponseWriter, r *http.Request) {
	counterpart, err := pathID(r, "counterpartId")
	if err != nil {
		h.fail(w, r, err)
		return
	}

	messages, err := h.router.FetchConversation(r.Context(), identityFromContext(r.Context()), counterpart)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, messages)
}

// clearConversation handles DELETE /api/conversation/{counterpartId}
func (h *handler) clearConversation(w http.ResponseWriter, r *http.Request) {
	counterpart, err := pathID(r, "counterpartId")
	if err != nil {
		h.fail(w, r, err)
		return
	}

	deleted, err := h.router.ClearConversation(r.Context(), identityFromContext(r.Context()), counterpart)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]int64{"deleted": deleted})
}

// checkAccess handles GET /api/access/{granteeId}
func (h *handler) checkAccess(w http.ResponseWriter, r *http.Request) {
	grantee, err := pathID(r, "granteeId")
	if err != nil {
		h.fail(w, r, err)
		return
	}

	status, err := h.gate.Check(r.Context(), identityFromContext(r.Context()), grantee)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, status)
}

// unlock handles POST /api/access/{granteeId}/unlock
// an unlock refused for lack of coins still carries the result body so that clients can show the balance
func (h *handler) unlock(w http.ResponseWriter, r *http.Request) {
	grantee, err := pathID(r, "granteeId")
	if err != nil {
		h.fail(w, r, err)
		return
	}

	res, err := h.gate.Unlock(r.Context(), identityFromContext(r.Context()), grantee)
	if err != nil {
		if errors.Is(err, apperr.ErrInsufficientFunds) {
			writeJSON(w, http.StatusPaymentRequired, res)
			return
		}
		h.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, res)
}

// listNotifications handles GET /api/notifications
func (h *handler) listNotifications(w http.ResponseWriter, r *http.Request) {
	inbox, err := h.notifications.List(r.Context(), identityFromContext(r.Context()))
	if err != nil {
		h.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, inbox)
}

// markNotificationRead handles PUT /api/notifications/{id}/read
func (h *handler) markNotificationRead(w http.ResponseWriter, r *http.Request) {
	id, err := notificationID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	if err := h.notifications.MarkRead(r.Context(), identityFromContext(r.Context()), id); err != nil {
		h.fail(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// markAllNotificationsRead handles PUT /api/notifications/read-all
func (h *handler) markAllNotificationsRead(w http.ResponseWriter, r *http.Request) {
	updated, err := h.notifications.MarkAllRead(r.Context(), identityFromContext(r.Context()))
	if err != nil {
		h.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]int64{"updated": updated})
}

// deleteNotification handles DELETE /api/notifications/{id}
func (h *handler) deleteNotification(w http.ResponseWriter, r *http.Request) {
	id, err := notificationID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	if err := h.notifications.Delete(r.Context(), identityFromContext(r.Context()), id); err != nil {
		h.fail(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// like handles POST /api/likes/{targetId}
func (h *handler) like(w http.ResponseWriter, r *http.Request) {
	target, err := pathID(r, "targetId")
	if err != nil {
		h.fail(w, r, err)
		return
	}

	body, _ := io.ReadAll(r.Body)

	parser := h.parsers.likePool.Get()
	v, _ := parser.ParseBytes(body)

	messageValue := v.Get("message")
	if messageValue != nil && messageValue.Type() != fastjson.TypeString {
		h.parsers.likePool.Put(parser)
		h.fail(w, r, apperr.InvalidArgument(`field "message" must be a string`))
		return
	}
	message := string(v.GetStringBytes("message"))
	h.parsers.likePool.Put(parser)

	n, err := h.notifications.NotifyLike(r.Context(), identityFromContext(r.Context()), target, message)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, n)
}

type presenceBody struct {
	UserID     uuid.UUID  `json:"userId"`
	Online     bool       `json:"online"`
	LastSeenAt *time.Time `json:"lastSeenAt,omitempty"`
}

// presenceOf handles GET /api/presence/{userId}
func (h *handler) presenceOf(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "userId")
	if err != nil {
		h.fail(w, r, err)
		return
	}

	st, err := h.presence.State(r.Context(), id)
	if err != nil {
		h.fail(w, r, apperr.TransientIO("cannot read presence", err))
		return
	}

	out := presenceBody{UserID: id, Online: st.Online}
	if !st.LastSeenAt.IsZero() {
		out.LastSeenAt = &st.LastSeenAt
	}
	writeJSON(w, http.StatusOK, out)
}

// listBlocks handles GET /api/blocks
func (h *handler) listBlocks(w http.ResponseWriter, r *http.Request) {
	ids, err := h.blocks.List(r.Context(), identityFromContext(r.Context()))
	if err != nil {
		h.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string][]uuid.UUID{"blocked": ids})
}

// block handles POST /api/blocks/{userId}
func (h *handler) block(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "userId")
	if err != nil {
		h.fail(w, r, err)
		return
	}

	if err := h.blocks.Block(r.Context(), identityFromContext(r.Context()), id); err != nil {
		h.fail(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// unblock handles DELETE /api/blocks/{userId}
func (h *handler) unblock(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "userId")
	if err != nil {
		h.fail(w, r, err)
		return
	}

	if err := h.blocks.Unblock(r.Context(), identityFromContext(r.Context()), id); err != nil {
		h.fail(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// report handles POST /api/reports/{userId}
func (h *handler) report(w http.ResponseWriter, r *http.Request) {
	reported, err := pathID(r, "userId")
	if err != nil {
		h.fail(w, r, err)
		return
	}

	body, _ := io.ReadAll(r.Body)

	parser := h.parsers.reportPool.Get()
	v, _ := parser.ParseBytes(body)

	reasonValue := v.Get("reason")
	if reasonValue == nil || reasonValue.Type() != fastjson.TypeString {
		h.parsers.reportPool.Put(parser)
		h.fail(w, r, apperr.InvalidArgument(`field "reason" must be a string`))
		return
	}
	reason := string(reasonValue.GetStringBytes())
	h.parsers.reportPool.Put(parser)

	filed, err := h.blocks.Report(r.Context(), identityFromContext(r.Context()), reported, reason)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, filed)
}

// savePushToken handles PUT /api/push-token
func (h *handler) savePushToken(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	parser := h.parsers.pushTokenPool.Get()
	v, _ := parser.ParseBytes(body)

	if !v.Exists("token") {
		h.parsers.pushTokenPool.Put(parser)
		h.fail(w, r, apperr.InvalidArgument(`missing field "token"`))
		return
	}
	token := string(v.GetStringBytes("token"))
	h.parsers.pushTokenPool.Put(parser)

	if token == "" {
		h.fail(w, r, apperr.InvalidArgument(`field "token" must be a non-empty string`))
		return
	}

	if err := h.pushTokens.SavePushToken(r.Context(), identityFromContext(r.Context()), token); err != nil {
		h.fail(w, r, apperr.TransientIO("cannot save push token", err))
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
