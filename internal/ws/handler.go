// Package ws serves the persistent client connection: authentication, presence and message sending.
package ws

import (
	"context"
	"net/http"
	"sync"

	"dateper-messaging/internal/apperr"
	"dateper-messaging/internal/event"
	"dateper-messaging/internal/messaging"
	"dateper-messaging/internal/metrics"
	"dateper-messaging/internal/registry"
	"dateper-messaging/internal/storage"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/valyala/fastjson"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"nhooyr.io/websocket"
)

// Inbound event types
const (
	TypeAuthenticate      = "authenticate"
	TypeSendMessage       = "sendMessage"
	TypeSubscribePresence = "subscribePresence"
)

const maxPresenceSubscriptions = 500

type Identifier interface {
	Identify(token string) (uuid.UUID, error)
}

type Presence interface {
	Connect(id uuid.UUID, conn registry.Conn)
	Disconnect(id uuid.UUID, conn registry.Conn) bool
	Subscribe(subscriber uuid.UUID, targets []uuid.UUID)
}

type Sender interface {
	Send(ctx context.Context, req messaging.SendRequest) (storage.Message, error)
}

type Handler struct {
	logger   *zap.SugaredLogger
	identity Identifier
	presence Presence
	router   Sender
	metrics  *metrics.Metrics
	cfg      Config
	parsers  fastjson.ParserPool

	// every client context derives from ctx, cancelling it ends all sessions
	ctx      context.Context
	cancel   context.CancelFunc
	mu       sync.Mutex
	closing  bool
	sessions sync.WaitGroup
}

func NewHandler(logger *zap.SugaredLogger, cfg Config, identity Identifier, presence Presence, router Sender, m *metrics.Metrics) *Handler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Handler{
		logger:   logger,
		identity: identity,
		presence: presence,
		router:   router,
		metrics:  m,
		cfg:      cfg,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Shutdown refuses new connections, ends the live sessions and waits until each of them
// went through its disconnect. Hijacked connections are not covered by http.Server.Shutdown.
func (h *Handler) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closing = true
	h.mu.Unlock()
	h.cancel()

	done := make(chan struct{})
	go func() {
		h.sessions.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.logger.Info("Websocket sessions are closed")
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "ws.Shutdown")
	}
}

// track counts a new session unless the handler is shutting down
func (h *Handler) track() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closing {
		return false
	}
	h.sessions.Add(1)
	return true
}

// inbound is a decoded client event. Only the fields of its type are set.
type inbound struct {
	Type       string
	Token      string
	SenderID   string
	ReceiverID string
	Text       string
	ClientID   string
	UserIDs    []string
}

func (h *Handler) decode(data []byte) (inbound, error) {
	p := h.parsers.Get()
	defer h.parsers.Put(p)

	v, err := p.ParseBytes(data)
	if err != nil {
		return inbound{}, apperr.InvalidArgument("malformed event")
	}

	in := inbound{Type: string(v.GetStringBytes("type"))}
	payload := v.Get("data")

	switch in.Type {
	case TypeAuthenticate:
		if payload != nil && payload.Type() == fastjson.TypeString {
			in.Token = string(payload.GetStringBytes())
		} else {
			in.Token = string(payload.GetStringBytes("token"))
		}
	case TypeSendMessage:
		in.SenderID = string(payload.GetStringBytes("senderId"))
		in.ReceiverID = string(payload.GetStringBytes("receiverId"))
		in.Text = string(payload.GetStringBytes("text"))
		in.ClientID = string(payload.GetStringBytes("clientId"))
	case TypeSubscribePresence:
		for _, id := range payload.GetArray("userIds") {
			if b, err := id.StringBytes(); err == nil {
				in.UserIDs = append(in.UserIDs, string(b))
			}
		}
	case "":
		return inbound{}, apperr.InvalidArgument("event type is required")
	}

	return in, nil
}

// ServeHTTP upgrades the request and serves the connection until either side closes it.
// A token may be passed as the token query parameter or the Authorization header,
// otherwise the first event must be authenticate.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.track() {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}
	defer h.sessions.Done()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: h.cfg.InsecureSkipVerify,
		OriginPatterns:     h.cfg.OriginPatterns,
	})
	if err != nil {
		h.logger.Debugf("Cannot accept websocket: %v", err)
		return
	}
	if h.cfg.ReadLimit > 0 {
		conn.SetReadLimit(h.cfg.ReadLimit)
	}

	client := newClient(h.ctx, h.logger, conn, h.cfg)
	defer client.close(websocket.StatusNormalClosure, "")

	token := r.URL.Query().Get("token")
	if token == "" {
		token = r.Header.Get("Authorization")
	}

	var userID uuid.UUID
	if token != "" {
		userID, err = h.identity.Identify(token)
		if err != nil {
			h.fail(client, err, "")
			client.flush(h.cfg.WriteTimeout)
			client.close(websocket.StatusPolicyViolation, "authentication failed")
			return
		}
	} else {
		var ok bool
		userID, ok = h.awaitAuthentication(client)
		if !ok {
			return
		}
	}

	client.setUserID(userID)
	h.presence.Connect(userID, client)
	if h.metrics != nil {
		h.metrics.Connections.Inc()
	}
	defer func() {
		h.presence.Disconnect(userID, client)
		if h.metrics != nil {
			h.metrics.Connections.Dec()
		}
	}()

	if err := client.Send(event.Authenticated(userID)); err != nil {
		h.logger.Debugf("Cannot acknowledge authentication of user (%s): %v", userID, err)
	}
	h.logger.Debugf("User (%s) connected", userID)

	h.serve(client, userID)
}

// awaitAuthentication reads events until a valid authenticate arrives or the timeout expires
func (h *Handler) awaitAuthentication(client *Client) (uuid.UUID, bool) {
	ctx, cancel := context.WithTimeout(client.ctx, h.cfg.AuthTimeout)
	defer cancel()

	for {
		_, data, err := client.conn.Read(ctx)
		if err != nil {
			if ctx.Err() == context.DeadlineExceeded {
				h.logger.Debugf("Closing connection that did not authenticate within %s", h.cfg.AuthTimeout)
			}
			return uuid.Nil, false
		}

		in, err := h.decode(data)
		if err != nil {
			h.fail(client, err, "")
			continue
		}
		if in.Type != TypeAuthenticate {
			h.fail(client, apperr.ErrUnauthenticated, in.ClientID)
			continue
		}

		id, err := h.identity.Identify(in.Token)
		if err != nil {
			h.fail(client, err, "")
			continue
		}
		return id, true
	}
}

func (h *Handler) serve(client *Client, userID uuid.UUID) {
	limiter := rate.NewLimiter(rate.Inf, 0)
	if h.cfg.MessageRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(h.cfg.MessageRate), h.cfg.MessageBurst)
	}

	for {
		_, data, err := client.conn.Read(client.ctx)
		if err != nil {
			if h.ctx.Err() != nil {
				h.logger.Debugf("Closing connection of user (%s) on shutdown", userID)
				return
			}
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				h.logger.Debugf("User (%s) closed the connection", userID)
			} else {
				h.logger.Debugf("Connection of user (%s) lost: %v", userID, err)
			}
			return
		}

		in, err := h.decode(data)
		if err != nil {
			h.fail(client, err, "")
			continue
		}

		switch in.Type {
		case TypeAuthenticate:
			h.fail(client, apperr.InvalidArgument("connection is already authenticated"), "")
		case TypeSendMessage:
			if !limiter.Allow() {
				h.fail(client, apperr.ErrRateLimited, in.ClientID)
				continue
			}
			h.sendMessage(client, userID, in)
		case TypeSubscribePresence:
			h.subscribe(client, userID, in)
		default:
			h.fail(client, apperr.InvalidArgument("unknown event type "+in.Type), "")
		}
	}
}

func (h *Handler) sendMessage(client *Client, userID uuid.UUID, in inbound) {
	if in.SenderID != "" {
		sender, err := uuid.Parse(in.SenderID)
		if err != nil || sender != userID {
			h.fail(client, apperr.PermissionDenied("sender does not match the authenticated identity"), in.ClientID)
			return
		}
	}

	receiver, err := uuid.Parse(in.ReceiverID)
	if err != nil {
		h.fail(client, apperr.ErrMalformedIdentity, in.ClientID)
		return
	}

	// the acknowledgement is pushed by the router
	ctx, cancel := context.WithTimeout(client.ctx, h.cfg.WriteTimeout)
	defer cancel()
	_, err = h.router.Send(ctx, messaging.SendRequest{
		SenderID:   userID,
		ReceiverID: receiver,
		Body:       in.Text,
		ClientID:   in.ClientID,
		Origin:     client,
	})
	if err != nil {
		h.fail(client, err, in.ClientID)
	}
}

func (h *Handler) subscribe(client *Client, userID uuid.UUID, in inbound) {
	if len(in.UserIDs) > maxPresenceSubscriptions {
		h.fail(client, apperr.InvalidArgument("too many presence subscriptions"), "")
		return
	}

	targets := make([]uuid.UUID, 0, len(in.UserIDs))
	for _, raw := range in.UserIDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			h.fail(client, apperr.ErrMalformedIdentity, "")
			return
		}
		targets = append(targets, id)
	}
	h.presence.Subscribe(userID, targets)
}

// fail reports err to the client as an error event
func (h *Handler) fail(client *Client, err error, clientID string) {
	code := apperr.CodeOf(err)
	if code == apperr.CodeInternal || code == apperr.CodeTransientIO {
		h.logger.Warnf("Event of user (%s) failed: %v", client.UserID(), err)
	}

	if sendErr := client.Send(event.Failure(string(code), apperr.MessageOf(err), clientID)); sendErr != nil {
		h.logger.Debugf("Cannot report error to user (%s): %v", client.UserID(), sendErr)
	}
}
