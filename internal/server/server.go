package server

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"dateper-messaging/internal/access"
	"dateper-messaging/internal/messaging"
	"dateper-messaging/internal/metrics"
	"dateper-messaging/internal/notify"
	"dateper-messaging/internal/presence"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Services are the domain components exposed over HTTP
type Services struct {
	Identity      Identifier
	Router        *messaging.Router
	Conversations *messaging.Conversations
	Blocks        *messaging.Blocklist
	Gate          *access.Gate
	Notifications *notify.FanOut
	Presence      *presence.Tracker
	PushTokens    PushTokenStore
	// WebSocket serves GET /ws, it authenticates connections itself
	WebSocket http.Handler
	Metrics   *metrics.Metrics
}

// SessionCloser ends long-lived connections that http.Server.Shutdown does not track
type SessionCloser interface {
	Shutdown(ctx context.Context) error
}

// Server defines fields used in HTTP processing
type Server struct {
	logger          *zap.SugaredLogger
	httpServer      *http.Server
	sessions        SessionCloser
	shutdownTimeout time.Duration
	afterShutdown   []func()
}

// NewServer returns new Server struct with provided zap.SugaredLogger and domain services
func NewServer(logger *zap.SugaredLogger, svc Services, opts ...Option) (*Server, error) {
	if svc.Identity == nil {
		return nil, errors.New("identity provider is required")
	}

	cfg := &config{
		httpServer:      &http.Server{Addr: "0.0.0.0:9000"},
		requestTimeout:  15 * time.Second,
		shutdownTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt.apply(cfg)
	}

	h := &handler{
		logger:        logger,
		router:        svc.Router,
		conversations: svc.Conversations,
		blocks:        svc.Blocks,
		gate:          svc.Gate,
		notifications: svc.Notifications,
		presence:      svc.Presence,
		pushTokens:    svc.PushTokens,
	}

	cfg.httpServer.Handler = routes(logger.Desugar(), h, svc, cfg)

	sessions, _ := svc.WebSocket.(SessionCloser)

	return &Server{
		logger:          logger,
		httpServer:      cfg.httpServer,
		sessions:        sessions,
		shutdownTimeout: cfg.shutdownTimeout,
		afterShutdown:   cfg.afterShutdown,
	}, nil
}

func routes(logger *zap.Logger, h *handler, svc Services, cfg *config) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(log(logger))
	if len(cfg.corsOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   cfg.corsOrigins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	if svc.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", svc.Metrics.Handler())
	}
	if svc.WebSocket != nil {
		r.Method(http.MethodGet, "/ws", svc.WebSocket)
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(authenticate(svc.Identity))
		if cfg.requestTimeout > 0 {
			r.Use(middleware.Timeout(cfg.requestTimeout))
		}

		r.Get("/conversations", h.listConversations)
		r.Get("/conversation/{counterpartId}", h.fetchConversation)
		r.Delete("/conversation/{counterpartId}", h.clearConversation)

		r.Get("/access/{granteeId}", h.checkAccess)
		r.Post("/access/{granteeId}/unlock", h.unlock)

		r.Get("/notifications", h.listNotifications)
		r.Put("/notifications/read-all", h.markAllNotificationsRead)
		r.Put("/notifications/{id}/read", h.markNotificationRead)
		r.Delete("/notifications/{id}", h.deleteNotification)

		r.With(enforceJSON).Post("/likes/{targetId}", h.like)
		r.With(enforceJSON).Put("/push-token", h.savePushToken)

		r.Get("/presence/{userId}", h.presenceOf)

		r.Get("/blocks", h.listBlocks)
		r.Post("/blocks/{userId}", h.block)
		r.Delete("/blocks/{userId}", h.unblock)
		r.With(enforceJSON).Post("/reports/{userId}", h.report)
	})

	return r
}

// Handler returns the root http.Handler of the server
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// shutdown stops accepting requests, then ends websocket sessions so that their
// disconnects are processed before the after-shutdown functions release storage
func (s *Server) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Errorf("srv.Shutdown: %v", err)
	}
	if s.sessions != nil {
		if err := s.sessions.Shutdown(ctx); err != nil {
			s.logger.Errorf("sessions.Shutdown: %v", err)
		}
	}
}

// Start calls ListenAndServe on http.Server instance inside Server struct
// and implements graceful shutdown via goroutine waiting for signals
func (s *Server) Start() error {
	idleConnsClosed := make(chan struct{})

	go func() {
		sigint := make(chan os.Signal, 1)
		signal.Notify(sigint, os.Interrupt, syscall.SIGTERM)
		<-sigint

		s.logger.Info("Shutting down HTTP server")
		s.shutdown()
		s.logger.Info("HTTP server is stopped")

		close(idleConnsClosed)
	}()

	s.logger.Infof("Starting HTTP server on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return errors.Wrap(err, "s.httpServer.ListenAndServe")
	}

	<-idleConnsClosed

	for _, f := range s.afterShutdown {
		f()
	}

	return nil
}
