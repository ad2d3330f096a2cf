package main

import (
	"context"
	"log"
	"net/http"
	"time"

	"dateper-messaging/internal/access"
	"dateper-messaging/internal/identity"
	"dateper-messaging/internal/messaging"
	"dateper-messaging/internal/metrics"
	"dateper-messaging/internal/notify"
	"dateper-messaging/internal/presence"
	"dateper-messaging/internal/push"
	"dateper-messaging/internal/registry"
	"dateper-messaging/internal/server"
	"dateper-messaging/internal/storage"
	"dateper-messaging/internal/ws"
	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

type config struct {
	Development bool `env:"LOG_DEVELOPMENT" envDefault:"false"`

	Server  server.EnvConfig
	Storage storage.Config
	WS      ws.Config

	JWTSecret         string        `env:"JWT_SECRET,required"`
	UnlockCost        int64         `env:"UNLOCK_COST" envDefault:"10"`
	UnlockDuration    time.Duration `env:"UNLOCK_DURATION" envDefault:"24h"`
	GrantReapInterval time.Duration `env:"GRANT_REAP_INTERVAL" envDefault:"0"`

	PresenceScope string `env:"PRESENCE_SCOPE" envDefault:"global"`

	PushEndpoint string `env:"PUSH_ENDPOINT"`
	PushWorkers  int    `env:"PUSH_WORKERS" envDefault:"4"`
	PushQueue    int    `env:"PUSH_QUEUE" envDefault:"1024"`

	ConversationCache bool `env:"CONVERSATION_CACHE" envDefault:"true"`
}

// store is the union of what the components need from persistence
type store interface {
	messaging.Store
	messaging.BlockStore
	access.Store
	notify.Store
	presence.Store
	push.TokenStore
	server.PushTokenStore
	ResetPresence(ctx context.Context) error
	Close()
}

func main() {
	// a missing .env file is fine, the environment may be set directly
	_ = godotenv.Load()

	cfg := config{}
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("Cannot parse env config: %v", err)
	}

	newLogger := zap.NewProduction
	if cfg.Development {
		newLogger = zap.NewDevelopment
	}
	logger, err := newLogger()
	if err != nil {
		log.Fatalf("zap.New: %v", err)
	}
	defer logger.Sync()

	sugar := logger.Sugar()
	sugar.Info("Application is starting")

	var db store
	switch cfg.Storage.Driver {
	case storage.DriverMemory:
		sugar.Warn("Using in-memory storage, data will not survive a restart")
		db = storage.NewMemStore(cfg.Storage.InitialCoins)
	default:
		pg, err := storage.New(context.Background(), sugar, cfg.Storage,
			storage.ConnectionTimeout(cfg.Storage.ConnectTimeout),
			storage.MaxConns(cfg.Storage.MaxConns),
			storage.InitialBalance(cfg.Storage.InitialCoins),
		)
		if err != nil {
			sugar.Fatalf("Cannot create Store instance: %v", err)
		}
		db = pg
	}

	// connections do not survive a restart
	if err := db.ResetPresence(context.Background()); err != nil {
		sugar.Warnf("Cannot reset presence: %v", err)
	}

	m := metrics.New()
	reg := registry.New()

	tracker := presence.NewTracker(sugar, reg, db,
		presence.WithScope(presence.Scope(cfg.PresenceScope)),
		presence.WithMetrics(m),
	)

	var sender push.Sender = push.NewLogSender(sugar)
	if cfg.PushEndpoint != "" {
		sender = push.NewExpoSender(sugar, db, cfg.PushEndpoint, &http.Client{Timeout: 10 * time.Second})
	}
	dispatcher := push.NewDispatcher(sugar, sender,
		push.Workers(cfg.PushWorkers),
		push.QueueSize(cfg.PushQueue),
		push.WithMetrics(m),
	)
	dispatcher.Start()

	conversations := messaging.NewConversations(sugar, db, cfg.ConversationCache)
	router := messaging.NewRouter(sugar, reg, db, dispatcher,
		messaging.WithMetrics(m),
		messaging.WithConversations(conversations),
	)

	gate := access.NewGate(sugar, db,
		access.Cost(cfg.UnlockCost),
		access.Duration(cfg.UnlockDuration),
		access.WithMetrics(m),
	)
	reaperCtx, stopReaper := context.WithCancel(context.Background())
	if cfg.GrantReapInterval > 0 {
		go gate.RunReaper(reaperCtx, cfg.GrantReapInterval)
	}

	ids := identity.NewProvider(cfg.JWTSecret)

	serverOpts := []server.Option{
		server.WithEnvConfig(cfg.Server),
		server.RegisterAfterShutdown(func() {
			stopReaper()
			dispatcher.Close()
			tracker.Wait()
			db.Close()
			sugar.Info("Storage is closed")
		}),
	}

	srv, err := server.NewServer(sugar, server.Services{
		Identity:      ids,
		Router:        router,
		Conversations: conversations,
		Blocks:        messaging.NewBlocklist(sugar, db),
		Gate:          gate,
		Notifications: notify.NewFanOut(sugar, reg, db, dispatcher, notify.WithMetrics(m)),
		Presence:      tracker,
		PushTokens:    db,
		WebSocket:     ws.NewHandler(sugar, cfg.WS, ids, tracker, router, m),
		Metrics:       m,
	}, serverOpts...)
	if err != nil {
		sugar.Fatalf("Cannot create Server instance: %v", err)
	}

	if err := srv.Start(); err != nil {
		sugar.Fatalf("Cannot start http srv: %v", err)
	}
}
