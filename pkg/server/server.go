// Package server provides the public entry point for initializing the
// Attendra platform server.
//
// It wires the tenant registry, the realtime dispatcher, the ambient
// worker, and the HTTP API together so cmd/server and cmd/worker stay
// thin. The worker is returned rather than started: cmd/server runs it
// in-process, cmd/worker runs it standalone, and tests drive it directly.
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/attendra/attendra/internal/ambient"
	"github.com/attendra/attendra/internal/api"
	"github.com/attendra/attendra/internal/api/handlers"
	"github.com/attendra/attendra/internal/config"
	"github.com/attendra/attendra/internal/dispatch"
	"github.com/attendra/attendra/internal/realtime"
	"github.com/attendra/attendra/internal/store"
	"github.com/attendra/attendra/internal/telemetry"
	"github.com/attendra/attendra/internal/tenant"
)

// Server holds the initialized Attendra platform.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Store is the platform data store.
	Store store.Store

	// Registry is the tenant connection router.
	Registry *tenant.Registry

	// Worker is the ambient queue worker, not yet started.
	Worker *ambient.Worker

	// Config is the loaded configuration.
	Config *config.Config

	// ShutdownFunc should be called on graceful shutdown to flush telemetry.
	ShutdownFunc func(context.Context) error
}

// New loads configuration from the environment and initializes the
// platform.
func New(ctx context.Context) (*Server, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return NewWithConfig(ctx, cfg)
}

// NewWithConfig initializes the platform with an explicit configuration.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*Server, error) {
	shutdown, err := telemetry.Init(cfg)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	dataStore, sharedPool, err := OpenStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	registry := tenant.NewRegistry(dataStore, sharedPool, cfg.DatabaseURL, cfg.PlatformKey)

	rooms := realtime.NewLiveKitService(
		cfg.RoomServiceURL, cfg.RoomAPIKey, cfg.RoomAPISecret,
		cfg.RoomIdleTimeout, cfg.RoomMaxPeers)

	dispatcher := dispatch.NewDispatcher(registry, rooms, dataStore,
		&dispatch.StoreOutputSource{Store: dataStore},
		dispatch.Options{
			DispatchTimeout: cfg.DispatchTimeout,
			TokenTTL:        cfg.RoomTokenTTL,
			PollInterval:    cfg.TextPollInterval,
			PollMaxWait:     cfg.TextPollMaxWait,
			PollMaxIters:    cfg.TextPollMaxIters,
		})
	// The store satisfies AbilityLister directly; the null object is only
	// for deployments without abilities at all.
	dispatcher.SetAbilityLister(dataStore)
	dispatcher.SetProposer(ambient.NewPostSessionProposer(dataStore))

	log.Info().Str("room_service", cfg.RoomServiceURL).Msg("Dispatcher initialized")

	h := handlers.New(cfg, dataStore, registry, dispatcher)
	router := api.NewRouter(h)

	return &Server{
		Handler:      router,
		Store:        dataStore,
		Registry:     registry,
		Worker:       NewWorker(cfg, dataStore),
		Config:       cfg,
		ShutdownFunc: shutdown,
	}, nil
}

// OpenStore opens the configured platform store. The returned pool is the
// shared-hosting connection handle; it is nil for the in-memory store.
func OpenStore(ctx context.Context, cfg *config.Config) (store.Store, *pgxpool.Pool, error) {
	if cfg.StoreDriver == "postgres" {
		pg, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		return pg, pg.Pool(), nil
	}
	log.Info().Msg("In-memory store initialized")
	return store.NewMemoryStore(), nil, nil
}

// NewWorker builds the ambient worker with the full executor set.
func NewWorker(cfg *config.Config, s store.Store) *ambient.Worker {
	executors := []ambient.Executor{
		ambient.NewBuiltinExecutor(),
		ambient.NewWebhookExecutor(cfg.WebhookTimeout),
		ambient.NewExternalTriggerExecutor(),
	}
	return ambient.NewWorker(s, executors, ambient.WorkerOptions{
		BatchSize:  cfg.WorkerBatchSize,
		IdleSleep:  cfg.WorkerIdleSleep,
		ErrorSleep: cfg.WorkerErrorSleep,
	})
}
