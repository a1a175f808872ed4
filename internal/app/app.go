package app

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dispatchpilot/internal/background"
	"github.com/dispatchpilot/internal/clock"
	"github.com/dispatchpilot/internal/config"
	"github.com/dispatchpilot/internal/crypto"
	"github.com/dispatchpilot/internal/events"
	"github.com/dispatchpilot/internal/kv"
	"github.com/dispatchpilot/internal/message"
	"github.com/dispatchpilot/internal/model"
	"github.com/dispatchpilot/internal/store"
	"github.com/dispatchpilot/internal/tms"
)

type App struct {
	config        *config.Config
	logger        *slog.Logger
	kv            kv.Store
	settingsStore *store.SettingsStore
	dispatcher    *background.Dispatcher
	hub           *events.Hub
	unsubscribe   func()
}

func (app *App) Close() {
	app.unsubscribe()
	app.hub.Close()
	if err := app.kv.Close(); err != nil {
		app.logger.Warn("closing store", "err", err)
	}
}

func New(ctx context.Context, cfg *config.Config) (*App, error) {
	logger := newLogger(cfg)

	backend, err := OpenStore(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	settingsStore := NewSettingsStore(backend, cfg, logger)
	client := tms.NewClient(nil, cfg.TMSTimeout)
	hub := events.NewHub(logger)

	// Drawers learn about settings changes from any process sharing the
	// store. The token never leaves the server.
	unsubscribe := settingsStore.Subscribe(func(s *model.Settings) {
		snap := s.Clone()
		snap.TMS.Token = nil
		hub.Publish(message.SettingsUpdated{Settings: snap})
	})

	return &App{
		config:        cfg,
		logger:        logger,
		kv:            backend,
		settingsStore: settingsStore,
		dispatcher:    background.New(settingsStore, client, clock.Real(), logger),
		hub:           hub,
		unsubscribe:   unsubscribe,
	}, nil
}

// OpenStore opens the key-value backend named by cfg.StoreDriver.
func OpenStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (kv.Store, error) {
	switch cfg.StoreDriver {
	case config.DriverMemory:
		return kv.NewMemory(), nil
	case config.DriverFile:
		return kv.OpenFile(cfg.StoreDSN, logger)
	case config.DriverSQLite:
		if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		return kv.OpenSQLite(ctx, cfg.StoreDSN)
	case config.DriverPostgres:
		return kv.OpenPostgres(ctx, cfg.StoreDSN, logger)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

// NewSettingsStore wires the token cipher for this installation over
// backend.
func NewSettingsStore(backend kv.Store, cfg *config.Config, logger *slog.Logger) *store.SettingsStore {
	keys := crypto.NewKeyDeriver(backend, cfg.InstallationID, rand.Reader)
	cipher := crypto.NewTokenCipher(keys, rand.Reader, clock.Real())
	return store.NewSettingsStore(backend, cipher, logger)
}

func (app *App) Start(ctx context.Context) error {
	// Create an errgroup derived from the parent context
	g, gctx := errgroup.WithContext(ctx)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%s", app.config.Port),
		Handler:      app.routes(),
		IdleTimeout:  time.Minute,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 15 * time.Second,
		ErrorLog:     slog.NewLogLogger(app.logger.Handler(), slog.LevelError),
	}

	// Start the server in a goroutine
	g.Go(func() error {
		app.logger.Info("starting server", "addr", srv.Addr, "env", app.config.Env, "store", app.config.StoreDriver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})

	// Start shutdown listener
	g.Go(func() error {
		<-gctx.Done() // Wait for OS signal or parent context to fail

		app.logger.Info("shutting down server")

		// Event streams only end when their subscriptions do.
		app.hub.Close()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	app.logger.Info("stopped server")
	return nil
}

func newLogger(cfg *config.Config) *slog.Logger {
	logLevel := slog.LevelInfo

	if cfg.IsDevelopment() {
		logLevel = slog.LevelDebug
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))

	slog.SetDefault(logger)
	return logger
}
