package app

import (
	"context"
	"fmt"
	stdhttp "net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/vovakirdan/hushroom/internal/audio"
	"github.com/vovakirdan/hushroom/internal/audio/livekit"
	"github.com/vovakirdan/hushroom/internal/config"
	"github.com/vovakirdan/hushroom/internal/membership"
	"github.com/vovakirdan/hushroom/internal/reaper"
	"github.com/vovakirdan/hushroom/internal/store"
	"github.com/vovakirdan/hushroom/internal/store/redisstore"
	"github.com/vovakirdan/hushroom/internal/store/sqlite"
	transporthttp "github.com/vovakirdan/hushroom/internal/transport/http"
)

// App wires together membership, storage and transport layers.
type App struct {
	server          *stdhttp.Server
	shutdownTimeout time.Duration
	manager         *membership.Manager
	reaper          *reaper.Reaper
	store           store.Store
	log             *zerolog.Logger
}

// OpenStore opens the configured room store backend.
func OpenStore(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) (store.Store, error) {
	switch cfg.Store.Backend {
	case config.BackendRedis:
		st, err := redisstore.New(ctx, cfg.Store.RedisURL, logger)
		if err != nil {
			return nil, fmt.Errorf("init redis store: %w", err)
		}
		logger.Info().Str("backend", cfg.Store.Backend).Msg("store initialized")
		return st, nil
	case config.BackendSQLite:
		st, err := sqlite.New(cfg.Store.DatabasePath)
		if err != nil {
			return nil, fmt.Errorf("init sqlite store: %w", err)
		}
		logger.Info().Str("backend", cfg.Store.Backend).Str("db_path", cfg.Store.DatabasePath).Msg("store initialized")
		return st, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

// New constructs the application with provided configuration.
func New(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) (*App, error) {
	st, err := OpenStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	manager := membership.NewManager(st, membership.Options{
		GraceWindow: cfg.GraceWindow,
		Logger:      logger,
	})

	var engine audio.Engine = audio.Disabled{}
	if cfg.LiveKit.Enabled {
		engine = livekit.New(cfg.LiveKit.APIKey, cfg.LiveKit.APISecret, cfg.LiveKit.URL, cfg.LiveKit.TokenTTL)
		logger.Info().Str("url", cfg.LiveKit.URL).Msg("livekit audio enabled")
	}

	a := &App{
		server:          transporthttp.NewServer(manager, st, engine, cfg, logger),
		shutdownTimeout: cfg.ShutdownTimeout,
		manager:         manager,
		store:           st,
		log:             logger,
	}
	if cfg.Reaper.Enabled {
		a.reaper = reaper.New(st, reaper.Options{
			SweepInterval: cfg.Reaper.SweepInterval,
			Logger:        logger,
		})
	}
	return a, nil
}

// Run starts the HTTP server and blocks until context cancellation or fatal error.
func (a *App) Run(ctx context.Context) error {
	serverErr := make(chan error, 1)

	bgCtx, stopBackground := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.manager.Run(bgCtx)
	}()
	if a.reaper != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := a.reaper.Run(bgCtx); err != nil {
				a.log.Error().Err(err).Msg("reaper stopped")
			}
		}()
	}

	go func() {
		a.log.Info().Str("addr", a.server.Addr).Msg("http server listening")
		if err := a.server.ListenAndServe(); err != nil && err != stdhttp.ErrServerClosed {
			serverErr <- err
			return
		}
		serverErr <- nil
	}()

	select {
	case err := <-serverErr:
		stopBackground()
		wg.Wait()
		a.cleanup()
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout)
		defer cancel()

		a.log.Info().Msg("shutting down http server")
		err := a.server.Shutdown(shutdownCtx)

		// Connections are gone, so every session is committed now rather
		// than left to timers that die with the process.
		a.manager.Shutdown(shutdownCtx)
		stopBackground()
		wg.Wait()
		a.cleanup()

		if err != nil {
			return err
		}
		return <-serverErr
	}
}

// cleanup closes database and other resources.
func (a *App) cleanup() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn().Err(err).Msg("failed to close store")
		} else {
			a.log.Info().Msg("store closed")
		}
	}
}

// RunReaper runs only the empty-room reaper against the configured store.
func RunReaper(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) error {
	st, err := OpenStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Warn().Err(err).Msg("failed to close store")
		}
	}()

	return reaper.New(st, reaper.Options{
		SweepInterval: cfg.Reaper.SweepInterval,
		Logger:        logger,
	}).Run(ctx)
}
