// Package app wires the keepsake server runtime: config, logging, the
// session-auth HTTP surface, and the refresh-token cleanup sweeper.
package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"keepsake/cmd/identity"
	authapi "keepsake/cmd/internal/auth/api"
	"keepsake/cmd/internal/auth/session"

	"github.com/jackc/pgx/v5/pgxpool"
)

// App owns the HTTP server and the background sweeper.
type App struct {
	cfg Config
	log Logger

	dbPool    *pgxpool.Pool
	dbEnabled bool

	auth    *authapi.Handler
	sweeper *session.Sweeper
}

// New constructs a fully wired App instance from config and logger.
func New(cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	if err := ValidateSecurityConfig(cfg); err != nil {
		return nil, err
	}

	sessCfg, err := session.LoadConfigFromEnv()
	if err != nil {
		return nil, err
	}
	tokens, err := session.NewPasetoV4PublicManager(sessCfg)
	if err != nil {
		return nil, err
	}

	var (
		dbPool    *pgxpool.Pool
		dbEnabled bool
		sessStore session.Store
		directory identity.Directory
	)

	if cfg.DatabaseURL == "" {
		log.Info("db.disabled.inmemory_store")
		sessStore = session.NewMemoryStore()
		if len(cfg.DevUsers) == 0 {
			log.Warn("identity.static.empty", "hint", "set KEEPSAKE_DEV_USERS to enable logins without a database")
		}
		directory, err = identity.NewStaticDirectory(cfg.DevUsers)
		if err != nil {
			return nil, err
		}
	} else {
		dbPool, err = NewDBPool(context.Background(), cfg)
		if err != nil {
			return nil, err
		}
		dbEnabled = true
		log.Info("db.enabled.postgres_store")

		sessStore = session.NewPostgresStore(dbPool)
		directory, err = identity.NewPostgresDirectory(dbPool)
		if err != nil {
			dbPool.Close()
			return nil, err
		}
	}

	sessions := session.NewService(sessCfg, sessStore, tokens)

	authCfg := authapi.LoadConfigFromEnv()
	auth, err := authapi.NewHandler(log, authCfg, dbPool, directory, sessions)
	if err != nil {
		if dbPool != nil {
			dbPool.Close()
		}
		return nil, err
	}

	sweeper := session.NewSweeper(log, sessStore, cfg.SweepGrace, cfg.SweepInterval, cfg.SweepBatch)

	return &App{
		cfg:       cfg,
		log:       log,
		dbPool:    dbPool,
		dbEnabled: dbEnabled,
		auth:      auth,
		sweeper:   sweeper,
	}, nil
}

// Run starts the sweeper and the HTTP server, and blocks until context
// cancellation or a fatal server error.
func (a *App) Run(ctx context.Context) error {
	sweepCtx, stopSweeper := context.WithCancel(ctx)
	defer stopSweeper()
	go a.sweeper.Run(sweepCtx)

	mux := http.NewServeMux()
	registerHTTP(mux, a.log, a.cfg, a.dbPool, a.dbEnabled, a.auth)

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           WithRequestLogging(WithSecurityHeaders(mux), a.log),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.log.Info("server.start", "addr", a.cfg.HTTPAddr, "db_enabled", a.dbEnabled)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		return err
	}

	if a.dbPool != nil {
		a.dbPool.Close()
	}

	a.log.Info("server.stopped")
	return nil
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
