package runtime

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"

	"github.com/go-redis/redis/v8"

	app "github.com/appforge-dev/appforge/internal/app"
	"github.com/appforge-dev/appforge/internal/app/httpapi"
	"github.com/appforge-dev/appforge/internal/app/services/builds"
	"github.com/appforge-dev/appforge/internal/app/storage/postgres"
	"github.com/appforge-dev/appforge/internal/platform/database"
	"github.com/appforge-dev/appforge/pkg/logger"
)

// Server owns the assembled application, its external connections and the
// HTTP listener.
type Server struct {
	cfg Config
	log *logger.Logger

	app        *app.Application
	httpServer *http.Server
	db         *sql.DB
	redis      *redis.Client
}

// NewServer assembles the orchestrator from configuration: store backend,
// worker queue, application services and the HTTP surface.
func NewServer(ctx context.Context, cfg Config) (*Server, error) {
	log := logger.New("appforge", logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})

	s := &Server{cfg: cfg, log: log}

	stores := app.Stores{}
	if cfg.Database.Driver == "postgres" {
		db, err := database.Open(ctx, cfg.Database.DSN, database.PoolConfig{
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		})
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		if err := database.Migrate(db); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate database: %w", err)
		}
		pg := postgres.New(db)
		stores = app.Stores{Prompts: pg, Apps: pg, Builds: pg, BuildLogs: pg}
		s.db = db
		log.Info("using postgres store")
	} else {
		log.Info("using in-memory store")
	}

	opts := app.Options{
		DispatchInterval:  cfg.Dispatch.Interval,
		DispatchStaleness: cfg.Dispatch.Staleness,
	}
	if cfg.Queue.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Queue.RedisAddr,
			Password: cfg.Queue.RedisPassword,
			DB:       cfg.Queue.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			s.Close()
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		opts.Queue = builds.NewRedisQueue(client, cfg.Queue.Key)
		s.redis = client
		log.Infof("using redis build queue at %s", cfg.Queue.RedisAddr)
	} else {
		log.Info("using in-memory build queue")
	}

	application, err := app.New(stores, opts, log)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("build application: %w", err)
	}
	s.app = application

	s.httpServer = &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      httpapi.New(application, cfg.Server.ServiceToken, cfg.Database.Driver),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	return s, nil
}

// Run starts the application services and serves HTTP until ctx is
// cancelled, then shuts everything down gracefully.
func (s *Server) Run(ctx context.Context) error {
	if err := s.app.Start(ctx); err != nil {
		return fmt.Errorf("start application: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Infof("listening on %s", s.cfg.Server.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		s.shutdown(context.Background())
		return err
	case <-ctx.Done():
	}

	s.log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()
	return s.shutdown(shutdownCtx)
}

func (s *Server) shutdown(ctx context.Context) error {
	var firstErr error
	if err := s.httpServer.Shutdown(ctx); err != nil {
		firstErr = err
	}
	if err := s.app.Stop(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	s.Close()
	return firstErr
}

// Close releases external connections. Safe to call more than once.
func (s *Server) Close() {
	if s.redis != nil {
		_ = s.redis.Close()
		s.redis = nil
	}
	if s.db != nil {
		_ = s.db.Close()
		s.db = nil
	}
}
