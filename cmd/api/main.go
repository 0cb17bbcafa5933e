package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/zhouzirui/freeze-detector/backend/internal/config"
	"github.com/zhouzirui/freeze-detector/backend/internal/handler"
	"github.com/zhouzirui/freeze-detector/backend/internal/logging"
	"github.com/zhouzirui/freeze-detector/backend/internal/repository"
	sessionservice "github.com/zhouzirui/freeze-detector/backend/internal/service/session"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		logging.Init("info")
		logging.Errorw("failed to load configuration", "err", err)
		os.Exit(1)
	}

	logging.Init(cfg.Log.Level)
	defer func() { _ = logging.Sync() }()

	if envErr != nil {
		logging.Infow("no .env file loaded, continuing with system environment variables only", "err", envErr)
	}

	cfg.Watch(func(next *config.Config) {
		logging.SetLevel(next.Log.Level)
		logging.Infow("log level updated", "level", next.Log.Level)
	})

	repo, err := repository.Open(ctx, repository.Options{
		Driver:         cfg.Store.Driver,
		SQLitePath:     cfg.Store.SQLitePath,
		PostgresDSN:    cfg.Store.PostgresDSN,
		ConnectTimeout: cfg.Store.ConnectTimeout,
	})
	if err != nil {
		logging.Errorw("failed to open session store", "driver", cfg.Store.Driver, "err", err)
		os.Exit(1)
	}
	defer func() {
		if err := repo.Close(); err != nil {
			logging.Warnw("failed to close session store", "err", err)
		}
	}()
	logging.Infow("session store ready", "driver", repo.Name())

	sessions := sessionservice.NewService(repo)
	router := handler.NewRouter(sessions, cfg.Server.AllowedOrigins)

	if err := startServer(ctx, cfg.Server, router); err != nil {
		logging.Errorw("server error", "err", err)
	}
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler) error {
	addr := serverCfg.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	logging.Infow("freeze detector session api listening", "addr", addr)
	return runServer(ctx, srv, serverCfg.ShutdownTimeout)
}

// runServer listens on srv.Addr and serves until ctx is done or the listener fails.
func runServer(ctx context.Context, srv *http.Server, shutdownTimeout time.Duration) error {
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return err
	}
	return serve(ctx, srv, ln, shutdownTimeout)
}

// serve owns ln. Request contexts derive from a base context that is
// cancelled when shutdown starts, so long-lived event streams end instead of
// holding Shutdown until its timeout.
func serve(ctx context.Context, srv *http.Server, ln net.Listener, shutdownTimeout time.Duration) error {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}

	baseCtx, cancelBase := context.WithCancel(context.Background())
	defer cancelBase()
	srv.BaseContext = func(net.Listener) context.Context { return baseCtx }
	srv.RegisterOnShutdown(cancelBase)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
