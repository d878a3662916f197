package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/DoyleJ11/traitors-session/internal/config"
	"github.com/DoyleJ11/traitors-session/internal/httpapi"
	"github.com/DoyleJ11/traitors-session/internal/hub"
	"github.com/DoyleJ11/traitors-session/internal/store"
	"github.com/DoyleJ11/traitors-session/internal/store/postgres"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() (err error) {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log, err := config.NewLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend, closeBackend, err := openBackend(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, closeBackend()) }()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpapi.SetupRoutes(backend, log),
		ReadHeaderTimeout: 5 * time.Second,
		// Feed connections are hijacked, so Shutdown does not wait for them;
		// they end when this context does.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("listening", zap.String("addr", cfg.Addr), zap.String("backend", cfg.StoreBackend))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		log.Info("shutting down")
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}

func openBackend(ctx context.Context, cfg config.Config, log *zap.Logger) (store.Backend, func() error, error) {
	switch cfg.StoreBackend {
	case config.BackendPostgres:
		pg, err := postgres.Open(ctx, cfg.DatabaseURL, log.Named("postgres"))
		if err != nil {
			return nil, nil, err
		}
		pg.SetFeedBuffer(cfg.FeedBuffer)
		return pg, pg.Close, nil
	default:
		h := hub.NewHub(ctx, hub.WithLogger(log.Named("hub")), hub.WithFeedBuffer(cfg.FeedBuffer))
		return h, func() error { h.Close(); return nil }, nil
	}
}
