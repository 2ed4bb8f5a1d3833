package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kmauser/partysync/internal/config"
	"github.com/kmauser/partysync/internal/httpapi"
	"github.com/kmauser/partysync/internal/logging"
	"github.com/kmauser/partysync/internal/room"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := room.NewManager(room.Config{
		JoinTTL:        cfg.RoomTTL,
		MaxAge:         cfg.RoomMaxAge,
		SweepInterval:  cfg.SweepInterval,
		ReconnectGrace: cfg.ReconnectGrace,
		CapacityWarnAt: cfg.CapacityWarnAt,
		Logger:         logger.Named("room"),
	})

	srv := &http.Server{Addr: cfg.Addr, Handler: httpapi.SetupRoutes(m, logger.Named("ws"))}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("room server listening", zap.String("addr", cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		// Closing the manager first lets every room notify its members
		// before their sockets drop.
		m.Shutdown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Fatal("room server failed", zap.Error(err))
	}
}
