package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/stripcol/gateway/api/handlers"
	"github.com/stripcol/gateway/internal/config"
	"github.com/stripcol/gateway/internal/db"
	"github.com/stripcol/gateway/internal/election"
	"github.com/stripcol/gateway/internal/logger"
	"github.com/stripcol/gateway/internal/presence"
	"github.com/stripcol/gateway/internal/repository"
	"github.com/stripcol/gateway/internal/session"
	"github.com/stripcol/gateway/internal/ws"
)

const shutdownTimeout = 5 * time.Second

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("gateway failed")
	}
}

func run() error {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		return err
	}

	journal := logger.NewJournal(cfg.JournalSize)
	logger.Init("gateway", cfg.LogLevel, journal)
	gin.SetMode(gin.ReleaseMode)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Ensure data directory exists
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0755); err != nil {
		return fmt.Errorf("failed to create database directory: %w", err)
	}

	database, err := db.InitDB(cfg.DBPath)
	if err != nil {
		return err
	}
	defer db.CloseDB()

	repo := repository.NewSnapshotRepository(database)
	if cfg.SessionTTL > 0 {
		n, err := repo.DeleteOlderThan(ctx, time.Now().Add(-cfg.SessionTTL))
		if err != nil {
			log.Warn().Err(err).Msg("failed to prune stale snapshots")
		} else if n > 0 {
			log.Info().Int64("count", n).Msg("pruned stale snapshots")
		}
	}

	sectors, err := presence.LoadSectors(cfg.SectorsPath)
	if err != nil {
		log.Warn().Err(err).Str("path", cfg.SectorsPath).Msg("ignoring unreadable sector table")
		sectors = presence.SectorTable{}
	}

	registry := session.NewRegistry(session.WithLoader(repo.Loader(ctx)))

	wsCfg := ws.DefaultConfig()
	wsCfg.SyncCooldown = cfg.SyncCooldown
	wsCfg.SessionTTL = cfg.SessionTTL
	wsCfg.Sectors = sectors
	wsCfg.Store = repo
	svc := ws.NewService(registry, wsCfg)

	notifier := presence.NewNotifier(presence.LogSink{}, presence.WithInterval(cfg.PresenceInterval))
	router := handlers.NewRouter(handlers.RouterConfig{
		Service: svc,
		Journal: journal,
		Origins: cfg.Origins(),
	})

	elector := election.New(cfg.Addr(), hostRelay(router, svc, notifier),
		election.WithInterval(cfg.WatchdogInterval),
		election.WithProbeTimeout(cfg.ProbeTimeout),
	)

	log.Info().Str("addr", cfg.Addr()).Msg("starting gateway")
	if err := elector.Run(ctx); err != nil {
		return err
	}
	log.Info().Msg("gateway stopped")
	return nil
}

// hostRelay serves the relay on the listener won by the election, together
// with the background work that only the host does.
func hostRelay(router http.Handler, svc *ws.Service, notifier *presence.Notifier) election.HostFunc {
	return func(ctx context.Context, ln net.Listener) error {
		runCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		srv := &http.Server{
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
			BaseContext:       func(net.Listener) context.Context { return runCtx },
		}

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			svc.Run(runCtx)
		}()
		go func() {
			defer wg.Done()
			notifier.Run(runCtx, svc.PresenceMessages())
		}()

		serveErr := make(chan error, 1)
		go func() { serveErr <- srv.Serve(ln) }()
		log.Info().Str("addr", ln.Addr().String()).Msg("relay listening")

		var err error
		select {
		case <-runCtx.Done():
		case err = <-serveErr:
		}
		cancel()

		shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
		defer stop()
		if shutdownErr := srv.Shutdown(shutdownCtx); shutdownErr != nil {
			log.Warn().Err(shutdownErr).Msg("relay shutdown incomplete")
		}
		wg.Wait()
		notifier.Wait()

		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		return err
	}
}
