package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/ticbet/room-sync/config"
	"github.com/ticbet/room-sync/internal/client"
	"github.com/ticbet/room-sync/internal/domain"
	"github.com/ticbet/room-sync/internal/hub"
	"github.com/ticbet/room-sync/internal/ledger"
	"github.com/ticbet/room-sync/internal/localsync"
	"github.com/ticbet/room-sync/internal/manager"
	"github.com/ticbet/room-sync/internal/store"
	httpx "github.com/ticbet/room-sync/internal/transport/http"
	"github.com/ticbet/room-sync/internal/transport/ws"
	"github.com/ticbet/room-sync/pkg/logger"
)

func main() {
	root := &cli.Command{
		Name:  "room-sync",
		Usage: "room state synchronization service",
		Commands: []*cli.Command{
			serveCommand(),
			watchCommand(),
		},
	}

	if err := root.Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "run the broadcast hub and room service",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "path to config.yaml",
				Sources: cli.EnvVars("CONFIG_PATH"),
				Value:   "./config/config.yaml",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return serve(ctx, cmd.String("config"))
		},
	}
}

// syncRelay breaks the construction cycle between the manager and the local
// sync service: the manager publishes through it, the service is bound in
// after both exist.
type syncRelay struct {
	svc *localsync.Service
}

func (r *syncRelay) Publish(ev domain.SyncEvent) {
	if r.svc != nil {
		r.svc.Publish(ev)
	}
}

func serve(ctx context.Context, configPath string) error {
	// --- config ---
	cfg, err := config.LoadConfigFrom(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger.Init(logger.Config{
		Env:       logger.Env(cfg.Logging.Env),
		Service:   cfg.Logging.Service,
		Version:   cfg.Logging.Version,
		Backend:   logger.Backend(cfg.Logging.Backend),
		AddSource: cfg.Logging.AddSource,
		Debug:     cfg.Logging.Debug,
	})
	slog.Info("starting room-sync",
		"env", cfg.Logging.Env, "version", cfg.Logging.Version)

	// --- storage ---
	var st interface {
		store.RoomStore
		store.EventLog
	}
	switch cfg.Storage.Driver {
	case "postgres":
		pg, err := store.NewPostgresStore(ctx, store.PostgresConfig{
			DSN:             cfg.Storage.DSN,
			ApplicationName: cfg.Logging.Service,
		})
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		st = pg
	default:
		sq, err := store.NewSQLiteStore(cfg.Storage.Path)
		if err != nil {
			return fmt.Errorf("sqlite: %w", err)
		}
		st = sq
	}
	defer st.Close()

	// --- ledger (optional) ---
	var led ledger.Ledger
	if cfg.Ledger.BaseURL != "" {
		c, err := ledger.New(ledger.Options{
			BaseURL: cfg.Ledger.BaseURL,
			Timeout: cfg.LedgerTimeout(),
		})
		if err != nil {
			return fmt.Errorf("ledger: %w", err)
		}
		led = c
	}

	// --- hub ---
	h := hub.NewHub()
	defer h.Shutdown()

	// --- manager + local sync overlay ---
	relay := &syncRelay{}
	mgr, err := manager.NewManager(manager.Options{
		Store:           st,
		Ledger:          led,
		Hub:             h,
		Sync:            relay,
		RequirePresence: cfg.Rooms.RequirePresence,
		FinishedTTL:     cfg.SyncFinishedTTL(),
		ActiveTTL:       cfg.SyncActiveTTL(),
		SweepInterval:   cfg.SyncSweep(),
	})
	if err != nil {
		return err
	}

	bus := localsync.NewBus()
	sync := localsync.NewService(localsync.Config{
		SessionID:         cfg.Sync.SessionID,
		PollInterval:      cfg.SyncPoll(),
		HeartbeatInterval: cfg.SyncHeartbeat(),
		SweepInterval:     cfg.SyncSweep(),
		FinishedTTL:       cfg.SyncFinishedTTL(),
		ActiveTTL:         cfg.SyncActiveTTL(),
	}, bus, st, st, mgr)
	relay.svc = sync
	sync.OnEvent(mgr.ApplyEvent)

	if err := mgr.Start(ctx); err != nil {
		return err
	}
	defer mgr.Stop()

	if err := sync.Start(ctx); err != nil {
		return err
	}
	defer sync.Stop()

	// --- HTTP ---
	handler := httpx.NewHandler(h, mgr, cfg.HubReadyDelay(), cfg.HubHeartbeat())
	wsServer := ws.NewServer(h, cfg.HubReadyDelay())
	router := httpx.NewRouter(handler, wsServer)
	httpSrv := &http.Server{
		Addr:        cfg.HTTP.Addr,
		Handler:     router,
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http listen", "addr", cfg.HTTP.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// --- graceful shutdown ---
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal", "sig", sig)
	case err := <-errCh:
		slog.Error("server error", slog.Any("err", err))
	case <-ctx.Done():
	}

	ctxShutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = httpSrv.Shutdown(ctxShutdown)
	slog.Info("stopped")
	return nil
}

func watchCommand() *cli.Command {
	return &cli.Command{
		Name:  "watch",
		Usage: "subscribe to a room and print snapshots as they arrive",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "url",
				Usage: "hub base url",
				Value: "http://localhost:8080",
			},
			&cli.StringFlag{
				Name:     "room",
				Usage:    "room id to follow",
				Required: true,
			},
			&cli.IntFlag{
				Name:  "retries",
				Usage: "reconnect attempts before giving up",
				Value: 5,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return watch(ctx, cmd.String("url"), cmd.String("room"), int(cmd.Int("retries")))
		},
	}
}

func watch(ctx context.Context, baseURL, roomID string, retries int) error {
	logger.Init(logger.Config{Service: "room-sync-watch", Backend: logger.BackendStd})

	c, err := client.New(client.Config{
		BaseURL:    baseURL,
		RoomID:     roomID,
		MaxRetries: retries,
		OnState: func(s client.State) {
			slog.Info("connection state", "room", roomID, "state", string(s))
		},
		OnRoom: func(r *domain.Room) {
			slog.Info("room snapshot",
				"room", r.ID,
				"state", string(r.State),
				"players", r.Players,
				"turn", r.CurrentPlayer,
				"winner", r.Winner)
		},
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.Connect(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		c.Disconnect()
	case <-c.Done():
		if err := c.Err(); err != nil {
			return err
		}
	}
	return nil
}
