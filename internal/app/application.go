package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"evalroom/internal/api"
	"evalroom/internal/config"
	"evalroom/internal/relay"
	"evalroom/internal/room"
	"evalroom/internal/store"
	"evalroom/internal/ws"
)

// Application assembles the persistence service, the room registry, the
// relay loop, and the HTTP/WebSocket surface. Construction order matters:
// everything the relay touches must exist before the relay, and the relay
// must be running before the first client connects.
type Application struct {
	cfg      *config.Config
	store    *store.Store
	registry *room.Registry
	relay    *relay.Relay
	server   *api.Server

	relayCancel context.CancelFunc
}

func New(cfg *config.Config) (*Application, error) {
	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	registry := room.NewRegistry()
	r := relay.NewRelay(registry, cfg.Room.TeacherName)

	wsHandler := ws.NewHandler(r, ws.Options{
		PingInterval: cfg.WebSocket.PingInterval,
		ReadTimeout:  cfg.WebSocket.ReadTimeout,
		WriteTimeout: cfg.WebSocket.WriteTimeout,
		BufferSize:   cfg.WebSocket.BufferSize,
	})

	server := api.NewServer(st, r, registry, wsHandler.HandleWebSocket)

	return &Application{
		cfg:      cfg,
		store:    st,
		registry: registry,
		relay:    r,
		server:   server,
	}, nil
}

// Start runs the relay loop and then blocks serving HTTP until Stop is
// called or the listener fails.
func (a *Application) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	a.relayCancel = cancel

	if err := a.relay.Start(ctx); err != nil {
		cancel()
		return fmt.Errorf("starting relay: %w", err)
	}

	addr := fmt.Sprintf("%s:%d", a.cfg.HTTP.Host, a.cfg.HTTP.Port)
	slog.Info("server listening", "addr", addr, "database", a.cfg.Database.Path)

	if err := a.server.Start(addr); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Stop tears down in reverse order: stop accepting HTTP, drain the relay,
// then close the database.
func (a *Application) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var firstErr error
	if err := a.server.Stop(ctx); err != nil {
		firstErr = fmt.Errorf("stopping http server: %w", err)
	}

	if a.relayCancel != nil {
		a.relayCancel()
	}
	if err := a.relay.Stop(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("stopping relay: %w", err)
	}

	if err := a.store.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("closing store: %w", err)
	}
	return firstErr
}
