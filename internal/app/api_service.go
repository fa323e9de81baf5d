package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/yeelightd/internal/api"
	"github.com/dokzlo13/yeelightd/internal/config"
	"github.com/dokzlo13/yeelightd/internal/device"
	"github.com/dokzlo13/yeelightd/internal/eventbus"
)

// APIService serves the HTTP API, including health endpoints and the event
// websocket.
type APIService struct {
	cfg    *config.Config
	bus    *eventbus.Bus
	hub    *api.Hub
	api    *api.Server
	server *http.Server
}

// NewAPIService creates a new APIService.
func NewAPIService(cfg *config.Config, registry *device.Registry, bus *eventbus.Bus) *APIService {
	hub := api.NewHub()
	return &APIService{
		cfg: cfg,
		bus: bus,
		hub: hub,
		api: api.NewServer(registry, hub),
	}
}

// Start subscribes the websocket hub to the event bus.
func (s *APIService) Start() {
	if !s.cfg.API.Enabled {
		return
	}
	s.bus.SubscribeAll(s.hub.HandleEvent)
}

// SetReady flips the readiness endpoint.
func (s *APIService) SetReady(ready bool) {
	s.api.SetReady(ready)
}

// Run serves until ctx is cancelled. It returns immediately when the API is disabled.
func (s *APIService) Run(ctx context.Context) error {
	if !s.cfg.API.Enabled {
		return nil
	}

	addr := s.cfg.API.Addr()
	s.server = &http.Server{
		Addr:    addr,
		Handler: s.api.Router(),
	}

	log.Info().Str("addr", addr).Msg("Starting API server")

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout.Duration())
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("API server shutdown error")
		}
	}()

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Close disconnects websocket clients.
func (s *APIService) Close() {
	s.hub.Close()
}
