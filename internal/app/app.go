package app

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/yeelightd/internal/config"
)

// App owns the daemon's services: lamp discovery and connections, the event
// bus and the MQTT and HTTP surfaces.
type App struct {
	cfg      *config.Config
	services *Services

	ctx    context.Context
	cancel context.CancelFunc
	fatal  error
}

// New wires the services. Nothing touches the network until Start.
func New(cfg *config.Config) (*App, error) {
	services, err := NewServices(cfg)
	if err != nil {
		return nil, err
	}
	return &App{cfg: cfg, services: services}, nil
}

// Services exposes the wired services.
func (a *App) Services() *Services {
	return a.services
}

// Start brings the daemon up. A background service failing later cancels the
// app context, which Wait and Run observe.
func (a *App) Start(ctx context.Context) error {
	a.ctx, a.cancel = context.WithCancel(ctx)

	onFatal := func(err error) {
		log.Error().Err(err).Msg("Service failed, stopping yeelightd")
		a.fatal = err
		a.cancel()
	}

	if err := a.services.Start(a.ctx, onFatal); err != nil {
		a.cancel()
		return err
	}

	log.Info().
		Bool("discovery", a.cfg.Discovery.IsEnabled()).
		Int("static_devices", len(a.cfg.Discovery.Devices)).
		Bool("mqtt", a.cfg.MQTT.Enabled).
		Bool("api", a.cfg.API.Enabled).
		Msg("yeelightd started")
	return nil
}

// Wait blocks until a signal arrives or a service fails.
func (a *App) Wait() {
	if a.ctx != nil {
		<-a.ctx.Done()
	}
}

// Stop closes every lamp connection and service.
func (a *App) Stop() error {
	log.Info().Msg("Stopping yeelightd")

	if a.cancel != nil {
		a.cancel()
	}
	if a.services == nil {
		return nil
	}
	return a.services.Stop()
}

// Run starts the daemon, waits for ctx or a service failure and stops it.
// The service failure, if any, is returned.
func (a *App) Run(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		return err
	}
	a.Wait()

	return errors.Join(a.fatal, a.Stop())
}

// SignalContext is cancelled on SIGINT or SIGTERM.
func SignalContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigs
		log.Warn().Str("signal", sig.String()).Msg("Shutdown requested")
		signal.Stop(sigs)
		cancel()
	}()

	return ctx
}
