package app

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/dokzlo13/yeelightd/internal/config"
	"github.com/dokzlo13/yeelightd/internal/device"
	"github.com/dokzlo13/yeelightd/internal/eventbus"
	"github.com/dokzlo13/yeelightd/internal/yeelight"
)

// Services is a container for all application services.
// It manages service initialization order and dependencies.
type Services struct {
	cfg *config.Config

	// Core infrastructure
	Bus      *eventbus.Bus
	Cache    *yeelight.InfoCache
	Registry *device.Registry

	// High-level services
	Devices *DeviceService
	API     *APIService
	MQTT    *MQTTService

	done chan struct{}
}

// NewServices creates all services with proper dependency injection.
func NewServices(cfg *config.Config) (*Services, error) {
	s := &Services{cfg: cfg}

	s.Bus = eventbus.NewWithConfig(cfg.EventBus.GetWorkers(), cfg.EventBus.GetQueueSize())
	s.Cache = yeelight.NewInfoCache()
	s.Registry = device.NewRegistry(
		s.Cache,
		device.NewBusNotifier(s.Bus),
		device.ConnectionFactory(cfg.Connection.Yeelight()),
		cfg.Connection.EffectSettings(),
	)
	s.Registry.StopTimeout = cfg.ShutdownTimeout.Duration()

	s.Devices = NewDeviceService(cfg, s.Cache, s.Registry)
	s.API = NewAPIService(cfg, s.Registry, s.Bus)
	s.MQTT = NewMQTTService(cfg, s.Registry, s.Bus)

	return s, nil
}

// Start starts all services in the correct order.
// Event consumers subscribe before any device can be registered, so no
// device_added event is missed. onFatalError is called when a background
// service stops with an error.
func (s *Services) Start(ctx context.Context, onFatalError func(error)) error {
	if err := s.MQTT.Start(ctx); err != nil {
		return err
	}
	s.API.Start()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.API.Run(gctx) })
	g.Go(func() error { return s.Devices.Run(gctx) })

	s.done = make(chan struct{})
	go func() {
		defer close(s.done)
		if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			onFatalError(err)
		}
	}()

	s.API.SetReady(true)
	return nil
}

// Stop gracefully stops all services.
// The caller cancels the context passed to Start first.
func (s *Services) Stop() error {
	timeout := s.cfg.ShutdownTimeout.Duration()

	if s.done != nil {
		select {
		case <-s.done:
		case <-time.After(timeout):
			log.Warn().Dur("timeout", timeout).Msg("Background services did not stop in time")
		}
	}

	s.Close()
	return nil
}

// Close releases all resources.
func (s *Services) Close() {
	if s.Registry != nil {
		s.Registry.Close()
	}
	if s.MQTT != nil {
		s.MQTT.Close()
	}
	if s.API != nil {
		s.API.Close()
	}
	if s.Bus != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout.Duration())
		defer cancel()
		s.Bus.Close(ctx)
	}
}
