package app

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/yeelightd/internal/config"
	"github.com/dokzlo13/yeelightd/internal/device"
	"github.com/dokzlo13/yeelightd/internal/yeelight"
)

// DeviceService feeds the registry from LAN discovery and the statically
// configured lamps.
type DeviceService struct {
	cfg      *config.Config
	cache    *yeelight.InfoCache
	registry *device.Registry
}

// NewDeviceService creates a new DeviceService.
func NewDeviceService(cfg *config.Config, cache *yeelight.InfoCache, registry *device.Registry) *DeviceService {
	return &DeviceService{
		cfg:      cfg,
		cache:    cache,
		registry: registry,
	}
}

// Run registers static lamps and then runs discovery until ctx is done.
func (s *DeviceService) Run(ctx context.Context) error {
	for _, d := range s.cfg.Discovery.Devices {
		s.Announce(yeelight.Announcement{
			ID:         d.ID,
			Address:    d.Address,
			Model:      d.Attributes["model"],
			Attributes: d.Attributes,
		})
	}

	if !s.cfg.Discovery.IsEnabled() {
		log.Info().Int("static_devices", len(s.cfg.Discovery.Devices)).Msg("Discovery disabled")
		<-ctx.Done()
		return nil
	}

	discoverer := yeelight.NewDiscoverer(yeelight.DiscoveryConfig{
		MulticastAddr:  s.cfg.Discovery.MulticastAddr,
		SearchInterval: s.cfg.Discovery.SearchInterval.Duration(),
	}, s.Announce)

	err := discoverer.Run(ctx)
	log.Info().Int("known_lamps", len(s.cache.IDs())).Msg("Device discovery finished")
	return err
}

// Announce records the announced attributes and registers the lamp. For a
// lamp already registered the fresh attributes are recomputed into its
// properties.
func (s *DeviceService) Announce(a yeelight.Announcement) {
	s.cache.Merge(a.ID, a.Attributes)

	d, created := s.registry.OnDiscovered(a.ID, a.Address)
	if d == nil || created {
		return
	}

	for _, p := range d.Properties() {
		d.Update(p.Name)
	}
}
