package app

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/yeelightd/internal/config"
	"github.com/dokzlo13/yeelightd/internal/device"
	"github.com/dokzlo13/yeelightd/internal/eventbus"
	"github.com/dokzlo13/yeelightd/internal/mqtt"
)

// MQTTService mirrors devices onto an MQTT broker.
type MQTTService struct {
	cfg      *config.Config
	registry *device.Registry
	bus      *eventbus.Bus

	client   *mqtt.Client
	exporter *mqtt.Exporter
}

// NewMQTTService creates a new MQTTService.
func NewMQTTService(cfg *config.Config, registry *device.Registry, bus *eventbus.Bus) *MQTTService {
	return &MQTTService{
		cfg:      cfg,
		registry: registry,
		bus:      bus,
	}
}

// Start connects to the broker and wires the exporter to the bus.
func (s *MQTTService) Start(ctx context.Context) error {
	if !s.cfg.MQTT.Enabled {
		return nil
	}

	client, err := mqtt.Connect(s.cfg.MQTT)
	if err != nil {
		return err
	}
	s.client = client

	s.exporter = mqtt.NewExporter(client, client.Topics(), s.registry, s.cfg.MQTT.IsRetained())
	s.exporter.WriteTimeout = s.cfg.Connection.CommandTimeout.Duration() * 2

	// Republish everything after a broker reconnect.
	client.SetOnConnect(s.exporter.PublishAll)
	s.bus.SubscribeAll(s.exporter.HandleEvent)

	if err := s.exporter.Start(ctx); err != nil {
		return err
	}

	log.Info().
		Str("broker", s.cfg.MQTT.Broker).
		Str("topic_prefix", s.cfg.MQTT.TopicPrefix).
		Msg("MQTT exporter started")
	return nil
}

// Close stops pending writes and disconnects from the broker.
func (s *MQTTService) Close() {
	if s.exporter != nil {
		s.exporter.Close()
	}
	if s.client != nil {
		s.client.Close()
	}
}
