package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"

	"github.com/dokzlo13/yeelightd/internal/device"
	"github.com/dokzlo13/yeelightd/internal/eventbus"
)

// Broker is the part of the client the exporter needs.
type Broker interface {
	Publish(topic string, retained bool, payload []byte) error
	Subscribe(topic string, handler MessageHandler) error
}

// Devices is the registry view the exporter works on.
type Devices interface {
	Device(id string) (*device.Device, bool)
	Devices() []*device.Device
}

// Exporter publishes bus events as retained state topics and turns
// "<property>/set" messages into property writes.
type Exporter struct {
	broker  Broker
	topics  Topics
	devices Devices
	retain  bool

	// WriteTimeout bounds a single property write issued from MQTT.
	WriteTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	queues map[string]*writeQueue // per device, keeps writes in arrival order
	wg     sync.WaitGroup
}

type setRequest struct {
	name    device.PropertyName
	payload []byte
}

type writeQueue struct {
	requests chan setRequest
	stop     chan struct{}
}

// writeQueueSize bounds the writes waiting for one device.
const writeQueueSize = 16

// NewExporter creates an exporter.
func NewExporter(broker Broker, topics Topics, devices Devices, retain bool) *Exporter {
	return &Exporter{
		broker:       broker,
		topics:       topics,
		devices:      devices,
		retain:       retain,
		WriteTimeout: 10 * time.Second,
		ctx:          context.Background(),
		cancel:       func() {},
		queues:       make(map[string]*writeQueue),
	}
}

// Start subscribes to property writes. Writes use ctx as their parent.
func (e *Exporter) Start(ctx context.Context) error {
	e.ctx, e.cancel = context.WithCancel(ctx)
	return e.broker.Subscribe(e.topics.SetFilter(), e.handleSet)
}

// Close abandons queued writes and waits for the per-device writers to exit.
func (e *Exporter) Close() {
	e.cancel()
	e.wg.Wait()
}

// PublishAll publishes the full state of every registered device.
func (e *Exporter) PublishAll() {
	for _, d := range e.devices.Devices() {
		e.publishDevice(d.Describe())
	}
}

// HandleEvent is an eventbus.Handler.
func (e *Exporter) HandleEvent(event eventbus.Event) {
	id := event.DeviceID()
	if id == "" {
		return
	}

	switch event.Type {
	case eventbus.EventTypeDeviceAdded:
		if desc, ok := event.Data[eventbus.KeyDevice].(device.Description); ok {
			e.publishDevice(desc)
		}

	case eventbus.EventTypeDeviceRemoved:
		e.dropQueue(id)
		if desc, ok := event.Data[eventbus.KeyDevice].(device.Description); ok {
			e.clearDevice(desc)
		}

	case eventbus.EventTypePropertyChanged:
		name, _ := event.Data[eventbus.KeyProperty].(string)
		if name == "" {
			return
		}
		e.publish(e.topics.Property(id, device.PropertyName(name)), e.retain, formatValue(event.Data[eventbus.KeyValue]))

	case eventbus.EventTypeConnectivityChanged:
		connected, _ := event.Data[eventbus.KeyConnected].(bool)
		e.publish(e.topics.Online(id), e.retain, formatValue(connected))
	}
}

func (e *Exporter) publishDevice(desc device.Description) {
	data, err := json.Marshal(desc)
	if err != nil {
		log.Error().Err(err).Str("device", desc.ID).Msg("Failed to encode device description")
		return
	}

	e.publish(e.topics.Device(desc.ID), e.retain, data)
	e.publish(e.topics.Online(desc.ID), e.retain, formatValue(desc.Connected))
	for _, p := range desc.Properties {
		e.publish(e.topics.Property(desc.ID, p.Name), e.retain, formatValue(p.Value))
	}
}

// clearDevice deletes the retained topics of a removed device.
func (e *Exporter) clearDevice(desc device.Description) {
	if !e.retain {
		return
	}
	e.publish(e.topics.Device(desc.ID), true, nil)
	e.publish(e.topics.Online(desc.ID), true, nil)
	for _, p := range desc.Properties {
		e.publish(e.topics.Property(desc.ID, p.Name), true, nil)
	}
}

func (e *Exporter) publish(topic string, retained bool, payload []byte) {
	if err := e.broker.Publish(topic, retained, payload); err != nil {
		log.Debug().Err(err).Str("topic", topic).Msg("MQTT publish failed")
	}
}

// handleSet runs on the broker's delivery path, so it only queues the write.
// Each device drains its own queue; a slow lamp delays only its own writes.
func (e *Exporter) handleSet(topic string, payload []byte) {
	id, name, ok := e.topics.ParseSet(topic)
	if !ok {
		return
	}

	if _, ok := e.devices.Device(id); !ok {
		log.Debug().Str("topic", topic).Msg("Write for unknown device")
		return
	}

	req := setRequest{name: name, payload: append([]byte(nil), payload...)}
	select {
	case e.queue(id) <- req:
	default:
		log.Warn().Str("device", id).Str("property", string(name)).Msg("MQTT write queue full, dropping write")
	}
}

func (e *Exporter) queue(id string) chan<- setRequest {
	e.mu.Lock()
	defer e.mu.Unlock()

	q, ok := e.queues[id]
	if !ok {
		q = &writeQueue{
			requests: make(chan setRequest, writeQueueSize),
			stop:     make(chan struct{}),
		}
		e.queues[id] = q
		e.wg.Add(1)
		go e.writeLoop(id, q)
	}
	return q.requests
}

// dropQueue stops the writer of a removed device.
func (e *Exporter) dropQueue(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if q, ok := e.queues[id]; ok {
		close(q.stop)
		delete(e.queues, id)
	}
}

func (e *Exporter) writeLoop(id string, q *writeQueue) {
	defer e.wg.Done()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-q.stop:
			return
		case req := <-q.requests:
			e.write(id, req)
		}
	}
}

func (e *Exporter) write(id string, req setRequest) {
	d, ok := e.devices.Device(id)
	if !ok {
		log.Debug().Str("device", id).Msg("Device removed before write")
		return
	}

	ctx, cancel := context.WithTimeout(e.ctx, e.WriteTimeout)
	defer cancel()

	value := parseValue(req.name, req.payload)
	applied, err := d.SetValue(ctx, req.name, value)
	if err != nil {
		log.Warn().Err(err).Str("device", id).Str("property", string(req.name)).Msg("MQTT property write failed")
		return
	}
	log.Debug().Str("device", id).Str("property", string(req.name)).Interface("value", applied).Msg("MQTT property write applied")
}

// parseValue reads a payload as JSON when it is valid JSON and as a bare
// string otherwise. On/off words are accepted for the on property.
func parseValue(name device.PropertyName, payload []byte) any {
	s := strings.TrimSpace(string(payload))

	var value any = s
	if gjson.Valid(s) {
		value = gjson.Parse(s).Value()
	}

	if name == device.PropertyOn {
		if str, ok := value.(string); ok {
			switch strings.ToLower(str) {
			case "on", "true", "1":
				return true
			case "off", "false", "0":
				return false
			}
		}
		if n, ok := value.(float64); ok {
			return n != 0
		}
	}
	return value
}

func formatValue(v any) []byte {
	return []byte(fmt.Sprint(v))
}
