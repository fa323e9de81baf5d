package device

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/yeelightd/internal/yeelight"
)

// ErrNotFound is returned for operations on unknown device ids.
var ErrNotFound = errors.New("device not found")

// IDPrefix is prepended to lamp identifiers to form registry ids.
const IDPrefix = "yeelight-"

// DeviceID returns the registry id for a lamp identifier.
func DeviceID(lampID string) string {
	return IDPrefix + lampID
}

// Conn is the connection a registry entry drives.
type Conn interface {
	Commander
	Run(ctx context.Context) error
	Close() error
	Done() <-chan struct{}
}

// ConnFactory creates the connection for a newly registered device.
type ConnFactory func(id, address string, handler yeelight.Handler) Conn

// ConnectionFactory returns a ConnFactory creating yeelight connections.
func ConnectionFactory(cfg yeelight.ConnectionConfig) ConnFactory {
	return func(id, address string, handler yeelight.Handler) Conn {
		return yeelight.NewConnection(id, address, cfg, handler)
	}
}

type entry struct {
	device *Device
	conn   Conn
}

// Registry owns one Device and one connection per discovered lamp.
type Registry struct {
	cache    *yeelight.InfoCache
	notifier Notifier
	factory  ConnFactory
	effect   yeelight.Effect

	// StopTimeout bounds how long OnRemoved waits for a connection to stop.
	StopTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	entries map[string]*entry
	closed  bool
}

// NewRegistry creates an empty registry.
func NewRegistry(cache *yeelight.InfoCache, notifier Notifier, factory ConnFactory, effect yeelight.Effect) *Registry {
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		cache:       cache,
		notifier:    notifier,
		factory:     factory,
		effect:      effect,
		StopTimeout: 5 * time.Second,
		ctx:         ctx,
		cancel:      cancel,
		entries:     make(map[string]*entry),
	}
}

// OnDiscovered registers the lamp with the given identifier and starts its
// connection. Re-announcing a known lamp is a no-op. The cached raw info is
// used as is, even when the lamp has not been fully observed yet.
func (r *Registry) OnDiscovered(lampID, address string) (*Device, bool) {
	id := DeviceID(lampID)

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, false
	}
	if e, ok := r.entries[id]; ok {
		return e.device, false
	}

	info := r.cache.Merge(lampID, nil)
	dev := New(id, info, r.notifier, r.effect)
	conn := r.factory(id, address, dev)
	dev.attach(conn, address)
	r.entries[id] = &entry{device: dev, conn: conn}

	log.Info().
		Str("device", id).
		Str("address", address).
		Str("model", info.Value("model")).
		Strs("types", dev.Types()).
		Msg("Device added")

	if r.notifier != nil {
		r.notifier.DeviceAdded(dev)
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := conn.Run(r.ctx); err != nil {
			log.Warn().Err(err).Str("device", id).Msg("Connection stopped with error")
		}
	}()

	return dev, true
}

// OnRemoved closes the lamp's connection, cancelling any pending backoff and
// discarding in-flight acknowledgments, and forgets the device.
func (r *Registry) OnRemoved(id string) error {
	r.mu.Lock()
	e, ok := r.entries[id]
	if ok {
		delete(r.entries, id)
	}
	r.mu.Unlock()

	if !ok {
		return ErrNotFound
	}

	e.device.markRemoved()
	if err := e.conn.Close(); err != nil {
		log.Warn().Err(err).Str("device", id).Msg("Failed to close connection")
	}

	select {
	case <-e.conn.Done():
	case <-time.After(r.StopTimeout):
		log.Warn().Str("device", id).Msg("Timed out waiting for connection to stop")
	}

	log.Info().Str("device", id).Msg("Device removed")
	if r.notifier != nil {
		r.notifier.DeviceRemoved(e.device)
	}
	return nil
}

// Device returns a registered device.
func (r *Registry) Device(id string) (*Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	return e.device, true
}

// Devices returns all registered devices ordered by id.
func (r *Registry) Devices() []*Device {
	r.mu.Lock()
	out := make([]*Device, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.device)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].ID() < out[j].ID()
	})
	return out
}

// Len returns the number of registered devices.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Close removes every device and waits for all connections to stop.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		_ = r.OnRemoved(id)
	}

	r.cancel()
	r.wg.Wait()
}
