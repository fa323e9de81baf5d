package eventbus

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// EventType represents the type of event
type EventType string

const (
	EventTypeDeviceAdded         EventType = "device_added"
	EventTypeDeviceRemoved       EventType = "device_removed"
	EventTypePropertyChanged     EventType = "property_changed"
	EventTypeConnectivityChanged EventType = "connectivity_changed"
)

// EventTypes lists every event type published on the bus
var EventTypes = []EventType{
	EventTypeDeviceAdded,
	EventTypeDeviceRemoved,
	EventTypePropertyChanged,
	EventTypeConnectivityChanged,
}

// Default configuration. A single worker keeps events of one device in
// publish order.
const (
	DefaultWorkerCount = 1
	DefaultQueueSize   = 256
)

// Common event data keys
const (
	KeyDeviceID  = "device_id"
	KeyDevice    = "device"
	KeyProperty  = "property"
	KeyValue     = "value"
	KeyConnected = "connected"
)

// Event represents an event in the system
type Event struct {
	Type EventType              `json:"type"`
	Data map[string]interface{} `json:"data"`
}

// DeviceID returns the device the event is about, if any
func (e Event) DeviceID() string {
	id, _ := e.Data[KeyDeviceID].(string)
	return id
}

// Handler is a function that handles events
type Handler func(Event)

// work represents a unit of work for the worker pool
type work struct {
	event   Event
	handler Handler
}

// Bus provides event routing with a bounded worker pool
type Bus struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler

	// Worker pool
	workQueue chan work
	wg        sync.WaitGroup

	// Shutdown: publishers hold sendMu for reading while queueing
	sendMu    sync.RWMutex
	closed    bool
	closeOnce sync.Once
}

// New creates a new event bus with default settings
func New() *Bus {
	return NewWithConfig(DefaultWorkerCount, DefaultQueueSize)
}

// NewWithConfig creates a new event bus with custom worker count and queue size
func NewWithConfig(workerCount, queueSize int) *Bus {
	if workerCount <= 0 {
		workerCount = DefaultWorkerCount
	}
	if queueSize < 0 {
		queueSize = DefaultQueueSize
	}

	b := &Bus{
		handlers:  make(map[EventType][]Handler),
		workQueue: make(chan work, queueSize),
	}

	// Start worker pool
	for i := 0; i < workerCount; i++ {
		b.wg.Add(1)
		go b.worker(i)
	}

	log.Debug().Int("workers", workerCount).Int("queue_size", queueSize).Msg("Event bus worker pool started")
	return b
}

// worker processes events from the work queue
func (b *Bus) worker(id int) {
	defer b.wg.Done()

	for w := range b.workQueue {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error().
						Interface("panic", r).
						Str("event_type", string(w.event.Type)).
						Int("worker", id).
						Msg("Event handler panicked")
				}
			}()
			w.handler(w.event)
		}()
	}
}

// Subscribe registers a handler for a specific event type
func (b *Bus) Subscribe(eventType EventType, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

// SubscribeAll registers a handler for every event type
func (b *Bus) SubscribeAll(handler Handler) {
	for _, t := range EventTypes {
		b.Subscribe(t, handler)
	}
}

// Publish sends an event to all subscribed handlers.
// Non-blocking: if the work queue is full or bus is closed, events are dropped.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	handlers := b.handlers[event.Type]
	b.mu.RUnlock()

	// Held for reading while sending so Close cannot close the queue under us
	b.sendMu.RLock()
	defer b.sendMu.RUnlock()

	if b.closed {
		log.Warn().Str("event_type", string(event.Type)).Msg("Event bus closed, dropping event")
		return
	}

	for _, handler := range handlers {
		select {
		case b.workQueue <- work{event: event, handler: handler}:
			// Successfully queued
		default:
			// Queue full - drop event with warning
			log.Warn().
				Str("event_type", string(event.Type)).
				Msg("Event bus queue full, dropping event")
		}
	}
}

// Close shuts down the worker pool gracefully.
// Stops accepting events, drains the queue and waits for workers.
func (b *Bus) Close(ctx context.Context) {
	b.closeOnce.Do(func() {
		b.sendMu.Lock()
		b.closed = true
		close(b.workQueue)
		b.sendMu.Unlock()
	})

	// Wait for workers to finish with timeout
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Debug().Msg("Event bus workers stopped gracefully")
	case <-ctx.Done():
		log.Warn().Msg("Event bus shutdown timed out, some events may be lost")
	}
}

