package device

import (
	"github.com/dokzlo13/yeelightd/internal/eventbus"
)

// BusNotifier publishes device notifications on the event bus.
type BusNotifier struct {
	bus *eventbus.Bus
}

// NewBusNotifier creates a notifier publishing to bus.
func NewBusNotifier(bus *eventbus.Bus) *BusNotifier {
	return &BusNotifier{bus: bus}
}

// AddedEvent builds the device_added event for d, carrying its full description.
func AddedEvent(d *Device) eventbus.Event {
	return eventbus.Event{
		Type: eventbus.EventTypeDeviceAdded,
		Data: map[string]interface{}{
			eventbus.KeyDeviceID: d.ID(),
			eventbus.KeyDevice:   d.Describe(),
		},
	}
}

func (n *BusNotifier) DeviceAdded(d *Device) {
	n.bus.Publish(AddedEvent(d))
}

func (n *BusNotifier) DeviceRemoved(d *Device) {
	n.bus.Publish(eventbus.Event{
		Type: eventbus.EventTypeDeviceRemoved,
		Data: map[string]interface{}{
			eventbus.KeyDeviceID: d.ID(),
			eventbus.KeyDevice:   d.Describe(),
		},
	})
}

// PropertyChanged runs under the device lock and only reads immutable fields.
func (n *BusNotifier) PropertyChanged(d *Device, name PropertyName, value any) {
	n.bus.Publish(eventbus.Event{
		Type: eventbus.EventTypePropertyChanged,
		Data: map[string]interface{}{
			eventbus.KeyDeviceID: d.ID(),
			eventbus.KeyProperty: string(name),
			eventbus.KeyValue:    value,
		},
	})
}

func (n *BusNotifier) ConnectivityChanged(d *Device, connected bool) {
	n.bus.Publish(eventbus.Event{
		Type: eventbus.EventTypeConnectivityChanged,
		Data: map[string]interface{}{
			eventbus.KeyDeviceID:  d.ID(),
			eventbus.KeyConnected: connected,
		},
	})
}
