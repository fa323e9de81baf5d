package device

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/yeelightd/internal/yeelight"
)

// Commander sends a command to the lamp and waits for its acknowledgment.
type Commander interface {
	Send(ctx context.Context, cmd yeelight.Command) ([]string, error)
}

// Notifier receives device lifecycle and state changes. Calls for one device
// are made in order while that device's lock is held, so implementations must
// not call back into the Device synchronously.
type Notifier interface {
	DeviceAdded(d *Device)
	DeviceRemoved(d *Device)
	PropertyChanged(d *Device, name PropertyName, value any)
	ConnectivityChanged(d *Device, connected bool)
}

// Device is the typed property model of one lamp. It reads the shared raw
// attributes, recomputes properties on every push and turns property writes
// into lamp commands.
type Device struct {
	id       string
	info     *yeelight.Info
	caps     Capabilities
	spec     yeelight.ModelSpec
	effect   yeelight.Effect
	notifier Notifier
	props    []Property

	mu        sync.Mutex
	cmd       Commander
	address   string
	values    map[PropertyName]any
	pushedAt  map[string]time.Time // raw key -> last push that carried it
	connected bool
	removed   bool
}

// New builds a device over info. The property set is fixed here from the
// "support" attribute and never changes afterwards. Missing attributes are
// tolerated and compute as defaults.
func New(id string, info *yeelight.Info, notifier Notifier, effect yeelight.Effect) *Device {
	if info == nil {
		info = yeelight.NewInfo(nil)
	}

	spec, _ := yeelight.LookupModel(info.Value("model"))
	d := &Device{
		id:       id,
		info:     info,
		caps:     ParseCapabilities(info.Support()),
		spec:     spec,
		effect:   effect,
		notifier: notifier,
		values:   make(map[PropertyName]any),
		pushedAt: make(map[string]time.Time),
	}

	d.props = append(d.props, onProperty())
	if d.caps.IsDimmable() {
		d.props = append(d.props, levelProperty())
	}
	if d.caps.IsColor() {
		d.props = append(d.props, colorProperty())
	}
	if d.caps.IsVariableColorTemp() {
		d.props = append(d.props, colorTemperatureProperty(spec))
	}
	if d.caps.IsColor() && d.caps.IsVariableColorTemp() {
		d.props = append(d.props, colorModeProperty())
	}

	for _, p := range d.props {
		d.values[p.Name] = d.derive(p.Name)
	}
	return d
}

// attach sets the command channel used by SetValue.
func (d *Device) attach(cmd Commander, address string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cmd = cmd
	d.address = address
}

// markRemoved stops the device from processing pushes and acknowledgments.
func (d *Device) markRemoved() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.removed = true
}

// ID returns the registry identifier.
func (d *Device) ID() string {
	return d.id
}

// Name returns the user-assigned lamp name, falling back to its model.
func (d *Device) Name() string {
	if name := d.info.Value("name"); name != "" {
		return name
	}
	if model := d.info.Value("model"); model != "" {
		return model
	}
	return d.id
}

// Description returns the lamp model.
func (d *Device) Description() string {
	return d.info.Value("model")
}

// Types returns the semantic type tags of the device.
func (d *Device) Types() []string {
	types := []string{"Light"}
	if d.caps.IsColor() || d.caps.IsVariableColorTemp() {
		types = append(types, "ColorControl")
	}
	return types
}

// Properties returns the property table in a stable order.
func (d *Device) Properties() []Property {
	out := make([]Property, len(d.props))
	copy(out, d.props)
	return out
}

// Property returns the metadata of a single property.
func (d *Device) Property(name PropertyName) (Property, bool) {
	for _, p := range d.props {
		if p.Name == name {
			return p, true
		}
	}
	return Property{}, false
}

// Value returns the cached value of a property.
func (d *Device) Value(name PropertyName) (any, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	v, ok := d.values[name]
	return v, ok
}

// OnConnectivity implements yeelight.Handler.
func (d *Device) OnConnectivity(connected bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.removed || d.connected == connected {
		return
	}
	d.connected = connected
	if d.notifier != nil {
		d.notifier.ConnectivityChanged(d, connected)
	}
}

// OnProps implements yeelight.Handler. The attributes are merged into the
// shared raw info and every property is recomputed.
func (d *Device) OnProps(attrs map[string]string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.removed {
		return
	}
	d.info.Merge(attrs)
	now := time.Now()
	for key := range attrs {
		d.pushedAt[key] = now
	}
	d.updateAll()
}

// Update recomputes one property from the raw attributes and notifies if it
// changed.
func (d *Device) Update(name PropertyName) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.values[name]; !ok {
		return
	}
	d.update(name)
}

func (d *Device) updateAll() {
	for _, p := range d.props {
		d.update(p.Name)
	}
}

func (d *Device) update(name PropertyName) {
	value := d.derive(name)
	if d.values[name] == value {
		return
	}
	d.values[name] = value
	if d.notifier != nil {
		d.notifier.PropertyChanged(d, name, value)
	}
}

func (d *Device) derive(name PropertyName) any {
	switch name {
	case PropertyOn:
		return deriveOn(d.info)
	case PropertyLevel:
		return deriveLevel(d.info)
	case PropertyColor:
		return deriveColor(d.info)
	case PropertyColorTemperature:
		return deriveColorTemperature(d.info, d.spec)
	case PropertyColorMode:
		return deriveColorMode(d.info)
	default:
		return nil
	}
}

// write is a prepared property write.
type write struct {
	cmd     yeelight.Command
	applied any
	raw     map[string]string
}

// SetValue writes a property to the lamp. It returns the value applied after
// clamping once the lamp acknowledges the command.
func (d *Device) SetValue(ctx context.Context, name PropertyName, value any) (any, error) {
	w, cmd, err := d.prepare(name, value)
	if err != nil {
		return nil, err
	}

	sentAt := time.Now()
	if _, err := cmd.Send(ctx, w.cmd); err != nil {
		return nil, fmt.Errorf("set %s on %s: %w", name, d.id, err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.removed {
		return nil, ErrDeviceRemoved
	}
	// Attributes pushed after the command went out are newer than the ack.
	fresh := make(map[string]string, len(w.raw))
	for key, v := range w.raw {
		if d.pushedAt[key].After(sentAt) {
			continue
		}
		fresh[key] = v
	}
	if len(fresh) < len(w.raw) {
		log.Debug().
			Str("device", d.id).
			Str("property", string(name)).
			Int("kept_pushed", len(w.raw)-len(fresh)).
			Msg("Acknowledgment older than last push, keeping pushed attributes")
	}

	d.info.Merge(fresh)
	d.updateAll()
	return w.applied, nil
}

func (d *Device) prepare(name PropertyName, value any) (write, Commander, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.removed {
		return write{}, nil, ErrDeviceRemoved
	}
	prop, ok := d.Property(name)
	if !ok {
		return write{}, nil, fmt.Errorf("%w: %s", ErrUnknownProperty, name)
	}
	if prop.ReadOnly {
		return write{}, nil, fmt.Errorf("%w: %s", ErrReadOnly, name)
	}
	if name != PropertyOn && d.values[PropertyOn] != true {
		return write{}, nil, ErrDeviceOff
	}
	if d.cmd == nil {
		return write{}, nil, yeelight.ErrNotConnected
	}

	w, err := d.build(name, value)
	if err != nil {
		return write{}, nil, err
	}
	return w, d.cmd, nil
}

func (d *Device) build(name PropertyName, value any) (write, error) {
	switch name {
	case PropertyOn:
		on, ok := value.(bool)
		if !ok {
			return write{}, fmt.Errorf("%w: on must be a boolean, got %T", ErrInvalidValue, value)
		}
		power := "off"
		if on {
			power = "on"
		}
		return write{
			cmd:     yeelight.NewCommand(yeelight.MethodSetPower, power, d.effect),
			applied: on,
			raw:     map[string]string{"power": power},
		}, nil

	case PropertyLevel:
		level, err := toInt(value)
		if err != nil {
			return write{}, err
		}
		level = clamp(level, 0, 100)
		return write{
			cmd:     yeelight.NewCommand(yeelight.MethodSetBright, level, d.effect),
			applied: level,
			raw:     map[string]string{"bright": strconv.Itoa(level)},
		}, nil

	case PropertyColor:
		r, g, b, hex, err := parseColor(value)
		if err != nil {
			return write{}, err
		}
		rgb := yeelight.RGB(r, g, b)
		return write{
			cmd:     yeelight.NewCommand(yeelight.MethodSetRGB, rgb, d.effect),
			applied: hex,
			raw: map[string]string{
				"rgb":        strconv.Itoa(rgb),
				"color_mode": strconv.Itoa(colorModeRGB),
			},
		}, nil

	case PropertyColorTemperature:
		ct, err := toInt(value)
		if err != nil {
			return write{}, err
		}
		ct = clamp(ct, d.spec.MinKelvin, d.spec.MaxKelvin)
		return write{
			cmd:     yeelight.NewCommand(yeelight.MethodSetCTAbx, ct, d.effect),
			applied: ct,
			raw: map[string]string{
				"ct":         strconv.Itoa(ct),
				"color_mode": strconv.Itoa(colorModeTemperature),
			},
		}, nil

	default:
		return write{}, fmt.Errorf("%w: %s", ErrUnknownProperty, name)
	}
}

// PropertyState is a property with its current value.
type PropertyState struct {
	Property
	Value any `json:"value"`
}

// Description is the host-facing view of a device.
type Description struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Types       []string          `json:"@type"`
	Address     string            `json:"address,omitempty"`
	Connected   bool              `json:"connected"`
	Properties  []PropertyState   `json:"properties"`
	Attributes  map[string]string `json:"attributes,omitempty"`
}

// Describe returns the current view of the device.
func (d *Device) Describe() Description {
	d.mu.Lock()
	defer d.mu.Unlock()

	states := make([]PropertyState, 0, len(d.props))
	for _, p := range d.props {
		states = append(states, PropertyState{Property: p, Value: d.values[p.Name]})
	}

	return Description{
		ID:          d.id,
		Name:        d.Name(),
		Description: d.Description(),
		Types:       d.Types(),
		Address:     d.address,
		Connected:   d.connected,
		Properties:  states,
		Attributes:  d.info.Snapshot(),
	}
}
