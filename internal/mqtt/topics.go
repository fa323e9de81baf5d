package mqtt

import (
	"strings"

	"github.com/dokzlo13/yeelightd/internal/device"
)

// Topics builds the topic layout under a common prefix:
//
//	<prefix>/$status                  daemon online/offline
//	<prefix>/<device>/$device         retained device description
//	<prefix>/<device>/$online         retained connectivity
//	<prefix>/<device>/<property>      retained property value
//	<prefix>/<device>/<property>/set  property writes
type Topics struct {
	prefix string
}

// NewTopics creates the layout for prefix.
func NewTopics(prefix string) Topics {
	return Topics{prefix: strings.TrimSuffix(prefix, "/")}
}

func (t Topics) Status() string {
	return t.prefix + "/$status"
}

func (t Topics) Device(id string) string {
	return t.prefix + "/" + id + "/$device"
}

func (t Topics) Online(id string) string {
	return t.prefix + "/" + id + "/$online"
}

func (t Topics) Property(id string, name device.PropertyName) string {
	return t.prefix + "/" + id + "/" + string(name)
}

// SetFilter matches every property write topic.
func (t Topics) SetFilter() string {
	return t.prefix + "/+/+/set"
}

// ParseSet extracts the device and property from a write topic.
func (t Topics) ParseSet(topic string) (string, device.PropertyName, bool) {
	rest, ok := strings.CutPrefix(topic, t.prefix+"/")
	if !ok {
		return "", "", false
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 3 || parts[2] != "set" || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], device.PropertyName(parts[1]), true
}
