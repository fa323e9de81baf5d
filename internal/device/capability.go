// Package device builds the typed property model of a lamp on top of its raw
// attributes, and tracks the set of known lamps.
package device

import "github.com/dokzlo13/yeelightd/internal/yeelight"

// Capabilities is the set of commands a lamp supports.
type Capabilities uint8

const (
	CapPower Capabilities = 1 << iota
	CapBright
	CapRGB
	CapHSV
	CapColorTemp
)

var capabilityTokens = map[string]Capabilities{
	string(yeelight.MethodSetPower):  CapPower,
	string(yeelight.MethodSetBright): CapBright,
	string(yeelight.MethodSetRGB):    CapRGB,
	string(yeelight.MethodSetHSV):    CapHSV,
	string(yeelight.MethodSetCTAbx):  CapColorTemp,
}

// ParseCapabilities maps "support" tokens onto capability flags. Unknown
// tokens are ignored.
func ParseCapabilities(tokens []string) Capabilities {
	var caps Capabilities
	for _, token := range tokens {
		caps |= capabilityTokens[token]
	}
	return caps
}

// Has returns true if every flag in f is set.
func (c Capabilities) Has(f Capabilities) bool {
	return c&f == f
}

// IsDimmable returns true if brightness can be set.
func (c Capabilities) IsDimmable() bool {
	return c.Has(CapBright)
}

// IsColor returns true if the lamp takes both RGB and HSV colors.
func (c Capabilities) IsColor() bool {
	return c.Has(CapRGB | CapHSV)
}

// IsVariableColorTemp returns true if color temperature can be set.
func (c Capabilities) IsVariableColorTemp() bool {
	return c.Has(CapColorTemp)
}
