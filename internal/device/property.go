package device

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/lucasb-eyer/go-colorful"

	"github.com/dokzlo13/yeelightd/internal/yeelight"
)

// PropertyName identifies a property exposed to the host.
type PropertyName string

const (
	PropertyOn               PropertyName = "on"
	PropertyLevel            PropertyName = "level"
	PropertyColor            PropertyName = "color"
	PropertyColorTemperature PropertyName = "colorTemperature"
	PropertyColorMode        PropertyName = "colorMode"
)

// Color mode values of the colorMode property.
const (
	ColorModeColor       = "color"
	ColorModeTemperature = "temperature"
)

// Yeelight color_mode codes.
const (
	colorModeRGB         = 1
	colorModeTemperature = 2
	colorModeHSV         = 3
)

// Property is the host-facing description of a property.
type Property struct {
	Name     PropertyName `json:"name"`
	AtType   string       `json:"@type"`
	Title    string       `json:"title"`
	Type     string       `json:"type"`
	Unit     string       `json:"unit,omitempty"`
	Minimum  *int         `json:"minimum,omitempty"`
	Maximum  *int         `json:"maximum,omitempty"`
	Enum     []string     `json:"enum,omitempty"`
	ReadOnly bool         `json:"readOnly,omitempty"`
}

func intPtr(v int) *int {
	return &v
}

func onProperty() Property {
	return Property{Name: PropertyOn, AtType: "OnOffProperty", Title: "On/Off", Type: "boolean"}
}

func levelProperty() Property {
	return Property{
		Name:    PropertyLevel,
		AtType:  "BrightnessProperty",
		Title:   "Brightness",
		Type:    "integer",
		Unit:    "percent",
		Minimum: intPtr(0),
		Maximum: intPtr(100),
	}
}

func colorProperty() Property {
	return Property{Name: PropertyColor, AtType: "ColorProperty", Title: "Color", Type: "string"}
}

func colorTemperatureProperty(spec yeelight.ModelSpec) Property {
	return Property{
		Name:    PropertyColorTemperature,
		AtType:  "ColorTemperatureProperty",
		Title:   "Color Temperature",
		Type:    "integer",
		Unit:    "kelvin",
		Minimum: intPtr(spec.MinKelvin),
		Maximum: intPtr(spec.MaxKelvin),
	}
}

func colorModeProperty() Property {
	return Property{
		Name:     PropertyColorMode,
		AtType:   "ColorModeProperty",
		Title:    "Color Mode",
		Type:     "string",
		Enum:     []string{ColorModeColor, ColorModeTemperature},
		ReadOnly: true,
	}
}

// atoi parses a raw attribute, treating anything unparseable as 0.
func atoi(s string) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0
	}
	return n
}

func clamp(v, lo, hi int) int {
	return min(max(v, lo), hi)
}

func deriveOn(info *yeelight.Info) bool {
	return info.Value("power") == "on"
}

func deriveLevel(info *yeelight.Info) int {
	return atoi(info.Value("bright"))
}

func deriveColor(info *yeelight.Info) string {
	switch atoi(info.Value("color_mode")) {
	case colorModeRGB:
		return fmt.Sprintf("#%06x", atoi(info.Value("rgb"))&0xffffff)
	case colorModeHSV:
		hue := float64(atoi(info.Value("hue")) % 360)
		if hue < 0 {
			hue += 360
		}
		sat := float64(clamp(atoi(info.Value("sat")), 0, 100)) / 100
		val := float64(clamp(atoi(info.Value("bright")), 0, 100)) / 100
		return colorful.Hsv(hue, sat, val).Hex()
	default:
		return "#000000"
	}
}

// deriveColorTemperature clamps reported values into the model's range; a
// missing or unparseable value reads as 0.
func deriveColorTemperature(info *yeelight.Info, spec yeelight.ModelSpec) int {
	raw, ok := info.Get("ct")
	if !ok {
		return 0
	}
	ct, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0
	}
	return clamp(ct, spec.MinKelvin, spec.MaxKelvin)
}

func deriveColorMode(info *yeelight.Info) string {
	if atoi(info.Value("color_mode")) == colorModeTemperature {
		return ColorModeTemperature
	}
	return ColorModeColor
}

// parseColor validates a "#rrggbb" string and returns its components along
// with the lower-cased form.
func parseColor(v any) (r, g, b uint8, hex string, err error) {
	s, ok := v.(string)
	if !ok || len(s) != 7 || s[0] != '#' {
		return 0, 0, 0, "", fmt.Errorf("%w: color must be #rrggbb, got %v", ErrInvalidValue, v)
	}

	c, err := colorful.Hex(s)
	if err != nil {
		return 0, 0, 0, "", fmt.Errorf("%w: %w", ErrInvalidValue, err)
	}
	r, g, b = c.RGB255()
	return r, g, b, strings.ToLower(s), nil
}

// toInt accepts the numeric forms a host may hand over.
func toInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int32:
		return int(n), nil
	case int64:
		return int(n), nil
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return 0, fmt.Errorf("%w: %v", ErrInvalidValue, v)
		}
		return int(math.Round(n)), nil
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrInvalidValue, v)
		}
		return int(math.Round(f)), nil
	default:
		return 0, fmt.Errorf("%w: expected integer, got %T", ErrInvalidValue, v)
	}
}
