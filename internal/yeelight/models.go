package yeelight

// ModelSpec describes hardware limits that the lamp does not report itself.
type ModelSpec struct {
	MinKelvin       int
	MaxKelvin       int
	NightLight      bool
	BackgroundLight bool
}

// DefaultModelSpec applies to models missing from the table.
var DefaultModelSpec = ModelSpec{MinKelvin: 1700, MaxKelvin: 6500}

var modelSpecs = map[string]ModelSpec{
	"mono":      {MinKelvin: 2700, MaxKelvin: 2700},
	"mono1":     {MinKelvin: 2700, MaxKelvin: 2700},
	"color":     {MinKelvin: 1700, MaxKelvin: 6500},
	"color1":    {MinKelvin: 1700, MaxKelvin: 6500},
	"strip1":    {MinKelvin: 1700, MaxKelvin: 6500},
	"bslamp1":   {MinKelvin: 1700, MaxKelvin: 6500},
	"bslamp2":   {MinKelvin: 1700, MaxKelvin: 6500, NightLight: true},
	"ceiling1":  {MinKelvin: 2700, MaxKelvin: 6500, NightLight: true},
	"ceiling2":  {MinKelvin: 2700, MaxKelvin: 6500, NightLight: true},
	"ceiling3":  {MinKelvin: 2700, MaxKelvin: 6500, NightLight: true},
	"ceiling4":  {MinKelvin: 2700, MaxKelvin: 6500, NightLight: true, BackgroundLight: true},
	"color2":    {MinKelvin: 2700, MaxKelvin: 6500},
	"ceiling13": {MinKelvin: 2700, MaxKelvin: 6500, NightLight: true},
}

// LookupModel returns the spec for model and whether it was known.
func LookupModel(model string) (ModelSpec, bool) {
	spec, ok := modelSpecs[model]
	if !ok {
		return DefaultModelSpec, false
	}
	return spec, true
}
