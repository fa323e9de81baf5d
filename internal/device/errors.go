package device

import "errors"

var (
	ErrUnknownProperty = errors.New("unknown property")
	ErrReadOnly        = errors.New("property is read-only")
	ErrDeviceOff       = errors.New("cannot set property when light is off")
	ErrInvalidValue    = errors.New("invalid property value")
	ErrDeviceRemoved   = errors.New("device removed")
)
