package yeelight

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tidwall/gjson"
)

var (
	// ErrNotConnected is returned when a command is issued while no session is live.
	ErrNotConnected = errors.New("device not connected")
	// ErrClosed is returned for requests pending or issued after Close.
	ErrClosed = errors.New("connection closed")
	// ErrCommandTimeout is returned when a device does not acknowledge a command in time.
	ErrCommandTimeout = errors.New("command acknowledgment timed out")
	// ErrCommandRejected is wrapped by every CommandError.
	ErrCommandRejected = errors.New("command rejected by device")
)

// Method is a Yeelight RPC method name. Set methods double as capability tokens
// in the "support" attribute.
type Method string

const (
	MethodSetPower  Method = "set_power"
	MethodSetBright Method = "set_bright"
	MethodSetRGB    Method = "set_rgb"
	MethodSetHSV    Method = "set_hsv"
	MethodSetCTAbx  Method = "set_ct_abx"
	MethodProps     Method = "props"
)

// Effect controls how the lamp transitions to a new value.
type Effect struct {
	Name     string // "smooth" or "sudden"
	Duration time.Duration
}

// DefaultEffect matches the lamp's own default transition.
var DefaultEffect = Effect{Name: "smooth", Duration: 500 * time.Millisecond}

// Command is an outbound request frame.
type Command struct {
	ID     int    `json:"id"`
	Method Method `json:"method"`
	Params []any  `json:"params"`
}

// NewCommand builds a set-style command: [value, effect, duration_ms].
func NewCommand(method Method, value any, fx Effect) Command {
	return Command{
		Method: method,
		Params: []any{value, fx.Name, fx.Duration.Milliseconds()},
	}
}

// Encode returns the wire form of the command, CRLF terminated.
func (c Command) Encode() ([]byte, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", c.Method, err)
	}
	return append(data, '\r', '\n'), nil
}

// RGB packs three 8-bit components into the integer form used by set_rgb and the
// "rgb" attribute.
func RGB(r, g, b uint8) int {
	return int(r)<<16 | int(g)<<8 | int(b)
}

// CommandError is a device-side rejection of a command.
type CommandError struct {
	Method  Method
	Code    int
	Message string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s rejected: %s (code %d)", e.Method, e.Message, e.Code)
}

func (e *CommandError) Unwrap() error {
	return ErrCommandRejected
}

// FrameKind classifies an inbound frame.
type FrameKind int

const (
	FrameUnknown FrameKind = iota
	FrameResult
	FrameNotification
)

// Frame is a decoded inbound line.
type Frame struct {
	Kind FrameKind

	// FrameResult
	ID     int
	Result []string
	Err    *CommandError

	// FrameNotification
	Params map[string]string
}

// ParseFrame decodes one inbound line. The second return value is false for
// anything that is not a well-formed props notification or command response;
// callers drop such frames.
func ParseFrame(line []byte) (Frame, bool) {
	if !gjson.ValidBytes(line) {
		return Frame{}, false
	}

	root := gjson.ParseBytes(line)
	if !root.IsObject() {
		return Frame{}, false
	}

	if method := root.Get("method"); method.Exists() {
		if method.String() != string(MethodProps) {
			return Frame{}, false
		}
		params := root.Get("params")
		if !params.IsObject() {
			return Frame{}, false
		}

		attrs := make(map[string]string)
		params.ForEach(func(key, value gjson.Result) bool {
			attrs[key.String()] = value.String()
			return true
		})
		return Frame{Kind: FrameNotification, Params: attrs}, true
	}

	id := root.Get("id")
	if id.Type != gjson.Number {
		return Frame{}, false
	}

	frame := Frame{Kind: FrameResult, ID: int(id.Int())}
	if e := root.Get("error"); e.Exists() {
		frame.Err = &CommandError{
			Code:    int(e.Get("code").Int()),
			Message: e.Get("message").String(),
		}
		return frame, true
	}

	result := root.Get("result")
	if !result.IsArray() {
		return Frame{}, false
	}
	for _, item := range result.Array() {
		frame.Result = append(frame.Result, item.String())
	}
	return frame, true
}
