// Package api exposes the device registry over HTTP and streams bus events
// to websocket clients.
package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/yeelightd/internal/device"
	"github.com/dokzlo13/yeelightd/internal/eventbus"
	"github.com/dokzlo13/yeelightd/internal/yeelight"
)

// Devices is the registry view the API works on.
type Devices interface {
	Device(id string) (*device.Device, bool)
	Devices() []*device.Device
	OnRemoved(id string) error
}

// Server holds the HTTP handlers.
type Server struct {
	devices Devices
	hub     *Hub
	ready   atomic.Bool
}

// NewServer creates a server over devices, streaming events through hub.
func NewServer(devices Devices, hub *Hub) *Server {
	return &Server{devices: devices, hub: hub}
}

// SetReady flips the /ready endpoint.
func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
}

// Router builds the HTTP routes.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/health", s.health).Methods(http.MethodGet)
	r.HandleFunc("/ready", s.readiness).Methods(http.MethodGet)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/devices", s.listDevices).Methods(http.MethodGet)
	v1.HandleFunc("/devices/{id}", s.getDevice).Methods(http.MethodGet)
	v1.HandleFunc("/devices/{id}", s.removeDevice).Methods(http.MethodDelete)
	v1.HandleFunc("/devices/{id}/properties/{name}", s.getProperty).Methods(http.MethodGet)
	v1.HandleFunc("/devices/{id}/properties/{name}", s.setProperty).Methods(http.MethodPut)
	v1.HandleFunc("/events", s.events).Methods(http.MethodGet)

	return r
}

type errorResponse struct {
	Error string `json:"error"`
}

type propertyRequest struct {
	Value json.RawMessage `json:"value"`
}

type propertyResponse struct {
	Name  device.PropertyName `json:"name"`
	Value any                 `json:"value"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("Failed to write response")
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

// statusFor maps device and connection errors onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, device.ErrNotFound), errors.Is(err, device.ErrUnknownProperty):
		return http.StatusNotFound
	case errors.Is(err, device.ErrInvalidValue):
		return http.StatusBadRequest
	case errors.Is(err, device.ErrReadOnly):
		return http.StatusMethodNotAllowed
	case errors.Is(err, device.ErrDeviceOff):
		return http.StatusConflict
	case errors.Is(err, device.ErrDeviceRemoved):
		return http.StatusGone
	case errors.Is(err, yeelight.ErrCommandTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, yeelight.ErrCommandRejected):
		return http.StatusBadGateway
	case errors.Is(err, yeelight.ErrNotConnected), errors.Is(err, yeelight.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) readiness(w http.ResponseWriter, _ *http.Request) {
	if !s.ready.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready", "devices": len(s.devices.Devices())})
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*device.Device, bool) {
	id := mux.Vars(r)["id"]
	d, ok := s.devices.Device(id)
	if !ok {
		writeError(w, http.StatusNotFound, device.ErrNotFound)
		return nil, false
	}
	return d, true
}

func (s *Server) listDevices(w http.ResponseWriter, _ *http.Request) {
	devices := s.devices.Devices()
	out := make([]device.Description, 0, len(devices))
	for _, d := range devices {
		out = append(out, d.Describe())
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getDevice(w http.ResponseWriter, r *http.Request) {
	d, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, d.Describe())
}

func (s *Server) removeDevice(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.devices.OnRemoved(id); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getProperty(w http.ResponseWriter, r *http.Request) {
	d, ok := s.lookup(w, r)
	if !ok {
		return
	}

	name := device.PropertyName(mux.Vars(r)["name"])
	value, ok := d.Value(name)
	if !ok {
		writeError(w, http.StatusNotFound, device.ErrUnknownProperty)
		return
	}
	writeJSON(w, http.StatusOK, propertyResponse{Name: name, Value: value})
}

func (s *Server) setProperty(w http.ResponseWriter, r *http.Request) {
	d, ok := s.lookup(w, r)
	if !ok {
		return
	}
	name := device.PropertyName(mux.Vars(r)["name"])

	var req propertyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Value) == 0 {
		writeError(w, http.StatusBadRequest, errors.New("body must be {\"value\": ...}"))
		return
	}

	// Numbers stay json.Number so integers are not rounded through float64.
	dec := json.NewDecoder(bytes.NewReader(req.Value))
	dec.UseNumber()
	var value any
	if err := dec.Decode(&value); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	applied, err := d.SetValue(r.Context(), name, value)
	if err != nil {
		log.Debug().Err(err).Str("device", d.ID()).Str("property", string(name)).Msg("Property write failed")
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, propertyResponse{Name: name, Value: applied})
}

func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	s.hub.serve(w, r, s.snapshot)
}

// snapshot describes every registered device as a device_added event.
func (s *Server) snapshot() []eventbus.Event {
	devices := s.devices.Devices()
	events := make([]eventbus.Event, 0, len(devices))
	for _, d := range devices {
		events = append(events, device.AddedEvent(d))
	}
	return events
}
