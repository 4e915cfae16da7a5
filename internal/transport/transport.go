// Package transport abstracts the per-device-family protocol behind a small
// capability interface. The collector reacts to a closed set of event
// variants instead of protocol-specific callbacks.
package transport

import (
	"context"
	"fmt"

	"github.com/lwesolowski/homeflux/internal/domain"
)

type EventKind int

const (
	EventConnected EventKind = iota
	EventDisconnected
	EventError
	EventDataUpdate
)

// Event is pushed by a transport to its subscriber. Err is set for
// EventError, Measurement for EventDataUpdate.
type Event struct {
	Kind        EventKind
	Err         error
	Measurement *domain.Measurement
}

type Handler func(Event)

// Measurement field names a Refresh may request.
const (
	FieldPower       = "power"
	FieldVoltage     = "voltage"
	FieldCurrent     = "current"
	FieldConsumption = "consumption"
)

// Transport is the capability set every device family implements. Connect
// and Refresh respect context cancellation; Disconnect is best-effort.
type Transport interface {
	// Find performs discovery / reachability probing before Connect.
	Find(ctx context.Context) error
	Connect(ctx context.Context) error
	Disconnect() error
	Refresh(ctx context.Context, fields []string) (domain.Measurement, error)
	// Subscribe registers the event handler. Must be called before Connect.
	Subscribe(h Handler)
}

// Factory builds a transport for one device. Injected into the connection
// manager so tests can substitute fakes.
type Factory func(cfg domain.DeviceConfig) (Transport, error)

// New is the production factory.
func New(cfg domain.DeviceConfig) (Transport, error) {
	switch cfg.Transport {
	case "mqtt":
		return newMQTT(cfg)
	case "loxone":
		return newLoxone(cfg)
	default:
		return nil, fmt.Errorf("unknown transport %q for device %s", cfg.Transport, cfg.ID)
	}
}
