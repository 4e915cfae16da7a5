package domain

import "time"

// ConnState tracks the lifecycle of a single device connection.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateErrorBackoff
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateErrorBackoff:
		return "error_backoff"
	}
	return "unknown"
}

// ConnectionParams holds the transport-specific settings parsed from a
// device row's connection_config JSON. Which fields are required depends
// on the transport kind.
type ConnectionParams struct {
	// loxone websocket transport
	Host       string `json:"host"`
	Username   string `json:"username"`
	Password   string `json:"password"`
	DeviceUUID string `json:"device_uuid"`

	// mqtt transport
	Broker       string `json:"broker"`
	StateTopic   string `json:"state_topic"`
	CommandTopic string `json:"command_topic"`
}

// DeviceConfig is the immutable per-reconciliation identity of a device.
// The registry table is the source of truth; the connection manager treats
// a slice of these as a set keyed by ID.
type DeviceConfig struct {
	ID        string
	Name      string
	Transport string // "mqtt" or "loxone"
	Params    ConnectionParams
}

// Measurement is one refresh response or data-update payload from a device.
// CumulativeWh is optional: some meters report a monotonic lifetime counter
// instead of (or in addition to) instantaneous power.
type Measurement struct {
	SourceID     string    `json:"source_id"`
	Timestamp    time.Time `json:"timestamp"`
	PowerW       float64   `json:"power_w"`
	Voltage      float64   `json:"voltage"`
	Current      float64   `json:"current"`
	CumulativeWh *float64  `json:"cumulative_wh,omitempty"`
}

// Aggregate is one per-source summary record for a flush window.
type Aggregate struct {
	SourceID    string
	SourceName  string
	WindowStart time.Time
	WindowEnd   time.Time
	EnergyWh    float64
	AvgVoltage  float64
	AvgCurrent  float64
	SampleCount int
	FromCounter bool // energy taken from a cumulative counter, not integrated power
}

// MarketPrice is one day-ahead market quote, priced per MWh.
type MarketPrice struct {
	Timestamp time.Time
	PerMWh    float64
}

// PricePoint is one computed tariff price for a 15-minute step, per kWh.
type PricePoint struct {
	Timestamp time.Time
	Tariff    string
	PerKWh    float64
}

// DeviceStatus is the API-facing view of one tracked connection.
type DeviceStatus struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	State      string    `json:"state"`
	LastError  string    `json:"last_error,omitempty"`
	LastUpdate time.Time `json:"last_update,omitempty"`
}
