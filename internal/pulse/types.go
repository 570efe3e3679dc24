package pulse

import (
	"context"
	"time"

	"github.com/fisaks/plcpulse/internal/config"
)

type ConnectionState string

const (
	Disconnected ConnectionState = "disconnected"
	Connecting   ConnectionState = "connecting"
	Connected    ConnectionState = "connected"
)

// Sample is one successful coil read.
type Sample struct {
	Timestamp time.Time `json:"timestamp"`
	Value     bool      `json:"value"`
}

type FaultKind string

const (
	FaultConnect FaultKind = "connect"
	FaultRead    FaultKind = "read"
)

// Fault is published when a connection attempt or a read fails.
type Fault struct {
	Kind      FaultKind `json:"kind"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	Err       error     `json:"-"`
}

// Status is the snapshot returned to command callers. Config is only set
// while Connected.
type Status struct {
	State  ConnectionState      `json:"state"`
	Config *config.DeviceConfig `json:"config"`
}

func (s Status) IsConnected() bool { return s.State == Connected }

// DeviceClient is a single Modbus master bound to one endpoint.
// Close must be safe to call more than once and from any goroutine; it
// unblocks an in-flight ReadCoil.
type DeviceClient interface {
	Open(ctx context.Context) error
	ReadCoil(ctx context.Context, unitID uint8, address uint16) (bool, error)
	Close()
}

type ClientFactory func(cfg config.DeviceConfig) (DeviceClient, error)

// EventPublisher receives every event in transition order. Implementations
// must not block: state events are handed over while the supervisor lock is
// held.
type EventPublisher interface {
	PublishState(state ConnectionState)
	PublishSample(sample Sample)
	PublishFault(fault Fault)
}

type PersistenceSink interface {
	Append(sample Sample, cfg config.DeviceConfig) error
}

// Commander is the command surface shared by the HTTP, WebSocket and MQTT
// front ends.
type Commander interface {
	Connect(cfg config.DeviceConfig) error
	Disconnect()
	Status() Status
}
