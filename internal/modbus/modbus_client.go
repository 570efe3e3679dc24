package modbus

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/fisaks/plcpulse/internal/config"
	"github.com/fisaks/plcpulse/internal/logging"
	"github.com/fisaks/plcpulse/internal/pulse"
	"github.com/goburrow/modbus"
)

var errClientClosed = errors.New("client closed")

type ModbusHandler interface {
	modbus.ClientHandler
	Connect() error
	Close() error
}

// CoilClient is a pulse.DeviceClient backed by a goburrow handler (RTU or TCP).
type CoilClient struct {
	handler ModbusHandler // satisfied by both RTU and TCP handlers
	client  modbus.Client
	target  string

	mu     sync.Mutex
	closed bool
}

func newCoilClient(handler ModbusHandler, target string) *CoilClient {
	return &CoilClient{
		handler: handler,
		client:  modbus.NewClient(handler),
		target:  target,
	}
}

// NewClient is the pulse.ClientFactory for goburrow devices.
func NewClient(cfg config.DeviceConfig) (pulse.DeviceClient, error) {
	switch cfg.ModbusType {
	case config.TransportTCP:
		return NewTCPClient(cfg), nil
	case config.TransportRTU:
		return NewRTUClient(cfg), nil
	default:
		return nil, fmt.Errorf("unsupported modbusType %q", cfg.ModbusType)
	}
}

func NewRTUClient(cfg config.DeviceConfig) *CoilClient {
	handler := modbus.NewRTUClientHandler(cfg.ComPort)
	handler.BaudRate = cfg.BaudRate
	handler.DataBits = cfg.DataBits
	handler.Parity = cfg.Parity
	handler.StopBits = cfg.StopBits
	handler.Timeout = cfg.Timeout()
	if cfg.Debug {
		handler.Logger = logging.WrapSlog("device", cfg.Target())
	}
	return newCoilClient(handler, cfg.Target())
}

func NewTCPClient(cfg config.DeviceConfig) *CoilClient {
	handler := modbus.NewTCPClientHandler(cfg.TCPAddr())
	handler.Timeout = cfg.Timeout()
	if cfg.Debug {
		handler.Logger = logging.WrapSlog("device", cfg.Target())
	}
	return newCoilClient(handler, cfg.Target())
}

// Open connects the handler. The dial itself is bounded by the handler
// timeout; ctx only lets the caller stop waiting for it.
func (c *CoilClient) Open(ctx context.Context) error {
	if c.isClosed() {
		return &pulse.ConnectError{Target: c.target, Err: errClientClosed}
	}

	done := make(chan error, 1)
	go func() { done <- c.handler.Connect() }()

	select {
	case err := <-done:
		if err != nil {
			return &pulse.ConnectError{Target: c.target, Err: err}
		}
		return nil
	case <-ctx.Done():
		go func() {
			<-done
			c.handler.Close()
		}()
		return &pulse.ConnectError{Target: c.target, Err: ctx.Err()}
	}
}

// ReadCoil issues FC1 with quantity 1 and returns bit0 of the reply.
func (c *CoilClient) ReadCoil(ctx context.Context, unitID uint8, addr uint16) (bool, error) {
	if c.isClosed() {
		// goburrow redials on Send, so a closed client must refuse here
		return false, &pulse.ReadFault{Err: errClientClosed}
	}

	type result struct {
		data []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		c.setSlave(unitID)
		data, err := c.client.ReadCoils(addr, 1)
		done <- result{data, err}
	}()

	var res result
	select {
	case res = <-done:
	case <-ctx.Done():
		return false, &pulse.ReadFault{Err: ctx.Err()}
	}

	if res.err != nil {
		return false, toReadFault(res.err)
	}
	if len(res.data) == 0 {
		return false, &pulse.ReadFault{Err: fmt.Errorf("empty coil response")}
	}
	return (res.data[0] & 0x01) != 0, nil
}

// Close is idempotent. It may block until an in-flight request times out,
// so callers holding locks should run it on its own goroutine.
func (c *CoilClient) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	if err := c.handler.Close(); err != nil {
		logging.Debug("modbus handler close", "target", c.target, "error", err)
	}
}

func (c *CoilClient) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *CoilClient) setSlave(id byte) {
	switch h := c.handler.(type) {
	case *modbus.RTUClientHandler:
		h.SlaveId = id
	case *modbus.TCPClientHandler:
		h.SlaveId = id
	default:
		logging.Error("Unknown Modbus handler type", "type", fmt.Sprintf("%T", h))
	}
}

func toReadFault(err error) *pulse.ReadFault {
	var mbErr *modbus.ModbusError
	if errors.As(err, &mbErr) {
		return &pulse.ReadFault{Err: err, Function: mbErr.FunctionCode, Exception: mbErr.ExceptionCode}
	}
	return &pulse.ReadFault{Err: err}
}
