package config

import (
	"fmt"
	"net"
	"slices"
	"strconv"
	"strings"
	"time"
)

type TransportKind string

const (
	TransportTCP TransportKind = "tcp" // stream transport
	TransportRTU TransportKind = "rtu" // serial transport
)

const (
	defaultTCPTimeout = 10 * time.Second
	defaultRTUTimeout = 1 * time.Second
	maxCoilAddress    = 65535
)

// DeviceConfig describes one connection attempt. It is treated as immutable
// once handed to the supervisor. Only the field group matching ModbusType is
// validated; the other group is ignored.
type DeviceConfig struct {
	ModbusType TransportKind `json:"modbusType" yaml:"modbusType"`

	// tcp
	IPAddress string `json:"ipAddress,omitempty" yaml:"ipAddress"`
	Port      int    `json:"port,omitempty" yaml:"port"`

	// rtu
	ComPort  string `json:"comPort,omitempty" yaml:"comPort"`
	BaudRate int    `json:"baudRate,omitempty" yaml:"baudRate"`
	DataBits int    `json:"dataBits,omitempty" yaml:"dataBits"`
	Parity   string `json:"parity,omitempty" yaml:"parity"`
	StopBits int    `json:"stopBits,omitempty" yaml:"stopBits"`

	UnitId        int  `json:"unitId" yaml:"unitId"`
	CoilAddress   int  `json:"coilAddress" yaml:"coilAddress"`
	EnableLogging bool `json:"enableLogging" yaml:"enableLogging"`

	TimeoutMs int  `json:"timeoutMs,omitempty" yaml:"timeoutMs"`
	Debug     bool `json:"debug,omitempty" yaml:"debug"`
}

// ConfigError lists every problem found in a DeviceConfig.
type ConfigError struct {
	Problems []string
}

func (e *ConfigError) add(s string)            { e.Problems = append(e.Problems, s) }
func (e *ConfigError) addf(f string, a ...any) { e.add(fmt.Sprintf(f, a...)) }
func (e *ConfigError) Error() string {
	return "invalid device config: " + strings.Join(e.Problems, "; ")
}

// WithDefaults returns a copy with a normalized transport name and 8N1
// framing filled in for serial devices.
func (d DeviceConfig) WithDefaults() DeviceConfig {
	d.ModbusType = TransportKind(strings.ToLower(strings.TrimSpace(string(d.ModbusType))))
	if d.ModbusType == TransportRTU {
		if d.DataBits == 0 {
			d.DataBits = 8
		}
		if d.StopBits == 0 {
			d.StopBits = 1
		}
		if d.Parity == "" {
			d.Parity = "N"
		}
		d.Parity = strings.ToUpper(d.Parity)
	}
	return d
}

// Validate checks the config without mutating it. A nil return means the
// config can be handed to a DeviceClient factory.
func (d DeviceConfig) Validate() error {
	var errs ConfigError

	switch d.ModbusType {
	case TransportTCP:
		if strings.TrimSpace(d.IPAddress) == "" {
			errs.add("ipAddress is required for modbusType=tcp")
		}
		if d.Port <= 0 || d.Port > 65535 {
			errs.addf("port must be 1..65535 for modbusType=tcp (got %d)", d.Port)
		}
		if d.UnitId < 0 || d.UnitId > 255 {
			errs.addf("unitId must be 0..255 (got %d)", d.UnitId)
		}
	case TransportRTU:
		if strings.TrimSpace(d.ComPort) == "" {
			errs.add("comPort is required for modbusType=rtu")
		}
		if d.BaudRate <= 0 {
			errs.add("baudRate must be > 0 for modbusType=rtu")
		}
		if d.DataBits < 5 || d.DataBits > 8 {
			errs.addf("dataBits must be 5..8 (got %d)", d.DataBits)
		}
		if d.StopBits != 1 && d.StopBits != 2 {
			errs.addf("stopBits must be 1 or 2 (got %d)", d.StopBits)
		}
		if !slices.Contains([]string{"N", "E", "O"}, strings.ToUpper(d.Parity)) {
			errs.add("parity must be one of N,E,O")
		}
		if d.UnitId < 1 || d.UnitId > 247 {
			errs.addf("unitId must be 1..247 for modbusType=rtu (got %d)", d.UnitId)
		}
	default:
		errs.addf("modbusType must be 'tcp' or 'rtu' (got %q)", d.ModbusType)
	}

	if d.CoilAddress < 0 || d.CoilAddress > maxCoilAddress {
		errs.addf("coilAddress must be 0..%d (got %d)", maxCoilAddress, d.CoilAddress)
	}
	if d.TimeoutMs < 0 {
		errs.add("timeoutMs cannot be negative")
	}

	if len(errs.Problems) > 0 {
		return &errs
	}
	return nil
}

// TCPAddr is host:port for the stream transport.
func (d DeviceConfig) TCPAddr() string {
	return net.JoinHostPort(d.IPAddress, strconv.Itoa(d.Port))
}

// Target names the endpoint for logs and errors.
func (d DeviceConfig) Target() string {
	if d.ModbusType == TransportRTU {
		return d.ComPort
	}
	return d.TCPAddr()
}

func (d DeviceConfig) Timeout() time.Duration {
	if d.TimeoutMs > 0 {
		return time.Duration(d.TimeoutMs) * time.Millisecond
	}
	if d.ModbusType == TransportRTU {
		return defaultRTUTimeout
	}
	return defaultTCPTimeout
}
