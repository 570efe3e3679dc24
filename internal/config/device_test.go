package config

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func problems(t *testing.T, err error) []string {
	t.Helper()
	var cfgErr *ConfigError
	require.True(t, errors.As(err, &cfgErr), "expected ConfigError, got %v", err)
	return cfgErr.Problems
}

func TestDeviceConfig_ValidTCP(t *testing.T) {
	d := DeviceConfig{ModbusType: "TCP", IPAddress: "10.0.0.5", Port: 502, UnitId: 1, CoilAddress: 3}.WithDefaults()
	require.NoError(t, d.Validate())
	assert.Equal(t, TransportTCP, d.ModbusType)
	assert.Equal(t, "10.0.0.5:502", d.Target())
	assert.Equal(t, 10*time.Second, d.Timeout())
}

func TestDeviceConfig_RTUDefaults(t *testing.T) {
	d := DeviceConfig{ModbusType: "rtu", ComPort: "/dev/ttyUSB0", BaudRate: 9600, Parity: "e", UnitId: 1}.WithDefaults()
	require.NoError(t, d.Validate())
	assert.Equal(t, 8, d.DataBits)
	assert.Equal(t, 1, d.StopBits)
	assert.Equal(t, "E", d.Parity)
	assert.Equal(t, "/dev/ttyUSB0", d.Target())
	assert.Equal(t, time.Second, d.Timeout())
}

func TestDeviceConfig_Rejections(t *testing.T) {
	cases := []struct {
		name string
		cfg  DeviceConfig
		want int
	}{
		{"unknown transport", DeviceConfig{ModbusType: "udp"}, 1},
		{"tcp missing host and port", DeviceConfig{ModbusType: TransportTCP}, 2},
		{"negative coil", DeviceConfig{ModbusType: TransportTCP, IPAddress: "h", Port: 502, CoilAddress: -1}, 1},
		{"coil too large", DeviceConfig{ModbusType: TransportTCP, IPAddress: "h", Port: 502, CoilAddress: 65536}, 1},
		{"rtu missing port and baud", DeviceConfig{ModbusType: TransportRTU, UnitId: 1}.WithDefaults(), 2},
		{"rtu broadcast unit", DeviceConfig{ModbusType: TransportRTU, ComPort: "COM3", BaudRate: 9600, UnitId: 0}.WithDefaults(), 1},
		{"rtu bad framing", DeviceConfig{ModbusType: TransportRTU, ComPort: "COM3", BaudRate: 9600, UnitId: 1, DataBits: 9, StopBits: 3, Parity: "X"}, 3},
		{"negative timeout", DeviceConfig{ModbusType: TransportTCP, IPAddress: "h", Port: 502, TimeoutMs: -1}, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Len(t, problems(t, tc.cfg.Validate()), tc.want)
		})
	}
}

func TestDeviceConfig_IgnoresOtherTransportFields(t *testing.T) {
	d := DeviceConfig{ModbusType: TransportTCP, IPAddress: "h", Port: 502, BaudRate: -5, Parity: "?"}
	assert.NoError(t, d.Validate())
}

func TestDeviceConfig_WireNames(t *testing.T) {
	var d DeviceConfig
	require.NoError(t, json.Unmarshal([]byte(`{
		"modbusType":"tcp","ipAddress":"192.168.1.10","port":502,
		"unitId":1,"coilAddress":3,"enableLogging":true
	}`), &d))
	assert.Equal(t, "192.168.1.10", d.IPAddress)
	assert.True(t, d.EnableLogging)
	assert.NoError(t, d.WithDefaults().Validate())
}
