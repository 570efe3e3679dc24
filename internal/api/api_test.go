package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fisaks/plcpulse/internal/config"
	"github.com/fisaks/plcpulse/internal/pulse"
)

// stubCommander validates like the supervisor but never dials.
type stubCommander struct {
	status      pulse.Status
	connected   []config.DeviceConfig
	disconnects int
}

func (s *stubCommander) Connect(cfg config.DeviceConfig) error {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.connected = append(s.connected, cfg)
	return nil
}

func (s *stubCommander) Disconnect()          { s.disconnects++ }
func (s *stubCommander) Status() pulse.Status { return s.status }

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestStatus_Disconnected(t *testing.T) {
	r := NewRouter(&stubCommander{status: pulse.Status{State: pulse.Disconnected}}, nil, nil)

	rec := do(t, r, http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"state":"disconnected","connected":false,"config":null}`, rec.Body.String())
}

func TestStatus_ConnectedIncludesConfig(t *testing.T) {
	cfg := &config.DeviceConfig{ModbusType: config.TransportTCP, IPAddress: "10.0.0.5", Port: 502, UnitId: 1, CoilAddress: 3}
	r := NewRouter(&stubCommander{status: pulse.Status{State: pulse.Connected, Config: cfg}}, nil, nil)

	rec := do(t, r, http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Connected)
	require.NotNil(t, resp.Config)
	assert.Equal(t, "10.0.0.5", resp.Config.IPAddress)
}

func TestConnect_Accepted(t *testing.T) {
	cmd := &stubCommander{}
	r := NewRouter(cmd, nil, nil)

	rec := do(t, r, http.MethodPost, "/api/connect",
		`{"modbusType":"rtu","comPort":"/dev/ttyUSB0","baudRate":9600,"unitId":1,"coilAddress":0,"enableLogging":true}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, cmd.connected, 1)
	assert.Equal(t, "N", cmd.connected[0].Parity)
	assert.Equal(t, 8, cmd.connected[0].DataBits)
	assert.True(t, cmd.connected[0].EnableLogging)
}

func TestConnect_InvalidConfigListsProblems(t *testing.T) {
	r := NewRouter(&stubCommander{}, nil, nil)

	rec := do(t, r, http.MethodPost, "/api/connect", `{"modbusType":"tcp","port":0,"coilAddress":-1}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Problems, 3)
}

func TestConnect_RejectsUnknownFields(t *testing.T) {
	r := NewRouter(&stubCommander{}, nil, nil)
	rec := do(t, r, http.MethodPost, "/api/connect", `{"modbusType":"tcp","host":"x"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDisconnect(t *testing.T) {
	cmd := &stubCommander{}
	r := NewRouter(cmd, nil, nil)

	rec := do(t, r, http.MethodPost, "/api/disconnect", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, 1, cmd.disconnects)
}

func TestRouter_OptionalHandlers(t *testing.T) {
	r := NewRouter(&stubCommander{}, nil, nil)
	assert.Equal(t, http.StatusNotFound, do(t, r, http.MethodGet, "/metrics", "").Code)
	assert.Equal(t, http.StatusOK, do(t, r, http.MethodGet, "/healthz", "").Code)

	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("m")) })
	r = NewRouter(&stubCommander{}, nil, metrics)
	rec := do(t, r, http.MethodGet, "/metrics", "")
	assert.Equal(t, "m", rec.Body.String())
}

func TestRouter_MethodNotAllowed(t *testing.T) {
	r := NewRouter(&stubCommander{}, nil, nil)
	assert.Equal(t, http.StatusMethodNotAllowed, do(t, r, http.MethodGet, "/api/connect", "").Code)
}
