package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/fisaks/plcpulse/internal/config"
	"github.com/fisaks/plcpulse/internal/logging"
	"github.com/fisaks/plcpulse/internal/pulse"
)

type StatusResponse struct {
	State     pulse.ConnectionState `json:"state"`
	Connected bool                  `json:"connected"`
	Config    *config.DeviceConfig  `json:"config"`
}

type errorResponse struct {
	Error    string   `json:"error"`
	Problems []string `json:"problems,omitempty"`
}

type server struct {
	cmd pulse.Commander
}

// NewRouter wires the command endpoints. ws and metrics are optional.
func NewRouter(cmd pulse.Commander, ws http.Handler, metrics http.Handler) *mux.Router {
	s := &server{cmd: cmd}

	r := mux.NewRouter()
	sub := r.PathPrefix("/api").Subrouter()
	sub.HandleFunc("/status", s.status).Methods(http.MethodGet)
	sub.HandleFunc("/connect", s.connect).Methods(http.MethodPost)
	sub.HandleFunc("/disconnect", s.disconnect).Methods(http.MethodPost)

	r.HandleFunc("/healthz", healthz).Methods(http.MethodGet)
	if ws != nil {
		r.Handle("/ws", ws).Methods(http.MethodGet)
	}
	if metrics != nil {
		r.Handle("/metrics", metrics).Methods(http.MethodGet)
	}
	return r
}

func (s *server) status(w http.ResponseWriter, r *http.Request) {
	st := s.cmd.Status()
	writeJSON(w, http.StatusOK, StatusResponse{
		State:     st.State,
		Connected: st.IsConnected(),
		Config:    st.Config,
	})
}

func (s *server) connect(w http.ResponseWriter, r *http.Request) {
	var cfg config.DeviceConfig
	if err := readJSON(r, &cfg); err != nil {
		fail(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	if err := s.cmd.Connect(cfg); err != nil {
		var cfgErr *config.ConfigError
		if errors.As(err, &cfgErr) {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid device config", Problems: cfgErr.Problems})
			return
		}
		logging.Error("connect failed", "error", err)
		fail(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "connecting"})
}

func (s *server) disconnect(w http.ResponseWriter, r *http.Request) {
	s.cmd.Disconnect()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "disconnecting"})
}

func healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

/* ------------------------ helpers: json & errors ------------------------ */

func readJSON(r *http.Request, dst any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func fail(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
