package main

import (
	"encoding/json"
	"log"
	"net/http"
	"os"
	"strconv"
	"sync"

	"github.com/gorilla/mux"
	"github.com/womat/mbserver"
)

type coilSim struct {
	mu     sync.Mutex
	server *mbserver.Server
	unit   uint8
	addr   int
}

func (c *coilSim) get() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.server.Devices[c.unit].Coils[c.addr] != 0
}

func (c *coilSim) set(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var b byte
	if v {
		b = 1
	}
	c.server.Devices[c.unit].Coils[c.addr] = b
}

func (c *coilSim) toggle() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	coils := c.server.Devices[c.unit].Coils
	coils[c.addr] ^= 1
	return coils[c.addr] != 0
}

type coilState struct {
	Value bool `json:"value"`
}

func StartRestAPI(addr string, sim *coilSim) error {
	r := mux.NewRouter()

	r.HandleFunc("/coil", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, coilState{Value: sim.get()})
	}).Methods(http.MethodGet)

	r.HandleFunc("/coil", func(w http.ResponseWriter, r *http.Request) {
		var req coilState
		if err := readJSON(r, &req); err != nil {
			fail(w, http.StatusBadRequest, "bad json")
			return
		}
		sim.set(req.Value)
		writeJSON(w, http.StatusOK, req)
	}).Methods(http.MethodPut)

	r.HandleFunc("/coil/toggle", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, coilState{Value: sim.toggle()})
	}).Methods(http.MethodPost)

	log.Printf("RTU Simulator REST API listening on %s", addr)
	return http.ListenAndServe(addr, r)
}

/* ------------------------ helpers: json & env ------------------------ */

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
	writeJSON(w, status, map[string]string{"error": msg})
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func atoiOr(s string, def int) int {
	if i, err := strconv.Atoi(s); err == nil {
		return i
	}
	return def
}
