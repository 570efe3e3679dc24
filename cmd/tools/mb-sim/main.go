package main

// cSpell:ignore mbserver Modbus
import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/tbrandon/mbserver"
)

// mb-sim is a Modbus TCP slave whose coil MB_COIL (default 3) flips every
// MB_TOGGLE_MS (default 2000, 0 keeps it on).
func main() {
	addr := os.Getenv("MB_LISTEN_ADDR")
	if addr == "" {
		addr = ":1502"
	}
	coil := envInt("MB_COIL", 3)
	toggle := time.Duration(envInt("MB_TOGGLE_MS", 2000)) * time.Millisecond

	srv := mbserver.NewServer()
	srv.Coils[coil] = 1

	if err := srv.ListenTCP(addr); err != nil {
		log.Fatalf("ListenTCP: %v", err)
	}
	defer srv.Close()
	log.Printf("Modbus TCP slave listening on %s (coil %d)", addr, coil)

	if toggle <= 0 {
		select {}
	}
	for range time.Tick(toggle) {
		srv.Coils[coil] ^= 1
		log.Printf("coil %d -> %d", coil, srv.Coils[coil])
	}
}

func envInt(key string, def int) int {
	v, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return def
	}
	if v < 0 || v > 65535 {
		log.Fatalf("%s out of range: %d", key, v)
	}
	return v
}
