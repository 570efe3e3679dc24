package main

import (
	"log"
	"os"
	"time"

	"github.com/goburrow/serial"
	"github.com/womat/mbserver"

	"github.com/fisaks/plcpulse/internal/config"
)

// rtu-sim serves the coil named by the service config's device section on
// a serial port, flipping it every SIM_TOGGLE_MS (0 disables toggling).
func main() {
	configPath := os.Getenv("SIM_CONFIG_PATH")
	if configPath == "" {
		log.Fatal("SIM_CONFIG_PATH not set")
	}
	cfg, err := config.LoadServiceConfig(configPath)
	if err != nil {
		log.Fatalf("service config error: %v", err)
	}
	if cfg.Device == nil || cfg.Device.ModbusType != config.TransportRTU {
		log.Fatal("config has no rtu device section")
	}
	dev := *cfg.Device

	s := mbserver.NewServer()
	id := uint8(dev.UnitId)
	if id != 1 {
		if err := s.NewDevice(id); err != nil {
			log.Fatalf("NewDevice(%d): %v", id, err)
		}
	}
	s.Devices[id].Coils[dev.CoilAddress] = 1

	port, err := serial.Open(&serial.Config{
		Address:  dev.ComPort,
		BaudRate: dev.BaudRate,
		DataBits: dev.DataBits,
		StopBits: dev.StopBits,
		Parity:   dev.Parity,
		Timeout:  2 * time.Second,
	})
	if err != nil {
		log.Fatalf("serial open %s: %v", dev.ComPort, err)
	}
	defer port.Close()

	if err := s.ListenRTU(port); err != nil {
		log.Fatalf("listenRTU: %v", err)
	}
	log.Printf("RTU simulator ready on %s unit %d coil %d", dev.ComPort, id, dev.CoilAddress)

	sim := &coilSim{server: s, unit: id, addr: dev.CoilAddress}
	go func() {
		if err := StartRestAPI(getenv("SIM_REST_ADDR", ":8080"), sim); err != nil {
			log.Fatalf("rest api: %v", err)
		}
	}()

	toggle := time.Duration(atoiOr(os.Getenv("SIM_TOGGLE_MS"), 5000)) * time.Millisecond
	if toggle <= 0 {
		select {}
	}
	for range time.Tick(toggle) {
		v := sim.toggle()
		log.Printf("coil %d -> %v", dev.CoilAddress, v)
	}
}
