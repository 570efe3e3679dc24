package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/fisaks/plcpulse/internal/config"
	"github.com/fisaks/plcpulse/internal/messaging"
	"github.com/fisaks/plcpulse/internal/mqtt"
)

func usage() {
	fmt.Fprintf(os.Stderr, `Usage:
  pulsectl connect --type tcp --ip HOST [--port 502] --unit ID --coil ADDRESS [--log]
  pulsectl connect --type rtu --com PORT [--baud 9600] [--parity N] --unit ID --coil ADDRESS [--log]
  pulsectl disconnect

  Optional flags:
  --broker   (string)   MQTT broker address (default: tcp://localhost:1883)
  --prefix   (string)   Topic prefix of the bridge (default: plcpulse/plcpulse)

`)
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "Missing command (connect or disconnect)\n")
		usage()
		os.Exit(2)
	}

	cmd := os.Args[1]
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	broker := fs.String("broker", "tcp://localhost:1883", "MQTT broker address")
	prefix := fs.String("prefix", "plcpulse/plcpulse", "topic prefix")

	var dev config.DeviceConfig
	var modbusType string
	if cmd == messaging.CmdConnect {
		fs.StringVar(&modbusType, "type", "tcp", "tcp or rtu")
		fs.StringVar(&dev.IPAddress, "ip", "", "device host (tcp)")
		fs.IntVar(&dev.Port, "port", 502, "device port (tcp)")
		fs.StringVar(&dev.ComPort, "com", "", "serial port (rtu)")
		fs.IntVar(&dev.BaudRate, "baud", 9600, "baud rate (rtu)")
		fs.StringVar(&dev.Parity, "parity", "N", "parity N|E|O (rtu)")
		fs.IntVar(&dev.UnitId, "unit", 1, "unit id")
		fs.IntVar(&dev.CoilAddress, "coil", -1, "coil address (required)")
		fs.BoolVar(&dev.EnableLogging, "log", false, "persist samples")
	}
	fs.Usage = usage

	var payload interface{}
	switch cmd {
	case messaging.CmdConnect:
		if err := fs.Parse(os.Args[2:]); err != nil {
			os.Exit(2)
		}
		dev.ModbusType = config.TransportKind(modbusType)
		dev = dev.WithDefaults()
		if err := dev.Validate(); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			usage()
			os.Exit(2)
		}
		payload = dev
	case messaging.CmdDisconnect:
		if err := fs.Parse(os.Args[2:]); err != nil {
			os.Exit(2)
		}
		payload = struct{}{}
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		usage()
		os.Exit(2)
	}

	client, err := mqtt.Connect(*broker, "pulsectl", nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	defer client.Disconnect(250)

	topic := strings.TrimSuffix(*prefix, "/") + "/" + messaging.TopicCmd + "/" + cmd
	if err := mqtt.PublishJSON(client, topic, byte(messaging.AtLeastOnce), false, payload); err != nil {
		fmt.Fprintf(os.Stderr, "MQTT publish error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("%s published to %s\n", cmd, topic)
}
