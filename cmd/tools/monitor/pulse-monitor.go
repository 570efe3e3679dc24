package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/fisaks/plcpulse/internal/messaging"
	"github.com/fisaks/plcpulse/internal/mqtt"
	"github.com/fisaks/plcpulse/internal/pulse"
)

// formatEvent renders one bridge message as a single line.
func formatEvent(topic string, payload []byte) string {
	switch {
	case strings.HasSuffix(topic, "/"+messaging.TopicData):
		var s pulse.Sample
		if err := json.Unmarshal(payload, &s); err == nil {
			v := "OFF"
			if s.Value {
				v = "ON"
			}
			return fmt.Sprintf("%s data %s %s", topic, s.Timestamp.Format(time.RFC3339Nano), v)
		}
	case strings.HasSuffix(topic, "/"+messaging.TopicStatus):
		var st messaging.StatusMessage
		if err := json.Unmarshal(payload, &st); err == nil {
			return fmt.Sprintf("%s state %s", topic, st.State)
		}
	case strings.HasSuffix(topic, "/"+messaging.TopicError):
		var f pulse.Fault
		if err := json.Unmarshal(payload, &f); err == nil {
			return fmt.Sprintf("%s fault %s: %s", topic, f.Kind, f.Message)
		}
	}
	return fmt.Sprintf("%s %s", topic, string(payload))
}

func main() {
	var broker, topic string
	flag.StringVar(&broker, "broker", "tcp://localhost:1883", "MQTT broker address")
	flag.StringVar(&topic, "topic", "plcpulse/#", "MQTT topic filter")
	flag.Parse()

	client, err := mqtt.Connect(broker, "pulse-monitor", func(_ paho.Client, msg paho.Message) {
		fmt.Println(formatEvent(msg.Topic(), msg.Payload()))
	})
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("Connected to MQTT broker %s, subscribing to %s...\n", broker, topic)

	if token := client.Subscribe(topic, 0, nil); token.Wait() && token.Error() != nil {
		log.Fatal(token.Error())
	}

	// Wait for interrupt
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		fmt.Println("\nShutting down...")
		cancel()
	}()
	<-ctx.Done()
	client.Disconnect(200)
}
