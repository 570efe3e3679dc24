package mqtt

import (
	"encoding/json"
	"fmt"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"
)

const publishTimeout = 5 * time.Second

// PublishJSON marshals v and waits for the broker to acknowledge it.
func PublishJSON(client MQTT.Client, topic string, qos byte, retain bool, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", topic, err)
	}
	token := client.Publish(topic, qos, retain, data)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish timeout after %v", publishTimeout)
	}
	return token.Error()
}
