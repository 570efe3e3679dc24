package mqtt

// cSpell:ignore mqtt
import (
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

// Connect opens a short-lived client for the command line tools. The
// service itself uses messaging.MsgBroker.
func Connect(brokerURL, name string, onMessage mqtt.MessageHandler) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions().AddBroker(brokerURL)
	opts.SetClientID(name + "-" + uuid.NewString()[:8])
	opts.SetConnectTimeout(10 * time.Second)
	if onMessage != nil {
		opts.SetDefaultPublishHandler(onMessage)
	}
	c := mqtt.NewClient(opts)
	if tok := c.Connect(); tok.Wait() && tok.Error() != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", brokerURL, tok.Error())
	}
	return c, nil
}
