package messaging

import "context"

type QoS byte

// AtLeastOnce is used for every bridge topic.
const AtLeastOnce QoS = 1

// Subscription is returned by Subscribe and undoes it.
type Subscription interface {
	Unsubscribe(ctx context.Context) error
}

type Broker interface {
	Connect(ctx context.Context) error
	Close(ctx context.Context) error
	Publish(ctx context.Context, topic string, qos QoS, retain bool, payload []byte) error
	PublishJSON(ctx context.Context, topic string, qos QoS, retain bool, v interface{}) error
	Subscribe(ctx context.Context, topic string, qos QoS, handler func(ctx context.Context, topic string, payload []byte)) (Subscription, error)
	IsConnected() bool
	Topic(parts ...string) string
	AddOnConnectPublisher(id string, fn OnConnectPublisher)
	RemoveOnConnectPublisher(id string)
}
