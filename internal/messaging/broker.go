package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/fisaks/plcpulse/internal/config"
	"github.com/fisaks/plcpulse/internal/logging"
)

type BrokerConfig struct {
	BrokerURL        string
	ClientName       string
	TopicPrefix      string
	ConnectTimeout   time.Duration
	PublishTimeout   time.Duration
	SubscribeTimeout time.Duration
	QueueSize        int
}

func BrokerConfigFrom(cfg config.MQTTConfig) BrokerConfig {
	return BrokerConfig{
		BrokerURL:      cfg.URL,
		ClientName:     cfg.ClientName,
		TopicPrefix:    cfg.TopicPrefix,
		ConnectTimeout: cfg.ConnectTimeout(),
		PublishTimeout: cfg.PublishTimeout(),
		QueueSize:      cfg.QueueSize,
	}
}

type MsgBroker struct {
	config         BrokerConfig
	client         mqtt.Client
	mu             sync.RWMutex
	subs           map[string]subscription
	onConnectFuncs map[string]OnConnectPublisher
}

type PublishRequest struct {
	// If Context is nil, context.Background() is used
	Context      context.Context
	Topic        string
	Qos          QoS
	Retain       bool
	PayloadBytes []byte
	Payload      interface{}
}

type OnConnectPublisher func() (PublishRequest, error)

type subscription struct {
	qos     byte
	handler mqtt.MessageHandler
}

func NewBroker(cfg BrokerConfig) Broker {
	return NewMsgBroker(cfg)
}

// NewMsgBroker builds the paho client up front; nothing is dialled until
// Connect. The client field is never reassigned afterwards.
func NewMsgBroker(cfg BrokerConfig) *MsgBroker {
	b := &MsgBroker{
		config:         cfg,
		subs:           make(map[string]subscription),
		onConnectFuncs: make(map[string]OnConnectPublisher),
	}
	b.client = mqtt.NewClient(b.optionsFromConfig())
	return b
}

func (b *MsgBroker) Connect(ctx context.Context) error {
	if b.client == nil {
		return errors.New("client not initialized")
	}
	if b.client.IsConnected() {
		return nil
	}

	t := b.client.Connect()
	done := make(chan struct{})
	go func() {
		t.Wait()
		close(done)
	}()

	select {
	case <-done:
		return t.Error()
	case <-ctx.Done():
		// connect retry stays active; OnConnect fires once the broker is reachable
		return ctx.Err()
	}
}

func (b *MsgBroker) optionsFromConfig() *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions().AddBroker(b.config.BrokerURL)
	// unique per process
	opts.SetClientID("plcpulse-" + b.config.ClientName + "-" + uuid.NewString()[:8])
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	if b.config.ConnectTimeout > 0 {
		opts.SetConnectTimeout(b.config.ConnectTimeout)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		logging.Warn("mqtt connection lost", "clientName", b.config.ClientName, "error", err)
	}
	opts.OnConnect = func(c mqtt.Client) {
		b.resubscribe(c)
		b.onConnectPublisher()
	}
	return opts
}

func (b *MsgBroker) AddOnConnectPublisher(id string, fn OnConnectPublisher) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onConnectFuncs[id] = fn
}

func (b *MsgBroker) RemoveOnConnectPublisher(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.onConnectFuncs, id)
}

func (b *MsgBroker) onConnectPublisher() {
	b.mu.RLock()
	funcsCopy := make(map[string]OnConnectPublisher, len(b.onConnectFuncs))
	for k, v := range b.onConnectFuncs {
		funcsCopy[k] = v
	}
	b.mu.RUnlock()

	for id, fn := range funcsCopy {
		req, err := fn()
		if err != nil {
			logging.Error("onConnectPublisher failed", "clientName", b.config.ClientName, "id", id, "error", err)
			continue
		}
		ctx := req.Context
		if ctx == nil {
			ctx = context.Background()
		}
		var pubErr error
		if req.PayloadBytes == nil {
			pubErr = b.PublishJSON(ctx, req.Topic, req.Qos, req.Retain, req.Payload)
		} else {
			pubErr = b.Publish(ctx, req.Topic, req.Qos, req.Retain, req.PayloadBytes)
		}
		if pubErr != nil {
			logging.Error("onConnect publish failed", "clientName", b.config.ClientName, "id", id, "topic", req.Topic, "error", pubErr)
		}

	}
}

// Topic joins parts under the configured prefix.
func (b *MsgBroker) Topic(parts ...string) string {
	all := make([]string, 0, len(parts)+1)
	if b.config.TopicPrefix != "" {
		all = append(all, strings.Trim(b.config.TopicPrefix, "/"))
	}
	for _, p := range parts {
		if p = strings.Trim(p, "/"); p != "" {
			all = append(all, p)
		}
	}
	return strings.Join(all, "/")
}

func (b *MsgBroker) IsConnected() bool {
	if b.client == nil {
		return false
	}
	return b.client.IsConnected()
}

func (b *MsgBroker) Close(ctx context.Context) error {
	if b.client == nil {
		return nil
	}
	// Graceful disconnect with short timeout
	done := make(chan struct{})
	go func() {
		// 250 ms quiesce period
		b.client.Disconnect(250)
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *MsgBroker) Publish(ctx context.Context, topic string, qos QoS, retain bool, payload []byte) error {
	if b.client == nil {
		return errors.New("client not initialized")
	}
	if qos > 2 {
		return fmt.Errorf("invalid qos %d", qos)
	}
	token := b.client.Publish(topic, byte(qos), retain, payload)
	timeout := b.config.PublishTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	select {
	case <-token.Done():
		return token.Error()
	case <-time.After(timeout):
		return fmt.Errorf("publish timeout after %v", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *MsgBroker) PublishJSON(ctx context.Context, topic string, qos QoS, retain bool, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Publish(ctx, topic, qos, retain, data)
}

// resubscribe restores every registered subscription after a (re)connect;
// the session is clean so the broker forgets them.
func (b *MsgBroker) resubscribe(c mqtt.Client) {
	b.mu.RLock()
	subsCopy := make(map[string]subscription, len(b.subs))
	for k, v := range b.subs {
		subsCopy[k] = v
	}
	b.mu.RUnlock()

	for topic, sub := range subsCopy {
		token := c.Subscribe(topic, sub.qos, sub.handler)
		go func(topic string) {
			if token.WaitTimeout(5*time.Second) && token.Error() != nil {
				logging.Error("mqtt resubscribe failed", "clientName", b.config.ClientName, "topic", topic, "error", token.Error())
			}
		}(topic)
	}
}

// Subscribe registers handler and waits for SUBACK with timeout. While the
// client is offline the handler is only registered and takes effect on the
// next connect.
func (b *MsgBroker) Subscribe(ctx context.Context, topic string, qos QoS, handler func(context.Context, string, []byte)) (Subscription, error) {
	if b.client == nil {
		return nil, errors.New("client not initialized")
	}
	// wrapper that converts paho message to our handler and logs panics without crashing
	onMessageHandler := func(_ mqtt.Client, msg mqtt.Message) {
		go func() {
			defer func() {
				if r := recover(); r != nil {
					logging.Error("mqtt handler panic", "ClientName", b.config.ClientName, "topic", msg.Topic(), "err", r)
				}
			}()
			handler(ctx, msg.Topic(), msg.Payload())
		}()
	}
	b.mu.Lock()
	b.subs[topic] = subscription{qos: byte(qos), handler: onMessageHandler}
	b.mu.Unlock()

	if !b.client.IsConnected() {
		logging.Info("mqtt offline, subscription deferred", "topic", topic)
		return &msgSubscription{broker: b, topic: topic}, nil
	}
	token := b.client.Subscribe(topic, byte(qos), onMessageHandler)

	timeout := b.config.SubscribeTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return nil, err
		}
		return &msgSubscription{broker: b, topic: topic}, nil

	case <-time.After(timeout):
		return nil, fmt.Errorf("subscribe timeout for %s", topic)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// subscription wrapper
type msgSubscription struct {
	broker *MsgBroker
	topic  string
}

func (s *msgSubscription) Unsubscribe(ctx context.Context) error {
	b := s.broker
	b.mu.Lock()
	delete(b.subs, s.topic)
	b.mu.Unlock()
	if !b.client.IsConnected() {
		return nil
	}
	token := b.client.Unsubscribe(s.topic)
	timeout := 3 * time.Second
	select {
	case <-token.Done():
		return token.Error()
	case <-time.After(timeout):
		return fmt.Errorf("unsubscribe timeout for %s", s.topic)
	case <-ctx.Done():
		return ctx.Err()
	}
}
