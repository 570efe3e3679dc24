package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/fisaks/plcpulse/internal/config"
	"github.com/fisaks/plcpulse/internal/logging"
	"github.com/fisaks/plcpulse/internal/pulse"
)

const (
	TopicStatus     = "status"
	TopicData       = "data"
	TopicError      = "error"
	TopicCmd        = "cmd"
	CmdConnect      = "connect"
	CmdDisconnect   = "disconnect"
	defaultQueueLen = 64
)

// StatusMessage is the retained payload on <prefix>/status.
type StatusMessage struct {
	State     pulse.ConnectionState `json:"state"`
	Connected bool                  `json:"connected"`
	Timestamp time.Time             `json:"timestamp"`
}

type outgoing struct {
	topic   string
	retain  bool
	payload interface{}
}

// PulseBroker publishes supervisor events over MQTT and routes commands
// received on <prefix>/cmd/+ to a pulse.Commander. Publish* never block:
// events go through a bounded queue drained by Run.
type PulseBroker struct {
	Broker
	queue chan outgoing

	mu        sync.RWMutex
	commander pulse.Commander
	sub       Subscription
}

func NewPulseBroker(cfg BrokerConfig) *PulseBroker {
	return newPulseBroker(NewBroker(cfg), cfg.QueueSize)
}

func newPulseBroker(b Broker, queueLen int) *PulseBroker {
	if queueLen <= 0 {
		queueLen = defaultQueueLen
	}
	return &PulseBroker{
		Broker: b,
		queue:  make(chan outgoing, queueLen),
	}
}

// Run drains the outgoing queue until ctx ends.
func (b *PulseBroker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-b.queue:
			if !b.IsConnected() {
				logging.Debug("mqtt not connected, dropping event", "topic", msg.topic)
				continue
			}
			if err := b.PublishJSON(ctx, msg.topic, AtLeastOnce, msg.retain, msg.payload); err != nil {
				logging.Warn("mqtt publish failed", "topic", msg.topic, "error", err)
			}
		}
	}
}

func (b *PulseBroker) enqueue(msg outgoing) {
	select {
	case b.queue <- msg:
	default:
		logging.Warn("mqtt queue full, dropping event", "topic", msg.topic)
	}
}

func (b *PulseBroker) PublishState(state pulse.ConnectionState) {
	b.enqueue(outgoing{topic: b.Topic(TopicStatus), retain: true, payload: statusMessage(state)})
}

func (b *PulseBroker) PublishSample(sample pulse.Sample) {
	b.enqueue(outgoing{topic: b.Topic(TopicData), payload: sample})
}

func (b *PulseBroker) PublishFault(fault pulse.Fault) {
	b.enqueue(outgoing{topic: b.Topic(TopicError), payload: fault})
}

func statusMessage(state pulse.ConnectionState) StatusMessage {
	return StatusMessage{State: state, Connected: state == pulse.Connected, Timestamp: time.Now()}
}

// StartCommandSubscriber subscribes to the command topics and republishes
// the current status each time the broker (re)connects.
func (b *PulseBroker) StartCommandSubscriber(ctx context.Context, commander pulse.Commander) error {
	b.mu.Lock()
	b.commander = commander
	b.mu.Unlock()

	b.AddOnConnectPublisher("status", func() (PublishRequest, error) {
		return PublishRequest{
			Topic:   b.Topic(TopicStatus),
			Qos:     AtLeastOnce,
			Retain:  true,
			Payload: statusMessage(commander.Status().State),
		}, nil
	})

	sub, err := b.Subscribe(ctx, b.Topic(TopicCmd, "+"), AtLeastOnce, b.OnMessage)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.sub = sub
	b.mu.Unlock()
	return nil
}

func (b *PulseBroker) StopCommandSubscriber(ctx context.Context) error {
	b.RemoveOnConnectPublisher("status")
	b.mu.Lock()
	sub := b.sub
	b.sub = nil
	b.mu.Unlock()
	if sub == nil {
		return nil
	}
	return sub.Unsubscribe(ctx)
}

func (b *PulseBroker) OnMessage(ctx context.Context, topic string, payload []byte) {
	logging.Debug("Received cmd message", "topic", topic)

	b.mu.RLock()
	commander := b.commander
	b.mu.RUnlock()
	if commander == nil {
		logging.Warn("cmd received before subscriber started", "topic", topic)
		return
	}

	// <prefix>/cmd/<command>
	parts := strings.Split(topic, "/")
	if len(parts) < 2 || parts[len(parts)-2] != TopicCmd {
		logging.Warn("cmd topic malformed", "topic", topic)
		return
	}

	switch cmd := parts[len(parts)-1]; cmd {
	case CmdConnect:
		var cfg config.DeviceConfig
		if err := json.Unmarshal(payload, &cfg); err != nil {
			logging.Warn("cmd json", "topic", topic, "error", err)
			return
		}
		if err := commander.Connect(cfg); err != nil {
			var cfgErr *config.ConfigError
			if errors.As(err, &cfgErr) {
				logging.Warn("connect rejected", "problems", cfgErr.Problems)
				return
			}
			logging.Warn("cmd handling", "command", cmd, "error", err)
		}
	case CmdDisconnect:
		commander.Disconnect()
	default:
		logging.Warn("unknown cmd", "topic", topic)
	}
}
