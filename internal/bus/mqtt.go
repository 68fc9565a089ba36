package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/KevinKickass/CoSimBridge/internal/types"
	paho "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

const operationTimeout = 10 * time.Second

// MQTTOptions configures the MQTT bus.
type MQTTOptions struct {
	BrokerURL   string
	ClientID    string
	Prefix      string
	QoS         byte
	SettleTopic string
}

// PointMessage is the JSON payload published for each point.
type PointMessage struct {
	RunID      string         `json:"run_id"`
	Step       uint64         `json:"step"`
	Time       float64        `json:"time"`
	Name       string         `json:"name,omitempty"`
	Type       types.WireType `json:"type,omitempty"`
	Value      any            `json:"value"`
	LastUpdate *time.Time     `json:"last_update,omitempty"`
}

// MQTTBus publishes step updates to an MQTT broker and can settle steps on
// acknowledgements received from a controller.
type MQTTBus struct {
	client paho.Client
	opts   MQTTOptions
	logger *zap.Logger
	mu     sync.Mutex

	ackMu   sync.Mutex
	acked   uint64
	ackWait chan struct{}

	subsMu sync.Mutex
	subs   map[string]paho.MessageHandler
}

// NewMQTTBus creates the bus but does not connect.
func NewMQTTBus(opts MQTTOptions, logger *zap.Logger) *MQTTBus {
	clientOpts := paho.NewClientOptions().
		AddBroker(opts.BrokerURL).
		SetClientID(opts.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetKeepAlive(30 * time.Second)

	b := &MQTTBus{
		opts:    opts,
		logger:  logger,
		ackWait: make(chan struct{}),
		subs:    make(map[string]paho.MessageHandler),
	}
	clientOpts.SetOnConnectHandler(func(c paho.Client) {
		logger.Info("MQTT connected", zap.String("broker", opts.BrokerURL))
		b.resubscribe(c)
	})
	clientOpts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		logger.Warn("MQTT connection lost", zap.Error(err))
	})

	b.client = paho.NewClient(clientOpts)
	return b
}

// Connect connects to the broker and subscribes to the settlement topic
// when one is configured.
func (b *MQTTBus) Connect() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	token := b.client.Connect()
	if !token.WaitTimeout(operationTimeout) {
		return &ConnectTimeoutError{Broker: b.opts.BrokerURL}
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect failed: %w", err)
	}

	if b.opts.SettleTopic == "" {
		return nil
	}

	topic := b.topic(b.opts.SettleTopic)
	if err := b.subscribe(topic, b.handleAck); err != nil {
		return err
	}

	b.logger.Info("Waiting for step acknowledgements", zap.String("topic", topic))
	return nil
}

// subscribe subscribes handler to topic and remembers it so the
// subscription is restored after a reconnect.
func (b *MQTTBus) subscribe(topic string, handler paho.MessageHandler) error {
	token := b.client.Subscribe(topic, b.opts.QoS, handler)
	if !token.WaitTimeout(operationTimeout) {
		return &SubscribeTimeoutError{Topic: topic}
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt subscribe to %s failed: %w", topic, err)
	}

	b.subsMu.Lock()
	b.subs[topic] = handler
	b.subsMu.Unlock()
	return nil
}

func (b *MQTTBus) resubscribe(c paho.Client) {
	b.subsMu.Lock()
	subs := make(map[string]paho.MessageHandler, len(b.subs))
	for topic, handler := range b.subs {
		subs[topic] = handler
	}
	b.subsMu.Unlock()

	for topic, handler := range subs {
		token := c.Subscribe(topic, b.opts.QoS, handler)
		if !token.WaitTimeout(operationTimeout) || token.Error() != nil {
			b.logger.Warn("Failed to restore subscription",
				zap.String("topic", topic),
				zap.Error(token.Error()))
		}
	}
}

// Disconnect cleanly disconnects from the broker.
func (b *MQTTBus) Disconnect() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.client.Disconnect(1000)
}

// IsConnected returns true if the client is connected.
func (b *MQTTBus) IsConnected() bool {
	return b.client.IsConnected()
}

// Publish sends one message per point to <prefix>/<point path>.
func (b *MQTTBus) Publish(ctx context.Context, update StepUpdate) error {
	for _, p := range update.Points {
		payload, err := json.Marshal(PointMessage{
			RunID:      update.RunID.String(),
			Step:       update.Step,
			Time:       update.Time,
			Name:       p.Name,
			Type:       p.Type,
			Value:      p.Value,
			LastUpdate: p.LastUpdate,
		})
		if err != nil {
			return fmt.Errorf("failed to encode point %s: %w", p.Path(), err)
		}

		topic := b.topic(p.Path())
		token := b.client.Publish(topic, b.opts.QoS, false, payload)

		select {
		case <-token.Done():
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(operationTimeout):
			return &PublishTimeoutError{Topic: topic}
		}
		if err := token.Error(); err != nil {
			return fmt.Errorf("failed to publish %s: %w", topic, err)
		}
	}
	return nil
}

// Settle blocks until an acknowledgement for step (or a later one) has been
// received.
func (b *MQTTBus) Settle(ctx context.Context, step uint64) error {
	for {
		b.ackMu.Lock()
		acked, wait := b.acked, b.ackWait
		b.ackMu.Unlock()

		if acked >= step {
			return nil
		}

		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (b *MQTTBus) handleAck(_ paho.Client, msg paho.Message) {
	step, err := parseAck(msg.Payload())
	if err != nil {
		b.logger.Warn("Ignoring malformed step acknowledgement",
			zap.String("topic", msg.Topic()),
			zap.Error(err))
		return
	}
	b.ack(step)
}

func (b *MQTTBus) ack(step uint64) {
	b.ackMu.Lock()
	defer b.ackMu.Unlock()

	if step <= b.acked {
		return
	}
	b.acked = step
	close(b.ackWait)
	b.ackWait = make(chan struct{})
}

func (b *MQTTBus) topic(path string) string {
	path = strings.Trim(path, "/")
	prefix := strings.Trim(b.opts.Prefix, "/")
	if prefix == "" {
		return path
	}
	return prefix + "/" + path
}

// parseAck accepts {"step": N} or a bare step number.
func parseAck(payload []byte) (uint64, error) {
	text := strings.TrimSpace(string(payload))
	if strings.HasPrefix(text, "{") {
		var body struct {
			Step *uint64 `json:"step"`
		}
		if err := json.Unmarshal([]byte(text), &body); err != nil {
			return 0, fmt.Errorf("invalid acknowledgement: %w", err)
		}
		if body.Step == nil {
			return 0, fmt.Errorf("acknowledgement without step")
		}
		return *body.Step, nil
	}
	return strconv.ParseUint(text, 10, 64)
}

// ConnectTimeoutError indicates connection timed out.
type ConnectTimeoutError struct {
	Broker string
}

func (e *ConnectTimeoutError) Error() string {
	return "mqtt connect timeout: " + e.Broker
}

// SubscribeTimeoutError indicates subscription timed out.
type SubscribeTimeoutError struct {
	Topic string
}

func (e *SubscribeTimeoutError) Error() string {
	return "mqtt subscribe timeout: " + e.Topic
}

// PublishTimeoutError indicates a publish was not confirmed in time.
type PublishTimeoutError struct {
	Topic string
}

func (e *PublishTimeoutError) Error() string {
	return "mqtt publish timeout: " + e.Topic
}
