package bus

import (
	"encoding/json"
	"errors"
	"strings"
	"sync"

	"github.com/KevinKickass/CoSimBridge/internal/types"
	paho "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// DefaultRequester is reported for bus writes that do not name a requester.
const DefaultRequester = "mqtt"

// PointWriter applies a value written by a bus-side controller.
type PointWriter interface {
	SetPoint(requesterID, topic string, value any) (any, error)
}

// InputSubscriber listens on <prefix>/<point path> for input points and
// routes every payload to a PointWriter.
type InputSubscriber struct {
	bus    *MQTTBus
	writer PointWriter
	logger *zap.Logger

	mu         sync.RWMutex
	subscribed map[string]string // mqtt topic -> point path
}

// NewInputSubscriber creates a subscriber on b. Nothing is subscribed
// until SubscribeInput or SubscribeAll is called.
func NewInputSubscriber(b *MQTTBus, writer PointWriter, logger *zap.Logger) *InputSubscriber {
	return &InputSubscriber{
		bus:        b,
		writer:     writer,
		logger:     logger,
		subscribed: make(map[string]string),
	}
}

// SubscribeInput subscribes to the topic of p. Calling it again for the
// same point is a no-op.
func (s *InputSubscriber) SubscribeInput(p types.Point) error {
	path := p.Path()
	topic := s.bus.topic(path)

	if s.IsSubscribed(topic) {
		return nil
	}

	if err := s.bus.subscribe(topic, s.handler(path)); err != nil {
		return err
	}

	s.mu.Lock()
	s.subscribed[topic] = path
	s.mu.Unlock()

	s.logger.Debug("Subscribed to input", zap.String("topic", topic))
	return nil
}

// SubscribeAll subscribes every point and joins the failures.
func (s *InputSubscriber) SubscribeAll(points []types.Point) error {
	var errs []error
	for _, p := range points {
		if err := s.SubscribeInput(p); err != nil {
			s.logger.Warn("Failed to subscribe to input",
				zap.String("path", p.Path()),
				zap.Error(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// IsSubscribed returns true if the topic is already subscribed.
func (s *InputSubscriber) IsSubscribed(topic string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.subscribed[topic] != ""
}

// SubscribedTopics returns a list of all subscribed topics.
func (s *InputSubscriber) SubscribedTopics() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	topics := make([]string, 0, len(s.subscribed))
	for topic := range s.subscribed {
		topics = append(topics, topic)
	}
	return topics
}

func (s *InputSubscriber) handler(path string) paho.MessageHandler {
	return func(_ paho.Client, msg paho.Message) {
		requester, value, err := parseInput(msg.Payload())
		if err != nil {
			s.logger.Warn("Ignoring malformed input",
				zap.String("topic", msg.Topic()),
				zap.Error(err))
			return
		}

		if _, err := s.writer.SetPoint(requester, path, value); err != nil {
			s.logger.Warn("Input write rejected",
				zap.String("topic", msg.Topic()),
				zap.String("requester_id", requester),
				zap.Error(err))
		}
	}
}

// parseInput accepts {"value": v, "requester_id": id}, a bare JSON value or
// plain text such as "21.5".
func parseInput(payload []byte) (string, any, error) {
	text := strings.TrimSpace(string(payload))
	if text == "" {
		return "", nil, errors.New("empty payload")
	}

	var body any
	if err := json.Unmarshal([]byte(text), &body); err != nil {
		return DefaultRequester, text, nil
	}

	obj, ok := body.(map[string]any)
	if !ok {
		if body == nil {
			return "", nil, errors.New("input without value")
		}
		return DefaultRequester, body, nil
	}

	value := obj["value"]
	if value == nil {
		return "", nil, errors.New("input without value")
	}
	requester := DefaultRequester
	if id, ok := obj["requester_id"].(string); ok && id != "" {
		requester = id
	}
	return requester, value, nil
}
