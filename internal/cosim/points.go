package cosim

import (
	"strings"

	"github.com/KevinKickass/CoSimBridge/internal/metrics"
	"github.com/KevinKickass/CoSimBridge/internal/registry"
	"github.com/KevinKickass/CoSimBridge/internal/types"
	"go.uber.org/zap"
)

// RevertOutcome is the result of reverting one point of a device.
type RevertOutcome struct {
	Topic  string       `json:"topic"`
	Result types.Result `json:"-"`
	Status string       `json:"result"`
}

// PointSnapshot lists every registered point.
type PointSnapshot struct {
	Outputs []types.Point `json:"outputs"`
	Inputs  []types.Point `json:"inputs"`
}

// PointService is the point-access surface used by external controllers.
type PointService struct {
	registry *registry.VariableRegistry
	logger   *zap.Logger
	metrics  *metrics.Exchange
}

func NewPointService(reg *registry.VariableRegistry, logger *zap.Logger, m *metrics.Exchange) *PointService {
	return &PointService{
		registry: reg,
		logger:   logger,
		metrics:  m,
	}
}

// GetPoint returns the current value of the best matching point.
func (s *PointService) GetPoint(topic string) (any, bool) {
	p, ok := s.registry.Find(topic)
	if !ok {
		return nil, false
	}
	return p.Value, true
}

// Snapshot returns copies of all points.
func (s *PointService) Snapshot() PointSnapshot {
	return PointSnapshot{
		Outputs: s.registry.Outputs(),
		Inputs:  s.registry.Inputs(),
	}
}

// SetPoint writes value to the best matching input point and returns the
// value as stored.
func (s *PointService) SetPoint(requesterID, topic string, value any) (any, error) {
	topic = strings.Trim(topic, "/")
	s.logger.Debug("Attempting to write point",
		zap.String("requester_id", requesterID),
		zap.String("topic", topic),
		zap.Any("value", value))

	res := s.registry.SetValue(topic, value)
	s.metrics.PointWrite(res.String())

	if !res.OK() {
		s.logger.Warn("Point write rejected",
			zap.String("requester_id", requesterID),
			zap.String("topic", topic),
			zap.String("result", res.String()))
		return nil, &SetPointError{Topic: topic, Result: res}
	}

	stored := value
	if p, ok := s.registry.Find(topic); ok {
		stored = p.Value
	}

	s.logger.Info("Point written",
		zap.String("requester_id", requesterID),
		zap.String("topic", topic),
		zap.Any("value", stored))

	return stored, nil
}

// RevertPoint restores the declared default of the best matching point.
func (s *PointService) RevertPoint(requesterID, topic string) types.Result {
	topic = strings.Trim(topic, "/")

	res := s.registry.RevertToDefault(topic)
	s.metrics.PointWrite(res.String())

	if !res.OK() {
		s.logger.Warn("Unable to revert point",
			zap.String("requester_id", requesterID),
			zap.String("topic", topic),
			zap.String("result", res.String()))
		return res
	}

	s.logger.Debug("Point reverted",
		zap.String("requester_id", requesterID),
		zap.String("topic", topic))
	return res
}

// RevertDevice restores the defaults of every input point of device.
func (s *PointService) RevertDevice(requesterID, device string) []RevertOutcome {
	device = strings.Trim(device, "/")

	points := s.registry.DevicePoints(device)
	if len(points) == 0 {
		s.logger.Warn("No points to revert for device",
			zap.String("requester_id", requesterID),
			zap.String("device", device))
		return nil
	}

	outcomes := make([]RevertOutcome, 0, len(points))
	for _, p := range points {
		topic := p.Path()
		res := s.RevertPoint(requesterID, topic)
		outcomes = append(outcomes, RevertOutcome{Topic: topic, Result: res, Status: res.String()})
	}
	return outcomes
}

// RequestNewSchedule acknowledges a reservation request. Points are never
// reserved, so the request has no effect.
func (s *PointService) RequestNewSchedule(requesterID, taskID, priority string, requests any) types.ScheduleResult {
	s.logger.Debug("Schedule requested",
		zap.String("requester_id", requesterID),
		zap.String("task_id", taskID),
		zap.String("priority", priority),
		zap.Any("requests", requests))
	return scheduleSuccess()
}

// RequestCancelSchedule acknowledges a cancellation. It has no effect.
func (s *PointService) RequestCancelSchedule(requesterID, taskID string) types.ScheduleResult {
	s.logger.Debug("Schedule cancelled",
		zap.String("requester_id", requesterID),
		zap.String("task_id", taskID))
	return scheduleSuccess()
}

func scheduleSuccess() types.ScheduleResult {
	return types.ScheduleResult{
		Result: types.ResultSuccess.String(),
		Data:   map[string]any{},
		Info:   "",
	}
}
