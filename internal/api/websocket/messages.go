package websocket

import (
	"time"

	"github.com/KevinKickass/CoSimBridge/internal/bus"
	"github.com/KevinKickass/CoSimBridge/internal/types"
)

// MessageType defines the type of WebSocket message
type MessageType string

const (
	// Exchange messages
	MessageTypeStepExchanged MessageType = "step_exchanged"
	MessageTypePointUpdate   MessageType = "point_update"

	// Run state messages
	MessageTypeSimulationState MessageType = "simulation_state"

	// Replies to client requests
	MessageTypePong  MessageType = "pong"
	MessageTypeError MessageType = "error"
)

// Message represents a WebSocket message
type Message struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      any         `json:"data"`
}

// StepData carries the outputs reported in one exchanged step.
type StepData struct {
	RunID  string        `json:"run_id"`
	Step   uint64        `json:"step"`
	Time   float64       `json:"time"`
	Points []types.Point `json:"points"`
}

// PointUpdateData is a write to an input point.
type PointUpdateData struct {
	Topic  string `json:"topic"`
	Path   string `json:"path"`
	Value  any    `json:"value"`
	Source string `json:"source"`
}

// SimulationStateData represents a run state change.
type SimulationStateData struct {
	State    string `json:"state"`
	Previous string `json:"previous_state,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Status   any    `json:"status,omitempty"`
}

// NewMessage creates a new message with current timestamp
func NewMessage(msgType MessageType, data any) Message {
	return Message{
		Type:      msgType,
		Timestamp: time.Now(),
		Data:      data,
	}
}

func NewStepMessage(update bus.StepUpdate) Message {
	return NewMessage(MessageTypeStepExchanged, StepData{
		RunID:  update.RunID.String(),
		Step:   update.Step,
		Time:   update.Time,
		Points: update.Points,
	})
}

func NewPointUpdateMessage(topic, path string, value any, source string) Message {
	return NewMessage(MessageTypePointUpdate, PointUpdateData{
		Topic:  topic,
		Path:   path,
		Value:  value,
		Source: source,
	})
}

func NewSimulationStateMessage(state, previous, reason string, status any) Message {
	return NewMessage(MessageTypeSimulationState, SimulationStateData{
		State:    state,
		Previous: previous,
		Reason:   reason,
		Status:   status,
	})
}
