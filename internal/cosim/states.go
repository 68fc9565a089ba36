package cosim

import (
	"fmt"
	"time"
)

type State string

const (
	StateIdle            State = "idle"
	StateConfigWritten   State = "config_written"
	StateListenerBound   State = "listener_bound"
	StateProcessLaunched State = "process_launched"
	StateExchanging      State = "exchanging"
	StateTerminated      State = "terminated"
)

// Status is a snapshot of the orchestrator.
type Status struct {
	State           State      `json:"state"`
	PreviousState   State      `json:"previous_state,omitempty"`
	RunID           string     `json:"run_id,omitempty"`
	SimulationTime  float64    `json:"simulation_time"`
	Steps           uint64     `json:"steps"`
	Host            string     `json:"host,omitempty"`
	Port            int        `json:"port,omitempty"`
	Inputs          int        `json:"inputs"`
	Outputs         int        `json:"outputs"`
	Reason          string     `json:"reason,omitempty"`
	Flag            string     `json:"flag,omitempty"`
	Normal          bool       `json:"normal"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	LastStateChange time.Time  `json:"last_state_change"`
}

// Live reports whether the run has started and not yet terminated.
func (s Status) Live() bool {
	return s.State != StateIdle && s.State != StateTerminated
}

func ValidateTransition(from, to State) error {
	validTransitions := map[State][]State{
		StateIdle:            {StateConfigWritten, StateTerminated},
		StateConfigWritten:   {StateListenerBound, StateTerminated},
		StateListenerBound:   {StateProcessLaunched, StateExchanging, StateTerminated},
		StateProcessLaunched: {StateExchanging, StateTerminated},
		StateExchanging:      {StateTerminated},
		StateTerminated:      {},
	}

	allowed, exists := validTransitions[from]
	if !exists {
		return fmt.Errorf("invalid current state: %s", from)
	}

	for _, validTo := range allowed {
		if validTo == to {
			return nil
		}
	}

	return fmt.Errorf("invalid state transition: %s -> %s", from, to)
}
