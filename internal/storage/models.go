package storage

import (
	"time"

	"github.com/google/uuid"
)

// SimulationRun is one row of the run journal.
type SimulationRun struct {
	ID          uuid.UUID  `json:"id"`
	ModelPath   string     `json:"model_path"`
	WeatherPath string     `json:"weather_path"`
	StartedAt   time.Time  `json:"started_at"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
	Reason      string     `json:"reason,omitempty"`
	FinalTime   float64    `json:"final_time"`
	Steps       uint64     `json:"steps"`
}
