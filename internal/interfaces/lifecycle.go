package interfaces

import (
	"context"

	"github.com/KevinKickass/CoSimBridge/internal/config"
	"github.com/KevinKickass/CoSimBridge/internal/cosim"
	"github.com/KevinKickass/CoSimBridge/internal/storage"
	"github.com/google/uuid"
)

// SystemStatus represents the current system state
type SystemStatus struct {
	State      string       `json:"state"`
	Simulation cosim.Status `json:"simulation"`
	Journal    bool         `json:"journal"`
	MQTT       bool         `json:"mqtt"`
}

// RunJournal reads recorded simulation runs.
type RunJournal interface {
	GetRun(ctx context.Context, id uuid.UUID) (*storage.SimulationRun, error)
	ListRuns(ctx context.Context, limit int) ([]storage.SimulationRun, error)
}

type LifecycleManager interface {
	Config() *config.Config
	Points() *cosim.PointService
	SimulationStatus() cosim.Status
	// Runs returns nil when the journal is disabled.
	Runs() RunJournal
	GetCurrentStatus() SystemStatus
	Shutdown(ctx context.Context) error
}
