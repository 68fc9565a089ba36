package bus

import (
	"context"
	"errors"

	"github.com/KevinKickass/CoSimBridge/internal/types"
	"github.com/google/uuid"
)

// ErrClosed is returned by a settler that has been closed.
var ErrClosed = errors.New("settler closed")

// StepUpdate carries the outputs received for one exchange step.
type StepUpdate struct {
	RunID  uuid.UUID     `json:"run_id"`
	Step   uint64        `json:"step"`
	Time   float64       `json:"time"`
	Points []types.Point `json:"points"`
}

// Publisher pushes step updates to an external consumer.
type Publisher interface {
	Publish(ctx context.Context, update StepUpdate) error
}

// Settler reports when the external side has reacted to a published step.
// The exchange does not answer the simulation before Settle returns.
type Settler interface {
	Settle(ctx context.Context, step uint64) error
}

// Fanout publishes each update to every publisher in order.
type Fanout []Publisher

// Publish calls every publisher even when an earlier one fails and joins
// the errors.
func (f Fanout) Publish(ctx context.Context, update StepUpdate) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, update); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ImmediateSettler settles every step without waiting.
type ImmediateSettler struct{}

func (ImmediateSettler) Settle(ctx context.Context, step uint64) error {
	return nil
}
