package bus

import (
	"context"

	"github.com/KevinKickass/CoSimBridge/internal/registry"
)

// WriteSettler settles a step once an external controller has written an
// input point. Any write since the previous settlement counts.
type WriteSettler struct {
	reg    *registry.VariableRegistry
	events <-chan registry.UpdateEvent
}

// NewWriteSettler subscribes to reg's update events. Call Close to release
// the subscription.
func NewWriteSettler(reg *registry.VariableRegistry) *WriteSettler {
	return &WriteSettler{
		reg:    reg,
		events: reg.Subscribe(),
	}
}

func (s *WriteSettler) Settle(ctx context.Context, step uint64) error {
	select {
	case _, ok := <-s.events:
		if !ok {
			return ErrClosed
		}
		// Coalesce writes that arrived together.
		for {
			select {
			case _, ok := <-s.events:
				if !ok {
					return nil
				}
			default:
				return nil
			}
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close unsubscribes from the registry.
func (s *WriteSettler) Close() {
	s.reg.Unsubscribe(s.events)
}
