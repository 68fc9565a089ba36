package registry

import (
	"fmt"
	"sync"
	"time"

	"github.com/KevinKickass/CoSimBridge/internal/types"
)

// Layout is the wire-slot assignment for one simulation run. It is fixed
// when the variable-mapping file is written and never changes afterwards.
type Layout struct {
	mu      *sync.RWMutex
	outputs []*entry
	inputs  []*entry
}

// OutputCount is the number of qualifying outputs (value slots received).
func (l *Layout) OutputCount() int { return len(l.outputs) }

// InputCount is the number of qualifying inputs (value slots sent).
func (l *Layout) InputCount() int { return len(l.inputs) }

// OutputPoints returns the qualifying outputs in slot order as declared.
func (l *Layout) OutputPoints() []types.Point {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return copyPoints(l.outputs)
}

// InputPoints returns the qualifying inputs in slot order as declared.
func (l *Layout) InputPoints() []types.Point {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return copyPoints(l.inputs)
}

// Layout freezes the registry and returns its wire layout. Subsequent calls
// return the same layout.
func (r *VariableRegistry) Layout() *Layout {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.layout != nil {
		return r.layout
	}

	l := &Layout{mu: &r.mu}
	for _, e := range r.outputs {
		if e.point.Qualifies() {
			l.outputs = append(l.outputs, e)
		}
	}
	for _, e := range r.inputs {
		if e.point.Qualifies() {
			l.inputs = append(l.inputs, e)
		}
	}
	r.layout = l
	return l
}

// ApplyOutputs writes decoded values into the layout's outputs in slot
// order and returns the updated points.
func (r *VariableRegistry) ApplyOutputs(l *Layout, values []float64, at time.Time) ([]types.Point, error) {
	if len(values) != len(l.outputs) {
		return nil, fmt.Errorf("got %d values for %d outputs", len(values), len(l.outputs))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	updated := make([]types.Point, 0, len(values))
	for i, e := range l.outputs {
		v, err := e.point.Type.Coerce(values[i])
		if err != nil {
			// INTEGER outputs may arrive as non-integral doubles
			v = values[i]
		}
		stamp := at
		e.point.Value = v
		e.point.LastUpdate = &stamp
		updated = append(updated, clonePoint(e.point))
	}
	return updated, nil
}

// InputValues snapshots the layout's inputs under one lock so the encoded
// vector never mixes values from before and after a concurrent write.
func (r *VariableRegistry) InputValues(l *Layout) []types.Point {
	return l.InputPoints()
}
