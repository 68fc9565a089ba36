package registry

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/KevinKickass/CoSimBridge/internal/types"
)

// ErrFrozen is returned when points are registered after the wire layout
// has been fixed.
var ErrFrozen = errors.New("registry layout is frozen")

type entry struct {
	point     types.Point
	direction types.Direction
	seq       int
}

// UpdateEvent is emitted after a successful external write.
type UpdateEvent struct {
	Topic  string
	Path   string
	Value  any
	Source string
	At     time.Time
}

// VariableRegistry holds the declared output and input points in
// registration order.
type VariableRegistry struct {
	mu      sync.RWMutex
	outputs []*entry
	inputs  []*entry
	seq     int
	layout  *Layout
	now     func() time.Time

	subsMu      sync.RWMutex
	subscribers []chan UpdateEvent
}

// New creates an empty registry.
func New() *VariableRegistry {
	return &VariableRegistry{now: time.Now}
}

// RegisterOutput declares a point whose value the simulation engine reports.
func (r *VariableRegistry) RegisterOutput(p types.Point) error {
	return r.register(p, types.DirectionOutput)
}

// RegisterInput declares a point whose value the bridge reports to the engine.
func (r *VariableRegistry) RegisterInput(p types.Point) error {
	return r.register(p, types.DirectionInput)
}

func (r *VariableRegistry) register(p types.Point, dir types.Direction) error {
	if p.Path() == "" {
		return fmt.Errorf("point without topic or field")
	}
	if p.Type != "" && !p.Type.Valid() {
		return fmt.Errorf("point %s: unknown wire type %q", p.Path(), p.Type)
	}

	value, err := p.Type.Coerce(p.Value)
	if err != nil {
		return fmt.Errorf("point %s: invalid value: %w", p.Path(), err)
	}
	def, err := p.Type.Coerce(p.Default)
	if err != nil {
		return fmt.Errorf("point %s: invalid default: %w", p.Path(), err)
	}
	p.Value = value
	p.Default = def
	if p.Value == nil && p.Default != nil {
		p.Value = p.Default
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.layout != nil {
		return ErrFrozen
	}

	r.seq++
	e := &entry{point: p, direction: dir, seq: r.seq}
	if dir == types.DirectionOutput {
		r.outputs = append(r.outputs, e)
	} else {
		r.inputs = append(r.inputs, e)
	}
	return nil
}

// Outputs returns copies of all output points in registration order.
func (r *VariableRegistry) Outputs() []types.Point {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return copyPoints(r.outputs)
}

// Inputs returns copies of all input points in registration order.
func (r *VariableRegistry) Inputs() []types.Point {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return copyPoints(r.inputs)
}

// Find resolves topic to the best matching registered point.
func (r *VariableRegistry) Find(topic string) (types.Point, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e := r.match(topic)
	if e == nil {
		return types.Point{}, false
	}
	return clonePoint(e.point), true
}

// SetValue writes value to the input point resolved from topic.
func (r *VariableRegistry) SetValue(topic string, value any) types.Result {
	return r.write(topic, "rpc", func(e *entry) (any, types.Result) {
		v, err := e.point.Type.Coerce(value)
		if err != nil {
			return nil, types.ResultInvalidValue
		}
		return v, types.ResultSuccess
	})
}

// RevertToDefault restores the declared default of the input point
// resolved from topic.
func (r *VariableRegistry) RevertToDefault(topic string) types.Result {
	return r.write(topic, "revert", func(e *entry) (any, types.Result) {
		if !e.point.HasDefault() {
			return nil, types.ResultNoDefault
		}
		return e.point.Default, types.ResultSuccess
	})
}

func (r *VariableRegistry) write(topic, source string, next func(*entry) (any, types.Result)) types.Result {
	r.mu.Lock()
	e := r.match(topic)
	if e == nil {
		r.mu.Unlock()
		return types.ResultNotFound
	}
	if e.direction != types.DirectionInput {
		r.mu.Unlock()
		return types.ResultReadOnly
	}

	value, res := next(e)
	if !res.OK() {
		r.mu.Unlock()
		return res
	}

	at := r.now()
	e.point.Value = value
	e.point.LastUpdate = &at
	ev := UpdateEvent{
		Topic:  strings.Trim(topic, "/"),
		Path:   e.point.Path(),
		Value:  value,
		Source: source,
		At:     at,
	}
	r.mu.Unlock()

	r.broadcast(ev)
	return types.ResultSuccess
}

// DevicePoints returns the input points that belong to device.
func (r *VariableRegistry) DevicePoints(device string) []types.Point {
	device = strings.Trim(device, "/")

	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []types.Point
	for _, e := range r.inputs {
		if pathMatches(device, strings.Trim(e.point.Topic, "/")) {
			result = append(result, clonePoint(e.point))
		}
	}
	return result
}

// Subscribe returns a channel receiving update events for external writes.
func (r *VariableRegistry) Subscribe() <-chan UpdateEvent {
	ch := make(chan UpdateEvent, 16)

	r.subsMu.Lock()
	r.subscribers = append(r.subscribers, ch)
	r.subsMu.Unlock()

	return ch
}

// Unsubscribe removes and closes a channel obtained from Subscribe.
func (r *VariableRegistry) Unsubscribe(ch <-chan UpdateEvent) {
	r.subsMu.Lock()
	defer r.subsMu.Unlock()

	for i, sub := range r.subscribers {
		if sub == ch {
			r.subscribers = append(r.subscribers[:i], r.subscribers[i+1:]...)
			close(sub)
			break
		}
	}
}

func (r *VariableRegistry) broadcast(ev UpdateEvent) {
	r.subsMu.RLock()
	defer r.subsMu.RUnlock()

	for _, ch := range r.subscribers {
		select {
		case ch <- ev:
		default:
			// Skip if channel is full
		}
	}
}

func copyPoints(entries []*entry) []types.Point {
	result := make([]types.Point, 0, len(entries))
	for _, e := range entries {
		result = append(result, clonePoint(e.point))
	}
	return result
}

func clonePoint(p types.Point) types.Point {
	if p.LastUpdate != nil {
		at := *p.LastUpdate
		p.LastUpdate = &at
	}
	return p
}
