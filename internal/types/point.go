package types

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// WireType is the value type a point carries on the BCVTB wire.
type WireType string

const (
	WireTypeReal    WireType = "REAL"
	WireTypeInteger WireType = "INTEGER"
	WireTypeBoolean WireType = "BOOLEAN"
)

// Valid reports whether t is one of the known wire types.
func (t WireType) Valid() bool {
	switch t {
	case WireTypeReal, WireTypeInteger, WireTypeBoolean:
		return true
	}
	return false
}

// Coerce converts v into the Go representation used for t:
// float64 for REAL, int64 for INTEGER and bool for BOOLEAN.
// A nil value is passed through and NaN or infinite numbers are rejected.
// Unknown wire types keep v as given.
func (t WireType) Coerce(v any) (any, error) {
	if v == nil {
		return nil, nil
	}

	switch t {
	case WireTypeReal:
		f, err := toFloat(v)
		if err != nil {
			return nil, err
		}
		return f, nil

	case WireTypeInteger:
		f, err := toFloat(v)
		if err != nil {
			return nil, err
		}
		if f != math.Trunc(f) {
			return nil, fmt.Errorf("value %v is not an integer", v)
		}
		return int64(f), nil

	case WireTypeBoolean:
		switch b := v.(type) {
		case bool:
			return b, nil
		case string:
			switch strings.ToLower(strings.TrimSpace(b)) {
			case "true", "1", "on":
				return true, nil
			case "false", "0", "off":
				return false, nil
			}
			return nil, fmt.Errorf("value %q is not a boolean", b)
		}
		f, err := toFloat(v)
		if err != nil {
			return nil, err
		}
		return f != 0, nil
	}

	return v, nil
}

func toFloat(v any) (float64, error) {
	f, err := parseFloat(v)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("value %v is not a finite number", v)
	}
	return f, nil
}

func parseFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint16:
		return float64(n), nil
	case uint32:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	case bool:
		if n {
			return 1, nil
		}
		return 0, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, fmt.Errorf("value %q is not a number", n)
		}
		return f, nil
	}
	return 0, fmt.Errorf("unsupported value type: %T", v)
}

// Point is a named value exposed to the bus and, when it has both a Name
// and a wire Type, mapped to a slot of the co-simulation exchange.
type Point struct {
	Topic          string     `json:"topic" yaml:"topic"`
	Field          string     `json:"field,omitempty" yaml:"field"`
	Name           string     `json:"name,omitempty" yaml:"name"`
	Type           WireType   `json:"type,omitempty" yaml:"type"`
	EnergyPlusType string     `json:"energyplus_type,omitempty" yaml:"energyplus_type"`
	Value          any        `json:"value" yaml:"value"`
	Default        any        `json:"default,omitempty" yaml:"default"`
	LastUpdate     *time.Time `json:"last_update,omitempty" yaml:"-"`
}

// Path returns the device topic joined with the field, or the bare topic
// for device-level entries.
func (p Point) Path() string {
	topic := strings.Trim(p.Topic, "/")
	if p.Field == "" {
		return topic
	}
	if topic == "" {
		return p.Field
	}
	return topic + "/" + p.Field
}

// Qualifies reports whether the point takes part in the wire protocol.
func (p Point) Qualifies() bool {
	return p.Name != "" && p.Type != ""
}

// HasDefault reports whether a default value was declared.
func (p Point) HasDefault() bool {
	return p.Default != nil
}

// Direction tells which side of the exchange owns a point's value.
type Direction string

const (
	// DirectionOutput points are reported by the simulation engine.
	DirectionOutput Direction = "output"
	// DirectionInput points are reported by the bridge to the engine.
	DirectionInput Direction = "input"
)

// Result is the outcome of a registry write.
type Result int

const (
	ResultSuccess Result = iota
	ResultNotFound
	ResultNoDefault
	ResultReadOnly
	ResultInvalidValue
)

func (r Result) String() string {
	switch r {
	case ResultSuccess:
		return "SUCCESS"
	case ResultNotFound:
		return "NOT_FOUND"
	case ResultNoDefault:
		return "NO_DEFAULT"
	case ResultReadOnly:
		return "READ_ONLY"
	case ResultInvalidValue:
		return "INVALID_VALUE"
	default:
		return "FAILURE"
	}
}

// OK reports whether the write succeeded.
func (r Result) OK() bool {
	return r == ResultSuccess
}
