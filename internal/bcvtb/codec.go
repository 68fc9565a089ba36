package bcvtb

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/KevinKickass/CoSimBridge/internal/types"
)

// DefaultVersion is the BCVTB protocol version written in every message.
const DefaultVersion = 2

// Token positions of a step message.
const (
	tokVersion = 0
	tokFlag    = 1
	tokCount   = 2
	tokTime    = 5
	tokValues  = 6
)

// StepMessage is one decoded line from the simulation engine.
type StepMessage struct {
	Version int
	Flag    int
	Count   int
	// Time is only meaningful when TimeReported is set. A zero or
	// unparseable time slot keeps the previously recorded time.
	Time         float64
	TimeReported bool
	Values       []float64
}

// Codec encodes and decodes step messages for a fixed wire layout.
type Codec struct {
	version     int
	inputCount  int
	outputCount int
}

// NewCodec creates a codec for the given slot counts. A version of zero
// selects DefaultVersion.
func NewCodec(version, inputCount, outputCount int) *Codec {
	if version == 0 {
		version = DefaultVersion
	}
	return &Codec{
		version:     version,
		inputCount:  inputCount,
		outputCount: outputCount,
	}
}

// InputCount returns the number of value slots sent per step.
func (c *Codec) InputCount() int { return c.inputCount }

// OutputCount returns the number of value slots expected per step.
func (c *Codec) OutputCount() int { return c.outputCount }

// Encode builds the outbound line: version flag inputCount 0 0 time v1 … vN.
// Points that lack a name or wire type are skipped.
func (c *Codec) Encode(simTime float64, flag int, inputs []types.Point) string {
	var b strings.Builder

	fmt.Fprintf(&b, "%d %d %d 0 0 %s", c.version, flag, c.inputCount, formatTime(simTime))
	for _, p := range inputs {
		if !p.Qualifies() {
			continue
		}
		b.WriteByte(' ')
		b.WriteString(FormatValue(p))
	}
	b.WriteByte('\n')

	return b.String()
}

// Decode parses an inbound line. A nonzero flag stops decoding and yields a
// *TerminationError; the remaining tokens are not read.
func (c *Codec) Decode(line string) (StepMessage, error) {
	tokens := strings.Fields(line)
	if len(tokens) < 2 {
		return StepMessage{}, fmt.Errorf("%w: message too short: %d tokens", ErrProtocolFormat, len(tokens))
	}

	msg := StepMessage{}
	msg.Version, _ = strconv.Atoi(tokens[tokVersion])

	flag := tokens[tokFlag]
	if flag != "0" {
		msg.Flag, _ = strconv.Atoi(flag)
		return msg, &TerminationError{Flag: flag, Reason: Reason(flag)}
	}

	if len(tokens) < c.outputCount+tokValues {
		reported := "?"
		if len(tokens) > tokCount {
			reported = tokens[tokCount]
		}
		return msg, fmt.Errorf("%w: got message with %s values in %d tokens, expecting %d",
			ErrCountMismatch, reported, len(tokens), c.outputCount)
	}

	count, err := strconv.Atoi(tokens[tokCount])
	if err != nil {
		return msg, fmt.Errorf("%w: invalid count %q", ErrCountMismatch, tokens[tokCount])
	}
	msg.Count = count

	if t, err := strconv.ParseFloat(tokens[tokTime], 64); err == nil && t != 0 && finite(t) {
		msg.Time = t
		msg.TimeReported = true
	}

	msg.Values = make([]float64, c.outputCount)
	for i := 0; i < c.outputCount; i++ {
		tok := tokens[tokValues+i]
		v, err := strconv.ParseFloat(tok, 64)
		if err != nil || !finite(v) {
			return StepMessage{}, fmt.Errorf("%w: slot %d: unable to convert %q to double", ErrValueParse, tokValues+i, tok)
		}
		msg.Values[i] = v
	}

	return msg, nil
}

// FormatValue renders a point value for the wire according to its type.
// Nil values fall back to the declared default, then to zero.
func FormatValue(p types.Point) string {
	v := p.Value
	if v == nil {
		v = p.Default
	}

	switch p.Type {
	case types.WireTypeInteger:
		if n, err := types.WireTypeInteger.Coerce(v); err == nil && n != nil {
			return strconv.FormatInt(n.(int64), 10)
		}
		if f, err := types.WireTypeReal.Coerce(v); err == nil && f != nil {
			return strconv.FormatInt(int64(math.Round(f.(float64))), 10)
		}
		return "0"

	case types.WireTypeBoolean:
		if b, err := types.WireTypeBoolean.Coerce(v); err == nil && b == true {
			return "1"
		}
		return "0"
	}

	f, err := types.WireTypeReal.Coerce(v)
	if err != nil || f == nil {
		return "0.0"
	}
	return formatReal(f.(float64))
}

// formatReal prints the shortest representation that round-trips and keeps
// a decimal point on integral values, so 21 goes out as "21.0".
func formatReal(f float64) string {
	s := strconv.FormatFloat(f, 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

func formatTime(t float64) string {
	if t == 0 {
		return "0"
	}
	return formatReal(t)
}
