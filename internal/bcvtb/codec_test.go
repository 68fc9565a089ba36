package bcvtb

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"testing"

	"github.com/KevinKickass/CoSimBridge/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func realPoint(name string, v any) types.Point {
	return types.Point{Topic: "zone", Field: name, Name: name, Type: types.WireTypeReal, Value: v}
}

func TestCodec_EncodeScenario(t *testing.T) {
	c := NewCodec(0, 1, 1)
	inputs := []types.Point{realPoint("Tset", 21.0)}

	assert.Equal(t, "2 0 1 0 0 0 21.0\n", c.Encode(0, FlagContinue, inputs))
	assert.Equal(t, "2 0 1 0 0 900.5 21.0\n", c.Encode(900.5, FlagContinue, inputs))
	assert.Equal(t, "2 0 1 0 0 3600.0 21.0\n", c.Encode(3600, FlagContinue, inputs))
}

func TestCodec_EncodeSkipsNonQualifying(t *testing.T) {
	c := NewCodec(2, 2, 0)
	inputs := []types.Point{
		realPoint("A", 1.5),
		{Topic: "zone", Field: "Note", Value: 99.0},
		{Topic: "zone", Field: "N", Name: "N", Type: types.WireTypeInteger, Value: int64(3)},
	}

	line := c.Encode(60, FlagContinue, inputs)
	assert.Equal(t, "2 0 2 0 0 60.0 1.5 3\n", line)
}

func TestFormatValue(t *testing.T) {
	tests := []struct {
		name  string
		point types.Point
		want  string
	}{
		{"real integral", realPoint("a", 21.0), "21.0"},
		{"real fraction", realPoint("a", 0.25), "0.25"},
		{"real large", realPoint("a", 1234567.0), "1234567.0"},
		{"real from int", realPoint("a", 7), "7.0"},
		{"real nil uses default", types.Point{Name: "a", Type: types.WireTypeReal, Default: 18.0}, "18.0"},
		{"real nil no default", types.Point{Name: "a", Type: types.WireTypeReal}, "0.0"},
		{"integer", types.Point{Name: "a", Type: types.WireTypeInteger, Value: int64(4)}, "4"},
		{"integer from float", types.Point{Name: "a", Type: types.WireTypeInteger, Value: 2.6}, "3"},
		{"boolean true", types.Point{Name: "a", Type: types.WireTypeBoolean, Value: true}, "1"},
		{"boolean false", types.Point{Name: "a", Type: types.WireTypeBoolean, Value: false}, "0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatValue(tt.point))
		})
	}
}

func TestCodec_DecodeScenario(t *testing.T) {
	c := NewCodec(0, 1, 1)

	msg, err := c.Decode("2 0 1 0 0 900.5 23.4\n")
	require.NoError(t, err)
	assert.Equal(t, 2, msg.Version)
	assert.Equal(t, 0, msg.Flag)
	assert.Equal(t, 1, msg.Count)
	assert.True(t, msg.TimeReported)
	assert.Equal(t, 900.5, msg.Time)
	assert.Equal(t, []float64{23.4}, msg.Values)
}

func TestCodec_RoundTripSlotCount(t *testing.T) {
	for _, n := range []int{0, 1, 5, 20} {
		t.Run(fmt.Sprintf("%d slots", n), func(t *testing.T) {
			points := make([]types.Point, n)
			want := make([]float64, n)
			for i := range points {
				want[i] = float64(i) + 0.5
				points[i] = realPoint(fmt.Sprintf("p%d", i), want[i])
			}

			sender := NewCodec(0, n, 0)
			line := sender.Encode(120, FlagContinue, points)
			assert.Len(t, strings.Fields(line), n+6)

			receiver := NewCodec(0, 0, n)
			msg, err := receiver.Decode(line)
			require.NoError(t, err)
			assert.Equal(t, want, msg.Values)
		})
	}
}

func TestCodec_DecodeTime(t *testing.T) {
	c := NewCodec(0, 0, 1)

	msg, err := c.Decode("2 0 1 0 0 0 23.4")
	require.NoError(t, err)
	assert.False(t, msg.TimeReported, "zero time keeps the previous time")

	msg, err = c.Decode("2 0 1 0 0 abc 23.4")
	require.NoError(t, err)
	assert.False(t, msg.TimeReported, "unparseable time is tolerated")
	assert.Equal(t, []float64{23.4}, msg.Values)

	msg, err = c.Decode("2 0 1 0 0 1.5e3 23.4")
	require.NoError(t, err)
	assert.True(t, msg.TimeReported)
	assert.Equal(t, 1500.0, msg.Time)
}

func TestCodec_DecodeCountMismatch(t *testing.T) {
	c := NewCodec(0, 0, 3)

	msg, err := c.Decode("2 0 1 0 0 60.0 20.1")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCountMismatch)
	assert.ErrorIs(t, err, ErrProtocolFormat)
	assert.Nil(t, msg.Values, "no partial update")

	_, err = c.Decode("2 0")
	assert.ErrorIs(t, err, ErrCountMismatch)

	_, err = c.Decode("2")
	assert.ErrorIs(t, err, ErrProtocolFormat)
}

func TestCodec_DecodeValueParse(t *testing.T) {
	c := NewCodec(0, 0, 2)

	msg, err := c.Decode("2 0 2 0 0 60.0 20.1 warm")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValueParse)
	assert.False(t, errors.Is(err, ErrCountMismatch))
	assert.Nil(t, msg.Values, "no default is substituted")

	for _, line := range []string{"2 0 2 0 0 60.0 20.1 NaN", "2 0 2 0 0 60.0 +Inf 20.1"} {
		_, err = c.Decode(line)
		assert.ErrorIs(t, err, ErrValueParse, line)
	}

	msg, err = c.Decode("2 0 2 0 0 Inf 20.1 20.2")
	require.NoError(t, err)
	assert.False(t, msg.TimeReported, "non-finite time keeps the previous time")
}

func TestFormatValue_NonFiniteFallsBack(t *testing.T) {
	c := NewCodec(0, 2, 0)
	p := realPoint("Tset", math.Inf(1))
	p.Default = 24.0

	assert.Equal(t, "0.0", FormatValue(p))
	assert.Equal(t, "2 0 2 0 0 900.0 0.0 0.0\n", c.Encode(900, 0, []types.Point{p, realPoint("X", "NaN")}))
}

func TestCodec_DecodeTermination(t *testing.T) {
	c := NewCodec(0, 0, 4)

	tests := []struct {
		line   string
		flag   string
		reason string
		normal bool
	}{
		{"2 1 0 0 0 3600.0", "1", "normal end", true},
		{"2 -1 0 0 0 3600.0", "-1", "unspecified error", false},
		{"2 -10 0", "-10", "initialization error", false},
		{"2 -20", "-20", "integration error", false},
		{"2 7 0 0 0 0", "7", "error code 7", false},
		{"2 x", "x", "error code x", false},
	}

	seen := map[string]bool{}
	for _, tt := range tests {
		t.Run(tt.flag, func(t *testing.T) {
			_, err := c.Decode(tt.line)

			var term *TerminationError
			require.ErrorAs(t, err, &term)
			assert.Equal(t, tt.flag, term.Flag)
			assert.Equal(t, tt.reason, term.Reason)
			assert.Equal(t, tt.normal, term.Normal())
			assert.Contains(t, term.Error(), tt.reason)
			assert.False(t, errors.Is(err, ErrProtocolFormat))
		})
		assert.False(t, seen[tt.reason], "reasons are distinct")
		seen[tt.reason] = true
	}
}
