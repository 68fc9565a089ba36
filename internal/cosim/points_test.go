package cosim

import (
	"errors"
	"testing"

	"github.com/KevinKickass/CoSimBridge/internal/metrics"
	"github.com/KevinKickass/CoSimBridge/internal/registry"
	"github.com/KevinKickass/CoSimBridge/internal/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newPointService(t *testing.T) (*PointService, *registry.VariableRegistry) {
	t.Helper()

	reg := scenarioRegistry(t)
	require.NoError(t, reg.RegisterInput(types.Point{
		Topic: "campus/building/zone1", Field: "Occupied",
		Name: "Occ", Type: types.WireTypeBoolean, Value: true,
	}))
	m := metrics.NewExchange(prometheus.NewRegistry())
	return NewPointService(reg, zap.NewNop(), m), reg
}

func TestPointService_GetPoint(t *testing.T) {
	svc, _ := newPointService(t)

	v, ok := svc.GetPoint(zoneSetpt)
	require.True(t, ok)
	assert.Equal(t, 21.0, v)

	_, ok = svc.GetPoint("other/campus")
	assert.False(t, ok)
}

func TestPointService_SetPoint(t *testing.T) {
	svc, reg := newPointService(t)

	stored, err := svc.SetPoint("controller", "/"+zoneSetpt+"/", "19.5")
	require.NoError(t, err)
	assert.Equal(t, 19.5, stored)

	p, ok := reg.Find(zoneSetpt)
	require.True(t, ok)
	assert.Equal(t, 19.5, p.Value)
}

func TestPointService_SetPointRejected(t *testing.T) {
	tests := []struct {
		name   string
		topic  string
		value  any
		result types.Result
	}{
		{"output is read only", zoneTemp, 20.0, types.ResultReadOnly},
		{"unknown topic", "elsewhere/meter", 1.0, types.ResultNotFound},
		{"not a number", zoneSetpt, "cold", types.ResultInvalidValue},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, _ := newPointService(t)

			_, err := svc.SetPoint("controller", tt.topic, tt.value)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrSetPointFailed))

			var spe *SetPointError
			require.True(t, errors.As(err, &spe))
			assert.Equal(t, tt.result, spe.Result)
		})
	}
}

func TestPointService_RevertPoint(t *testing.T) {
	svc, reg := newPointService(t)

	_, err := svc.SetPoint("controller", zoneSetpt, 18.0)
	require.NoError(t, err)

	assert.Equal(t, types.ResultSuccess, svc.RevertPoint("controller", zoneSetpt))
	p, _ := reg.Find(zoneSetpt)
	assert.Equal(t, 24.0, p.Value)

	occupied := "campus/building/zone1/Occupied"
	assert.Equal(t, types.ResultNoDefault, svc.RevertPoint("controller", occupied))
	assert.Equal(t, types.ResultReadOnly, svc.RevertPoint("controller", zoneTemp))
}

func TestPointService_RevertDevice(t *testing.T) {
	svc, reg := newPointService(t)

	_, err := svc.SetPoint("controller", zoneSetpt, 18.0)
	require.NoError(t, err)

	outcomes := svc.RevertDevice("controller", "campus/building/zone1")
	require.Len(t, outcomes, 2)
	assert.Equal(t, zoneSetpt, outcomes[0].Topic)
	assert.Equal(t, "SUCCESS", outcomes[0].Status)
	assert.Equal(t, types.ResultNoDefault, outcomes[1].Result)

	p, _ := reg.Find(zoneSetpt)
	assert.Equal(t, 24.0, p.Value)

	assert.Empty(t, svc.RevertDevice("controller", "campus/building/zone9"))
}

func TestPointService_Schedules(t *testing.T) {
	svc, _ := newPointService(t)

	res := svc.RequestNewSchedule("controller", "task-1", "HIGH", [][]string{{zoneSetpt, "2026-01-01 00:00", "2026-01-01 01:00"}})
	assert.Equal(t, "SUCCESS", res.Result)
	assert.Empty(t, res.Data)
	assert.Empty(t, res.Info)

	res = svc.RequestCancelSchedule("controller", "task-1")
	assert.Equal(t, "SUCCESS", res.Result)
}

func TestPointService_Snapshot(t *testing.T) {
	svc, _ := newPointService(t)

	snap := svc.Snapshot()
	require.Len(t, snap.Outputs, 1)
	require.Len(t, snap.Inputs, 2)
	assert.Equal(t, "Tzone", snap.Outputs[0].Name)
	assert.Equal(t, "Occ", snap.Inputs[1].Name)
}
