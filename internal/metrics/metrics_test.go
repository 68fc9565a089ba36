package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExchange_NilIsNoop(t *testing.T) {
	m := NewExchange(nil)
	assert.Nil(t, m)

	assert.NotPanics(t, func() {
		m.StepAnswered(60, time.Millisecond)
		m.Settled(time.Millisecond, true)
		m.ProtocolError("count_mismatch")
		m.Terminated("normal end")
		m.PointWrite("SUCCESS")
	})
}

func TestExchange_Records(t *testing.T) {
	reg := NewRegistry()
	m := NewExchange(reg)
	require.NotNil(t, m)

	m.StepAnswered(900.5, 5*time.Millisecond)
	m.StepAnswered(1800, 5*time.Millisecond)
	m.Settled(time.Second, true)
	m.ProtocolError("value_parse")
	m.Terminated("normal end")
	m.PointWrite("READ_ONLY")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.stepsExchanged))
	assert.Equal(t, 1800.0, testutil.ToFloat64(m.simulationTime))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.settleTimeouts))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.protocolErrors.WithLabelValues("value_parse")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.terminations.WithLabelValues("normal end")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.pointWrites.WithLabelValues("READ_ONLY")))
}

func TestHandler(t *testing.T) {
	reg := NewRegistry()
	m := NewExchange(reg)
	m.StepAnswered(60, time.Millisecond)

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "cosimbridge_exchange_steps_total 1"))
	assert.Contains(t, body, "go_goroutines")
}
