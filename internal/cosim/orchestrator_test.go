package cosim

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/KevinKickass/CoSimBridge/internal/bcvtb"
	"github.com/KevinKickass/CoSimBridge/internal/bus"
	"github.com/KevinKickass/CoSimBridge/internal/registry"
	"github.com/KevinKickass/CoSimBridge/internal/storage"
	"github.com/KevinKickass/CoSimBridge/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

const (
	zoneTemp    = "campus/building/zone1/ZoneTemperature"
	zoneSetpt   = "campus/building/zone1/CoolingSetpoint"
	waitTimeout = 5 * time.Second
)

func scenarioRegistry(t *testing.T) *registry.VariableRegistry {
	t.Helper()

	reg := registry.New()
	require.NoError(t, reg.RegisterOutput(types.Point{
		Topic: "campus/building/zone1", Field: "ZoneTemperature",
		Name: "Tzone", Type: types.WireTypeReal,
	}))
	require.NoError(t, reg.RegisterInput(types.Point{
		Topic: "campus/building/zone1", Field: "CoolingSetpoint",
		Name: "Tset", Type: types.WireTypeReal, Value: 21.0, Default: 24.0,
	}))
	return reg
}

func testOptions(t *testing.T) Options {
	t.Helper()

	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "model"), 0o755))

	return Options{
		ModelPath:      "model/building.idf",
		WeatherPath:    "weather.epw",
		WorkingDir:     dir,
		Host:           "127.0.0.1",
		Port:           0,
		ConnectTimeout: waitTimeout,
		StopTimeout:    time.Second,
	}
}

type engine struct {
	t      *testing.T
	conn   net.Conn
	reader *bufio.Reader
}

func dialEngine(t *testing.T, o *Orchestrator) *engine {
	t.Helper()

	status := o.Status()
	conn, err := net.Dial("tcp", net.JoinHostPort(status.Host, strconv.Itoa(status.Port)))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return &engine{t: t, conn: conn, reader: bufio.NewReader(conn)}
}

func (e *engine) send(line string) {
	e.t.Helper()
	_, err := e.conn.Write([]byte(line + "\n"))
	require.NoError(e.t, err)
}

func (e *engine) receive() string {
	e.t.Helper()
	e.conn.SetReadDeadline(time.Now().Add(waitTimeout))
	line, err := e.reader.ReadString('\n')
	require.NoError(e.t, err)
	return line
}

func waitTerminated(t *testing.T, o *Orchestrator) Status {
	t.Helper()
	select {
	case <-o.Done():
	case <-time.After(waitTimeout):
		t.Fatalf("run did not terminate, state %s", o.State())
	}
	return o.Status()
}

func startRun(t *testing.T, opts Options, reg *registry.VariableRegistry, options ...Option) *Orchestrator {
	t.Helper()

	o := NewOrchestrator(opts, reg, zaptest.NewLogger(t), options...)
	require.NoError(t, o.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		o.Stop(ctx)
	})
	return o
}

func TestOrchestrator_ScenarioExchange(t *testing.T) {
	reg := scenarioRegistry(t)
	opts := testOptions(t)
	o := startRun(t, opts, reg)

	assert.Equal(t, StateListenerBound, o.State())

	eng := dialEngine(t, o)
	eng.send("2 0 1 0 0 900.5 23.4")
	assert.Equal(t, "2 0 1 0 0 900.5 21.0\n", eng.receive())

	status := o.Status()
	assert.Equal(t, StateExchanging, status.State)
	assert.Equal(t, 900.5, status.SimulationTime)
	assert.Equal(t, uint64(1), status.Steps)
	assert.Equal(t, 1, status.Inputs)
	assert.Equal(t, 1, status.Outputs)

	p, ok := reg.Find(zoneTemp)
	require.True(t, ok)
	assert.Equal(t, 23.4, p.Value)

	// zero time keeps the last reported one
	eng.send("2 0 1 0 0 0 23.9")
	assert.Equal(t, "2 0 1 0 0 900.5 21.0\n", eng.receive())

	eng.send("2 1 0 0 0 3600.0")
	status = waitTerminated(t, o)
	assert.Equal(t, StateTerminated, status.State)
	assert.Equal(t, "normal end", status.Reason)
	assert.Equal(t, "1", status.Flag)
	assert.True(t, status.Normal)
	assert.NotNil(t, status.EndedAt)

	eng.conn.SetReadDeadline(time.Now().Add(waitTimeout))
	_, err := eng.reader.ReadString('\n')
	assert.ErrorIs(t, err, io.EOF, "no message after termination")
}

func TestOrchestrator_WritesConfigFiles(t *testing.T) {
	opts := testOptions(t)
	o := startRun(t, opts, scenarioRegistry(t))

	modelDir := filepath.Join(opts.WorkingDir, "model")
	socketCfg, err := os.ReadFile(filepath.Join(modelDir, bcvtb.SocketConfigFile))
	require.NoError(t, err)
	assert.Contains(t, string(socketCfg), `port="`+strconv.Itoa(o.Status().Port)+`"`)

	variablesCfg, err := os.ReadFile(filepath.Join(modelDir, bcvtb.VariableMappingFile))
	require.NoError(t, err)
	assert.Contains(t, string(variablesCfg), `name="Tzone"`)
	assert.Contains(t, string(variablesCfg), `schedule="Tset"`)
}

func TestOrchestrator_ConfigurationErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Options)
	}{
		{"no model", func(o *Options) { o.ModelPath = "" }},
		{"no weather", func(o *Options) { o.WeatherPath = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := testOptions(t)
			tt.mutate(&opts)

			o := NewOrchestrator(opts, scenarioRegistry(t), zap.NewNop())
			err := o.Start(context.Background())
			assert.ErrorIs(t, err, types.ErrConfiguration)
			assert.Equal(t, StateTerminated, o.State())

			_, statErr := os.Stat(filepath.Join(opts.WorkingDir, "model", bcvtb.SocketConfigFile))
			assert.True(t, os.IsNotExist(statErr), "nothing is bound or written")
		})
	}
}

func TestOrchestrator_StartOnce(t *testing.T) {
	o := startRun(t, testOptions(t), scenarioRegistry(t))
	assert.ErrorIs(t, o.Start(context.Background()), ErrAlreadyStarted)
}

func TestOrchestrator_ConnectionClosed(t *testing.T) {
	o := startRun(t, testOptions(t), scenarioRegistry(t))

	eng := dialEngine(t, o)
	eng.conn.Close()

	status := waitTerminated(t, o)
	assert.Equal(t, "connection closed", status.Reason)
	assert.False(t, status.Normal)
}

func TestOrchestrator_ProtocolErrors(t *testing.T) {
	tests := []struct {
		name   string
		line   string
		target error
	}{
		{"count mismatch", "2 0 0 0 0 60.0", bcvtb.ErrCountMismatch},
		{"value parse", "2 0 1 0 0 60.0 warm", bcvtb.ErrValueParse},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := startRun(t, testOptions(t), scenarioRegistry(t))

			eng := dialEngine(t, o)
			eng.send(tt.line)

			status := waitTerminated(t, o)
			assert.Contains(t, status.Reason, tt.target.Error())
			assert.Zero(t, status.Steps)
		})
	}
}

func TestOrchestrator_ErrorFlag(t *testing.T) {
	o := startRun(t, testOptions(t), scenarioRegistry(t))

	eng := dialEngine(t, o)
	eng.send("2 -20 0 0 0 120.0")

	status := waitTerminated(t, o)
	assert.Equal(t, "integration error", status.Reason)
	assert.Equal(t, "-20", status.Flag)
	assert.False(t, status.Normal)
}

func TestOrchestrator_ConnectTimeout(t *testing.T) {
	opts := testOptions(t)
	opts.ConnectTimeout = 50 * time.Millisecond
	o := startRun(t, opts, scenarioRegistry(t))

	status := waitTerminated(t, o)
	assert.Contains(t, status.Reason, "did not connect")
}

func TestOrchestrator_StopRequested(t *testing.T) {
	o := startRun(t, testOptions(t), scenarioRegistry(t))
	eng := dialEngine(t, o)

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(t, o.Stop(ctx))

	assert.Equal(t, "shutdown requested", o.Status().Reason)

	eng.conn.SetReadDeadline(time.Now().Add(waitTimeout))
	_, err := eng.reader.ReadString('\n')
	assert.Error(t, err, "transport is closed")

	// idempotent
	require.NoError(t, o.Stop(ctx))
}

func TestOrchestrator_StopBeforeStart(t *testing.T) {
	o := NewOrchestrator(testOptions(t), scenarioRegistry(t), zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(t, o.Stop(ctx))
	assert.Equal(t, StateTerminated, o.State())
}

type recordingPublisher struct {
	mu      sync.Mutex
	updates []bus.StepUpdate
	onStep  func(bus.StepUpdate)
}

func (p *recordingPublisher) Publish(ctx context.Context, update bus.StepUpdate) error {
	p.mu.Lock()
	p.updates = append(p.updates, update)
	p.mu.Unlock()
	if p.onStep != nil {
		p.onStep(update)
	}
	return nil
}

func TestOrchestrator_PublishAndSettleOnWrite(t *testing.T) {
	reg := scenarioRegistry(t)
	settler := bus.NewWriteSettler(reg)
	defer settler.Close()

	// the controller answers each published step with a new set-point
	pub := &recordingPublisher{onStep: func(update bus.StepUpdate) {
		go func() {
			time.Sleep(20 * time.Millisecond)
			reg.SetValue(zoneSetpt, 19.5)
		}()
	}}

	o := startRun(t, testOptions(t), reg, WithPublisher(pub), WithSettler(settler))

	eng := dialEngine(t, o)
	eng.send("2 0 1 0 0 60.0 22.1")
	assert.Equal(t, "2 0 1 0 0 60.0 19.5\n", eng.receive())

	pub.mu.Lock()
	defer pub.mu.Unlock()
	require.Len(t, pub.updates, 1)
	update := pub.updates[0]
	assert.Equal(t, uint64(1), update.Step)
	assert.Equal(t, 60.0, update.Time)
	assert.Equal(t, o.Status().RunID, update.RunID.String())
	require.Len(t, update.Points, 1)
	assert.Equal(t, "Tzone", update.Points[0].Name)
	assert.Equal(t, 22.1, update.Points[0].Value)
}

type blockingSettler struct{}

func (blockingSettler) Settle(ctx context.Context, step uint64) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestOrchestrator_SettlementTimeoutSendsCurrentInputs(t *testing.T) {
	opts := testOptions(t)
	opts.SettleTimeout = 50 * time.Millisecond
	o := startRun(t, opts, scenarioRegistry(t), WithSettler(blockingSettler{}))

	eng := dialEngine(t, o)
	eng.send("2 0 1 0 0 60.0 22.1")
	assert.Equal(t, "2 0 1 0 0 60.0 21.0\n", eng.receive())
	assert.Equal(t, StateExchanging, o.State())
}

type fakeJournal struct {
	mu       sync.Mutex
	started  []storage.SimulationRun
	finished []storage.SimulationRun
}

func (j *fakeJournal) RunStarted(ctx context.Context, run storage.SimulationRun) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.started = append(j.started, run)
	return nil
}

func (j *fakeJournal) RunFinished(ctx context.Context, run storage.SimulationRun) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.finished = append(j.finished, run)
	return errors.New("journal unavailable")
}

func TestOrchestrator_JournalAndStatusEvents(t *testing.T) {
	journal := &fakeJournal{}
	reg := scenarioRegistry(t)
	o := NewOrchestrator(testOptions(t), reg, zap.NewNop(), WithJournal(journal))

	events := o.SubscribeStatus()
	require.NoError(t, o.Start(context.Background()))

	eng := dialEngine(t, o)
	eng.send("2 0 1 0 0 900.0 23.4")
	eng.receive()
	eng.send("2 1 0 0 0 1800.0")
	waitTerminated(t, o)

	var states []State
	for len(events) > 0 {
		states = append(states, (<-events).State)
	}
	assert.Equal(t, []State{StateConfigWritten, StateListenerBound, StateExchanging, StateTerminated}, states)
	o.UnsubscribeStatus(events)

	journal.mu.Lock()
	defer journal.mu.Unlock()
	require.Len(t, journal.started, 1)
	require.Len(t, journal.finished, 1)
	assert.Equal(t, journal.started[0].ID, journal.finished[0].ID)
	assert.Equal(t, "normal end", journal.finished[0].Reason)
	assert.Equal(t, uint64(1), journal.finished[0].Steps)
	assert.Equal(t, 900.0, journal.finished[0].FinalTime)
}

func TestOrchestrator_ProcessExitBeforeConnect(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("fake engine needs a POSIX shell")
	}

	opts := testOptions(t)
	script := filepath.Join(opts.WorkingDir, "energyplus")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\nexit 2\n"), 0o755))
	opts.Launch = true
	opts.EnergyPlusBin = script

	o := startRun(t, opts, scenarioRegistry(t))

	status := waitTerminated(t, o)
	assert.Equal(t, "simulation process exited with code 2", status.Reason)
}

func TestValidateTransition(t *testing.T) {
	assert.NoError(t, ValidateTransition(StateIdle, StateConfigWritten))
	assert.NoError(t, ValidateTransition(StateListenerBound, StateExchanging))
	assert.NoError(t, ValidateTransition(StateExchanging, StateTerminated))
	assert.Error(t, ValidateTransition(StateTerminated, StateIdle), "runs are never restarted")
	assert.Error(t, ValidateTransition(StateExchanging, StateListenerBound))
}
