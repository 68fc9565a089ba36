package cosim

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/KevinKickass/CoSimBridge/internal/bcvtb"
	"github.com/KevinKickass/CoSimBridge/internal/bus"
	"github.com/KevinKickass/CoSimBridge/internal/metrics"
	"github.com/KevinKickass/CoSimBridge/internal/registry"
	"github.com/KevinKickass/CoSimBridge/internal/simulation"
	"github.com/KevinKickass/CoSimBridge/internal/storage"
	"github.com/KevinKickass/CoSimBridge/internal/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	reasonShutdown         = "shutdown requested"
	reasonConnectionClosed = "connection closed"

	defaultStopTimeout = 10 * time.Second
)

// Options configures one simulation run.
type Options struct {
	ModelPath     string
	WeatherPath   string
	BCVTBHome     string
	WorkingDir    string
	EngineVersion float64
	EnergyPlusBin string
	LegacyBin     string

	// Launch starts the engine; disable it when the engine is started
	// externally against the written config files.
	Launch      bool
	StopTimeout time.Duration

	SocketFile    string
	VariablesFile string

	Host           string
	Port           int
	ConnectTimeout time.Duration

	ProtocolVersion int

	// SettleTimeout bounds the wait for settlement. Zero waits indefinitely.
	SettleTimeout time.Duration
}

// RunJournal records the start and the end of each run.
type RunJournal interface {
	RunStarted(ctx context.Context, run storage.SimulationRun) error
	RunFinished(ctx context.Context, run storage.SimulationRun) error
}

// Option configures optional collaborators of the orchestrator.
type Option func(*Orchestrator)

// WithPublisher sets where each step's outputs are published.
func WithPublisher(p bus.Publisher) Option {
	return func(o *Orchestrator) {
		o.publisher = p
	}
}

// WithSettler sets the layer the exchange waits on before answering.
func WithSettler(s bus.Settler) Option {
	return func(o *Orchestrator) {
		o.settler = s
	}
}

// WithJournal records runs in j.
func WithJournal(j RunJournal) Option {
	return func(o *Orchestrator) {
		o.journal = j
	}
}

// WithMetrics records exchange metrics in m.
func WithMetrics(m *metrics.Exchange) Option {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

// Orchestrator drives one co-simulation run: it writes the engine's config
// files, accepts the engine's connection and answers every timestep.
type Orchestrator struct {
	opts      Options
	registry  *registry.VariableRegistry
	logger    *zap.Logger
	publisher bus.Publisher
	settler   bus.Settler
	journal   RunJournal
	metrics   *metrics.Exchange

	server  *bcvtb.Server
	codec   *bcvtb.Codec
	layout  *registry.Layout
	process *simulation.Process

	mu              sync.RWMutex
	state           State
	run             storage.SimulationRun
	started         bool
	simTime         float64
	steps           uint64
	reason          string
	flag            string
	normal          bool
	lastStateChange time.Time
	cancel          context.CancelFunc

	listenersMu     sync.RWMutex
	statusListeners []chan Status

	done     chan struct{}
	termOnce sync.Once
}

func NewOrchestrator(
	opts Options,
	reg *registry.VariableRegistry,
	logger *zap.Logger,
	options ...Option,
) *Orchestrator {
	o := &Orchestrator{
		opts:            opts,
		registry:        reg,
		logger:          logger,
		server:          bcvtb.NewServer(logger.Named("socket")),
		state:           StateIdle,
		lastStateChange: time.Now(),
		done:            make(chan struct{}),
	}
	for _, opt := range options {
		opt(o)
	}
	return o
}

// Start prepares the run and begins serving the engine. It returns once
// the engine has been launched; the exchange continues in the background
// until the run terminates or ctx is cancelled.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return ErrAlreadyStarted
	}
	o.started = true
	o.mu.Unlock()

	if o.opts.ModelPath == "" {
		return o.fail(fmt.Errorf("%w: no model specified", types.ErrConfiguration))
	}
	if o.opts.WeatherPath == "" {
		return o.fail(fmt.Errorf("%w: no weather specified", types.ErrConfiguration))
	}

	workingDir := o.opts.WorkingDir
	if workingDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return o.fail(fmt.Errorf("%w: working directory: %v", types.ErrConfiguration, err))
		}
		workingDir = wd
	}

	modelPath, err := simulation.Resolve(o.opts.ModelPath, workingDir)
	if err != nil {
		return o.fail(fmt.Errorf("%w: model: %v", types.ErrConfiguration, err))
	}
	weatherPath, err := simulation.Resolve(o.opts.WeatherPath, workingDir)
	if err != nil {
		return o.fail(fmt.Errorf("%w: weather: %v", types.ErrConfiguration, err))
	}
	bcvtbHome := o.opts.BCVTBHome
	if bcvtbHome == "" {
		bcvtbHome = "."
	}
	bcvtbHome, err = simulation.Resolve(bcvtbHome, workingDir)
	if err != nil {
		return o.fail(fmt.Errorf("%w: bcvtb home: %v", types.ErrConfiguration, err))
	}
	modelDir := filepath.Dir(modelPath)

	o.logger.Info("Working in model directory", zap.String("dir", modelDir))

	// Layout is frozen from here on.
	layout := o.registry.Layout()
	o.mu.Lock()
	o.layout = layout
	o.codec = bcvtb.NewCodec(o.opts.ProtocolVersion, layout.InputCount(), layout.OutputCount())
	o.mu.Unlock()

	variablesPath := filepath.Join(modelDir, fileName(o.opts.VariablesFile, bcvtb.VariableMappingFile))
	if err := bcvtb.WriteVariableMapping(variablesPath, o.layout); err != nil {
		return o.fail(err)
	}
	o.logger.Info("Variable mapping written",
		zap.String("path", variablesPath),
		zap.Int("outputs", o.layout.OutputCount()),
		zap.Int("inputs", o.layout.InputCount()))
	o.transition(StateConfigWritten)

	host, port, err := o.server.Bind(o.opts.Host, o.opts.Port)
	if err != nil {
		return o.fail(fmt.Errorf("failed to bind socket: %w", err))
	}
	socketPath := filepath.Join(modelDir, fileName(o.opts.SocketFile, bcvtb.SocketConfigFile))
	if err := bcvtb.WriteSocketConfig(socketPath, host, port); err != nil {
		return o.fail(err)
	}
	o.logger.Info("Socket config written",
		zap.String("path", socketPath),
		zap.String("host", host),
		zap.Int("port", port))
	o.transition(StateListenerBound)

	runCtx, cancel := context.WithCancel(ctx)

	startedAt := time.Now()
	o.mu.Lock()
	o.cancel = cancel
	o.run = storage.SimulationRun{
		ID:          uuid.New(),
		ModelPath:   modelPath,
		WeatherPath: weatherPath,
		StartedAt:   startedAt,
	}
	run := o.run
	o.mu.Unlock()

	if o.journal != nil {
		if err := o.journal.RunStarted(ctx, run); err != nil {
			o.logger.Warn("Failed to record run start", zap.Error(err))
		}
	}

	if o.opts.Launch {
		spec := simulation.LaunchSpec{
			ModelPath:     modelPath,
			WeatherPath:   weatherPath,
			BCVTBHome:     bcvtbHome,
			WorkingDir:    workingDir,
			EngineVersion: o.opts.EngineVersion,
			EnergyPlusBin: o.opts.EnergyPlusBin,
			LegacyBin:     o.opts.LegacyBin,
		}

		proc, err := simulation.Launch(ctx, spec, o.logger)
		if err != nil {
			cancel()
			return o.fail(fmt.Errorf("failed to launch simulation: %w", err))
		}
		o.process = proc
		o.transition(StateProcessLaunched)
	} else {
		o.logger.Info("Process launch disabled, waiting for an external engine",
			zap.String("host", host),
			zap.Int("port", port))
	}

	go o.server.Serve(runCtx)
	go o.runLoop(runCtx)

	return nil
}

func fileName(configured, fallback string) string {
	if configured == "" {
		return fallback
	}
	return configured
}

func (o *Orchestrator) runLoop(ctx context.Context) {
	var procDone <-chan struct{}
	if o.process != nil {
		procDone = o.process.Done()
	}

	var connectTimeout <-chan time.Time
	if o.opts.ConnectTimeout > 0 {
		timer := time.NewTimer(o.opts.ConnectTimeout)
		defer timer.Stop()
		connectTimeout = timer.C
	}

	accepted := o.server.Accepted()
	lines := o.server.Lines()

	for {
		select {
		case <-ctx.Done():
			o.terminate(reasonShutdown, "", false)
			return

		case <-accepted:
			accepted = nil
			connectTimeout = nil

		case <-connectTimeout:
			o.terminate(fmt.Sprintf("simulation did not connect within %s", o.opts.ConnectTimeout), "", false)
			return

		case <-procDone:
			procDone = nil
			if accepted != nil {
				o.terminate(o.process.ExitReason(), "", false)
				return
			}
			// Once connected, the end of the stream decides.

		case line, ok := <-lines:
			if !ok {
				reason := reasonConnectionClosed
				if ctx.Err() != nil {
					// Serve closes the lines when the run is cancelled.
					reason = reasonShutdown
				} else if err := o.server.Err(); err != nil {
					reason = fmt.Sprintf("%s: %v", reasonConnectionClosed, err)
				}
				o.terminate(reason, "", false)
				return
			}
			if o.handleLine(ctx, line) {
				return
			}
		}
	}
}

// handleLine answers one step and reports whether the run ended.
func (o *Orchestrator) handleLine(ctx context.Context, line bcvtb.Line) bool {
	o.logger.Debug("Received message from simulation", zap.String("message", line.Text))

	msg, err := o.codec.Decode(line.Text)
	if err != nil {
		var term *bcvtb.TerminationError
		if errors.As(err, &term) {
			o.terminate(term.Reason, term.Flag, term.Normal())
			return true
		}

		kind := "format"
		switch {
		case errors.Is(err, bcvtb.ErrCountMismatch):
			kind = "count_mismatch"
		case errors.Is(err, bcvtb.ErrValueParse):
			kind = "value_parse"
		}
		o.metrics.ProtocolError(kind)
		o.logger.Error("Malformed message from simulation",
			zap.String("message", line.Text),
			zap.Error(err))
		o.terminate(err.Error(), "", false)
		return true
	}

	if o.State() != StateExchanging {
		o.transition(StateExchanging)
	}

	o.mu.Lock()
	if msg.TimeReported {
		o.simTime = msg.Time
	}
	simTime := o.simTime
	step := o.steps + 1
	runID := o.run.ID
	o.mu.Unlock()

	updated, err := o.registry.ApplyOutputs(o.layout, msg.Values, line.ReceivedAt)
	if err != nil {
		o.terminate(err.Error(), "", false)
		return true
	}

	if o.publisher != nil {
		update := bus.StepUpdate{RunID: runID, Step: step, Time: simTime, Points: updated}
		if err := o.publisher.Publish(ctx, update); err != nil {
			o.logger.Warn("Failed to publish step", zap.Uint64("step", step), zap.Error(err))
		}
	}

	o.settle(ctx, step)
	if ctx.Err() != nil {
		o.terminate(reasonShutdown, "", false)
		return true
	}

	inputs := o.registry.InputValues(o.layout)
	out := o.codec.Encode(simTime, bcvtb.FlagContinue, inputs)
	if err := o.server.Send(out); err != nil {
		o.terminate(err.Error(), "", false)
		return true
	}

	o.mu.Lock()
	o.steps = step
	o.mu.Unlock()

	o.metrics.StepAnswered(simTime, time.Since(line.ReceivedAt))
	o.logger.Debug("Sent message to simulation",
		zap.Uint64("step", step),
		zap.Float64("time", simTime),
		zap.String("message", out))

	return false
}

func (o *Orchestrator) settle(ctx context.Context, step uint64) {
	if o.settler == nil {
		return
	}

	settleCtx := ctx
	if o.opts.SettleTimeout > 0 {
		var cancel context.CancelFunc
		settleCtx, cancel = context.WithTimeout(ctx, o.opts.SettleTimeout)
		defer cancel()
	}

	start := time.Now()
	err := o.settler.Settle(settleCtx, step)
	timedOut := errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil
	o.metrics.Settled(time.Since(start), timedOut)

	switch {
	case timedOut:
		o.logger.Warn("Settlement timed out, sending current inputs",
			zap.Uint64("step", step),
			zap.Duration("timeout", o.opts.SettleTimeout))
	case err != nil && ctx.Err() == nil:
		o.logger.Warn("Settlement failed, sending current inputs",
			zap.Uint64("step", step),
			zap.Error(err))
	}
}

// fail terminates a run that could not be started and returns err.
func (o *Orchestrator) fail(err error) error {
	o.logger.Error("Failed to start simulation run", zap.Error(err))
	o.terminate(err.Error(), "", false)
	return err
}

// terminate ends the run exactly once. It is never restarted.
func (o *Orchestrator) terminate(reason, flag string, normal bool) {
	o.termOnce.Do(func() {
		if normal {
			o.logger.Info("Simulation finished", zap.String("reason", reason))
		} else {
			o.logger.Error("Simulation stopped",
				zap.String("reason", reason),
				zap.String("flag", flag))
		}

		o.server.Stop()

		if o.process != nil {
			timeout := o.opts.StopTimeout
			if timeout <= 0 {
				timeout = defaultStopTimeout
			}
			stopCtx, cancel := context.WithTimeout(context.Background(), timeout)
			if err := o.process.Stop(stopCtx); err != nil {
				o.logger.Error("Failed to stop simulation process", zap.Error(err))
			}
			cancel()
		}

		endedAt := time.Now()
		o.mu.Lock()
		o.reason = reason
		o.flag = flag
		o.normal = normal
		o.run.EndedAt = &endedAt
		o.run.Reason = reason
		o.run.FinalTime = o.simTime
		o.run.Steps = o.steps
		run := o.run
		cancel := o.cancel
		o.mu.Unlock()

		if cancel != nil {
			cancel()
		}

		if o.journal != nil && run.ID != uuid.Nil {
			journalCtx, cancelJournal := context.WithTimeout(context.Background(), 5*time.Second)
			if err := o.journal.RunFinished(journalCtx, run); err != nil {
				o.logger.Warn("Failed to record run end", zap.Error(err))
			}
			cancelJournal()
		}

		o.metrics.Terminated(reason)
		o.transition(StateTerminated)
		close(o.done)
	})
}

// Stop ends the run and waits until it has terminated or ctx expires.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.RLock()
	cancel := o.cancel
	o.mu.RUnlock()

	if cancel != nil {
		cancel()
	} else {
		o.terminate(reasonShutdown, "", false)
	}

	select {
	case <-o.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("simulation stop: %w", ctx.Err())
	}
}

// Done is closed once the run has terminated.
func (o *Orchestrator) Done() <-chan struct{} {
	return o.done
}

// State returns the current state.
func (o *Orchestrator) State() State {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state
}

// Status returns a snapshot of the run.
func (o *Orchestrator) Status() Status {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.statusLocked("")
}

func (o *Orchestrator) statusLocked(previous State) Status {
	status := Status{
		State:           o.state,
		PreviousState:   previous,
		SimulationTime:  o.simTime,
		Steps:           o.steps,
		Reason:          o.reason,
		Flag:            o.flag,
		Normal:          o.normal,
		LastStateChange: o.lastStateChange,
	}
	if o.run.ID != uuid.Nil {
		status.RunID = o.run.ID.String()
		startedAt := o.run.StartedAt
		status.StartedAt = &startedAt
		status.EndedAt = o.run.EndedAt
	}
	if o.layout != nil {
		status.Inputs = o.layout.InputCount()
		status.Outputs = o.layout.OutputCount()
	}
	status.Host, status.Port = o.server.Addr()
	return status
}

func (o *Orchestrator) transition(to State) {
	o.mu.Lock()
	from := o.state
	if err := ValidateTransition(from, to); err != nil {
		o.mu.Unlock()
		o.logger.Error("Rejected state change", zap.Error(err))
		return
	}
	o.state = to
	o.lastStateChange = time.Now()
	status := o.statusLocked(from)
	o.mu.Unlock()

	o.logger.Info("Simulation state changed",
		zap.String("state", string(to)),
		zap.String("previous_state", string(from)))

	o.broadcastStatus(status)
}

func (o *Orchestrator) broadcastStatus(status Status) {
	o.listenersMu.RLock()
	defer o.listenersMu.RUnlock()

	for _, listener := range o.statusListeners {
		select {
		case listener <- status:
		default:
			// Channel full, skip
		}
	}
}

// SubscribeStatus subscribes to state changes.
func (o *Orchestrator) SubscribeStatus() chan Status {
	ch := make(chan Status, 10)

	o.listenersMu.Lock()
	o.statusListeners = append(o.statusListeners, ch)
	o.listenersMu.Unlock()

	return ch
}

// UnsubscribeStatus unsubscribes from state changes.
func (o *Orchestrator) UnsubscribeStatus(ch chan Status) {
	o.listenersMu.Lock()
	defer o.listenersMu.Unlock()

	for i, listener := range o.statusListeners {
		if listener == ch {
			o.statusListeners = append(o.statusListeners[:i], o.statusListeners[i+1:]...)
			close(ch)
			break
		}
	}
}
