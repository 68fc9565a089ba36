package system

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/KevinKickass/CoSimBridge/internal/api/rest"
	"github.com/KevinKickass/CoSimBridge/internal/api/websocket"
	"github.com/KevinKickass/CoSimBridge/internal/bus"
	"github.com/KevinKickass/CoSimBridge/internal/config"
	"github.com/KevinKickass/CoSimBridge/internal/cosim"
	"github.com/KevinKickass/CoSimBridge/internal/interfaces"
	"github.com/KevinKickass/CoSimBridge/internal/metrics"
	"github.com/KevinKickass/CoSimBridge/internal/points"
	"github.com/KevinKickass/CoSimBridge/internal/registry"
	"github.com/KevinKickass/CoSimBridge/internal/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthService is the gRPC health service name of the simulation run.
const HealthService = "cosimbridge.Simulation"

type LifecycleManager struct {
	config          *config.Config
	logger          *zap.Logger
	registry        *registry.VariableRegistry
	points          *cosim.PointService
	orchestrator    *cosim.Orchestrator
	wsHub           *websocket.Hub
	mqttBus         *bus.MQTTBus
	inputSubscriber *bus.InputSubscriber
	writeSettler    *bus.WriteSettler
	storage         *storage.PostgresClient
	promRegistry    *prometheus.Registry
	exchangeMetrics *metrics.Exchange

	restServer   *rest.Server
	grpcServer   *grpc.Server
	grpcAddr     net.Addr
	healthServer *health.Server

	stateMu      sync.RWMutex
	currentState SystemState
	lastError    string

	cancelBackground context.CancelFunc
	background       sync.WaitGroup

	shutdownChan chan struct{}
	shutdownOnce sync.Once
}

// LoadRegistry builds the variable registry from a point profile file.
func LoadRegistry(path string, logger *zap.Logger) (*registry.VariableRegistry, error) {
	loader, err := points.NewProfileLoader(logger)
	if err != nil {
		return nil, err
	}
	profile, err := loader.Load(path)
	if err != nil {
		return nil, err
	}

	reg := registry.New()
	if err := profile.Register(reg); err != nil {
		return nil, err
	}
	return reg, nil
}

// NewLifecycleManager validates cfg and loads the point profile. Nothing is
// bound or connected until Start.
func NewLifecycleManager(cfg *config.Config, logger *zap.Logger) (*LifecycleManager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	reg, err := LoadRegistry(cfg.Points.File, logger.Named("points"))
	if err != nil {
		return nil, fmt.Errorf("failed to load points: %w", err)
	}

	promRegistry := metrics.NewRegistry()
	exchangeMetrics := metrics.NewExchange(promRegistry)

	lm := &LifecycleManager{
		config:          cfg,
		logger:          logger,
		registry:        reg,
		points:          cosim.NewPointService(reg, logger.Named("points"), exchangeMetrics),
		wsHub:           websocket.NewHub(logger.Named("ws")),
		promRegistry:    promRegistry,
		exchangeMetrics: exchangeMetrics,
		currentState:    StateInitializing,
		shutdownChan:    make(chan struct{}),
	}
	lm.wsHub.SetStatusProvider(lm)

	return lm, nil
}

// Start connects the optional collaborators, starts the API servers and
// begins the simulation run.
func (lm *LifecycleManager) Start(ctx context.Context) error {
	lm.logger.Info("Starting CoSimBridge",
		zap.String("model", lm.config.Simulation.Model),
		zap.String("weather", lm.config.Simulation.Weather))

	if lm.config.Database.Enabled {
		if err := lm.connectStorage(ctx); err != nil {
			lm.setError(err)
			return err
		}
	}

	if lm.config.Bus.MQTT.Enabled {
		if err := lm.connectMQTT(); err != nil {
			lm.setError(err)
			return err
		}
	}

	settler, err := lm.buildSettler()
	if err != nil {
		lm.setError(err)
		return err
	}

	publishers := bus.Fanout{lm.wsHub}
	if lm.mqttBus != nil {
		publishers = append(publishers, lm.mqttBus)
	}

	options := []cosim.Option{
		cosim.WithPublisher(publishers),
		cosim.WithSettler(settler),
		cosim.WithMetrics(lm.exchangeMetrics),
	}
	if lm.storage != nil {
		options = append(options, cosim.WithJournal(lm.storage))
	}
	lm.orchestrator = cosim.NewOrchestrator(OrchestratorOptions(lm.config), lm.registry, lm.logger.Named("cosim"), options...)

	bgCtx, cancel := context.WithCancel(context.Background())
	lm.cancelBackground = cancel

	lm.goBackground(func() { lm.wsHub.Run(bgCtx) })

	updates := lm.registry.Subscribe()
	lm.goBackground(func() { lm.forwardPointUpdates(bgCtx, updates) })

	statuses := lm.orchestrator.SubscribeStatus()
	lm.goBackground(func() { lm.forwardSimulationStatus(bgCtx, statuses) })

	if err := lm.startGRPCServer(); err != nil {
		lm.setError(fmt.Errorf("failed to start gRPC: %w", err))
		return err
	}

	if err := lm.startRESTServer(); err != nil {
		lm.setError(fmt.Errorf("failed to start REST API: %w", err))
		return err
	}

	if err := lm.orchestrator.Start(ctx); err != nil {
		lm.setError(err)
		return fmt.Errorf("failed to start simulation: %w", err)
	}

	lm.healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	lm.healthServer.SetServingStatus(HealthService, healthpb.HealthCheckResponse_SERVING)
	lm.goBackground(func() { lm.watchSimulation(bgCtx) })

	lm.setState(StateRunning)

	lm.logger.Info("System started successfully",
		zap.Int("grpc_port", lm.config.Server.GRPCPort),
		zap.Int("http_port", lm.config.Server.HTTPPort),
		zap.String("settlement", lm.config.Bus.Settlement.Mode),
		zap.Bool("mqtt_enabled", lm.mqttBus != nil),
		zap.Bool("journal_enabled", lm.storage != nil))

	return nil
}

// OrchestratorOptions maps the configuration onto one simulation run.
func OrchestratorOptions(cfg *config.Config) cosim.Options {
	return cosim.Options{
		ModelPath:       cfg.Simulation.Model,
		WeatherPath:     cfg.Simulation.Weather,
		BCVTBHome:       cfg.Simulation.BCVTBHome,
		WorkingDir:      cfg.Simulation.WorkingDir,
		EngineVersion:   cfg.Simulation.EngineVersion,
		EnergyPlusBin:   cfg.Simulation.EnergyPlusBin,
		LegacyBin:       cfg.Simulation.LegacyBin,
		Launch:          cfg.Simulation.Launch,
		StopTimeout:     cfg.Simulation.StopTimeout,
		SocketFile:      cfg.Simulation.SocketFile,
		VariablesFile:   cfg.Simulation.VariablesFile,
		Host:            cfg.Socket.Host,
		Port:            cfg.Socket.Port,
		ConnectTimeout:  cfg.Socket.ConnectTimeout,
		ProtocolVersion: cfg.Protocol.Version,
		SettleTimeout:   cfg.Bus.Settlement.Timeout,
	}
}

func (lm *LifecycleManager) connectStorage(ctx context.Context) error {
	client, err := storage.NewPostgresClient(ctx, lm.config.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := client.Migrate(ctx); err != nil {
		client.Close()
		return err
	}
	lm.storage = client

	lm.logger.Info("Run journal connected",
		zap.String("host", lm.config.Database.Host),
		zap.String("database", lm.config.Database.Database))
	return nil
}

func (lm *LifecycleManager) connectMQTT() error {
	mqttCfg := lm.config.Bus.MQTT
	b := bus.NewMQTTBus(bus.MQTTOptions{
		BrokerURL:   mqttCfg.BrokerURL,
		ClientID:    mqttCfg.ClientID,
		Prefix:      mqttCfg.Prefix,
		QoS:         byte(mqttCfg.QoS),
		SettleTopic: mqttCfg.SettleTopic,
	}, lm.logger.Named("mqtt"))

	if err := b.Connect(); err != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}
	if mqttCfg.SubscribeInputs {
		lm.inputSubscriber = bus.NewInputSubscriber(b, lm.points, lm.logger.Named("mqtt"))
		if err := lm.inputSubscriber.SubscribeAll(lm.registry.Inputs()); err != nil {
			b.Disconnect()
			return fmt.Errorf("failed to subscribe to input points: %w", err)
		}
	}

	lm.mqttBus = b
	return nil
}

func (lm *LifecycleManager) buildSettler() (bus.Settler, error) {
	switch lm.config.Bus.Settlement.Mode {
	case config.SettleImmediate, "":
		return bus.ImmediateSettler{}, nil
	case config.SettleWrite:
		lm.writeSettler = bus.NewWriteSettler(lm.registry)
		return lm.writeSettler, nil
	case config.SettleMQTT:
		if lm.mqttBus == nil {
			return nil, errors.New("mqtt settlement requires the MQTT bus")
		}
		return lm.mqttBus, nil
	default:
		return nil, fmt.Errorf("unknown settlement mode %q", lm.config.Bus.Settlement.Mode)
	}
}

func (lm *LifecycleManager) goBackground(fn func()) {
	lm.background.Add(1)
	go func() {
		defer lm.background.Done()
		fn()
	}()
}

func (lm *LifecycleManager) forwardPointUpdates(ctx context.Context, updates <-chan registry.UpdateEvent) {
	defer lm.registry.Unsubscribe(updates)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-updates:
			if !ok {
				return
			}
			lm.wsHub.Broadcast(websocket.NewPointUpdateMessage(ev.Topic, ev.Path, ev.Value, ev.Source))
		}
	}
}

func (lm *LifecycleManager) forwardSimulationStatus(ctx context.Context, statuses chan cosim.Status) {
	defer lm.orchestrator.UnsubscribeStatus(statuses)

	for {
		select {
		case <-ctx.Done():
			return
		case status, ok := <-statuses:
			if !ok {
				return
			}
			lm.wsHub.Broadcast(websocket.NewSimulationStateMessage(
				string(status.State), string(status.PreviousState), status.Reason, status))
		}
	}
}

// watchSimulation flips the health status once the run has terminated.
func (lm *LifecycleManager) watchSimulation(ctx context.Context) {
	select {
	case <-ctx.Done():
		return
	case <-lm.orchestrator.Done():
	}

	status := lm.orchestrator.Status()
	lm.healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	lm.healthServer.SetServingStatus(HealthService, healthpb.HealthCheckResponse_NOT_SERVING)

	lm.logger.Info("Simulation run ended",
		zap.String("run_id", status.RunID),
		zap.String("reason", status.Reason),
		zap.Bool("normal", status.Normal),
		zap.Uint64("steps", status.Steps),
		zap.Float64("simulation_time", status.SimulationTime))
}

// SimulationDone is closed once the simulation run has terminated.
func (lm *LifecycleManager) SimulationDone() <-chan struct{} {
	if lm.orchestrator == nil {
		return nil
	}
	return lm.orchestrator.Done()
}

// Done is closed after Shutdown has completed.
func (lm *LifecycleManager) Done() <-chan struct{} {
	return lm.shutdownChan
}

// Shutdown gracefully shuts down the system
func (lm *LifecycleManager) Shutdown(ctx context.Context) error {
	var shutdownErr error

	lm.shutdownOnce.Do(func() {
		lm.logger.Info("Shutting down system")

		lm.setState(StateStopping)

		shutdownErr = lm.gracefulShutdown(ctx)

		lm.setState(StateStopped)

		close(lm.shutdownChan)
	})

	return shutdownErr
}

func (lm *LifecycleManager) gracefulShutdown(ctx context.Context) error {
	// The run ends first so its end is journaled and broadcast while the
	// collaborators are still up.
	if lm.orchestrator != nil {
		if err := lm.orchestrator.Stop(ctx); err != nil {
			lm.logger.Error("Simulation stop failed", zap.Error(err))
		}
	}

	var wg sync.WaitGroup
	errChan := make(chan error, 2)

	// REST API Server graceful shutdown
	if lm.restServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()

			if err := lm.restServer.Shutdown(shutdownCtx); err != nil {
				errChan <- fmt.Errorf("rest api shutdown failed: %w", err)
			}
		}()
	}

	// gRPC Server graceful stop
	if lm.grpcServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lm.logger.Info("Stopping gRPC server")
			lm.healthServer.Shutdown()
			lm.grpcServer.GracefulStop()
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
		lm.logger.Info("Servers stopped")
	case <-ctx.Done():
		lm.logger.Warn("Shutdown timeout, forcing stop")
		if lm.grpcServer != nil {
			lm.grpcServer.Stop()
		}
		err = fmt.Errorf("shutdown timeout exceeded")
	case err = <-errChan:
	}

	if lm.cancelBackground != nil {
		lm.cancelBackground()
		lm.background.Wait()
	}
	if lm.writeSettler != nil {
		lm.writeSettler.Close()
	}
	if lm.mqttBus != nil {
		lm.mqttBus.Disconnect()
	}
	if lm.storage != nil {
		lm.storage.Close()
	}

	if err == nil {
		lm.logger.Info("Graceful shutdown completed")
	}
	return err
}

func (lm *LifecycleManager) startGRPCServer() error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", lm.config.Server.GRPCPort))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	lm.grpcAddr = lis.Addr()

	lm.grpcServer = grpc.NewServer()
	lm.healthServer = health.NewServer()
	lm.healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	lm.healthServer.SetServingStatus(HealthService, healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(lm.grpcServer, lm.healthServer)

	go func() {
		lm.logger.Info("gRPC server listening",
			zap.String("address", lis.Addr().String()),
			zap.String("services", "grpc.health.v1.Health"))
		if err := lm.grpcServer.Serve(lis); err != nil {
			lm.logger.Error("gRPC server failed", zap.Error(err))
		}
	}()

	return nil
}

func (lm *LifecycleManager) startRESTServer() error {
	lm.restServer = rest.NewServer(lm.config, lm, lm.logger.Named("rest"), lm.wsHub, metrics.Handler(lm.promRegistry))
	return lm.restServer.Start()
}

func (lm *LifecycleManager) setState(state SystemState) {
	lm.stateMu.Lock()
	defer lm.stateMu.Unlock()

	if err := ValidateTransition(lm.currentState, state); err != nil {
		lm.logger.Warn("Rejected system state change", zap.Error(err))
		return
	}
	lm.currentState = state
}

func (lm *LifecycleManager) setError(err error) {
	lm.logger.Error("System error", zap.Error(err))

	lm.stateMu.Lock()
	defer lm.stateMu.Unlock()
	lm.currentState = StateError
	lm.lastError = err.Error()
}

// State returns the current system state.
func (lm *LifecycleManager) State() SystemState {
	lm.stateMu.RLock()
	defer lm.stateMu.RUnlock()
	return lm.currentState
}

// GetCurrentStatus returns current system status (Interface implementation)
func (lm *LifecycleManager) GetCurrentStatus() interfaces.SystemStatus {
	lm.stateMu.RLock()
	state := lm.currentState.String()
	lm.stateMu.RUnlock()

	return interfaces.SystemStatus{
		State:      state,
		Simulation: lm.SimulationStatus(),
		Journal:    lm.storage != nil,
		MQTT:       lm.mqttBus != nil && lm.mqttBus.IsConnected(),
	}
}

// CurrentStatus is sent to websocket clients when they connect.
func (lm *LifecycleManager) CurrentStatus() any {
	return lm.GetCurrentStatus()
}

// SimulationStatus returns the status of the simulation run.
func (lm *LifecycleManager) SimulationStatus() cosim.Status {
	if lm.orchestrator == nil {
		return cosim.Status{State: cosim.StateIdle}
	}
	return lm.orchestrator.Status()
}

// Points returns the point-access service.
func (lm *LifecycleManager) Points() *cosim.PointService {
	return lm.points
}

// Runs returns the run journal, or nil when it is disabled.
func (lm *LifecycleManager) Runs() interfaces.RunJournal {
	if lm.storage == nil {
		return nil
	}
	return lm.storage
}

// Config returns the configuration
func (lm *LifecycleManager) Config() *config.Config {
	return lm.config
}
