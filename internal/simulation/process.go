package simulation

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zapio"
)

const (
	// ModernEngineVersion is the first engine release launched through the
	// energyplus binary with -w/-r flags.
	ModernEngineVersion = 8.4

	DefaultEnergyPlusBin = "energyplus"
	DefaultLegacyBin     = "runenergyplus"

	// Grandchildren holding the output pipe must not block Wait forever.
	outputWaitDelay = 2 * time.Second
)

// LaunchSpec describes one engine invocation. All paths are expected to be
// resolved already.
type LaunchSpec struct {
	ModelPath     string
	WeatherPath   string
	BCVTBHome     string
	WorkingDir    string
	EngineVersion float64
	EnergyPlusBin string
	LegacyBin     string
}

// Command returns the executable, its arguments and the directory it runs in.
func (s LaunchSpec) Command() (string, []string, string) {
	if s.EngineVersion == 0 || s.EngineVersion >= ModernEngineVersion {
		bin := s.EnergyPlusBin
		if bin == "" {
			bin = DefaultEnergyPlusBin
		}
		return bin, []string{"-w", s.WeatherPath, "-r", s.ModelPath}, filepath.Dir(s.ModelPath)
	}

	bin := s.LegacyBin
	if bin == "" {
		bin = DefaultLegacyBin
	}
	return bin, []string{s.ModelPath, s.WeatherPath}, s.WorkingDir
}

// Process is a running simulation engine.
type Process struct {
	cmd    *exec.Cmd
	logger *zap.Logger
	output *zapio.Writer

	done    chan struct{}
	mu      sync.Mutex
	exitErr error
}

// Launch starts the engine described by spec. The process is not tied to
// ctx; use Stop to end it.
func Launch(ctx context.Context, spec LaunchSpec, logger *zap.Logger) (*Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	bin, args, dir := spec.Command()

	cmd := exec.Command(bin, args...)
	cmd.Dir = dir
	cmd.Env = append(cmd.Environ(), "BCVTB_HOME="+spec.BCVTBHome)

	engineLog := logger.Named("energyplus")
	output := &zapio.Writer{Log: engineLog, Level: zapcore.DebugLevel}
	cmd.Stdout = output
	cmd.Stderr = output
	cmd.WaitDelay = outputWaitDelay

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", bin, err)
	}

	logger.Info("Simulation process started",
		zap.String("command", bin),
		zap.Strings("args", args),
		zap.String("dir", dir),
		zap.Int("pid", cmd.Process.Pid))

	p := &Process{
		cmd:    cmd,
		logger: logger,
		output: output,
		done:   make(chan struct{}),
	}
	go p.wait()

	return p, nil
}

func (p *Process) wait() {
	err := p.cmd.Wait()
	p.output.Close()

	p.mu.Lock()
	p.exitErr = err
	p.mu.Unlock()

	if err != nil {
		p.logger.Warn("Simulation process exited", zap.Error(err))
	} else {
		p.logger.Info("Simulation process exited")
	}
	close(p.done)
}

// Done is closed once the process has exited.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// ExitErr returns the process exit error. It is only meaningful after Done
// is closed.
func (p *Process) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

// ExitReason describes how the process ended.
func (p *Process) ExitReason() string {
	err := p.ExitErr()
	if err == nil {
		return "simulation process exited"
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return fmt.Sprintf("simulation process exited with code %d", exitErr.ExitCode())
	}
	return "simulation process failed: " + err.Error()
}

// Pid returns the process id.
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// Stop asks the process to exit and waits until ctx expires, after which
// the process is killed.
func (p *Process) Stop(ctx context.Context) error {
	select {
	case <-p.done:
		return nil
	default:
	}

	if err := p.cmd.Process.Signal(os.Interrupt); err != nil {
		p.logger.Debug("Interrupt not delivered", zap.Error(err))
	}

	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
	}

	p.logger.Warn("Simulation process did not exit in time, killing")
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("failed to kill simulation process: %w", err)
	}

	select {
	case <-p.done:
	case <-time.After(5 * time.Second):
		return fmt.Errorf("simulation process %d did not exit after kill", p.Pid())
	}
	return nil
}
