package infra

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/BenjaminHolderbein/wallpaper-gen/internal/config"
	"github.com/BenjaminHolderbein/wallpaper-gen/internal/interfaces"
)

const (
	probeInterval = 2 * time.Second
	stopTimeout   = 5 * time.Second
)

// BackendStatus is the lifecycle of the managed generation service
type BackendStatus string

const (
	BackendStatusStopped  BackendStatus = "stopped"
	BackendStatusStarting BackendStatus = "starting"
	BackendStatusRunning  BackendStatus = "running"
	BackendStatusError    BackendStatus = "error"
)

// ErrBackendNotReady is returned when the service does not answer in time
var ErrBackendNotReady = errors.New("generation service did not become ready")

// BackendManager launches a local generation service and waits until its
// presets endpoint answers
type BackendManager struct {
	cfg    config.BackendConfig
	probe  interfaces.ServiceAPI
	logger zerolog.Logger

	mu     sync.RWMutex
	status BackendStatus
	cmd    *exec.Cmd
	exited chan struct{}
}

// NewBackendManager creates a stopped manager. probe is used to check readiness.
func NewBackendManager(cfg config.BackendConfig, probe interfaces.ServiceAPI, logger zerolog.Logger) *BackendManager {
	return &BackendManager{
		cfg:    cfg,
		probe:  probe,
		logger: logger.With().Str("component", "backend").Logger(),
		status: BackendStatusStopped,
	}
}

// Ready reports whether the service answers right now
func (m *BackendManager) Ready(ctx context.Context) bool {
	_, err := m.probe.FetchPresets(ctx)
	return err == nil
}

// Start launches the configured command unless the service already answers,
// then blocks until it is ready or the startup timeout expires
func (m *BackendManager) Start(ctx context.Context) error {
	if m.Ready(ctx) {
		m.setStatus(BackendStatusRunning)
		m.logger.Info().Msg("generation service already running")
		return nil
	}

	m.mu.Lock()
	if m.status == BackendStatusStarting || m.status == BackendStatusRunning {
		m.mu.Unlock()
		return nil
	}
	if m.cfg.Command == "" {
		m.mu.Unlock()
		return fmt.Errorf("backend command is not configured")
	}

	cmd := exec.Command(m.cfg.Command, m.cfg.Args...)
	cmd.Dir = m.cfg.WorkDir
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr

	m.logger.Info().Str("command", m.cfg.Command).Strs("args", m.cfg.Args).Str("dir", m.cfg.WorkDir).Msg("starting generation service")
	if err := cmd.Start(); err != nil {
		m.status = BackendStatusError
		m.mu.Unlock()
		return fmt.Errorf("failed to start generation service: %w", err)
	}
	m.logger.Info().Int("pid", cmd.Process.Pid).Msg("generation service process started")

	exited := make(chan struct{})
	m.cmd = cmd
	m.exited = exited
	m.status = BackendStatusStarting
	m.mu.Unlock()

	go func() {
		err := cmd.Wait()
		m.mu.Lock()
		if m.cmd == cmd && m.status != BackendStatusStopped {
			m.status = BackendStatusError
		}
		m.mu.Unlock()
		m.logger.Info().Err(err).Msg("generation service exited")
		close(exited)
	}()

	return m.waitForStartup(ctx, exited)
}

func (m *BackendManager) waitForStartup(ctx context.Context, exited <-chan struct{}) error {
	timeout := m.cfg.StartupTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(probeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-exited:
			return fmt.Errorf("%w: process exited", ErrBackendNotReady)
		case <-deadline.C:
			m.setStatus(BackendStatusError)
			return fmt.Errorf("%w after %s", ErrBackendNotReady, timeout)
		case <-ticker.C:
			if m.Ready(ctx) {
				m.setStatus(BackendStatusRunning)
				m.logger.Info().Msg("generation service ready")
				return nil
			}
		}
	}
}

// Stop terminates a process started by Start. A service that was already
// running before Start is left alone.
func (m *BackendManager) Stop(ctx context.Context) error {
	m.mu.Lock()
	cmd, exited := m.cmd, m.exited
	m.status = BackendStatusStopped
	m.cmd = nil
	m.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return nil
	}

	_ = cmd.Process.Signal(os.Interrupt)
	select {
	case <-exited:
		return nil
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		return ctx.Err()
	case <-time.After(stopTimeout):
		_ = cmd.Process.Kill()
		return fmt.Errorf("stop timeout")
	}
}

// Status returns the current status
func (m *BackendManager) Status() BackendStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

func (m *BackendManager) setStatus(s BackendStatus) {
	m.mu.Lock()
	m.status = s
	m.mu.Unlock()
}
