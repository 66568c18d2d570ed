package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os/exec"
	"sync"
	"syscall"
	"time"

	cxerrors "github.com/Aman-CERP/contextual/internal/errors"
)

const (
	launchMaxFailures  = 3
	launchResetTimeout = time.Minute
	stopTimeout        = 5 * time.Second
)

// LauncherStatus describes the auto-started backend.
type LauncherStatus struct {
	PID         int    `json:"pid,omitempty"`
	Running     bool   `json:"running"`
	SocketAlive bool   `json:"socket_alive"`
	Breaker     string `json:"breaker"`
}

// Launcher starts the backend process when its socket is missing.
//
// Spawning is serialized across processes by a file lock and recorded in a
// PID file. Repeated startup failures open a circuit breaker so a broken
// backend command is not respawned on every reconnect attempt.
type Launcher struct {
	cfg     LaunchConfig
	socket  string
	pidFile *PIDFile
	lock    *FileLock
	breaker *cxerrors.CircuitBreaker
	logger  *slog.Logger

	mu sync.Mutex
}

// NewLauncher creates a launcher for the backend listening on socketPath.
func NewLauncher(cfg LaunchConfig, socketPath string, logger *slog.Logger) *Launcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Launcher{
		cfg:     cfg,
		socket:  socketPath,
		pidFile: NewPIDFile(cfg.PIDPath),
		lock:    NewFileLock(cfg.LockPath),
		breaker: cxerrors.NewCircuitBreaker("backend-launch",
			cxerrors.WithMaxFailures(launchMaxFailures),
			cxerrors.WithResetTimeout(launchResetTimeout)),
		logger: logger,
	}
}

// Ensure makes sure a backend is accepting connections, spawning one if
// needed. It reports whether this call spawned the process.
func (l *Launcher) Ensure(ctx context.Context) (bool, error) {
	if !l.cfg.Enabled() {
		return false, cxerrors.New(cxerrors.ErrCodeLaunchFailed, "backend auto-start is not configured", nil)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if socketAlive(l.socket) {
		return false, nil
	}

	if l.pidFile.IsRunning() {
		// Started earlier and still binding its socket.
		return false, l.waitForSocket(ctx, nil)
	}

	acquired, err := l.lock.TryLock()
	if err != nil {
		return false, cxerrors.New(cxerrors.ErrCodeLaunchFailed, "cannot lock backend launch", err)
	}
	if !acquired {
		l.logger.Debug("backend_launch_in_progress", slog.String("lock", l.lock.Path()))
		return false, l.waitForSocket(ctx, nil)
	}
	defer func() { _ = l.lock.Unlock() }()

	if socketAlive(l.socket) {
		return false, nil
	}

	err = l.breaker.Execute(func() error { return l.spawn(ctx) })
	if errors.Is(err, cxerrors.ErrCircuitOpen) {
		return false, cxerrors.New(cxerrors.ErrCodeLaunchFailed,
			"backend failed to start repeatedly; auto-start paused", err).
			WithSuggestion("Check the backend command, then run 'contextual backend start'")
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Stop terminates a backend started by this launcher.
func (l *Launcher) Stop(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.pidFile.IsRunning() {
		_ = l.pidFile.Remove()
		return cxerrors.New(cxerrors.ErrCodeLaunchFailed, "backend is not running", nil).
			WithDetail("pid_file", l.pidFile.Path())
	}

	if err := l.pidFile.Signal(syscall.SIGTERM); err != nil {
		return cxerrors.New(cxerrors.ErrCodeLaunchFailed, "cannot stop backend", err)
	}

	ctx, cancel := context.WithTimeout(ctx, stopTimeout)
	defer cancel()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for l.pidFile.IsRunning() {
		select {
		case <-ctx.Done():
			return cxerrors.New(cxerrors.ErrCodeLaunchFailed, "backend did not exit", ctx.Err())
		case <-ticker.C:
		}
	}

	l.logger.Info("backend_stopped", slog.String("pid_file", l.pidFile.Path()))
	return l.pidFile.Remove()
}

// Status reports the launcher's view of the backend.
func (l *Launcher) Status() LauncherStatus {
	st := LauncherStatus{
		Running:     l.pidFile.IsRunning(),
		SocketAlive: socketAlive(l.socket),
		Breaker:     l.breaker.State().String(),
	}
	if pid, err := l.pidFile.Read(); err == nil {
		st.PID = pid
	}
	return st
}

func (l *Launcher) spawn(ctx context.Context) error {
	cmd := exec.Command(l.cfg.Command, l.cfg.Args...)
	// Own process group, so the backend outlives the front-end and its signals.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return cxerrors.New(cxerrors.ErrCodeLaunchFailed, "cannot start backend", err).
			WithDetail("command", l.cfg.Command)
	}

	pid := cmd.Process.Pid
	if err := l.pidFile.Write(pid); err != nil {
		l.logger.Warn("pid_file_write_failed", slog.String("error", err.Error()))
	}
	l.logger.Info("backend_spawned",
		slog.Int("pid", pid),
		slog.String("command", l.cfg.Command))

	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	if err := l.waitForSocket(ctx, exited); err != nil {
		_ = l.pidFile.Remove()
		return err
	}
	return nil
}

// waitForSocket polls until the socket accepts connections, the startup
// timeout passes, or the spawned process exits.
func (l *Launcher) waitForSocket(ctx context.Context, exited <-chan error) error {
	ctx, cancel := context.WithTimeout(ctx, l.cfg.StartupTimeout)
	defer cancel()

	var exitErr error
	err := cxerrors.Retry(ctx, cxerrors.RetryConfig{
		MaxRetries:   1 << 20,
		InitialDelay: 50 * time.Millisecond,
		MaxDelay:     500 * time.Millisecond,
		Multiplier:   2.0,
	}, func() error {
		select {
		case werr := <-exited:
			exitErr = fmt.Errorf("backend exited during startup: %v", werr)
			cancel()
			return exitErr
		default:
		}
		if !socketAlive(l.socket) {
			return fmt.Errorf("socket %s not accepting connections", l.socket)
		}
		return nil
	})

	if exitErr != nil {
		return cxerrors.New(cxerrors.ErrCodeLaunchFailed, "backend exited during startup", exitErr)
	}
	if err != nil {
		return cxerrors.New(cxerrors.ErrCodeLaunchFailed, "backend did not open its socket", err).
			WithDetail("socket", l.socket)
	}
	return nil
}

func socketAlive(path string) bool {
	conn, err := net.DialTimeout("unix", path, 500*time.Millisecond)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}
