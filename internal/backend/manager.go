package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	cxerrors "github.com/Aman-CERP/contextual/internal/errors"
)

// outbound is one encoded request waiting for the writer.
type outbound struct {
	id    string
	frame []byte
}

// Manager owns the single connection to the backend.
//
// A supervisor goroutine walks the state machine
// Disconnected → Connecting → Ready → Failed → Connecting … until Close.
// While Ready, one goroutine reads and demultiplexes frames into the
// registry and one goroutine is the only writer on the socket, so frames are
// never interleaved. The outbound queue outlives connections: requests queued
// while disconnected are written once the next connection is Ready.
type Manager struct {
	cfg      Config
	registry *Registry
	launcher *Launcher
	logger   *slog.Logger
	backoff  *cxerrors.Backoff

	outbox chan outbound
	wakeCh chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	state   State
	reason  error
	changed chan struct{}
	started bool
	closed  bool

	reconnects atomic.Int64
	malformed  atomic.Int64
}

// NewManager creates a manager for cfg. It does not connect until Start.
// launcher may be nil.
func NewManager(cfg Config, registry *Registry, launcher *Launcher, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:      cfg,
		registry: registry,
		launcher: launcher,
		logger:   logger,
		backoff: cxerrors.NewBackoff(cxerrors.RetryConfig{
			InitialDelay: cfg.BackoffMin,
			MaxDelay:     cfg.BackoffMax,
			Multiplier:   cfg.BackoffMultiplier,
		}),
		outbox:  make(chan outbound, cfg.QueueSize),
		wakeCh:  make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
		state:   StateDisconnected,
		changed: make(chan struct{}),
	}
}

// Start launches the supervisor. It is idempotent and a no-op after Close.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started || m.closed {
		return
	}
	m.started = true

	m.wg.Add(1)
	go m.run()

	if m.cfg.WatchSocket {
		m.wg.Add(1)
		go m.watchSocket()
	}
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// WaitReady blocks until the connection is Ready, the manager is closed, or
// ctx is done.
func (m *Manager) WaitReady(ctx context.Context) error {
	for {
		m.mu.Lock()
		state, changed := m.state, m.changed
		m.mu.Unlock()

		switch state {
		case StateReady:
			return nil
		case StateClosed:
			return cxerrors.New(cxerrors.ErrCodeClientClosed, "client is closed", nil)
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Status returns a snapshot of the connection and its calls.
func (m *Manager) Status() Status {
	m.mu.Lock()
	st := Status{
		State:      m.state,
		StateName:  m.state.String(),
		SocketPath: m.cfg.SocketPath,
	}
	if m.reason != nil {
		st.Reason = m.reason.Error()
	}
	m.mu.Unlock()

	st.Pending = m.registry.Len()
	st.InFlight = m.registry.InFlight()
	st.Reconnects = m.reconnects.Load()
	st.Malformed = m.malformed.Load()
	st.Unknown = m.registry.Unknown()
	st.Timeouts = m.registry.Timeouts()
	return st
}

// Close shuts the connection down for good. Pending calls fail with
// ClientClosed and the state becomes Closed.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.state = StateClosed
	m.reason = nil
	close(m.changed)
	m.changed = make(chan struct{})
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()

	n := m.registry.Close(cxerrors.New(cxerrors.ErrCodeClientClosed, "client is closed", nil))
	m.logger.Info("backend_client_closed", slog.Int("failed_calls", n))
	return nil
}

// wake cuts a pending reconnect delay short.
func (m *Manager) wake() {
	select {
	case m.wakeCh <- struct{}{}:
	default:
	}
}

// nudge wakes the supervisor if it is waiting out a backoff.
func (m *Manager) nudge() {
	if m.State() == StateFailed {
		m.wake()
	}
}

func (m *Manager) setState(s State, reason error) {
	m.mu.Lock()
	if m.state == StateClosed {
		m.mu.Unlock()
		return
	}
	m.state = s
	m.reason = reason
	close(m.changed)
	m.changed = make(chan struct{})
	m.mu.Unlock()

	attrs := []any{slog.String("state", s.String()), slog.String("socket", m.cfg.SocketPath)}
	if reason != nil {
		attrs = append(attrs, slog.String("reason", reason.Error()))
	}
	m.logger.Info("backend_state", attrs...)
}

// run is the supervisor loop.
func (m *Manager) run() {
	defer m.wg.Done()

	for m.ctx.Err() == nil {
		m.setState(StateConnecting, nil)

		conn, err := m.dial()
		if err != nil {
			if m.ctx.Err() != nil {
				return
			}
			failure := cxerrors.ConnectFailure(m.cfg.SocketPath, err)
			m.setState(StateFailed, failure)

			if m.tryLaunch(err) {
				continue
			}
			if !m.sleep(m.backoff.Next()) {
				return
			}
			continue
		}

		m.backoff.Reset()
		m.setState(StateReady, nil)

		err = m.serve(conn)
		if m.ctx.Err() != nil {
			return
		}

		lost := err
		if cxerrors.GetCode(err) != cxerrors.ErrCodeConnectionLost {
			lost = cxerrors.ConnectionLost("session ended", err)
		}
		// Fail the session's calls before publishing Failed, so a call made
		// after the state change waits for the next connection.
		n := m.registry.FailAll(lost)
		m.setState(StateFailed, lost)
		m.reconnects.Add(1)

		m.logger.Warn("backend_connection_lost",
			append(cxerrors.FormatForLog(lost), slog.Int("failed_calls", n))...)

		if !m.sleep(m.backoff.Next()) {
			return
		}
	}
}

func (m *Manager) dial() (net.Conn, error) {
	ctx, cancel := context.WithTimeout(m.ctx, m.cfg.DialTimeout)
	defer cancel()

	var d net.Dialer
	return d.DialContext(ctx, "unix", m.cfg.SocketPath)
}

// tryLaunch starts the backend if the socket is absent or refusing and a
// launcher is configured. It reports whether a fresh process was spawned.
func (m *Manager) tryLaunch(dialErr error) bool {
	if m.launcher == nil {
		return false
	}
	if !errors.Is(dialErr, syscall.ENOENT) && !errors.Is(dialErr, syscall.ECONNREFUSED) {
		return false
	}

	spawned, err := m.launcher.Ensure(m.ctx)
	if err != nil {
		m.logger.Warn("backend_launch_failed", cxerrors.FormatForLog(err)...)
		return false
	}
	return spawned
}

// sleep waits for d, a wake-up, or shutdown. It returns false on shutdown.
func (m *Manager) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-m.wakeCh:
		return true
	case <-m.ctx.Done():
		return false
	}
}

// serve runs one connection lifetime: reader, writer, and a closer that
// unblocks the reader once either side stops.
func (m *Manager) serve(conn net.Conn) error {
	g, gctx := errgroup.WithContext(m.ctx)

	var inflight *semaphore.Weighted
	if m.cfg.MaxInFlight > 0 {
		inflight = semaphore.NewWeighted(int64(m.cfg.MaxInFlight))
	}

	g.Go(func() error { return m.readLoop(conn) })
	g.Go(func() error { return m.writeLoop(gctx, conn, inflight) })
	g.Go(func() error { return m.watchAbandoned(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		_ = conn.Close()
		return nil
	})

	return g.Wait()
}

// writeLoop is the only writer on conn.
func (m *Manager) writeLoop(ctx context.Context, conn net.Conn, inflight *semaphore.Weighted) error {
	for {
		var msg outbound
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg = <-m.outbox:
		}

		release := func() {}
		if inflight != nil {
			// On failure the call is still registered and is failed with the connection.
			if err := inflight.Acquire(ctx, 1); err != nil {
				return err
			}
			release = func() { inflight.Release(1) }
		}

		if !m.registry.MarkSent(msg.id, release) {
			// Timed out or cancelled while queued.
			continue
		}

		if err := conn.SetWriteDeadline(time.Now().Add(m.cfg.CallTimeout)); err != nil {
			return cxerrors.ConnectionLost("set write deadline", err)
		}
		if _, err := conn.Write(msg.frame); err != nil {
			return cxerrors.ConnectionLost("write failed", err)
		}
	}
}

// watchAbandoned ends the session when a request that was given up on has
// gone unanswered for a further CallTimeout. Without ids its tombstone pins the
// arrival order, and it may hold the only in-flight slot.
func (m *Manager) watchAbandoned(ctx context.Context) error {
	interval := m.cfg.CallTimeout / 4
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if wait := m.registry.OldestAbandoned(); wait > m.cfg.CallTimeout {
				return cxerrors.ConnectionLost("backend stopped answering",
					cxerrors.New(cxerrors.ErrCodeTimeout,
						fmt.Sprintf("abandoned request unanswered for %s", wait.Round(time.Millisecond)), nil))
			}
		}
	}
}

// readLoop owns the read buffer. It accumulates bytes, extracts complete
// frames, and hands each decoded response to the registry.
func (m *Manager) readLoop(conn net.Conn) error {
	buf := make([]byte, 0, m.cfg.ReadBufferSize)
	chunk := make([]byte, m.cfg.ReadBufferSize)
	malformedRun := 0

	for {
		n, err := conn.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)

			frames, rest := ExtractFrames(buf)
			for _, frame := range frames {
				resp, derr := Decode(frame)
				if derr != nil {
					m.malformed.Add(1)
					malformedRun++
					m.logger.Warn("malformed_frame_dropped",
						append(cxerrors.FormatForLog(derr), slog.String("frame", preview(frame)))...)
					if malformedRun >= m.cfg.MaxMalformedFrames {
						return cxerrors.ConnectionLost("too many malformed frames", derr)
					}
					continue
				}
				malformedRun = 0

				if rerr := m.registry.Resolve(resp); rerr != nil {
					m.logger.Warn("response_dropped", cxerrors.FormatForLog(rerr)...)
				}
			}

			buf = append(buf[:0], rest...)
			if len(buf) > m.cfg.MaxFrameBytes {
				return cxerrors.ConnectionLost("frame too large",
					cxerrors.New(cxerrors.ErrCodeFrameTooLarge, "response frame exceeds limit", nil))
			}
		}

		if err != nil {
			if errors.Is(err, io.EOF) {
				return cxerrors.ConnectionLost("backend closed the connection", err)
			}
			return cxerrors.ConnectionLost("read failed", err)
		}
	}
}

// watchSocket wakes the supervisor when the socket file is (re)created.
func (m *Manager) watchSocket() {
	defer m.wg.Done()

	w, err := fsnotify.NewWatcher()
	if err != nil {
		m.logger.Debug("socket_watch_unavailable", slog.String("error", err.Error()))
		return
	}
	defer w.Close()

	socketPath := filepath.Clean(m.cfg.SocketPath)
	if err := w.Add(filepath.Dir(socketPath)); err != nil {
		m.logger.Debug("socket_watch_unavailable", slog.String("error", err.Error()))
		return
	}

	for {
		select {
		case <-m.ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) == socketPath && ev.Has(fsnotify.Create) {
				m.logger.Debug("socket_created", slog.String("socket", socketPath))
				m.nudge()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			m.logger.Debug("socket_watch_error", slog.String("error", err.Error()))
		}
	}
}

// preview shortens a frame for logging.
func preview(frame []byte) string {
	const max = 200
	if len(frame) > max {
		return string(frame[:max]) + "..."
	}
	return string(frame)
}
