package backend

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	cxerrors "github.com/Aman-CERP/contextual/internal/errors"
	"github.com/Aman-CERP/contextual/internal/telemetry"
)

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the client's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Client is the front-end's handle on the backend. It is safe for
// concurrent use; all calls share one connection.
type Client struct {
	cfg       Config
	logger    *slog.Logger
	registry  *Registry
	manager   *Manager
	launcher  *Launcher
	summaries *expirable.LRU[string, string]
	metrics   *telemetry.CallMetrics
}

// New creates a client. The connection is opened lazily on the first call,
// or eagerly with Connect.
func New(cfg Config, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, cxerrors.ConfigError("invalid backend configuration", err)
	}

	c := &Client{
		cfg:     cfg,
		logger:  slog.Default(),
		metrics: telemetry.NewCallMetrics(telemetry.DefaultRecentFailures),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.registry = NewRegistry(cfg.CallTimeout, c.logger)
	if cfg.Launch.Enabled() {
		c.launcher = NewLauncher(cfg.Launch, cfg.SocketPath, c.logger)
	}
	c.manager = NewManager(cfg, c.registry, c.launcher, c.logger)

	if cfg.SummaryCacheSize > 0 {
		c.summaries = expirable.NewLRU[string, string](cfg.SummaryCacheSize, nil, cfg.SummaryCacheTTL)
	}
	return c, nil
}

// Connect starts the connection manager and waits until it is Ready.
func (c *Client) Connect(ctx context.Context) error {
	c.manager.Start()
	return c.manager.WaitReady(ctx)
}

// Call sends method with params and waits for the matching response. It
// returns the response payload on status "ok"; a status "error" response
// becomes a BackendError carrying the backend's message.
func (c *Client) Call(ctx context.Context, method string, params map[string]any) (json.RawMessage, error) {
	resp, err := c.do(ctx, method, params)
	if err != nil {
		return nil, err
	}
	return resp.Result(), nil
}

// Start sends a request without waiting for its response.
//
// When queueing is disabled and the connection is not Ready it fails with
// NotConnected; call Connect first in that mode.
func (c *Client) Start(ctx context.Context, method string, params map[string]any) (*Pending, error) {
	if method == "" {
		return nil, cxerrors.ValidationError("method is required", nil)
	}

	c.manager.Start()
	if !c.cfg.QueueWhileDisconnected && c.manager.State() != StateReady {
		c.manager.nudge()
		return nil, cxerrors.New(cxerrors.ErrCodeNotConnected, "backend is not connected", nil).
			WithDetail("method", method)
	}

	id, done, err := c.registry.Register(method, 0)
	if err != nil {
		return nil, err
	}

	req := Request{Method: method, Params: params}
	if c.cfg.SendIDs {
		req.ID = id
	}
	frame, err := Encode(req)
	if err != nil {
		c.registry.Cancel(id)
		return nil, err
	}

	p := &Pending{
		id:       id,
		method:   method,
		done:     done,
		registry: c.registry,
		metrics:  c.metrics,
		started:  time.Now(),
	}

	c.manager.nudge()
	select {
	case c.manager.outbox <- outbound{id: id, frame: frame}:
	case out := <-done:
		// Resolved while the queue was full (timeout or close).
		p.early = &out
	case <-ctx.Done():
		c.registry.Cancel(id)
		return nil, ctx.Err()
	}

	c.logger.Debug("call_started", slog.String("id", id), slog.String("method", method))
	return p, nil
}

// Status returns a snapshot of the connection.
func (c *Client) Status() Status {
	return c.manager.Status()
}

// Metrics returns a snapshot of per-method call counts, latencies and failures.
func (c *Client) Metrics() telemetry.Snapshot {
	return c.metrics.Snapshot()
}

// Launcher returns the backend launcher, or nil when auto-start is disabled.
func (c *Client) Launcher() *Launcher {
	return c.launcher
}

// Close closes the connection. Pending calls fail with ClientClosed.
func (c *Client) Close() error {
	return c.manager.Close()
}

func (c *Client) do(ctx context.Context, method string, params map[string]any) (*Response, error) {
	p, err := c.Start(ctx, method, params)
	if err != nil {
		return nil, err
	}
	return p.Wait(ctx)
}

// Pending is a request that has been sent (or queued) but not yet answered.
type Pending struct {
	id       string
	method   string
	done     <-chan Outcome
	registry *Registry
	early    *Outcome
	metrics  *telemetry.CallMetrics
	started  time.Time
}

// ID returns the call's correlation id.
func (p *Pending) ID() string {
	return p.id
}

// Method returns the call's method.
func (p *Pending) Method() string {
	return p.method
}

// Wait blocks until the call resolves or ctx is done. It must be called at
// most once. If ctx ends first the call is cancelled and a late response is
// discarded.
func (p *Pending) Wait(ctx context.Context) (*Response, error) {
	if p.early != nil {
		return p.finish(p.early.Response, p.early.Err)
	}

	select {
	case out := <-p.done:
		return p.finish(out.Response, out.Err)
	case <-ctx.Done():
		if !p.registry.Cancel(p.id) {
			// Resolved concurrently; the outcome is already buffered.
			out := <-p.done
			return p.finish(out.Response, out.Err)
		}
		return p.finish(nil, ctx.Err())
	}
}

func (p *Pending) finish(resp *Response, err error) (*Response, error) {
	if p.metrics == nil {
		return resp, err
	}
	ev := telemetry.CallEvent{Method: p.method, Latency: time.Since(p.started)}
	if err != nil {
		if ev.ErrCode = cxerrors.GetCode(err); ev.ErrCode == "" {
			ev.ErrCode = err.Error()
		}
	}
	p.metrics.Record(ev)
	return resp, err
}

// Cancel abandons the call. It reports whether the call was still pending.
func (p *Pending) Cancel() bool {
	return p.registry.Cancel(p.id)
}
