package backend

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	cxerrors "github.com/Aman-CERP/contextual/internal/errors"
)

// Outcome is the single resolution of a pending call: either a successful
// Response or an error (backend error, timeout, connection loss, cancellation).
type Outcome struct {
	Response *Response
	Err      error
}

type pendingCall struct {
	method string
	done   chan Outcome // buffered(1); written exactly once
	timer  *time.Timer
	sent   bool
}

// sentEntry is one written request awaiting its response, in write order.
type sentEntry struct {
	id      string
	release func()
	// abandoned is when the call timed out or was cancelled; zero while live.
	abandoned time.Time
}

// Registry maps correlation ids to the callers waiting on them.
//
// Every mutation happens under one mutex, and a pending entry is removed in
// the same critical section that delivers its outcome, so each call is
// resolved exactly once whichever of response, timeout, cancellation or
// connection failure gets there first.
//
// Responses that carry an id are matched by id. Responses without one are
// matched to the oldest written request. Calls that time out or are
// cancelled after being written keep their slot in that order as a
// tombstone, so a late response is dropped instead of reaching the next caller.
// Once the backend has echoed an id, abandoned calls are dropped from that
// order right away: their late responses are matched by id instead.
type Registry struct {
	logger  *slog.Logger
	timeout time.Duration
	newID   func() string

	mu      sync.Mutex
	pending map[string]*pendingCall
	sent    []sentEntry
	closed  bool
	echoed  bool

	timeouts atomic.Int64
	unknown  atomic.Int64
}

// NewRegistry creates a registry whose calls expire after timeout unless
// Register is given a shorter budget.
func NewRegistry(timeout time.Duration, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:  logger,
		timeout: timeout,
		newID:   newCorrelationID,
		pending: make(map[string]*pendingCall),
	}
}

// Register allocates a correlation id and the channel its outcome will be
// delivered on. A non-positive timeout uses the registry default.
func (r *Registry) Register(method string, timeout time.Duration) (string, <-chan Outcome, error) {
	if timeout <= 0 {
		timeout = r.timeout
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return "", nil, cxerrors.New(cxerrors.ErrCodeClientClosed, "client is closed", nil)
	}

	id := r.newID()
	for r.pending[id] != nil {
		id = r.newID()
	}

	call := &pendingCall{
		method: method,
		done:   make(chan Outcome, 1),
	}
	call.timer = time.AfterFunc(timeout, func() { r.Expire(id) })
	r.pending[id] = call

	return id, call.done, nil
}

// MarkSent records that the request for id is about to be written, placing
// it in the arrival-order queue. It returns false when the call is no longer
// pending, in which case the request must not be written. release is called
// exactly once, when the entry leaves the queue (or immediately on false).
func (r *Registry) MarkSent(id string, release func()) bool {
	if release == nil {
		release = func() {}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	call := r.pending[id]
	if call == nil || r.closed {
		release()
		return false
	}
	call.sent = true
	r.sent = append(r.sent, sentEntry{id: id, release: release})
	return true
}

// Resolve delivers resp to the caller waiting on its correlation id. A
// status "error" response is delivered as a BackendError. An unknown id,
// already resolved or expired, yields an UnknownCorrelation error and the
// response is dropped.
func (r *Registry) Resolve(resp *Response) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := resp.ID
	if id == "" {
		if len(r.sent) == 0 {
			r.unknown.Add(1)
			return cxerrors.New(cxerrors.ErrCodeUnknownCorrelation,
				"response without id while no request is in flight", nil)
		}
		head := r.sent[0]
		r.sent = r.sent[1:]
		head.release()
		id = head.id
	} else {
		r.echoed = true
		r.dropSentLocked(id)
	}

	call := r.pending[id]
	if call == nil {
		r.unknown.Add(1)
		return cxerrors.New(cxerrors.ErrCodeUnknownCorrelation,
			"response for a call that is no longer pending", nil).WithDetail("id", id)
	}
	delete(r.pending, id)
	call.timer.Stop()

	outcome := Outcome{Response: resp}
	if !resp.OK() {
		outcome.Err = cxerrors.BackendError(resp.Message)
	}
	call.done <- outcome
	return nil
}

// FailAll resolves every pending call with err and empties the registry.
// It returns the number of calls failed.
func (r *Registry) FailAll(err error) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failAllLocked(err)
}

// Expire fails the call with a Timeout error if it is still pending.
func (r *Registry) Expire(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	call := r.removeLocked(id)
	if call == nil {
		return false
	}
	r.timeouts.Add(1)
	r.logger.Debug("call_expired", slog.String("id", id), slog.String("method", call.method))
	call.done <- Outcome{Err: cxerrors.Timeout(call.method)}
	return true
}

// Cancel removes the call without waiting for its response. Anyone still
// waiting on it receives context.Canceled.
func (r *Registry) Cancel(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	call := r.removeLocked(id)
	if call == nil {
		return false
	}
	call.done <- Outcome{Err: context.Canceled}
	return true
}

// Close fails every pending call with err and rejects further registrations.
func (r *Registry) Close(err error) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return r.failAllLocked(err)
}

// Len returns the number of pending calls.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// InFlight returns the number of written requests still awaiting a response,
// tombstones included.
func (r *Registry) InFlight() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

// OldestAbandoned returns how long the oldest tombstone has been waiting for
// its response, or 0 when there is none.
func (r *Registry) OldestAbandoned() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	var oldest time.Time
	for _, entry := range r.sent {
		if !entry.abandoned.IsZero() && (oldest.IsZero() || entry.abandoned.Before(oldest)) {
			oldest = entry.abandoned
		}
	}
	if oldest.IsZero() {
		return 0
	}
	return time.Since(oldest)
}

// Timeouts returns how many calls have expired.
func (r *Registry) Timeouts() int64 {
	return r.timeouts.Load()
}

// Unknown returns how many responses matched no pending call.
func (r *Registry) Unknown() int64 {
	return r.unknown.Load()
}

// removeLocked deletes a pending call. A written call leaves its arrival-order
// slot behind as a tombstone unless the backend echoes ids.
func (r *Registry) removeLocked(id string) *pendingCall {
	call := r.pending[id]
	if call == nil {
		return nil
	}
	delete(r.pending, id)
	call.timer.Stop()

	if call.sent {
		if r.echoed {
			r.dropSentLocked(id)
		} else {
			r.abandonSentLocked(id)
		}
	}
	return call
}

func (r *Registry) abandonSentLocked(id string) {
	for i := range r.sent {
		if r.sent[i].id == id {
			r.sent[i].abandoned = time.Now()
			return
		}
	}
}

func (r *Registry) dropSentLocked(id string) {
	for i, entry := range r.sent {
		if entry.id == id {
			entry.release()
			r.sent = append(r.sent[:i], r.sent[i+1:]...)
			return
		}
	}
}

func (r *Registry) failAllLocked(err error) int {
	n := len(r.pending)
	for id, call := range r.pending {
		call.timer.Stop()
		call.done <- Outcome{Err: err}
		delete(r.pending, id)
	}
	for _, entry := range r.sent {
		entry.release()
	}
	r.sent = nil
	r.echoed = false
	return n
}
