package backend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
)

// Handler answers one backend request.
type Handler interface {
	ServeBackend(ctx context.Context, req Request) Response
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req Request) Response

// ServeBackend calls f(ctx, req).
func (f HandlerFunc) ServeBackend(ctx context.Context, req Request) Response {
	return f(ctx, req)
}

// OKResponse builds a successful response carrying data.
func OKResponse(data any) Response {
	raw, err := json.Marshal(data)
	if err != nil {
		return ErrorResponse(fmt.Sprintf("cannot encode result: %v", err))
	}
	return Response{Status: StatusOK, Data: raw}
}

// ErrorResponse builds an error response.
func ErrorResponse(message string) Response {
	return Response{Status: StatusError, Message: message}
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithEchoIDs controls whether responses carry the request id. Without it the
// client falls back to arrival-order correlation. Default: true.
func WithEchoIDs(echo bool) ServerOption {
	return func(s *Server) { s.echoIDs = echo }
}

// WithConcurrentRequests handles the requests of one connection in parallel,
// so responses may be written out of order.
func WithConcurrentRequests() ServerOption {
	return func(s *Server) { s.concurrent = true }
}

// WithServerLogger sets the server's logger.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = logger }
}

// Server speaks the backend protocol on a Unix socket. It lets front-end code
// and tests run against an in-process backend.
type Server struct {
	socketPath string
	handler    Handler
	echoIDs    bool
	concurrent bool
	logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	shutdown bool
	wg       sync.WaitGroup
}

// NewServer creates a server that dispatches every request to handler.
func NewServer(socketPath string, handler Handler, opts ...ServerOption) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		socketPath: socketPath,
		handler:    handler,
		echoIDs:    true,
		logger:     slog.Default(),
		ctx:        ctx,
		cancel:     cancel,
		conns:      make(map[net.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Listen binds the socket, replacing a stale socket file.
func (s *Server) Listen() error {
	_ = os.Remove(s.socketPath)

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.socketPath, err)
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.logger.Info("backend_listening", slog.String("socket", s.socketPath))
	return nil
}

// Serve accepts connections until ctx is cancelled or Close is called.
// Listen must have succeeded first.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	listener := s.listener
	s.mu.Unlock()
	if listener == nil {
		return errors.New("server is not listening")
	}

	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	defer stop()

	for {
		conn, err := listener.Accept()
		if err != nil {
			s.mu.Lock()
			shutdown := s.shutdown
			s.mu.Unlock()
			if shutdown {
				return ctx.Err()
			}
			s.logger.Error("accept_failed", slog.String("error", err.Error()))
			continue
		}

		s.mu.Lock()
		if s.shutdown {
			s.mu.Unlock()
			_ = conn.Close()
			return ctx.Err()
		}
		s.conns[conn] = struct{}{}
		s.wg.Add(1)
		s.mu.Unlock()

		go func() {
			defer s.wg.Done()
			s.handleConnection(conn)
		}()
	}
}

// ListenAndServe binds the socket and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// DropConnections closes every open client connection but keeps listening.
// It returns the number of connections closed.
func (s *Server) DropConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.conns)
	for conn := range s.conns {
		_ = conn.Close()
		delete(s.conns, conn)
	}
	return n
}

// Close stops accepting, drops all connections and removes the socket file.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	listener := s.listener
	for conn := range s.conns {
		_ = conn.Close()
		delete(s.conns, conn)
	}
	s.mu.Unlock()

	s.cancel()

	var err error
	if listener != nil {
		err = listener.Close()
	}
	s.wg.Wait()
	_ = os.Remove(s.socketPath)
	return err
}

// handleConnection reads newline-delimited requests until the peer hangs up.
func (s *Server) handleConnection(conn net.Conn) {
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		_ = conn.Close()
	}()

	var (
		writeMu  sync.Mutex
		inflight sync.WaitGroup
	)
	defer inflight.Wait()

	write := func(resp Response) {
		data, err := json.Marshal(resp)
		if err != nil {
			s.logger.Warn("response_encode_failed", slog.String("error", err.Error()))
			return
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		_, _ = conn.Write(append(data, frameDelimiter))
	}

	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadBytes(frameDelimiter)
		if len(line) > 0 && line[len(line)-1] == frameDelimiter {
			s.dispatch(line, write, &inflight)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.logger.Debug("connection_read_failed", slog.String("error", err.Error()))
			}
			return
		}
	}
}

func (s *Server) dispatch(line []byte, write func(Response), inflight *sync.WaitGroup) {
	if len(bytes.TrimSpace(line)) == 0 {
		return
	}

	var req Request
	if err := json.Unmarshal(line, &req); err != nil || req.Method == "" {
		write(ErrorResponse("invalid request"))
		return
	}

	handle := func() {
		resp := s.handler.ServeBackend(s.ctx, req)
		if s.echoIDs {
			resp.ID = req.ID
		} else {
			resp.ID = ""
		}
		write(resp)
	}

	if !s.concurrent {
		handle()
		return
	}
	inflight.Add(1)
	go func() {
		defer inflight.Done()
		handle()
	}()
}
