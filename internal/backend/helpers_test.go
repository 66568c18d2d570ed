package backend

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var socketSeq atomic.Int64

// testSocketPath returns a unique socket path. Unix socket paths are length
// limited, so these live directly under /tmp rather than t.TempDir().
func testSocketPath(t *testing.T) string {
	t.Helper()
	socketPath := filepath.Join("/tmp", fmt.Sprintf("contextual-test-%d-%d.sock", os.Getpid(), socketSeq.Add(1)))
	t.Cleanup(func() { _ = os.Remove(socketPath) })
	return socketPath
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testConfig returns a config tuned for fast tests.
func testConfig(socketPath string) Config {
	cfg := DefaultConfig()
	cfg.SocketPath = socketPath
	cfg.DialTimeout = 500 * time.Millisecond
	cfg.CallTimeout = 2 * time.Second
	cfg.BackoffMin = 20 * time.Millisecond
	cfg.BackoffMax = 100 * time.Millisecond
	cfg.WatchSocket = false
	cfg.Launch = LaunchConfig{}
	return cfg
}

func newTestClient(t *testing.T, cfg Config) *Client {
	t.Helper()
	c, err := New(cfg, WithLogger(quietLogger()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// startServer runs an in-process backend on socketPath.
func startServer(t *testing.T, socketPath string, h Handler, opts ...ServerOption) *Server {
	t.Helper()
	opts = append([]ServerOption{WithServerLogger(quietLogger())}, opts...)
	srv := NewServer(socketPath, h, opts...)
	require.NoError(t, srv.Listen())
	go func() { _ = srv.Serve(context.Background()) }()
	t.Cleanup(func() { _ = srv.Close() })
	return srv
}

// rawBackend accepts one connection at a time and hands it to the test, for
// scenarios that need byte-level control over what the client reads.
func rawBackend(t *testing.T, socketPath string) <-chan net.Conn {
	t.Helper()
	_ = os.Remove(socketPath)
	ln, err := net.Listen("unix", socketPath)
	require.NoError(t, err)

	conns := make(chan net.Conn, 4)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conns <- conn
		}
	}()
	t.Cleanup(func() { _ = ln.Close() })
	return conns
}

func acceptConn(t *testing.T, conns <-chan net.Conn) net.Conn {
	t.Helper()
	select {
	case conn := <-conns:
		t.Cleanup(func() { _ = conn.Close() })
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("client did not connect")
		return nil
	}
}

func connectClient(t *testing.T, c *Client) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx))
}

// echoHandler answers every method with its params.
func echoHandler() Handler {
	return HandlerFunc(func(_ context.Context, req Request) Response {
		return OKResponse(req.Params)
	})
}
