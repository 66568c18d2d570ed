// Package backend is the client side of the search backend protocol.
// The backend is a long-running process reached over a Unix socket; this
// package keeps one persistent connection to it, frames and correlates
// newline-delimited JSON requests, and reconnects when the backend goes away.
package backend

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DefaultSocketPath is where the backend listens unless configured otherwise.
const DefaultSocketPath = "/tmp/contextual.sock"

// Config holds configuration for the backend client.
type Config struct {
	// SocketPath is the Unix domain socket the backend listens on.
	// Default: /tmp/contextual.sock
	SocketPath string

	// DialTimeout bounds a single connection attempt.
	// Default: 2s
	DialTimeout time.Duration

	// CallTimeout is the maximum wait for one call, including time spent
	// queued while disconnected.
	// Default: 30s
	CallTimeout time.Duration

	// QueueWhileDisconnected makes calls issued while not Ready wait for the
	// connection instead of failing fast with NotConnected.
	// Default: true
	QueueWhileDisconnected bool

	// QueueSize is the capacity of the outbound queue.
	// Default: 256
	QueueSize int

	// MaxInFlight bounds written-but-unanswered requests per connection.
	// 1 forces one outstanding request at a time; 0 means unlimited.
	// Default: 0
	MaxInFlight int

	// SendIDs attaches a correlation id to every request.
	// Default: true
	SendIDs bool

	// MaxFrameBytes is the largest response frame accepted.
	// Default: 16 MiB
	MaxFrameBytes int

	// MaxMalformedFrames is how many consecutive undecodable frames are
	// tolerated before the connection is treated as lost.
	// Default: 8
	MaxMalformedFrames int

	// ReadBufferSize is the size of a single socket read.
	// Default: 64 KiB
	ReadBufferSize int

	// BackoffMin, BackoffMax and BackoffMultiplier shape the reconnect delay.
	// Default: 500ms, 10s, 2.0
	BackoffMin        time.Duration
	BackoffMax        time.Duration
	BackoffMultiplier float64

	// WatchSocket reconnects as soon as the socket file reappears.
	// Default: true
	WatchSocket bool

	// SummaryCacheSize is the number of summaries kept client-side; 0 disables the cache.
	// Default: 256
	SummaryCacheSize int

	// SummaryCacheTTL is how long a cached summary stays valid.
	// Default: 10m
	SummaryCacheTTL time.Duration

	// Launch configures starting the backend when it is not running.
	Launch LaunchConfig
}

// LaunchConfig configures backend auto-start.
type LaunchConfig struct {
	// Command is the backend executable; empty disables auto-start.
	Command string

	// Args are passed to Command.
	Args []string

	// PIDPath records the spawned backend's process ID.
	// Default: ~/.contextual/backend.pid
	PIDPath string

	// LockPath serializes spawning across front-end processes.
	// Default: ~/.contextual/backend.lock
	LockPath string

	// StartupTimeout bounds the wait for the socket to appear after spawning.
	// Default: 15s
	StartupTimeout time.Duration
}

// Enabled reports whether auto-start is configured.
func (l LaunchConfig) Enabled() bool {
	return l.Command != ""
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	stateDir := filepath.Join(home, ".contextual")

	return Config{
		SocketPath:             DefaultSocketPath,
		DialTimeout:            2 * time.Second,
		CallTimeout:            30 * time.Second,
		QueueWhileDisconnected: true,
		QueueSize:              256,
		MaxInFlight:            0,
		SendIDs:                true,
		MaxFrameBytes:          16 << 20,
		MaxMalformedFrames:     8,
		ReadBufferSize:         64 << 10,
		BackoffMin:             500 * time.Millisecond,
		BackoffMax:             10 * time.Second,
		BackoffMultiplier:      2.0,
		WatchSocket:            true,
		SummaryCacheSize:       256,
		SummaryCacheTTL:        10 * time.Minute,
		Launch: LaunchConfig{
			PIDPath:        filepath.Join(stateDir, "backend.pid"),
			LockPath:       filepath.Join(stateDir, "backend.lock"),
			StartupTimeout: 15 * time.Second,
		},
	}
}

// Validate checks that the configuration is valid.
func (c Config) Validate() error {
	if c.SocketPath == "" {
		return fmt.Errorf("socket path cannot be empty")
	}
	if c.DialTimeout <= 0 {
		return fmt.Errorf("dial timeout must be positive")
	}
	if c.CallTimeout <= 0 {
		return fmt.Errorf("call timeout must be positive")
	}
	if c.QueueSize <= 0 {
		return fmt.Errorf("queue size must be positive")
	}
	if c.MaxInFlight < 0 {
		return fmt.Errorf("max in-flight cannot be negative")
	}
	if c.MaxFrameBytes <= 0 {
		return fmt.Errorf("max frame bytes must be positive")
	}
	if c.MaxMalformedFrames <= 0 {
		return fmt.Errorf("max malformed frames must be positive")
	}
	if c.ReadBufferSize <= 0 {
		return fmt.Errorf("read buffer size must be positive")
	}
	if c.BackoffMin <= 0 || c.BackoffMax < c.BackoffMin {
		return fmt.Errorf("backoff must satisfy 0 < min <= max")
	}
	if c.BackoffMultiplier < 1 {
		return fmt.Errorf("backoff multiplier must be at least 1")
	}
	if c.SummaryCacheSize < 0 {
		return fmt.Errorf("summary cache size cannot be negative")
	}
	if c.Launch.Enabled() {
		if c.Launch.PIDPath == "" || c.Launch.LockPath == "" {
			return fmt.Errorf("launch requires pid and lock paths")
		}
		if c.Launch.StartupTimeout <= 0 {
			return fmt.Errorf("launch startup timeout must be positive")
		}
	}
	return nil
}
