package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/contextual/internal/backend"
	cxerrors "github.com/Aman-CERP/contextual/internal/errors"
)

var socketSeq atomic.Int64

// isolateCLI keeps config, logs and PID files inside temp directories.
func isolateCLI(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(home, ".config"))
	for _, key := range []string{
		"CONTEXTUAL_SOCKET", "CONTEXTUAL_CALL_TIMEOUT", "CONTEXTUAL_QUEUE_WHILE_DISCONNECTED",
		"CONTEXTUAL_MAX_IN_FLIGHT", "CONTEXTUAL_BACKEND_COMMAND", "CONTEXTUAL_SUMMARY_CACHE_SIZE",
		"CONTEXTUAL_LOG_LEVEL",
	} {
		t.Setenv(key, "")
	}
	t.Setenv("CONTEXTUAL_DIAL_TIMEOUT", "300ms")
	t.Setenv("CONTEXTUAL_LOG_FILE", filepath.Join(home, "client.log"))
	return home
}

func cliSocketPath(t *testing.T) string {
	t.Helper()
	// Unix socket paths are length-limited; t.TempDir() can exceed it.
	path := fmt.Sprintf("/tmp/contextual-cli-%d-%d.sock", os.Getpid(), socketSeq.Add(1))
	t.Cleanup(func() { _ = os.Remove(path) })
	return path
}

// stubBackend records requests and answers through respond.
type stubBackend struct {
	socket string

	mu       sync.Mutex
	requests []backend.Request
	respond  func(req backend.Request) backend.Response
}

func newStubBackend(t *testing.T, respond func(req backend.Request) backend.Response) *stubBackend {
	t.Helper()
	stub := &stubBackend{socket: cliSocketPath(t), respond: respond}

	srv := backend.NewServer(stub.socket, backend.HandlerFunc(func(_ context.Context, req backend.Request) backend.Response {
		stub.mu.Lock()
		stub.requests = append(stub.requests, req)
		stub.mu.Unlock()
		return stub.respond(req)
	}))
	require.NoError(t, srv.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = srv.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		_ = srv.Close()
	})
	return stub
}

func (s *stubBackend) last(method string) (backend.Request, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.requests) - 1; i >= 0; i-- {
		if s.requests[i].Method == method {
			return s.requests[i], true
		}
	}
	return backend.Request{}, false
}

func runCLI(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(new(bytes.Buffer))
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := cmd.ExecuteContext(ctx)
	teardown()
	return buf.String(), err
}

func okResponse(data any) backend.Response {
	return backend.OKResponse(data)
}

// =============================================================================
// Root and version
// =============================================================================

func TestRootCmd_ShowsHelp(t *testing.T) {
	isolateCLI(t)

	out, err := runCLI(t, "", "--help")

	require.NoError(t, err)
	for _, name := range []string{"ping", "search", "ls", "summary", "details", "index", "status", "backend", "config", "logs", "version"} {
		assert.Contains(t, out, name)
	}
}

func TestVersionCmd_Short(t *testing.T) {
	isolateCLI(t)

	out, err := runCLI(t, "", "version", "--short")

	require.NoError(t, err)
	assert.Equal(t, "dev\n", out)
}

func TestVersionCmd_JSON(t *testing.T) {
	isolateCLI(t)

	out, err := runCLI(t, "", "version", "--json")

	require.NoError(t, err)
	var info map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &info))
	assert.Equal(t, "dev", info["version"])
}

func TestRootCmd_InvalidConfigFails(t *testing.T) {
	isolateCLI(t)
	t.Setenv("CONTEXTUAL_CALL_TIMEOUT", "never")

	_, err := runCLI(t, "", "version")

	require.Error(t, err)
	assert.Equal(t, cxerrors.ErrCodeConfigInvalid, cxerrors.GetCode(err))
}

// =============================================================================
// Backend calls
// =============================================================================

func TestPingCmd(t *testing.T) {
	isolateCLI(t)
	stub := newStubBackend(t, func(backend.Request) backend.Response { return okResponse("pong") })

	out, err := runCLI(t, "", "--socket", stub.socket, "ping")

	require.NoError(t, err)
	assert.Contains(t, out, "Backend is alive")
	assert.Contains(t, out, `"pong"`)
}

func TestPingCmd_NoBackend_ReportsConnectFailure(t *testing.T) {
	isolateCLI(t)

	_, err := runCLI(t, "", "--socket", cliSocketPath(t), "ping")

	require.Error(t, err)
	assert.True(t, cxerrors.GetCode(err) == cxerrors.ErrCodeConnectFailure, "got %v", err)
}

func TestSearchCmd_KeepsHighlightMarkersWhenPiped(t *testing.T) {
	isolateCLI(t)
	stub := newStubBackend(t, func(backend.Request) backend.Response {
		return okResponse([]map[string]any{{"path": "/a/b.py", "snippet": "def <b>auth</b>()"}})
	})

	out, err := runCLI(t, "", "--socket", stub.socket, "search", "auth", "handler", "--ai")

	require.NoError(t, err)
	assert.Contains(t, out, "/a/b.py")
	assert.Contains(t, out, "def <b>auth</b>()")

	req, ok := stub.last(backend.MethodSearch)
	require.True(t, ok)
	assert.Equal(t, "auth handler", req.Params["query"])
	assert.Equal(t, true, req.Params["use_ai"])
	assert.NotContains(t, req.Params, "root_path")
}

func TestSearchCmd_JSONAndRoot(t *testing.T) {
	isolateCLI(t)
	stub := newStubBackend(t, func(backend.Request) backend.Response {
		return okResponse([]map[string]any{
			{"path": "/r/one.go", "tech_stack": "Go"},
			{"path": "/r/two.go"},
		})
	})
	root := t.TempDir()

	out, err := runCLI(t, "", "--socket", stub.socket, "search", "x", "--root", root, "--json", "-n", "1")

	require.NoError(t, err)
	var rows []backend.FileRow
	require.NoError(t, json.Unmarshal([]byte(out), &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, "/r/one.go", rows[0].Path)

	req, _ := stub.last(backend.MethodSearch)
	assert.Equal(t, root, req.Params["root_path"])
	assert.Equal(t, false, req.Params["use_ai"])
}

func TestSearchCmd_NoResults(t *testing.T) {
	isolateCLI(t)
	stub := newStubBackend(t, func(backend.Request) backend.Response { return okResponse([]any{}) })

	out, err := runCLI(t, "", "--socket", stub.socket, "search", "nothing")

	require.NoError(t, err)
	assert.Contains(t, out, "No results")
}

func TestSearchCmd_BackendError(t *testing.T) {
	isolateCLI(t)
	stub := newStubBackend(t, func(backend.Request) backend.Response {
		return backend.ErrorResponse("index not ready")
	})

	_, err := runCLI(t, "", "--socket", stub.socket, "search", "auth")

	require.Error(t, err)
	assert.ErrorIs(t, err, cxerrors.ErrBackend)
	assert.Contains(t, err.Error(), "index not ready")
}

func TestListCmd_SendsAbsolutePathAndMarksFolders(t *testing.T) {
	isolateCLI(t)
	stub := newStubBackend(t, func(backend.Request) backend.Response {
		return okResponse([]map[string]any{
			{"path": "/p/src", "kind": "folder"},
			{"path": "/p/main.go", "kind": "file", "size": 2048},
		})
	})
	dir := t.TempDir()

	out, err := runCLI(t, "", "--socket", stub.socket, "ls", dir)

	require.NoError(t, err)
	assert.Contains(t, out, "/p/src/\n")
	assert.Contains(t, out, "/p/main.go  (2.0 KB)")

	req, _ := stub.last(backend.MethodListFolder)
	assert.Equal(t, dir, req.Params["path"])
}

func TestSummaryGetCmd(t *testing.T) {
	isolateCLI(t)
	stub := newStubBackend(t, func(req backend.Request) backend.Response {
		if req.Params["path"] == "/missing" {
			return backend.ErrorResponse("not found")
		}
		resp := okResponse("A tidy file.")
		resp.Source = "db"
		return resp
	})

	out, err := runCLI(t, "", "--socket", stub.socket, "summary", "get", "/docs/readme.md", "--json")
	require.NoError(t, err)
	var got map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, "A tidy file.", got["summary"])
	assert.Equal(t, "db", got["source"])

	_, err = runCLI(t, "", "--socket", stub.socket, "summary", "get", "/missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, cxerrors.ErrBackend)
	assert.Contains(t, err.Error(), "not found")
}

func TestSummaryRefineCmd_SavesRefinedText(t *testing.T) {
	isolateCLI(t)
	stub := newStubBackend(t, func(req backend.Request) backend.Response {
		switch req.Method {
		case backend.MethodGetSummary:
			return okResponse("A long and winding summary.")
		case backend.MethodRefineSummary:
			return okResponse("Short summary.")
		default:
			return okResponse(nil)
		}
	})

	out, err := runCLI(t, "", "--socket", stub.socket, "summary", "refine", "/f.txt", "make", "it", "short", "--save")

	require.NoError(t, err)
	assert.Contains(t, out, "Short summary.")
	assert.Contains(t, out, "Summary saved")

	refine, ok := stub.last(backend.MethodRefineSummary)
	require.True(t, ok)
	assert.Equal(t, "A long and winding summary.", refine.Params["current_summary"])
	assert.Equal(t, "make it short", refine.Params["instruction"])

	save, ok := stub.last(backend.MethodSaveSummary)
	require.True(t, ok)
	assert.Equal(t, "/f.txt", save.Params["path"])
	assert.Equal(t, "Short summary.", save.Params["summary"])
}

func TestSummarySaveCmd_ReadsStdin(t *testing.T) {
	isolateCLI(t)
	stub := newStubBackend(t, func(backend.Request) backend.Response { return okResponse(nil) })

	out, err := runCLI(t, "Written by hand.\n", "--socket", stub.socket, "summary", "save", "/f.txt", "-")

	require.NoError(t, err)
	assert.Contains(t, out, "Summary saved for /f.txt")
	req, _ := stub.last(backend.MethodSaveSummary)
	assert.Equal(t, "Written by hand.", req.Params["summary"])
}

func TestSummarySaveCmd_EmptyIsRejected(t *testing.T) {
	isolateCLI(t)

	_, err := runCLI(t, "  \n", "--socket", cliSocketPath(t), "summary", "save", "/f.txt", "-")

	require.Error(t, err)
	assert.ErrorIs(t, err, cxerrors.ErrInvalidInput)
}

func TestSummaryGenerateCmd(t *testing.T) {
	isolateCLI(t)
	stub := newStubBackend(t, func(backend.Request) backend.Response { return okResponse("Fresh summary.") })

	out, err := runCLI(t, "", "--socket", stub.socket, "summary", "generate", "/f.txt")

	require.NoError(t, err)
	assert.Equal(t, "Fresh summary.\n", out)
	_, ok := stub.last(backend.MethodSummarizeFile)
	assert.True(t, ok)
}

func TestDetailsCmd(t *testing.T) {
	isolateCLI(t)
	stub := newStubBackend(t, func(backend.Request) backend.Response {
		return okResponse(map[string]any{
			"tech_stack":     "Go, SQL",
			"search_context": "matches <b>auth</b>",
			"created":        "2024-01-01",
		})
	})

	out, err := runCLI(t, "", "--socket", stub.socket, "details", "/src/auth.go", "--query", "auth")

	require.NoError(t, err)
	assert.Contains(t, out, "Go, SQL")
	assert.Contains(t, out, "2024-01-01")
	assert.Contains(t, out, "matches <b>auth</b>")

	req, _ := stub.last(backend.MethodGetExpandedDetails)
	assert.Equal(t, "auth", req.Params["query"])
}

func TestIndexCmd(t *testing.T) {
	isolateCLI(t)
	stub := newStubBackend(t, func(backend.Request) backend.Response {
		return backend.Response{Status: backend.StatusOK, Message: "Indexing started"}
	})
	dir := t.TempDir()

	out, err := runCLI(t, "", "--socket", stub.socket, "index", dir)

	require.NoError(t, err)
	assert.Contains(t, out, "Indexing started")
	req, _ := stub.last(backend.MethodIndexFolder)
	assert.Equal(t, dir, req.Params["path"])
}

// =============================================================================
// Status and backend management
// =============================================================================

func TestStatusCmd_Connected(t *testing.T) {
	isolateCLI(t)
	stub := newStubBackend(t, func(backend.Request) backend.Response { return okResponse("pong") })

	out, err := runCLI(t, "", "--socket", stub.socket, "status", "--json")

	require.NoError(t, err)
	var report map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	conn := report["connection"].(map[string]any)
	assert.Equal(t, "ready", conn["state"])
	assert.Equal(t, stub.socket, conn["socket_path"])
	assert.NotEmpty(t, report["ping_latency"])
	calls := report["calls"].(map[string]any)
	assert.Equal(t, float64(1), calls["total_calls"])
}

func TestStatusCmd_PrometheusOutput(t *testing.T) {
	isolateCLI(t)
	stub := newStubBackend(t, func(backend.Request) backend.Response { return okResponse("pong") })

	out, err := runCLI(t, "", "--socket", stub.socket, "status", "--prometheus")

	require.NoError(t, err)
	assert.Contains(t, out, `contextual_backend_calls_total{method="ping"} 1`)
}

func TestStatusCmd_NoBackend(t *testing.T) {
	isolateCLI(t)
	socket := cliSocketPath(t)

	out, err := runCLI(t, "", "--socket", socket, "status")

	require.NoError(t, err)
	assert.Contains(t, out, "Backend not reachable at "+socket)
	assert.Contains(t, out, "auto-start:")
}

func TestBackendStartCmd_NotConfigured(t *testing.T) {
	isolateCLI(t)

	_, err := runCLI(t, "", "--socket", cliSocketPath(t), "backend", "start")

	require.Error(t, err)
	assert.Equal(t, cxerrors.ErrCodeLaunchFailed, cxerrors.GetCode(err))
}

func TestBackendStartCmd_AlreadyRunning(t *testing.T) {
	isolateCLI(t)
	t.Setenv("CONTEXTUAL_BACKEND_COMMAND", "/bin/false")
	stub := newStubBackend(t, func(backend.Request) backend.Response { return okResponse(nil) })

	out, err := runCLI(t, "", "--socket", stub.socket, "backend", "start")

	require.NoError(t, err)
	assert.Contains(t, out, "already running")
}

func TestBackendStatusCmd_JSON(t *testing.T) {
	isolateCLI(t)
	stub := newStubBackend(t, func(backend.Request) backend.Response { return okResponse(nil) })

	out, err := runCLI(t, "", "--socket", stub.socket, "backend", "status", "--json")

	require.NoError(t, err)
	var st backend.LauncherStatus
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.True(t, st.SocketAlive)
	assert.False(t, st.Running)
	assert.Equal(t, "closed", st.Breaker)
}

func TestBackendStopCmd_NotRunning(t *testing.T) {
	isolateCLI(t)

	out, err := runCLI(t, "", "--socket", cliSocketPath(t), "backend", "stop")

	require.NoError(t, err)
	assert.Contains(t, out, "not running")
}

// =============================================================================
// Config and logs
// =============================================================================

func TestConfigInitAndShow(t *testing.T) {
	home := isolateCLI(t)
	configPath := filepath.Join(home, ".config", "contextual", "config.yaml")

	// Given: no user config
	out, err := runCLI(t, "", "config", "show", "--source", "user")
	require.NoError(t, err)
	assert.Contains(t, out, "No user configuration file found")

	// When: initialising
	out, err = runCLI(t, "", "config", "init")
	require.NoError(t, err)
	assert.Contains(t, out, "Created user configuration")
	assert.FileExists(t, configPath)

	// Then: a second init without --force leaves it alone
	out, err = runCLI(t, "", "config", "init")
	require.NoError(t, err)
	assert.Contains(t, out, "already exists")

	// And: user settings survive a forced rewrite, with a backup kept
	require.NoError(t, os.WriteFile(configPath, []byte("backend:\n  socket_path: /tmp/mine.sock\n"), 0644))
	out, err = runCLI(t, "", "config", "init", "--force")
	require.NoError(t, err)
	assert.Contains(t, out, "Backup:")

	out, err = runCLI(t, "", "config", "show", "--source", "user", "--json")
	require.NoError(t, err)
	var cfg map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &cfg))
	be := cfg["backend"].(map[string]any)
	assert.Equal(t, "/tmp/mine.sock", be["socket_path"])
	assert.Equal(t, "30s", be["call_timeout"])
}

func TestConfigShow_InvalidSource(t *testing.T) {
	isolateCLI(t)

	_, err := runCLI(t, "", "config", "show", "--source", "project")

	require.Error(t, err)
}

func TestConfigPathCmd(t *testing.T) {
	home := isolateCLI(t)

	out, err := runCLI(t, "", "config", "path")

	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".config", "contextual", "config.yaml")+"\n", out)
}

func TestLogsCmd_TailsAndFilters(t *testing.T) {
	home := isolateCLI(t)
	logPath := filepath.Join(home, "viewed.log")
	lines := []string{
		`{"time":"2024-05-01T10:00:00Z","level":"DEBUG","msg":"dial"}`,
		`{"time":"2024-05-01T10:00:01Z","level":"INFO","msg":"backend_state","state":"ready"}`,
		`{"time":"2024-05-01T10:00:02Z","level":"WARN","msg":"response_dropped"}`,
	}
	require.NoError(t, os.WriteFile(logPath, []byte(strings.Join(lines, "\n")+"\n"), 0644))

	out, err := runCLI(t, "", "logs", "--file", logPath, "--level", "info")
	require.NoError(t, err)
	assert.NotContains(t, out, "dial")
	assert.Contains(t, out, "backend_state state=ready")
	assert.Contains(t, out, "response_dropped")

	out, err = runCLI(t, "", "logs", "--file", logPath, "--grep", "state")
	require.NoError(t, err)
	assert.Contains(t, out, "backend_state")
	assert.NotContains(t, out, "response_dropped")
}

func TestLogsCmd_InvalidPattern(t *testing.T) {
	isolateCLI(t)

	_, err := runCLI(t, "", "logs", "--grep", "(")

	require.Error(t, err)
}

// =============================================================================
// Validate
// =============================================================================

func TestValidateCmd_ReportsTiers(t *testing.T) {
	home := isolateCLI(t)
	stub := newStubBackend(t, func(req backend.Request) backend.Response {
		if req.Params["query"] == "login" {
			return okResponse([]map[string]any{{"path": "/repo/auth/login.go"}})
		}
		return okResponse([]any{})
	})
	queries := filepath.Join(home, "queries.yaml")
	require.NoError(t, os.WriteFile(queries, []byte(`
tier1:
  - {id: T1-Q1, name: login, query: login, expected: [auth/login.go]}
negative:
  - {id: N-1, query: "zzz"}
`), 0644))

	out, err := runCLI(t, "", "--socket", stub.socket, "validate", queries)

	require.NoError(t, err)
	assert.Contains(t, out, "T1-Q1 login (rank 1)")
	assert.Contains(t, out, "1/1")
}

func TestValidateCmd_FailsOnMiss(t *testing.T) {
	home := isolateCLI(t)
	stub := newStubBackend(t, func(backend.Request) backend.Response {
		return okResponse([]map[string]any{{"path": "/repo/other.go"}})
	})
	queries := filepath.Join(home, "queries.yaml")
	require.NoError(t, os.WriteFile(queries, []byte(`
tier1:
  - {id: T1-Q1, query: login, expected: [auth/login.go]}
`), 0644))

	out, err := runCLI(t, "", "--socket", stub.socket, "validate", queries, "--json")

	require.Error(t, err)
	var report struct {
		Results []struct {
			Passed     bool     `json:"passed"`
			TopResults []string `json:"top_results"`
		} `json:"results"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	require.Len(t, report.Results, 1)
	assert.False(t, report.Results[0].Passed)
	assert.Equal(t, []string{"/repo/other.go"}, report.Results[0].TopResults)
}

func TestValidateCmd_MissingFile(t *testing.T) {
	isolateCLI(t)

	_, err := runCLI(t, "", "validate", "/nonexistent/queries.yaml")

	require.Error(t, err)
}
