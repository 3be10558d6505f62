//go:build e2e

package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/cloo-solutions/forensix/internal/testutil"
)

const (
	examiner    = "e2e-examiner"
	apiToken    = "e2e-token-0123456789"
	bucket      = "forensix-e2e"
	accessKey   = "rustfsadmin"
	secretKey   = "rustfsadmin"
	repoRootRel = "../.."
)

// E2ETestEnv holds all resources needed for E2E tests
type E2ETestEnv struct {
	T          *testing.T
	Ctx        context.Context
	PostgresC  *testutil.PostgresContainer
	RustFSC    *testutil.RustFSContainer
	ServerURL  string
	Server     *exec.Cmd
	ServerLog  *bytes.Buffer
	BinaryDir  string
	DataDir    string
	HTTPClient *http.Client
}

// SetupE2EEnv starts Postgres and RustFS, builds both binaries and runs forensixd serve
// against them.
func SetupE2EEnv(t *testing.T) *E2ETestEnv {
	ctx := context.Background()

	env := &E2ETestEnv{
		T:          t,
		Ctx:        ctx,
		PostgresC:  testutil.NewPostgresContainer(ctx, t),
		RustFSC:    testutil.NewRustFSContainer(ctx, t),
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}

	dataDir, err := os.MkdirTemp("", "forensix-e2e-data-*")
	if err != nil {
		t.Fatalf("failed to create data dir: %v", err)
	}
	env.DataDir = dataDir

	env.BuildBinaries()
	env.startServer()
	return env
}

// Cleanup releases all resources
func (e *E2ETestEnv) Cleanup() {
	e.stopServer()
	if e.RustFSC != nil {
		e.RustFSC.Terminate(e.Ctx)
	}
	if e.PostgresC != nil {
		e.PostgresC.Terminate(e.Ctx)
	}
	if e.BinaryDir != "" {
		os.RemoveAll(e.BinaryDir)
	}
	if e.DataDir != "" {
		os.RemoveAll(e.DataDir)
	}
}

// BuildBinaries builds the forensix and forensixd binaries
func (e *E2ETestEnv) BuildBinaries() {
	tmpDir, err := os.MkdirTemp("", "forensix-e2e-bin-*")
	if err != nil {
		e.T.Fatalf("failed to create temp dir: %v", err)
	}
	e.BinaryDir = tmpDir

	for _, name := range []string{"forensixd", "forensix"} {
		cmd := exec.Command("go", "build", "-o", filepath.Join(tmpDir, name), "./cmd/"+name)
		cmd.Dir = repoRootRel
		if out, err := cmd.CombinedOutput(); err != nil {
			e.T.Fatalf("failed to build %s: %v\n%s", name, err, out)
		}
	}
}

// LedgerPath is where the server under test keeps its custody ledger.
func (e *E2ETestEnv) LedgerPath() string {
	return filepath.Join(e.DataDir, "ledger.jsonl")
}

func (e *E2ETestEnv) serverEnv(port int) []string {
	return append(os.Environ(),
		fmt.Sprintf("FORENSIX_PORT=%d", port),
		"FORENSIX_DATA_ROOT="+filepath.Join(e.DataDir, "artifacts"),
		"FORENSIX_LEDGER_PATH="+e.LedgerPath(),
		"FORENSIX_DATABASE_URL="+e.PostgresC.ConnectionString(),
		"FORENSIX_S3_ENDPOINT="+e.RustFSC.Endpoint(),
		"FORENSIX_S3_ACCESS_KEY_ID="+accessKey,
		"FORENSIX_S3_SECRET_ACCESS_KEY="+secretKey,
		"FORENSIX_S3_BUCKET="+bucket,
		"FORENSIX_API_TOKENS="+examiner+":"+apiToken,
		"FORENSIX_WORKER_POLL_INTERVAL=100ms",
	)
}

func (e *E2ETestEnv) startServer() {
	port, err := getFreePort()
	if err != nil {
		e.T.Fatalf("failed to get free port: %v", err)
	}

	abs, err := filepath.Abs(repoRootRel)
	if err != nil {
		e.T.Fatalf("failed to resolve repo root: %v", err)
	}

	e.ServerLog = &bytes.Buffer{}
	cmd := exec.Command(filepath.Join(e.BinaryDir, "forensixd"), "serve")
	// Migrations resolve relative to the repository root.
	cmd.Dir = abs
	cmd.Env = e.serverEnv(port)
	cmd.Stdout = e.ServerLog
	cmd.Stderr = e.ServerLog
	if err := cmd.Start(); err != nil {
		e.T.Fatalf("failed to start forensixd: %v", err)
	}
	e.Server = cmd

	e.ServerURL = fmt.Sprintf("http://localhost:%d", port)
	if err := waitForServer(e.ServerURL, 60*time.Second); err != nil {
		e.stopServer()
		e.T.Fatalf("%v\nserver log:\n%s", err, e.ServerLog.String())
	}
}

func (e *E2ETestEnv) stopServer() {
	if e.Server == nil || e.Server.Process == nil {
		return
	}
	_ = e.Server.Process.Signal(syscall.SIGTERM)
	done := make(chan error, 1)
	go func() { done <- e.Server.Wait() }()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		_ = e.Server.Process.Kill()
		<-done
	}
	e.Server = nil
}

// RunForensix runs the client CLI against the server under test.
func (e *E2ETestEnv) RunForensix(workDir string, args ...string) (string, error) {
	cmd := exec.Command(filepath.Join(e.BinaryDir, "forensix"), args...)
	cmd.Dir = workDir
	cmd.Env = append(os.Environ(),
		"HOME="+workDir,
		"FORENSIX_API_TOKEN="+apiToken,
		"FORENSIX_API_URL="+e.ServerURL,
	)
	out, err := cmd.CombinedOutput()
	return string(out), err
}

// RunForensixd runs an offline forensixd subcommand against the server's data directory.
func (e *E2ETestEnv) RunForensixd(args ...string) (string, error) {
	cmd := exec.Command(filepath.Join(e.BinaryDir, "forensixd"), args...)
	cmd.Dir = e.DataDir
	cmd.Env = append(os.Environ(),
		"FORENSIX_DATA_ROOT="+filepath.Join(e.DataDir, "offline-artifacts"),
		"FORENSIX_LEDGER_PATH="+filepath.Join(e.DataDir, "offline-ledger.jsonl"),
	)
	out, err := cmd.CombinedOutput()
	return string(out), err
}

// APIResponse represents a standard API response
type APIResponse struct {
	Data  json.RawMessage `json:"data"`
	Error string          `json:"error,omitempty"`
}

// Get performs a GET request
func (e *E2ETestEnv) Get(path, authToken string) (*APIResponse, error) {
	return e.doRequest(http.MethodGet, path, authToken)
}

func (e *E2ETestEnv) doRequest(method, path, authToken string) (*APIResponse, error) {
	req, err := http.NewRequest(method, e.ServerURL+path, nil)
	if err != nil {
		return nil, err
	}
	if authToken != "" {
		req.Header.Set("Authorization", "Bearer "+authToken)
	}

	resp, err := e.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var apiResp APIResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		if resp.StatusCode >= 400 {
			return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(respBody))
		}
		return nil, err
	}

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, apiResp.Error)
	}

	return &apiResp, nil
}

// exitCode extracts the process exit status of a CLI run.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

func waitForServer(url string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		resp, err := http.Get(url + "/health")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("server did not start within %v", timeout)
}

func getFreePort() (int, error) {
	addr, err := net.ResolveTCPAddr("tcp", "localhost:0")
	if err != nil {
		return 0, err
	}

	l, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}
