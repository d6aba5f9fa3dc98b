// Package e2e exercises the built benchd binary over HTTP: boot, catalog
// seeding, the full run lifecycle, and the uncertainty resolution flow.
package e2e

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

const (
	startupTimeout = 10 * time.Second
	pollInterval   = 50 * time.Millisecond
	runTimeout     = 15 * time.Second
)

// lockedBuffer is a thread-safe wrapper around bytes.Buffer.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (lb *lockedBuffer) Write(p []byte) (int, error) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.buf.Write(p)
}

func (lb *lockedBuffer) String() string {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.buf.String()
}

// serverProc holds the running daemon subprocess and its output.
type serverProc struct {
	cmd    *exec.Cmd
	stdout *lockedBuffer
	url    string
}

var (
	builtBinary string
	buildOnce   sync.Once
	buildErr    error
)

func getBinary(t *testing.T) string {
	t.Helper()
	buildOnce.Do(func() {
		dir, err := os.MkdirTemp("", "benchd-e2e-*")
		if err != nil {
			buildErr = err
			return
		}
		binary := filepath.Join(dir, "benchd")
		cmd := exec.Command("go", "build", "-o", binary, "./cmd/benchd")
		cmd.Dir = findRepoRoot(t)
		out, err := cmd.CombinedOutput()
		if err != nil {
			buildErr = fmt.Errorf("go build failed: %w\n%s", err, out)
			return
		}
		builtBinary = binary
	})
	if buildErr != nil {
		t.Fatal(buildErr)
	}
	return builtBinary
}

func findRepoRoot(t *testing.T) string {
	t.Helper()
	dir, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatal("could not find repo root")
		}
		dir = parent
	}
}

// startServer boots a fresh daemon on a free port with its own database,
// seeded from testdata. Fast poll intervals keep the tests snappy.
func startServer(t *testing.T, binary string) *serverProc {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	protocolDir, err := filepath.Abs("testdata/protocols")
	if err != nil {
		t.Fatalf("resolve protocol dir: %v", err)
	}
	assetFile, err := filepath.Abs("testdata/assets.yaml")
	if err != nil {
		t.Fatalf("resolve asset file: %v", err)
	}

	stdout := &lockedBuffer{}
	cmd := exec.Command(binary, "serve")
	cmd.Env = append(os.Environ(),
		"BENCHD_LISTEN_ADDR="+addr,
		"BENCHD_DB_PATH="+dbPath,
		"BENCHD_LOG_LEVEL=info",
		"BENCHD_WORKERS=2",
		"BENCHD_LEASE_TTL=2s",
		"BENCHD_POLL_INTERVAL=25ms",
		"BENCHD_RETRY_INTERVAL=100ms",
		"BENCHD_PROTOCOL_DIR="+protocolDir,
		"BENCHD_ASSET_FILE="+assetFile,
	)
	cmd.Stdout = stdout
	cmd.Stderr = stdout

	if err := cmd.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}

	sp := &serverProc{
		cmd:    cmd,
		stdout: stdout,
		url:    "http://" + addr,
	}

	t.Cleanup(func() {
		cmd.Process.Kill()
		cmd.Wait()
	})

	deadline := time.Now().Add(startupTimeout)
	for time.Now().Before(deadline) {
		resp, err := http.Get(sp.url + "/healthz")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == 200 {
				return sp
			}
		}
		time.Sleep(pollInterval)
	}
	t.Fatalf("server did not become ready within %v\nstdout:\n%s", startupTimeout, stdout.String())
	return nil
}

// postJSON posts a JSON body and decodes the JSON response.
func postJSON(t *testing.T, url, body string, wantStatus int) map[string]any {
	t.Helper()
	resp, err := http.Post(url, "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != wantStatus {
		t.Fatalf("POST %s status = %d, want %d\nbody: %s", url, resp.StatusCode, wantStatus, raw)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("decode response from %s: %v\nbody: %s", url, err, raw)
	}
	return out
}

// getJSON fetches a URL and decodes the JSON response.
func getJSON(t *testing.T, url string) map[string]any {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != 200 {
		t.Fatalf("GET %s status = %d\nbody: %s", url, resp.StatusCode, raw)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("decode response from %s: %v\nbody: %s", url, err, raw)
	}
	return out
}

// waitForRunStatus polls the run until it reaches the wanted status. Reaching
// a different terminal status fails immediately.
func waitForRunStatus(t *testing.T, sp *serverProc, runID, want string) map[string]any {
	t.Helper()
	terminal := map[string]bool{"completed": true, "failed": true, "cancelled": true}
	deadline := time.Now().Add(runTimeout)
	for time.Now().Before(deadline) {
		run := getJSON(t, sp.url+"/v1/runs/"+runID)
		status, _ := run["status"].(string)
		if status == want {
			return run
		}
		if terminal[status] {
			t.Fatalf("run %s reached %q while waiting for %q (error=%v)", runID, status, want, run["error"])
		}
		time.Sleep(pollInterval)
	}
	t.Fatalf("run %s did not reach %q within %v\nserver output:\n%s", runID, want, runTimeout, sp.stdout.String())
	return nil
}

// boundPlate extracts the asset ID bound to the protocol's plate slot.
func boundPlate(t *testing.T, state map[string]any) string {
	t.Helper()
	bindings, ok := state["bindings"].(map[string]any)
	if !ok {
		t.Fatalf("state missing bindings: %v", state)
	}
	ids, ok := bindings["plate"].([]any)
	if !ok || len(ids) != 1 {
		t.Fatalf("plate slot bindings = %v, want one asset", bindings["plate"])
	}
	id, _ := ids[0].(string)
	return id
}

func TestServerBootsWithSeededCatalog(t *testing.T) {
	binary := getBinary(t)
	sp := startServer(t, binary)

	health := getJSON(t, sp.url+"/healthz")
	if health["status"] != "ok" {
		t.Errorf("healthz status = %v, want ok", health["status"])
	}

	protocols := getJSON(t, sp.url+"/v1/protocols")
	defs, _ := protocols["protocols"].([]any)
	if len(defs) != 2 {
		t.Errorf("got %d protocols, want 2 from seed dir", len(defs))
	}

	assets := getJSON(t, sp.url+"/v1/assets")
	items, _ := assets["assets"].([]any)
	if len(items) != 2 {
		t.Errorf("got %d assets, want 2 from seed file", len(items))
	}

	drivers := getJSON(t, sp.url+"/v1/drivers")
	regs, _ := drivers["drivers"].([]any)
	if len(regs) != 1 {
		t.Fatalf("got %d drivers, want 1", len(regs))
	}

	resp, err := http.Get(sp.url + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "benchd_http_requests_total") {
		t.Error("metrics output missing benchd_http_requests_total")
	}
}

func TestRunLifecycleCompletes(t *testing.T) {
	binary := getBinary(t)
	sp := startServer(t, binary)

	created := postJSON(t, sp.url+"/v1/runs", `{"protocol_id":"plate-transfer"}`, 202)
	runID, _ := created["id"].(string)
	if len(runID) != 26 {
		t.Fatalf("id = %v, expected 26-char ULID", created["id"])
	}

	run := waitForRunStatus(t, sp, runID, "completed")
	if step, _ := run["current_step"].(float64); int(step) != 3 {
		t.Errorf("current_step = %v, want 3", run["current_step"])
	}

	stateResp := getJSON(t, sp.url+"/v1/runs/"+runID+"/state")
	state, _ := stateResp["state"].(map[string]any)
	plate := boundPlate(t, state)

	snap, ok := state["snapshot."+plate].(map[string]any)
	if !ok {
		t.Fatalf("state missing snapshot for %s: %v", plate, state)
	}
	if snap["well_a"] != 150.0 || snap["well_b"] != 50.0 {
		t.Errorf("final snapshot = %v, want well_a=150 well_b=50", snap)
	}

	output, ok := state["output.2"].(map[string]any)
	if !ok {
		t.Fatalf("state missing read output: %v", state)
	}
	if output["value"] != 50.0 {
		t.Errorf("read output = %v, want value=50", output)
	}

	log := getJSON(t, sp.url+"/v1/runs/"+runID+"/log")
	events, _ := log["events"].([]any)
	kinds := make(map[string]bool)
	for _, e := range events {
		ev, _ := e.(map[string]any)
		kind, _ := ev["kind"].(string)
		kinds[kind] = true
	}
	for _, want := range []string{"submitted", "admitted", "step_started", "step_finished", "completed"} {
		if !kinds[want] {
			t.Errorf("audit log missing %q event, got %v", want, kinds)
		}
	}
}

func TestAmbiguousFailureResolvedOverHTTP(t *testing.T) {
	binary := getBinary(t)
	sp := startServer(t, binary)

	created := postJSON(t, sp.url+"/v1/runs", `{"protocol_id":"dispense-fault"}`, 202)
	runID, _ := created["id"].(string)

	run := waitForRunStatus(t, sp, runID, "awaiting_resolution")
	if step, _ := run["current_step"].(float64); int(step) != 1 {
		t.Errorf("current_step = %v, want 1 (failed step not advanced)", run["current_step"])
	}

	uncertainties := getJSON(t, sp.url+"/v1/runs/"+runID+"/uncertainties")
	changes, _ := uncertainties["changes"].([]any)
	if len(changes) != 2 {
		t.Fatalf("got %d uncertain changes, want 2 from the effect contract", len(changes))
	}

	var resolutions []string
	for _, c := range changes {
		change, _ := c.(map[string]any)
		id, _ := change["id"].(string)
		resolutions = append(resolutions,
			fmt.Sprintf(`{"change_id":%q,"resolution":"confirmed_success","resolved_by":"e2e"}`, id))
	}
	postJSON(t, sp.url+"/v1/runs/"+runID+"/resolutions",
		`{"resolutions":[`+strings.Join(resolutions, ",")+`]}`, 200)

	postJSON(t, sp.url+"/v1/runs/"+runID+"/commands",
		`{"command":"resume","issued_by":"e2e"}`, 202)

	waitForRunStatus(t, sp, runID, "completed")

	// Confirmed success applied the declared deltas; the verify step read
	// the post-resolution state.
	stateResp := getJSON(t, sp.url+"/v1/runs/"+runID+"/state")
	state, _ := stateResp["state"].(map[string]any)
	plate := boundPlate(t, state)
	snap, ok := state["snapshot."+plate].(map[string]any)
	if !ok {
		t.Fatalf("state missing snapshot for %s: %v", plate, state)
	}
	if snap["well_a"] != 150.0 || snap["well_b"] != 50.0 {
		t.Errorf("final snapshot = %v, want well_a=150 well_b=50", snap)
	}
}

func TestStructuredRequestLogs(t *testing.T) {
	binary := getBinary(t)
	sp := startServer(t, binary)

	resp, err := http.Get(sp.url + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	resp.Body.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if strings.Contains(sp.stdout.String(), `"msg":"request"`) {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	scanner := bufio.NewScanner(strings.NewReader(sp.stdout.String()))
	foundRequestLog := false
	for scanner.Scan() {
		var entry map[string]any
		if err := json.Unmarshal([]byte(scanner.Text()), &entry); err != nil {
			continue
		}
		if msg, ok := entry["msg"].(string); ok && msg == "request" {
			foundRequestLog = true
			for _, key := range []string{"method", "path", "status", "duration_ms"} {
				if _, ok := entry[key]; !ok {
					t.Errorf("request log missing field %q", key)
				}
			}
		}
	}
	if !foundRequestLog {
		t.Errorf("no structured request log found in stdout\noutput:\n%s", sp.stdout.String())
	}
}
