package instances

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/previewlabs/previewd/auth"
	"github.com/previewlabs/previewd/loghub"
	"github.com/previewlabs/previewd/processes"
)

type stubChecker struct {
	err error
}

func (c stubChecker) Check(port int) error {
	return c.err
}

type fakeWorkspace struct {
	t            *testing.T
	mu           sync.Mutex
	materialized []string
	destroyed    []string
}

func (w *fakeWorkspace) Materialize(files map[string][]byte) (string, error) {
	dir := w.t.TempDir()
	w.mu.Lock()
	w.materialized = append(w.materialized, dir)
	w.mu.Unlock()
	return dir, nil
}

func (w *fakeWorkspace) lastMaterialized() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.materialized) == 0 {
		return ""
	}
	return w.materialized[len(w.materialized)-1]
}

func (w *fakeWorkspace) Destroy(dir string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.destroyed = append(w.destroyed, dir)
	return nil
}

func (w *fakeWorkspace) destroyCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.destroyed)
}

type testHarness struct {
	manager   *Manager
	allocator *processes.PortAllocator
	workspace *fakeWorkspace
}

func newTestManager(t *testing.T, checker processes.HealthChecker) *testHarness {
	t.Helper()

	allocator, err := processes.NewPortAllocator(42001, 42010)
	if err != nil {
		t.Fatal(err)
	}
	ws := &fakeWorkspace{t: t}

	m, err := NewManager(Config{
		PortAllocator:     allocator,
		Workspace:         ws,
		Issuer:            auth.NewIssuer([]byte("test-secret-key-test-secret-key!")),
		HealthChecker:     checker,
		Logger:            slog.New(slog.NewTextHandler(io.Discard, nil)),
		ProbeInterval:     20 * time.Millisecond,
		ProbeAttempts:     3,
		GracePeriod:       2 * time.Second,
		HistoryCapacity:   100,
		HeartbeatInterval: time.Minute,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(m.Shutdown)

	return &testHarness{manager: m, allocator: allocator, workspace: ws}
}

func waitForStatus(t *testing.T, m *Manager, id string, want Status) PreviewInstance {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		inst, err := m.Get(id)
		if err != nil {
			t.Fatal(err)
		}
		if inst.Status == want {
			return inst
		}
		time.Sleep(10 * time.Millisecond)
	}
	inst, _ := m.Get(id)
	t.Fatalf("instance %s never reached %s, last status %s (reason %q)", id, want, inst.Status, inst.Reason)
	return PreviewInstance{}
}

func TestLaunchStreamsProcessOutputInOrder(t *testing.T) {
	h := newTestManager(t, stubChecker{})

	inst, err := h.manager.Launch(LaunchRequest{
		Owner:   "alice",
		Command: []string{"/bin/sh", "-c", `sleep 0.3; echo "INFO: started"; echo "ERROR: boom" 1>&2; sleep 10`},
	})
	if err != nil {
		t.Fatal(err)
	}
	if inst.Status != StatusStarting {
		t.Errorf("initial status = %s, want starting", inst.Status)
	}
	if inst.Port < 42001 || inst.Port > 42010 {
		t.Errorf("port %d outside configured range", inst.Port)
	}
	if inst.Token == "" {
		t.Error("expected a capability token")
	}

	sub, err := h.manager.Subscribe(inst.ID)
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()

	// Collect the two process lines. System entries and heartbeats may be
	// interleaved.
	var got []loghub.Entry
	timeout := time.After(5 * time.Second)
	for len(got) < 2 {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				t.Fatalf("stream closed early, got %d process entries", len(got))
			}
			if ev.Heartbeat || ev.Entry.Source == "system" {
				continue
			}
			got = append(got, ev.Entry)
		case <-timeout:
			t.Fatalf("timed out waiting for process output, got %d entries", len(got))
		}
	}

	if got[0].Message != "INFO: started" || got[0].Level != processes.LevelInfo || got[0].Source != "stdout" {
		t.Errorf("first entry = %+v", got[0])
	}
	if got[1].Message != "ERROR: boom" || got[1].Level != processes.LevelError || got[1].Source != "stderr" {
		t.Errorf("second entry = %+v", got[1])
	}
	if got[1].Seq <= got[0].Seq {
		t.Errorf("sequence numbers not increasing: %d then %d", got[0].Seq, got[1].Seq)
	}

	waitForStatus(t, h.manager, inst.ID, StatusRunning)
	if err := h.manager.Stop(inst.ID); err != nil {
		t.Fatal(err)
	}
}

func TestLaunchRequiresCommand(t *testing.T) {
	h := newTestManager(t, stubChecker{})
	if _, err := h.manager.Launch(LaunchRequest{Owner: "alice"}); err == nil {
		t.Error("expected error for empty command")
	}
}

func TestFailedProbeReleasesResources(t *testing.T) {
	h := newTestManager(t, stubChecker{err: errors.New("connection refused")})

	inst, err := h.manager.Launch(LaunchRequest{
		Owner:   "alice",
		Command: []string{"/bin/sh", "-c", "sleep 30"},
	})
	if err != nil {
		t.Fatal(err)
	}

	final := waitForStatus(t, h.manager, inst.ID, StatusFailed)
	if !strings.Contains(final.Reason, "health probe failed after 3 attempts") {
		t.Errorf("reason = %q", final.Reason)
	}
	if final.StoppedAt.IsZero() {
		t.Error("StoppedAt not set on failed instance")
	}

	if h.allocator.IsAllocated(inst.Port) {
		t.Errorf("port %d still allocated after failure", inst.Port)
	}
	if h.workspace.destroyCount() != 1 {
		t.Errorf("workspace destroyed %d times, want 1", h.workspace.destroyCount())
	}

	// The failure reason is visible in the retained history.
	history, err := h.manager.History(inst.ID, 100)
	if err != nil {
		t.Fatal(err)
	}
	var sawReason bool
	for _, entry := range history {
		if entry.Level == processes.LevelError && strings.Contains(entry.Message, "health probe failed") {
			sawReason = true
		}
	}
	if !sawReason {
		t.Errorf("failure reason missing from history: %+v", history)
	}
}

func TestEarlyExitDuringStartupFails(t *testing.T) {
	h := newTestManager(t, stubChecker{err: errors.New("connection refused")})

	inst, err := h.manager.Launch(LaunchRequest{
		Owner:   "alice",
		Command: []string{"/bin/sh", "-c", "exit 7"},
	})
	if err != nil {
		t.Fatal(err)
	}

	final := waitForStatus(t, h.manager, inst.ID, StatusFailed)
	if final.Reason == "" {
		t.Error("expected a failure reason")
	}
	if h.allocator.IsAllocated(inst.Port) {
		t.Errorf("port %d still allocated", inst.Port)
	}
}

func TestSpawnFailureReturnsError(t *testing.T) {
	h := newTestManager(t, stubChecker{})

	inst, err := h.manager.Launch(LaunchRequest{
		Owner:   "alice",
		Command: []string{"/nonexistent/previewd-test-binary"},
	})
	if err == nil {
		t.Fatal("expected spawn error")
	}
	if inst.Status != StatusFailed {
		t.Errorf("status = %s, want failed", inst.Status)
	}
	if h.allocator.IsAllocated(inst.Port) {
		t.Errorf("port %d leaked after spawn failure", inst.Port)
	}
}

func TestStopEndsStreamAndTransitionsToStopped(t *testing.T) {
	h := newTestManager(t, stubChecker{})

	inst, err := h.manager.Launch(LaunchRequest{
		Owner:   "alice",
		Command: []string{"/bin/sh", "-c", "sleep 30"},
	})
	if err != nil {
		t.Fatal(err)
	}
	waitForStatus(t, h.manager, inst.ID, StatusRunning)

	sub, err := h.manager.Subscribe(inst.ID)
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()

	if err := h.manager.Stop(inst.ID); err != nil {
		t.Fatal(err)
	}

	// The subscriber sees the closing system entry, then the stream ends.
	var sawStopped, streamEnded bool
	timeout := time.After(5 * time.Second)
	for !streamEnded {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				streamEnded = true
				break
			}
			if !ev.Heartbeat && ev.Entry.Message == "instance stopped" {
				sawStopped = true
			}
		case <-timeout:
			t.Fatal("stream did not end after stop")
		}
	}
	if !sawStopped {
		t.Error("missing 'instance stopped' entry before stream close")
	}

	final := waitForStatus(t, h.manager, inst.ID, StatusStopped)
	if final.StoppedAt.IsZero() {
		t.Error("StoppedAt not set")
	}
	if final.PID != 0 {
		t.Errorf("terminal snapshot still reports PID %d", final.PID)
	}
	if h.allocator.IsAllocated(inst.Port) {
		t.Errorf("port %d still allocated after stop", inst.Port)
	}

	// Idempotent: a second stop is a no-op.
	if err := h.manager.Stop(inst.ID); err != nil {
		t.Errorf("second Stop returned %v", err)
	}
}

// exitDuringProbeChecker makes the child exit while the health probe is in
// flight and then reports healthy, so the exit lands between a successful
// probe and the running transition.
type exitDuringProbeChecker struct {
	ws *fakeWorkspace
}

func (c *exitDuringProbeChecker) Check(port int) error {
	dir := c.ws.lastMaterialized()
	if err := os.WriteFile(filepath.Join(dir, "stop"), nil, 0644); err != nil {
		return err
	}
	// Give the child time to notice the file and die before the probe
	// result is acted on.
	time.Sleep(500 * time.Millisecond)
	return nil
}

func TestExitDuringProbeMarksFailed(t *testing.T) {
	checker := &exitDuringProbeChecker{}
	h := newTestManager(t, checker)
	checker.ws = h.workspace

	inst, err := h.manager.Launch(LaunchRequest{
		Owner:   "alice",
		Command: []string{"/bin/sh", "-c", "while [ ! -f stop ]; do sleep 0.05; done"},
	})
	if err != nil {
		t.Fatal(err)
	}

	final := waitForStatus(t, h.manager, inst.ID, StatusFailed)
	if !strings.Contains(final.Reason, "exited unexpectedly") {
		t.Errorf("reason = %q", final.Reason)
	}
	if h.allocator.IsAllocated(inst.Port) {
		t.Errorf("port %d still allocated", inst.Port)
	}
}

func TestTeardownBeforeProcessAttached(t *testing.T) {
	h := newTestManager(t, stubChecker{})
	m := h.manager

	port, err := h.allocator.Allocate()
	if err != nil {
		t.Fatal(err)
	}

	// An instance as Launch registers it: in the registry, port held, no
	// supervisor or capturer attached yet.
	mi := &managedInstance{
		id:     "half-launched",
		owner:  "alice",
		port:   port,
		status: StatusStarting,
		hub:    loghub.NewHub(loghub.Config{Capacity: 10, IdleInterval: time.Minute}),
	}
	m.mu.Lock()
	m.instances[mi.id] = mi
	m.mu.Unlock()

	if err := m.Stop(mi.id); err != nil {
		t.Fatal(err)
	}
	if got := mi.getStatus(); got != StatusStopped {
		t.Errorf("status = %s, want stopped", got)
	}
	if h.allocator.IsAllocated(port) {
		t.Errorf("port %d still allocated", port)
	}
}

func TestConcurrentLaunchAndStop(t *testing.T) {
	h := newTestManager(t, stubChecker{})

	stopSpam := make(chan struct{})
	var spamWg sync.WaitGroup
	spamWg.Add(1)
	go func() {
		defer spamWg.Done()
		for {
			select {
			case <-stopSpam:
				return
			default:
			}
			for _, inst := range h.manager.List() {
				h.manager.Stop(inst.ID)
			}
		}
	}()

	var ids []string
	var ports []int
	for i := 0; i < 8; i++ {
		inst, err := h.manager.Launch(LaunchRequest{
			Owner:   "alice",
			Command: []string{"/bin/sh", "-c", "sleep 30"},
		})
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, inst.ID)
		ports = append(ports, inst.Port)
	}
	close(stopSpam)
	spamWg.Wait()

	h.manager.Shutdown()

	// However the races landed, every instance must end terminal with its
	// port released.
	for i, id := range ids {
		inst, err := h.manager.Get(id)
		if err != nil {
			t.Fatal(err)
		}
		if !inst.Status.Terminal() {
			t.Errorf("instance %s status = %s, want terminal", id, inst.Status)
		}
		if h.allocator.IsAllocated(ports[i]) {
			t.Errorf("port %d leaked", ports[i])
		}
	}
}

func TestStopUnknownInstance(t *testing.T) {
	h := newTestManager(t, stubChecker{})
	if err := h.manager.Stop("no-such-id"); !errors.Is(err, ErrInstanceNotFound) {
		t.Errorf("err = %v, want ErrInstanceNotFound", err)
	}
}

func TestLookupRunning(t *testing.T) {
	h := newTestManager(t, stubChecker{})

	if _, _, err := h.manager.LookupRunning("no-such-id"); !errors.Is(err, ErrInstanceNotFound) {
		t.Errorf("unknown id: err = %v", err)
	}

	inst, err := h.manager.Launch(LaunchRequest{
		Owner:   "alice",
		Command: []string{"/bin/sh", "-c", "sleep 30"},
	})
	if err != nil {
		t.Fatal(err)
	}
	waitForStatus(t, h.manager, inst.ID, StatusRunning)

	addr, token, err := h.manager.LookupRunning(inst.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(addr, "127.0.0.1") {
		t.Errorf("addr = %q", addr)
	}
	if token != inst.Token {
		t.Error("token does not match the issued capability token")
	}

	if err := h.manager.Stop(inst.ID); err != nil {
		t.Fatal(err)
	}
	waitForStatus(t, h.manager, inst.ID, StatusStopped)

	// A stopped instance is not routable.
	if _, _, err := h.manager.LookupRunning(inst.ID); !errors.Is(err, ErrInstanceNotFound) {
		t.Errorf("stopped instance: err = %v, want ErrInstanceNotFound", err)
	}
}

func TestSubscribeAfterStopYieldsClosedStream(t *testing.T) {
	h := newTestManager(t, stubChecker{})

	inst, err := h.manager.Launch(LaunchRequest{
		Owner:   "alice",
		Command: []string{"/bin/sh", "-c", "sleep 30"},
	})
	if err != nil {
		t.Fatal(err)
	}
	waitForStatus(t, h.manager, inst.ID, StatusRunning)
	if err := h.manager.Stop(inst.ID); err != nil {
		t.Fatal(err)
	}
	waitForStatus(t, h.manager, inst.ID, StatusStopped)

	sub, err := h.manager.Subscribe(inst.ID)
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()
	select {
	case _, ok := <-sub.C:
		if ok {
			t.Error("expected closed channel for stopped instance")
		}
	case <-time.After(time.Second):
		t.Error("subscription to stopped instance did not close")
	}
}

func TestSweepStopsExpiredInstances(t *testing.T) {
	h := newTestManager(t, stubChecker{})

	expiring, err := h.manager.Launch(LaunchRequest{
		Owner:   "alice",
		Command: []string{"/bin/sh", "-c", "sleep 30"},
		TTL:     100 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	durable, err := h.manager.Launch(LaunchRequest{
		Owner:   "alice",
		Command: []string{"/bin/sh", "-c", "sleep 30"},
		TTL:     time.Hour,
	})
	if err != nil {
		t.Fatal(err)
	}
	waitForStatus(t, h.manager, expiring.ID, StatusRunning)
	waitForStatus(t, h.manager, durable.ID, StatusRunning)

	h.manager.SweepExpired(time.Now().Add(time.Second))

	waitForStatus(t, h.manager, expiring.ID, StatusStopped)
	if got, _ := h.manager.Get(durable.ID); got.Status != StatusRunning {
		t.Errorf("unexpired instance status = %s, want running", got.Status)
	}
}

func TestListFiltersNothing(t *testing.T) {
	h := newTestManager(t, stubChecker{})

	a, err := h.manager.Launch(LaunchRequest{Owner: "alice", Command: []string{"/bin/sh", "-c", "sleep 30"}})
	if err != nil {
		t.Fatal(err)
	}
	b, err := h.manager.Launch(LaunchRequest{Owner: "bob", Command: []string{"/bin/sh", "-c", "sleep 30"}})
	if err != nil {
		t.Fatal(err)
	}

	seen := map[string]bool{}
	for _, inst := range h.manager.List() {
		seen[inst.ID] = true
	}
	if !seen[a.ID] || !seen[b.ID] {
		t.Errorf("List missing instances: %v", seen)
	}
}
