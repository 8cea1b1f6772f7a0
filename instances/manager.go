// Package instances orchestrates preview instances: port allocation,
// process supervision, output capture, log distribution, health probing,
// and deterministic teardown.
package instances

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/previewlabs/previewd/auth"
	"github.com/previewlabs/previewd/loghub"
	"github.com/previewlabs/previewd/processes"
	"github.com/previewlabs/previewd/storage"
)

// ErrInstanceNotFound is returned when no instance with the given ID exists.
var ErrInstanceNotFound = errors.New("instance not found")

const (
	defaultProbeInterval     = 1 * time.Second
	defaultProbeAttempts     = 3
	defaultGracePeriod       = 10 * time.Second
	defaultHistoryCapacity   = 1000
	defaultHeartbeatInterval = 15 * time.Second
	defaultTTL               = 30 * time.Minute
	defaultMaxUptime         = 2 * time.Hour
)

// Workspace stages and destroys per-instance working directories.
type Workspace interface {
	Materialize(files map[string][]byte) (string, error)
	Destroy(dir string) error
}

// Config holds construction options for the Manager.
type Config struct {
	PortAllocator *processes.PortAllocator // Required
	Workspace     Workspace                // Required
	Issuer        *auth.Issuer             // Required
	HealthChecker processes.HealthChecker  // Optional, defaults to HTTPHealthChecker
	LogStore      storage.LogStore         // Optional, best-effort log persistence
	InstanceStore storage.InstanceStore    // Optional, best-effort metadata persistence
	Logger        *slog.Logger             // Optional, defaults to slog.Default()

	ProbeInterval     time.Duration // Optional, defaults to 1s
	ProbeAttempts     int           // Optional, defaults to 3
	GracePeriod       time.Duration // Optional, defaults to 10s
	HistoryCapacity   int           // Optional, defaults to 1000
	HeartbeatInterval time.Duration // Optional, defaults to 15s
	DefaultTTL        time.Duration // Optional, defaults to 30m
	MaxUptime         time.Duration // Optional, defaults to 2h
}

// LaunchRequest describes one instance to launch.
type LaunchRequest struct {
	Owner   string
	Command []string
	Env     map[string]string
	Files   map[string][]byte
	TTL     time.Duration
}

// managedInstance is the live state behind one PreviewInstance. Status
// transitions are owned exclusively by the Manager.
type managedInstance struct {
	mu        sync.Mutex
	id        string
	owner     string
	port      int
	token     string
	status    Status
	reason    string
	createdAt time.Time
	startedAt time.Time
	stoppedAt time.Time
	expiresAt time.Time
	workDir   string

	sup  *processes.Supervisor
	capt *processes.Capturer
	hub  *loghub.Hub

	teardownOnce sync.Once
}

func (mi *managedInstance) snapshot() PreviewInstance {
	mi.mu.Lock()
	defer mi.mu.Unlock()
	inst := PreviewInstance{
		ID:        mi.id,
		Owner:     mi.owner,
		Port:      mi.port,
		Status:    mi.status,
		Reason:    mi.reason,
		Token:     mi.token,
		CreatedAt: mi.createdAt,
		StartedAt: mi.startedAt,
		StoppedAt: mi.stoppedAt,
		ExpiresAt: mi.expiresAt,
	}
	if mi.sup != nil && !mi.status.Terminal() {
		inst.PID = mi.sup.PID()
	}
	return inst
}

func (mi *managedInstance) getStatus() Status {
	mi.mu.Lock()
	defer mi.mu.Unlock()
	return mi.status
}

// Manager owns the registry of preview instances and drives their
// lifecycles.
type Manager struct {
	ports         *processes.PortAllocator
	workspace     Workspace
	issuer        *auth.Issuer
	checker       processes.HealthChecker
	logStore      storage.LogStore
	instanceStore storage.InstanceStore
	logger        *slog.Logger

	probeInterval     time.Duration
	probeAttempts     int
	gracePeriod       time.Duration
	historyCapacity   int
	heartbeatInterval time.Duration
	defaultTTL        time.Duration
	maxUptime         time.Duration

	mu        sync.RWMutex
	instances map[string]*managedInstance

	wg sync.WaitGroup
}

// NewManager creates a Manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.PortAllocator == nil {
		return nil, fmt.Errorf("PortAllocator is required")
	}
	if cfg.Workspace == nil {
		return nil, fmt.Errorf("Workspace is required")
	}
	if cfg.Issuer == nil {
		return nil, fmt.Errorf("Issuer is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	checker := cfg.HealthChecker
	if checker == nil {
		checker = processes.NewHTTPHealthChecker(2 * time.Second)
	}

	probeInterval := cfg.ProbeInterval
	if probeInterval == 0 {
		probeInterval = defaultProbeInterval
	}
	probeAttempts := cfg.ProbeAttempts
	if probeAttempts == 0 {
		probeAttempts = defaultProbeAttempts
	}
	gracePeriod := cfg.GracePeriod
	if gracePeriod == 0 {
		gracePeriod = defaultGracePeriod
	}
	historyCapacity := cfg.HistoryCapacity
	if historyCapacity == 0 {
		historyCapacity = defaultHistoryCapacity
	}
	heartbeat := cfg.HeartbeatInterval
	if heartbeat == 0 {
		heartbeat = defaultHeartbeatInterval
	}
	ttl := cfg.DefaultTTL
	if ttl == 0 {
		ttl = defaultTTL
	}
	maxUptime := cfg.MaxUptime
	if maxUptime == 0 {
		maxUptime = defaultMaxUptime
	}

	return &Manager{
		ports:             cfg.PortAllocator,
		workspace:         cfg.Workspace,
		issuer:            cfg.Issuer,
		checker:           checker,
		logStore:          cfg.LogStore,
		instanceStore:     cfg.InstanceStore,
		logger:            logger.With("component", "InstanceManager"),
		probeInterval:     probeInterval,
		probeAttempts:     probeAttempts,
		gracePeriod:       gracePeriod,
		historyCapacity:   historyCapacity,
		heartbeatInterval: heartbeat,
		defaultTTL:        ttl,
		maxUptime:         maxUptime,
		instances:         make(map[string]*managedInstance),
	}, nil
}

// Launch allocates a port, stages the workspace, spawns the process, and
// begins health probing. It returns once the instance is registered in the
// starting state; the starting→running/failed decision happens
// asynchronously. Capacity errors (port pool exhausted) are returned
// synchronously and are never retried internally.
func (m *Manager) Launch(req LaunchRequest) (PreviewInstance, error) {
	if len(req.Command) == 0 {
		return PreviewInstance{}, fmt.Errorf("launch requires a command")
	}

	port, err := m.ports.Allocate()
	if err != nil {
		return PreviewInstance{}, fmt.Errorf("failed to allocate port: %w", err)
	}

	id := uuid.New().String()
	ttl := req.TTL
	if ttl <= 0 {
		ttl = m.defaultTTL
	}

	token, err := m.issuer.Issue(id, ttl)
	if err != nil {
		m.ports.Release(port)
		return PreviewInstance{}, fmt.Errorf("failed to issue capability token: %w", err)
	}

	workDir, err := m.workspace.Materialize(req.Files)
	if err != nil {
		m.ports.Release(port)
		return PreviewInstance{}, fmt.Errorf("failed to stage workspace: %w", err)
	}

	now := time.Now()
	mi := &managedInstance{
		id:        id,
		owner:     req.Owner,
		port:      port,
		token:     token,
		status:    StatusStarting,
		createdAt: now,
		expiresAt: now.Add(ttl),
		workDir:   workDir,
	}

	persist := loghub.PersistFunc(nil)
	if m.logStore != nil {
		persist = func(entry loghub.Entry) error {
			return m.logStore.SaveLogEntry(id, entry)
		}
	}
	mi.hub = loghub.NewHub(loghub.Config{
		Capacity:     m.historyCapacity,
		IdleInterval: m.heartbeatInterval,
		Persist:      persist,
		Logger:       m.logger.With("instanceID", id),
	})

	m.mu.Lock()
	m.instances[id] = mi
	m.mu.Unlock()

	mi.hub.Publish(processes.LevelInfo, "system", "instance starting")

	env := make(map[string]string, len(req.Env)+2)
	for k, v := range req.Env {
		env[k] = v
	}
	env["PORT"] = fmt.Sprintf("%d", port)
	env["PREVIEW_INSTANCE_ID"] = id

	sup, err := processes.StartSupervisor(req.Command, workDir, env, m.logger.With("instanceID", id))
	if err != nil {
		m.logger.Error("Failed to spawn instance process", "instanceID", id, "error", err)
		m.teardown(mi, StatusFailed, fmt.Sprintf("spawn failed: %v", err))
		return mi.snapshot(), fmt.Errorf("failed to spawn process: %w", err)
	}

	mi.mu.Lock()
	if mi.status != StatusStarting {
		// A concurrent Stop tore the instance down before the process was
		// attached; reap the orphan so it does not outlive its released
		// port.
		mi.mu.Unlock()
		sup.Terminate(m.gracePeriod)
		return mi.snapshot(), nil
	}
	mi.sup = sup
	mi.capt = processes.StartCapturer(sup, mi.hub, m.logger.With("instanceID", id))
	mi.mu.Unlock()

	m.logger.Info("Instance starting", "instanceID", id, "port", port, "pid", sup.PID())
	m.persistMetadata(mi)

	m.wg.Add(2)
	go m.superviseStartup(mi)
	go m.watchExit(mi)

	return mi.snapshot(), nil
}

// superviseStartup polls the instance's liveness endpoint with bounded
// retries. This is the single place the starting→running/failed decision is
// made.
func (m *Manager) superviseStartup(mi *managedInstance) {
	defer m.wg.Done()

	for attempt := 1; attempt <= m.probeAttempts; attempt++ {
		if mi.getStatus() != StatusStarting {
			return
		}
		if _, exited := mi.sup.Poll(); exited {
			m.teardown(mi, StatusFailed, "process exited before becoming healthy")
			return
		}

		if err := m.checker.Check(mi.port); err == nil {
			mi.mu.Lock()
			if mi.status != StatusStarting {
				mi.mu.Unlock()
				return
			}
			mi.status = StatusRunning
			mi.startedAt = time.Now()
			mi.mu.Unlock()

			// The process may have died while the probe was in flight, in
			// which case watchExit already saw the starting state and
			// deferred to us.
			if result, exited := mi.sup.Poll(); exited {
				m.teardown(mi, StatusFailed, fmt.Sprintf("process exited unexpectedly with code %d", result.Code))
				return
			}

			mi.hub.Publish(processes.LevelInfo, "system", "instance running")
			m.logger.Info("Instance is healthy", "instanceID", mi.id, "attempt", attempt)
			m.persistMetadata(mi)
			return
		} else {
			m.logger.Debug("Health probe failed", "instanceID", mi.id, "attempt", attempt, "error", err)
		}

		time.Sleep(m.probeInterval)
	}

	m.teardown(mi, StatusFailed, fmt.Sprintf("health probe failed after %d attempts", m.probeAttempts))
}

// watchExit handles unexpected process exits while the instance is running.
// Exits during startup are handled by the probe loop; exits during stopping
// are the stop path doing its job.
func (m *Manager) watchExit(mi *managedInstance) {
	defer m.wg.Done()

	<-mi.sup.Done()

	if mi.getStatus() != StatusRunning {
		return
	}
	result := mi.sup.Wait()
	m.teardown(mi, StatusFailed, fmt.Sprintf("process exited unexpectedly with code %d", result.Code))
}

// Stop transitions a starting or running instance through stopping to
// stopped, terminating the process and releasing its resources. Stop is
// idempotent: stopping an instance that is already stopping, stopped, or
// failed is a no-op.
func (m *Manager) Stop(id string) error {
	mi := m.lookup(id)
	if mi == nil {
		return ErrInstanceNotFound
	}

	if st := mi.getStatus(); st == StatusStopping || st.Terminal() {
		return nil
	}

	m.teardown(mi, StatusStopped, "")
	return nil
}

// teardown is the single resource-release path. Every instance passes
// through it exactly once, whether it stopped normally, failed to start, or
// crashed. It always goes through the stopping state so that a direct
// running→stopped transition cannot skip cleanup.
func (m *Manager) teardown(mi *managedInstance, final Status, reason string) {
	mi.teardownOnce.Do(func() {
		mi.mu.Lock()
		mi.status = StatusStopping
		if reason != "" {
			mi.reason = reason
		}
		// Snapshot under the lock: Launch assigns these after registering
		// the instance, so a racing Stop may observe them half-attached.
		sup := mi.sup
		capt := mi.capt
		mi.mu.Unlock()
		m.persistMetadata(mi)

		if sup != nil {
			sup.Terminate(m.gracePeriod)
		}
		if capt != nil {
			// Drain whatever the process printed on the way out.
			capt.Wait()
		}

		if final == StatusFailed && reason != "" {
			mi.hub.Publish(processes.LevelError, "system", reason)
		}
		mi.hub.Publish(processes.LevelInfo, "system", "instance stopped")
		mi.hub.Close()

		m.ports.Release(mi.port)
		if mi.workDir != "" {
			if err := m.workspace.Destroy(mi.workDir); err != nil {
				m.logger.Warn("Failed to destroy workspace", "instanceID", mi.id, "error", err)
			}
		}

		mi.mu.Lock()
		mi.status = final
		mi.stoppedAt = time.Now()
		mi.mu.Unlock()
		m.persistMetadata(mi)

		m.logger.Info("Instance torn down", "instanceID", mi.id, "finalStatus", final.String(), "reason", reason)
	})
}

// Get returns a snapshot of the instance.
func (m *Manager) Get(id string) (PreviewInstance, error) {
	mi := m.lookup(id)
	if mi == nil {
		return PreviewInstance{}, ErrInstanceNotFound
	}
	return mi.snapshot(), nil
}

// List returns snapshots of all known instances.
func (m *Manager) List() []PreviewInstance {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]PreviewInstance, 0, len(m.instances))
	for _, mi := range m.instances {
		result = append(result, mi.snapshot())
	}
	return result
}

// Subscribe attaches a live log subscriber to the instance's hub. A
// subscription to a stopped instance yields an immediately closed stream
// rather than an error.
func (m *Manager) Subscribe(id string) (*loghub.Subscription, error) {
	mi := m.lookup(id)
	if mi == nil {
		return nil, ErrInstanceNotFound
	}
	return mi.hub.Subscribe(), nil
}

// History returns up to count recent retained log entries for the instance.
func (m *Manager) History(id string, count int) ([]loghub.Entry, error) {
	mi := m.lookup(id)
	if mi == nil {
		return nil, ErrInstanceNotFound
	}
	return mi.hub.History(count), nil
}

// LookupRunning resolves a running instance to its local base address and
// recorded capability token. Instances in any other state are reported as
// not found, which is what the proxy should tell its caller.
func (m *Manager) LookupRunning(id string) (addr string, token string, err error) {
	mi := m.lookup(id)
	if mi == nil {
		return "", "", ErrInstanceNotFound
	}
	mi.mu.Lock()
	defer mi.mu.Unlock()
	if mi.status != StatusRunning {
		return "", "", fmt.Errorf("%w: instance is %s", ErrInstanceNotFound, mi.status)
	}
	return fmt.Sprintf("http://127.0.0.1:%d", mi.port), mi.token, nil
}

// SweepExpired stops every non-terminal instance that is past its expiry
// deadline, past the maximum-uptime ceiling, or whose capability token has
// expired. Stop is idempotent, so sweeping an instance that is already
// mid-stop is harmless.
func (m *Manager) SweepExpired(now time.Time) {
	m.mu.RLock()
	candidates := make([]*managedInstance, 0, len(m.instances))
	for _, mi := range m.instances {
		candidates = append(candidates, mi)
	}
	m.mu.RUnlock()

	for _, mi := range candidates {
		mi.mu.Lock()
		status := mi.status
		expiresAt := mi.expiresAt
		startedAt := mi.startedAt
		token := mi.token
		mi.mu.Unlock()

		if status != StatusStarting && status != StatusRunning {
			continue
		}

		expired := now.After(expiresAt)
		if !expired && !startedAt.IsZero() && now.Sub(startedAt) > m.maxUptime {
			expired = true
		}
		if !expired {
			if tokenExpiry, err := m.issuer.ExpiresAt(token); err == nil && now.After(tokenExpiry) {
				expired = true
			}
		}

		if expired {
			m.logger.Info("Stopping expired instance", "instanceID", mi.id)
			if err := m.Stop(mi.id); err != nil {
				m.logger.Error("Failed to stop expired instance", "instanceID", mi.id, "error", err)
			}
		}
	}
}

// RunSweeper periodically sweeps expired instances until the context ends.
func (m *Manager) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.SweepExpired(time.Now())
		}
	}
}

// Shutdown stops all non-terminal instances and waits for lifecycle
// goroutines to finish.
func (m *Manager) Shutdown() {
	m.mu.RLock()
	ids := make([]string, 0, len(m.instances))
	for id := range m.instances {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	var shutdownWg sync.WaitGroup
	for _, id := range ids {
		shutdownWg.Add(1)
		go func(id string) {
			defer shutdownWg.Done()
			if err := m.Stop(id); err != nil && !errors.Is(err, ErrInstanceNotFound) {
				m.logger.Error("Error stopping instance during shutdown", "instanceID", id, "error", err)
			}
		}(id)
	}
	shutdownWg.Wait()
	m.wg.Wait()
}

func (m *Manager) lookup(id string) *managedInstance {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.instances[id]
}

// persistMetadata saves the instance snapshot best-effort: failures are
// logged and never affect the lifecycle.
func (m *Manager) persistMetadata(mi *managedInstance) {
	if m.instanceStore == nil {
		return
	}
	snap := mi.snapshot()
	go func() {
		record := storage.InstanceRecord{
			ID:        snap.ID,
			Owner:     snap.Owner,
			Port:      snap.Port,
			Status:    snap.Status.String(),
			Reason:    snap.Reason,
			Token:     snap.Token,
			CreatedAt: snap.CreatedAt.Unix(),
			ExpiresAt: snap.ExpiresAt.Unix(),
		}
		if !snap.StartedAt.IsZero() {
			record.StartedAt = snap.StartedAt.Unix()
		}
		if !snap.StoppedAt.IsZero() {
			record.StoppedAt = snap.StoppedAt.Unix()
		}
		if err := m.instanceStore.SaveInstanceMetadata(record); err != nil {
			m.logger.Warn("Failed to persist instance metadata", "instanceID", snap.ID, "error", err)
		}
	}()
}
