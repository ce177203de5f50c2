package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/louspringer/inter-llm-mailbox/pkg/health"
	"github.com/louspringer/inter-llm-mailbox/pkg/message"
)

// ServiceState is the manager's aggregate view of backend health.
type ServiceState int

const (
	ServiceHealthy ServiceState = iota
	ServiceDegraded
	ServiceUnavailable
)

func (s ServiceState) String() string {
	switch s {
	case ServiceHealthy:
		return "HEALTHY"
	case ServiceDegraded:
		return "DEGRADED"
	case ServiceUnavailable:
		return "UNAVAILABLE"
	default:
		return "UNKNOWN"
	}
}

// ManagerConfig configures the resilience manager.
type ManagerConfig struct {
	Breaker    BreakerConfig    `yaml:"breaker"`
	LocalQueue LocalQueueConfig `yaml:"local_queue"`

	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
	DrainInterval       time.Duration `yaml:"drain_interval"`
	DrainBatchSize      int           `yaml:"drain_batch_size"`
}

// Validate applies defaults for unset fields.
func (c *ManagerConfig) Validate() error {
	if err := c.Breaker.Validate(); err != nil {
		return err
	}
	if err := c.LocalQueue.Validate(); err != nil {
		return err
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = 30 * time.Second
	}
	if c.DrainInterval <= 0 {
		c.DrainInterval = 10 * time.Second
	}
	if c.DrainBatchSize <= 0 {
		c.DrainBatchSize = 100
	}
	return nil
}

// Sender re-submits a locally queued message once the backend recovers.
// The composition root wires this to the router.
type Sender func(ctx context.Context, msg *message.Message) error

// Manager wraps KV calls with the circuit breaker and falls back to the
// local queue, draining it when the backend recovers.
type Manager struct {
	config  ManagerConfig
	breaker *Breaker
	queue   *LocalQueue

	mu     sync.Mutex
	state  ServiceState
	sender Sender

	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewManager builds a manager with its own breaker and local queue.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	breaker, err := NewBreaker("kv", cfg.Breaker)
	if err != nil {
		return nil, err
	}
	queue, err := NewLocalQueue(cfg.LocalQueue)
	if err != nil {
		return nil, err
	}
	return &Manager{
		config:  cfg,
		breaker: breaker,
		queue:   queue,
		state:   ServiceHealthy,
	}, nil
}

// SetSender wires the drain target. Must be called before Start.
func (m *Manager) SetSender(s Sender) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sender = s
}

// State returns the aggregate service state.
func (m *Manager) State() ServiceState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Breaker exposes the underlying circuit breaker for introspection.
func (m *Manager) Breaker() *Breaker {
	return m.breaker
}

// QueueLen returns the local fallback queue depth.
func (m *Manager) QueueLen() int {
	return m.queue.Len()
}

// Execute runs primary through the breaker. On circuit-open or primary
// failure the fallback runs when provided; the aggregate state is
// updated either way.
func (m *Manager) Execute(ctx context.Context, opName string, primary func(ctx context.Context) error, fallback func(ctx context.Context) error) error {
	err := m.breaker.Execute(ctx, primary)
	if err == nil {
		m.observeSuccess()
		return nil
	}

	m.observeFailure()
	slog.Warn("kv operation failed", "op", opName, "error", err)

	if fallback != nil {
		if ferr := fallback(ctx); ferr != nil {
			return fmt.Errorf("%s: primary failed (%w), fallback failed: %v", opName, err, ferr)
		}
		return nil
	}
	return fmt.Errorf("%s: %w", opName, err)
}

// EnqueueLocal places a message on the fallback queue.
func (m *Manager) EnqueueLocal(msg *message.Message) {
	m.queue.Enqueue(msg)
}

func (m *Manager) observeSuccess() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == ServiceUnavailable {
		m.setStateLocked(ServiceDegraded)
	}
}

func (m *Manager) observeFailure() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.breaker.State() == CircuitOpen {
		m.setStateLocked(ServiceUnavailable)
	} else if m.state == ServiceHealthy {
		m.setStateLocked(ServiceDegraded)
	}
}

func (m *Manager) setStateLocked(s ServiceState) {
	if m.state == s {
		return
	}
	slog.Info("service state change", "from", m.state.String(), "to", s.String())
	m.state = s
}

// Start loads any persisted queue and launches the health monitor and
// queue drainer loops.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("resilience manager already running")
	}
	m.running = true
	loopCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.mu.Unlock()

	if err := m.queue.Load(); err != nil {
		slog.Warn("failed to restore local fallback queue", "error", err)
	}

	m.wg.Add(2)
	go m.healthLoop(loopCtx)
	go m.drainLoop(loopCtx)
	return nil
}

// Stop cancels background loops and persists the queue.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	m.cancel()
	m.mu.Unlock()

	m.wg.Wait()
	if err := m.queue.Save(); err != nil {
		slog.Warn("failed to persist local fallback queue", "error", err)
	}
	return nil
}

// healthLoop promotes DEGRADED back to HEALTHY once the breaker closes.
func (m *Manager) healthLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			if m.state != ServiceHealthy && m.breaker.State() == CircuitClosed {
				m.setStateLocked(ServiceHealthy)
			}
			m.mu.Unlock()
		}
	}
}

// drainLoop re-sends locally queued messages when the service is healthy.
func (m *Manager) drainLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.config.DrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.queue.CleanupExpired()
			if m.State() != ServiceHealthy {
				continue
			}
			m.drainOnce(ctx)
		}
	}
}

func (m *Manager) drainOnce(ctx context.Context) {
	m.mu.Lock()
	sender := m.sender
	m.mu.Unlock()
	if sender == nil {
		return
	}

	batch := m.queue.DequeueBatch(m.config.DrainBatchSize)
	for _, entry := range batch {
		if err := sender(ctx, entry.Message); err != nil {
			slog.Warn("failed to drain queued message, requeueing",
				"message_id", entry.Message.ID,
				"error", err)
			m.queue.Requeue(entry)
			return
		}
	}
	if len(batch) > 0 {
		slog.Info("drained local fallback queue batch", "count", len(batch))
	}
}

// Health implements health.Reporter.
func (m *Manager) Health(ctx context.Context) (*health.Status, error) {
	state := m.State()
	details := map[string]string{
		"service_state": state.String(),
		"breaker_state": m.breaker.State().String(),
		"queued_local":  fmt.Sprintf("%d", m.queue.Len()),
	}
	switch state {
	case ServiceHealthy:
		return health.Healthy("backend healthy", details), nil
	case ServiceDegraded:
		return health.Degraded("backend degraded, fallback active", details), nil
	default:
		return health.Unhealthy("backend unavailable, queueing locally", details), nil
	}
}
