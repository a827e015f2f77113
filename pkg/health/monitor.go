package health

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/agentcore-dev/agentcore/pkg/agent"
	"github.com/agentcore-dev/agentcore/pkg/eventbus"
	"github.com/agentcore-dev/agentcore/pkg/observability"
)

// Topics published by the monitor on health state changes.
const (
	TopicDegraded          = "health:degraded"
	TopicDisconnected      = "health:disconnected"
	TopicZombie            = "health:zombie"
	TopicRecovering        = "health:recovering"
	TopicRecovered         = "health:recovered"
	TopicFailed            = "health:failed"
	TopicHeartbeatRestored = "health:heartbeat-restored"
)

// EventPublisher is the slice of the event bus the monitor needs.
type EventPublisher interface {
	Publish(topic string, payload any, opts ...eventbus.PublishOption) (string, error)
}

// StateChange is the payload of every health topic.
type StateChange struct {
	AgentID   string    `json:"agentId"`
	From      State     `json:"from"`
	To        State     `json:"to"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// entry pairs an agent with its mutable health record.
type entry struct {
	agent    agent.Agent
	health   AgentHealth
	limiter  *rate.Limiter
	strategy RecoveryStrategy // nil = use the configured default
}

// RegisterOption customizes one agent registration.
type RegisterOption func(*entry)

// WithRecoveryStrategy assigns a recovery strategy to this agent,
// overriding the configured default for auto recovery and for
// RecoverAgent calls that do not name one.
func WithRecoveryStrategy(s RecoveryStrategy) RegisterOption {
	return func(e *entry) { e.strategy = s }
}

// Stats summarizes the monitor for the health surface.
type Stats struct {
	Agents     int            `json:"agents"`
	ByState    map[string]int `json:"byState"`
	Recoveries int64          `json:"recoveries"`
	Checks     int64          `json:"checks"`
}

// Monitor tracks registered agents, classifies them on a fixed cadence
// and drives recovery. All methods are safe for concurrent use.
type Monitor struct {
	cfg Config
	log *slog.Logger

	mu      sync.RWMutex
	agents  map[string]*entry
	bus     EventPublisher
	closed  bool
	ticker  *time.Ticker
	stopCh  chan struct{}
	doneCh  chan struct{}
	running bool

	recovering singleflight.Group
	recoveries int64
	checks     int64

	// now is swappable for deterministic tests.
	now func() time.Time
}

// NewMonitor creates a monitor. The config is validated and defaulted.
func NewMonitor(cfg Config) (*Monitor, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid health config: %w", err)
	}
	return &Monitor{
		cfg:    cfg,
		log:    cfg.Logger.With("component", "health-monitor"),
		agents: make(map[string]*entry),
		now:    time.Now,
	}, nil
}

// SetEventBus wires the bus the monitor publishes state changes to.
// Without a bus the monitor still tracks state, it just stays silent.
func (m *Monitor) SetEventBus(bus EventPublisher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bus = bus
}

// RegisterAgent starts tracking an agent as HEALTHY. Options attach
// per-agent behavior such as a recovery strategy. Re-registering an
// already tracked agent resets its record, which is how a restarted
// agent re-enters the pool.
func (m *Monitor) RegisterAgent(a agent.Agent, opts ...RegisterOption) error {
	if a == nil || a.ID() == "" {
		return fmt.Errorf("agent with a non-empty id is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrMonitorClosed
	}

	now := m.now()
	var limiter *rate.Limiter
	if m.cfg.EscalationRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(m.cfg.EscalationRate), 1)
	}
	e := &entry{
		agent: a,
		health: AgentHealth{
			AgentID:       a.ID(),
			State:         StateHealthy,
			LastHeartbeat: now,
			LastActivity:  now,
			RegisteredAt:  now,
		},
		limiter: limiter,
	}
	for _, opt := range opts {
		opt(e)
	}
	m.agents[a.ID()] = e
	m.log.Info("agent registered", "agent_id", a.ID())
	return nil
}

// UnregisterAgent stops tracking an agent. Idempotent.
func (m *Monitor) UnregisterAgent(agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.agents, agentID)
}

// SendHeartbeat records a heartbeat. A heartbeat from a DISCONNECTED
// agent restores it to HEALTHY and publishes health:heartbeat-restored.
func (m *Monitor) SendHeartbeat(agentID string) error {
	m.mu.Lock()
	e, ok := m.agents[agentID]
	if !ok {
		m.mu.Unlock()
		return ErrAgentNotFound
	}
	prev := e.health.State
	e.health.LastHeartbeat = m.now()
	e.health.MissedBeats = 0
	if prev == StateDisconnected || prev == StateDegraded {
		e.health.State = StateHealthy
	}
	m.mu.Unlock()

	if prev == StateDisconnected {
		observability.AgentTransition(string(StateHealthy))
		m.announce(e, prev, StateHealthy, TopicHeartbeatRestored, "heartbeat received")
	}
	return nil
}

// RecordActivity marks the agent as having done real work, which resets
// the zombie clock.
func (m *Monitor) RecordActivity(agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.agents[agentID]
	if !ok {
		return ErrAgentNotFound
	}
	e.health.LastActivity = m.now()
	return nil
}

// StartMonitoring begins the periodic check loop. Calling it on a
// running monitor is a no-op.
func (m *Monitor) StartMonitoring() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running || m.closed {
		return
	}
	m.running = true
	m.ticker = time.NewTicker(m.cfg.HeartbeatInterval)
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})

	go func() {
		defer close(m.doneCh)
		for {
			select {
			case <-m.ticker.C:
				m.CheckAll(context.Background())
			case <-m.stopCh:
				return
			}
		}
	}()
	m.log.Info("monitoring started",
		"interval", m.cfg.HeartbeatInterval, "detection_sla", m.cfg.DetectionSLA())
}

// StopMonitoring halts the check loop and waits for it to exit.
func (m *Monitor) StopMonitoring() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.ticker.Stop()
	close(m.stopCh)
	done := m.doneCh
	m.mu.Unlock()
	<-done
}

// CheckAll runs one classification pass over every tracked agent.
// It is also called by the ticker loop.
func (m *Monitor) CheckAll(ctx context.Context) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.agents))
	for id := range m.agents {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		m.checkOne(ctx, id)
	}
}

// checkOne classifies a single agent from its heartbeat age, activity
// age and, when warranted, a direct liveness probe.
func (m *Monitor) checkOne(ctx context.Context, agentID string) {
	m.mu.Lock()
	e, ok := m.agents[agentID]
	if !ok {
		m.mu.Unlock()
		return
	}
	m.checks++
	now := m.now()
	beatAge := now.Sub(e.health.LastHeartbeat)
	activityAge := now.Sub(e.health.LastActivity)
	state := e.health.State
	a := e.agent

	if state == StateRecovering || state == StateFailed {
		m.mu.Unlock()
		return
	}

	missed := int(beatAge / m.cfg.HeartbeatInterval)
	e.health.MissedBeats = missed
	m.mu.Unlock()

	zombieWindow := m.cfg.HeartbeatInterval * time.Duration(m.cfg.ZombieFactor)

	switch {
	case missed >= m.cfg.MaxMissedBeats:
		m.transition(agentID, StateDisconnected, TopicDisconnected,
			fmt.Sprintf("%d consecutive heartbeats missed", missed))
		m.maybeAutoRecover(ctx, agentID)

	case missed > 0:
		m.transition(agentID, StateDegraded, TopicDegraded,
			fmt.Sprintf("%d heartbeats missed", missed))

	case activityAge > zombieWindow:
		// Heartbeats are current but the agent has been idle past the
		// zombie window: probe it to tell stuck from merely quiet.
		pctx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
		err := a.Probe(pctx)
		cancel()
		if err != nil {
			m.setLastError(agentID, err)
			m.transition(agentID, StateZombie, TopicZombie,
				fmt.Sprintf("heartbeats current but liveness probe failed: %v", err))
			m.maybeAutoRecover(ctx, agentID)
		} else {
			m.transition(agentID, StateHealthy, "", "")
		}

	default:
		m.transition(agentID, StateHealthy, "", "")
	}
}

// transition moves an agent to a new state if it changed, publishing on
// topic when non-empty.
func (m *Monitor) transition(agentID string, to State, topic, reason string) {
	m.mu.Lock()
	e, ok := m.agents[agentID]
	if !ok {
		m.mu.Unlock()
		return
	}
	from := e.health.State
	if from == to {
		m.mu.Unlock()
		return
	}
	e.health.State = to
	m.mu.Unlock()

	observability.AgentTransition(string(to))
	m.log.Info("agent state changed",
		"agent_id", agentID, "from", string(from), "to", string(to), "reason", reason)
	if topic != "" {
		m.announce(e, from, to, topic, reason)
	}
}

// topicPriority scopes CRITICAL to failure topics. Recovery progress is
// routine chatter and must not surface in CRITICAL_ONLY replays.
func topicPriority(topic string) eventbus.Priority {
	switch topic {
	case TopicRecovering, TopicRecovered, TopicHeartbeatRestored:
		return eventbus.PriorityNormal
	}
	return eventbus.PriorityCritical
}

// announce publishes a state-change event, subject to the per-agent
// escalation throttle.
func (m *Monitor) announce(e *entry, from, to State, topic, reason string) {
	m.mu.RLock()
	bus := m.bus
	m.mu.RUnlock()
	if bus == nil {
		return
	}
	if e.limiter != nil && !e.limiter.Allow() {
		m.log.Debug("escalation throttled", "agent_id", e.health.AgentID, "topic", topic)
		return
	}
	_, err := bus.Publish(topic, StateChange{
		AgentID:   e.health.AgentID,
		From:      from,
		To:        to,
		Reason:    reason,
		Timestamp: m.now(),
	}, eventbus.WithPriority(topicPriority(topic)))
	if err != nil {
		m.log.Warn("failed to publish health event",
			"agent_id", e.health.AgentID, "topic", topic, "error", err)
	}
}

func (m *Monitor) setLastError(agentID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.agents[agentID]; ok {
		e.health.LastError = err.Error()
	}
}

func (m *Monitor) maybeAutoRecover(ctx context.Context, agentID string) {
	if !m.cfg.AutoRecover {
		return
	}
	go func() {
		if _, err := m.RecoverAgent(ctx, agentID, nil); err != nil {
			m.log.Warn("auto recovery failed", "agent_id", agentID, "error", err)
		}
	}()
}

// RecoverAgent runs a recovery strategy for the agent. A nil strategy
// falls back to the agent's registered strategy, then the configured
// default. Concurrent calls for the same agent collapse into one
// attempt whose result all callers share.
func (m *Monitor) RecoverAgent(ctx context.Context, agentID string, strategy RecoveryStrategy) (RecoveryResult, error) {
	if strategy == nil {
		m.mu.RLock()
		if e, ok := m.agents[agentID]; ok {
			strategy = e.strategy
		}
		m.mu.RUnlock()
	}
	if strategy == nil {
		strategy = m.cfg.DefaultStrategy
	}
	if strategy == nil {
		return RecoveryResult{}, fmt.Errorf("no recovery strategy configured for agent %q", agentID)
	}

	v, err, _ := m.recovering.Do(agentID, func() (any, error) {
		return m.recoverOnce(ctx, agentID, strategy), nil
	})
	if err != nil {
		return RecoveryResult{}, err
	}
	res := v.(RecoveryResult)
	return res, res.Err
}

func (m *Monitor) recoverOnce(ctx context.Context, agentID string, strategy RecoveryStrategy) RecoveryResult {
	m.mu.Lock()
	e, ok := m.agents[agentID]
	if !ok {
		m.mu.Unlock()
		return RecoveryResult{AgentID: agentID, Strategy: strategy.Kind(), Err: ErrAgentNotFound}
	}
	from := e.health.State
	e.health.State = StateRecovering
	e.health.Recoveries++
	m.recoveries++
	m.mu.Unlock()

	m.announce(e, from, StateRecovering, TopicRecovering, string(strategy.Kind()))

	start := m.now()
	err := strategy.Recover(ctx, agentID)
	res := RecoveryResult{
		AgentID:  agentID,
		Strategy: strategy.Kind(),
		Success:  err == nil,
		Took:     m.now().Sub(start),
		Err:      err,
	}

	if err != nil {
		m.setLastError(agentID, err)
		m.transition(agentID, StateFailed, TopicFailed, err.Error())
		observability.AgentRecovery("failed")
		return res
	}

	m.mu.Lock()
	now := m.now()
	e.health.State = StateHealthy
	e.health.LastHeartbeat = now
	e.health.LastActivity = now
	e.health.MissedBeats = 0
	e.health.LastError = ""
	m.mu.Unlock()

	m.announce(e, StateRecovering, StateHealthy, TopicRecovered, string(strategy.Kind()))
	observability.AgentRecovery("recovered")
	m.log.Info("agent recovered",
		"agent_id", agentID, "strategy", string(strategy.Kind()), "took", res.Took)
	return res
}

// GetAgentHealth returns a copy of one agent's record.
func (m *Monitor) GetAgentHealth(agentID string) (AgentHealth, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.agents[agentID]
	if !ok {
		return AgentHealth{}, ErrAgentNotFound
	}
	return e.health, nil
}

// GetAllAgentHealth returns a copy of every tracked record.
func (m *Monitor) GetAllAgentHealth() map[string]AgentHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]AgentHealth, len(m.agents))
	for id, e := range m.agents {
		out[id] = e.health
	}
	return out
}

// GetStats summarizes the monitor.
func (m *Monitor) GetStats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	byState := make(map[string]int)
	for _, e := range m.agents {
		byState[string(e.health.State)]++
	}
	return Stats{
		Agents:     len(m.agents),
		ByState:    byState,
		Recoveries: m.recoveries,
		Checks:     m.checks,
	}
}

// Close stops monitoring and drops all registrations. Idempotent.
func (m *Monitor) Close() error {
	m.StopMonitoring()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	m.agents = make(map[string]*entry)
	return nil
}
