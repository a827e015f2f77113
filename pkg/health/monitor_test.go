package health

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentcore-dev/agentcore/pkg/agent"
	"github.com/agentcore-dev/agentcore/pkg/eventbus"
)

// stubBus captures published events without a real bus.
type stubBus struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func (s *stubBus) Publish(topic string, payload any, opts ...eventbus.PublishOption) (string, error) {
	ev := eventbus.Event{Topic: topic, Payload: payload, Priority: eventbus.PriorityNormal}
	for _, opt := range opts {
		opt(&ev)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return "stub-id", nil
}

func (s *stubBus) published() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.events))
	for i, ev := range s.events {
		out[i] = ev.Topic
	}
	return out
}

func (s *stubBus) has(topic string) bool {
	for _, t := range s.published() {
		if t == topic {
			return true
		}
	}
	return false
}

func (s *stubBus) priorityOf(topic string) eventbus.Priority {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range s.events {
		if ev.Topic == topic {
			return ev.Priority
		}
	}
	return ""
}

func newTestMonitor(t *testing.T, cfg Config) (*Monitor, *stubBus, *time.Time) {
	t.Helper()
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 10 * time.Second
	}
	m, err := NewMonitor(cfg)
	if err != nil {
		t.Fatalf("NewMonitor: %v", err)
	}
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return clock }
	bus := &stubBus{}
	m.SetEventBus(bus)
	t.Cleanup(func() { _ = m.Close() })
	return m, bus, &clock
}

func TestRegisterAgent(t *testing.T) {
	m, _, _ := newTestMonitor(t, Config{})

	if err := m.RegisterAgent(nil); err == nil {
		t.Error("RegisterAgent(nil) succeeded")
	}
	if err := m.RegisterAgent(&agent.Func{}); err == nil {
		t.Error("RegisterAgent with empty id succeeded")
	}

	a := &agent.Func{AgentID: "a1"}
	if err := m.RegisterAgent(a); err != nil {
		t.Fatalf("RegisterAgent: %v", err)
	}
	h, err := m.GetAgentHealth("a1")
	if err != nil {
		t.Fatalf("GetAgentHealth: %v", err)
	}
	if h.State != StateHealthy || h.MissedBeats != 0 {
		t.Errorf("fresh registration = %+v, want HEALTHY", h)
	}

	// Re-registration resets the record, bringing a restarted agent back.
	m.transition("a1", StateFailed, "", "")
	if err := m.RegisterAgent(a); err != nil {
		t.Fatalf("re-RegisterAgent: %v", err)
	}
	h, _ = m.GetAgentHealth("a1")
	if h.State != StateHealthy {
		t.Errorf("state after re-registration = %s, want HEALTHY", h.State)
	}

	m.UnregisterAgent("a1")
	if _, err := m.GetAgentHealth("a1"); !errors.Is(err, ErrAgentNotFound) {
		t.Errorf("GetAgentHealth after unregister = %v, want ErrAgentNotFound", err)
	}
}

func TestMissedHeartbeatEscalation(t *testing.T) {
	m, bus, clock := newTestMonitor(t, Config{
		HeartbeatInterval: 10 * time.Second,
		MaxMissedBeats:    3,
	})
	if err := m.RegisterAgent(&agent.Func{AgentID: "a1"}); err != nil {
		t.Fatalf("RegisterAgent: %v", err)
	}
	ctx := context.Background()

	// One missed beat degrades.
	*clock = clock.Add(15 * time.Second)
	m.CheckAll(ctx)
	if h, _ := m.GetAgentHealth("a1"); h.State != StateDegraded || h.MissedBeats != 1 {
		t.Fatalf("after 1 miss = %+v, want DEGRADED/1", h)
	}
	if !bus.has(TopicDegraded) {
		t.Error("no health:degraded event published")
	}

	// Reaching the threshold disconnects, within the detection SLA.
	*clock = clock.Add(20 * time.Second) // 35s since last beat, 3 intervals missed
	m.CheckAll(ctx)
	h, _ := m.GetAgentHealth("a1")
	if h.State != StateDisconnected {
		t.Fatalf("after 3 misses = %s, want DISCONNECTED", h.State)
	}
	if !bus.has(TopicDisconnected) {
		t.Error("no health:disconnected event published")
	}

	// A heartbeat brings it straight back and announces the restoration.
	if err := m.SendHeartbeat("a1"); err != nil {
		t.Fatalf("SendHeartbeat: %v", err)
	}
	if h, _ := m.GetAgentHealth("a1"); h.State != StateHealthy || h.MissedBeats != 0 {
		t.Errorf("after heartbeat = %+v, want HEALTHY/0", h)
	}
	if !bus.has(TopicHeartbeatRestored) {
		t.Error("no health:heartbeat-restored event published")
	}
}

func TestDegradedRecoversSilently(t *testing.T) {
	m, bus, clock := newTestMonitor(t, Config{HeartbeatInterval: 10 * time.Second})
	if err := m.RegisterAgent(&agent.Func{AgentID: "a1"}); err != nil {
		t.Fatalf("RegisterAgent: %v", err)
	}

	*clock = clock.Add(15 * time.Second)
	m.CheckAll(context.Background())
	if err := m.SendHeartbeat("a1"); err != nil {
		t.Fatalf("SendHeartbeat: %v", err)
	}
	if h, _ := m.GetAgentHealth("a1"); h.State != StateHealthy {
		t.Errorf("state = %s, want HEALTHY", h.State)
	}
	if bus.has(TopicHeartbeatRestored) {
		t.Error("DEGRADED recovery should not publish heartbeat-restored")
	}
}

func TestZombieDetection(t *testing.T) {
	probeErr := errors.New("no progress")
	var probeHealthy atomic.Bool
	a := &agent.Func{
		AgentID: "z1",
		ProbeFn: func(ctx context.Context) error {
			if probeHealthy.Load() {
				return nil
			}
			return probeErr
		},
	}

	m, bus, clock := newTestMonitor(t, Config{
		HeartbeatInterval: 10 * time.Second,
		ZombieFactor:      2,
	})
	if err := m.RegisterAgent(a); err != nil {
		t.Fatalf("RegisterAgent: %v", err)
	}
	ctx := context.Background()

	// Heartbeats keep arriving but no activity is recorded. Past the
	// zombie window the probe runs and fails.
	*clock = clock.Add(25 * time.Second)
	if err := m.SendHeartbeat("z1"); err != nil {
		t.Fatalf("SendHeartbeat: %v", err)
	}
	m.CheckAll(ctx)

	h, _ := m.GetAgentHealth("z1")
	if h.State != StateZombie {
		t.Fatalf("state = %s, want ZOMBIE", h.State)
	}
	if h.LastError == "" {
		t.Error("zombie record has no LastError")
	}
	if !bus.has(TopicZombie) {
		t.Error("no health:zombie event published")
	}

	// A passing probe on a later check clears the classification.
	probeHealthy.Store(true)
	*clock = clock.Add(5 * time.Second)
	if err := m.SendHeartbeat("z1"); err != nil {
		t.Fatalf("SendHeartbeat: %v", err)
	}
	m.CheckAll(ctx)
	if h, _ := m.GetAgentHealth("z1"); h.State != StateHealthy {
		t.Errorf("state after healthy probe = %s, want HEALTHY", h.State)
	}
}

func TestActivityResetsZombieClock(t *testing.T) {
	a := &agent.Func{
		AgentID: "z2",
		ProbeFn: func(ctx context.Context) error { return errors.New("would be zombie") },
	}
	m, _, clock := newTestMonitor(t, Config{HeartbeatInterval: 10 * time.Second, ZombieFactor: 2})
	if err := m.RegisterAgent(a); err != nil {
		t.Fatalf("RegisterAgent: %v", err)
	}

	*clock = clock.Add(25 * time.Second)
	if err := m.SendHeartbeat("z2"); err != nil {
		t.Fatalf("SendHeartbeat: %v", err)
	}
	if err := m.RecordActivity("z2"); err != nil {
		t.Fatalf("RecordActivity: %v", err)
	}
	m.CheckAll(context.Background())

	// Recent activity means the failing probe never ran.
	if h, _ := m.GetAgentHealth("z2"); h.State != StateHealthy {
		t.Errorf("state = %s, want HEALTHY", h.State)
	}
}

// fakeStrategy counts invocations and returns a fixed error.
type fakeStrategy struct {
	kind  StrategyKind
	calls atomic.Int32
	delay time.Duration
	err   error
}

func (f *fakeStrategy) Kind() StrategyKind { return f.kind }

func (f *fakeStrategy) Recover(ctx context.Context, agentID string) error {
	f.calls.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return f.err
}

func TestRecoverAgentSuccess(t *testing.T) {
	m, bus, _ := newTestMonitor(t, Config{})
	if err := m.RegisterAgent(&agent.Func{AgentID: "r1"}); err != nil {
		t.Fatalf("RegisterAgent: %v", err)
	}
	m.transition("r1", StateDisconnected, "", "")

	strat := &fakeStrategy{kind: StrategyRestart}
	res, err := m.RecoverAgent(context.Background(), "r1", strat)
	if err != nil {
		t.Fatalf("RecoverAgent: %v", err)
	}
	if !res.Success || res.Strategy != StrategyRestart {
		t.Errorf("result = %+v, want successful RESTART", res)
	}
	h, _ := m.GetAgentHealth("r1")
	if h.State != StateHealthy || h.Recoveries != 1 {
		t.Errorf("record after recovery = %+v, want HEALTHY with 1 recovery", h)
	}
	if !bus.has(TopicRecovering) || !bus.has(TopicRecovered) {
		t.Errorf("events = %v, want recovering and recovered", bus.published())
	}
}

func TestRecoverAgentFailure(t *testing.T) {
	m, bus, _ := newTestMonitor(t, Config{})
	if err := m.RegisterAgent(&agent.Func{AgentID: "r2"}); err != nil {
		t.Fatalf("RegisterAgent: %v", err)
	}

	strat := &fakeStrategy{kind: StrategyRestart, err: errors.New("still dead")}
	res, err := m.RecoverAgent(context.Background(), "r2", strat)
	if err == nil || res.Success {
		t.Fatalf("RecoverAgent = %+v, %v; want failure", res, err)
	}
	if h, _ := m.GetAgentHealth("r2"); h.State != StateFailed {
		t.Errorf("state = %s, want FAILED", h.State)
	}
	if !bus.has(TopicFailed) {
		t.Error("no health:failed event published")
	}
}

func TestRecoverAgentSingleFlight(t *testing.T) {
	m, _, _ := newTestMonitor(t, Config{})
	if err := m.RegisterAgent(&agent.Func{AgentID: "r3"}); err != nil {
		t.Fatalf("RegisterAgent: %v", err)
	}

	strat := &fakeStrategy{kind: StrategyRestart, delay: 50 * time.Millisecond}
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := m.RecoverAgent(context.Background(), "r3", strat)
			if err != nil || !res.Success {
				t.Errorf("RecoverAgent = %+v, %v", res, err)
			}
		}()
	}
	wg.Wait()

	if got := strat.calls.Load(); got != 1 {
		t.Errorf("strategy invoked %d times, want 1 (concurrent calls must collapse)", got)
	}
	if h, _ := m.GetAgentHealth("r3"); h.Recoveries != 1 {
		t.Errorf("Recoveries = %d, want 1", h.Recoveries)
	}
}

func TestHealthEventPriorities(t *testing.T) {
	m, bus, clock := newTestMonitor(t, Config{
		HeartbeatInterval: 10 * time.Second,
		MaxMissedBeats:    3,
	})
	if err := m.RegisterAgent(&agent.Func{AgentID: "p1"}); err != nil {
		t.Fatalf("RegisterAgent: %v", err)
	}

	*clock = clock.Add(35 * time.Second)
	m.CheckAll(context.Background())
	if err := m.SendHeartbeat("p1"); err != nil {
		t.Fatalf("SendHeartbeat: %v", err)
	}
	m.transition("p1", StateDisconnected, "", "")
	if _, err := m.RecoverAgent(context.Background(), "p1", &fakeStrategy{kind: StrategyRestart}); err != nil {
		t.Fatalf("RecoverAgent: %v", err)
	}
	if err := m.RegisterAgent(&agent.Func{AgentID: "p2"}); err != nil {
		t.Fatalf("RegisterAgent: %v", err)
	}
	strat := &fakeStrategy{kind: StrategyRestart, err: errors.New("still dead")}
	if _, err := m.RecoverAgent(context.Background(), "p2", strat); err == nil {
		t.Fatal("RecoverAgent succeeded, want failure")
	}

	// Failures must survive a CRITICAL_ONLY replay; recovery progress is
	// routine and stays NORMAL.
	critical := []string{TopicDisconnected, TopicFailed}
	for _, topic := range critical {
		if got := bus.priorityOf(topic); got != eventbus.PriorityCritical {
			t.Errorf("%s priority = %q, want CRITICAL", topic, got)
		}
	}
	normal := []string{TopicHeartbeatRestored, TopicRecovering, TopicRecovered}
	for _, topic := range normal {
		if got := bus.priorityOf(topic); got != eventbus.PriorityNormal {
			t.Errorf("%s priority = %q, want NORMAL", topic, got)
		}
	}
}

func TestRecoverAgentUsesRegisteredStrategy(t *testing.T) {
	def := &fakeStrategy{kind: StrategyAlertOnly}
	m, _, _ := newTestMonitor(t, Config{DefaultStrategy: def})

	own := &fakeStrategy{kind: StrategyRestart}
	if err := m.RegisterAgent(&agent.Func{AgentID: "r5"}, WithRecoveryStrategy(own)); err != nil {
		t.Fatalf("RegisterAgent: %v", err)
	}
	res, err := m.RecoverAgent(context.Background(), "r5", nil)
	if err != nil || !res.Success {
		t.Fatalf("RecoverAgent = %+v, %v", res, err)
	}
	if own.calls.Load() != 1 || def.calls.Load() != 0 {
		t.Errorf("calls own=%d default=%d, want the registered strategy preferred",
			own.calls.Load(), def.calls.Load())
	}

	// An explicit strategy still overrides the registered one.
	override := &fakeStrategy{kind: StrategyReplace}
	if _, err := m.RecoverAgent(context.Background(), "r5", override); err != nil {
		t.Fatalf("RecoverAgent with override: %v", err)
	}
	if override.calls.Load() != 1 || own.calls.Load() != 1 {
		t.Errorf("calls override=%d own=%d, want the explicit strategy used",
			override.calls.Load(), own.calls.Load())
	}

	// Agents without their own strategy fall back to the default.
	if err := m.RegisterAgent(&agent.Func{AgentID: "r6"}); err != nil {
		t.Fatalf("RegisterAgent: %v", err)
	}
	if _, err := m.RecoverAgent(context.Background(), "r6", nil); err != nil {
		t.Fatalf("RecoverAgent with default: %v", err)
	}
	if def.calls.Load() != 1 {
		t.Errorf("default strategy calls = %d, want 1", def.calls.Load())
	}
}

func TestRecoverAgentNoStrategy(t *testing.T) {
	m, _, _ := newTestMonitor(t, Config{})
	if err := m.RegisterAgent(&agent.Func{AgentID: "r4"}); err != nil {
		t.Fatalf("RegisterAgent: %v", err)
	}
	if _, err := m.RecoverAgent(context.Background(), "r4", nil); err == nil {
		t.Error("RecoverAgent without strategy succeeded")
	}
}

func TestEscalationThrottle(t *testing.T) {
	m, bus, clock := newTestMonitor(t, Config{
		HeartbeatInterval: 10 * time.Second,
		MaxMissedBeats:    3,
		EscalationRate:    0.0001, // burst of one, effectively no refill
	})
	if err := m.RegisterAgent(&agent.Func{AgentID: "noisy"}); err != nil {
		t.Fatalf("RegisterAgent: %v", err)
	}
	ctx := context.Background()

	*clock = clock.Add(15 * time.Second)
	m.CheckAll(ctx) // DEGRADED, consumes the burst
	*clock = clock.Add(30 * time.Second)
	m.CheckAll(ctx) // DISCONNECTED, throttled

	if got := len(bus.published()); got != 1 {
		t.Errorf("published %d events (%v), want 1 after throttling", got, bus.published())
	}
}

func TestGetStatsAndDetectionSLA(t *testing.T) {
	cfg := Config{HeartbeatInterval: 10 * time.Second, MaxMissedBeats: 3}
	if got := cfg.DetectionSLA(); got != 30*time.Second {
		t.Errorf("DetectionSLA = %s, want 30s", got)
	}

	m, _, clock := newTestMonitor(t, cfg)
	m.RegisterAgent(&agent.Func{AgentID: "s1"})
	m.RegisterAgent(&agent.Func{AgentID: "s2"})

	*clock = clock.Add(15 * time.Second)
	_ = m.SendHeartbeat("s1")
	m.CheckAll(context.Background())

	stats := m.GetStats()
	if stats.Agents != 2 {
		t.Errorf("Agents = %d, want 2", stats.Agents)
	}
	if stats.ByState[string(StateHealthy)] != 1 || stats.ByState[string(StateDegraded)] != 1 {
		t.Errorf("ByState = %v, want one HEALTHY and one DEGRADED", stats.ByState)
	}
	if stats.Checks != 2 {
		t.Errorf("Checks = %d, want 2", stats.Checks)
	}
}

func TestConfigValidate(t *testing.T) {
	bad := []Config{
		{HeartbeatInterval: -time.Second, MaxMissedBeats: 3},
		{HeartbeatInterval: time.Second, MaxMissedBeats: 0},
		{HeartbeatInterval: time.Second, MaxMissedBeats: 3, AutoRecover: true},
	}
	for i, cfg := range bad {
		if err := cfg.Validate(); err == nil {
			t.Errorf("case %d: Validate accepted %+v", i, cfg)
		}
	}
}
