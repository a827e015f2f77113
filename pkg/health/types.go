// Package health tracks agent liveness with a heartbeat state machine,
// detects zombie agents and drives pluggable recovery.
package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// State is an agent's health classification.
type State string

const (
	// StateHealthy means heartbeats arrive on schedule.
	StateHealthy State = "HEALTHY"
	// StateDegraded means some heartbeats were missed but the agent is
	// not yet presumed gone.
	StateDegraded State = "DEGRADED"
	// StateDisconnected means the miss threshold was exceeded.
	StateDisconnected State = "DISCONNECTED"
	// StateZombie means heartbeats arrive but the liveness probe fails:
	// the agent responds without making progress.
	StateZombie State = "ZOMBIE"
	// StateRecovering means a recovery strategy is in flight.
	StateRecovering State = "RECOVERING"
	// StateFailed means recovery was attempted and did not restore the
	// agent. Terminal until the agent is re-registered or recovered
	// manually.
	StateFailed State = "FAILED"
)

// StrategyKind names a built-in recovery approach.
type StrategyKind string

const (
	// StrategyRestart asks the agent's runtime to restart it in place.
	StrategyRestart StrategyKind = "RESTART"
	// StrategyReplace provisions a replacement and retires the old
	// instance.
	StrategyReplace StrategyKind = "REPLACE"
	// StrategyAlertOnly emits an alert and leaves the agent untouched.
	StrategyAlertOnly StrategyKind = "ALERT_ONLY"
)

// Sentinel errors for the health surface.
var (
	ErrAgentNotFound = errors.New("agent is not registered")
	ErrMonitorClosed = errors.New("health monitor is closed")
)

// RecoveryResult reports the outcome of one recovery attempt.
type RecoveryResult struct {
	AgentID  string        `json:"agentId"`
	Strategy StrategyKind  `json:"strategy"`
	Success  bool          `json:"success"`
	Took     time.Duration `json:"took"`
	Err      error         `json:"-"`
}

// RecoveryStrategy restores an unhealthy agent. Implementations must be
// safe for concurrent use; the monitor guarantees at most one Recover
// call per agent is in flight at a time.
type RecoveryStrategy interface {
	// Kind identifies the strategy in events and logs.
	Kind() StrategyKind
	// Recover attempts to restore the agent. A nil error means the
	// agent should be considered healthy again.
	Recover(ctx context.Context, agentID string) error
}

// AgentHealth is the monitor's record for one agent.
type AgentHealth struct {
	AgentID       string    `json:"agentId"`
	State         State     `json:"state"`
	LastHeartbeat time.Time `json:"lastHeartbeat"`
	LastActivity  time.Time `json:"lastActivity"`
	MissedBeats   int       `json:"missedBeats"`
	RegisteredAt  time.Time `json:"registeredAt"`
	LastError     string    `json:"lastError,omitempty"`
	Recoveries    int       `json:"recoveries"`
}

// Config tunes heartbeat cadence and recovery behavior.
type Config struct {
	// HeartbeatInterval is the expected cadence of agent heartbeats.
	HeartbeatInterval time.Duration
	// ActivityTimeout is how long an agent may sit idle before its
	// liveness probe runs on the next check.
	ActivityTimeout time.Duration
	// MaxMissedBeats is how many consecutive misses mark an agent
	// DISCONNECTED. Misses below the threshold mark it DEGRADED.
	MaxMissedBeats int
	// ZombieFactor multiplies HeartbeatInterval to bound how stale
	// activity may be while heartbeats still arrive before the probe
	// runs. Default 2.
	ZombieFactor int
	// ProbeTimeout bounds each Ping and Probe call.
	ProbeTimeout time.Duration
	// AutoRecover triggers the default strategy when an agent goes
	// DISCONNECTED or ZOMBIE.
	AutoRecover bool
	// DefaultStrategy is used by auto recovery and by RecoverAgent
	// calls that do not name one.
	DefaultStrategy RecoveryStrategy
	// EscalationRate bounds how many state-change events per second the
	// monitor publishes per agent. Zero means no throttle.
	EscalationRate float64
	// Logger receives structured health logs. Defaults to slog.Default().
	Logger *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
	if c.ActivityTimeout <= 0 {
		c.ActivityTimeout = 2 * time.Minute
	}
	if c.MaxMissedBeats <= 0 {
		c.MaxMissedBeats = 3
	}
	if c.ZombieFactor <= 0 {
		c.ZombieFactor = 2
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 5 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// DetectionSLA is the worst-case delay between an agent dying silently
// and the monitor marking it DISCONNECTED.
func (c Config) DetectionSLA() time.Duration {
	return c.HeartbeatInterval * time.Duration(c.MaxMissedBeats)
}

// Validate rejects configurations the monitor cannot run with.
func (c Config) Validate() error {
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat interval must be positive, got %s", c.HeartbeatInterval)
	}
	if c.MaxMissedBeats <= 0 {
		return fmt.Errorf("max missed beats must be positive, got %d", c.MaxMissedBeats)
	}
	if c.AutoRecover && c.DefaultStrategy == nil {
		return errors.New("auto recovery requires a default strategy")
	}
	return nil
}
