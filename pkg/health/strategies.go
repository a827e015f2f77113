package health

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// RestartFunc restarts an agent in place. Supplied by the hosting
// runtime, which knows how its agents are launched.
type RestartFunc func(ctx context.Context, agentID string) error

// RestartStrategy restarts the failing agent via the runtime callback,
// with bounded retries and a fixed backoff between attempts.
type RestartStrategy struct {
	Restart  RestartFunc
	Attempts int           // default 3
	Backoff  time.Duration // default 2s
	Logger   *slog.Logger
}

// Kind implements RecoveryStrategy.
func (s *RestartStrategy) Kind() StrategyKind { return StrategyRestart }

// Recover implements RecoveryStrategy.
func (s *RestartStrategy) Recover(ctx context.Context, agentID string) error {
	if s.Restart == nil {
		return fmt.Errorf("restart strategy has no restart callback")
	}
	attempts := s.Attempts
	if attempts <= 0 {
		attempts = 3
	}
	backoff := s.Backoff
	if backoff <= 0 {
		backoff = 2 * time.Second
	}

	var lastErr error
	for i := 1; i <= attempts; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = s.Restart(ctx, agentID)
		if lastErr == nil {
			return nil
		}
		if s.Logger != nil {
			s.Logger.Warn("restart attempt failed",
				"agent_id", agentID, "attempt", i, "error", lastErr)
		}
		if i < attempts {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return fmt.Errorf("restart failed after %d attempts: %w", attempts, lastErr)
}

// ProvisionFunc provisions a replacement for a retired agent and
// returns the new instance's id.
type ProvisionFunc func(ctx context.Context, agentID string) (string, error)

// RetireFunc tears down the old agent instance.
type RetireFunc func(ctx context.Context, agentID string) error

// ReplaceStrategy provisions a fresh agent and retires the old one.
// Retirement failures are logged, not fatal: the replacement already
// carries the workload.
type ReplaceStrategy struct {
	Provision ProvisionFunc
	Retire    RetireFunc
	Logger    *slog.Logger
}

// Kind implements RecoveryStrategy.
func (s *ReplaceStrategy) Kind() StrategyKind { return StrategyReplace }

// Recover implements RecoveryStrategy.
func (s *ReplaceStrategy) Recover(ctx context.Context, agentID string) error {
	if s.Provision == nil {
		return fmt.Errorf("replace strategy has no provision callback")
	}
	replacementID, err := s.Provision(ctx, agentID)
	if err != nil {
		return fmt.Errorf("provisioning replacement for %q: %w", agentID, err)
	}
	if s.Logger != nil {
		s.Logger.Info("replacement provisioned",
			"agent_id", agentID, "replacement_id", replacementID)
	}
	if s.Retire != nil {
		if err := s.Retire(ctx, agentID); err != nil && s.Logger != nil {
			s.Logger.Warn("failed to retire replaced agent",
				"agent_id", agentID, "error", err)
		}
	}
	return nil
}

// AlertFunc delivers an alert about an unrecoverable agent.
type AlertFunc func(ctx context.Context, agentID string) error

// AlertOnlyStrategy raises an alert and leaves the agent alone, for
// agents where automated intervention is unsafe.
type AlertOnlyStrategy struct {
	Alert AlertFunc
}

// Kind implements RecoveryStrategy.
func (s *AlertOnlyStrategy) Kind() StrategyKind { return StrategyAlertOnly }

// Recover implements RecoveryStrategy. It always reports failure so the
// agent stays out of rotation until a human acts.
func (s *AlertOnlyStrategy) Recover(ctx context.Context, agentID string) error {
	if s.Alert != nil {
		if err := s.Alert(ctx, agentID); err != nil {
			return fmt.Errorf("alerting for agent %q: %w", agentID, err)
		}
	}
	return fmt.Errorf("agent %q requires manual intervention", agentID)
}
