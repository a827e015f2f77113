// Package agent defines the minimal contract an agent exposes to the
// framework's health machinery.
package agent

import "context"

// Agent is the interface monitored agents must implement.
// External packages should implement this interface for custom agents.
//
// Ping and Probe serve different purposes: Ping answers "is the process
// reachable", Probe answers "is the agent actually doing useful work".
// An agent can pass Ping while failing Probe, which is how zombie agents
// are detected.
type Agent interface {
	// ID returns the unique identifier for this agent instance.
	// Agent IDs must be unique within a Monitor.
	ID() string

	// Ping checks basic reachability. It should be cheap and must
	// respect the context deadline.
	Ping(ctx context.Context) error

	// Probe performs a liveness check that exercises the agent's actual
	// work path. Implementations should verify the agent can make
	// progress, not just that it responds.
	Probe(ctx context.Context) error
}

// Func adapts plain functions into an Agent. Nil functions succeed,
// which makes it convenient for tests and static agents.
type Func struct {
	AgentID string
	PingFn  func(ctx context.Context) error
	ProbeFn func(ctx context.Context) error
}

// ID implements Agent.
func (f *Func) ID() string { return f.AgentID }

// Ping implements Agent.
func (f *Func) Ping(ctx context.Context) error {
	if f.PingFn == nil {
		return nil
	}
	return f.PingFn(ctx)
}

// Probe implements Agent.
func (f *Func) Probe(ctx context.Context) error {
	if f.ProbeFn == nil {
		return nil
	}
	return f.ProbeFn(ctx)
}
