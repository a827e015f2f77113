// Package lifecycle runs ordered shutdown of the framework's
// subsystems inside a bounded window.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Step is one named shutdown action. Steps run in registration order.
type Step struct {
	Name string
	Run  func(ctx context.Context) error
}

// Coordinator executes registered shutdown steps once, in order,
// continuing past failures so a stuck subsystem cannot strand the rest.
type Coordinator struct {
	log     *slog.Logger
	timeout time.Duration

	mu    sync.Mutex
	steps []Step
	once  sync.Once
	errs  []error
}

// NewCoordinator creates a shutdown coordinator. The timeout bounds the
// whole shutdown pass; zero means 30 seconds.
func NewCoordinator(timeout time.Duration, logger *slog.Logger) *Coordinator {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		log:     logger.With("component", "lifecycle"),
		timeout: timeout,
	}
}

// Register appends a shutdown step. Registration order is execution
// order; register dependents before their dependencies.
func (c *Coordinator) Register(name string, run func(ctx context.Context) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.steps = append(c.steps, Step{Name: name, Run: run})
}

// Shutdown runs every step once. Repeat calls return the first run's
// outcome. A step failure or timeout is recorded and the pass moves on.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.once.Do(func() {
		ctx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		c.mu.Lock()
		steps := append([]Step(nil), c.steps...)
		c.mu.Unlock()

		c.log.Info("shutdown started", "steps", len(steps), "window", c.timeout)
		for _, step := range steps {
			if err := c.runStep(ctx, step); err != nil {
				c.mu.Lock()
				c.errs = append(c.errs, fmt.Errorf("%s: %w", step.Name, err))
				c.mu.Unlock()
				c.log.Error("shutdown step failed", "step", step.Name, "error", err)
			} else {
				c.log.Info("shutdown step completed", "step", step.Name)
			}
		}
	})

	errs := c.Errors()
	if len(errs) > 0 {
		return fmt.Errorf("shutdown completed with %d failed steps, first: %w", len(errs), errs[0])
	}
	return nil
}

// runStep executes one step, converting a hang into a context error so
// the remaining steps still get their turn.
func (c *Coordinator) runStep(ctx context.Context, step Step) error {
	done := make(chan error, 1)
	go func() { done <- step.Run(ctx) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Errors returns the failures recorded by the shutdown pass.
func (c *Coordinator) Errors() []error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]error(nil), c.errs...)
}
