package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/agentcore-dev/agentcore/pkg/observability"
)

const (
	// DefaultTTL is the session lifetime applied when CreateOptions
	// doesn't override it.
	DefaultTTL = 72 * time.Hour
	// DefaultMaxRecordBytes is the serialized-size ceiling that triggers
	// trimming.
	DefaultMaxRecordBytes = 1 << 20 // 1 MiB
	// DefaultSweepInterval is the cadence of the expiration/cleanup sweep.
	DefaultSweepInterval = 5 * time.Minute
)

// ManagerConfig tunes session lifecycle behavior. Zero values fall back
// to the documented defaults.
type ManagerConfig struct {
	// DefaultTTL is applied to sessions created without an explicit TTL.
	DefaultTTL time.Duration
	// MaxRecordBytes is the serialized-size ceiling. Records over the
	// ceiling are trimmed on save; 0 disables the bound.
	MaxRecordBytes int
	// SweepInterval is how often the background sweep expires overdue
	// sessions and removes invalidated ones.
	SweepInterval time.Duration
	// Logger receives structured lifecycle logs. Defaults to slog.Default().
	Logger *slog.Logger
}

// CreateOptions configures session creation.
type CreateOptions struct {
	// Metadata is free-form session metadata (userId, tags, ...).
	Metadata map[string]any
	// TTL overrides the manager's default session lifetime.
	TTL time.Duration
}

// Manager owns session lifecycle: create, save with trim + optimistic
// locking, restore with lazy expiration, pause/resume/close/invalidate,
// and the background cleanup sweep. It is safe for concurrent use.
type Manager struct {
	store Store
	cfg   ManagerConfig
	log   *slog.Logger

	// now is swappable for deterministic TTL tests.
	now func() time.Time

	cronMu  sync.Mutex
	sweeper *cron.Cron

	created   atomic.Int64
	saved     atomic.Int64
	conflicts atomic.Int64
	trimmed   atomic.Int64
	expired   atomic.Int64
	deleted   atomic.Int64
}

// NewManager creates a session manager on top of a store.
func NewManager(store Store, cfg ManagerConfig) *Manager {
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = DefaultTTL
	}
	if cfg.MaxRecordBytes == 0 {
		cfg.MaxRecordBytes = DefaultMaxRecordBytes
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{
		store: store,
		cfg:   cfg,
		log:   cfg.Logger.With("component", "session-manager"),
		now:   time.Now,
	}
}

// Create builds a fresh ACTIVE session at version 0 and persists it
// immediately. Only storage unavailability can fail this.
func (m *Manager) Create(ctx context.Context, opts CreateOptions) (*Session, error) {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = m.cfg.DefaultTTL
	}
	now := m.now().UTC()
	s := &Session{
		ID:        uuid.New().String(),
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(ttl),
		State:     StateActive,
		Metadata:  opts.Metadata,
		Version:   0,
	}
	if err := m.store.Save(ctx, s, 0); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	m.created.Add(1)
	observability.SessionCreated()
	m.log.Debug("session created", "session_id", s.ID, "expires_at", s.ExpiresAt)
	return s, nil
}

// Save serializes the session, trims it under the byte ceiling, bumps the
// version and writes through the store's compare-and-swap. On a
// ConflictError the caller must re-Restore, re-apply its changes and try
// again; the manager never retries on the caller's behalf.
func (m *Manager) Save(ctx context.Context, s *Session) error {
	expected := s.Version
	s.UpdatedAt = m.now().UTC()
	s.Version = expected + 1

	_, didTrim, err := EncodeBounded(s, m.cfg.MaxRecordBytes)
	if err != nil {
		s.Version = expected
		return err
	}
	if didTrim {
		m.trimmed.Add(1)
		observability.SessionTrimmed()
		m.log.Info("session trimmed to size ceiling", "session_id", s.ID, "ceiling_bytes", m.cfg.MaxRecordBytes)
	}

	if err := m.store.Save(ctx, s, expected); err != nil {
		s.Version = expected
		if IsConflict(err) {
			m.conflicts.Add(1)
			observability.SessionConflict()
		}
		return err
	}
	m.saved.Add(1)
	observability.SessionSaved()
	return nil
}

// Restore loads a session by ID. ACTIVE and PAUSED sessions past their
// TTL are lazily transitioned to EXPIRED (persisted best-effort) and
// reported as not found, so callers never observe an impossible state.
// CLOSED sessions stay readable regardless of age.
func (m *Manager) Restore(ctx context.Context, id string) (*Session, error) {
	s, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.State == StateExpired || s.State == StateInvalidated {
		return nil, ErrNotFound
	}
	if (s.State == StateActive || s.State == StatePaused) && s.Expired(m.now()) {
		m.lazyExpire(ctx, s)
		return nil, ErrNotFound
	}
	return s, nil
}

// lazyExpire marks a session EXPIRED and persists the transition.
// Losing the race to another reader doing the same is fine.
func (m *Manager) lazyExpire(ctx context.Context, s *Session) {
	expected := s.Version
	s.State = StateExpired
	s.UpdatedAt = m.now().UTC()
	s.Version = expected + 1
	if err := m.store.Save(ctx, s, expected); err != nil && !IsConflict(err) {
		m.log.Warn("persisting lazy expiration failed", "session_id", s.ID, "error", err)
		return
	}
	m.expired.Add(1)
	observability.SessionExpired()
	m.log.Debug("session lazily expired", "session_id", s.ID)
}

// Pause transitions ACTIVE → PAUSED.
func (m *Manager) Pause(ctx context.Context, id string) error {
	return m.transition(ctx, id, StatePaused)
}

// Resume transitions PAUSED → ACTIVE.
func (m *Manager) Resume(ctx context.Context, id string) error {
	return m.transition(ctx, id, StateActive)
}

// CloseSession ends a session normally. Terminal.
func (m *Manager) CloseSession(ctx context.Context, id string) error {
	return m.transition(ctx, id, StateClosed)
}

// Invalidate marks a session for physical removal by the cleanup sweep.
func (m *Manager) Invalidate(ctx context.Context, id string) error {
	s, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if s.State == StateInvalidated {
		return nil
	}
	expected := s.Version
	s.State = StateInvalidated
	s.UpdatedAt = m.now().UTC()
	s.Version = expected + 1
	return m.store.Save(ctx, s, expected)
}

func (m *Manager) transition(ctx context.Context, id string, to State) error {
	s, err := m.Restore(ctx, id)
	if err != nil {
		return err
	}
	if !CanTransition(s.State, to) {
		return &ValidationError{Reason: fmt.Sprintf("session %s: illegal transition %s -> %s", id, s.State, to)}
	}
	expected := s.Version
	s.State = to
	s.UpdatedAt = m.now().UTC()
	s.Version = expected + 1
	return m.store.Save(ctx, s, expected)
}

// Delete removes a session from storage. Idempotent: a missing ID is not
// an error.
func (m *Manager) Delete(ctx context.Context, id string) error {
	if err := m.store.Delete(ctx, id); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	m.deleted.Add(1)
	return nil
}

// List returns the IDs of all known non-expired sessions.
func (m *Manager) List(ctx context.Context) ([]string, error) {
	ids, err := m.store.List(ctx)
	if err != nil {
		return nil, err
	}
	now := m.now()
	live := ids[:0]
	for _, id := range ids {
		s, err := m.store.Get(ctx, id)
		if err != nil {
			continue
		}
		if s.State == StateExpired || s.State == StateInvalidated || s.Expired(now) {
			continue
		}
		live = append(live, id)
	}
	return live, nil
}

// Stats returns aggregate lifecycle counters plus live state counts.
func (m *Manager) Stats(ctx context.Context) (ManagerStats, error) {
	stats := ManagerStats{
		Created:   m.created.Load(),
		Saved:     m.saved.Load(),
		Conflicts: m.conflicts.Load(),
		Trimmed:   m.trimmed.Load(),
		Expired:   m.expired.Load(),
		Deleted:   m.deleted.Load(),
	}
	ids, err := m.store.List(ctx)
	if err != nil {
		return stats, err
	}
	for _, id := range ids {
		s, err := m.store.Get(ctx, id)
		if err != nil {
			continue
		}
		stats.Total++
		switch s.State {
		case StateActive:
			stats.Active++
		case StatePaused:
			stats.Paused++
		}
	}
	return stats, nil
}

// Sweep runs one expiration/cleanup pass: overdue ACTIVE/PAUSED sessions
// become EXPIRED, INVALIDATED_PENDING_CLEANUP records are physically
// deleted. Errors for one session never stop the pass.
func (m *Manager) Sweep(ctx context.Context) {
	ids, err := m.store.List(ctx)
	if err != nil {
		m.log.Warn("sweep: listing sessions failed", "error", err)
		return
	}
	now := m.now()
	for _, id := range ids {
		s, err := m.store.Get(ctx, id)
		if err != nil {
			m.log.Warn("sweep: loading session failed", "session_id", id, "error", err)
			continue
		}
		switch {
		case s.State == StateInvalidated:
			if err := m.store.Delete(ctx, id); err != nil {
				m.log.Warn("sweep: deleting invalidated session failed", "session_id", id, "error", err)
				continue
			}
			m.deleted.Add(1)
			m.log.Debug("sweep: removed invalidated session", "session_id", id)
		case (s.State == StateActive || s.State == StatePaused) && s.Expired(now):
			m.lazyExpire(ctx, s)
		}
	}
}

// StartSweeper schedules Sweep on the configured interval.
func (m *Manager) StartSweeper() error {
	m.cronMu.Lock()
	defer m.cronMu.Unlock()
	if m.sweeper != nil {
		return nil
	}
	c := cron.New()
	spec := fmt.Sprintf("@every %s", m.cfg.SweepInterval)
	if _, err := c.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.SweepInterval)
		defer cancel()
		m.Sweep(ctx)
	}); err != nil {
		return fmt.Errorf("schedule sweep: %w", err)
	}
	c.Start()
	m.sweeper = c
	m.log.Info("session sweeper started", "interval", m.cfg.SweepInterval)
	return nil
}

// StopSweeper stops the background sweep, waiting for an in-flight pass.
func (m *Manager) StopSweeper() {
	m.cronMu.Lock()
	defer m.cronMu.Unlock()
	if m.sweeper == nil {
		return
	}
	<-m.sweeper.Stop().Done()
	m.sweeper = nil
	m.log.Info("session sweeper stopped")
}

// Close stops the sweeper and closes the underlying store.
func (m *Manager) Close() error {
	m.StopSweeper()
	return m.store.Close()
}
