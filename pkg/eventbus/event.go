// Package eventbus provides in-process publish/subscribe with glob-style
// topic patterns, a per-topic durable log, priority-tiered replay and
// at-least-once delivery semantics. It is single-node by design;
// cross-process fan-out belongs to an outer layer.
package eventbus

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Priority governs default replay eligibility. CRITICAL events are the
// ones a reconnecting subscriber must not miss.
type Priority string

const (
	// PriorityCritical events are replay-eligible under the default policy.
	PriorityCritical Priority = "CRITICAL"
	// PriorityNormal events replay only under ReplayFull.
	PriorityNormal Priority = "NORMAL"
)

// ReplayPolicy selects which persisted events a subscriber receives on
// replay.
type ReplayPolicy string

const (
	// ReplayNone disables replay for the subscriber.
	ReplayNone ReplayPolicy = "NONE"
	// ReplayCriticalOnly redelivers CRITICAL events. The default.
	ReplayCriticalOnly ReplayPolicy = "CRITICAL_ONLY"
	// ReplayFull redelivers everything in the window.
	ReplayFull ReplayPolicy = "FULL"
)

// Event is an immutable fact published on a topic. IDs are ULIDs, so
// they sort in publish order within this process.
type Event struct {
	ID        string    `json:"id"`
	Topic     string    `json:"topic"`
	Payload   any       `json:"payload"`
	Priority  Priority  `json:"priority"`
	Timestamp time.Time `json:"timestamp"`
	SessionID string    `json:"sessionId,omitempty"`
}

// Handler processes one delivered event. Errors are counted and logged
// by the bus, never propagated to the publisher. Handlers must be
// idempotent: replay can legitimately redeliver events they already saw.
type Handler func(Event) error

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// newEventID returns a time-ordered unique event ID.
func newEventID(t time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}
