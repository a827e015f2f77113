package eventbus

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agentcore-dev/agentcore/pkg/observability"
)

// ErrBusClosed is returned when operating on a closed bus.
var ErrBusClosed = errors.New("event bus is closed")

const (
	// DefaultRetentionMaxAge bounds how long persisted events are kept.
	DefaultRetentionMaxAge = 24 * time.Hour
	// DefaultMaxEntries bounds the replay registry size.
	DefaultMaxEntries = 10000
)

// Config tunes bus persistence and replay behavior.
type Config struct {
	// Dir is the durable log directory. Required.
	Dir string
	// RetentionMaxAge is the maximum age of persisted events; older
	// entries are pruned on publish. Defaults to 24h.
	RetentionMaxAge time.Duration
	// MaxEntries caps the replay registry; oldest entries are pruned
	// first. Defaults to 10000.
	MaxEntries int
	// DefaultReplayPolicy applies to subscribers without an explicit
	// policy. Defaults to ReplayCriticalOnly.
	DefaultReplayPolicy ReplayPolicy
	// Logger receives structured delivery logs. Defaults to slog.Default().
	Logger *slog.Logger
}

// PublishOption customizes one publish call.
type PublishOption func(*Event)

// WithPriority sets the event priority (default NORMAL).
func WithPriority(p Priority) PublishOption {
	return func(ev *Event) { ev.Priority = p }
}

// WithSessionID tags the event with a session for filtered delivery and
// history pruning.
func WithSessionID(id string) PublishOption {
	return func(ev *Event) { ev.SessionID = id }
}

// SubscribeOption customizes one subscription.
type SubscribeOption func(*subscription)

// WithPriorityFilter restricts delivery to one priority.
func WithPriorityFilter(p Priority) SubscribeOption {
	return func(s *subscription) { s.priority = p }
}

// WithSessionFilter restricts delivery to events tagged with a session.
func WithSessionFilter(id string) SubscribeOption {
	return func(s *subscription) { s.sessionID = id }
}

// subscription is one (pattern, subscriber) registration. A subscriber
// may hold several across different topics.
type subscription struct {
	seq          uint64
	pattern      string
	subscriberID string
	handler      Handler
	priority     Priority // "" = any
	sessionID    string   // "" = any
}

func (s *subscription) wants(ev Event) bool {
	if !MatchTopic(s.pattern, ev.Topic) {
		return false
	}
	if s.priority != "" && s.priority != ev.Priority {
		return false
	}
	if s.sessionID != "" && s.sessionID != ev.SessionID {
		return false
	}
	return true
}

// Stats is the flat bus summary for the health surface.
type Stats struct {
	Published           int64            `json:"published"`
	Delivered           int64            `json:"delivered"`
	Replayed            int64            `json:"replayed"`
	HandlerErrors       int64            `json:"handlerErrors"`
	ByPriority          map[string]int64 `json:"byPriority"`
	ActiveSubscriptions int              `json:"activeSubscriptions"`
	Topics              int              `json:"topics"`
	AvgPropagation      time.Duration    `json:"avgPropagationNs"`
}

// Bus is the in-process event bus. Delivery is synchronous, in
// subscriber-registration order, with per-pass dedup keyed on
// (subscriber id, event id). Handler failures are isolated: one
// subscriber's error never blocks delivery to the rest or the publisher.
type Bus struct {
	cfg Config
	log *slog.Logger

	mu       sync.Mutex
	subs     []*subscription
	nextSeq  uint64
	policies map[string]ReplayPolicy
	registry []Event
	dlog     *eventLog
	pruned   bool // registry dropped entries the disk logs still hold
	closed   bool

	published     int64
	delivered     int64
	replayed      int64
	handlerErrors int64
	byPriority    map[string]int64
	latencyTotal  time.Duration
	latencyCount  int64

	// now is swappable for deterministic retention tests.
	now func() time.Time
}

// New creates a bus and hydrates the replay registry from any logs
// already present in cfg.Dir, so replay works across process restarts.
func New(cfg Config) (*Bus, error) {
	if cfg.Dir == "" {
		return nil, errors.New("event log directory is required")
	}
	if cfg.RetentionMaxAge <= 0 {
		cfg.RetentionMaxAge = DefaultRetentionMaxAge
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultMaxEntries
	}
	if cfg.DefaultReplayPolicy == "" {
		cfg.DefaultReplayPolicy = ReplayCriticalOnly
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	dlog, err := newEventLog(cfg.Dir)
	if err != nil {
		return nil, err
	}
	registry, err := dlog.load()
	if err != nil {
		return nil, err
	}

	b := &Bus{
		cfg:        cfg,
		log:        cfg.Logger.With("component", "event-bus"),
		policies:   make(map[string]ReplayPolicy),
		registry:   registry,
		dlog:       dlog,
		byPriority: make(map[string]int64),
		now:        time.Now,
	}
	// Retention bounds apply to the hydrated history too, so a restart
	// never resurrects events pruned in a previous run.
	if b.pruneLocked(b.now()) > 0 {
		if err := b.dlog.rewrite(b.registry); err != nil {
			return nil, err
		}
		b.pruned = false
	}
	return b, nil
}

// Publish persists an event and delivers it synchronously to every
// matching live subscriber. Returns the event ID. The publish succeeds
// even when handlers fail; handler errors are counted and logged.
func (b *Bus) Publish(topic string, payload any, opts ...PublishOption) (string, error) {
	if err := ValidateTopic(topic); err != nil {
		return "", err
	}

	now := b.now()
	ev := Event{
		ID:        newEventID(now),
		Topic:     topic,
		Payload:   payload,
		Priority:  PriorityNormal,
		Timestamp: now,
	}
	for _, opt := range opts {
		opt(&ev)
	}
	if ev.Priority != PriorityCritical && ev.Priority != PriorityNormal {
		return "", fmt.Errorf("invalid priority %q", ev.Priority)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return "", ErrBusClosed
	}
	if err := b.dlog.append(ev); err != nil {
		b.mu.Unlock()
		return "", err
	}
	b.registry = append(b.registry, ev)
	b.pruneLocked(now)
	b.published++
	b.byPriority[string(ev.Priority)]++
	matching := b.matchingLocked(ev)
	b.mu.Unlock()

	observability.EventPublished(string(ev.Priority))
	b.deliver(ev, matching, now)
	return ev.ID, nil
}

// matchingLocked snapshots the subscriptions wanting ev, in registration
// order. Caller holds b.mu.
func (b *Bus) matchingLocked(ev Event) []*subscription {
	var out []*subscription
	for _, sub := range b.subs {
		if sub.wants(ev) {
			out = append(out, sub)
		}
	}
	return out
}

// deliver invokes handlers outside the bus lock so a handler may publish
// or subscribe without deadlocking the bus. Dedup is per subscriber per
// pass: overlapping patterns held by one subscriber yield one delivery.
func (b *Bus) deliver(ev Event, subs []*subscription, start time.Time) {
	seen := make(map[string]struct{}, len(subs))
	count := 0
	for _, sub := range subs {
		if _, dup := seen[sub.subscriberID]; dup {
			continue
		}
		seen[sub.subscriberID] = struct{}{}
		b.invoke(ev, sub)
		count++
	}
	if count == 0 {
		return
	}

	latency := b.now().Sub(start)
	b.mu.Lock()
	b.delivered += int64(count)
	b.latencyTotal += latency
	b.latencyCount++
	b.mu.Unlock()

	observability.EventDelivered(count)
	observability.EventPropagation(latency)
}

// invoke runs one handler, containing errors and panics.
func (b *Bus) invoke(ev Event, sub *subscription) {
	defer func() {
		if r := recover(); r != nil {
			b.mu.Lock()
			b.handlerErrors++
			b.mu.Unlock()
			observability.EventHandlerError()
			b.log.Error("subscriber handler panicked",
				"subscriber_id", sub.subscriberID, "topic", ev.Topic, "event_id", ev.ID, "panic", r)
		}
	}()
	if err := sub.handler(ev); err != nil {
		b.mu.Lock()
		b.handlerErrors++
		b.mu.Unlock()
		observability.EventHandlerError()
		b.log.Warn("subscriber handler failed",
			"subscriber_id", sub.subscriberID, "topic", ev.Topic, "event_id", ev.ID, "error", err)
	}
}

// pruneLocked enforces retention bounds, oldest entries first, and
// reports how many entries were dropped. Dropped entries linger on disk
// until Close or ClearHistory rewrites the logs; New re-applies the
// bounds on hydration either way. Caller holds b.mu.
func (b *Bus) pruneLocked(now time.Time) int {
	cutoff := now.Add(-b.cfg.RetentionMaxAge)
	drop := 0
	for drop < len(b.registry) && b.registry[drop].Timestamp.Before(cutoff) {
		drop++
	}
	if over := len(b.registry) - drop - b.cfg.MaxEntries; over > 0 {
		drop += over
	}
	if drop > 0 {
		b.registry = append([]Event(nil), b.registry[drop:]...)
		b.pruned = true
	}
	return drop
}

// Subscribe registers a handler for a topic pattern under a subscriber
// identity and returns its unsubscribe function.
func (b *Bus) Subscribe(pattern, subscriberID string, handler Handler, opts ...SubscribeOption) (func(), error) {
	if err := ValidatePattern(pattern); err != nil {
		return nil, err
	}
	if subscriberID == "" {
		return nil, errors.New("subscriber id cannot be empty")
	}
	if handler == nil {
		return nil, errors.New("handler cannot be nil")
	}

	sub := &subscription{
		pattern:      pattern,
		subscriberID: subscriberID,
		handler:      handler,
	}
	for _, opt := range opts {
		opt(sub)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}
	b.nextSeq++
	sub.seq = b.nextSeq
	b.subs = append(b.subs, sub)

	seq := sub.seq
	return func() { b.removeSub(seq) }, nil
}

func (b *Bus) removeSub(seq uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.seq == seq {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// UnsubscribeAll removes every subscription held by a subscriber.
func (b *Bus) UnsubscribeAll(subscriberID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	kept := b.subs[:0]
	for _, s := range b.subs {
		if s.subscriberID != subscriberID {
			kept = append(kept, s)
		}
	}
	b.subs = kept
	delete(b.policies, subscriberID)
}

// SetReplayPolicy overrides the subscriber's replay policy.
func (b *Bus) SetReplayPolicy(subscriberID string, policy ReplayPolicy) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.policies[subscriberID] = policy
}

// ReplayOptions restricts a replay pass. Zero Since/Until mean an
// unbounded window; empty Topics means "the subscriber's own patterns".
type ReplayOptions struct {
	Since  time.Time
	Until  time.Time
	Topics []string
}

// Replay redelivers persisted events to one subscriber, filtered by its
// topic patterns (or the explicit Topics), the time window and the
// subscriber's replay policy. Events the subscriber already saw live may
// be redelivered; handlers must be idempotent. Returns the number of
// events redelivered.
func (b *Bus) Replay(subscriberID string, opts ReplayOptions) (int, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return 0, ErrBusClosed
	}
	policy, ok := b.policies[subscriberID]
	if !ok {
		policy = b.cfg.DefaultReplayPolicy
	}
	var subs []*subscription
	for _, s := range b.subs {
		if s.subscriberID == subscriberID {
			subs = append(subs, s)
		}
	}
	events := append([]Event(nil), b.registry...)
	b.mu.Unlock()

	if policy == ReplayNone || len(subs) == 0 {
		return 0, nil
	}

	count := 0
	start := b.now()
	for _, ev := range events {
		if policy == ReplayCriticalOnly && ev.Priority != PriorityCritical {
			continue
		}
		if !opts.Since.IsZero() && ev.Timestamp.Before(opts.Since) {
			continue
		}
		if !opts.Until.IsZero() && ev.Timestamp.After(opts.Until) {
			continue
		}
		if len(opts.Topics) > 0 {
			if !topicIn(ev.Topic, opts.Topics) {
				continue
			}
		} else if !anyWants(subs, ev) {
			continue
		}

		delivered := false
		for _, sub := range subs {
			if len(opts.Topics) > 0 || sub.wants(ev) {
				b.invoke(ev, sub)
				delivered = true
				break // one delivery per subscriber per event
			}
		}
		if delivered {
			count++
		}
	}

	b.mu.Lock()
	b.replayed += int64(count)
	b.mu.Unlock()
	observability.EventReplayed(count)
	b.log.Info("replay completed",
		"subscriber_id", subscriberID, "policy", string(policy), "redelivered", count,
		"took", b.now().Sub(start))
	return count, nil
}

func topicIn(topic string, topics []string) bool {
	for _, t := range topics {
		if MatchTopic(t, topic) {
			return true
		}
	}
	return false
}

func anyWants(subs []*subscription, ev Event) bool {
	for _, s := range subs {
		if s.wants(ev) {
			return true
		}
	}
	return false
}

// ClearHistory prunes the durable log. Filters combine: a non-empty
// sessionID drops that session's events, a non-zero beforeTimestamp
// drops older events. With neither filter the whole history is cleared.
func (b *Bus) ClearHistory(sessionID string, beforeTimestamp time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBusClosed
	}

	if sessionID == "" && beforeTimestamp.IsZero() {
		b.registry = nil
		b.pruned = false
		return b.dlog.rewrite(nil)
	}

	kept := make([]Event, 0, len(b.registry))
	for _, ev := range b.registry {
		drop := true
		if sessionID != "" && ev.SessionID != sessionID {
			drop = false
		}
		if !beforeTimestamp.IsZero() && !ev.Timestamp.Before(beforeTimestamp) {
			drop = false
		}
		if sessionID != "" && !beforeTimestamp.IsZero() {
			drop = ev.SessionID == sessionID && ev.Timestamp.Before(beforeTimestamp)
		}
		if !drop {
			kept = append(kept, ev)
		}
	}
	b.registry = kept
	b.pruned = false
	return b.dlog.rewrite(kept)
}

// GetStats returns the flat bus summary.
func (b *Bus) GetStats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	byPriority := make(map[string]int64, len(b.byPriority))
	for k, v := range b.byPriority {
		byPriority[k] = v
	}
	topics := make(map[string]struct{})
	for _, ev := range b.registry {
		topics[ev.Topic] = struct{}{}
	}
	var avg time.Duration
	if b.latencyCount > 0 {
		avg = b.latencyTotal / time.Duration(b.latencyCount)
	}
	return Stats{
		Published:           b.published,
		Delivered:           b.delivered,
		Replayed:            b.replayed,
		HandlerErrors:       b.handlerErrors,
		ByPriority:          byPriority,
		ActiveSubscriptions: len(b.subs),
		Topics:              len(topics),
		AvgPropagation:      avg,
	}
}

// Close flushes and releases log handles, rewriting the logs first if
// in-memory pruning outran the disk. Idempotent.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	b.subs = nil
	if b.pruned {
		if err := b.dlog.rewrite(b.registry); err != nil {
			return err
		}
		b.pruned = false
	}
	return b.dlog.closeFiles()
}
