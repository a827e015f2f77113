// Package session provides durable, versioned conversation state for
// multi-agent deployments. Sessions survive process restarts through a
// pluggable Store contract and are protected against concurrent writers
// by optimistic locking on an integer version.
package session

import (
	"time"
)

// State is the lifecycle state of a session.
type State string

const (
	// StateActive is the normal operating state.
	StateActive State = "ACTIVE"
	// StatePaused is an explicitly suspended session that can be resumed.
	StatePaused State = "PAUSED"
	// StateExpired means the TTL elapsed. Terminal for normal flow.
	StateExpired State = "EXPIRED"
	// StateInvalidated marks a session for physical removal by the
	// cleanup sweep.
	StateInvalidated State = "INVALIDATED_PENDING_CLEANUP"
	// StateClosed is an explicit, normal termination. Terminal.
	StateClosed State = "CLOSED"
)

// validTransitions encodes the session state machine. The zero-length
// entries are terminal states.
var validTransitions = map[State][]State{
	StateActive:      {StatePaused, StateExpired, StateInvalidated, StateClosed},
	StatePaused:      {StateActive, StateExpired, StateInvalidated, StateClosed},
	StateExpired:     {StateInvalidated},
	StateClosed:      {StateInvalidated},
	StateInvalidated: {},
}

// CanTransition reports whether moving from one state to another is legal.
func CanTransition(from, to State) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// AgentResponse is a single agent's reply inside a conversation turn.
type AgentResponse struct {
	AgentID   string    `json:"agentId"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Turn is one user message and the agent responses it produced.
// Sequence numbers are strictly increasing within a session.
type Turn struct {
	Seq         int             `json:"seq"`
	Timestamp   time.Time       `json:"timestamp"`
	UserMessage string          `json:"userMessage"`
	Responses   []AgentResponse `json:"responses,omitempty"`
}

// ContextField is a named context value with trim metadata. Fields are
// kept as an ordered slice so the trim algorithm can honor declaration
// order when discarding trimmable material.
type ContextField struct {
	Key       string `json:"key"`
	Value     any    `json:"value"`
	Trimmable bool   `json:"trimmable,omitempty"`
}

// HistoryMessage is one entry of an agent's private message history.
type HistoryMessage struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// AgentState is the per-agent slice of a session: configuration, context
// fields and a bounded private message history.
type AgentState struct {
	Config  map[string]any   `json:"config,omitempty"`
	Context []ContextField   `json:"context,omitempty"`
	History []HistoryMessage `json:"history,omitempty"`
}

// SetContext sets or replaces a context field, preserving declaration
// order for existing keys.
func (a *AgentState) SetContext(key string, value any, trimmable bool) {
	for i := range a.Context {
		if a.Context[i].Key == key {
			a.Context[i].Value = value
			a.Context[i].Trimmable = trimmable
			return
		}
	}
	a.Context = append(a.Context, ContextField{Key: key, Value: value, Trimmable: trimmable})
}

// GetContext returns a context field value by key.
func (a *AgentState) GetContext(key string) (any, bool) {
	for i := range a.Context {
		if a.Context[i].Key == key {
			return a.Context[i].Value, true
		}
	}
	return nil, false
}

// Session is a durable unit of multi-agent conversation state.
// All mutation goes through the Manager; the Version field is bumped on
// every successful save and checked by the Store's compare-and-swap.
type Session struct {
	ID          string                 `json:"id"`
	CreatedAt   time.Time              `json:"createdAt"`
	UpdatedAt   time.Time              `json:"updatedAt"`
	ExpiresAt   time.Time              `json:"expiresAt"`
	State       State                  `json:"state"`
	AgentIDs    []string               `json:"agentIds,omitempty"`
	AgentStates map[string]*AgentState `json:"agentStates,omitempty"`
	History     []Turn                 `json:"conversationHistory,omitempty"`
	SharedCtx   map[string]any         `json:"sharedContext,omitempty"`
	Metadata    map[string]any         `json:"metadata,omitempty"`
	Version     int64                  `json:"version"`
}

// AddAgent registers an agent as a session participant. Adding an agent
// twice is a no-op.
func (s *Session) AddAgent(agentID string) *AgentState {
	if s.AgentStates == nil {
		s.AgentStates = make(map[string]*AgentState)
	}
	if st, ok := s.AgentStates[agentID]; ok {
		return st
	}
	s.AgentIDs = append(s.AgentIDs, agentID)
	st := &AgentState{}
	s.AgentStates[agentID] = st
	return st
}

// AppendTurn appends a conversation turn with the next sequence number.
func (s *Session) AppendTurn(userMessage string, responses []AgentResponse, at time.Time) *Turn {
	seq := 1
	if n := len(s.History); n > 0 {
		seq = s.History[n-1].Seq + 1
	}
	s.History = append(s.History, Turn{
		Seq:         seq,
		Timestamp:   at,
		UserMessage: userMessage,
		Responses:   responses,
	})
	return &s.History[len(s.History)-1]
}

// Expired reports whether the session TTL elapsed at the given instant.
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}

// Clone returns a deep copy. Stores hand out clones so callers can never
// mutate persisted state behind the Manager's back.
func (s *Session) Clone() *Session {
	cp := *s
	cp.AgentIDs = append([]string(nil), s.AgentIDs...)
	if s.AgentStates != nil {
		cp.AgentStates = make(map[string]*AgentState, len(s.AgentStates))
		for id, st := range s.AgentStates {
			stc := &AgentState{
				Config:  cloneMap(st.Config),
				Context: append([]ContextField(nil), st.Context...),
				History: append([]HistoryMessage(nil), st.History...),
			}
			cp.AgentStates[id] = stc
		}
	}
	cp.History = make([]Turn, len(s.History))
	for i, t := range s.History {
		cp.History[i] = t
		cp.History[i].Responses = append([]AgentResponse(nil), t.Responses...)
	}
	cp.SharedCtx = cloneMap(s.SharedCtx)
	cp.Metadata = cloneMap(s.Metadata)
	return &cp
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// StoreStats is the flat summary a backend reports for observability.
type StoreStats struct {
	Backend  string `json:"backend"`
	Sessions int    `json:"sessions"`
	Bytes    int64  `json:"bytes,omitempty"`
}

// ManagerStats aggregates manager-level counters for the health surface.
type ManagerStats struct {
	Active    int   `json:"active"`
	Paused    int   `json:"paused"`
	Total     int   `json:"total"`
	Created   int64 `json:"created"`
	Saved     int64 `json:"saved"`
	Conflicts int64 `json:"conflicts"`
	Trimmed   int64 `json:"trimmed"`
	Expired   int64 `json:"expired"`
	Deleted   int64 `json:"deleted"`
}
