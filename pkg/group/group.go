// Package group coordinates multi-agent conversation groups on top of
// the event bus and health monitor.
package group

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/agentcore-dev/agentcore/pkg/eventbus"
	"github.com/agentcore-dev/agentcore/pkg/health"
)

// ErrGroupNotFound is returned for operations on unknown groups.
var ErrGroupNotFound = errors.New("group not found")

// Group is a named roster of agents working one session.
type Group struct {
	ID        string   `json:"id"`
	SessionID string   `json:"sessionId"`
	AgentIDs  []string `json:"agentIds"`
}

// Stats summarizes the coordinator.
type Stats struct {
	Groups  int `json:"groups"`
	Members int `json:"members"`
	Evicted int `json:"evicted"`
}

// Coordinator tracks group rosters and evicts members the health
// monitor reports as gone, so a dead agent never keeps a group waiting.
type Coordinator struct {
	log *slog.Logger

	mu      sync.RWMutex
	groups  map[string]*Group
	evicted int

	unsubscribe func()
}

// NewCoordinator creates a coordinator and subscribes it to
// disconnection and failure events on the bus.
func NewCoordinator(bus *eventbus.Bus, logger *slog.Logger) (*Coordinator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Coordinator{
		log:    logger.With("component", "group-coordinator"),
		groups: make(map[string]*Group),
	}

	if bus != nil {
		unsubDisc, err := bus.Subscribe(health.TopicDisconnected, "group-coordinator", c.onAgentGone)
		if err != nil {
			return nil, err
		}
		unsubFail, err := bus.Subscribe(health.TopicFailed, "group-coordinator", c.onAgentGone)
		if err != nil {
			unsubDisc()
			return nil, err
		}
		c.unsubscribe = func() {
			unsubDisc()
			unsubFail()
		}
	}
	return c, nil
}

// CreateGroup registers a roster. The id must be unique.
func (c *Coordinator) CreateGroup(id, sessionID string, agentIDs []string) (*Group, error) {
	if id == "" {
		return nil, errors.New("group id cannot be empty")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.groups[id]; exists {
		return nil, fmt.Errorf("group %q already exists", id)
	}
	g := &Group{ID: id, SessionID: sessionID, AgentIDs: append([]string(nil), agentIDs...)}
	c.groups[id] = g
	return cloneGroup(g), nil
}

// GetGroup returns a copy of the roster.
func (c *Coordinator) GetGroup(id string) (*Group, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	g, ok := c.groups[id]
	if !ok {
		return nil, ErrGroupNotFound
	}
	return cloneGroup(g), nil
}

// AddMember appends an agent to a roster if not already present.
func (c *Coordinator) AddMember(groupID, agentID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	g, ok := c.groups[groupID]
	if !ok {
		return ErrGroupNotFound
	}
	for _, id := range g.AgentIDs {
		if id == agentID {
			return nil
		}
	}
	g.AgentIDs = append(g.AgentIDs, agentID)
	return nil
}

// RemoveMember drops an agent from a roster. Idempotent.
func (c *Coordinator) RemoveMember(groupID, agentID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	g, ok := c.groups[groupID]
	if !ok {
		return ErrGroupNotFound
	}
	removeID(g, agentID)
	return nil
}

// DeleteGroup drops a roster. Idempotent.
func (c *Coordinator) DeleteGroup(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.groups, id)
}

// onAgentGone evicts the reported agent from every roster.
func (c *Coordinator) onAgentGone(ev eventbus.Event) error {
	change, ok := ev.Payload.(health.StateChange)
	if !ok {
		return fmt.Errorf("unexpected payload %T on %s", ev.Payload, ev.Topic)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, g := range c.groups {
		if removeID(g, change.AgentID) {
			c.evicted++
			c.log.Info("evicted unavailable agent from group",
				"agent_id", change.AgentID, "group_id", g.ID, "reason", string(change.To))
		}
	}
	return nil
}

// GetStats summarizes the coordinator.
func (c *Coordinator) GetStats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	members := 0
	for _, g := range c.groups {
		members += len(g.AgentIDs)
	}
	return Stats{Groups: len(c.groups), Members: members, Evicted: c.evicted}
}

// Close detaches the coordinator from the bus.
func (c *Coordinator) Close() {
	if c.unsubscribe != nil {
		c.unsubscribe()
		c.unsubscribe = nil
	}
}

func removeID(g *Group, agentID string) bool {
	for i, id := range g.AgentIDs {
		if id == agentID {
			g.AgentIDs = append(g.AgentIDs[:i], g.AgentIDs[i+1:]...)
			return true
		}
	}
	return false
}

func cloneGroup(g *Group) *Group {
	return &Group{ID: g.ID, SessionID: g.SessionID, AgentIDs: append([]string(nil), g.AgentIDs...)}
}
