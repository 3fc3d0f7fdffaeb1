package registry

import (
	"time"

	"github.com/vinayprograms/swarmbus/errors"
)

// ErrClosed is returned by every operation after Close.
var ErrClosed = errors.Closed("registry")

// AgentInfo is the externally visible view of one tracked agent.
type AgentInfo struct {
	// ID uniquely identifies the agent.
	ID string

	// State is the lifecycle state name (e.g. "IDLE", "ERROR").
	State string

	// Topics the agent is subscribed to.
	Topics []string

	// RestartCount is the number of restart signals issued since the agent
	// last recovered.
	RestartCount int

	// LastSeen is the time of the agent's latest heartbeat.
	LastSeen time.Time

	// Metadata contains additional key-value pairs.
	Metadata map[string]string
}

// HasTopic reports whether the agent is subscribed to topic.
func (a AgentInfo) HasTopic(topic string) bool {
	for _, t := range a.Topics {
		if t == topic {
			return true
		}
	}
	return false
}

// clone returns a deep copy so callers cannot mutate stored entries.
func (a AgentInfo) clone() AgentInfo {
	if a.Topics != nil {
		a.Topics = append([]string(nil), a.Topics...)
	}
	if a.Metadata != nil {
		md := make(map[string]string, len(a.Metadata))
		for k, v := range a.Metadata {
			md[k] = v
		}
		a.Metadata = md
	}
	return a
}

// Filter specifies criteria for listing agents.
type Filter struct {
	// State filters by lifecycle state. Empty means all.
	State string

	// Topic filters to agents subscribed to this topic.
	Topic string

	// MinRestarts filters to agents with at least this many restart
	// signals. Zero means no filter.
	MinRestarts int
}

// EventType represents the type of registry event.
type EventType string

const (
	EventAdded   EventType = "added"
	EventUpdated EventType = "updated"
	EventRemoved EventType = "removed"
)

// Event represents a change in the registry.
type Event struct {
	// Type indicates what happened.
	Type EventType

	// Agent contains the agent information.
	// For removal events, this contains the last known state.
	Agent AgentInfo
}

// Registry is a read-mostly mirror of the orchestrator's agent records.
type Registry interface {
	// Register adds an agent. DUPLICATE_REGISTRATION if it exists.
	Register(info AgentInfo) error

	// Update replaces an existing agent's entry. NOT_FOUND if absent.
	Update(info AgentInfo) error

	// Deregister removes an agent. NOT_FOUND if absent.
	Deregister(id string) error

	// Get retrieves a specific agent by ID.
	Get(id string) (*AgentInfo, error)

	// List returns all agents matching the optional filter, sorted by ID.
	// Pass nil for no filtering.
	List(filter *Filter) ([]AgentInfo, error)

	// Watch returns a channel of registry events.
	// The channel is closed when the registry is closed.
	// Multiple watchers are supported.
	Watch() (<-chan Event, error)

	// Close shuts down the registry.
	Close() error
}

// ValidateAgentInfo checks if agent info is valid.
func ValidateAgentInfo(info AgentInfo) error {
	if info.ID == "" {
		return errors.InvalidInput("empty agent id")
	}
	if info.RestartCount < 0 {
		return errors.InvalidInput("negative restart count", errors.WithAgentID(info.ID))
	}
	return nil
}

// MatchesFilter checks if an agent matches the filter criteria.
func MatchesFilter(info AgentInfo, filter *Filter) bool {
	if filter == nil {
		return true
	}

	if filter.State != "" && info.State != filter.State {
		return false
	}

	if filter.Topic != "" && !info.HasTopic(filter.Topic) {
		return false
	}

	if filter.MinRestarts > 0 && info.RestartCount < filter.MinRestarts {
		return false
	}

	return true
}
