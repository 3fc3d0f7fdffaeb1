package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/vinayprograms/swarmbus/errors"
)

// Memory is an in-memory implementation of Registry.
type Memory struct {
	mu       sync.RWMutex
	agents   map[string]AgentInfo
	watchers []chan Event
	closed   bool

	watchBuffer int
}

// MemoryConfig configures the in-memory registry.
type MemoryConfig struct {
	// WatchBuffer is the per-watcher channel size. Events are dropped for a
	// watcher whose buffer is full.
	// Default: 64
	WatchBuffer int
}

// NewMemory creates a new in-memory registry.
func NewMemory(cfg MemoryConfig) *Memory {
	if cfg.WatchBuffer <= 0 {
		cfg.WatchBuffer = 64
	}
	return &Memory{
		agents:      make(map[string]AgentInfo),
		watchers:    make([]chan Event, 0),
		watchBuffer: cfg.WatchBuffer,
	}
}

// Register adds an agent to the registry.
func (r *Memory) Register(info AgentInfo) error {
	if err := ValidateAgentInfo(info); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}
	if _, exists := r.agents[info.ID]; exists {
		return errors.DuplicateRegistration(info.ID)
	}

	info = stamp(info)
	r.agents[info.ID] = info
	r.notifyWatchers(Event{Type: EventAdded, Agent: info.clone()})
	return nil
}

// Update replaces an existing entry.
func (r *Memory) Update(info AgentInfo) error {
	if err := ValidateAgentInfo(info); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}
	if _, exists := r.agents[info.ID]; !exists {
		return errors.NotFound("agent", info.ID)
	}

	info = stamp(info)
	r.agents[info.ID] = info
	r.notifyWatchers(Event{Type: EventUpdated, Agent: info.clone()})
	return nil
}

// Deregister removes an agent from the registry.
func (r *Memory) Deregister(id string) error {
	if id == "" {
		return errors.InvalidInput("empty agent id")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}

	agent, exists := r.agents[id]
	if !exists {
		return errors.NotFound("agent", id)
	}

	delete(r.agents, id)
	r.notifyWatchers(Event{Type: EventRemoved, Agent: agent})
	return nil
}

// Get retrieves a specific agent by ID.
func (r *Memory) Get(id string) (*AgentInfo, error) {
	if id == "" {
		return nil, errors.InvalidInput("empty agent id")
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return nil, ErrClosed
	}

	agent, exists := r.agents[id]
	if !exists {
		return nil, errors.NotFound("agent", id)
	}
	agent = agent.clone()
	return &agent, nil
}

// List returns all agents matching the filter.
func (r *Memory) List(filter *Filter) ([]AgentInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return nil, ErrClosed
	}

	var result []AgentInfo
	for _, agent := range r.agents {
		if MatchesFilter(agent, filter) {
			result = append(result, agent.clone())
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].ID < result[j].ID
	})
	return result, nil
}

// Watch returns a channel of registry events.
func (r *Memory) Watch() (<-chan Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrClosed
	}

	ch := make(chan Event, r.watchBuffer)
	r.watchers = append(r.watchers, ch)
	return ch, nil
}

// Close shuts down the registry.
func (r *Memory) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true

	for _, ch := range r.watchers {
		close(ch)
	}
	r.watchers = nil
	return nil
}

// notifyWatchers sends an event to all watchers.
// Must be called with lock held.
func (r *Memory) notifyWatchers(event Event) {
	for _, ch := range r.watchers {
		select {
		case ch <- event:
		default:
			// Channel full, skip
		}
	}
}

func stamp(info AgentInfo) AgentInfo {
	info = info.clone()
	if info.LastSeen.IsZero() {
		info.LastSeen = time.Now()
	}
	return info
}
