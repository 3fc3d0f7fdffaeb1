package bus

import (
	"sort"
	"sync"
)

// topicRegistry maps topics to their current subscribers. A topic is known
// from its first subscription onward, even after every subscriber leaves.
type topicRegistry struct {
	mu      sync.RWMutex
	subs    map[string]map[string]struct{} // topic -> agents
	byAgent map[string]map[string]struct{} // agent -> topics
}

func newTopicRegistry() *topicRegistry {
	return &topicRegistry{
		subs:    make(map[string]map[string]struct{}),
		byAgent: make(map[string]map[string]struct{}),
	}
}

func (r *topicRegistry) subscribe(agentID, topic string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.subs[topic]
	if !ok {
		set = make(map[string]struct{})
		r.subs[topic] = set
	}
	set[agentID] = struct{}{}

	topics, ok := r.byAgent[agentID]
	if !ok {
		topics = make(map[string]struct{})
		r.byAgent[agentID] = topics
	}
	topics[topic] = struct{}{}
}

func (r *topicRegistry) unsubscribe(agentID, topic string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if set, ok := r.subs[topic]; ok {
		delete(set, agentID)
	}
	if topics, ok := r.byAgent[agentID]; ok {
		delete(topics, topic)
		if len(topics) == 0 {
			delete(r.byAgent, agentID)
		}
	}
}

// removeAgent drops every subscription held by agentID and returns the
// topics it was subscribed to.
func (r *topicRegistry) removeAgent(agentID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	topics := r.byAgent[agentID]
	delete(r.byAgent, agentID)

	out := make([]string, 0, len(topics))
	for topic := range topics {
		delete(r.subs[topic], agentID)
		out = append(out, topic)
	}
	sort.Strings(out)
	return out
}

// snapshot returns the subscribers of topic at this instant, sorted, and
// whether the topic has ever been subscribed to.
func (r *topicRegistry) snapshot(topic string) ([]string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set, ok := r.subs[topic]
	if !ok {
		return nil, false
	}
	out := make([]string, 0, len(set))
	for agentID := range set {
		out = append(out, agentID)
	}
	sort.Strings(out)
	return out, true
}

func (r *topicRegistry) topicsOf(agentID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	topics := r.byAgent[agentID]
	out := make([]string, 0, len(topics))
	for topic := range topics {
		out = append(out, topic)
	}
	sort.Strings(out)
	return out
}

func (r *topicRegistry) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs = make(map[string]map[string]struct{})
	r.byAgent = make(map[string]map[string]struct{})
}
