package bus

import (
	"sync"
	"time"

	"github.com/vinayprograms/swarmbus/errors"
)

// lateWindow bounds how many abandoned correlation ids are remembered so a
// response arriving after its request timed out can be recognised and dropped.
const lateWindow = 1024

type waitResult struct {
	msg *Message
	err error
}

// pendingWait is one expected response. Whoever removes it from waits owns
// the right to resolve it; result is buffered so that resolution never
// blocks. It stays in expected until a waiter claims it or its deadline
// passes.
type pendingWait struct {
	id       string
	owner    string
	resolver string // empty for topic requests
	deadline time.Time
	result   chan waitResult
	timers   []*time.Timer
}

type correlationTable struct {
	mu       sync.Mutex
	waits    map[string]*pendingWait
	expected map[string]*pendingWait

	late      map[string]struct{}
	lateOrder []string
	lateNext  int
}

func newCorrelationTable() *correlationTable {
	return &correlationTable{
		waits:     make(map[string]*pendingWait),
		expected:  make(map[string]*pendingWait),
		late:      make(map[string]struct{}, lateWindow),
		lateOrder: make([]string, lateWindow),
	}
}

func (c *correlationTable) add(id, owner, resolver string, deadline time.Time) (*pendingWait, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, pending := c.waits[id]
	_, held := c.expected[id]
	if pending || held {
		return nil, errors.InvalidInput("request already pending", errors.WithCorrelationID(id))
	}
	w := &pendingWait{
		id:       id,
		owner:    owner,
		resolver: resolver,
		deadline: deadline,
		result:   make(chan waitResult, 1),
	}
	c.waits[id] = w
	c.expected[id] = w
	return w, nil
}

// arm attaches the timers that expire the wait so they can be stopped once
// a waiter is done with it.
func (c *correlationTable) arm(id string, timers ...*time.Timer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if w, ok := c.expected[id]; ok {
		w.timers = append(w.timers, timers...)
		return
	}
	for _, t := range timers {
		t.Stop()
	}
}

// claim hands the wait for id to a single waiter.
func (c *correlationTable) claim(id string) (*pendingWait, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.expected[id]
	if ok {
		delete(c.expected, id)
	}
	return w, ok
}

// reap drops an unclaimed wait once nobody can collect it any more.
// Reports whether there was one.
func (c *correlationTable) reap(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.expected[id]
	if ok {
		delete(c.expected, id)
		stopTimers(w)
	}
	return ok
}

// release stops w's timers after its waiter returned.
func (c *correlationTable) release(w *pendingWait) {
	c.mu.Lock()
	defer c.mu.Unlock()
	stopTimers(w)
}

func stopTimers(w *pendingWait) {
	for _, t := range w.timers {
		t.Stop()
	}
	w.timers = nil
}

// resolve completes the wait keyed by id if it is still pending and owned by
// owner (any owner when owner is empty). Reports whether it fired.
func (c *correlationTable) resolve(id, owner string, r waitResult) bool {
	c.mu.Lock()
	w, ok := c.waits[id]
	if ok && owner != "" && w.owner != owner {
		ok = false
	}
	if ok {
		delete(c.waits, id)
		c.rememberLocked(id)
	}
	c.mu.Unlock()

	if ok {
		w.result <- r
	}
	return ok
}

// abandon removes the wait without resolving it and remembers id as late.
// Reports false if someone else already resolved it.
func (c *correlationTable) abandon(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.waits[id]; !ok {
		return false
	}
	delete(c.waits, id)
	c.rememberLocked(id)
	return true
}

// discard removes the wait without marking it late (used when the request
// could not even be sent).
func (c *correlationTable) discard(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if w, ok := c.expected[id]; ok {
		stopTimers(w)
	}
	delete(c.waits, id)
	delete(c.expected, id)
}

func (c *correlationTable) rememberLocked(id string) {
	if old := c.lateOrder[c.lateNext]; old != "" {
		delete(c.late, old)
	}
	c.lateOrder[c.lateNext] = id
	c.late[id] = struct{}{}
	c.lateNext = (c.lateNext + 1) % lateWindow
}

// isLate reports whether id belongs to a request that was already resolved
// or gave up.
func (c *correlationTable) isLate(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.late[id]
	return ok
}

// failAgent resolves every wait owned by agentID, or whose sole resolver is
// agentID, with the error built by mkErr. Returns how many were failed.
func (c *correlationTable) failAgent(agentID string, mkErr func(w *pendingWait) error) int {
	c.mu.Lock()
	var hit []*pendingWait
	for id, w := range c.waits {
		if w.owner == agentID || w.resolver == agentID {
			hit = append(hit, w)
			delete(c.waits, id)
			c.rememberLocked(id)
		}
	}
	c.mu.Unlock()

	for _, w := range hit {
		w.result <- waitResult{err: mkErr(w)}
	}
	return len(hit)
}

// failAll resolves every pending wait with err.
func (c *correlationTable) failAll(err error) {
	c.mu.Lock()
	all := c.waits
	c.waits = make(map[string]*pendingWait)
	for _, w := range c.expected {
		stopTimers(w)
	}
	c.mu.Unlock()

	for _, w := range all {
		w.result <- waitResult{err: err}
	}
}

func (c *correlationTable) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waits)
}
