package bus

import (
	"sync"
	"time"

	"github.com/vinayprograms/swarmbus/errors"
)

// Mailbox is one agent's bounded inbox: four FIFO sub-queues, one per
// priority tier, drained from URGENT down to LOW. Only the Bus touches it.
type Mailbox struct {
	owner    string
	capacity int

	mu     sync.Mutex
	tiers  [numTiers][]*Message
	size   int
	closed bool
	ready  chan struct{} // closed and replaced whenever a message arrives
}

// pushResult reports what the mailbox dropped to make room.
type pushResult struct {
	evicted *Message
	expired []*Message
}

func newMailbox(owner string, capacity int) *Mailbox {
	return &Mailbox{
		owner:    owner,
		capacity: capacity,
		ready:    make(chan struct{}),
	}
}

// push enqueues msg. When full it first drops expired messages, then evicts
// the oldest message of the lowest tier strictly below msg's priority. If
// no such message exists msg is rejected and the queue is left unchanged.
func (mb *Mailbox) push(msg *Message, now time.Time) (pushResult, error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	var res pushResult
	if mb.closed {
		return res, errors.NotFound("agent", mb.owner)
	}

	if mb.size >= mb.capacity {
		res.expired = mb.purgeExpiredLocked(now)
	}
	if mb.size >= mb.capacity {
		victim := mb.evictLocked(msg.priority.tier())
		if victim == nil {
			return res, errors.Capacity(mb.owner, mb.capacity,
				errors.WithMetadata("priority", msg.priority.String()))
		}
		res.evicted = victim
	}

	t := msg.priority.tier()
	mb.tiers[t] = append(mb.tiers[t], msg)
	mb.size++
	mb.signalLocked()
	return res, nil
}

// evictLocked removes the oldest message from the lowest non-empty tier
// whose index is greater than (lower priority than) incoming.
func (mb *Mailbox) evictLocked(incoming int) *Message {
	for t := numTiers - 1; t > incoming; t-- {
		if len(mb.tiers[t]) > 0 {
			return mb.popTierLocked(t)
		}
	}
	return nil
}

func (mb *Mailbox) purgeExpiredLocked(now time.Time) []*Message {
	var expired []*Message
	for t := range mb.tiers {
		q := mb.tiers[t]
		kept := q[:0]
		for _, m := range q {
			if m.Expired(now) {
				expired = append(expired, m)
				continue
			}
			kept = append(kept, m)
		}
		for i := len(kept); i < len(q); i++ {
			q[i] = nil
		}
		mb.tiers[t] = kept
	}
	mb.size -= len(expired)
	return expired
}

func (mb *Mailbox) popTierLocked(t int) *Message {
	q := mb.tiers[t]
	m := q[0]
	q[0] = nil
	mb.tiers[t] = q[1:]
	if len(mb.tiers[t]) == 0 {
		mb.tiers[t] = nil
	}
	mb.size--
	return m
}

// remove drops the queued message with the given id. Reports whether it
// was still queued.
func (mb *Mailbox) remove(id string) bool {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	for t := range mb.tiers {
		q := mb.tiers[t]
		for i, m := range q {
			if m.id != id {
				continue
			}
			copy(q[i:], q[i+1:])
			q[len(q)-1] = nil
			mb.tiers[t] = q[:len(q)-1]
			mb.size--
			return true
		}
	}
	return false
}

func (mb *Mailbox) signalLocked() {
	close(mb.ready)
	mb.ready = make(chan struct{})
}

// pop removes up to max messages in priority-major, arrival-minor order,
// skipping (and returning separately) messages whose TTL has elapsed. When
// nothing is deliverable it also returns a channel that is closed on the
// next arrival, so a receiver can wait without missing a wakeup.
func (mb *Mailbox) pop(max int, now time.Time) (msgs, expired []*Message, ready <-chan struct{}, err error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	if mb.closed {
		return nil, nil, nil, errors.SenderGone(mb.owner)
	}

	for t := 0; t < numTiers && len(msgs) < max; t++ {
		for len(mb.tiers[t]) > 0 && len(msgs) < max {
			m := mb.popTierLocked(t)
			if m.Expired(now) {
				expired = append(expired, m)
				continue
			}
			msgs = append(msgs, m)
		}
	}
	if len(msgs) == 0 {
		ready = mb.ready
	}
	return msgs, expired, ready, nil
}

// close discards all queued messages and wakes any waiting receiver.
func (mb *Mailbox) close() []*Message {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	if mb.closed {
		return nil
	}
	mb.closed = true

	var dropped []*Message
	for t := range mb.tiers {
		dropped = append(dropped, mb.tiers[t]...)
		mb.tiers[t] = nil
	}
	mb.size = 0
	close(mb.ready)
	return dropped
}

// Len returns the number of queued messages.
func (mb *Mailbox) Len() int {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return mb.size
}

// Cap returns the fixed capacity.
func (mb *Mailbox) Cap() int {
	return mb.capacity
}

// MailboxStats is a point-in-time view of one mailbox.
type MailboxStats struct {
	Agent      string
	Len        int
	Capacity   int
	ByPriority map[Priority]int
}

func (mb *Mailbox) stats() MailboxStats {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	st := MailboxStats{
		Agent:      mb.owner,
		Len:        mb.size,
		Capacity:   mb.capacity,
		ByPriority: make(map[Priority]int, numTiers),
	}
	for t := range mb.tiers {
		st.ByPriority[PriorityUrgent-Priority(t)] = len(mb.tiers[t])
	}
	return st
}
