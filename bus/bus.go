package bus

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vinayprograms/swarmbus/errors"
	"github.com/vinayprograms/swarmbus/logging"
	"github.com/vinayprograms/swarmbus/metrics"
	"github.com/vinayprograms/swarmbus/telemetry"
)

// Config holds bus configuration.
type Config struct {
	// DefaultMailboxCapacity is used when Register is given no capacity.
	// Default: 1000
	DefaultMailboxCapacity int
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		DefaultMailboxCapacity: 1000,
	}
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the parent logger; the bus logs as component "bus".
func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) { b.log = logging.Component(l, "bus") }
}

// WithMetrics records bus activity into m.
func WithMetrics(m *metrics.Bus) Option {
	return func(b *Bus) { b.metrics = m }
}

// WithTracer traces requests with t.
func WithTracer(t *telemetry.Tracer) Option {
	return func(b *Bus) { b.tracer = t }
}

// Bus routes messages between registered agents. Each mailbox, the topic
// registry, and the correlation table are guarded by their own locks; the
// agent table lock is only held to look up or swap mailboxes.
type Bus struct {
	config  Config
	log     *slog.Logger
	metrics *metrics.Bus
	tracer  *telemetry.Tracer

	mu        sync.RWMutex
	mailboxes map[string]*Mailbox

	topics  *topicRegistry
	pending *correlationTable
	closed  atomic.Bool
}

// New creates a bus.
func New(cfg Config, opts ...Option) *Bus {
	if cfg.DefaultMailboxCapacity <= 0 {
		cfg.DefaultMailboxCapacity = DefaultConfig().DefaultMailboxCapacity
	}
	b := &Bus{
		config:    cfg,
		log:       logging.Component(nil, "bus"),
		tracer:    telemetry.GetTracer(),
		mailboxes: make(map[string]*Mailbox),
		topics:    newTopicRegistry(),
		pending:   newCorrelationTable(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Register creates an empty mailbox for agentID. A capacity <= 0 uses the
// configured default.
func (b *Bus) Register(agentID string, capacity int) error {
	if agentID == "" {
		return errors.InvalidInput("empty agent id")
	}
	if b.closed.Load() {
		return errors.Closed("bus")
	}
	if capacity <= 0 {
		capacity = b.config.DefaultMailboxCapacity
	}

	b.mu.Lock()
	if _, exists := b.mailboxes[agentID]; exists {
		b.mu.Unlock()
		return errors.DuplicateRegistration(agentID)
	}
	b.mailboxes[agentID] = newMailbox(agentID, capacity)
	n := len(b.mailboxes)
	b.mu.Unlock()

	b.metrics.SetAgents(n)
	b.log.Debug("agent registered", "agent_id", agentID, "capacity", capacity)
	return nil
}

// Unregister removes agentID's mailbox and subscriptions. Queued messages
// are discarded, blocked receivers and every request the agent owns or was
// the sole resolver of fail with SENDER_GONE.
func (b *Bus) Unregister(agentID string) error {
	if b.closed.Load() {
		return errors.Closed("bus")
	}

	b.mu.Lock()
	mb, ok := b.mailboxes[agentID]
	if !ok {
		b.mu.Unlock()
		return errors.NotFound("agent", agentID)
	}
	delete(b.mailboxes, agentID)
	topics := b.topics.removeAgent(agentID)
	n := len(b.mailboxes)
	b.mu.Unlock()

	dropped := mb.close()
	cancelled := b.pending.failAgent(agentID, func(w *pendingWait) error {
		return errors.SenderGone(agentID, errors.WithCorrelationID(w.id))
	})

	b.metrics.SetAgents(n)
	b.metrics.SetPending(b.pending.len())
	b.log.Info("agent unregistered",
		"agent_id", agentID,
		"topics", topics,
		"discarded", len(dropped),
		"cancelled_requests", cancelled)
	return nil
}

// Subscribe adds agentID to topic. Subscribing twice is a no-op.
func (b *Bus) Subscribe(agentID, topic string) error {
	if topic == "" {
		return errors.InvalidInput("empty topic")
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed.Load() {
		return errors.Closed("bus")
	}
	if _, ok := b.mailboxes[agentID]; !ok {
		return errors.NotFound("agent", agentID)
	}
	b.topics.subscribe(agentID, topic)
	return nil
}

// Unsubscribe removes agentID from topic. Unsubscribing when absent is a no-op.
func (b *Bus) Unsubscribe(agentID, topic string) error {
	if topic == "" {
		return errors.InvalidInput("empty topic")
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed.Load() {
		return errors.Closed("bus")
	}
	if _, ok := b.mailboxes[agentID]; !ok {
		return errors.NotFound("agent", agentID)
	}
	b.topics.unsubscribe(agentID, topic)
	return nil
}

// Send routes msg to its recipient's mailbox or, for topic messages, to a
// snapshot of the topic's current subscribers. Responses addressed to an
// agent with a matching pending Request go straight to that request.
func (b *Bus) Send(msg *Message) error {
	if b.closed.Load() {
		return errors.Closed("bus")
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	if !b.Registered(msg.from) {
		return errors.NotFound("agent", msg.from)
	}

	var err error
	if msg.to != "" {
		err = b.sendDirect(msg)
	} else {
		err = b.broadcast(msg)
	}
	if err == nil {
		b.metrics.Sent(msg.kind.String())
	}
	return err
}

func (b *Bus) sendDirect(msg *Message) error {
	mb := b.mailbox(msg.to)
	if mb == nil {
		return errors.NotFound("agent", msg.to)
	}

	if msg.isResponse() {
		if b.pending.resolve(msg.correlationID, msg.to, waitResult{msg: msg}) {
			b.metrics.Delivered(1)
			return nil
		}
		if b.pending.isLate(msg.correlationID) {
			b.metrics.LateResponse()
			b.log.Debug("late response discarded",
				"message_id", msg.id,
				"correlation_id", msg.correlationID,
				"from", msg.from,
				"to", msg.to)
			return nil
		}
	}
	return b.deliver(mb, msg)
}

func (b *Bus) broadcast(msg *Message) error {
	subs, known := b.topics.snapshot(msg.topic)
	if !known {
		return errors.NotFound("topic", msg.topic)
	}

	var errs []error
	delivered := 0
	for _, agentID := range subs {
		mb := b.mailbox(agentID)
		if mb == nil {
			continue
		}
		if err := b.deliver(mb, msg); err != nil {
			errs = append(errs, err)
			continue
		}
		delivered++
	}
	if delivered == 0 && len(errs) > 0 {
		return errors.Wrap(errors.Join(errs...), "broadcast to "+msg.topic+" rejected by every subscriber")
	}
	return nil
}

func (b *Bus) deliver(mb *Mailbox, msg *Message) error {
	res, err := mb.push(msg, time.Now())
	b.handleDropped(mb, res)
	if err != nil {
		if errors.IsResource(err) {
			b.metrics.Rejected()
			b.log.Warn("message rejected",
				"agent_id", mb.owner,
				"message_id", msg.id,
				"priority", msg.priority.String(),
				"capacity", mb.capacity)
		}
		return err
	}
	return nil
}

// handleDropped accounts for messages a mailbox evicted or expired, and
// fails any request still waiting on one of them.
func (b *Bus) handleDropped(mb *Mailbox, res pushResult) {
	if v := res.evicted; v != nil {
		b.metrics.Evicted()
		b.log.Warn("message evicted",
			"agent_id", mb.owner,
			"message_id", v.id,
			"priority", v.priority.String())
		if v.requiresResponse {
			b.pending.resolve(v.id, "", waitResult{
				err: errors.Capacity(mb.owner, mb.capacity, errors.WithCorrelationID(v.id)),
			})
		}
	}
	if len(res.expired) == 0 {
		return
	}
	b.metrics.Expired(len(res.expired))
	for _, m := range res.expired {
		b.log.Debug("message expired", "agent_id", mb.owner, "message_id", m.id, "ttl", m.ttl)
		if m.requiresResponse {
			b.pending.resolve(m.id, "", waitResult{
				err: errors.Timeout("request expired before delivery",
					errors.WithCorrelationID(m.id), errors.WithAgentID(mb.owner)),
			})
		}
	}
}

// Receive pops up to max messages for agentID, highest priority first and
// oldest first within a priority. With wait set it blocks until at least one
// message arrives, ctx is done, or the agent is unregistered; otherwise it
// returns an empty slice immediately.
func (b *Bus) Receive(ctx context.Context, agentID string, max int, wait bool) ([]*Message, error) {
	if max <= 0 {
		max = 1
	}
	if b.closed.Load() {
		return nil, errors.Closed("bus")
	}
	mb := b.mailbox(agentID)
	if mb == nil {
		return nil, errors.NotFound("agent", agentID)
	}

	for {
		msgs, expired, ready, err := mb.pop(max, time.Now())
		b.handleDropped(mb, pushResult{expired: expired})
		if err != nil {
			if b.closed.Load() {
				return nil, errors.Closed("bus")
			}
			return nil, err
		}
		if len(msgs) > 0 {
			b.metrics.Delivered(len(msgs))
			return msgs, nil
		}
		if !wait {
			return []*Message{}, nil
		}

		select {
		case <-ctx.Done():
			return nil, errors.FromContext(ctx, "receive", errors.WithAgentID(agentID))
		case <-ready:
		}
	}
}

// Publish is a shorthand for sending a topic message.
func (b *Bus) Publish(from, topic string, kind Kind, payload map[string]any, opts ...MessageOption) error {
	opts = append(opts, OnTopic(topic), WithPayload(payload))
	msg, err := NewMessage(from, kind, opts...)
	if err != nil {
		return err
	}
	return b.Send(msg)
}

// Close closes every mailbox and fails every pending request with CLOSED.
// Subsequent operations return CLOSED.
func (b *Bus) Close() error {
	if b.closed.Swap(true) {
		return nil
	}

	b.mu.Lock()
	mailboxes := b.mailboxes
	b.mailboxes = make(map[string]*Mailbox)
	b.mu.Unlock()

	for _, mb := range mailboxes {
		mb.close()
	}
	b.topics.reset()
	b.pending.failAll(errors.Closed("bus"))

	b.metrics.SetAgents(0)
	b.metrics.SetPending(0)
	b.log.Info("bus closed", "agents", len(mailboxes))
	return nil
}

// OnShutdown implements shutdown.Handler.
func (b *Bus) OnShutdown(ctx context.Context) error {
	return b.Close()
}

func (b *Bus) mailbox(agentID string) *Mailbox {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.mailboxes[agentID]
}

// Registered reports whether agentID currently has a mailbox.
func (b *Bus) Registered(agentID string) bool {
	return b.mailbox(agentID) != nil
}

// Agents returns the registered agent ids, sorted.
func (b *Bus) Agents() []string {
	b.mu.RLock()
	ids := make([]string, 0, len(b.mailboxes))
	for id := range b.mailboxes {
		ids = append(ids, id)
	}
	b.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Topics returns the topics agentID is subscribed to, sorted.
func (b *Bus) Topics(agentID string) ([]string, error) {
	if !b.Registered(agentID) {
		return nil, errors.NotFound("agent", agentID)
	}
	return b.topics.topicsOf(agentID), nil
}

// Subscribers returns the current subscribers of topic, sorted.
func (b *Bus) Subscribers(topic string) []string {
	subs, _ := b.topics.snapshot(topic)
	return subs
}

// Pending returns the number of requests waiting for a response.
func (b *Bus) Pending() int {
	return b.pending.len()
}

// Stats returns a snapshot of agentID's mailbox.
func (b *Bus) Stats(agentID string) (MailboxStats, error) {
	mb := b.mailbox(agentID)
	if mb == nil {
		return MailboxStats{}, errors.NotFound("agent", agentID)
	}
	return mb.stats(), nil
}
