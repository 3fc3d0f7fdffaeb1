package bus

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vinayprograms/swarmbus/errors"
)

// Kind is the closed set of message types carried by the bus.
type Kind int

const (
	KindTaskRequest Kind = iota + 1
	KindTaskResponse
	KindStatus
	KindHeartbeat
	KindBroadcast
	KindError
)

var kindNames = map[Kind]string{
	KindTaskRequest:  "TASK_REQUEST",
	KindTaskResponse: "TASK_RESPONSE",
	KindStatus:       "STATUS",
	KindHeartbeat:    "HEARTBEAT",
	KindBroadcast:    "BROADCAST",
	KindError:        "ERROR",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Valid reports whether k is one of the defined kinds.
func (k Kind) Valid() bool {
	_, ok := kindNames[k]
	return ok
}

// ParseKind parses a kind name such as "TASK_REQUEST" (case-insensitive).
func ParseKind(s string) (Kind, error) {
	up := strings.ToUpper(strings.TrimSpace(s))
	for k, name := range kindNames {
		if name == up {
			return k, nil
		}
	}
	return 0, errors.InvalidInput(fmt.Sprintf("unknown message kind %q", s))
}

func (k Kind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, errors.InvalidInput(fmt.Sprintf("invalid message kind %d", int(k)))
	}
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(text []byte) error {
	parsed, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Priority orders delivery within a mailbox. Larger values are delivered first.
type Priority int

const (
	PriorityLow Priority = iota + 1
	PriorityNormal
	PriorityHigh
	PriorityUrgent
)

// numTiers is the number of priority levels; tier 0 is URGENT.
const numTiers = 4

var priorityNames = map[Priority]string{
	PriorityLow:    "LOW",
	PriorityNormal: "NORMAL",
	PriorityHigh:   "HIGH",
	PriorityUrgent: "URGENT",
}

func (p Priority) String() string {
	if s, ok := priorityNames[p]; ok {
		return s
	}
	return fmt.Sprintf("Priority(%d)", int(p))
}

// Valid reports whether p is one of the defined priorities.
func (p Priority) Valid() bool {
	return p >= PriorityLow && p <= PriorityUrgent
}

// tier maps a priority to its mailbox sub-queue index.
func (p Priority) tier() int {
	return int(PriorityUrgent - p)
}

// ParsePriority parses a priority name such as "HIGH" (case-insensitive).
func ParsePriority(s string) (Priority, error) {
	up := strings.ToUpper(strings.TrimSpace(s))
	for p, name := range priorityNames {
		if name == up {
			return p, nil
		}
	}
	return 0, errors.InvalidInput(fmt.Sprintf("unknown priority %q", s))
}

func (p Priority) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, errors.InvalidInput(fmt.Sprintf("invalid priority %d", int(p)))
	}
	return []byte(p.String()), nil
}

func (p *Priority) UnmarshalText(text []byte) error {
	parsed, err := ParsePriority(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Message is one unit of communication. It is immutable once built by
// NewMessage; responses are new messages whose CorrelationID is the
// request's ID.
type Message struct {
	id               string
	from             string
	to               string
	topic            string
	kind             Kind
	priority         Priority
	payload          map[string]any
	correlationID    string
	requiresResponse bool
	createdAt        time.Time
	ttl              time.Duration
}

// MessageOption configures a message under construction.
type MessageOption func(*Message)

// To addresses the message to a single agent.
func To(agentID string) MessageOption {
	return func(m *Message) { m.to = agentID }
}

// OnTopic addresses the message to every subscriber of topic.
func OnTopic(topic string) MessageOption {
	return func(m *Message) { m.topic = topic }
}

// WithPriority sets the delivery priority. Default: NORMAL.
func WithPriority(p Priority) MessageOption {
	return func(m *Message) { m.priority = p }
}

// WithPayload attaches structured data. The map is copied.
func WithPayload(payload map[string]any) MessageOption {
	return func(m *Message) { m.payload = copyPayload(payload) }
}

// WithCorrelationID links the message to an earlier request.
func WithCorrelationID(id string) MessageOption {
	return func(m *Message) { m.correlationID = id }
}

// WithTTL drops the message if it is still undelivered after d.
func WithTTL(d time.Duration) MessageOption {
	return func(m *Message) { m.ttl = d }
}

// RequiringResponse marks the message as expecting a response.
func RequiringResponse() MessageOption {
	return func(m *Message) { m.requiresResponse = true }
}

// NewMessage builds and validates a message from sender from.
func NewMessage(from string, kind Kind, opts ...MessageOption) (*Message, error) {
	m := &Message{
		id:        uuid.NewString(),
		from:      from,
		kind:      kind,
		priority:  PriorityNormal,
		createdAt: time.Now(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// Validate checks the addressing invariant and enum ranges.
func (m *Message) Validate() error {
	if m == nil {
		return errors.InvalidInput("nil message")
	}
	if m.id == "" {
		return errors.InvalidInput("message has no id; build it with NewMessage")
	}
	if m.from == "" {
		return errors.InvalidInput("message has no sender")
	}
	if (m.to == "") == (m.topic == "") {
		return errors.InvalidInput("message must set exactly one of recipient or topic",
			errors.WithMetadata("message_id", m.id))
	}
	if !m.kind.Valid() {
		return errors.InvalidInput(fmt.Sprintf("invalid message kind %d", int(m.kind)))
	}
	if !m.priority.Valid() {
		return errors.InvalidInput(fmt.Sprintf("invalid priority %d", int(m.priority)))
	}
	if m.ttl < 0 {
		return errors.InvalidInput("negative ttl")
	}
	return nil
}

func (m *Message) ID() string { return m.id }
func (m *Message) From() string { return m.from }
func (m *Message) To() string { return m.to }
func (m *Message) Topic() string { return m.topic }
func (m *Message) Kind() Kind { return m.kind }
func (m *Message) Priority() Priority { return m.priority }
func (m *Message) CorrelationID() string { return m.correlationID }
func (m *Message) RequiresResponse() bool { return m.requiresResponse }
func (m *Message) CreatedAt() time.Time { return m.createdAt }
func (m *Message) TTL() time.Duration { return m.ttl }
func (m *Message) IsBroadcast() bool { return m.topic != "" }
func (m *Message) Payload() map[string]any { return copyPayload(m.payload) }

// Get returns a single payload value without copying the whole map.
func (m *Message) Get(key string) (any, bool) {
	v, ok := m.payload[key]
	return v, ok
}

// Expired reports whether the message's TTL has elapsed at now.
func (m *Message) Expired(now time.Time) bool {
	return m.ttl > 0 && now.Sub(m.createdAt) > m.ttl
}

// isResponse reports whether the message can resolve a pending request.
func (m *Message) isResponse() bool {
	return m.correlationID != "" && (m.kind == KindTaskResponse || m.kind == KindError)
}

// withResponseRequired returns a copy flagged as expecting a response.
// The copy keeps the original id so it remains the correlation key.
func (m *Message) withResponseRequired() *Message {
	c := *m
	c.requiresResponse = true
	return &c
}

type messageJSON struct {
	ID               string         `json:"id"`
	From             string         `json:"from"`
	To               string         `json:"to,omitempty"`
	Topic            string         `json:"topic,omitempty"`
	Kind             Kind           `json:"kind"`
	Priority         Priority       `json:"priority"`
	Payload          map[string]any `json:"payload,omitempty"`
	CorrelationID    string         `json:"correlation_id,omitempty"`
	RequiresResponse bool           `json:"requires_response,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	TTL              string         `json:"ttl,omitempty"`
}

// MarshalJSON renders the message for logs and observers.
func (m *Message) MarshalJSON() ([]byte, error) {
	j := messageJSON{
		ID:               m.id,
		From:             m.from,
		To:               m.to,
		Topic:            m.topic,
		Kind:             m.kind,
		Priority:         m.priority,
		Payload:          m.payload,
		CorrelationID:    m.correlationID,
		RequiresResponse: m.requiresResponse,
		CreatedAt:        m.createdAt,
	}
	if m.ttl > 0 {
		j.TTL = m.ttl.String()
	}
	return json.Marshal(j)
}

func (m *Message) String() string {
	dest := m.to
	if m.topic != "" {
		dest = "#" + m.topic
	}
	return fmt.Sprintf("%s[%s %s->%s %s]", m.kind, m.id, m.from, dest, m.priority)
}

func copyPayload(p map[string]any) map[string]any {
	if p == nil {
		return nil
	}
	out := make(map[string]any, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}
