package heartbeat

import (
	"fmt"
	"time"

	"github.com/vinayprograms/swarmbus/bus"
	"github.com/vinayprograms/swarmbus/errors"
)

// Common errors.
var (
	ErrAlreadyStarted = errors.New(errors.ErrCodePrecondition, "heartbeat already started")
	ErrNotStarted     = errors.New(errors.ErrCodePrecondition, "heartbeat not started")
)

// Payload keys of an encoded heartbeat.
const (
	KeyAgentID   = "agent_id"
	KeyTimestamp = "timestamp"
	KeyState     = "state"
	KeyActivity  = "activity"
	KeyLoad      = "load"
	KeyMetadata  = "metadata"
)

// Heartbeat is a single liveness report from an agent.
type Heartbeat struct {
	// AgentID uniquely identifies the sending agent.
	AgentID string `json:"agent_id"`

	// Timestamp when the heartbeat was generated.
	Timestamp time.Time `json:"timestamp"`

	// State the agent reports: IDLE, RUNNING or ERROR. THINKING and ACTING
	// are accepted as labels for RUNNING.
	State string `json:"state"`

	// Activity is a free-form description of what the agent is doing.
	Activity string `json:"activity,omitempty"`

	// Load is a normalized load metric (0.0 to 1.0).
	Load float64 `json:"load"`

	// Metadata contains additional key-value pairs.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Encode renders h as a message payload.
func (h *Heartbeat) Encode() map[string]any {
	p := map[string]any{
		KeyAgentID:   h.AgentID,
		KeyTimestamp: h.Timestamp.UTC().Format(time.RFC3339Nano),
		KeyState:     h.State,
		KeyLoad:      h.Load,
	}
	if h.Activity != "" {
		p[KeyActivity] = h.Activity
	}
	if len(h.Metadata) > 0 {
		md := make(map[string]string, len(h.Metadata))
		for k, v := range h.Metadata {
			md[k] = v
		}
		p[KeyMetadata] = md
	}
	return p
}

// Decode parses a payload produced by Encode. Only agent_id and state are
// required.
func Decode(p map[string]any) (*Heartbeat, error) {
	if p == nil {
		return nil, errors.InvalidInput("empty heartbeat payload")
	}
	h := &Heartbeat{}

	var ok bool
	if h.AgentID, ok = p[KeyAgentID].(string); !ok || h.AgentID == "" {
		return nil, errors.InvalidInput("heartbeat missing agent_id")
	}
	if h.State, ok = p[KeyState].(string); !ok || h.State == "" {
		return nil, errors.InvalidInput("heartbeat missing state", errors.WithAgentID(h.AgentID))
	}
	h.Activity, _ = p[KeyActivity].(string)

	switch ts := p[KeyTimestamp].(type) {
	case time.Time:
		h.Timestamp = ts
	case string:
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, errors.WrapWithCode(err, errors.ErrCodeInvalidInput, "heartbeat timestamp",
				errors.WithAgentID(h.AgentID))
		}
		h.Timestamp = t
	}

	switch l := p[KeyLoad].(type) {
	case float64:
		h.Load = l
	case float32:
		h.Load = float64(l)
	case int:
		h.Load = float64(l)
	case nil:
	default:
		return nil, errors.InvalidInput(fmt.Sprintf("heartbeat load has type %T", l),
			errors.WithAgentID(h.AgentID))
	}

	switch md := p[KeyMetadata].(type) {
	case map[string]string:
		h.Metadata = make(map[string]string, len(md))
		for k, v := range md {
			h.Metadata[k] = v
		}
	case map[string]any:
		h.Metadata = make(map[string]string, len(md))
		for k, v := range md {
			h.Metadata[k] = fmt.Sprint(v)
		}
	}
	return h, nil
}

// FromMessage decodes a HEARTBEAT message. The message sender wins over an
// agent_id carried in the payload.
func FromMessage(msg *bus.Message) (*Heartbeat, error) {
	if msg.Kind() != bus.KindHeartbeat {
		return nil, errors.InvalidInput("not a heartbeat: " + msg.Kind().String())
	}
	p := msg.Payload()
	if p == nil {
		p = map[string]any{}
	}
	if _, ok := p[KeyAgentID]; !ok {
		p[KeyAgentID] = msg.From()
	}
	h, err := Decode(p)
	if err != nil {
		return nil, err
	}
	h.AgentID = msg.From()
	if h.Timestamp.IsZero() {
		h.Timestamp = msg.CreatedAt()
	}
	return h, nil
}

// Transport is the part of the bus a Sender needs.
type Transport interface {
	Send(msg *bus.Message) error
}

// SenderConfig configures a heartbeat sender.
type SenderConfig struct {
	// Bus carries heartbeats to the orchestrator.
	Bus Transport

	// AgentID is the unique identifier for this agent.
	AgentID string

	// OrchestratorID is the bus identity heartbeats are addressed to.
	// Default: "orchestrator"
	OrchestratorID string

	// Interval between heartbeats.
	// Default: 5 seconds
	Interval time.Duration

	// InitialState is the starting state.
	// Default: "IDLE"
	InitialState string
}

// Validate checks the configuration.
func (c *SenderConfig) Validate() error {
	if c.Bus == nil {
		return errors.InvalidInput("heartbeat sender needs a bus")
	}
	if c.AgentID == "" {
		return errors.InvalidInput("heartbeat sender needs an agent id")
	}
	if c.Interval < 0 {
		return errors.InvalidInput("negative heartbeat interval")
	}
	return nil
}

// DefaultSenderConfig returns configuration with sensible defaults.
func DefaultSenderConfig() SenderConfig {
	return SenderConfig{
		OrchestratorID: "orchestrator",
		Interval:       5 * time.Second,
		InitialState:   "IDLE",
	}
}
