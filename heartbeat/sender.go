package heartbeat

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vinayprograms/swarmbus/bus"
	"github.com/vinayprograms/swarmbus/errors"
	"github.com/vinayprograms/swarmbus/logging"
)

// Sender sends periodic HEARTBEAT messages to the orchestrator.
type Sender struct {
	bus            Transport
	agentID        string
	orchestratorID string
	interval       time.Duration
	log            *slog.Logger

	mu       sync.RWMutex
	state    string
	activity string
	load     float64
	metadata map[string]string

	running atomic.Bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// SenderOption configures a Sender.
type SenderOption func(*Sender)

// WithLogger sets the parent logger.
func WithLogger(l *slog.Logger) SenderOption {
	return func(s *Sender) { s.log = logging.Component(l, "heartbeat").With("agent_id", s.agentID) }
}

// NewSender creates a heartbeat sender.
func NewSender(cfg SenderConfig, opts ...SenderOption) (*Sender, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	def := DefaultSenderConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.InitialState == "" {
		cfg.InitialState = def.InitialState
	}
	if cfg.OrchestratorID == "" {
		cfg.OrchestratorID = def.OrchestratorID
	}

	s := &Sender{
		bus:            cfg.Bus,
		agentID:        cfg.AgentID,
		orchestratorID: cfg.OrchestratorID,
		interval:       cfg.Interval,
		state:          cfg.InitialState,
		metadata:       make(map[string]string),
	}
	s.log = logging.Component(nil, "heartbeat")
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Start sends one heartbeat immediately and then one per interval until ctx
// ends or Stop is called.
func (s *Sender) Start(ctx context.Context) error {
	if s.running.Swap(true) {
		return ErrAlreadyStarted
	}
	if ctx == nil {
		ctx = context.Background()
	}

	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})

	go s.run(ctx)
	return nil
}

func (s *Sender) run(ctx context.Context) {
	defer close(s.doneCh)

	if !s.beat() {
		s.running.Store(false)
		return
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.running.Store(false)
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if !s.beat() {
				s.running.Store(false)
				return
			}
		}
	}
}

// beat sends one heartbeat and reports whether the loop should keep going.
func (s *Sender) beat() bool {
	err := s.Beat()
	switch {
	case err == nil:
		return true
	case errors.Is(err, errors.ErrCodeClosed):
		s.log.Debug("bus closed, heartbeat stopping")
		return false
	default:
		s.log.Warn("heartbeat not delivered", logging.Err(err))
		return true
	}
}

// Beat sends a single heartbeat now.
func (s *Sender) Beat() error {
	msg, err := bus.NewMessage(s.agentID, bus.KindHeartbeat,
		bus.To(s.orchestratorID),
		bus.WithPriority(bus.PriorityHigh),
		bus.WithPayload(s.Snapshot().Encode()),
	)
	if err != nil {
		return err
	}
	return s.bus.Send(msg)
}

// Snapshot builds a heartbeat from the current state.
func (s *Sender) Snapshot() *Heartbeat {
	s.mu.RLock()
	defer s.mu.RUnlock()

	hb := &Heartbeat{
		AgentID:   s.agentID,
		Timestamp: time.Now(),
		State:     s.state,
		Activity:  s.activity,
		Load:      s.load,
	}
	if len(s.metadata) > 0 {
		hb.Metadata = make(map[string]string, len(s.metadata))
		for k, v := range s.metadata {
			hb.Metadata[k] = v
		}
	}
	return hb
}

// SetState updates the state reported in heartbeats.
func (s *Sender) SetState(state string) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// SetActivity updates the activity description.
func (s *Sender) SetActivity(activity string) {
	s.mu.Lock()
	s.activity = activity
	s.mu.Unlock()
}

// SetLoad updates the load metric, clamped to [0, 1].
func (s *Sender) SetLoad(load float64) {
	s.mu.Lock()
	if load < 0 {
		load = 0
	}
	if load > 1 {
		load = 1
	}
	s.load = load
	s.mu.Unlock()
}

// SetMetadata updates a metadata field.
func (s *Sender) SetMetadata(key, value string) {
	s.mu.Lock()
	s.metadata[key] = value
	s.mu.Unlock()
}

// Stop stops sending heartbeats.
func (s *Sender) Stop() error {
	if !s.running.Swap(false) {
		return ErrNotStarted
	}
	close(s.stopCh)
	<-s.doneCh
	return nil
}

// Running reports whether the send loop is active.
func (s *Sender) Running() bool {
	return s.running.Load()
}

// AgentID returns the sender's agent ID.
func (s *Sender) AgentID() string {
	return s.agentID
}
