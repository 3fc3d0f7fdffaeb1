package lifecycle

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/vinayprograms/swarmbus/bus"
	"github.com/vinayprograms/swarmbus/errors"
	"github.com/vinayprograms/swarmbus/heartbeat"
	"github.com/vinayprograms/swarmbus/logging"
	"github.com/vinayprograms/swarmbus/metrics"
	"github.com/vinayprograms/swarmbus/registry"
	"github.com/vinayprograms/swarmbus/telemetry"
)

// Events carried in the "event" field of lifecycle STATUS broadcasts.
const (
	EventRegistered       = "registered"
	EventStateChanged     = "state_changed"
	EventRestartRequested = "restart_requested"
	EventRestartExhausted = "restart_exhausted"
	EventStopped          = "stopped"
	EventTerminated       = "terminated"
)

// Config holds orchestrator configuration.
type Config struct {
	// ID is the orchestrator's own bus identity. Agents address heartbeats
	// to it.
	// Default: "orchestrator"
	ID string

	// BroadcastTopic carries lifecycle STATUS events. Every registered
	// agent is subscribed to it.
	// Default: "system.lifecycle"
	BroadcastTopic string

	// SweepInterval is how often Run checks for stale agents.
	// Default: 1 second
	SweepInterval time.Duration

	// DefaultHeartbeatInterval applies when RegisterAgent gets none.
	// Default: 5 seconds
	DefaultHeartbeatInterval time.Duration

	// DefaultMissedThreshold applies when RegisterAgent gets none.
	// Default: 3
	DefaultMissedThreshold int

	// MaxRestartAttempts bounds restart signals per failure episode.
	// Default: 5
	MaxRestartAttempts int

	// RestartBackoffBase is the wait after the first restart signal; each
	// later signal doubles it.
	// Default: 1 second
	RestartBackoffBase time.Duration

	// RestartBackoffMax caps the restart backoff.
	// Default: 1 minute
	RestartBackoffMax time.Duration

	// MailboxCapacity is used for the orchestrator's and agents' mailboxes.
	// Default: 1000
	MailboxCapacity int
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		ID:                       "orchestrator",
		BroadcastTopic:           "system.lifecycle",
		SweepInterval:            time.Second,
		DefaultHeartbeatInterval: 5 * time.Second,
		DefaultMissedThreshold:   3,
		MaxRestartAttempts:       5,
		RestartBackoffBase:       time.Second,
		RestartBackoffMax:        time.Minute,
		MailboxCapacity:          1000,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	switch {
	case c.ID == "":
		return errors.InvalidInput("orchestrator id is required")
	case c.BroadcastTopic == "":
		return errors.InvalidInput("broadcast topic is required")
	case c.SweepInterval <= 0:
		return errors.InvalidInput("sweep interval must be positive")
	case c.DefaultHeartbeatInterval <= 0:
		return errors.InvalidInput("heartbeat interval must be positive")
	case c.DefaultMissedThreshold <= 0:
		return errors.InvalidInput("missed heartbeat threshold must be positive")
	case c.MaxRestartAttempts < 0:
		return errors.InvalidInput("max restart attempts must not be negative")
	case c.RestartBackoffBase <= 0:
		return errors.InvalidInput("restart backoff base must be positive")
	case c.RestartBackoffMax < c.RestartBackoffBase:
		return errors.InvalidInput("restart backoff max is below base")
	case c.MailboxCapacity < 0:
		return errors.InvalidInput("mailbox capacity must not be negative")
	}
	return nil
}

// AgentRecord is a snapshot of one supervised agent.
type AgentRecord struct {
	AgentID           string
	Topics            []string
	State             State
	ReportedActivity  string
	LastHeartbeatAt   time.Time
	RestartCount      int
	HeartbeatInterval time.Duration
	MissedThreshold   int
	NextRestartAt     time.Time
	RegisteredAt      time.Time
}

// Stale reports whether the agent has missed its heartbeat budget at now.
func (r AgentRecord) Stale(now time.Time) bool {
	return now.Sub(r.LastHeartbeatAt) > r.HeartbeatInterval*time.Duration(r.MissedThreshold)
}

type agentRecord struct {
	AgentRecord
	topics  map[string]struct{}
	backoff *backoff.ExponentialBackOff
	alerted bool
}

func (r *agentRecord) snapshot() AgentRecord {
	out := r.AgentRecord
	out.Topics = make([]string, 0, len(r.topics))
	for t := range r.topics {
		out.Topics = append(out.Topics, t)
	}
	sort.Strings(out.Topics)
	return out
}

func (r *agentRecord) resetRestarts() {
	r.RestartCount = 0
	r.NextRestartAt = time.Time{}
	r.alerted = false
	r.backoff.Reset()
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the parent logger; the orchestrator logs as component
// "lifecycle".
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.log = logging.Component(l, "lifecycle") }
}

// WithMetrics records sweep and restart activity into m.
func WithMetrics(m *metrics.Lifecycle) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithRegistry mirrors agent records into reg.
func WithRegistry(reg registry.Registry) Option {
	return func(o *Orchestrator) { o.registry = reg }
}

// WithClock replaces time.Now for heartbeat and sweep timing.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.clock = now }
}

// WithTracer traces sweeps with t.
func WithTracer(t *telemetry.Tracer) Option {
	return func(o *Orchestrator) { o.tracer = t }
}

// Orchestrator tracks registered agents, applies heartbeats, and signals
// restarts for agents that go silent. It never restarts anything itself:
// restart requests are STATUS broadcasts for an external supervisor.
type Orchestrator struct {
	bus      *bus.Bus
	config   Config
	log      *slog.Logger
	metrics  *metrics.Lifecycle
	registry registry.Registry
	clock    func() time.Time
	tracer   *telemetry.Tracer

	mu         sync.Mutex
	records    map[string]*agentRecord
	terminated map[string]struct{}

	sweepMu sync.Mutex
	// eventMu is taken before mu and held until a state change has been
	// published, so subscribers see each agent's transitions in order.
	eventMu sync.Mutex

	stop     chan struct{}
	stopOnce sync.Once
	stopped  bool // guarded by mu; no Run starts once set
	running  sync.WaitGroup
}

// New creates an orchestrator and registers it on b under cfg.ID. Zero
// config fields take their defaults.
func New(b *bus.Bus, cfg Config, opts ...Option) (*Orchestrator, error) {
	if b == nil {
		return nil, errors.InvalidInput("orchestrator needs a bus")
	}
	cfg = withDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := &Orchestrator{
		bus:        b,
		config:     cfg,
		log:        logging.Component(nil, "lifecycle"),
		clock:      time.Now,
		tracer:     telemetry.GetTracer(),
		records:    make(map[string]*agentRecord),
		terminated: make(map[string]struct{}),
		stop:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}

	if err := b.Register(cfg.ID, cfg.MailboxCapacity); err != nil {
		return nil, errors.Wrap(err, "register orchestrator on bus")
	}
	return o, nil
}

func withDefaults(cfg Config) Config {
	def := DefaultConfig()
	if cfg.ID == "" {
		cfg.ID = def.ID
	}
	if cfg.BroadcastTopic == "" {
		cfg.BroadcastTopic = def.BroadcastTopic
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.DefaultHeartbeatInterval == 0 {
		cfg.DefaultHeartbeatInterval = def.DefaultHeartbeatInterval
	}
	if cfg.DefaultMissedThreshold == 0 {
		cfg.DefaultMissedThreshold = def.DefaultMissedThreshold
	}
	if cfg.RestartBackoffBase == 0 {
		cfg.RestartBackoffBase = def.RestartBackoffBase
	}
	if cfg.RestartBackoffMax == 0 {
		cfg.RestartBackoffMax = def.RestartBackoffMax
	}
	if cfg.MailboxCapacity == 0 {
		cfg.MailboxCapacity = def.MailboxCapacity
	}
	return cfg
}

// Config returns the effective configuration.
func (o *Orchestrator) Config() Config {
	return o.config
}

func (o *Orchestrator) newBackoff() *backoff.ExponentialBackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = o.config.RestartBackoffBase
	eb.Multiplier = 2
	eb.RandomizationFactor = 0
	eb.MaxInterval = o.config.RestartBackoffMax
	eb.MaxElapsedTime = 0
	eb.Reset()
	return eb
}

// RegisterAgent starts supervising agentID: it gets a bus mailbox, is
// subscribed to the lifecycle topic, and starts in INITIALIZING with its
// heartbeat clock running. Zero interval or threshold take the defaults.
func (o *Orchestrator) RegisterAgent(agentID string, heartbeatInterval time.Duration, missedThreshold int) error {
	if agentID == "" {
		return errors.InvalidInput("empty agent id")
	}
	if agentID == o.config.ID {
		return errors.DuplicateRegistration(agentID)
	}
	if heartbeatInterval < 0 || missedThreshold < 0 {
		return errors.InvalidInput("negative heartbeat settings", errors.WithAgentID(agentID))
	}
	if heartbeatInterval == 0 {
		heartbeatInterval = o.config.DefaultHeartbeatInterval
	}
	if missedThreshold == 0 {
		missedThreshold = o.config.DefaultMissedThreshold
	}

	o.eventMu.Lock()
	defer o.eventMu.Unlock()
	o.mu.Lock()
	if _, exists := o.records[agentID]; exists {
		o.mu.Unlock()
		return errors.DuplicateRegistration(agentID)
	}
	if err := o.bus.Register(agentID, o.config.MailboxCapacity); err != nil {
		o.mu.Unlock()
		return err
	}
	if err := o.bus.Subscribe(agentID, o.config.BroadcastTopic); err != nil {
		o.mu.Unlock()
		_ = o.bus.Unregister(agentID)
		return err
	}

	now := o.clock()
	rec := &agentRecord{
		AgentRecord: AgentRecord{
			AgentID:           agentID,
			State:             StateInitializing,
			LastHeartbeatAt:   now,
			HeartbeatInterval: heartbeatInterval,
			MissedThreshold:   missedThreshold,
			RegisteredAt:      now,
		},
		topics:  map[string]struct{}{o.config.BroadcastTopic: {}},
		backoff: o.newBackoff(),
	}
	o.records[agentID] = rec
	delete(o.terminated, agentID)
	snap := rec.snapshot()
	counts := o.stateCountsLocked()
	o.mu.Unlock()

	o.log.Info("agent registered",
		"agent_id", agentID,
		"heartbeat_interval", heartbeatInterval,
		"missed_threshold", missedThreshold)
	o.metrics.SetStateCounts(counts)
	o.mirror(snap, true)
	o.announce(bus.PriorityNormal, map[string]any{"event": EventRegistered, "agent_id": agentID})
	return nil
}

// RecordHeartbeat applies a heartbeat from agentID reporting state. A
// STOPPED agent only has its timestamp refreshed.
func (o *Orchestrator) RecordHeartbeat(agentID string, reported State) error {
	return o.recordHeartbeat(agentID, reported, "")
}

// RecordReport applies a decoded heartbeat, keeping its activity label.
func (o *Orchestrator) RecordReport(hb *heartbeat.Heartbeat) error {
	state, err := ParseState(hb.State)
	if err != nil {
		return errors.Wrap(err, "heartbeat state", errors.WithAgentID(hb.AgentID))
	}
	activity := hb.Activity
	if activity == "" {
		activity = activityLabel(hb.State)
	}
	return o.recordHeartbeat(hb.AgentID, state, activity)
}

func (o *Orchestrator) recordHeartbeat(agentID string, reported State, activity string) error {
	if !reported.Reportable() {
		return errors.InvalidInput("agents may only report IDLE, RUNNING or ERROR",
			errors.WithAgentID(agentID), errors.WithMetadata("state", reported.String()))
	}

	o.eventMu.Lock()
	defer o.eventMu.Unlock()
	o.mu.Lock()
	rec, err := o.lookupLocked(agentID)
	if err != nil {
		o.mu.Unlock()
		return err
	}

	rec.LastHeartbeatAt = o.clock()
	rec.ReportedActivity = activity
	if rec.State == StateStopped {
		o.mu.Unlock()
		o.metrics.Heartbeat()
		return nil
	}

	from := rec.State
	if !from.CanTransition(reported) {
		o.mu.Unlock()
		return errors.Precondition("cannot move from "+from.String()+" to "+reported.String(),
			errors.WithAgentID(agentID))
	}
	rec.State = reported
	recovered := from == StateError && reported != StateError
	if recovered {
		rec.resetRestarts()
	}
	snap := rec.snapshot()
	counts := o.stateCountsLocked()
	o.mu.Unlock()

	o.metrics.Heartbeat()
	if from != reported {
		o.metrics.SetStateCounts(counts)
		o.transitioned(agentID, from, reported)
		if recovered {
			o.log.Info("agent recovered", "agent_id", agentID, "state", reported.String())
		}
	}
	o.mirror(snap, false)
	return nil
}

// Sweep marks agents that missed their heartbeat budget as ERROR and
// applies the restart policy. It never fails; problems are logged.
// Concurrent calls run one after the other.
func (o *Orchestrator) Sweep() {
	o.sweepMu.Lock()
	defer o.sweepMu.Unlock()
	o.eventMu.Lock()
	defer o.eventMu.Unlock()

	started := time.Now()
	now := o.clock()

	type restartSignal struct {
		agentID string
		attempt int
		wait    time.Duration
	}
	var (
		transitions []AgentRecord
		restarts    []restartSignal
		exhausted   []AgentRecord
		mirrors     []AgentRecord
	)

	o.mu.Lock()
	_, span := o.tracer.StartSweepSpan(context.Background(), len(o.records))
	for _, rec := range o.records {
		if !rec.State.Supervised() || !rec.Stale(now) {
			continue
		}

		if rec.State != StateError {
			before := rec.snapshot()
			rec.State = StateError
			transitions = append(transitions, before)
		}

		switch {
		case rec.RestartCount < o.config.MaxRestartAttempts:
			if now.Before(rec.NextRestartAt) {
				break
			}
			rec.RestartCount++
			wait := rec.backoff.NextBackOff()
			rec.NextRestartAt = now.Add(wait)
			restarts = append(restarts, restartSignal{agentID: rec.AgentID, attempt: rec.RestartCount, wait: wait})
		case !rec.alerted && !now.Before(rec.NextRestartAt):
			rec.alerted = true
			exhausted = append(exhausted, rec.snapshot())
		}
		mirrors = append(mirrors, rec.snapshot())
	}
	counts := o.stateCountsLocked()
	o.mu.Unlock()

	for _, before := range transitions {
		o.log.Warn("agent missed heartbeats",
			"agent_id", before.AgentID,
			"last_heartbeat", before.LastHeartbeatAt,
			"missed_threshold", before.MissedThreshold)
		o.transitioned(before.AgentID, before.State, StateError)
	}
	for _, r := range restarts {
		o.log.Warn("restart requested", "agent_id", r.agentID, "attempt", r.attempt, "next_in", r.wait)
		o.metrics.RestartSignaled()
		o.announce(bus.PriorityNormal, map[string]any{
			"event":    EventRestartRequested,
			"agent_id": r.agentID,
			"attempt":  r.attempt,
		})
	}
	for _, rec := range exhausted {
		o.log.Error("restart attempts exhausted",
			"agent_id", rec.AgentID,
			"attempts", rec.RestartCount,
			"last_heartbeat", rec.LastHeartbeatAt)
		o.metrics.RestartsExhausted()
		o.announce(bus.PriorityUrgent, map[string]any{
			"event":    EventRestartExhausted,
			"agent_id": rec.AgentID,
			"attempts": rec.RestartCount,
		})
	}
	for _, snap := range mirrors {
		o.mirror(snap, false)
	}

	o.metrics.SetStateCounts(counts)
	o.metrics.ObserveSweep(time.Since(started))
	o.tracer.EndSweepSpan(span, len(mirrors), len(restarts))
}

// StopAgent administratively parks agentID in STOPPED. Its mailbox stays
// registered and heartbeats no longer move it.
func (o *Orchestrator) StopAgent(agentID string) error {
	o.eventMu.Lock()
	defer o.eventMu.Unlock()
	o.mu.Lock()
	rec, err := o.lookupLocked(agentID)
	if err != nil {
		o.mu.Unlock()
		return err
	}
	from := rec.State
	if from == StateStopped {
		o.mu.Unlock()
		return nil
	}
	rec.State = StateStopped
	snap := rec.snapshot()
	counts := o.stateCountsLocked()
	o.mu.Unlock()

	o.metrics.SetStateCounts(counts)
	o.transitioned(agentID, from, StateStopped)
	o.announce(bus.PriorityNormal, map[string]any{"event": EventStopped, "agent_id": agentID})
	o.mirror(snap, false)
	return nil
}

// TerminateAgent ends supervision of agentID for good: it announces the
// termination, unregisters the agent from the bus and forgets its record.
func (o *Orchestrator) TerminateAgent(agentID string) error {
	o.eventMu.Lock()
	defer o.eventMu.Unlock()
	o.mu.Lock()
	rec, err := o.lookupLocked(agentID)
	if err != nil {
		o.mu.Unlock()
		return err
	}
	from := rec.State
	rec.State = StateTerminated
	delete(o.records, agentID)
	o.terminated[agentID] = struct{}{}
	counts := o.stateCountsLocked()
	o.mu.Unlock()

	o.metrics.SetStateCounts(counts)
	o.transitioned(agentID, from, StateTerminated)
	o.announce(bus.PriorityNormal, map[string]any{"event": EventTerminated, "agent_id": agentID})

	if err := o.bus.Unregister(agentID); err != nil && !errors.Is(err, errors.ErrCodeNotFound) {
		o.log.Error("unregister terminated agent", "agent_id", agentID, logging.Err(err))
	}
	if o.registry != nil {
		if err := o.registry.Deregister(agentID); err != nil {
			o.log.Warn("registry deregister failed", "agent_id", agentID, logging.Err(err))
		}
	}
	return nil
}

// Subscribe subscribes agentID to topic on the bus and records it.
func (o *Orchestrator) Subscribe(agentID, topic string) error {
	return o.updateTopics(agentID, topic, true)
}

// Unsubscribe removes agentID from topic on the bus and in its record.
func (o *Orchestrator) Unsubscribe(agentID, topic string) error {
	return o.updateTopics(agentID, topic, false)
}

func (o *Orchestrator) updateTopics(agentID, topic string, add bool) error {
	o.mu.Lock()
	rec, err := o.lookupLocked(agentID)
	if err != nil {
		o.mu.Unlock()
		return err
	}
	if add {
		err = o.bus.Subscribe(agentID, topic)
	} else {
		err = o.bus.Unsubscribe(agentID, topic)
	}
	if err != nil {
		o.mu.Unlock()
		return err
	}
	if add {
		rec.topics[topic] = struct{}{}
	} else {
		delete(rec.topics, topic)
	}
	snap := rec.snapshot()
	o.mu.Unlock()

	o.mirror(snap, false)
	return nil
}

// Get returns a snapshot of agentID's record.
func (o *Orchestrator) Get(agentID string) (AgentRecord, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	rec, err := o.lookupLocked(agentID)
	if err != nil {
		return AgentRecord{}, err
	}
	return rec.snapshot(), nil
}

// List returns snapshots of every tracked agent, sorted by id.
func (o *Orchestrator) List() []AgentRecord {
	o.mu.Lock()
	out := make([]AgentRecord, 0, len(o.records))
	for _, rec := range o.records {
		out = append(out, rec.snapshot())
	}
	o.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

func (o *Orchestrator) lookupLocked(agentID string) (*agentRecord, error) {
	if rec, ok := o.records[agentID]; ok {
		return rec, nil
	}
	if _, gone := o.terminated[agentID]; gone {
		return nil, errors.AlreadyTerminated(agentID)
	}
	return nil, errors.NotFound("agent", agentID)
}

func (o *Orchestrator) stateCountsLocked() map[string]int {
	counts := make(map[string]int, len(AllStates))
	for _, s := range AllStates {
		counts[s.String()] = 0
	}
	for _, rec := range o.records {
		counts[rec.State.String()]++
	}
	return counts
}

func (o *Orchestrator) transitioned(agentID string, from, to State) {
	o.log.Info("agent state changed", "agent_id", agentID, "from", from.String(), "to", to.String())
	o.announce(bus.PriorityNormal, map[string]any{
		"event":    EventStateChanged,
		"agent_id": agentID,
		"from":     from.String(),
		"to":       to.String(),
	})
}

// announce publishes a lifecycle STATUS broadcast. Delivery problems are
// logged and never surface to the caller.
func (o *Orchestrator) announce(priority bus.Priority, payload map[string]any) {
	err := o.bus.Publish(o.config.ID, o.config.BroadcastTopic, bus.KindStatus, payload, bus.WithPriority(priority))
	switch {
	case err == nil:
	case errors.Is(err, errors.ErrCodeNotFound), errors.Is(err, errors.ErrCodeClosed):
		o.log.Debug("lifecycle event not delivered", "event", payload["event"], logging.Err(err))
	default:
		o.log.Warn("lifecycle event not delivered", "event", payload["event"], logging.Err(err))
	}
}

func (o *Orchestrator) mirror(rec AgentRecord, added bool) {
	if o.registry == nil {
		return
	}
	info := registry.AgentInfo{
		ID:           rec.AgentID,
		State:        rec.State.String(),
		Topics:       rec.Topics,
		RestartCount: rec.RestartCount,
		LastSeen:     rec.LastHeartbeatAt,
	}
	if rec.ReportedActivity != "" {
		info.Metadata = map[string]string{"activity": rec.ReportedActivity}
	}

	var err error
	if added {
		err = o.registry.Register(info)
	} else {
		err = o.registry.Update(info)
	}
	if err != nil {
		o.log.Warn("registry mirror failed", "agent_id", rec.AgentID, logging.Err(err))
	}
}
