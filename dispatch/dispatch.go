// Package dispatch layers push-style handlers over the bus's pull-based
// Receive. A Dispatcher owns one agent's mailbox, routes each message to the
// handler registered for its kind, and answers TASK_REQUESTs with the
// handler's result.
package dispatch

import (
	"context"
	"log/slog"
	"sync"

	"github.com/vinayprograms/swarmbus/bus"
	"github.com/vinayprograms/swarmbus/errors"
	"github.com/vinayprograms/swarmbus/logging"
)

// Handler handles one message. For requests the returned payload becomes
// the TASK_RESPONSE and a returned error becomes an ERROR reply.
type Handler interface {
	Handle(ctx context.Context, msg *bus.Message) (map[string]any, error)
}

// HandlerFunc is a function adapter for Handler.
type HandlerFunc func(ctx context.Context, msg *bus.Message) (map[string]any, error)

func (f HandlerFunc) Handle(ctx context.Context, msg *bus.Message) (map[string]any, error) {
	return f(ctx, msg)
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithBatch sets how many messages one Receive may return. Default: 16.
func WithBatch(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.batch = n
		}
	}
}

// WithLogger sets the parent logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.log = logging.Component(l, "dispatch").With("agent_id", d.agentID) }
}

// Dispatcher drives handlers from an agent's mailbox.
type Dispatcher struct {
	bus     *bus.Bus
	agentID string
	batch   int
	log     *slog.Logger

	mu       sync.RWMutex
	handlers map[bus.Kind]Handler
	fallback Handler
}

// New creates a dispatcher for agentID. The agent must already be
// registered on b before Run is called.
func New(b *bus.Bus, agentID string, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		bus:      b,
		agentID:  agentID,
		batch:    16,
		handlers: make(map[bus.Kind]Handler),
	}
	d.log = logging.Component(nil, "dispatch")
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Handle registers h for messages of kind, replacing any earlier handler.
func (d *Dispatcher) Handle(kind bus.Kind, h HandlerFunc) {
	d.mu.Lock()
	d.handlers[kind] = h
	d.mu.Unlock()
}

// HandleDefault registers h for kinds with no specific handler.
func (d *Dispatcher) HandleDefault(h HandlerFunc) {
	d.mu.Lock()
	d.fallback = h
	d.mu.Unlock()
}

// Run receives and dispatches messages until ctx ends (returns nil) or the
// mailbox goes away (returns the SENDER_GONE or CLOSED error).
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		msgs, err := d.bus.Receive(ctx, d.agentID, d.batch, true)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		for _, msg := range msgs {
			d.Dispatch(ctx, msg)
		}
	}
}

// Dispatch handles a single message synchronously.
func (d *Dispatcher) Dispatch(ctx context.Context, msg *bus.Message) {
	h := d.handlerFor(msg.Kind())
	wantsReply := msg.Kind() == bus.KindTaskRequest || msg.RequiresResponse()

	if h == nil {
		if wantsReply {
			d.replyError(msg, errors.NotFound("handler", msg.Kind().String()))
			return
		}
		d.log.Debug("no handler", "kind", msg.Kind().String(), "message_id", msg.ID())
		return
	}

	result, err := d.invoke(ctx, h, msg)
	if !wantsReply {
		if err != nil {
			d.log.Warn("handler failed",
				"kind", msg.Kind().String(),
				"message_id", msg.ID(),
				logging.Err(err))
		}
		return
	}
	if err != nil {
		d.replyError(msg, err)
		return
	}
	if err := d.bus.Respond(msg, d.agentID, result); err != nil {
		d.log.Warn("response not delivered", "correlation_id", msg.ID(), "to", msg.From(), logging.Err(err))
	}
}

func (d *Dispatcher) invoke(ctx context.Context, h Handler, msg *bus.Message) (result map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			perr := errors.RecoverPanic(r)
			d.log.Error("handler panicked", "message_id", msg.ID(), logging.Err(perr))
			result, err = nil, perr
		}
	}()
	return h.Handle(ctx, msg)
}

func (d *Dispatcher) replyError(msg *bus.Message, cause error) {
	if err := d.bus.RespondError(msg, d.agentID, cause); err != nil {
		d.log.Warn("error reply not delivered", "correlation_id", msg.ID(), "to", msg.From(), logging.Err(err))
	}
}

func (d *Dispatcher) handlerFor(kind bus.Kind) Handler {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if h, ok := d.handlers[kind]; ok {
		return h
	}
	return d.fallback
}
