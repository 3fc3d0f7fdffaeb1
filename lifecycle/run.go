package lifecycle

import (
	"context"
	"time"

	"github.com/vinayprograms/swarmbus/bus"
	"github.com/vinayprograms/swarmbus/errors"
	"github.com/vinayprograms/swarmbus/heartbeat"
	"github.com/vinayprograms/swarmbus/logging"
)

// heartbeatBatch is how many messages one Receive drains from the
// orchestrator's mailbox.
const heartbeatBatch = 64

// Run sweeps every SweepInterval and applies heartbeats arriving in the
// orchestrator's mailbox until ctx ends (returns ctx.Err()), OnShutdown is
// called (returns nil), or the bus goes away (returns that error).
func (o *Orchestrator) Run(ctx context.Context) error {
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return nil
	}
	o.running.Add(1)
	o.mu.Unlock()
	defer o.running.Done()

	rctx, cancel := context.WithCancel(ctx)
	defer cancel()

	recvErr := make(chan error, 1)
	go func() { recvErr <- o.drain(rctx) }()

	ticker := time.NewTicker(o.config.SweepInterval)
	defer ticker.Stop()

	o.log.Info("orchestrator running",
		"id", o.config.ID,
		"topic", o.config.BroadcastTopic,
		"sweep_interval", o.config.SweepInterval)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-o.stop:
			return nil
		case err := <-recvErr:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			select {
			case <-o.stop:
				return nil
			default:
			}
			o.log.Error("heartbeat receive stopped", logging.Err(err))
			return err
		case <-ticker.C:
			o.Sweep()
		}
	}
}

// drain applies heartbeats until ctx ends or Receive fails.
func (o *Orchestrator) drain(ctx context.Context) error {
	for {
		msgs, err := o.bus.Receive(ctx, o.config.ID, heartbeatBatch, true)
		if err != nil {
			return err
		}
		for _, msg := range msgs {
			o.handle(msg)
		}
	}
}

func (o *Orchestrator) handle(msg *bus.Message) {
	if msg.Kind() != bus.KindHeartbeat {
		o.log.Debug("ignoring message", "kind", msg.Kind().String(), "from", msg.From(), "message_id", msg.ID())
		return
	}
	hb, err := heartbeat.FromMessage(msg)
	if err != nil {
		o.log.Warn("malformed heartbeat", "from", msg.From(), logging.Err(err))
		return
	}
	if err := o.RecordReport(hb); err != nil {
		level := o.log.Warn
		if errors.Is(err, errors.ErrCodeNotFound) || errors.Is(err, errors.ErrCodeAlreadyTerminated) {
			level = o.log.Debug
		}
		level("heartbeat rejected", "agent_id", hb.AgentID, logging.Err(err))
	}
}

// OnShutdown stops Run and waits for it to return or ctx to end.
func (o *Orchestrator) OnShutdown(ctx context.Context) error {
	o.mu.Lock()
	o.stopped = true
	o.mu.Unlock()
	o.stopOnce.Do(func() { close(o.stop) })

	done := make(chan struct{})
	go func() {
		o.running.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.FromContext(ctx, "waiting for orchestrator to stop")
	}
}
