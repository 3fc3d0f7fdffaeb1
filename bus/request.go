package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/vinayprograms/swarmbus/errors"
	"github.com/vinayprograms/swarmbus/metrics"
	"github.com/vinayprograms/swarmbus/telemetry"
)

// Request sends msg flagged as requiring a response and waits for the
// matching TASK_RESPONSE (or ERROR) keyed on msg's id. Exactly one outcome is
// returned: the response, TIMEOUT after timeout or once msg's TTL lapses
// undelivered, CANCELED or TIMEOUT when ctx ends, SENDER_GONE if the
// requester or addressed peer unregisters, or TASK_FAILED (with the ERROR
// message) when the peer answered with an error.
func (b *Bus) Request(ctx context.Context, msg *Message, timeout time.Duration) (*Message, error) {
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	req := msg.withResponseRequired()

	ctx, span := b.tracer.StartRequestSpan(ctx, telemetry.RequestSpanOptions{
		From:          req.from,
		To:            req.to,
		Kind:          req.kind.String(),
		Priority:      req.priority.String(),
		CorrelationID: req.id,
	})
	start := time.Now()
	reply, err := b.request(ctx, req, timeout)
	outcome := metrics.OutcomeOK
	if err != nil {
		outcome = outcomeOf(err)
	}
	b.metrics.ObserveRequest(outcome, time.Since(start))
	b.tracer.EndRequestSpan(span, outcome, err)
	return reply, err
}

func (b *Bus) request(ctx context.Context, req *Message, timeout time.Duration) (*Message, error) {
	// Registered before sending so a fast responder cannot beat us.
	if err := b.Expect(req, timeout); err != nil {
		return nil, err
	}
	if err := b.Send(req); err != nil {
		b.pending.discard(req.id)
		b.metrics.SetPending(b.pending.len())
		return nil, err
	}
	return b.WaitForResponse(ctx, req.id)
}

// Expect registers interest in the response to msg, which must require one.
// Call it before sending msg, then collect the outcome with WaitForResponse
// using msg's id. The wait fails with TIMEOUT once timeout elapses, or once
// a point-to-point msg's TTL lapses while it is still queued. An outcome
// not collected by then is dropped.
func (b *Bus) Expect(msg *Message, timeout time.Duration) error {
	if timeout <= 0 {
		return errors.InvalidInput("request timeout must be positive")
	}
	if b.closed.Load() {
		return errors.Closed("bus")
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	if !msg.requiresResponse {
		return errors.InvalidInput("message does not require a response",
			errors.WithCorrelationID(msg.id))
	}

	if _, err := b.pending.add(msg.id, msg.from, msg.to, time.Now().Add(timeout)); err != nil {
		return err
	}
	b.metrics.SetPending(b.pending.len())

	timers := []*time.Timer{time.AfterFunc(timeout, func() { b.expire(msg, timeout) })}
	if msg.to != "" && msg.ttl > 0 && msg.ttl < timeout {
		lapse := time.Until(msg.createdAt.Add(msg.ttl))
		timers = append(timers, time.AfterFunc(lapse, func() { b.expireUndelivered(msg) }))
	}
	b.pending.arm(msg.id, timers...)
	return nil
}

// WaitForResponse blocks until the response expected for correlationID
// arrives or the wait fails. The id must have been registered with Expect;
// otherwise NOT_FOUND is returned, or TIMEOUT if its outcome was already
// dropped. Only one caller may wait on an id.
func (b *Bus) WaitForResponse(ctx context.Context, correlationID string) (*Message, error) {
	w, ok := b.pending.claim(correlationID)
	if !ok {
		if b.pending.isLate(correlationID) {
			return nil, errors.Timeout("response to "+correlationID+" is no longer held",
				errors.WithCorrelationID(correlationID))
		}
		return nil, errors.NotFound("pending request", correlationID)
	}
	defer b.pending.release(w)
	defer func() { b.metrics.SetPending(b.pending.len()) }()

	var r waitResult
	select {
	case r = <-w.result:
	case <-ctx.Done():
		if b.pending.abandon(w.id) {
			return nil, errors.FromContext(ctx, "request "+w.id, errors.WithCorrelationID(w.id))
		}
		r = <-w.result
	}

	if r.err != nil {
		return nil, r.err
	}
	if r.msg.kind == KindError {
		return r.msg, errors.TaskFailed(w.id, responseError(r.msg), errors.WithAgentID(r.msg.from))
	}
	return r.msg, nil
}

// expire fails a wait whose timeout elapsed and drops its outcome if nobody
// collected it.
func (b *Bus) expire(req *Message, timeout time.Duration) {
	err := errors.Timeout(fmt.Sprintf("no response to %s within %s", req.id, timeout),
		errors.WithCorrelationID(req.id), errors.WithAgentID(req.to))
	if b.pending.resolve(req.id, "", waitResult{err: err}) {
		b.log.Debug("request timed out", "correlation_id", req.id, "to", req.to, "timeout", timeout)
	}
	if b.pending.reap(req.id) {
		b.log.Debug("response never collected", "correlation_id", req.id)
	}
	b.metrics.SetPending(b.pending.len())
}

// expireUndelivered drops req from its recipient's mailbox when its TTL
// lapses. A request the recipient already took keeps waiting.
func (b *Bus) expireUndelivered(req *Message) {
	mb := b.mailbox(req.to)
	if mb == nil || !mb.remove(req.id) {
		return
	}
	b.handleDropped(mb, pushResult{expired: []*Message{req}})
	b.metrics.SetPending(b.pending.len())
}

func outcomeOf(err error) string {
	switch errors.Code(err) {
	case errors.ErrCodeTimeout:
		return metrics.OutcomeTimeout
	case errors.ErrCodeCanceled:
		return metrics.OutcomeCanceled
	case errors.ErrCodeSenderGone:
		return metrics.OutcomeSenderGone
	default:
		return metrics.OutcomeError
	}
}

// responseError extracts the failure carried by an ERROR message.
func responseError(msg *Message) error {
	v, _ := msg.Get("error")
	switch e := v.(type) {
	case error:
		return e
	case string:
		return errors.Internal(e)
	case json.RawMessage:
		return decodeError(e)
	case []byte:
		return decodeError(e)
	case map[string]any:
		// An error that went through JSON on its way here.
		data, err := json.Marshal(e)
		if err != nil {
			return errors.FromCode(errors.ErrCodeTaskFailed)
		}
		return decodeError(data)
	default:
		return errors.FromCode(errors.ErrCodeTaskFailed)
	}
}

func decodeError(data []byte) error {
	var e errors.Error
	if err := json.Unmarshal(data, &e); err != nil || e.Code() == "" {
		return errors.FromCode(errors.ErrCodeTaskFailed)
	}
	return &e
}

// Respond answers original on behalf of from with a TASK_RESPONSE addressed
// to original's sender and correlated to original's id.
func (b *Bus) Respond(original *Message, from string, payload map[string]any) error {
	return b.reply(original, from, KindTaskResponse, payload)
}

// RespondError answers original with an ERROR message carrying cause.
func (b *Bus) RespondError(original *Message, from string, cause error) error {
	return b.reply(original, from, KindError, map[string]any{"error": cause})
}

func (b *Bus) reply(original *Message, from string, kind Kind, payload map[string]any) error {
	if original == nil {
		return errors.InvalidInput("nil original message")
	}
	resp, err := NewMessage(from, kind,
		To(original.from),
		WithCorrelationID(original.id),
		WithPriority(original.priority),
		WithPayload(payload),
	)
	if err != nil {
		return err
	}
	return b.Send(resp)
}
