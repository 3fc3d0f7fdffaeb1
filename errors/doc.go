// Package errors provides the structured error taxonomy shared by the bus and
// the lifecycle orchestrator.
//
// Every failure surfaced by swarmbus carries an ErrorCode and an
// ErrorCategory so callers can tell, for example, a request that timed out
// from one whose peer unregistered:
//
//	reply, err := b.Request(ctx, msg, time.Second)
//	switch {
//	case errors.Is(err, errors.ErrCodeTimeout):
//	    // nobody answered in time
//	case errors.Is(err, errors.ErrCodeSenderGone):
//	    // the peer left before answering
//	}
//
// # Error Categories
//
//   - Transient: retry may succeed (TIMEOUT, SENDER_GONE)
//   - Permanent: retry will not help (NOT_FOUND, DUPLICATE_REGISTRATION, ...)
//   - Resource: mailbox capacity exhausted (CAPACITY)
//   - Internal: bugs and recovered panics
//
// # JSON Serialization
//
// Errors marshal to JSON so a responder can ship a failure back to a
// requester inside an ERROR message payload:
//
//	data, _ := json.Marshal(agentErr)
//	var back errors.Error
//	json.Unmarshal(data, &back)
package errors
