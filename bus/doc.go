// Package bus provides the in-process message bus for agent-to-agent
// communication.
//
// # Overview
//
// Every agent owns one bounded Mailbox. Messages are addressed either to a
// single agent or to a topic; topic messages are copied to a point-in-time
// snapshot of the topic's subscribers. Agents pull their mail with Receive,
// which can block until something arrives.
//
// # Delivery order
//
// Within a mailbox, delivery is strictly priority-major (URGENT, HIGH,
// NORMAL, LOW) and arrival-order-minor. There is no ordering across
// mailboxes, and none between concurrent broadcasts on the same topic.
//
// # Full mailboxes
//
// A full mailbox first drops expired messages. If still full it evicts the
// oldest message of the lowest priority tier strictly below the incoming
// message; if every queued message is of equal or higher priority the
// incoming message is rejected with a CAPACITY error.
//
// # Request/Response
//
//	// Requester
//	req, _ := bus.NewMessage("planner", bus.KindTaskRequest,
//	    bus.To("coder"), bus.WithPayload(map[string]any{"task": "lint"}))
//	reply, err := b.Request(ctx, req, 5*time.Second)
//
//	// Responder
//	msgs, _ := b.Receive(ctx, "coder", 10, true)
//	for _, m := range msgs {
//	    if m.RequiresResponse() {
//	        b.Respond(m, "coder", map[string]any{"ok": true})
//	    }
//	}
//
// Responses bypass the requester's mailbox and resolve the waiting Request
// directly. A response that arrives after its request was resolved, timed
// out, or was canceled is logged and discarded.
//
// Request is Expect, Send and WaitForResponse in one call. Use the parts
// when the send and the wait happen in different places:
//
//	req, _ := bus.NewMessage("planner", bus.KindTaskRequest,
//	    bus.To("coder"), bus.RequiringResponse())
//	_ = b.Expect(req, 5*time.Second)
//	_ = b.Send(req)
//	reply, err := b.WaitForResponse(ctx, req.ID())
//
// # Errors
//
// Failures carry codes from the errors package: NOT_FOUND for unknown agents
// and topics, CAPACITY for a rejected message, TIMEOUT and CANCELED for
// waits that ended early, SENDER_GONE when a party unregistered, and CLOSED
// once the bus has been closed.
package bus
