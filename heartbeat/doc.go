// Package heartbeat carries agent liveness reports to the lifecycle
// orchestrator.
//
// # Overview
//
// Each agent runs a Sender that periodically addresses a HEARTBEAT message
// to the orchestrator's bus identity. The payload reports the agent's state
// (IDLE, RUNNING or ERROR), an optional activity label, a load figure and
// free-form metadata. The orchestrator decodes these with FromMessage and
// feeds them to its sweep.
//
//	┌─────────────┐   HEARTBEAT (HIGH)    ┌──────────────┐
//	│   Sender    │ ───────────────────>  │ orchestrator │
//	│  (agent-1)  │   To: "orchestrator"  │   mailbox    │
//	└─────────────┘                       └──────────────┘
//
// # Usage
//
//	sender, _ := heartbeat.NewSender(heartbeat.SenderConfig{
//	    Bus:            b,
//	    AgentID:        "agent-1",
//	    OrchestratorID: "orchestrator",
//	    Interval:       5 * time.Second,
//	})
//	sender.SetState("RUNNING")
//	sender.SetLoad(0.75)
//	sender.Start(ctx)
//
// # Recommendations
//
//   - Keep the orchestrator's missed threshold at 2-3 intervals
//   - Include meaningful metadata (version, capabilities)
//   - Report ERROR yourself when a task fails; silence means crash
package heartbeat
