// Package lifecycle supervises agents on a bus: it tracks each agent's
// state, applies heartbeats, and asks for restarts when an agent goes
// silent.
//
// # State machine
//
//	INITIALIZING ──> IDLE <──> RUNNING
//	      │           │  ╲      ╱ │
//	      └─────────> ERROR <─────┘
//	any ──> STOPPED ──> TERMINATED
//	any ──> TERMINATED
//
// Agents report IDLE, RUNNING or ERROR in heartbeats (THINKING and ACTING
// count as RUNNING). STOPPED and TERMINATED are administrative.
//
// # Sweep and restart policy
//
// Sweep moves every supervised agent whose last heartbeat is older than
// interval × threshold to ERROR. While an agent stays silent it receives up
// to MaxRestartAttempts restart_requested broadcasts, spaced by an
// exponential backoff from RestartBackoffBase doubling up to
// RestartBackoffMax. After the last attempt's backoff runs out a single
// URGENT restart_exhausted broadcast is sent. A heartbeat that brings the
// agent out of ERROR resets the count.
//
// The orchestrator never acts on agents directly. Every event is a STATUS
// message on BroadcastTopic, which all registered agents (and any external
// supervisor) subscribe to. State changes are published in the order they
// happen. A receiver still sees an URGENT event ahead of NORMAL ones queued
// before it.
package lifecycle
