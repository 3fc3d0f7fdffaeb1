// Package shutdown coordinates graceful shutdown of a swarm process.
//
// # Overview
//
// Components implement Handler and register under a phase. On Shutdown (or
// SIGTERM/SIGINT when HandleSignals is active) the Coordinator runs phases
// lowest first; handlers within one phase run concurrently and share the
// phase deadline. Shutdown happens exactly once.
//
//	SIGTERM / SIGINT / Shutdown()
//	            │
//	            ▼
//	 PhaseAgents (10)        heartbeat senders, dispatchers
//	 PhaseOrchestrator (20)  lifecycle sweep loop
//	 PhaseBus (30)           bus.Close, pending requests fail CLOSED
//	 PhaseTelemetry (40)     flush and stop the tracer provider
//
// # Usage
//
//	coord := shutdown.NewCoordinator(shutdown.DefaultConfig())
//	coord.HandleSignals()
//
//	coord.Register("orchestrator", orch, shutdown.PhaseOrchestrator)
//	coord.Register("bus", b, shutdown.PhaseBus)
//	coord.Register("telemetry", provider, shutdown.PhaseTelemetry)
//
//	<-coord.Done()
//
// Handlers should return promptly once their context is done. A handler
// that panics is reported as a PANIC failure and does not stop the others.
package shutdown
