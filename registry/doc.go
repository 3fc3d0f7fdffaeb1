// Package registry mirrors the lifecycle orchestrator's agent records for
// discovery and observation.
//
// # Overview
//
// The orchestrator is the source of truth for agent state. Every time it
// registers, updates or removes an agent it writes the change here, so
// other components can look agents up, filter them by state or topic, and
// watch for changes without touching the orchestrator's locks. Mirror
// failures are logged by the orchestrator and never affect it.
//
// # Basic Usage
//
//	reg := registry.NewMemory(registry.MemoryConfig{})
//	orch, _ := lifecycle.New(b, cfg, lifecycle.WithRegistry(reg))
//
//	failing, _ := reg.List(&registry.Filter{State: "ERROR"})
//
// Watch for changes:
//
//	events, _ := reg.Watch()
//	for event := range events {
//	    switch event.Type {
//	    case registry.EventAdded:
//	        fmt.Printf("New agent: %s\n", event.Agent.ID)
//	    case registry.EventUpdated:
//	        fmt.Printf("Agent %s is %s\n", event.Agent.ID, event.Agent.State)
//	    case registry.EventRemoved:
//	        fmt.Printf("Agent removed: %s\n", event.Agent.ID)
//	    }
//	}
//
// Watchers that fall behind lose events rather than blocking writers.
package registry
