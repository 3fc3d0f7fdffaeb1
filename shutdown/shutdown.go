package shutdown

import (
	"context"
	"log/slog"
	"time"

	"github.com/vinayprograms/swarmbus/errors"
)

// Standard phases, lowest first. Agents stop producing before the
// orchestrator stops sweeping, and the bus closes only after both.
const (
	PhaseAgents       = 10
	PhaseOrchestrator = 20
	PhaseBus          = 30
	PhaseTelemetry    = 40
)

// Handler is implemented by components that need graceful shutdown. The
// context is cancelled when the phase deadline is reached.
type Handler interface {
	OnShutdown(ctx context.Context) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context) error

// OnShutdown implements Handler.
func (f HandlerFunc) OnShutdown(ctx context.Context) error {
	return f(ctx)
}

// HandlerResult is the outcome of one handler.
type HandlerResult struct {
	Name     string
	Phase    int
	Duration time.Duration
	Err      error
}

// Result is the outcome of a whole shutdown.
type Result struct {
	TotalDuration time.Duration
	Handlers      []HandlerResult
	Err           error
}

// Failed reports whether shutdown ended with an error.
func (r *Result) Failed() bool {
	return r.Err != nil
}

// FailedHandlers returns the names of handlers that failed.
func (r *Result) FailedHandlers() []string {
	var failed []string
	for _, hr := range r.Handlers {
		if hr.Err != nil {
			failed = append(failed, hr.Name)
		}
	}
	return failed
}

// Config configures the shutdown coordinator.
type Config struct {
	// Timeout bounds the whole shutdown when it is triggered by a signal
	// or ShutdownWithTimeout(0).
	// Default: 30 seconds
	Timeout time.Duration

	// PhaseTimeout bounds each phase. Zero means only Timeout applies.
	PhaseTimeout time.Duration

	// DefaultPhase is used by Register when no phase is given.
	// Default: PhaseAgents
	DefaultPhase int

	// ContinueOnError runs later phases even after a handler failed.
	// Default: true
	ContinueOnError bool

	// Logger receives progress. Default: discard.
	Logger *slog.Logger

	// OnProgress is called when each handler completes.
	OnProgress func(result HandlerResult)
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Timeout < 0 {
		return errors.InvalidInput("negative shutdown timeout")
	}
	if c.PhaseTimeout < 0 {
		return errors.InvalidInput("negative phase timeout")
	}
	return nil
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:         30 * time.Second,
		DefaultPhase:    PhaseAgents,
		ContinueOnError: true,
	}
}

type registration struct {
	name    string
	handler Handler
	phase   int
}
