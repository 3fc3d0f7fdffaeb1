package shutdown

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/vinayprograms/swarmbus/errors"
	"github.com/vinayprograms/swarmbus/logging"
)

// Coordinator runs registered handlers phase by phase, concurrently within a
// phase, exactly once.
type Coordinator struct {
	config Config
	log    *slog.Logger

	mu       sync.Mutex
	handlers []registration
	started  bool

	once   sync.Once
	err    error
	result *Result
	done   chan struct{}

	signals chan os.Signal
}

// NewCoordinator creates a coordinator.
func NewCoordinator(config Config) *Coordinator {
	def := DefaultConfig()
	if config.Timeout == 0 {
		config.Timeout = def.Timeout
	}
	if config.DefaultPhase == 0 {
		config.DefaultPhase = def.DefaultPhase
	}

	return &Coordinator{
		config:  config,
		log:     logging.Component(config.Logger, "shutdown"),
		done:    make(chan struct{}),
		signals: make(chan os.Signal, 1),
	}
}

// Register adds handler under name in phase. Registrations made after
// shutdown has started are ignored.
func (c *Coordinator) Register(name string, handler Handler, phase int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		c.log.Warn("handler registered after shutdown started", "handler", name)
		return
	}
	c.handlers = append(c.handlers, registration{name: name, handler: handler, phase: phase})
}

// RegisterFunc registers fn in the default phase.
func (c *Coordinator) RegisterFunc(name string, fn func(ctx context.Context) error) {
	c.Register(name, HandlerFunc(fn), c.config.DefaultPhase)
}

// Shutdown runs every phase in order. Later and concurrent calls wait for
// the first one and return its error.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.once.Do(func() {
		c.mu.Lock()
		c.started = true
		handlers := append([]registration(nil), c.handlers...)
		c.mu.Unlock()

		c.result = c.run(ctx, handlers)
		c.err = c.result.Err
		close(c.done)
	})
	<-c.done
	return c.err
}

// ShutdownWithTimeout runs Shutdown bounded by timeout (Config.Timeout if 0).
func (c *Coordinator) ShutdownWithTimeout(timeout time.Duration) error {
	if timeout == 0 {
		timeout = c.config.Timeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return c.Shutdown(ctx)
}

// HandleSignals starts shutdown on SIGTERM or SIGINT.
func (c *Coordinator) HandleSignals() {
	signal.Notify(c.signals, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		select {
		case sig := <-c.signals:
			c.log.Info("signal received", "signal", sig.String())
			_ = c.ShutdownWithTimeout(0)
		case <-c.done:
		}
		signal.Stop(c.signals)
	}()
}

// Trigger behaves like a received SIGTERM.
func (c *Coordinator) Trigger() {
	select {
	case c.signals <- syscall.SIGTERM:
	default:
	}
}

// Done is closed when shutdown has finished.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Err returns the shutdown error once Done is closed.
func (c *Coordinator) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Result returns the detailed outcome once Done is closed.
func (c *Coordinator) Result() *Result {
	select {
	case <-c.done:
		return c.result
	default:
		return nil
	}
}

func (c *Coordinator) run(ctx context.Context, handlers []registration) *Result {
	start := time.Now()
	res := &Result{Handlers: make([]HandlerResult, 0, len(handlers))}
	var failures []error

	finish := func(err error) *Result {
		res.Err = err
		res.TotalDuration = time.Since(start)
		c.log.Info("shutdown finished",
			"duration", res.TotalDuration,
			"handlers", len(res.Handlers),
			"failed", res.FailedHandlers())
		return res
	}

	for _, group := range groupByPhase(handlers) {
		if ctx.Err() != nil {
			return finish(errors.FromContext(ctx, "shutdown deadline exceeded"))
		}

		phase := group[0].phase
		c.log.Debug("shutdown phase", "phase", phase, "handlers", len(group))
		results := c.runPhase(ctx, group)
		res.Handlers = append(res.Handlers, results...)

		for _, hr := range results {
			if hr.Err != nil {
				failures = append(failures, errors.Wrap(hr.Err, hr.Name))
			}
		}
		if len(failures) > 0 && !c.config.ContinueOnError {
			break
		}
	}

	if len(failures) > 0 {
		return finish(errors.WrapWithCode(errors.Join(failures...), errors.ErrCodeInternal, "one or more shutdown handlers failed"))
	}
	return finish(nil)
}

func (c *Coordinator) runPhase(ctx context.Context, group []registration) []HandlerResult {
	if c.config.PhaseTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.PhaseTimeout)
		defer cancel()
	}

	results := make([]HandlerResult, len(group))
	var wg sync.WaitGroup
	for i, reg := range group {
		wg.Add(1)
		go func(i int, r registration) {
			defer wg.Done()

			start := time.Now()
			err := c.call(ctx, r)
			hr := HandlerResult{Name: r.name, Phase: r.phase, Duration: time.Since(start), Err: err}
			results[i] = hr

			if err != nil {
				c.log.Error("shutdown handler failed", "handler", r.name, "phase", r.phase, logging.Err(err))
			}
			if c.config.OnProgress != nil {
				c.config.OnProgress(hr)
			}
		}(i, reg)
	}
	wg.Wait()
	return results
}

func (c *Coordinator) call(ctx context.Context, r registration) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = errors.RecoverPanic(p)
		}
	}()
	return r.handler.OnShutdown(ctx)
}

// groupByPhase sorts handlers by phase, stable within a phase, and splits
// them into one group per phase.
func groupByPhase(handlers []registration) [][]registration {
	if len(handlers) == 0 {
		return nil
	}
	sorted := append([]registration(nil), handlers...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].phase < sorted[j].phase
	})

	var groups [][]registration
	for _, h := range sorted {
		n := len(groups)
		if n == 0 || groups[n-1][0].phase != h.phase {
			groups = append(groups, []registration{h})
			continue
		}
		groups[n-1] = append(groups[n-1], h)
	}
	return groups
}
