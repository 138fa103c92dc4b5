// Package engine runs the guard and the correlator on a single worker
// goroutine.
//
// Every public operation is a closure executed by the worker; callers block
// until it returns. Collaborators running on other goroutines (hostname
// lookups, history import) hand their results back with post. The worker
// also drives the periodic tick:
//
//	socket refresh -> correlation drain -> rule change processing
//	every cleanup_every ticks: expired rules, full sweep, process cleanup
//	every save_interval: persist the registry
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"grimm.is/fwguard/internal/audit"
	"grimm.is/fwguard/internal/clock"
	"grimm.is/fwguard/internal/config"
	"grimm.is/fwguard/internal/correlate"
	"grimm.is/fwguard/internal/events"
	"grimm.is/fwguard/internal/firewall"
	"grimm.is/fwguard/internal/guard"
	"grimm.is/fwguard/internal/identity"
	"grimm.is/fwguard/internal/logging"
	"grimm.is/fwguard/internal/metrics"
	"grimm.is/fwguard/internal/netmon"
	"grimm.is/fwguard/internal/program"
)

var (
	// ErrStopped is returned by operations on an engine after Stop.
	ErrStopped = errors.New("engine stopped")
	// ErrRunning is returned by Start on a running engine.
	ErrRunning = errors.New("engine already running")
)

// ConfigStore is the guard configuration, writable for SetGuard.
type ConfigStore interface {
	guard.ConfigSource
	SetGuard(enabled bool, mode string) error
}

// SocketTable is the socket snapshot refreshed every tick.
type SocketTable interface {
	correlate.SocketTable
	Refresh() error
	Sockets() []netmon.Socket
}

// ProcessRegistry caches process attributes.
type ProcessRegistry interface {
	identity.ProcessLookup
	// Alive reports whether pid still runs path and was started no later
	// than ts.
	Alive(pid int, path string, ts time.Time) bool
	// Cleanup forgets exited processes.
	Cleanup() int
}

// ProfileSource maps local addresses to profiles and is refreshed with the
// periodic cleanup.
type ProfileSource interface {
	correlate.ProfileResolver
	Refresh() error
}

// Settings are the engine's tunables.
type Settings struct {
	TickInterval     time.Duration
	CleanupEvery     int
	SaveInterval     time.Duration
	MaxLogEntries    int
	LoadLog          bool
	ProgramRetention time.Duration
	SharedHosts      []string
	SystemPID        int
	TempRulePrefix   string
}

// NewSettings extracts Settings from a defaulted configuration.
func NewSettings(cfg *config.Config) Settings {
	return Settings{
		TickInterval:     cfg.Engine.Tick(),
		CleanupEvery:     cfg.Engine.CleanupEvery,
		SaveInterval:     cfg.Engine.Save(),
		MaxLogEntries:    cfg.Engine.MaxLogEntries,
		LoadLog:          cfg.Engine.LoadLog,
		ProgramRetention: cfg.Engine.Retention(),
		SharedHosts:      cfg.Correlation.SharedHosts,
		SystemPID:        cfg.Correlation.SystemPID,
		TempRulePrefix:   cfg.Guard.TempRulePrefix,
	}
}

// Options wires an Engine. Config, Store and Persister are required; a nil
// Watcher runs the engine without live events.
type Options struct {
	Settings  Settings
	Config    ConfigStore
	Store     firewall.RuleStore
	Persister program.Persister
	Watcher   audit.Watcher
	Sockets   SocketTable
	Services  correlate.ServiceRegistry
	Processes ProcessRegistry
	Profiles  ProfileSource
	Hosts     correlate.HostResolver
	Sink      events.Sink
	Clock     clock.Clock
	Logger    *logging.Logger
	Metrics   *metrics.Registry
}

// Engine owns the program registry and serializes every access to it.
type Engine struct {
	settings  Settings
	cfg       ConfigStore
	store     firewall.RuleStore
	persister program.Persister
	watcher   audit.Watcher
	sockets   SocketTable
	services  correlate.ServiceRegistry
	processes ProcessRegistry
	profiles  ProfileSource
	sink      events.Sink
	clk       clock.Clock
	log       *logging.Logger
	metrics   *metrics.Registry

	reg      *program.Registry
	resolver *identity.Resolver
	guard    *guard.Guard
	corr     *correlate.Correlator

	actions chan func()
	stopped chan struct{}

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
	// halted is set by Stop. Work arriving afterwards is refused rather
	// than run inline, since late callbacks may still be in flight.
	halted bool

	// worker state
	ticks    int
	lastSave time.Time
}

type noServices struct{}

func (noServices) ServicesByPID(int) []string { return nil }

// New loads the persisted registry and builds the guard and correlator.
func New(ctx context.Context, opts Options) (*Engine, error) {
	if opts.Config == nil || opts.Store == nil || opts.Persister == nil {
		return nil, errors.New("engine: config, rule store and persister are required")
	}
	s := opts.Settings
	if s.TickInterval <= 0 {
		s.TickInterval = config.DefaultTickInterval
	}
	if s.CleanupEvery <= 0 {
		s.CleanupEvery = config.DefaultCleanupEvery
	}
	if s.SaveInterval <= 0 {
		s.SaveInterval = config.DefaultSaveInterval
	}
	if s.ProgramRetention <= 0 {
		s.ProgramRetention = config.DefaultProgramRetention
	}

	e := &Engine{
		settings:  s,
		cfg:       opts.Config,
		store:     opts.Store,
		persister: opts.Persister,
		watcher:   opts.Watcher,
		sockets:   opts.Sockets,
		processes: opts.Processes,
		profiles:  opts.Profiles,
		sink:      opts.Sink,
		clk:       opts.Clock,
		log:       opts.Logger,
		metrics:   opts.Metrics,
		actions:   make(chan func()),
		stopped:   make(chan struct{}),
	}
	if e.clk == nil {
		e.clk = clock.Default()
	}
	if e.log == nil {
		e.log = logging.Default()
	}
	e.log = e.log.WithComponent("engine")
	if e.metrics == nil {
		e.metrics = metrics.Get()
	}
	if e.sink == nil {
		e.sink = events.Fanout(nil)
	}
	close(e.stopped)

	reg, err := program.Load(ctx, e.persister)
	if err != nil {
		return nil, fmt.Errorf("failed to load program registry: %w", err)
	}
	e.reg = reg

	e.resolver = &identity.Resolver{SharedHosts: s.SharedHosts, SystemPID: s.SystemPID, Processes: e.processes}

	e.guard = guard.New(guard.Options{
		Registry:       reg,
		Store:          e.store,
		Config:         e.cfg,
		Sink:           e.sink,
		Clock:          e.clk,
		Logger:         opts.Logger,
		Metrics:        e.metrics,
		TempRulePrefix: s.TempRulePrefix,
	})

	e.services = opts.Services
	if e.services == nil {
		e.services = noServices{}
	}
	e.corr = correlate.New(correlate.Options{
		Registry:      reg,
		Resolver:      e.resolver,
		Services:      e.services,
		Sockets:       opts.Sockets,
		Profiles:      opts.Profiles,
		Defaults:      e.store,
		Hosts:         opts.Hosts,
		Sink:          e.sink,
		Logger:        opts.Logger,
		Metrics:       e.metrics,
		Post:          e.post,
		MaxLogEntries: s.MaxLogEntries,
	})

	e.updateGauges()
	return e, nil
}

// Start reconciles the rule store, starts the watcher and launches the
// worker. A failing first reconciliation is logged and retried on the next
// cleanup.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return ErrRunning
	}

	if e.profiles != nil {
		if err := e.profiles.Refresh(); err != nil {
			e.log.Warn("failed to read interface addresses", "error", err)
		}
	}
	if e.sockets != nil {
		if err := e.sockets.Refresh(); err != nil {
			e.log.Warn("failed to read socket table", "error", err)
		}
	}
	if _, err := e.guard.LoadRules(); err != nil {
		e.log.Warn("initial rule load failed", "error", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	var evs <-chan firewall.Event
	var changes <-chan firewall.RuleChange
	if e.watcher != nil {
		if err := e.watcher.Start(ctx); err != nil {
			cancel()
			return fmt.Errorf("failed to start audit watcher: %w", err)
		}
		evs = e.watcher.Events()
		changes = e.watcher.RuleChanges()
	}

	e.cancel = cancel
	e.done = make(chan struct{})
	e.stopped = make(chan struct{})
	e.running = true
	e.halted = false
	e.lastSave = e.clk.Now()

	go e.run(ctx, evs, changes, e.done, e.stopped)

	if e.settings.LoadLog && e.watcher != nil {
		since := e.clk.Now().Add(-e.settings.ProgramRetention)
		e.LoadLogAsync(ctx, since, e.settings.MaxLogEntries*10)
	}
	e.log.Info("engine started", "programs", len(e.reg.Programs()), "rules", e.reg.RuleCount())
	return nil
}

// Stop drains queued events, persists the registry, stops the watcher and
// joins the worker.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	e.halted = true
	cancel, done := e.cancel, e.done
	e.mu.Unlock()

	cancel()
	<-done
	if e.watcher != nil {
		e.watcher.Stop()
	}
	e.log.Info("engine stopped")
}

func (e *Engine) run(ctx context.Context, evs <-chan firewall.Event, changes <-chan firewall.RuleChange, done, stopped chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(e.settings.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			close(stopped)
			e.shutdown()
			return
		case fn := <-e.actions:
			fn()
		case ev := <-evs:
			e.corr.Submit(ev)
		case ch, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			e.guard.QueueRuleChange(ch)
		case <-ticker.C:
			e.tick()
		}
	}
}

func (e *Engine) shutdown() {
	if n := e.corr.Drain(); n > 0 {
		e.log.Debug("drained queued events", "count", n)
	}
	if err := e.save(context.Background()); err != nil {
		e.log.Error("failed to persist registry on shutdown", "error", err)
	}
}

// tick runs one pass of the periodic work. It is only called by the worker.
func (e *Engine) tick() {
	start := e.clk.Now()

	if e.sockets != nil {
		if err := e.sockets.Refresh(); err != nil {
			e.log.Debug("socket refresh failed", "error", err)
		}
	}
	e.corr.Drain()
	if err := e.guard.ProcessRuleChanges(); err != nil {
		e.log.Warn("rule change processing failed", "error", err)
	}

	e.ticks++
	if e.ticks%e.settings.CleanupEvery == 0 {
		e.cleanup()
	}
	if e.clk.Since(e.lastSave) >= e.settings.SaveInterval {
		if err := e.save(context.Background()); err != nil {
			e.log.Error("failed to persist registry", "error", err)
		}
	}

	e.updateGauges()
	e.metrics.TickDuration.Observe(e.clk.Since(start).Seconds())
}

func (e *Engine) cleanup() {
	e.guard.CleanupRules(false)
	if _, err := e.guard.LoadRules(); err != nil {
		e.log.Warn("periodic rule sweep failed", "error", err)
	}
	if e.processes != nil {
		if n := e.processes.Cleanup(); n > 0 {
			e.log.Debug("forgot exited processes", "count", n)
		}
	}
	if e.profiles != nil {
		if err := e.profiles.Refresh(); err != nil {
			e.log.Debug("profile refresh failed", "error", err)
		}
	}
	if n := e.cleanPrograms(); n > 0 {
		e.log.Info("removed inactive programs", "count", n)
	}
}

func (e *Engine) cleanPrograms() int {
	return e.reg.Clean(e.clk.Now().Add(-e.settings.ProgramRetention))
}

func (e *Engine) save(ctx context.Context) error {
	e.lastSave = e.clk.Now()
	err := program.Store(ctx, e.persister, e.reg)
	e.metrics.RecordSave(err)
	return err
}

func (e *Engine) updateGauges() {
	e.metrics.Programs.Set(float64(len(e.reg.Programs())))
	e.metrics.ProgramSets.Set(float64(len(e.reg.Sets())))
	e.metrics.MirroredRules.Set(float64(e.reg.RuleCount()))
	e.metrics.RuleChangesPending.Set(float64(e.guard.PendingChanges()))
}

// invoke runs fn on the worker and waits for it. On an engine that was
// never started fn runs on the caller's goroutine, which then owns the
// registry; such calls must not overlap. After Stop it returns ErrStopped.
func (e *Engine) invoke(ctx context.Context, fn func()) error {
	e.mu.Lock()
	running, halted, stopped := e.running, e.halted, e.stopped
	e.mu.Unlock()
	if halted {
		return ErrStopped
	}
	if !running {
		fn()
		return nil
	}

	done := make(chan struct{})
	wrapped := func() {
		defer close(done)
		fn()
	}
	select {
	case e.actions <- wrapped:
	case <-stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	<-done
	return nil
}

// post queues fn on the worker without waiting for it. It is dropped when
// the engine stops first, and runs inline on an engine never started.
func (e *Engine) post(fn func()) {
	e.mu.Lock()
	running, halted, stopped := e.running, e.halted, e.stopped
	e.mu.Unlock()
	if halted {
		return
	}
	if !running {
		fn()
		return
	}
	go func() {
		select {
		case e.actions <- fn:
		case <-stopped:
		}
	}()
}

// call is invoke for operations returning a value.
func call[T any](ctx context.Context, e *Engine, fn func() (T, error)) (T, error) {
	var (
		out T
		err error
	)
	if ierr := e.invoke(ctx, func() { out, err = fn() }); ierr != nil {
		var zero T
		return zero, ierr
	}
	return out, err
}
