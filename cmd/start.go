package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"grimm.is/fwguard/internal/api"
	"grimm.is/fwguard/internal/audit"
	"grimm.is/fwguard/internal/brand"
	"grimm.is/fwguard/internal/clock"
	"grimm.is/fwguard/internal/config"
	"grimm.is/fwguard/internal/correlate"
	"grimm.is/fwguard/internal/engine"
	"grimm.is/fwguard/internal/events"
	"grimm.is/fwguard/internal/firewall"
	"grimm.is/fwguard/internal/hostnames"
	"grimm.is/fwguard/internal/identity"
	"grimm.is/fwguard/internal/logging"
	"grimm.is/fwguard/internal/metrics"
	"grimm.is/fwguard/internal/netmon"
	"grimm.is/fwguard/internal/notification"
	"grimm.is/fwguard/internal/procmon"
	"grimm.is/fwguard/internal/ratelimit"
	"grimm.is/fwguard/internal/state"
)

const housekeepingInterval = time.Hour

// daemon holds the long running components of "fwguard start".
type daemon struct {
	cfg     *config.FileStore
	logger  *logging.Logger
	metrics *metrics.Registry

	state    *state.SQLiteStore
	engine   *engine.Engine
	hub      *events.Hub
	dispatch *notification.Dispatcher
	notify   *notification.Sink
	hosts    *hostnames.Resolver
	limiter  *ratelimit.Limiter
	api      *api.Server

	wg sync.WaitGroup
}

// RunStart runs the daemon in the foreground until SIGINT or SIGTERM.
// SIGHUP reloads the configuration file.
func RunStart(configFile string) error {
	cfgStore, err := openConfig(configFile)
	if err != nil {
		return err
	}
	logger := newLogger(cfgStore.Config().Logging)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d, err := newDaemon(ctx, cfgStore, logger)
	if err != nil {
		return err
	}
	return d.run(ctx, cancel)
}

func newDaemon(ctx context.Context, cfgStore *config.FileStore, logger *logging.Logger) (*daemon, error) {
	cfg := cfgStore.Config()
	d := &daemon{
		cfg:     cfgStore,
		logger:  logger,
		metrics: metrics.Get(),
		hub:     events.NewHub(),
	}

	if err := os.MkdirAll(brand.GetStateDir(), 0o750); err != nil {
		logger.Warn("failed to create state directory", "dir", brand.GetStateDir(), "error", err)
	}
	st, err := state.NewSQLiteStore(state.DefaultOptions(cfg.State.Path))
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}
	d.state = st
	if at, ok, err := st.RegistrySavedAt(ctx); err == nil && ok {
		logger.Info("program registry found", "path", cfg.State.Path, "saved", at.Format(time.RFC3339))
	}

	store, err := openRuleStore(ctx, cfg.RuleStore, logger.WithComponent("rules"))
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to open rule store: %w", err)
	}

	processes := procmon.NewRegistry(procmon.PsutilSource{}, logger)
	services := procmon.NewCgroupServices()
	ids := &identity.Resolver{
		SharedHosts: cfg.Correlation.SharedHosts,
		SystemPID:   cfg.Correlation.SystemPID,
		Processes:   processes,
	}
	sockets := netmon.NewTable(netmon.PsutilSource{}, socketIdentity(ids, services), logger)
	profiles := netmon.NewProfiles(netmon.NetlinkSource{}, cfg.Profiles, firewall.ProfileAll, logger)

	var hosts correlate.HostResolver
	var dnsObserver audit.DNSObserver
	if cfg.Hostnames.Enabled {
		lookup, err := hostnames.NewDNSLookup(cfg.Hostnames.Server, cfg.Hostnames.LookupTimeout())
		if err != nil {
			logger.Warn("reverse lookups disabled", "error", err)
		} else {
			d.hosts = hostnames.New(hostnames.Options{
				Lookup:  lookup,
				TTL:     cfg.Hostnames.TTL(),
				Timeout: cfg.Hostnames.LookupTimeout(),
				Logger:  logger,
				Metrics: d.metrics,
			})
			hosts, dnsObserver = d.hosts, d.hosts
		}
	}

	var watcher audit.Watcher
	if cfg.Audit.Enabled {
		watcher = audit.NewNFLogWatcher(audit.Options{
			Group:     uint16(cfg.Audit.LogGroup),
			PIDs:      sockets,
			Processes: processes,
			DNS:       dnsObserver,
			History:   st,
			Rules:     firewall.NewMonitor(store, cfg.RuleStore.Poll(), logger),
			SystemPID: cfg.Correlation.SystemPID,
			Logger:    logger,
			Metrics:   d.metrics,
		})
	}

	d.dispatch = notification.NewDispatcher(cfg.Notifications, logger.WithComponent("notification"))
	d.notify = notification.NewSink(d.dispatch, 0, logger.WithComponent("notification"))

	d.engine, err = engine.New(ctx, engine.Options{
		Settings:  engine.NewSettings(cfg),
		Config:    cfgStore,
		Store:     store,
		Persister: st,
		Watcher:   watcher,
		Sockets:   sockets,
		Services:  services,
		Processes: processes,
		Profiles:  profiles,
		Hosts:     hosts,
		Sink:      events.Fanout{d.hub, d.notify},
		Logger:    logger,
		Metrics:   d.metrics,
	})
	if err != nil {
		st.Close()
		return nil, err
	}

	if cfg.API.Enabled {
		d.limiter = ratelimit.New(30, time.Minute, clock.Default())
		srvCfg := api.DefaultServerConfig()
		if cfg.API.MaxConnections > 0 {
			srvCfg.MaxConns = cfg.API.MaxConnections
		}
		d.api, err = api.NewServer(api.Options{
			Backend:   d.engine,
			Hub:       d.hub,
			Limiter:   d.limiter,
			TokenHash: cfg.API.TokenHash,
			Config:    srvCfg,
			Version:   brand.Version,
			Logger:    logger,
			Metrics:   d.metrics,
		})
		if err != nil {
			st.Close()
			return nil, err
		}
	}
	return d, nil
}

// socketIdentity attributes a socket owner. A process hosting exactly one
// service is tagged with it.
func socketIdentity(ids *identity.Resolver, services *procmon.CgroupServices) netmon.IdentityFunc {
	return func(pid int) (identity.ID, bool) {
		tag := ""
		if svcs := services.ServicesByPID(pid); len(svcs) == 1 {
			tag = svcs[0]
		}
		return ids.Resolve(pid, tag, "")
	}
}

func (d *daemon) run(ctx context.Context, cancel context.CancelFunc) error {
	defer d.state.Close()

	d.goRun(func() { d.notify.Run(ctx) })
	if d.hosts != nil {
		d.goRun(func() { d.hosts.Run(ctx) })
	}

	err := firewall.Retry(ctx, firewall.DefaultBackoff(), func() error {
		err := d.engine.Start(ctx)
		if errors.Is(err, engine.ErrRunning) {
			return nil
		}
		return err
	})
	if err != nil {
		cancel()
		d.wg.Wait()
		return fmt.Errorf("failed to start engine: %w", err)
	}
	d.logger.Info("fwguard started", "version", brand.Version, "config", d.cfg.Path())

	if d.api != nil {
		listen := d.cfg.Config().API.Listen
		d.goRun(func() {
			if err := d.api.ListenAndServe(ctx, listen); err != nil {
				d.logger.Error("api server failed", "error", err)
			}
		})
	}
	d.goRun(func() { d.housekeeping(ctx) })

	d.waitForSignals(ctx, cancel)

	d.engine.Stop()
	d.wg.Wait()
	d.logger.Info("fwguard stopped")
	return nil
}

func (d *daemon) goRun(fn func()) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		fn()
	}()
}

func (d *daemon) waitForSignals(ctx context.Context, cancel context.CancelFunc) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				d.reload()
				continue
			}
			d.logger.Info("received signal, shutting down", "signal", sig.String())
			cancel()
			return
		}
	}
}

// reload re-reads the configuration. Guard settings take effect on the next
// engine operation; notification channels and the log level immediately.
func (d *daemon) reload() {
	if err := d.cfg.Reload(); err != nil {
		d.logger.Error("failed to reload configuration", "error", err)
		return
	}
	cfg := d.cfg.Config()
	d.dispatch.UpdateConfig(cfg.Notifications)
	if level, err := logging.ParseLevel(cfg.Logging.Level); err == nil {
		d.logger.SetLevel(level)
	}
	d.logger.Info("configuration reloaded", "guard", cfg.Guard.Enabled, "mode", cfg.Guard.Mode)
}

// housekeeping trims the event history and the rate limiter.
func (d *daemon) housekeeping(ctx context.Context) {
	ticker := time.NewTicker(housekeepingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		cfg := d.cfg.Config()
		before := clock.Now().Add(-cfg.Engine.Retention())
		n, err := d.state.PruneEvents(ctx, before, cfg.Audit.HistorySize)
		if err != nil {
			d.logger.Warn("failed to prune event history", "error", err)
		} else if n > 0 {
			d.logger.Debug("pruned event history", "removed", n)
		}
		if d.limiter != nil {
			d.limiter.Prune(housekeepingInterval)
		}
	}
}
