// Package correlate attributes audit events to program identities.
//
// Events from processes hosting zero or one service resolve immediately.
// Events from shared service hosts are queued and resolved on the next
// Drain, after the socket snapshot has been refreshed.
package correlate

import (
	"net/netip"
	"strings"

	"grimm.is/fwguard/internal/events"
	"grimm.is/fwguard/internal/firewall"
	"grimm.is/fwguard/internal/identity"
	"grimm.is/fwguard/internal/logging"
	"grimm.is/fwguard/internal/metrics"
	"grimm.is/fwguard/internal/program"
)

// SocketTable is the socket snapshot refreshed before every Drain.
type SocketTable interface {
	// FindSocket returns the identity already resolved for the exact
	// socket, if any.
	FindSocket(pid int, proto firewall.Protocol, local, remote netip.AddrPort) (identity.ID, bool)
}

// ServiceRegistry lists the services a process hosts.
type ServiceRegistry interface {
	ServicesByPID(pid int) []string
}

// ProfileResolver maps a local address to the profile of its adapter.
type ProfileResolver interface {
	ProfileFor(addr netip.Addr) firewall.Profile
}

// DefaultPolicy is the global action for traffic no rule matches.
type DefaultPolicy interface {
	DefaultAction(dir firewall.Direction) firewall.Action
}

// HostResolver provides remote hostnames. ResolveAsync must not block and
// may call done from any goroutine.
type HostResolver interface {
	Cached(addr netip.Addr) (string, program.NameSource, bool)
	ResolveAsync(addr netip.Addr, done func(name string, src program.NameSource))
}

// Options configures a Correlator.
type Options struct {
	Registry *program.Registry
	Resolver *identity.Resolver
	Services ServiceRegistry
	Sockets  SocketTable
	Profiles ProfileResolver
	Defaults DefaultPolicy
	Hosts    HostResolver
	Sink     events.Sink
	Logger   *logging.Logger
	Metrics  *metrics.Registry

	// Post runs fn on the goroutine that owns the registry. Nil runs fn
	// directly.
	Post func(fn func())

	// MaxLogEntries bounds each program's log; zero keeps everything.
	MaxLogEntries int
}

type queued struct {
	ev       firewall.Event
	profile  firewall.Profile
	services []string
	fromLog  bool
}

// Correlator is owned by the engine worker and is not safe for concurrent
// use.
type Correlator struct {
	reg      *program.Registry
	resolver *identity.Resolver
	services ServiceRegistry
	sockets  SocketTable
	profiles ProfileResolver
	defaults DefaultPolicy
	hosts    HostResolver
	sink     events.Sink
	log      *logging.Logger
	metrics  *metrics.Registry
	post     func(fn func())
	maxLog   int

	queue []queued
}

// New creates a Correlator. Registry, Resolver, Services and Defaults are
// required.
func New(opts Options) *Correlator {
	c := &Correlator{
		reg:      opts.Registry,
		resolver: opts.Resolver,
		services: opts.Services,
		sockets:  opts.Sockets,
		profiles: opts.Profiles,
		defaults: opts.Defaults,
		hosts:    opts.Hosts,
		sink:     opts.Sink,
		log:      opts.Logger,
		metrics:  opts.Metrics,
		post:     opts.Post,
		maxLog:   opts.MaxLogEntries,
	}
	if c.log == nil {
		c.log = logging.Default()
	}
	c.log = c.log.WithComponent("correlate")
	if c.metrics == nil {
		c.metrics = metrics.Get()
	}
	if c.sink == nil {
		c.sink = events.Fanout(nil)
	}
	if c.post == nil {
		c.post = func(fn func()) { fn() }
	}
	return c
}

// Submit attributes a live audit event.
func (c *Correlator) Submit(ev firewall.Event) {
	c.handle(ev, c.profileFor(ev), false)
}

// Import attributes an event read from audit history. Its entries are
// marked as imported instead of being checked against rules.
func (c *Correlator) Import(ev firewall.Event) {
	c.handle(ev, firewall.ProfileAll, true)
}

// Pending returns the number of deferred events.
func (c *Correlator) Pending() int {
	return len(c.queue)
}

func (c *Correlator) profileFor(ev firewall.Event) firewall.Profile {
	if ev.Profile != 0 {
		return ev.Profile
	}
	if c.profiles != nil {
		return c.profiles.ProfileFor(ev.LocalAddress)
	}
	return 0
}

func (c *Correlator) handle(ev firewall.Event, profile firewall.Profile, fromLog bool) {
	if ev.PID == c.resolver.SystemPID || strings.EqualFold(ev.ProcessFileName, "System") {
		c.emit(ev, profile, identity.System(), fromLog)
		c.metrics.CorrelatedEvents.WithLabelValues("immediate").Inc()
		return
	}

	services := c.services.ServicesByPID(ev.PID)
	if len(services) > 1 {
		c.queue = append(c.queue, queued{ev: ev, profile: profile, services: services, fromLog: fromLog})
		c.metrics.CorrelatedEvents.WithLabelValues("deferred").Inc()
		c.metrics.QueueDepth.Set(float64(len(c.queue)))
		return
	}

	tag := ""
	if len(services) == 1 {
		tag = services[0]
	}
	id, ok := c.resolver.Resolve(ev.PID, tag, ev.ProcessFileName)
	if !ok {
		// The process is gone and the event carried no file name.
		c.metrics.DroppedEvents.WithLabelValues("no_identity").Inc()
		c.log.Debug("dropping event of unknown process", "pid", ev.PID)
		return
	}
	c.emit(ev, profile, id, fromLog)
	c.metrics.CorrelatedEvents.WithLabelValues("immediate").Inc()
}

// Drain resolves every deferred event. The queue is swapped out first, so
// events queued while draining wait for the next call.
func (c *Correlator) Drain() int {
	q := c.queue
	c.queue = nil
	c.metrics.QueueDepth.Set(0)
	for _, item := range q {
		c.resolveDeferred(item)
	}
	return len(q)
}

func (c *Correlator) resolveDeferred(item queued) {
	ev := item.ev

	if ev.Action == firewall.ActionAllow && c.sockets != nil {
		if id, ok := c.sockets.FindSocket(ev.PID, ev.Protocol, ev.Local(), ev.Remote()); ok {
			c.emit(ev, item.profile, id, item.fromLog)
			c.metrics.CorrelatedEvents.WithLabelValues("socket").Inc()
			return
		}
	}

	var matching, unruled []identity.ID
	for _, svc := range item.services {
		id := c.serviceIdentity(ev, svc)
		action := firewall.ActionUndefined
		if p := c.reg.FindProgram(id, false, program.FuzzyTag); p != nil {
			action = p.LookupRuleAction(ev, item.profile)
		}
		switch action {
		case ev.Action:
			matching = append(matching, id)
		case firewall.ActionUndefined:
			unruled = append(unruled, id)
		}
	}

	switch {
	case len(matching) == 1:
		c.emit(ev, item.profile, matching[0], item.fromLog)
		c.metrics.CorrelatedEvents.WithLabelValues("matching").Inc()
		return
	case len(matching) == 0 && len(unruled) == 1:
		c.emit(ev, item.profile, unruled[0], item.fromLog)
		c.metrics.CorrelatedEvents.WithLabelValues("unruled").Inc()
		return
	}

	// Unruled candidates behave like the global default; when that equals
	// the observed verdict they are as plausible as the matching ones.
	if len(unruled) > 0 && c.defaults.DefaultAction(ev.Direction) == ev.Action {
		matching = append(matching, unruled...)
		c.metrics.CorrelatedEvents.WithLabelValues("folded").Inc()
	}

	if len(matching) > 0 {
		for _, id := range matching {
			c.emit(ev, item.profile, id, item.fromLog)
		}
		c.metrics.CorrelatedEvents.WithLabelValues("matching").Inc()
		return
	}

	c.emitGeneric(item)
	c.metrics.CorrelatedEvents.WithLabelValues("generic").Inc()
}

func (c *Correlator) serviceIdentity(ev firewall.Event, svc string) identity.ID {
	if id, ok := c.resolver.Resolve(ev.PID, svc, ev.ProcessFileName); ok {
		return id
	}
	return c.resolver.Normalize(identity.Service(svc, ev.ProcessFileName))
}

// emitGeneric logs an event no single service could be credited with
// against the hosting binary, tagged with every candidate service.
func (c *Correlator) emitGeneric(item queued) {
	ev := item.ev
	id, ok := c.resolver.Resolve(ev.PID, "", ev.ProcessFileName)
	if !ok {
		id = identity.Global()
	}
	p := c.reg.FindProgram(id, true, program.FuzzyNone)
	if p == nil {
		c.log.Critical("no program for generic entry", "id", id.String())
		return
	}

	entry := program.NewLogEntry(ev, id)
	entry.State = program.LogUnRuled
	entry.Services = append([]string(nil), item.services...)
	p.AddLogEntry(entry, c.maxLog)
	c.push(entry, p)
}

func (c *Correlator) emit(ev firewall.Event, profile firewall.Profile, id identity.ID, fromLog bool) {
	p := c.reg.FindProgram(id, true, program.FuzzyTag)
	if p == nil {
		c.metrics.DroppedEvents.WithLabelValues("invalid_identity").Inc()
		c.log.Critical("no program for identity", "id", id.String())
		return
	}

	entry := program.NewLogEntry(ev, id)
	if fromLog {
		entry.State = program.LogFromLog
	} else {
		entry.CheckAction(p.LookupRuleAction(ev, profile))
	}
	p.AddLogEntry(entry, c.maxLog)
	c.push(entry, p)
}

// push notifies the sink. A hostname that resolves later is re-sent with
// the same entry id, and only if it ranks better than what was sent.
func (c *Correlator) push(entry *program.LogEntry, p *program.Program) {
	addr := entry.Event.RemoteAddress
	if c.hosts != nil && addr.IsValid() {
		if name, src, ok := c.hosts.Cached(addr); ok {
			entry.SetHost(name, src)
			c.metrics.HostnameLookups.WithLabelValues(src.String(), "cached").Inc()
		} else {
			c.hosts.ResolveAsync(addr, func(name string, src program.NameSource) {
				c.post(func() { c.hostResolved(entry, p, name, src) })
			})
		}
	}
	c.notify(entry, p, false)
}

func (c *Correlator) hostResolved(entry *program.LogEntry, p *program.Program, name string, src program.NameSource) {
	if !entry.SetHost(name, src) {
		c.metrics.HostnameLookups.WithLabelValues(src.String(), "ignored").Inc()
		return
	}
	c.metrics.HostnameLookups.WithLabelValues(src.String(), "updated").Inc()
	c.notify(entry, p, true)
}

func (c *Correlator) notify(entry *program.LogEntry, p *program.Program, update bool) {
	snap := entry.Snapshot()
	data := events.ActivityData{
		Program:  p.ID,
		Entry:    snap,
		Services: snap.Services,
		Update:   update,
	}
	if set := p.Set(); set != nil {
		data.SetGUID = set.GUID
	}
	c.sink.NotifyActivity(data)
}
