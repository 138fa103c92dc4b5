package correlate

import (
	"io"
	"net/netip"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/fwguard/internal/events"
	"grimm.is/fwguard/internal/firewall"
	"grimm.is/fwguard/internal/identity"
	"grimm.is/fwguard/internal/logging"
	"grimm.is/fwguard/internal/metrics"
	"grimm.is/fwguard/internal/program"
)

const hostPath = "/usr/libexec/svc-host"

type fakeServices map[int][]string

func (f fakeServices) ServicesByPID(pid int) []string { return f[pid] }

type fakeProcesses map[int]string

func (f fakeProcesses) FileName(pid int) (string, bool) {
	name, ok := f[pid]
	return name, ok
}

type socketKey struct {
	pid           int
	local, remote netip.AddrPort
}

type fakeSockets map[socketKey]identity.ID

func (f fakeSockets) FindSocket(pid int, _ firewall.Protocol, local, remote netip.AddrPort) (identity.ID, bool) {
	id, ok := f[socketKey{pid, local, remote}]
	return id, ok
}

type fakeHosts struct {
	cached  map[netip.Addr]string
	waiting []func(string, program.NameSource)
}

func (h *fakeHosts) Cached(addr netip.Addr) (string, program.NameSource, bool) {
	name, ok := h.cached[addr]
	return name, program.NameObserved, ok
}

func (h *fakeHosts) ResolveAsync(_ netip.Addr, done func(string, program.NameSource)) {
	h.waiting = append(h.waiting, done)
}

type fixture struct {
	c        *Correlator
	reg      *program.Registry
	store    *firewall.MemoryStore
	sink     *events.Recorder
	services fakeServices
	sockets  fakeSockets
}

func newFixture(t *testing.T, opts ...func(*Options)) *fixture {
	t.Helper()
	f := &fixture{
		reg:      program.NewRegistry(),
		store:    firewall.NewMemoryStore(),
		sink:     &events.Recorder{},
		services: fakeServices{},
		sockets:  fakeSockets{},
	}
	o := Options{
		Registry: f.reg,
		Resolver: &identity.Resolver{
			SharedHosts: []string{"svc-host"},
			SystemPID:   4,
			Processes:   fakeProcesses{100: "/usr/bin/curl", 200: hostPath},
		},
		Services: f.services,
		Sockets:  f.sockets,
		Defaults: f.store,
		Sink:     f.sink,
		Logger:   logging.New(logging.Config{Level: logging.LevelError, Output: io.Discard}),
		Metrics:  metrics.NewRegistry(prometheus.NewRegistry()),
	}
	for _, fn := range opts {
		fn(&o)
	}
	f.c = New(o)
	return f
}

func event(pid int, file string, action firewall.Action) firewall.Event {
	return firewall.Event{
		PID:             pid,
		ProcessFileName: file,
		Action:          action,
		Direction:       firewall.DirectionOutbound,
		Protocol:        firewall.ProtocolTCP,
		LocalAddress:    netip.MustParseAddr("192.168.1.10"),
		LocalPort:       50000,
		RemoteAddress:   netip.MustParseAddr("93.184.216.34"),
		RemotePort:      443,
		Timestamp:       time.Unix(1_700_000_000, 0),
	}
}

// allow gives the service an approved allow rule for outbound https.
func (f *fixture) allow(t *testing.T, svc string) {
	t.Helper()
	id := identity.Service(svc, hostPath)
	p := f.reg.FindProgram(id, true, program.FuzzyNone)
	require.NotNil(t, p)
	rec := program.NewRecord(firewall.Rule{
		GUID:        firewall.NewGUID(),
		Name:        svc + " https",
		Program:     id,
		Enabled:     true,
		Action:      firewall.ActionAllow,
		Direction:   firewall.DirectionOutbound,
		Protocol:    firewall.ProtocolTCP,
		RemotePorts: "443",
	})
	require.NoError(t, rec.SetState(program.StateApproved))
	require.NoError(t, f.reg.AddRule(p, rec))
}

func programsOf(acts []events.ActivityData) []identity.ID {
	out := make([]identity.ID, len(acts))
	for i, a := range acts {
		out[i] = a.Program
	}
	return out
}

func TestSubmit_Immediate(t *testing.T) {
	f := newFixture(t)

	f.c.Submit(event(100, "/usr/bin/curl", firewall.ActionAllow))

	acts := f.sink.Activities()
	require.Len(t, acts, 1)
	assert.Equal(t, identity.Program("/usr/bin/curl"), acts[0].Program)
	assert.Equal(t, program.LogUnRuled, acts[0].Entry.State)
	assert.False(t, acts[0].Update)

	p := f.reg.Program(identity.Program("/usr/bin/curl"))
	require.NotNil(t, p)
	assert.Len(t, p.Log(), 1)
	assert.Equal(t, p.Set().GUID, acts[0].SetGUID)
}

func TestSubmit_SingleServiceOnDedicatedBinaryIsProgram(t *testing.T) {
	f := newFixture(t)
	f.services[100] = []string{"curl-timer"}

	f.c.Submit(event(100, "/usr/bin/curl", firewall.ActionAllow))

	require.Len(t, f.sink.Activities(), 1)
	assert.Equal(t, identity.Program("/usr/bin/curl"), f.sink.Activities()[0].Program)
}

func TestSubmit_SingleServiceOnSharedHost(t *testing.T) {
	f := newFixture(t)
	f.services[200] = []string{"A"}
	f.allow(t, "A")

	f.c.Submit(event(200, hostPath, firewall.ActionAllow))

	acts := f.sink.Activities()
	require.Len(t, acts, 1)
	assert.Equal(t, identity.Service("A", hostPath), acts[0].Program)
	assert.Equal(t, program.LogAllowed, acts[0].Entry.State)
}

func TestSubmit_System(t *testing.T) {
	f := newFixture(t)

	f.c.Submit(event(4, "", firewall.ActionBlock))
	f.c.Submit(event(77, "System", firewall.ActionBlock))

	assert.Equal(t, []identity.ID{identity.System(), identity.System()}, programsOf(f.sink.Activities()))
}

func TestSubmit_DropsTerminatedProcessWithoutName(t *testing.T) {
	f := newFixture(t)

	f.c.Submit(event(999, "", firewall.ActionAllow))

	assert.Empty(t, f.sink.Activities())
	assert.Zero(t, f.c.Pending())
}

func TestSubmit_DefersSharedHosts(t *testing.T) {
	f := newFixture(t)
	f.services[200] = []string{"A", "B"}
	f.allow(t, "A")

	f.c.Submit(event(200, hostPath, firewall.ActionAllow))
	assert.Equal(t, 1, f.c.Pending())
	assert.Empty(t, f.sink.Activities())

	assert.Equal(t, 1, f.c.Drain())
	assert.Zero(t, f.c.Pending())
	assert.Len(t, f.sink.Activities(), 1)

	assert.Zero(t, f.c.Drain())
}

func TestDrain_Disambiguation(t *testing.T) {
	f := newFixture(t)
	f.services[200] = []string{"A", "B"}
	f.allow(t, "A")

	f.c.Submit(event(200, hostPath, firewall.ActionAllow))
	f.c.Drain()

	acts := f.sink.Activities()
	require.Len(t, acts, 1)
	assert.Equal(t, identity.Service("A", hostPath), acts[0].Program)
	assert.Equal(t, program.LogAllowed, acts[0].Entry.State)
}

func TestDrain_SingleUnruledCandidate(t *testing.T) {
	f := newFixture(t)
	f.services[200] = []string{"A", "B"}
	f.allow(t, "A")

	// A's rule allows, so for a blocked event A is inconsistent and B is
	// the only candidate without rules.
	f.c.Submit(event(200, hostPath, firewall.ActionBlock))
	f.c.Drain()

	acts := f.sink.Activities()
	require.Len(t, acts, 1)
	assert.Equal(t, identity.Service("B", hostPath), acts[0].Program)
}

// The fold consults the global default action for the event's direction,
// not a per-profile default. This keeps the established behaviour; whether
// a per-profile default should apply when profiles disagree is undecided.
func TestDrain_DefaultFold_UsesGlobalDefault(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.Profiles = profileFunc(func(netip.Addr) firewall.Profile { return firewall.ProfilePublic })
	})
	f.services[200] = []string{"A", "B"}
	f.store.SetDefault(firewall.DirectionOutbound, firewall.ActionAllow)

	f.c.Submit(event(200, hostPath, firewall.ActionAllow))
	f.c.Drain()

	acts := f.sink.Activities()
	require.Len(t, acts, 2)
	assert.ElementsMatch(t,
		[]identity.ID{identity.Service("A", hostPath), identity.Service("B", hostPath)},
		programsOf(acts))
	for _, a := range acts {
		assert.Empty(t, a.Services)
	}
}

func TestDrain_GenericEntryWhenDefaultDiffers(t *testing.T) {
	f := newFixture(t)
	f.services[200] = []string{"A", "B"}
	f.store.SetDefault(firewall.DirectionOutbound, firewall.ActionBlock)

	f.c.Submit(event(200, hostPath, firewall.ActionAllow))
	f.c.Drain()

	acts := f.sink.Activities()
	require.Len(t, acts, 1)
	assert.Equal(t, identity.Program(hostPath), acts[0].Program)
	assert.Equal(t, program.LogUnRuled, acts[0].Entry.State)
	assert.Equal(t, []string{"A", "B"}, acts[0].Services)
}

func TestDrain_GenericEntryWithoutPath(t *testing.T) {
	f := newFixture(t)
	f.services[300] = []string{"A", "B"}
	f.store.SetDefault(firewall.DirectionOutbound, firewall.ActionBlock)

	f.c.Submit(event(300, "", firewall.ActionAllow))
	f.c.Drain()

	acts := f.sink.Activities()
	require.Len(t, acts, 1, "deferred events are never dropped")
	assert.Equal(t, identity.Global(), acts[0].Program)
}

func TestDrain_SocketMatchIsAuthoritative(t *testing.T) {
	f := newFixture(t)
	f.services[200] = []string{"A", "B"}
	f.allow(t, "A")

	matched := event(200, hostPath, firewall.ActionAllow)
	f.sockets[socketKey{200, matched.Local(), matched.Remote()}] = identity.Service("B", hostPath)
	other := event(200, hostPath, firewall.ActionAllow)
	other.LocalPort = 50001

	f.c.Submit(matched)
	f.c.Submit(other)
	f.c.Drain()

	assert.Equal(t,
		[]identity.ID{identity.Service("B", hostPath), identity.Service("A", hostPath)},
		programsOf(f.sink.Activities()))
}

func TestDrain_SocketMatchOnlyForAllow(t *testing.T) {
	f := newFixture(t)
	f.services[200] = []string{"A", "B"}
	f.store.SetDefault(firewall.DirectionOutbound, firewall.ActionAllow)

	blocked := event(200, hostPath, firewall.ActionBlock)
	f.sockets[socketKey{200, blocked.Local(), blocked.Remote()}] = identity.Service("B", hostPath)

	f.c.Submit(blocked)
	f.c.Drain()

	acts := f.sink.Activities()
	require.Len(t, acts, 1)
	assert.Equal(t, identity.Program(hostPath), acts[0].Program)
}

func TestCoverage(t *testing.T) {
	f := newFixture(t)
	f.services[200] = []string{"A", "B", "C"}
	f.services[100] = []string{"curl-timer"}
	f.allow(t, "A")
	f.allow(t, "B")

	var submitted []firewall.Event
	for i := 0; i < 40; i++ {
		pid := []int{100, 200, 4}[i%3]
		file := map[int]string{100: "/usr/bin/curl", 200: hostPath, 4: ""}[pid]
		action := firewall.ActionAllow
		if i%4 == 0 {
			action = firewall.ActionBlock
		}
		ev := event(pid, file, action)
		ev.LocalPort = uint16(40000 + i)
		if i%5 == 0 {
			ev.RemotePort = 22
		}
		submitted = append(submitted, ev)
		f.c.Submit(ev)
	}
	f.c.Drain()

	seen := make(map[uint16]int)
	for _, a := range f.sink.Activities() {
		seen[a.Entry.Event.LocalPort]++
	}
	for _, ev := range submitted {
		assert.GreaterOrEqual(t, seen[ev.LocalPort], 1, "event on port %d", ev.LocalPort)
	}
}

func TestImportMarksEntriesFromLog(t *testing.T) {
	f := newFixture(t)

	f.c.Import(event(100, "/usr/bin/curl", firewall.ActionAllow))

	acts := f.sink.Activities()
	require.Len(t, acts, 1)
	assert.Equal(t, program.LogFromLog, acts[0].Entry.State)
}

func TestHostnameEnrichment(t *testing.T) {
	hosts := &fakeHosts{cached: map[netip.Addr]string{}}
	var posted []func()
	f := newFixture(t, func(o *Options) {
		o.Hosts = hosts
		o.Post = func(fn func()) { posted = append(posted, fn) }
	})

	f.c.Submit(event(100, "/usr/bin/curl", firewall.ActionAllow))
	require.Len(t, hosts.waiting, 1)
	first := f.sink.Activities()
	require.Len(t, first, 1)
	assert.Empty(t, first[0].Entry.RemoteHost)

	hosts.waiting[0]("example.com", program.NameReverseDNS)
	assert.Len(t, f.sink.Activities(), 1, "results are applied on the owning goroutine")
	require.Len(t, posted, 1)
	posted[0]()

	acts := f.sink.Activities()
	require.Len(t, acts, 2)
	assert.True(t, acts[1].Update)
	assert.Equal(t, first[0].Entry.ID, acts[1].Entry.ID)
	assert.Equal(t, "example.com", acts[1].Entry.RemoteHost)

	// A result that does not outrank the pushed one is not re-sent.
	hosts.waiting[0]("other.example", program.NameReverseDNS)
	posted[1]()
	assert.Len(t, f.sink.Activities(), 2)
}

func TestHostnameFromCache(t *testing.T) {
	remote := netip.MustParseAddr("93.184.216.34")
	hosts := &fakeHosts{cached: map[netip.Addr]string{remote: "example.com"}}
	f := newFixture(t, func(o *Options) { o.Hosts = hosts })

	f.c.Submit(event(100, "/usr/bin/curl", firewall.ActionAllow))

	acts := f.sink.Activities()
	require.Len(t, acts, 1)
	assert.Equal(t, "example.com", acts[0].Entry.RemoteHost)
	assert.Equal(t, program.NameObserved, acts[0].Entry.HostSource)
	assert.Empty(t, hosts.waiting)
}

type profileFunc func(netip.Addr) firewall.Profile

func (f profileFunc) ProfileFor(addr netip.Addr) firewall.Profile { return f(addr) }
