// Package netmon snapshots the local socket table and maps local
// addresses to network profiles.
package netmon

import (
	"net/netip"
	"sync"
	"syscall"
	"time"

	psnet "github.com/shirou/gopsutil/net"

	"grimm.is/fwguard/internal/clock"
	"grimm.is/fwguard/internal/firewall"
	"grimm.is/fwguard/internal/identity"
	"grimm.is/fwguard/internal/logging"
)

// Socket is one entry of the socket table.
type Socket struct {
	PID      int               `json:"pid"`
	Protocol firewall.Protocol `json:"protocol"`
	Local    netip.AddrPort    `json:"local"`
	Remote   netip.AddrPort    `json:"remote"`
	State    string            `json:"state,omitempty"`
}

// Source lists the sockets currently open.
type Source interface {
	Sockets() ([]Socket, error)
}

// PsutilSource reads the socket table through gopsutil.
type PsutilSource struct{}

func (PsutilSource) Sockets() ([]Socket, error) {
	conns, err := psnet.Connections("inet")
	if err != nil {
		return nil, err
	}
	out := make([]Socket, 0, len(conns))
	for _, c := range conns {
		var proto firewall.Protocol
		switch c.Type {
		case syscall.SOCK_STREAM:
			proto = firewall.ProtocolTCP
		case syscall.SOCK_DGRAM:
			proto = firewall.ProtocolUDP
		default:
			continue
		}
		local, ok := addrPort(c.Laddr.IP, c.Laddr.Port)
		if !ok {
			continue
		}
		remote, _ := addrPort(c.Raddr.IP, c.Raddr.Port)
		out = append(out, Socket{
			PID:      int(c.Pid),
			Protocol: proto,
			Local:    local,
			Remote:   remote,
			State:    c.Status,
		})
	}
	return out, nil
}

func addrPort(ip string, port uint32) (netip.AddrPort, bool) {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return netip.AddrPort{}, false
	}
	return netip.AddrPortFrom(addr.Unmap(), uint16(port)), true
}

type fullKey struct {
	proto         firewall.Protocol
	local, remote netip.AddrPort
}

type localKey struct {
	proto firewall.Protocol
	port  uint16
}

// IdentityFunc resolves the identity owning a socket's process, if it can
// be told apart from the process as a whole.
type IdentityFunc func(pid int) (identity.ID, bool)

// Table is a point-in-time socket snapshot. Lookups are safe from any
// goroutine; Refresh is called by the engine once per tick.
type Table struct {
	src      Source
	identify IdentityFunc
	clock    clock.Clock
	logger   *logging.Logger
	minGap   time.Duration

	mu        sync.RWMutex
	full      map[fullKey]Socket
	local     map[localKey][]Socket
	refreshed time.Time
}

// NewTable creates a table over src; nil uses gopsutil.
func NewTable(src Source, identify IdentityFunc, logger *logging.Logger) *Table {
	if src == nil {
		src = PsutilSource{}
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Table{
		src:      src,
		identify: identify,
		clock:    clock.Default(),
		logger:   logger.WithComponent("sockets"),
		minGap:   250 * time.Millisecond,
		full:     make(map[fullKey]Socket),
		local:    make(map[localKey][]Socket),
	}
}

// Refresh replaces the snapshot.
func (t *Table) Refresh() error {
	socks, err := t.src.Sockets()
	if err != nil {
		return err
	}
	full := make(map[fullKey]Socket, len(socks))
	local := make(map[localKey][]Socket)
	for _, s := range socks {
		if s.Remote.IsValid() && s.Remote.Port() != 0 {
			full[fullKey{s.Protocol, s.Local, s.Remote}] = s
		}
		k := localKey{s.Protocol, s.Local.Port()}
		local[k] = append(local[k], s)
	}

	t.mu.Lock()
	t.full, t.local = full, local
	t.refreshed = t.clock.Now()
	t.mu.Unlock()
	return nil
}

// Lookup returns the pid owning the socket of a logged packet. Connected
// sockets match exactly; otherwise a socket bound to the local port on the
// same or a wildcard address matches. A miss triggers one refresh if the
// snapshot is older than a quarter second.
func (t *Table) Lookup(proto firewall.Protocol, local, remote netip.AddrPort) (int, bool) {
	if s, ok := t.find(proto, local, remote); ok {
		return s.PID, true
	}
	t.mu.RLock()
	stale := t.clock.Since(t.refreshed) >= t.minGap
	t.mu.RUnlock()
	if !stale {
		return 0, false
	}
	if err := t.Refresh(); err != nil {
		t.logger.Debug("socket refresh failed", "error", err)
		return 0, false
	}
	s, ok := t.find(proto, local, remote)
	return s.PID, ok
}

func (t *Table) find(proto firewall.Protocol, local, remote netip.AddrPort) (Socket, bool) {
	local = netip.AddrPortFrom(local.Addr().Unmap(), local.Port())
	remote = netip.AddrPortFrom(remote.Addr().Unmap(), remote.Port())

	t.mu.RLock()
	defer t.mu.RUnlock()
	if s, ok := t.full[fullKey{proto, local, remote}]; ok {
		return s, true
	}
	for _, s := range t.local[localKey{proto, local.Port()}] {
		if s.Remote.IsValid() && s.Remote.Port() != 0 && s.Remote != remote {
			continue
		}
		if s.Local.Addr() == local.Addr() || s.Local.Addr().IsUnspecified() {
			return s, true
		}
	}
	return Socket{}, false
}

// FindSocket returns the identity of the socket used by pid for the given
// endpoints, when the socket is found and its owner resolves to a single
// identity.
func (t *Table) FindSocket(pid int, proto firewall.Protocol, local, remote netip.AddrPort) (identity.ID, bool) {
	if t.identify == nil {
		return identity.ID{}, false
	}
	s, ok := t.find(proto, local, remote)
	if !ok || s.PID != pid {
		return identity.ID{}, false
	}
	return t.identify(s.PID)
}

// Sockets returns a copy of the snapshot.
func (t *Table) Sockets() []Socket {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []Socket
	for _, list := range t.local {
		out = append(out, list...)
	}
	return out
}
