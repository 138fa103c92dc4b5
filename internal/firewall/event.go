package firewall

import (
	"net/netip"
	"time"
)

// Event is one per-connection allow/deny record from the audit log.
type Event struct {
	PID             int        `json:"pid"`
	ProcessFileName string     `json:"process"`
	Action          Action     `json:"action"`
	Direction       Direction  `json:"direction"`
	Protocol        Protocol   `json:"protocol"`
	LocalAddress    netip.Addr `json:"local_address"`
	LocalPort       uint16     `json:"local_port"`
	RemoteAddress   netip.Addr `json:"remote_address"`
	RemotePort      uint16     `json:"remote_port"`
	// Profile is the adapter profile when the watcher knows it, else zero.
	Profile   Profile   `json:"profile,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Local returns the local endpoint.
func (e Event) Local() netip.AddrPort {
	return netip.AddrPortFrom(e.LocalAddress, e.LocalPort)
}

// Remote returns the remote endpoint.
func (e Event) Remote() netip.AddrPort {
	return netip.AddrPortFrom(e.RemoteAddress, e.RemotePort)
}

// RuleChange notifies that the rule with ID was added, modified or removed.
type RuleChange struct {
	ID   string
	Name string
}
