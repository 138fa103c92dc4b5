package firewall

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"

	"grimm.is/fwguard/internal/identity"
)

// Action is the verdict a rule or audit event carries.
type Action uint8

const (
	ActionUndefined Action = iota
	ActionAllow
	ActionBlock
)

func (a Action) String() string {
	switch a {
	case ActionAllow:
		return "allow"
	case ActionBlock:
		return "block"
	}
	return "undefined"
}

// Direction of the traffic a rule applies to.
type Direction uint8

const (
	DirectionUnknown Direction = iota
	DirectionInbound
	DirectionOutbound
	DirectionBidirectional
)

func (d Direction) String() string {
	switch d {
	case DirectionInbound:
		return "in"
	case DirectionOutbound:
		return "out"
	case DirectionBidirectional:
		return "both"
	}
	return "unknown"
}

// Profile is a bitmask of network profiles.
type Profile uint8

const (
	ProfileDomain  Profile = 1 << 0
	ProfilePrivate Profile = 1 << 1
	ProfilePublic  Profile = 1 << 2

	ProfileAll = ProfileDomain | ProfilePrivate | ProfilePublic
)

// ParseProfile maps a config name to a Profile.
func ParseProfile(s string) (Profile, error) {
	switch strings.ToLower(s) {
	case "domain":
		return ProfileDomain, nil
	case "private":
		return ProfilePrivate, nil
	case "public":
		return ProfilePublic, nil
	case "all", "any", "":
		return ProfileAll, nil
	}
	return 0, fmt.Errorf("unknown profile %q", s)
}

func (p Profile) String() string {
	if p == 0 || p&ProfileAll == ProfileAll {
		return "all"
	}
	var parts []string
	if p&ProfileDomain != 0 {
		parts = append(parts, "domain")
	}
	if p&ProfilePrivate != 0 {
		parts = append(parts, "private")
	}
	if p&ProfilePublic != 0 {
		parts = append(parts, "public")
	}
	return strings.Join(parts, ",")
}

// Protocol is an IP protocol number; ProtocolAny matches every protocol.
type Protocol uint16

const (
	ProtocolICMP   Protocol = 1
	ProtocolTCP    Protocol = 6
	ProtocolUDP    Protocol = 17
	ProtocolICMPv6 Protocol = 58
	ProtocolAny    Protocol = 256
)

func (p Protocol) String() string {
	switch p {
	case ProtocolICMP:
		return "icmp"
	case ProtocolTCP:
		return "tcp"
	case ProtocolUDP:
		return "udp"
	case ProtocolICMPv6:
		return "icmpv6"
	case ProtocolAny:
		return "any"
	}
	return strconv.Itoa(int(p))
}

// Rule is one externally owned firewall rule.
//
// Address and port fields are comma separated lists; empty or "*" matches
// anything. Addresses accept single IPs, prefixes and "a-b" ranges; ports
// accept numbers and "a-b" ranges.
type Rule struct {
	GUID        string      `json:"guid"`
	Index       int         `json:"index"`
	Name        string      `json:"name"`
	Grouping    string      `json:"grouping,omitempty"`
	Description string      `json:"description,omitempty"`
	Program     identity.ID `json:"program"`
	Enabled     bool        `json:"enabled"`
	Action      Action      `json:"action"`
	Direction   Direction   `json:"direction"`
	Profile     Profile     `json:"profile"`
	Protocol    Protocol    `json:"protocol"`

	LocalAddresses  string `json:"local_addresses,omitempty"`
	LocalPorts      string `json:"local_ports,omitempty"`
	RemoteAddresses string `json:"remote_addresses,omitempty"`
	RemotePorts     string `json:"remote_ports,omitempty"`
}

// MatchResult classifies how two versions of the same rule differ.
type MatchResult uint8

const (
	Identical MatchResult = iota
	NameChanged
	DataChanged
	StateChanged
	TargetChanged
)

func (m MatchResult) String() string {
	return [...]string{"identical", "name_changed", "data_changed", "state_changed", "target_changed"}[m]
}

// Match compares r against other. The most significant difference wins:
// owner, then filtering data, then enabled state, then cosmetic fields.
// Index is display only and never compared.
func (r Rule) Match(other Rule) MatchResult {
	switch {
	case r.Program != other.Program:
		return TargetChanged
	case r.Action != other.Action,
		r.Direction != other.Direction,
		r.normProfile() != other.normProfile(),
		r.Protocol != other.Protocol,
		!sameList(r.LocalAddresses, other.LocalAddresses),
		!sameList(r.LocalPorts, other.LocalPorts),
		!sameList(r.RemoteAddresses, other.RemoteAddresses),
		!sameList(r.RemotePorts, other.RemotePorts):
		return DataChanged
	case r.Enabled != other.Enabled:
		return StateChanged
	case r.Name != other.Name, r.Grouping != other.Grouping, r.Description != other.Description:
		return NameChanged
	}
	return Identical
}

func (r Rule) normProfile() Profile {
	if r.Profile == 0 {
		return ProfileAll
	}
	return r.Profile & ProfileAll
}

func sameList(a, b string) bool {
	return normList(a) == normList(b)
}

func normList(s string) string {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return "*"
	}
	parts := strings.Split(s, ",")
	for i, p := range parts {
		parts[i] = strings.ToLower(strings.TrimSpace(p))
	}
	return strings.Join(parts, ",")
}

// Applies reports whether the rule governs ev observed on an adapter with
// the given profile. Disabled rules never apply.
func (r Rule) Applies(ev Event, profile Profile) bool {
	if !r.Enabled {
		return false
	}
	if r.Direction != DirectionBidirectional && r.Direction != ev.Direction {
		return false
	}
	if r.Protocol != ProtocolAny && r.Protocol != ev.Protocol {
		return false
	}
	if profile != 0 && r.normProfile()&profile == 0 {
		return false
	}
	return portInList(r.RemotePorts, ev.RemotePort) &&
		portInList(r.LocalPorts, ev.LocalPort) &&
		addrInList(r.RemoteAddresses, ev.RemoteAddress) &&
		addrInList(r.LocalAddresses, ev.LocalAddress)
}

func portInList(list string, port uint16) bool {
	if normList(list) == "*" {
		return true
	}
	for _, item := range strings.Split(list, ",") {
		item = strings.TrimSpace(item)
		lo, hi, isRange := strings.Cut(item, "-")
		start, err := strconv.ParseUint(lo, 10, 16)
		if err != nil {
			continue
		}
		end := start
		if isRange {
			if end, err = strconv.ParseUint(hi, 10, 16); err != nil {
				continue
			}
		}
		if uint64(port) >= start && uint64(port) <= end {
			return true
		}
	}
	return false
}

func addrInList(list string, addr netip.Addr) bool {
	if normList(list) == "*" {
		return true
	}
	addr = addr.Unmap()
	for _, item := range strings.Split(list, ",") {
		item = strings.TrimSpace(item)
		if strings.Contains(item, "/") {
			if p, err := netip.ParsePrefix(item); err == nil && p.Contains(addr) {
				return true
			}
			continue
		}
		if lo, hi, ok := strings.Cut(item, "-"); ok {
			a, err1 := netip.ParseAddr(lo)
			b, err2 := netip.ParseAddr(hi)
			if err1 == nil && err2 == nil && a.Compare(addr) <= 0 && addr.Compare(b) <= 0 {
				return true
			}
			continue
		}
		if a, err := netip.ParseAddr(item); err == nil && a.Unmap() == addr {
			return true
		}
	}
	return false
}

// Describe renders the rule one field per line, for diffs and notifications.
func (r Rule) Describe() string {
	var b strings.Builder
	fmt.Fprintf(&b, "name: %s\n", r.Name)
	fmt.Fprintf(&b, "grouping: %s\n", r.Grouping)
	fmt.Fprintf(&b, "program: %s\n", r.Program)
	fmt.Fprintf(&b, "enabled: %t\n", r.Enabled)
	fmt.Fprintf(&b, "action: %s\n", r.Action)
	fmt.Fprintf(&b, "direction: %s\n", r.Direction)
	fmt.Fprintf(&b, "profile: %s\n", r.normProfile())
	fmt.Fprintf(&b, "protocol: %s\n", r.Protocol)
	fmt.Fprintf(&b, "local: %s:%s\n", normList(r.LocalAddresses), normList(r.LocalPorts))
	fmt.Fprintf(&b, "remote: %s:%s\n", normList(r.RemoteAddresses), normList(r.RemotePorts))
	return b.String()
}
