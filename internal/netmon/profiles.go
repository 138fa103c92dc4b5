package netmon

import (
	"net/netip"
	"path/filepath"
	"sync"

	"github.com/vishvananda/netlink"

	"grimm.is/fwguard/internal/config"
	"grimm.is/fwguard/internal/firewall"
	"grimm.is/fwguard/internal/logging"
)

// InterfaceAddr is one address assigned to a named interface.
type InterfaceAddr struct {
	Interface string
	Addr      netip.Addr
}

// AddrSource lists interface addresses.
type AddrSource interface {
	Addrs() ([]InterfaceAddr, error)
}

// NetlinkSource reads interface addresses over netlink.
type NetlinkSource struct{}

func (NetlinkSource) Addrs() ([]InterfaceAddr, error) {
	links, err := netlink.LinkList()
	if err != nil {
		return nil, err
	}
	var out []InterfaceAddr
	for _, link := range links {
		addrs, err := netlink.AddrList(link, netlink.FAMILY_ALL)
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ip, ok := netip.AddrFromSlice(a.IP)
			if !ok {
				continue
			}
			out = append(out, InterfaceAddr{Interface: link.Attrs().Name, Addr: ip.Unmap()})
		}
	}
	return out, nil
}

type profileRule struct {
	pattern string
	profile firewall.Profile
}

// Profiles maps local addresses to the profile of the interface carrying
// them. Interfaces are matched against glob patterns in order; unmatched
// interfaces get the fallback profile.
type Profiles struct {
	src      AddrSource
	rules    []profileRule
	fallback firewall.Profile
	logger   *logging.Logger

	mu     sync.RWMutex
	byAddr map[netip.Addr]firewall.Profile
}

// NewProfiles creates a resolver from interface_profile blocks. Invalid
// profiles are skipped; the config validator reports them.
func NewProfiles(src AddrSource, blocks []config.InterfaceProfile, fallback firewall.Profile, logger *logging.Logger) *Profiles {
	if src == nil {
		src = NetlinkSource{}
	}
	if logger == nil {
		logger = logging.Default()
	}
	if fallback == 0 {
		fallback = firewall.ProfileAll
	}
	p := &Profiles{
		src:      src,
		fallback: fallback,
		logger:   logger.WithComponent("profiles"),
		byAddr:   make(map[netip.Addr]firewall.Profile),
	}
	for _, b := range blocks {
		prof, err := firewall.ParseProfile(b.Profile)
		if err != nil {
			continue
		}
		p.rules = append(p.rules, profileRule{pattern: b.Pattern, profile: prof})
	}
	return p
}

// Refresh re-reads interface addresses.
func (p *Profiles) Refresh() error {
	addrs, err := p.src.Addrs()
	if err != nil {
		return err
	}
	byAddr := make(map[netip.Addr]firewall.Profile, len(addrs))
	for _, a := range addrs {
		byAddr[a.Addr] = p.profileOf(a.Interface)
	}
	p.mu.Lock()
	p.byAddr = byAddr
	p.mu.Unlock()
	return nil
}

func (p *Profiles) profileOf(iface string) firewall.Profile {
	for _, r := range p.rules {
		if ok, _ := filepath.Match(r.pattern, iface); ok {
			return r.profile
		}
	}
	return p.fallback
}

// ProfileFor returns the profile of the interface holding addr.
func (p *Profiles) ProfileFor(addr netip.Addr) firewall.Profile {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if prof, ok := p.byAddr[addr.Unmap()]; ok {
		return prof
	}
	return p.fallback
}
