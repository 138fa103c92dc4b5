package audit

import (
	"errors"
	"net/netip"
	"strings"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"grimm.is/fwguard/internal/firewall"
)

var errUnsupported = errors.New("unsupported packet")

// dnsAnswer is an address record seen in a DNS response.
type dnsAnswer struct {
	Name string
	Addr netip.Addr
	TTL  time.Duration
}

// packetInfo holds the endpoints of a logged packet.
type packetInfo struct {
	Protocol firewall.Protocol
	Src, Dst netip.AddrPort
	Answers  []dnsAnswer
}

// decodePacket parses a raw IP packet as copied by nflog.
func decodePacket(payload []byte) (packetInfo, error) {
	if len(payload) == 0 {
		return packetInfo{}, errUnsupported
	}
	var first gopacket.LayerType
	switch payload[0] >> 4 {
	case 4:
		first = layers.LayerTypeIPv4
	case 6:
		first = layers.LayerTypeIPv6
	default:
		return packetInfo{}, errUnsupported
	}
	pkt := gopacket.NewPacket(payload, first, gopacket.DecodeOptions{Lazy: true, NoCopy: true})

	var info packetInfo
	var src, dst netip.Addr
	switch ip := pkt.NetworkLayer().(type) {
	case *layers.IPv4:
		src, _ = netip.AddrFromSlice(ip.SrcIP.To4())
		dst, _ = netip.AddrFromSlice(ip.DstIP.To4())
	case *layers.IPv6:
		src, _ = netip.AddrFromSlice(ip.SrcIP)
		dst, _ = netip.AddrFromSlice(ip.DstIP)
	default:
		return packetInfo{}, errUnsupported
	}
	if !src.IsValid() || !dst.IsValid() {
		return packetInfo{}, errUnsupported
	}
	src, dst = src.Unmap(), dst.Unmap()

	var sport, dport uint16
	switch l := pkt.TransportLayer().(type) {
	case *layers.TCP:
		info.Protocol = firewall.ProtocolTCP
		sport, dport = uint16(l.SrcPort), uint16(l.DstPort)
	case *layers.UDP:
		info.Protocol = firewall.ProtocolUDP
		sport, dport = uint16(l.SrcPort), uint16(l.DstPort)
		if sport == 53 {
			info.Answers = dnsAnswers(pkt)
		}
	default:
		switch {
		case pkt.Layer(layers.LayerTypeICMPv4) != nil:
			info.Protocol = firewall.ProtocolICMP
		case pkt.Layer(layers.LayerTypeICMPv6) != nil:
			info.Protocol = firewall.ProtocolICMPv6
		default:
			return packetInfo{}, errUnsupported
		}
	}
	info.Src = netip.AddrPortFrom(src, sport)
	info.Dst = netip.AddrPortFrom(dst, dport)
	return info, nil
}

func dnsAnswers(pkt gopacket.Packet) []dnsAnswer {
	l, ok := pkt.Layer(layers.LayerTypeDNS).(*layers.DNS)
	if !ok || !l.QR || l.ResponseCode != layers.DNSResponseCodeNoErr {
		return nil
	}
	var out []dnsAnswer
	for _, rr := range l.Answers {
		if rr.Type != layers.DNSTypeA && rr.Type != layers.DNSTypeAAAA {
			continue
		}
		addr, ok := netip.AddrFromSlice(rr.IP)
		if !ok {
			continue
		}
		out = append(out, dnsAnswer{
			Name: strings.TrimSuffix(string(rr.Name), "."),
			Addr: addr.Unmap(),
			TTL:  time.Duration(rr.TTL) * time.Second,
		})
	}
	return out
}

// toEvent builds the audit event of a decoded packet. Outbound packets have
// the local endpoint as source.
func toEvent(info packetInfo, action firewall.Action, dir firewall.Direction, ts time.Time) firewall.Event {
	local, remote := info.Src, info.Dst
	if dir == firewall.DirectionInbound {
		local, remote = info.Dst, info.Src
	}
	return firewall.Event{
		Action:        action,
		Direction:     dir,
		Protocol:      info.Protocol,
		LocalAddress:  local.Addr(),
		LocalPort:     local.Port(),
		RemoteAddress: remote.Addr(),
		RemotePort:    remote.Port(),
		Timestamp:     ts,
	}
}
