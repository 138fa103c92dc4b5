//go:build linux

package firewall

import (
	"encoding/json"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
	"sync"

	"github.com/google/nftables"
	"github.com/google/nftables/binaryutil"
	"github.com/google/nftables/expr"
	"golang.org/x/sys/unix"
)

// NFTablesConn is the subset of *nftables.Conn the store uses. Tests
// substitute a fake that models the netlink batch.
type NFTablesConn interface {
	AddTable(t *nftables.Table) *nftables.Table
	AddChain(c *nftables.Chain) *nftables.Chain
	ListChainsOfTableFamily(family nftables.TableFamily) ([]*nftables.Chain, error)
	AddRule(r *nftables.Rule) *nftables.Rule
	DelRule(r *nftables.Rule) error
	GetRules(t *nftables.Table, c *nftables.Chain) ([]*nftables.Rule, error)
	Flush() error
}

var _ NFTablesConn = (*nftables.Conn)(nil)

// NFTStoreOptions configures an NFTStore.
type NFTStoreOptions struct {
	Table          string
	LogGroup       uint16
	InboundPolicy  Action
	OutboundPolicy Action
}

// NFTStore keeps guarded rules in an inet table with one chain per
// direction. The Rule itself is stored as JSON in the nftables rule
// userdata; the expressions are derived from it.
type NFTStore struct {
	mu       sync.Mutex
	conn     NFTablesConn
	table    *nftables.Table
	chains   map[Direction]*nftables.Chain
	logGroup uint16
	policies map[Direction]Action
}

// NewNFTStore creates a store on conn. Call Setup before use.
func NewNFTStore(conn NFTablesConn, opts NFTStoreOptions) *NFTStore {
	table := &nftables.Table{Name: opts.Table, Family: nftables.TableFamilyINet}
	s := &NFTStore{
		conn:     conn,
		table:    table,
		logGroup: opts.LogGroup,
		policies: map[Direction]Action{
			DirectionInbound:  orAllow(opts.InboundPolicy),
			DirectionOutbound: orAllow(opts.OutboundPolicy),
		},
	}
	s.chains = map[Direction]*nftables.Chain{
		DirectionInbound:  s.chain("input", nftables.ChainHookInput, s.policies[DirectionInbound]),
		DirectionOutbound: s.chain("output", nftables.ChainHookOutput, s.policies[DirectionOutbound]),
	}
	return s
}

func orAllow(a Action) Action {
	if a == ActionUndefined {
		return ActionAllow
	}
	return a
}

func (s *NFTStore) chain(name string, hook *nftables.ChainHook, policy Action) *nftables.Chain {
	p := nftables.ChainPolicyAccept
	if policy == ActionBlock {
		p = nftables.ChainPolicyDrop
	}
	return &nftables.Chain{
		Name:     name,
		Table:    s.table,
		Type:     nftables.ChainTypeFilter,
		Hooknum:  hook,
		Priority: nftables.ChainPriorityFilter,
		Policy:   &p,
	}
}

// Setup creates the table and chains if they are missing.
func (s *NFTStore) Setup() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.conn.AddTable(s.table)
	s.conn.AddChain(s.chains[DirectionInbound])
	s.conn.AddChain(s.chains[DirectionOutbound])
	if err := s.conn.Flush(); err != nil {
		return fmt.Errorf("create table %s: %w", s.table.Name, err)
	}
	return nil
}

type nftRule struct {
	rule Rule
	raw  *nftables.Rule
}

func (s *NFTStore) list() ([]nftRule, error) {
	var out []nftRule
	for _, dir := range []Direction{DirectionInbound, DirectionOutbound} {
		chain := s.chains[dir]
		raws, err := s.conn.GetRules(s.table, chain)
		if err != nil {
			return nil, fmt.Errorf("list chain %s: %w", chain.Name, err)
		}
		for _, raw := range raws {
			r := decodeRule(raw, chain.Name, dir)
			r.Index = len(out)
			out = append(out, nftRule{rule: r, raw: raw})
		}
	}
	return out, nil
}

// decodeRule reads the Rule from userdata. Rules added by other tools carry
// no metadata and are reported under a guid derived from their handle.
func decodeRule(raw *nftables.Rule, chain string, dir Direction) Rule {
	var r Rule
	if len(raw.UserData) > 0 && json.Unmarshal(raw.UserData, &r) == nil && r.GUID != "" {
		r.Direction = dir
		return r
	}
	r = Rule{
		GUID:      fmt.Sprintf("{NFT-%s-%d}", strings.ToUpper(chain), raw.Handle),
		Name:      fmt.Sprintf("%s handle %d", chain, raw.Handle),
		Enabled:   true,
		Direction: dir,
		Profile:   ProfileAll,
		Protocol:  ProtocolAny,
	}
	for _, e := range raw.Exprs {
		if v, ok := e.(*expr.Verdict); ok {
			switch v.Kind {
			case expr.VerdictAccept:
				r.Action = ActionAllow
			case expr.VerdictDrop:
				r.Action = ActionBlock
			}
		}
	}
	return r
}

func (s *NFTStore) LoadRules() ([]Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rules, err := s.list()
	if err != nil {
		return nil, err
	}
	out := make([]Rule, len(rules))
	for i, r := range rules {
		out[i] = r.rule
	}
	return out, nil
}

func (s *NFTStore) LoadRulesByID(guids []string) (map[string]Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rules, err := s.list()
	if err != nil {
		return nil, err
	}
	want := make(map[string]bool, len(guids))
	for _, id := range guids {
		want[id] = true
	}
	out := make(map[string]Rule, len(guids))
	for _, r := range rules {
		if want[r.rule.GUID] {
			out[r.rule.GUID] = r.rule
		}
	}
	return out, nil
}

func (s *NFTStore) ApplyRule(rule *Rule) error {
	chain, ok := s.chains[rule.Direction]
	if !ok {
		return fmt.Errorf("%w: direction %s", ErrInvalidRule, rule.Direction)
	}
	if rule.GUID == "" {
		rule.GUID = NewGUID()
	}
	exprs, err := ruleExprs(*rule, s.logGroup)
	if err != nil {
		return err
	}
	stored := *rule
	stored.Index = 0
	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("encode rule %s: %w", rule.GUID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.list()
	if err != nil {
		return err
	}
	for _, r := range existing {
		if r.rule.GUID == rule.GUID {
			if err := s.conn.DelRule(r.raw); err != nil {
				return fmt.Errorf("replace rule %s: %w", rule.GUID, err)
			}
		}
	}
	s.conn.AddRule(&nftables.Rule{
		Table:    s.table,
		Chain:    chain,
		Exprs:    exprs,
		UserData: data,
	})
	if err := s.conn.Flush(); err != nil {
		return fmt.Errorf("apply rule %s: %w", rule.GUID, err)
	}
	return nil
}

func (s *NFTStore) RemoveRule(guid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.list()
	if err != nil {
		return err
	}
	found := false
	for _, r := range existing {
		if r.rule.GUID != guid {
			continue
		}
		found = true
		if err := s.conn.DelRule(r.raw); err != nil {
			return fmt.Errorf("remove rule %s: %w", guid, err)
		}
	}
	if !found {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, guid)
	}
	if err := s.conn.Flush(); err != nil {
		return fmt.Errorf("remove rule %s: %w", guid, err)
	}
	return nil
}

// DefaultAction reads the chain policy back from the kernel, falling back to
// the configured policy when the chain cannot be listed.
func (s *NFTStore) DefaultAction(dir Direction) Action {
	s.mu.Lock()
	defer s.mu.Unlock()

	want, ok := s.chains[dir]
	if !ok {
		return ActionUndefined
	}
	chains, err := s.conn.ListChainsOfTableFamily(s.table.Family)
	if err == nil {
		for _, c := range chains {
			if c.Table == nil || c.Table.Name != s.table.Name || c.Name != want.Name || c.Policy == nil {
				continue
			}
			if *c.Policy == nftables.ChainPolicyDrop {
				return ActionBlock
			}
			return ActionAllow
		}
	}
	return s.policies[dir]
}

// ruleExprs translates a Rule into nftables expressions. Disabled rules are
// kept as a bare counter so their metadata survives in the ruleset.
func ruleExprs(r Rule, logGroup uint16) ([]expr.Any, error) {
	if !r.Enabled {
		return []expr.Any{&expr.Counter{}}, nil
	}
	var exprs []expr.Any

	if r.Protocol != ProtocolAny && r.Protocol != 0 {
		if r.Protocol > 255 {
			return nil, fmt.Errorf("%w: protocol %d", ErrInvalidRule, r.Protocol)
		}
		exprs = append(exprs,
			&expr.Meta{Key: expr.MetaKeyL4PROTO, Register: 1},
			&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: []byte{byte(r.Protocol)}},
		)
	}

	inbound := r.Direction == DirectionInbound
	remote, err := addrExprs(r.RemoteAddresses, inbound)
	if err != nil {
		return nil, err
	}
	local, err := addrExprs(r.LocalAddresses, !inbound)
	if err != nil {
		return nil, err
	}
	exprs = append(exprs, remote...)
	exprs = append(exprs, local...)

	if normList(r.RemotePorts) != "*" || normList(r.LocalPorts) != "*" {
		if r.Protocol != ProtocolTCP && r.Protocol != ProtocolUDP {
			return nil, fmt.Errorf("%w: ports need tcp or udp", ErrInvalidRule)
		}
	}
	// Transport header: source port at offset 0, destination at 2.
	remoteOff, localOff := uint32(2), uint32(0)
	if inbound {
		remoteOff, localOff = 0, 2
	}
	rp, err := portExprs(r.RemotePorts, remoteOff)
	if err != nil {
		return nil, err
	}
	lp, err := portExprs(r.LocalPorts, localOff)
	if err != nil {
		return nil, err
	}
	exprs = append(exprs, rp...)
	exprs = append(exprs, lp...)

	if logGroup != 0 {
		exprs = append(exprs, &expr.Log{
			Key:   1<<unix.NFTA_LOG_PREFIX | 1<<unix.NFTA_LOG_GROUP,
			Group: logGroup,
			Data:  []byte(LogPrefix(r.Action, r.Direction)),
		})
	}

	verdict := expr.VerdictAccept
	if r.Action == ActionBlock {
		verdict = expr.VerdictDrop
	}
	exprs = append(exprs, &expr.Counter{}, &expr.Verdict{Kind: verdict})
	return exprs, nil
}

func single(list string) (string, bool, error) {
	if normList(list) == "*" {
		return "", false, nil
	}
	items := strings.Split(list, ",")
	if len(items) != 1 {
		return "", false, fmt.Errorf("%w: lists with several entries are not supported (%q)", ErrInvalidRule, list)
	}
	return strings.TrimSpace(items[0]), true, nil
}

// addrExprs matches one address or prefix. source selects the source
// address field of the network header.
func addrExprs(list string, source bool) ([]expr.Any, error) {
	item, ok, err := single(list)
	if err != nil || !ok {
		return nil, err
	}
	var prefix netip.Prefix
	if strings.Contains(item, "/") {
		prefix, err = netip.ParsePrefix(item)
	} else {
		var a netip.Addr
		a, err = netip.ParseAddr(item)
		if err == nil {
			prefix = netip.PrefixFrom(a, a.BitLen())
		}
	}
	if err != nil {
		return nil, fmt.Errorf("%w: address %q", ErrInvalidRule, item)
	}
	prefix = prefix.Masked()

	family, offset, length := byte(unix.NFPROTO_IPV4), uint32(16), uint32(4)
	if source {
		offset = 12
	}
	if prefix.Addr().Is6() {
		family, offset, length = byte(unix.NFPROTO_IPV6), 24, 16
		if source {
			offset = 8
		}
	}

	exprs := []expr.Any{
		&expr.Meta{Key: expr.MetaKeyNFPROTO, Register: 1},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: []byte{family}},
		&expr.Payload{DestRegister: 1, Base: expr.PayloadBaseNetworkHeader, Offset: offset, Len: length},
	}
	if prefix.Bits() < prefix.Addr().BitLen() {
		mask := make([]byte, length)
		for i := 0; i < prefix.Bits(); i++ {
			mask[i/8] |= 0x80 >> (i % 8)
		}
		exprs = append(exprs, &expr.Bitwise{
			SourceRegister: 1,
			DestRegister:   1,
			Len:            length,
			Mask:           mask,
			Xor:            make([]byte, length),
		})
	}
	exprs = append(exprs, &expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: prefix.Addr().AsSlice()})
	return exprs, nil
}

func portExprs(list string, offset uint32) ([]expr.Any, error) {
	item, ok, err := single(list)
	if err != nil || !ok {
		return nil, err
	}
	lo, hi, isRange := strings.Cut(item, "-")
	from, err := strconv.ParseUint(lo, 10, 16)
	if err != nil {
		return nil, fmt.Errorf("%w: port %q", ErrInvalidRule, item)
	}
	exprs := []expr.Any{
		&expr.Payload{DestRegister: 1, Base: expr.PayloadBaseTransportHeader, Offset: offset, Len: 2},
	}
	if !isRange {
		return append(exprs, &expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: binaryutil.BigEndian.PutUint16(uint16(from))}), nil
	}
	to, err := strconv.ParseUint(hi, 10, 16)
	if err != nil || to < from {
		return nil, fmt.Errorf("%w: port range %q", ErrInvalidRule, item)
	}
	return append(exprs, &expr.Range{
		Op:       expr.CmpOpEq,
		Register: 1,
		FromData: binaryutil.BigEndian.PutUint16(uint16(from)),
		ToData:   binaryutil.BigEndian.PutUint16(uint16(to)),
	}), nil
}
