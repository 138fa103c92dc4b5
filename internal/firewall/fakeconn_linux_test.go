//go:build linux

package firewall

import (
	"slices"
	"sync"

	"github.com/google/nftables"
	"github.com/stretchr/testify/mock"
)

// fakeConn models the nftables netlink batch: changes are queued and only
// become visible when Flush succeeds. Flush and DelRule go through
// testify's mock so tests can inject failures.
type fakeConn struct {
	mock.Mock
	mu sync.Mutex

	chains  []*nftables.Chain
	rules   map[string][]*nftables.Rule
	handles uint64

	pending []func()
}

func newFakeConn() *fakeConn {
	return &fakeConn{rules: make(map[string][]*nftables.Rule)}
}

func chainKey(t *nftables.Table, c *nftables.Chain) string {
	return t.Name + "/" + c.Name
}

func (f *fakeConn) queue(op func()) {
	f.mu.Lock()
	f.pending = append(f.pending, op)
	f.mu.Unlock()
}

func (f *fakeConn) AddTable(t *nftables.Table) *nftables.Table {
	return t
}

func (f *fakeConn) AddChain(c *nftables.Chain) *nftables.Chain {
	f.queue(func() {
		if !slices.ContainsFunc(f.chains, func(have *nftables.Chain) bool {
			return chainKey(have.Table, have) == chainKey(c.Table, c)
		}) {
			f.chains = append(f.chains, c)
		}
	})
	return c
}

func (f *fakeConn) AddRule(r *nftables.Rule) *nftables.Rule {
	f.queue(func() { f.commitRule(r) })
	return r
}

func (f *fakeConn) commitRule(r *nftables.Rule) {
	f.handles++
	r.Handle = f.handles
	key := chainKey(r.Table, r.Chain)
	f.rules[key] = append(f.rules[key], r)
}

func (f *fakeConn) DelRule(r *nftables.Rule) error {
	if err := f.Called(r).Error(0); err != nil {
		return err
	}
	f.queue(func() {
		key := chainKey(r.Table, r.Chain)
		f.rules[key] = slices.DeleteFunc(f.rules[key], func(have *nftables.Rule) bool {
			return have.Handle == r.Handle
		})
	})
	return nil
}

func (f *fakeConn) Flush() error {
	err := f.Called().Error(0)

	f.mu.Lock()
	defer f.mu.Unlock()
	ops := f.pending
	f.pending = nil
	if err != nil {
		return err
	}
	for _, op := range ops {
		op()
	}
	return nil
}

func (f *fakeConn) GetRules(t *nftables.Table, c *nftables.Chain) ([]*nftables.Rule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.rules[chainKey(t, c)]), nil
}

func (f *fakeConn) ListChainsOfTableFamily(family nftables.TableFamily) ([]*nftables.Chain, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*nftables.Chain
	for _, c := range f.chains {
		if c.Table.Family == family {
			out = append(out, c)
		}
	}
	return out, nil
}

// external adds r outside any batch, as another tool would.
func (f *fakeConn) external(r *nftables.Rule) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commitRule(r)
}

// setPolicy changes a chain policy as an administrator would.
func (f *fakeConn) setPolicy(table, chain string, p nftables.ChainPolicy) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.chains {
		if c.Table.Name == table && c.Name == chain {
			c.Policy = &p
		}
	}
}
