package firewall

import (
	"fmt"
	"sort"
	"sync"
)

// MemoryStore is an in-process RuleStore. It backs tests and the dry-run
// mode of the CLI.
type MemoryStore struct {
	mu       sync.Mutex
	rules    map[string]Rule
	order    []string
	defaults map[Direction]Action

	// Fail makes every mutating call return this error when set.
	Fail error
	// FailLoad makes enumeration return this error when set.
	FailLoad error

	Applied []Rule
	Removed []string
	changes chan RuleChange
}

// NewMemoryStore returns a store with default allow in both directions.
func NewMemoryStore(rules ...Rule) *MemoryStore {
	m := &MemoryStore{
		rules:    make(map[string]Rule),
		defaults: map[Direction]Action{DirectionInbound: ActionAllow, DirectionOutbound: ActionAllow},
	}
	for _, r := range rules {
		m.Put(r)
	}
	return m
}

// Watch returns a channel receiving a RuleChange for every mutation made
// through ApplyRule, RemoveRule or Put.
func (m *MemoryStore) Watch(buffer int) <-chan RuleChange {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.changes = make(chan RuleChange, buffer)
	return m.changes
}

func (m *MemoryStore) notify(r Rule) {
	if m.changes == nil {
		return
	}
	select {
	case m.changes <- RuleChange{ID: r.GUID, Name: r.Name}:
	default:
	}
}

// Put stores a rule directly, simulating a change by a third party.
func (m *MemoryStore) Put(r Rule) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.GUID == "" {
		r.GUID = NewGUID()
	}
	if _, ok := m.rules[r.GUID]; !ok {
		m.order = append(m.order, r.GUID)
	}
	m.rules[r.GUID] = r
	m.notify(r)
}

// Delete removes a rule directly, simulating a third party.
func (m *MemoryStore) Delete(guid string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteLocked(guid)
}

func (m *MemoryStore) deleteLocked(guid string) {
	r := m.rules[guid]
	delete(m.rules, guid)
	for i, id := range m.order {
		if id == guid {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	m.notify(r)
}

// Get returns the stored rule.
func (m *MemoryStore) Get(guid string) (Rule, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rules[guid]
	return r, ok
}

// SetDefault sets the policy for a direction.
func (m *MemoryStore) SetDefault(dir Direction, a Action) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defaults[dir] = a
}

func (m *MemoryStore) LoadRules() ([]Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailLoad != nil {
		return nil, m.FailLoad
	}
	out := make([]Rule, 0, len(m.order))
	for i, id := range m.order {
		r := m.rules[id]
		r.Index = i
		out = append(out, r)
	}
	return out, nil
}

func (m *MemoryStore) LoadRulesByID(guids []string) (map[string]Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailLoad != nil {
		return nil, m.FailLoad
	}
	out := make(map[string]Rule, len(guids))
	for _, id := range guids {
		if r, ok := m.rules[id]; ok {
			out[id] = r
		}
	}
	return out, nil
}

func (m *MemoryStore) ApplyRule(rule *Rule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		return m.Fail
	}
	if rule.Direction == DirectionBidirectional || rule.Direction == DirectionUnknown {
		return fmt.Errorf("%w: direction %s", ErrInvalidRule, rule.Direction)
	}
	if rule.GUID == "" {
		rule.GUID = NewGUID()
	}
	if _, ok := m.rules[rule.GUID]; !ok {
		m.order = append(m.order, rule.GUID)
	}
	m.rules[rule.GUID] = *rule
	m.Applied = append(m.Applied, *rule)
	m.notify(*rule)
	return nil
}

func (m *MemoryStore) RemoveRule(guid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		return m.Fail
	}
	if _, ok := m.rules[guid]; !ok {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, guid)
	}
	m.deleteLocked(guid)
	m.Removed = append(m.Removed, guid)
	return nil
}

func (m *MemoryStore) DefaultAction(dir Direction) Action {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.defaults[dir]
}

// GUIDs returns the stored guids sorted.
func (m *MemoryStore) GUIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.rules))
	for id := range m.rules {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
