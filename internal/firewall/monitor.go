package firewall

import (
	"context"
	"sort"
	"time"

	"grimm.is/fwguard/internal/logging"
)

// Monitor polls a RuleStore and reports every guid whose rule appeared,
// disappeared or changed since the previous poll. nftables offers no
// per-rule change subscription through the library, so polling stands in
// for the kernel's rule-change audit events.
type Monitor struct {
	store    RuleStore
	interval time.Duration
	changes  chan RuleChange
	logger   *logging.Logger
	last     map[string]Rule
}

// NewMonitor creates a monitor. A zero interval defaults to two seconds.
func NewMonitor(store RuleStore, interval time.Duration, logger *logging.Logger) *Monitor {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Monitor{
		store:    store,
		interval: interval,
		changes:  make(chan RuleChange, 256),
		logger:   logger.WithComponent("rule-monitor"),
	}
}

// Changes returns the notification channel. It is closed when Run returns.
func (m *Monitor) Changes() <-chan RuleChange {
	return m.changes
}

// Run polls until ctx is cancelled. The first poll only records a baseline.
func (m *Monitor) Run(ctx context.Context) {
	defer close(m.changes)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Poll(ctx)
		}
	}
}

// Poll takes one snapshot and emits the differences to the previous one.
func (m *Monitor) Poll(ctx context.Context) int {
	rules, err := m.store.LoadRules()
	if err != nil {
		m.logger.Warn("rule poll failed", "error", err)
		return 0
	}
	current := make(map[string]Rule, len(rules))
	for _, r := range rules {
		current[r.GUID] = r
	}
	if m.last == nil {
		m.last = current
		return 0
	}

	var changed []RuleChange
	for id, r := range current {
		if old, ok := m.last[id]; !ok || old.Match(r) != Identical {
			changed = append(changed, RuleChange{ID: id, Name: r.Name})
		}
	}
	for id, old := range m.last {
		if _, ok := current[id]; !ok {
			changed = append(changed, RuleChange{ID: id, Name: old.Name})
		}
	}
	m.last = current

	sort.Slice(changed, func(i, j int) bool { return changed[i].ID < changed[j].ID })
	for _, c := range changed {
		select {
		case m.changes <- c:
		case <-ctx.Done():
			return 0
		}
	}
	return len(changed)
}
