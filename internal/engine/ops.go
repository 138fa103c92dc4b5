package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"grimm.is/fwguard/internal/events"
	"grimm.is/fwguard/internal/firewall"
	"grimm.is/fwguard/internal/guard"
	"grimm.is/fwguard/internal/identity"
	"grimm.is/fwguard/internal/netmon"
	"grimm.is/fwguard/internal/program"
)

// LoadRules runs a full reconciliation against the rule store.
func (e *Engine) LoadRules(ctx context.Context) (guard.Report, error) {
	return call(ctx, e, e.guard.LoadRules)
}

// GetPrograms returns every program set.
func (e *Engine) GetPrograms(ctx context.Context) ([]program.SetView, error) {
	return call(ctx, e, func() ([]program.SetView, error) {
		sets := e.reg.Sets()
		out := make([]program.SetView, 0, len(sets))
		for _, s := range sets {
			out = append(out, s.View())
		}
		return out, nil
	})
}

// GetLog returns the connection log of every program in set guid, newest
// last.
func (e *Engine) GetLog(ctx context.Context, guid uuid.UUID) ([]program.LogEntry, error) {
	return call(ctx, e, func() ([]program.LogEntry, error) {
		set := e.reg.Set(guid)
		if set == nil {
			return nil, fmt.Errorf("%w: %s", program.ErrSetNotFound, guid)
		}
		var out []program.LogEntry
		for _, p := range set.Programs() {
			for _, entry := range p.Log() {
				out = append(out, entry.Snapshot())
			}
		}
		sort.SliceStable(out, func(i, j int) bool {
			return out[i].Event.Timestamp.Before(out[j].Event.Timestamp)
		})
		return out, nil
	})
}

// AddProgram registers id in set guid, or in a new set when guid is
// uuid.Nil. It returns the set's guid.
func (e *Engine) AddProgram(ctx context.Context, id identity.ID, guid uuid.UUID) (uuid.UUID, error) {
	return call(ctx, e, func() (uuid.UUID, error) {
		p, err := e.reg.AddProgram(e.resolver.Normalize(id), guid)
		if err != nil {
			return uuid.Nil, err
		}
		set := p.Set().GUID
		e.notifyPrograms(set)
		return set, nil
	})
}

// UpdateProgram replaces the configuration of set guid.
func (e *Engine) UpdateProgram(ctx context.Context, guid uuid.UUID, cfg program.Config) error {
	_, err := call(ctx, e, func() (struct{}, error) {
		if err := e.reg.UpdateSet(guid, cfg); err != nil {
			return struct{}{}, err
		}
		e.notifyPrograms(guid)
		return struct{}{}, nil
	})
	return err
}

// MergePrograms moves every program of set from into set to.
func (e *Engine) MergePrograms(ctx context.Context, to, from uuid.UUID) error {
	_, err := call(ctx, e, func() (struct{}, error) {
		if err := e.reg.MergeSets(to, from); err != nil {
			return struct{}{}, err
		}
		e.notifyPrograms(to)
		e.notifyPrograms(from)
		return struct{}{}, nil
	})
	return err
}

// SplitPrograms moves id out of set from into a set of its own and returns
// the new set's guid.
func (e *Engine) SplitPrograms(ctx context.Context, from uuid.UUID, id identity.ID) (uuid.UUID, error) {
	return call(ctx, e, func() (uuid.UUID, error) {
		set, err := e.reg.SplitProgram(from, id)
		if err != nil {
			return uuid.Nil, err
		}
		e.notifyPrograms(from)
		e.notifyPrograms(set.GUID)
		return set.GUID, nil
	})
}

// RemoveProgram deletes the rules of id in set guid, or of the whole set
// when id is nil, and then forgets the programs. Programs whose rules could
// not all be removed are kept.
func (e *Engine) RemoveProgram(ctx context.Context, guid uuid.UUID, id *identity.ID) error {
	_, err := call(ctx, e, func() (struct{}, error) {
		set := e.reg.Set(guid)
		if set == nil {
			return struct{}{}, fmt.Errorf("%w: %s", program.ErrSetNotFound, guid)
		}
		var targets []*program.Program
		if id != nil {
			p := set.Program(*id)
			if p == nil {
				return struct{}{}, fmt.Errorf("%w: %s", program.ErrProgramMissing, *id)
			}
			targets = []*program.Program{p}
		} else {
			targets = set.Programs()
		}
		var failed int
		for _, p := range targets {
			if !e.guard.ClearProgramRules(p) {
				failed++
				continue
			}
			pid := p.ID
			if _, err := e.reg.RemoveProgram(guid, &pid); err != nil {
				return struct{}{}, err
			}
		}
		e.notifyPrograms(guid)
		if failed > 0 {
			return struct{}{}, fmt.Errorf("%d programs kept: rule removal failed", failed)
		}
		return struct{}{}, nil
	})
	return err
}

// GetRules returns the rules of the given sets, or of every set.
func (e *Engine) GetRules(ctx context.Context, sets ...uuid.UUID) (map[uuid.UUID][]program.RuleView, error) {
	return call(ctx, e, func() (map[uuid.UUID][]program.RuleView, error) {
		return e.guard.GetRules(sets), nil
	})
}

// UpdateRule writes and approves a user-made rule.
func (e *Engine) UpdateRule(ctx context.Context, rule firewall.Rule, expiration uint64) (bool, error) {
	return call(ctx, e, func() (bool, error) {
		rule.Program = e.resolver.Normalize(rule.Program)
		return e.guard.UpdateRule(rule, expiration), nil
	})
}

// RemoveRule deletes a rule from the store and the mirror.
func (e *Engine) RemoveRule(ctx context.Context, guid string) (bool, error) {
	return call(ctx, e, func() (bool, error) {
		return e.guard.RemoveRule(guid), nil
	})
}

// SetRuleApproval approves, restores or re-applies one rule, or all rules
// when guid is empty.
func (e *Engine) SetRuleApproval(ctx context.Context, mode guard.ApprovalMode, guid string) (int, error) {
	return call(ctx, e, func() (int, error) {
		return e.guard.SetRuleApproval(mode, guid)
	})
}

// CleanUpRules removes expired temporary rules, or every expiring rule
// when all is set.
func (e *Engine) CleanUpRules(ctx context.Context, all bool) (int, error) {
	return call(ctx, e, func() (int, error) {
		return e.guard.CleanupRules(all), nil
	})
}

// CleanUpPrograms removes programs without rules that were inactive for
// longer than the retention.
func (e *Engine) CleanUpPrograms(ctx context.Context) (int, error) {
	return call(ctx, e, func() (int, error) {
		n := e.cleanPrograms()
		if n > 0 {
			e.sink.NotifyUpdate(events.UpdateData{Kind: events.UpdatePrograms})
		}
		return n, nil
	})
}

// BlockInternet adds or removes the global block rules.
func (e *Engine) BlockInternet(ctx context.Context, block bool) (bool, error) {
	return call(ctx, e, func() (bool, error) {
		return e.guard.BlockInternet(block), nil
	})
}

// ClearLog drops every program's connection log.
func (e *Engine) ClearLog(ctx context.Context) error {
	_, err := call(ctx, e, func() (struct{}, error) {
		e.reg.ClearLog()
		e.sink.NotifyUpdate(events.UpdateData{Kind: events.UpdatePrograms})
		return struct{}{}, nil
	})
	return err
}

// Connection is an open socket and the program owning it.
type Connection struct {
	netmon.Socket
	Program  identity.ID `json:"program"`
	Services []string    `json:"services,omitempty"`
}

// GetConnections lists the sockets of the last snapshot.
func (e *Engine) GetConnections(ctx context.Context) ([]Connection, error) {
	return call(ctx, e, func() ([]Connection, error) {
		if e.sockets == nil {
			return nil, nil
		}
		socks := e.sockets.Sockets()
		out := make([]Connection, 0, len(socks))
		for _, s := range socks {
			c := Connection{Socket: s}
			c.Services = e.services.ServicesByPID(s.PID)
			tag := ""
			if len(c.Services) == 1 {
				tag = c.Services[0]
			}
			if id, ok := e.resolver.Resolve(s.PID, tag, ""); ok {
				c.Program = id
			}
			out = append(out, c)
		}
		sort.Slice(out, func(i, j int) bool {
			if out[i].PID != out[j].PID {
				return out[i].PID < out[j].PID
			}
			return out[i].Local.String() < out[j].Local.String()
		})
		return out, nil
	})
}

// IsGuardEnabled reports whether rule tracking is active.
func (e *Engine) IsGuardEnabled(ctx context.Context) (bool, error) {
	return call(ctx, e, func() (bool, error) {
		return e.guard.Enabled(), nil
	})
}

// GuardMode returns the effective guard mode.
func (e *Engine) GuardMode(ctx context.Context) (guard.Mode, error) {
	return call(ctx, e, func() (guard.Mode, error) {
		return e.guard.Mode(), nil
	})
}

// SetGuard stores the guard flag and mode. An empty mode keeps the current
// one. Switching the guard on approves every current rule.
func (e *Engine) SetGuard(ctx context.Context, enabled bool, mode string) error {
	_, err := call(ctx, e, func() (struct{}, error) {
		was := e.guard.Enabled()
		if !was {
			// Bring the untracked mirror up to date before it becomes the
			// approved baseline.
			if _, err := e.guard.LoadRules(); err != nil {
				return struct{}{}, err
			}
		}
		if err := e.cfg.SetGuard(enabled, mode); err != nil {
			return struct{}{}, fmt.Errorf("failed to store guard settings: %w", err)
		}
		e.log.Audit("set_guard", "enabled", enabled, "mode", e.cfg.GuardMode())
		if !was && e.guard.Enabled() {
			if _, err := e.guard.ApproveAll(); err != nil {
				return struct{}{}, err
			}
		}
		return struct{}{}, nil
	})
	return err
}

// Save persists the registry now.
func (e *Engine) Save(ctx context.Context) error {
	_, err := call(ctx, e, func() (struct{}, error) {
		return struct{}{}, e.save(ctx)
	})
	return err
}

// LoadLogAsync reads audit history off the worker and imports it. Events
// whose process has exited, or whose pid now runs another executable, are
// skipped.
func (e *Engine) LoadLogAsync(ctx context.Context, since time.Time, limit int) {
	if e.watcher == nil {
		return
	}
	go func() {
		evs, err := e.watcher.LoadLog(ctx, since, limit)
		if err != nil {
			e.log.Warn("failed to load audit history", "error", err)
			return
		}
		live := make([]firewall.Event, 0, len(evs))
		for _, ev := range evs {
			if ev.PID != e.settings.SystemPID && e.processes != nil &&
				!e.processes.Alive(ev.PID, ev.ProcessFileName, ev.Timestamp) {
				continue
			}
			live = append(live, ev)
		}
		skipped := len(evs) - len(live)
		e.post(func() {
			for _, ev := range live {
				e.corr.Import(ev)
			}
			e.log.Info("imported audit history", "events", len(live), "skipped", skipped)
		})
	}()
}

func (e *Engine) notifyPrograms(guid uuid.UUID) {
	e.sink.NotifyUpdate(events.UpdateData{SetGUID: guid, Kind: events.UpdatePrograms})
}
