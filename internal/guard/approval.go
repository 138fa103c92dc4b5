package guard

import (
	"fmt"

	"grimm.is/fwguard/internal/firewall"
	"grimm.is/fwguard/internal/program"
)

// ApproveAll accepts the current external state of every rule. It is used
// when the guard is switched on.
func (g *Guard) ApproveAll() (int, error) {
	g.log.Info("approving all rules")
	return g.SetRuleApproval(ApproveCurrent, "")
}

// SetRuleApproval applies mode to the rule with guid, or to every rule when
// guid is empty. External rules are re-fetched first so concurrent edits
// are honoured. It returns the number of rules that changed; a repeated
// call returns zero and touches nothing.
func (g *Guard) SetRuleApproval(mode ApprovalMode, guid string) (int, error) {
	var refs []program.RuleRef
	if guid != "" {
		rec, p := g.reg.FindRule(guid)
		if rec == nil {
			return 0, fmt.Errorf("%w: %s", firewall.ErrRuleNotFound, guid)
		}
		refs = []program.RuleRef{{Record: rec, Program: p}}
	} else {
		refs = g.reg.AllRules()
	}
	if len(refs) == 0 {
		return 0, nil
	}

	ids := make([]string, len(refs))
	for i, ref := range refs {
		ids[i] = ref.Record.GUID
	}
	current, err := g.store.LoadRulesByID(ids)
	if err != nil {
		g.metrics.RuleStoreErrors.WithLabelValues("load").Inc()
		return 0, fmt.Errorf("%w: %w", ErrEnumerate, err)
	}

	touched := make(map[*program.Program]bool)
	count := 0
	for _, ref := range refs {
		ext, exists := current[ref.Record.GUID]
		var ok bool
		if mode == RestoreRules {
			ok = g.restoreRule(ref, ext, exists)
		} else {
			ok = g.approveRule(mode == ApproveChanges, ref, ext, exists)
		}
		if ok {
			count++
			touched[ref.Program] = true
		}
	}
	for _, p := range g.reg.Programs() {
		if touched[p] {
			g.notifyRulesUpdated(p)
		}
	}
	if count > 0 {
		g.log.Audit("rule_approval", "mode", mode.String(), "guid", guid, "count", count)
		g.metrics.MirroredRules.Set(float64(g.reg.RuleCount()))
	}
	return count, nil
}

// approveRule makes the external state the baseline. With applyBackup the
// version a corrective action displaced is written back first, and an
// approved deletion is made to stick.
func (g *Guard) approveRule(applyBackup bool, ref program.RuleRef, ext firewall.Rule, exists bool) bool {
	rec := ref.Record
	switch rec.State() {
	case program.StateApproved:
		if !exists || rec.Match(ext) == firewall.Identical {
			return false
		}
		rec.Assign(ext)
		g.seen[rec.GUID] = ext
		return true

	case program.StateDeleted:
		if applyBackup || !exists {
			if exists {
				if err := g.remove(rec.GUID); err != nil {
					return false
				}
			}
			delete(g.seen, rec.GUID)
			g.reg.RemoveRule(rec.GUID)
			return true
		}
	}

	if applyBackup {
		if b, ok := rec.Backup(); ok {
			b.GUID = rec.GUID
			if !exists || ext.Match(b) != firewall.Identical {
				if err := g.apply(&b); err != nil {
					return false
				}
			}
			rec.Assign(b)
			g.setState(rec, program.StateApproved)
			return true
		}
	}

	if !exists {
		delete(g.seen, rec.GUID)
		g.reg.RemoveRule(rec.GUID)
		return true
	}
	rec.Assign(ext)
	g.seen[rec.GUID] = ext
	g.setState(rec, program.StateApproved)
	return true
}

// restoreRule re-applies the approved form of a divergent rule, or deletes
// a rule that was never approved.
func (g *Guard) restoreRule(ref program.RuleRef, ext firewall.Rule, exists bool) bool {
	rec := ref.Record
	switch rec.State() {
	case program.StateApproved:
		return false

	case program.StateUnknown:
		if exists {
			if err := g.remove(rec.GUID); err != nil {
				return false
			}
		}
		delete(g.seen, rec.GUID)
		g.reg.RemoveRule(rec.GUID)
		return true
	}

	want := rec.Rule
	if !exists || ext.Match(want) != firewall.Identical {
		if err := g.apply(&want); err != nil {
			return false
		}
	} else {
		g.seen[rec.GUID] = ext
	}
	g.setState(rec, program.StateApproved)
	return true
}
