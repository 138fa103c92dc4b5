package guard

import (
	"github.com/google/uuid"

	"grimm.is/fwguard/internal/brand"
	"grimm.is/fwguard/internal/firewall"
	"grimm.is/fwguard/internal/identity"
	"grimm.is/fwguard/internal/program"
)

// UpdateRule inserts or replaces a user-made rule and approves it. A new
// bidirectional rule is split into an inbound and an outbound rule.
func (g *Guard) UpdateRule(rule firewall.Rule, expiration uint64) bool {
	p := g.reg.FindProgram(rule.Program, true, program.FuzzyNone)
	if p == nil {
		g.log.Warn("rule without valid program", "name", rule.Name, "program", rule.Program.String())
		return false
	}

	if rule.GUID == "" && rule.Direction == firewall.DirectionBidirectional {
		in := rule
		in.Direction = firewall.DirectionInbound
		if !g.putRule(p, in, expiration) {
			return false
		}
		rule.Direction = firewall.DirectionOutbound
	}
	return g.putRule(p, rule, expiration)
}

func (g *Guard) putRule(p *program.Program, rule firewall.Rule, expiration uint64) bool {
	if rule.GUID != "" {
		if old, oldP := g.reg.FindRule(rule.GUID); old != nil && oldP != p {
			g.reg.RemoveRule(rule.GUID)
			g.notifyRulesUpdated(oldP)
		}
	}

	if err := g.apply(&rule); err != nil {
		return false
	}

	rec, _ := g.reg.FindRule(rule.GUID)
	if rec == nil {
		rec = program.NewRecord(rule)
		if err := g.reg.AddRule(p, rec); err != nil {
			g.log.Critical("rule lists are inconsistent", "guid", rule.GUID, "error", err)
			return false
		}
	} else {
		rec.Assign(rule)
	}
	rec.Expiration = expiration
	if g.isTemporary(rule) {
		rec.Expiration = g.now()
	}
	g.setState(rec, program.StateApproved)
	g.notifyRulesUpdated(p)
	return true
}

// RemoveRule deletes the rule from the store and then from the mirror.
func (g *Guard) RemoveRule(guid string) bool {
	if err := g.remove(guid); err != nil {
		return false
	}
	if _, p := g.reg.RemoveRule(guid); p != nil {
		g.notifyRulesUpdated(p)
	}
	return true
}

// ClearProgramRules removes every rule of p from the store and the mirror.
// Rules whose removal fails are kept.
func (g *Guard) ClearProgramRules(p *program.Program) bool {
	ok := true
	for _, rec := range p.Rules() {
		if err := g.remove(rec.GUID); err != nil {
			ok = false
			continue
		}
		g.reg.RemoveRule(rec.GUID)
	}
	g.notifyRulesUpdated(p)
	return ok
}

// BlockInternet adds or removes block-all rules for the global identity.
func (g *Guard) BlockInternet(block bool) bool {
	p := g.reg.FindProgram(identity.Global(), true, program.FuzzyNone)
	if !block {
		return g.ClearProgramRules(p)
	}

	ok := true
	for _, dir := range []firewall.Direction{firewall.DirectionOutbound, firewall.DirectionInbound} {
		rule := firewall.Rule{
			Name:      brand.Name + " - Block Internet (" + dir.String() + ")",
			Grouping:  brand.RuleGroup,
			Program:   identity.Global(),
			Enabled:   true,
			Action:    firewall.ActionBlock,
			Direction: dir,
			Profile:   firewall.ProfileAll,
			Protocol:  firewall.ProtocolAny,
		}
		if hasRule(p, rule) {
			continue
		}
		ok = g.putRule(p, rule, 0) && ok
	}
	return ok
}

func hasRule(p *program.Program, rule firewall.Rule) bool {
	for _, rec := range p.Rules() {
		if rec.Match(rule) == firewall.Identical {
			return true
		}
	}
	return false
}

// GetRules returns the rules of the given sets, or of all sets when none
// are given. Changed records show the live external rule with the mirrored
// version attached.
func (g *Guard) GetRules(sets []uuid.UUID) map[uuid.UUID][]program.RuleView {
	var targets []*program.Set
	if len(sets) == 0 {
		targets = g.reg.Sets()
	} else {
		for _, guid := range sets {
			if s := g.reg.Set(guid); s != nil {
				targets = append(targets, s)
			}
		}
	}

	var changed []string
	for _, s := range targets {
		for _, p := range s.Programs() {
			for _, rec := range p.Rules() {
				if rec.State() == program.StateChanged {
					changed = append(changed, rec.GUID)
				}
			}
		}
	}
	live := map[string]firewall.Rule{}
	if len(changed) > 0 {
		var err error
		if live, err = g.store.LoadRulesByID(changed); err != nil {
			g.log.Warn("failed to load live rules", "error", err)
			live = map[string]firewall.Rule{}
		}
	}

	out := make(map[uuid.UUID][]program.RuleView, len(targets))
	for _, s := range targets {
		views := []program.RuleView{}
		for _, p := range s.Programs() {
			for _, rec := range p.Rules() {
				v := rec.View()
				if cur, ok := live[rec.GUID]; ok && rec.State() == program.StateChanged {
					approved := rec.Rule
					cur.Index = rec.Index
					v.Rule = cur
					v.Approved = &approved
				}
				views = append(views, v)
			}
		}
		out[s.GUID] = views
	}
	return out
}
