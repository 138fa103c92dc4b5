package guard

import (
	"github.com/pmezard/go-difflib/difflib"

	"grimm.is/fwguard/internal/events"
	"grimm.is/fwguard/internal/firewall"
	"grimm.is/fwguard/internal/i18n"
	"grimm.is/fwguard/internal/program"
)

func (g *Guard) notifyRulesUpdated(p *program.Program) {
	set := p.Set()
	if set == nil {
		return
	}
	g.sink.NotifyUpdate(events.UpdateData{SetGUID: set.GUID, Kind: events.UpdateRules})
}

// logRuleEvent notifies the sink and writes the rule event log line.
// observed is the external version that triggered the event, if any.
func (g *Guard) logRuleEvent(p *program.Program, rec *program.RuleRecord, observed *firewall.Rule, typ events.ChangeType, action events.FixAction) {
	g.notifyRulesUpdated(p)

	progName := p.Description
	if progName == "" {
		progName = p.ID.Name()
	}

	data := events.RuleChangeData{
		Program: p.ID,
		Rule:    rec.Rule,
		Type:    typ,
		Action:  action,
		State:   rec.State().String(),
	}
	if set := p.Set(); set != nil {
		data.SetGUID = set.GUID
	}
	if observed != nil && rec.Match(*observed) != firewall.Identical {
		o := *observed
		data.Observed = &o
		data.Diff = ruleDiff(rec.Rule, o)
	}
	data.Message = g.printer.Sprintf(i18n.RuleEventKey(string(typ), string(action)), rec.Name, progName)

	g.sink.NotifyChange(data)
	g.metrics.RecordRuleEvent(string(typ), string(action))

	fields := []any{
		"name", rec.Name,
		"program", progName,
		"event", string(typ),
		"action", string(action),
		"rule_guid", rec.GUID,
		"prog_id", p.ID.String(),
		"set_guid", data.SetGUID.String(),
	}
	if typ == events.ChangeUnchanged || action == events.FixRestored {
		g.log.Info(data.Message, fields...)
	} else {
		g.log.Warn(data.Message, fields...)
	}
}

// ruleDiff renders a unified diff from the tracked to the observed rule.
func ruleDiff(tracked, observed firewall.Rule) string {
	diff, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(tracked.Describe()),
		B:        difflib.SplitLines(observed.Describe()),
		FromFile: "tracked",
		ToFile:   "observed",
		Context:  0,
	})
	if err != nil {
		return ""
	}
	return diff
}
