// Package guard reconciles the external rule store against the mirrored,
// state-tagged rules held in the program registry.
//
// A Guard is not safe for concurrent use. The engine worker owns it along
// with the registry it mutates.
package guard

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/text/message"

	"grimm.is/fwguard/internal/brand"
	"grimm.is/fwguard/internal/clock"
	"grimm.is/fwguard/internal/events"
	"grimm.is/fwguard/internal/firewall"
	"grimm.is/fwguard/internal/i18n"
	"grimm.is/fwguard/internal/logging"
	"grimm.is/fwguard/internal/metrics"
	"grimm.is/fwguard/internal/program"
)

// ErrEnumerate wraps a failed enumeration of the rule store. Nothing was
// mutated and the caller may retry.
var ErrEnumerate = errors.New("rule store enumeration failed")

// Options configures a Guard.
type Options struct {
	Registry *program.Registry
	Store    firewall.RuleStore
	Config   ConfigSource
	Sink     events.Sink
	Clock    clock.Clock
	Logger   *logging.Logger
	Metrics  *metrics.Registry
	Printer  *message.Printer

	// TempRulePrefix marks rules that expire on the next cleanup.
	TempRulePrefix string

	// OnTransition observes every state change of a record.
	OnTransition func(guid string, from, to program.State)
}

// Guard drives the approve/disable/restore state machine.
type Guard struct {
	reg     *program.Registry
	store   firewall.RuleStore
	cfg     ConfigSource
	sink    events.Sink
	clk     clock.Clock
	log     *logging.Logger
	metrics *metrics.Registry
	printer *message.Printer
	prefix  string
	onTrans func(guid string, from, to program.State)

	// seen is the last external version of each rule, either observed or
	// written by us. Change notifications matching it are our own writes.
	seen    map[string]firewall.Rule
	pending map[string]firewall.RuleChange
}

// New creates a Guard. Registry, Store and Config are required.
func New(opts Options) *Guard {
	g := &Guard{
		reg:     opts.Registry,
		store:   opts.Store,
		cfg:     opts.Config,
		sink:    opts.Sink,
		clk:     opts.Clock,
		log:     opts.Logger,
		metrics: opts.Metrics,
		printer: opts.Printer,
		prefix:  opts.TempRulePrefix,
		onTrans: opts.OnTransition,
		seen:    make(map[string]firewall.Rule),
		pending: make(map[string]firewall.RuleChange),
	}
	if g.clk == nil {
		g.clk = clock.Default()
	}
	if g.log == nil {
		g.log = logging.Default()
	}
	g.log = g.log.WithComponent("guard")
	if g.metrics == nil {
		g.metrics = metrics.Get()
	}
	if g.printer == nil {
		g.printer = i18n.NewPrinter(i18n.DefaultLang)
	}
	if g.prefix == "" {
		g.prefix = brand.TempRulePrefix
	}
	if g.sink == nil {
		g.sink = events.Fanout(nil)
	}
	return g
}

// Mode returns the configured guard mode. Unparseable values fall back to
// alert so divergence is still recorded.
func (g *Guard) Mode() Mode {
	m, err := ParseMode(g.cfg.GuardMode())
	if err != nil {
		g.log.Warn("invalid guard mode, using alert", "error", err)
		return ModeAlert
	}
	return m
}

// Enabled reports whether state tracking is active.
func (g *Guard) Enabled() bool {
	return g.cfg.GuardEnabled() && g.Mode() != ModeOff
}

// Report lists the guids touched by one LoadRules pass.
type Report struct {
	Added     []string
	Updated   []string
	Removed   []string
	Unchanged []string
}

// Touched returns every guid in the report.
func (r Report) Touched() []string {
	out := make([]string, 0, len(r.Added)+len(r.Updated)+len(r.Removed)+len(r.Unchanged))
	out = append(out, r.Added...)
	out = append(out, r.Updated...)
	out = append(out, r.Removed...)
	out = append(out, r.Unchanged...)
	sort.Strings(out)
	return out
}

func (g *Guard) now() uint64 {
	t := g.clk.Now().Unix()
	if t < 0 {
		return 0
	}
	return uint64(t)
}

func (g *Guard) isTemporary(r firewall.Rule) bool {
	return strings.HasPrefix(r.Name, g.prefix)
}

// LoadRules runs a full reconciliation against the rule store.
func (g *Guard) LoadRules() (Report, error) {
	rules, err := g.store.LoadRules()
	if err != nil {
		g.metrics.RecordReconcile("full", err)
		g.metrics.RuleStoreErrors.WithLabelValues("load").Inc()
		return Report{}, fmt.Errorf("%w: %w", ErrEnumerate, err)
	}

	var rep Report
	if g.Enabled() {
		rep = g.reconcile(rules)
	} else {
		rep = g.mirror(rules)
	}

	g.metrics.RecordReconcile("full", nil)
	g.metrics.MirroredRules.Set(float64(g.reg.RuleCount()))
	g.log.Debug("rules reconciled",
		"added", len(rep.Added), "updated", len(rep.Updated),
		"removed", len(rep.Removed), "unchanged", len(rep.Unchanged))
	return rep, nil
}

func (g *Guard) reconcile(rules []firewall.Rule) Report {
	var rep Report

	old := make(map[string]program.RuleRef)
	for _, ref := range g.reg.AllRules() {
		old[ref.Record.GUID] = ref
	}

	approveAll := len(old) == 0
	if approveAll && len(rules) > 0 {
		g.log.Info("no rule baseline, approving current rules", "count", len(rules))
	}

	for _, rule := range rules {
		ref, known := old[rule.GUID]
		if !known {
			g.ruleAdded(rule, approveAll)
			rep.Added = append(rep.Added, rule.GUID)
			continue
		}
		delete(old, rule.GUID)

		rec := ref.Record
		rec.Index = rule.Index

		if g.alreadyReported(rec, rule) {
			rep.Unchanged = append(rep.Unchanged, rule.GUID)
			continue
		}

		if rec.Match(rule) == firewall.Identical {
			rep.Unchanged = append(rep.Unchanged, rule.GUID)
		} else {
			rep.Updated = append(rep.Updated, rule.GUID)
		}
		g.ruleUpdated(rule, rec, ref.Program)
	}

	gone := make([]string, 0, len(old))
	for guid := range old {
		gone = append(gone, guid)
	}
	sort.Strings(gone)
	for _, guid := range gone {
		ref := old[guid]
		if ref.Record.State() == program.StateDeleted {
			rep.Unchanged = append(rep.Unchanged, guid)
			continue
		}
		g.ruleRemoved(ref.Record, ref.Program)
		rep.Removed = append(rep.Removed, guid)
	}
	return rep
}

// alreadyReported reports whether rule is a divergence the mirror already
// accounts for, so an enumeration must not re-issue its event. A rule that
// matches its record again is never skipped, so the record can recover.
func (g *Guard) alreadyReported(rec *program.RuleRecord, rule firewall.Rule) bool {
	if !diverged(rec) || rec.Match(rule) == firewall.Identical {
		return false
	}
	if last, ok := g.seen[rec.GUID]; ok && last.Match(rule) == firewall.Identical {
		return true
	}
	return rec.State() == program.StateChanged && !rule.Enabled
}

func diverged(rec *program.RuleRecord) bool {
	st := rec.State()
	return st == program.StateChanged || st == program.StateDeleted
}

// mirror replaces the mirror with rules, all approved.
func (g *Guard) mirror(rules []firewall.Rule) Report {
	var rep Report

	prev := make(map[string]program.RuleRecord)
	for _, ref := range g.reg.AllRules() {
		prev[ref.Record.GUID] = *ref.Record
	}
	g.reg.ClearRules()
	g.seen = make(map[string]firewall.Rule, len(rules))

	for _, rule := range rules {
		p := g.reg.FindProgram(rule.Program, true, program.FuzzyNone)
		if p == nil {
			g.log.Warn("rule without valid program", "guid", rule.GUID, "program", rule.Program.String())
			continue
		}
		rec := program.NewRecord(rule)
		old, known := prev[rule.GUID]
		switch {
		case !known:
			rep.Added = append(rep.Added, rule.GUID)
		case old.Match(rule) == firewall.Identical:
			rep.Unchanged = append(rep.Unchanged, rule.GUID)
		default:
			rep.Updated = append(rep.Updated, rule.GUID)
		}
		if known {
			rec.Expiration = old.Expiration
		}
		if g.isTemporary(rule) {
			rec.Expiration = g.now()
		}
		g.setState(rec, program.StateApproved)
		if err := g.reg.AddRule(p, rec); err != nil {
			g.log.Critical("duplicate rule in enumeration", "guid", rule.GUID, "error", err)
			continue
		}
		g.seen[rule.GUID] = rule
		delete(prev, rule.GUID)
	}

	for guid := range prev {
		rep.Removed = append(rep.Removed, guid)
	}
	sort.Strings(rep.Removed)
	return rep
}

// setState moves rec to state, reporting illegal edges as anomalies.
func (g *Guard) setState(rec *program.RuleRecord, to program.State) bool {
	from := rec.State()
	if err := rec.SetState(to); err != nil {
		g.metrics.Inconsistencies.Inc()
		g.log.Critical("rejected rule state change", "guid", rec.GUID, "error", err)
		return false
	}
	if from != to && g.onTrans != nil {
		g.onTrans(rec.GUID, from, to)
	}
	return true
}

// markChanged records divergence of an approved rule. Other states keep
// their meaning: Unknown has no baseline, Deleted stays deleted.
func (g *Guard) markChanged(rec *program.RuleRecord) {
	if rec.State() == program.StateApproved {
		g.setState(rec, program.StateChanged)
	}
}

// apply writes rule to the store and remembers it as seen.
func (g *Guard) apply(rule *firewall.Rule) error {
	if err := g.store.ApplyRule(rule); err != nil {
		g.metrics.RuleStoreErrors.WithLabelValues("apply").Inc()
		g.log.Error("failed to apply rule", "guid", rule.GUID, "name", rule.Name, "error", err)
		return err
	}
	g.seen[rule.GUID] = *rule
	return nil
}

// remove deletes guid from the store. A rule already gone counts as removed.
func (g *Guard) remove(guid string) error {
	if err := g.store.RemoveRule(guid); err != nil && !errors.Is(err, firewall.ErrRuleNotFound) {
		g.metrics.RuleStoreErrors.WithLabelValues("remove").Inc()
		g.log.Error("failed to remove rule", "guid", guid, "error", err)
		return err
	}
	delete(g.seen, guid)
	return nil
}

func (g *Guard) ruleAdded(rule firewall.Rule, approved bool) {
	g.seen[rule.GUID] = rule

	p := g.reg.FindProgram(rule.Program, true, program.FuzzyNone)
	if p == nil {
		g.metrics.Inconsistencies.Inc()
		g.log.Critical("rule without valid program", "guid", rule.GUID, "program", rule.Program.String())
		return
	}
	if rec, _ := g.reg.FindRule(rule.GUID); rec != nil {
		g.metrics.Inconsistencies.Inc()
		g.log.Critical("rule lists are inconsistent", "guid", rule.GUID)
		return
	}

	rec := program.NewRecord(rule)
	if g.isTemporary(rule) {
		rec.Expiration = g.now()
	}
	if err := g.reg.AddRule(p, rec); err != nil {
		g.metrics.Inconsistencies.Inc()
		g.log.Critical("rule lists are inconsistent", "guid", rule.GUID, "error", err)
		return
	}
	if approved {
		g.setState(rec, program.StateApproved)
		return
	}

	action := events.FixNone
	mode := g.Mode()
	if rule.Enabled && (mode == ModeDisable || mode == ModeFix) {
		disabled := rule
		disabled.Enabled = false
		if err := g.apply(&disabled); err == nil {
			rec.KeepBackup(rule)
			rec.Enabled = false
			action = events.FixDisabled
		}
	}
	g.logRuleEvent(p, rec, &rule, events.ChangeAdded, action)
}

func (g *Guard) ruleUpdated(rule firewall.Rule, rec *program.RuleRecord, p *program.Program) {
	g.seen[rule.GUID] = rule

	match := rec.Match(rule)
	prev := rec.State()
	if match == firewall.Identical {
		if prev == program.StateChanged || prev == program.StateDeleted {
			g.setState(rec, program.StateApproved)
			g.logRuleEvent(p, rec, nil, events.ChangeUnchanged, events.FixNone)
		}
		return
	}

	mode := g.Mode()
	if match == firewall.TargetChanged && mode != ModeFix {
		g.retarget(rule, rec, p)
		return
	}

	unchanged := false
	action := events.FixNone

	switch {
	case mode == ModeFix:
		want := rec.Rule
		if err := g.apply(&want); err != nil {
			g.markChanged(rec)
			break
		}
		if prev == program.StateUnknown {
			g.setState(rec, program.StateChanged)
		}
		g.markChanged(rec)
		rec.KeepBackup(rule)
		action = events.FixRestored

	case match == firewall.NameChanged:
		rec.Name = rule.Name
		rec.Grouping = rule.Grouping
		rec.Description = rule.Description
		action = events.FixUpdated
		if prev == program.StateChanged || prev == program.StateDeleted {
			g.setState(rec, program.StateApproved)
			unchanged = true
		}

	case mode == ModeDisable:
		observed := rule
		if rule.Enabled {
			observed.Enabled = false
			if err := g.apply(&observed); err != nil {
				g.markChanged(rec)
				break
			}
			action = events.FixDisabled
		}
		if prev == program.StateUnknown {
			rec.Assign(observed)
		} else {
			g.markChanged(rec)
		}
		if action == events.FixDisabled {
			rec.KeepBackup(rule)
		}

	default:
		if prev == program.StateUnknown {
			rec.Assign(rule)
			action = events.FixUpdated
		} else {
			g.markChanged(rec)
		}
	}

	typ := events.ChangeChanged
	if unchanged {
		typ = events.ChangeUnchanged
	}
	g.logRuleEvent(p, rec, &rule, typ, action)
}

// retarget handles a rule whose owning program changed: the old binding is
// removed and the rule is added afresh. An approved history is kept under a
// new guid, as a deleted record that can still be restored.
func (g *Guard) retarget(rule firewall.Rule, rec *program.RuleRecord, p *program.Program) {
	g.reg.RemoveRule(rec.GUID)

	if rec.State() == program.StateUnknown {
		g.logRuleEvent(p, rec, nil, events.ChangeRemoved, events.FixDeleted)
	} else {
		g.markChanged(rec)
		g.setState(rec, program.StateDeleted)
		rec.GUID = firewall.NewGUID()
		if err := g.reg.AddRule(p, rec); err != nil {
			g.log.Critical("rule lists are inconsistent", "guid", rec.GUID, "error", err)
		}
		g.logRuleEvent(p, rec, nil, events.ChangeRemoved, events.FixNone)
	}

	g.ruleAdded(rule, false)
}

func (g *Guard) ruleRemoved(rec *program.RuleRecord, p *program.Program) {
	delete(g.seen, rec.GUID)

	action := events.FixNone
	switch {
	case rec.State() == program.StateUnknown:
		g.reg.RemoveRule(rec.GUID)
		action = events.FixDeleted

	case g.Mode() == ModeFix:
		want := rec.Rule
		if err := g.apply(&want); err != nil {
			g.markChanged(rec)
			break
		}
		g.markChanged(rec)
		g.setState(rec, program.StateDeleted)
		action = events.FixRestored

	default:
		g.markChanged(rec)
		g.setState(rec, program.StateDeleted)
	}

	g.logRuleEvent(p, rec, nil, events.ChangeRemoved, action)
}

// QueueRuleChange records a change notification for the next
// ProcessRuleChanges. Notifications for the same rule coalesce.
func (g *Guard) QueueRuleChange(ch firewall.RuleChange) {
	if ch.ID == "" {
		return
	}
	g.pending[ch.ID] = ch
	g.metrics.RuleChangesPending.Set(float64(len(g.pending)))
}

// PendingChanges returns the number of queued change notifications.
func (g *Guard) PendingChanges() int {
	return len(g.pending)
}

// ProcessRuleChanges re-fetches every rule with a queued notification and
// dispatches it as added, removed or updated. On enumeration failure the
// queue is kept for the next call.
func (g *Guard) ProcessRuleChanges() error {
	if len(g.pending) == 0 {
		return nil
	}

	ids := make([]string, 0, len(g.pending))
	for id := range g.pending {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	current, err := g.store.LoadRulesByID(ids)
	if err != nil {
		g.metrics.RecordReconcile("incremental", err)
		g.metrics.RuleStoreErrors.WithLabelValues("load").Inc()
		return fmt.Errorf("%w: %w", ErrEnumerate, err)
	}
	g.pending = make(map[string]firewall.RuleChange)
	g.metrics.RuleChangesPending.Set(0)

	tracking := g.Enabled()
	for _, id := range ids {
		rule, exists := current[id]
		if tracking {
			g.processChange(id, rule, exists)
		} else {
			g.mirrorChange(id, rule, exists)
		}
	}

	g.metrics.RecordReconcile("incremental", nil)
	g.metrics.MirroredRules.Set(float64(g.reg.RuleCount()))
	return nil
}

func (g *Guard) processChange(id string, rule firewall.Rule, exists bool) {
	last, wasSeen := g.seen[id]
	rec, p := g.reg.FindRule(id)
	if wasSeen && rec == nil {
		g.metrics.Inconsistencies.Inc()
		g.log.Critical("rule change for untracked rule", "guid", id, "program", last.Program.String())
	}

	switch {
	case rec == nil && !exists:
		// Added and removed again before we looked, or our own removal.
		delete(g.seen, id)
	case rec == nil:
		g.ruleAdded(rule, false)
	case !exists:
		if rec.State() == program.StateDeleted && !wasSeen {
			return
		}
		g.ruleRemoved(rec, p)
	case wasSeen && last.Match(rule) == firewall.Identical &&
		!(diverged(rec) && rec.Match(rule) == firewall.Identical):
		// Our own write, unless it puts a diverged record back in line.
		rec.Index = rule.Index
	default:
		rec.Index = rule.Index
		g.ruleUpdated(rule, rec, p)
	}
}

func (g *Guard) mirrorChange(id string, rule firewall.Rule, exists bool) {
	old, p := g.reg.RemoveRule(id)
	delete(g.seen, id)
	if !exists {
		if p != nil {
			g.notifyRulesUpdated(p)
		}
		return
	}

	np := g.reg.FindProgram(rule.Program, true, program.FuzzyNone)
	if np == nil {
		g.log.Warn("rule without valid program", "guid", id, "program", rule.Program.String())
		return
	}
	rec := program.NewRecord(rule)
	if old != nil {
		rec.Expiration = old.Expiration
	}
	if g.isTemporary(rule) {
		rec.Expiration = g.now()
	}
	g.setState(rec, program.StateApproved)
	if err := g.reg.AddRule(np, rec); err != nil {
		g.log.Critical("rule lists are inconsistent", "guid", id, "error", err)
		return
	}
	g.seen[id] = rule
	if p != nil && p != np {
		g.notifyRulesUpdated(p)
	}
	g.notifyRulesUpdated(np)
}

// CleanupRules removes expired temporary rules, or every rule with an
// expiration when all is set. A record is only dropped after the store
// removed the rule. It returns the number removed.
func (g *Guard) CleanupRules(all bool) int {
	now := g.now()
	count := 0
	for _, p := range g.reg.Programs() {
		removed := false
		for _, rec := range p.Rules() {
			if rec.Expiration == 0 || (!all && !rec.Expired(now)) {
				continue
			}
			if err := g.remove(rec.GUID); err != nil {
				continue
			}
			g.reg.RemoveRule(rec.GUID)
			g.metrics.ExpiredRules.Inc()
			removed = true
			count++
		}
		if removed {
			g.notifyRulesUpdated(p)
		}
	}
	if count > 0 {
		g.log.Info("removed expired rules", "count", count, "forced", all)
		g.metrics.MirroredRules.Set(float64(g.reg.RuleCount()))
	}
	return count
}
