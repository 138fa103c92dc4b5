package program

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"grimm.is/fwguard/internal/firewall"
	"grimm.is/fwguard/internal/identity"
)

// Config holds the user-editable attributes of a program set.
type Config struct {
	Name     string `json:"name"`
	Category string `json:"category,omitempty"`
	Notes    string `json:"notes,omitempty"`
}

// Program is one identity inside a Set. It owns its rule mirror and its
// connection log.
type Program struct {
	ID           identity.ID
	Description  string
	LastActivity time.Time

	set    *Set
	rules  map[string]*RuleRecord
	log    []*LogEntry
	logMax int
}

func newProgram(id identity.ID) *Program {
	return &Program{ID: id, rules: make(map[string]*RuleRecord)}
}

// Set returns the owning set.
func (p *Program) Set() *Set {
	return p.set
}

// Rule returns the record for guid.
func (p *Program) Rule(guid string) *RuleRecord {
	return p.rules[guid]
}

// RuleCount returns the number of mirrored rules.
func (p *Program) RuleCount() int {
	return len(p.rules)
}

// Rules returns the records ordered by index, then guid.
func (p *Program) Rules() []*RuleRecord {
	out := make([]*RuleRecord, 0, len(p.rules))
	for _, r := range p.rules {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Index != out[j].Index {
			return out[i].Index < out[j].Index
		}
		return out[i].GUID < out[j].GUID
	})
	return out
}

// Log returns the connection log, oldest first.
func (p *Program) Log() []*LogEntry {
	if p.logMax > 0 && len(p.log) > p.logMax {
		return p.log[len(p.log)-p.logMax:]
	}
	return p.log
}

// AddLogEntry appends e, keeping the newest max entries. Older entries are
// compacted away once the log reaches twice max.
func (p *Program) AddLogEntry(e *LogEntry, max int) {
	p.log = append(p.log, e)
	p.logMax = max
	if max > 0 && len(p.log) >= 2*max {
		n := copy(p.log, p.log[len(p.log)-max:])
		clear(p.log[n:])
		p.log = p.log[:n]
	}
	if e.Event.Timestamp.After(p.LastActivity) {
		p.LastActivity = e.Event.Timestamp
	}
}

// ClearLog drops the connection log.
func (p *Program) ClearLog() {
	p.log = nil
}

// LookupRuleAction evaluates the program's enabled rules against ev. A
// blocking rule wins over an allowing one; Undefined means no rule applies.
func (p *Program) LookupRuleAction(ev firewall.Event, profile firewall.Profile) firewall.Action {
	result := firewall.ActionUndefined
	for _, r := range p.rules {
		if !r.Applies(ev, profile) {
			continue
		}
		if r.Action == firewall.ActionBlock {
			return firewall.ActionBlock
		}
		result = r.Action
	}
	return result
}

// Set is the user-visible grouping of one or more program identities.
type Set struct {
	GUID   uuid.UUID
	Config Config

	programs map[identity.ID]*Program
}

// Programs returns the member programs ordered by identity key.
func (s *Set) Programs() []*Program {
	out := make([]*Program, 0, len(s.programs))
	for _, p := range s.programs {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out
}

// Program returns the member with id.
func (s *Set) Program(id identity.ID) *Program {
	return s.programs[id]
}

// RuleCount sums the rules of all members.
func (s *Set) RuleCount() int {
	n := 0
	for _, p := range s.programs {
		n += len(p.rules)
	}
	return n
}
