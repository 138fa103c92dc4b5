package program

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"grimm.is/fwguard/internal/identity"
)

var (
	ErrProgramExists  = errors.New("program already registered")
	ErrSetNotFound    = errors.New("program set not found")
	ErrProgramMissing = errors.New("program not found")
	ErrDuplicateRule  = errors.New("rule guid already registered")
	ErrLastProgram    = errors.New("set has a single program")
)

// FuzzyMode widens FindProgram beyond exact identity equality.
type FuzzyMode uint8

const (
	FuzzyNone FuzzyMode = iota
	// FuzzyTag also matches a service by name regardless of its host path.
	FuzzyTag
	// FuzzyAny additionally matches any program with the same path.
	FuzzyAny
)

// Registry owns all program sets. It is not safe for concurrent use; the
// engine worker is its only writer.
type Registry struct {
	sets     map[uuid.UUID]*Set
	programs map[identity.ID]*Program
	rules    map[string]*Program
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sets:     make(map[uuid.UUID]*Set),
		programs: make(map[identity.ID]*Program),
		rules:    make(map[string]*Program),
	}
}

// Sets returns all sets ordered by name, then guid.
func (r *Registry) Sets() []*Set {
	out := make([]*Set, 0, len(r.sets))
	for _, s := range r.sets {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if a, b := strings.ToLower(out[i].Config.Name), strings.ToLower(out[j].Config.Name); a != b {
			return a < b
		}
		return out[i].GUID.String() < out[j].GUID.String()
	})
	return out
}

// Set returns the set with guid.
func (r *Registry) Set(guid uuid.UUID) *Set {
	return r.sets[guid]
}

// Program returns the program with exactly id.
func (r *Registry) Program(id identity.ID) *Program {
	return r.programs[id]
}

// Programs returns all programs ordered by identity key.
func (r *Registry) Programs() []*Program {
	out := make([]*Program, 0, len(r.programs))
	for _, p := range r.programs {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out
}

// FindProgram looks id up, widening the search per fuzzy. With canAdd a
// miss creates a new single-program set.
func (r *Registry) FindProgram(id identity.ID, canAdd bool, fuzzy FuzzyMode) *Program {
	if p := r.programs[id]; p != nil {
		return p
	}
	if fuzzy >= FuzzyTag && id.Kind == identity.KindService {
		for _, p := range r.Programs() {
			if p.ID.SameTag(id) {
				return p
			}
		}
	}
	if fuzzy >= FuzzyAny && id.Path != "" {
		for _, p := range r.Programs() {
			if p.ID.Path == id.Path {
				return p
			}
		}
	}
	if !canAdd {
		return nil
	}
	p, _ := r.AddProgram(id, uuid.Nil)
	return p
}

func defaultConfig(id identity.ID) Config {
	return Config{Name: id.Name()}
}

// AddProgram registers id in the set with guid, or in a new set when guid
// is uuid.Nil.
func (r *Registry) AddProgram(id identity.ID, guid uuid.UUID) (*Program, error) {
	if !id.IsValid() {
		return nil, identity.ErrInvalid
	}
	if _, ok := r.programs[id]; ok {
		return nil, fmt.Errorf("%w: %s", ErrProgramExists, id)
	}
	var set *Set
	if guid == uuid.Nil {
		set = &Set{GUID: uuid.New(), Config: defaultConfig(id), programs: make(map[identity.ID]*Program)}
		r.sets[set.GUID] = set
	} else if set = r.sets[guid]; set == nil {
		return nil, fmt.Errorf("%w: %s", ErrSetNotFound, guid)
	}
	p := newProgram(id)
	p.set = set
	set.programs[id] = p
	r.programs[id] = p
	return p, nil
}

// UpdateSet replaces the configuration of a set.
func (r *Registry) UpdateSet(guid uuid.UUID, cfg Config) error {
	set := r.sets[guid]
	if set == nil {
		return fmt.Errorf("%w: %s", ErrSetNotFound, guid)
	}
	set.Config = cfg
	return nil
}

// MergeSets moves every program of from into to and drops from.
func (r *Registry) MergeSets(to, from uuid.UUID) error {
	dst, src := r.sets[to], r.sets[from]
	if dst == nil || src == nil {
		return ErrSetNotFound
	}
	if to == from {
		return nil
	}
	for id, p := range src.programs {
		p.set = dst
		dst.programs[id] = p
	}
	delete(r.sets, from)
	return nil
}

// SplitProgram moves id out of set from into a new set of its own.
func (r *Registry) SplitProgram(from uuid.UUID, id identity.ID) (*Set, error) {
	src := r.sets[from]
	if src == nil {
		return nil, fmt.Errorf("%w: %s", ErrSetNotFound, from)
	}
	p := src.programs[id]
	if p == nil {
		return nil, fmt.Errorf("%w: %s", ErrProgramMissing, id)
	}
	if len(src.programs) == 1 {
		return nil, ErrLastProgram
	}
	delete(src.programs, id)
	set := &Set{GUID: uuid.New(), Config: defaultConfig(id), programs: map[identity.ID]*Program{id: p}}
	p.set = set
	r.sets[set.GUID] = set
	return set, nil
}

// RemoveProgram removes id from set guid, or the whole set when id is nil.
// The removed programs are returned so their rules can be cleared.
func (r *Registry) RemoveProgram(guid uuid.UUID, id *identity.ID) ([]*Program, error) {
	set := r.sets[guid]
	if set == nil {
		return nil, fmt.Errorf("%w: %s", ErrSetNotFound, guid)
	}
	var removed []*Program
	if id != nil {
		p := set.programs[*id]
		if p == nil {
			return nil, fmt.Errorf("%w: %s", ErrProgramMissing, *id)
		}
		removed = []*Program{p}
	} else {
		removed = set.Programs()
	}
	for _, p := range removed {
		r.dropProgram(p)
	}
	return removed, nil
}

func (r *Registry) dropProgram(p *Program) {
	for guid := range p.rules {
		delete(r.rules, guid)
	}
	delete(r.programs, p.ID)
	set := p.set
	delete(set.programs, p.ID)
	if len(set.programs) == 0 {
		delete(r.sets, set.GUID)
	}
}

// AddRule attaches rec to p and indexes its guid.
func (r *Registry) AddRule(p *Program, rec *RuleRecord) error {
	if owner, ok := r.rules[rec.GUID]; ok {
		return fmt.Errorf("%w: %s (owned by %s)", ErrDuplicateRule, rec.GUID, owner.ID)
	}
	p.rules[rec.GUID] = rec
	r.rules[rec.GUID] = p
	return nil
}

// RemoveRule detaches the record with guid.
func (r *Registry) RemoveRule(guid string) (*RuleRecord, *Program) {
	p := r.rules[guid]
	if p == nil {
		return nil, nil
	}
	rec := p.rules[guid]
	delete(p.rules, guid)
	delete(r.rules, guid)
	return rec, p
}

// FindRule returns the record with guid and its program. A non-nil program
// with a nil record means the index is inconsistent.
func (r *Registry) FindRule(guid string) (*RuleRecord, *Program) {
	p := r.rules[guid]
	if p == nil {
		return nil, nil
	}
	return p.rules[guid], p
}

// RuleRef pairs a record with its program.
type RuleRef struct {
	Record  *RuleRecord
	Program *Program
}

// AllRules returns every record ordered by guid.
func (r *Registry) AllRules() []RuleRef {
	out := make([]RuleRef, 0, len(r.rules))
	for guid, p := range r.rules {
		if rec := p.rules[guid]; rec != nil {
			out = append(out, RuleRef{Record: rec, Program: p})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Record.GUID < out[j].Record.GUID })
	return out
}

// RuleCount returns the number of mirrored rules.
func (r *Registry) RuleCount() int {
	return len(r.rules)
}

// ClearRules drops every record, keeping programs and sets.
func (r *Registry) ClearRules() {
	for _, p := range r.programs {
		p.rules = make(map[string]*RuleRecord)
	}
	r.rules = make(map[string]*Program)
}

// ClearLog drops every program's connection log.
func (r *Registry) ClearLog() {
	for _, p := range r.programs {
		p.ClearLog()
	}
}

// Clean removes programs that hold no rules and have been inactive since
// before cutoff. System and Global are kept. It returns the number removed.
func (r *Registry) Clean(cutoff time.Time) int {
	n := 0
	for _, p := range r.Programs() {
		if p.ID.Kind == identity.KindSystem || p.ID.Kind == identity.KindGlobal {
			continue
		}
		if len(p.rules) > 0 || p.LastActivity.After(cutoff) {
			continue
		}
		r.dropProgram(p)
		n++
	}
	return n
}
