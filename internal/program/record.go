package program

import (
	"errors"
	"fmt"

	"grimm.is/fwguard/internal/firewall"
)

// State is the reconciliation state of a mirrored rule.
type State uint8

const (
	// StateUnknown marks a rule seen externally but never approved.
	StateUnknown State = iota
	StateApproved
	StateChanged
	StateDeleted
)

var stateNames = [...]string{"unknown", "approved", "changed", "deleted"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", s)
}

// ParseState is the inverse of String.
func ParseState(s string) (State, error) {
	for i, n := range stateNames {
		if n == s {
			return State(i), nil
		}
	}
	return 0, fmt.Errorf("unknown rule state %q", s)
}

// ErrIllegalTransition is returned for a state change outside the allowed edges.
var ErrIllegalTransition = errors.New("illegal rule state transition")

var allowedEdges = map[State][]State{
	StateUnknown:  {StateApproved, StateChanged},
	StateApproved: {StateChanged},
	StateChanged:  {StateApproved, StateDeleted},
	StateDeleted:  {StateApproved},
}

// CanTransition reports whether from -> to is an allowed edge. Staying in
// the same state is always allowed.
func CanTransition(from, to State) bool {
	if from == to {
		return true
	}
	for _, s := range allowedEdges[from] {
		if s == to {
			return true
		}
	}
	return false
}

// RuleRecord mirrors one external rule.
//
// backup preserves the externally observed version that a corrective action
// (disable or revert) displaced, so approving changes can re-apply it. It is
// only ever present while the record is not approved.
type RuleRecord struct {
	firewall.Rule

	// Expiration is an absolute unix time in seconds; zero never expires.
	Expiration uint64

	state  State
	backup *firewall.Rule
}

// NewRecord creates an Unknown record for rule.
func NewRecord(rule firewall.Rule) *RuleRecord {
	return &RuleRecord{Rule: rule}
}

// State returns the reconciliation state.
func (r *RuleRecord) State() State {
	return r.state
}

// Backup returns the displaced external version, if any.
func (r *RuleRecord) Backup() (firewall.Rule, bool) {
	if r.backup == nil {
		return firewall.Rule{}, false
	}
	return *r.backup, true
}

// HasBackup reports whether a displaced version is held.
func (r *RuleRecord) HasBackup() bool {
	return r.backup != nil
}

// SetState moves the record along an allowed edge. Moving to Approved
// clears the backup.
func (r *RuleRecord) SetState(to State) error {
	if !CanTransition(r.state, to) {
		return fmt.Errorf("%w: %s -> %s (%s)", ErrIllegalTransition, r.state, to, r.GUID)
	}
	r.state = to
	if to == StateApproved {
		r.backup = nil
	}
	return nil
}

// KeepBackup stores rule as the displaced version unless one is already
// held. It refuses while approved.
func (r *RuleRecord) KeepBackup(rule firewall.Rule) bool {
	if r.state == StateApproved {
		return false
	}
	if r.backup == nil {
		b := rule
		r.backup = &b
	}
	return true
}

// ClearBackup drops the displaced version.
func (r *RuleRecord) ClearBackup() {
	r.backup = nil
}

// Assign copies the match fields of rule, keeping guid and expiration.
func (r *RuleRecord) Assign(rule firewall.Rule) {
	guid := r.GUID
	r.Rule = rule
	r.GUID = guid
}

// IsTemporary reports whether the record expires.
func (r *RuleRecord) IsTemporary() bool {
	return r.Expiration != 0
}

// Expired reports whether the expiration has elapsed at now (unix seconds).
func (r *RuleRecord) Expired(now uint64) bool {
	return r.Expiration != 0 && now >= r.Expiration
}
