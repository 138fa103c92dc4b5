package guard

import (
	"fmt"
	"strings"
)

// Mode controls how divergence between the mirror and the rule store is
// handled.
type Mode uint8

const (
	// ModeOff mirrors the store 1:1 without state tracking.
	ModeOff Mode = iota
	// ModeAlert records divergence and takes no corrective action.
	ModeAlert
	// ModeDisable disables newly changed enabled rules and keeps a backup.
	ModeDisable
	// ModeFix reverts divergent rules to their approved form.
	ModeFix
)

var modeNames = [...]string{"off", "alert", "disable", "fix"}

func (m Mode) String() string {
	if int(m) < len(modeNames) {
		return modeNames[m]
	}
	return fmt.Sprintf("mode(%d)", m)
}

// ParseMode maps a configuration value to a Mode.
func ParseMode(s string) (Mode, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, n := range modeNames {
		if n == s {
			return Mode(i), nil
		}
	}
	return ModeOff, fmt.Errorf("unknown guard mode %q", s)
}

// ApprovalMode selects what SetRuleApproval does with a divergent rule.
type ApprovalMode uint8

const (
	// ApproveCurrent accepts the present external rule as the baseline.
	ApproveCurrent ApprovalMode = iota
	// RestoreRules re-applies the approved form, or deletes unapproved
	// insertions.
	RestoreRules
	// ApproveChanges re-applies the version a corrective action displaced,
	// then approves it.
	ApproveChanges
)

func (a ApprovalMode) String() string {
	switch a {
	case RestoreRules:
		return "restore"
	case ApproveChanges:
		return "approve_changes"
	}
	return "approve_current"
}

// ParseApprovalMode is the inverse of String.
func ParseApprovalMode(s string) (ApprovalMode, error) {
	for _, m := range []ApprovalMode{ApproveCurrent, RestoreRules, ApproveChanges} {
		if m.String() == s {
			return m, nil
		}
	}
	return ApproveCurrent, fmt.Errorf("unknown approval mode %q", s)
}

// ConfigSource is read on every operation so configuration reloads apply
// immediately.
type ConfigSource interface {
	GuardEnabled() bool
	GuardMode() string
}

// StaticConfig is a fixed ConfigSource.
type StaticConfig struct {
	Enabled bool
	Mode    Mode
}

func (c StaticConfig) GuardEnabled() bool { return c.Enabled }
func (c StaticConfig) GuardMode() string  { return c.Mode.String() }
