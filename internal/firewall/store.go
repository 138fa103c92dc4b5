package firewall

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

var (
	// ErrRuleNotFound is returned when a guid is not present in the store.
	ErrRuleNotFound = errors.New("rule not found")
	// ErrInvalidRule is returned for rules the store cannot express.
	ErrInvalidRule = errors.New("invalid rule")
)

// RuleStore is the externally owned rule set.
type RuleStore interface {
	// LoadRules enumerates every rule.
	LoadRules() ([]Rule, error)
	// LoadRulesByID enumerates a subset. Missing guids are absent from the map.
	LoadRulesByID(guids []string) (map[string]Rule, error)
	// ApplyRule inserts or replaces a rule. An empty GUID is assigned.
	ApplyRule(rule *Rule) error
	// RemoveRule deletes a rule by guid.
	RemoveRule(guid string) error
	// DefaultAction is the global policy for traffic no rule matches.
	DefaultAction(dir Direction) Action
}

// NewGUID returns a fresh rule guid in braced upper case form.
func NewGUID() string {
	return "{" + strings.ToUpper(uuid.NewString()) + "}"
}

// GetRule fetches one rule through LoadRulesByID.
func GetRule(s RuleStore, guid string) (Rule, bool, error) {
	rules, err := s.LoadRulesByID([]string{guid})
	if err != nil {
		return Rule{}, false, fmt.Errorf("load rule %s: %w", guid, err)
	}
	r, ok := rules[guid]
	return r, ok, nil
}
