package program

import (
	"time"

	"github.com/google/uuid"

	"grimm.is/fwguard/internal/firewall"
	"grimm.is/fwguard/internal/identity"
)

// RuleView is a copy of a record for callers outside the engine worker.
type RuleView struct {
	firewall.Rule
	Expiration uint64         `json:"expiration,omitempty"`
	State      string         `json:"state"`
	Backup     *firewall.Rule `json:"backup,omitempty"`
	// Approved holds the mirrored version when Rule shows the live external
	// rule of a changed record.
	Approved *firewall.Rule `json:"approved,omitempty"`
}

// View copies the record.
func (r *RuleRecord) View() RuleView {
	v := RuleView{Rule: r.Rule, Expiration: r.Expiration, State: r.state.String()}
	if b, ok := r.Backup(); ok {
		v.Backup = &b
	}
	return v
}

// ProgramView summarizes a program.
type ProgramView struct {
	ID           identity.ID `json:"id"`
	Name         string      `json:"name"`
	Description  string      `json:"description,omitempty"`
	Rules        int         `json:"rules"`
	LogEntries   int         `json:"log_entries"`
	LastActivity time.Time   `json:"last_activity"`
}

// SetView summarizes a set.
type SetView struct {
	GUID     uuid.UUID     `json:"guid"`
	Config   Config        `json:"config"`
	Programs []ProgramView `json:"programs"`
}

// View copies the set.
func (s *Set) View() SetView {
	v := SetView{GUID: s.GUID, Config: s.Config}
	for _, p := range s.Programs() {
		v.Programs = append(v.Programs, ProgramView{
			ID:           p.ID,
			Name:         p.ID.Name(),
			Description:  p.Description,
			Rules:        len(p.rules),
			LogEntries:   len(p.Log()),
			LastActivity: p.LastActivity,
		})
	}
	return v
}
