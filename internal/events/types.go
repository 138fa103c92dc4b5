// Package events carries engine outputs to their consumers: the websocket
// feed, the notification dispatcher and tests.
package events

import (
	"time"

	"github.com/google/uuid"

	"grimm.is/fwguard/internal/firewall"
	"grimm.is/fwguard/internal/identity"
	"grimm.is/fwguard/internal/program"
)

// EventType identifies the category of event.
type EventType string

const (
	EventActivity   EventType = "program.activity"
	EventRuleChange EventType = "rule.change"
	EventUpdate     EventType = "program.update"
)

// Event is the message passed through the hub.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
	Data      any       `json:"data"`
}

// ChangeType classifies a rule event.
type ChangeType string

const (
	ChangeChanged   ChangeType = "changed"
	ChangeAdded     ChangeType = "added"
	ChangeRemoved   ChangeType = "removed"
	ChangeUnchanged ChangeType = "unchanged"
)

// FixAction is the corrective action taken for a rule event.
type FixAction string

const (
	FixNone     FixAction = "none"
	FixRestored FixAction = "restored"
	FixDisabled FixAction = "disabled"
	FixUpdated  FixAction = "updated"
	FixDeleted  FixAction = "deleted"
)

// UpdateKind says what part of a program set changed.
type UpdateKind string

const (
	UpdateRules    UpdateKind = "rules"
	UpdatePrograms UpdateKind = "programs"
)

// ActivityData is the payload of EventActivity. Update is set when the
// entry is re-sent after its hostname improved.
type ActivityData struct {
	SetGUID  uuid.UUID        `json:"set_guid"`
	Program  identity.ID      `json:"program"`
	Entry    program.LogEntry `json:"entry"`
	Services []string         `json:"services,omitempty"`
	Update   bool             `json:"update"`
}

// RuleChangeData is the payload of EventRuleChange. Rule is the tracked
// version; Observed is the external version that triggered the event, when
// it differs.
type RuleChangeData struct {
	SetGUID  uuid.UUID      `json:"set_guid"`
	Program  identity.ID    `json:"program"`
	Rule     firewall.Rule  `json:"rule"`
	Observed *firewall.Rule `json:"observed,omitempty"`
	Type     ChangeType     `json:"type"`
	Action   FixAction      `json:"action"`
	State    string         `json:"state"`
	Diff     string         `json:"diff,omitempty"`
	Message  string         `json:"message"`
}

// UpdateData is the payload of EventUpdate.
type UpdateData struct {
	SetGUID uuid.UUID  `json:"set_guid"`
	Kind    UpdateKind `json:"kind"`
}

// Sink receives engine outputs. Implementations must not block.
type Sink interface {
	NotifyActivity(ActivityData)
	NotifyChange(RuleChangeData)
	NotifyUpdate(UpdateData)
}
