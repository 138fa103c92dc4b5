package program

import (
	"github.com/google/uuid"

	"grimm.is/fwguard/internal/firewall"
	"grimm.is/fwguard/internal/identity"
)

// LogState is how a logged connection relates to the program's rules.
type LogState uint8

const (
	// LogFromLog marks entries imported from audit history.
	LogFromLog LogState = iota
	LogAllowed
	LogBlocked
	// LogInconsistent means a rule exists but the observed verdict differs.
	LogInconsistent
	// LogUnRuled means no rule of the program applies.
	LogUnRuled
)

func (s LogState) String() string {
	return [...]string{"from_log", "allowed", "blocked", "inconsistent", "unruled"}[s]
}

// NameSource ranks where a remote hostname came from. Higher is better.
type NameSource uint8

const (
	NameNone NameSource = iota
	NameReverseDNS
	NameObserved
)

func (n NameSource) String() string {
	return [...]string{"none", "reverse_dns", "observed"}[n]
}

// LogEntry is one event attributed to one program. Only the hostname may
// change after creation, and only to a better ranked source.
type LogEntry struct {
	ID       uuid.UUID      `json:"id"`
	Event    firewall.Event `json:"event"`
	Program  identity.ID    `json:"program"`
	State    LogState       `json:"state"`
	Services []string       `json:"services,omitempty"`

	RemoteHost string     `json:"remote_host,omitempty"`
	HostSource NameSource `json:"host_source"`
}

// NewLogEntry creates an entry with a fresh id.
func NewLogEntry(ev firewall.Event, id identity.ID) *LogEntry {
	return &LogEntry{ID: uuid.New(), Event: ev, Program: id, State: LogUnRuled}
}

// CheckAction sets the state from the action the program's rules dictate.
func (e *LogEntry) CheckAction(ruleAction firewall.Action) {
	switch {
	case ruleAction == firewall.ActionUndefined:
		e.State = LogUnRuled
	case ruleAction != e.Event.Action:
		e.State = LogInconsistent
	case ruleAction == firewall.ActionAllow:
		e.State = LogAllowed
	default:
		e.State = LogBlocked
	}
}

// SetHost records a hostname if src outranks the current source.
func (e *LogEntry) SetHost(name string, src NameSource) bool {
	if name == "" || src <= e.HostSource {
		return false
	}
	e.RemoteHost = name
	e.HostSource = src
	return true
}

// Snapshot returns a copy safe to hand to other goroutines.
func (e *LogEntry) Snapshot() LogEntry {
	c := *e
	if e.Services != nil {
		c.Services = append([]string(nil), e.Services...)
	}
	return c
}
