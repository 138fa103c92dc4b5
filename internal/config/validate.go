package config

import (
	"fmt"
	"net"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"grimm.is/fwguard/internal/firewall"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Modes lists the accepted guard modes.
var Modes = []string{"off", "alert", "disable", "fix"}

// Validate checks a configuration after defaults have been applied and
// returns every problem found, or nil.
func (c *Config) Validate() error {
	var errs ValidationErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if c.Guard != nil && !slices.Contains(Modes, strings.ToLower(c.Guard.Mode)) {
		add("guard.mode", "must be one of %s, got %q", strings.Join(Modes, ", "), c.Guard.Mode)
	}

	if e := c.Engine; e != nil {
		checkDuration(add, "engine.tick_interval", e.TickInterval)
		checkDuration(add, "engine.save_interval", e.SaveInterval)
		checkDuration(add, "engine.program_retention", e.ProgramRetention)
		if e.CleanupEvery < 1 {
			add("engine.cleanup_every", "must be at least 1")
		}
		if e.MaxLogEntries < 1 {
			add("engine.max_log_entries", "must be at least 1")
		}
	}

	if r := c.RuleStore; r != nil {
		if r.Backend != "nftables" && r.Backend != "memory" {
			add("rule_store.backend", "unknown backend %q", r.Backend)
		}
		if r.LogGroup < 0 || r.LogGroup > 65535 {
			add("rule_store.log_group", "must be between 0 and 65535")
		}
		checkDuration(add, "rule_store.poll_interval", r.PollInterval)
		checkAction(add, "rule_store.default_inbound", r.DefaultInbound)
		checkAction(add, "rule_store.default_outbound", r.DefaultOutbound)
	}

	if a := c.Audit; a != nil && (a.LogGroup < 0 || a.LogGroup > 65535) {
		add("audit.log_group", "must be between 0 and 65535")
	}

	if h := c.Hostnames; h != nil {
		checkDuration(add, "hostnames.timeout", h.Timeout)
		checkDuration(add, "hostnames.cache_ttl", h.CacheTTL)
		if h.Server != "" {
			if _, _, err := net.SplitHostPort(h.Server); err != nil {
				add("hostnames.server", "%v", err)
			}
		}
	}

	for _, p := range c.Profiles {
		field := fmt.Sprintf("interface_profile[%s]", p.Pattern)
		if _, err := filepath.Match(p.Pattern, ""); err != nil {
			add(field, "malformed pattern: %v", err)
		}
		if _, err := firewall.ParseProfile(p.Profile); err != nil {
			add(field, "%v", err)
		}
	}

	if n := c.Notifications; n != nil {
		seen := make(map[string]bool)
		for _, ch := range n.Channels {
			field := fmt.Sprintf("notifications.channel[%s]", ch.Name)
			if seen[ch.Name] {
				add(field, "duplicate channel name")
			}
			seen[ch.Name] = true
			if !slices.Contains(NotificationTypes, ch.Type) {
				add(field, "unknown type %q", ch.Type)
			}
			if ch.Level != "" && !slices.Contains(NotificationLevels, strings.ToLower(ch.Level)) {
				add(field, "unknown level %q", ch.Level)
			}
			for _, ev := range ch.Events {
				if !slices.Contains(RuleEventTypes, ev) {
					add(field, "unknown event %q", ev)
				}
			}
			switch ch.Type {
			case "webhook":
				if ch.URL == "" {
					add(field, "url is required")
				}
			case "ntfy":
				if ch.Topic == "" {
					add(field, "topic is required")
				}
			case "pushover":
				if ch.Token == "" || ch.UserKey == "" {
					add(field, "token and user_key are required")
				}
			case "email":
				if ch.SMTPHost == "" || ch.From == "" || len(ch.To) == 0 {
					add(field, "smtp_host, from and to are required")
				}
			}
		}
	}

	if a := c.API; a != nil && a.Enabled {
		if _, _, err := net.SplitHostPort(a.Listen); err != nil {
			add("api.listen", "%v", err)
		}
		if a.TokenHash != "" {
			if _, err := bcrypt.Cost([]byte(a.TokenHash)); err != nil {
				add("api.token_hash", "not a bcrypt hash: %v", err)
			}
		}
		if a.MaxConnections < 0 {
			add("api.max_connections", "must not be negative")
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return errs
}

func checkDuration(add func(string, string, ...any), field, value string) {
	d, err := time.ParseDuration(value)
	if err != nil {
		add(field, "invalid duration %q", value)
		return
	}
	if d <= 0 {
		add(field, "must be positive")
	}
}

func checkAction(add func(string, string, ...any), field, value string) {
	if _, err := ParseAction(value); err != nil {
		add(field, "%v", err)
	}
}

// ParseAction maps allow/block to a firewall action.
func ParseAction(s string) (firewall.Action, error) {
	switch strings.ToLower(s) {
	case "allow":
		return firewall.ActionAllow, nil
	case "block", "deny", "drop":
		return firewall.ActionBlock, nil
	}
	return firewall.ActionUndefined, fmt.Errorf("unknown action %q", s)
}
