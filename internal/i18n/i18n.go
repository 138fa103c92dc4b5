// Package i18n formats user-facing messages for rule events through
// golang.org/x/text message printers. Only English is catalogued.
package i18n

import (
	"context"
	"os"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// DefaultLang is used when nothing better matches.
var DefaultLang = language.English

// SupportedLangs are the languages with a catalog.
var SupportedLangs = []language.Tag{
	language.English,
}

var matcher = language.NewMatcher(SupportedLangs)

type contextKey struct{}

var printerKey = contextKey{}

// Message keys for rule events, one per change type and corrective action.
const (
	MsgRuleAdded           = "rule.added"
	MsgRuleAddedDisabled   = "rule.added.disabled"
	MsgRuleChanged         = "rule.changed"
	MsgRuleChangedDisabled = "rule.changed.disabled"
	MsgRuleChangedRestored = "rule.changed.restored"
	MsgRuleChangedUpdated  = "rule.changed.updated"
	MsgRuleRemoved         = "rule.removed"
	MsgRuleRemovedRestored = "rule.removed.restored"
	MsgRuleRemovedDeleted  = "rule.removed.deleted"
	MsgRuleUnchanged       = "rule.unchanged"
)

func init() {
	en := map[string]string{
		MsgRuleAdded:           "Rule %q was added for %s",
		MsgRuleAddedDisabled:   "Rule %q was added for %s and has been disabled",
		MsgRuleChanged:         "Rule %q of %s was changed",
		MsgRuleChangedDisabled: "Rule %q of %s was changed and has been disabled",
		MsgRuleChangedRestored: "Rule %q of %s was changed and has been restored",
		MsgRuleChangedUpdated:  "Rule %q of %s was updated",
		MsgRuleRemoved:         "Rule %q of %s was removed",
		MsgRuleRemovedRestored: "Rule %q of %s was removed and has been restored",
		MsgRuleRemovedDeleted:  "Unapproved rule %q of %s was removed",
		MsgRuleUnchanged:       "Rule %q of %s matches its approved state again",
	}
	for key, format := range en {
		_ = message.SetString(language.English, key, format)
	}
}

// RuleEventKey picks the message key for a change type and action, both
// given in their string form.
func RuleEventKey(changeType, action string) string {
	key := "rule." + changeType
	switch {
	case changeType == "unchanged":
		return MsgRuleUnchanged
	case action == "" || action == "none":
		return key
	}
	candidate := key + "." + action
	switch candidate {
	case MsgRuleAddedDisabled, MsgRuleChangedDisabled, MsgRuleChangedRestored,
		MsgRuleChangedUpdated, MsgRuleRemovedRestored, MsgRuleRemovedDeleted:
		return candidate
	}
	return key
}

// MatchLanguage maps an Accept-Language header to a catalogued language.
func MatchLanguage(acceptLang string) language.Tag {
	tags, _, _ := language.ParseAcceptLanguage(acceptLang)
	tag, _, _ := matcher.Match(tags...)
	return tag
}

func NewPrinter(tag language.Tag) *message.Printer {
	return message.NewPrinter(tag)
}

// WithPrinter attaches p to ctx.
func WithPrinter(ctx context.Context, p *message.Printer) context.Context {
	return context.WithValue(ctx, printerKey, p)
}

// FromContext returns the printer attached to ctx, or one for DefaultLang.
func FromContext(ctx context.Context) *message.Printer {
	if p, ok := ctx.Value(printerKey).(*message.Printer); ok {
		return p
	}
	return message.NewPrinter(DefaultLang)
}

// NewCLIPrinter returns a printer for the locale named by LC_ALL,
// LC_MESSAGES or LANG, in that order.
func NewCLIPrinter() *message.Printer {
	return message.NewPrinter(localeTag(os.Getenv("LC_ALL"), os.Getenv("LC_MESSAGES"), os.Getenv("LANG")))
}

func localeTag(envs ...string) language.Tag {
	for _, v := range envs {
		if v == "" {
			continue
		}
		name, _, _ := strings.Cut(v, ".")
		name, _, _ = strings.Cut(name, "@")
		if name == "C" || name == "POSIX" {
			return DefaultLang
		}
		tag, err := language.Parse(strings.ReplaceAll(name, "_", "-"))
		if err != nil {
			return DefaultLang
		}
		tag, _, _ = matcher.Match(tag)
		return tag
	}
	return DefaultLang
}
