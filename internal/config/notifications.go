package config

// NotificationsConfig lists where rule events are delivered.
//
//	notifications {
//	  enabled = true
//	  channel "ops" {
//	    type   = "webhook"
//	    url    = "https://hooks.example/fwguard"
//	    level  = "warning"
//	    events = ["changed", "removed"]
//	  }
//	}
type NotificationsConfig struct {
	Enabled  bool                  `hcl:"enabled,optional" json:"enabled"`
	Channels []NotificationChannel `hcl:"channel,block" json:"channels"`
}

// NotificationChannel is one destination. Channels are active unless
// disabled.
type NotificationChannel struct {
	Name     string `hcl:"name,label" json:"name"`
	Type     string `hcl:"type" json:"type"`
	Disabled bool   `hcl:"disabled,optional" json:"disabled,omitempty"`
	// Level is the minimum level delivered: info, warning or critical.
	Level string `hcl:"level,optional" json:"level,omitempty"`
	// Events restricts the channel to these rule change types.
	Events []string `hcl:"events,optional" json:"events,omitempty"`

	// URL is the webhook endpoint or the ntfy server.
	URL     string            `hcl:"url,optional" json:"url,omitempty"`
	Topic   string            `hcl:"topic,optional" json:"topic,omitempty"`
	Token   string            `hcl:"token,optional" json:"token,omitempty"`
	UserKey string            `hcl:"user_key,optional" json:"user_key,omitempty"`
	Headers map[string]string `hcl:"headers,optional" json:"headers,omitempty"`

	SMTPHost     string   `hcl:"smtp_host,optional" json:"smtp_host,omitempty"`
	SMTPPort     int      `hcl:"smtp_port,optional" json:"smtp_port,omitempty"`
	SMTPUser     string   `hcl:"smtp_user,optional" json:"smtp_user,omitempty"`
	SMTPPassword string   `hcl:"smtp_password,optional" json:"smtp_password,omitempty"`
	From         string   `hcl:"from,optional" json:"from,omitempty"`
	To           []string `hcl:"to,optional" json:"to,omitempty"`
}

// NotificationTypes lists the channel types the dispatcher can deliver to.
var NotificationTypes = []string{"webhook", "ntfy", "pushover", "email"}

// NotificationLevels are the accepted channel levels, lowest first.
var NotificationLevels = []string{"info", "warning", "critical"}

// RuleEventTypes are the rule change types a channel may filter on.
var RuleEventTypes = []string{"added", "changed", "removed", "unchanged"}
