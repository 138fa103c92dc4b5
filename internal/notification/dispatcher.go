// Package notification delivers rule events to the channels listed in the
// notifications block of the configuration.
package notification

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/smtp"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"grimm.is/fwguard/internal/brand"
	"grimm.is/fwguard/internal/clock"
	"grimm.is/fwguard/internal/config"
	"grimm.is/fwguard/internal/logging"
)

// Levels, lowest first.
const (
	LevelInfo     = "info"
	LevelWarning  = "warning"
	LevelCritical = "critical"
)

// PushoverURL is the Pushover message endpoint.
var PushoverURL = "https://api.pushover.net/1/messages.json"

const defaultNtfyServer = "https://ntfy.sh"

// Notification is one rule event as delivered to a channel.
type Notification struct {
	Title   string `json:"title"`
	Message string `json:"message"`
	Level   string `json:"level"`
	// Event is the rule change type the notification reports.
	Event     string         `json:"event,omitempty"`
	Host      string         `json:"host"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

type deliverFunc func(d *Dispatcher, ch config.NotificationChannel, n Notification) error

var deliverers = map[string]deliverFunc{
	"webhook":  (*Dispatcher).sendWebhook,
	"ntfy":     (*Dispatcher).sendNtfy,
	"pushover": (*Dispatcher).sendPushover,
	"email":    (*Dispatcher).sendEmail,
}

// Dispatcher fans a notification out to every channel that wants it.
type Dispatcher struct {
	mu     sync.RWMutex
	config *config.NotificationsConfig

	host   string
	logger *logging.Logger
	client *http.Client
}

// NewDispatcher creates a dispatcher for cfg. A nil cfg delivers nothing.
func NewDispatcher(cfg *config.NotificationsConfig, logger *logging.Logger) *Dispatcher {
	if logger == nil {
		logger = logging.Default().WithComponent("notification")
	}
	host, _ := os.Hostname()
	return &Dispatcher{
		config: cfg,
		host:   host,
		logger: logger,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// UpdateConfig swaps the channel list.
func (d *Dispatcher) UpdateConfig(cfg *config.NotificationsConfig) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.config = cfg
}

// Send delivers n to every wanting channel and waits for the deliveries.
// Failures are logged.
func (d *Dispatcher) Send(n Notification) {
	d.mu.RLock()
	cfg := d.config
	d.mu.RUnlock()
	if cfg == nil || !cfg.Enabled {
		return
	}

	if n.Timestamp.IsZero() {
		n.Timestamp = clock.Now()
	}
	if n.Host == "" {
		n.Host = d.host
	}

	var wg sync.WaitGroup
	for _, ch := range cfg.Channels {
		if !wants(ch, n) {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := d.sendToChannel(ch, n); err != nil {
				d.logger.Error("failed to send notification", "channel", ch.Name, "type", ch.Type, "error", err)
			}
		}()
	}
	wg.Wait()
}

func levelRank(level string) int {
	return slices.Index(config.NotificationLevels, strings.ToLower(level))
}

// wants reports whether ch takes n: enabled, at or above its level, and
// of a listed event type when the channel filters on events.
func wants(ch config.NotificationChannel, n Notification) bool {
	if ch.Disabled {
		return false
	}
	if ch.Level != "" && levelRank(n.Level) < levelRank(ch.Level) {
		return false
	}
	return len(ch.Events) == 0 || slices.Contains(ch.Events, n.Event)
}

func (d *Dispatcher) sendToChannel(ch config.NotificationChannel, n Notification) error {
	deliver, ok := deliverers[strings.ToLower(ch.Type)]
	if !ok {
		return fmt.Errorf("unknown channel type: %s", ch.Type)
	}
	return deliver(d, ch, n)
}

// sendWebhook posts the notification as JSON.
func (d *Dispatcher) sendWebhook(ch config.NotificationChannel, n Notification) error {
	if ch.URL == "" {
		return fmt.Errorf("missing url")
	}
	body, err := json.Marshal(struct {
		Source string `json:"source"`
		Notification
	}{Source: brand.Name, Notification: n})
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, ch.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if ch.Token != "" {
		req.Header.Set("Authorization", "Bearer "+ch.Token)
	}
	return d.do(req, ch)
}

var ntfyPriority = map[string]string{
	LevelInfo:     "low",
	LevelWarning:  "default",
	LevelCritical: "high",
}

func (d *Dispatcher) sendNtfy(ch config.NotificationChannel, n Notification) error {
	if ch.Topic == "" {
		return fmt.Errorf("missing topic")
	}
	server := ch.URL
	if server == "" {
		server = defaultNtfyServer
	}
	url := strings.TrimSuffix(server, "/") + "/" + ch.Topic

	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(plainBody(n)))
	if err != nil {
		return err
	}
	req.Header.Set("Title", n.Title)
	if p, ok := ntfyPriority[n.Level]; ok {
		req.Header.Set("Priority", p)
	}
	tags := []string{brand.LowerName}
	if n.Event != "" {
		tags = append(tags, n.Event)
	}
	req.Header.Set("Tags", strings.Join(tags, ","))
	if ch.Token != "" {
		req.Header.Set("Authorization", "Bearer "+ch.Token)
	}
	return d.do(req, ch)
}

func (d *Dispatcher) sendPushover(ch config.NotificationChannel, n Notification) error {
	if ch.Token == "" || ch.UserKey == "" {
		return fmt.Errorf("missing token or user_key")
	}
	priority := 0
	switch n.Level {
	case LevelInfo:
		priority = -1
	case LevelCritical:
		priority = 1
	}
	body, err := json.Marshal(map[string]any{
		"token":     ch.Token,
		"user":      ch.UserKey,
		"title":     n.Title,
		"message":   n.Message,
		"priority":  priority,
		"timestamp": n.Timestamp.Unix(),
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, PushoverURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return d.do(req, ch)
}

func (d *Dispatcher) sendEmail(ch config.NotificationChannel, n Notification) error {
	if ch.SMTPHost == "" || ch.From == "" || len(ch.To) == 0 {
		return fmt.Errorf("missing smtp_host, from or to")
	}
	port := ch.SMTPPort
	if port == 0 {
		port = 587
	}
	var auth smtp.Auth
	if ch.SMTPUser != "" {
		auth = smtp.PlainAuth("", ch.SMTPUser, ch.SMTPPassword, ch.SMTPHost)
	}

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "From: %s\r\n", ch.From)
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(ch.To, ", "))
	fmt.Fprintf(&msg, "Subject: [%s %s] %s\r\n", brand.Name, n.Host, n.Title)
	fmt.Fprintf(&msg, "Date: %s\r\n", n.Timestamp.Format(time.RFC1123Z))
	msg.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
	msg.WriteString(strings.ReplaceAll(plainBody(n), "\n", "\r\n"))
	msg.WriteString("\r\n")

	addr := net.JoinHostPort(ch.SMTPHost, strconv.Itoa(port))
	return smtp.SendMail(addr, auth, ch.From, ch.To, msg.Bytes())
}

// plainBody is the message followed by the rule diff, if any.
func plainBody(n Notification) string {
	diff, _ := n.Data["diff"].(string)
	if diff == "" {
		return n.Message
	}
	return n.Message + "\n\n" + diff
}

func (d *Dispatcher) do(req *http.Request, ch config.NotificationChannel) error {
	req.Header.Set("User-Agent", brand.UserAgent(brand.Version))
	for k, v := range ch.Headers {
		req.Header.Set(k, v)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%s channel %s failed with status: %d", ch.Type, ch.Name, resp.StatusCode)
	}
	return nil
}
