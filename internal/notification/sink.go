package notification

import (
	"context"
	"fmt"

	"grimm.is/fwguard/internal/events"
	"grimm.is/fwguard/internal/logging"
)

// Sender delivers a notification; *Dispatcher implements it.
type Sender interface {
	Send(Notification)
}

// Sink turns rule change events into notifications. Deliveries happen on
// the goroutine running Run, so the engine is never blocked by a slow
// channel. Activity and update events are ignored.
type Sink struct {
	sender Sender
	logger *logging.Logger
	queue  chan Notification
}

// NewSink creates a sink with room for size pending notifications.
func NewSink(sender Sender, size int, logger *logging.Logger) *Sink {
	if logger == nil {
		logger = logging.Default().WithComponent("notification")
	}
	if size <= 0 {
		size = 64
	}
	return &Sink{
		sender: sender,
		logger: logger,
		queue:  make(chan Notification, size),
	}
}

// Run delivers queued notifications until ctx is done.
func (s *Sink) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-s.queue:
			s.sender.Send(n)
		}
	}
}

func (s *Sink) NotifyActivity(events.ActivityData) {}

func (s *Sink) NotifyUpdate(events.UpdateData) {}

// NotifyChange queues a notification for a rule event, dropping it when
// the queue is full.
func (s *Sink) NotifyChange(d events.RuleChangeData) {
	n := ruleNotification(d)
	select {
	case s.queue <- n:
	default:
		s.logger.Warn("notification queue full, dropping", "title", n.Title)
	}
}

func ruleNotification(d events.RuleChangeData) Notification {
	level := LevelWarning
	if d.Action == events.FixRestored || d.Type == events.ChangeUnchanged {
		level = LevelInfo
	}
	data := map[string]any{
		"rule_guid": d.Rule.GUID,
		"rule":      d.Rule.Name,
		"program":   d.Program.Name(),
		"set_guid":  d.SetGUID.String(),
		"type":      string(d.Type),
		"action":    string(d.Action),
	}
	if d.Diff != "" {
		data["diff"] = d.Diff
	}
	return Notification{
		Title:   fmt.Sprintf("Firewall rule %s: %s", d.Type, d.Rule.Name),
		Message: d.Message,
		Level:   level,
		Event:   string(d.Type),
		Data:    data,
	}
}
