package notification

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/fwguard/internal/config"
	"grimm.is/fwguard/internal/events"
	"grimm.is/fwguard/internal/firewall"
	"grimm.is/fwguard/internal/identity"
)

type capture struct {
	mu       sync.Mutex
	bodies   [][]byte
	headers  []http.Header
	paths    []string
	response int
}

func (c *capture) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		c.mu.Lock()
		c.bodies = append(c.bodies, body)
		c.headers = append(c.headers, r.Header.Clone())
		c.paths = append(c.paths, r.URL.Path)
		code := c.response
		c.mu.Unlock()
		if code == 0 {
			code = http.StatusOK
		}
		w.WriteHeader(code)
	})
}

func (c *capture) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.bodies)
}

func serve(t *testing.T, c *capture) string {
	t.Helper()
	srv := httptest.NewServer(c.handler())
	t.Cleanup(srv.Close)
	return srv.URL
}

func dispatcher(channels ...config.NotificationChannel) *Dispatcher {
	return NewDispatcher(&config.NotificationsConfig{Enabled: true, Channels: channels}, nil)
}

func changed(level string) Notification {
	return Notification{
		Title:   "Firewall rule changed: curl out",
		Message: "remote ports differ",
		Level:   level,
		Event:   string(events.ChangeChanged),
		Data:    map[string]any{"diff": "-RemotePorts 443\n+RemotePorts *"},
	}
}

func TestDispatcher_Webhook(t *testing.T) {
	c := &capture{}
	url := serve(t, c)

	d := dispatcher(config.NotificationChannel{
		Name:    "hook",
		Type:    "webhook",
		URL:     url + "/hook",
		Token:   "s3cret",
		Headers: map[string]string{"X-Site": "lab"},
	})
	d.Send(changed(LevelWarning))

	require.Equal(t, 1, c.count())
	assert.Equal(t, "/hook", c.paths[0])
	assert.Equal(t, "Bearer s3cret", c.headers[0].Get("Authorization"))
	assert.Equal(t, "lab", c.headers[0].Get("X-Site"))
	assert.NotEmpty(t, c.headers[0].Get("User-Agent"))

	var got map[string]any
	require.NoError(t, json.Unmarshal(c.bodies[0], &got))
	assert.Equal(t, "changed", got["event"])
	assert.Equal(t, LevelWarning, got["level"])
	assert.NotEmpty(t, got["source"])
	assert.NotEmpty(t, got["host"])
}

func TestDispatcher_Ntfy(t *testing.T) {
	c := &capture{}
	url := serve(t, c)

	d := dispatcher(config.NotificationChannel{Name: "phone", Type: "ntfy", URL: url + "/", Topic: "fw-alerts"})
	d.Send(changed(LevelCritical))

	require.Equal(t, 1, c.count())
	assert.Equal(t, "/fw-alerts", c.paths[0])
	assert.Equal(t, "high", c.headers[0].Get("Priority"))
	assert.Contains(t, c.headers[0].Get("Tags"), "changed")
	assert.Equal(t, "Firewall rule changed: curl out", c.headers[0].Get("Title"))
	assert.Contains(t, string(c.bodies[0]), "+RemotePorts *")
}

func TestDispatcher_Pushover(t *testing.T) {
	c := &capture{}
	url := serve(t, c)

	old := PushoverURL
	PushoverURL = url + "/1/messages.json"
	defer func() { PushoverURL = old }()

	d := dispatcher(config.NotificationChannel{Name: "po", Type: "pushover", Token: "app", UserKey: "user"})
	d.Send(changed(LevelCritical))

	require.Equal(t, 1, c.count())
	var got map[string]any
	require.NoError(t, json.Unmarshal(c.bodies[0], &got))
	assert.Equal(t, "app", got["token"])
	assert.Equal(t, "user", got["user"])
	assert.EqualValues(t, 1, got["priority"])
}

func TestDispatcher_Filtering(t *testing.T) {
	c := &capture{}
	url := serve(t, c)

	d := dispatcher(
		config.NotificationChannel{Name: "critical-only", Type: "webhook", URL: url, Level: LevelCritical},
		config.NotificationChannel{Name: "removals", Type: "webhook", URL: url, Events: []string{"removed"}},
		config.NotificationChannel{Name: "off", Type: "webhook", URL: url, Disabled: true},
	)
	d.Send(changed(LevelWarning))
	assert.Zero(t, c.count())

	d.Send(changed(LevelCritical))
	assert.Equal(t, 1, c.count())

	n := changed(LevelInfo)
	n.Event = "removed"
	d.Send(n)
	assert.Equal(t, 2, c.count())

	d.UpdateConfig(&config.NotificationsConfig{Enabled: false, Channels: d.config.Channels})
	d.Send(changed(LevelCritical))
	assert.Equal(t, 2, c.count())
}

func TestDispatcher_ErrorStatusIsNotFatal(t *testing.T) {
	c := &capture{response: http.StatusInternalServerError}
	url := serve(t, c)

	d := dispatcher(config.NotificationChannel{Name: "hook", Type: "webhook", URL: url})
	err := d.sendToChannel(d.config.Channels[0], changed(LevelWarning))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")

	d.Send(changed(LevelWarning))
	assert.Equal(t, 2, c.count())
}

func TestDispatcher_UnknownType(t *testing.T) {
	d := dispatcher()
	err := d.sendToChannel(config.NotificationChannel{Name: "x", Type: "pager"}, changed(LevelInfo))
	assert.ErrorContains(t, err, "unknown channel type")
}

func TestWants(t *testing.T) {
	n := changed(LevelWarning)
	assert.True(t, wants(config.NotificationChannel{}, n))
	assert.True(t, wants(config.NotificationChannel{Level: "WARNING"}, n))
	assert.False(t, wants(config.NotificationChannel{Level: LevelCritical}, n))
	assert.True(t, wants(config.NotificationChannel{Events: []string{"added", "changed"}}, n))
	assert.False(t, wants(config.NotificationChannel{Events: []string{"added"}}, n))
	assert.False(t, wants(config.NotificationChannel{Disabled: true}, n))
}

func TestPlainBody(t *testing.T) {
	assert.Equal(t, "hi", plainBody(Notification{Message: "hi"}))
	assert.Equal(t, "hi\n\n+x", plainBody(Notification{Message: "hi", Data: map[string]any{"diff": "+x"}}))
}

type recordingSender struct {
	ch chan Notification
}

func (r *recordingSender) Send(n Notification) { r.ch <- n }

func TestSink_RuleChanges(t *testing.T) {
	sender := &recordingSender{ch: make(chan Notification, 4)}
	s := NewSink(sender, 4, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	set := uuid.New()
	s.NotifyActivity(events.ActivityData{})
	s.NotifyUpdate(events.UpdateData{})
	s.NotifyChange(events.RuleChangeData{
		SetGUID: set,
		Program: identity.Program("/usr/bin/curl"),
		Rule:    firewall.Rule{GUID: "r1", Name: "curl out"},
		Type:    events.ChangeRemoved,
		Action:  events.FixRestored,
		Message: "restored",
	})
	s.NotifyChange(events.RuleChangeData{
		Rule:    firewall.Rule{GUID: "r2", Name: "ssh in"},
		Type:    events.ChangeAdded,
		Action:  events.FixNone,
		Diff:    "+x",
		Message: "added",
	})

	first := receive(t, sender.ch)
	assert.Equal(t, LevelInfo, first.Level)
	assert.Equal(t, "restored", first.Message)
	assert.Equal(t, "curl", first.Data["program"])
	assert.Equal(t, set.String(), first.Data["set_guid"])
	assert.Contains(t, first.Title, "curl out")

	second := receive(t, sender.ch)
	assert.Equal(t, LevelWarning, second.Level)
	assert.Equal(t, "r2", second.Data["rule_guid"])
	assert.Equal(t, "+x", second.Data["diff"])
	assert.Equal(t, "added", second.Event)
}

func TestSink_DropsWhenFull(t *testing.T) {
	sender := &recordingSender{ch: make(chan Notification, 4)}
	s := NewSink(sender, 1, nil)

	s.NotifyChange(events.RuleChangeData{Rule: firewall.Rule{Name: "a"}})
	s.NotifyChange(events.RuleChangeData{Rule: firewall.Rule{Name: "b"}})
	assert.Len(t, s.queue, 1)
}

func receive(t *testing.T, ch <-chan Notification) Notification {
	t.Helper()
	select {
	case n := <-ch:
		return n
	case <-time.After(2 * time.Second):
		t.Fatal("no notification delivered")
		return Notification{}
	}
}
