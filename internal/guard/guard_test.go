package guard

import (
	"errors"
	"io"
	"sort"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/fwguard/internal/clock"
	"grimm.is/fwguard/internal/events"
	"grimm.is/fwguard/internal/firewall"
	"grimm.is/fwguard/internal/identity"
	"grimm.is/fwguard/internal/logging"
	"grimm.is/fwguard/internal/metrics"
	"grimm.is/fwguard/internal/program"
)

type testConfig struct {
	enabled bool
	mode    Mode
}

func (c *testConfig) GuardEnabled() bool { return c.enabled }
func (c *testConfig) GuardMode() string  { return c.mode.String() }

type transition struct {
	guid     string
	from, to program.State
}

type fixture struct {
	g           *Guard
	store       *firewall.MemoryStore
	sink        *events.Recorder
	reg         *program.Registry
	clk         *clock.MockClock
	cfg         *testConfig
	transitions []transition
}

var baseTime = time.Unix(1_700_000_000, 0)

func newFixture(t *testing.T, mode Mode, rules ...firewall.Rule) *fixture {
	t.Helper()
	f := &fixture{
		store: firewall.NewMemoryStore(rules...),
		sink:  &events.Recorder{},
		reg:   program.NewRegistry(),
		clk:   clock.NewMockClock(baseTime),
		cfg:   &testConfig{enabled: true, mode: mode},
	}
	f.g = New(Options{
		Registry: f.reg,
		Store:    f.store,
		Config:   f.cfg,
		Sink:     f.sink,
		Clock:    f.clk,
		Logger:   logging.New(logging.Config{Level: logging.LevelError, Output: io.Discard}),
		Metrics:  metrics.NewRegistry(prometheus.NewRegistry()),
		OnTransition: func(guid string, from, to program.State) {
			f.transitions = append(f.transitions, transition{guid, from, to})
		},
	})
	return f
}

// baseline runs the first load, which approves everything, and forgets
// what it recorded.
func (f *fixture) baseline(t *testing.T) {
	t.Helper()
	_, err := f.g.LoadRules()
	require.NoError(t, err)
	f.sink.Reset()
	f.store.Applied = nil
	f.store.Removed = nil
}

func (f *fixture) record(t *testing.T, guid string) *program.RuleRecord {
	t.Helper()
	rec, _ := f.reg.FindRule(guid)
	require.NotNil(t, rec, "record %s", guid)
	return rec
}

func testRule(guid, name, path string) firewall.Rule {
	return firewall.Rule{
		GUID:        guid,
		Name:        name,
		Program:     identity.Program(path),
		Enabled:     true,
		Action:      firewall.ActionAllow,
		Direction:   firewall.DirectionOutbound,
		Profile:     firewall.ProfileAll,
		Protocol:    firewall.ProtocolTCP,
		RemotePorts: "443",
	}
}

func TestLoadRules_FirstLoadApprovesAll(t *testing.T) {
	f := newFixture(t, ModeDisable,
		testRule("{A}", "curl https", "/usr/bin/curl"),
		testRule("{B}", "wget https", "/usr/bin/wget"),
	)

	rep, err := f.g.LoadRules()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"{A}", "{B}"}, rep.Added)

	for _, guid := range []string{"{A}", "{B}"} {
		assert.Equal(t, program.StateApproved, f.record(t, guid).State())
	}
	assert.Empty(t, f.sink.Changes())
	assert.Empty(t, f.store.Applied)
}

func TestLoadRules_EnumerationFailureMutatesNothing(t *testing.T) {
	f := newFixture(t, ModeFix, testRule("{A}", "curl https", "/usr/bin/curl"))
	f.baseline(t)

	changed := testRule("{A}", "curl https", "/usr/bin/curl")
	changed.RemotePorts = "80"
	f.store.Put(changed)
	f.store.FailLoad = errors.New("netlink: device busy")

	_, err := f.g.LoadRules()
	require.ErrorIs(t, err, ErrEnumerate)

	rec := f.record(t, "{A}")
	assert.Equal(t, program.StateApproved, rec.State())
	assert.Equal(t, "443", rec.RemotePorts)
	assert.Empty(t, f.sink.Changes())
	assert.Empty(t, f.store.Applied)
}

func TestRuleAdded(t *testing.T) {
	tests := []struct {
		mode        Mode
		wantEnabled bool
		wantAction  events.FixAction
	}{
		{ModeAlert, true, events.FixNone},
		{ModeDisable, false, events.FixDisabled},
		{ModeFix, false, events.FixDisabled},
	}

	for _, tt := range tests {
		t.Run(tt.mode.String(), func(t *testing.T) {
			f := newFixture(t, tt.mode, testRule("{A}", "curl https", "/usr/bin/curl"))
			f.baseline(t)

			f.store.Put(testRule("{B}", "nc listener", "/usr/bin/nc"))
			rep, err := f.g.LoadRules()
			require.NoError(t, err)
			assert.Equal(t, []string{"{B}"}, rep.Added)

			rec := f.record(t, "{B}")
			assert.Equal(t, program.StateUnknown, rec.State())
			assert.Equal(t, tt.wantEnabled, rec.Enabled)
			assert.Equal(t, !tt.wantEnabled, rec.HasBackup())

			ext, ok := f.store.Get("{B}")
			require.True(t, ok)
			assert.Equal(t, tt.wantEnabled, ext.Enabled)

			changes := f.sink.Changes()
			require.Len(t, changes, 1)
			assert.Equal(t, events.ChangeAdded, changes[0].Type)
			assert.Equal(t, tt.wantAction, changes[0].Action)
			assert.Equal(t, identity.Program("/usr/bin/nc"), changes[0].Program)
			assert.NotEmpty(t, changes[0].Message)
		})
	}
}

func TestRuleUpdated_DataChanged(t *testing.T) {
	tests := []struct {
		mode       Mode
		wantAction events.FixAction
		// external rule after the guard acted
		wantPorts   string
		wantEnabled bool
		wantBackup  bool
	}{
		{ModeAlert, events.FixNone, "80", true, false},
		{ModeDisable, events.FixDisabled, "80", false, true},
		{ModeFix, events.FixRestored, "443", true, true},
	}

	for _, tt := range tests {
		t.Run(tt.mode.String(), func(t *testing.T) {
			f := newFixture(t, tt.mode, testRule("{A}", "curl https", "/usr/bin/curl"))
			f.baseline(t)

			changed := testRule("{A}", "curl https", "/usr/bin/curl")
			changed.RemotePorts = "80"
			f.store.Put(changed)

			rep, err := f.g.LoadRules()
			require.NoError(t, err)
			assert.Equal(t, []string{"{A}"}, rep.Updated)

			rec := f.record(t, "{A}")
			assert.Equal(t, program.StateChanged, rec.State())
			assert.Equal(t, "443", rec.RemotePorts, "approved reference is kept")
			assert.True(t, rec.Enabled)
			assert.Equal(t, tt.wantBackup, rec.HasBackup())

			ext, _ := f.store.Get("{A}")
			assert.Equal(t, tt.wantPorts, ext.RemotePorts)
			assert.Equal(t, tt.wantEnabled, ext.Enabled)

			changes := f.sink.Changes()
			require.Len(t, changes, 1)
			assert.Equal(t, events.ChangeChanged, changes[0].Type)
			assert.Equal(t, tt.wantAction, changes[0].Action)
			require.NotNil(t, changes[0].Observed)
			assert.Contains(t, changes[0].Diff, "-remote: *:443")
			assert.Contains(t, changes[0].Diff, "+remote: *:80")

			// The next pass confirms a restore and is silent otherwise.
			applied := len(f.store.Applied)
			rep, err = f.g.LoadRules()
			require.NoError(t, err)
			assert.Len(t, f.store.Applied, applied)
			assert.Empty(t, f.store.Removed)
			assert.Equal(t, []string{"{A}"}, rep.Unchanged)
			want := 1
			if tt.mode == ModeFix {
				want = 2
				assert.Equal(t, program.StateApproved, rec.State())
				assert.False(t, rec.HasBackup())
				require.Len(t, f.sink.Changes(), 2)
				assert.Equal(t, events.ChangeUnchanged, f.sink.Changes()[1].Type)
			} else {
				assert.Equal(t, program.StateChanged, rec.State())
			}

			for i := 0; i < 2; i++ {
				_, err = f.g.LoadRules()
				require.NoError(t, err)
			}
			assert.Len(t, f.sink.Changes(), want)
			assert.Len(t, f.store.Applied, applied)
		})
	}
}

func TestRuleUpdated_Recovers(t *testing.T) {
	orig := testRule("{A}", "curl https", "/usr/bin/curl")
	f := newFixture(t, ModeAlert, orig)
	f.baseline(t)

	changed := orig
	changed.Action = firewall.ActionBlock
	f.store.Put(changed)
	_, err := f.g.LoadRules()
	require.NoError(t, err)
	require.Equal(t, program.StateChanged, f.record(t, "{A}").State())

	f.store.Put(orig)
	_, err = f.g.LoadRules()
	require.NoError(t, err)

	assert.Equal(t, program.StateApproved, f.record(t, "{A}").State())
	changes := f.sink.Changes()
	require.Len(t, changes, 2)
	assert.Equal(t, events.ChangeUnchanged, changes[1].Type)
	assert.Equal(t, events.FixNone, changes[1].Action)
}

func TestRuleUpdated_NameChangeIsCosmetic(t *testing.T) {
	f := newFixture(t, ModeDisable, testRule("{A}", "curl https", "/usr/bin/curl"))
	f.baseline(t)

	renamed := testRule("{A}", "curl (renamed)", "/usr/bin/curl")
	renamed.Description = "fetches things"
	f.store.Put(renamed)
	_, err := f.g.LoadRules()
	require.NoError(t, err)

	rec := f.record(t, "{A}")
	assert.Equal(t, program.StateApproved, rec.State())
	assert.Equal(t, "curl (renamed)", rec.Name)
	assert.Equal(t, "fetches things", rec.Description)
	assert.Empty(t, f.store.Applied)

	changes := f.sink.Changes()
	require.Len(t, changes, 1)
	assert.Equal(t, events.ChangeChanged, changes[0].Type)
	assert.Equal(t, events.FixUpdated, changes[0].Action)
}

func TestRuleUpdated_TargetChange(t *testing.T) {
	f := newFixture(t, ModeDisable, testRule("{A}", "downloader", "/usr/bin/curl"))
	f.baseline(t)

	moved := testRule("{A}", "downloader", "/usr/bin/wget")
	f.store.Put(moved)
	_, err := f.g.LoadRules()
	require.NoError(t, err)

	changes := f.sink.Changes()
	require.Len(t, changes, 2)
	assert.Equal(t, events.ChangeRemoved, changes[0].Type)
	assert.Equal(t, identity.Program("/usr/bin/curl"), changes[0].Program)
	assert.Equal(t, events.ChangeAdded, changes[1].Type)
	assert.Equal(t, identity.Program("/usr/bin/wget"), changes[1].Program)
	assert.Equal(t, events.FixDisabled, changes[1].Action)
	for _, c := range changes {
		assert.NotEqual(t, events.ChangeChanged, c.Type)
	}

	// The approved binding survives under a new guid.
	curl := f.reg.Program(identity.Program("/usr/bin/curl"))
	require.NotNil(t, curl)
	require.Equal(t, 1, curl.RuleCount())
	old := curl.Rules()[0]
	assert.NotEqual(t, "{A}", old.GUID)
	assert.Equal(t, program.StateDeleted, old.State())

	rec, p := f.reg.FindRule("{A}")
	require.NotNil(t, rec)
	assert.Equal(t, identity.Program("/usr/bin/wget"), p.ID)
	assert.Equal(t, program.StateUnknown, rec.State())

	_, err = f.g.LoadRules()
	require.NoError(t, err)
	assert.Len(t, f.sink.Changes(), 2)
}

func TestRuleUpdated_TargetChangeOfUnapprovedRule(t *testing.T) {
	f := newFixture(t, ModeAlert, testRule("{A}", "curl https", "/usr/bin/curl"))
	f.baseline(t)

	f.store.Put(testRule("{B}", "downloader", "/usr/bin/curl"))
	_, err := f.g.LoadRules()
	require.NoError(t, err)
	f.sink.Reset()

	f.store.Put(testRule("{B}", "downloader", "/usr/bin/wget"))
	_, err = f.g.LoadRules()
	require.NoError(t, err)

	changes := f.sink.Changes()
	require.Len(t, changes, 2)
	assert.Equal(t, events.ChangeRemoved, changes[0].Type)
	assert.Equal(t, events.FixDeleted, changes[0].Action)
	assert.Equal(t, events.ChangeAdded, changes[1].Type)
	assert.Equal(t, 1, f.reg.Program(identity.Program("/usr/bin/curl")).RuleCount())
}

func TestRuleRemoved(t *testing.T) {
	tests := []struct {
		mode       Mode
		wantAction events.FixAction
		wantExists bool
	}{
		{ModeAlert, events.FixNone, false},
		{ModeDisable, events.FixNone, false},
		{ModeFix, events.FixRestored, true},
	}

	for _, tt := range tests {
		t.Run(tt.mode.String(), func(t *testing.T) {
			f := newFixture(t, tt.mode, testRule("{A}", "curl https", "/usr/bin/curl"))
			f.baseline(t)

			f.store.Delete("{A}")
			rep, err := f.g.LoadRules()
			require.NoError(t, err)
			assert.Equal(t, []string{"{A}"}, rep.Removed)

			assert.Equal(t, program.StateDeleted, f.record(t, "{A}").State())
			_, exists := f.store.Get("{A}")
			assert.Equal(t, tt.wantExists, exists)

			changes := f.sink.Changes()
			require.Len(t, changes, 1)
			assert.Equal(t, events.ChangeRemoved, changes[0].Type)
			assert.Equal(t, tt.wantAction, changes[0].Action)

			_, err = f.g.LoadRules()
			require.NoError(t, err)
			want := 1
			if tt.wantExists {
				// The restored rule is back and identical.
				want = 2
				assert.Equal(t, program.StateApproved, f.record(t, "{A}").State())
				require.Len(t, f.sink.Changes(), 2)
				assert.Equal(t, events.ChangeUnchanged, f.sink.Changes()[1].Type)
			} else {
				assert.Equal(t, program.StateDeleted, f.record(t, "{A}").State())
			}

			for i := 0; i < 2; i++ {
				_, err = f.g.LoadRules()
				require.NoError(t, err)
			}
			assert.Len(t, f.sink.Changes(), want)
		})
	}
}

func TestRuleRemoved_UnapprovedIsDropped(t *testing.T) {
	f := newFixture(t, ModeFix, testRule("{A}", "curl https", "/usr/bin/curl"))
	f.baseline(t)

	f.store.Put(testRule("{B}", "nc listener", "/usr/bin/nc"))
	_, err := f.g.LoadRules()
	require.NoError(t, err)

	f.store.Delete("{B}")
	_, err = f.g.LoadRules()
	require.NoError(t, err)

	rec, _ := f.reg.FindRule("{B}")
	assert.Nil(t, rec)
	_, exists := f.store.Get("{B}")
	assert.False(t, exists)

	changes := f.sink.Changes()
	require.Len(t, changes, 2)
	assert.Equal(t, events.ChangeRemoved, changes[1].Type)
	assert.Equal(t, events.FixDeleted, changes[1].Action)
}

func TestRuleRemoved_FailedRestoreRetries(t *testing.T) {
	f := newFixture(t, ModeFix, testRule("{A}", "curl https", "/usr/bin/curl"))
	f.baseline(t)

	f.store.Delete("{A}")
	f.store.Fail = errors.New("permission denied")
	_, err := f.g.LoadRules()
	require.NoError(t, err)

	rec := f.record(t, "{A}")
	assert.Equal(t, program.StateChanged, rec.State(), "a failed write never advances to deleted")

	f.store.Fail = nil
	_, err = f.g.LoadRules()
	require.NoError(t, err)

	assert.Equal(t, program.StateDeleted, rec.State())
	_, exists := f.store.Get("{A}")
	assert.True(t, exists)
}

func TestLoadRules_Completeness(t *testing.T) {
	f := newFixture(t, ModeAlert,
		testRule("{A}", "a", "/usr/bin/a"),
		testRule("{B}", "b", "/usr/bin/b"),
		testRule("{C}", "c", "/usr/bin/c"),
	)
	f.baseline(t)

	b := testRule("{B}", "b", "/usr/bin/b")
	b.LocalPorts = "8080"
	f.store.Put(b)
	f.store.Delete("{C}")
	f.store.Put(testRule("{D}", "d", "/usr/bin/d"))

	rep, err := f.g.LoadRules()
	require.NoError(t, err)

	assert.Equal(t, []string{"{D}"}, rep.Added)
	assert.Equal(t, []string{"{B}"}, rep.Updated)
	assert.Equal(t, []string{"{C}"}, rep.Removed)
	assert.Equal(t, []string{"{A}"}, rep.Unchanged)
	assert.Equal(t, []string{"{A}", "{B}", "{C}", "{D}"}, rep.Touched())
}

func TestStateTransitionsStayOnAllowedEdges(t *testing.T) {
	for _, mode := range []Mode{ModeAlert, ModeDisable, ModeFix} {
		t.Run(mode.String(), func(t *testing.T) {
			a := testRule("{A}", "a", "/usr/bin/a")
			f := newFixture(t, mode, a, testRule("{B}", "b", "/usr/bin/b"))
			f.baseline(t)

			steps := []func(){
				func() { c := a; c.Enabled = false; f.store.Put(c) },
				func() { f.store.Put(a) },
				func() { f.store.Delete("{A}") },
				func() { f.store.Put(a) },
				func() { f.store.Put(testRule("{C}", "c", "/usr/bin/c")) },
				func() { c := testRule("{C}", "c", "/usr/bin/c"); c.RemotePorts = "22"; f.store.Put(c) },
				func() { f.store.Put(testRule("{B}", "b", "/usr/bin/other")) },
				func() { f.store.Delete("{C}") },
			}
			for _, step := range steps {
				step()
				_, err := f.g.LoadRules()
				require.NoError(t, err)
			}
			_, err := f.g.SetRuleApproval(RestoreRules, "")
			require.NoError(t, err)
			_, err = f.g.SetRuleApproval(ApproveCurrent, "")
			require.NoError(t, err)

			require.NotEmpty(t, f.transitions)
			for _, tr := range f.transitions {
				assert.NotEqual(t, tr.from, tr.to)
				assert.True(t, program.CanTransition(tr.from, tr.to), "%s: %s -> %s", tr.guid, tr.from, tr.to)
			}
			for _, ref := range f.reg.AllRules() {
				if ref.Record.State() == program.StateApproved {
					assert.False(t, ref.Record.HasBackup())
				}
			}
		})
	}
}

func TestCleanupRules(t *testing.T) {
	temp := testRule("{T}", "fwguard-temp - curl", "/usr/bin/curl")
	perm := testRule("{P}", "curl https", "/usr/bin/curl")
	f := newFixture(t, ModeAlert, temp, perm)
	f.baseline(t)

	assert.Equal(t, uint64(baseTime.Unix()), f.record(t, "{T}").Expiration)
	assert.Zero(t, f.record(t, "{P}").Expiration)

	later := testRule("", "curl for an hour", "/usr/bin/curl")
	require.True(t, f.g.UpdateRule(later, uint64(baseTime.Add(time.Hour).Unix())))

	assert.Equal(t, 1, f.g.CleanupRules(false))
	_, exists := f.store.Get("{T}")
	assert.False(t, exists)
	assert.Equal(t, 2, f.reg.RuleCount())

	f.clk.Advance(2 * time.Hour)
	assert.Equal(t, 1, f.g.CleanupRules(false))
	assert.Equal(t, 1, f.reg.RuleCount())

	assert.Zero(t, f.g.CleanupRules(true), "rules without expiration are never swept")
	f.record(t, "{P}")
	assert.NotEmpty(t, f.sink.Updates())
}

func TestCleanupRules_ForcedAndFailing(t *testing.T) {
	f := newFixture(t, ModeAlert, testRule("{P}", "curl https", "/usr/bin/curl"))
	f.baseline(t)

	for i := 0; i < 3; i++ {
		require.True(t, f.g.UpdateRule(testRule("", "timed", "/usr/bin/curl"), uint64(baseTime.Add(24*time.Hour).Unix())))
	}

	f.store.Fail = errors.New("busy")
	assert.Zero(t, f.g.CleanupRules(true))
	assert.Equal(t, 4, f.reg.RuleCount())

	f.store.Fail = nil
	assert.Equal(t, 3, f.g.CleanupRules(true))
	assert.Equal(t, []string{"{P}"}, f.store.GUIDs())
}

func TestProcessRuleChanges(t *testing.T) {
	f := newFixture(t, ModeDisable, testRule("{A}", "curl https", "/usr/bin/curl"))
	f.baseline(t)

	f.store.Put(testRule("{B}", "nc listener", "/usr/bin/nc"))
	f.g.QueueRuleChange(firewall.RuleChange{ID: "{B}", Name: "nc listener"})
	f.g.QueueRuleChange(firewall.RuleChange{ID: "{B}", Name: "nc listener"})
	assert.Equal(t, 1, f.g.PendingChanges())

	require.NoError(t, f.g.ProcessRuleChanges())
	assert.Zero(t, f.g.PendingChanges())
	changes := f.sink.Changes()
	require.Len(t, changes, 1)
	assert.Equal(t, events.ChangeAdded, changes[0].Type)
	assert.Equal(t, events.FixDisabled, changes[0].Action)

	// The disable we just wrote comes back as a notification.
	f.g.QueueRuleChange(firewall.RuleChange{ID: "{B}"})
	require.NoError(t, f.g.ProcessRuleChanges())
	assert.Len(t, f.sink.Changes(), 1)

	f.store.Delete("{A}")
	f.g.QueueRuleChange(firewall.RuleChange{ID: "{A}"})
	require.NoError(t, f.g.ProcessRuleChanges())
	changes = f.sink.Changes()
	require.Len(t, changes, 2)
	assert.Equal(t, events.ChangeRemoved, changes[1].Type)
	assert.Equal(t, program.StateDeleted, f.record(t, "{A}").State())

	// Notifications for an already deleted rule do not repeat the event.
	f.g.QueueRuleChange(firewall.RuleChange{ID: "{A}"})
	require.NoError(t, f.g.ProcessRuleChanges())
	assert.Len(t, f.sink.Changes(), 2)
}

func TestProcessRuleChanges_FixRestoreRecovers(t *testing.T) {
	f := newFixture(t, ModeFix, testRule("{A}", "curl https", "/usr/bin/curl"))
	f.baseline(t)

	changed := testRule("{A}", "curl https", "/usr/bin/curl")
	changed.RemotePorts = "80"
	f.store.Put(changed)
	f.g.QueueRuleChange(firewall.RuleChange{ID: "{A}"})
	require.NoError(t, f.g.ProcessRuleChanges())

	rec := f.record(t, "{A}")
	assert.Equal(t, program.StateChanged, rec.State())
	ext, _ := f.store.Get("{A}")
	assert.Equal(t, "443", ext.RemotePorts)

	// The restore comes back as a notification and confirms the record.
	f.g.QueueRuleChange(firewall.RuleChange{ID: "{A}"})
	require.NoError(t, f.g.ProcessRuleChanges())
	assert.Equal(t, program.StateApproved, rec.State())
	changes := f.sink.Changes()
	require.Len(t, changes, 2)
	assert.Equal(t, events.FixRestored, changes[0].Action)
	assert.Equal(t, events.ChangeUnchanged, changes[1].Type)

	f.g.QueueRuleChange(firewall.RuleChange{ID: "{A}"})
	require.NoError(t, f.g.ProcessRuleChanges())
	_, err := f.g.LoadRules()
	require.NoError(t, err)
	assert.Len(t, f.sink.Changes(), 2)
}

func TestProcessRuleChanges_KeepsQueueOnFailure(t *testing.T) {
	f := newFixture(t, ModeAlert, testRule("{A}", "curl https", "/usr/bin/curl"))
	f.baseline(t)

	f.store.FailLoad = errors.New("timeout")
	f.g.QueueRuleChange(firewall.RuleChange{ID: "{A}"})
	require.ErrorIs(t, f.g.ProcessRuleChanges(), ErrEnumerate)
	assert.Equal(t, 1, f.g.PendingChanges())
}

func TestModeOffMirrors(t *testing.T) {
	f := newFixture(t, ModeAlert, testRule("{A}", "curl https", "/usr/bin/curl"))
	f.cfg.enabled = false
	f.baseline(t)

	changed := testRule("{A}", "curl https", "/usr/bin/curl")
	changed.RemotePorts = "80"
	f.store.Put(changed)
	f.store.Put(testRule("{B}", "nc listener", "/usr/bin/nc"))

	rep, err := f.g.LoadRules()
	require.NoError(t, err)
	assert.Equal(t, []string{"{B}"}, rep.Added)
	assert.Equal(t, []string{"{A}"}, rep.Updated)

	for _, guid := range []string{"{A}", "{B}"} {
		assert.Equal(t, program.StateApproved, f.record(t, guid).State())
	}
	assert.Equal(t, "80", f.record(t, "{A}").RemotePorts)
	assert.Empty(t, f.sink.Changes())
	assert.Empty(t, f.store.Applied)

	f.store.Delete("{B}")
	f.g.QueueRuleChange(firewall.RuleChange{ID: "{B}"})
	require.NoError(t, f.g.ProcessRuleChanges())
	rec, _ := f.reg.FindRule("{B}")
	assert.Nil(t, rec)
}

func TestSetRuleApproval(t *testing.T) {
	changedRule := func() firewall.Rule {
		r := testRule("{A}", "curl https", "/usr/bin/curl")
		r.RemotePorts = "80"
		return r
	}

	t.Run("approve current", func(t *testing.T) {
		f := newFixture(t, ModeDisable, testRule("{A}", "curl https", "/usr/bin/curl"))
		f.baseline(t)
		f.store.Put(changedRule())
		_, err := f.g.LoadRules()
		require.NoError(t, err)
		applied := len(f.store.Applied)

		n, err := f.g.SetRuleApproval(ApproveCurrent, "{A}")
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		rec := f.record(t, "{A}")
		assert.Equal(t, program.StateApproved, rec.State())
		assert.False(t, rec.HasBackup())
		assert.Equal(t, "80", rec.RemotePorts)
		assert.False(t, rec.Enabled)
		assert.Len(t, f.store.Applied, applied)

		n, err = f.g.SetRuleApproval(ApproveCurrent, "{A}")
		require.NoError(t, err)
		assert.Zero(t, n)
		assert.Len(t, f.store.Applied, applied)
	})

	t.Run("approve changes", func(t *testing.T) {
		f := newFixture(t, ModeDisable, testRule("{A}", "curl https", "/usr/bin/curl"))
		f.baseline(t)
		f.store.Put(changedRule())
		_, err := f.g.LoadRules()
		require.NoError(t, err)

		n, err := f.g.SetRuleApproval(ApproveChanges, "")
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		ext, _ := f.store.Get("{A}")
		assert.True(t, ext.Enabled)
		assert.Equal(t, "80", ext.RemotePorts)
		rec := f.record(t, "{A}")
		assert.Equal(t, program.StateApproved, rec.State())
		assert.Equal(t, "80", rec.RemotePorts)
		assert.True(t, rec.Enabled)

		applied := len(f.store.Applied)
		n, err = f.g.SetRuleApproval(ApproveChanges, "")
		require.NoError(t, err)
		assert.Zero(t, n)
		assert.Len(t, f.store.Applied, applied)
	})

	t.Run("restore", func(t *testing.T) {
		f := newFixture(t, ModeDisable, testRule("{A}", "curl https", "/usr/bin/curl"))
		f.baseline(t)
		f.store.Put(changedRule())
		_, err := f.g.LoadRules()
		require.NoError(t, err)

		n, err := f.g.SetRuleApproval(RestoreRules, "{A}")
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		ext, _ := f.store.Get("{A}")
		assert.True(t, ext.Enabled)
		assert.Equal(t, "443", ext.RemotePorts)
		assert.Equal(t, program.StateApproved, f.record(t, "{A}").State())

		applied := len(f.store.Applied)
		n, err = f.g.SetRuleApproval(RestoreRules, "{A}")
		require.NoError(t, err)
		assert.Zero(t, n)
		assert.Len(t, f.store.Applied, applied)

		// The restore is not reported as a new divergence.
		_, err = f.g.LoadRules()
		require.NoError(t, err)
		assert.Len(t, f.sink.Changes(), 1)
	})

	t.Run("restore deletes unapproved insertions", func(t *testing.T) {
		f := newFixture(t, ModeAlert, testRule("{A}", "curl https", "/usr/bin/curl"))
		f.baseline(t)
		f.store.Put(testRule("{B}", "nc listener", "/usr/bin/nc"))
		_, err := f.g.LoadRules()
		require.NoError(t, err)

		n, err := f.g.SetRuleApproval(RestoreRules, "")
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		_, exists := f.store.Get("{B}")
		assert.False(t, exists)
		rec, _ := f.reg.FindRule("{B}")
		assert.Nil(t, rec)
	})

	t.Run("restore deleted", func(t *testing.T) {
		f := newFixture(t, ModeAlert, testRule("{A}", "curl https", "/usr/bin/curl"))
		f.baseline(t)
		f.store.Delete("{A}")
		_, err := f.g.LoadRules()
		require.NoError(t, err)

		n, err := f.g.SetRuleApproval(RestoreRules, "{A}")
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		_, exists := f.store.Get("{A}")
		assert.True(t, exists)
		assert.Equal(t, program.StateApproved, f.record(t, "{A}").State())
	})

	t.Run("approve deletion", func(t *testing.T) {
		f := newFixture(t, ModeAlert, testRule("{A}", "curl https", "/usr/bin/curl"))
		f.baseline(t)
		f.store.Delete("{A}")
		_, err := f.g.LoadRules()
		require.NoError(t, err)

		n, err := f.g.SetRuleApproval(ApproveCurrent, "{A}")
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		rec, _ := f.reg.FindRule("{A}")
		assert.Nil(t, rec)
	})

	t.Run("failed write keeps state", func(t *testing.T) {
		f := newFixture(t, ModeDisable, testRule("{A}", "curl https", "/usr/bin/curl"))
		f.baseline(t)
		f.store.Put(changedRule())
		_, err := f.g.LoadRules()
		require.NoError(t, err)

		f.store.Fail = errors.New("read-only")
		n, err := f.g.SetRuleApproval(RestoreRules, "{A}")
		require.NoError(t, err)
		assert.Zero(t, n)
		assert.Equal(t, program.StateChanged, f.record(t, "{A}").State())
	})

	t.Run("unknown guid", func(t *testing.T) {
		f := newFixture(t, ModeAlert)
		_, err := f.g.SetRuleApproval(ApproveCurrent, "{missing}")
		assert.ErrorIs(t, err, firewall.ErrRuleNotFound)
	})
}

func TestUpdateRule_SplitsBidirectional(t *testing.T) {
	f := newFixture(t, ModeAlert)

	rule := testRule("", "ssh", "/usr/sbin/sshd")
	rule.Direction = firewall.DirectionBidirectional
	require.True(t, f.g.UpdateRule(rule, 0))

	p := f.reg.Program(identity.Program("/usr/sbin/sshd"))
	require.NotNil(t, p)
	require.Equal(t, 2, p.RuleCount())

	var dirs []string
	for _, rec := range p.Rules() {
		assert.Equal(t, program.StateApproved, rec.State())
		dirs = append(dirs, rec.Direction.String())
	}
	sort.Strings(dirs)
	assert.Equal(t, []string{"in", "out"}, dirs)
	assert.Len(t, f.store.GUIDs(), 2)
}

func TestUpdateRule_MovesBetweenPrograms(t *testing.T) {
	f := newFixture(t, ModeAlert, testRule("{A}", "curl https", "/usr/bin/curl"))
	f.baseline(t)

	require.True(t, f.g.UpdateRule(testRule("{A}", "curl https", "/usr/bin/wget"), 0))
	assert.Zero(t, f.reg.Program(identity.Program("/usr/bin/curl")).RuleCount())
	_, p := f.reg.FindRule("{A}")
	assert.Equal(t, identity.Program("/usr/bin/wget"), p.ID)

	require.True(t, f.g.RemoveRule("{A}"))
	assert.Empty(t, f.store.GUIDs())
	assert.Zero(t, f.reg.RuleCount())
}

func TestBlockInternet(t *testing.T) {
	f := newFixture(t, ModeAlert)

	require.True(t, f.g.BlockInternet(true))
	require.True(t, f.g.BlockInternet(true))

	global := f.reg.Program(identity.Global())
	require.NotNil(t, global)
	assert.Equal(t, 2, global.RuleCount())
	for _, rec := range global.Rules() {
		assert.Equal(t, firewall.ActionBlock, rec.Action)
		assert.True(t, rec.Enabled)
	}

	require.True(t, f.g.BlockInternet(false))
	assert.Zero(t, global.RuleCount())
	assert.Empty(t, f.store.GUIDs())
}

func TestGetRulesShowsLiveRuleForChanged(t *testing.T) {
	f := newFixture(t, ModeAlert, testRule("{A}", "curl https", "/usr/bin/curl"))
	f.baseline(t)

	changed := testRule("{A}", "curl https", "/usr/bin/curl")
	changed.RemotePorts = "80"
	f.store.Put(changed)
	_, err := f.g.LoadRules()
	require.NoError(t, err)

	_, p := f.reg.FindRule("{A}")
	views := f.g.GetRules(nil)
	require.Len(t, views[p.Set().GUID], 1)

	v := views[p.Set().GUID][0]
	assert.Equal(t, "changed", v.State)
	assert.Equal(t, "80", v.RemotePorts)
	require.NotNil(t, v.Approved)
	assert.Equal(t, "443", v.Approved.RemotePorts)
}

func TestParseMode(t *testing.T) {
	for _, m := range []Mode{ModeOff, ModeAlert, ModeDisable, ModeFix} {
		got, err := ParseMode(m.String())
		require.NoError(t, err)
		assert.Equal(t, m, got)
	}
	_, err := ParseMode("panic")
	assert.Error(t, err)
}

func TestParseApprovalMode(t *testing.T) {
	for _, m := range []ApprovalMode{ApproveCurrent, RestoreRules, ApproveChanges} {
		got, err := ParseApprovalMode(m.String())
		require.NoError(t, err)
		assert.Equal(t, m, got)
	}
	_, err := ParseApprovalMode("approve-all")
	assert.Error(t, err)
}
