package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"slices"
	"strings"
	"text/tabwriter"

	"gopkg.in/yaml.v2"

	"grimm.is/fwguard/internal/brand"
	"grimm.is/fwguard/internal/config"
	"grimm.is/fwguard/internal/engine"
	"grimm.is/fwguard/internal/firewall"
	"grimm.is/fwguard/internal/guard"
	"grimm.is/fwguard/internal/logging"
	"grimm.is/fwguard/internal/state"
)

const rulesUsage = "usage: %s rules {list|approve|approve-changes|restore|cleanup} [-c config-file] [-o format] [-all] [guid]"

// session is a one-shot engine over the persisted registry. Operations run
// inline on the caller's goroutine.
type session struct {
	state  *state.SQLiteStore
	engine *engine.Engine
	report guard.Report
}

// openSession loads the registry and reconciles it with store.
func openSession(ctx context.Context, cfgStore *config.FileStore, store firewall.RuleStore, logger *logging.Logger) (*session, error) {
	cfg := cfgStore.Config()
	st, err := state.NewSQLiteStore(state.DefaultOptions(cfg.State.Path))
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}
	eng, err := engine.New(ctx, engine.Options{
		Settings:  engine.NewSettings(cfg),
		Config:    cfgStore,
		Store:     store,
		Persister: st,
		Logger:    logger,
	})
	if err != nil {
		st.Close()
		return nil, err
	}
	report, err := eng.LoadRules(ctx)
	if err != nil {
		st.Close()
		return nil, err
	}
	return &session{state: st, engine: eng, report: report}, nil
}

// Close persists the registry.
func (s *session) Close(ctx context.Context) error {
	err := s.engine.Save(ctx)
	if cerr := s.state.Close(); err == nil {
		err = cerr
	}
	return err
}

// RunRules runs a rules subcommand against the configured rule store.
func RunRules(w io.Writer, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf(rulesUsage, brand.BinaryName)
	}
	sub := args[0]

	fs := flag.NewFlagSet("rules "+sub, flag.ContinueOnError)
	fs.SetOutput(w)
	configFile := fs.String("config", brand.DefaultConfigPath(), "Configuration file")
	fs.StringVar(configFile, "c", brand.DefaultConfigPath(), "Configuration file (short)")
	var opts rulesFlags
	fs.BoolVar(&opts.all, "all", false, "cleanup: remove every expiring rule, not only expired ones")
	fs.StringVar(&opts.output, "o", "table", "list: output format (table, json, yaml)")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	if !slices.Contains(listFormats, opts.output) {
		return fmt.Errorf("unknown output format %q", opts.output)
	}

	cfgStore, err := openConfig(*configFile)
	if err != nil {
		return err
	}
	logger := newLogger(cfgStore.Config().Logging)

	ctx := context.Background()
	store, err := openRuleStore(ctx, cfgStore.Config().RuleStore, logger.WithComponent("rules"))
	if err != nil {
		return fmt.Errorf("failed to open rule store: %w", err)
	}
	s, err := openSession(ctx, cfgStore, store, logger)
	if err != nil {
		return err
	}
	runErr := runRules(ctx, w, s, sub, fs.Arg(0), opts)
	if err := s.Close(ctx); err != nil && runErr == nil {
		runErr = fmt.Errorf("failed to save registry: %w", err)
	}
	return runErr
}

type rulesFlags struct {
	all    bool
	output string
}

var listFormats = []string{"table", "json", "yaml"}

func runRules(ctx context.Context, w io.Writer, s *session, sub, guid string, opts rulesFlags) error {
	switch sub {
	case "list":
		return listRules(ctx, w, s, opts.output)
	case "approve", "approve-changes", "restore":
		n, err := s.engine.SetRuleApproval(ctx, approvalModes[sub], guid)
		if err != nil {
			if errors.Is(err, firewall.ErrRuleNotFound) {
				return fmt.Errorf("no guarded rule %s", guid)
			}
			return err
		}
		Printer.Fprintf(w, "%d rules updated\n", n)
		return nil
	case "cleanup":
		n, err := s.engine.CleanUpRules(ctx, opts.all)
		if err != nil {
			return err
		}
		Printer.Fprintf(w, "%d rules removed\n", n)
		return nil
	}
	return fmt.Errorf(rulesUsage, brand.BinaryName)
}

var approvalModes = map[string]guard.ApprovalMode{
	"approve":         guard.ApproveCurrent,
	"approve-changes": guard.ApproveChanges,
	"restore":         guard.RestoreRules,
}

// ruleRow is one line of "rules list".
type ruleRow struct {
	GUID       string `json:"guid" yaml:"guid"`
	Name       string `json:"name" yaml:"name"`
	Program    string `json:"program" yaml:"program"`
	Set        string `json:"set" yaml:"set"`
	Direction  string `json:"direction" yaml:"direction"`
	Action     string `json:"action" yaml:"action"`
	State      string `json:"state" yaml:"state"`
	Expiration uint64 `json:"expiration,omitempty" yaml:"expiration,omitempty"`
}

func listRules(ctx context.Context, w io.Writer, s *session, format string) error {
	views, err := s.engine.GetRules(ctx)
	if err != nil {
		return err
	}

	var rows []ruleRow
	for set, rules := range views {
		for _, r := range rules {
			rows = append(rows, ruleRow{
				GUID:       r.GUID,
				Name:       r.Name,
				Program:    r.Program.Name(),
				Set:        set.String(),
				Direction:  r.Direction.String(),
				Action:     r.Action.String(),
				State:      r.State,
				Expiration: r.Expiration,
			})
		}
	}
	slices.SortFunc(rows, func(a, b ruleRow) int {
		if c := strings.Compare(a.Program, b.Program); c != 0 {
			return c
		}
		return strings.Compare(a.GUID, b.GUID)
	})

	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	case "yaml":
		enc := yaml.NewEncoder(w)
		defer enc.Close()
		return enc.Encode(rows)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	Printer.Fprintf(tw, "GUID\tNAME\tPROGRAM\tDIR\tACTION\tSTATE\n")
	for _, r := range rows {
		Printer.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", r.GUID, r.Name, r.Program, r.Direction, r.Action, r.State)
	}
	return tw.Flush()
}
