package cmd

import (
	"fmt"
	"io"
	"text/tabwriter"

	"grimm.is/fwguard/internal/brand"
	"grimm.is/fwguard/internal/config"
)

// RunCheck validates the configuration file syntax and semantics.
func RunCheck(w io.Writer, configFile string, verbose bool) error {
	if len(configFile) == 0 {
		return fmt.Errorf("usage: %s check [-v] [-c config-file]", brand.BinaryName)
	}

	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("configuration invalid: %w", err)
	}

	Printer.Fprintf(w, "Configuration valid!\n")
	Printer.Fprintf(w, "Guard: enabled=%v mode=%s\n", cfg.Guard.Enabled, cfg.Guard.Mode)
	Printer.Fprintf(w, "Rule store: %s (table %s, log group %d)\n", cfg.RuleStore.Backend, cfg.RuleStore.Table, cfg.RuleStore.LogGroup)
	Printer.Fprintf(w, "Interface profiles: %d\n", len(cfg.Profiles))
	Printer.Fprintf(w, "Notification channels: %d\n", len(cfg.Notifications.Channels))

	if verbose {
		printSummary(w, cfg)
	}
	return nil
}

func printSummary(w io.Writer, cfg *config.Config) {
	Printer.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	Printer.Fprintf(tw, "tick interval\t%s\n", cfg.Engine.Tick())
	Printer.Fprintf(tw, "cleanup every\t%d ticks\n", cfg.Engine.CleanupEvery)
	Printer.Fprintf(tw, "save interval\t%s\n", cfg.Engine.Save())
	Printer.Fprintf(tw, "program retention\t%s\n", cfg.Engine.Retention())
	Printer.Fprintf(tw, "max log entries\t%d\n", cfg.Engine.MaxLogEntries)
	Printer.Fprintf(tw, "default inbound\t%s\n", cfg.RuleStore.DefaultInbound)
	Printer.Fprintf(tw, "default outbound\t%s\n", cfg.RuleStore.DefaultOutbound)
	Printer.Fprintf(tw, "audit\t%v (group %d)\n", cfg.Audit.Enabled, cfg.Audit.LogGroup)
	Printer.Fprintf(tw, "reverse lookups\t%v\n", cfg.Hostnames.Enabled)
	Printer.Fprintf(tw, "state\t%s\n", cfg.State.Path)
	if cfg.API.Enabled {
		Printer.Fprintf(tw, "api\t%s\n", cfg.API.Listen)
	} else {
		Printer.Fprintf(tw, "api\tdisabled\n")
	}
	for _, p := range cfg.Profiles {
		Printer.Fprintf(tw, "interface %s\t%s\n", p.Pattern, p.Profile)
	}
	for _, ch := range cfg.Notifications.Channels {
		Printer.Fprintf(tw, "channel %s\t%s\n", ch.Name, ch.Type)
	}
	tw.Flush()
}
