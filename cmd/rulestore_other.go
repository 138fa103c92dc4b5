//go:build !linux

package cmd

import (
	"context"
	"fmt"

	"grimm.is/fwguard/internal/config"
	"grimm.is/fwguard/internal/firewall"
	"grimm.is/fwguard/internal/logging"
)

func openRuleStore(_ context.Context, cfg *config.RuleStoreConfig, _ *logging.Logger) (firewall.RuleStore, error) {
	in, out, err := defaultActions(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.Backend != "memory" {
		return nil, fmt.Errorf("rule store backend %q requires linux", cfg.Backend)
	}
	return memoryStore(in, out), nil
}
