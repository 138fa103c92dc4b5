//go:build linux

package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/google/nftables"

	"grimm.is/fwguard/internal/config"
	"grimm.is/fwguard/internal/firewall"
	"grimm.is/fwguard/internal/logging"
)

// openRuleStore opens the configured backend. The nftables table is created
// on first use; transient netlink failures are retried.
func openRuleStore(ctx context.Context, cfg *config.RuleStoreConfig, logger *logging.Logger) (firewall.RuleStore, error) {
	in, out, err := defaultActions(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.Backend == "memory" {
		return memoryStore(in, out), nil
	}

	return firewall.RetryValue(ctx, firewall.DefaultBackoff(), func() (firewall.RuleStore, error) {
		conn, err := nftables.New()
		if err != nil {
			return nil, fmt.Errorf("failed to open netlink: %w", err)
		}
		store := firewall.NewNFTStore(conn, firewall.NFTStoreOptions{
			Table:          cfg.Table,
			LogGroup:       uint16(cfg.LogGroup),
			InboundPolicy:  in,
			OutboundPolicy: out,
		})
		if err := store.Setup(); err != nil {
			if errors.Is(err, os.ErrPermission) {
				return nil, firewall.Permanent(err)
			}
			logger.Warn("nftables setup failed, retrying", "table", cfg.Table, "error", err)
			return nil, err
		}
		return store, nil
	})
}
