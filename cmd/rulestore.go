package cmd

import (
	"grimm.is/fwguard/internal/config"
	"grimm.is/fwguard/internal/firewall"
)

func defaultActions(cfg *config.RuleStoreConfig) (in, out firewall.Action, err error) {
	if in, err = config.ParseAction(cfg.DefaultInbound); err != nil {
		return 0, 0, err
	}
	if out, err = config.ParseAction(cfg.DefaultOutbound); err != nil {
		return 0, 0, err
	}
	return in, out, nil
}

func memoryStore(in, out firewall.Action) *firewall.MemoryStore {
	store := firewall.NewMemoryStore()
	store.SetDefault(firewall.DirectionInbound, in)
	store.SetDefault(firewall.DirectionOutbound, out)
	return store
}
