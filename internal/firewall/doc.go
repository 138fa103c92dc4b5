// Package firewall models the externally owned rule set the guard watches.
//
// # Key Types
//
//   - [Rule]: one rule as the store reports it, with [Rule.Match] classifying
//     how two versions of the same guid differ
//   - [Event]: one per-connection audit record
//   - [RuleStore]: enumeration and mutation primitives of the rule store
//   - [NFTStore]: RuleStore on an nftables inet table (Linux)
//   - [Monitor]: polling source of [RuleChange] notifications
//   - [MemoryStore]: in-process RuleStore for tests and dry runs
package firewall
