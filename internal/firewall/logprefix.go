package firewall

import (
	"fmt"
	"strings"
)

const logPrefixTag = "FWG"

// LogPrefix is the nflog prefix written by rules so the audit watcher can
// recover the verdict and direction of a logged packet.
func LogPrefix(a Action, d Direction) string {
	act := "A"
	if a == ActionBlock {
		act = "B"
	}
	dir := "O"
	if d == DirectionInbound {
		dir = "I"
	}
	return fmt.Sprintf("%s:%s:%s ", logPrefixTag, act, dir)
}

// ParseLogPrefix is the inverse of LogPrefix.
func ParseLogPrefix(s string) (Action, Direction, bool) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 3 || parts[0] != logPrefixTag {
		return ActionUndefined, DirectionUnknown, false
	}
	var a Action
	switch parts[1] {
	case "A":
		a = ActionAllow
	case "B":
		a = ActionBlock
	default:
		return ActionUndefined, DirectionUnknown, false
	}
	var d Direction
	switch parts[2] {
	case "I":
		d = DirectionInbound
	case "O":
		d = DirectionOutbound
	default:
		return ActionUndefined, DirectionUnknown, false
	}
	return a, d, true
}
