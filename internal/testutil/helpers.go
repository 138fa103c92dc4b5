// Package testutil holds helpers shared by tests that need a real kernel.
package testutil

import (
	"os"
	"testing"
)

// VMEnv enables tests that touch nftables, nflog or the host's sockets.
const VMEnv = "FWGUARD_VM_TEST"

// RequireVM skips the test unless FWGUARD_VM_TEST is set. Such tests modify
// the host firewall and are only run inside a disposable VM.
func RequireVM(t *testing.T) {
	t.Helper()
	if os.Getenv(VMEnv) == "" {
		t.Skip("Skipping test: requires " + VMEnv + " environment")
	}
	if os.Geteuid() != 0 {
		t.Skip("Skipping test: requires root")
	}
}
