package identity

import (
	"path/filepath"
	"strings"
)

// ProcessLookup returns the executable path of a running process.
type ProcessLookup interface {
	FileName(pid int) (string, bool)
}

// Resolver builds identities from process attributes.
type Resolver struct {
	// SharedHosts lists the base names of binaries hosting several services.
	SharedHosts []string
	// SystemPID is the pid reported for kernel-originated traffic.
	SystemPID int
	Processes ProcessLookup
}

// IsSharedHost reports whether path is a multi-service host binary.
func (r *Resolver) IsSharedHost(path string) bool {
	base := filepath.Base(path)
	for _, h := range r.SharedHosts {
		if strings.EqualFold(base, h) {
			return true
		}
	}
	return false
}

// Normalize maps an identity to its canonical form. A service whose hosting
// binary is not a shared host becomes a plain program identity.
func (r *Resolver) Normalize(id ID) ID {
	if id.Kind == KindService && !r.IsSharedHost(id.Path) && id.Path != "" {
		return Program(id.Path)
	}
	return id
}

// Resolve builds the identity for pid. fileName is used when known, otherwise
// the process registry is consulted. It fails only when no path can be found
// for a non-system process.
func (r *Resolver) Resolve(pid int, serviceTag, fileName string) (ID, bool) {
	if pid == r.SystemPID || strings.EqualFold(fileName, "System") {
		return System(), true
	}
	if fileName == "" && r.Processes != nil {
		fileName, _ = r.Processes.FileName(pid)
	}
	if fileName == "" {
		return ID{}, false
	}
	if serviceTag != "" {
		return r.Normalize(Service(serviceTag, fileName)), true
	}
	return Program(fileName), true
}
