package procmon

import (
	"slices"
	"strings"

	"github.com/prometheus/procfs"
)

// CgroupServices maps processes to the systemd service units whose cgroup
// they run in.
type CgroupServices struct {
	fs  procfs.FS
	err error
}

// NewCgroupServices reads from /proc.
func NewCgroupServices() *CgroupServices {
	return NewCgroupServicesAt(procfs.DefaultMountPoint)
}

// NewCgroupServicesAt reads from a procfs mounted at root. A root that
// cannot be opened yields no services for any pid.
func NewCgroupServicesAt(root string) *CgroupServices {
	fs, err := procfs.NewFS(root)
	return &CgroupServices{fs: fs, err: err}
}

// ServicesByPID returns the service units in the cgroup path of pid,
// outermost first. Per-user manager units are skipped.
func (c *CgroupServices) ServicesByPID(pid int) []string {
	if c.err != nil {
		return nil
	}
	proc, err := c.fs.Proc(pid)
	if err != nil {
		return nil
	}
	groups, err := proc.Cgroups()
	if err != nil {
		return nil
	}
	return serviceUnits(groups)
}

func serviceUnits(groups []procfs.Cgroup) []string {
	var units []string
	for _, g := range groups {
		// The unified hierarchy has no controllers; on v1 only the systemd
		// named hierarchy carries unit paths.
		if len(g.Controllers) > 0 && !slices.Contains(g.Controllers, "name=systemd") {
			continue
		}
		for _, seg := range strings.Split(g.Path, "/") {
			name, ok := strings.CutSuffix(seg, ".service")
			if !ok || strings.HasPrefix(seg, "user@") {
				continue
			}
			if !slices.Contains(units, name) {
				units = append(units, name)
			}
		}
	}
	return units
}
