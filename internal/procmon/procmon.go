// Package procmon answers questions about local processes: executable
// path, start time and the systemd services they belong to.
package procmon

import (
	"errors"
	"sync"
	"time"

	"github.com/shirou/gopsutil/process"

	"grimm.is/fwguard/internal/logging"
)

// ErrNoProcess is returned for a pid that does not exist.
var ErrNoProcess = errors.New("no such process")

// Info describes a running process.
type Info struct {
	PID     int       `json:"pid"`
	Path    string    `json:"path"`
	Started time.Time `json:"started"`
}

// Source reads process information from the system.
type Source interface {
	Info(pid int) (Info, error)
	Exists(pid int) bool
}

// PsutilSource reads /proc through gopsutil.
type PsutilSource struct{}

func (PsutilSource) Info(pid int) (Info, error) {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return Info{}, ErrNoProcess
	}
	exe, err := p.Exe()
	if err != nil {
		// kernel threads have no executable
		exe = ""
	}
	created, err := p.CreateTime()
	if err != nil {
		return Info{}, err
	}
	return Info{PID: pid, Path: exe, Started: time.UnixMilli(created)}, nil
}

func (PsutilSource) Exists(pid int) bool {
	ok, err := process.PidExists(int32(pid))
	return err == nil && ok
}

// Registry caches process information by pid.
type Registry struct {
	src    Source
	logger *logging.Logger

	mu    sync.RWMutex
	procs map[int]Info
}

// NewRegistry creates a registry over src; nil uses gopsutil.
func NewRegistry(src Source, logger *logging.Logger) *Registry {
	if src == nil {
		src = PsutilSource{}
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Registry{
		src:    src,
		logger: logger.WithComponent("procmon"),
		procs:  make(map[int]Info),
	}
}

// Info returns the process with pid, reading it on first use.
func (r *Registry) Info(pid int) (Info, bool) {
	r.mu.RLock()
	info, ok := r.procs[pid]
	r.mu.RUnlock()
	if ok {
		return info, true
	}

	info, err := r.src.Info(pid)
	if err != nil {
		return Info{}, false
	}
	r.mu.Lock()
	r.procs[pid] = info
	r.mu.Unlock()
	return info, true
}

// FileName returns the executable path of pid.
func (r *Registry) FileName(pid int) (string, bool) {
	info, ok := r.Info(pid)
	if !ok || info.Path == "" {
		return "", false
	}
	return info.Path, true
}

// Alive reports whether the process that logged an event at ts is still
// the one running as pid with the given executable.
func (r *Registry) Alive(pid int, path string, ts time.Time) bool {
	info, err := r.src.Info(pid)
	if err != nil {
		return false
	}
	if path != "" && info.Path != path {
		return false
	}
	return !info.Started.After(ts)
}

// Cleanup forgets processes that have exited or whose pid was reused. It
// returns the number of entries dropped.
func (r *Registry) Cleanup() int {
	r.mu.RLock()
	pids := make(map[int]Info, len(r.procs))
	for pid, info := range r.procs {
		pids[pid] = info
	}
	r.mu.RUnlock()

	var stale []int
	for pid, info := range pids {
		if !r.src.Exists(pid) {
			stale = append(stale, pid)
			continue
		}
		if cur, err := r.src.Info(pid); err != nil || !cur.Started.Equal(info.Started) {
			stale = append(stale, pid)
		}
	}
	if len(stale) == 0 {
		return 0
	}

	r.mu.Lock()
	for _, pid := range stale {
		delete(r.procs, pid)
	}
	r.mu.Unlock()
	r.logger.Debug("dropped stale processes", "count", len(stale))
	return len(stale)
}

// Len returns the number of cached processes.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.procs)
}
