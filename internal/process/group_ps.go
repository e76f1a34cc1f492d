//go:build !windows

package process

import (
	"slices"
	"syscall"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// listGroupFallback enumerates group members through gopsutil for platforms
// without /proc.
func listGroupFallback(pgid int) []member {
	pids, err := gopsproc.Pids()
	if err != nil {
		return nil
	}
	var out []member
	for _, p := range pids {
		pid := int(p)
		if g, err := syscall.Getpgid(pid); err != nil || g != pgid {
			continue
		}
		proc, err := gopsproc.NewProcess(p)
		if err != nil {
			continue
		}
		if st, err := proc.Status(); err == nil && slices.Contains(st, gopsproc.Zombie) {
			continue
		}
		out = append(out, member{pid: pid, start: procStartMillis(pid)})
	}
	return out
}
