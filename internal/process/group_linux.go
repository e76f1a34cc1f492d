//go:build linux

package process

import (
	"os"
	"strconv"
)

// listGroup enumerates live members of process group pgid from /proc.
// Zombies are skipped: they hold no resources and cannot be signalled.
func listGroup(pgid int) []member {
	ents, err := os.ReadDir("/proc")
	if err != nil {
		return listGroupFallback(pgid)
	}
	var out []member
	for _, e := range ents {
		pid, err := strconv.Atoi(e.Name())
		if err != nil || pid <= 0 {
			continue
		}
		st, ok := readProcStat(pid)
		if !ok || st.pgrp != pgid || st.state == 'Z' || st.state == 'X' {
			continue
		}
		out = append(out, member{pid: pid, start: startTicksToMillis(st.startTicks)})
	}
	return out
}
