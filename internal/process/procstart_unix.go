//go:build !windows

package process

import (
	"bufio"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"

	gopsproc "github.com/shirou/gopsutil/v4/process"
	sysconf "github.com/tklauser/go-sysconf"
)

// procStartMillis returns the process start time as Unix milliseconds, or 0
// when unavailable. Comparing two readings tells whether a pid was recycled.
func procStartMillis(pid int) int64 {
	if pid <= 0 {
		return 0
	}
	if runtime.GOOS == "linux" {
		st, ok := readProcStat(pid)
		if !ok {
			return 0
		}
		return startTicksToMillis(st.startTicks)
	}
	// Darwin/BSD: gopsutil uses sysctl under the hood
	p, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		return 0
	}
	ms, err := p.CreateTime()
	if err != nil || ms <= 0 {
		return 0
	}
	return ms
}

// procStat holds the /proc/<pid>/stat fields the supervisor needs.
type procStat struct {
	state      byte
	pgrp       int
	startTicks int64
}

func readProcStat(pid int) (procStat, bool) {
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat")
	if err != nil {
		return procStat{}, false
	}
	line := string(b)
	// comm may contain spaces; it ends at the last ") "
	end := strings.LastIndex(line, ") ")
	if end == -1 {
		return procStat{}, false
	}
	parts := strings.Fields(line[end+2:])
	// parts[0] is state (field 3), pgrp is field 5, starttime is field 22
	if len(parts) < 20 || len(parts[0]) == 0 {
		return procStat{}, false
	}
	pgrp, err := strconv.Atoi(parts[2])
	if err != nil {
		return procStat{}, false
	}
	ticks, err := strconv.ParseInt(parts[19], 10, 64)
	if err != nil {
		return procStat{}, false
	}
	return procStat{state: parts[0][0], pgrp: pgrp, startTicks: ticks}, true
}

var (
	bootOnce   sync.Once
	bootMillis int64
	clkTck     int64
)

func startTicksToMillis(ticks int64) int64 {
	bootOnce.Do(func() {
		clk, err := sysconf.Sysconf(sysconf.SC_CLK_TCK)
		if err != nil || clk <= 0 {
			clk = 100
		}
		clkTck = clk
		bootMillis = readBootTime() * 1000
	})
	if bootMillis == 0 || ticks <= 0 {
		return 0
	}
	return bootMillis + ticks*1000/clkTck
}

// readBootTime reads btime from /proc/stat.
func readBootTime() int64 {
	f, err := os.Open("/proc/stat")
	if err != nil {
		return 0
	}
	defer func() { _ = f.Close() }()
	s := bufio.NewScanner(f)
	for s.Scan() {
		text := s.Text()
		if strings.HasPrefix(text, "btime ") {
			v := strings.TrimSpace(strings.TrimPrefix(text, "btime "))
			if bt, err := strconv.ParseInt(v, 10, 64); err == nil {
				return bt
			}
		}
	}
	return 0
}
