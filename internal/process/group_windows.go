//go:build windows

package process

import (
	"os"
	"os/exec"
	"syscall"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

const createNewProcessGroup = 0x00000200

var (
	kernel32             = syscall.NewLazyDLL("kernel32.dll")
	procTerminateProcess = kernel32.NewProc("TerminateProcess")
)

type member struct {
	pid   int
	start int64
}

func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: createNewProcessGroup}
}

// signalGroup has no interrupt equivalent for a detached console group, so the
// interrupt stage only waits; terminate stops every member.
func signalGroup(pgid int, st Stage) error {
	if st == StageInterrupt {
		return nil
	}
	for _, m := range listGroup(pgid) {
		_ = killMember(m)
	}
	return nil
}

// listGroup walks the child tree of the leader; Windows has no pgid lookup.
func listGroup(pgid int) []member {
	root, err := gopsproc.NewProcess(int32(pgid))
	if err != nil {
		return nil
	}
	out := []member{{pid: pgid, start: procStartMillis(pgid)}}
	queue := []*gopsproc.Process{root}
	for len(queue) > 0 {
		p := queue[0]
		queue = queue[1:]
		kids, err := p.Children()
		if err != nil {
			continue
		}
		for _, k := range kids {
			out = append(out, member{pid: int(k.Pid), start: procStartMillis(int(k.Pid))})
			queue = append(queue, k)
		}
	}
	return out
}

func killMember(m member) error {
	if m.start != 0 {
		if now := procStartMillis(m.pid); now != 0 && now != m.start {
			return nil
		}
	}
	h, err := syscall.OpenProcess(syscall.PROCESS_TERMINATE, false, uint32(m.pid))
	if err != nil {
		// already gone
		return nil
	}
	defer func() { _ = syscall.CloseHandle(h) }()
	ret, _, err := procTerminateProcess.Call(uintptr(h), uintptr(1))
	if ret == 0 {
		return err
	}
	return nil
}

func exitCode(ps *os.ProcessState) int {
	if ps == nil {
		return SpawnFailedCode
	}
	return ps.ExitCode()
}
