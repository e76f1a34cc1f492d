//go:build !windows

package process

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"slices"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/loykin/deployr/internal/cancel"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type stageLog struct {
	mu     sync.Mutex
	stages []Stage
}

func (l *stageLog) add(s Stage) {
	l.mu.Lock()
	l.stages = append(l.stages, s)
	l.mu.Unlock()
}

func (l *stageLog) get() []Stage {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.stages)
}

func fastSupervisor(sl *stageLog) *Supervisor {
	cfg := Config{
		PollInterval:   10 * time.Millisecond,
		InterruptGrace: 200 * time.Millisecond,
		TerminateGrace: 200 * time.Millisecond,
		KillGrace:      500 * time.Millisecond,
	}
	if sl != nil {
		cfg.OnEscalate = sl.add
	}
	return NewSupervisor(cfg)
}

// alive treats zombies as dead: they are only waiting for their parent.
func alive(pid int) bool {
	if runtime.GOOS == "linux" {
		st, ok := readProcStat(pid)
		return ok && st.state != 'Z' && st.state != 'X'
	}
	return syscall.Kill(pid, 0) == nil
}

func collect(seq func(func(Chunk) bool)) []Chunk {
	var out []Chunk
	for c := range seq {
		out = append(out, c)
	}
	return out
}

func TestRunStreamsOutputThenExit(t *testing.T) {
	requireUnix(t)
	s := fastSupervisor(nil)
	chunks := collect(s.Run(context.Background(), Command{Line: "echo checkout; echo oops 1>&2; echo done; exit 3"}, cancel.New()))

	var lines []string
	for _, c := range chunks[:len(chunks)-1] {
		if c.Kind != Output {
			t.Fatalf("unexpected chunk before exit: %+v", c)
		}
		lines = append(lines, c.Line)
	}
	if strings.Join(lines, ",") != "checkout,oops,done" {
		t.Fatalf("lines = %v", lines)
	}
	last := chunks[len(chunks)-1]
	if last.Kind != Exit || last.ExitCode != 3 {
		t.Fatalf("last chunk = %+v", last)
	}
}

func TestRunPreservesOrderUnderBackpressure(t *testing.T) {
	requireUnix(t)
	s := NewSupervisor(Config{QueueSize: 4})
	chunks := collect(s.Run(context.Background(), Command{Line: "i=1; while [ $i -le 2000 ]; do echo $i; i=$((i+1)); done"}, cancel.New()))
	if len(chunks) != 2001 {
		t.Fatalf("expected 2001 chunks, got %d", len(chunks))
	}
	for i, c := range chunks[:2000] {
		if c.Line != strconv.Itoa(i+1) {
			t.Fatalf("chunk %d = %q", i, c.Line)
		}
	}
	if chunks[2000].Kind != Exit || chunks[2000].ExitCode != 0 {
		t.Fatalf("last chunk = %+v", chunks[2000])
	}
}

func TestRunIsLazy(t *testing.T) {
	requireUnix(t)
	marker := filepath.Join(t.TempDir(), "ran")
	seq := fastSupervisor(nil).Run(context.Background(), Command{Line: "touch " + marker}, cancel.New())
	time.Sleep(50 * time.Millisecond)
	if _, err := os.Stat(marker); err == nil {
		t.Fatal("command ran before the sequence was consumed")
	}
	collect(seq)
	if _, err := os.Stat(marker); err != nil {
		t.Fatalf("command did not run: %v", err)
	}
}

func TestSpawnFailureIsAChunk(t *testing.T) {
	requireUnix(t)
	chunks := collect(fastSupervisor(nil).Run(context.Background(),
		Command{Line: "echo hi", WorkDir: filepath.Join(t.TempDir(), "missing")}, cancel.New()))
	if len(chunks) != 2 {
		t.Fatalf("chunks = %+v", chunks)
	}
	if chunks[0].Kind != Error || !strings.HasPrefix(chunks[0].Line, "Error executing command: ") {
		t.Fatalf("first chunk = %+v", chunks[0])
	}
	if chunks[1].Kind != Exit || chunks[1].ExitCode != SpawnFailedCode {
		t.Fatalf("second chunk = %+v", chunks[1])
	}
}

func TestExitCodeForSignal(t *testing.T) {
	requireUnix(t)
	chunks := collect(fastSupervisor(nil).Run(context.Background(), Command{Line: "kill -TERM $$"}, cancel.New()))
	last := chunks[len(chunks)-1]
	if last.Kind != Exit || last.ExitCode != 128+int(syscall.SIGTERM) {
		t.Fatalf("last chunk = %+v", last)
	}
}

func TestAbortStopsAtInterruptWhenHonoured(t *testing.T) {
	requireUnix(t)
	sl := &stageLog{}
	tok := cancel.New()
	var last Chunk
	for c := range fastSupervisor(sl).Run(context.Background(), Command{Line: "echo ready; sleep 30"}, tok) {
		if c.Line == "ready" {
			tok.Cancel(cancel.ReasonAborted)
		}
		last = c
	}
	if last.Kind != Aborted {
		t.Fatalf("last chunk = %+v", last)
	}
	if got := sl.get(); !slices.Equal(got, []Stage{StageInterrupt}) {
		t.Fatalf("stages = %v", got)
	}
}

// Every member ignores SIGINT and SIGTERM, so only the per-member kill works.
func TestAbortEscalatesToKillForWholeTree(t *testing.T) {
	requireUnix(t)
	sl := &stageLog{}
	tok := cancel.New()
	script := `trap '' INT TERM; sleep 30 & echo $!; sleep 30 & echo $!; echo $$; echo ready; wait`

	var pids []int
	var chunks []Chunk
	start := time.Now()
	for c := range fastSupervisor(sl).Run(context.Background(), Command{Line: script}, tok) {
		chunks = append(chunks, c)
		if c.Kind != Output {
			continue
		}
		if c.Line == "ready" {
			tok.Cancel(cancel.ReasonAborted)
			continue
		}
		if pid, err := strconv.Atoi(c.Line); err == nil {
			pids = append(pids, pid)
		}
	}
	if time.Since(start) > 5*time.Second {
		t.Fatalf("escalation took too long: %v", time.Since(start))
	}
	if len(pids) != 3 {
		t.Fatalf("expected 3 pids, got %v", pids)
	}
	if last := chunks[len(chunks)-1]; last.Kind != Aborted {
		t.Fatalf("last chunk = %+v", last)
	}
	for _, c := range chunks {
		if c.Kind == Exit {
			t.Fatal("aborted run must not report an exit code")
		}
	}
	if got := sl.get(); !slices.Equal(got, []Stage{StageInterrupt, StageTerminate, StageKill}) {
		t.Fatalf("stages = %v", got)
	}
	deadline := time.Now().Add(2 * time.Second)
	for _, pid := range pids {
		for alive(pid) && time.Now().Before(deadline) {
			time.Sleep(10 * time.Millisecond)
		}
		if alive(pid) {
			t.Fatalf("pid %d survived the abort", pid)
		}
	}
}

func TestConsumerBreakStopsProcess(t *testing.T) {
	requireUnix(t)
	var pid int
	for c := range fastSupervisor(nil).Run(context.Background(), Command{Line: "echo $$; sleep 30"}, cancel.New()) {
		pid, _ = strconv.Atoi(c.Line)
		break
	}
	if pid == 0 {
		t.Fatal("no pid read")
	}
	if alive(pid) {
		t.Fatalf("pid %d still running after the consumer stopped", pid)
	}
}

func TestContextCancelAborts(t *testing.T) {
	requireUnix(t)
	ctx, cancelCtx := context.WithCancel(context.Background())
	defer cancelCtx()
	var last Chunk
	for c := range fastSupervisor(nil).Run(ctx, Command{Line: "echo ready; sleep 30"}, cancel.New()) {
		if c.Line == "ready" {
			cancelCtx()
		}
		last = c
	}
	if last.Kind != Aborted {
		t.Fatalf("last chunk = %+v", last)
	}
}

func TestAbortWhileSilent(t *testing.T) {
	requireUnix(t)
	tok := cancel.New()
	time.AfterFunc(100*time.Millisecond, func() { tok.Cancel(cancel.ReasonLeaseLost) })
	start := time.Now()
	chunks := collect(fastSupervisor(nil).Run(context.Background(), Command{Line: "sleep 30"}, tok))
	if len(chunks) != 1 || chunks[0].Kind != Aborted {
		t.Fatalf("chunks = %+v", chunks)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("abort latency too high: %v", time.Since(start))
	}
}

func TestListGroupSeesMembers(t *testing.T) {
	requireUnix(t)
	tok := cancel.New()
	for c := range fastSupervisor(nil).Run(context.Background(), Command{Line: "sleep 30 & echo $$; wait"}, tok) {
		pid, err := strconv.Atoi(c.Line)
		if err != nil {
			continue
		}
		members := listGroup(pid)
		if len(members) < 2 {
			t.Errorf("expected shell and sleep in group %d, got %+v", pid, members)
		}
		for _, m := range members {
			if m.start == 0 {
				t.Errorf("member %d has no start time", m.pid)
			}
		}
		tok.Cancel(cancel.ReasonAborted)
	}
}

func TestOnStartHookWrapsProcessLifetime(t *testing.T) {
	requireUnix(t)
	var mu sync.Mutex
	var events []string
	cfg := Config{
		OnStart: func(cmd Command, pid int) func() {
			mu.Lock()
			events = append(events, "start:"+cmd.Tag)
			mu.Unlock()
			return func() {
				mu.Lock()
				events = append(events, "finished:"+strconv.FormatBool(alive(pid)))
				mu.Unlock()
			}
		},
	}
	chunks := collect(NewSupervisor(cfg).Run(context.Background(), Command{Line: "echo hi", Tag: "ml"}, cancel.New()))
	if last := chunks[len(chunks)-1]; last.Kind != Exit {
		t.Fatalf("last chunk = %+v", last)
	}
	mu.Lock()
	defer mu.Unlock()
	if !slices.Equal(events, []string{"start:ml", "finished:false"}) {
		t.Fatalf("events = %v", events)
	}
}

func outputLines(chunks []Chunk) []string {
	var lines []string
	for _, c := range chunks {
		if c.Kind == Output {
			lines = append(lines, c.Line)
		}
	}
	return lines
}

func TestRunExplicitShellLines(t *testing.T) {
	requireUnix(t)
	s := fastSupervisor(nil)

	chunks := collect(s.Run(context.Background(), Command{Line: "sh -c 'echo a' && echo 'b'"}, cancel.New()))
	if got := outputLines(chunks); !slices.Equal(got, []string{"a", "b"}) {
		t.Fatalf("compound line output = %q", got)
	}
	if last := chunks[len(chunks)-1]; last.Kind != Exit || last.ExitCode != 0 {
		t.Fatalf("last chunk = %+v", last)
	}

	if _, err := exec.LookPath("bash"); err != nil {
		t.Skip("bash not installed")
	}
	chunks = collect(s.Run(context.Background(), Command{Line: "bash -c '[[ 1 == 1 ]] && echo bashism'"}, cancel.New()))
	if got := outputLines(chunks); !slices.Equal(got, []string{"bashism"}) {
		t.Fatalf("bash line output = %q", got)
	}
	if last := chunks[len(chunks)-1]; last.ExitCode != 0 {
		t.Fatalf("bash line exit = %d", last.ExitCode)
	}
}

func TestRunSplitsOverlongLineAndKeepsReading(t *testing.T) {
	requireUnix(t)
	line := `head -c 2000000 /dev/zero | tr '\0' x; echo; echo after-long-line; exit 3`
	chunks := collect(fastSupervisor(nil).Run(context.Background(), Command{Line: line}, cancel.New()))

	got := outputLines(chunks)
	if len(got) != 3 {
		t.Fatalf("got %d output chunks, want 3", len(got))
	}
	if len(got[0]) != maxLine || len(got[1]) != 2000000-maxLine {
		t.Fatalf("chunk sizes = %d, %d", len(got[0]), len(got[1]))
	}
	if got[2] != "after-long-line" {
		t.Fatalf("line after overlong line = %q", got[2])
	}
	last := chunks[len(chunks)-1]
	if last.Kind != Exit || last.ExitCode != 3 {
		t.Fatalf("last chunk = %+v", last)
	}
	for _, c := range chunks {
		if c.Kind == Error {
			t.Fatalf("unexpected error chunk %+v", c)
		}
	}
}
