// Package process runs one external command at a time in its own process
// group, exposes its combined output as a lazy sequence of chunks, and stops
// the whole group through an escalating ladder of signals when cancelled.
package process

import (
	"bufio"
	"context"
	"errors"
	"io"
	"iter"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/loykin/deployr/internal/cancel"
)

const (
	DefaultPollInterval   = 100 * time.Millisecond
	DefaultQueueSize      = 256
	DefaultInterruptGrace = 3 * time.Second
	DefaultTerminateGrace = 3 * time.Second
	DefaultKillGrace      = time.Second

	// maxLine bounds one Output chunk; longer lines are split.
	maxLine = 1 << 20
)

type Config struct {
	// PollInterval paces liveness checks while escalating.
	PollInterval time.Duration
	// QueueSize bounds the lines buffered between reader and consumer.
	QueueSize      int
	InterruptGrace time.Duration
	TerminateGrace time.Duration
	KillGrace      time.Duration
	// Shell runs every command line with "-c". Defaults to /bin/sh.
	Shell  string
	Logger *slog.Logger
	// OnEscalate is called before each termination stage is applied.
	OnEscalate func(Stage)
	// OnStart is called once the command is running. The returned function,
	// if any, is called after the process has been reaped.
	OnStart func(cmd Command, pid int) func()
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.InterruptGrace <= 0 {
		c.InterruptGrace = DefaultInterruptGrace
	}
	if c.TerminateGrace <= 0 {
		c.TerminateGrace = DefaultTerminateGrace
	}
	if c.KillGrace <= 0 {
		c.KillGrace = DefaultKillGrace
	}
	if c.Shell == "" {
		c.Shell = "/bin/sh"
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

type Supervisor struct {
	cfg Config
}

func NewSupervisor(cfg Config) *Supervisor {
	return &Supervisor{cfg: cfg.withDefaults()}
}

// Run returns the output of cmd as a lazy sequence. Nothing is spawned until
// the sequence is ranged over, and each range spawns a fresh process.
//
// The sequence yields Output chunks in production order followed by exactly
// one Exit chunk. When tok is cancelled or ctx is done, the process group is
// stopped and a single Aborted chunk ends the sequence instead. If the
// consumer stops early, the group is stopped the same way and reaped before
// the range statement returns.
func (s *Supervisor) Run(ctx context.Context, cmd Command, tok *cancel.Token) iter.Seq[Chunk] {
	return func(yield func(Chunk) bool) {
		s.run(ctx, cmd, tok, yield)
	}
}

func (s *Supervisor) run(ctx context.Context, command Command, tok *cancel.Token, yield func(Chunk) bool) {
	lg := s.cfg.Logger
	c := command.build(s.cfg.Shell)

	pr, pw, err := os.Pipe()
	if err != nil {
		if yield(errorChunk(err)) {
			yield(Chunk{Kind: Exit, ExitCode: SpawnFailedCode})
		}
		return
	}
	c.Stdout = pw
	c.Stderr = pw
	setProcessGroup(c)

	if err := c.Start(); err != nil {
		_ = pw.Close()
		_ = pr.Close()
		lg.Warn("command failed to start", "command", command.Line, "error", err)
		if yield(errorChunk(err)) {
			yield(Chunk{Kind: Exit, ExitCode: SpawnFailedCode})
		}
		return
	}
	// the child holds its own copy of the write end
	_ = pw.Close()
	pid := c.Process.Pid
	lg.Debug("command started", "pid", pid, "command", command.Line)
	if s.cfg.OnStart != nil {
		if finished := s.cfg.OnStart(command, pid); finished != nil {
			defer finished()
		}
	}

	// Reap the leader as soon as it exits so it never lingers as a zombie
	// that would look alive to group enumeration.
	exited := make(chan struct{})
	var waitErr error
	go func() {
		waitErr = c.Wait()
		close(exited)
	}()

	p := newPump(pr, s.cfg.QueueSize)
	go p.run()

	stopped := false
	abort := func(notify bool) {
		esc := &escalation{pgid: pid, exited: exited, cfg: s.cfg, log: lg.With("pid", pid)}
		stage := esc.run()
		lg.Info("command aborted", "pid", pid, "stage", stage.String())
		if notify {
			yield(Chunk{Kind: Aborted, Line: "Process aborted"})
		}
		p.shutdown()
		s.reap(exited, lg, pid)
		stopped = true
	}
	defer func() {
		// consumer panicked or returned without draining
		if !stopped {
			abort(false)
		}
	}()

	done := ctx.Done()
read:
	for {
		select {
		case line, ok := <-p.lines:
			if !ok {
				break read
			}
			if !yield(Chunk{Kind: Output, Line: line}) {
				abort(false)
				return
			}
			if tok.Canceled() {
				abort(true)
				return
			}
		case <-tok.Done():
			abort(true)
			return
		case <-done:
			abort(true)
			return
		}
	}

	if err := p.err(); err != nil {
		if !yield(errorChunk(err)) {
			abort(false)
			return
		}
	}
	// Output has ended; the leader may still be running.
	select {
	case <-exited:
	case <-tok.Done():
		abort(true)
		return
	case <-done:
		abort(true)
		return
	}
	stopped = true
	p.shutdown()
	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) {
		if !yield(errorChunk(waitErr)) {
			return
		}
	}
	code := exitCode(c.ProcessState)
	lg.Debug("command exited", "pid", pid, "code", code)
	yield(Chunk{Kind: Exit, ExitCode: code})
}

// reap waits for the leader after escalation; a process stuck in
// uninterruptible sleep is logged and left to the waiter goroutine.
func (s *Supervisor) reap(exited <-chan struct{}, lg *slog.Logger, pid int) {
	t := time.NewTimer(s.cfg.KillGrace)
	defer t.Stop()
	select {
	case <-exited:
	case <-t.C:
		lg.Warn("process not reaped after kill", "pid", pid)
	}
}

// pump copies lines from the pipe into a bounded channel. It is the single
// producer; the supervisor loop is the single consumer.
type pump struct {
	r      *os.File
	lines  chan string
	quit   chan struct{}
	done   chan struct{}
	rerr   error
	closed bool
}

func newPump(r *os.File, size int) *pump {
	return &pump{
		r:     r,
		lines: make(chan string, size),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

func (p *pump) run() {
	defer close(p.done)
	defer close(p.lines)
	br := bufio.NewReaderSize(p.r, 64*1024)
	var buf []byte
	for {
		frag, more, err := br.ReadLine()
		if err != nil {
			if len(buf) > 0 {
				p.send(buf)
			}
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				p.rerr = err
			}
			return
		}
		buf = append(buf, frag...)
		// lines longer than maxLine are streamed as several chunks
		for len(buf) > maxLine {
			if !p.send(buf[:maxLine]) {
				return
			}
			buf = append(buf[:0], buf[maxLine:]...)
		}
		if more {
			continue
		}
		if !p.send(buf) {
			return
		}
		buf = buf[:0]
	}
}

func (p *pump) send(b []byte) bool {
	select {
	case p.lines <- string(b):
		return true
	case <-p.quit:
		return false
	}
}

// err is valid once lines has been closed.
func (p *pump) err() error {
	<-p.done
	return p.rerr
}

// shutdown stops the pump, discards anything still queued and joins it.
func (p *pump) shutdown() {
	if p.closed {
		return
	}
	p.closed = true
	close(p.quit)
	// unblocks a Read stuck on a pipe still held open by a survivor
	_ = p.r.Close()
	for range p.lines {
	}
	<-p.done
}
