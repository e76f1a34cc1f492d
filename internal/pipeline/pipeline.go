// Package pipeline runs an ordered list of steps under one lease, streaming
// their output and stopping at the first failure or cancellation.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"strings"
	"time"

	"github.com/loykin/deployr/internal/cancel"
	"github.com/loykin/deployr/internal/process"
)

// State of a run. Succeeded, Failed and Aborted are terminal.
type State string

const (
	Pending   State = "pending"
	Running   State = "running"
	Succeeded State = "succeeded"
	Failed    State = "failed"
	Aborted   State = "aborted"
)

const (
	SuccessMarker   = "✅ Deployment Successful.\n\n"
	AbortMarker     = "🛑 Deployment Aborted.\n\n"
	LeaseLostMarker = "🛑 Deployment Aborted: lease lost, another run may own this resource.\n\n"
)

// FailureMarker is appended when a command step exits non-zero.
func FailureMarker(code int) string {
	return fmt.Sprintf("❌ Deployment Failed %d\n\n", code)
}

func abortMarker(r cancel.Reason) string {
	if r == cancel.ReasonLeaseLost {
		return LeaseLostMarker
	}
	return AbortMarker
}

// CommandFailedError reports the step whose command exited non-zero.
type CommandFailedError struct {
	Step     string
	ExitCode int
}

func (e *CommandFailedError) Error() string {
	return fmt.Sprintf("step %q failed with exit code %d", e.Step, e.ExitCode)
}

// AbortedError reports why a run was cancelled.
type AbortedError struct {
	Reason cancel.Reason
}

func (e *AbortedError) Error() string { return "run aborted: " + string(e.Reason) }

// Step is either a literal status message or a command line.
type Step struct {
	Label   string
	Message string
	Command string
	WorkDir string
	Env     []string
}

func (s Step) IsCommand() bool { return s.Command != "" }

// Spec is one fully built run.
type Spec struct {
	Job       string
	LeaseName string
	BuildID   int64
	Steps     []Step
	Metadata  map[string]string
	// Transcript, when set, receives every emitted chunk.
	Transcript io.Writer
}

// RunContext is the finalized result of one execution.
type RunContext struct {
	BuildID    int64             `json:"build_id"`
	Job        string            `json:"job"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at"`
	Log        string            `json:"log"`
	Success    bool              `json:"success"`
	Aborted    bool              `json:"aborted"`
	State      State             `json:"state"`
	Reason     cancel.Reason     `json:"reason,omitempty"`
	ExitCode   int               `json:"exit_code"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Err        error             `json:"-"`
}

// Runner spawns one command; *process.Supervisor implements it.
type Runner interface {
	Run(ctx context.Context, cmd process.Command, tok *cancel.Token) iter.Seq[process.Chunk]
}

// Recorder persists a finished run.
type Recorder interface {
	RecordRun(ctx context.Context, rc RunContext) error
}

type Options struct {
	// StepDelay pauses after each message step.
	StepDelay time.Duration
	Logger    *slog.Logger
	Now       func() time.Time
}

type Executor struct {
	runner   Runner
	recorder Recorder
	opts     Options
	log      *slog.Logger
}

func NewExecutor(runner Runner, recorder Recorder, opts Options) *Executor {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	lg := opts.Logger
	if lg == nil {
		lg = slog.Default()
	}
	return &Executor{runner: runner, recorder: recorder, opts: opts, log: lg}
}

// run is the mutable state of one execution.
type run struct {
	rc         RunContext
	log        strings.Builder
	tok        *cancel.Token
	yield      func(string) bool
	transcript io.Writer
	clientGone bool
}

// emit appends s to the log and forwards it to the consumer. A consumer that
// stops accepting output cancels the run.
func (r *run) emit(s string) {
	r.log.WriteString(s)
	if r.transcript != nil {
		_, _ = io.WriteString(r.transcript, s)
	}
	if r.clientGone || r.yield == nil {
		return
	}
	if !r.yield(s) {
		r.clientGone = true
		r.tok.Cancel(cancel.ReasonClientGone)
	}
}

func (r *run) abort() {
	reason := r.tok.Reason()
	r.rc.State = Aborted
	r.rc.Reason = reason
	r.rc.Err = &AbortedError{Reason: reason}
	r.emit(abortMarker(reason))
}

// Execute runs spec's steps in order. The returned RunContext has been handed
// to the recorder exactly once, whichever way the run ended; a panic inside
// the run is re-raised after recording.
func (e *Executor) Execute(ctx context.Context, spec Spec, tok *cancel.Token, yield func(string) bool) (result RunContext) {
	r := &run{
		rc: RunContext{
			BuildID:   spec.BuildID,
			Job:       spec.Job,
			StartedAt: e.opts.Now(),
			State:     Pending,
			Metadata:  spec.Metadata,
		},
		tok:        tok,
		yield:      yield,
		transcript: spec.Transcript,
	}
	lg := e.log.With("job", spec.Job, "build_id", spec.BuildID)

	defer func() {
		p := recover()
		if p != nil {
			lg.Error("run panicked", "panic", p)
			r.rc.State = Failed
			r.rc.Err = fmt.Errorf("internal error: %v", p)
			r.log.WriteString(fmt.Sprintf("❌ Internal error: %v\n\n", p))
		}
		r.rc.FinishedAt = e.opts.Now()
		r.rc.Log = r.log.String()
		r.rc.Success = r.rc.State == Succeeded
		r.rc.Aborted = r.rc.State == Aborted
		e.record(ctx, r.rc, lg)
		result = r.rc
		if p != nil {
			panic(p)
		}
	}()

	r.rc.State = Running
	lg.Info("run started", "steps", len(spec.Steps))
	for _, step := range spec.Steps {
		if tok.Canceled() {
			r.abort()
			return
		}
		if !step.IsCommand() {
			r.emit(step.Message)
			e.pause(tok)
			continue
		}
		code, aborted := e.runCommand(ctx, r, step)
		if aborted || tok.Canceled() {
			r.abort()
			return
		}
		if code != 0 {
			r.rc.State = Failed
			r.rc.ExitCode = code
			r.rc.Err = &CommandFailedError{Step: step.Label, ExitCode: code}
			r.emit(FailureMarker(code))
			lg.Info("run failed", "step", step.Label, "exit_code", code)
			return
		}
	}
	if tok.Canceled() {
		r.abort()
		return
	}
	r.rc.State = Succeeded
	r.emit(SuccessMarker)
	lg.Info("run succeeded")
	return
}

// runCommand streams one command step. It reports the exit code, or
// aborted=true when the run was cancelled while the command was running.
func (e *Executor) runCommand(ctx context.Context, r *run, step Step) (code int, aborted bool) {
	cmd := process.Command{Line: step.Command, WorkDir: step.WorkDir, Env: step.Env, Tag: r.rc.Job}
	code = process.SpawnFailedCode
	for c := range e.runner.Run(ctx, cmd, r.tok) {
		switch c.Kind {
		case process.Output:
			r.emit(c.Line + "\n")
		case process.Error:
			r.emit("❌ " + c.Line + "\n\n")
		case process.Exit:
			code = c.ExitCode
		case process.Aborted:
			return code, true
		}
		if r.tok.Canceled() {
			// leaving the range stops the process group
			return code, true
		}
	}
	return code, false
}

func (e *Executor) pause(tok *cancel.Token) {
	if e.opts.StepDelay <= 0 {
		return
	}
	t := time.NewTimer(e.opts.StepDelay)
	defer t.Stop()
	select {
	case <-t.C:
	case <-tok.Done():
	}
}

func (e *Executor) record(ctx context.Context, rc RunContext, lg *slog.Logger) {
	if e.recorder == nil {
		return
	}
	// recording must survive a cancelled request context
	if err := e.recorder.RecordRun(context.WithoutCancel(ctx), rc); err != nil {
		lg.Error("record run failed", "error", err)
	}
}

// IsAborted reports whether err came from a cancelled run.
func IsAborted(err error) bool {
	var ae *AbortedError
	return errors.As(err, &ae)
}
