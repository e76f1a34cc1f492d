// Package coordinator is the entry point used by the HTTP layer: it turns a
// deploy request into a leased, streamed and recorded pipeline run, and an
// abort request into a flag the owning run will observe.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/deployr/internal/abort"
	"github.com/loykin/deployr/internal/cancel"
	"github.com/loykin/deployr/internal/heartbeat"
	"github.com/loykin/deployr/internal/history"
	"github.com/loykin/deployr/internal/jobs"
	"github.com/loykin/deployr/internal/lease"
	"github.com/loykin/deployr/internal/metrics"
	"github.com/loykin/deployr/internal/pipeline"
)

// ErrNoActiveRun is returned by Abort when nothing holds the job's lease.
var ErrNoActiveRun = errors.New("no active run")

// BusyError is returned by Start when another run holds the job's lease.
type BusyError struct {
	Job   string
	Title string
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("Deployment is going on for %s.", e.Title)
}

func (e *BusyError) Unwrap() error { return lease.ErrBusy }

const (
	DefaultLeaseTTL    = 300 * time.Second
	DefaultStopTimeout = 5 * time.Second
)

type Deps struct {
	Catalog *jobs.Catalog
	Leases  *lease.Manager
	Aborts  *abort.Signal
	Runner  pipeline.Runner
	// History allocates build ids and receives every finished run.
	History history.Store
	// Sinks get a copy of every finished run after History.
	Sinks []history.Sink
}

type Options struct {
	LeaseTTL        time.Duration
	HeartbeatPeriod time.Duration
	// OpTimeout bounds each store call made by the heartbeat and on release.
	OpTimeout   time.Duration
	StopTimeout time.Duration
	StepDelay   time.Duration
	// Transcript, when set, opens the per-job transcript file of a run.
	Transcript func(job string) io.WriteCloser
	Logger     *slog.Logger
}

type Coordinator struct {
	catalog  *jobs.Catalog
	leases   *lease.Manager
	aborts   *abort.Signal
	history  history.Store
	executor *pipeline.Executor
	opts     Options
	log      *slog.Logger

	mu     sync.Mutex
	active map[*Run]*cancel.Token
}

func New(d Deps, opts Options) *Coordinator {
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = DefaultLeaseTTL
	}
	if opts.HeartbeatPeriod <= 0 {
		opts.HeartbeatPeriod = heartbeat.DefaultPeriod
	}
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = heartbeat.DefaultOpTimeout
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = DefaultStopTimeout
	}
	lg := opts.Logger
	if lg == nil {
		lg = slog.Default()
	}
	rec := historyRecorder{rec: history.NewRecorder(d.History, d.Sinks, lg)}
	return &Coordinator{
		catalog: d.Catalog,
		leases:  d.Leases,
		aborts:  d.Aborts,
		history: d.History,
		executor: pipeline.NewExecutor(d.Runner, rec, pipeline.Options{
			StepDelay: opts.StepDelay,
			Logger:    lg,
		}),
		opts:   opts,
		log:    lg,
		active: make(map[*Run]*cancel.Token),
	}
}

// Catalog returns the jobs this coordinator can run.
func (c *Coordinator) Catalog() *jobs.Catalog { return c.catalog }

// Start validates the request, takes the job's lease and allocates a build
// id. Nothing runs until the returned Run is streamed; a Run that will not be
// streamed must be closed so the lease is released.
func (c *Coordinator) Start(ctx context.Context, job string, params map[string]string) (*Run, error) {
	spec, err := c.catalog.Build(job, params)
	if err != nil {
		return nil, err
	}
	j, _ := c.catalog.Get(job)

	l, err := c.leases.Acquire(ctx, spec.LeaseName, c.opts.LeaseTTL)
	if errors.Is(err, lease.ErrBusy) {
		metrics.IncLeaseBusy(job)
		return nil, &BusyError{Job: job, Title: j.DisplayName()}
	}
	if err != nil {
		return nil, err
	}

	id, err := c.history.NextBuildID(ctx, job)
	if err != nil {
		c.release(ctx, l)
		return nil, fmt.Errorf("allocate build id for %s: %w", job, err)
	}
	spec.BuildID = id
	c.log.Info("lease acquired", "job", job, "lease", l.Name, "build_id", id)
	return &Run{c: c, spec: spec, lease: l}, nil
}

// Abort asks the run currently holding job's lease to stop.
func (c *Coordinator) Abort(ctx context.Context, job string) error {
	j, ok := c.catalog.Get(job)
	if !ok {
		return fmt.Errorf("%w: %s", jobs.ErrUnknownJob, job)
	}
	held, _, err := c.leases.Holder(ctx, j.LeaseName())
	if err != nil {
		return err
	}
	if !held {
		return ErrNoActiveRun
	}
	if err := c.aborts.Request(ctx, j.LeaseName()); err != nil {
		return err
	}
	metrics.IncAbortRequest(job)
	c.log.Info("abort requested", "job", job, "lease", j.LeaseName())
	return nil
}

// Active reports whether any instance currently holds job's lease.
func (c *Coordinator) Active(ctx context.Context, job string) (bool, error) {
	j, ok := c.catalog.Get(job)
	if !ok {
		return false, fmt.Errorf("%w: %s", jobs.ErrUnknownJob, job)
	}
	held, _, err := c.leases.Holder(ctx, j.LeaseName())
	return held, err
}

// Sweep removes lease and abort entries whose expiry already lapsed. It is
// run once at startup.
func (c *Coordinator) Sweep(ctx context.Context) (int, error) {
	nl, lerr := c.leases.Sweep(ctx)
	na, aerr := c.aborts.Sweep(ctx)
	if err := errors.Join(lerr, aerr); err != nil {
		return nl + na, fmt.Errorf("sweep: %w", err)
	}
	if nl+na > 0 {
		c.log.Info("swept stale entries", "leases", nl, "aborts", na)
	}
	return nl + na, nil
}

// Shutdown cancels every run streaming on this instance.
func (c *Coordinator) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, tok := range c.active {
		tok.Cancel(cancel.ReasonShutdown)
	}
}

func (c *Coordinator) track(r *Run, tok *cancel.Token) (untrack func()) {
	c.mu.Lock()
	c.active[r] = tok
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.active, r)
		c.mu.Unlock()
	}
}

// release must never be skipped because the caller's context ended.
func (c *Coordinator) release(ctx context.Context, l lease.Lease) {
	rctx, cancelFn := context.WithTimeout(context.WithoutCancel(ctx), c.opts.OpTimeout)
	defer cancelFn()
	err := c.leases.Release(rctx, l)
	switch {
	case err == nil:
		c.log.Info("lease released", "lease", l.Name)
	case errors.Is(err, lease.ErrNotOwner):
		c.log.Warn("lease owned by another run at release", "lease", l.Name)
	default:
		c.log.Warn("lease release failed", "lease", l.Name, "error", err)
	}
}

// Run is one accepted deploy request. It is streamed or closed exactly once.
type Run struct {
	c     *Coordinator
	spec  pipeline.Spec
	lease lease.Lease
	used  atomic.Bool

	mu     sync.Mutex
	result *pipeline.RunContext
}

func (r *Run) Job() string    { return r.spec.Job }
func (r *Run) BuildID() int64 { return r.spec.BuildID }

// Result returns the finished run once Stream has completed.
func (r *Run) Result() (pipeline.RunContext, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.result == nil {
		return pipeline.RunContext{}, false
	}
	return *r.result, true
}

// Close releases the lease of a run that was never streamed. It is a no-op
// once Stream has been ranged over.
func (r *Run) Close() error {
	if !r.used.CompareAndSwap(false, true) {
		return nil
	}
	r.c.release(context.Background(), r.lease)
	return nil
}

// Stream executes the run, yielding every output chunk. Cancelling ctx or
// breaking out of the range aborts the run. The heartbeat is stopped and the
// lease released before the range statement returns, however the run ends.
// A Run can be streamed once; later calls yield nothing.
func (r *Run) Stream(ctx context.Context) iter.Seq[string] {
	return func(yield func(string) bool) {
		if !r.used.CompareAndSwap(false, true) {
			return
		}
		r.stream(ctx, yield)
	}
}

func (r *Run) stream(ctx context.Context, yield func(string) bool) {
	c := r.c
	job := r.spec.Job
	lg := c.log.With("job", job, "build_id", r.spec.BuildID)

	tok := cancel.New()
	unbind := tok.Bind(ctx, cancel.ReasonClientGone)
	untrack := c.track(r, tok)
	hb := heartbeat.New(c.leases, c.aborts, heartbeat.Options{
		Period:    c.opts.HeartbeatPeriod,
		OpTimeout: c.opts.OpTimeout,
		Logger:    lg,
	})
	spec := r.spec
	var transcript io.WriteCloser
	if c.opts.Transcript != nil {
		if transcript = c.opts.Transcript(job); transcript != nil {
			spec.Transcript = transcript
		}
	}
	metrics.AddActive(job, 1)

	defer func() {
		if err := hb.Stop(c.opts.StopTimeout); err != nil {
			lg.Warn("heartbeat did not stop", "error", err)
		}
		c.release(ctx, r.lease)
		if transcript != nil {
			_ = transcript.Close()
		}
		untrack()
		unbind()
		metrics.AddActive(job, -1)
	}()

	// renewals continue while a cancelled run is being torn down
	hb.Start(context.WithoutCancel(ctx), r.lease, tok)
	rc := c.executor.Execute(context.WithoutCancel(ctx), spec, tok, yield)

	r.mu.Lock()
	r.result = &rc
	r.mu.Unlock()
	metrics.ObserveRun(job, string(rc.State), rc.FinishedAt.Sub(rc.StartedAt))
	if rc.Reason == cancel.ReasonLeaseLost {
		metrics.IncLeaseLost(job)
	}
}

// historyRecorder stores pipeline results through a history.Recorder.
type historyRecorder struct {
	rec *history.Recorder
}

func (h historyRecorder) RecordRun(ctx context.Context, rc pipeline.RunContext) error {
	return h.rec.Record(ctx, toHistory(rc))
}

func toHistory(rc pipeline.RunContext) history.Run {
	return history.Run{
		Job:        rc.Job,
		BuildID:    rc.BuildID,
		StartedAt:  rc.StartedAt,
		FinishedAt: rc.FinishedAt,
		Log:        rc.Log,
		Success:    rc.Success,
		Aborted:    rc.Aborted,
		State:      string(rc.State),
		Reason:     string(rc.Reason),
		ExitCode:   rc.ExitCode,
		Metadata:   rc.Metadata,
	}
}
