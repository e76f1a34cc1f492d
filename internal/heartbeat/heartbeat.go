// Package heartbeat keeps a run's lease alive and turns abort requests and
// lease loss into a cancellation of the run's token.
package heartbeat

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/deployr/internal/cancel"
	"github.com/loykin/deployr/internal/lease"
)

const (
	DefaultPeriod    = 500 * time.Millisecond
	DefaultOpTimeout = 2 * time.Second
)

// ErrStopTimeout is returned by Stop when the loop did not exit in time.
var ErrStopTimeout = errors.New("heartbeat: stop timed out")

type Renewer interface {
	Renew(ctx context.Context, l lease.Lease) error
}

type Poller interface {
	PollAndConsume(ctx context.Context, name string) (bool, error)
}

type Options struct {
	Period time.Duration
	// OpTimeout bounds each store call so a hung store cannot stall ticks.
	OpTimeout time.Duration
	Logger    *slog.Logger
	// OnTick is called after every tick; tests use it to synchronise.
	OnTick func()
}

// Loop runs once per job execution. Start and Stop may each be called once.
type Loop struct {
	leases Renewer
	aborts Poller
	opts   Options
	log    *slog.Logger

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
}

func New(leases Renewer, aborts Poller, opts Options) *Loop {
	if opts.Period <= 0 {
		opts.Period = DefaultPeriod
	}
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = DefaultOpTimeout
	}
	lg := opts.Logger
	if lg == nil {
		lg = slog.Default()
	}
	return &Loop{
		leases: leases,
		aborts: aborts,
		opts:   opts,
		log:    lg,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start launches the loop in its own goroutine.
func (h *Loop) Start(ctx context.Context, l lease.Lease, tok *cancel.Token) {
	h.startOnce.Do(func() {
		go h.run(ctx, l, tok)
	})
}

func (h *Loop) run(ctx context.Context, l lease.Lease, tok *cancel.Token) {
	defer close(h.done)
	t := time.NewTicker(h.opts.Period)
	defer t.Stop()
	lg := h.log.With("lease", l.Name)
	lost := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.stop:
			return
		case <-t.C:
		}
		if !lost {
			lost = h.renew(ctx, l, tok, lg)
		}
		// Polling goes on after the token is cancelled so a late request is
		// consumed by this run rather than hitting the next owner. After a
		// lost lease the name may already belong to someone else.
		if !lost {
			h.poll(ctx, l, tok, lg)
		}
		if h.opts.OnTick != nil {
			h.opts.OnTick()
		}
	}
}

func (h *Loop) renew(ctx context.Context, l lease.Lease, tok *cancel.Token, lg *slog.Logger) bool {
	cctx, cancelFn := context.WithTimeout(ctx, h.opts.OpTimeout)
	defer cancelFn()
	err := h.leases.Renew(cctx, l)
	switch {
	case err == nil:
		return false
	case errors.Is(err, lease.ErrLost):
		lg.Warn("lease lost", "token", l.Token)
		tok.Cancel(cancel.ReasonLeaseLost)
		return true
	default:
		// the lease ttl bounds how long a failing store can keep us unsure
		lg.Warn("lease renew failed", "error", err)
		return false
	}
}

func (h *Loop) poll(ctx context.Context, l lease.Lease, tok *cancel.Token, lg *slog.Logger) {
	cctx, cancelFn := context.WithTimeout(ctx, h.opts.OpTimeout)
	defer cancelFn()
	requested, err := h.aborts.PollAndConsume(cctx, l.Name)
	if err != nil {
		lg.Warn("abort poll failed", "error", err)
		return
	}
	if requested && tok.Cancel(cancel.ReasonAborted) {
		lg.Info("abort requested")
	}
}

// Stop asks the loop to exit and waits up to timeout for it. A lease release
// must happen only after Stop returns, so that a late renew cannot race it.
func (h *Loop) Stop(timeout time.Duration) error {
	h.stopOnce.Do(func() { close(h.stop) })
	select {
	case <-h.done:
		return nil
	default:
	}
	// never started
	started := true
	h.startOnce.Do(func() { started = false; close(h.done) })
	if !started {
		return nil
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-h.done:
		return nil
	case <-timer.C:
		return ErrStopTimeout
	}
}
