// Package deployr runs configured deployment jobs behind an HTTP API, one
// run per resource class at a time across every server sharing the same
// lease store.
package deployr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/loykin/deployr/internal/abort"
	"github.com/loykin/deployr/internal/auth"
	cfg "github.com/loykin/deployr/internal/config"
	"github.com/loykin/deployr/internal/coordinator"
	"github.com/loykin/deployr/internal/env"
	"github.com/loykin/deployr/internal/history"
	hfactory "github.com/loykin/deployr/internal/history/factory"
	"github.com/loykin/deployr/internal/jobs"
	"github.com/loykin/deployr/internal/kv"
	kvfactory "github.com/loykin/deployr/internal/kv/factory"
	"github.com/loykin/deployr/internal/lease"
	"github.com/loykin/deployr/internal/metrics"
	"github.com/loykin/deployr/internal/pipeline"
	"github.com/loykin/deployr/internal/process"
	iapi "github.com/loykin/deployr/internal/server"
	tlsx "github.com/loykin/deployr/internal/tls"
)

// Re-export core types for external consumers.

type Config = cfg.Config

type Job = jobs.Job

type Step = jobs.Step

type RunResult = pipeline.RunContext

type HistoryRun = history.Run

type HistorySummary = history.Summary

type HistorySink = history.Sink

var (
	ErrBusy        = lease.ErrBusy
	ErrNoActiveRun = coordinator.ErrNoActiveRun
	ErrUnknownJob  = jobs.ErrUnknownJob
	ErrNotFound    = history.ErrNotFound
)

// LoadConfig reads a TOML config file; an empty path yields the defaults.
func LoadConfig(path string) (*Config, error) { return cfg.Load(path) }

// Service owns every long-lived component of one deployr instance.
type Service struct {
	cfg     *Config
	log     *slog.Logger
	store   kv.Store
	history history.Store
	coord   *coordinator.Coordinator
	auth    *auth.Service
	closers []io.Closer
}

// New wires a service from c. extraSinks receive every finished run in
// addition to the sinks named in c.History.Sinks.
func New(c *Config, lg *slog.Logger, extraSinks ...HistorySink) (_ *Service, err error) {
	if lg == nil {
		lg = slog.Default()
	}
	s := &Service{cfg: c, log: lg}
	defer func() {
		if err != nil {
			_ = s.Close()
		}
	}()

	global, err := c.GlobalEnv()
	if err != nil {
		return nil, fmt.Errorf("global env: %w", err)
	}
	catalog, err := jobs.NewCatalog(c.Jobs, env.FromList(global))
	if err != nil {
		return nil, err
	}

	if s.auth, err = auth.NewService(c.Auth); err != nil {
		return nil, err
	}

	if s.store, err = kvfactory.Open(c.Store.DSN); err != nil {
		return nil, fmt.Errorf("open lease store: %w", err)
	}
	s.closers = append(s.closers, s.store)
	if s.history, err = hfactory.NewStoreFromDSN(c.History.DSN); err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}
	s.closers = append(s.closers, s.history)
	sinks := append([]HistorySink(nil), extraSinks...)
	for _, dsn := range c.History.Sinks {
		sink, err := hfactory.NewSinkFromDSN(dsn)
		if err != nil {
			return nil, fmt.Errorf("history sink: %w", err)
		}
		if cl, ok := sink.(io.Closer); ok {
			s.closers = append(s.closers, cl)
		}
		sinks = append(sinks, sink)
	}

	if c.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}
	sup := process.NewSupervisor(s.supervisorConfig())

	s.coord = coordinator.New(coordinator.Deps{
		Catalog: catalog,
		Leases:  lease.NewManager(s.store, c.Lease.KeyPrefix),
		Aborts:  abort.NewSignal(s.store, c.Lease.AbortPrefix, c.Lease.AbortTTL),
		Runner:  sup,
		History: s.history,
		Sinks:   sinks,
	}, coordinator.Options{
		LeaseTTL:        c.Lease.TTL,
		HeartbeatPeriod: c.Lease.Heartbeat,
		OpTimeout:       c.Lease.OpTimeout,
		StopTimeout:     c.Lease.StopTimeout,
		StepDelay:       c.Pipeline.StepDelay,
		Transcript:      c.Log.TranscriptWriter,
		Logger:          lg,
	})
	return s, nil
}

func (s *Service) supervisorConfig() process.Config {
	c := s.cfg.Supervisor
	pc := process.Config{
		PollInterval:   c.PollInterval,
		QueueSize:      c.QueueSize,
		InterruptGrace: c.InterruptGrace,
		TerminateGrace: c.TerminateGrace,
		KillGrace:      c.KillGrace,
		Shell:          c.Shell,
		Logger:         s.log,
		OnEscalate:     func(st process.Stage) { metrics.IncEscalation(st.String()) },
	}
	if s.cfg.Metrics.Enabled {
		sampler := metrics.NewResourceSampler(s.cfg.Metrics.SampleInterval, s.log)
		pc.OnStart = func(cmd process.Command, pid int) func() {
			stop := sampler.Track(cmd.Tag, pid)
			return func() { stop() }
		}
	}
	return pc
}

// Jobs lists the configured jobs sorted by name.
func (s *Service) Jobs() []Job { return s.coord.Catalog().Jobs() }

// Deploy starts job and returns its output stream. The lease is taken before
// Deploy returns, so a busy job fails here with ErrBusy. The stream must be
// consumed for the run to happen; stopping early aborts it.
func (s *Service) Deploy(ctx context.Context, job string, params map[string]string) (buildID int64, out iter.Seq[string], err error) {
	run, err := s.coord.Start(ctx, job, params)
	if err != nil {
		return 0, nil, err
	}
	return run.BuildID(), run.Stream(ctx), nil
}

func (s *Service) Abort(ctx context.Context, job string) error { return s.coord.Abort(ctx, job) }

func (s *Service) Active(ctx context.Context, job string) (bool, error) {
	return s.coord.Active(ctx, job)
}

func (s *Service) History(ctx context.Context, job string, limit int) ([]HistorySummary, error) {
	return s.history.List(ctx, job, limit)
}

func (s *Service) Build(ctx context.Context, job string, buildID int64) (HistoryRun, error) {
	return s.history.Get(ctx, job, buildID)
}

// Handler returns the HTTP API. /metrics is mounted on it when metrics are
// enabled without a dedicated listener.
func (s *Service) Handler() http.Handler {
	m := s.cfg.Metrics
	return iapi.NewRouter(s.coord, s.history, s.cfg.Server.BasePath,
		iapi.WithMetrics(m.Enabled && m.Listen == ""),
		iapi.WithAuth(s.auth),
		iapi.WithLogger(s.log),
	).Handler()
}

// Serve sweeps stale lease entries, then serves the API (and the metrics
// listener, if configured) until ctx is done. Active runs are aborted on
// shutdown.
func (s *Service) Serve(ctx context.Context) error {
	if n, err := s.coord.Sweep(ctx); err != nil {
		s.log.Warn("startup sweep failed", "error", err)
	} else {
		s.log.Debug("startup sweep done", "removed", n)
	}

	api := iapi.NewServer(s.cfg.Server.Listen, s.Handler(), s.cfg.Server.ReadHeaderTimeout)
	tc, err := tlsx.Setup(s.cfg.Server.TLS)
	if err != nil {
		return fmt.Errorf("server tls: %w", err)
	}
	api.TLSConfig = tc
	servers := []*http.Server{api}
	if m := s.cfg.Metrics; m.Enabled && m.Listen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		servers = append(servers, iapi.NewServer(m.Listen, mux, s.cfg.Server.ReadHeaderTimeout))
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, hs := range servers {
		g.Go(func() error {
			s.log.Info("listening", "addr", hs.Addr, "tls", hs.TLSConfig != nil)
			var err error
			if hs.TLSConfig != nil {
				err = hs.ListenAndServeTLS("", "")
			} else {
				err = hs.ListenAndServe()
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("listen %s: %w", hs.Addr, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		s.log.Info("shutting down")
		s.coord.Shutdown()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.Server.ShutdownTimeout)
		defer cancel()
		var errs []error
		for _, hs := range servers {
			errs = append(errs, hs.Shutdown(sctx))
		}
		return errors.Join(errs...)
	})
	return g.Wait()
}

// Close releases the stores. Call it after Serve has returned.
func (s *Service) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i].Close())
	}
	s.closers = nil
	return errors.Join(errs...)
}

// HashPassword returns a bcrypt hash for an [[auth.users]] password_hash.
func HashPassword(password string) (string, error) { return auth.HashPassword(password, 0) }

// RegisterMetrics registers deployr collectors on r instead of the default
// registry. Call it before New for embedded use.
func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }

// MetricsHandler serves the default Prometheus gatherer.
func MetricsHandler() http.Handler { return metrics.Handler() }
