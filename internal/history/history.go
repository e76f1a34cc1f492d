// Package history persists finished deployment runs and exports them to
// analytics systems.
package history

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

var ErrNotFound = errors.New("build not found")

// DefaultListLimit is how many summaries List returns when limit <= 0.
const DefaultListLimit = 10

// Run is one finished deployment as stored.
type Run struct {
	Job        string            `json:"job"`
	BuildID    int64             `json:"build_id"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at"`
	Log        string            `json:"output_log"`
	Success    bool              `json:"success"`
	Aborted    bool              `json:"aborted"`
	State      string            `json:"state"`
	Reason     string            `json:"reason,omitempty"`
	ExitCode   int               `json:"exit_code"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Summary is a Run without its log.
type Summary struct {
	Job        string            `json:"job"`
	BuildID    int64             `json:"build_id"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at"`
	Success    bool              `json:"success"`
	Aborted    bool              `json:"aborted"`
	State      string            `json:"state"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

func (r Run) Summary() Summary {
	return Summary{
		Job:        r.Job,
		BuildID:    r.BuildID,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
		Success:    r.Success,
		Aborted:    r.Aborted,
		State:      r.State,
		Metadata:   r.Metadata,
	}
}

// Store is the durable run history.
type Store interface {
	// NextBuildID returns one more than the highest id allocated for job.
	// Concurrent callers always get distinct ids.
	NextBuildID(ctx context.Context, job string) (int64, error)
	RecordRun(ctx context.Context, r Run) error
	Get(ctx context.Context, job string, buildID int64) (Run, error)
	// List returns the newest runs of job first.
	List(ctx context.Context, job string, limit int) ([]Summary, error)
	Close() error
}

// Sink is a destination for finished runs (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, r Run) error
}

// Recorder writes a run to the store and then to every sink. Sink failures
// are logged and never reported to the caller.
type Recorder struct {
	store Store
	sinks []Sink
	log   *slog.Logger
}

func NewRecorder(store Store, sinks []Sink, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: store, sinks: sinks, log: logger}
}

func (r *Recorder) Record(ctx context.Context, run Run) error {
	var err error
	if r.store != nil {
		err = r.store.RecordRun(ctx, run)
	}
	for _, s := range r.sinks {
		if serr := s.Send(ctx, run); serr != nil {
			r.log.Warn("history sink failed", "job", run.Job, "build_id", run.BuildID, "error", serr)
		}
	}
	return err
}
