// Package abort is the side channel through which any client asks the run
// holding a named lease to stop.
package abort

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/loykin/deployr/internal/kv"
)

const (
	DefaultPrefix = "deployr:abort:"
	DefaultTTL    = 30 * time.Second
)

// Signal stores one short-lived flag per lease name. Requests are keyed by
// name rather than by run, so a flag set just after a run ends can still be
// seen by the next run on the same name until its ttl lapses.
type Signal struct {
	store  kv.Store
	prefix string
	ttl    time.Duration
}

func NewSignal(store kv.Store, prefix string, ttl time.Duration) *Signal {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Signal{store: store, prefix: prefix, ttl: ttl}
}

func (s *Signal) key(name string) string { return s.prefix + name }

// Request sets the flag. Repeating it only refreshes the ttl.
func (s *Signal) Request(ctx context.Context, name string) error {
	if name == "" {
		return errors.New("abort: empty name")
	}
	if err := s.store.Set(ctx, s.key(name), "1", s.ttl); err != nil {
		return fmt.Errorf("abort request %s: %w", name, err)
	}
	return nil
}

// PollAndConsume atomically reads and clears the flag, so each request is
// observed at most once.
func (s *Signal) PollAndConsume(ctx context.Context, name string) (bool, error) {
	_, ok, err := s.store.GetDelete(ctx, s.key(name))
	if err != nil {
		return false, fmt.Errorf("abort poll %s: %w", name, err)
	}
	return ok, nil
}

// Clear drops a pending flag without observing it.
func (s *Signal) Clear(ctx context.Context, name string) error {
	if err := s.store.Delete(ctx, s.key(name)); err != nil {
		return fmt.Errorf("abort clear %s: %w", name, err)
	}
	return nil
}

// Sweep removes lapsed flags left by crashed instances.
func (s *Signal) Sweep(ctx context.Context) (int, error) {
	return s.store.Sweep(ctx, s.prefix)
}
