// Package memkv is an in-process kv.Store. It coordinates goroutines of a
// single server only and is meant for tests and single-node deployments.
package memkv

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/loykin/deployr/internal/kv"
)

var errClosed = errors.New("memkv: closed")

type entry struct {
	value   string
	expires time.Time // zero means no expiry
}

func (e entry) live(now time.Time) bool {
	return e.expires.IsZero() || now.Before(e.expires)
}

// Store is a mutex-guarded map with per-entry expiry.
type Store struct {
	mu     sync.Mutex
	data   map[string]entry
	now    func() time.Time
	closed bool
}

// Option customises a Store.
type Option func(*Store)

// WithClock injects the time source, letting tests move time forward.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func New(opts ...Option) *Store {
	s := &Store{data: make(map[string]entry), now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

var _ kv.Store = (*Store)(nil)

// lookup returns a live entry, dropping it if it has expired. Caller holds mu.
func (s *Store) lookup(key string, now time.Time) (entry, bool) {
	e, ok := s.data[key]
	if !ok {
		return entry{}, false
	}
	if !e.live(now) {
		delete(s.data, key)
		return entry{}, false
	}
	return e, true
}

func (s *Store) check(op string) error {
	if s.closed {
		return kv.Unavailable("memkv "+op, errClosed)
	}
	return nil
}

func (s *Store) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	if err := kv.ValidTTL(ttl); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("setnx"); err != nil {
		return false, err
	}
	now := s.now()
	if _, ok := s.lookup(key, now); ok {
		return false, nil
	}
	s.data[key] = entry{value: value, expires: now.Add(ttl)}
	return true, nil
}

func (s *Store) CompareAndExpire(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	if err := kv.ValidTTL(ttl); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("expire"); err != nil {
		return false, err
	}
	now := s.now()
	e, ok := s.lookup(key, now)
	if !ok || e.value != value {
		return false, nil
	}
	e.expires = now.Add(ttl)
	s.data[key] = e
	return true, nil
}

func (s *Store) CompareAndDelete(_ context.Context, key, value string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("cad"); err != nil {
		return false, err
	}
	e, ok := s.lookup(key, s.now())
	if !ok || e.value != value {
		return false, nil
	}
	delete(s.data, key)
	return true, nil
}

func (s *Store) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("get"); err != nil {
		return "", err
	}
	e, ok := s.lookup(key, s.now())
	if !ok {
		return "", kv.ErrNotFound
	}
	return e.value, nil
}

func (s *Store) Set(_ context.Context, key, value string, ttl time.Duration) error {
	if ttl < 0 {
		return kv.ValidTTL(ttl)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("set"); err != nil {
		return err
	}
	e := entry{value: value}
	if ttl > 0 {
		e.expires = s.now().Add(ttl)
	}
	s.data[key] = e
	return nil
}

func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("delete"); err != nil {
		return err
	}
	delete(s.data, key)
	return nil
}

func (s *Store) GetDelete(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("getdel"); err != nil {
		return "", false, err
	}
	e, ok := s.lookup(key, s.now())
	if !ok {
		return "", false, nil
	}
	delete(s.data, key)
	return e.value, true, nil
}

func (s *Store) TTL(_ context.Context, key string) (time.Duration, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("ttl"); err != nil {
		return 0, false, err
	}
	now := s.now()
	e, ok := s.lookup(key, now)
	if !ok {
		return 0, false, nil
	}
	if e.expires.IsZero() {
		return 0, true, nil
	}
	return e.expires.Sub(now), true, nil
}

func (s *Store) Sweep(_ context.Context, prefix string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("sweep"); err != nil {
		return 0, err
	}
	now := s.now()
	n := 0
	for k, e := range s.data {
		if strings.HasPrefix(k, prefix) && !e.live(now) {
			delete(s.data, k)
			n++
		}
	}
	return n, nil
}

func (s *Store) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.check("ping")
}

// Close makes every later call fail with kv.ErrUnavailable, which lets tests
// simulate a store outage.
func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
