// Package lease implements a named, time-bounded exclusive lock on top of a
// shared kv.Store. Ownership is proven by an opaque token and only changes
// hands through expiry.
package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/deployr/internal/kv"
)

var (
	// ErrBusy means another owner holds an unexpired lease. It is a normal
	// rejection, not a failure.
	ErrBusy = errors.New("lease: busy")
	// ErrLost means the lease expired and was taken or cleared since the last
	// renewal. The holder no longer owns the resource.
	ErrLost = errors.New("lease: lost")
	// ErrNotOwner is returned by Release when the stored token differs.
	ErrNotOwner = errors.New("lease: not owner")
)

const DefaultPrefix = "deployr:lease:"

// Lease is the handle returned by a successful Acquire.
type Lease struct {
	Name       string
	Token      string
	TTL        time.Duration
	AcquiredAt time.Time
}

type Manager struct {
	store  kv.Store
	prefix string
}

func NewManager(store kv.Store, prefix string) *Manager {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Manager{store: store, prefix: prefix}
}

func (m *Manager) key(name string) string { return m.prefix + name }

// Prefix is the key namespace used for leases.
func (m *Manager) Prefix() string { return m.prefix }

// Acquire never blocks or queues: a held lease yields ErrBusy at once.
func (m *Manager) Acquire(ctx context.Context, name string, ttl time.Duration) (Lease, error) {
	if name == "" {
		return Lease{}, errors.New("lease: empty name")
	}
	token := uuid.NewString()
	ok, err := m.store.SetNX(ctx, m.key(name), token, ttl)
	if err != nil {
		return Lease{}, fmt.Errorf("acquire %s: %w", name, err)
	}
	if !ok {
		return Lease{}, ErrBusy
	}
	return Lease{Name: name, Token: token, TTL: ttl, AcquiredAt: time.Now()}, nil
}

// Renew pushes the expiry forward by the lease ttl.
func (m *Manager) Renew(ctx context.Context, l Lease) error {
	ok, err := m.store.CompareAndExpire(ctx, m.key(l.Name), l.Token, l.TTL)
	if err != nil {
		return fmt.Errorf("renew %s: %w", l.Name, err)
	}
	if !ok {
		return ErrLost
	}
	return nil
}

// Release deletes the lease only while l still owns it, so a late release
// after expiry never removes a newer owner's entry.
func (m *Manager) Release(ctx context.Context, l Lease) error {
	ok, err := m.store.CompareAndDelete(ctx, m.key(l.Name), l.Token)
	if err != nil {
		return fmt.Errorf("release %s: %w", l.Name, err)
	}
	if !ok {
		return ErrNotOwner
	}
	return nil
}

// Holder reports whether any unexpired lease exists for name and how long it
// has left.
func (m *Manager) Holder(ctx context.Context, name string) (bool, time.Duration, error) {
	d, ok, err := m.store.TTL(ctx, m.key(name))
	if err != nil {
		return false, 0, fmt.Errorf("holder %s: %w", name, err)
	}
	return ok, d, nil
}

// Sweep removes lapsed lease entries left behind by crashed instances.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	return m.store.Sweep(ctx, m.prefix)
}
