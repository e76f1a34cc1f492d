package kv

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when a key is absent or already expired.
	ErrNotFound = errors.New("kv: key not found")
	// ErrUnavailable marks connectivity failures of the backing store.
	// Callers must treat it as transient and never as a logical answer.
	ErrUnavailable = errors.New("kv: store unavailable")
)

// Store is the shared key-value store used for leases and abort flags.
// Every mutating primitive is atomic with respect to other clients of the
// same backing store. Implementations must be safe for concurrent use.
type Store interface {
	// SetNX stores value under key with the given ttl only if no unexpired
	// entry exists. It reports whether the value was stored.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// CompareAndExpire pushes the expiry of key to now+ttl only if the stored
	// value equals value and has not expired.
	CompareAndExpire(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// CompareAndDelete deletes key only if the stored value equals value.
	CompareAndDelete(ctx context.Context, key, value string) (bool, error)
	Get(ctx context.Context, key string) (string, error)
	// Set stores value unconditionally. A zero ttl means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// GetDelete atomically reads and removes key. ok is false when absent.
	GetDelete(ctx context.Context, key string) (value string, ok bool, err error)
	// TTL reports whether key exists and its remaining time to live.
	// A zero duration with ok=true means the key never expires.
	TTL(ctx context.Context, key string) (time.Duration, bool, error)
	// Sweep removes entries under prefix whose expiry already lapsed and
	// returns how many were removed.
	Sweep(ctx context.Context, prefix string) (int, error)
	Ping(ctx context.Context) error
	Close() error
}

// Unavailable wraps err so that errors.Is(err, ErrUnavailable) holds.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrUnavailable) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}

// ValidTTL rejects non-positive expiries for operations that require one.
func ValidTTL(ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("kv: ttl must be positive, got %s", ttl)
	}
	return nil
}
