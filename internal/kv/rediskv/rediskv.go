// Package rediskv implements kv.Store on Redis. Conditional updates are Lua
// scripts so each one runs atomically on the server.
package rediskv

import (
	"context"
	"errors"
	"time"

	"github.com/loykin/deployr/internal/kv"
	"github.com/redis/go-redis/v9"
)

var (
	// KEYS[1]=key ARGV[1]=expected ARGV[2]=ttl ms
	compareAndExpire = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

	// KEYS[1]=key ARGV[1]=expected
	compareAndDelete = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
)

type Store struct {
	client redis.UniversalClient
}

var _ kv.Store = (*Store)(nil)

// New wraps an existing client. The Store takes ownership and closes it.
func New(client redis.UniversalClient) *Store {
	return &Store{client: client}
}

// NewFromURL parses redis:// or rediss:// URLs.
func NewFromURL(url string) (*Store, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return New(redis.NewClient(opts)), nil
}

func wrap(op string, err error) error {
	if err == nil || errors.Is(err, redis.Nil) {
		return nil
	}
	return kv.Unavailable("redis "+op, err)
}

func (s *Store) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if err := kv.ValidTTL(ttl); err != nil {
		return false, err
	}
	ok, err := s.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, wrap("setnx", err)
	}
	return ok, nil
}

func (s *Store) CompareAndExpire(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if err := kv.ValidTTL(ttl); err != nil {
		return false, err
	}
	n, err := compareAndExpire.Run(ctx, s.client, []string{key}, value, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, wrap("expire", err)
	}
	return n == 1, nil
}

func (s *Store) CompareAndDelete(ctx context.Context, key, value string) (bool, error) {
	n, err := compareAndDelete.Run(ctx, s.client, []string{key}, value).Int64()
	if err != nil {
		return false, wrap("cad", err)
	}
	return n == 1, nil
}

func (s *Store) Get(ctx context.Context, key string) (string, error) {
	v, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", kv.ErrNotFound
	}
	if err != nil {
		return "", wrap("get", err)
	}
	return v, nil
}

func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl < 0 {
		return kv.ValidTTL(ttl)
	}
	return wrap("set", s.client.Set(ctx, key, value, ttl).Err())
}

func (s *Store) Delete(ctx context.Context, key string) error {
	return wrap("del", s.client.Del(ctx, key).Err())
}

func (s *Store) GetDelete(ctx context.Context, key string) (string, bool, error) {
	v, err := s.client.GetDel(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, wrap("getdel", err)
	}
	return v, true, nil
}

func (s *Store) TTL(ctx context.Context, key string) (time.Duration, bool, error) {
	d, err := s.client.PTTL(ctx, key).Result()
	if err != nil {
		return 0, false, wrap("pttl", err)
	}
	// PTTL reports -2 for a missing key and -1 for a key without expiry.
	switch d {
	case -2:
		return 0, false, nil
	case -1:
		return 0, true, nil
	}
	return d, true, nil
}

// Sweep deletes keys under prefix that carry no expiry. Leases and abort flags
// are always written with a ttl, so a persistent key there is a leftover from
// a manual or crashed write. Expired keys are already gone in Redis.
func (s *Store) Sweep(ctx context.Context, prefix string) (int, error) {
	n := 0
	iter := s.client.Scan(ctx, 0, prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		d, err := s.client.PTTL(ctx, key).Result()
		if err != nil {
			return n, wrap("pttl", err)
		}
		if d != -1 {
			continue
		}
		removed, err := s.client.Del(ctx, key).Result()
		if err != nil {
			return n, wrap("del", err)
		}
		n += int(removed)
	}
	if err := iter.Err(); err != nil {
		return n, wrap("scan", err)
	}
	return n, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return wrap("ping", s.client.Ping(ctx).Err())
}

func (s *Store) Close() error { return s.client.Close() }
