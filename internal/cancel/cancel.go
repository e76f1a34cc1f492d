// Package cancel provides the one-shot cancellation token shared by a run's
// pipeline, heartbeat and process supervisor.
package cancel

import (
	"context"
	"sync"
)

// Reason tells why a run was cancelled.
type Reason string

const (
	ReasonNone       Reason = ""
	ReasonAborted    Reason = "aborted"
	ReasonLeaseLost  Reason = "lease_lost"
	ReasonClientGone Reason = "client_gone"
	ReasonShutdown   Reason = "shutdown"
)

// Token is set at most once and never cleared. The zero value is not usable;
// create tokens with New.
type Token struct {
	once   sync.Once
	done   chan struct{}
	mu     sync.RWMutex
	reason Reason
}

func New() *Token {
	return &Token{done: make(chan struct{})}
}

// Cancel sets the token. Only the first call has an effect and reports true.
func (t *Token) Cancel(r Reason) bool {
	fired := false
	t.once.Do(func() {
		t.mu.Lock()
		t.reason = r
		t.mu.Unlock()
		close(t.done)
		fired = true
	})
	return fired
}

// Done is closed once the token is cancelled.
func (t *Token) Done() <-chan struct{} { return t.done }

func (t *Token) Canceled() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Reason returns ReasonNone until the token is cancelled.
func (t *Token) Reason() Reason {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.reason
}

// Bind cancels the token with r when ctx is done. The returned stop function
// detaches the binding and must be called once the token is no longer needed.
func (t *Token) Bind(ctx context.Context, r Reason) (stop func()) {
	s := context.AfterFunc(ctx, func() { t.Cancel(r) })
	return func() { s() }
}
