// Package cancel implements the cooperative cancellation fabric: tokens that
// propagate a stop signal through arbitrarily nested streaming operations
// without preempting in-flight I/O.
package cancel

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/anrdispatch/dispatchd/internal/errs"
)

// Token is a monotonic Live→Cancelled value. Once Cancel returns, every
// subsequent Check call fails; there is no reverse edge.
type Token struct {
	id string

	mu          sync.Mutex
	cancelled   bool
	reason      string
	cancelledAt time.Time
	callbacks   []func(reason string)
}

// NewToken creates a fresh, live token. If id is empty one is generated.
func NewToken(id string) *Token {
	if id == "" {
		id = uuid.NewString()
	}
	return &Token{id: id}
}

// ID returns the token's identifier.
func (t *Token) ID() string { return t.id }

// Cancel is idempotent: the first call flips the flag, records the reason
// and timestamp, and synchronously fires every registered callback in
// registration order. Subsequent calls are no-ops. A callback panic or the
// caller's own handling of an error returned by one callback never prevents
// sibling callbacks from running.
func (t *Token) Cancel(reason string) {
	t.mu.Lock()
	if t.cancelled {
		t.mu.Unlock()
		return
	}
	t.cancelled = true
	t.reason = reason
	t.cancelledAt = time.Now()
	callbacks := append([]func(string){}, t.callbacks...)
	t.mu.Unlock()

	for _, cb := range callbacks {
		fireIsolated(cb, reason)
	}
}

// fireIsolated invokes cb, converting any panic into a no-op so a single
// misbehaving callback can never block its siblings or the caller of Cancel.
func fireIsolated(cb func(string), reason string) {
	defer func() { _ = recover() }()
	cb(reason)
}

// Cancelled reports whether the token has been cancelled.
func (t *Token) Cancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

// Reason returns the cancellation reason, or "" if still live.
func (t *Token) Reason() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reason
}

// CancelledAt returns the cancellation timestamp, or the zero Time if still
// live.
func (t *Token) CancelledAt() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelledAt
}

// Check fails with a KindCancelled error if the token has been cancelled,
// otherwise returns nil. Call sites must invoke this before each chunk and
// after each StreamEvent per the concurrency model.
func (t *Token) Check() error {
	t.mu.Lock()
	cancelled, reason := t.cancelled, t.reason
	t.mu.Unlock()
	if !cancelled {
		return nil
	}
	return errs.New(errs.KindCancelled, "cancel.Check", reason, nil)
}

// AddCallback registers fn to fire when the token is cancelled. If the token
// is already cancelled, fn runs synchronously before AddCallback returns.
func (t *Token) AddCallback(fn func(reason string)) {
	t.mu.Lock()
	if t.cancelled {
		reason := t.reason
		t.mu.Unlock()
		fireIsolated(fn, reason)
		return
	}
	t.callbacks = append(t.callbacks, fn)
	t.mu.Unlock()
}

// Manager owns a registry of tokens by id, supporting bulk cancellation and
// cleanup of stale entries. One Manager is constructed with NewManager at
// startup and shared process-wide; it has no separate Init or Shutdown
// method (CancelAll cancels every registered token).
type Manager struct {
	mu     sync.Mutex
	tokens map[string]*Token
}

// NewManager constructs an empty token manager.
func NewManager() *Manager {
	return &Manager{tokens: make(map[string]*Token)}
}

// New creates and registers a fresh token.
func (m *Manager) New(id string) *Token {
	tok := NewToken(id)
	m.mu.Lock()
	m.tokens[tok.ID()] = tok
	m.mu.Unlock()
	return tok
}

// Cancel cancels the token registered under id, if any, returning whether it
// was found.
func (m *Manager) Cancel(id, reason string) bool {
	m.mu.Lock()
	tok, ok := m.tokens[id]
	m.mu.Unlock()
	if !ok {
		return false
	}
	tok.Cancel(reason)
	return true
}

// CancelAll cancels every currently-registered token.
func (m *Manager) CancelAll(reason string) {
	m.mu.Lock()
	tokens := make([]*Token, 0, len(m.tokens))
	for _, tok := range m.tokens {
		tokens = append(tokens, tok)
	}
	m.mu.Unlock()
	for _, tok := range tokens {
		tok.Cancel(reason)
	}
}

// CleanupOlderThan removes cancelled tokens whose CancelledAt exceeds age.
// Live tokens are never removed. Returns the number removed.
func (m *Manager) CleanupOlderThan(age time.Duration) int {
	cutoff := time.Now().Add(-age)
	removed := 0
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, tok := range m.tokens {
		if tok.Cancelled() && tok.CancelledAt().Before(cutoff) {
			delete(m.tokens, id)
			removed++
		}
	}
	return removed
}

// ActiveCount returns the number of registered, not-yet-cancelled tokens.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, tok := range m.tokens {
		if !tok.Cancelled() {
			n++
		}
	}
	return n
}
