// Package auth implements the credential lifecycle of one backend
// adapter: lazy refresh ahead of expiry, revocation on hard failure,
// and de-duplication of concurrent refreshes.
package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

var (
	// ErrUnauthenticated means no credential is available for the call.
	ErrUnauthenticated = errors.New("not authenticated")

	// ErrExpired means the credential was revoked server-side or a
	// refresh failed; the caller must re-login.
	ErrExpired = errors.New("authentication expired")
)

// State is the lifecycle position of one adapter's credential.
type State int

const (
	StateUnauthenticated State = iota
	StateAuthenticated
	StateRefreshing
	StateRevoked
)

func (s State) String() string {
	switch s {
	case StateAuthenticated:
		return "authenticated"
	case StateRefreshing:
		return "refreshing"
	case StateRevoked:
		return "revoked"
	default:
		return "unauthenticated"
	}
}

// ExpirySkew is how far ahead of the expiration time a credential is
// treated as expiring and refreshed before use.
const ExpirySkew = 60 * time.Second

// Credential is what the guard needs to know about a live credential.
type Credential interface {
	IsZero() bool
	ExpiresWithin(time.Duration) bool
	Refreshable() bool
}

// RefreshFunc exchanges a credential carrying a refresh token for a new
// one. Supplied by the adapter; nil for static-credential backends.
type RefreshFunc[T Credential] func(ctx context.Context, cred T) (T, error)

// Guard serializes the refresh path of one adapter. Concurrent calls
// that both observe "needs refresh" share a single in-flight refresh
// instead of racing each other with mutually invalidating tokens.
type Guard[T Credential] struct {
	refresh RefreshFunc[T]
	skew    time.Duration

	group singleflight.Group

	mu    sync.RWMutex
	state State
}

func NewGuard[T Credential](refresh RefreshFunc[T]) *Guard[T] {
	return &Guard[T]{refresh: refresh, skew: ExpirySkew}
}

// State returns the current lifecycle state.
func (g *Guard[T]) State() State {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.state
}

// SetAuthenticated records a successful login or restored credential.
func (g *Guard[T]) SetAuthenticated() {
	g.setState(StateAuthenticated)
}

// Revoke records a hard authentication failure. Subsequent Fresh calls
// fail fast until the next SetAuthenticated.
func (g *Guard[T]) Revoke() {
	g.setState(StateRevoked)
}

// Reset returns the guard to the unauthenticated state after an
// explicit logout.
func (g *Guard[T]) Reset() {
	g.setState(StateUnauthenticated)
}

func (g *Guard[T]) setState(s State) {
	g.mu.Lock()
	g.state = s
	g.mu.Unlock()
}

// Fresh returns a credential usable for the next call, refreshing it
// first when it expires within the skew window. The in-flight call is
// blocked until the refresh completes; there is no retry loop beyond
// this single refresh-then-call sequence. A failed refresh revokes the
// credential and the call fails with ErrExpired without the original
// request being attempted.
//
// changed, when non-nil, is invoked with the replacement credential
// after a successful refresh.
func (g *Guard[T]) Fresh(ctx context.Context, cred T, changed func(T)) (T, error) {
	var zero T

	if cred.IsZero() {
		if g.State() == StateRevoked {
			return zero, ErrExpired
		}
		return zero, ErrUnauthenticated
	}
	if !cred.ExpiresWithin(g.skew) {
		// A usable credential re-authenticates a revoked guard: another
		// process may have logged in again and reconciled it over.
		g.SetAuthenticated()
		return cred, nil
	}
	if g.State() == StateRevoked {
		// Same stale credential after a failed refresh: fail fast
		// instead of re-attempting the refresh.
		return zero, ErrExpired
	}

	// Expiring. Without a refresh token the credential cannot
	// self-renew and expires into a hard-unauthenticated state.
	if !cred.Refreshable() || g.refresh == nil {
		g.Revoke()
		return zero, fmt.Errorf("credential expired without refresh token: %w", ErrExpired)
	}

	v, err, _ := g.group.Do("refresh", func() (any, error) {
		g.setState(StateRefreshing)

		// Detached from the first caller's context so one cancelled
		// caller cannot poison the refresh every waiter shares.
		next, rerr := g.refresh(context.WithoutCancel(ctx), cred)
		if rerr != nil {
			g.Revoke()
			return nil, fmt.Errorf("credential refresh failed: %w: %w", ErrExpired, rerr)
		}

		g.SetAuthenticated()
		if changed != nil {
			changed(next)
		}
		return next, nil
	})
	if err != nil {
		return zero, err
	}

	return v.(T), nil
}
