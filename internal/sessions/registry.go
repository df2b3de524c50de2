package sessions

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/pvzzle/cryptopay/internal/ethwatch"

	"github.com/google/uuid"
)

// ErrConflict is returned when a transaction is already being tracked under a different key.
var ErrConflict = errors.New("transaction is being verified for another request")

// Key identifies one confirmation session together with who asked for it.
// Only a request with an identical key may join a running session.
type Key struct {
	TxHash  string
	OrderID int64
	UserID  int64
	Payer   string // claimed sender, lowercased
}

type Snapshot[R any] struct {
	ID         string
	Key        Key
	State      ethwatch.State
	Done       bool
	Result     R
	StartedAt  time.Time
	FinishedAt time.Time
}

type Session[R any] struct {
	id        string
	key       Key
	startedAt time.Time

	cancel context.CancelFunc
	done   chan struct{}

	mu         sync.Mutex
	state      ethwatch.State
	result     R
	finished   bool
	finishedAt time.Time
	waiters    int
}

func (s *Session[R]) ID() string { return s.id }

func (s *Session[R]) Key() Key { return s.key }

func (s *Session[R]) Done() <-chan struct{} { return s.done }

func (s *Session[R]) setState(st ethwatch.State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Session[R]) Snapshot() Snapshot[R] {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Snapshot[R]{
		ID:         s.id,
		Key:        s.key,
		State:      s.state,
		Done:       s.finished,
		Result:     s.result,
		StartedAt:  s.startedAt,
		FinishedAt: s.finishedAt,
	}
}

// RunFunc performs the session work. progress publishes intermediate state.
type RunFunc[R any] func(ctx context.Context, progress func(ethwatch.State)) R

// Registry owns background confirmation sessions. Sessions run under the
// registry's root context, so callers that stop waiting do not stop tracking.
type Registry[R any] struct {
	root      context.Context
	retention time.Duration
	now       func() time.Time

	mu     sync.Mutex
	byID   map[string]*Session[R]
	active map[Key]*Session[R]
	byHash map[string]*Session[R]

	wg sync.WaitGroup
}

func NewRegistry[R any](root context.Context, retention time.Duration) *Registry[R] {
	if retention <= 0 {
		retention = 10 * time.Minute
	}
	return &Registry[R]{
		root:      root,
		retention: retention,
		now:       time.Now,
		byID:      make(map[string]*Session[R]),
		active:    make(map[Key]*Session[R]),
		byHash:    make(map[string]*Session[R]),
	}
}

// Start joins the in-flight session for key or launches a new one. The caller
// is counted as a waiter until it calls Leave. joined reports whether an
// existing session was returned.
func (r *Registry[R]) Start(key Key, run RunFunc[R]) (s *Session[R], joined bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.purgeLocked()

	if cur := r.active[key]; cur != nil {
		cur.mu.Lock()
		cur.waiters++
		cur.mu.Unlock()
		return cur, true, nil
	}
	if other := r.byHash[key.TxHash]; other != nil {
		return nil, false, ErrConflict
	}

	ctx, cancel := context.WithCancel(r.root)
	now := r.now()
	s = &Session[R]{
		id:        uuid.NewString(),
		key:       key,
		startedAt: now,
		cancel:    cancel,
		done:      make(chan struct{}),
		state: ethwatch.State{
			TxHash:    key.TxHash,
			StartedAt: now,
			Status:    ethwatch.StatusPending,
		},
		waiters: 1,
	}
	r.byID[s.id] = s
	r.active[key] = s
	r.byHash[key.TxHash] = s

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer cancel()

		res := run(ctx, s.setState)

		s.mu.Lock()
		s.result = res
		s.finished = true
		s.finishedAt = r.now()
		s.mu.Unlock()

		r.mu.Lock()
		if r.active[key] == s {
			delete(r.active, key)
		}
		if r.byHash[key.TxHash] == s {
			delete(r.byHash, key.TxHash)
		}
		r.mu.Unlock()

		close(s.done)
	}()

	return s, false, nil
}

// Leave drops the caller's interest in s and returns the number of remaining waiters.
func (r *Registry[R]) Leave(s *Session[R]) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.waiters > 0 {
		s.waiters--
	}
	return s.waiters
}

// Wait blocks until s finishes or ctx is done. ok is false when ctx ended first.
func (r *Registry[R]) Wait(ctx context.Context, s *Session[R]) (snap Snapshot[R], ok bool) {
	select {
	case <-s.done:
		return s.Snapshot(), true
	case <-ctx.Done():
		return s.Snapshot(), false
	}
}

func (r *Registry[R]) Get(id string) (*Session[R], bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.purgeLocked()
	s, ok := r.byID[id]
	return s, ok
}

// Cancel stops a running session. Finished sessions are left untouched.
func (r *Registry[R]) Cancel(id string) bool {
	s, ok := r.Get(id)
	if !ok {
		return false
	}
	s.cancel()
	return true
}

// Active returns the number of sessions still tracking.
func (r *Registry[R]) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// Shutdown waits for running sessions to return. Cancel the root context first.
func (r *Registry[R]) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Registry[R]) purgeLocked() {
	cutoff := r.now().Add(-r.retention)
	for id, s := range r.byID {
		s.mu.Lock()
		expired := s.finished && s.finishedAt.Before(cutoff)
		s.mu.Unlock()
		if expired {
			delete(r.byID, id)
		}
	}
}
