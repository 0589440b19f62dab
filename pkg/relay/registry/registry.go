package registry

import (
	"context"
	"sync"
	"time"
)

// Handle is the registry's view of one live session. Teardown must be safe to
// call more than once and must not block the caller.
type Handle struct {
	Teardown     func(reason string)
	Notify       func(code, message string) error
	LastActivity func() time.Time
}

// Registry maps session tokens to live sessions. A token maps to at most one
// session: registering under a token that is already taken tears down the
// previous session before the new one becomes visible.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*entry
	wg       sync.WaitGroup
}

type entry struct {
	handle Handle
	once   sync.Once
}

func New() *Registry {
	return &Registry{
		sessions: make(map[string]*entry),
	}
}

func (r *Registry) Register(token string, h Handle) (unregister func()) {
	if r == nil {
		return func() {}
	}

	e := &entry{handle: h}

	r.mu.Lock()
	if r.sessions == nil {
		r.sessions = make(map[string]*entry)
	}
	old := r.sessions[token]
	r.sessions[token] = e
	r.wg.Add(1)
	r.mu.Unlock()

	if old != nil {
		if old.handle.Teardown != nil {
			old.handle.Teardown("replaced by new connection")
		}
		r.unregister(token, old)
	}

	return func() { r.unregister(token, e) }
}

func (r *Registry) unregister(token string, e *entry) {
	if r == nil || e == nil {
		return
	}
	e.once.Do(func() {
		r.mu.Lock()
		if r.sessions != nil && r.sessions[token] == e {
			delete(r.sessions, token)
		}
		r.mu.Unlock()
		r.wg.Done()
	})
}

// Lookup reports whether a session is currently registered under token.
func (r *Registry) Lookup(token string) (Handle, bool) {
	if r == nil {
		return Handle{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.sessions[token]
	if e == nil {
		return Handle{}, false
	}
	return e.handle, true
}

// Remove tears down and unregisters the session under token, if any.
func (r *Registry) Remove(token, reason string) bool {
	if r == nil {
		return false
	}
	r.mu.Lock()
	e := r.sessions[token]
	r.mu.Unlock()
	if e == nil {
		return false
	}
	if e.handle.Teardown != nil {
		e.handle.Teardown(reason)
	}
	r.unregister(token, e)
	return true
}

func (r *Registry) Count() int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Sweep evicts sessions whose last activity is older than maxIdle as of now.
func (r *Registry) Sweep(now time.Time, maxIdle time.Duration) (evicted int) {
	if r == nil {
		return 0
	}

	type stale struct {
		token string
		e     *entry
	}
	var idle []stale

	r.mu.Lock()
	for token, e := range r.sessions {
		if e == nil || e.handle.LastActivity == nil {
			continue
		}
		if now.Sub(e.handle.LastActivity()) > maxIdle {
			idle = append(idle, stale{token: token, e: e})
		}
	}
	r.mu.Unlock()

	for _, s := range idle {
		if s.e.handle.Teardown != nil {
			s.e.handle.Teardown("idle timeout")
		}
		r.unregister(s.token, s.e)
		evicted++
	}
	return evicted
}

// NotifyShutdownAll sends a shutdown notice to every registered session.
func (r *Registry) NotifyShutdownAll(code, message string) (sent int) {
	if r == nil {
		return 0
	}

	var notifies []func(code, message string) error
	r.mu.Lock()
	for _, e := range r.sessions {
		if e == nil || e.handle.Notify == nil {
			continue
		}
		notifies = append(notifies, e.handle.Notify)
	}
	r.mu.Unlock()

	for _, notify := range notifies {
		_ = notify(code, message)
		sent++
	}
	return sent
}

// TeardownAll force-cancels every registered session.
func (r *Registry) TeardownAll(reason string) (canceled int) {
	if r == nil {
		return 0
	}

	type pending struct {
		token string
		e     *entry
	}
	var all []pending

	r.mu.Lock()
	for token, e := range r.sessions {
		if e == nil {
			continue
		}
		all = append(all, pending{token: token, e: e})
	}
	r.mu.Unlock()

	for _, p := range all {
		if p.e.handle.Teardown != nil {
			p.e.handle.Teardown(reason)
		}
		r.unregister(p.token, p.e)
		canceled++
	}
	return canceled
}

// Wait blocks until every registered session has unregistered, or ctx is
// done. Returns true when all sessions drained.
func (r *Registry) Wait(ctx context.Context) bool {
	if r == nil {
		return true
	}
	if ctx == nil {
		r.wg.Wait()
		return true
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.wg.Wait()
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
