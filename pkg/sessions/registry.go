// Package sessions tracks live call sessions by call ID so webhook and media
// events can be routed to the right actor, and so shutdown can drain calls
// in flight.
package sessions

import (
	"context"
	"sync"

	"github.com/voicedesk/callcore/pkg/session"
)

// Registry holds at most one session per call ID.
type Registry struct {
	mu    sync.Mutex
	calls map[string]*entry
	wg    sync.WaitGroup
}

type entry struct {
	sess *session.Session
	once sync.Once
}

func NewRegistry() *Registry {
	return &Registry{calls: make(map[string]*entry)}
}

// Register tracks a session under its call ID. A session already registered
// under the same ID is ended first; at most one session per call ID exists.
// The returned func removes this registration and is safe to call more than
// once.
func (r *Registry) Register(callID string, sess *session.Session) (unregister func()) {
	e := &entry{sess: sess}

	r.mu.Lock()
	old := r.calls[callID]
	r.calls[callID] = e
	r.wg.Add(1)
	r.mu.Unlock()

	if old != nil {
		old.sess.End("superseded")
		r.remove(callID, old)
	}
	return func() { r.remove(callID, e) }
}

func (r *Registry) remove(callID string, e *entry) {
	e.once.Do(func() {
		r.mu.Lock()
		if r.calls[callID] == e {
			delete(r.calls, callID)
		}
		r.mu.Unlock()
		r.wg.Done()
	})
}

// Get returns the live session for callID, or nil.
func (r *Registry) Get(callID string) *session.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.calls[callID]; ok {
		return e.sess
	}
	return nil
}

// Count returns the number of registered sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

// EndAll requests teardown of every registered session.
func (r *Registry) EndAll(reason string) (ended int) {
	r.mu.Lock()
	sessions := make([]*session.Session, 0, len(r.calls))
	for _, e := range r.calls {
		sessions = append(sessions, e.sess)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		s.End(reason)
		ended++
	}
	return ended
}

// Wait blocks until every registration has been removed, or until ctx ends.
// Returns true when the registry drained fully.
func (r *Registry) Wait(ctx context.Context) bool {
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
