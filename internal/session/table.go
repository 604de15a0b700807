package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"signify-ivr/internal/domain"
)

type entry struct {
	mu   sync.Mutex
	sess domain.CallSession
}

// Table is the process-local call session registry.
//
// Sessions for different call ids never share a lock beyond the short map
// lookup. Update holds the session's own lock for the whole callback, so two
// updates for the same call id run one after the other instead of
// interleaving; a front end that races steps of one call gets them applied in
// lock order.
type Table struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

func NewTable() *Table {
	return &Table{entries: make(map[string]*entry)}
}

// Insert registers a new session. It fails with domain.ErrSessionExists if
// the call id is already present.
func (t *Table) Insert(_ context.Context, s domain.CallSession) error {
	if s.CallID == "" {
		return errors.New("session: Insert: call id is required")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.entries[s.CallID]; ok {
		return domain.ErrSessionExists
	}
	t.entries[s.CallID] = &entry{sess: s}
	return nil
}

// Get returns a copy of the session.
func (t *Table) Get(_ context.Context, callID string) (domain.CallSession, error) {
	e, ok := t.lookup(callID)
	if !ok {
		return domain.CallSession{}, domain.ErrSessionNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sess, nil
}

// Update applies fn to a copy of the session and stores the copy only when fn
// returns nil. The stored session is returned either way.
func (t *Table) Update(_ context.Context, callID string, fn func(*domain.CallSession) error) (domain.CallSession, error) {
	e, ok := t.lookup(callID)
	if !ok {
		return domain.CallSession{}, domain.ErrSessionNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	next := e.sess
	if err := fn(&next); err != nil {
		return e.sess, err
	}
	next.Version = e.sess.Version + 1
	e.sess = next
	return next, nil
}

// Len returns the number of resident sessions.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// SweepResult counts what a sweep changed.
type SweepResult struct {
	Abandoned int
	Evicted   int
}

// Sweep abandons idle active sessions and evicts terminal sessions past the
// policy's retention.
func (t *Table) Sweep(policy ExpiryPolicy, now time.Time) SweepResult {
	t.mu.RLock()
	ids := make([]string, 0, len(t.entries))
	for id := range t.entries {
		ids = append(ids, id)
	}
	t.mu.RUnlock()

	var res SweepResult
	var evict []string
	for _, id := range ids {
		e, ok := t.lookup(id)
		if !ok {
			continue
		}
		e.mu.Lock()
		switch {
		case policy.Idle(e.sess, now):
			Abandon(&e.sess, now)
			e.sess.Version++
			res.Abandoned++
		case policy.Evictable(e.sess, now):
			evict = append(evict, id)
		}
		e.mu.Unlock()
	}

	if len(evict) == 0 {
		return res
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, id := range evict {
		e, ok := t.entries[id]
		if !ok {
			continue
		}
		// Re-check under the entry lock: a late respond may have touched it.
		e.mu.Lock()
		if policy.Evictable(e.sess, now) {
			delete(t.entries, id)
			res.Evicted++
		}
		e.mu.Unlock()
	}
	return res
}

func (t *Table) lookup(callID string) (*entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[callID]
	return e, ok
}
