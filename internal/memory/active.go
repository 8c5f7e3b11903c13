package memory

import (
	"sync"
	"time"

	"github.com/mohammad-safakhou/deepsearch/internal/research"
)

// activeStore holds in-progress sessions in process memory. Each session has
// at most one writer; a second StoreActiveSession for the same id while the
// first run still owns it is rejected rather than merged.
type activeStore struct {
	mu       sync.RWMutex
	sessions map[string]*activeEntry
	max      int
}

type activeEntry struct {
	record *TierRecord
	owned  bool
}

func newActiveStore(max int) *activeStore {
	if max <= 0 {
		max = 100
	}
	return &activeStore{sessions: make(map[string]*activeEntry), max: max}
}

// put registers sess as active and claims write ownership.
func (a *activeStore) put(sess *research.Session) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if e, ok := a.sessions[sess.ID]; ok {
		if e.owned {
			return ErrSessionBusy
		}
		e.record.Session = sess
		e.record.LastAccessed = time.Now()
		e.owned = true
		return nil
	}
	if len(a.sessions) >= a.max {
		return ErrActiveFull
	}
	a.sessions[sess.ID] = &activeEntry{
		record: &TierRecord{
			Session:       sess,
			Tier:          TierActive,
			AccessCount:   1,
			LastAccessed:  time.Now(),
			TierEnteredAt: time.Now(),
		},
		owned: true,
	}
	return nil
}

// update overwrites the stored session. The caller must own the session.
func (a *activeStore) update(sess *research.Session) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := a.sessions[sess.ID]
	if !ok {
		return ErrNotFound
	}
	e.record.Session = sess
	e.record.LastAccessed = time.Now()
	return nil
}

// get returns a session without transferring ownership. The access stamp is
// a write, so the full lock is held.
func (a *activeStore) get(id string) (*TierRecord, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := a.sessions[id]
	if !ok {
		return nil, false
	}
	e.record.AccessCount++
	e.record.LastAccessed = time.Now()
	return e.record, true
}

// remove drops the session from the active tier, releasing ownership.
func (a *activeStore) remove(id string) *TierRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := a.sessions[id]
	if !ok {
		return nil
	}
	delete(a.sessions, id)
	return e.record
}

func (a *activeStore) list() []*TierRecord {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]*TierRecord, 0, len(a.sessions))
	for _, e := range a.sessions {
		out = append(out, e.record)
	}
	return out
}

func (a *activeStore) count() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.sessions)
}
