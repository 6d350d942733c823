package ssa

import (
	"fmt"
	"sync"
	"time"

	"github.com/fleetmon/fleetmon/pkg/types"
)

// Store is the in-process shared status area: one fixed-layout record per
// monitored site plus the supervisor-wide status record. Exactly one
// polling client mutates a given site record; the aggregator owns the
// counter baselines and top arrays; the supervisor owns group rows. The
// store serializes structural changes (rebuilds) against record access,
// and bumps the per-record Seq around every mutation so published
// snapshots carry torn-read detection for external viewers.
type Store struct {
	mu     sync.RWMutex
	recs   []types.SiteRecord
	status types.SupervisorStatus
}

// NewStore creates a store with the given initial records.
func NewStore(recs []types.SiteRecord) *Store {
	s := &Store{recs: make([]types.SiteRecord, len(recs))}
	copy(s.recs, recs)
	s.status.StartTime = time.Now()
	return s
}

// Len returns the number of site records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.recs)
}

// Record returns a copy of the record at index i.
func (s *Store) Record(i int) (types.SiteRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i < 0 || i >= len(s.recs) {
		return types.SiteRecord{}, fmt.Errorf("site index %d out of range (%d sites)", i, len(s.recs))
	}
	return s.recs[i], nil
}

// Records returns a copy of all records.
func (s *Store) Records() []types.SiteRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.SiteRecord, len(s.recs))
	copy(out, s.recs)
	return out
}

// Index returns the index of the record with the given alias, or -1.
func (s *Store) Index(alias string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := range s.recs {
		if s.recs[i].Alias == alias {
			return i
		}
	}
	return -1
}

// Update applies fn to the record at index i under the store lock,
// bumping Seq before and after so readers of the published snapshot can
// detect a torn record.
func (s *Store) Update(i int, fn func(r *types.SiteRecord)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < 0 || i >= len(s.recs) {
		return fmt.Errorf("site index %d out of range (%d sites)", i, len(s.recs))
	}
	r := &s.recs[i]
	r.Seq++ // odd: write in flight
	fn(r)
	r.Seq++ // even: consistent
	return nil
}

// UpdateStatus mutates the supervisor-wide status record.
func (s *Store) UpdateStatus(fn func(st *types.SupervisorStatus)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.status)
}

// Status returns a copy of the supervisor status record.
func (s *Store) Status() types.SupervisorStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Rebuild replaces the record set after a configuration reload. Records
// whose alias survives keep their accumulated state (counters, tops,
// histories, toggle); configuration-derived fields are refreshed from the
// new record. Sites absent from the new configuration are dropped.
func (s *Store) Rebuild(newRecs []types.SiteRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	old := make(map[string]*types.SiteRecord, len(s.recs))
	for i := range s.recs {
		old[s.recs[i].Alias] = &s.recs[i]
	}

	merged := make([]types.SiteRecord, len(newRecs))
	for i, nr := range newRecs {
		if or, ok := old[nr.Alias]; ok {
			kept := *or
			// Refresh everything the configuration owns.
			kept.Endpoints = nr.Endpoints
			kept.RemoteCmd = nr.RemoteCmd
			kept.PollInterval = nr.PollInterval
			kept.ConnectTime = nr.ConnectTime
			kept.DisconnectTime = nr.DisconnectTime
			kept.SwitchMode = nr.SwitchMode
			kept.Options = nr.Options
			kept.Seq += 2
			merged[i] = kept
			continue
		}
		merged[i] = nr
	}
	s.recs = merged
}

// SetConnectStatus is a convenience wrapper for the most common single
// field update.
func (s *Store) SetConnectStatus(i int, st types.ConnectStatus) error {
	return s.Update(i, func(r *types.SiteRecord) {
		r.ConnectStatus = st
	})
}

// PushLogFifo appends one severity byte to the supervisor-wide radar
// fifo.
func (s *Store) PushLogFifo(sev byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status.LogFifo[s.status.LogFifoCounter%types.LogFifoSize] = sev
	s.status.LogFifoCounter++
}
