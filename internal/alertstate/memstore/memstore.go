// Package memstore is an in-memory Store used by unit tests across the
// executor, scheduler, and obsv packages — it never touches disk.
package memstore

import (
	"sort"
	"sync"
	"time"

	"github.com/opsql/sqlalertd/internal/alertstate"
)

type Store struct {
	mu        sync.RWMutex
	states    map[string]alertstate.State
	history   []alertstate.Record
}

func New() *Store {
	return &Store{
		states: make(map[string]alertstate.State),
	}
}

func (s *Store) LoadState(name string) (alertstate.State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[name]
	if !ok {
		return alertstate.State{}, &alertstate.ErrNotFound{Name: name}
	}
	return st.Clone(), nil
}

func (s *Store) SaveState(st alertstate.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[st.Name] = st.Clone()
	return nil
}

func (s *Store) AppendHistory(r alertstate.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, r.Clone())
	return nil
}

func (s *Store) RecentHistory(name string, limit int) ([]alertstate.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []alertstate.Record
	for _, r := range s.history {
		if name == "" || r.AlertName == name {
			matched = append(matched, r.Clone())
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].ExecutedAt.After(matched[j].ExecutedAt)
	})
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

func (s *Store) Silence(name string, until time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.states[name]
	st.Name = name
	st.SilencedUntil = until
	s.states[name] = st
	return nil
}

func (s *Store) Unsilence(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[name]
	if !ok {
		return nil
	}
	st.SilencedUntil = time.Time{}
	s.states[name] = st
	return nil
}

func (s *Store) Purge(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, name)

	kept := s.history[:0]
	for _, r := range s.history {
		if r.AlertName != name {
			kept = append(kept, r)
		}
	}
	s.history = kept
	return nil
}

func (s *Store) Health() alertstate.Health {
	return alertstate.Health{OK: true, Latency: 0}
}

func (s *Store) Close() error { return nil }
