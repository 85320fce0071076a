// Package store holds the server-side key/value mapping.
//
// This is a cache database, not an eviction cache: entries are never expired
// or deleted, only created and overwritten.
package store

import "sync"

type Store struct {
	mu      sync.Mutex
	entries map[string][]byte
}

func New() *Store {
	return &Store{
		entries: make(map[string][]byte),
	}
}

// Get returns a copy of the value stored for key, so no caller can observe a
// later Put mutating the returned slice.
func (s *Store) Get(key []byte) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	val, ok := s.entries[string(key)]
	if !ok {
		return nil, false
	}

	out := make([]byte, len(val))
	copy(out, val)
	return out, true
}

// Put stores a copy of val under key, silently overwriting any existing value.
// A concurrent Get sees either the old or the new value, never a mix.
func (s *Store) Put(key, val []byte) {
	stored := make([]byte, len(val))
	copy(stored, val)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[string(key)] = stored
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.entries)
}
