package license

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory Store for tests. The error fields, when set,
// are returned by the matching operation instead of touching the slot.
type MemoryStore struct {
	mu  sync.Mutex
	lic *License

	LoadErr   error
	StoreErr  error
	DeleteErr error

	Stores  []*License
	Deletes int
}

// NewMemoryStore returns a store holding a copy of lic, or nothing when lic
// is nil.
func NewMemoryStore(lic *License) *MemoryStore {
	return &MemoryStore{lic: lic.Clone()}
}

func (s *MemoryStore) Load(_ context.Context) (*License, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.LoadErr != nil {
		return nil, s.LoadErr
	}
	return s.lic.Clone(), nil
}

func (s *MemoryStore) Store(_ context.Context, l *License) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.StoreErr != nil {
		return s.StoreErr
	}
	s.lic = l.Clone()
	s.lic.State = StateUnvalidated
	s.Stores = append(s.Stores, l.Clone())
	return nil
}

func (s *MemoryStore) Delete(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Deletes++
	if s.DeleteErr != nil {
		return s.DeleteErr
	}
	s.lic = nil
	return nil
}

// Current returns the stored license without going through Load.
func (s *MemoryStore) Current() *License {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lic.Clone()
}

// StoreCount returns how many successful Store calls were made.
func (s *MemoryStore) StoreCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Stores)
}

// RecordingSink collects published events.
type RecordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (r *RecordingSink) Publish(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns a copy of everything published so far.
func (r *RecordingSink) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Types returns the types of the published events in order.
func (r *RecordingSink) Types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	types := make([]EventType, len(r.events))
	for i, e := range r.events {
		types[i] = e.Type
	}
	return types
}
