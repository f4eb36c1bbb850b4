package alarmlink

import (
	"sync"
	"sync/atomic"
	"time"
)

// Store holds the current DeviceStatus. Readers never block; writers are
// serialized and publish a whole new snapshot.
type Store struct {
	mu        sync.Mutex
	current   atomic.Pointer[DeviceStatus]
	observers map[int]func(DeviceStatus)
	nextID    int
}

func NewStore(initial DeviceStatus) *Store {
	s := &Store{observers: map[int]func(DeviceStatus){}}
	s.current.Store(&initial)
	return s
}

func (s *Store) Current() DeviceStatus {
	return *s.current.Load()
}

// Apply merges p into the current snapshot, publishes the result to every
// observer and returns both the previous and the new snapshot.
// Observers run while the write lock is held and must not call Apply.
func (s *Store) Apply(p Patch, at time.Time) (prev, next DeviceStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev = *s.current.Load()
	next = p.Apply(prev, at)
	s.current.Store(&next)
	for _, fn := range s.observers {
		fn(next)
	}
	return prev, next
}

// Watch registers fn to be called with every new snapshot.
func (s *Store) Watch(fn func(DeviceStatus)) (cancel func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.observers[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.observers, id)
	}
}
