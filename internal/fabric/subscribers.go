package fabric

import "sync"

// Subscribers is a set of event callbacks. Backends embed it to implement
// Bus.Subscribe.
type Subscribers struct {
	mu   sync.RWMutex
	next uint64
	fns  map[uint64]func(Event)
}

func (s *Subscribers) Subscribe(fn func(Event)) (cancel func()) {
	s.mu.Lock()
	if s.fns == nil {
		s.fns = make(map[uint64]func(Event))
	}
	id := s.next
	s.next++
	s.fns[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.fns, id)
			s.mu.Unlock()
		})
	}
}

// Dispatch calls every subscriber in the caller's goroutine.
func (s *Subscribers) Dispatch(ev Event) {
	s.mu.RLock()
	fns := make([]func(Event), 0, len(s.fns))
	for _, fn := range s.fns {
		fns = append(fns, fn)
	}
	s.mu.RUnlock()

	for _, fn := range fns {
		fn(ev)
	}
}

func (s *Subscribers) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.fns)
}
