package auth

import (
	"sync"

	"aiedu.app/tutor/internal/store"
)

// StateStream is the signed-in user of one browser session, observed by its pages.
// Subscribers are called with the current user right away and again on every change.
// A nil user means signed out.
type StateStream struct {
	// mu is held while subscribers run so they see transitions in order.
	// Subscribers must not call back into the stream synchronously.
	mu      sync.Mutex
	current *store.User
	subs    map[uint64]func(*store.User)
	next    uint64
}

func NewStateStream(initial *store.User) *StateStream {
	return &StateStream{current: initial, subs: map[uint64]func(*store.User){}}
}

func (s *StateStream) Current() *store.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

func (s *StateStream) Subscribe(fn func(u *store.User)) func() {
	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = fn
	fn(s.current)
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		})
	}
}

// Publish records a transition and notifies every subscriber.
func (s *StateStream) Publish(u *store.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = u
	for _, fn := range s.subs {
		fn(u)
	}
}

// Subscribers is the number of live subscriptions.
func (s *StateStream) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}
