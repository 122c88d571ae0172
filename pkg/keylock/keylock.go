// Package keylock provides named mutexes. The fill executor and the wallet
// service share one Set so all balance mutations for a user are serialized.
package keylock

import "sync"

type Set struct {
	locks sync.Map // key -> *sync.Mutex
}

func New() *Set {
	return &Set{}
}

// Lock acquires the mutex for key and returns its unlock function.
func (s *Set) Lock(key string) func() {
	mu, _ := s.locks.LoadOrStore(key, &sync.Mutex{})
	m := mu.(*sync.Mutex)
	m.Lock()
	return m.Unlock
}
